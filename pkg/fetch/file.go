package fetch

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/openfroyo/gpuforge/pkg/atomicfs"
	"github.com/openfroyo/gpuforge/pkg/engine"
)

// FileFetcher copies files and directory trees from the local filesystem,
// typically a mounted model share.
type FileFetcher struct {
	logger zerolog.Logger
}

// NewFileFetcher creates a local copy fetcher.
func NewFileFetcher(logger zerolog.Logger) *FileFetcher {
	return &FileFetcher{logger: logger}
}

func (f *FileFetcher) fetch(ctx context.Context, req engine.FetchRequest) (int64, error) {
	src, err := localPath(req.Locator)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(src)
	if err != nil {
		return 0, fmt.Errorf("source: %w", err)
	}

	if req.Directory {
		if !info.IsDir() {
			return 0, fmt.Errorf("source %s is not a directory", src)
		}
		return f.copyDir(ctx, src, req.Destination)
	}
	if !info.Mode().IsRegular() {
		return 0, fmt.Errorf("source %s is not a regular file", src)
	}
	return f.copyFile(ctx, src, req)
}

func (f *FileFetcher) copyFile(ctx context.Context, src string, req engine.FetchRequest) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := atomicfs.CreateFile(req.Destination)
	if err != nil {
		return 0, err
	}
	defer out.Abort()

	n, err := copyContext(ctx, out, in)
	if err != nil {
		return n, fmt.Errorf("copying %s: %w", src, err)
	}

	sum, err := ParseChecksum(req.Checksum)
	if err != nil {
		return n, err
	}
	if sum != nil {
		if err := out.Sync(); err != nil {
			return n, err
		}
		if err := verifyFile(out.Name(), sum); err != nil {
			return n, err
		}
	}

	if err := out.Commit(0o644); err != nil {
		return n, err
	}
	return n, nil
}

func (f *FileFetcher) copyDir(ctx context.Context, src, dest string) (int64, error) {
	staged, err := atomicfs.CreateDir(dest)
	if err != nil {
		return 0, err
	}
	defer staged.Abort()

	var total int64
	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(staged.Path, rel)

		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o755)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case d.Type().IsRegular():
			n, err := copyRegular(path, target)
			total += n
			return err
		default:
			f.logger.Debug().Str("path", path).Msg("Skipping special file")
			return nil
		}
	})
	if err != nil {
		return total, fmt.Errorf("copying %s: %w", src, err)
	}

	if err := staged.Commit(); err != nil {
		return total, err
	}
	return total, nil
}

func copyRegular(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return 0, err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return n, err
}

func localPath(locator string) (string, error) {
	if filepath.IsAbs(locator) {
		return locator, nil
	}
	u, err := url.Parse(locator)
	if err != nil {
		return "", fmt.Errorf("parsing locator: %w", err)
	}
	if u.Scheme != "file" || u.Path == "" {
		return "", fmt.Errorf("not a local locator: %q", locator)
	}
	if u.Host != "" && u.Host != "localhost" {
		return "", fmt.Errorf("file locator %q names a remote host", locator)
	}
	return u.Path, nil
}
