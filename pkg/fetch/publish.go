package fetch

import (
	"context"
	"fmt"
	"hash"
	"io"
	"os"
	"path"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/openfroyo/gpuforge/pkg/atomicfs"
)

// needsDecompress reports whether a .zst download must be expanded into an
// uncompressed destination.
func needsDecompress(remotePath, dest string) bool {
	return strings.HasSuffix(path.Clean(remotePath), ".zst") && !strings.HasSuffix(dest, ".zst")
}

// publish verifies a completed partial download and moves it onto dest. When
// decompress is set the partial holds zstd data and dest receives the decoded
// stream. The checksum always covers the final destination content. On a
// checksum or decode failure the partial is removed so the next pass starts
// over.
func publish(ctx context.Context, partial *atomicfs.File, dest, checksum string, decompress bool) error {
	sum, err := ParseChecksum(checksum)
	if err != nil {
		partial.Keep()
		return err
	}

	if !decompress {
		if sum != nil {
			if err := partial.Sync(); err != nil {
				partial.Keep()
				return fmt.Errorf("syncing download: %w", err)
			}
			if err := verifyFile(partial.Name(), sum); err != nil {
				partial.Abort()
				return err
			}
		}
		if err := partial.Commit(0o644); err != nil {
			partial.Abort()
			return err
		}
		return nil
	}

	partial.Keep()
	src, err := os.Open(partial.Name())
	if err != nil {
		return fmt.Errorf("opening download: %w", err)
	}
	defer src.Close()

	dec, err := zstd.NewReader(src)
	if err != nil {
		return fmt.Errorf("creating zstd reader: %w", err)
	}
	defer dec.Close()

	out, err := atomicfs.CreateFile(dest)
	if err != nil {
		return err
	}
	defer out.Abort()

	var w io.Writer = out
	var h hash.Hash
	if sum != nil {
		hasher, err := sum.New()
		if err != nil {
			return err
		}
		w = io.MultiWriter(out, hasher)
		h = hasher
	}

	if _, err := copyContext(ctx, w, dec); err != nil {
		if ctx.Err() == nil {
			_ = os.Remove(partial.Name())
		}
		return fmt.Errorf("decompressing: %w", err)
	}
	if h != nil {
		if err := sum.Verify(h.Sum(nil)); err != nil {
			_ = os.Remove(partial.Name())
			return err
		}
	}
	if err := out.Commit(0o644); err != nil {
		return err
	}
	_ = os.Remove(partial.Name())
	return nil
}

func verifyFile(name string, sum *Checksum) error {
	f, err := os.Open(name)
	if err != nil {
		return fmt.Errorf("opening download: %w", err)
	}
	defer f.Close()

	h, err := sum.New()
	if err != nil {
		return err
	}
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("hashing download: %w", err)
	}
	return sum.Verify(h.Sum(nil))
}
