// Package atomicfs writes files and directories so that a destination path is
// either absent, untouched, or complete. Content is staged beside the
// destination (same filesystem) and published with a single rename, so a
// process killed mid-write never leaves a partial artifact at the final path.
package atomicfs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const stagingTag = ".gpuforge-"

// WriteFile atomically replaces path with content.
func WriteFile(path string, content []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, stagingPattern(path))
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("setting permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file to %s: %w", path, err)
	}

	success = true
	syncDir(dir)
	return nil
}

// File is a staged file that becomes visible at its destination on Commit.
type File struct {
	*os.File
	dest      string
	committed bool
}

// CreateFile opens a new staging file beside dest.
func CreateFile(dest string) (*File, error) {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, stagingPattern(dest))
	if err != nil {
		return nil, fmt.Errorf("creating staging file: %w", err)
	}
	return &File{File: f, dest: dest}, nil
}

// OpenPartial opens (or creates) the deterministic resumable staging file for
// dest, positioned at its end. The returned offset is its current size.
func OpenPartial(dest string) (*File, int64, error) {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, 0, fmt.Errorf("creating directory %s: %w", dir, err)
	}
	f, err := os.OpenFile(PartialPath(dest), os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, 0, fmt.Errorf("opening partial file: %w", err)
	}
	offset, err := f.Seek(0, 2)
	if err != nil {
		_ = f.Close()
		return nil, 0, fmt.Errorf("seeking partial file: %w", err)
	}
	return &File{File: f, dest: dest}, offset, nil
}

// Truncate discards staged content so the download can restart from zero.
func (f *File) Truncate() error {
	if err := f.File.Truncate(0); err != nil {
		return err
	}
	_, err := f.Seek(0, 0)
	return err
}

// Commit syncs the staged content and renames it onto the destination.
func (f *File) Commit(perm os.FileMode) error {
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("syncing staging file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing staging file: %w", err)
	}
	if err := os.Chmod(f.Name(), perm); err != nil {
		return fmt.Errorf("setting permissions: %w", err)
	}
	if err := os.Rename(f.Name(), f.dest); err != nil {
		return fmt.Errorf("renaming staging file to %s: %w", f.dest, err)
	}
	f.committed = true
	syncDir(filepath.Dir(f.dest))
	return nil
}

// Abort closes and removes the staging file. It is a no-op after Commit.
func (f *File) Abort() {
	if f.committed {
		return
	}
	_ = f.Close()
	_ = os.Remove(f.Name())
}

// Keep closes the staging file without removing it, so a later call to
// OpenPartial can resume it.
func (f *File) Keep() {
	if !f.committed {
		_ = f.Close()
	}
}

// Dir is a staged directory that becomes visible at its destination on Commit.
type Dir struct {
	Path      string
	dest      string
	committed bool
}

// CreateDir creates an empty staging directory beside dest.
func CreateDir(dest string) (*Dir, error) {
	parent := filepath.Dir(dest)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", parent, err)
	}
	path, err := os.MkdirTemp(parent, stagingPattern(dest))
	if err != nil {
		return nil, fmt.Errorf("creating staging directory: %w", err)
	}
	return &Dir{Path: path, dest: dest}, nil
}

// Commit renames the staging directory onto the destination. It fails if a
// non-empty directory already exists there.
func (d *Dir) Commit() error {
	if err := os.Chmod(d.Path, 0o755); err != nil {
		return fmt.Errorf("setting permissions: %w", err)
	}
	if err := os.Rename(d.Path, d.dest); err != nil {
		return fmt.Errorf("renaming staging directory to %s: %w", d.dest, err)
	}
	d.committed = true
	syncDir(filepath.Dir(d.dest))
	return nil
}

// Abort removes the staging directory. It never touches the destination.
func (d *Dir) Abort() {
	if d.committed {
		return
	}
	_ = os.RemoveAll(d.Path)
}

// PartialPath is the deterministic resumable staging path for dest.
func PartialPath(dest string) string {
	return filepath.Join(filepath.Dir(dest), "."+filepath.Base(dest)+".gpuforge.partial")
}

// CleanStale removes staging leftovers for dest from interrupted runs. The
// resumable partial file is kept. Only paths carrying the staging tag are
// removed; the destination itself is never touched.
func CleanStale(dest string) ([]string, error) {
	pattern := filepath.Join(filepath.Dir(dest), "."+filepath.Base(dest)+stagingTag+"*")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}

	removed := make([]string, 0, len(matches))
	var errs []error
	for _, m := range matches {
		if err := os.RemoveAll(m); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, m)
	}
	return removed, errors.Join(errs...)
}

func stagingPattern(dest string) string {
	return "." + filepath.Base(dest) + stagingTag + "*"
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
