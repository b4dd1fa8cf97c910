package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sort"
	"time"

	"github.com/sdejongh/courier/pkg/models"
)

// Backend is one side of a transfer: the local filesystem or a remote
// session. Paths are absolute in the backend's own syntax.
type Backend interface {
	// List returns the direct children of dir sorted by name. The
	// RelativePath of each entry is its base name.
	List(ctx context.Context, dir string) ([]models.FileEntry, error)

	// Stat returns metadata for p. Missing paths yield an error matching
	// fs.ErrNotExist.
	Stat(ctx context.Context, p string) (models.FileEntry, error)

	// Open opens a file for reading
	Open(ctx context.Context, p string) (io.ReadCloser, error)

	// Create creates or truncates a file for writing
	Create(ctx context.Context, p string) (io.WriteCloser, error)

	// Rename moves oldpath to newpath, replacing newpath if it exists
	Rename(ctx context.Context, oldpath, newpath string) error

	// Remove removes a file or an empty directory
	Remove(ctx context.Context, p string) error

	// MkdirAll creates a directory and all necessary parents
	MkdirAll(ctx context.Context, p string) error

	// Chtimes sets the modification time of p
	Chtimes(ctx context.Context, p string, mtime time.Time) error

	// Join joins path elements using the backend's separator
	Join(elem ...string) string
}

// IsNotExist reports whether err means the path does not exist
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

// Exists checks if a file or directory exists
func Exists(ctx context.Context, b Backend, p string) (bool, error) {
	_, err := b.Stat(ctx, p)
	switch {
	case err == nil:
		return true, nil
	case IsNotExist(err):
		return false, nil
	default:
		return false, err
	}
}

// RemoveAll removes p and everything below it, deepest entries first.
// A missing p is not an error.
func RemoveAll(ctx context.Context, b Backend, p string) error {
	entry, err := b.Stat(ctx, p)
	if err != nil {
		if IsNotExist(err) {
			return nil
		}
		return err
	}
	if entry.IsDir {
		children, err := b.List(ctx, p)
		if err != nil && !IsNotExist(err) {
			return err
		}
		for _, child := range children {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := RemoveAll(ctx, b, child.AbsolutePath); err != nil {
				return err
			}
		}
	}
	if err := b.Remove(ctx, p); err != nil && !IsNotExist(err) {
		return err
	}
	return nil
}

// ReadFile reads a whole file
func ReadFile(ctx context.Context, b Backend, p string) ([]byte, error) {
	r, err := b.Open(ctx, p)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// WriteFile creates p with data
func WriteFile(ctx context.Context, b Backend, p string, data []byte) error {
	w, err := b.Create(ctx, p)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("write %q: %w", p, err)
	}
	return w.Close()
}

// SortEntries orders entries by name
func SortEntries(entries []models.FileEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].RelativePath < entries[j].RelativePath
	})
}
