package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"

	"github.com/sdejongh/courier/pkg/models"
)

// Local is the local side of a transfer, backed by a go-billy filesystem
type Local struct {
	fs billy.Filesystem
}

// NewLocal returns a backend over the operating system filesystem. Paths
// passed to it must be absolute.
func NewLocal() *Local {
	return &Local{fs: osfs.New("/")}
}

// NewLocalFS wraps an arbitrary billy filesystem (memfs in tests)
func NewLocalFS(fsys billy.Filesystem) *Local {
	return &Local{fs: fsys}
}

// List returns the direct children of dir
func (l *Local) List(ctx context.Context, dir string) ([]models.FileEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	infos, err := l.fs.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("local: readdir %q: %w", dir, err)
	}
	entries := make([]models.FileEntry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, models.EntryFromInfo(l.fs.Join(dir, info.Name()), info.Name(), info))
	}
	SortEntries(entries)
	return entries, nil
}

// Stat returns file metadata
func (l *Local) Stat(ctx context.Context, p string) (models.FileEntry, error) {
	info, err := l.fs.Stat(p)
	if err != nil {
		return models.FileEntry{}, fmt.Errorf("local: stat %q: %w", p, err)
	}
	return models.EntryFromInfo(p, filepath.Base(p), info), nil
}

// Open opens a file for reading
func (l *Local) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	f, err := l.fs.Open(p)
	if err != nil {
		return nil, fmt.Errorf("local: open %q: %w", p, err)
	}
	return f, nil
}

// Create creates or truncates a file
func (l *Local) Create(ctx context.Context, p string) (io.WriteCloser, error) {
	f, err := l.fs.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("local: create %q: %w", p, err)
	}
	return f, nil
}

// Rename moves oldpath over newpath
func (l *Local) Rename(ctx context.Context, oldpath, newpath string) error {
	err := l.fs.Rename(oldpath, newpath)
	if err == nil {
		return nil
	}
	// Some billy filesystems refuse to replace an existing target
	if _, statErr := l.fs.Stat(newpath); statErr == nil {
		if rmErr := l.fs.Remove(newpath); rmErr != nil {
			return fmt.Errorf("local: rename %q: %w", newpath, rmErr)
		}
		err = l.fs.Rename(oldpath, newpath)
	}
	if err != nil {
		return fmt.Errorf("local: rename %q -> %q: %w", oldpath, newpath, err)
	}
	return nil
}

// Remove removes a file or empty directory
func (l *Local) Remove(ctx context.Context, p string) error {
	if err := l.fs.Remove(p); err != nil {
		return fmt.Errorf("local: remove %q: %w", p, err)
	}
	return nil
}

// MkdirAll creates a directory and all necessary parents
func (l *Local) MkdirAll(ctx context.Context, p string) error {
	if err := l.fs.MkdirAll(p, 0755); err != nil {
		return fmt.Errorf("local: mkdirall %q: %w", p, err)
	}
	return nil
}

// Chtimes sets the modification time when the filesystem supports it
func (l *Local) Chtimes(ctx context.Context, p string, mtime time.Time) error {
	change, ok := l.fs.(billy.Change)
	if !ok {
		return nil
	}
	if err := change.Chtimes(p, mtime, mtime); err != nil {
		return fmt.Errorf("local: chtimes %q: %w", p, err)
	}
	return nil
}

// Join joins path elements
func (l *Local) Join(elem ...string) string {
	return l.fs.Join(elem...)
}
