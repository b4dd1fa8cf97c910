package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sync"
	"time"

	"github.com/pkg/sftp"

	"github.com/sdejongh/courier/internal/platform"
	"github.com/sdejongh/courier/pkg/models"
	"github.com/sdejongh/courier/pkg/storage"
)

// Session is an SFTP channel over an SSH connection. It implements
// session.Session; all paths are POSIX.
type Session struct {
	id      string
	host    string
	client  *sftp.Client
	closers []io.Closer

	closeOnce sync.Once
	closeErr  error
}

func newSession(id, host string, client *sftp.Client, closers ...io.Closer) *Session {
	return &Session{id: id, host: host, client: client, closers: closers}
}

// ID identifies the session in logs
func (s *Session) ID() string { return s.id }

// Host returns the profile name
func (s *Session) Host() string { return s.host }

// Close closes the SFTP client and the underlying SSH connections
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		if err := s.client.Close(); err != nil && !errors.Is(err, io.EOF) {
			s.closeErr = err
		}
		for _, c := range s.closers {
			if c == nil {
				continue
			}
			if err := c.Close(); err != nil && s.closeErr == nil && !errors.Is(err, io.EOF) {
				s.closeErr = err
			}
		}
	})
	return s.closeErr
}

// Alive round-trips a realpath request. A dead connection either fails it
// or never answers before ctx expires.
func (s *Session) Alive(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		_, err := s.client.Getwd()
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return Classify("getwd", ".", err)
		}
		return nil
	case <-ctx.Done():
		return models.NewTransferError(models.KindTransient, "getwd", ".", ctx.Err())
	}
}

// List returns the direct children of dir sorted by name
func (s *Session) List(ctx context.Context, dir string) ([]models.FileEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir = platform.NormalizeRemote(dir)
	infos, err := s.client.ReadDir(dir)
	if err != nil {
		return nil, Classify("readdir", dir, err)
	}
	entries := make([]models.FileEntry, 0, len(infos))
	for _, info := range infos {
		if info.Name() == "." || info.Name() == ".." {
			continue
		}
		entries = append(entries, models.EntryFromInfo(path.Join(dir, info.Name()), info.Name(), info))
	}
	storage.SortEntries(entries)
	return entries, nil
}

// Stat returns metadata for p
func (s *Session) Stat(ctx context.Context, p string) (models.FileEntry, error) {
	if err := ctx.Err(); err != nil {
		return models.FileEntry{}, err
	}
	p = platform.NormalizeRemote(p)
	info, err := s.client.Stat(p)
	if err != nil {
		return models.FileEntry{}, Classify("stat", p, err)
	}
	return models.EntryFromInfo(p, path.Base(p), info), nil
}

// Open opens a remote file for reading
func (s *Session) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := s.client.Open(platform.NormalizeRemote(p))
	if err != nil {
		return nil, Classify("open", p, err)
	}
	return f, nil
}

// Create creates or truncates a remote file
func (s *Session) Create(ctx context.Context, p string) (io.WriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := s.client.OpenFile(platform.NormalizeRemote(p), os.O_CREATE|os.O_WRONLY|os.O_TRUNC)
	if err != nil {
		return nil, Classify("create", p, err)
	}
	return f, nil
}

// Rename moves oldpath over newpath. The posix-rename extension replaces
// atomically; servers without it get remove followed by rename.
func (s *Session) Rename(ctx context.Context, oldpath, newpath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	oldpath, newpath = platform.NormalizeRemote(oldpath), platform.NormalizeRemote(newpath)

	if _, ok := s.client.HasExtension("posix-rename@openssh.com"); ok {
		if err := s.client.PosixRename(oldpath, newpath); err == nil {
			return nil
		}
	}

	if err := s.client.Remove(newpath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Classify("rename", newpath, err)
	}
	if err := s.client.Rename(oldpath, newpath); err != nil {
		return Classify("rename", newpath, err)
	}
	return nil
}

// Remove removes a file or an empty directory
func (s *Session) Remove(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p = platform.NormalizeRemote(p)
	info, err := s.client.Stat(p)
	if err != nil {
		return Classify("remove", p, err)
	}
	if info.IsDir() {
		err = s.client.RemoveDirectory(p)
	} else {
		err = s.client.Remove(p)
	}
	if err != nil {
		return Classify("remove", p, err)
	}
	return nil
}

// MkdirAll creates a directory and all necessary parents
func (s *Session) MkdirAll(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p = platform.NormalizeRemote(p)
	if p == "/" || p == "." {
		return nil
	}
	if err := s.client.MkdirAll(p); err != nil {
		return Classify("mkdir", p, err)
	}
	return nil
}

// Chtimes sets the modification time of p
func (s *Session) Chtimes(ctx context.Context, p string, mtime time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.client.Chtimes(platform.NormalizeRemote(p), mtime, mtime); err != nil {
		return Classify("chtimes", p, err)
	}
	return nil
}

// Join joins remote path elements with '/'
func (s *Session) Join(elem ...string) string {
	return platform.JoinRemote(elem...)
}

var _ storage.Backend = (*Session)(nil)

func (s *Session) String() string {
	return fmt.Sprintf("sftp session %s (%s)", s.id, s.host)
}
