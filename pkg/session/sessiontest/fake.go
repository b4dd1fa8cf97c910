// Package sessiontest provides an in-memory remote filesystem and sessions
// over it, instrumented to detect concurrent use of one session and able to
// inject failures and connection drops.
package sessiontest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sdejongh/courier/pkg/models"
	"github.com/sdejongh/courier/pkg/session"
)

// ErrConnectionLost is returned by every operation on a dropped session
var ErrConnectionLost = errors.New("connection lost")

type file struct {
	data  []byte
	mtime time.Time
}

// FS is a remote filesystem shared by all sessions of an Opener
type FS struct {
	mu    sync.Mutex
	files map[string]*file
	dirs  map[string]time.Time
}

// NewFS returns an empty filesystem containing only "/"
func NewFS() *FS {
	return &FS{
		files: make(map[string]*file),
		dirs:  map[string]time.Time{"/": time.Now()},
	}
}

// WriteFile stores data at p, creating parent directories
func (fs *FS) WriteFile(p string, data []byte, mtime time.Time) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	p = path.Clean(p)
	fs.mkdirAll(path.Dir(p))
	fs.files[p] = &file{data: append([]byte(nil), data...), mtime: mtime}
}

// MkdirAll creates p and its parents
func (fs *FS) MkdirAll(p string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.mkdirAll(path.Clean(p))
}

// ReadFile returns the content stored at p
func (fs *FS) ReadFile(p string) ([]byte, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	f, ok := fs.files[path.Clean(p)]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), f.data...), true
}

// Exists reports whether a file or directory exists at p
func (fs *FS) Exists(p string) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	p = path.Clean(p)
	_, isFile := fs.files[p]
	_, isDir := fs.dirs[p]
	return isFile || isDir
}

// Files returns every file path in sorted order
func (fs *FS) Files() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([]string, 0, len(fs.files))
	for p := range fs.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (fs *FS) mkdirAll(p string) {
	for p != "/" && p != "." {
		if _, ok := fs.dirs[p]; ok {
			return
		}
		fs.dirs[p] = time.Now()
		p = path.Dir(p)
	}
}

func (fs *FS) hasChildren(dir string) bool {
	prefix := strings.TrimSuffix(dir, "/") + "/"
	for p := range fs.files {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	for p := range fs.dirs {
		if p != dir && strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

// Fault describes an injected failure. Op is one of alive, list, stat,
// open, create, write, rename, remove, mkdir, chtimes. Path matches by suffix
// and an empty Path matches everything.
type Fault struct {
	Op   string
	Path string
	Err  error
	// Skip lets the first Skip matching calls through
	Skip int
	// Times bounds how often the fault fires (0 = always)
	Times int
	// Drop kills the session: this and every later call fail with a
	// connection lost error
	Drop bool
	// ShortWrite silently stores only half of the written data
	ShortWrite bool

	seen  int
	fired int
}

// Opener hands out sessions over one FS
type Opener struct {
	FS *FS
	// Delay is slept inside every create to widen concurrency windows
	Delay time.Duration

	mu        sync.Mutex
	openErr   error
	faults    []*Fault
	opened    int
	sessions  []*Session
	active    int32
	maxActive int32
	reentry   int32
}

// NewOpener creates an opener over fs
func NewOpener(fs *FS) *Opener {
	return &Opener{FS: fs}
}

var _ session.Opener = (*Opener)(nil)

// Open returns a new session or the configured open error
func (o *Opener) Open(ctx context.Context, host models.HostProfile) (session.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.openErr != nil {
		return nil, o.openErr
	}
	o.opened++
	s := &Session{id: fmt.Sprintf("fake-%d", o.opened), host: host.Name, o: o}
	o.sessions = append(o.sessions, s)
	return s, nil
}

// SetOpenError makes every later Open fail with err (nil restores)
func (o *Opener) SetOpenError(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.openErr = err
}

// Inject registers a fault
func (o *Opener) Inject(f Fault) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.faults = append(o.faults, &f)
}

// Opened returns how many sessions were opened
func (o *Opener) Opened() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opened
}

// Sessions returns every session opened so far
func (o *Opener) Sessions() []*Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*Session(nil), o.sessions...)
}

// MaxConcurrent returns the highest number of sessions seen inside an
// operation at the same time
func (o *Opener) MaxConcurrent() int {
	return int(atomic.LoadInt32(&o.maxActive))
}

// Reentrancy returns how many times one session was used by two callers
// at once
func (o *Opener) Reentrancy() int {
	return int(atomic.LoadInt32(&o.reentry))
}

func (o *Opener) fault(op, p string) *Fault {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, f := range o.faults {
		if f.Op != op || (f.Path != "" && !strings.HasSuffix(p, f.Path)) {
			continue
		}
		f.seen++
		if f.seen <= f.Skip {
			continue
		}
		if f.Times > 0 && f.fired >= f.Times {
			continue
		}
		f.fired++
		return f
	}
	return nil
}

// Session is a fake remote session
type Session struct {
	id   string
	host string
	o    *Opener

	busy   int32
	closed atomic.Bool
	ops    atomic.Int32
}

var _ session.Session = (*Session)(nil)

// ID identifies the session
func (s *Session) ID() string { return s.id }

// Host returns the profile name
func (s *Session) Host() string { return s.host }

// Close marks the session closed
func (s *Session) Close() error {
	s.closed.Store(true)
	return nil
}

// Alive fails once the session is closed or an "alive" fault fires
func (s *Session) Alive(ctx context.Context) error {
	_, err := s.check(ctx, "alive", ".")
	return err
}

// Closed reports whether Close was called or the session was dropped
func (s *Session) Closed() bool { return s.closed.Load() }

// Ops returns how many operations ran on the session
func (s *Session) Ops() int { return int(s.ops.Load()) }

func (s *Session) enter() func() {
	if atomic.AddInt32(&s.busy, 1) > 1 {
		atomic.AddInt32(&s.o.reentry, 1)
	}
	n := atomic.AddInt32(&s.o.active, 1)
	for {
		max := atomic.LoadInt32(&s.o.maxActive)
		if n <= max || atomic.CompareAndSwapInt32(&s.o.maxActive, max, n) {
			break
		}
	}
	s.ops.Add(1)
	return func() {
		atomic.AddInt32(&s.o.active, -1)
		atomic.AddInt32(&s.busy, -1)
	}
}

func lost(op, p string) error {
	return &models.TransferError{Kind: models.KindTransient, Op: op, Path: p, Err: ErrConnectionLost, Reconnect: true}
}

func notFound(op, p string) error {
	return &models.TransferError{Kind: models.KindNotFound, Op: op, Path: p, Err: os.ErrNotExist}
}

// check applies the closed state and injected faults
func (s *Session) check(ctx context.Context, op, p string) (*Fault, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, lost(op, p)
	}
	f := s.o.fault(op, p)
	if f == nil {
		return nil, nil
	}
	if f.Drop {
		s.closed.Store(true)
		return f, lost(op, p)
	}
	return f, f.Err
}

// List returns the direct children of dir
func (s *Session) List(ctx context.Context, dir string) ([]models.FileEntry, error) {
	defer s.enter()()
	dir = path.Clean(dir)
	if _, err := s.check(ctx, "list", dir); err != nil {
		return nil, err
	}

	fs := s.o.FS
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, ok := fs.dirs[dir]; !ok {
		return nil, notFound("readdir", dir)
	}
	var out []models.FileEntry
	for p, f := range fs.files {
		if path.Dir(p) == dir {
			out = append(out, models.FileEntry{RelativePath: path.Base(p), AbsolutePath: p, Size: int64(len(f.data)), ModTime: f.mtime, Mode: 0644})
		}
	}
	for p, mtime := range fs.dirs {
		if p != dir && path.Dir(p) == dir {
			out = append(out, models.FileEntry{RelativePath: path.Base(p), AbsolutePath: p, ModTime: mtime, IsDir: true, Mode: 0755})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RelativePath < out[j].RelativePath })
	return out, nil
}

// Stat returns metadata for p
func (s *Session) Stat(ctx context.Context, p string) (models.FileEntry, error) {
	defer s.enter()()
	p = path.Clean(p)
	if _, err := s.check(ctx, "stat", p); err != nil {
		return models.FileEntry{}, err
	}
	fs := s.o.FS
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if f, ok := fs.files[p]; ok {
		return models.FileEntry{RelativePath: path.Base(p), AbsolutePath: p, Size: int64(len(f.data)), ModTime: f.mtime, Mode: 0644}, nil
	}
	if mtime, ok := fs.dirs[p]; ok {
		return models.FileEntry{RelativePath: path.Base(p), AbsolutePath: p, ModTime: mtime, IsDir: true, Mode: 0755}, nil
	}
	return models.FileEntry{}, notFound("stat", p)
}

// Open returns a reader over the stored content
func (s *Session) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	defer s.enter()()
	p = path.Clean(p)
	if _, err := s.check(ctx, "open", p); err != nil {
		return nil, err
	}
	data, ok := s.o.FS.ReadFile(p)
	if !ok {
		return nil, notFound("open", p)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Create returns a writer that commits on Close
func (s *Session) Create(ctx context.Context, p string) (io.WriteCloser, error) {
	defer s.enter()()
	p = path.Clean(p)
	if _, err := s.check(ctx, "create", p); err != nil {
		return nil, err
	}
	if s.o.Delay > 0 {
		time.Sleep(s.o.Delay)
	}
	fs := s.o.FS
	fs.mu.Lock()
	_, parentOK := fs.dirs[path.Dir(p)]
	fs.mu.Unlock()
	if !parentOK {
		return nil, notFound("create", p)
	}
	return &writer{s: s, path: p}, nil
}

type writer struct {
	s    *Session
	path string
	buf  bytes.Buffer
}

func (w *writer) Write(b []byte) (int, error) {
	f, err := w.s.check(context.Background(), "write", w.path)
	if err != nil {
		return 0, err
	}
	if f != nil && f.ShortWrite {
		w.buf.Write(b[:len(b)/2])
		return len(b), nil
	}
	return w.buf.Write(b)
}

func (w *writer) Close() error {
	if w.s.closed.Load() {
		return lost("close", w.path)
	}
	w.s.o.FS.WriteFile(w.path, w.buf.Bytes(), time.Now())
	return nil
}

// Rename moves oldpath over newpath
func (s *Session) Rename(ctx context.Context, oldpath, newpath string) error {
	defer s.enter()()
	oldpath, newpath = path.Clean(oldpath), path.Clean(newpath)
	if _, err := s.check(ctx, "rename", newpath); err != nil {
		return err
	}
	fs := s.o.FS
	fs.mu.Lock()
	defer fs.mu.Unlock()
	f, ok := fs.files[oldpath]
	if !ok {
		return notFound("rename", oldpath)
	}
	delete(fs.files, oldpath)
	fs.files[newpath] = f
	return nil
}

// Remove removes a file or empty directory
func (s *Session) Remove(ctx context.Context, p string) error {
	defer s.enter()()
	p = path.Clean(p)
	if _, err := s.check(ctx, "remove", p); err != nil {
		return err
	}
	fs := s.o.FS
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, ok := fs.files[p]; ok {
		delete(fs.files, p)
		return nil
	}
	if _, ok := fs.dirs[p]; ok {
		if fs.hasChildren(p) {
			return &models.TransferError{Kind: models.KindUnknown, Op: "remove", Path: p, Err: errors.New("directory not empty")}
		}
		delete(fs.dirs, p)
		return nil
	}
	return notFound("remove", p)
}

// MkdirAll creates a directory and its parents
func (s *Session) MkdirAll(ctx context.Context, p string) error {
	defer s.enter()()
	p = path.Clean(p)
	if _, err := s.check(ctx, "mkdir", p); err != nil {
		return err
	}
	s.o.FS.MkdirAll(p)
	return nil
}

// Chtimes sets the modification time of a file or directory
func (s *Session) Chtimes(ctx context.Context, p string, mtime time.Time) error {
	defer s.enter()()
	p = path.Clean(p)
	if _, err := s.check(ctx, "chtimes", p); err != nil {
		return err
	}
	fs := s.o.FS
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if f, ok := fs.files[p]; ok {
		f.mtime = mtime
		return nil
	}
	if _, ok := fs.dirs[p]; ok {
		fs.dirs[p] = mtime
		return nil
	}
	return notFound("chtimes", p)
}

// Join joins path elements with '/'
func (s *Session) Join(elem ...string) string {
	return path.Join(elem...)
}
