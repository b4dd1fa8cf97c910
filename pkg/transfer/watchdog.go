package transfer

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/sdejongh/courier/pkg/models"
	"github.com/sdejongh/courier/pkg/storage"
)

// watchdog records the last time an attempt made progress. Waiting for
// the bandwidth limiter is not inactivity.
type watchdog struct {
	mu        sync.Mutex
	last      time.Time
	throttled int
}

func newWatchdog() *watchdog {
	return &watchdog{last: time.Now()}
}

func (w *watchdog) touch() {
	w.mu.Lock()
	w.last = time.Now()
	w.mu.Unlock()
}

// throttle is called when a limiter wait starts and ends
func (w *watchdog) throttle(waiting bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if waiting {
		w.throttled++
	} else {
		w.throttled--
	}
	w.last = time.Now()
}

// idle returns how long the attempt has gone without progress
func (w *watchdog) idle(now time.Time) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.throttled > 0 {
		return 0
	}
	return now.Sub(w.last)
}

// checkInterval returns how often an attempt looks at its watchdog
func checkInterval(timeout time.Duration) time.Duration {
	d := timeout / 4
	switch {
	case d < 10*time.Millisecond:
		return 10 * time.Millisecond
	case d > time.Second:
		return time.Second
	}
	return d
}

// watchedBackend counts every completed call and every chunk moved
// through its streams as progress
type watchedBackend struct {
	storage.Backend
	wd *watchdog
}

func (b watchedBackend) List(ctx context.Context, dir string) ([]models.FileEntry, error) {
	defer b.wd.touch()
	return b.Backend.List(ctx, dir)
}

func (b watchedBackend) Stat(ctx context.Context, p string) (models.FileEntry, error) {
	defer b.wd.touch()
	return b.Backend.Stat(ctx, p)
}

func (b watchedBackend) Open(ctx context.Context, p string) (io.ReadCloser, error) {
	defer b.wd.touch()
	r, err := b.Backend.Open(ctx, p)
	if err != nil {
		return nil, err
	}
	return &watchedReader{ReadCloser: r, wd: b.wd}, nil
}

func (b watchedBackend) Create(ctx context.Context, p string) (io.WriteCloser, error) {
	defer b.wd.touch()
	w, err := b.Backend.Create(ctx, p)
	if err != nil {
		return nil, err
	}
	return &watchedWriter{WriteCloser: w, wd: b.wd}, nil
}

func (b watchedBackend) Rename(ctx context.Context, oldpath, newpath string) error {
	defer b.wd.touch()
	return b.Backend.Rename(ctx, oldpath, newpath)
}

func (b watchedBackend) Remove(ctx context.Context, p string) error {
	defer b.wd.touch()
	return b.Backend.Remove(ctx, p)
}

func (b watchedBackend) MkdirAll(ctx context.Context, p string) error {
	defer b.wd.touch()
	return b.Backend.MkdirAll(ctx, p)
}

func (b watchedBackend) Chtimes(ctx context.Context, p string, mtime time.Time) error {
	defer b.wd.touch()
	return b.Backend.Chtimes(ctx, p, mtime)
}

type watchedReader struct {
	io.ReadCloser
	wd *watchdog
}

func (r *watchedReader) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	r.wd.touch()
	return n, err
}

type watchedWriter struct {
	io.WriteCloser
	wd *watchdog
}

func (w *watchedWriter) Write(p []byte) (int, error) {
	n, err := w.WriteCloser.Write(p)
	w.wd.touch()
	return n, err
}

func (w *watchedWriter) Close() error {
	defer w.wd.touch()
	return w.WriteCloser.Close()
}
