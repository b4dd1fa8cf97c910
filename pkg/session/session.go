// Package session owns the lifecycle of authenticated remote sessions:
// lazy opening, per-host concurrency slots, reuse, invalidation and the
// final bounded shutdown.
package session

import (
	"context"

	"github.com/sdejongh/courier/pkg/models"
	"github.com/sdejongh/courier/pkg/storage"
)

// Session is an authenticated channel to one host. A session is used by
// at most one goroutine at a time; the pool enforces this by lending it to
// a single borrower.
type Session interface {
	storage.Backend

	// ID identifies the session in logs
	ID() string

	// Host returns the name of the profile the session was opened for
	Host() string

	// Alive returns an error when the remote end no longer answers
	Alive(ctx context.Context) error

	// Close tears the channel down
	Close() error
}

// Opener establishes new sessions. The SFTP transport implements it.
type Opener interface {
	Open(ctx context.Context, host models.HostProfile) (Session, error)
}

// OpenerFunc adapts a function to Opener
type OpenerFunc func(ctx context.Context, host models.HostProfile) (Session, error)

// Open calls f
func (f OpenerFunc) Open(ctx context.Context, host models.HostProfile) (Session, error) {
	return f(ctx, host)
}
