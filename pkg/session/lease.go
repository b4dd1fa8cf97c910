package session

import (
	"context"

	"github.com/sdejongh/courier/pkg/models"
)

// Lease is a borrowed session bound to its pool. A worker holds one lease
// while it executes a unit and may renew it after a connection loss.
type Lease struct {
	pool    *Pool
	profile models.HostProfile
	sess    Session
}

// Lease borrows a session for host
func (p *Pool) Lease(ctx context.Context, host models.HostProfile) (*Lease, error) {
	s, err := p.Acquire(ctx, host)
	if err != nil {
		return nil, err
	}
	return &Lease{pool: p, profile: host, sess: s}, nil
}

// Session returns the borrowed session, nil after a failed renew
func (l *Lease) Session() Session {
	return l.sess
}

// Renew invalidates the current session and borrows a fresh one. When the
// new acquisition fails the lease holds no session and the error is
// returned.
func (l *Lease) Renew(ctx context.Context, reason error) error {
	if l.sess != nil {
		l.pool.Invalidate(l.sess, reason)
		l.sess = nil
	}
	s, err := l.pool.Acquire(ctx, l.profile)
	if err != nil {
		return err
	}
	l.sess = s
	return nil
}

// Release returns the session to the pool
func (l *Lease) Release() {
	if l.sess != nil {
		l.pool.Release(l.sess)
		l.sess = nil
	}
}

// Invalidate drops the session without returning it
func (l *Lease) Invalidate(reason error) {
	if l.sess != nil {
		l.pool.Invalidate(l.sess, reason)
		l.sess = nil
	}
}
