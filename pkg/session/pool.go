package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sdejongh/courier/pkg/logging"
	"github.com/sdejongh/courier/pkg/models"
)

// ErrPoolClosed is returned by Acquire after CloseAll
var ErrPoolClosed = errors.New("session pool closed")

// pingTimeout bounds the liveness check of an idle session
const pingTimeout = 10 * time.Second

// State is the lifecycle state of a host's sessions
type State string

const (
	// StateAbsent means no session was ever opened or all were closed
	StateAbsent State = "absent"
	// StateLive means at least one open session exists
	StateLive State = "live"
	// StateInvalid means the last session was invalidated or the last
	// open attempt failed; the next acquire opens a fresh session
	StateInvalid State = "invalid"
)

// Pool manages sessions per host profile. Each host gets up to
// MaxConcurrency sessions, opened lazily and reused across units. A session
// is lent to one borrower at a time.
type Pool struct {
	opener Opener
	logger logging.Logger

	mu     sync.Mutex
	hosts  map[string]*hostSlots
	leased map[Session]*hostSlots
	closed bool
	done   chan struct{}
}

type hostSlots struct {
	profile models.HostProfile
	// tokens holds one entry per borrowed or dialing session
	tokens chan struct{}
	// dialMu serializes handshakes against one host
	dialMu sync.Mutex
	idle   []Session
	live   int
	state  State
}

// Stats contains pool statistics
type Stats struct {
	Total    int
	Borrowed int
	Idle     int
}

// NewPool creates a pool opening sessions through opener
func NewPool(opener Opener, logger logging.Logger) *Pool {
	if logger == nil {
		logger = logging.NewNullLogger()
	}
	return &Pool{
		opener: opener,
		logger: logger,
		hosts:  make(map[string]*hostSlots),
		leased: make(map[Session]*hostSlots),
		done:   make(chan struct{}),
	}
}

// Acquire borrows a session for host, opening one if no idle session is
// available. Idle sessions are pinged first and replaced when they no longer
// answer. It blocks while all of the host's slots are borrowed.
func (p *Pool) Acquire(ctx context.Context, host models.HostProfile) (Session, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	h := p.slotsFor(host)
	p.mu.Unlock()

	select {
	case h.tokens <- struct{}{}:
	case <-p.done:
		return nil, ErrPoolClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-h.tokens
		return nil, ErrPoolClosed
	}
	for len(h.idle) > 0 {
		n := len(h.idle)
		s := h.idle[n-1]
		h.idle = h.idle[:n-1]
		p.mu.Unlock()

		err := p.ping(ctx, s)

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			s.Close()
			<-h.tokens
			return nil, ErrPoolClosed
		}
		if err == nil {
			p.leased[s] = h
			p.mu.Unlock()
			return s, nil
		}
		if ctx.Err() != nil {
			h.idle = append(h.idle, s)
			p.mu.Unlock()
			<-h.tokens
			return nil, ctx.Err()
		}
		h.live--
		if h.live == 0 {
			h.state = StateInvalid
		}
		p.mu.Unlock()

		s.Close()
		p.logger.Warn(ctx, logging.EventSessionInvalidated, logging.Fields{
			"host":    h.profile.Name,
			"session": s.ID(),
			"reason":  err.Error(),
		})
		p.mu.Lock()
	}
	p.mu.Unlock()

	h.dialMu.Lock()
	s, err := p.opener.Open(ctx, h.profile)
	h.dialMu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	if err != nil {
		if h.live == 0 {
			h.state = StateInvalid
		}
		<-h.tokens
		return nil, err
	}
	if p.closed {
		s.Close()
		<-h.tokens
		return nil, ErrPoolClosed
	}

	h.live++
	h.state = StateLive
	p.leased[s] = h
	p.logger.Debug(ctx, logging.EventSessionOpened, logging.Fields{
		"host":    host.Name,
		"session": s.ID(),
		"live":    h.live,
	})
	return s, nil
}

// Release returns a healthy session to the pool
func (p *Pool) Release(s Session) {
	p.mu.Lock()
	defer p.mu.Unlock()

	h, ok := p.leased[s]
	if !ok {
		return
	}
	delete(p.leased, s)
	h.idle = append(h.idle, s)
	<-h.tokens
}

// Invalidate closes a borrowed session that is no longer usable. The next
// acquire for its host opens a fresh session.
func (p *Pool) Invalidate(s Session, reason error) {
	p.mu.Lock()
	h, ok := p.leased[s]
	if ok {
		delete(p.leased, s)
		h.live--
		h.state = StateInvalid
	}
	p.mu.Unlock()

	if !ok {
		return
	}

	s.Close()
	fields := logging.Fields{"host": h.profile.Name, "session": s.ID()}
	if reason != nil {
		fields["reason"] = reason.Error()
	}
	p.logger.Warn(context.Background(), logging.EventSessionInvalidated, fields)
	<-h.tokens
}

// With borrows a session for the duration of fn. Errors asking for a
// reconnect invalidate the session instead of returning it, and fn runs
// once more on a fresh session.
func (p *Pool) With(ctx context.Context, host models.HostProfile, fn func(Session) error) error {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var s Session
		s, err = p.Acquire(ctx, host)
		if err != nil {
			return err
		}
		err = fn(s)
		if !models.NeedsReconnect(err) {
			p.Release(s)
			return err
		}
		p.Invalidate(s, err)
		if ctx.Err() != nil {
			break
		}
	}
	return err
}

// ping checks that an idle session still answers before it is lent again
func (p *Pool) ping(ctx context.Context, s Session) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	return s.Alive(ctx)
}

// State returns the lifecycle state of a host's sessions
func (p *Pool) State(hostName string) State {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range p.hosts {
		if h.profile.Name == hostName {
			return h.state
		}
	}
	return StateAbsent
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	var st Stats
	for _, h := range p.hosts {
		st.Total += h.live
		st.Idle += len(h.idle)
	}
	st.Borrowed = len(p.leased)
	return st
}

// CloseAll closes every session, idle or borrowed, waiting at most
// timeout. Sessions that do not close in time are abandoned and logged.
// The pool refuses new acquisitions afterwards.
func (p *Pool) CloseAll(timeout time.Duration) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)

	var all []Session
	for _, h := range p.hosts {
		all = append(all, h.idle...)
		h.idle = nil
		h.live = 0
		h.state = StateAbsent
	}
	for s := range p.leased {
		all = append(all, s)
		delete(p.leased, s)
	}
	p.mu.Unlock()

	if len(all) == 0 {
		return nil
	}

	type closeResult struct {
		s   Session
		err error
	}
	results := make(chan closeResult, len(all))
	for _, s := range all {
		go func(s Session) {
			results <- closeResult{s: s, err: s.Close()}
		}(s)
	}

	pending := make(map[Session]bool, len(all))
	for _, s := range all {
		pending[s] = true
	}

	var errs []error
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for len(pending) > 0 {
		select {
		case r := <-results:
			delete(pending, r.s)
			if r.err != nil {
				errs = append(errs, fmt.Errorf("close session %s: %w", r.s.ID(), r.err))
			}
		case <-deadline.C:
			for s := range pending {
				p.logger.Warn(context.Background(), logging.EventSessionAbandoned, logging.Fields{
					"host":    s.Host(),
					"session": s.ID(),
					"timeout": timeout.String(),
				})
			}
			errs = append(errs, fmt.Errorf("abandoned %d session(s) after %s", len(pending), timeout))
			return errors.Join(errs...)
		}
	}
	return errors.Join(errs...)
}

// slotsFor returns the slots for host, creating them on first use.
// Caller holds p.mu.
func (p *Pool) slotsFor(host models.HostProfile) *hostSlots {
	key := profileKey(host)
	h, ok := p.hosts[key]
	if !ok {
		h = &hostSlots{
			profile: host,
			tokens:  make(chan struct{}, host.Concurrency()),
			state:   StateAbsent,
		}
		p.hosts[key] = h
	}
	return h
}

// profileKey identifies a profile by the parameters that make a session
// reusable, so an edited profile with the same name never reuses a stale
// session
func profileKey(host models.HostProfile) string {
	h := sha256.New()
	h.Write([]byte(host.Name))
	fmt.Fprintf(h, ":%s:%d:%s", host.Address, host.Port, host.User)
	fmt.Fprintf(h, ":%s:%s:%s", host.Auth.Method, host.Auth.KeyPath, host.Auth.CertificatePath)
	if host.Bastion != nil {
		fmt.Fprintf(h, ":bastion:%s:%d:%s", host.Bastion.Address, host.Bastion.Port, host.Bastion.User)
	}
	fmt.Fprintf(h, ":%d", host.Concurrency())
	return hex.EncodeToString(h.Sum(nil))[:16]
}
