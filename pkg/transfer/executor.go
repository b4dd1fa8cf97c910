// Package transfer executes single transfer units: atomic writes through
// a temporary sibling, size verification, modification time preservation
// and bounded retries with reconnects.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/sdejongh/courier/pkg/logging"
	"github.com/sdejongh/courier/pkg/models"
	"github.com/sdejongh/courier/pkg/ratelimit"
	"github.com/sdejongh/courier/pkg/session"
	"github.com/sdejongh/courier/pkg/storage"
)

// DefaultBufferSize is the copy buffer used when a job sets none
const DefaultBufferSize = 32 * 1024

// cleanupTimeout bounds removal of a temporary file after a failed attempt
const cleanupTimeout = 10 * time.Second

// Binding is the session a unit runs on. Renew swaps a broken session for
// a fresh one; Invalidate drops it without replacement.
type Binding interface {
	Session() session.Session
	Renew(ctx context.Context, reason error) error
	Invalidate(reason error)
}

// ProgressFunc receives the bytes written so far for a unit
type ProgressFunc func(unit models.TransferUnit, written, total int64)

// Config holds the per-job settings of an Executor
type Config struct {
	// Local is the local filesystem
	Local storage.Backend
	Job   models.TransferJob
	Host  models.HostProfile
	// Limiter caps throughput; nil means unlimited
	Limiter  *ratelimit.Limiter
	Logger   logging.Logger
	Progress ProgressFunc
}

// Executor runs the units of one job
type Executor struct {
	local    storage.Backend
	job      models.TransferJob
	host     models.HostProfile
	limiter  *ratelimit.Limiter
	logger   logging.Logger
	progress ProgressFunc
	bufSize  int
}

// NewExecutor creates an executor for one job
func NewExecutor(cfg Config) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNullLogger()
	}
	bufSize := cfg.Job.BufferSize
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	return &Executor{
		local:    cfg.Local,
		job:      cfg.Job,
		host:     cfg.Host,
		limiter:  cfg.Limiter,
		logger:   logger,
		progress: cfg.Progress,
		bufSize:  bufSize,
	}
}

// Execute runs unit with up to policy.MaxAttempts attempts and returns its
// outcome. Only transient and verification errors are retried; a lost
// connection renews the binding before the next attempt. Cancelling ctx
// stops further attempts but lets the running one finish.
func (e *Executor) Execute(ctx context.Context, unit models.TransferUnit, b Binding, policy models.RetryPolicy) models.TransferOutcome {
	start := time.Now()
	log := e.logger.WithFields(logging.Fields{
		"job":  unit.Job,
		"unit": unit.Index,
		"kind": string(unit.Kind),
		"path": unitPath(unit),
	})
	log.Debug(ctx, logging.EventUnitStarted, logging.Fields{"source": unit.SourcePath, "dest": unit.DestPath})

	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	attempts := 0
	for {
		attempts++
		written, err := e.attempt(ctx, unit, b.Session())
		if err == nil {
			e.postAction(ctx, log, unit)
			outcome := models.TransferOutcome{
				Unit:             unit,
				Status:           models.OutcomeSucceeded,
				BytesTransferred: written,
				Duration:         time.Since(start),
				Attempts:         attempts,
				FinishedAt:       time.Now(),
			}
			log.Info(ctx, logging.EventUnitSucceeded, logging.Fields{
				"bytes":    written,
				"attempts": attempts,
				"duration": outcome.Duration.String(),
			})
			return outcome
		}
		lastErr = err

		if !models.KindOf(err).Retryable() || attempts >= maxAttempts || ctx.Err() != nil {
			break
		}

		delay := Backoff(policy, attempts-1)
		log.Warn(ctx, logging.EventUnitRetried, logging.Fields{
			"attempt":      attempts,
			"max_attempts": maxAttempts,
			"error":        err.Error(),
			"delay":        delay.String(),
		})
		if sleep(ctx, delay) != nil {
			break
		}

		if models.NeedsReconnect(err) {
			if rerr := b.Renew(ctx, err); rerr != nil {
				lastErr = fmt.Errorf("reconnect after %v: %w", err, rerr)
				break
			}
		}
	}

	// a session that lost its connection must not go back to the pool
	if models.NeedsReconnect(lastErr) && b.Session() != nil {
		b.Invalidate(lastErr)
	}

	outcome := models.FailedOutcome(unit, attempts, lastErr)
	outcome.Duration = time.Since(start)
	log.Error(ctx, logging.EventUnitFailed, lastErr, logging.Fields{
		"attempts":   attempts,
		"error_kind": string(outcome.ErrorKind),
	})
	return outcome
}

// attempt runs one try of unit. The I/O runs detached from ctx
// cancellation. When the host sets an operation timeout, an attempt that
// makes no progress for that long is abandoned with a reconnect error so
// the session is torn down, which unblocks the stuck operation.
func (e *Executor) attempt(ctx context.Context, unit models.TransferUnit, sess session.Session) (int64, error) {
	if sess == nil {
		return 0, models.NewTransferError(models.KindConnection, "attempt", unitPath(unit), errors.New("no session"))
	}

	opCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	wd := newWatchdog()

	type result struct {
		written int64
		err     error
	}
	done := make(chan result, 1)
	go func() {
		var r result
		if unit.Kind == models.UnitDelete {
			r.err = e.remove(opCtx, unit, e.backend(unit.Side, sess, wd))
		} else {
			r.written, r.err = e.copy(opCtx, unit, sess, wd)
		}
		done <- r
	}()

	timeout := e.host.OperationTimeout
	if timeout <= 0 {
		r := <-done
		return r.written, r.err
	}

	ticker := time.NewTicker(checkInterval(timeout))
	defer ticker.Stop()
	for {
		select {
		case r := <-done:
			return r.written, r.err
		case now := <-ticker.C:
			if wd.idle(now) < timeout {
				continue
			}
			cancel()
			return 0, &models.TransferError{
				Kind:      models.KindTransient,
				Op:        string(unit.Kind),
				Path:      unitPath(unit),
				Err:       fmt.Errorf("no progress for %s: %w", timeout, context.DeadlineExceeded),
				Reconnect: true,
			}
		}
	}
}

// copy streams the source into a temporary sibling of the destination,
// verifies it and renames it into place
func (e *Executor) copy(ctx context.Context, unit models.TransferUnit, sess session.Session, wd *watchdog) (int64, error) {
	srcSide := models.SideLocal
	if unit.Kind == models.UnitDownload {
		srcSide = models.SideRemote
	}
	src := e.backend(srcSide, sess, wd)
	dst := e.backend(unit.Side, sess, wd)
	dir, base := splitPath(unit.Side, unit.DestPath)

	if err := dst.MkdirAll(ctx, dir); err != nil {
		return 0, classify("mkdir", dir, err)
	}

	r, err := src.Open(ctx, unit.SourcePath)
	if err != nil {
		return 0, classify("open", unit.SourcePath, err)
	}
	defer r.Close()

	tmp := dst.Join(dir, fmt.Sprintf(".%s.%s.part", base, uuid.NewString()[:8]))
	w, err := dst.Create(ctx, tmp)
	if err != nil {
		return 0, classify("create", tmp, err)
	}

	committed := false
	defer func() {
		if !committed {
			e.discard(ctx, dst, tmp)
		}
	}()

	pr := &progressReader{
		reader:         ratelimit.NewObservedReader(ctx, r, e.limiter, wd.throttle),
		lastReportTime: time.Now(),
	}
	if e.progress != nil {
		pr.onProgress = func(n int64) { e.progress(unit, n, unit.ExpectedSize) }
	}

	written, err := io.CopyBuffer(w, pr, make([]byte, e.bufSize))
	if err != nil {
		w.Close()
		if pr.err != nil && errors.Is(err, pr.err) {
			return written, classify("read", unit.SourcePath, err)
		}
		return written, classify("write", tmp, err)
	}
	if err := w.Close(); err != nil {
		return written, classify("write", tmp, err)
	}

	if e.job.VerifySize && unit.ExpectedSize >= 0 {
		info, err := dst.Stat(ctx, tmp)
		if err != nil {
			return written, classify("stat", tmp, err)
		}
		if info.Size != unit.ExpectedSize {
			return written, models.NewTransferError(models.KindVerification, "verify", unit.DestPath,
				fmt.Errorf("size mismatch: wrote %d bytes, expected %d", info.Size, unit.ExpectedSize))
		}
	}

	if !unit.ModTime.IsZero() {
		if err := dst.Chtimes(ctx, tmp, unit.ModTime); err != nil {
			if models.NeedsReconnect(err) {
				return written, err
			}
			e.logger.Warn(ctx, "Could not preserve modification time", logging.Fields{
				"path":  unit.DestPath,
				"error": err.Error(),
			})
		}
	}

	if err := dst.Rename(ctx, tmp, unit.DestPath); err != nil {
		return written, classify("rename", unit.DestPath, err)
	}
	committed = true
	return written, nil
}

// remove deletes the destination entry of a delete unit. A missing entry
// already satisfies the unit.
func (e *Executor) remove(ctx context.Context, unit models.TransferUnit, dst storage.Backend) error {
	var err error
	if unit.Recursive {
		err = storage.RemoveAll(ctx, dst, unit.DestPath)
	} else {
		err = dst.Remove(ctx, unit.DestPath)
	}
	if err == nil || storage.IsNotExist(err) || models.KindOf(err) == models.KindNotFound {
		return nil
	}
	return classify("remove", unit.DestPath, err)
}

// discard removes a temporary file left by a failed attempt
func (e *Executor) discard(ctx context.Context, dst storage.Backend, tmp string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := dst.Remove(cctx, tmp); err != nil && !storage.IsNotExist(err) {
		e.logger.Debug(ctx, "Could not remove temporary file", logging.Fields{
			"path":  tmp,
			"error": err.Error(),
		})
	}
}

// backend returns the filesystem on side, reporting progress to wd
func (e *Executor) backend(side models.Side, sess session.Session, wd *watchdog) storage.Backend {
	if side == models.SideLocal {
		return watchedBackend{Backend: e.local, wd: wd}
	}
	return watchedBackend{Backend: sess, wd: wd}
}

// splitPath splits p with the path syntax of side
func splitPath(side models.Side, p string) (string, string) {
	if side == models.SideLocal {
		return filepath.Dir(p), filepath.Base(p)
	}
	return path.Dir(p), path.Base(p)
}

func unitPath(u models.TransferUnit) string {
	if u.Kind == models.UnitDelete {
		return u.DestPath
	}
	return u.SourcePath
}

// classify gives errors without a kind one derived from the standard
// filesystem sentinels. Transport errors arrive classified.
func classify(op, p string, err error) error {
	var te *models.TransferError
	if errors.As(err, &te) {
		return err
	}
	kind := models.KindUnknown
	switch {
	case errors.Is(err, fs.ErrNotExist):
		kind = models.KindNotFound
	case errors.Is(err, fs.ErrPermission):
		kind = models.KindPermission
	case errors.Is(err, context.DeadlineExceeded):
		kind = models.KindTransient
	case errors.Is(err, context.Canceled):
		kind = models.KindCancelled
	}
	return models.NewTransferError(kind, op, p, err)
}
