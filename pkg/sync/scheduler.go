// Package sync schedules resolved transfer units onto bounded worker pools
// and sequences jobs into runs.
package sync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/sdejongh/courier/pkg/logging"
	"github.com/sdejongh/courier/pkg/models"
	"github.com/sdejongh/courier/pkg/output"
	"github.com/sdejongh/courier/pkg/ratelimit"
	"github.com/sdejongh/courier/pkg/session"
	"github.com/sdejongh/courier/pkg/storage"
	"github.com/sdejongh/courier/pkg/transfer"
)

// SchedulerConfig holds the collaborators of a Scheduler
type SchedulerConfig struct {
	// RunID is stamped on every report
	RunID     string
	Pool      *session.Pool
	Local     storage.Backend
	Formatter output.Formatter
	Logger    logging.Logger
}

// Scheduler runs the units of a job on a worker pool sized by the host's
// concurrency
type Scheduler struct {
	runID     string
	pool      *session.Pool
	local     storage.Backend
	formatter output.Formatter
	logger    logging.Logger
}

// NewScheduler creates a scheduler
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	formatter := cfg.Formatter
	if formatter == nil {
		formatter = output.Discard{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNullLogger()
	}
	return &Scheduler{
		runID:     cfg.RunID,
		pool:      cfg.Pool,
		local:     cfg.Local,
		formatter: formatter,
		logger:    logger,
	}
}

// jobRun is the shared state of the workers of one job
type jobRun struct {
	job      models.TransferJob
	host     models.HostProfile
	executor *transfer.Executor
	log      logging.Logger
	queue    chan *unitTask
	cancel   context.CancelFunc

	failures atomic.Int32

	downMu  sync.Mutex
	downErr error
}

// Run executes units and returns the job's report. Every unit yields
// exactly one outcome: units left pending when ctx is cancelled or the
// failure threshold is reached are reported as cancelled, and units left
// after the host went down fail with the host's error.
func (s *Scheduler) Run(ctx context.Context, job models.TransferJob, units []models.TransferUnit, host models.HostProfile) *models.JobReport {
	report := models.NewJobReport(s.runID, job)
	log := s.logger.WithFields(logging.Fields{
		"run":  s.runID,
		"job":  job.Name,
		"host": host.Name,
	})

	tasks := make([]*unitTask, len(units))
	var totalBytes int64
	for i, u := range units {
		tasks[i] = newUnitTask(u)
		if u.ExpectedSize > 0 {
			totalBytes += u.ExpectedSize
		}
	}

	workers := host.Concurrency()
	if workers > len(tasks) {
		workers = len(tasks)
	}

	log.Info(ctx, logging.EventJobStarted, logging.Fields{
		"units":     len(tasks),
		"workers":   workers,
		"mode":      string(job.Mode),
		"direction": string(job.Direction),
		"dry_run":   job.DryRun,
	})
	s.formatter.Start(output.JobStart{
		Job:        job.Name,
		Host:       host.Name,
		Mode:       job.Mode,
		DryRun:     job.DryRun,
		TotalUnits: len(tasks),
		TotalBytes: totalBytes,
		Workers:    workers,
	})

	if job.DryRun {
		for _, t := range tasks {
			t.finish(models.SkippedOutcome(t.unit))
			s.formatter.Progress(output.ProgressUpdate{
				Type:  output.UpdateUnitSkipped,
				Job:   job.Name,
				Index: t.unit.Index,
				Kind:  t.unit.Kind,
				Path:  displayPath(t.unit),
			})
		}
	} else if len(tasks) > 0 {
		s.dispatch(ctx, job, host, tasks, workers, log)
	}

	outcomes := make([]models.TransferOutcome, len(tasks))
	for i, t := range tasks {
		outcomes[i] = t.result()
	}
	report.Finalize(outcomes)

	log.Info(ctx, logging.EventJobFinished, logging.Fields{
		"status":    string(report.Status),
		"succeeded": report.Succeeded,
		"failed":    report.Failed,
		"skipped":   report.Skipped,
		"cancelled": report.Cancelled,
		"bytes":     report.BytesTransferred,
		"duration":  report.Duration.String(),
	})
	s.formatter.Complete(report)
	return report
}

// dispatch feeds every task to the workers and waits for them to drain
// the queue
func (s *Scheduler) dispatch(ctx context.Context, job models.TransferJob, host models.HostProfile, tasks []*unitTask, workers int, log logging.Logger) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := &jobRun{
		job:    job,
		host:   host,
		log:    log,
		queue:  make(chan *unitTask, len(tasks)),
		cancel: cancel,
	}
	r.executor = transfer.NewExecutor(transfer.Config{
		Local:   s.local,
		Job:     job,
		Host:    host,
		Limiter: ratelimit.NewLimiter(job.BandwidthLimit),
		Logger:  log,
		Progress: func(unit models.TransferUnit, written, total int64) {
			s.formatter.Progress(output.ProgressUpdate{
				Type:         output.UpdateUnitProgress,
				Job:          job.Name,
				Index:        unit.Index,
				Kind:         unit.Kind,
				Path:         displayPath(unit),
				BytesWritten: written,
				TotalBytes:   total,
			})
		},
	})

	for _, t := range tasks {
		r.queue <- t
	}
	close(r.queue)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go s.runWorker(runCtx, i, r, &wg)
	}
	wg.Wait()
}

// runWorker drains the queue until it is empty. Once the run is cancelled
// or the host is down the remaining tasks are settled without dispatch.
func (s *Scheduler) runWorker(ctx context.Context, workerID int, r *jobRun, wg *sync.WaitGroup) {
	defer wg.Done()

	for t := range r.queue {
		if err := r.hostDown(); err != nil {
			s.fail(t, models.FailedOutcome(t.unit, 0, err), r)
			continue
		}
		if ctx.Err() != nil {
			s.cancelTask(ctx, t, r)
			continue
		}
		s.processTask(ctx, workerID, t, r)
	}
}

// processTask borrows a session, executes the unit and records the
// outcome
func (s *Scheduler) processTask(ctx context.Context, workerID int, t *unitTask, r *jobRun) {
	lease, err := s.pool.Lease(ctx, r.host)
	if err != nil {
		switch {
		case ctx.Err() != nil, errors.Is(err, session.ErrPoolClosed):
			s.cancelTask(ctx, t, r)
		case models.KindOf(err).HostFatal():
			r.markDown(ctx, models.KindOf(err), err)
			s.fail(t, models.FailedOutcome(t.unit, 0, err), r)
		default:
			s.fail(t, models.FailedOutcome(t.unit, 0, err), r)
		}
		return
	}

	t.markInFlight(workerID)
	s.formatter.Progress(output.ProgressUpdate{
		Type:       output.UpdateUnitStart,
		Job:        r.job.Name,
		Index:      t.unit.Index,
		Kind:       t.unit.Kind,
		Path:       displayPath(t.unit),
		TotalBytes: t.unit.ExpectedSize,
	})

	outcome := r.executor.Execute(ctx, t.unit, lease, r.job.Retry)
	lease.Release()

	if outcome.Status != models.OutcomeFailed {
		t.finish(outcome)
		s.formatter.Progress(output.ProgressUpdate{
			Type:         output.UpdateUnitComplete,
			Job:          r.job.Name,
			Index:        t.unit.Index,
			Kind:         t.unit.Kind,
			Path:         displayPath(t.unit),
			BytesWritten: outcome.BytesTransferred,
			TotalBytes:   t.unit.ExpectedSize,
		})
		return
	}

	// only a failed reconnect surfaces as a connection or auth failure
	if outcome.ErrorKind.HostFatal() {
		r.markDown(ctx, outcome.ErrorKind, errors.New(outcome.Error))
	}
	s.fail(t, outcome, r)
}

// fail records a failed outcome and cancels the run once the job's
// failure threshold is reached
func (s *Scheduler) fail(t *unitTask, outcome models.TransferOutcome, r *jobRun) {
	t.finish(outcome)
	s.formatter.Progress(output.ProgressUpdate{
		Type:  output.UpdateUnitError,
		Job:   r.job.Name,
		Index: t.unit.Index,
		Kind:  t.unit.Kind,
		Path:  displayPath(t.unit),
		Error: errors.New(outcome.Error),
	})

	n := int(r.failures.Add(1))
	if r.job.MaxFailures > 0 && n == r.job.MaxFailures {
		r.log.Warn(context.Background(), logging.EventJobAborted, logging.Fields{
			"reason":       "failure threshold reached",
			"max_failures": r.job.MaxFailures,
		})
		r.cancel()
	}
}

func (s *Scheduler) cancelTask(ctx context.Context, t *unitTask, r *jobRun) {
	t.finish(models.CancelledOutcome(t.unit))
	r.log.Debug(ctx, logging.EventUnitCancelled, logging.Fields{
		"unit": t.unit.Index,
		"path": displayPath(t.unit),
	})
}

// markDown records the first host level failure of the job
func (r *jobRun) markDown(ctx context.Context, kind models.ErrorKind, err error) {
	r.downMu.Lock()
	defer r.downMu.Unlock()

	if r.downErr != nil {
		return
	}
	r.downErr = models.NewTransferError(kind, "connect", r.host.Name, err)
	r.log.Error(ctx, logging.EventHostDown, err, logging.Fields{
		"error_kind": string(kind),
	})
}

func (r *jobRun) hostDown() error {
	r.downMu.Lock()
	defer r.downMu.Unlock()
	return r.downErr
}

// displayPath is the path shown for a unit in progress output
func displayPath(u models.TransferUnit) string {
	if u.RelPath != "" {
		return u.RelPath
	}
	if u.Kind == models.UnitDelete || u.SourcePath == "" {
		return u.DestPath
	}
	return u.SourcePath
}
