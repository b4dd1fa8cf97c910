package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sdejongh/courier/pkg/logging"
	"github.com/sdejongh/courier/pkg/models"
	"github.com/sdejongh/courier/pkg/output"
	"github.com/sdejongh/courier/pkg/resolve"
	"github.com/sdejongh/courier/pkg/session"
	"github.com/sdejongh/courier/pkg/storage"
)

// DefaultCloseTimeout bounds the final pool shutdown
const DefaultCloseTimeout = 10 * time.Second

// Journal records finished job reports
type Journal interface {
	Append(report *models.JobReport) error
}

// OrchestratorConfig holds the collaborators of an Orchestrator
type OrchestratorConfig struct {
	Hosts     map[string]models.HostProfile
	Pool      *session.Pool
	Local     storage.Backend
	Formatter output.Formatter
	Logger    logging.Logger
	// Journal is optional
	Journal Journal
	// ParallelJobs lets consecutive independent jobs run concurrently
	ParallelJobs bool
	CloseTimeout time.Duration
}

// Orchestrator runs a list of jobs against a shared session pool. It owns
// the pool for the duration of a run and closes it exactly once at the
// end.
type Orchestrator struct {
	hosts        map[string]models.HostProfile
	pool         *session.Pool
	local        storage.Backend
	resolver     *resolve.Resolver
	formatter    output.Formatter
	logger       logging.Logger
	journal      Journal
	parallel     bool
	closeTimeout time.Duration
}

// NewOrchestrator creates an orchestrator
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	formatter := cfg.Formatter
	if formatter == nil {
		formatter = output.Discard{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNullLogger()
	}
	timeout := cfg.CloseTimeout
	if timeout <= 0 {
		timeout = DefaultCloseTimeout
	}
	return &Orchestrator{
		hosts:        cfg.Hosts,
		pool:         cfg.Pool,
		local:        cfg.Local,
		resolver:     resolve.New(cfg.Local, cfg.Pool, logger),
		formatter:    formatter,
		logger:       logger,
		journal:      cfg.Journal,
		parallel:     cfg.ParallelJobs,
		closeTimeout: timeout,
	}
}

// RunAll runs jobs and returns one report per job in the same order.
// Jobs run one after another; with parallel jobs enabled, consecutive
// independent jobs form a batch that runs concurrently. Job level errors
// only fail the affected job.
func (o *Orchestrator) RunAll(ctx context.Context, jobs []models.TransferJob) []*models.JobReport {
	defer o.closePool(ctx)

	runID := uuid.NewString()
	scheduler := NewScheduler(SchedulerConfig{
		RunID:     runID,
		Pool:      o.pool,
		Local:     o.local,
		Formatter: o.formatter,
		Logger:    o.logger,
	})

	reports := make([]*models.JobReport, len(jobs))
	for i := 0; i < len(jobs); {
		end := i + 1
		if o.parallel && jobs[i].Independent {
			for end < len(jobs) && jobs[end].Independent {
				end++
			}
		}

		if end-i == 1 {
			reports[i] = o.runJob(ctx, runID, scheduler, jobs[i])
		} else {
			var wg sync.WaitGroup
			for k := i; k < end; k++ {
				wg.Add(1)
				go func(k int) {
					defer wg.Done()
					reports[k] = o.runJob(ctx, runID, scheduler, jobs[k])
				}(k)
			}
			wg.Wait()
		}
		i = end
	}
	return reports
}

// runJob resolves and schedules one job and journals its report
func (o *Orchestrator) runJob(ctx context.Context, runID string, scheduler *Scheduler, job models.TransferJob) *models.JobReport {
	var report *models.JobReport

	host, units, err := o.prepare(ctx, job)
	if err != nil {
		report = o.abort(ctx, runID, job, err)
	} else {
		report = scheduler.Run(ctx, job, units, host)
	}

	if o.journal != nil {
		if err := o.journal.Append(report); err != nil {
			o.logger.Warn(ctx, "journal append failed", logging.Fields{
				"job":   job.Name,
				"error": err.Error(),
			})
		}
	}
	return report
}

// prepare validates the job, looks up its host and resolves its units
func (o *Orchestrator) prepare(ctx context.Context, job models.TransferJob) (models.HostProfile, []models.TransferUnit, error) {
	if err := ctx.Err(); err != nil {
		return models.HostProfile{}, nil, err
	}
	if err := job.Validate(); err != nil {
		return models.HostProfile{}, nil, err
	}
	host, ok := o.hosts[job.Host]
	if !ok {
		return models.HostProfile{}, nil, models.Errorf(models.KindConfiguration, "unknown host %q", job.Host)
	}
	units, err := o.resolver.Resolve(ctx, job, host)
	if err != nil {
		return host, nil, fmt.Errorf("resolve: %w", err)
	}
	return host, units, nil
}

// abort produces the report of a job that never reached the scheduler
func (o *Orchestrator) abort(ctx context.Context, runID string, job models.TransferJob, err error) *models.JobReport {
	report := models.NewJobReport(runID, job)
	report.Abort(err)
	report.Finalize(nil)

	o.logger.Error(ctx, logging.EventJobAborted, err, logging.Fields{
		"run":        runID,
		"job":        job.Name,
		"host":       job.Host,
		"error_kind": string(report.ErrorKind),
	})
	o.formatter.Complete(report)
	return report
}

// JobPlan is the resolution of one job without execution
type JobPlan struct {
	Job   models.TransferJob
	Units []models.TransferUnit
	Err   error
}

// Plan resolves every job without transferring anything. Remote
// listings still borrow sessions, so the pool is closed afterwards.
func (o *Orchestrator) Plan(ctx context.Context, jobs []models.TransferJob) []JobPlan {
	defer o.closePool(ctx)

	plans := make([]JobPlan, len(jobs))
	for i, job := range jobs {
		_, units, err := o.prepare(ctx, job)
		plans[i] = JobPlan{Job: job, Units: units, Err: err}
	}
	return plans
}

func (o *Orchestrator) closePool(ctx context.Context) {
	if err := o.pool.CloseAll(o.closeTimeout); err != nil {
		o.logger.Warn(ctx, "session pool shutdown incomplete", logging.Fields{"error": err.Error()})
	}
}
