package models

import (
	"sort"
	"time"
)

// JobStatus represents the overall result of a job
type JobStatus string

const (
	// StatusSuccess indicates all units completed successfully
	StatusSuccess JobStatus = "success"
	// StatusPartial indicates some units failed
	StatusPartial JobStatus = "partial"
	// StatusFailed indicates the job failed as a whole or every unit failed
	StatusFailed JobStatus = "failed"
	// StatusCancelled indicates the job was interrupted
	StatusCancelled JobStatus = "cancelled"
)

// ExitCode returns the process exit code for the status
func (s JobStatus) ExitCode() int {
	switch s {
	case StatusSuccess:
		return 0
	case StatusPartial:
		return 1
	case StatusFailed:
		return 2
	case StatusCancelled:
		return 3
	default:
		return 2
	}
}

func (s JobStatus) severity() int {
	switch s {
	case StatusSuccess:
		return 0
	case StatusCancelled:
		return 1
	case StatusPartial:
		return 2
	default:
		return 3
	}
}

// Failure is one failed unit as listed in a report
type Failure struct {
	Index    int
	Path     string
	Kind     ErrorKind
	Error    string
	Attempts int
}

// JobReport aggregates the outcomes of one job run
type JobReport struct {
	RunID     string
	Job       string
	Host      string
	Direction Direction
	Mode      Mode
	DryRun    bool

	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration

	// Outcomes and Failures are in resolution order
	Outcomes []TransferOutcome
	Failures []Failure

	Units            int
	Succeeded        int
	Failed           int
	Skipped          int
	Cancelled        int
	BytesTransferred int64

	// Error is set when the job aborted before or during scheduling
	Error     string
	ErrorKind ErrorKind

	Status JobStatus
}

// NewJobReport starts a report for job
func NewJobReport(runID string, job TransferJob) *JobReport {
	return &JobReport{
		RunID:     runID,
		Job:       job.Name,
		Host:      job.Host,
		Direction: job.Direction,
		Mode:      job.Mode,
		DryRun:    job.DryRun,
		StartTime: time.Now(),
	}
}

// Abort records a job level error
func (r *JobReport) Abort(err error) {
	r.Error = err.Error()
	r.ErrorKind = KindOf(err)
}

// Finalize sorts outcomes into resolution order and derives counts, the
// failure list and the status
func (r *JobReport) Finalize(outcomes []TransferOutcome) {
	sorted := make([]TransferOutcome, len(outcomes))
	copy(sorted, outcomes)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Unit.Index < sorted[j].Unit.Index
	})

	r.Outcomes = sorted
	r.Units = len(sorted)
	r.Failures = nil
	r.Succeeded, r.Failed, r.Skipped, r.Cancelled = 0, 0, 0, 0
	r.BytesTransferred = 0

	for _, o := range sorted {
		switch o.Status {
		case OutcomeSucceeded:
			r.Succeeded++
		case OutcomeFailed:
			r.Failed++
			path := o.Unit.DestPath
			if o.Unit.Kind != UnitDelete && o.Unit.SourcePath != "" {
				path = o.Unit.SourcePath
			}
			r.Failures = append(r.Failures, Failure{
				Index:    o.Unit.Index,
				Path:     path,
				Kind:     o.ErrorKind,
				Error:    o.Error,
				Attempts: o.Attempts,
			})
		case OutcomeSkipped:
			r.Skipped++
		case OutcomeCancelled:
			r.Cancelled++
		}
		r.BytesTransferred += o.BytesTransferred
	}

	r.EndTime = time.Now()
	r.Duration = r.EndTime.Sub(r.StartTime)
	r.Status = r.deriveStatus()
}

func (r *JobReport) deriveStatus() JobStatus {
	switch {
	case r.Error != "" && r.ErrorKind == KindCancelled:
		return StatusCancelled
	case r.Error != "":
		return StatusFailed
	case r.Failed > 0 && r.Succeeded+r.Skipped > 0:
		return StatusPartial
	case r.Failed > 0:
		return StatusFailed
	case r.Cancelled > 0:
		return StatusCancelled
	default:
		return StatusSuccess
	}
}

// HasFailures reports whether any unit failed or the job aborted
func (r *JobReport) HasFailures() bool {
	return r.Error != "" || r.Failed > 0
}

// ExitCode returns the exit code for a set of reports: the code of the most
// severe status, 0 when every job succeeded
func ExitCode(reports []*JobReport) int {
	worst := StatusSuccess
	for _, r := range reports {
		if r == nil {
			continue
		}
		if r.Status.severity() > worst.severity() {
			worst = r.Status
		}
	}
	return worst.ExitCode()
}
