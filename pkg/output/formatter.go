// Package output renders job progress and reports for people and for
// scripts.
package output

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/term"

	"github.com/sdejongh/courier/pkg/models"
)

// UpdateType names a progress notification
type UpdateType string

const (
	UpdateUnitStart    UpdateType = "unit_start"
	UpdateUnitProgress UpdateType = "unit_progress"
	UpdateUnitComplete UpdateType = "unit_complete"
	UpdateUnitError    UpdateType = "unit_error"
	UpdateUnitSkipped  UpdateType = "unit_skipped"
)

// JobStart describes a job about to be scheduled
type JobStart struct {
	Job        string
	Host       string
	Mode       models.Mode
	DryRun     bool
	TotalUnits int
	// TotalBytes counts the units with a known size
	TotalBytes int64
	Workers    int
}

// ProgressUpdate represents a progress notification for one unit
type ProgressUpdate struct {
	Type         UpdateType
	Job          string
	Index        int
	Kind         models.UnitKind
	Path         string
	BytesWritten int64
	TotalBytes   int64
	Error        error
}

// Formatter defines the interface for output formatting.
// Progress is called concurrently by the workers of a job.
type Formatter interface {
	// Start announces a job before its units are dispatched
	Start(job JobStart) error

	// Progress reports unit level progress
	Progress(update ProgressUpdate) error

	// Complete renders the final report of a job
	Complete(report *models.JobReport) error

	// Error reports an error that is not tied to a job
	Error(err error) error

	// Name returns the formatter name
	Name() string
}

// New returns the formatter registered under name writing to w. The
// progress formatter falls back to the human one when w is not a
// terminal.
func New(name string, w io.Writer) (Formatter, error) {
	if w == nil {
		w = os.Stdout
	}
	switch name {
	case "", "human":
		return NewHumanFormatter(w), nil
	case "json":
		return NewJSONFormatter(w), nil
	case "progress":
		if !IsTerminal(w) {
			return NewHumanFormatter(w), nil
		}
		return NewProgressFormatter(w), nil
	default:
		return nil, fmt.Errorf("unknown output format %q (want human, json or progress)", name)
	}
}

// IsTerminal reports whether w is an interactive terminal
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Discard is a formatter that renders nothing
type Discard struct{}

func (Discard) Start(JobStart) error             { return nil }
func (Discard) Progress(ProgressUpdate) error    { return nil }
func (Discard) Complete(*models.JobReport) error { return nil }
func (Discard) Error(error) error                { return nil }
func (Discard) Name() string                     { return "discard" }
