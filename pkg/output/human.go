package output

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sdejongh/courier/pkg/models"
)

// HumanFormatter formats output in human-readable format
type HumanFormatter struct {
	writer io.Writer
	mu     sync.Mutex
	totals map[string]int
	done   map[string]int
}

// NewHumanFormatter creates a new human-readable formatter
func NewHumanFormatter(w io.Writer) *HumanFormatter {
	return &HumanFormatter{
		writer: w,
		totals: make(map[string]int),
		done:   make(map[string]int),
	}
}

// Start announces a job
func (f *HumanFormatter) Start(job JobStart) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.totals[job.Job] = job.TotalUnits
	f.done[job.Job] = 0

	prefix := ""
	if job.DryRun {
		prefix = "[dry-run] "
	}
	fmt.Fprintf(f.writer, "%sStarting job %s on %s: %d units, %s, %d workers\n",
		prefix, job.Job, job.Host, job.TotalUnits, formatBytes(job.TotalBytes), job.Workers)
	return nil
}

// Progress prints one line per finished unit
func (f *HumanFormatter) Progress(update ProgressUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch update.Type {
	case UpdateUnitComplete:
		f.done[update.Job]++
		fmt.Fprintf(f.writer, "[%s %d/%d] ✓ %s %s (%s)\n",
			update.Job, f.done[update.Job], f.totals[update.Job],
			update.Kind, update.Path, formatBytes(update.BytesWritten))

	case UpdateUnitError:
		f.done[update.Job]++
		fmt.Fprintf(f.writer, "[%s %d/%d] ✗ %s %s: %v\n",
			update.Job, f.done[update.Job], f.totals[update.Job],
			update.Kind, update.Path, update.Error)

	case UpdateUnitSkipped:
		f.done[update.Job]++
		fmt.Fprintf(f.writer, "[%s %d/%d] - %s %s (skipped)\n",
			update.Job, f.done[update.Job], f.totals[update.Job],
			update.Kind, update.Path)
	}
	return nil
}

// Complete prints the job summary
func (f *HumanFormatter) Complete(report *models.JobReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	writeSummary(f.writer, report)
	return nil
}

// Error reports an error
func (f *HumanFormatter) Error(err error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	fmt.Fprintf(f.writer, "Error: %v\n", err)
	return nil
}

// Name returns the formatter name
func (f *HumanFormatter) Name() string {
	return "human"
}

// writeSummary renders a report as text. It is shared by the human and
// progress formatters and the report file writer.
func writeSummary(w io.Writer, report *models.JobReport) {
	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "Job %s (%s, %s on %s) finished in %s\n",
		report.Job, report.Mode, report.Direction, report.Host, report.Duration.Round(time.Millisecond))
	if report.DryRun {
		fmt.Fprintf(w, "  Dry run: nothing was transferred\n")
	}
	fmt.Fprintf(w, "  Units:          %d\n", report.Units)
	fmt.Fprintf(w, "    Succeeded:    %d\n", report.Succeeded)
	fmt.Fprintf(w, "    Failed:       %d\n", report.Failed)
	fmt.Fprintf(w, "    Skipped:      %d\n", report.Skipped)
	fmt.Fprintf(w, "    Cancelled:    %d\n", report.Cancelled)
	fmt.Fprintf(w, "  Data:           %s\n", formatBytes(report.BytesTransferred))

	if report.Duration.Seconds() > 0 && report.BytesTransferred > 0 {
		avgSpeed := float64(report.BytesTransferred) / report.Duration.Seconds()
		fmt.Fprintf(w, "  Average speed:  %s/s\n", formatBytes(int64(avgSpeed)))
	}

	if report.Error != "" {
		fmt.Fprintf(w, "  Job error (%s): %s\n", report.ErrorKind, report.Error)
	}

	fmt.Fprintf(w, "Status: %s\n", report.Status)

	if len(report.Failures) > 0 {
		fmt.Fprintf(w, "\nFailures:\n")
		for _, fl := range report.Failures {
			fmt.Fprintf(w, "  #%d %s [%s, %d attempts]: %s\n", fl.Index, fl.Path, fl.Kind, fl.Attempts, fl.Error)
		}
	}
}

// formatBytes formats bytes in human-readable format
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
