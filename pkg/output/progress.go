package output

import (
	"fmt"
	"io"
	"runtime"
	"sync"
	"time"

	"github.com/cheggaaa/pb/v3"

	"github.com/sdejongh/courier/pkg/models"
)

const progressTemplate pb.ProgressBarTemplate = `{{string . "prefix"}}{{counters . }} {{bar . }} {{percent . }} {{speed . }} {{string . "units"}}`

// getUpdateInterval returns the progress refresh interval based on OS.
// Windows terminals have higher latency with ANSI sequences.
func getUpdateInterval() time.Duration {
	if runtime.GOOS == "windows" {
		return 300 * time.Millisecond
	}
	return 100 * time.Millisecond
}

// jobBar tracks the bar of one running job
type jobBar struct {
	bar   *pb.ProgressBar
	total int
	done  int
	// written holds the bytes already added to the bar per unit index
	written map[int]int64
}

// ProgressFormatter draws a byte progress bar per job on a terminal
type ProgressFormatter struct {
	writer io.Writer
	mu     sync.Mutex
	bars   map[string]*jobBar
}

// NewProgressFormatter creates a new progress bar formatter
func NewProgressFormatter(w io.Writer) *ProgressFormatter {
	return &ProgressFormatter{
		writer: w,
		bars:   make(map[string]*jobBar),
	}
}

// Start opens the bar of a job
func (f *ProgressFormatter) Start(job JobStart) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	bar := pb.New64(job.TotalBytes)
	bar.SetTemplate(progressTemplate)
	bar.SetWriter(f.writer)
	bar.SetRefreshRate(getUpdateInterval())
	bar.Set(pb.Bytes, true)
	bar.Set("prefix", job.Job+" ")
	bar.Set("units", fmt.Sprintf("0/%d units", job.TotalUnits))
	bar.Start()

	f.bars[job.Job] = &jobBar{
		bar:     bar,
		total:   job.TotalUnits,
		written: make(map[int]int64),
	}
	return nil
}

// Progress advances the bar of the update's job
func (f *ProgressFormatter) Progress(update ProgressUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	jb, ok := f.bars[update.Job]
	if !ok {
		return nil
	}

	switch update.Type {
	case UpdateUnitProgress:
		jb.advance(update.Index, update.BytesWritten)

	case UpdateUnitComplete:
		jb.advance(update.Index, update.BytesWritten)
		delete(jb.written, update.Index)
		jb.finishUnit()

	case UpdateUnitError, UpdateUnitSkipped:
		delete(jb.written, update.Index)
		jb.finishUnit()
	}
	return nil
}

// advance adds the bytes written since the last update. A retried unit
// restarts from zero, in which case the new attempt is counted afresh.
func (jb *jobBar) advance(index int, written int64) {
	prev := jb.written[index]
	if written < prev {
		prev = 0
	}
	if delta := written - prev; delta > 0 {
		jb.bar.Add64(delta)
	}
	jb.written[index] = written
}

func (jb *jobBar) finishUnit() {
	jb.done++
	jb.bar.Set("units", fmt.Sprintf("%d/%d units", jb.done, jb.total))
}

// Complete closes the job's bar and prints the summary
func (f *ProgressFormatter) Complete(report *models.JobReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if jb, ok := f.bars[report.Job]; ok {
		jb.bar.Finish()
		delete(f.bars, report.Job)
	}
	writeSummary(f.writer, report)
	return nil
}

// Error reports an error
func (f *ProgressFormatter) Error(err error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	fmt.Fprintf(f.writer, "\n❌ Error: %v\n", err)
	return nil
}

// Name returns the formatter name
func (f *ProgressFormatter) Name() string {
	return "progress"
}
