package output

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/sdejongh/courier/pkg/models"
)

// JSONFormatter formats output as JSON for automation and scripting.
// Each completed job is written as one JSON document.
type JSONFormatter struct {
	writer io.Writer
	mu     sync.Mutex
}

// JSONReportData represents the final report of a job
type JSONReportData struct {
	RunID      string            `json:"run_id"`
	Job        string            `json:"job"`
	Host       string            `json:"host"`
	Direction  string            `json:"direction"`
	Mode       string            `json:"mode"`
	DryRun     bool              `json:"dry_run"`
	Status     string            `json:"status"`
	StartTime  string            `json:"start_time"`
	Duration   string            `json:"duration"`
	DurationMs int64             `json:"duration_ms"`
	Stats      JSONStatsData     `json:"stats"`
	Error      *JSONJobErrorData `json:"error,omitempty"`
	Failures   []JSONFailureData `json:"failures,omitempty"`
}

// JSONStatsData represents unit statistics
type JSONStatsData struct {
	Units            int    `json:"units"`
	Succeeded        int    `json:"succeeded"`
	Failed           int    `json:"failed"`
	Skipped          int    `json:"skipped"`
	Cancelled        int    `json:"cancelled"`
	BytesTransferred int64  `json:"bytes_transferred"`
	AverageSpeed     int64  `json:"average_speed_bytes_per_sec,omitempty"`
	AverageSpeedStr  string `json:"average_speed,omitempty"`
}

// JSONJobErrorData represents an error that aborted the job
type JSONJobErrorData struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// JSONFailureData represents one failed unit
type JSONFailureData struct {
	Index    int    `json:"index"`
	Path     string `json:"path"`
	Kind     string `json:"kind"`
	Error    string `json:"error"`
	Attempts int    `json:"attempts"`
}

// NewJSONFormatter creates a new JSON formatter
func NewJSONFormatter(w io.Writer) *JSONFormatter {
	return &JSONFormatter{writer: w}
}

// Start is silent to keep the output parseable
func (f *JSONFormatter) Start(job JobStart) error {
	return nil
}

// Progress is silent to keep the output parseable
func (f *JSONFormatter) Progress(update ProgressUpdate) error {
	return nil
}

// Complete writes the report as an indented JSON document
func (f *JSONFormatter) Complete(report *models.JobReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	encoder := json.NewEncoder(f.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(NewJSONReport(report))
}

// Error writes the error as a JSON object
func (f *JSONFormatter) Error(err error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	return json.NewEncoder(f.writer).Encode(map[string]string{"error": err.Error()})
}

// Name returns the formatter name
func (f *JSONFormatter) Name() string {
	return "json"
}

// NewJSONReport converts a report into its JSON representation
func NewJSONReport(report *models.JobReport) JSONReportData {
	var avgSpeed int64
	var avgSpeedStr string
	if report.Duration.Seconds() > 0 && report.BytesTransferred > 0 {
		avgSpeed = int64(float64(report.BytesTransferred) / report.Duration.Seconds())
		avgSpeedStr = formatBytes(avgSpeed) + "/s"
	}

	data := JSONReportData{
		RunID:      report.RunID,
		Job:        report.Job,
		Host:       report.Host,
		Direction:  string(report.Direction),
		Mode:       string(report.Mode),
		DryRun:     report.DryRun,
		Status:     string(report.Status),
		StartTime:  report.StartTime.Format(time.RFC3339),
		Duration:   report.Duration.Round(time.Millisecond).String(),
		DurationMs: report.Duration.Milliseconds(),
		Stats: JSONStatsData{
			Units:            report.Units,
			Succeeded:        report.Succeeded,
			Failed:           report.Failed,
			Skipped:          report.Skipped,
			Cancelled:        report.Cancelled,
			BytesTransferred: report.BytesTransferred,
			AverageSpeed:     avgSpeed,
			AverageSpeedStr:  avgSpeedStr,
		},
	}
	if report.Error != "" {
		data.Error = &JSONJobErrorData{Kind: string(report.ErrorKind), Message: report.Error}
	}
	for _, fl := range report.Failures {
		data.Failures = append(data.Failures, JSONFailureData{
			Index:    fl.Index,
			Path:     fl.Path,
			Kind:     string(fl.Kind),
			Error:    fl.Error,
			Attempts: fl.Attempts,
		})
	}
	return data
}
