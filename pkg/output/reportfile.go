package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sdejongh/courier/pkg/models"
)

// WriteReportFile writes the reports of a run to a file.
// Format can be "human" or "json".
func WriteReportFile(reports []*models.JobReport, filepath string, format string) error {
	file, err := os.Create(filepath)
	if err != nil {
		return fmt.Errorf("failed to create report file: %w", err)
	}

	switch format {
	case "json":
		err = writeReportsJSON(reports, file)
	default:
		err = writeReportsHuman(reports, file)
	}
	if cerr := file.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("failed to close report file: %w", cerr)
	}
	return err
}

func writeReportsHuman(reports []*models.JobReport, w io.Writer) error {
	fmt.Fprintf(w, "Transfer Report\n")
	fmt.Fprintf(w, "===============\n\n")
	fmt.Fprintf(w, "Generated: %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(w, "Jobs: %d\n", len(reports))
	fmt.Fprintf(w, "Exit code: %d\n", models.ExitCode(reports))

	for _, r := range reports {
		if r != nil {
			writeSummary(w, r)
		}
	}
	return nil
}

func writeReportsJSON(reports []*models.JobReport, w io.Writer) error {
	out := struct {
		Generated string           `json:"generated"`
		ExitCode  int              `json:"exit_code"`
		Jobs      []JSONReportData `json:"jobs"`
	}{
		Generated: time.Now().Format(time.RFC3339),
		ExitCode:  models.ExitCode(reports),
		Jobs:      make([]JSONReportData, 0, len(reports)),
	}
	for _, r := range reports {
		if r != nil {
			out.Jobs = append(out.Jobs, NewJSONReport(r))
		}
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(out)
}
