package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/sdejongh/courier/pkg/journal"
)

// HistoryFlags holds history command flags
type HistoryFlags struct {
	Limit  int
	Output string
}

var historyFlags HistoryFlags

// NewHistoryCommand creates the history command
func NewHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show past job reports",
		Long: `List the most recent job reports recorded in the journal, newest first.
Given a run ID, show every report of that run with its failures.`,
		Args: cobra.MaximumNArgs(1),
		RunE: runHistory,
	}

	cmd.Flags().IntVarP(&historyFlags.Limit, "limit", "n", 20, "number of reports to list (0 = all)")
	cmd.Flags().StringVarP(&historyFlags.Output, "output", "o", "human", "output format: human, json")

	return cmd
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	j, err := openJournal(cfg)
	if err != nil {
		return err
	}
	defer j.Close()

	var records []journal.Record
	if len(args) == 1 {
		records, err = j.Get(args[0])
		if errors.Is(err, journal.ErrRunNotFound) {
			return fmt.Errorf("no reports for run %s", args[0])
		}
	} else {
		records, err = j.List(historyFlags.Limit)
	}
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	switch historyFlags.Output {
	case "json":
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(records)
	case "human", "":
	default:
		return fmt.Errorf("unsupported output format: %s (use: human, json)", historyFlags.Output)
	}

	if len(records) == 0 {
		fmt.Fprintln(w, "No reports recorded")
		return nil
	}
	writeRecords(w, records, len(args) == 1)
	return nil
}

func writeRecords(w io.Writer, records []journal.Record, withFailures bool) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tRUN\tJOB\tHOST\tSTATUS\tUNITS\tFAILED\tDATA\tDURATION")
	for _, r := range records {
		run := r.RunID
		if len(run) > 8 {
			run = run[:8]
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			r.StartTime.Local().Format("2006-01-02 15:04:05"),
			run,
			r.Job,
			r.Host,
			r.Status,
			r.Units,
			r.Failed,
			units.BytesSize(float64(r.BytesTransferred)),
			r.Duration.Round(time.Millisecond),
		)
	}
	tw.Flush()

	if !withFailures {
		return
	}
	for _, r := range records {
		if r.Error != "" {
			fmt.Fprintf(w, "\n%s: %s\n", r.Job, r.Error)
		}
		if len(r.Failures) == 0 {
			continue
		}
		fmt.Fprintf(w, "\n%s failures:\n", r.Job)
		for i, f := range r.Failures {
			fmt.Fprintf(w, "  #%d %s [%s, %d attempts]: %s\n", i+1, f.Path, f.Kind, f.Attempts, f.Error)
		}
	}
}
