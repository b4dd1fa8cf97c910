package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sdejongh/courier/pkg/config"
	"github.com/sdejongh/courier/pkg/journal"
	"github.com/sdejongh/courier/pkg/logging"
	"github.com/sdejongh/courier/pkg/models"
	"github.com/sdejongh/courier/pkg/output"
	"github.com/sdejongh/courier/pkg/session"
	"github.com/sdejongh/courier/pkg/storage"
	"github.com/sdejongh/courier/pkg/sync"
	"github.com/sdejongh/courier/pkg/transport"
)

// RunFlags holds run command flags
type RunFlags struct {
	Jobs         []string
	DryRun       bool
	Interval     time.Duration
	ParallelJobs bool
	Bandwidth    string
	Output       string
	ReportFile   string
	ReportFormat string
	NoJournal    bool
	// Logging flags
	LogFile   string
	LogFormat string
	LogLevel  string
}

var runFlags RunFlags

// NewRunCommand creates the run command
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the configured transfer jobs",
		Long: `Run every configured job, or the ones selected with --job, in
configuration order. With --interval the whole run repeats until
interrupted.

Exit codes: 0 success, 1 some units failed, 2 a job failed, 3 interrupted.`,
		RunE: runRun,
	}

	cmd.Flags().StringSliceVarP(&runFlags.Jobs, "job", "j", nil, "run only the named jobs")
	cmd.Flags().BoolVar(&runFlags.DryRun, "dry-run", false, "resolve and report without transferring")
	cmd.Flags().DurationVar(&runFlags.Interval, "interval", 0, "repeat the run at this interval (e.g. \"5m\")")
	cmd.Flags().BoolVar(&runFlags.ParallelJobs, "parallel-jobs", false, "run consecutive independent jobs concurrently")
	cmd.Flags().StringVarP(&runFlags.Bandwidth, "bandwidth", "b", "", "bandwidth limit per job (e.g., \"10M\", \"1G\")")
	cmd.Flags().StringVarP(&runFlags.Output, "output", "o", "", "output format: human, json, progress")
	cmd.Flags().StringVar(&runFlags.ReportFile, "report-file", "", "write the run report to file")
	cmd.Flags().StringVar(&runFlags.ReportFormat, "report-format", "", "report file format: human, json")
	cmd.Flags().BoolVar(&runFlags.NoJournal, "no-journal", false, "do not record reports in the journal")

	// Logging flags
	cmd.Flags().StringVar(&runFlags.LogFile, "log-file", "", "write logs to file")
	cmd.Flags().StringVar(&runFlags.LogFormat, "log-format", "", "log format: text, json")
	cmd.Flags().StringVar(&runFlags.LogLevel, "log-level", "", "log level: debug, info, warn, error")

	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load configuration
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Override config with command-line flags
	applyRunFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	hosts, jobs, err := selectJobs(cfg, runFlags.Jobs)
	if err != nil {
		return err
	}
	bandwidth, err := parseBandwidth(runFlags.Bandwidth)
	if err != nil {
		return err
	}
	for i := range jobs {
		jobs[i].DryRun = runFlags.DryRun
		if bandwidth > 0 {
			jobs[i].BandwidthLimit = bandwidth
		}
	}

	logger, err := createLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Close()

	formatter, err := createFormatter(cfg, cmd.OutOrStdout())
	if err != nil {
		return err
	}

	var j sync.Journal
	if cfg.Journal.Enabled && !runFlags.NoJournal {
		jr, err := openJournal(cfg)
		if err != nil {
			logger.Warn(ctx, "journal unavailable", logging.Fields{"error": err.Error()})
		} else {
			defer jr.Close()
			j = jr
		}
	}

	r := &runner{
		cfg:       cfg,
		hosts:     hosts,
		jobs:      jobs,
		opener:    transport.NewDialer(logger),
		local:     storage.NewLocal(),
		formatter: formatter,
		logger:    logger,
		journal:   j,
		errOut:    cmd.ErrOrStderr(),
	}
	return exitWith(r.loop(ctx, cfg.Performance.Interval))
}

// applyRunFlags overrides config values with command-line flags
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("interval") {
		cfg.Performance.Interval = runFlags.Interval
	}
	if flags.Changed("parallel-jobs") {
		cfg.Performance.ParallelJobs = runFlags.ParallelJobs
	}
	if runFlags.Output != "" {
		cfg.Output.Format = runFlags.Output
	}
	if runFlags.ReportFile != "" {
		cfg.Output.ReportFile = runFlags.ReportFile
	}
	if runFlags.ReportFormat != "" {
		cfg.Output.ReportFormat = runFlags.ReportFormat
	}
	if globalFlags.Quiet {
		cfg.Output.Quiet = true
	}

	if runFlags.LogFile != "" {
		cfg.Logging.Enabled = true
		cfg.Logging.File = runFlags.LogFile
	}
	if runFlags.LogFormat != "" {
		cfg.Logging.Format = runFlags.LogFormat
	}
	if runFlags.LogLevel != "" {
		cfg.Logging.Level = runFlags.LogLevel
	}
}

func openJournal(cfg *config.Config) (*journal.Journal, error) {
	path := cfg.Journal.Path
	if path == "" {
		path = journal.DefaultPath()
	}
	return journal.Open(path)
}

// runner executes the selected jobs once or periodically
type runner struct {
	cfg       *config.Config
	hosts     map[string]models.HostProfile
	jobs      []models.TransferJob
	opener    session.Opener
	local     storage.Backend
	formatter output.Formatter
	logger    logging.Logger
	journal   sync.Journal
	errOut    io.Writer
}

// loop runs once, then again every interval until ctx is done, and returns
// the exit code of the last completed run
func (r *runner) loop(ctx context.Context, interval time.Duration) int {
	code := r.once(ctx)
	if interval <= 0 {
		return code
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		r.logger.Info(ctx, "waiting for next run", logging.Fields{"interval": interval.String()})
		select {
		case <-ctx.Done():
			return code
		case <-ticker.C:
		}
		code = r.once(ctx)
		if ctx.Err() != nil {
			return code
		}
	}
}

// once runs every job against a fresh session pool. The orchestrator
// closes the pool when the run ends.
func (r *runner) once(ctx context.Context) int {
	orchestrator := sync.NewOrchestrator(sync.OrchestratorConfig{
		Hosts:        r.hosts,
		Pool:         session.NewPool(r.opener, r.logger),
		Local:        r.local,
		Formatter:    r.formatter,
		Logger:       r.logger,
		Journal:      r.journal,
		ParallelJobs: r.cfg.Performance.ParallelJobs,
	})
	reports := orchestrator.RunAll(ctx, r.jobs)

	if path := r.cfg.Output.ReportFile; path != "" {
		if err := output.WriteReportFile(reports, path, r.cfg.Output.ReportFormat); err != nil {
			fmt.Fprintf(r.errOut, "Warning: failed to write report file: %v\n", err)
		}
	}
	return models.ExitCode(reports)
}
