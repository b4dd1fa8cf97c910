package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/sdejongh/courier/pkg/config"
	"github.com/sdejongh/courier/pkg/logging"
	"github.com/sdejongh/courier/pkg/models"
	"github.com/sdejongh/courier/pkg/output"
	"github.com/sdejongh/courier/pkg/session"
	"github.com/sdejongh/courier/pkg/transport"
)

// ValidateFlags holds validate command flags
type ValidateFlags struct {
	Connect bool
	Timeout time.Duration
}

var validateFlags ValidateFlags

// NewValidateCommand creates the validate command
func NewValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration file",
		Long: `Load and validate the configuration, reporting every problem found.
With --connect, also open one session per configured host.`,
		RunE: runValidate,
	}

	cmd.Flags().BoolVar(&validateFlags.Connect, "connect", false, "open a session to every host")
	cmd.Flags().DurationVar(&validateFlags.Timeout, "timeout", 30*time.Second, "overall timeout for --connect")

	return cmd
}

func runValidate(cmd *cobra.Command, args []string) error {
	w := cmd.OutOrStdout()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	hosts, jobs, err := cfg.Build()
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Configuration OK: %d hosts, %d jobs\n", len(hosts), len(jobs))
	if !validateFlags.Connect {
		return nil
	}

	ctx, cancel := context.WithTimeout(commandContext(cmd), validateFlags.Timeout)
	defer cancel()

	logger, err := createLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Close()

	failed := checkHosts(ctx, w, session.NewPool(transport.NewDialer(logger), logger), hosts)
	if failed > 0 {
		return exitWith(models.StatusFailed.ExitCode())
	}
	return nil
}

// checkHosts opens and probes one session per host and returns the number
// of hosts that could not be reached
func checkHosts(ctx context.Context, w io.Writer, pool *session.Pool, hosts map[string]models.HostProfile) int {
	defer pool.CloseAll(5 * time.Second)

	names := make([]string, 0, len(hosts))
	for name := range hosts {
		names = append(names, name)
	}
	sort.Strings(names)

	failed := 0
	for _, name := range names {
		host := hosts[name]
		err := pool.With(ctx, host, func(s session.Session) error {
			_, err := s.Stat(ctx, ".")
			return err
		})
		if err != nil {
			failed++
			fmt.Fprintf(w, "  ✗ %s (%s): %s: %v\n", name, host.Endpoint(), models.KindOf(err), err)
			continue
		}
		fmt.Fprintf(w, "  ✓ %s (%s)\n", name, host.Endpoint())
	}
	return failed
}

// loadConfig loads configuration from file or returns default
func loadConfig() (*config.Config, error) {
	if globalFlags.ConfigFile != "" {
		return config.LoadFromFile(globalFlags.ConfigFile)
	}
	return config.LoadDefault()
}

// configPath returns the file the configuration is read from
func configPath() string {
	if globalFlags.ConfigFile != "" {
		return globalFlags.ConfigFile
	}
	return config.DefaultConfigPath()
}

// selectJobs builds the configuration and keeps the named jobs
func selectJobs(cfg *config.Config, names []string) (map[string]models.HostProfile, []models.TransferJob, error) {
	hosts, jobs, err := cfg.Build()
	if err != nil {
		return nil, nil, err
	}
	jobs, err = config.SelectJobs(jobs, names)
	if err != nil {
		return nil, nil, err
	}
	if len(jobs) == 0 {
		return nil, nil, fmt.Errorf("no jobs configured in %s", configPath())
	}
	return hosts, jobs, nil
}

// parseBandwidth parses a rate such as "10M" or "512KiB" into bytes per
// second. Units are binary.
func parseBandwidth(s string) (int64, error) {
	if s == "" || s == "0" {
		return 0, nil
	}
	n, err := units.RAMInBytes(strings.TrimSuffix(s, "/s"))
	if err != nil {
		return 0, fmt.Errorf("invalid bandwidth %q: %w", s, err)
	}
	return n, nil
}

// logStderr receives debug logs under --verbose
var logStderr io.Writer = os.Stderr

// createLogger creates a logger based on configuration. Without a log file,
// or with logging disabled, logs are discarded unless --verbose sends them
// to stderr.
func createLogger(cfg config.LoggingConfig) (logging.Logger, error) {
	// Parse log format
	var format logging.Format
	switch cfg.Format {
	case "json":
		format = logging.FormatJSON
	default:
		format = logging.FormatText
	}

	if !cfg.Enabled || cfg.File == "" {
		if globalFlags.Verbose {
			return logging.NewWriterLogger(logStderr, format, logging.DebugLevel), nil
		}
		return logging.NewNullLogger(), nil
	}

	level := logging.ParseLevel(cfg.Level)
	if globalFlags.Verbose {
		level = logging.DebugLevel
	}

	return logging.NewFileLogger(logging.FileLoggerConfig{
		Path:       cfg.File,
		Format:     format,
		Level:      level,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
	})
}

// createFormatter picks the run formatter. Parallel runs get line output
// instead of progress bars.
func createFormatter(cfg *config.Config, w io.Writer) (output.Formatter, error) {
	if cfg.Output.Quiet {
		return output.Discard{}, nil
	}
	name := cfg.Output.Format
	if name == "progress" && cfg.Performance.ParallelJobs {
		name = "human"
	}
	return output.New(name, w)
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
