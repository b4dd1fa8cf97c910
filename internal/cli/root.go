package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// ExitError carries a non-zero process exit code out of a command whose
// work finished but reported failures
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// exitWith returns nil for code 0 and an *ExitError otherwise
func exitWith(code int) error {
	if code == 0 {
		return nil
	}
	return &ExitError{Code: code}
}

// NewRootCommand builds the command tree
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "courier",
		Short: "Configuration-driven SFTP transfer engine",
		Long: `courier moves files between the local filesystem and remote hosts over
SFTP. Hosts and transfer jobs are declared in a YAML configuration file;
jobs copy, mirror or prune directory trees with bounded concurrency,
retries and per-job reports.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Add global flags
	AddGlobalFlags(rootCmd)

	// Add commands
	rootCmd.AddCommand(NewRunCommand())
	rootCmd.AddCommand(NewPlanCommand())
	rootCmd.AddCommand(NewValidateCommand())
	rootCmd.AddCommand(NewConfigCommand())
	rootCmd.AddCommand(NewHistoryCommand())
	rootCmd.AddCommand(NewVersionCommand())

	return rootCmd
}
