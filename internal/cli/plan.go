package cli

import (
	"encoding/json"
	"fmt"
	"io"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/sdejongh/courier/pkg/models"
	"github.com/sdejongh/courier/pkg/session"
	"github.com/sdejongh/courier/pkg/storage"
	"github.com/sdejongh/courier/pkg/sync"
	"github.com/sdejongh/courier/pkg/transport"
)

// PlanFlags holds plan command flags
type PlanFlags struct {
	Jobs   []string
	Output string
}

var planFlags PlanFlags

// NewPlanCommand creates the plan command
func NewPlanCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "List the transfers a run would perform",
		Long: `Resolve every selected job into its transfer units and print them
without transferring anything. Remote listings still connect to the
hosts involved.`,
		RunE: runPlan,
	}

	cmd.Flags().StringSliceVarP(&planFlags.Jobs, "job", "j", nil, "plan only the named jobs")
	cmd.Flags().StringVarP(&planFlags.Output, "output", "o", "human", "output format: human, json")

	return cmd
}

func runPlan(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	hosts, jobs, err := selectJobs(cfg, planFlags.Jobs)
	if err != nil {
		return err
	}

	logger, err := createLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Close()

	orchestrator := sync.NewOrchestrator(sync.OrchestratorConfig{
		Hosts:  hosts,
		Pool:   session.NewPool(transport.NewDialer(logger), logger),
		Local:  storage.NewLocal(),
		Logger: logger,
	})
	plans := orchestrator.Plan(ctx, jobs)

	switch planFlags.Output {
	case "json":
		err = writePlansJSON(cmd.OutOrStdout(), plans)
	case "human", "":
		writePlans(cmd.OutOrStdout(), plans)
	default:
		return fmt.Errorf("unsupported output format: %s (use: human, json)", planFlags.Output)
	}
	if err != nil {
		return err
	}

	for _, p := range plans {
		if p.Err != nil {
			return exitWith(models.StatusFailed.ExitCode())
		}
	}
	return nil
}

func writePlans(w io.Writer, plans []sync.JobPlan) {
	for i, p := range plans {
		if i > 0 {
			fmt.Fprintln(w)
		}
		job := p.Job
		if p.Err != nil {
			fmt.Fprintf(w, "Job %s (%s, %s on %s): %s: %v\n", job.Name, job.Direction, job.Mode, job.Host, models.KindOf(p.Err), p.Err)
			continue
		}

		var total int64
		for _, u := range p.Units {
			if u.ExpectedSize > 0 {
				total += u.ExpectedSize
			}
		}
		fmt.Fprintf(w, "Job %s (%s, %s on %s): %d units, %s\n", job.Name, job.Direction, job.Mode, job.Host, len(p.Units), units.BytesSize(float64(total)))
		for _, u := range p.Units {
			switch {
			case u.Kind == models.UnitDelete && u.Recursive:
				fmt.Fprintf(w, "  %-8s %s/ (%s)\n", u.Kind, u.DestPath, u.Side)
			case u.Kind == models.UnitDelete:
				fmt.Fprintf(w, "  %-8s %s (%s)\n", u.Kind, u.DestPath, u.Side)
			case u.ExpectedSize >= 0:
				fmt.Fprintf(w, "  %-8s %s -> %s (%s)\n", u.Kind, u.SourcePath, u.DestPath, units.BytesSize(float64(u.ExpectedSize)))
			default:
				fmt.Fprintf(w, "  %-8s %s -> %s\n", u.Kind, u.SourcePath, u.DestPath)
			}
		}
	}
}

type jsonPlanUnit struct {
	Index     int    `json:"index"`
	Kind      string `json:"kind"`
	Side      string `json:"side,omitempty"`
	Source    string `json:"source,omitempty"`
	Dest      string `json:"dest"`
	Size      int64  `json:"size"`
	Recursive bool   `json:"recursive,omitempty"`
}

type jsonPlan struct {
	Job       string         `json:"job"`
	Host      string         `json:"host"`
	Direction string         `json:"direction"`
	Mode      string         `json:"mode"`
	Units     []jsonPlanUnit `json:"units"`
	Error     string         `json:"error,omitempty"`
	ErrorKind string         `json:"error_kind,omitempty"`
}

func writePlansJSON(w io.Writer, plans []sync.JobPlan) error {
	out := make([]jsonPlan, len(plans))
	for i, p := range plans {
		jp := jsonPlan{
			Job:       p.Job.Name,
			Host:      p.Job.Host,
			Direction: string(p.Job.Direction),
			Mode:      string(p.Job.Mode),
			Units:     make([]jsonPlanUnit, len(p.Units)),
		}
		if p.Err != nil {
			jp.Error = p.Err.Error()
			jp.ErrorKind = string(models.KindOf(p.Err))
		}
		for k, u := range p.Units {
			jp.Units[k] = jsonPlanUnit{
				Index:     u.Index,
				Kind:      string(u.Kind),
				Side:      string(u.Side),
				Source:    u.SourcePath,
				Dest:      u.DestPath,
				Size:      u.ExpectedSize,
				Recursive: u.Recursive,
			}
		}
		out[i] = jp
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(out)
}
