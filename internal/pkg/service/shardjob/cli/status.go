package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	jsoniter "github.com/json-iterator/go"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/dependencies"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/model"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/operator"
)

const maxPrintedRecords = 20

type palette struct {
	header   *color.Color
	enabled  *color.Color
	disabled *color.Color
	failed   *color.Color
}

// newPalette returns colors for the output, they are enabled only if the output is a terminal.
func newPalette(w io.Writer) palette {
	p := palette{
		header:   color.New(color.Bold),
		enabled:  color.New(color.FgGreen),
		disabled: color.New(color.FgYellow),
		failed:   color.New(color.FgRed),
	}
	if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return p
	}
	for _, c := range []*color.Color{p.header, p.enabled, p.disabled, p.failed} {
		c.DisableColor()
	}
	return p
}

func (a *App) statusCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status <job>",
		Short: "Print the state of the job: instances, assignment, executions and failovers.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runAdmin(cmd.Context(), func(ctx context.Context, d dependencies.ServiceScope) error {
				status, err := operator.New(d, args[0]).Status(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(a.stdout)
					enc.SetIndent("", "  ")
					return enc.Encode(status)
				}
				printStatus(a.stdout, newPalette(a.stdout), status)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the status in the JSON format.")
	return cmd
}

func printStatus(w io.Writer, p palette, s operator.Status) {
	cfg := s.Config
	p.header.Fprintf(w, "Job \"%s\"\n", cfg.JobName)
	fmt.Fprintf(w, "  type: %s, schedule: %s, items: %d, strategy: %s\n", cfg.Type, cfg.Schedule, cfg.ShardingTotalCount, cfg.ShardingStrategy)
	fmt.Fprintf(w, "  failover: %t, misfire: %t, monitor execution: %t\n", cfg.Failover, cfg.Misfire, cfg.MonitorExecution)
	if cfg.Disabled {
		p.disabled.Fprintln(w, "  disabled")
	}

	leader := string(s.Leader)
	if leader == "" {
		leader = "-"
	}
	fmt.Fprintf(w, "  leader: %s\n", leader)
	if s.Generation != nil {
		fmt.Fprintf(w, "  generation: %d, updated at %s\n", s.Generation.Generation, s.Generation.UpdatedAt.Format(time.RFC3339))
	}
	if s.Resharding {
		p.disabled.Fprintln(w, "  resharding requested")
	}

	// Items by owner
	owners := make(map[model.InstanceID][]string)
	for _, a := range s.Assignment {
		owners[a.Owner] = append(owners[a.Owner], model.FormatItem(a.Item))
	}

	p.header.Fprintln(w, "Instances")
	if len(s.Instances) == 0 {
		fmt.Fprintln(w, "  -")
	}
	for _, instance := range s.Instances {
		state := p.enabled.Sprint("enabled")
		if server, ok := s.Servers[instance.Host]; ok && server.Disabled {
			state = p.disabled.Sprint("disabled")
		}
		items := strings.Join(owners[instance.InstanceID], ",")
		if items == "" {
			items = "-"
		}
		fmt.Fprintf(w, "  %s  host: %s  server: %s  items: %s\n", instance.InstanceID, instance.Host, state, items)
	}

	if len(s.DisabledItems) > 0 {
		items := make([]string, 0, len(s.DisabledItems))
		for _, item := range s.DisabledItems {
			items = append(items, model.FormatItem(item))
		}
		p.disabled.Fprintf(w, "Disabled items: %s\n", strings.Join(items, ","))
	}

	if len(s.Running) > 0 {
		p.header.Fprintln(w, "Running")
		running := make([]int, 0, len(s.Running))
		for item := range s.Running {
			running = append(running, item)
		}
		sort.Ints(running)
		for _, item := range running {
			marker := s.Running[item]
			fmt.Fprintf(w, "  item %d  instance: %s  task: %s  since %s\n", item, marker.InstanceID, marker.TaskID, marker.StartedAt.Format(time.RFC3339))
		}
	}

	if len(s.Records) > 0 {
		p.header.Fprintln(w, "Executions")
		records := s.Records
		if len(records) > maxPrintedRecords {
			records = records[len(records)-maxPrintedRecords:]
		}
		for _, r := range records {
			status := string(r.Status)
			if r.Status == model.StatusFailed {
				status = p.failed.Sprint(status)
			} else if r.Status == model.StatusCompleted {
				status = p.enabled.Sprint(status)
			}
			fmt.Fprintf(w, "  item %d  %s  instance: %s  failover: %t", r.Item, status, r.InstanceID, r.Failover)
			if r.Error != "" {
				fmt.Fprintf(w, "  error: %s", r.Error)
			}
			fmt.Fprintln(w)
		}
	}

	if len(s.Failovers) > 0 {
		p.header.Fprintln(w, "Failovers")
		for _, f := range s.Failovers {
			target := string(f.TargetInstance)
			if f.Pending() {
				target = "pending"
			}
			fmt.Fprintf(w, "  item %d  crashed: %s  target: %s\n", f.Item, f.CrashedInstance, target)
		}
	}
}
