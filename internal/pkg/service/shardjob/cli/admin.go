package cli

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/config"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/dependencies"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/operator"
	"github.com/keboola/keboola-shardjob/internal/pkg/utils/errors"
)

func (a *App) setupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Store configurations of all jobs from the job file, existing ones are replaced only if overwrite is set.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			jobs, err := a.loadJobFile(cmd.Context())
			if err != nil {
				return err
			}
			return a.runAdmin(cmd.Context(), func(ctx context.Context, d dependencies.ServiceScope) error {
				for _, jobCfg := range jobs {
					stored, err := operator.New(d, jobCfg.JobName).SetUp(ctx, jobCfg)
					if err != nil {
						return err
					}
					a.printf("job \"%s\": schedule \"%s\", %d items\n", stored.JobName, stored.Schedule, stored.ShardingTotalCount)
				}
				return nil
			})
		},
	}
}

func (a *App) triggerCommand() *cobra.Command {
	return a.jobCommand("trigger <job>", "Execute the job once on all live instances, out of the schedule.", 0, func(ctx context.Context, o *operator.Operator, _ []string) error {
		instances, err := o.Trigger(ctx)
		if err != nil {
			return err
		}
		a.printf("triggered %d instance(s)\n", len(instances))
		for _, id := range instances {
			a.printf("  %s\n", id)
		}
		return nil
	})
}

func (a *App) serverCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Enable or disable a server, instances on a disabled server get no items.",
	}
	cmd.AddCommand(
		a.jobCommand("disable <job> <host>", "Exclude instances on the host from the assignment.", 1, func(ctx context.Context, o *operator.Operator, args []string) error {
			if err := o.DisableServer(ctx, args[0]); err != nil {
				return err
			}
			a.printf("server \"%s\" disabled\n", args[0])
			return nil
		}),
		a.jobCommand("enable <job> <host>", "Include instances on the host in the assignment.", 1, func(ctx context.Context, o *operator.Operator, args []string) error {
			if err := o.EnableServer(ctx, args[0]); err != nil {
				return err
			}
			a.printf("server \"%s\" enabled\n", args[0])
			return nil
		}),
	)
	return cmd
}

func (a *App) itemCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "item",
		Short: "Enable or disable an item, a disabled item is not executed.",
	}
	cmd.AddCommand(
		a.jobCommand("disable <job> <item>", "Stop executing the item.", 1, func(ctx context.Context, o *operator.Operator, args []string) error {
			item, err := parseItem(args[0])
			if err != nil {
				return err
			}
			if err := o.DisableItem(ctx, item); err != nil {
				return err
			}
			a.printf("item %d disabled\n", item)
			return nil
		}),
		a.jobCommand("enable <job> <item>", "Resume executing the item.", 1, func(ctx context.Context, o *operator.Operator, args []string) error {
			item, err := parseItem(args[0])
			if err != nil {
				return err
			}
			if err := o.EnableItem(ctx, item); err != nil {
				return err
			}
			a.printf("item %d enabled\n", item)
			return nil
		}),
	)
	return cmd
}

func (a *App) reshardCommand() *cobra.Command {
	return a.jobCommand("reshard <job>", "Request a new assignment of items, it is computed by the leader.", 0, func(ctx context.Context, o *operator.Operator, _ []string) error {
		if err := o.Reshard(ctx); err != nil {
			return err
		}
		a.printf("resharding requested\n")
		return nil
	})
}

func (a *App) removeCommand() *cobra.Command {
	return a.jobCommand("remove <job>", "Delete all registry keys of the job, all instances must be stopped.", 0, func(ctx context.Context, o *operator.Operator, _ []string) error {
		if err := o.Remove(ctx); err != nil {
			return err
		}
		a.printf("job removed\n")
		return nil
	})
}

func (a *App) configCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration in the YAML format.",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			out, err := config.Dump(a.config)
			if err != nil {
				return err
			}
			_, err = a.stdout.Write(out)
			return err
		},
	}
}

// jobCommand creates a command with the job name as the first argument, followed by the extraArgs.
func (a *App) jobCommand(use, short string, extraArgs int, fn func(ctx context.Context, o *operator.Operator, args []string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1 + extraArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runAdmin(cmd.Context(), func(ctx context.Context, d dependencies.ServiceScope) error {
				return fn(ctx, operator.New(d, args[0]), args[1:])
			})
		},
	}
}

func (a *App) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(a.stdout, format, args...)
}

func parseItem(v string) (int, error) {
	item, err := strconv.Atoi(v)
	if err != nil || item < 0 {
		return 0, errors.Errorf(`invalid item "%s", expected a non-negative number`, v)
	}
	return item, nil
}
