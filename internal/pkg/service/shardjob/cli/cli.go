// Package cli provides the command line interface of the shardjob binary.
//
// The "worker" command runs instances of all jobs from the job file.
// Other commands are administrative, they only modify the registry.
package cli

import (
	"context"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/keboola/keboola-shardjob/internal/pkg/log"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/common/servicectx"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/config"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/definition"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/dependencies"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/job"
	"github.com/keboola/keboola-shardjob/internal/pkg/telemetry"
	"github.com/keboola/keboola-shardjob/internal/pkg/utils/errors"
)

// DepsFactory creates the service scope, it can be replaced in tests.
type DepsFactory func(ctx context.Context, proc *servicectx.Process, logger log.Logger, tel telemetry.Telemetry, cfg config.Config) (dependencies.ServiceScope, error)

type App struct {
	stdout  io.Writer
	stderr  io.Writer
	newDeps DepsFactory
	jobs    map[string]job.Job
	config  config.Config
}

type Option func(a *App)

// WithJob registers the body of the job, jobs without a registered body only log their items.
func WithJob(jobName string, body job.Job) Option {
	return func(a *App) {
		a.jobs[jobName] = body
	}
}

func WithOutput(stdout, stderr io.Writer) Option {
	return func(a *App) {
		a.stdout = stdout
		a.stderr = stderr
	}
}

func WithDepsFactory(fn DepsFactory) Option {
	return func(a *App) {
		a.newDeps = fn
	}
}

func NewRootCommand(opts ...Option) *cobra.Command {
	a := &App{
		stdout: os.Stdout,
		stderr: os.Stderr,
		jobs:   make(map[string]job.Job),
		newDeps: func(ctx context.Context, proc *servicectx.Process, logger log.Logger, tel telemetry.Telemetry, cfg config.Config) (dependencies.ServiceScope, error) {
			return dependencies.NewServiceScope(ctx, proc, logger, tel, cfg.Etcd)
		},
	}
	for _, o := range opts {
		o(a)
	}

	root := &cobra.Command{
		Use:           "shardjob",
		Short:         "Distributed sharded job scheduler coordinated by etcd.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) (err error) {
			a.config, err = config.Bind(cmd.Context(), cmd.Flags(), definition.NewValidator())
			return err
		},
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)
	config.GenerateFlags(root.PersistentFlags())

	root.AddCommand(
		a.workerCommand(),
		a.setupCommand(),
		a.triggerCommand(),
		a.serverCommand(),
		a.itemCommand(),
		a.reshardCommand(),
		a.statusCommand(),
		a.removeCommand(),
		a.configCommand(),
	)
	return root
}

func (a *App) newLogger() log.Logger {
	return log.NewServiceLogger(a.stderr, log.Format(a.config.LogFormat), a.config.DebugLog)
}

func (a *App) newProcess(ctx context.Context, logger log.Logger) (*servicectx.Process, error) {
	ctx, cancel := context.WithCancel(ctx)

	var opts []servicectx.Option
	if a.config.NodeID != "" {
		opts = append(opts, servicectx.WithUniqueID(a.config.NodeID))
	}
	if a.config.Hostname != "" {
		opts = append(opts, servicectx.WithHostname(a.config.Hostname))
	}

	proc, err := servicectx.New(ctx, cancel, logger, opts...)
	if err != nil {
		cancel()
		return nil, err
	}
	return proc, nil
}

// runAdmin connects to etcd, invokes the operation and disconnects.
func (a *App) runAdmin(ctx context.Context, fn func(ctx context.Context, d dependencies.ServiceScope) error) error {
	logger := a.newLogger()
	proc, err := a.newProcess(ctx, logger)
	if err != nil {
		return err
	}
	defer func() {
		proc.Shutdown(errors.New("command finished"))
		proc.WaitForShutdown()
	}()

	d, err := a.newDeps(ctx, proc, logger, telemetry.NewNop(), a.config)
	if err != nil {
		return err
	}

	return fn(ctx, d)
}

func (a *App) loadJobFile(ctx context.Context) ([]definition.JobConfiguration, error) {
	if a.config.JobFile == "" {
		return nil, errors.New(`job file is not set, use the "--job-file" flag`)
	}
	return definition.ReadFile(ctx, a.config.JobFile)
}
