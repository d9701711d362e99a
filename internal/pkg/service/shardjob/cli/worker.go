package cli

import (
	"context"
	"net/http"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/metric"

	"github.com/keboola/keboola-shardjob/internal/pkg/log"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/common/httpserver"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/common/servicectx"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/definition"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/job"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/model"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/node"
	"github.com/keboola/keboola-shardjob/internal/pkg/telemetry"
)

func (a *App) workerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run instances of all jobs from the job file, until SIGINT or SIGTERM.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.runWorker(cmd.Context())
		},
	}
}

func (a *App) runWorker(ctx context.Context) error {
	jobs, err := a.loadJobFile(ctx)
	if err != nil {
		return err
	}

	logger := a.newLogger()
	proc, err := a.newProcess(ctx, logger)
	if err != nil {
		return err
	}

	err = a.startJobs(ctx, proc, logger, jobs)
	if err != nil {
		proc.Shutdown(err)
	}

	proc.WaitForShutdown()
	return err
}

func (a *App) startJobs(ctx context.Context, proc *servicectx.Process, logger log.Logger, jobs []definition.JobConfiguration) error {
	var meterProvider metric.MeterProvider
	var metricsHandler http.Handler
	if a.config.MetricsListen != "" {
		var err error
		if meterProvider, metricsHandler, err = telemetry.NewPrometheusMeterProvider(); err != nil {
			return err
		}
	}

	d, err := a.newDeps(ctx, proc, logger, telemetry.New(nil, meterProvider), a.config)
	if err != nil {
		return err
	}

	if metricsHandler != nil {
		_, err := httpserver.Start(ctx, d, httpserver.Config{
			ListenAddress: a.config.MetricsListen,
			Mount: func(mux *http.ServeMux) {
				mux.Handle("/metrics", metricsHandler)
			},
		})
		if err != nil {
			return err
		}
	}

	var opts []node.Option
	if a.config.NodeID != "" {
		opts = append(opts, node.WithInstanceID(model.InstanceID(a.config.NodeID)))
	}

	logger.Infof(ctx, `starting %d job(s), debug=%t`, len(jobs), a.config.DebugLog)
	for _, jobCfg := range jobs {
		body, found := a.jobs[jobCfg.JobName]
		if !found {
			body = logItemsJob(logger.WithComponent("job"))
		}
		if _, err := node.Start(ctx, d, a.config.Node, jobCfg, body, opts...); err != nil {
			return err
		}
	}
	return nil
}

// logItemsJob is the body of jobs without a registered implementation.
func logItemsJob(logger log.Logger) job.Job {
	return job.Func(func(ctx context.Context, sc job.ShardingContext) job.Result {
		logger.Infof(ctx, `job "%s" task "%s": item %d/%d, parameter "%s", failover=%t`, sc.JobName, sc.TaskID, sc.Item, sc.ShardingTotalCount, sc.ItemParameter, sc.Failover)
		return job.Result{Payload: sc.ItemParameter}
	})
}
