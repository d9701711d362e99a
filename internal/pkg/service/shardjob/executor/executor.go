// Package executor runs the local items of the job on one instance.
//
// Each execution resolves the local items from the sharding assignment,
// registers the running items, runs the job body for each item concurrently and stores the results.
// Misfired items are re-executed, failover items assigned to the instance are executed at the end.
package executor

import (
	"context"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/keboola/keboola-shardjob/internal/pkg/idgenerator"
	"github.com/keboola/keboola-shardjob/internal/pkg/log"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/definition"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/execution"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/job"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/listener"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/model"
	"github.com/keboola/keboola-shardjob/internal/pkg/telemetry"
	"github.com/keboola/keboola-shardjob/internal/pkg/utils/errors"
)

// Source of an execution.
type Source string

const (
	SourceSchedule Source = "schedule"
	SourceTrigger  Source = "trigger"
	SourceMisfire  Source = "misfire"
	SourceFailover Source = "failover"
)

const completionTimeout = 30 * time.Second

type Executor struct {
	jobName   string
	instance  model.Instance
	logger    log.Logger
	telemetry telemetry.Telemetry
	clock     clockwork.Clock
	job       job.Job
	config    executorConfig

	configs  configLoader
	registry instanceRegistry
	assignor shardingAssignor
	tracker  executionTracker
	monitor  failoverMonitor

	running         *atomic.Bool
	failoverRunning *atomic.Bool

	misfires     metric.Int64Counter
	itemDuration metric.Float64Histogram
}

type executorConfig struct {
	listeners          []listener.Listener
	maxConcurrentItems int
}

type Option func(c *executorConfig)

// WithListeners adds listeners invoked around each regular execution.
func WithListeners(v ...listener.Listener) Option {
	return func(c *executorConfig) {
		c.listeners = append(c.listeners, v...)
	}
}

// WithMaxConcurrentItems limits the number of items executed at once, 0 means no limit.
func WithMaxConcurrentItems(v int) Option {
	return func(c *executorConfig) {
		c.maxConcurrentItems = v
	}
}

type configLoader interface {
	Load(ctx context.Context, fromCache bool) (definition.JobConfiguration, error)
}

type instanceRegistry interface {
	Session() (*concurrency.Session, error)
	IsServerEnabled(ctx context.Context, host string) (bool, error)
}

type shardingAssignor interface {
	ReshardIfNecessary(ctx context.Context) error
	LocalItems(ctx context.Context, id model.InstanceID) ([]int, error)
	DisabledItems(ctx context.Context) ([]int, error)
}

type executionTracker interface {
	RegisterStart(ctx context.Context, session *concurrency.Session, start execution.Start) (execution.Start, error)
	RegisterCompletion(ctx context.Context, start execution.Start, results map[int]job.Result) error
	HasRunning(ctx context.Context, items []int) (bool, error)
	SetMisfire(ctx context.Context, items []int) error
	ClearMisfire(ctx context.Context, items []int) error
	MisfiredItems(ctx context.Context, items []int) ([]int, error)
}

type failoverMonitor interface {
	PendingItems(ctx context.Context) (map[int]bool, error)
	Take(ctx context.Context, id model.InstanceID) ([]int, error)
}

type dependencies interface {
	Logger() log.Logger
	Telemetry() telemetry.Telemetry
	Clock() clockwork.Clock
}

func New(
	d dependencies,
	jobName string,
	instance model.Instance,
	body job.Job,
	configs configLoader,
	registry instanceRegistry,
	assignor shardingAssignor,
	tracker executionTracker,
	monitor failoverMonitor,
	opts ...Option,
) *Executor {
	cfg := executorConfig{}
	for _, o := range opts {
		o(&cfg)
	}

	meter := d.Telemetry().Meter()
	return &Executor{
		jobName:         jobName,
		instance:        instance,
		logger:          d.Logger().WithComponent("executor").With(attribute.String("job", jobName), attribute.String("instance", instance.InstanceID.String())),
		telemetry:       d.Telemetry(),
		clock:           d.Clock(),
		job:             body,
		config:          cfg,
		configs:         configs,
		registry:        registry,
		assignor:        assignor,
		tracker:         tracker,
		monitor:         monitor,
		running:         atomic.NewBool(false),
		failoverRunning: atomic.NewBool(false),
		misfires:        meter.Counter("shardjob.misfires", "Count of triggers fired while the previous execution was running.", ""),
		itemDuration:    meter.Histogram("shardjob.item.duration", "Duration of one item execution.", "ms"),
	}
}

// IsRunning returns true if a regular execution is in progress on the instance.
func (e *Executor) IsRunning() bool {
	return e.running.Load()
}

// Execute runs the local items of the job once.
func (e *Executor) Execute(ctx context.Context, source Source) (err error) {
	ctx, span := e.telemetry.Tracer().Start(ctx, "keboola.go.shardjob.executor.Execute", trace.WithAttributes(attribute.String("source", string(source))))
	defer span.End(&err)

	cfg, err := e.configs.Load(ctx, true)
	if err != nil {
		return err
	}
	if cfg.Disabled {
		e.logger.Debugf(ctx, `job is disabled, execution skipped`)
		return nil
	}

	if enabled, err := e.registry.IsServerEnabled(ctx, e.instance.Host); err != nil {
		return err
	} else if !enabled {
		e.logger.Debugf(ctx, `server "%s" is disabled, execution skipped`, e.instance.Host)
		return nil
	}

	if err := e.assignor.ReshardIfNecessary(ctx); err != nil {
		return err
	}

	sc, err := e.shardingContexts(ctx, cfg)
	if err != nil {
		return err
	}

	items := sc.Items()
	if len(items) == 0 {
		e.logger.Debugf(ctx, `no local items`)
		return e.ExecuteFailover(ctx)
	}

	if misfired, err := e.misfireIfRunning(ctx, cfg, items); err != nil || misfired {
		return err
	}
	defer e.running.Store(false)

	e.run(ctx, cfg, sc, source)

	// Items triggered during the execution
	for cfg.Misfire && ctx.Err() == nil {
		misfired, err := e.tracker.MisfiredItems(ctx, items)
		if err != nil {
			return err
		}
		if len(misfired) == 0 {
			break
		}
		if err := e.tracker.ClearMisfire(ctx, misfired); err != nil {
			return err
		}
		sc.TaskID = idgenerator.TaskID()
		e.run(ctx, cfg, sc, SourceMisfire)
	}

	return e.ExecuteFailover(ctx)
}

// ExecuteFailover runs the failover items assigned to the instance.
// Listeners are not invoked, a failover execution covers only the crashed items.
func (e *Executor) ExecuteFailover(ctx context.Context) (err error) {
	cfg, err := e.configs.Load(ctx, true)
	if err != nil {
		return err
	}
	if !cfg.Failover || !cfg.MonitorExecution {
		return nil
	}

	if !e.failoverRunning.CompareAndSwap(false, true) {
		return nil
	}
	defer e.failoverRunning.Store(false)

	ctx, span := e.telemetry.Tracer().Start(ctx, "keboola.go.shardjob.executor.ExecuteFailover")
	defer span.End(&err)

	params, err := cfg.ItemParameters()
	if err != nil {
		return err
	}

	for ctx.Err() == nil {
		items, err := e.monitor.Take(ctx, e.instance.InstanceID)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}

		sc := e.newContexts(cfg, params)
		sc.Failover = true
		for _, item := range items {
			sc.ItemParameters[item] = params[item]
		}

		session, err := e.registry.Session()
		if err != nil {
			return err
		}

		start, err := e.tracker.RegisterStart(ctx, session, execution.Start{InstanceID: e.instance.InstanceID, TaskID: sc.TaskID, Items: items, Failover: true})
		if errors.As(err, &execution.AlreadyRunningError{}) {
			e.logger.Infof(ctx, `failover items %v are already running`, items)
			return nil
		} else if err != nil {
			return err
		}

		if len(start.Items) < len(items) {
			for _, item := range items {
				if !slices.Contains(start.Items, item) {
					delete(sc.ItemParameters, item)
				}
			}
		}

		e.logger.Infof(ctx, `executing failover items %v`, start.Items)
		results := e.runItems(ctx, sc)
		if err := e.complete(ctx, start, results); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// misfireIfRunning acquires the local running flag.
// If the previous execution is still running, the items are marked as misfired and true is returned.
func (e *Executor) misfireIfRunning(ctx context.Context, cfg definition.JobConfiguration, items []int) (bool, error) {
	running := !e.running.CompareAndSwap(false, true)
	if !running && cfg.MonitorExecution {
		var err error
		running, err = e.tracker.HasRunning(ctx, items)
		if err != nil || running {
			e.running.Store(false)
		}
		if err != nil {
			return false, err
		}
	}
	if !running {
		return false, nil
	}

	e.misfires.Add(ctx, 1, metric.WithAttributes(attribute.String("job", e.jobName)))
	if !cfg.Misfire {
		e.logger.Infof(ctx, `previous execution is still running, trigger dropped`)
		return true, nil
	}

	e.logger.Infof(ctx, `previous execution is still running, items %v misfired`, items)
	return true, e.tracker.SetMisfire(ctx, items)
}

func (e *Executor) run(ctx context.Context, cfg definition.JobConfiguration, sc job.ShardingContexts, source Source) {
	logger := e.logger.With(attribute.String("task", sc.TaskID), attribute.String("source", string(source)))

	for _, l := range e.config.listeners {
		if err := l.BeforeExecuted(ctx, sc); err != nil {
			logger.Warnf(ctx, `listener before execution failed: %s`, err)
		}
	}

	start := execution.Start{InstanceID: e.instance.InstanceID, TaskID: sc.TaskID, Items: sc.Items()}
	if cfg.MonitorExecution {
		session, err := e.registry.Session()
		if err == nil {
			start, err = e.tracker.RegisterStart(ctx, session, start)
		}
		if err != nil {
			logger.Errorf(ctx, `cannot register start of items %v: %s`, start.Items, err)
			return
		}
	}

	logger.Infof(ctx, `executing items %v`, start.Items)
	results := e.runItems(ctx, sc)

	if cfg.MonitorExecution {
		if err := e.complete(ctx, start, results); err != nil {
			logger.Errorf(ctx, `cannot register completion of items %v: %s`, start.Items, err)
		}
	}

	for _, l := range e.config.listeners {
		if err := l.AfterExecuted(ctx, sc); err != nil {
			logger.Warnf(ctx, `listener after execution failed: %s`, err)
		}
	}
}

// complete stores results even if the execution context has been cancelled.
func (e *Executor) complete(ctx context.Context, start execution.Start, results map[int]job.Result) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), completionTimeout)
	defer cancel()
	return e.tracker.RegisterCompletion(ctx, start, results)
}

func (e *Executor) runItems(ctx context.Context, sc job.ShardingContexts) map[int]job.Result {
	lock := &sync.Mutex{}
	results := make(map[int]job.Result, len(sc.ItemParameters))

	grp := &errgroup.Group{}
	if e.config.maxConcurrentItems > 0 {
		grp.SetLimit(e.config.maxConcurrentItems)
	}
	for _, item := range sc.Items() {
		grp.Go(func() error {
			result := e.runItem(ctx, sc.ForItem(item))
			lock.Lock()
			results[item] = result
			lock.Unlock()
			return nil
		})
	}
	_ = grp.Wait()

	return results
}

func (e *Executor) runItem(ctx context.Context, sc job.ShardingContext) (result job.Result) {
	logger := e.logger.With(attribute.String("task", sc.TaskID), attribute.Int("item", sc.Item))
	startTime := e.clock.Now()

	defer func() {
		if panicErr := recover(); panicErr != nil {
			result = job.Result{Err: errors.Errorf("panic: %s, stacktrace: %s", panicErr, string(debug.Stack()))}
		}

		elapsed := e.clock.Since(startTime)
		e.itemDuration.Record(ctx, float64(elapsed.Milliseconds()), metric.WithAttributes(
			attribute.String("job", e.jobName),
			attribute.Bool("failover", sc.Failover),
			attribute.Bool("failed", result.Err != nil),
		))

		if result.Err != nil {
			logger.Warnf(ctx, `item %d failed (%s): %s`, sc.Item, elapsed, result.Err)
		} else {
			logger.Debugf(ctx, `item %d succeeded (%s)`, sc.Item, elapsed)
		}
	}()

	return e.job.Execute(ctx, sc)
}

// shardingContexts returns local items of the instance, without disabled items and items waiting for a failover.
func (e *Executor) shardingContexts(ctx context.Context, cfg definition.JobConfiguration) (job.ShardingContexts, error) {
	params, err := cfg.ItemParameters()
	if err != nil {
		return job.ShardingContexts{}, err
	}

	local, err := e.assignor.LocalItems(ctx, e.instance.InstanceID)
	if err != nil {
		return job.ShardingContexts{}, err
	}

	disabled, err := e.assignor.DisabledItems(ctx)
	if err != nil {
		return job.ShardingContexts{}, err
	}

	var pending map[int]bool
	if cfg.Failover && cfg.MonitorExecution {
		if pending, err = e.monitor.PendingItems(ctx); err != nil {
			return job.ShardingContexts{}, err
		}
	}

	sc := e.newContexts(cfg, params)
	for _, item := range local {
		if slices.Contains(disabled, item) || pending[item] {
			continue
		}
		sc.ItemParameters[item] = params[item]
	}
	return sc, nil
}

func (e *Executor) newContexts(cfg definition.JobConfiguration, params map[int]string) job.ShardingContexts {
	return job.ShardingContexts{
		TaskID:             idgenerator.TaskID(),
		JobName:            e.jobName,
		ShardingTotalCount: cfg.ShardingTotalCount,
		JobParameter:       cfg.JobParameter,
		ItemParameters:     make(map[int]string, len(params)),
	}
}
