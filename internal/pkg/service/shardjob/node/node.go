// Package node wires all components of one job instance together.
//
// The instance registers itself with a session lease, campaigns for the leadership,
// reacts to topology and configuration changes and runs the job by the schedule.
package node

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"
	etcd "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.opentelemetry.io/otel/attribute"

	"github.com/keboola/keboola-shardjob/internal/pkg/idgenerator"
	"github.com/keboola/keboola-shardjob/internal/pkg/log"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/common/etcdop"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/configstore"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/definition"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/dependencies"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/election"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/execution"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/executor"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/failover"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/guarantee"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/job"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/listener"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/model"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/registry"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/schema"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/sharding"
	"github.com/keboola/keboola-shardjob/internal/pkg/utils/errors"
)

type Node struct {
	jobName  string
	instance model.Instance
	config   Config
	logger   log.Logger
	clock    clockwork.Clock
	client   *etcd.Client
	schema   schema.Job

	configs   *configstore.Store
	registry  *registry.Registry
	elector   *election.Elector
	assignor  *sharding.Assignor
	tracker   *execution.Tracker
	monitor   *failover.Monitor
	barrier   *guarantee.Barrier
	executor  *executor.Executor
	scheduler *executor.Scheduler

	sessionLock *sync.RWMutex
	session     *concurrency.Session
	// serverEnabled is the last known state of the server flag, it prevents repeated campaigns
	serverEnabled bool
}

type options struct {
	instanceID model.InstanceID
	host       string
	listeners  []listener.Listener
	guarantee  *guarantee.Callbacks
}

type Option func(o *options)

// WithInstanceID overrides the generated instance ID.
func WithInstanceID(v model.InstanceID) Option {
	return func(o *options) {
		o.instanceID = v
	}
}

// WithHost overrides the hostname of the process, the server flag is bound to the host.
func WithHost(v string) Option {
	return func(o *options) {
		o.host = v
	}
}

func WithListeners(v ...listener.Listener) Option {
	return func(o *options) {
		o.listeners = append(o.listeners, v...)
	}
}

// WithDistributeOnce registers callbacks invoked once per execution of all items, see guarantee.DistributeOnceListener.
func WithDistributeOnce(callbacks guarantee.Callbacks) Option {
	return func(o *options) {
		o.guarantee = &callbacks
	}
}

// Start sets up the job configuration and starts the instance.
// The instance is stopped by the shutdown of the process.
func Start(ctx context.Context, d dependencies.ServiceScope, cfg Config, jobCfg definition.JobConfiguration, body job.Job, opts ...Option) (n *Node, err error) {
	ctx, span := d.Telemetry().Tracer().Start(ctx, "keboola.go.shardjob.node.Start")
	defer span.End(&err)

	if err := d.Validator().Validate(ctx, cfg); err != nil {
		return nil, errors.PrefixError(err, "invalid node configuration")
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}

	proc := d.Process()
	if o.host == "" {
		o.host = proc.Hostname()
	}
	if o.instanceID == "" {
		o.instanceID = model.InstanceID(proc.UniqueID() + "-" + idgenerator.SessionSuffix())
	}

	jobName := jobCfg.JobName
	n = &Node{
		jobName:     jobName,
		instance:    model.Instance{InstanceID: o.instanceID, Host: o.host, PID: proc.PID()},
		config:      cfg,
		logger:      d.Logger().WithComponent("node").With(attribute.String("job", jobName), attribute.String("instance", o.instanceID.String())),
		clock:       d.Clock(),
		client:      d.EtcdClient(),
		schema:      d.Schema().Job(jobName),
		sessionLock: &sync.RWMutex{},
	}

	n.configs = configstore.New(d, jobName)
	if _, err := n.configs.SetUp(ctx, jobCfg); err != nil {
		return nil, err
	}

	n.registry = registry.New(d, jobName)
	n.elector = election.New(d, jobName, n.instance.InstanceID, election.WithOnElected(n.onElected))
	n.assignor = sharding.New(d, jobName, n.configs, n.registry, n.elector)
	n.tracker = execution.New(d, jobName)
	n.monitor = failover.New(d, jobName, n.configs, n.registry, n.assignor, n.tracker)
	n.barrier = guarantee.NewBarrier(d, jobName, n.configs)

	listeners := o.listeners
	if o.guarantee != nil {
		listeners = append(listeners, guarantee.NewDistributeOnceListener(d, jobName, n.instance.InstanceID, n.barrier, n.assignor, *o.guarantee, cfg.Guarantee))
	}
	n.executor = executor.New(
		d, jobName, n.instance, body, n.configs, n.registry, n.assignor, n.tracker, n.monitor,
		executor.WithListeners(listeners...),
		executor.WithMaxConcurrentItems(cfg.MaxConcurrentItems),
	)
	n.scheduler = executor.NewScheduler(d, jobName, n.configs, n.executor)

	// Executions are stopped first, then the registration and the watchers
	execWg := &sync.WaitGroup{}
	execCtx, cancelExec := context.WithCancel(context.WithoutCancel(ctx))
	wg := &sync.WaitGroup{}
	bgCtx, cancelBg := context.WithCancel(context.WithoutCancel(ctx))
	proc.OnShutdown(func(ctx context.Context) {
		n.logger.Info(ctx, "received shutdown request")
		cancelExec()
		execWg.Wait()

		n.elector.Resign(ctx)
		if err := n.registry.Unregister(ctx); err != nil {
			n.logger.Warnf(ctx, `cannot unregister instance: %s`, err)
		}

		cancelBg()
		wg.Wait()
		n.logger.Info(ctx, "shutdown done")
	})

	if err := n.configs.StartCache(bgCtx, wg, n.onConfigChange); err != nil {
		cancelExec()
		cancelBg()
		return nil, err
	}

	session := etcdop.NewResistantSession(n.logger, n.client,
		etcdop.WithTTLSeconds(cfg.SessionTTLSeconds),
		etcdop.WithSessionClock(n.clock),
		etcdop.WithOnSession(func(session *concurrency.Session) error {
			return n.onSession(bgCtx, wg, session)
		}),
	)
	if err := session.Start(bgCtx, wg); err != nil {
		cancelExec()
		cancelBg()
		return nil, err
	}

	n.watchTopology(bgCtx, wg)
	n.watchServer(bgCtx, wg)
	n.watchTrigger(bgCtx, wg)
	n.watchFailover(bgCtx, wg)
	n.watchResharding(bgCtx, wg)
	n.barrier.Watch(bgCtx, wg)
	n.startReconciliation(bgCtx, wg)

	if err := n.scheduler.Start(execCtx, execWg); err != nil {
		cancelExec()
		cancelBg()
		return nil, err
	}

	n.logger.Infof(ctx, `instance started on host "%s"`, n.instance.Host)
	return n, nil
}

func (n *Node) InstanceID() model.InstanceID {
	return n.instance.InstanceID
}

func (n *Node) IsLeader() bool {
	return n.elector.IsLocalLeader()
}

func (n *Node) Executor() *executor.Executor {
	return n.executor
}

func (n *Node) Assignor() *sharding.Assignor {
	return n.assignor
}

func (n *Node) Configs() *configstore.Store {
	return n.configs
}

// Trigger requests an execution of the local items out of the schedule.
func (n *Node) Trigger() {
	n.scheduler.Trigger(executor.SourceTrigger)
}

// onSession registers the instance after each session creation.
func (n *Node) onSession(ctx context.Context, wg *sync.WaitGroup, session *concurrency.Session) error {
	n.sessionLock.Lock()
	n.session = session
	n.sessionLock.Unlock()

	if err := n.registry.Register(ctx, session, n.instance, n.config.ServerDisabled); err != nil {
		return err
	}

	// The assignment must include the new instance
	if err := n.assignor.SetReshardingFlag(ctx); err != nil {
		return err
	}

	enabled, err := n.registry.IsServerEnabled(ctx, n.instance.Host)
	if err != nil {
		return err
	}

	n.sessionLock.Lock()
	n.serverEnabled = enabled
	n.sessionLock.Unlock()

	if enabled {
		n.elector.Campaign(ctx, wg, session)
	} else {
		n.logger.Infof(ctx, `server "%s" is disabled, the instance doesn't campaign`, n.instance.Host)
	}
	return nil
}

// onElected is invoked when the instance becomes the leader.
func (n *Node) onElected(ctx context.Context) {
	if err := n.assignor.ReshardIfNecessary(ctx); err != nil && ctx.Err() == nil {
		n.logger.Errorf(ctx, `cannot reshard: %s`, err)
	}
	if err := n.monitor.HandleFailover(ctx); err != nil && ctx.Err() == nil {
		n.logger.Errorf(ctx, `cannot handle failover: %s`, err)
	}
}

// onConfigChange is invoked from the watch goroutine of the config cache.
func (n *Node) onConfigChange(old, updated *definition.JobConfiguration) {
	ctx := context.Background()
	if updated == nil {
		n.logger.Warn(ctx, `job configuration has been deleted`)
		return
	}

	if interval, err := updated.Interval(); err == nil {
		n.scheduler.Reschedule(interval)
	}

	if old == nil {
		return
	}

	oldFingerprint, err1 := old.ShardingFingerprint()
	newFingerprint, err2 := updated.ShardingFingerprint()
	if err := errors.Join(err1, err2); err != nil {
		n.logger.Errorf(ctx, `cannot compare job configurations: %s`, err)
		return
	}
	if oldFingerprint != newFingerprint {
		n.logger.Infof(ctx, `sharding configuration changed, total count %d -> %d`, old.ShardingTotalCount, updated.ShardingTotalCount)
		if err := n.assignor.SetReshardingFlag(ctx); err != nil {
			n.logger.Errorf(ctx, `cannot set resharding flag: %s`, err)
		}
	}
}

// watchTopology sets the resharding flag and handles failover, when instances or servers change.
func (n *Node) watchTopology(ctx context.Context, wg *sync.WaitGroup) {
	changes := n.registry.WatchTopology(ctx, wg, n.config.EventsGroupInterval)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range changes {
			if err := n.assignor.SetReshardingFlag(ctx); err != nil && ctx.Err() == nil {
				n.logger.Errorf(ctx, `cannot set resharding flag: %s`, err)
			}
			if err := n.monitor.HandleFailover(ctx); err != nil && ctx.Err() == nil {
				n.logger.Errorf(ctx, `cannot handle failover: %s`, err)
			}
		}
	}()
}

// watchServer starts or stops the campaign, when an operator enables or disables the server.
func (n *Node) watchServer(ctx context.Context, wg *sync.WaitGroup) {
	stream := n.registry.ServerKey(n.instance.Host).WatchWithRestart(ctx, wg, n.logger, n.client)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for resp := range stream {
			if len(resp.Events) == 0 && !resp.Restarted {
				continue
			}

			enabled, err := n.registry.IsServerEnabled(ctx, n.instance.Host)
			if err != nil {
				if ctx.Err() == nil {
					n.logger.Errorf(ctx, `cannot check server state: %s`, err)
				}
				continue
			}

			n.sessionLock.Lock()
			changed := enabled != n.serverEnabled
			n.serverEnabled = enabled
			session := n.session
			n.sessionLock.Unlock()
			if !changed {
				continue
			}

			if enabled {
				n.logger.Infof(ctx, `server "%s" enabled`, n.instance.Host)
				if session != nil {
					n.elector.Campaign(ctx, wg, session)
				}
			} else {
				n.logger.Infof(ctx, `server "%s" disabled`, n.instance.Host)
				n.elector.Resign(ctx)
			}
		}
	}()
}

// watchTrigger executes the job when an operator requests a trigger of the instance.
func (n *Node) watchTrigger(ctx context.Context, wg *sync.WaitGroup) {
	stream := n.registry.TriggerKey(n.instance.InstanceID).WatchWithRestart(ctx, wg, n.logger, n.client)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for resp := range stream {
			if !resp.Created && !resp.Restarted && !hasPutEvent(resp) {
				continue
			}

			taken, err := n.registry.TakeTrigger(ctx, n.instance.InstanceID)
			if err != nil {
				if ctx.Err() == nil {
					n.logger.Errorf(ctx, `cannot take trigger request: %s`, err)
				}
				continue
			}
			if taken {
				n.logger.Info(ctx, `trigger requested`)
				n.scheduler.Trigger(executor.SourceTrigger)
			}
		}
	}()
}

// watchFailover executes failover items assigned to the instance.
func (n *Node) watchFailover(ctx context.Context, wg *sync.WaitGroup) {
	stream := n.schema.Failover().Items().WatchWithRestart(ctx, wg, n.logger, n.client)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for resp := range stream {
			if resp.Created || resp.Restarted || hasPutEvent(resp) {
				n.scheduler.Trigger(executor.SourceFailover)
			}
		}
	}()
}

// watchResharding reshards immediately on the leader, when the flag is set.
func (n *Node) watchResharding(ctx context.Context, wg *sync.WaitGroup) {
	stream := n.schema.Leader().ReshardingNecessary().WatchWithRestart(ctx, wg, n.logger, n.client)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for resp := range stream {
			if !hasPutEvent(resp) && !resp.Restarted {
				continue
			}
			if !n.elector.IsLocalLeader() {
				continue
			}
			if err := n.assignor.ReshardIfNecessary(ctx); err != nil && ctx.Err() == nil {
				n.logger.Errorf(ctx, `cannot reshard: %s`, err)
			}
		}
	}()
}

// startReconciliation periodically checks the assignment and crashed executions.
func (n *Node) startReconciliation(ctx context.Context, wg *sync.WaitGroup) {
	interval := definition.DefaultReconcileInterval
	if cfg, err := n.configs.Load(ctx, true); err == nil && cfg.ReconcileInterval > 0 {
		interval = cfg.ReconcileInterval.Duration()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := n.clock.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
			}

			if err := n.assignor.Reconcile(ctx); err != nil && ctx.Err() == nil {
				n.logger.Errorf(ctx, `cannot reconcile assignment: %s`, err)
			}
			if err := n.monitor.HandleFailover(ctx); err != nil && ctx.Err() == nil {
				n.logger.Errorf(ctx, `cannot handle failover: %s`, err)
			}
		}
	}()
}

func hasPutEvent(resp etcdop.WatchResponse) bool {
	for _, event := range resp.Events {
		if event.Type != etcdop.DeleteEvent {
			return true
		}
	}
	return false
}
