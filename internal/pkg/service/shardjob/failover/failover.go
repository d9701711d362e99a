// Package failover detects crashed executions and assigns them to a live instance.
//
// A crashed execution is an execution record in the running status, whose owner is no longer live.
// For each such item a failover record is created. The record is assigned to the current owner of the item,
// or to a fallback instance from a consistent hash ring, if the owner is not available.
// The target instance re-runs the item, the completion of the failover execution deletes the record.
package failover

import (
	"context"
	"slices"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lafikl/consistent"
	etcd "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/keboola/keboola-shardjob/internal/pkg/log"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/common/distlock"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/common/etcdop/op"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/definition"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/joberrors"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/model"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/schema"
	"github.com/keboola/keboola-shardjob/internal/pkg/telemetry"
	"github.com/keboola/keboola-shardjob/internal/pkg/utils/errors"
)

const (
	handleRateLimit = rate.Limit(5)
	handleBurst     = 1
)

type Monitor struct {
	jobName   string
	logger    log.Logger
	telemetry telemetry.Telemetry
	clock     clockwork.Clock
	client    *etcd.Client
	schema    schema.Job
	config    configLoader
	registry  instanceRegistry
	owners    ownerResolver
	tracker   executionTracker

	limiter   *rate.Limiter
	failovers metric.Int64Counter
}

type configLoader interface {
	Load(ctx context.Context, fromCache bool) (definition.JobConfiguration, error)
}

type instanceRegistry interface {
	Session() (*concurrency.Session, error)
	LiveInstances(ctx context.Context) ([]model.Instance, error)
	AvailableInstances(ctx context.Context) ([]model.InstanceID, error)
}

type ownerResolver interface {
	Owner(ctx context.Context, item int) (model.InstanceID, bool, error)
}

type executionTracker interface {
	Records(ctx context.Context) ([]model.ExecutionRecord, error)
	RunningItems(ctx context.Context) (map[int]model.RunningMarker, error)
	FailoverRunningItems(ctx context.Context) (map[int]model.RunningMarker, error)
}

type dependencies interface {
	Logger() log.Logger
	Telemetry() telemetry.Telemetry
	Clock() clockwork.Clock
	EtcdClient() *etcd.Client
	Schema() *schema.Schema
}

func New(d dependencies, jobName string, config configLoader, registry instanceRegistry, owners ownerResolver, tracker executionTracker) *Monitor {
	return &Monitor{
		jobName:   jobName,
		logger:    d.Logger().WithComponent("failover").With(attribute.String("job", jobName)),
		telemetry: d.Telemetry(),
		clock:     d.Clock(),
		client:    d.EtcdClient(),
		schema:    d.Schema().Job(jobName),
		config:    config,
		registry:  registry,
		owners:    owners,
		tracker:   tracker,
		limiter:   rate.NewLimiter(handleRateLimit, handleBurst),
		failovers: d.Telemetry().Meter().Counter("shardjob.failovers", "Count of detected crashed executions.", ""),
	}
}

// HandleFailover detects crashed executions and assigns failover records to the available instances.
// It is idempotent and safe to call from any instance, concurrent calls are serialized by a distributed lock,
// a call which cannot acquire the lock does nothing.
// It does nothing if the failover or the execution monitoring is disabled.
func (m *Monitor) HandleFailover(ctx context.Context) (err error) {
	cfg, err := m.config.Load(ctx, true)
	if err != nil {
		return err
	}
	if !cfg.Failover || !cfg.MonitorExecution {
		return nil
	}

	ctx, span := m.telemetry.Tracer().Start(ctx, "keboola.go.shardjob.failover.HandleFailover")
	defer span.End(&err)

	// Throttle bursts of topology events
	if err := m.limiter.Wait(ctx); err != nil {
		return err
	}

	session, err := m.registry.Session()
	if err != nil {
		return err
	}

	mtx := distlock.NewMutex(session, m.schema.Leader().FailoverLock())
	if err := mtx.TryLock(ctx); err != nil {
		if errors.As(err, &distlock.AlreadyLockedError{}) {
			m.logger.Debug(ctx, `failover is handled by another instance`)
			return nil
		}
		return joberrors.WrapConnectivity(err)
	}
	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := mtx.Unlock(unlockCtx); err != nil {
			m.logger.Warnf(unlockCtx, `cannot unlock failover lock: %s`, err)
		}
	}()

	if err := m.detect(ctx, cfg); err != nil {
		return err
	}
	return m.assign(ctx)
}

// detect creates failover records for crashed executions.
func (m *Monitor) detect(ctx context.Context, cfg definition.JobConfiguration) error {
	records, err := m.tracker.Records(ctx)
	if err != nil {
		return err
	}

	instances, err := m.registry.LiveInstances(ctx)
	if err != nil {
		return err
	}
	live := make(map[model.InstanceID]bool, len(instances))
	for _, instance := range instances {
		live[instance.InstanceID] = true
	}

	running, err := m.tracker.RunningItems(ctx)
	if err != nil {
		return err
	}
	failoverRunning, err := m.tracker.FailoverRunningItems(ctx)
	if err != nil {
		return err
	}

	now := m.clock.Now().UTC()
	for _, record := range records {
		if record.Status != model.StatusRunning || live[record.InstanceID] || record.Item >= cfg.ShardingTotalCount {
			continue
		}

		markers := running
		if record.Failover {
			markers = failoverRunning
		}
		if marker, found := markers[record.Item]; found && live[marker.InstanceID] {
			continue
		}

		created, err := m.schema.Failover().Items().ByItem(record.Item).PutIfNotExists(m.client, model.FailoverRecord{
			Item:            record.Item,
			CrashedInstance: record.InstanceID,
			DetectedAt:      now,
		}).Do(ctx)
		if err != nil {
			return joberrors.WrapConnectivity(err)
		}
		if created {
			m.failovers.Add(ctx, 1, metric.WithAttributes(attribute.String("job", m.jobName)))
			m.logger.Infof(ctx, `crashed execution of item %d detected, instance "%s" is not live`, record.Item, record.InstanceID)
		}
	}

	return nil
}

// assign sets the target instance of pending records and of records targeted to an unavailable instance.
func (m *Monitor) assign(ctx context.Context) error {
	kvs, err := m.schema.Failover().Items().GetAll(m.client).Do(ctx)
	if err != nil || len(kvs) == 0 {
		return joberrors.WrapConnectivity(err)
	}

	available, err := m.registry.AvailableInstances(ctx)
	if err != nil {
		return err
	}

	failoverRunning, err := m.tracker.FailoverRunningItems(ctx)
	if err != nil {
		return err
	}

	ring := consistent.New()
	for _, id := range available {
		ring.Add(id.String())
	}

	now := m.clock.Now().UTC()
	for _, kv := range kvs {
		record := kv.Value
		if _, found := failoverRunning[record.Item]; found {
			continue
		}
		if !record.Pending() && slices.Contains(available, record.TargetInstance) {
			continue
		}

		target, err := m.target(ctx, ring, available, record.Item)
		if err != nil {
			return err
		}
		if target == record.TargetInstance {
			continue
		}

		record.TargetInstance = target
		record.AssignedAt = nil
		if target != "" {
			record.AssignedAt = &now
		}

		key := m.schema.Failover().Items().ByItem(record.Item)
		result, err := op.NewTxnOp(m.client).
			If(etcd.Compare(etcd.ModRevision(key.Key()), "=", kv.Kv.ModRevision)).
			Then(key.Put(m.client, record)).
			Do(ctx)
		if err != nil {
			return joberrors.WrapConnectivity(err)
		}
		if !result.Succeeded {
			// Modified concurrently, for example completed
			continue
		}

		if target == "" {
			m.logger.Warnf(ctx, `failover of item %d is pending, no available instance`, record.Item)
		} else {
			m.logger.Infof(ctx, `failover of item %d assigned to instance "%s"`, record.Item, target)
		}
	}

	return nil
}

// target returns the owner of the item if it is available, otherwise an instance from the hash ring.
// The empty string means there is no available instance.
func (m *Monitor) target(ctx context.Context, ring *consistent.Consistent, available []model.InstanceID, item int) (model.InstanceID, error) {
	owner, found, err := m.owners.Owner(ctx, item)
	if err != nil {
		return "", err
	}
	if found && slices.Contains(available, owner) {
		return owner, nil
	}

	host, err := ring.Get(model.FormatItem(item))
	if errors.Is(err, consistent.ErrNoHosts) {
		return "", nil
	} else if err != nil {
		return "", err
	}
	return model.InstanceID(host), nil
}

// Take returns items, whose failover is assigned to the instance and not yet running, sorted.
func (m *Monitor) Take(ctx context.Context, id model.InstanceID) ([]int, error) {
	records, err := m.Records(ctx)
	if err != nil {
		return nil, err
	}

	failoverRunning, err := m.tracker.FailoverRunningItems(ctx)
	if err != nil {
		return nil, err
	}

	var out []int
	for _, record := range records {
		if _, found := failoverRunning[record.Item]; found {
			continue
		}
		if record.TargetInstance == id {
			out = append(out, record.Item)
		}
	}
	return out, nil
}

// PendingItems returns all items with a failover record, the executor skips them in regular executions.
func (m *Monitor) PendingItems(ctx context.Context) (map[int]bool, error) {
	records, err := m.Records(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[int]bool, len(records))
	for _, record := range records {
		out[record.Item] = true
	}
	return out, nil
}

// Records returns all failover records, sorted by the item.
func (m *Monitor) Records(ctx context.Context) ([]model.FailoverRecord, error) {
	kvs, err := m.schema.Failover().Items().GetAll(m.client).Do(ctx)
	if err != nil {
		return nil, joberrors.WrapConnectivity(err)
	}

	out := make([]model.FailoverRecord, 0, len(kvs))
	for _, kv := range kvs {
		out = append(out, kv.Value)
	}
	slices.SortFunc(out, func(a, b model.FailoverRecord) int {
		return a.Item - b.Item
	})
	return out, nil
}
