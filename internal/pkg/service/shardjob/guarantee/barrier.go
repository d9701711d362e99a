// Package guarantee provides the start and completion barrier of a distributed job execution.
//
// Each instance registers its items to the barrier.
// When all enabled items are registered, the callback is invoked exactly once, by the closer,
// the instance owning the item 0. Then the closer clears the counters and writes the release key in one transaction.
// A waiting instance is released only by a release newer than its registration, a cleared barrier alone means a timeout.
package guarantee

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"
	etcd "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel/attribute"

	"github.com/keboola/keboola-shardjob/internal/pkg/log"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/common/etcdop"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/common/etcdop/op"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/definition"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/joberrors"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/model"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/schema"
)

type Barrier struct {
	jobName string
	logger  log.Logger
	clock   clockwork.Clock
	client  *etcd.Client
	schema  schema.Job
	config  configLoader

	started   *phase
	completed *phase
}

// phase is one of the started and completed barriers.
type phase struct {
	name     string
	items    schema.GuaranteeItems
	released etcdop.KeyT[model.BarrierRelease]
	waiters  *notifier
}

type configLoader interface {
	Load(ctx context.Context, fromCache bool) (definition.JobConfiguration, error)
}

type dependencies interface {
	Logger() log.Logger
	Clock() clockwork.Clock
	EtcdClient() *etcd.Client
	Schema() *schema.Schema
}

func NewBarrier(d dependencies, jobName string, config configLoader) *Barrier {
	s := d.Schema().Job(jobName)
	return &Barrier{
		jobName: jobName,
		logger:  d.Logger().WithComponent("guarantee").With(attribute.String("job", jobName)),
		clock:   d.Clock(),
		client:  d.EtcdClient(),
		schema:  s,
		config:  config,
		started: &phase{
			name:     barrierStarted,
			items:    s.Guarantee().Started(),
			released: s.Guarantee().Released().Started(),
			waiters:  newNotifier(),
		},
		completed: &phase{
			name:     barrierCompleted,
			items:    s.Guarantee().Completed(),
			released: s.Guarantee().Released().Completed(),
			waiters:  newNotifier(),
		},
	}
}

func (b *Barrier) RegisterStart(ctx context.Context, instanceID model.InstanceID, items []int) error {
	_, err := b.register(ctx, b.started, instanceID, items)
	return err
}

func (b *Barrier) RegisterComplete(ctx context.Context, instanceID model.InstanceID, items []int) error {
	_, err := b.register(ctx, b.completed, instanceID, items)
	return err
}

// IsAllStarted returns true if all configured and enabled items are registered.
func (b *Barrier) IsAllStarted(ctx context.Context) (bool, error) {
	return b.isAll(ctx, b.started)
}

// IsAllCompleted returns true if all configured and enabled items are registered.
func (b *Barrier) IsAllCompleted(ctx context.Context) (bool, error) {
	return b.isAll(ctx, b.completed)
}

func (b *Barrier) ClearStartedInfo(ctx context.Context) error {
	return b.clear(ctx, b.started)
}

func (b *Barrier) ClearCompletedInfo(ctx context.Context) error {
	return b.clear(ctx, b.completed)
}

// StartedItems returns registered items of the started barrier.
func (b *Barrier) StartedItems(ctx context.Context) ([]int, error) {
	return b.registeredItems(ctx, b.started)
}

// CompletedItems returns registered items of the completed barrier.
func (b *Barrier) CompletedItems(ctx context.Context) ([]int, error) {
	return b.registeredItems(ctx, b.completed)
}

// DisabledItems returns items skipped by the executors, they never reach the barrier.
func (b *Barrier) DisabledItems(ctx context.Context) (map[int]bool, error) {
	prefix := b.schema.Sharding().Disabled()
	kvs, err := prefix.GetAll(b.client, etcd.WithKeysOnly()).Do(ctx)
	if err != nil {
		return nil, joberrors.WrapConnectivity(err)
	}

	out := make(map[int]bool, len(kvs))
	for _, kv := range kvs {
		if item, err := model.ParseItem(prefix.Relative(string(kv.Key))); err == nil {
			out[item] = true
		}
	}
	return out, nil
}

// Watch wakes up waiting instances when a barrier is released.
// The notification is a hint, the waiting instance checks the release key itself.
func (b *Barrier) Watch(ctx context.Context, wg *sync.WaitGroup) {
	watch := func(p *phase) {
		stream := p.released.WatchWithRestart(ctx, wg, b.logger, b.client)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for resp := range stream {
				for _, event := range resp.Events {
					if event.Type != etcdop.DeleteEvent {
						p.waiters.Notify()
						break
					}
				}
			}
		}()
	}
	watch(b.started)
	watch(b.completed)
}

// register writes the items in chunks and returns revision of the last chunk.
func (b *Barrier) register(ctx context.Context, p *phase, instanceID model.InstanceID, items []int) (int64, error) {
	if len(items) == 0 {
		return 0, nil
	}

	now := b.clock.Now().UTC()
	txn := op.NewChunkedTxn(b.client)
	for _, item := range items {
		txn.Then(p.items.ByItem(item).Put(b.client, model.GuaranteeRecord{Item: item, InstanceID: instanceID, RegisteredAt: now}))
	}
	result, err := txn.Do(ctx)
	if err != nil {
		return 0, joberrors.WrapConnectivity(err)
	}
	return result.LastRevision(), nil
}

func (b *Barrier) isAll(ctx context.Context, p *phase) (bool, error) {
	cfg, err := b.config.Load(ctx, true)
	if err != nil {
		return false, err
	}

	disabled, err := b.DisabledItems(ctx)
	if err != nil {
		return false, err
	}

	items, err := b.registeredItems(ctx, p)
	if err != nil {
		return false, err
	}

	registered := make(map[int]bool, len(items))
	for _, item := range items {
		if item >= cfg.ShardingTotalCount {
			return false, nil
		}
		registered[item] = true
	}
	for item := range cfg.ShardingTotalCount {
		if !registered[item] && !disabled[item] {
			return false, nil
		}
	}
	return true, nil
}

// registeredItems returns registered items, sorted.
func (b *Barrier) registeredItems(ctx context.Context, p *phase) ([]int, error) {
	kvs, err := p.items.GetAll(b.client).Do(ctx)
	if err != nil {
		return nil, joberrors.WrapConnectivity(err)
	}

	seen := make(map[int]bool, len(kvs))
	for _, kv := range kvs {
		seen[kv.Value.Item] = true
	}
	return sortedKeys(seen), nil
}

// release clears the counters and writes the release key atomically.
func (b *Barrier) release(ctx context.Context, p *phase) error {
	_, err := op.MergeToTxn(
		b.client,
		etcdop.NewPrefix(p.items.Prefix()).DeleteAll(b.client),
		p.released.Put(b.client, model.BarrierRelease{ReleasedAt: b.clock.Now().UTC()}),
	).Do(ctx)
	return joberrors.WrapConnectivity(err)
}

// releasedAfter returns true if the barrier has been released after the revision.
func (b *Barrier) releasedAfter(ctx context.Context, p *phase, revision int64) (bool, error) {
	kv, err := p.released.Get(b.client).Do(ctx)
	if err != nil {
		return false, joberrors.WrapConnectivity(err)
	}
	return kv != nil && kv.Kv.ModRevision > revision, nil
}

func (b *Barrier) clear(ctx context.Context, p *phase) error {
	_, err := etcdop.NewPrefix(p.items.Prefix()).DeleteAll(b.client).Do(ctx)
	return joberrors.WrapConnectivity(err)
}
