// Package sharding assigns job items to the available instances.
//
// The assignment is persisted only by the leader, with one transaction guarded by the leader fence,
// the sharding mutex and the modification revisions of the generation key and the resharding flag.
// Other instances only read the assignment and wait until a pending resharding is finished.
package sharding

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	etcd "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/keboola/keboola-shardjob/internal/pkg/log"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/common/distlock"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/common/etcdop"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/common/etcdop/op"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/definition"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/joberrors"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/model"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/schema"
	"github.com/keboola/keboola-shardjob/internal/pkg/telemetry"
	"github.com/keboola/keboola-shardjob/internal/pkg/utils/errors"
)

const (
	waitPollInterval    = 100 * time.Millisecond
	raceInitialInterval = 20 * time.Millisecond
	raceMaxInterval     = 1 * time.Second
	raceMaxElapsedTime  = 30 * time.Second
)

type Assignor struct {
	jobName   string
	logger    log.Logger
	telemetry telemetry.Telemetry
	clock     clockwork.Clock
	client    *etcd.Client
	schema    schema.Job
	config    configLoader
	registry  instanceRegistry
	elector   leaderElector

	// lock serializes resharding within the process, the distributed mutex serializes it in the cluster
	lock     *sync.Mutex
	reshards metric.Int64Counter
}

type configLoader interface {
	Load(ctx context.Context, fromCache bool) (definition.JobConfiguration, error)
}

type instanceRegistry interface {
	AvailableInstances(ctx context.Context) ([]model.InstanceID, error)
}

type leaderElector interface {
	IsLocalLeader() bool
	Fence() etcd.Cmp
	Session() *concurrency.Session
	ElectIfAbsent(ctx context.Context) (model.InstanceID, error)
}

type dependencies interface {
	Logger() log.Logger
	Telemetry() telemetry.Telemetry
	Clock() clockwork.Clock
	EtcdClient() *etcd.Client
	Schema() *schema.Schema
}

func New(d dependencies, jobName string, config configLoader, registry instanceRegistry, elector leaderElector) *Assignor {
	return &Assignor{
		jobName:   jobName,
		logger:    d.Logger().WithComponent("sharding").With(attribute.String("job", jobName)),
		telemetry: d.Telemetry(),
		clock:     d.Clock(),
		client:    d.EtcdClient(),
		schema:    d.Schema().Job(jobName),
		config:    config,
		registry:  registry,
		elector:   elector,
		lock:      &sync.Mutex{},
		reshards:  d.Telemetry().Meter().Counter("shardjob.reshards", "Count of persisted sharding assignments.", ""),
	}
}

// SetReshardingFlag marks the assignment as outdated.
// The flag is overwritten by each call, so a resharding computed from an older state fails on the flag revision guard.
func (a *Assignor) SetReshardingFlag(ctx context.Context) error {
	if err := a.flag().Put(a.client, a.clock.Now().UTC().Format(time.RFC3339Nano)).Do(ctx); err != nil {
		return joberrors.WrapConnectivity(err)
	}
	a.logger.Debug(ctx, `resharding flag set`)
	return nil
}

// IsReshardingNecessary returns true if the resharding flag is present.
func (a *Assignor) IsReshardingNecessary(ctx context.Context) (bool, error) {
	found, err := a.flag().Exists(a.client).Do(ctx)
	return found, joberrors.WrapConnectivity(err)
}

// ReshardIfNecessary does nothing, if the resharding flag is absent.
// The leader persists a new assignment, other instances wait until the leader is done.
func (a *Assignor) ReshardIfNecessary(ctx context.Context) (err error) {
	ctx, span := a.telemetry.Tracer().Start(ctx, "keboola.go.shardjob.sharding.ReshardIfNecessary")
	defer span.End(&err)

	for {
		necessary, err := a.IsReshardingNecessary(ctx)
		if err != nil || !necessary {
			return err
		}

		if a.elector.IsLocalLeader() {
			return a.reshardAsLeader(ctx)
		}

		if _, err := a.elector.ElectIfAbsent(ctx); err != nil {
			return err
		}

		if a.elector.IsLocalLeader() {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.clock.After(waitPollInterval):
		}
	}
}

func (a *Assignor) reshardAsLeader(ctx context.Context) error {
	a.lock.Lock()
	defer a.lock.Unlock()

	session := a.elector.Session()
	if session == nil {
		return nil
	}

	mtx := distlock.NewMutex(session, a.schema.Leader().ShardingLock())
	if err := mtx.Lock(ctx); err != nil {
		return joberrors.WrapConnectivity(err)
	}
	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := mtx.Unlock(unlockCtx); err != nil {
			a.logger.Warnf(unlockCtx, `cannot unlock sharding lock: %s`, err)
		}
	}()

	b := backoff.WithContext(newRaceBackoff(), ctx)
	err := backoff.Retry(func() error {
		err := a.reshardOnce(ctx, mtx)
		var raceErr joberrors.AssignmentRaceError
		switch {
		case err == nil:
			return nil
		case errors.As(err, &raceErr):
			if !a.elector.IsLocalLeader() {
				// The new leader takes over
				return nil
			}
			a.logger.Infof(ctx, `%s, retrying`, err)
			return err
		default:
			return backoff.Permanent(err)
		}
	}, b)

	var raceErr joberrors.AssignmentRaceError
	if errors.As(err, &raceErr) {
		// The flag is kept, the next attempt is made on the next trigger or reconciliation
		a.logger.Warnf(ctx, `resharding gave up: %s`, err)
		return nil
	}
	return err
}

func (a *Assignor) reshardOnce(ctx context.Context, mtx *distlock.Mutex) error {
	flagKV, err := a.flag().Get(a.client).Do(ctx)
	if err != nil {
		return joberrors.WrapConnectivity(err)
	}
	if flagKV == nil {
		// Already done
		return nil
	}

	cfg, err := a.config.Load(ctx, false)
	if err != nil {
		return err
	}

	strategy, err := NewStrategy(cfg.ShardingStrategy)
	if err != nil {
		return err
	}

	generationKey := a.schema.Sharding().Generation()
	generationKV, err := generationKey.Get(a.client).Do(ctx)
	if err != nil {
		return joberrors.WrapConnectivity(err)
	}

	instances, err := a.registry.AvailableInstances(ctx)
	if err != nil {
		return err
	}

	existing, err := a.schema.Sharding().Assignments().GetAll(a.client).Do(ctx)
	if err != nil {
		return joberrors.WrapConnectivity(err)
	}

	markers, err := etcdop.NewPrefix(a.schema.Execution().Running().Prefix()).GetAll(a.client, etcd.WithKeysOnly()).Do(ctx)
	if err != nil {
		return joberrors.WrapConnectivity(err)
	}

	total := cfg.ShardingTotalCount
	itemOwners := owners(strategy.Assign(a.jobName, instances, total))

	generation := model.AssignmentGeneration{
		Generation:         1,
		ShardingTotalCount: total,
		Instances:          instances,
		UpdatedAt:          a.clock.Now().UTC(),
	}

	// All transactions are guarded by the same conditions.
	// The assignment is written in chunks, the final transaction bumps the generation and deletes the flag.
	// If a chunk fails, the flag stays and the next resharding writes the remaining changes.
	cmps := []etcd.Cmp{
		a.elector.Fence(),
		mtx.IsOwner(),
		etcd.Compare(etcd.ModRevision(a.flag().Key()), "=", flagKV.ModRevision),
	}
	if generationKV == nil {
		cmps = append(cmps, etcd.Compare(etcd.Version(generationKey.Key()), "=", 0))
	} else {
		generation.Generation = generationKV.Value.Generation + 1
		cmps = append(cmps, etcd.Compare(etcd.ModRevision(generationKey.Key()), "=", generationKV.Kv.ModRevision))
	}
	changes := op.NewChunkedTxn(a.client).If(cmps...)

	// Only changed items are written
	current := make(map[int]model.InstanceID, len(existing))
	for _, kv := range existing {
		item := kv.Value.Item
		current[item] = kv.Value.Owner
		if _, found := itemOwners[item]; !found {
			changes.Then(a.schema.Sharding().Assignments().ByItem(item).Delete(a.client))
		}
	}
	for item := range total {
		owner, found := itemOwners[item]
		if found && current[item] != owner {
			changes.Then(a.schema.Sharding().Assignments().ByItem(item).Put(a.client, model.Assignment{Item: item, Owner: owner}))
		}
	}

	// Running markers of dropped items are removed forcibly
	var dropped []int
	for _, kv := range markers {
		item, err := model.ParseItem(a.schema.Execution().Running().Relative(string(kv.Key)))
		if err == nil && item >= total {
			dropped = append(dropped, item)
			changes.Then(a.schema.Execution().Running().ByItem(item).Delete(a.client))
		}
	}

	changed, err := changes.Do(ctx)
	if err != nil {
		return joberrors.WrapConnectivity(err)
	}
	if !changed.Succeeded {
		return joberrors.AssignmentRaceError{Generation: generation.Generation}
	}

	result, err := op.NewTxnOp(a.client).
		If(cmps...).
		Then(generationKey.Put(a.client, generation)).
		Then(a.flag().Delete(a.client)).
		Do(ctx)
	if err != nil {
		return joberrors.WrapConnectivity(err)
	}
	if !result.Succeeded {
		return joberrors.AssignmentRaceError{Generation: generation.Generation}
	}

	a.reshards.Add(ctx, 1, metric.WithAttributes(attribute.String("job", a.jobName)))
	a.logger.Infof(ctx, `resharding done, generation %d, %d items, %d instances`, generation.Generation, total, len(instances))
	if len(dropped) > 0 {
		a.logger.Infof(ctx, `running markers of dropped items removed: %v`, dropped)
	}
	return nil
}

// LocalItems returns items assigned to the instance, sorted.
func (a *Assignor) LocalItems(ctx context.Context, id model.InstanceID) ([]int, error) {
	assignments, err := a.Assignment(ctx)
	if err != nil {
		return nil, err
	}

	var out []int
	for _, assignment := range assignments {
		if assignment.Owner == id {
			out = append(out, assignment.Item)
		}
	}
	return out, nil
}

// Assignment returns the current assignment sorted by the item.
func (a *Assignor) Assignment(ctx context.Context) ([]model.Assignment, error) {
	kvs, err := a.schema.Sharding().Assignments().GetAll(a.client).Do(ctx)
	if err != nil {
		return nil, joberrors.WrapConnectivity(err)
	}

	out := make([]model.Assignment, 0, len(kvs))
	for _, kv := range kvs {
		out = append(out, kv.Value)
	}

	// Keys are sorted lexicographically
	slices.SortFunc(out, func(x, y model.Assignment) int {
		return cmp.Compare(x.Item, y.Item)
	})
	return out, nil
}

// Owner returns the owner of the item, false if the item is not assigned.
func (a *Assignor) Owner(ctx context.Context, item int) (model.InstanceID, bool, error) {
	kv, err := a.schema.Sharding().Assignments().ByItem(item).Get(a.client).Do(ctx)
	if err != nil {
		return "", false, joberrors.WrapConnectivity(err)
	}
	if kv == nil {
		return "", false, nil
	}
	return kv.Value.Owner, true, nil
}

// Generation returns the last persisted generation, nil if there is none.
func (a *Assignor) Generation(ctx context.Context) (*model.AssignmentGeneration, error) {
	kv, err := a.schema.Sharding().Generation().Get(a.client).Do(ctx)
	if err != nil {
		return nil, joberrors.WrapConnectivity(err)
	}
	if kv == nil {
		return nil, nil
	}
	return &kv.Value, nil
}

// Reconcile checks the persisted assignment against the available instances and the configuration.
// If the assignment is outdated, the resharding flag is set.
// It is a no-op on a non-leader instance.
func (a *Assignor) Reconcile(ctx context.Context) (err error) {
	if !a.elector.IsLocalLeader() {
		return nil
	}

	ctx, span := a.telemetry.Tracer().Start(ctx, "keboola.go.shardjob.sharding.Reconcile")
	defer span.End(&err)

	necessary, err := a.IsReshardingNecessary(ctx)
	if err != nil || necessary {
		return err
	}

	cfg, err := a.config.Load(ctx, true)
	if err != nil {
		return err
	}

	instances, err := a.registry.AvailableInstances(ctx)
	if err != nil {
		return err
	}

	assignments, err := a.Assignment(ctx)
	if err != nil {
		return err
	}

	if reason := outdatedReason(cfg.ShardingTotalCount, instances, assignments); reason != "" {
		a.logger.Infof(ctx, `assignment is outdated: %s`, reason)
		return a.SetReshardingFlag(ctx)
	}
	return nil
}

func outdatedReason(total int, instances []model.InstanceID, assignments []model.Assignment) string {
	if len(instances) == 0 {
		if len(assignments) > 0 {
			return "no available instance"
		}
		return ""
	}

	assigned := make(map[int]bool, len(assignments))
	for _, assignment := range assignments {
		if assignment.Item >= total {
			return "item out of range"
		}
		if !slices.Contains(instances, assignment.Owner) {
			return `owner "` + assignment.Owner.String() + `" is not available`
		}
		assigned[assignment.Item] = true
	}

	for item := range total {
		if !assigned[item] {
			return "unassigned item"
		}
	}

	return ""
}

// DisableItem excludes the item from executions, the assignment is not affected.
func (a *Assignor) DisableItem(ctx context.Context, item int) error {
	err := a.schema.Sharding().Disabled().Key(model.FormatItem(item)).Put(a.client, "").Do(ctx)
	return joberrors.WrapConnectivity(err)
}

func (a *Assignor) EnableItem(ctx context.Context, item int) error {
	_, err := a.schema.Sharding().Disabled().Key(model.FormatItem(item)).Delete(a.client).Do(ctx)
	return joberrors.WrapConnectivity(err)
}

// DisabledItems returns disabled items, sorted.
func (a *Assignor) DisabledItems(ctx context.Context) ([]int, error) {
	prefix := a.schema.Sharding().Disabled()
	kvs, err := prefix.GetAll(a.client, etcd.WithKeysOnly()).Do(ctx)
	if err != nil {
		return nil, joberrors.WrapConnectivity(err)
	}

	out := make([]int, 0, len(kvs))
	for _, kv := range kvs {
		if item, err := model.ParseItem(prefix.Relative(string(kv.Key))); err == nil {
			out = append(out, item)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (a *Assignor) flag() etcdop.Key {
	return a.schema.Leader().ReshardingNecessary()
}

func newRaceBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.RandomizationFactor = 0.2
	b.InitialInterval = raceInitialInterval
	b.Multiplier = 2
	b.MaxInterval = raceMaxInterval
	b.MaxElapsedTime = raceMaxElapsedTime
	b.Reset()
	return b
}
