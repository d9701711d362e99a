// Package execution tracks running items and results of the job executions.
//
// A running marker is bound to the session lease of the executing instance, it disappears with the instance.
// An execution record is persistent, so a record in the running status without a live owner reveals a crash.
package execution

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/jonboulle/clockwork"
	etcd "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.opentelemetry.io/otel/attribute"

	"github.com/keboola/keboola-shardjob/internal/pkg/log"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/common/etcdop"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/common/etcdop/op"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/job"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/joberrors"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/model"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/schema"
	"github.com/keboola/keboola-shardjob/internal/pkg/telemetry"
)

const (
	// startOpsPerItem is the number of operations to register start of one item.
	startOpsPerItem = 2
	rollbackTimeout = 10 * time.Second
)

type Tracker struct {
	jobName   string
	logger    log.Logger
	telemetry telemetry.Telemetry
	clock     clockwork.Clock
	client    *etcd.Client
	schema    schema.Job
}

// Start describes one execution of local items on an instance.
type Start struct {
	InstanceID model.InstanceID
	TaskID     string
	Items      []int
	Failover   bool
	StartedAt  time.Time
}

// AlreadyRunningError is returned if a failover item is already executed by another instance.
type AlreadyRunningError struct {
	Items []int
}

func (e AlreadyRunningError) Error() string {
	return "failover items are already running"
}

type dependencies interface {
	Logger() log.Logger
	Telemetry() telemetry.Telemetry
	Clock() clockwork.Clock
	EtcdClient() *etcd.Client
	Schema() *schema.Schema
}

func New(d dependencies, jobName string) *Tracker {
	return &Tracker{
		jobName:   jobName,
		logger:    d.Logger().WithComponent("execution").With(attribute.String("job", jobName)),
		telemetry: d.Telemetry(),
		clock:     d.Clock(),
		client:    d.EtcdClient(),
		schema:    d.Schema().Job(jobName),
	}
}

// RegisterStart creates running markers with the session lease and execution records in the running status.
// Items are written in chunks, each chunk fits into one transaction.
// Failover items are registered only if no other instance is executing them,
// the returned Start contains only the registered items.
func (t *Tracker) RegisterStart(ctx context.Context, session *concurrency.Session, start Start) (_ Start, err error) {
	ctx, span := t.telemetry.Tracer().Start(ctx, "keboola.go.shardjob.execution.RegisterStart")
	defer span.End(&err)

	start.StartedAt = t.clock.Now().UTC()
	if len(start.Items) == 0 {
		return start, nil
	}

	marker := model.RunningMarker{InstanceID: start.InstanceID, TaskID: start.TaskID, StartedAt: start.StartedAt}
	var registered, skipped []int
	for chunk := range slices.Chunk(start.Items, op.ItemsPerTxn(startOpsPerItem)) {
		txn := op.NewTxnOp(t.client)
		for _, item := range chunk {
			markerKey := t.markerKey(item, start.Failover)
			if start.Failover {
				txn.If(etcd.Compare(etcd.Version(markerKey.Key()), "=", 0))
			}
			txn.Then(
				markerKey.Put(t.client, marker, etcd.WithLease(session.Lease())),
				t.schema.Execution().Records().ByItem(item).Put(t.client, model.ExecutionRecord{
					Item:       item,
					TaskID:     start.TaskID,
					InstanceID: start.InstanceID,
					Status:     model.StatusRunning,
					Failover:   start.Failover,
					StartedAt:  start.StartedAt,
				}),
			)
		}

		result, err := txn.Do(ctx)
		if err != nil {
			t.rollbackStart(ctx, start, registered)
			return start, joberrors.WrapConnectivity(err)
		}
		if result.Succeeded {
			registered = append(registered, chunk...)
		} else {
			skipped = append(skipped, chunk...)
		}
	}

	if len(registered) == 0 {
		return start, AlreadyRunningError{Items: skipped}
	}
	if len(skipped) > 0 {
		t.logger.Infof(ctx, `failover items %v are already running, skipped`, skipped)
	}

	start.Items = registered
	t.logger.Debugf(ctx, `registered start of items %v, failover=%t`, start.Items, start.Failover)
	return start, nil
}

// rollbackStart deletes running markers of items registered before a failed chunk.
// The execution records stay in the running status, the failover monitor resolves them.
func (t *Tracker) rollbackStart(ctx context.Context, start Start, items []int) {
	if len(items) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()

	txn := op.NewChunkedTxn(t.client)
	for _, item := range items {
		txn.Then(t.markerKey(item, start.Failover).Delete(t.client))
	}
	if _, err := txn.Do(ctx); err != nil {
		t.logger.Warnf(ctx, `cannot delete running markers of items %v: %s`, items, err)
	}
}

// RegisterCompletion deletes the running markers and stores results to the execution records.
// Completion of a failover item also deletes its failover record.
func (t *Tracker) RegisterCompletion(ctx context.Context, start Start, results map[int]job.Result) (err error) {
	ctx, span := t.telemetry.Tracer().Start(ctx, "keboola.go.shardjob.execution.RegisterCompletion")
	defer span.End(&err)

	if len(start.Items) == 0 {
		return nil
	}

	now := t.clock.Now().UTC()
	txn := op.NewChunkedTxn(t.client)
	for _, item := range start.Items {
		record := model.ExecutionRecord{
			Item:        item,
			TaskID:      start.TaskID,
			InstanceID:  start.InstanceID,
			Status:      model.StatusCompleted,
			Failover:    start.Failover,
			StartedAt:   start.StartedAt,
			CompletedAt: &now,
		}
		if result, found := results[item]; found {
			record.Payload = result.Payload
			if result.Err != nil {
				record.Status = model.StatusFailed
				record.Error = result.Err.Error()
			}
		}

		txn.Then(
			t.markerKey(item, start.Failover).Delete(t.client),
			t.schema.Execution().Records().ByItem(item).Put(t.client, record),
		)
		if start.Failover {
			txn.Then(t.schema.Failover().Items().ByItem(item).Delete(t.client))
		}
	}

	if _, err := txn.Do(ctx); err != nil {
		return joberrors.WrapConnectivity(err)
	}

	t.logger.Debugf(ctx, `registered completion of items %v, failover=%t`, start.Items, start.Failover)
	return nil
}

// IsRunning returns true if the item is executed, regularly or as a failover.
func (t *Tracker) IsRunning(ctx context.Context, item int) (bool, error) {
	result, err := op.MergeToTxn(
		t.client,
		t.schema.Execution().Running().ByItem(item).Exists(t.client),
		t.schema.Failover().Running().ByItem(item).Exists(t.client),
	).Do(ctx)
	if err != nil {
		return false, joberrors.WrapConnectivity(err)
	}
	for _, r := range result.Results {
		if running, _ := r.(bool); running {
			return true, nil
		}
	}
	return false, nil
}

// RunningItems returns running markers of regular executions, by the item.
func (t *Tracker) RunningItems(ctx context.Context) (map[int]model.RunningMarker, error) {
	kvs, err := t.schema.Execution().Running().GetAll(t.client).Do(ctx)
	if err != nil {
		return nil, joberrors.WrapConnectivity(err)
	}
	return markersByItem(t.schema.Execution().Running().Prefix(), kvs), nil
}

// FailoverRunningItems returns running markers of failover executions, by the item.
func (t *Tracker) FailoverRunningItems(ctx context.Context) (map[int]model.RunningMarker, error) {
	kvs, err := t.schema.Failover().Running().GetAll(t.client).Do(ctx)
	if err != nil {
		return nil, joberrors.WrapConnectivity(err)
	}
	return markersByItem(t.schema.Failover().Running().Prefix(), kvs), nil
}

// ClearRunning forcibly deletes running markers of the items.
func (t *Tracker) ClearRunning(ctx context.Context, items []int) error {
	txn := op.NewChunkedTxn(t.client)
	for _, item := range items {
		txn.Then(t.schema.Execution().Running().ByItem(item).Delete(t.client))
	}
	_, err := txn.Do(ctx)
	return joberrors.WrapConnectivity(err)
}

// MisfireIfRunning sets the misfire flag of all items, if some of them is still running.
// It returns true if the flags have been set.
func (t *Tracker) MisfireIfRunning(ctx context.Context, items []int) (bool, error) {
	for _, item := range items {
		running, err := t.IsRunning(ctx, item)
		if err != nil {
			return false, err
		}
		if running {
			return true, t.SetMisfire(ctx, items)
		}
	}
	return false, nil
}

// HasRunning returns true if some of the items is still running.
func (t *Tracker) HasRunning(ctx context.Context, items []int) (bool, error) {
	for _, item := range items {
		running, err := t.IsRunning(ctx, item)
		if err != nil || running {
			return running, err
		}
	}
	return false, nil
}

func (t *Tracker) SetMisfire(ctx context.Context, items []int) error {
	if len(items) == 0 {
		return nil
	}
	now := t.clock.Now().UTC()
	txn := op.NewChunkedTxn(t.client)
	for _, item := range items {
		txn.Then(t.schema.Execution().Misfires().ByItem(item).Put(t.client, model.Misfire{TriggeredAt: now}))
	}
	if _, err := txn.Do(ctx); err != nil {
		return joberrors.WrapConnectivity(err)
	}
	t.logger.Infof(ctx, `misfire set for items %v`, items)
	return nil
}

func (t *Tracker) ClearMisfire(ctx context.Context, items []int) error {
	txn := op.NewChunkedTxn(t.client)
	for _, item := range items {
		txn.Then(t.schema.Execution().Misfires().ByItem(item).Delete(t.client))
	}
	_, err := txn.Do(ctx)
	return joberrors.WrapConnectivity(err)
}

// Misfired returns true if the misfire flag of the item is set.
func (t *Tracker) Misfired(ctx context.Context, item int) (bool, error) {
	found, err := t.schema.Execution().Misfires().ByItem(item).Exists(t.client).Do(ctx)
	return found, joberrors.WrapConnectivity(err)
}

// MisfiredItems filters items with the misfire flag.
func (t *Tracker) MisfiredItems(ctx context.Context, items []int) ([]int, error) {
	var out []int
	for _, item := range items {
		misfired, err := t.Misfired(ctx, item)
		if err != nil {
			return nil, err
		}
		if misfired {
			out = append(out, item)
		}
	}
	return out, nil
}

// Records returns all execution records, sorted by the item.
func (t *Tracker) Records(ctx context.Context) ([]model.ExecutionRecord, error) {
	kvs, err := t.schema.Execution().Records().GetAll(t.client).Do(ctx)
	if err != nil {
		return nil, joberrors.WrapConnectivity(err)
	}

	out := make([]model.ExecutionRecord, 0, len(kvs))
	for _, kv := range kvs {
		out = append(out, kv.Value)
	}
	slices.SortFunc(out, func(a, b model.ExecutionRecord) int {
		return cmp.Compare(a.Item, b.Item)
	})
	return out, nil
}

// Record returns the execution record of the item, nil if there is none.
func (t *Tracker) Record(ctx context.Context, item int) (*model.ExecutionRecord, error) {
	kv, err := t.schema.Execution().Records().ByItem(item).Get(t.client).Do(ctx)
	if err != nil {
		return nil, joberrors.WrapConnectivity(err)
	}
	if kv == nil {
		return nil, nil
	}
	return &kv.Value, nil
}

func (t *Tracker) markerKey(item int, failover bool) etcdop.KeyT[model.RunningMarker] {
	if failover {
		return t.schema.Failover().Running().ByItem(item)
	}
	return t.schema.Execution().Running().ByItem(item)
}

func markersByItem(prefix string, kvs []op.KeyValueT[model.RunningMarker]) map[int]model.RunningMarker {
	pfx := etcdop.NewPrefix(prefix)
	out := make(map[int]model.RunningMarker, len(kvs))
	for _, kv := range kvs {
		if item, err := model.ParseItem(pfx.Relative(string(kv.Kv.Key))); err == nil {
			out[item] = kv.Value
		}
	}
	return out
}
