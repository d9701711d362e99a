package failover_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/configstore"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/definition"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/dependencies"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/election"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/execution"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/failover"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/job"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/model"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/registry"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/sharding"
	"github.com/keboola/keboola-shardjob/internal/pkg/utils/etcdhelper"
)

const jobName = "my-job"

type node struct {
	session  *concurrency.Session
	registry *registry.Registry
	assignor *sharding.Assignor
	tracker  *execution.Tracker
	monitor  *failover.Monitor
}

func newNode(t *testing.T, ctx context.Context, d dependencies.Mocked, cfg *configstore.Store, id model.InstanceID, disabled bool) *node {
	t.Helper()

	session, err := concurrency.NewSession(d.TestEtcdClient())
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	reg := registry.New(d, jobName)
	require.NoError(t, reg.Register(ctx, session, model.Instance{InstanceID: id, Host: "host-" + id.String()}, disabled))

	assignor := sharding.New(d, jobName, cfg, reg, election.New(d, jobName, id))
	tracker := execution.New(d, jobName)
	return &node{
		session:  session,
		registry: reg,
		assignor: assignor,
		tracker:  tracker,
		monitor:  failover.New(d, jobName, cfg, reg, assignor, tracker),
	}
}

func TestMonitor_FailoverRoundTrip(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	wg := &sync.WaitGroup{}
	defer wg.Wait()
	defer cancel()

	d := dependencies.NewMockedServiceScope(t)
	client := d.TestEtcdClient()
	cfg := configstore.New(d, jobName)
	jobCfg := definition.New(jobName, "@every 1m", 2)
	jobCfg.Failover = true
	_, err := cfg.SetUp(ctx, jobCfg)
	require.NoError(t, err)

	node1 := newNode(t, ctx, d, cfg, "instance-1", false)
	node2 := newNode(t, ctx, d, cfg, "instance-2", false)

	// Instance 1 is the leader and assigns items
	elector := election.New(d, jobName, "instance-1")
	elector.Campaign(ctx, wg, node1.session)
	require.Eventually(t, elector.IsLocalLeader, 10*time.Second, 10*time.Millisecond)
	assignor := sharding.New(d, jobName, cfg, node1.registry, elector)
	require.NoError(t, assignor.SetReshardingFlag(ctx))
	require.NoError(t, assignor.ReshardIfNecessary(ctx))
	items, err := assignor.LocalItems(ctx, "instance-2")
	require.NoError(t, err)
	assert.Equal(t, []int{1}, items)

	// Instance 2 crashes during the execution of the item 1
	_, err = node2.tracker.RegisterStart(ctx, node2.session, execution.Start{InstanceID: "instance-2", TaskID: "task-1", Items: []int{1}})
	require.NoError(t, err)
	require.NoError(t, node2.session.Close())

	// Crash is detected, the item is assigned to the instance 1
	require.NoError(t, node1.monitor.HandleFailover(ctx))
	records, err := node1.monitor.Records(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 1, records[0].Item)
	assert.Equal(t, model.InstanceID("instance-2"), records[0].CrashedInstance)
	assert.Equal(t, model.InstanceID("instance-1"), records[0].TargetInstance)
	assert.NotNil(t, records[0].AssignedAt)

	taken, err := node1.monitor.Take(ctx, "instance-1")
	require.NoError(t, err)
	assert.Equal(t, []int{1}, taken)
	pending, err := node1.monitor.PendingItems(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[int]bool{1: true}, pending)

	// Handling is idempotent
	require.NoError(t, node1.monitor.HandleFailover(ctx))
	assert.Equal(t, map[string]int64{"shardjob.failovers": 1, "shardjob.reshards": 1}, d.TestTelemetry().CounterValues(t))

	// Failover execution
	start, err := node1.tracker.RegisterStart(ctx, node1.session, execution.Start{InstanceID: "instance-1", TaskID: "task-2", Items: taken, Failover: true})
	require.NoError(t, err)
	taken, err = node1.monitor.Take(ctx, "instance-1")
	require.NoError(t, err)
	assert.Empty(t, taken)
	require.NoError(t, node1.tracker.RegisterCompletion(ctx, start, map[int]job.Result{1: {Payload: "recovered"}}))

	// The record is gone, no new failover is detected
	records, err = node1.monitor.Records(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
	require.NoError(t, node1.monitor.HandleFailover(ctx))
	records, err = node1.monitor.Records(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)

	record, err := node1.tracker.Record(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, record.Status)
	assert.True(t, record.Failover)
	assert.Equal(t, "recovered", record.Payload)

	etcdhelper.AssertKeys(t, client, []string{
		"shardjob/my-job/config",
		"shardjob/my-job/execution/record/1",
		"shardjob/my-job/instances/instance-1",
		"shardjob/my-job/leader/election/%s",
		"shardjob/my-job/servers/host-instance-1",
		"shardjob/my-job/servers/host-instance-2",
		"shardjob/my-job/sharding/assignment/0",
		"shardjob/my-job/sharding/assignment/1",
		"shardjob/my-job/sharding/generation",
	})
}

func TestMonitor_PendingWithoutAvailableInstance(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	d := dependencies.NewMockedServiceScope(t)
	cfg := configstore.New(d, jobName)
	jobCfg := definition.New(jobName, "@every 1m", 2)
	jobCfg.Failover = true
	_, err := cfg.SetUp(ctx, jobCfg)
	require.NoError(t, err)

	// The server of the instance 1 is disabled
	node1 := newNode(t, ctx, d, cfg, "instance-1", true)
	node2 := newNode(t, ctx, d, cfg, "instance-2", false)

	_, err = node2.tracker.RegisterStart(ctx, node2.session, execution.Start{InstanceID: "instance-2", TaskID: "task-1", Items: []int{0}})
	require.NoError(t, err)
	require.NoError(t, node2.session.Close())

	require.NoError(t, node1.monitor.HandleFailover(ctx))
	records, err := node1.monitor.Records(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].Pending())

	// The server is enabled, the fallback instance is used
	require.NoError(t, node1.registry.EnableServer(ctx, "host-instance-1"))
	require.NoError(t, node1.monitor.HandleFailover(ctx))
	taken, err := node1.monitor.Take(ctx, "instance-1")
	require.NoError(t, err)
	assert.Equal(t, []int{0}, taken)
}

func TestMonitor_Disabled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	d := dependencies.NewMockedServiceScope(t)
	cfg := configstore.New(d, jobName)
	_, err := cfg.SetUp(ctx, definition.New(jobName, "@every 1m", 2))
	require.NoError(t, err)

	node1 := newNode(t, ctx, d, cfg, "instance-1", false)
	node2 := newNode(t, ctx, d, cfg, "instance-2", false)
	_, err = node2.tracker.RegisterStart(ctx, node2.session, execution.Start{InstanceID: "instance-2", TaskID: "task-1", Items: []int{0}})
	require.NoError(t, err)
	require.NoError(t, node2.session.Close())

	// Failover is not enabled in the configuration
	require.NoError(t, node1.monitor.HandleFailover(ctx))
	records, err := node1.monitor.Records(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}
