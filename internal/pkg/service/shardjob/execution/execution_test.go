package execution_test

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/keboola/keboola-shardjob/internal/pkg/service/common/dependencies"
	shardjobDeps "github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/dependencies"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/execution"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/job"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/model"
	"github.com/keboola/keboola-shardjob/internal/pkg/utils/errors"
	"github.com/keboola/keboola-shardjob/internal/pkg/utils/etcdhelper"
)

func TestTracker_StartAndCompletion(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	clk := clockwork.NewFakeClockAt(time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC))
	d := shardjobDeps.NewMockedServiceScope(t, dependencies.WithClock(clk))
	client := d.TestEtcdClient()
	tracker := execution.New(d, "my-job")

	session, err := concurrency.NewSession(client)
	require.NoError(t, err)
	defer session.Close()

	start, err := tracker.RegisterStart(ctx, session, execution.Start{InstanceID: "instance-1", TaskID: "task-1", Items: []int{0, 1}})
	require.NoError(t, err)
	assert.Equal(t, clk.Now(), start.StartedAt)

	etcdhelper.AssertKVsString(t, client, `
<<<<<
shardjob/my-job/execution/record/0
-----
{
  "item": 0,
  "taskId": "task-1",
  "instanceId": "instance-1",
  "status": "running",
  "failover": false,
  "startedAt": "2024-01-01T10:00:00Z"
}
>>>>>

<<<<<
shardjob/my-job/execution/record/1
-----
%A
>>>>>

<<<<<
shardjob/my-job/execution/running/0 (lease)
-----
{
  "instanceId": "instance-1",
  "taskId": "task-1",
  "startedAt": "2024-01-01T10:00:00Z"
}
>>>>>

<<<<<
shardjob/my-job/execution/running/1 (lease)
-----
%A
>>>>>
`)

	running, err := tracker.IsRunning(ctx, 1)
	require.NoError(t, err)
	assert.True(t, running)
	markers, err := tracker.RunningItems(ctx)
	require.NoError(t, err)
	assert.Len(t, markers, 2)
	assert.Equal(t, model.InstanceID("instance-1"), markers[1].InstanceID)

	clk.Advance(time.Minute)
	require.NoError(t, tracker.RegisterCompletion(ctx, start, map[int]job.Result{
		0: {Payload: "ok"},
		1: {Err: errors.New("some error")},
	}))

	running, err = tracker.IsRunning(ctx, 1)
	require.NoError(t, err)
	assert.False(t, running)

	records, err := tracker.Records(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, model.StatusCompleted, records[0].Status)
	assert.Equal(t, "ok", records[0].Payload)
	assert.Equal(t, model.StatusFailed, records[1].Status)
	assert.Equal(t, "some error", records[1].Error)
	require.NotNil(t, records[1].CompletedAt)
	assert.Equal(t, clk.Now(), *records[1].CompletedAt)

	etcdhelper.AssertKeys(t, client, []string{
		"shardjob/my-job/execution/record/0",
		"shardjob/my-job/execution/record/1",
	})
}

func TestTracker_LeaseRemovesMarkers(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	d := shardjobDeps.NewMockedServiceScope(t)
	tracker := execution.New(d, "my-job")

	session, err := concurrency.NewSession(d.TestEtcdClient())
	require.NoError(t, err)

	_, err = tracker.RegisterStart(ctx, session, execution.Start{InstanceID: "instance-1", TaskID: "task-1", Items: []int{3}})
	require.NoError(t, err)
	require.NoError(t, session.Close())

	// The record stays in the running status, the marker is gone
	running, err := tracker.IsRunning(ctx, 3)
	require.NoError(t, err)
	assert.False(t, running)
	record, err := tracker.Record(ctx, 3)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, model.StatusRunning, record.Status)
}

func TestTracker_Failover(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	d := shardjobDeps.NewMockedServiceScope(t)
	client := d.TestEtcdClient()
	tracker := execution.New(d, "my-job")

	session1, err := concurrency.NewSession(client)
	require.NoError(t, err)
	defer session1.Close()
	session2, err := concurrency.NewSession(client)
	require.NoError(t, err)
	defer session2.Close()

	_, err = client.Put(ctx, "shardjob/my-job/failover/items/2", `{"item":2,"crashedInstance":"instance-0","targetInstance":"instance-1"}`)
	require.NoError(t, err)

	start, err := tracker.RegisterStart(ctx, session1, execution.Start{InstanceID: "instance-1", TaskID: "task-1", Items: []int{2}, Failover: true})
	require.NoError(t, err)

	// The second instance cannot run the same failover item
	_, err = tracker.RegisterStart(ctx, session2, execution.Start{InstanceID: "instance-2", TaskID: "task-2", Items: []int{2}, Failover: true})
	require.ErrorAs(t, err, &execution.AlreadyRunningError{})

	running, err := tracker.IsRunning(ctx, 2)
	require.NoError(t, err)
	assert.True(t, running)
	failoverMarkers, err := tracker.FailoverRunningItems(ctx)
	require.NoError(t, err)
	assert.Len(t, failoverMarkers, 1)

	require.NoError(t, tracker.RegisterCompletion(ctx, start, map[int]job.Result{2: {}}))
	etcdhelper.AssertKeys(t, client, []string{"shardjob/my-job/execution/record/2"})
	record, err := tracker.Record(ctx, 2)
	require.NoError(t, err)
	assert.True(t, record.Failover)
	assert.Equal(t, model.StatusCompleted, record.Status)
}

func TestTracker_Misfire(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	d := shardjobDeps.NewMockedServiceScope(t)
	tracker := execution.New(d, "my-job")

	session, err := concurrency.NewSession(d.TestEtcdClient())
	require.NoError(t, err)
	defer session.Close()

	// Nothing is running
	misfired, err := tracker.MisfireIfRunning(ctx, []int{0, 1})
	require.NoError(t, err)
	assert.False(t, misfired)

	_, err = tracker.RegisterStart(ctx, session, execution.Start{InstanceID: "instance-1", TaskID: "task-1", Items: []int{1}})
	require.NoError(t, err)

	misfired, err = tracker.MisfireIfRunning(ctx, []int{0, 1})
	require.NoError(t, err)
	assert.True(t, misfired)
	items, err := tracker.MisfiredItems(ctx, []int{0, 1, 2})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, items)

	require.NoError(t, tracker.ClearMisfire(ctx, []int{0}))
	ok, err := tracker.Misfired(ctx, 0)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = tracker.Misfired(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	// Forced removal of the marker
	require.NoError(t, tracker.ClearRunning(ctx, []int{1}))
	running, err := tracker.HasRunning(ctx, []int{0, 1})
	require.NoError(t, err)
	assert.False(t, running)
}

func TestTracker_ManyItems(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	d := shardjobDeps.NewMockedServiceScope(t)
	client := d.TestEtcdClient()
	tracker := execution.New(d, "my-job")

	session, err := concurrency.NewSession(client)
	require.NoError(t, err)
	defer session.Close()

	// More items than one transaction can hold
	items := make([]int, 200)
	for i := range items {
		items[i] = i
	}

	start, err := tracker.RegisterStart(ctx, session, execution.Start{InstanceID: "instance-1", TaskID: "task-1", Items: items})
	require.NoError(t, err)
	assert.Equal(t, items, start.Items)
	markers, err := tracker.RunningItems(ctx)
	require.NoError(t, err)
	assert.Len(t, markers, 200)

	require.NoError(t, tracker.SetMisfire(ctx, items))
	misfired, err := tracker.MisfiredItems(ctx, items)
	require.NoError(t, err)
	assert.Equal(t, items, misfired)
	require.NoError(t, tracker.ClearMisfire(ctx, items))
	misfired, err = tracker.MisfiredItems(ctx, items)
	require.NoError(t, err)
	assert.Empty(t, misfired)

	require.NoError(t, tracker.RegisterCompletion(ctx, start, nil))
	records, err := tracker.Records(ctx)
	require.NoError(t, err)
	require.Len(t, records, 200)
	assert.Equal(t, model.StatusCompleted, records[199].Status)
	running, err := tracker.HasRunning(ctx, items)
	require.NoError(t, err)
	assert.False(t, running)

	// Forced removal of many markers
	_, err = tracker.RegisterStart(ctx, session, execution.Start{InstanceID: "instance-1", TaskID: "task-2", Items: items})
	require.NoError(t, err)
	require.NoError(t, tracker.ClearRunning(ctx, items))
	markers, err = tracker.RunningItems(ctx)
	require.NoError(t, err)
	assert.Empty(t, markers)
}

func TestTracker_ManyFailoverItems(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	d := shardjobDeps.NewMockedServiceScope(t)
	client := d.TestEtcdClient()
	tracker := execution.New(d, "my-job")

	session1, err := concurrency.NewSession(client)
	require.NoError(t, err)
	defer session1.Close()
	session2, err := concurrency.NewSession(client)
	require.NoError(t, err)
	defer session2.Close()

	// Item 70 is already executed by another instance
	_, err = tracker.RegisterStart(ctx, session2, execution.Start{InstanceID: "instance-2", TaskID: "task-2", Items: []int{70}, Failover: true})
	require.NoError(t, err)

	items := make([]int, 100)
	for i := range items {
		items[i] = i
	}

	// Items are registered in chunks of 64, the chunk with the item 70 is skipped
	start, err := tracker.RegisterStart(ctx, session1, execution.Start{InstanceID: "instance-1", TaskID: "task-1", Items: items, Failover: true})
	require.NoError(t, err)
	assert.Equal(t, items[:64], start.Items)

	markers, err := tracker.FailoverRunningItems(ctx)
	require.NoError(t, err)
	assert.Len(t, markers, 65)
	assert.Equal(t, model.InstanceID("instance-2"), markers[70].InstanceID)
	assert.Equal(t, model.InstanceID("instance-1"), markers[63].InstanceID)

	// All chunks are skipped
	_, err = tracker.RegisterStart(ctx, session2, execution.Start{InstanceID: "instance-2", TaskID: "task-3", Items: items[:64], Failover: true})
	var runningErr execution.AlreadyRunningError
	require.ErrorAs(t, err, &runningErr)
	assert.Equal(t, items[:64], runningErr.Items)
}
