package registry_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/dependencies"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/model"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/registry"
	"github.com/keboola/keboola-shardjob/internal/pkg/utils/etcdhelper"
)

func TestRegistry(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	d := dependencies.NewMockedServiceScope(t)
	client := d.TestEtcdClient()
	r := registry.New(d, "my-job")

	_, err := r.Session()
	require.ErrorAs(t, err, &registry.NotRegisteredError{})

	session1, err := concurrency.NewSession(client)
	require.NoError(t, err)
	defer session1.Close()
	session2, err := concurrency.NewSession(client)
	require.NoError(t, err)
	defer session2.Close()

	require.NoError(t, r.Register(ctx, session1, model.Instance{InstanceID: "host-a@1", Host: "host-a", PID: 1}, false))
	require.NoError(t, registry.New(d, "my-job").Register(ctx, session2, model.Instance{InstanceID: "host-b@2", Host: "host-b", PID: 2}, true))

	self, ok := r.Self()
	require.True(t, ok)
	assert.Equal(t, model.InstanceID("host-a@1"), self.InstanceID)
	session, err := r.Session()
	require.NoError(t, err)
	assert.Equal(t, session1.Lease(), session.Lease())

	etcdhelper.AssertKeys(t, client, []string{
		"shardjob/my-job/instances/host-a@1",
		"shardjob/my-job/instances/host-b@2",
		"shardjob/my-job/servers/host-a",
		"shardjob/my-job/servers/host-b",
	})

	// Both instances are live, only one is available
	live, err := r.LiveInstances(ctx)
	require.NoError(t, err)
	require.Len(t, live, 2)
	assert.Equal(t, model.InstanceID("host-a@1"), live[0].InstanceID)
	assert.Equal(t, model.InstanceID("host-b@2"), live[1].InstanceID)

	available, err := r.AvailableInstances(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.InstanceID{"host-a@1"}, available)

	// Operator enables the server
	require.NoError(t, r.EnableServer(ctx, "host-b"))
	enabled, err := r.IsServerEnabled(ctx, "host-b")
	require.NoError(t, err)
	assert.True(t, enabled)
	ok, err = r.IsAvailable(ctx, "host-b@2")
	require.NoError(t, err)
	assert.True(t, ok)

	// Re-registration keeps the operator flag
	require.NoError(t, r.DisableServer(ctx, "host-a"))
	require.NoError(t, r.Register(ctx, session1, model.Instance{InstanceID: "host-a@1", Host: "host-a", PID: 1}, false))
	enabled, err = r.IsServerEnabled(ctx, "host-a")
	require.NoError(t, err)
	assert.False(t, enabled)

	// Missing server state is enabled
	enabled, err = r.IsServerEnabled(ctx, "unknown")
	require.NoError(t, err)
	assert.True(t, enabled)

	// Lease loss removes the instance, the server state is kept
	require.NoError(t, session2.Close())
	live, err = r.LiveInstances(ctx)
	require.NoError(t, err)
	require.Len(t, live, 1)
	isLive, err := r.IsLive(ctx, "host-b@2")
	require.NoError(t, err)
	assert.False(t, isLive)
	servers, err := r.Servers(ctx)
	require.NoError(t, err)
	assert.Len(t, servers, 2)

	require.NoError(t, r.Unregister(ctx))
	etcdhelper.AssertKeys(t, client, []string{
		"shardjob/my-job/servers/host-a",
		"shardjob/my-job/servers/host-b",
	})
}

func TestRegistry_Trigger(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d := dependencies.NewMockedServiceScope(t)
	r := registry.New(d, "my-job")

	found, err := r.TakeTrigger(ctx, "host-a@1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, r.RequestTrigger(ctx, "host-a@1"))
	etcdhelper.AssertKeys(t, d.TestEtcdClient(), []string{"shardjob/my-job/trigger/host-a@1"})

	found, err = r.TakeTrigger(ctx, "host-a@1")
	require.NoError(t, err)
	assert.True(t, found)
	etcdhelper.AssertKeys(t, d.TestEtcdClient(), nil)
}

func TestRegistry_WatchTopology(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	d := dependencies.NewMockedServiceScope(t)
	r := registry.New(d, "my-job")

	wg := &sync.WaitGroup{}
	watchCtx, watchCancel := context.WithCancel(ctx)
	signals := r.WatchTopology(watchCtx, wg, 0)

	session, err := concurrency.NewSession(d.TestEtcdClient())
	require.NoError(t, err)
	defer session.Close()
	require.NoError(t, r.Register(ctx, session, model.Instance{InstanceID: "host-a@1", Host: "host-a"}, false))

	select {
	case <-signals:
	case <-ctx.Done():
		assert.Fail(t, "timeout")
	}

	require.NoError(t, r.DisableServer(ctx, "host-a"))
	select {
	case <-signals:
	case <-ctx.Done():
		assert.Fail(t, "timeout")
	}

	watchCancel()
	wg.Wait()
}
