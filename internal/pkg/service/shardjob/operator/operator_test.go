package operator_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/definition"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/dependencies"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/model"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/operator"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/registry"
	"github.com/keboola/keboola-shardjob/internal/pkg/utils/etcdhelper"
)

func TestOperator(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	d := dependencies.NewMockedServiceScope(t)
	client := d.TestEtcdClient()
	o := operator.New(d, "my-job")

	_, err := o.SetUp(ctx, definition.New("my-job", "@every 1m", 2))
	require.NoError(t, err)

	// Live instance
	session, err := concurrency.NewSession(client)
	require.NoError(t, err)
	reg := registry.New(d, "my-job")
	require.NoError(t, reg.Register(ctx, session, model.Instance{InstanceID: "instance-1", Host: "host-1"}, false))

	// Trigger
	triggered, err := o.Trigger(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.InstanceID{"instance-1"}, triggered)
	taken, err := reg.TakeTrigger(ctx, "instance-1")
	require.NoError(t, err)
	assert.True(t, taken)

	// Server
	require.NoError(t, o.DisableServer(ctx, "host-1"))
	enabled, err := reg.IsServerEnabled(ctx, "host-1")
	require.NoError(t, err)
	assert.False(t, enabled)
	require.NoError(t, o.EnableServer(ctx, "host-1"))
	enabled, err = reg.IsServerEnabled(ctx, "host-1")
	require.NoError(t, err)
	assert.True(t, enabled)

	// Items
	require.NoError(t, o.DisableItem(ctx, 1))
	err = o.DisableItem(ctx, 2)
	require.Error(t, err)
	assert.Equal(t, `item 2 is out of range, the job has 2 items`, err.Error())

	status, err := o.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, status.Config.ShardingTotalCount)
	assert.Empty(t, status.Leader)
	require.Len(t, status.Instances, 1)
	assert.Equal(t, model.InstanceID("instance-1"), status.Instances[0].InstanceID)
	assert.Equal(t, map[string]model.ServerState{"host-1": {Host: "host-1"}}, status.Servers)
	assert.Nil(t, status.Generation)
	assert.True(t, status.Resharding)
	assert.Equal(t, []int{1}, status.DisabledItems)

	require.NoError(t, o.EnableItem(ctx, 1))
	require.NoError(t, o.Reshard(ctx))

	// Remove requires stopped instances
	err = o.Remove(ctx)
	require.ErrorAs(t, err, &operator.ActiveInstancesError{})
	require.NoError(t, session.Close())
	require.NoError(t, o.Remove(ctx))
	etcdhelper.AssertKeys(t, client, nil)
}
