package distlock_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/keboola/keboola-shardjob/internal/pkg/service/common/distlock"
	"github.com/keboola/keboola-shardjob/internal/pkg/utils/etcdhelper"
)

func TestMutex(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := etcdhelper.ClientForTest(t)

	session1, err := concurrency.NewSession(client)
	require.NoError(t, err)
	defer session1.Close()
	session2, err := concurrency.NewSession(client)
	require.NoError(t, err)
	defer session2.Close()

	mtx1 := distlock.NewMutex(session1, "lock/foo/bar")
	mtx2 := distlock.NewMutex(session2, "lock/foo/bar")
	etcdhelper.AssertKVsString(t, client, ``)

	require.NoError(t, mtx1.Lock(ctx))
	require.ErrorAs(t, mtx1.TryLock(ctx), &distlock.AlreadyLockedError{})
	require.ErrorAs(t, mtx2.TryLock(ctx), &distlock.AlreadyLockedError{})
	etcdhelper.AssertKVsString(t, client, `
<<<<<
lock/foo/bar/%s (lease)
-----
%A
>>>>>
`)

	// Owner condition
	resp, err := client.Txn(ctx).If(mtx1.IsOwner()).Commit()
	require.NoError(t, err)
	assert.True(t, resp.Succeeded)

	require.NoError(t, mtx1.Unlock(ctx))
	require.ErrorAs(t, mtx1.Unlock(ctx), &distlock.NotLockedError{})
	etcdhelper.AssertKVsString(t, client, ``)

	// The second session can lock now
	require.NoError(t, mtx2.TryLock(ctx))
	resp, err = client.Txn(ctx).If(mtx1.IsOwner()).Commit()
	require.NoError(t, err)
	assert.False(t, resp.Succeeded)
	require.NoError(t, mtx2.Unlock(ctx))
}

func TestMutex_ReleasedWithSession(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := etcdhelper.ClientForTest(t)

	session1, err := concurrency.NewSession(client)
	require.NoError(t, err)
	session2, err := concurrency.NewSession(client)
	require.NoError(t, err)
	defer session2.Close()

	require.NoError(t, distlock.NewMutex(session1, "lock").Lock(ctx))

	// Session close revokes the lease
	require.NoError(t, session1.Close())
	require.NoError(t, distlock.NewMutex(session2, "lock").Lock(ctx))
}
