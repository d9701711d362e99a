package op_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	etcd "go.etcd.io/etcd/client/v3"

	"github.com/keboola/keboola-shardjob/internal/pkg/service/common/etcdop"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/common/etcdop/op"
	"github.com/keboola/keboola-shardjob/internal/pkg/utils/etcdhelper"
)

func TestChunkedTxn(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := etcdhelper.ClientForTest(t)
	guard := etcdop.NewKey("guard")
	require.NoError(t, guard.Put(client, "1").Do(ctx))

	// 300 groups of 2 operations, more than one transaction can hold
	txn := op.NewChunkedTxn(client).If(etcd.Compare(etcd.Version(guard.Key()), "!=", 0))
	for i := range 300 {
		txn.Then(
			etcdop.NewKey(fmt.Sprintf("a/%03d", i)).Put(client, "a"),
			etcdop.NewKey(fmt.Sprintf("b/%03d", i)).Put(client, "b"),
		)
	}
	assert.Equal(t, 600, txn.Len())

	txns := txn.Txns()
	assert.Len(t, txns, 5)

	result, err := txn.Do(ctx)
	require.NoError(t, err)
	assert.True(t, result.Succeeded)
	assert.Equal(t, 5, result.Applied)
	assert.Len(t, result.Revisions, 5)
	assert.Positive(t, result.LastRevision())

	count, err := client.Get(ctx, "", etcd.WithPrefix(), etcd.WithCountOnly())
	require.NoError(t, err)
	assert.Equal(t, int64(601), count.Count)

	// Failed condition stops all chunks
	_, err = guard.Delete(client).Do(ctx)
	require.NoError(t, err)
	txn = op.NewChunkedTxn(client).If(etcd.Compare(etcd.Version(guard.Key()), "!=", 0))
	for i := range 200 {
		txn.Then(etcdop.NewKey(fmt.Sprintf("c/%03d", i)).Put(client, "c"))
	}
	result, err = txn.Do(ctx)
	require.NoError(t, err)
	assert.False(t, result.Succeeded)
	assert.Equal(t, 0, result.Applied)
	assert.Equal(t, int64(0), result.LastRevision())
}

func TestItemsPerTxn(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 64, op.ItemsPerTxn(2))
	assert.Equal(t, 42, op.ItemsPerTxn(3))
	assert.Equal(t, 128, op.ItemsPerTxn(0))
	assert.Equal(t, 1, op.ItemsPerTxn(1000))
}
