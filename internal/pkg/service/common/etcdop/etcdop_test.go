package etcdop_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	etcd "go.etcd.io/etcd/client/v3"

	"github.com/keboola/keboola-shardjob/internal/pkg/log"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/common/etcdop"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/common/etcdop/op"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/common/etcdop/serde"
	"github.com/keboola/keboola-shardjob/internal/pkg/utils/errors"
	"github.com/keboola/keboola-shardjob/internal/pkg/utils/etcdhelper"
)

type fooType struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func newFooPrefix() etcdop.PrefixT[fooType] {
	return etcdop.NewTypedPrefix[fooType]("my/prefix", serde.NewJSON(func(_ context.Context, value any) error {
		if v, ok := value.(*fooType); ok && v.Name == "" {
			return errors.New("name is required")
		}
		return nil
	}))
}

func TestKey(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := etcdhelper.ClientForTest(t)
	k := etcdop.NewKey("foo/bar")

	found, err := k.Exists(client).Do(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	kv, err := k.Get(client).Do(ctx)
	require.NoError(t, err)
	assert.Nil(t, kv)

	require.NoError(t, k.Put(client, "value1").Do(ctx))
	ok, err := k.PutIfNotExists(client, "value2").Do(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	kv, err = k.Get(client).Do(ctx)
	require.NoError(t, err)
	require.NotNil(t, kv)
	assert.Equal(t, "value1", string(kv.Value))

	etcdhelper.AssertKVsString(t, client, `
<<<<<
foo/bar
-----
value1
>>>>>
`)

	deleted, err := k.Delete(client).Do(ctx)
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = k.DeleteIfExists(client).Do(ctx)
	require.NoError(t, err)
	assert.False(t, deleted)
	etcdhelper.AssertKVsString(t, client, ``)
}

func TestTypedKeyAndPrefix(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := etcdhelper.ClientForTest(t)
	pfx := newFooPrefix()

	_, err := pfx.Key("1").Put(client, fooType{Name: "one", Count: 1}).Do(ctx)
	require.NoError(t, err)
	_, err = pfx.Key("2").Put(client, fooType{Name: "two", Count: 2}).Do(ctx)
	require.NoError(t, err)

	// Validation error
	_, err = pfx.Key("3").Put(client, fooType{}).Do(ctx)
	require.Error(t, err)
	assert.Equal(t, `invalid value for "my/prefix/3": name is required`, err.Error())

	ok, err := pfx.Key("2").PutIfNotExists(client, fooType{Name: "other"}).Do(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	kv, err := pfx.Key("2").Get(client).Do(ctx)
	require.NoError(t, err)
	require.NotNil(t, kv)
	assert.Equal(t, fooType{Name: "two", Count: 2}, kv.Value)

	all, err := pfx.GetAll(client).Do(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "one", all[0].Value.Name)
	assert.Equal(t, "two", all[1].Value.Name)

	count, err := pfx.Count(client).Do(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	etcdhelper.AssertKVsString(t, client, `
<<<<<
my/prefix/1
-----
{
  "name": "one",
  "count": 1
}
>>>>>

<<<<<
my/prefix/2
-----
{
  "name": "two",
  "count": 2
}
>>>>>
`)

	// Invalid stored value
	_, err = client.Put(ctx, "my/prefix/3", "{}")
	require.NoError(t, err)
	_, err = pfx.GetAll(client).Do(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid value for "my/prefix/3": name is required`)

	count, err = pfx.DeleteAll(client).Do(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
	etcdhelper.AssertKVsString(t, client, ``)
}

func TestTxnOp(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client := etcdhelper.ClientForTest(t)
	pfx := newFooPrefix()
	guard := etcdop.NewKey("guard")

	txn := op.NewTxnOp(client).
		If(etcd.Compare(etcd.Version(guard.Key()), "=", 0)).
		Then(pfx.Key("1").Put(client, fooType{Name: "one"}), guard.Put(client, "1")).
		Else(guard.Get(client))

	result, err := txn.Do(ctx)
	require.NoError(t, err)
	assert.True(t, result.Succeeded)
	assert.Len(t, result.Results, 2)

	// The guard now exists, so the else branch is executed
	result, err = txn.Do(ctx)
	require.NoError(t, err)
	assert.False(t, result.Succeeded)
	require.Len(t, result.Results, 1)
	kv, ok := result.Results[0].(*op.KeyValue)
	require.True(t, ok)
	assert.Equal(t, "1", string(kv.Value))

	// Merged operations without conditions
	result, err = op.MergeToTxn(client, guard.Delete(client), pfx.Key("2").Put(client, fooType{Name: "two"})).Do(ctx)
	require.NoError(t, err)
	assert.True(t, result.Succeeded)
	assert.Equal(t, true, result.Results[0])

	etcdhelper.AssertKeys(t, client, []string{"my/prefix/1", "my/prefix/2"})
}

func TestPrefix_WatchWithRestart(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	wg := &sync.WaitGroup{}
	client := etcdhelper.ClientForTest(t)
	pfx := etcdop.NewPrefix("watched")

	watchCtx, watchCancel := context.WithCancel(ctx)
	stream := pfx.WatchWithRestart(watchCtx, wg, log.NewNopLogger(), client)

	created := <-stream
	assert.True(t, created.Created)
	assert.False(t, created.Restarted)

	require.NoError(t, pfx.Key("a").Put(client, "1").Do(ctx))
	require.NoError(t, pfx.Key("a").Put(client, "2").Do(ctx))
	_, err := pfx.Key("a").Delete(client).Do(ctx)
	require.NoError(t, err)

	var types []etcdop.EventType
	for len(types) < 3 {
		resp := <-stream
		for _, e := range resp.Events {
			types = append(types, e.Type)
		}
	}
	assert.Equal(t, []etcdop.EventType{etcdop.CreateEvent, etcdop.UpdateEvent, etcdop.DeleteEvent}, types)

	// The stream is closed on cancel
	watchCancel()
	wg.Wait()
	_, open := <-stream
	assert.False(t, open)
}

func TestKeyT_Mirror(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	wg := &sync.WaitGroup{}
	client := etcdhelper.ClientForTest(t)
	key := newFooPrefix().Key("mirrored")

	changes := make(chan *fooType, 10)
	mirror, err := key.Mirror(ctx, wg, log.NewNopLogger(), client, func(v *fooType) {
		changes <- v
	})
	require.NoError(t, err)
	assert.Nil(t, <-changes)
	assert.Nil(t, mirror.Get())

	_, err = key.Put(client, fooType{Name: "foo", Count: 1}).Do(ctx)
	require.NoError(t, err)
	assert.Equal(t, &fooType{Name: "foo", Count: 1}, <-changes)
	assert.Equal(t, &fooType{Name: "foo", Count: 1}, mirror.Get())
	assert.Positive(t, mirror.Revision())

	_, err = key.Delete(client).Do(ctx)
	require.NoError(t, err)
	assert.Nil(t, <-changes)
	assert.Nil(t, mirror.Get())

	cancel()
	wg.Wait()
}
