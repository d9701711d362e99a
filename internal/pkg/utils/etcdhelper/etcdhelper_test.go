package etcdhelper_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	etcd "go.etcd.io/etcd/client/v3"

	"github.com/keboola/keboola-shardjob/internal/pkg/log"
	"github.com/keboola/keboola-shardjob/internal/pkg/utils/etcdhelper"
)

func TestDumpAndAssert(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	logger := log.NewDebugLogger()
	client := etcdhelper.ClientForTest(t, etcdhelper.WithOpLogs(logger))

	_, err := client.Put(ctx, "key1", "value1")
	require.NoError(t, err)
	_, err = client.Put(ctx, "key2/sub", `{"foo":"bar","list":[1,2]}`)
	require.NoError(t, err)
	lease, err := client.Grant(ctx, 60)
	require.NoError(t, err)
	_, err = client.Put(ctx, "key3", "ephemeral", etcd.WithLease(lease.ID))
	require.NoError(t, err)

	dump, err := etcdhelper.DumpAllToString(ctx, client)
	require.NoError(t, err)
	expected := `
<<<<<
key1
-----
value1
>>>>>

<<<<<
key2/sub
-----
{
  "foo": "bar",
  "list": [
    1,
    2
  ]
}
>>>>>

<<<<<
key3 (lease)
-----
ephemeral
>>>>>
`
	assert.Equal(t, strings.TrimLeft(expected, "\n"), dump)
	etcdhelper.AssertKVsString(t, client, expected)
	etcdhelper.AssertKVsString(t, client, `
<<<<<
key2/%s
-----
%A
>>>>>
`, etcdhelper.WithIgnoredKeyPattern("^key1$"), etcdhelper.WithIgnoredKeyPattern("^key3$"))
	etcdhelper.AssertKeys(t, client, []string{"key1", "key2/sub", "key3"})

	keys, err := etcdhelper.DumpAllKeys(ctx, client)
	require.NoError(t, err)
	assert.Equal(t, []string{"key1", "key2/sub", "key3"}, keys)

	logger.AssertJSONMessages(t, `{"level":"debug","message":"ETCD_REQUEST[0001] PUT \"key1\" | rev: %d","component":"etcd.kv"}`)
}

func TestParseDump(t *testing.T) {
	t.Parallel()

	kvs := etcdhelper.ParseDump(`
<<<<<
foo (lease)
-----
bar
>>>>>

<<<<<
multi/line
-----
a
b
>>>>>
`)
	assert.Equal(t, []etcdhelper.KV{
		{Key: "foo", Value: "bar", Lease: 1},
		{Key: "multi/line", Value: "a\nb"},
	}, kvs)
}
