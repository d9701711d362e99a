// Package etcdhelper provides an embedded etcd cluster and state assertions for tests.
package etcdhelper

import (
	"fmt"
	"testing"

	etcd "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/namespace"
	"go.etcd.io/etcd/tests/v3/integration"

	"github.com/keboola/keboola-shardjob/internal/pkg/idgenerator"
	"github.com/keboola/keboola-shardjob/internal/pkg/log"
)

type forTestConfig struct {
	useBridge bool
	logger    log.Logger
}

type ForTestOption func(c *forTestConfig)

// WithBridge allows dropping connections, see ClusterForTest.
func WithBridge() ForTestOption {
	return func(c *forTestConfig) {
		c.useBridge = true
	}
}

// WithOpLogs logs each KV operation as a debug message.
func WithOpLogs(logger log.Logger) ForTestOption {
	return func(c *forTestConfig) {
		c.logger = logger
	}
}

// ClientForTest starts an embedded single node etcd cluster and returns a client prefixed by a random namespace.
// The cluster is terminated when the test ends.
func ClientForTest(t *testing.T, opts ...ForTestOption) *etcd.Client {
	t.Helper()
	_, client := ClusterForTest(t, opts...)
	return client
}

func ClusterForTest(t *testing.T, opts ...ForTestOption) (*integration.ClusterV3, *etcd.Client) {
	t.Helper()

	cfg := forTestConfig{}
	for _, o := range opts {
		o(&cfg)
	}

	integration.BeforeTestExternal(t)
	cluster := integration.NewClusterV3(t, &integration.ClusterConfig{Size: 1, UseBridge: cfg.useBridge})
	t.Cleanup(func() {
		cluster.Terminate(t)
	})
	cluster.WaitLeader(t)

	client := cluster.Client(0)
	UseNamespace(client, fmt.Sprintf("unit-%s/", idgenerator.EtcdNamespaceForTest()))
	if cfg.logger != nil {
		client.KV = KVLogWrapper(client.KV, cfg.logger)
	}

	return cluster, client
}

// UseNamespace prefixes all operations of the client.
func UseNamespace(client *etcd.Client, prefix string) {
	client.KV = namespace.NewKV(client.KV, prefix)
	client.Watcher = namespace.NewWatcher(client.Watcher, prefix)
	client.Lease = namespace.NewLease(client.Lease, prefix)
}
