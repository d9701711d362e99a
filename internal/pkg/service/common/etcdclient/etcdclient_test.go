package etcdclient

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keboola/keboola-shardjob/internal/pkg/log"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/common/servicectx"
	"github.com/keboola/keboola-shardjob/internal/pkg/telemetry"
)

func TestConfig_Normalize(t *testing.T) {
	t.Parallel()

	cfg := NewConfig()
	cfg.Endpoint = " localhost:2379/ "
	cfg.Namespace = "/shardjob"
	cfg.Normalize()
	assert.Equal(t, "localhost:2379", cfg.Endpoint)
	assert.Equal(t, "shardjob/", cfg.Namespace)
}

func TestNew_InvalidConfig(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	proc := servicectx.NewForTest(t)

	cfg := NewConfig()
	_, err := New(ctx, proc, telemetry.NewNop(), log.NewNopLogger(), cfg)
	require.Error(t, err)
	assert.Equal(t, "etcd endpoint is not set", err.Error())

	cfg.Endpoint = "localhost:2379"
	_, err = New(ctx, proc, telemetry.NewNop(), log.NewNopLogger(), cfg)
	require.Error(t, err)
	assert.Equal(t, "etcd namespace is not set", err.Error())
}
