package config_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/config"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/definition"
)

func TestDump_Default(t *testing.T) {
	t.Parallel()

	out, err := config.Dump(config.New())
	require.NoError(t, err)
	assert.Equal(t, strings.TrimSpace(`
# Enable logging at DEBUG level.
debug-log: false
# Log format, json or console.
log-format: json
# Unique ID of the job instance, generated if empty.
node-id: ""
# Host name of the server, detected if empty.
hostname: ""
# Path to the YAML file with job definitions.
job-file: ""
# Prometheus scraping metrics listen address, disabled if empty.
metrics-listen: 0.0.0.0:9000
etcd:
  # Etcd endpoint.
  endpoint: ""
  # Etcd namespace, prefix of all keys.
  namespace: ""
  # Etcd username.
  username: ""
  # Etcd password.
  password: ""
  # Etcd connect timeout.
  connect-timeout: 30s
  # Etcd keep alive timeout.
  keep-alive-timeout: 5s
  # Etcd keep alive interval.
  keep-alive-interval: 10s
  # Log each etcd operation as a debug message.
  debug-log: false
node:
  # Seconds after the registration of a crashed instance expires.
  session-ttl-seconds: 15
  # Interval for grouping of topology changes.
  events-group-interval: 100ms
  # Max items executed at once by the instance, 0 means no limit.
  max-concurrent-items: 0
  # Start with the server excluded from the assignment.
  server-disabled: false
  guarantee:
    # Max wait for all items to start, 0 means no limit.
    started-timeout: 0s
    # Max wait for all items to complete, 0 means no limit.
    completed-timeout: 0s
`), strings.TrimSpace(string(out)))
}

func TestDump_SensitiveValue(t *testing.T) {
	t.Parallel()

	cfg := config.New()
	cfg.Etcd.Password = "secret"
	out, err := config.Dump(cfg)
	require.NoError(t, err)
	assert.Contains(t, string(out), `password: '*****'`)
	assert.NotContains(t, string(out), "secret")
}

func TestGenerateFlags(t *testing.T) {
	t.Parallel()

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	config.GenerateFlags(fs)

	flag := fs.Lookup("node-guarantee-started-timeout")
	require.NotNil(t, flag)
	assert.Equal(t, "duration", flag.Value.Type())
	assert.Equal(t, "Max wait for all items to start, 0 means no limit. ENV: SHARDJOB_NODE_GUARANTEE_STARTED_TIMEOUT", flag.Usage)

	flag = fs.Lookup("etcd-keep-alive-interval")
	require.NotNil(t, flag)
	assert.Equal(t, "10s", flag.DefValue)

	assert.NotNil(t, fs.Lookup(config.ConfigFileFlag))
	assert.NotNil(t, fs.Lookup(config.EnvFileFlag))
}

func TestBind_Sources(t *testing.T) {
	dir := t.TempDir()

	configFile := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte(`
log-format: console
etcd:
  endpoint: localhost:2379/
  namespace: /shardjob
  username: from-file
node:
  session-ttl-seconds: 20
  events-group-interval: 1s
`), 0o600))

	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("SHARDJOB_NODE_ID=from-env-file\nSHARDJOB_ETCD_USERNAME=from-env-file\n"), 0o600))
	t.Cleanup(func() {
		_ = os.Unsetenv("SHARDJOB_NODE_ID")
	})

	t.Setenv("SHARDJOB_ETCD_USERNAME", "from-env")
	t.Setenv("SHARDJOB_NODE_SESSION_TTL_SECONDS", "30")
	t.Setenv("SHARDJOB_NODE_MAX_CONCURRENT_ITEMS", "5")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	config.GenerateFlags(fs)
	require.NoError(t, fs.Parse([]string{
		"--config-file", configFile,
		"--env-file", envFile,
		"--node-max-concurrent-items", "2",
		"--node-guarantee-started-timeout", "5s",
	}))

	cfg, err := config.Bind(context.Background(), fs, definition.NewValidator())
	require.NoError(t, err)

	// Default
	assert.Equal(t, 30*time.Second, cfg.Etcd.ConnectTimeout)
	assert.Equal(t, config.DefaultMetricsListen, cfg.MetricsListen)
	// File
	assert.Equal(t, "console", cfg.LogFormat)
	assert.Equal(t, "localhost:2379", cfg.Etcd.Endpoint)
	assert.Equal(t, "shardjob/", cfg.Etcd.Namespace)
	assert.Equal(t, time.Second, cfg.Node.EventsGroupInterval)
	// ENV overrides the file, the ENV file does not override ENV
	assert.Equal(t, "from-env", cfg.Etcd.Username)
	assert.Equal(t, 30, cfg.Node.SessionTTLSeconds)
	assert.Equal(t, "from-env-file", cfg.NodeID)
	// Flag overrides ENV
	assert.Equal(t, 2, cfg.Node.MaxConcurrentItems)
	assert.Equal(t, 5*time.Second, cfg.Node.Guarantee.StartedTimeout)
}

func TestBind_Invalid(t *testing.T) {
	t.Parallel()

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	config.GenerateFlags(fs)
	require.NoError(t, fs.Parse([]string{"--env-file", "", "--log-format", "xml"}))

	_, err := config.Bind(context.Background(), fs, definition.NewValidator())
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "invalid configuration"), err.Error())
}

func TestBind_MissingEnvFile(t *testing.T) {
	t.Parallel()

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	config.GenerateFlags(fs)
	require.NoError(t, fs.Parse([]string{"--env-file", filepath.Join(t.TempDir(), "missing.env")}))

	_, err := config.Bind(context.Background(), fs, definition.NewValidator())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing.env\" not found")
}
