package cli_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keboola/keboola-shardjob/internal/pkg/log"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/common/servicectx"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/cli"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/config"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/dependencies"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/operator"
	"github.com/keboola/keboola-shardjob/internal/pkg/telemetry"
	"github.com/keboola/keboola-shardjob/internal/pkg/utils/etcdhelper"
)

func TestCLI_AdminCommands(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	d := dependencies.NewMockedServiceScope(t)
	factory := func(context.Context, *servicectx.Process, log.Logger, telemetry.Telemetry, config.Config) (dependencies.ServiceScope, error) {
		return d, nil
	}

	jobFile := filepath.Join(t.TempDir(), "jobs.yaml")
	require.NoError(t, os.WriteFile(jobFile, []byte(`
jobs:
  - jobName: my-job
    schedule: "@every 1m"
    shardingTotalCount: 2
    shardingItemParameters: "0=a,1=b"
`), 0o600))

	run := func(args ...string) (string, error) {
		var stdout, stderr bytes.Buffer
		cmd := cli.NewRootCommand(cli.WithOutput(&stdout, &stderr), cli.WithDepsFactory(factory))
		cmd.SetArgs(append(args, "--env-file", "", "--etcd-endpoint", "localhost:2379", "--etcd-namespace", "test", "--job-file", jobFile))
		err := cmd.ExecuteContext(ctx)
		return stdout.String(), err
	}

	out, err := run("setup")
	require.NoError(t, err)
	assert.Equal(t, "job \"my-job\": schedule \"@every 1m\", 2 items\n", out)

	out, err = run("trigger", "my-job")
	require.NoError(t, err)
	assert.Equal(t, "triggered 0 instance(s)\n", out)

	out, err = run("server", "disable", "my-job", "host-1")
	require.NoError(t, err)
	assert.Equal(t, "server \"host-1\" disabled\n", out)

	out, err = run("item", "disable", "my-job", "1")
	require.NoError(t, err)
	assert.Equal(t, "item 1 disabled\n", out)

	_, err = run("item", "disable", "my-job", "5")
	require.Error(t, err)
	assert.Equal(t, "item 5 is out of range, the job has 2 items", err.Error())

	_, err = run("item", "disable", "my-job", "abc")
	require.Error(t, err)
	assert.Equal(t, `invalid item "abc", expected a non-negative number`, err.Error())

	out, err = run("status", "my-job")
	require.NoError(t, err)
	assert.Contains(t, out, `Job "my-job"`)
	assert.Contains(t, out, "type: SIMPLE, schedule: @every 1m, items: 2, strategy: AVG_ALLOCATION")
	assert.Contains(t, out, "leader: -")
	assert.Contains(t, out, "resharding requested")
	assert.Contains(t, out, "Disabled items: 1")

	out, err = run("status", "my-job", "--json")
	require.NoError(t, err)
	var status operator.Status
	require.NoError(t, jsoniter.ConfigCompatibleWithStandardLibrary.UnmarshalFromString(out, &status))
	assert.Equal(t, "my-job", status.Config.JobName)
	assert.Equal(t, "a", mustItemParameters(t, status)[0])
	assert.True(t, status.Servers["host-1"].Disabled)
	assert.Equal(t, []int{1}, status.DisabledItems)

	out, err = run("item", "enable", "my-job", "1")
	require.NoError(t, err)
	assert.Equal(t, "item 1 enabled\n", out)

	out, err = run("reshard", "my-job")
	require.NoError(t, err)
	assert.Equal(t, "resharding requested\n", out)

	out, err = run("config")
	require.NoError(t, err)
	assert.Contains(t, out, "endpoint: localhost:2379")
	assert.Contains(t, out, "namespace: test/")

	out, err = run("remove", "my-job")
	require.NoError(t, err)
	assert.Equal(t, "job removed\n", out)
	etcdhelper.AssertKeys(t, d.TestEtcdClient(), nil)
}

func TestCLI_MissingJobFile(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	cmd := cli.NewRootCommand(cli.WithOutput(&stdout, &stderr))
	cmd.SetArgs([]string{"setup", "--env-file", "", "--etcd-endpoint", "localhost:2379", "--etcd-namespace", "test"})
	err := cmd.ExecuteContext(context.Background())
	require.Error(t, err)
	assert.Equal(t, `job file is not set, use the "--job-file" flag`, err.Error())
}

func mustItemParameters(t *testing.T, status operator.Status) map[int]string {
	t.Helper()
	params, err := status.Config.ItemParameters()
	require.NoError(t, err)
	return params
}
