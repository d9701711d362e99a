package dependencies

import (
	"testing"

	"github.com/jonboulle/clockwork"
	etcdPkg "go.etcd.io/etcd/client/v3"

	"github.com/keboola/keboola-shardjob/internal/pkg/log"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/common/servicectx"
	"github.com/keboola/keboola-shardjob/internal/pkg/telemetry"
	"github.com/keboola/keboola-shardjob/internal/pkg/utils/etcdhelper"
	"github.com/keboola/keboola-shardjob/internal/pkg/validator"
)

// mocked dependencies container implements Mocked interface.
type mocked struct {
	*baseScope
	*etcdClientScope
	config         *MockedConfig
	testEtcdClient *etcdPkg.Client
}

type MockedConfig struct {
	clock       clockwork.Clock
	telemetry   telemetry.ForTest
	debugLogger log.DebugLogger
	etcdClient  *etcdPkg.Client
	validator   *validator.Validator
	procOpts    []servicectx.Option
}

type MockedOption func(c *MockedConfig)

func WithClock(v clockwork.Clock) MockedOption {
	return func(c *MockedConfig) {
		c.clock = v
	}
}

func WithDebugLogger(v log.DebugLogger) MockedOption {
	return func(c *MockedConfig) {
		c.debugLogger = v
	}
}

// WithValidator sets validator with custom rules.
func WithValidator(v *validator.Validator) MockedOption {
	return func(c *MockedConfig) {
		c.validator = v
	}
}

func WithTelemetry(v telemetry.ForTest) MockedOption {
	return func(c *MockedConfig) {
		c.telemetry = v
	}
}

// WithEtcdClient shares one etcd cluster between more mocked containers,
// each container then represents one process.
func WithEtcdClient(v *etcdPkg.Client) MockedOption {
	return func(c *MockedConfig) {
		c.etcdClient = v
	}
}

func WithUniqueID(v string) MockedOption {
	return WithProcessOptions(servicectx.WithUniqueID(v))
}

func WithProcessOptions(opts ...servicectx.Option) MockedOption {
	return func(c *MockedConfig) {
		c.procOpts = append(c.procOpts, opts...)
	}
}

func NewMocked(t *testing.T, opts ...MockedOption) Mocked {
	t.Helper()

	cfg := &MockedConfig{
		clock:     clockwork.NewRealClock(),
		telemetry: telemetry.NewForTest(),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.debugLogger == nil {
		cfg.debugLogger = log.NewDebugLogger()
	}
	if cfg.etcdClient == nil {
		cfg.etcdClient = etcdhelper.ClientForTest(t)
	}

	// The process is stopped by the test cleanup, before the etcd cluster is terminated
	proc := servicectx.NewForTest(t, cfg.procOpts...)

	d := &mocked{config: cfg, testEtcdClient: cfg.etcdClient}
	d.baseScope = newBaseScope(cfg.debugLogger, cfg.telemetry, cfg.clock, proc, cfg.validator)
	d.etcdClientScope = newEtcdClientScopeFromClient(d, cfg.etcdClient)

	return d
}

func (v *mocked) DebugLogger() log.DebugLogger {
	return v.config.debugLogger
}

func (v *mocked) TestTelemetry() telemetry.ForTest {
	return v.config.telemetry
}

func (v *mocked) TestEtcdClient() *etcdPkg.Client {
	return v.testEtcdClient
}
