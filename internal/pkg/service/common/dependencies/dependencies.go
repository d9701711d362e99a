// Package dependencies holds shared services of a process, passed to components as one value.
//
// A component declares a small interface with only the methods it calls,
// a scope satisfies it implicitly:
//   - [BaseScope]: logger, telemetry, clock, validator and the process, see [NewBaseScope].
//   - [EtcdClientScope]: connected etcd client and the JSON serde, see [NewEtcdClientScope].
//   - [Mocked]: both scopes for tests, backed by an embedded etcd, see [NewMocked].
package dependencies

import (
	"github.com/jonboulle/clockwork"
	etcdPkg "go.etcd.io/etcd/client/v3"

	"github.com/keboola/keboola-shardjob/internal/pkg/log"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/common/etcdop/serde"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/common/servicectx"
	"github.com/keboola/keboola-shardjob/internal/pkg/telemetry"
	"github.com/keboola/keboola-shardjob/internal/pkg/validator"
)

type BaseScope interface {
	Logger() log.Logger
	Telemetry() telemetry.Telemetry
	Clock() clockwork.Clock
	Validator() *validator.Validator
	Process() *servicectx.Process
}

// EtcdClientScope is available after the etcd connection has been checked.
type EtcdClientScope interface {
	EtcdClient() *etcdPkg.Client
	EtcdSerde() *serde.Serde
}

type Mocked interface {
	BaseScope
	EtcdClientScope
	MockControl
}

// MockControl exposes the test doubles behind the scopes.
type MockControl interface {
	DebugLogger() log.DebugLogger
	TestTelemetry() telemetry.ForTest
	TestEtcdClient() *etcdPkg.Client
}
