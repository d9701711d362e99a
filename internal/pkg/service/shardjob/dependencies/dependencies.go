// Package dependencies provides dependencies for the sharded job service.
//
// Dependency containers:
//   - [ServiceScope] interface provides dependencies shared by all jobs of the process, see [NewServiceScope].
//   - [Mocked] interface provides mocked [ServiceScope] for tests, see [NewMockedServiceScope].
package dependencies

import (
	"context"
	"testing"

	"github.com/keboola/keboola-shardjob/internal/pkg/log"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/common/dependencies"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/common/etcdclient"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/common/servicectx"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/definition"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/schema"
	"github.com/keboola/keboola-shardjob/internal/pkg/telemetry"
)

type ServiceScope interface {
	dependencies.BaseScope
	dependencies.EtcdClientScope
	Schema() *schema.Schema
}

type Mocked interface {
	ServiceScope
	dependencies.MockControl
}

type serviceScope struct {
	dependencies.BaseScope
	dependencies.EtcdClientScope
	schema *schema.Schema
}

type mocked struct {
	dependencies.Mocked
	schema *schema.Schema
}

func NewServiceScope(ctx context.Context, proc *servicectx.Process, logger log.Logger, tel telemetry.Telemetry, etcdCfg etcdclient.Config) (v ServiceScope, err error) {
	ctx, span := tel.Tracer().Start(ctx, "keboola.go.shardjob.dependencies.NewServiceScope")
	defer span.End(&err)

	baseScope := dependencies.NewBaseScope(logger, tel, nil, proc, definition.NewValidator())

	etcdScope, err := dependencies.NewEtcdClientScope(ctx, baseScope, etcdCfg)
	if err != nil {
		return nil, err
	}

	return &serviceScope{
		BaseScope:       baseScope,
		EtcdClientScope: etcdScope,
		schema:          schema.New(baseScope.Validator().Validate),
	}, nil
}

func NewMockedServiceScope(t *testing.T, opts ...dependencies.MockedOption) Mocked {
	t.Helper()
	opts = append([]dependencies.MockedOption{dependencies.WithValidator(definition.NewValidator())}, opts...)
	d := dependencies.NewMocked(t, opts...)
	return &mocked{Mocked: d, schema: schema.New(d.Validator().Validate)}
}

func (v *serviceScope) Schema() *schema.Schema {
	return v.schema
}

func (v *mocked) Schema() *schema.Schema {
	return v.schema
}
