package dependencies

import (
	"context"

	etcdPkg "go.etcd.io/etcd/client/v3"

	"github.com/keboola/keboola-shardjob/internal/pkg/service/common/etcdclient"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/common/etcdop/serde"
)

// etcdClientScope implements EtcdClientScope interface.
type etcdClientScope struct {
	client *etcdPkg.Client
	serde  *serde.Serde
}

func NewEtcdClientScope(ctx context.Context, d BaseScope, cfg etcdclient.Config) (EtcdClientScope, error) {
	return newEtcdClientScope(ctx, d, cfg)
}

func newEtcdClientScope(ctx context.Context, d BaseScope, cfg etcdclient.Config) (*etcdClientScope, error) {
	ctx, span := d.Telemetry().Tracer().Start(ctx, "keboola.go.common.dependencies.NewEtcdClientScope")
	var err error
	defer span.End(&err)

	client, err := etcdclient.New(ctx, d.Process(), d.Telemetry(), d.Logger(), cfg)
	if err != nil {
		return nil, err
	}

	return newEtcdClientScopeFromClient(d, client), nil
}

func newEtcdClientScopeFromClient(d BaseScope, client *etcdPkg.Client) *etcdClientScope {
	return &etcdClientScope{
		client: client,
		serde:  serde.NewJSON(d.Validator().Validate),
	}
}

func (v *etcdClientScope) EtcdClient() *etcdPkg.Client {
	return v.client
}

func (v *etcdClientScope) EtcdSerde() *serde.Serde {
	return v.serde
}
