// Package configstore persists the job configuration and provides its cached copy.
package configstore

import (
	"context"
	"sync"

	etcd "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel/attribute"

	"github.com/keboola/keboola-shardjob/internal/pkg/log"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/common/etcdop"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/common/etcdop/op"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/definition"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/joberrors"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/schema"
	"github.com/keboola/keboola-shardjob/internal/pkg/telemetry"
	"github.com/keboola/keboola-shardjob/internal/pkg/utils/errors"
)

type Store struct {
	jobName   string
	logger    log.Logger
	telemetry telemetry.Telemetry
	client    *etcd.Client
	key       etcdop.KeyT[definition.JobConfiguration]

	lock   *sync.Mutex
	mirror *etcdop.KeyMirror[definition.JobConfiguration]
}

type NotFoundError struct {
	JobName string
}

func (e NotFoundError) Error() string {
	return `job "` + e.JobName + `" not found`
}

type dependencies interface {
	Logger() log.Logger
	Telemetry() telemetry.Telemetry
	EtcdClient() *etcd.Client
	Schema() *schema.Schema
}

func New(d dependencies, jobName string) *Store {
	return &Store{
		jobName:   jobName,
		logger:    d.Logger().WithComponent("config").With(attribute.String("job", jobName)),
		telemetry: d.Telemetry(),
		client:    d.EtcdClient(),
		key:       d.Schema().Job(jobName).Config(),
		lock:      &sync.Mutex{},
	}
}

// SetUp persists the configuration honoring the overwrite policy.
// If the configuration already exists and overwrite is false, the existing definition wins and it is returned.
// Redefinition of an existing job with a different type is a ConfigurationConflictError, the registry is left unchanged.
func (s *Store) SetUp(ctx context.Context, cfg definition.JobConfiguration) (result definition.JobConfiguration, err error) {
	ctx, span := s.telemetry.Tracer().Start(ctx, "keboola.go.shardjob.configstore.SetUp")
	defer span.End(&err)

	if cfg.JobName != s.jobName {
		return result, errors.Errorf(`unexpected job name "%s", expected "%s"`, cfg.JobName, s.jobName)
	}

	cfg.Normalize()
	if err := cfg.Validate(ctx); err != nil {
		return result, errors.PrefixErrorf(err, `invalid configuration of the job "%s"`, s.jobName)
	}

	existing, err := s.key.Get(s.client).Do(ctx)
	if err != nil {
		return result, joberrors.WrapConnectivity(err)
	}

	txn := op.NewTxnOp(s.client)
	if existing == nil {
		txn.If(etcd.Compare(etcd.Version(s.key.Key()), "=", 0))
	} else {
		if existing.Value.Type != cfg.Type {
			return result, joberrors.ConfigurationConflictError{
				JobName:      s.jobName,
				ExistingType: string(existing.Value.Type),
				NewType:      string(cfg.Type),
			}
		}
		if !cfg.Overwrite {
			s.logger.Infof(ctx, `job configuration already exists, overwrite is disabled`)
			return existing.Value, nil
		}
		txn.If(etcd.Compare(etcd.ModRevision(s.key.Key()), "=", existing.Kv.ModRevision))
	}

	txnResult, err := txn.Then(s.key.Put(s.client, cfg)).Do(ctx)
	if err != nil {
		return result, joberrors.WrapConnectivity(err)
	}
	if !txnResult.Succeeded {
		return result, errors.Errorf(`job "%s" configuration has been modified concurrently, try again`, s.jobName)
	}

	s.logger.Infof(ctx, `job configuration saved`)
	return cfg, nil
}

// Load returns the configuration.
// If fromCache is true and the cache is started and filled, the cached value is returned without a registry read.
func (s *Store) Load(ctx context.Context, fromCache bool) (definition.JobConfiguration, error) {
	if fromCache {
		s.lock.Lock()
		mirror := s.mirror
		s.lock.Unlock()
		if mirror != nil {
			if cfg := mirror.Get(); cfg != nil {
				return *cfg, nil
			}
		}
	}

	kv, err := s.key.Get(s.client).Do(ctx)
	if err != nil {
		return definition.JobConfiguration{}, joberrors.WrapConnectivity(err)
	}
	if kv == nil {
		return definition.JobConfiguration{}, NotFoundError{JobName: s.jobName}
	}
	return kv.Value, nil
}

// Delete removes the configuration, the runtime state of the job is not affected.
func (s *Store) Delete(ctx context.Context) (bool, error) {
	deleted, err := s.key.Delete(s.client).Do(ctx)
	return deleted, joberrors.WrapConnectivity(err)
}

// StartCache starts watching of the configuration.
// The onChange callback is invoked with the previous and the new value, when the configuration is modified.
// Callbacks are invoked sequentially from the watch goroutine.
func (s *Store) StartCache(ctx context.Context, wg *sync.WaitGroup, onChange func(old, updated *definition.JobConfiguration)) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.mirror != nil {
		return errors.New("config cache is already started")
	}

	// The first call comes from the initial load
	initialized := false
	var last *definition.JobConfiguration
	mirror, err := s.key.Mirror(ctx, wg, s.logger, s.client, func(value *definition.JobConfiguration) {
		old := last
		last = value
		if onChange != nil && initialized {
			onChange(old, value)
		}
		initialized = true
	})
	if err != nil {
		return joberrors.WrapConnectivity(err)
	}

	s.mirror = mirror
	return nil
}
