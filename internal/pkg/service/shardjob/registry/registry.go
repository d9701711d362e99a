// Package registry registers job instances and their servers.
//
// An instance is bound to the session lease, so it disappears when the process stops or loses the connection.
// A server state is persistent, the disabled flag survives restarts of the instances running on the host.
package registry

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	etcd "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.opentelemetry.io/otel/attribute"

	"github.com/keboola/keboola-shardjob/internal/pkg/log"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/common/etcdop"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/common/etcdop/op"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/joberrors"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/model"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/schema"
	"github.com/keboola/keboola-shardjob/internal/pkg/utils/errors"
)

type Registry struct {
	jobName string
	logger  log.Logger
	clock   clockwork.Clock
	client  *etcd.Client
	schema  schema.Job

	lock    *sync.RWMutex
	session *concurrency.Session
	self    *model.Instance
}

type dependencies interface {
	Logger() log.Logger
	Clock() clockwork.Clock
	EtcdClient() *etcd.Client
	Schema() *schema.Schema
}

type NotRegisteredError struct{}

func (e NotRegisteredError) Error() string {
	return "the instance is not registered"
}

func New(d dependencies, jobName string) *Registry {
	return &Registry{
		jobName: jobName,
		logger:  d.Logger().WithComponent("registry").With(attribute.String("job", jobName)),
		clock:   d.Clock(),
		client:  d.EtcdClient(),
		schema:  d.Schema().Job(jobName),
		lock:    &sync.RWMutex{},
	}
}

// Register writes the instance with the session lease.
// The server state is created if it is missing, an existing disabled flag set by an operator is kept,
// unless the disabled argument is true.
func (r *Registry) Register(ctx context.Context, session *concurrency.Session, instance model.Instance, disabled bool) error {
	if instance.RegisteredAt.IsZero() {
		instance.RegisteredAt = r.clock.Now().UTC()
	}

	server := r.schema.Servers().Key(instance.Host)
	txn := op.MergeToTxn(r.client, r.schema.Instances().Key(instance.InstanceID.String()).Put(r.client, instance, etcd.WithLease(session.Lease())))
	if disabled {
		txn.Then(server.Put(r.client, model.ServerState{Host: instance.Host, Disabled: true}))
	} else {
		txn.Then(server.PutIfNotExists(r.client, model.ServerState{Host: instance.Host}))
	}

	if _, err := txn.Do(ctx); err != nil {
		return joberrors.WrapConnectivity(errors.PrefixErrorf(err, `cannot register instance "%s"`, instance.InstanceID))
	}

	r.lock.Lock()
	r.session = session
	r.self = &instance
	r.lock.Unlock()

	r.logger.Infof(ctx, `registered instance "%s" on host "%s"`, instance.InstanceID, instance.Host)
	return nil
}

// Unregister removes the instance record, the server state is kept.
func (r *Registry) Unregister(ctx context.Context) error {
	r.lock.Lock()
	self := r.self
	r.self = nil
	r.session = nil
	r.lock.Unlock()

	if self == nil {
		return nil
	}

	if _, err := r.schema.Instances().Key(self.InstanceID.String()).Delete(r.client).Do(ctx); err != nil {
		return joberrors.WrapConnectivity(err)
	}

	r.logger.Infof(ctx, `unregistered instance "%s"`, self.InstanceID)
	return nil
}

// Session returns the session of the last registration.
func (r *Registry) Session() (*concurrency.Session, error) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	if r.session == nil {
		return nil, NotRegisteredError{}
	}
	return r.session, nil
}

// Self returns the registered instance, false if the instance is not registered.
func (r *Registry) Self() (model.Instance, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	if r.self == nil {
		return model.Instance{}, false
	}
	return *r.self, true
}

// LiveInstances returns all instances with a valid session lease, sorted by the ID.
func (r *Registry) LiveInstances(ctx context.Context) ([]model.Instance, error) {
	kvs, err := r.schema.Instances().GetAll(r.client).Do(ctx)
	if err != nil {
		return nil, joberrors.WrapConnectivity(err)
	}

	out := make([]model.Instance, 0, len(kvs))
	for _, kv := range kvs {
		out = append(out, kv.Value)
	}
	slices.SortFunc(out, func(a, b model.Instance) int {
		return cmp.Compare(a.InstanceID, b.InstanceID)
	})
	return out, nil
}

// IsLive returns true if the instance has a valid session lease.
func (r *Registry) IsLive(ctx context.Context, id model.InstanceID) (bool, error) {
	found, err := r.schema.Instances().Key(id.String()).Exists(r.client).Do(ctx)
	return found, joberrors.WrapConnectivity(err)
}

// AvailableInstances returns live instances on enabled servers, sorted by the ID.
// A missing server state is considered enabled.
func (r *Registry) AvailableInstances(ctx context.Context) ([]model.InstanceID, error) {
	instances, err := r.LiveInstances(ctx)
	if err != nil {
		return nil, err
	}

	servers, err := r.Servers(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]model.InstanceID, 0, len(instances))
	for _, instance := range instances {
		if state, found := servers[instance.Host]; found && state.Disabled {
			continue
		}
		out = append(out, instance.InstanceID)
	}
	return out, nil
}

// IsAvailable returns true if the instance is live and its server is enabled.
func (r *Registry) IsAvailable(ctx context.Context, id model.InstanceID) (bool, error) {
	available, err := r.AvailableInstances(ctx)
	if err != nil {
		return false, err
	}
	return slices.Contains(available, id), nil
}

// Servers returns states of all known servers, by the host.
func (r *Registry) Servers(ctx context.Context) (map[string]model.ServerState, error) {
	kvs, err := r.schema.Servers().GetAll(r.client).Do(ctx)
	if err != nil {
		return nil, joberrors.WrapConnectivity(err)
	}

	out := make(map[string]model.ServerState, len(kvs))
	for _, kv := range kvs {
		out[kv.Value.Host] = kv.Value
	}
	return out, nil
}

func (r *Registry) IsServerEnabled(ctx context.Context, host string) (bool, error) {
	kv, err := r.schema.Servers().Key(host).Get(r.client).Do(ctx)
	if err != nil {
		return false, joberrors.WrapConnectivity(err)
	}
	return kv == nil || !kv.Value.Disabled, nil
}

func (r *Registry) DisableServer(ctx context.Context, host string) error {
	return r.setServerDisabled(ctx, host, true)
}

func (r *Registry) EnableServer(ctx context.Context, host string) error {
	return r.setServerDisabled(ctx, host, false)
}

func (r *Registry) setServerDisabled(ctx context.Context, host string, disabled bool) error {
	if _, err := r.schema.Servers().Key(host).Put(r.client, model.ServerState{Host: host, Disabled: disabled}).Do(ctx); err != nil {
		return joberrors.WrapConnectivity(err)
	}
	if disabled {
		r.logger.Infof(ctx, `server "%s" disabled`, host)
	} else {
		r.logger.Infof(ctx, `server "%s" enabled`, host)
	}
	return nil
}

// ServerKey returns the key of the server state, it is watched by the instances running on the host.
func (r *Registry) ServerKey(host string) etcdop.KeyT[model.ServerState] {
	return r.schema.Servers().Key(host)
}

// RequestTrigger asks the instance to execute the job once, out of the schedule.
func (r *Registry) RequestTrigger(ctx context.Context, id model.InstanceID) error {
	_, err := r.schema.Triggers().Key(id.String()).Put(r.client, model.TriggerRequest{RequestedAt: r.clock.Now().UTC()}).Do(ctx)
	return joberrors.WrapConnectivity(err)
}

// TakeTrigger deletes the trigger request of the instance, it returns true if the request existed.
func (r *Registry) TakeTrigger(ctx context.Context, id model.InstanceID) (bool, error) {
	found, err := r.schema.Triggers().Key(id.String()).DeleteIfExists(r.client).Do(ctx)
	return found, joberrors.WrapConnectivity(err)
}

// TriggerKey returns the key of the trigger request of the instance.
func (r *Registry) TriggerKey(id model.InstanceID) etcdop.KeyT[model.TriggerRequest] {
	return r.schema.Triggers().Key(id.String())
}

// WatchTopology signals changes of the instances and servers.
// Events are grouped, one signal is sent after the groupInterval since the first event of a group.
// The channel is closed when the context is done.
func (r *Registry) WatchTopology(ctx context.Context, wg *sync.WaitGroup, groupInterval time.Duration) <-chan struct{} {
	raw := make(chan struct{}, 1)
	notify := func() {
		select {
		case raw <- struct{}{}:
		default:
		}
	}

	streams := []<-chan etcdop.WatchResponse{
		r.schema.Instances().WatchWithRestart(ctx, wg, r.logger, r.client),
		r.schema.Servers().WatchWithRestart(ctx, wg, r.logger, r.client),
	}
	for _, stream := range streams {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for resp := range stream {
				if len(resp.Events) > 0 || resp.Restarted {
					notify()
				}
			}
		}()
	}

	out := make(chan struct{}, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-raw:
			}

			if groupInterval > 0 {
				select {
				case <-ctx.Done():
					return
				case <-r.clock.After(groupInterval):
				}
				// Events received during the interval are part of the group
				select {
				case <-raw:
				default:
				}
			}

			select {
			case out <- struct{}{}:
			default:
			}
		}
	}()

	return out
}
