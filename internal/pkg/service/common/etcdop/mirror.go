package etcdop

import (
	"context"
	"sync"

	etcd "go.etcd.io/etcd/client/v3"

	"github.com/keboola/keboola-shardjob/internal/pkg/log"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/common/etcdop/op"
)

// KeyMirror is an in-memory copy of one typed key, filled via the etcd Watch API.
// Reading is lock-protected, writing is performed exclusively from the watch stream.
type KeyMirror[T any] struct {
	key    KeyT[T]
	client etcd.KV
	logger log.Logger

	lock     *sync.RWMutex
	value    *T
	revision int64
	onChange []func(value *T)
}

// Mirror loads the key and keeps the copy up to date until the context is cancelled.
// The initial load must succeed, later errors are logged and the previous value is kept.
func (v KeyT[T]) Mirror(ctx context.Context, wg *sync.WaitGroup, logger log.Logger, client *etcd.Client, onChange ...func(value *T)) (*KeyMirror[T], error) {
	m := &KeyMirror[T]{
		key:      v,
		client:   client,
		logger:   logger.WithComponent("mirror"),
		lock:     &sync.RWMutex{},
		onChange: onChange,
	}

	rev, err := m.reload(ctx)
	if err != nil {
		return nil, err
	}

	// Continue from the loaded revision, so no change is lost
	stream := v.WatchWithRestart(ctx, wg, logger, client, etcd.WithRev(rev+1))
	wg.Add(1)
	go func() {
		defer wg.Done()
		for resp := range stream {
			if resp.Restarted {
				// Some events may be lost
				if _, err := m.reload(ctx); err != nil && ctx.Err() == nil {
					m.logger.Errorf(ctx, `cannot reload key "%s": %s`, v.Key(), err)
				}
				continue
			}
			for _, event := range resp.Events {
				m.apply(ctx, event)
			}
		}
	}()

	return m, nil
}

// Get returns the last known value, nil if the key doesn't exist.
func (m *KeyMirror[T]) Get() *T {
	m.lock.RLock()
	defer m.lock.RUnlock()
	if m.value == nil {
		return nil
	}
	clone := *m.value
	return &clone
}

// Revision returns the last applied modification revision.
func (m *KeyMirror[T]) Revision() int64 {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.revision
}

// reload returns the header revision of the read.
func (m *KeyMirror[T]) reload(ctx context.Context) (int64, error) {
	resp, err := op.DoWithRetry(ctx, m.client, etcd.OpGet(m.key.Key()))
	if err != nil {
		return 0, err
	}

	get := resp.Get()
	if len(get.Kvs) == 0 {
		m.set(nil, 0)
		return get.Header.Revision, nil
	}

	kv := get.Kvs[0]
	target := new(T)
	if err := m.key.serde.Decode(ctx, kv, target); err != nil {
		return 0, err
	}
	m.set(target, kv.ModRevision)
	return get.Header.Revision, nil
}

func (m *KeyMirror[T]) apply(ctx context.Context, event WatchEvent) {
	if event.Type == DeleteEvent {
		m.set(nil, event.Kv.ModRevision)
		return
	}

	target := new(T)
	if err := m.key.serde.Decode(ctx, event.Kv, target); err != nil {
		m.logger.Errorf(ctx, `cannot decode key "%s": %s`, m.key.Key(), err)
		return
	}
	m.set(target, event.Kv.ModRevision)
}

func (m *KeyMirror[T]) set(value *T, revision int64) {
	m.lock.Lock()
	if revision != 0 && revision < m.revision {
		m.lock.Unlock()
		return
	}
	m.value = value
	m.revision = revision
	callbacks := m.onChange
	m.lock.Unlock()

	for _, fn := range callbacks {
		fn(value)
	}
}
