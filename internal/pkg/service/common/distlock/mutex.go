// Package distlock provides a distributed lock bound to an etcd session.
// The lock is released automatically, if the session lease expires.
package distlock

import (
	"context"
	"sync"

	etcd "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/keboola/keboola-shardjob/internal/pkg/utils/errors"
)

type AlreadyLockedError struct {
	name string
}

func (e AlreadyLockedError) Error() string {
	return `already locked: "` + e.name + `"`
}

type NotLockedError struct {
	name string
}

func (e NotLockedError) Error() string {
	return `not locked: "` + e.name + `"`
}

// Mutex wraps concurrency.Mutex.
// In addition, it is also a local lock, so it can be shared between goroutines of one process.
type Mutex struct {
	name    string
	session *concurrency.Session
	mutex   *concurrency.Mutex
	local   *sync.Mutex

	lock   *sync.Mutex
	locked bool
}

func NewMutex(session *concurrency.Session, name string) *Mutex {
	return &Mutex{
		name:    name,
		session: session,
		mutex:   concurrency.NewMutex(session, name),
		local:   &sync.Mutex{},
		lock:    &sync.Mutex{},
	}
}

func (m *Mutex) Name() string {
	return m.name
}

// Lock blocks until the lock is acquired or the context is done.
func (m *Mutex) Lock(ctx context.Context) error {
	if err := m.lockLocal(ctx); err != nil {
		return err
	}

	if err := m.mutex.Lock(ctx); err != nil {
		m.local.Unlock()
		return errors.PrefixErrorf(err, `cannot lock "%s"`, m.name)
	}

	m.setLocked(true)
	return nil
}

// TryLock returns AlreadyLockedError, if the lock is held by another owner.
func (m *Mutex) TryLock(ctx context.Context) error {
	if !m.local.TryLock() {
		return AlreadyLockedError{name: m.name}
	}

	if err := m.mutex.TryLock(ctx); err != nil {
		m.local.Unlock()
		if errors.Is(err, concurrency.ErrLocked) {
			return AlreadyLockedError{name: m.name}
		}
		return errors.PrefixErrorf(err, `cannot lock "%s"`, m.name)
	}

	m.setLocked(true)
	return nil
}

func (m *Mutex) Unlock(ctx context.Context) error {
	m.lock.Lock()
	locked := m.locked
	m.lock.Unlock()
	if !locked {
		return NotLockedError{name: m.name}
	}

	// The lease may be already gone, the lock key is deleted with it
	err := m.mutex.Unlock(ctx)
	m.setLocked(false)
	m.local.Unlock()
	if err != nil {
		return errors.PrefixErrorf(err, `cannot unlock "%s"`, m.name)
	}
	return nil
}

// IsOwner returns the condition for a transaction, it fails if the lock is no longer held.
func (m *Mutex) IsOwner() etcd.Cmp {
	return m.mutex.IsOwner()
}

func (m *Mutex) lockLocal(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.local.Lock()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// Release the local lock when it is eventually acquired
		go func() {
			<-done
			m.local.Unlock()
		}()
		return ctx.Err()
	}
}

func (m *Mutex) setLocked(v bool) {
	m.lock.Lock()
	m.locked = v
	m.lock.Unlock()
}
