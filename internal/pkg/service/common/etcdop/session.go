package etcdop

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	etcd "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"

	"github.com/keboola/keboola-shardjob/internal/pkg/log"
	"github.com/keboola/keboola-shardjob/internal/pkg/utils/errors"
)

const (
	DefaultSessionTTLSeconds = 15
	sessionRevokeTimeout     = 5 * time.Second
)

type SessionHandler func(session *concurrency.Session) error

type SessionOption func(s *ResistantSession)

// ResistantSession keeps a lease bound etcd session alive.
// When the lease expires, for example after a network outage, a new session is granted with backoff
// and all handlers are invoked again. Keys bound to the old lease are lost, handlers must re-create them.
type ResistantSession struct {
	logger     log.Logger
	client     *etcd.Client
	clock      clockwork.Clock
	ttlSeconds int
	handlers   []SessionHandler

	lock    sync.RWMutex
	current *concurrency.Session
}

func WithTTLSeconds(v int) SessionOption {
	return func(s *ResistantSession) {
		s.ttlSeconds = v
	}
}

func WithSessionClock(v clockwork.Clock) SessionOption {
	return func(s *ResistantSession) {
		s.clock = v
	}
}

// WithOnSession adds a handler invoked after each session creation.
// The handler must not block, long running work should end on <-session.Done().
func WithOnSession(fn SessionHandler) SessionOption {
	return func(s *ResistantSession) {
		s.handlers = append(s.handlers, fn)
	}
}

func NewResistantSession(logger log.Logger, client *etcd.Client, opts ...SessionOption) *ResistantSession {
	s := &ResistantSession{
		logger:     logger.WithComponent("etcd.session"),
		client:     client,
		clock:      clockwork.NewRealClock(),
		ttlSeconds: DefaultSessionTTLSeconds,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Current returns the active session, if any.
func (s *ResistantSession) Current() (*concurrency.Session, bool) {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.current, s.current != nil
}

// Start grants the first session, waits for its first keep-alive and runs the handlers.
// An error of the first round is returned, later failures are only logged and retried until the context ends.
// On the context cancellation the lease is revoked, so ephemeral keys disappear immediately.
func (s *ResistantSession) Start(ctx context.Context, wg *sync.WaitGroup) error {
	session, err := s.grant(ctx, true)
	if err != nil {
		return err
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		b := newSessionBackoff()
		for {
			select {
			case <-ctx.Done():
				s.revoke(ctx, session)
				return
			case <-session.Done():
			}

			s.logger.Warnf(ctx, `etcd session lease "%x" expired`, int64(session.Lease()))
			s.setCurrent(nil)

			for {
				delay := b.NextBackOff()
				s.logger.Infof(ctx, `granting a new etcd session in %s`, delay)
				select {
				case <-ctx.Done():
					return
				case <-s.clock.After(delay):
				}

				if session, err = s.grant(ctx, false); err == nil {
					b.Reset()
					break
				}
				s.logger.Errorf(ctx, `cannot grant etcd session: %s`, err)
			}
		}
	}()

	return nil
}

func (s *ResistantSession) grant(ctx context.Context, first bool) (*concurrency.Session, error) {
	startTime := s.clock.Now()
	session, err := concurrency.NewSession(s.client, concurrency.WithTTL(s.ttlSeconds), concurrency.WithContext(ctx))
	if err != nil {
		return nil, errors.PrefixError(err, "cannot create etcd session")
	}

	// The lease is confirmed by the first keep-alive
	if first {
		if _, err := s.client.KeepAliveOnce(ctx, session.Lease()); err != nil {
			_ = session.Close()
			return nil, errors.PrefixError(err, "etcd session keep-alive failed")
		}
	}

	s.setCurrent(session)
	s.logger.WithDuration(s.clock.Since(startTime)).Infof(ctx, `etcd session granted, lease "%x", ttl %ds`, int64(session.Lease()), s.ttlSeconds)

	for _, fn := range s.handlers {
		if err := fn(session); err != nil {
			// The session is closed, so the next round starts from a clean state
			_ = session.Close()
			s.setCurrent(nil)
			return nil, errors.PrefixError(err, "etcd session handler failed")
		}
	}
	return session, nil
}

func (s *ResistantSession) revoke(ctx context.Context, session *concurrency.Session) {
	s.setCurrent(nil)
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sessionRevokeTimeout)
	defer cancel()

	startTime := s.clock.Now()
	if _, err := s.client.Revoke(ctx, session.Lease()); err != nil {
		s.logger.Warnf(ctx, `cannot revoke etcd session lease "%x": %s`, int64(session.Lease()), err)
		return
	}
	s.logger.WithDuration(s.clock.Since(startTime)).Infof(ctx, `etcd session lease "%x" revoked`, int64(session.Lease()))
}

func (s *ResistantSession) setCurrent(session *concurrency.Session) {
	s.lock.Lock()
	s.current = session
	s.lock.Unlock()
}

func newSessionBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.RandomizationFactor = 0.2
	b.InitialInterval = 100 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
