// Package election provides the leader election of the job instances.
//
// Each enabled instance campaigns with a lease-bound key under the election prefix,
// the key with the lowest create revision is the leader.
// If the leader session expires, the next candidate is elected.
package election

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	etcd "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/atomic"

	"github.com/keboola/keboola-shardjob/internal/pkg/log"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/common/etcdop"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/joberrors"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/model"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/schema"
)

const (
	leaderPollInterval = 100 * time.Millisecond
	resignTimeout      = 5 * time.Second
)

type Elector struct {
	jobName    string
	instanceID model.InstanceID
	logger     log.Logger
	clock      clockwork.Clock
	client     *etcd.Client
	prefix     etcdop.Prefix
	config     config

	isLeader *atomic.Bool
	enabled  *atomic.Bool

	lock     *sync.Mutex
	parent   context.Context
	wg       *sync.WaitGroup
	session  *concurrency.Session
	election *concurrency.Election
	stop     context.CancelFunc
	done     chan struct{}
}

type Option func(c *config)

type config struct {
	onElected []func(ctx context.Context)
}

type dependencies interface {
	Logger() log.Logger
	Clock() clockwork.Clock
	EtcdClient() *etcd.Client
	Schema() *schema.Schema
}

// WithOnElected registers a callback invoked in a new goroutine, when the instance becomes the leader.
// The context of the callback is cancelled when the leadership is lost.
func WithOnElected(fn func(ctx context.Context)) Option {
	return func(c *config) {
		c.onElected = append(c.onElected, fn)
	}
}

func New(d dependencies, jobName string, instanceID model.InstanceID, opts ...Option) *Elector {
	cfg := config{}
	for _, o := range opts {
		o(&cfg)
	}

	return &Elector{
		jobName:    jobName,
		instanceID: instanceID,
		logger:     d.Logger().WithComponent("election").With(attribute.String("job", jobName), attribute.String("instance", instanceID.String())),
		clock:      d.Clock(),
		client:     d.EtcdClient(),
		prefix:     d.Schema().Job(jobName).Leader().Election(),
		config:     cfg,
		isLeader:   atomic.NewBool(false),
		enabled:    atomic.NewBool(false),
		lock:       &sync.Mutex{},
	}
}

// Campaign starts the campaign in the background, the previous campaign, if any, is stopped.
// The campaign runs until the context is cancelled, the session expires or Resign is called.
func (e *Elector) Campaign(ctx context.Context, wg *sync.WaitGroup, session *concurrency.Session) {
	e.stopCampaign(ctx)
	e.enabled.Store(true)

	e.lock.Lock()
	defer e.lock.Unlock()
	e.parent = ctx
	e.wg = wg
	e.session = session
	e.startCampaign()
}

// Resign stops the campaign, the leadership, if any, is released immediately.
// The instance does not campaign until the next Campaign call.
func (e *Elector) Resign(ctx context.Context) {
	e.enabled.Store(false)
	e.stopCampaign(ctx)
}

// IsLocalLeader returns true if this instance is the leader.
func (e *Elector) IsLocalLeader() bool {
	return e.isLeader.Load()
}

// Session returns the session of the current campaign, nil if there is none.
func (e *Elector) Session() *concurrency.Session {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.session
}

// LeaderID returns ID of the current leader, false if there is no leader.
func (e *Elector) LeaderID(ctx context.Context) (model.InstanceID, bool, error) {
	kvs, err := e.prefix.GetAll(e.client, etcd.WithFirstCreate()...).Do(ctx)
	if err != nil {
		return "", false, joberrors.WrapConnectivity(err)
	}
	if len(kvs) == 0 {
		return "", false, nil
	}
	return model.InstanceID(kvs[0].Value), true, nil
}

// IsLeader returns true if the instance is the current leader.
func (e *Elector) IsLeader(ctx context.Context, id model.InstanceID) (bool, error) {
	leader, found, err := e.LeaderID(ctx)
	if err != nil {
		return false, err
	}
	return found && leader == id, nil
}

// ElectIfAbsent waits until a leader is elected.
// If the local campaign is enabled but not running, for example after a failure, it is started again.
func (e *Elector) ElectIfAbsent(ctx context.Context) (model.InstanceID, error) {
	for {
		leader, found, err := e.LeaderID(ctx)
		if err != nil {
			return "", err
		}
		if found {
			return leader, nil
		}

		e.lock.Lock()
		if e.enabled.Load() && e.done == nil && e.session != nil {
			select {
			case <-e.session.Done():
			default:
				e.logger.Info(ctx, `no leader, restarting campaign`)
				e.startCampaign()
			}
		}
		e.lock.Unlock()

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-e.clock.After(leaderPollInterval):
		}
	}
}

// Fence returns a transaction condition, which fails if this instance is no longer the leader.
func (e *Elector) Fence() etcd.Cmp {
	e.lock.Lock()
	election := e.election
	e.lock.Unlock()

	if election == nil || !e.isLeader.Load() {
		// Create revision of an existing key is always positive
		return etcd.Compare(etcd.CreateRevision(e.prefix.Key("not-leader").Key()), "<", 0)
	}
	return etcd.Compare(etcd.CreateRevision(election.Key()), "=", election.Rev())
}

// startCampaign must be called with the lock held.
func (e *Elector) startCampaign() {
	ctx, cancel := context.WithCancel(e.parent)
	done := make(chan struct{})
	e.stop = cancel
	e.done = done

	session := e.session
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(done)
		defer cancel()
		e.campaignLoop(ctx, session)

		e.lock.Lock()
		if e.done == done {
			e.done = nil
			e.stop = nil
		}
		e.lock.Unlock()
	}()
}

func (e *Elector) stopCampaign(ctx context.Context) {
	e.lock.Lock()
	stop, done := e.stop, e.done
	e.lock.Unlock()

	if stop == nil {
		return
	}

	stop()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (e *Elector) campaignLoop(ctx context.Context, session *concurrency.Session) {
	b := newCampaignBackoff()
	for {
		election := concurrency.NewElection(session, e.prefix.Prefix())
		e.logger.Debug(ctx, `campaigning`)
		if err := election.Campaign(ctx, e.instanceID.String()); err != nil {
			if ctx.Err() != nil || isSessionDone(session) {
				return
			}

			delay := b.NextBackOff()
			e.logger.Warnf(ctx, `campaign failed, retrying in %s: %s`, delay, joberrors.WrapConnectivity(err))
			select {
			case <-ctx.Done():
				return
			case <-session.Done():
				return
			case <-e.clock.After(delay):
				continue
			}
		}

		b.Reset()
		e.lock.Lock()
		e.election = election
		e.lock.Unlock()

		lost := e.lead(ctx, session, election)

		e.lock.Lock()
		e.election = nil
		e.lock.Unlock()

		if !lost {
			return
		}
	}
}

// lead blocks while the instance is the leader.
// It returns true if the leader key has been deleted externally and the campaign should continue.
func (e *Elector) lead(ctx context.Context, session *concurrency.Session, election *concurrency.Election) (lost bool) {
	leaderCtx, leaderCancel := context.WithCancel(ctx)
	defer leaderCancel()

	e.isLeader.Store(true)
	e.logger.Info(ctx, `elected as the leader`)

	for _, fn := range e.config.onElected {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			fn(leaderCtx)
		}()
	}

	key := etcdop.NewKey(election.Key())
	stream := key.WatchWithRestart(leaderCtx, e.wg, e.logger, e.client, etcd.WithRev(election.Rev()+1))

	defer func() {
		e.isLeader.Store(false)
		leaderCancel()
		// Drain the stream, it is closed by the cancelled context
		for range stream {
		}
		if !isSessionDone(session) && !lost {
			resignCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), resignTimeout)
			if err := election.Resign(resignCtx); err != nil {
				e.logger.Warnf(resignCtx, `cannot resign: %s`, err)
			}
			cancel()
		}
		e.logger.Info(ctx, `leadership released`)
	}()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-session.Done():
			return false
		case resp, ok := <-stream:
			if !ok {
				return false
			}
			if resp.Restarted {
				exists, err := key.Exists(e.client).Do(ctx)
				if err == nil && !exists {
					return true
				}
				continue
			}
			for _, event := range resp.Events {
				if event.Type == etcdop.DeleteEvent {
					e.logger.Warn(ctx, `leader key has been deleted`)
					return true
				}
			}
		}
	}
}

func isSessionDone(session *concurrency.Session) bool {
	select {
	case <-session.Done():
		return true
	default:
		return false
	}
}

func newCampaignBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.RandomizationFactor = 0.2
	b.InitialInterval = 50 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

