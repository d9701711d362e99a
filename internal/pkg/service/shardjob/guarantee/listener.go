package guarantee

import (
	"context"
	"math"
	"slices"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/keboola/keboola-shardjob/internal/pkg/log"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/job"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/joberrors"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/model"
	"github.com/keboola/keboola-shardjob/internal/pkg/telemetry"
)

const (
	closerPollInterval = 500 * time.Millisecond
	closerItem         = 0
	barrierStarted     = "started"
	barrierCompleted   = "completed"
)

// Callbacks are invoked once per distributed execution, by the closer instance.
// A nil callback is skipped.
type Callbacks struct {
	OnAllStarted   func(ctx context.Context, sc job.ShardingContexts) error
	OnAllCompleted func(ctx context.Context, sc job.ShardingContexts) error
}

// ListenerConfig contains timeouts of the barriers, a value <= 0 means no timeout.
type ListenerConfig struct {
	StartedTimeout   time.Duration `json:"startedTimeout" yaml:"startedTimeout" mapstructure:"started-timeout" usage:"Max wait for all items to start, 0 means no limit."`
	CompletedTimeout time.Duration `json:"completedTimeout" yaml:"completedTimeout" mapstructure:"completed-timeout" usage:"Max wait for all items to complete, 0 means no limit."`
}

// DistributeOnceListener implements the listener.Listener interface,
// the callbacks are invoked after all items of the job are started or completed, on all instances.
type DistributeOnceListener struct {
	jobName    string
	instanceID model.InstanceID
	logger     log.Logger
	clock      clockwork.Clock
	barrier    *Barrier
	owners     ownerResolver
	callbacks  Callbacks
	config     ListenerConfig
	timeouts   metric.Int64Counter
}

type ownerResolver interface {
	Owner(ctx context.Context, item int) (model.InstanceID, bool, error)
}

type listenerDependencies interface {
	Logger() log.Logger
	Clock() clockwork.Clock
	Telemetry() telemetry.Telemetry
}

func NewDistributeOnceListener(d listenerDependencies, jobName string, instanceID model.InstanceID, barrier *Barrier, owners ownerResolver, callbacks Callbacks, cfg ListenerConfig) *DistributeOnceListener {
	return &DistributeOnceListener{
		jobName:    jobName,
		instanceID: instanceID,
		logger:     d.Logger().WithComponent("guarantee.listener").With(attribute.String("job", jobName)),
		clock:      d.Clock(),
		barrier:    barrier,
		owners:     owners,
		callbacks:  callbacks,
		config:     cfg,
		timeouts:   d.Telemetry().Meter().Counter("shardjob.barrier.timeouts", "Count of guarantee barrier timeouts.", ""),
	}
}

func (l *DistributeOnceListener) BeforeExecuted(ctx context.Context, sc job.ShardingContexts) error {
	return l.pass(ctx, sc, barrierStarted)
}

func (l *DistributeOnceListener) AfterExecuted(ctx context.Context, sc job.ShardingContexts) error {
	return l.pass(ctx, sc, barrierCompleted)
}

func (l *DistributeOnceListener) pass(ctx context.Context, sc job.ShardingContexts, barrier string) error {
	items := sc.Items()
	if len(items) == 0 {
		return nil
	}

	var (
		p        *phase
		callback func(context.Context, job.ShardingContexts) error
		timeout  time.Duration
	)
	if barrier == barrierStarted {
		p, callback, timeout = l.barrier.started, l.callbacks.OnAllStarted, l.config.StartedTimeout
	} else {
		p, callback, timeout = l.barrier.completed, l.callbacks.OnAllCompleted, l.config.CompletedTimeout
	}
	if timeout <= 0 {
		timeout = time.Duration(math.MaxInt64)
	}

	if err := l.checkCloser(ctx); err != nil {
		return err
	}

	start := l.clock.Now()
	revision, err := l.barrier.register(ctx, p, l.instanceID, items)
	if err != nil {
		return err
	}

	if slices.Contains(items, closerItem) {
		return l.close(ctx, sc, p, start, timeout, callback)
	}
	return l.wait(ctx, p, revision, timeout)
}

// checkCloser returns NoCloserError if no instance will close the barrier.
func (l *DistributeOnceListener) checkCloser(ctx context.Context) error {
	if _, found, err := l.owners.Owner(ctx, closerItem); err != nil {
		return err
	} else if !found {
		return joberrors.NoCloserError{JobName: l.jobName, Reason: "item 0 is not assigned"}
	}

	disabled, err := l.barrier.DisabledItems(ctx)
	if err != nil {
		return err
	}
	if disabled[closerItem] {
		return joberrors.NoCloserError{JobName: l.jobName, Reason: "item 0 is disabled"}
	}
	return nil
}

// close waits until all items are registered, then invokes the callback and releases the barrier.
func (l *DistributeOnceListener) close(
	ctx context.Context,
	sc job.ShardingContexts,
	p *phase,
	start time.Time,
	timeout time.Duration,
	callback func(context.Context, job.ShardingContexts) error,
) error {
	for {
		all, err := l.barrier.isAll(ctx, p)
		if err != nil {
			return err
		}

		if all {
			var callbackErr error
			if callback != nil {
				callbackErr = callback(ctx, sc)
			}
			if err := l.barrier.release(ctx, p); err != nil {
				return err
			}
			l.logger.Infof(ctx, `barrier "%s" reached`, p.name)
			return callbackErr
		}

		if l.clock.Since(start) >= timeout {
			return l.timeout(ctx, p, timeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.clock.After(closerPollInterval):
		}
	}
}

// wait blocks until the barrier is released after the registration revision, or until the timeout.
// A notification only triggers the check, the release key is the source of truth.
func (l *DistributeOnceListener) wait(ctx context.Context, p *phase, revision int64, timeout time.Duration) error {
	deadline := l.clock.After(timeout)
	for {
		// Subscribe before the check, so a release cannot be missed
		wake := p.waiters.Wait()

		released, err := l.barrier.releasedAfter(ctx, p, revision)
		if err != nil {
			return err
		}
		if released {
			l.logger.Debugf(ctx, `barrier "%s" released`, p.name)
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		case <-l.clock.After(closerPollInterval):
		case <-deadline:
			return l.timeout(ctx, p, timeout)
		}
	}
}

func (l *DistributeOnceListener) timeout(ctx context.Context, p *phase, timeout time.Duration) error {
	if err := l.barrier.clear(ctx, p); err != nil {
		return err
	}
	l.timeouts.Add(ctx, 1, metric.WithAttributes(attribute.String("job", l.jobName), attribute.String("barrier", p.name)))
	l.logger.Warnf(ctx, `barrier "%s" timeout %s`, p.name, timeout)
	return joberrors.TimeoutError{Barrier: p.name, Timeout: timeout}
}
