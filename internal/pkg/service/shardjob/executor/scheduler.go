package executor

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"

	"github.com/keboola/keboola-shardjob/internal/pkg/log"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/joberrors"
	"github.com/keboola/keboola-shardjob/internal/pkg/utils/errors"
)

const triggersBufferSize = 16

// Scheduler fires executions by the schedule interval, by operator trigger requests and by failover assignments.
// Each execution runs in its own goroutine, so an overlapping trigger is detected as a misfire.
type Scheduler struct {
	logger  log.Logger
	clock   clockwork.Clock
	configs configLoader
	runner  runner

	triggers   chan Source
	reschedule chan time.Duration
}

type runner interface {
	Execute(ctx context.Context, source Source) error
	ExecuteFailover(ctx context.Context) error
}

type schedulerDependencies interface {
	Logger() log.Logger
	Clock() clockwork.Clock
}

func NewScheduler(d schedulerDependencies, jobName string, configs configLoader, r runner) *Scheduler {
	return &Scheduler{
		logger:     d.Logger().WithComponent("scheduler").With(attribute.String("job", jobName)),
		clock:      d.Clock(),
		configs:    configs,
		runner:     r,
		triggers:   make(chan Source, triggersBufferSize),
		reschedule: make(chan time.Duration, 1),
	}
}

// Start the scheduler loop, it runs until the context is cancelled.
// Running executions are tracked by the wait group.
func (s *Scheduler) Start(ctx context.Context, wg *sync.WaitGroup) error {
	cfg, err := s.configs.Load(ctx, true)
	if err != nil {
		return err
	}

	interval, err := cfg.Interval()
	if err != nil {
		return err
	}

	wg.Add(1)
	go func() {
		defer wg.Done()

		ticker := s.clock.NewTicker(interval)
		defer ticker.Stop()

		s.logger.Infof(ctx, `scheduler started, interval %s`, interval)
		for {
			select {
			case <-ctx.Done():
				s.logger.Info(ctx, `scheduler stopped`)
				return
			case <-ticker.Chan():
				s.execute(ctx, wg, SourceSchedule)
			case source := <-s.triggers:
				s.execute(ctx, wg, source)
			case v := <-s.reschedule:
				if v != interval {
					interval = v
					ticker.Reset(interval)
					s.logger.Infof(ctx, `scheduler interval changed to %s`, interval)
				}
			}
		}
	}()

	return nil
}

// Trigger requests an execution out of the schedule.
// The request is dropped, if too many requests are waiting.
func (s *Scheduler) Trigger(source Source) {
	select {
	case s.triggers <- source:
	default:
	}
}

// Reschedule changes the interval of the running scheduler.
func (s *Scheduler) Reschedule(interval time.Duration) {
	if interval <= 0 {
		return
	}

	// Only the last value matters
	select {
	case <-s.reschedule:
	default:
	}
	select {
	case s.reschedule <- interval:
	default:
	}
}

func (s *Scheduler) execute(ctx context.Context, wg *sync.WaitGroup, source Source) {
	wg.Add(1)
	go func() {
		defer wg.Done()

		var err error
		if source == SourceFailover {
			err = s.runner.ExecuteFailover(ctx)
		} else {
			err = s.runner.Execute(ctx, source)
		}

		switch {
		case err == nil:
		case ctx.Err() != nil:
			// Shutdown
		case errors.As(err, &joberrors.ConnectivityFaultError{}):
			s.logger.Warnf(ctx, `%s execution interrupted: %s`, source, err)
		default:
			s.logger.Errorf(ctx, `%s execution failed: %s`, source, err)
		}
	}()
}
