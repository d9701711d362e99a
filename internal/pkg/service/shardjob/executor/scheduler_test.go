package executor_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	commonDeps "github.com/keboola/keboola-shardjob/internal/pkg/service/common/dependencies"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/definition"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/dependencies"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/shardjob/executor"
)

type runnerMock struct {
	lock    *sync.Mutex
	sources []executor.Source
}

func (r *runnerMock) Execute(_ context.Context, source executor.Source) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.sources = append(r.sources, source)
	return nil
}

func (r *runnerMock) ExecuteFailover(_ context.Context) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.sources = append(r.sources, executor.SourceFailover)
	return nil
}

func (r *runnerMock) count() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.sources)
}

func TestScheduler(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	wg := &sync.WaitGroup{}
	defer wg.Wait()
	defer cancel()

	clk := clockwork.NewFakeClockAt(time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC))
	d := dependencies.NewMockedServiceScope(t, commonDeps.WithClock(clk))
	cfg := setUp(t, ctx, d, func(cfg *definition.JobConfiguration) {
		cfg.Schedule = "@every 1m"
	})

	runner := &runnerMock{lock: &sync.Mutex{}}
	scheduler := executor.NewScheduler(d, jobName, cfg, runner)
	require.NoError(t, scheduler.Start(ctx, wg))
	require.NoError(t, clk.BlockUntilContext(ctx, 1))

	// Schedule
	clk.Advance(time.Minute)
	require.Eventually(t, func() bool { return runner.count() == 1 }, 5*time.Second, 10*time.Millisecond)
	clk.Advance(30 * time.Second)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, runner.count())
	clk.Advance(30 * time.Second)
	require.Eventually(t, func() bool { return runner.count() == 2 }, 5*time.Second, 10*time.Millisecond)

	// Triggers
	scheduler.Trigger(executor.SourceTrigger)
	scheduler.Trigger(executor.SourceFailover)
	require.Eventually(t, func() bool { return runner.count() == 4 }, 5*time.Second, 10*time.Millisecond)

	// Reschedule
	scheduler.Reschedule(10 * time.Second)
	time.Sleep(50 * time.Millisecond)
	clk.Advance(10 * time.Second)
	require.Eventually(t, func() bool { return runner.count() == 5 }, 5*time.Second, 10*time.Millisecond)

	runner.lock.Lock()
	defer runner.lock.Unlock()
	assert.Equal(t, executor.SourceSchedule, runner.sources[0])
	assert.Equal(t, executor.SourceSchedule, runner.sources[1])
	assert.ElementsMatch(t, []executor.Source{executor.SourceTrigger, executor.SourceFailover}, runner.sources[2:4])
	assert.Equal(t, executor.SourceSchedule, runner.sources[4])
}
