// Package servicectx provides the process identity and support for the graceful shutdown.
package servicectx

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"testing"

	"github.com/keboola/keboola-shardjob/internal/pkg/idgenerator"
	"github.com/keboola/keboola-shardjob/internal/pkg/log"
	"github.com/keboola/keboola-shardjob/internal/pkg/utils/errors"
)

type Process struct {
	ctx      context.Context
	cancel   context.CancelFunc
	logger   log.Logger
	wg       *sync.WaitGroup
	errCh    chan error
	hostname string
	pid      int
	uniqueID string

	lock        *sync.Mutex
	terminating bool
	onShutdown  []OnShutdownFn
}

type Option func(c *config)

type OnShutdownFn func(ctx context.Context)

type config struct {
	hostname string
	uniqueID string
}

// WithUniqueID sets unique ID of the process.
// By default, it is composed of the hostname and PID.
func WithUniqueID(v string) Option {
	return func(c *config) {
		c.uniqueID = v
	}
}

// WithHostname overrides the hostname detected from the OS.
func WithHostname(v string) Option {
	return func(c *config) {
		c.hostname = v
	}
}

// hostname is resolved once per process and never changes.
var hostname = sync.OnceValues(os.Hostname) // nolint: gochecknoglobals

func New(ctx context.Context, cancel context.CancelFunc, logger log.Logger, opts ...Option) (*Process, error) {
	c := config{}
	for _, o := range opts {
		o(&c)
	}

	if c.hostname == "" {
		v, err := hostname()
		if err != nil {
			return nil, err
		}
		c.hostname = v
	}

	pid := os.Getpid()
	if c.uniqueID == "" {
		c.uniqueID = fmt.Sprintf(`%s-%05d`, c.hostname, pid)
	}

	// Channel used by both the signal handler and operations to stop the process.
	errCh := make(chan error)

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		select {
		case s := <-sig:
			errCh <- errors.Errorf("%s", s)
		case <-ctx.Done():
		}
	}()

	proc := &Process{
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
		wg:       &sync.WaitGroup{},
		errCh:    errCh,
		hostname: c.hostname,
		pid:      pid,
		uniqueID: c.uniqueID,
		lock:     &sync.Mutex{},
	}

	proc.Add(func(ctx context.Context, _ chan<- error) {
		<-ctx.Done()
		proc.lock.Lock()
		proc.terminating = true
		callbacks := proc.onShutdown
		proc.lock.Unlock()

		// LIFO
		shutdownCtx := context.WithoutCancel(ctx)
		for i := len(callbacks) - 1; i >= 0; i-- {
			callbacks[i](shutdownCtx)
		}
	})

	logger.Infof(ctx, `process unique id "%s"`, proc.UniqueID())
	return proc, nil
}

func NewForTest(t *testing.T, opts ...Option) *Process {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	opts = append([]Option{WithUniqueID("test-" + idgenerator.SessionSuffix())}, opts...)
	proc, err := New(ctx, cancel, log.NewNopLogger(), opts...)
	if err != nil {
		t.Fatal(err)
		return nil
	}

	t.Cleanup(func() {
		proc.Shutdown(errors.New("test cleanup"))
		proc.WaitForShutdown()
	})

	return proc
}

func (v *Process) Ctx() context.Context {
	return v.ctx
}

// Shutdown triggers termination of the Process.
func (v *Process) Shutdown(err error) {
	go func() {
		v.errCh <- err
	}()
}

func (v *Process) WaitForShutdown() {
	v.logger.Infof(v.ctx, "exiting (%v)", <-v.errCh)

	v.cancel()
	v.wg.Wait()

	v.logger.Info(context.Background(), "exited")
}

// UniqueID returns unique process ID, by default it consists of hostname and PID.
func (v *Process) UniqueID() string {
	return v.uniqueID
}

func (v *Process) Hostname() string {
	return v.hostname
}

func (v *Process) PID() int {
	return v.pid
}

// Add an operation.
// The Process is terminated when all operations are completed.
// The errCh parameter can be used to stop the process with an error.
func (v *Process) Add(operation func(ctx context.Context, errCh chan<- error)) {
	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		operation(v.ctx, v.errCh)
	}()
}

// OnShutdown registers a callback invoked when the process is terminating.
// Callbacks are invoked sequentially in LIFO order.
func (v *Process) OnShutdown(fn OnShutdownFn) {
	v.lock.Lock()
	defer v.lock.Unlock()
	if v.terminating {
		v.logger.Error(v.ctx, `cannot register OnShutdown callback: the process is terminating`)
		return
	}
	v.onShutdown = append(v.onShutdown, fn)
}
