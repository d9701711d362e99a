// Package httpserver provides an HTTP server bound to the process lifecycle.
// It is used to expose the Prometheus metrics endpoint.
package httpserver

import (
	"context"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keboola/keboola-shardjob/internal/pkg/log"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/common/servicectx"
	"github.com/keboola/keboola-shardjob/internal/pkg/telemetry"
	"github.com/keboola/keboola-shardjob/internal/pkg/utils/errors"
)

const (
	readHeaderTimeout       = 10 * time.Second
	gracefulShutdownTimeout = 30 * time.Second
)

type Config struct {
	ListenAddress string
	// Mount registers endpoints to the mux.
	Mount func(mux *http.ServeMux)
}

type HTTPServer struct {
	*http.Server
	logger   log.Logger
	proc     *servicectx.Process
	listener net.Listener
}

type dependencies interface {
	Logger() log.Logger
	Process() *servicectx.Process
	Telemetry() telemetry.Telemetry
}

// Start listens on the address and serves requests in the background, until the process shutdown.
func Start(ctx context.Context, d dependencies, cfg Config) (*HTTPServer, error) {
	mux := http.NewServeMux()
	cfg.Mount(mux)

	tel := d.Telemetry()
	handler := otelhttp.NewHandler(
		mux,
		"http.server.request",
		otelhttp.WithTracerProvider(tel.TracerProvider()),
		otelhttp.WithMeterProvider(tel.MeterProvider()),
	)

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return nil, errors.PrefixErrorf(err, `cannot listen on "%s"`, cfg.ListenAddress)
	}

	s := &HTTPServer{
		Server: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: readHeaderTimeout,
		},
		logger:   d.Logger().WithComponent("http-server"),
		proc:     d.Process(),
		listener: listener,
	}

	s.proc.Add(func(ctx context.Context, errCh chan<- error) {
		s.logger.Infof(ctx, `started HTTP server on "%s"`, s.Addr())
		if err := s.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case errCh <- err:
			case <-ctx.Done():
			}
		}
	})

	s.proc.OnShutdown(func(ctx context.Context) {
		ctx, cancel := context.WithTimeoutCause(ctx, gracefulShutdownTimeout, errors.New("graceful shutdown timeout"))
		defer cancel()

		s.logger.Infof(ctx, `shutting down HTTP server at "%s"`, s.Addr())
		if err := s.Shutdown(ctx); err != nil {
			s.logger.Errorf(ctx, `HTTP server shutdown error: %s`, err)
		}
		s.logger.Info(ctx, "HTTP server shutdown finished")
	})

	return s, nil
}

// Addr returns the listen address, the port is resolved if it was 0.
func (s *HTTPServer) Addr() string {
	return s.listener.Addr().String()
}
