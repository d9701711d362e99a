// Package etcdclient creates the etcd client used by all services, the client is closed on the process shutdown.
package etcdclient

import (
	"context"
	"strings"
	"time"

	etcd "go.etcd.io/etcd/client/v3"
	etcdNamespace "go.etcd.io/etcd/client/v3/namespace"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"

	"github.com/keboola/keboola-shardjob/internal/pkg/log"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/common/servicectx"
	"github.com/keboola/keboola-shardjob/internal/pkg/telemetry"
	"github.com/keboola/keboola-shardjob/internal/pkg/utils/errors"
	"github.com/keboola/keboola-shardjob/internal/pkg/utils/etcdhelper"
)

// New creates new etcd client.
func New(ctx context.Context, proc *servicectx.Process, tel telemetry.Telemetry, logger log.Logger, cfg Config) (c *etcd.Client, err error) {
	ctx, span := tel.Tracer().Start(ctx, "keboola.go.shardjob.etcdclient.New")
	defer span.End(&err)

	cfg.Normalize()
	if cfg.Endpoint == "" {
		return nil, errors.New("etcd endpoint is not set")
	}
	if cfg.Namespace == "" {
		return nil, errors.New("etcd namespace is not set")
	}

	logger = logger.WithComponent("etcd.client")

	connectCtx, connectCancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer connectCancel()

	startTime := time.Now()
	logger.Infof(ctx, "connecting to etcd, connectTimeout=%s, keepAliveTimeout=%s, keepAliveInterval=%s", cfg.ConnectTimeout, cfg.KeepAliveTimeout, cfg.KeepAliveInterval)
	c, err = etcd.New(etcd.Config{
		Context:              context.Background(), // the client lives as long as the process
		Endpoints:            []string{cfg.Endpoint},
		DialTimeout:          cfg.ConnectTimeout,
		DialKeepAliveTimeout: cfg.KeepAliveTimeout,
		DialKeepAliveTime:    cfg.KeepAliveInterval,
		Username:             cfg.Username,
		Password:             cfg.Password,
		Logger:               zap.NewNop(),
		PermitWithoutStream:  true,
		DialOptions: []grpc.DialOption{
			grpc.WithChainUnaryInterceptor(otelgrpc.UnaryClientInterceptor(otelgrpc.WithTracerProvider(tel.TracerProvider()), otelgrpc.WithMeterProvider(tel.MeterProvider()))),
			grpc.WithChainStreamInterceptor(otelgrpc.StreamClientInterceptor(otelgrpc.WithTracerProvider(tel.TracerProvider()), otelgrpc.WithMeterProvider(tel.MeterProvider()))),
			grpc.WithBlock(), // nolint: staticcheck
			grpc.WithReturnConnectionError(), // nolint: staticcheck
			grpc.WithConnectParams(grpc.ConnectParams{
				Backoff: backoff.Config{
					BaseDelay:  100 * time.Millisecond,
					Multiplier: 1.5,
					Jitter:     0.2,
					MaxDelay:   15 * time.Second,
				},
			}),
		},
	})
	if err != nil {
		return nil, errors.Errorf("cannot create etcd client: cannot connect: %w", err)
	}

	c.KV = etcdNamespace.NewKV(c.KV, cfg.Namespace)
	c.Watcher = etcdNamespace.NewWatcher(c.Watcher, cfg.Namespace)
	c.Lease = etcdNamespace.NewLease(c.Lease, cfg.Namespace)

	if cfg.DebugLog {
		c.KV = etcdhelper.KVLogWrapper(c.KV, logger)
	}

	// Connection check
	if _, err := c.MemberList(connectCtx); err != nil {
		_ = c.Close()
		return nil, errors.Errorf("cannot create etcd client: cannot get cluster members: %w", err)
	}

	proc.OnShutdown(func(ctx context.Context) {
		startTime := time.Now()
		logger.Info(ctx, "closing etcd connection")
		if err := c.Close(); err != nil {
			logger.Warnf(ctx, "cannot close etcd connection: %s", err)
		} else {
			logger.Infof(ctx, "closed etcd connection | %s", time.Since(startTime))
		}
	})

	logger.Infof(ctx, `connected to etcd cluster "%s" | %s`, strings.Join(c.Endpoints(), ";"), time.Since(startTime))
	return c, nil
}
