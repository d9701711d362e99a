package op

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	etcd "go.etcd.io/etcd/client/v3"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/keboola/keboola-shardjob/internal/pkg/utils/errors"
)

const (
	retryInitialInterval = 20 * time.Millisecond
	retryMaxInterval     = 2 * time.Second
	retryMaxElapsedTime  = 30 * time.Second
)

// DoWithRetry executes the low-level operation, a temporary connectivity error is retried with a backoff.
func DoWithRetry(ctx context.Context, client etcd.KV, op etcd.Op) (etcd.OpResponse, error) {
	var response etcd.OpResponse
	b := backoff.WithContext(newRetryBackoff(), ctx)
	err := backoff.Retry(func() (err error) {
		response, err = client.Do(ctx, op)
		if err != nil && !IsConnectivityError(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
	return response, err
}

// IsConnectivityError returns true if the error signals an unavailable or overloaded etcd cluster.
func IsConnectivityError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	for _, target := range []error{rpctypes.ErrNoLeader, rpctypes.ErrLeaderChanged, rpctypes.ErrTimeout, rpctypes.ErrTimeoutDueToLeaderFail, rpctypes.ErrTimeoutDueToConnectionLost} {
		if errors.Is(err, target) {
			return true
		}
	}
	switch status.Code(err) { // nolint: exhaustive
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
		return true
	default:
		return false
	}
}

func newRetryBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.RandomizationFactor = 0.2
	b.InitialInterval = retryInitialInterval
	b.Multiplier = 2
	b.MaxInterval = retryMaxInterval
	b.MaxElapsedTime = retryMaxElapsedTime
	b.Reset()
	return b
}
