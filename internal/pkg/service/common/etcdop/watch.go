package etcdop

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.etcd.io/etcd/api/v3/mvccpb"
	etcd "go.etcd.io/etcd/client/v3"

	"github.com/keboola/keboola-shardjob/internal/pkg/log"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/common/etcdop/op"
	"github.com/keboola/keboola-shardjob/internal/pkg/utils/errors"
)

type EventType int32

const (
	CreateEvent EventType = iota
	UpdateEvent
	DeleteEvent
)

func (t EventType) String() string {
	switch t {
	case CreateEvent:
		return "create"
	case UpdateEvent:
		return "update"
	case DeleteEvent:
		return "delete"
	default:
		return "unknown"
	}
}

// WatchEvent is one change of a key within the watched prefix.
type WatchEvent struct {
	Type   EventType
	Kv     *op.KeyValue
	PrevKv *op.KeyValue
}

// WatchResponse is a batch of events from one revision.
// Restarted is true, if the stream has been re-created, some events may be lost, the state should be re-read.
type WatchResponse struct {
	Header    *op.Header
	Events    []WatchEvent
	Created   bool
	Restarted bool
}

// Watch returns the raw etcd watch channel.
func (v Prefix) Watch(ctx context.Context, client etcd.Watcher, opts ...etcd.OpOption) etcd.WatchChan {
	opts = append([]etcd.OpOption{etcd.WithPrefix()}, opts...)
	return client.Watch(ctx, v.Prefix(), opts...)
}

// WatchWithRestart watches the prefix until the context is cancelled.
// If the underlying stream fails, it is re-created with a backoff and the next response has the Restarted flag.
// The output channel is closed when the context is done.
// The firstOpts, for example etcd.WithRev, are used only by the first stream, not after a restart.
func (v Prefix) WatchWithRestart(ctx context.Context, wg *sync.WaitGroup, logger log.Logger, client etcd.Watcher, firstOpts ...etcd.OpOption) <-chan WatchResponse {
	return watchWithRestart(ctx, wg, logger, client, v.Prefix(), []etcd.OpOption{etcd.WithPrefix()}, firstOpts)
}

// WatchWithRestart watches the single key, see Prefix.WatchWithRestart.
func (v Key) WatchWithRestart(ctx context.Context, wg *sync.WaitGroup, logger log.Logger, client etcd.Watcher, firstOpts ...etcd.OpOption) <-chan WatchResponse {
	return watchWithRestart(ctx, wg, logger, client, v.Key(), nil, firstOpts)
}

func watchWithRestart(ctx context.Context, wg *sync.WaitGroup, logger log.Logger, client etcd.Watcher, key string, opts, firstOpts []etcd.OpOption) <-chan WatchResponse {
	out := make(chan WatchResponse)
	opts = append(opts, etcd.WithCreatedNotify(), etcd.WithPrevKV())
	logger = logger.WithComponent("watch")

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(out)

		b := newWatchBackoff()
		restarted := false
		for {
			// Ensure the stream is created by the leader, so no events are lost during the election
			watchCtx, cancel := context.WithCancel(etcd.WithRequireLeader(ctx))
			streamOpts := opts
			if !restarted {
				streamOpts = append(append([]etcd.OpOption{}, opts...), firstOpts...)
			}
			rawCh := client.Watch(watchCtx, key, streamOpts...)
			err := pipe(ctx, rawCh, out, &restarted, b)
			cancel()

			if ctx.Err() != nil {
				return
			}

			delay := b.NextBackOff()
			logger.Warnf(ctx, `watch stream "%s" failed, restarting in %s: %s`, key, delay, err)
			restarted = true
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
	}()

	return out
}

func pipe(ctx context.Context, rawCh etcd.WatchChan, out chan<- WatchResponse, restarted *bool, b backoff.BackOff) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case resp, ok := <-rawCh:
			if !ok {
				return errors.New("watch channel closed")
			}
			if err := resp.Err(); err != nil {
				return err
			}

			mapped := WatchResponse{Header: &resp.Header, Created: resp.Created, Restarted: *restarted && resp.Created}
			if resp.Created {
				*restarted = false
				b.Reset()
			}
			for _, event := range resp.Events {
				mapped.Events = append(mapped.Events, mapEvent(event))
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case out <- mapped:
			}
		}
	}
}

func mapEvent(event *etcd.Event) WatchEvent {
	out := WatchEvent{Kv: event.Kv, PrevKv: event.PrevKv}
	switch event.Type {
	case mvccpb.PUT:
		if event.IsCreate() {
			out.Type = CreateEvent
		} else {
			out.Type = UpdateEvent
		}
	case mvccpb.DELETE:
		out.Type = DeleteEvent
	default:
		panic(errors.Errorf(`unexpected event type "%s"`, event.Type.String()))
	}
	return out
}

func newWatchBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.RandomizationFactor = 0.2
	b.InitialInterval = 50 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0 // never stop
	b.Reset()
	return b
}
