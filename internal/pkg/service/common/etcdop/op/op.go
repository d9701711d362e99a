// Package op wraps low-level etcd operations to high-level typed operations.
package op

import (
	"context"

	"go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/mvccpb"
	etcd "go.etcd.io/etcd/client/v3"
)

type (
	KeyValue = mvccpb.KeyValue
	Header   = etcdserverpb.ResponseHeader
)

// KeyValueT is a KV pair with a decoded value.
type KeyValueT[T any] struct {
	Value T
	Kv    *KeyValue
}

// Op is a high-level operation, it can be converted to a low-level etcd.Op and merged to a transaction.
type Op interface {
	Op(ctx context.Context) (etcd.Op, error)
	MapResponse(ctx context.Context, response etcd.OpResponse) (any, error)
}

// LowLevelFactory creates the low-level etcd operation.
type LowLevelFactory func(ctx context.Context) (etcd.Op, error)

// Mapper converts the low-level response to the result.
type Mapper[R any] func(ctx context.Context, response etcd.OpResponse) (R, error)

// ForType is an operation with the result of the type R.
type ForType[R any] struct {
	client  etcd.KV
	factory LowLevelFactory
	mapper  Mapper[R]
}

type (
	BoolOp    = ForType[bool]
	CountOp   = ForType[int64]
	GetOneOp  = ForType[*KeyValue]
	GetManyOp = ForType[[]*KeyValue]
)

type NoResult struct{}

// NoResultOp returns only an error, if any.
type NoResultOp struct {
	ForType[NoResult]
}

func NewForType[R any](client etcd.KV, factory LowLevelFactory, mapper Mapper[R]) ForType[R] {
	return ForType[R]{client: client, factory: factory, mapper: mapper}
}

func NewNoResultOp(client etcd.KV, factory LowLevelFactory) NoResultOp {
	return NoResultOp{ForType: NewForType[NoResult](client, factory, func(_ context.Context, _ etcd.OpResponse) (NoResult, error) {
		return NoResult{}, nil
	})}
}

func (v ForType[R]) Op(ctx context.Context) (etcd.Op, error) {
	return v.factory(ctx)
}

func (v ForType[R]) MapResponse(ctx context.Context, response etcd.OpResponse) (any, error) {
	return v.mapper(ctx, response)
}

// Do executes the operation, the request is retried on a temporary connectivity error.
func (v ForType[R]) Do(ctx context.Context) (R, error) {
	var empty R

	etcdOp, err := v.factory(ctx)
	if err != nil {
		return empty, err
	}

	response, err := DoWithRetry(ctx, v.client, etcdOp)
	if err != nil {
		return empty, err
	}

	return v.mapper(ctx, response)
}

func (v NoResultOp) Do(ctx context.Context) error {
	_, err := v.ForType.Do(ctx)
	return err
}
