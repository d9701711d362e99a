package etcdop

import (
	"context"

	etcd "go.etcd.io/etcd/client/v3"

	"github.com/keboola/keboola-shardjob/internal/pkg/service/common/etcdop/op"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/common/etcdop/serde"
	"github.com/keboola/keboola-shardjob/internal/pkg/utils/errors"
)

// Key is a single etcd key.
type Key string

type key = Key

// KeyT is a Key with values of the type T, encoded by the serde.
type KeyT[T any] struct {
	key
	serde *serde.Serde
}

func NewKey(v string) Key {
	return Key(v)
}

func NewTypedKey[T any](v string, s *serde.Serde) KeyT[T] {
	return KeyT[T]{key: NewKey(v), serde: s}
}

func (v Key) Key() string {
	return string(v)
}

func (v Key) String() string {
	return string(v)
}

func (v Key) Exists(client etcd.KV, opts ...etcd.OpOption) op.BoolOp {
	opts = append([]etcd.OpOption{etcd.WithCountOnly()}, opts...)
	return op.NewForType[bool](client, v.getOp(opts), func(_ context.Context, r etcd.OpResponse) (bool, error) {
		count := r.Get().Count
		if count > 1 {
			return false, tooManyResultsError("exists", v.Key(), count)
		}
		return count == 1, nil
	})
}

// Get returns nil if the key doesn't exist.
func (v Key) Get(client etcd.KV, opts ...etcd.OpOption) op.GetOneOp {
	return op.NewForType[*op.KeyValue](client, v.getOp(opts), func(_ context.Context, r etcd.OpResponse) (*op.KeyValue, error) {
		return singleKV("get", v.Key(), r)
	})
}

// Delete returns true if the key has been deleted.
func (v Key) Delete(client etcd.KV, opts ...etcd.OpOption) op.BoolOp {
	return op.NewForType[bool](
		client,
		func(_ context.Context) (etcd.Op, error) {
			return etcd.OpDelete(v.Key(), opts...), nil
		},
		func(_ context.Context, r etcd.OpResponse) (bool, error) {
			return r.Del().Deleted > 0, nil
		},
	)
}

// DeleteIfExists returns true if the key existed and has been deleted.
func (v Key) DeleteIfExists(client etcd.KV, opts ...etcd.OpOption) op.BoolOp {
	return v.conditional(client, "!=", func(context.Context) (etcd.Op, error) {
		return etcd.OpDelete(v.Key(), opts...), nil
	})
}

func (v Key) Put(client etcd.KV, val string, opts ...etcd.OpOption) op.NoResultOp {
	return op.NewNoResultOp(client, func(_ context.Context) (etcd.Op, error) {
		return etcd.OpPut(v.Key(), val, opts...), nil
	})
}

// PutIfNotExists returns true if the key has been created.
func (v Key) PutIfNotExists(client etcd.KV, val string, opts ...etcd.OpOption) op.BoolOp {
	return v.conditional(client, "=", func(context.Context) (etcd.Op, error) {
		return etcd.OpPut(v.Key(), val, opts...), nil
	})
}

// Get returns nil if the key doesn't exist.
func (v KeyT[T]) Get(client etcd.KV, opts ...etcd.OpOption) op.ForType[*op.KeyValueT[T]] {
	return op.NewForType[*op.KeyValueT[T]](client, v.getOp(opts), func(ctx context.Context, r etcd.OpResponse) (*op.KeyValueT[T], error) {
		kv, err := singleKV("get", v.Key(), r)
		if kv == nil || err != nil {
			return nil, err
		}
		out := &op.KeyValueT[T]{Kv: kv}
		if err := v.serde.Decode(ctx, kv, &out.Value); err != nil {
			return nil, err
		}
		return out, nil
	})
}

// Put returns the stored value.
func (v KeyT[T]) Put(client etcd.KV, val T, opts ...etcd.OpOption) op.ForType[T] {
	return op.NewForType[T](
		client,
		func(ctx context.Context) (etcd.Op, error) {
			encoded, err := v.encode(ctx, &val)
			if err != nil {
				return etcd.Op{}, err
			}
			return etcd.OpPut(v.Key(), encoded, opts...), nil
		},
		func(context.Context, etcd.OpResponse) (T, error) {
			return val, nil
		},
	)
}

// PutIfNotExists returns true if the key has been created.
func (v KeyT[T]) PutIfNotExists(client etcd.KV, val T, opts ...etcd.OpOption) op.BoolOp {
	return v.conditional(client, "=", func(ctx context.Context) (etcd.Op, error) {
		encoded, err := v.encode(ctx, &val)
		if err != nil {
			return etcd.Op{}, err
		}
		return etcd.OpPut(v.Key(), encoded, opts...), nil
	})
}

func (v KeyT[T]) encode(ctx context.Context, val *T) (string, error) {
	encoded, err := v.serde.Encode(ctx, val)
	if err != nil {
		return "", errors.PrefixErrorf(err, `invalid value for "%s"`, v.Key())
	}
	return encoded, nil
}

func (v Key) getOp(opts []etcd.OpOption) func(context.Context) (etcd.Op, error) {
	return func(context.Context) (etcd.Op, error) {
		return etcd.OpGet(v.Key(), opts...), nil
	}
}

// conditional wraps the operation in a transaction comparing the key version with zero.
// The result is true if the comparison succeeded and the operation has been applied.
func (v Key) conditional(client etcd.KV, cmp string, factory func(ctx context.Context) (etcd.Op, error)) op.BoolOp {
	return op.NewForType[bool](
		client,
		func(ctx context.Context) (etcd.Op, error) {
			then, err := factory(ctx)
			if err != nil {
				return etcd.Op{}, err
			}
			return etcd.OpTxn([]etcd.Cmp{etcd.Compare(etcd.Version(v.Key()), cmp, 0)}, []etcd.Op{then}, nil), nil
		},
		func(_ context.Context, r etcd.OpResponse) (bool, error) {
			return r.Txn().Succeeded, nil
		},
	)
}

func singleKV(operation, key string, r etcd.OpResponse) (*op.KeyValue, error) {
	switch count := r.Get().Count; count {
	case 0:
		return nil, nil
	case 1:
		return r.Get().Kvs[0], nil
	default:
		return nil, tooManyResultsError(operation, key, count)
	}
}

func tooManyResultsError(operation, key string, count int64) error {
	return errors.Errorf(`etcd %s "%s": at most one result expected, found %d results`, operation, key, count)
}
