package etcdop

import (
	"context"
	"strings"

	etcd "go.etcd.io/etcd/client/v3"

	"github.com/keboola/keboola-shardjob/internal/pkg/service/common/etcdop/op"
	"github.com/keboola/keboola-shardjob/internal/pkg/service/common/etcdop/serde"
	"github.com/keboola/keboola-shardjob/internal/pkg/utils/errors"
)

// Prefix is a group of etcd keys, it always ends with a slash.
type Prefix string

type prefix = Prefix

// PrefixT is a Prefix with values of the type T.
type PrefixT[T any] struct {
	prefix
	serde *serde.Serde
}

func NewPrefix(v string) Prefix {
	return Prefix(strings.TrimRight(v, "/") + "/")
}

func NewTypedPrefix[T any](v string, s *serde.Serde) PrefixT[T] {
	return PrefixT[T]{prefix: NewPrefix(v), serde: s}
}

func (v Prefix) Prefix() string {
	return string(v)
}

func (v Prefix) String() string {
	return string(v)
}

func (v Prefix) Add(str string) Prefix {
	return Prefix(v.Prefix() + strings.TrimRight(str, "/") + "/")
}

func (v Prefix) Key(key string) Key {
	return Key(v.Prefix() + key)
}

// Relative returns the key without the prefix.
func (v Prefix) Relative(key string) string {
	return strings.TrimPrefix(key, v.Prefix())
}

func (v Prefix) AtLeastOneExists(client etcd.KV, opts ...etcd.OpOption) op.BoolOp {
	return op.NewForType[bool](client, v.getOp(opts, etcd.WithCountOnly()), func(_ context.Context, r etcd.OpResponse) (bool, error) {
		return r.Get().Count > 0, nil
	})
}

func (v Prefix) Count(client etcd.KV, opts ...etcd.OpOption) op.CountOp {
	return op.NewForType[int64](client, v.getOp(opts, etcd.WithCountOnly()), func(_ context.Context, r etcd.OpResponse) (int64, error) {
		return r.Get().Count, nil
	})
}

// GetAll returns all KVs, sorted by key.
func (v Prefix) GetAll(client etcd.KV, opts ...etcd.OpOption) op.GetManyOp {
	return op.NewForType[[]*op.KeyValue](client, v.getOp(opts, sortByKey()), func(_ context.Context, r etcd.OpResponse) ([]*op.KeyValue, error) {
		return r.Get().Kvs, nil
	})
}

// DeleteAll returns count of the deleted keys.
func (v Prefix) DeleteAll(client etcd.KV, opts ...etcd.OpOption) op.CountOp {
	return op.NewForType[int64](
		client,
		func(context.Context) (etcd.Op, error) {
			return etcd.OpDelete(v.Prefix(), append([]etcd.OpOption{etcd.WithPrefix()}, opts...)...), nil
		},
		func(_ context.Context, r etcd.OpResponse) (int64, error) {
			return r.Del().Deleted, nil
		},
	)
}

// getOp returns a range get of the prefix, the defaults go before the caller options, so they can be overridden.
func (v Prefix) getOp(opts []etcd.OpOption, defaults ...etcd.OpOption) func(context.Context) (etcd.Op, error) {
	all := make([]etcd.OpOption, 0, 1+len(defaults)+len(opts))
	all = append(all, etcd.WithPrefix())
	all = append(all, defaults...)
	all = append(all, opts...)
	return func(context.Context) (etcd.Op, error) {
		return etcd.OpGet(v.Prefix(), all...), nil
	}
}

func sortByKey() etcd.OpOption {
	return etcd.WithSort(etcd.SortByKey, etcd.SortAscend)
}

func (v PrefixT[T]) Add(str string) PrefixT[T] {
	return PrefixT[T]{prefix: v.prefix.Add(str), serde: v.serde}
}

func (v PrefixT[T]) Key(key string) KeyT[T] {
	return KeyT[T]{key: v.prefix.Key(key), serde: v.serde}
}

// GetAll returns all decoded values, sorted by key.
// All invalid values are reported together.
func (v PrefixT[T]) GetAll(client etcd.KV, opts ...etcd.OpOption) op.ForType[[]op.KeyValueT[T]] {
	return op.NewForType[[]op.KeyValueT[T]](client, v.getOp(opts, sortByKey()), func(ctx context.Context, r etcd.OpResponse) ([]op.KeyValueT[T], error) {
		kvs := r.Get().Kvs
		out := make([]op.KeyValueT[T], len(kvs))
		errs := errors.NewMultiError()
		for i, kv := range kvs {
			out[i].Kv = kv
			errs.Append(v.serde.Decode(ctx, kv, &out[i].Value))
		}
		if err := errs.ErrorOrNil(); err != nil {
			return nil, errors.PrefixErrorf(err, `cannot load "%s"`, v.Prefix())
		}
		return out, nil
	})
}
