// Package serde encapsulates serialization and deserialization of values stored in etcd.
package serde

import (
	"context"

	jsoniter "github.com/json-iterator/go"

	"github.com/keboola/keboola-shardjob/internal/pkg/service/common/etcdop/op"
	"github.com/keboola/keboola-shardjob/internal/pkg/utils/errors"
)

type Serde struct {
	encode   EncodeFn
	decode   DecodeFn
	validate ValidateFn
}

type EncodeFn func(ctx context.Context, value any) (string, error)

type DecodeFn func(ctx context.Context, data []byte, target any) error

type ValidateFn func(ctx context.Context, value any) error

func New(encode EncodeFn, decode DecodeFn, validate ValidateFn) *Serde {
	return &Serde{encode: encode, decode: decode, validate: validate}
}

// NewJSON creates JSON serialization, the validate function is optional.
func NewJSON(validate ValidateFn) *Serde {
	json := jsoniter.ConfigCompatibleWithStandardLibrary
	return New(
		func(_ context.Context, value any) (string, error) {
			return json.MarshalToString(value)
		},
		func(_ context.Context, data []byte, target any) error {
			return json.Unmarshal(data, target)
		},
		validate,
	)
}

func (s *Serde) Encode(ctx context.Context, value any) (string, error) {
	if s.validate != nil {
		if err := s.validate(ctx, value); err != nil {
			return "", err
		}
	}
	return s.encode(ctx, value)
}

func (s *Serde) Decode(ctx context.Context, kv *op.KeyValue, target any) error {
	if err := s.decode(ctx, kv.Value, target); err != nil {
		return errors.PrefixErrorf(err, `invalid value for "%s"`, string(kv.Key))
	}
	if s.validate != nil {
		if err := s.validate(ctx, target); err != nil {
			return errors.PrefixErrorf(err, `invalid value for "%s"`, string(kv.Key))
		}
	}
	return nil
}
