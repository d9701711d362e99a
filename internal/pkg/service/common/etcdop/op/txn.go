package op

import (
	"context"

	"go.etcd.io/etcd/api/v3/etcdserverpb"
	etcd "go.etcd.io/etcd/client/v3"

	"github.com/keboola/keboola-shardjob/internal/pkg/utils/errors"
)

// TxnOp provides high-level interface above etcd.Txn.
// Responses of the Then/Else operations are mapped by the operations, see TxnResult.Results.
type TxnOp struct {
	client  etcd.KV
	ifs     []etcd.Cmp
	thenOps []Op
	elseOps []Op
}

// TxnResult with mapped partial results of the executed branch.
type TxnResult struct {
	Succeeded bool
	Header    *Header
	Results   []any
}

func NewTxnOp(client etcd.KV) *TxnOp {
	return &TxnOp{client: client}
}

// MergeToTxn merges operations to one transaction without conditions.
func MergeToTxn(client etcd.KV, ops ...Op) *TxnOp {
	return NewTxnOp(client).Then(ops...)
}

func (v *TxnOp) If(cmps ...etcd.Cmp) *TxnOp {
	v.ifs = append(v.ifs, cmps...)
	return v
}

func (v *TxnOp) Then(ops ...Op) *TxnOp {
	v.thenOps = append(v.thenOps, ops...)
	return v
}

func (v *TxnOp) Else(ops ...Op) *TxnOp {
	v.elseOps = append(v.elseOps, ops...)
	return v
}

func (v *TxnOp) Empty() bool {
	return len(v.ifs) == 0 && len(v.thenOps) == 0 && len(v.elseOps) == 0
}

func (v *TxnOp) Op(ctx context.Context) (etcd.Op, error) {
	errs := errors.NewMultiError()
	thenOps := lowLevelOps(ctx, v.thenOps, errs)
	elseOps := lowLevelOps(ctx, v.elseOps, errs)
	if err := errs.ErrorOrNil(); err != nil {
		return etcd.Op{}, err
	}
	return etcd.OpTxn(v.ifs, thenOps, elseOps), nil
}

func (v *TxnOp) MapResponse(ctx context.Context, response etcd.OpResponse) (any, error) {
	return v.mapResponse(ctx, response.Txn())
}

func (v *TxnOp) Do(ctx context.Context) (TxnResult, error) {
	etcdOp, err := v.Op(ctx)
	if err != nil {
		return TxnResult{}, err
	}

	response, err := DoWithRetry(ctx, v.client, etcdOp)
	if err != nil {
		return TxnResult{}, err
	}

	return v.mapResponse(ctx, response.Txn())
}

func (v *TxnOp) mapResponse(ctx context.Context, response *etcd.TxnResponse) (TxnResult, error) {
	result := TxnResult{Succeeded: response.Succeeded, Header: response.Header}

	ops := v.thenOps
	if !response.Succeeded {
		ops = v.elseOps
	}

	errs := errors.NewMultiError()
	for i, op := range ops {
		if i >= len(response.Responses) {
			errs.Append(errors.Errorf(`etcd txn: missing response for the operation %d`, i))
			break
		}
		partial, err := op.MapResponse(ctx, toOpResponse(response.Responses[i], response.Header))
		if err != nil {
			errs.Append(err)
		}
		result.Results = append(result.Results, partial)
	}

	return result, errs.ErrorOrNil()
}

func lowLevelOps(ctx context.Context, ops []Op, errs errors.MultiError) (out []etcd.Op) {
	for _, op := range ops {
		etcdOp, err := op.Op(ctx)
		if err != nil {
			errs.Append(err)
			continue
		}
		out = append(out, etcdOp)
	}
	return out
}

func toOpResponse(r *etcdserverpb.ResponseOp, header *Header) etcd.OpResponse {
	switch v := r.Response.(type) {
	case *etcdserverpb.ResponseOp_ResponseRange:
		if v.ResponseRange.Header == nil {
			v.ResponseRange.Header = header
		}
		return (*etcd.GetResponse)(v.ResponseRange).OpResponse()
	case *etcdserverpb.ResponseOp_ResponsePut:
		if v.ResponsePut.Header == nil {
			v.ResponsePut.Header = header
		}
		return (*etcd.PutResponse)(v.ResponsePut).OpResponse()
	case *etcdserverpb.ResponseOp_ResponseDeleteRange:
		if v.ResponseDeleteRange.Header == nil {
			v.ResponseDeleteRange.Header = header
		}
		return (*etcd.DeleteResponse)(v.ResponseDeleteRange).OpResponse()
	case *etcdserverpb.ResponseOp_ResponseTxn:
		if v.ResponseTxn.Header == nil {
			v.ResponseTxn.Header = header
		}
		return (*etcd.TxnResponse)(v.ResponseTxn).OpResponse()
	default:
		panic(errors.Errorf(`unexpected txn response type "%T"`, r.Response))
	}
}
