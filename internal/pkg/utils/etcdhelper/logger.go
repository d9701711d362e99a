package etcdhelper

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	etcd "go.etcd.io/etcd/client/v3"

	"github.com/keboola/keboola-shardjob/internal/pkg/log"
)

type kvWrapper struct {
	etcd.KV
	logger log.Logger
	id     *atomic.Uint64
}

type txnWrapper struct {
	etcd.Txn
	ctx     context.Context
	ifOps   []etcd.Cmp
	thenOps []etcd.Op
	elseOps []etcd.Op
	*kvWrapper
}

// KVLogWrapper logs each KV operation as a debug message.
func KVLogWrapper(kv etcd.KV, logger log.Logger) etcd.KV {
	return &kvWrapper{KV: kv, logger: logger.WithComponent("etcd.kv"), id: &atomic.Uint64{}}
}

func (v *kvWrapper) Put(ctx context.Context, key, val string, opts ...etcd.OpOption) (*etcd.PutResponse, error) {
	r, err := v.Do(ctx, etcd.OpPut(key, val, opts...))
	return r.Put(), err
}

func (v *kvWrapper) Get(ctx context.Context, key string, opts ...etcd.OpOption) (*etcd.GetResponse, error) {
	r, err := v.Do(ctx, etcd.OpGet(key, opts...))
	return r.Get(), err
}

func (v *kvWrapper) Delete(ctx context.Context, key string, opts ...etcd.OpOption) (*etcd.DeleteResponse, error) {
	r, err := v.Do(ctx, etcd.OpDelete(key, opts...))
	return r.Del(), err
}

func (v *kvWrapper) Do(ctx context.Context, op etcd.Op) (etcd.OpResponse, error) {
	id := v.id.Add(1)
	startTime := time.Now()
	r, err := v.KV.Do(ctx, op)
	v.logger.WithDuration(time.Since(startTime)).Debugf(ctx, "ETCD_REQUEST[%04d] %s", id, describe(op, r, err))
	return r, err
}

func (v *kvWrapper) Txn(ctx context.Context) etcd.Txn {
	return &txnWrapper{Txn: v.KV.Txn(ctx), ctx: ctx, kvWrapper: v}
}

func (v *txnWrapper) If(cmps ...etcd.Cmp) etcd.Txn {
	v.Txn.If(cmps...)
	v.ifOps = append(v.ifOps, cmps...)
	return v
}

func (v *txnWrapper) Then(ops ...etcd.Op) etcd.Txn {
	v.Txn.Then(ops...)
	v.thenOps = append(v.thenOps, ops...)
	return v
}

func (v *txnWrapper) Else(ops ...etcd.Op) etcd.Txn {
	v.Txn.Else(ops...)
	v.elseOps = append(v.elseOps, ops...)
	return v
}

func (v *txnWrapper) Commit() (*etcd.TxnResponse, error) {
	id := v.id.Add(1)
	startTime := time.Now()
	r, err := v.Txn.Commit()
	var resp etcd.OpResponse
	if r != nil {
		resp = r.OpResponse()
	}
	op := etcd.OpTxn(v.ifOps, v.thenOps, v.elseOps)
	v.logger.WithDuration(time.Since(startTime)).Debugf(v.ctx, "ETCD_REQUEST[%04d] %s", id, describe(op, resp, err))
	return r, err
}

func describe(op etcd.Op, r etcd.OpResponse, err error) string {
	var out strings.Builder
	switch {
	case op.IsGet():
		out.WriteString("GET ")
	case op.IsPut():
		out.WriteString("PUT ")
	case op.IsDelete():
		out.WriteString("DEL ")
	case op.IsTxn():
		cmps, thenOps, elseOps := op.Txn()
		out.WriteString(fmt.Sprintf("TXN if=%d then=%d else=%d", len(cmps), len(thenOps), len(elseOps)))
	}

	if key := op.KeyBytes(); len(key) > 0 {
		if end := op.RangeBytes(); len(end) > 0 {
			out.WriteString(fmt.Sprintf(`["%s", "%s")`, key, end))
		} else {
			out.WriteString(fmt.Sprintf(`"%s"`, key))
		}
	}

	switch {
	case err != nil:
		out.WriteString(" | error: ")
		out.WriteString(err.Error())
	case r.Get() != nil:
		out.WriteString(fmt.Sprintf(" | rev: %d | count: %d", r.Get().Header.Revision, r.Get().Count))
	case r.Put() != nil:
		out.WriteString(fmt.Sprintf(" | rev: %d", r.Put().Header.Revision))
	case r.Del() != nil:
		out.WriteString(fmt.Sprintf(" | rev: %d | deleted: %d", r.Del().Header.Revision, r.Del().Deleted))
	case r.Txn() != nil:
		out.WriteString(fmt.Sprintf(" | rev: %d | succeeded: %t", r.Txn().Header.Revision, r.Txn().Succeeded))
	}

	return out.String()
}
