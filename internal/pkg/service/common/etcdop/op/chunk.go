package op

import (
	"context"
	"slices"

	etcd "go.etcd.io/etcd/client/v3"
)

// MaxTxnOps is the default limit of the etcd server, see the "--max-txn-ops" flag.
// The limit applies separately to the If, Then and Else parts of a transaction.
const MaxTxnOps = 128

// ItemsPerTxn returns how many items fit into one transaction, if each item takes opsPerItem operations.
func ItemsPerTxn(opsPerItem int) int {
	return max(1, MaxTxnOps/max(1, opsPerItem))
}

// ChunkedTxn applies a long list of operations in transactions of at most MaxTxnOps operations.
// Each transaction is guarded by the same conditions.
// Operations added by one Then call are never split between two transactions.
// The whole list is not atomic: the chunks are applied in order and the first failed condition stops the rest.
type ChunkedTxn struct {
	client etcd.KV
	ifs    []etcd.Cmp
	groups [][]Op
	count  int
}

// ChunkedTxnResult describes applied chunks.
type ChunkedTxnResult struct {
	Succeeded bool
	// Applied is the number of applied chunks.
	Applied int
	// Revisions of the applied chunks.
	Revisions []int64
}

func NewChunkedTxn(client etcd.KV) *ChunkedTxn {
	return &ChunkedTxn{client: client}
}

func (v *ChunkedTxn) If(cmps ...etcd.Cmp) *ChunkedTxn {
	v.ifs = append(v.ifs, cmps...)
	return v
}

func (v *ChunkedTxn) Then(ops ...Op) *ChunkedTxn {
	if len(ops) > 0 {
		v.groups = append(v.groups, ops)
		v.count += len(ops)
	}
	return v
}

func (v *ChunkedTxn) Len() int {
	return v.count
}

// Txns returns transactions of the chunks.
func (v *ChunkedTxn) Txns() (out []*TxnOp) {
	var chunk []Op
	flush := func() {
		if len(chunk) > 0 {
			out = append(out, NewTxnOp(v.client).If(v.ifs...).Then(chunk...))
			chunk = nil
		}
	}
	for _, group := range v.groups {
		if len(chunk)+len(group) > MaxTxnOps {
			flush()
		}
		for part := range slices.Chunk(group, MaxTxnOps) {
			chunk = append(chunk, part...)
			if len(chunk) == MaxTxnOps {
				flush()
			}
		}
	}
	flush()
	return out
}

func (v *ChunkedTxn) Do(ctx context.Context) (ChunkedTxnResult, error) {
	result := ChunkedTxnResult{Succeeded: true}
	for _, txn := range v.Txns() {
		r, err := txn.Do(ctx)
		if err != nil {
			return result, err
		}
		if !r.Succeeded {
			result.Succeeded = false
			return result, nil
		}
		result.Applied++
		if r.Header != nil {
			result.Revisions = append(result.Revisions, r.Header.Revision)
		}
	}
	return result, nil
}

// LastRevision returns revision of the last applied chunk, or 0.
func (r ChunkedTxnResult) LastRevision() int64 {
	if len(r.Revisions) == 0 {
		return 0
	}
	return r.Revisions[len(r.Revisions)-1]
}
