package engine

import (
	"github.com/pingcap/errors"

	"github.com/pingcap-incubator/tinyocc/occ/dag"
	"github.com/pingcap-incubator/tinyocc/occ/mvstore"
)

// ExecuteSequential runs a batch strictly in order, one transaction at a
// time. It is the reference behavior parallel execution must be equivalent
// to, and a fallback for debugging. Declaration validation and graph
// construction still run so that a batch rejected in parallel mode is
// rejected identically here.
func (e *Engine) ExecuteSequential(batch []Transaction) (*BatchResult, error) {
	n := len(batch)
	decls := make([][]dag.OpRef, n)
	for i, tx := range batch {
		refs, _, err := e.declareTx(tx)
		if err != nil {
			return nil, errors.Annotatef(err, "transaction %d", i)
		}
		decls[i] = refs
	}
	if _, err := dag.Build(decls); err != nil {
		return nil, err
	}

	mv := mvstore.New(e.store, n)
	fn := e.txFunc(batch)
	res := &BatchResult{Txns: make([]TxResult, n)}
	for i := 0; i < n; i++ {
		txn := mv.NewTxn(i, &mvstore.Record{}, nil)
		value, err := fn(txn)
		if err != nil {
			mv.SetWriteSet(i, nil)
			res.Txns[i] = TxResult{Status: StatusFailed, Err: err}
			continue
		}
		mv.SetWriteSet(i, txn.Writes())
		events, _ := value.([]Event)
		res.Txns[i] = TxResult{Status: StatusCommitted, Events: events, Writes: mv.TxnWrites(i)}
	}
	if err := e.store.Commit(mv.FinalWrites()); err != nil {
		return nil, errors.WithStack(err)
	}
	return res, nil
}
