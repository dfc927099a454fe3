package engine

import (
	"fmt"

	"github.com/ngaut/log"
	"github.com/pingcap/errors"

	"github.com/pingcap-incubator/tinyocc/occ/access"
	"github.com/pingcap-incubator/tinyocc/occ/config"
	"github.com/pingcap-incubator/tinyocc/occ/dag"
	"github.com/pingcap-incubator/tinyocc/occ/mvstore"
	"github.com/pingcap-incubator/tinyocc/occ/scheduler"
	"github.com/pingcap-incubator/tinyocc/occ/storage"
)

// Transaction is one decoded batch entry: the messages to execute and the
// account that signed them. Wire decoding happens upstream.
type Transaction struct {
	Msgs   []access.Message
	Signer string
}

// Event is one externally observable effect a handler emitted. Events are
// reported per transaction in batch order regardless of execution order.
type Event struct {
	Type       string
	Attributes map[string]string
}

// TxStatus is the terminal status of one transaction.
type TxStatus int

const (
	StatusCommitted TxStatus = iota
	StatusFailed
)

func (s TxStatus) String() string {
	if s == StatusCommitted {
		return "committed"
	}
	return "failed"
}

// TxResult reports one transaction's outcome. Writes holds the settled write
// set of a committed transaction in key order; a failed transaction persists
// nothing and carries its error instead.
type TxResult struct {
	Status  TxStatus
	Err     error
	Events  []Event
	Writes  []storage.Modify
	Retries int
}

// BatchResult reports a fully executed batch, transactions in batch order.
type BatchResult struct {
	Txns []TxResult
}

// CommittedCount returns how many transactions of the batch committed.
func (r *BatchResult) CommittedCount() int {
	n := 0
	for _, tx := range r.Txns {
		if tx.Status == StatusCommitted {
			n++
		}
	}
	return n
}

// Handler executes one message against a transaction's store view and
// returns the events it emitted. A handler must stay within the access scope
// declared for its message type; an access outside the declared scope is
// invisible to the dependency graph and can surface as stale state.
type Handler interface {
	Handle(txn *mvstore.Txn, msg access.Message, signer string) ([]Event, error)
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(txn *mvstore.Txn, msg access.Message, signer string) ([]Event, error)

func (f HandlerFunc) Handle(txn *mvstore.Txn, msg access.Message, signer string) ([]Event, error) {
	return f(txn, msg, signer)
}

// AnteHandler runs once per transaction before its messages, for envelope
// work such as fee deduction. Its declared operations join the transaction's
// list ahead of every message's operations; a failing ante fails the whole
// transaction.
type AnteHandler interface {
	DeclareOps(tx Transaction) ([]access.Operation, error)
	Handle(txn *mvstore.Txn, tx Transaction) error
}

// Engine executes transaction batches against a base store. Handlers and the
// declarer registry are wired at startup; execution entry points are safe to
// call one batch at a time.
type Engine struct {
	conf     *config.Config
	store    storage.Store
	registry *access.Registry
	handlers map[string]Handler
	ante     AnteHandler
}

func New(conf *config.Config, store storage.Store, registry *access.Registry) *Engine {
	return &Engine{
		conf:     conf,
		store:    store,
		registry: registry,
		handlers: make(map[string]Handler),
	}
}

// RegisterHandler binds a handler to a message type. Double registration is a
// programming error.
func (e *Engine) RegisterHandler(msgType string, h Handler) {
	if _, ok := e.handlers[msgType]; ok {
		panic(fmt.Sprintf("engine: handler for %q registered twice", msgType))
	}
	e.handlers[msgType] = h
}

func (e *Engine) SetAnteHandler(a AnteHandler) {
	e.ante = a
}

// ExecuteBatch runs a batch in parallel and applies the surviving write sets
// to the base store in one commit. A modeling error rejects the batch with
// the store untouched; per-transaction failures are reported in the result
// and do not fail the batch.
func (e *Engine) ExecuteBatch(batch []Transaction) (*BatchResult, error) {
	n := len(batch)
	decls := make([][]dag.OpRef, n)
	hints := make([][][]byte, n)
	for i, tx := range batch {
		refs, h, err := e.declareTx(tx)
		if err != nil {
			return nil, errors.Annotatef(err, "transaction %d", i)
		}
		decls[i] = refs
		hints[i] = h
	}
	g, err := dag.Build(decls)
	if err != nil {
		return nil, err
	}

	mv := mvstore.New(e.store, n)
	outs, err := scheduler.New(e.conf, g, mv, e.txFunc(batch), hints).Run()
	if err != nil {
		return nil, err
	}
	if err := e.store.Commit(mv.FinalWrites()); err != nil {
		return nil, errors.WithStack(err)
	}

	res := &BatchResult{Txns: make([]TxResult, n)}
	for i, out := range outs {
		tr := TxResult{Retries: out.Retries}
		if out.Err != nil {
			tr.Status = StatusFailed
			tr.Err = out.Err
		} else {
			tr.Status = StatusCommitted
			tr.Events, _ = out.Value.([]Event)
			tr.Writes = mv.TxnWrites(i)
		}
		res.Txns[i] = tr
	}
	log.Infof("batch done, %d/%d transactions committed", res.CommittedCount(), n)
	return res, nil
}

// declareTx assembles one transaction's validated declaration list together
// with the concrete keys its declared writes pin down, which the scheduler
// pre-marks as estimates. Every operation list entering the graph passes
// through the validation here, whatever source produced it.
func (e *Engine) declareTx(tx Transaction) ([]dag.OpRef, [][]byte, error) {
	var refs []dag.OpRef
	if e.ante != nil {
		ops, err := e.ante.DeclareOps(tx)
		if err != nil {
			return nil, nil, err
		}
		for _, op := range ops {
			refs = append(refs, dag.OpRef{MsgIndex: -1, Op: op})
		}
	}
	for i, msg := range tx.Msgs {
		ops, err := e.registry.DeclareMessage(msg, tx.Signer)
		if err != nil {
			return nil, nil, err
		}
		for _, op := range ops {
			refs = append(refs, dag.OpRef{MsgIndex: i, Op: op})
		}
	}

	ops := make([]access.Operation, len(refs))
	for i, ref := range refs {
		ops[i] = ref.Op
	}
	if err := access.ValidateOps(ops, e.conf.MaxDeclaredOps); err != nil {
		return nil, nil, err
	}

	var hints [][]byte
	for _, ref := range refs {
		if ref.Op.Kind != access.KindWrite {
			continue
		}
		if key, ok := ref.Op.ConcreteKey(); ok {
			hints = append(hints, key)
		}
	}
	refs = append(refs, dag.OpRef{MsgIndex: -1, Op: access.CommitOp()})
	return refs, hints, nil
}

// txFunc adapts the batch's handlers into the single run function the
// scheduler drives. The returned events carry the batch-order guarantee
// because results are assembled by transaction index, not completion order.
func (e *Engine) txFunc(batch []Transaction) func(txn *mvstore.Txn) (interface{}, error) {
	return func(txn *mvstore.Txn) (interface{}, error) {
		tx := batch[txn.Index()]
		if e.ante != nil {
			if err := e.ante.Handle(txn, tx); err != nil {
				return nil, err
			}
		}
		var events []Event
		for i, msg := range tx.Msgs {
			h, ok := e.handlers[msg.Type()]
			if !ok {
				return nil, &ErrNoHandler{MsgType: msg.Type()}
			}
			evs, err := h.Handle(txn, msg, tx.Signer)
			if err != nil {
				return nil, errors.Annotatef(err, "message %d", i)
			}
			events = append(events, evs...)
		}
		return events, nil
	}
}

// ErrNoHandler fails a transaction carrying a message type nothing was
// registered to execute. It is that transaction's failure, not a batch
// fault: the declarer registry may still cover the type conservatively.
type ErrNoHandler struct {
	MsgType string
}

func (e *ErrNoHandler) Error() string {
	return fmt.Sprintf("no handler registered for message type %q", e.MsgType)
}
