// Package scheduler drives a dependency graph of transactions to completion
// against a multi-version store.
//
// Every transaction walks the same state machine. It is queued to run, runs
// speculatively against the store, and once every direct predecessor has
// reached a terminal status it is validated: the reads and iterations its run
// recorded are re-derived against the current store and compared. A clean
// validation commits the transaction and its writes become the settled values
// for the transactions above it. A divergence aborts the run, turns its
// writes into estimates and queues a fresh run. A run that reads another
// transaction's estimate aborts immediately and parks on that transaction
// instead of retrying into the same placeholder.
//
// Workers never wait on each other. All coordination goes through the task
// queue, the per-transaction status word and the parked-transaction table, so
// a stalled transaction cannot strand a worker.
package scheduler

import (
	"fmt"
	"sync"

	"github.com/ngaut/log"
	"go.uber.org/atomic"

	"github.com/pingcap-incubator/tinyocc/occ/config"
	"github.com/pingcap-incubator/tinyocc/occ/dag"
	"github.com/pingcap-incubator/tinyocc/occ/mvstore"
)

// TxFunc executes one transaction's application logic against a store view.
// The returned value is kept only from the run that ends up committing and is
// handed back in the transaction's Outcome. Iterators opened on the view must
// be closed before returning, otherwise the run's record claims it consumed
// the whole range and validation pins keys the run never looked at.
type TxFunc func(txn *mvstore.Txn) (interface{}, error)

// Outcome is the terminal result of one transaction.
//
// Err carries the transaction's own failure: its logic returned an error on a
// validated run, or it ran out of retries. In both cases the transaction
// persisted nothing. Value is the TxFunc result of the committed run, nil
// whenever Err is set.
type Outcome struct {
	Err     error
	Value   interface{}
	Retries int
}

// Transaction scheduling statuses. A transaction holding a queued task is in
// a Queued status and only the worker that dequeues the task advances it, so
// at most one task per transaction is ever outstanding.
const (
	statePending int32 = iota
	stateRunQueued
	stateRunning
	// stateWaitPreds: ran to completion, waiting for the last direct
	// predecessor to reach a terminal status before validating.
	stateWaitPreds
	stateValidateQueued
	stateValidating
	// stateParked: aborted, registered in the parked table under the
	// transaction it must wait out.
	stateParked
	stateCommitted
	stateFailed
)

type txState struct {
	status *atomic.Int32
	// waitPreds counts direct predecessors that have not reached a terminal
	// status yet. The decrement that hits zero admits the transaction.
	waitPreds *atomic.Int32
	retries   *atomic.Int32

	// Latest completed run, read by the validate task and by the final
	// outcome assembly. Handed off through the task channel.
	rec    *mvstore.Record
	value  interface{}
	runErr error

	// Terminal failure, set at most once by the owning worker.
	failErr error
}

// Scheduler runs one batch. It is not reusable; build a fresh one per batch.
type Scheduler struct {
	conf       *config.Config
	graph      *dag.Graph
	store      *mvstore.Store
	fn         TxFunc
	writeHints [][][]byte

	txs  []*txState
	pool *pool

	waitMu sync.Mutex
	parked map[int][]int

	terminals *atomic.Int32
	finishCh  chan struct{}

	errMu    sync.Mutex
	fatalErr error
}

// New builds a scheduler over a graph and the store the batch executes
// through. writeHints optionally carries, per transaction, the concrete keys
// it is known to write; they are installed as estimates when each run starts
// so speculative readers abort instead of consuming soon-to-change state.
func New(conf *config.Config, g *dag.Graph, store *mvstore.Store, fn TxFunc, writeHints [][][]byte) *Scheduler {
	n := g.NumTxns()
	s := &Scheduler{
		conf:       conf,
		graph:      g,
		store:      store,
		fn:         fn,
		writeHints: writeHints,
		txs:        make([]*txState, n),
		pool:       newPool(2*n + conf.Workers),
		parked:     make(map[int][]int),
		terminals:  atomic.NewInt32(0),
		finishCh:   make(chan struct{}, 1),
	}
	for x := 0; x < n; x++ {
		s.txs[x] = &txState{
			status:    atomic.NewInt32(statePending),
			waitPreds: atomic.NewInt32(int32(len(g.TxPredecessors(x)))),
			retries:   atomic.NewInt32(0),
		}
	}
	return s
}

// Run executes the batch and returns one Outcome per transaction, in batch
// order. It returns only when every transaction has reached a terminal
// status. The error is reserved for base store failures during validation;
// per-transaction failures live in the outcomes.
func (s *Scheduler) Run() ([]Outcome, error) {
	n := s.graph.NumTxns()
	if n == 0 {
		return nil, nil
	}
	s.pool.start(s.conf.Workers, s.handle)
	for x := 0; x < n; x++ {
		st := s.txs[x]
		if s.conf.Eager || st.waitPreds.Load() == 0 {
			if st.status.CAS(statePending, stateRunQueued) {
				s.pool.submit(runTask{txIndex: x})
			}
		}
	}
	<-s.finishCh
	s.pool.stopAll(s.conf.Workers)
	s.pool.wait()

	outs := make([]Outcome, n)
	for x := 0; x < n; x++ {
		st := s.txs[x]
		outs[x] = Outcome{Retries: int(st.retries.Load())}
		switch st.status.Load() {
		case stateCommitted:
			outs[x].Err = st.runErr
			if st.runErr == nil {
				outs[x].Value = st.value
			}
		case stateFailed:
			outs[x].Err = st.failErr
		}
	}
	return outs, s.fatalErr
}

func (s *Scheduler) handle(t task) {
	busyWorkers.Inc()
	defer busyWorkers.Dec()
	// A task whose claim fails is stale and is dropped.
	switch t := t.(type) {
	case runTask:
		if s.txs[t.txIndex].status.CAS(stateRunQueued, stateRunning) {
			s.runOne(t.txIndex)
		}
	case validateTask:
		if s.txs[t.txIndex].status.CAS(stateValidateQueued, stateValidating) {
			s.validateOne(t.txIndex)
		}
	}
}

// runOne executes one incarnation of a transaction. A blocked read aborts the
// run; otherwise the write set is installed (empty when the transaction's own
// logic failed, since a failing run keeps its reads but persists nothing) and
// the transaction moves on toward validation.
func (s *Scheduler) runOne(txIndex int) {
	st := s.txs[txIndex]
	schedCounter.WithLabelValues("run").Inc()
	if hints := s.hintFor(txIndex); len(hints) > 0 {
		s.store.WriteEstimates(txIndex, hints)
	}
	rec := &mvstore.Record{}
	txn := s.store.NewTxn(txIndex, rec, nil)
	value, err := s.fn(txn)
	if b := txn.Blocked(); b != nil {
		schedCounter.WithLabelValues("abort_blocked").Inc()
		log.Debugf("txn %d blocked by txn %d on %q", txIndex, b.Blocking, b.Key)
		s.requeue(txIndex, b.Blocking)
		return
	}
	if err != nil {
		// The failure may itself be an artifact of a stale read, so the run
		// is still validated before the error becomes the final outcome.
		s.store.SetWriteSet(txIndex, nil)
		st.value, st.runErr = nil, err
	} else {
		s.store.SetWriteSet(txIndex, txn.Writes())
		st.value, st.runErr = value, nil
	}
	st.rec = rec
	st.status.Store(stateWaitPreds)
	if st.waitPreds.Load() == 0 && st.status.CAS(stateWaitPreds, stateValidateQueued) {
		s.pool.submit(validateTask{txIndex: txIndex})
	}
}

// validateOne replays the recorded run against the current store. It is only
// reached once every direct predecessor is terminal, so a clean replay cannot
// be invalidated afterwards and the transaction commits.
func (s *Scheduler) validateOne(txIndex int) {
	st := s.txs[txIndex]
	schedCounter.WithLabelValues("validate").Inc()
	res, err := s.store.Validate(txIndex, st.rec)
	if err != nil {
		s.setFatal(err)
		s.store.ClearTxn(txIndex)
		st.failErr = err
		s.finish(txIndex, stateFailed)
		return
	}
	if !res.Valid {
		schedCounter.WithLabelValues("abort_invalid").Inc()
		log.Debugf("txn %d invalidated by txn %d", txIndex, res.Conflict)
		s.store.ConvertWritesToEstimates(txIndex)
		s.requeue(txIndex, res.Conflict)
		return
	}
	schedCounter.WithLabelValues("commit").Inc()
	s.finish(txIndex, stateCommitted)
}

// requeue charges one retry and queues a fresh run, parking on the blocking
// transaction when it is known and still live. Past the retry bound the
// transaction fails for good and its cells are removed so nothing above it
// blocks on a transaction that will never settle.
func (s *Scheduler) requeue(txIndex, blocker int) {
	st := s.txs[txIndex]
	n := int(st.retries.Inc())
	if n > s.conf.MaxRetries {
		schedCounter.WithLabelValues("exhaust").Inc()
		log.Warnf("txn %d aborted %d times, giving up", txIndex, n)
		s.store.ClearTxn(txIndex)
		st.failErr = &ErrRetryExhausted{TxIndex: txIndex, Retries: n}
		s.finish(txIndex, stateFailed)
		return
	}
	if blocker >= 0 && s.parkOn(txIndex, blocker) {
		return
	}
	st.status.Store(stateRunQueued)
	s.pool.submit(runTask{txIndex: txIndex})
}

// finish moves a transaction to a terminal status and propagates it: parked
// transactions wake, dependents lose one outstanding predecessor, and the
// batch finishes when the last transaction settles. The status is stored
// before the parked table is drained; parkOn relies on that order.
func (s *Scheduler) finish(txIndex int, state int32) {
	st := s.txs[txIndex]
	st.status.Store(state)
	s.wakeParked(txIndex)
	for _, d := range s.graph.TxDependents(txIndex) {
		if s.txs[d].waitPreds.Dec() == 0 {
			s.admit(d)
		}
	}
	if int(s.terminals.Inc()) == len(s.txs) {
		select {
		case s.finishCh <- struct{}{}:
		default:
		}
	}
}

// admit queues the next task for a transaction whose last predecessor just
// settled. A transaction still running or parked is left alone; its owner
// observes the zero predecessor count itself.
func (s *Scheduler) admit(txIndex int) {
	st := s.txs[txIndex]
	if st.status.CAS(statePending, stateRunQueued) {
		s.pool.submit(runTask{txIndex: txIndex})
	} else if st.status.CAS(stateWaitPreds, stateValidateQueued) {
		s.pool.submit(validateTask{txIndex: txIndex})
	}
}

func (s *Scheduler) isTerminal(txIndex int) bool {
	st := s.txs[txIndex].status.Load()
	return st == stateCommitted || st == stateFailed
}

func (s *Scheduler) hintFor(txIndex int) [][]byte {
	if txIndex >= len(s.writeHints) {
		return nil
	}
	return s.writeHints[txIndex]
}

func (s *Scheduler) setFatal(err error) {
	s.errMu.Lock()
	if s.fatalErr == nil {
		s.fatalErr = err
	}
	s.errMu.Unlock()
}

// ErrRetryExhausted reports a transaction that kept aborting past the
// configured retry bound. It is the transaction's failure, never the
// batch's.
type ErrRetryExhausted struct {
	TxIndex int
	Retries int
}

func (e *ErrRetryExhausted) Error() string {
	return fmt.Sprintf("transaction %d gave up after %d aborts", e.TxIndex, e.Retries)
}
