package scheduler

import "github.com/ngaut/log"

// An aborted transaction that knows which transaction blocked or invalidated
// it parks here instead of retrying straight into the same estimate. The
// blocker's terminal transition drains its queue and requeues every waiter.

// parkOn registers txIndex to be requeued when blocker reaches a terminal
// status. It reports false when blocker is already terminal, in which case
// the caller requeues immediately. The blocker's status is rechecked under
// the lock: the terminal transition stores the status before it drains the
// queue, so a parker that saw a live blocker is guaranteed to be drained.
func (s *Scheduler) parkOn(txIndex, blocker int) bool {
	s.waitMu.Lock()
	if s.isTerminal(blocker) {
		s.waitMu.Unlock()
		return false
	}
	s.txs[txIndex].status.Store(stateParked)
	s.parked[blocker] = append(s.parked[blocker], txIndex)
	s.waitMu.Unlock()
	log.Debugf("txn %d parked on txn %d", txIndex, blocker)
	return true
}

// wakeParked requeues every transaction parked on txIndex. Waiters are taken
// out of the table under the lock and woken outside it.
func (s *Scheduler) wakeParked(txIndex int) {
	s.waitMu.Lock()
	ready := s.parked[txIndex]
	delete(s.parked, txIndex)
	s.waitMu.Unlock()
	for _, w := range ready {
		if s.txs[w].status.CAS(stateParked, stateRunQueued) {
			s.pool.submit(runTask{txIndex: w})
		}
	}
}
