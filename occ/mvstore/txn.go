package mvstore

import (
	"github.com/pingcap-incubator/tinyocc/occ/storage"
)

// Txn is the view one transaction executes through. Reads resolve against the
// multi-version store at the transaction's index and are recorded for
// validation; writes are buffered here and only installed as cells when the
// run completes. A transaction always reads its own buffered writes back.
//
// The first blocked read hard-stops the run: the abort hook fires once and
// every later operation fails fast with ErrAborted instead of signalling
// again.
type Txn struct {
	store     *Store
	txIndex   int
	rec       *Record
	writes    map[string]int
	mods      []storage.Modify
	aborted   bool
	blocked   *ErrBlockedRead
	onBlocked func(*ErrBlockedRead)
}

// NewTxn opens a view for one incarnation of txIndex. onBlocked, when set, is
// invoked exactly once if the run hits an estimate.
func (s *Store) NewTxn(txIndex int, rec *Record, onBlocked func(*ErrBlockedRead)) *Txn {
	return &Txn{
		store:     s,
		txIndex:   txIndex,
		rec:       rec,
		writes:    make(map[string]int),
		onBlocked: onBlocked,
	}
}

func (t *Txn) Index() int {
	return t.txIndex
}

func (t *Txn) Record() *Record {
	return t.rec
}

// Writes returns the buffered write set in first-write order, one entry per
// key with the last staged value winning.
func (t *Txn) Writes() []storage.Modify {
	return t.mods
}

// Blocked returns the blocked read that aborted this run, if any.
func (t *Txn) Blocked() *ErrBlockedRead {
	return t.blocked
}

func (t *Txn) noteBlocked(b *ErrBlockedRead) {
	if t.aborted {
		return
	}
	t.aborted = true
	t.blocked = b
	if t.onBlocked != nil {
		t.onBlocked(b)
	}
}

func (t *Txn) Get(key []byte) ([]byte, error) {
	if t.aborted {
		return nil, &ErrAborted{TxIndex: t.txIndex}
	}
	if pos, ok := t.writes[string(key)]; ok {
		m := &t.mods[pos]
		if m.IsDelete() {
			return nil, nil
		}
		return m.Value(), nil
	}
	val, err := t.store.Read(key, t.txIndex)
	if err != nil {
		if blocked, ok := err.(*ErrBlockedRead); ok {
			t.noteBlocked(blocked)
		}
		return nil, err
	}
	t.rec.RecordRead(key, val)
	return val, nil
}

func (t *Txn) stage(m storage.Modify) {
	name := string(m.Key())
	if pos, ok := t.writes[name]; ok {
		t.mods[pos] = m
		return
	}
	t.writes[name] = len(t.mods)
	t.mods = append(t.mods, m)
}

func (t *Txn) Put(key, value []byte) {
	t.stage(storage.Modify{Data: storage.Put{Key: key, Value: value}})
}

func (t *Txn) Delete(key []byte) {
	t.stage(storage.Modify{Data: storage.Delete{Key: key}})
}

// Iter opens a recorded merged iteration over [start, end). Buffered writes
// of this transaction are not merged in: the walk shows exactly the state
// below the transaction, which is also what validation replays.
func (t *Txn) Iter(start, end []byte) *Iterator {
	return t.iter(start, end, false)
}

func (t *Txn) IterReverse(start, end []byte) *Iterator {
	return t.iter(start, end, true)
}

func (t *Txn) iter(start, end []byte, reverse bool) *Iterator {
	if t.aborted {
		return &Iterator{exhausted: true, err: &ErrAborted{TxIndex: t.txIndex}}
	}
	return t.store.newIter(start, end, t.txIndex, reverse, t.rec, t.noteBlocked)
}
