package mvstore

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/google/btree"

	"github.com/pingcap-incubator/tinyocc/occ/storage"
)

// Store is the multi-version overlay a batch executes through. The base store
// stays untouched until the whole batch settles; every speculative write
// lands in a per-key, per-transaction cell instead. A transaction reading key
// k at index t sees the highest cell below t, falling back to the base store
// when no lower transaction wrote k.
type Store struct {
	base storage.Store

	// data maps key -> *keyCells. Entries are created on first write and
	// never removed during a batch.
	data sync.Map

	// index orders every key that ever received a cell, so iterators can
	// merge the version layer with the base store. Cloned (copy on write) per
	// iterator for a consistent key snapshot. Append-only: a key stays
	// indexed even after its cells are cleared, which only costs iterators a
	// floor probe that comes up empty.
	mu    sync.Mutex
	index *btree.BTree

	// lastWrites[t] tracks which keys transaction t currently has cells
	// under, so re-execution can retract stale writes and aborts can convert
	// or clear them.
	lastWrites []*txWrites
}

type txWrites struct {
	mu   sync.Mutex
	keys []string
}

func New(base storage.Store, numTxns int) *Store {
	s := &Store{
		base:       base,
		index:      btree.New(32),
		lastWrites: make([]*txWrites, numTxns),
	}
	for i := range s.lastWrites {
		s.lastWrites[i] = &txWrites{}
	}
	return s
}

func (s *Store) NumTxns() int {
	return len(s.lastWrites)
}

type keyItem []byte

func (k keyItem) Less(than btree.Item) bool {
	return bytes.Compare(k, than.(keyItem)) < 0
}

func (s *Store) getCells(key string, create bool) *keyCells {
	if v, ok := s.data.Load(key); ok {
		return v.(*keyCells)
	}
	if !create {
		return nil
	}
	v, _ := s.data.LoadOrStore(key, newKeyCells())
	return v.(*keyCells)
}

func (s *Store) indexKey(key string) {
	s.mu.Lock()
	s.index.ReplaceOrInsert(keyItem(key))
	s.mu.Unlock()
}

func (s *Store) cloneIndex() *btree.BTree {
	s.mu.Lock()
	clone := s.index.Clone()
	s.mu.Unlock()
	return clone
}

// Read returns the value visible to txIndex: the highest settled cell below
// it, or the base store's value when no lower transaction wrote the key. A
// tombstone cell hides the base value. Hitting an estimate returns
// ErrBlockedRead naming the transaction the reader must wait out.
func (s *Store) Read(key []byte, txIndex int) ([]byte, error) {
	if kc := s.getCells(string(key), false); kc != nil {
		kc.mu.RLock()
		idx, c := kc.floor(txIndex)
		if c != nil {
			if c.estimate {
				kc.mu.RUnlock()
				return nil, &ErrBlockedRead{Key: append([]byte(nil), key...), Blocking: idx}
			}
			if c.deleted {
				kc.mu.RUnlock()
				return nil, nil
			}
			val := c.value
			kc.mu.RUnlock()
			return val, nil
		}
		kc.mu.RUnlock()
	}
	return s.base.Get(key)
}

// readVersionCell resolves the version layer only, for the merged iterator:
// visible reports whether a settled cell below txIndex exists at all.
func (s *Store) readVersionCell(key string, txIndex int) (val []byte, deleted bool, visible bool, blocked *ErrBlockedRead) {
	kc := s.getCells(key, false)
	if kc == nil {
		return nil, false, false, nil
	}
	kc.mu.RLock()
	defer kc.mu.RUnlock()
	idx, c := kc.floor(txIndex)
	if c == nil {
		return nil, false, false, nil
	}
	if c.estimate {
		return nil, false, false, &ErrBlockedRead{Key: []byte(key), Blocking: idx}
	}
	return c.value, c.deleted, true, nil
}

// writerBelow returns the transaction owning the highest cell below txIndex,
// or -1. Used to name the culprit when validation finds a divergence.
func (s *Store) writerBelow(key []byte, txIndex int) int {
	kc := s.getCells(string(key), false)
	if kc == nil {
		return -1
	}
	kc.mu.RLock()
	defer kc.mu.RUnlock()
	idx, c := kc.floor(txIndex)
	if c == nil {
		return -1
	}
	return idx
}

// WriteEstimates installs estimate cells for the keys a transaction is known
// to write, before its run starts. Later readers of those keys abort instead
// of consuming soon-to-change state. Keys merge into the transaction's
// tracked write set so a later SetWriteSet can retract unused ones.
func (s *Store) WriteEstimates(txIndex int, keys [][]byte) {
	if len(keys) == 0 {
		return
	}
	tw := s.lastWrites[txIndex]
	tw.mu.Lock()
	defer tw.mu.Unlock()

	have := make(map[string]struct{}, len(tw.keys))
	for _, k := range tw.keys {
		have[k] = struct{}{}
	}
	for _, key := range keys {
		name := string(key)
		kc := s.getCells(name, true)
		kc.mu.Lock()
		if v, ok := kc.tm.Get(txIndex); ok {
			v.(*cell).estimate = true
		} else {
			kc.tm.Put(txIndex, &cell{estimate: true})
		}
		kc.mu.Unlock()
		s.indexKey(name)
		if _, ok := have[name]; !ok {
			have[name] = struct{}{}
			tw.keys = append(tw.keys, name)
		}
	}
}

// SetWriteSet replaces the transaction's cells with the writes of its latest
// run. Keys written by a previous incarnation (or predicted as estimates) but
// absent from this run are retracted.
func (s *Store) SetWriteSet(txIndex int, mods []storage.Modify) {
	tw := s.lastWrites[txIndex]
	tw.mu.Lock()
	defer tw.mu.Unlock()

	newCells := make(map[string]*cell, len(mods))
	for i := range mods {
		m := &mods[i]
		newCells[string(m.Key())] = &cell{value: m.Value(), deleted: m.IsDelete()}
	}
	for name, c := range newCells {
		kc := s.getCells(name, true)
		kc.mu.Lock()
		kc.tm.Put(txIndex, c)
		kc.mu.Unlock()
		s.indexKey(name)
	}
	for _, name := range tw.keys {
		if _, ok := newCells[name]; ok {
			continue
		}
		if kc := s.getCells(name, false); kc != nil {
			kc.mu.Lock()
			kc.tm.Remove(txIndex)
			kc.mu.Unlock()
		}
	}
	keys := make([]string, 0, len(newCells))
	for name := range newCells {
		keys = append(keys, name)
	}
	tw.keys = keys
}

// ConvertWritesToEstimates flips the transaction's settled cells into
// estimates when a validated run is thrown away. The next incarnation will
// usually rewrite the same keys, and until it does, readers block on them
// instead of consuming the retracted values.
func (s *Store) ConvertWritesToEstimates(txIndex int) {
	tw := s.lastWrites[txIndex]
	tw.mu.Lock()
	defer tw.mu.Unlock()
	for _, name := range tw.keys {
		kc := s.getCells(name, false)
		if kc == nil {
			continue
		}
		kc.mu.Lock()
		if v, ok := kc.tm.Get(txIndex); ok {
			v.(*cell).estimate = true
		}
		kc.mu.Unlock()
	}
}

// ClearTxn removes every cell the transaction holds, estimates included.
// Called when a transaction leaves the batch for good: permanent failure or
// batch rejection.
func (s *Store) ClearTxn(txIndex int) {
	tw := s.lastWrites[txIndex]
	tw.mu.Lock()
	defer tw.mu.Unlock()
	for _, name := range tw.keys {
		if kc := s.getCells(name, false); kc != nil {
			kc.mu.Lock()
			kc.tm.Remove(txIndex)
			kc.mu.Unlock()
		}
	}
	tw.keys = nil
}

// ValidationResult reports whether a recorded run still holds. Conflict names
// the transaction whose write (or estimate) invalidated it, -1 when the
// culprit cannot be determined.
type ValidationResult struct {
	Valid    bool
	Conflict int
}

func eqValue(a, b []byte) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return bytes.Equal(a, b)
}

// Validate re-derives everything the recorded run observed and compares. A
// run whose reads and iteration sequences all match is safe to commit: it
// executed exactly as it would have under serial order. Validation of an
// unchanged store is idempotent; validating twice gives the same verdict.
func (s *Store) Validate(txIndex int, rec *Record) (ValidationResult, error) {
	for _, rd := range rec.reads {
		cur, err := s.Read(rd.Key, txIndex)
		if err != nil {
			if blocked, ok := err.(*ErrBlockedRead); ok {
				return ValidationResult{Valid: false, Conflict: blocked.Blocking}, nil
			}
			return ValidationResult{}, err
		}
		if !eqValue(cur, rd.Value) {
			return ValidationResult{Valid: false, Conflict: s.writerBelow(rd.Key, txIndex)}, nil
		}
	}
	for _, ir := range rec.iters {
		res, err := s.replayIter(txIndex, ir)
		if err != nil || !res.Valid {
			return res, err
		}
	}
	return ValidationResult{Valid: true, Conflict: -1}, nil
}

// replayIter walks the merged range again and checks the caller would consume
// the same key sequence now. An early-stopped iteration only pins the prefix
// it observed; a run-to-exhaustion iteration pins the whole range.
func (s *Store) replayIter(txIndex int, ir *IterRecord) (ValidationResult, error) {
	it := s.Iter(ir.Start, ir.End, txIndex, ir.Reverse, nil)
	defer it.Close()

	i := 0
	for ; it.Valid(); it.Next() {
		if i >= len(ir.Keys) {
			if ir.EarlyStopped {
				return ValidationResult{Valid: true, Conflict: -1}, nil
			}
			// A key appeared beyond the recorded end of the range.
			return ValidationResult{Valid: false, Conflict: s.writerBelow(it.Key(), txIndex)}, nil
		}
		if !bytes.Equal(it.Key(), ir.Keys[i]) {
			conflict := s.writerBelow(it.Key(), txIndex)
			if conflict == -1 {
				conflict = s.writerBelow(ir.Keys[i], txIndex)
			}
			return ValidationResult{Valid: false, Conflict: conflict}, nil
		}
		i++
		if ir.EarlyStopped && i == len(ir.Keys) {
			return ValidationResult{Valid: true, Conflict: -1}, nil
		}
	}
	if err := it.Err(); err != nil {
		if blocked, ok := err.(*ErrBlockedRead); ok {
			return ValidationResult{Valid: false, Conflict: blocked.Blocking}, nil
		}
		return ValidationResult{}, err
	}
	if i < len(ir.Keys) {
		return ValidationResult{Valid: false, Conflict: s.writerBelow(ir.Keys[i], txIndex)}, nil
	}
	return ValidationResult{Valid: true, Conflict: -1}, nil
}

// FinalWrites flattens the version layer into one batch for the base store:
// for every touched key, the highest settled cell wins. Called once, after
// execution has fully stopped and failed transactions have been cleared.
func (s *Store) FinalWrites() []storage.Modify {
	var mods []storage.Modify
	snap := s.cloneIndex()
	snap.Ascend(func(item btree.Item) bool {
		name := string(item.(keyItem))
		kc := s.getCells(name, false)
		if kc == nil {
			return true
		}
		kc.mu.RLock()
		idx, c := kc.floor(s.NumTxns())
		for c != nil && c.estimate {
			idx, c = kc.floor(idx)
		}
		kc.mu.RUnlock()
		if c == nil {
			return true
		}
		key := []byte(name)
		if c.deleted {
			mods = append(mods, storage.Modify{Data: storage.Delete{Key: key}})
		} else {
			mods = append(mods, storage.Modify{Data: storage.Put{Key: key, Value: c.value}})
		}
		return true
	})
	return mods
}

// TxnWrites returns one transaction's settled write set in key order, for
// reporting. Empty for transactions that wrote nothing or were cleared.
func (s *Store) TxnWrites(txIndex int) []storage.Modify {
	tw := s.lastWrites[txIndex]
	tw.mu.Lock()
	keys := make([]string, len(tw.keys))
	copy(keys, tw.keys)
	tw.mu.Unlock()
	sort.Strings(keys)

	var mods []storage.Modify
	for _, name := range keys {
		kc := s.getCells(name, false)
		if kc == nil {
			continue
		}
		kc.mu.RLock()
		v, ok := kc.tm.Get(txIndex)
		kc.mu.RUnlock()
		if !ok {
			continue
		}
		c := v.(*cell)
		if c.estimate {
			continue
		}
		key := []byte(name)
		if c.deleted {
			mods = append(mods, storage.Modify{Data: storage.Delete{Key: key}})
		} else {
			mods = append(mods, storage.Modify{Data: storage.Put{Key: key, Value: c.value}})
		}
	}
	return mods
}

// ErrBlockedRead aborts a speculative read that hit an estimate: a
// placeholder for a write of a lower transaction that has not settled again.
// The reader must abort and resume once Blocking commits, rather than wait in
// place or consume a value that is about to change.
type ErrBlockedRead struct {
	Key      []byte
	Blocking int
}

func (e *ErrBlockedRead) Error() string {
	return fmt.Sprintf("read of %q blocked by transaction %d", e.Key, e.Blocking)
}

// ErrAborted fails every store operation of a run that has already hit a
// blocked read. One abort per run: further work after the first is a hard
// stop, not another signal.
type ErrAborted struct {
	TxIndex int
}

func (e *ErrAborted) Error() string {
	return fmt.Sprintf("transaction %d already aborted this run", e.TxIndex)
}
