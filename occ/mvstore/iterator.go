package mvstore

import (
	"bytes"

	"github.com/google/btree"

	"github.com/pingcap-incubator/tinyocc/occ/storage"
)

// Iterator walks the half-open range [start, end) as seen by one transaction:
// the base store merged with every settled cell below its index, in key order
// (or reverse). Tombstone cells hide base entries; estimate cells abort the
// walk the same way a blocked point read would.
//
// Invariant: either the iterator is finished (exhausted or failed) or it is
// positioned on a key/value ready to return. The version-layer key snapshot
// is taken once at construction, so concurrent writers never reorder a walk
// in progress; restarting means constructing a fresh iterator.
type Iterator struct {
	store     *Store
	txIndex   int
	reverse   bool
	verKeys   []string
	verPos    int
	base      storage.Iterator
	ir        *IterRecord
	onBlocked func(*ErrBlockedRead)

	key       []byte
	value     []byte
	valid     bool
	exhausted bool
	err       error
}

// Iter opens a merged iterator for txIndex over [start, end). When rec is
// given, the iteration's bounds and consumed key sequence are recorded for
// validation; pass nil when replaying.
func (s *Store) Iter(start, end []byte, txIndex int, reverse bool, rec *Record) *Iterator {
	return s.newIter(start, end, txIndex, reverse, rec, nil)
}

// newIter wires the abort hook before the first advance, so an estimate on
// the very first key still signals.
func (s *Store) newIter(start, end []byte, txIndex int, reverse bool, rec *Record, onBlocked func(*ErrBlockedRead)) *Iterator {
	it := &Iterator{
		store:     s,
		txIndex:   txIndex,
		reverse:   reverse,
		verKeys:   s.versionKeysInRange(start, end, reverse),
		base:      s.base.Iter(start, end, reverse),
		onBlocked: onBlocked,
	}
	if rec != nil {
		it.ir = &IterRecord{
			Start:   append([]byte(nil), start...),
			End:     append([]byte(nil), end...),
			Reverse: reverse,
		}
		rec.addIter(it.ir)
	}
	it.advance()
	return it
}

// versionKeysInRange snapshots the indexed keys inside [start, end), ordered
// for the requested direction.
func (s *Store) versionKeysInRange(start, end []byte, reverse bool) []string {
	snap := s.cloneIndex()
	var keys []string
	add := func(item btree.Item) bool {
		keys = append(keys, string(item.(keyItem)))
		return true
	}
	switch {
	case start == nil && end == nil:
		snap.Ascend(add)
	case start == nil:
		snap.AscendLessThan(keyItem(end), add)
	case end == nil:
		snap.AscendGreaterOrEqual(keyItem(start), add)
	default:
		snap.AscendRange(keyItem(start), keyItem(end), add)
	}
	if reverse {
		for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
			keys[i], keys[j] = keys[j], keys[i]
		}
	}
	return keys
}

func (it *Iterator) Valid() bool {
	return it.valid
}

// Key returns the current key. Unlike base store cursors it is stable: the
// merged iterator owns the slice.
func (it *Iterator) Key() []byte {
	return it.key
}

func (it *Iterator) Value() []byte {
	return it.value
}

// Err reports why the walk stopped early: an ErrBlockedRead when an estimate
// was hit, a storage error otherwise, nil on plain exhaustion.
func (it *Iterator) Err() error {
	return it.err
}

func (it *Iterator) Next() {
	if !it.valid {
		return
	}
	it.advance()
}

// Close releases the base cursor. Closing before exhaustion marks the
// recorded iteration early-stopped, pinning only the consumed prefix.
func (it *Iterator) Close() {
	if it.base != nil {
		it.base.Close()
	}
	if it.ir != nil && !it.exhausted {
		it.ir.EarlyStopped = true
	}
}

func (it *Iterator) yield(key, value []byte) {
	it.key = key
	it.value = value
	it.valid = true
	if it.ir != nil {
		it.ir.Keys = append(it.ir.Keys, key)
	}
}

func (it *Iterator) fail(err error) {
	it.valid = false
	it.err = err
	if blocked, ok := err.(*ErrBlockedRead); ok && it.onBlocked != nil {
		it.onBlocked(blocked)
	}
}

// advance steps to the next visible key: the smaller side of (version
// snapshot, base cursor), version winning ties since its cell shadows the
// base entry for the same key.
func (it *Iterator) advance() {
	it.valid = false
	for {
		haveVer := it.verPos < len(it.verKeys)
		haveBase := it.base.Valid()
		if !haveVer && !haveBase {
			it.exhausted = true
			return
		}

		useVer := false
		if haveVer && haveBase {
			cmp := bytes.Compare([]byte(it.verKeys[it.verPos]), it.base.Key())
			if it.reverse {
				cmp = -cmp
			}
			useVer = cmp <= 0
		} else {
			useVer = haveVer
		}

		if !useVer {
			key := append([]byte(nil), it.base.Key()...)
			value, err := it.base.Value()
			if err != nil {
				it.fail(err)
				return
			}
			it.base.Next()
			it.yield(key, value)
			return
		}

		name := it.verKeys[it.verPos]
		it.verPos++
		shadowed := haveBase && bytes.Equal([]byte(name), it.base.Key())
		var baseVal []byte
		var baseErr error
		if shadowed {
			baseVal, baseErr = it.base.Value()
			it.base.Next()
		}

		val, deleted, visible, blocked := it.store.readVersionCell(name, it.txIndex)
		if blocked != nil {
			it.fail(blocked)
			return
		}
		if visible {
			if deleted {
				// Tombstone hides the key entirely, base entry included.
				continue
			}
			it.yield([]byte(name), val)
			return
		}
		// The key is indexed but has no cell visible to this transaction. If
		// the base store holds it, the base value stands; otherwise the key
		// does not exist for this reader.
		if shadowed {
			if baseErr != nil {
				it.fail(baseErr)
				return
			}
			it.yield([]byte(name), baseVal)
			return
		}
	}
}
