package mvstore

import (
	"sync"

	"github.com/emirpasic/gods/maps/treemap"
)

// cell is one versioned entry for a key, owned by a single transaction index.
// A cell is either a settled write (value or tombstone) or an estimate: a
// placeholder left by an aborted incarnation which readers must not consume.
type cell struct {
	value    []byte
	deleted  bool
	estimate bool
}

// keyCells holds every transaction's cell for one key, ordered by transaction
// index. Each key carries its own lock so transactions touching disjoint keys
// never contend; a reader takes the read lock only long enough to find its
// floor cell.
type keyCells struct {
	mu sync.RWMutex
	tm *treemap.Map
}

func newKeyCells() *keyCells {
	return &keyCells{tm: treemap.NewWithIntComparator()}
}

// floor returns the highest cell strictly below txIndex, or nil when no lower
// transaction has written the key. Caller must hold the lock.
func (kc *keyCells) floor(txIndex int) (int, *cell) {
	fk, fv := kc.tm.Floor(txIndex - 1)
	if fk == nil || fv == nil {
		return -1, nil
	}
	return fk.(int), fv.(*cell)
}
