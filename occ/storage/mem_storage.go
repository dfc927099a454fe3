package storage

import (
	"bytes"

	"github.com/petar/GoLLRB/llrb"
)

// MemStorage is a Store backed by memory, for tests and benchmarks. Readers
// may run concurrently; Commit follows the Store contract and runs alone.
type MemStorage struct {
	data *llrb.LLRB
}

func NewMemStorage() *MemStorage {
	return &MemStorage{data: llrb.New()}
}

func (s *MemStorage) Start() error {
	return nil
}

func (s *MemStorage) Stop() error {
	return nil
}

func (s *MemStorage) Get(key []byte) ([]byte, error) {
	result := s.data.Get(memItem{key: key})
	if result == nil {
		return nil, nil
	}
	return result.(memItem).value, nil
}

func (s *MemStorage) Commit(batch []Modify) error {
	for _, m := range batch {
		switch data := m.Data.(type) {
		case Put:
			s.data.ReplaceOrInsert(memItem{data.Key, data.Value})
		case Delete:
			s.data.Delete(memItem{key: data.Key})
		}
	}
	return nil
}

// Set writes a single key outside a batch. Test setup helper.
func (s *MemStorage) Set(key, value []byte) {
	s.data.ReplaceOrInsert(memItem{key, value})
}

func (s *MemStorage) Len() int {
	return s.data.Len()
}

func (s *MemStorage) Iter(start, end []byte, reverse bool) Iterator {
	it := &memIter{data: s.data, start: start, end: end, reverse: reverse}
	it.rewind()
	return it
}

type memIter struct {
	data    *llrb.LLRB
	start   []byte
	end     []byte
	reverse bool
	item    memItem
}

func (it *memIter) rewind() {
	it.item = memItem{}
	if it.reverse {
		// The largest key strictly below end, or the tree max when unbounded.
		pivot := it.data.Max()
		if it.end != nil {
			pivot = memItem{key: it.end}
		}
		if pivot == nil {
			return
		}
		it.data.DescendLessOrEqual(pivot, func(item llrb.Item) bool {
			if it.end != nil && bytes.Compare(item.(memItem).key, it.end) >= 0 {
				return true
			}
			it.item = item.(memItem)
			return false
		})
	} else {
		it.data.AscendGreaterOrEqual(memItem{key: it.start}, func(item llrb.Item) bool {
			it.item = item.(memItem)
			return false
		})
	}
	it.checkBounds()
}

func (it *memIter) checkBounds() {
	if it.item.key == nil {
		return
	}
	if it.reverse {
		if it.start != nil && bytes.Compare(it.item.key, it.start) < 0 {
			it.item = memItem{}
		}
	} else {
		if it.end != nil && bytes.Compare(it.item.key, it.end) >= 0 {
			it.item = memItem{}
		}
	}
}

func (it *memIter) Valid() bool {
	return it.item.key != nil
}

func (it *memIter) Next() {
	first := true
	oldItem := it.item
	it.item = memItem{}
	step := func(item llrb.Item) bool {
		// Skip the first item, which is the current position.
		if first {
			first = false
			return true
		}
		it.item = item.(memItem)
		return false
	}
	if it.reverse {
		it.data.DescendLessOrEqual(oldItem, step)
	} else {
		it.data.AscendGreaterOrEqual(oldItem, step)
	}
	it.checkBounds()
}

func (it *memIter) Key() []byte {
	return it.item.key
}

func (it *memIter) Value() ([]byte, error) {
	return it.item.value, nil
}

func (it *memIter) Close() {}

type memItem struct {
	key   []byte
	value []byte
}

func (it memItem) Less(than llrb.Item) bool {
	other := than.(memItem)
	return bytes.Compare(it.key, other.key) < 0
}
