package storage

import (
	"bytes"
	"os"

	"github.com/coocood/badger"
	"github.com/pingcap/errors"

	"github.com/pingcap-incubator/tinyocc/occ/config"
)

// BadgerStorage is a Store persisted in a badger database. One open database
// serves all readers; every iterator runs over its own read-only badger
// transaction so it sees a stable snapshot.
type BadgerStorage struct {
	conf *config.Config
	db   *badger.DB
}

func NewBadgerStorage(conf *config.Config) *BadgerStorage {
	return &BadgerStorage{conf: conf}
}

func (s *BadgerStorage) Start() error {
	engine := &s.conf.Engine
	opts := badger.DefaultOptions
	opts.NumCompactors = engine.NumCompactors
	opts.ValueThreshold = engine.ValueThreshold
	opts.ValueLogFileSize = engine.VlogFileSize
	opts.MaxTableSize = engine.MaxTableSize
	opts.NumMemtables = engine.NumMemTables
	opts.NumLevelZeroTables = engine.NumL0Tables
	opts.NumLevelZeroTablesStall = engine.NumL0TablesStall
	opts.SyncWrites = engine.SyncWrite
	opts.Dir = engine.DBPath
	opts.ValueDir = opts.Dir
	if err := os.MkdirAll(opts.Dir, os.ModePerm); err != nil {
		return errors.WithStack(err)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return errors.WithStack(err)
	}
	s.db = db
	return nil
}

func (s *BadgerStorage) Stop() error {
	return s.db.Close()
}

func (s *BadgerStorage) Get(key []byte) (val []byte, err error) {
	err = s.db.View(func(txn *badger.Txn) error {
		item, err1 := txn.Get(key)
		if err1 == badger.ErrKeyNotFound {
			return nil
		}
		if err1 != nil {
			return err1
		}
		val, err1 = item.ValueCopy(val)
		return err1
	})
	return
}

func (s *BadgerStorage) Commit(batch []Modify) error {
	if len(batch) == 0 {
		return nil
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, m := range batch {
			switch data := m.Data.(type) {
			case Put:
				if err1 := txn.Set(data.Key, data.Value); err1 != nil {
					return err1
				}
			case Delete:
				if err1 := txn.Delete(data.Key); err1 != nil {
					return err1
				}
			}
		}
		return nil
	})
	return errors.WithStack(err)
}

func (s *BadgerStorage) Iter(start, end []byte, reverse bool) Iterator {
	txn := s.db.NewTransaction(false)
	opts := badger.DefaultIteratorOptions
	opts.Reverse = reverse
	it := &badgerIter{
		txn:     txn,
		iter:    txn.NewIterator(opts),
		start:   start,
		end:     end,
		reverse: reverse,
	}
	if reverse {
		if end == nil {
			it.iter.Rewind()
		} else {
			// In reverse mode Seek lands on the largest key <= end; end itself
			// is excluded from the range.
			it.iter.Seek(end)
			if it.iter.Valid() && bytes.Equal(it.iter.Item().Key(), end) {
				it.iter.Next()
			}
		}
	} else {
		if start == nil {
			it.iter.Rewind()
		} else {
			it.iter.Seek(start)
		}
	}
	return it
}

type badgerIter struct {
	txn     *badger.Txn
	iter    *badger.Iterator
	start   []byte
	end     []byte
	reverse bool
}

func (it *badgerIter) Valid() bool {
	if !it.iter.Valid() {
		return false
	}
	key := it.iter.Item().Key()
	if it.reverse {
		return it.start == nil || bytes.Compare(key, it.start) >= 0
	}
	return it.end == nil || bytes.Compare(key, it.end) < 0
}

func (it *badgerIter) Next() {
	it.iter.Next()
}

func (it *badgerIter) Key() []byte {
	return it.iter.Item().Key()
}

func (it *badgerIter) Value() ([]byte, error) {
	return it.iter.Item().Value()
}

func (it *badgerIter) Close() {
	it.iter.Close()
	it.txn.Discard()
}
