package storage

import (
	"io/ioutil"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pingcap-incubator/tinyocc/occ/config"
)

func fill(t *testing.T, s Store) {
	batch := []Modify{
		{Data: Put{Key: []byte("kv/a"), Value: []byte("a1")}},
		{Data: Put{Key: []byte("kv/b"), Value: []byte("b1")}},
		{Data: Put{Key: []byte("kv/c"), Value: []byte("c1")}},
		{Data: Put{Key: []byte("kv/e"), Value: []byte("e1")}},
		{Data: Put{Key: []byte("other"), Value: []byte("x")}},
	}
	require.Nil(t, s.Commit(batch))
}

func collect(t *testing.T, it Iterator) []string {
	defer it.Close()
	var keys []string
	for ; it.Valid(); it.Next() {
		val, err := it.Value()
		require.Nil(t, err)
		require.NotNil(t, val)
		keys = append(keys, string(it.Key()))
	}
	return keys
}

func testStore(t *testing.T, s Store) {
	fill(t, s)

	val, err := s.Get([]byte("kv/b"))
	require.Nil(t, err)
	assert.Equal(t, []byte("b1"), val)

	val, err = s.Get([]byte("kv/missing"))
	require.Nil(t, err)
	assert.Nil(t, val)

	assert.Equal(t, []string{"kv/a", "kv/b", "kv/c", "kv/e"},
		collect(t, s.Iter([]byte("kv/"), []byte("kv0"), false)))
	assert.Equal(t, []string{"kv/e", "kv/c", "kv/b", "kv/a"},
		collect(t, s.Iter([]byte("kv/"), []byte("kv0"), true)))

	// Bounds are half-open on both directions.
	assert.Equal(t, []string{"kv/b", "kv/c"},
		collect(t, s.Iter([]byte("kv/b"), []byte("kv/e"), false)))
	assert.Equal(t, []string{"kv/c", "kv/b"},
		collect(t, s.Iter([]byte("kv/b"), []byte("kv/e"), true)))

	// Unbounded on both sides sees everything.
	assert.Equal(t, []string{"kv/a", "kv/b", "kv/c", "kv/e", "other"},
		collect(t, s.Iter(nil, nil, false)))
	assert.Equal(t, []string{"other", "kv/e", "kv/c", "kv/b", "kv/a"},
		collect(t, s.Iter(nil, nil, true)))

	require.Nil(t, s.Commit([]Modify{
		{Data: Delete{Key: []byte("kv/b")}},
		{Data: Put{Key: []byte("kv/d"), Value: []byte("d1")}},
	}))
	val, err = s.Get([]byte("kv/b"))
	require.Nil(t, err)
	assert.Nil(t, val)
	assert.Equal(t, []string{"kv/a", "kv/c", "kv/d", "kv/e"},
		collect(t, s.Iter([]byte("kv/"), []byte("kv0"), false)))
}

func TestMemStorage(t *testing.T) {
	s := NewMemStorage()
	require.Nil(t, s.Start())
	defer s.Stop()
	testStore(t, s)
}

func TestBadgerStorage(t *testing.T) {
	dir, err := ioutil.TempDir("", "occ_storage")
	require.Nil(t, err)
	defer os.RemoveAll(dir)

	conf := config.NewTestConfig()
	conf.Engine.DBPath = dir
	s := NewBadgerStorage(conf)
	require.Nil(t, s.Start())
	defer s.Stop()
	testStore(t, s)
}

func TestMemStorageEmptyRange(t *testing.T) {
	s := NewMemStorage()
	assert.Equal(t, []string(nil), collect(t, s.Iter(nil, nil, false)))
	assert.Equal(t, []string(nil), collect(t, s.Iter(nil, nil, true)))

	s.Set([]byte("kv/a"), []byte("a"))
	assert.Equal(t, []string(nil), collect(t, s.Iter([]byte("kv/b"), []byte("kv/c"), false)))
	assert.Equal(t, []string(nil), collect(t, s.Iter([]byte("kv/b"), []byte("kv/c"), true)))
}
