package mvstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pingcap-incubator/tinyocc/occ/storage"
)

func put(key, val string) storage.Modify {
	return storage.Modify{Data: storage.Put{Key: []byte(key), Value: []byte(val)}}
}

func del(key string) storage.Modify {
	return storage.Modify{Data: storage.Delete{Key: []byte(key)}}
}

func newTestStore(numTxns int, base map[string]string) *Store {
	mem := storage.NewMemStorage()
	for k, v := range base {
		mem.Set([]byte(k), []byte(v))
	}
	return New(mem, numTxns)
}

func readOK(t *testing.T, s *Store, key string, txIndex int) []byte {
	val, err := s.Read([]byte(key), txIndex)
	require.NoError(t, err)
	return val
}

func TestReadVisibility(t *testing.T) {
	s := newTestStore(4, map[string]string{"kv/a": "base"})

	// No cells yet: everyone reads the base value.
	assert.Equal(t, []byte("base"), readOK(t, s, "kv/a", 0))
	assert.Equal(t, []byte("base"), readOK(t, s, "kv/a", 3))

	s.SetWriteSet(1, []storage.Modify{put("kv/a", "one")})

	// Writes are visible strictly above their own index.
	assert.Equal(t, []byte("base"), readOK(t, s, "kv/a", 0))
	assert.Equal(t, []byte("base"), readOK(t, s, "kv/a", 1))
	assert.Equal(t, []byte("one"), readOK(t, s, "kv/a", 2))
	assert.Equal(t, []byte("one"), readOK(t, s, "kv/a", 3))

	// A higher write shadows the lower one for readers above it.
	s.SetWriteSet(2, []storage.Modify{put("kv/a", "two")})
	assert.Equal(t, []byte("one"), readOK(t, s, "kv/a", 2))
	assert.Equal(t, []byte("two"), readOK(t, s, "kv/a", 3))
}

func TestTombstoneShadowsBase(t *testing.T) {
	s := newTestStore(3, map[string]string{"kv/a": "base"})
	s.SetWriteSet(0, []storage.Modify{del("kv/a")})
	assert.Equal(t, []byte("base"), readOK(t, s, "kv/a", 0))
	assert.Nil(t, readOK(t, s, "kv/a", 1))
	assert.Nil(t, readOK(t, s, "kv/a", 2))
}

func TestEstimateBlocksReader(t *testing.T) {
	s := newTestStore(3, nil)
	s.WriteEstimates(1, [][]byte{[]byte("kv/a")})

	_, err := s.Read([]byte("kv/a"), 2)
	require.Error(t, err)
	blocked, ok := err.(*ErrBlockedRead)
	require.True(t, ok)
	assert.Equal(t, 1, blocked.Blocking)
	assert.Equal(t, []byte("kv/a"), blocked.Key)

	// Below the estimate nothing is blocked.
	assert.Nil(t, readOK(t, s, "kv/a", 1))

	// Once the write settles the blocked index reads through.
	s.SetWriteSet(1, []storage.Modify{put("kv/a", "one")})
	assert.Equal(t, []byte("one"), readOK(t, s, "kv/a", 2))
}

func TestSetWriteSetRetractsStaleKeys(t *testing.T) {
	s := newTestStore(3, nil)
	s.SetWriteSet(1, []storage.Modify{put("kv/a", "one"), put("kv/b", "one")})
	assert.Equal(t, []byte("one"), readOK(t, s, "kv/b", 2))

	// The next incarnation writes a different key set; kv/b must vanish.
	s.SetWriteSet(1, []storage.Modify{put("kv/a", "one'")})
	assert.Equal(t, []byte("one'"), readOK(t, s, "kv/a", 2))
	assert.Nil(t, readOK(t, s, "kv/b", 2))
}

func TestEstimatesRetractedWhenNotWritten(t *testing.T) {
	s := newTestStore(3, nil)
	s.WriteEstimates(1, [][]byte{[]byte("kv/a"), []byte("kv/b")})
	s.SetWriteSet(1, []storage.Modify{put("kv/a", "one")})

	assert.Equal(t, []byte("one"), readOK(t, s, "kv/a", 2))
	// The predicted-but-unwritten key no longer blocks anyone.
	assert.Nil(t, readOK(t, s, "kv/b", 2))
}

func TestConvertWritesToEstimates(t *testing.T) {
	s := newTestStore(3, nil)
	s.SetWriteSet(1, []storage.Modify{put("kv/a", "one")})
	assert.Equal(t, []byte("one"), readOK(t, s, "kv/a", 2))

	s.ConvertWritesToEstimates(1)
	_, err := s.Read([]byte("kv/a"), 2)
	blocked, ok := err.(*ErrBlockedRead)
	require.True(t, ok)
	assert.Equal(t, 1, blocked.Blocking)

	// The re-executed write settles the key again.
	s.SetWriteSet(1, []storage.Modify{put("kv/a", "one'")})
	assert.Equal(t, []byte("one'"), readOK(t, s, "kv/a", 2))
}

func TestClearTxn(t *testing.T) {
	s := newTestStore(3, map[string]string{"kv/a": "base"})
	s.SetWriteSet(1, []storage.Modify{put("kv/a", "one"), put("kv/b", "one")})
	s.ClearTxn(1)

	assert.Equal(t, []byte("base"), readOK(t, s, "kv/a", 2))
	assert.Nil(t, readOK(t, s, "kv/b", 2))
	assert.Empty(t, s.TxnWrites(1))
}

func validate(t *testing.T, s *Store, txIndex int, rec *Record) ValidationResult {
	res, err := s.Validate(txIndex, rec)
	require.NoError(t, err)
	return res
}

func TestValidateReadSet(t *testing.T) {
	s := newTestStore(4, map[string]string{"kv/a": "base"})

	// Transaction 2 read kv/a speculatively and saw the base value.
	rec := NewRecord()
	rec.RecordRead([]byte("kv/a"), []byte("base"))
	res := validate(t, s, 2, rec)
	assert.True(t, res.Valid)

	// Re-validation of an unchanged store reaches the same verdict.
	res = validate(t, s, 2, rec)
	assert.True(t, res.Valid)

	// A lower transaction then writes the key: the recorded read is stale.
	s.SetWriteSet(1, []storage.Modify{put("kv/a", "one")})
	res = validate(t, s, 2, rec)
	assert.False(t, res.Valid)
	assert.Equal(t, 1, res.Conflict)

	// A write above the reader changes nothing for it.
	s.ClearTxn(1)
	s.SetWriteSet(3, []storage.Modify{put("kv/a", "three")})
	res = validate(t, s, 2, rec)
	assert.True(t, res.Valid)
}

func TestValidateAbsenceFlip(t *testing.T) {
	s := newTestStore(3, nil)
	rec := NewRecord()
	rec.RecordRead([]byte("kv/a"), nil)
	assert.True(t, validate(t, s, 2, rec).Valid)

	s.SetWriteSet(0, []storage.Modify{put("kv/a", "")})
	// Absent and present-but-empty are different observations.
	res := validate(t, s, 2, rec)
	assert.False(t, res.Valid)
	assert.Equal(t, 0, res.Conflict)
}

func TestValidateBlockedByEstimate(t *testing.T) {
	s := newTestStore(3, map[string]string{"kv/a": "base"})
	rec := NewRecord()
	rec.RecordRead([]byte("kv/a"), []byte("base"))

	s.WriteEstimates(1, [][]byte{[]byte("kv/a")})
	res := validate(t, s, 2, rec)
	assert.False(t, res.Valid)
	assert.Equal(t, 1, res.Conflict)
}

func TestValidateTornRead(t *testing.T) {
	s := newTestStore(3, nil)
	// The run observed two different values for one key; no final state can
	// satisfy both records.
	rec := NewRecord()
	rec.RecordRead([]byte("kv/a"), []byte("v1"))
	rec.RecordRead([]byte("kv/a"), []byte("v2"))

	s.SetWriteSet(0, []storage.Modify{put("kv/a", "v1")})
	assert.False(t, validate(t, s, 1, rec).Valid)
	s.SetWriteSet(0, []storage.Modify{put("kv/a", "v2")})
	assert.False(t, validate(t, s, 1, rec).Valid)
}

func iterKeys(t *testing.T, it *Iterator) []string {
	defer it.Close()
	var keys []string
	for ; it.Valid(); it.Next() {
		keys = append(keys, string(it.Key()))
	}
	require.NoError(t, it.Err())
	return keys
}

func TestIterMergesLayers(t *testing.T) {
	s := newTestStore(4, map[string]string{
		"kv/a": "base", "kv/c": "base", "kv/e": "base",
	})
	s.SetWriteSet(1, []storage.Modify{put("kv/b", "one"), put("kv/c", "one"), del("kv/e")})

	// Below the writer: pure base view.
	assert.Equal(t, []string{"kv/a", "kv/c", "kv/e"},
		iterKeys(t, s.Iter([]byte("kv/"), []byte("kv0"), 1, false, nil)))

	// Above: insertion, overwrite and deletion all merged in.
	it := s.Iter([]byte("kv/"), []byte("kv0"), 2, false, nil)
	var got []string
	var vals []string
	for ; it.Valid(); it.Next() {
		got = append(got, string(it.Key()))
		vals = append(vals, string(it.Value()))
	}
	require.NoError(t, it.Err())
	it.Close()
	assert.Equal(t, []string{"kv/a", "kv/b", "kv/c"}, got)
	assert.Equal(t, []string{"base", "one", "one"}, vals)

	assert.Equal(t, []string{"kv/c", "kv/b", "kv/a"},
		iterKeys(t, s.Iter([]byte("kv/"), []byte("kv0"), 2, true, nil)))
}

func TestIterBlockedByEstimate(t *testing.T) {
	s := newTestStore(3, map[string]string{"kv/a": "base", "kv/c": "base"})
	s.WriteEstimates(1, [][]byte{[]byte("kv/b")})

	it := s.Iter([]byte("kv/"), []byte("kv0"), 2, false, nil)
	defer it.Close()
	require.True(t, it.Valid())
	assert.Equal(t, []byte("kv/a"), it.Key())
	it.Next()
	assert.False(t, it.Valid())
	blocked, ok := it.Err().(*ErrBlockedRead)
	require.True(t, ok)
	assert.Equal(t, 1, blocked.Blocking)
}

func TestValidateIteration(t *testing.T) {
	s := newTestStore(4, map[string]string{"kv/a": "base", "kv/c": "base"})

	rec := NewRecord()
	assert.Equal(t, []string{"kv/a", "kv/c"},
		iterKeys(t, s.Iter([]byte("kv/"), []byte("kv0"), 2, false, rec)))
	assert.True(t, validate(t, s, 2, rec).Valid)

	// A lower transaction inserts into the observed range: phantom.
	s.SetWriteSet(1, []storage.Modify{put("kv/b", "one")})
	res := validate(t, s, 2, rec)
	assert.False(t, res.Valid)
	assert.Equal(t, 1, res.Conflict)

	// Retract it and the sequence matches again.
	s.ClearTxn(1)
	assert.True(t, validate(t, s, 2, rec).Valid)

	// Deleting an observed key shrinks the sequence: also a divergence.
	s.SetWriteSet(1, []storage.Modify{del("kv/c")})
	res = validate(t, s, 2, rec)
	assert.False(t, res.Valid)
	assert.Equal(t, 1, res.Conflict)
}

func TestValidateIterationAppendBeyondEnd(t *testing.T) {
	s := newTestStore(4, map[string]string{"kv/a": "base", "kv/b": "base"})
	rec := NewRecord()
	assert.Equal(t, []string{"kv/a", "kv/b"},
		iterKeys(t, s.Iter([]byte("kv/"), []byte("kv0"), 2, false, rec)))

	// The run consumed the range to exhaustion, so a key appearing after the
	// last observed one still diverges.
	s.SetWriteSet(1, []storage.Modify{put("kv/x", "one")})
	res := validate(t, s, 2, rec)
	assert.False(t, res.Valid)
	assert.Equal(t, 1, res.Conflict)
}

func TestValidateEarlyStoppedIteration(t *testing.T) {
	s := newTestStore(4, map[string]string{"kv/a": "base", "kv/b": "base", "kv/x": "base"})

	// Consume two keys, then stop without exhausting the range.
	rec := NewRecord()
	it := s.Iter([]byte("kv/"), []byte("kv0"), 2, false, rec)
	require.True(t, it.Valid())
	it.Next()
	require.True(t, it.Valid())
	it.Close()
	require.True(t, rec.Iters()[0].EarlyStopped)

	// Changes beyond the observed prefix are invisible to this run.
	s.SetWriteSet(1, []storage.Modify{put("kv/y", "one")})
	assert.True(t, validate(t, s, 2, rec).Valid)

	// Changes inside the prefix still invalidate.
	s.SetWriteSet(1, []storage.Modify{put("kv/aa", "one")})
	res := validate(t, s, 2, rec)
	assert.False(t, res.Valid)
	assert.Equal(t, 1, res.Conflict)
}

func TestFinalWrites(t *testing.T) {
	s := newTestStore(4, map[string]string{"kv/a": "base", "kv/d": "base"})
	s.SetWriteSet(0, []storage.Modify{put("kv/a", "zero"), put("kv/b", "zero")})
	s.SetWriteSet(2, []storage.Modify{put("kv/a", "two"), del("kv/d")})
	// Transaction 1 failed permanently; nothing of it may surface.
	s.SetWriteSet(1, []storage.Modify{put("kv/c", "one")})
	s.ClearTxn(1)

	mods := s.FinalWrites()
	got := make(map[string]string)
	dels := make(map[string]bool)
	for i := range mods {
		m := &mods[i]
		if m.IsDelete() {
			dels[string(m.Key())] = true
		} else {
			got[string(m.Key())] = string(m.Value())
		}
	}
	assert.Equal(t, map[string]string{"kv/a": "two", "kv/b": "zero"}, got)
	assert.Equal(t, map[string]bool{"kv/d": true}, dels)
}

func TestTxnWrites(t *testing.T) {
	s := newTestStore(3, nil)
	s.SetWriteSet(1, []storage.Modify{put("kv/b", "one"), put("kv/a", "one"), del("kv/c")})

	mods := s.TxnWrites(1)
	require.Len(t, mods, 3)
	assert.Equal(t, []byte("kv/a"), mods[0].Key())
	assert.Equal(t, []byte("kv/b"), mods[1].Key())
	assert.Equal(t, []byte("kv/c"), mods[2].Key())
	assert.True(t, mods[2].IsDelete())

	// Estimates do not count as settled writes.
	s.ConvertWritesToEstimates(1)
	assert.Empty(t, s.TxnWrites(1))
}
