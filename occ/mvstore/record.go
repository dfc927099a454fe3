package mvstore

// ReadRecord is one observation of a key during a speculative run. Value nil
// means the key was absent. Every read is recorded, including repeats of the
// same key: a run that observed two different values for one key is torn and
// must fail validation even if the final state happens to match one of them.
type ReadRecord struct {
	Key   []byte
	Value []byte
}

// IterRecord captures the shape of one range iteration: the bounds, the
// direction, and the exact key sequence the caller consumed. EarlyStopped
// marks cursors closed before exhaustion; validation then replays only the
// observed prefix instead of demanding the full range still matches.
type IterRecord struct {
	Start        []byte
	End          []byte
	Reverse      bool
	Keys         [][]byte
	EarlyStopped bool
}

// Record is the execution record of one speculative run. The scheduler hands
// a fresh Record to every incarnation; an aborted run's record is discarded
// wholesale.
type Record struct {
	reads []ReadRecord
	iters []*IterRecord
}

func NewRecord() *Record {
	return &Record{}
}

func (r *Record) RecordRead(key, value []byte) {
	r.reads = append(r.reads, ReadRecord{
		Key:   append([]byte(nil), key...),
		Value: value,
	})
}

func (r *Record) Reads() []ReadRecord {
	return r.reads
}

func (r *Record) Iters() []*IterRecord {
	return r.iters
}

func (r *Record) addIter(ir *IterRecord) {
	r.iters = append(r.iters, ir)
}
