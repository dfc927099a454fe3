package storage

// Put holds a key/value to be written to the base store.
type Put struct {
	Key   []byte
	Value []byte
}

// Delete removes a key from the base store.
type Delete struct {
	Key []byte
}

// Modify is the smallest unit of mutation of the underlying store. Data is
// either a Put or a Delete.
type Modify struct {
	Data interface{}
}

func (m *Modify) Key() []byte {
	switch data := m.Data.(type) {
	case Put:
		return data.Key
	case Delete:
		return data.Key
	}
	return nil
}

func (m *Modify) Value() []byte {
	if putData, ok := m.Data.(Put); ok {
		return putData.Value
	}
	return nil
}

func (m *Modify) IsDelete() bool {
	_, ok := m.Data.(Delete)
	return ok
}
