package core

// EntryType defines the type of an entry in the WAL or SSTable.
type EntryType byte

const (
	// EntryTypePut stores an encoded row.
	EntryTypePut EntryType = 'P'
	// EntryTypeDelete represents a tombstone for a single key (point deletion).
	EntryTypeDelete EntryType = 'D'
)

func (t EntryType) String() string {
	switch t {
	case EntryTypePut:
		return "put"
	case EntryTypeDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Entry is the physical unit stored in the memtable and in SSTables.
type Entry struct {
	Key       []byte
	Value     []byte
	EntryType EntryType
	SeqNum    uint64
}

// IsTombstone reports whether the entry marks a deletion.
func (e *Entry) IsTombstone() bool {
	return e.EntryType == EntryTypeDelete
}

// Size approximates the memory footprint of the entry.
func (e *Entry) Size() int64 {
	return int64(len(e.Key) + len(e.Value) + SeqNumSize + 1)
}
