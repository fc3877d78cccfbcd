package memtable

import (
	"bytes"

	"github.com/INLOpen/nexusdb/core"
)

// memtableKey orders versions by user key ascending, then sequence number
// descending, so the newest version of a key is met first.
type memtableKey struct {
	Key    []byte
	SeqNum uint64
}

// memtableEntry is the value stored for one version.
type memtableEntry struct {
	Value     []byte
	EntryType core.EntryType
}

// entryOverhead approximates skiplist node and header cost per version.
const entryOverhead = 48

func entrySize(key, value []byte) int64 {
	return int64(len(key) + len(value) + core.SeqNumSize + 1 + entryOverhead)
}

func comparator(a, b *memtableKey) int {
	if cmp := bytes.Compare(a.Key, b.Key); cmp != 0 {
		return cmp
	}
	if a.SeqNum > b.SeqNum {
		return -1
	}
	if a.SeqNum < b.SeqNum {
		return 1
	}
	return 0
}

// State is the lifecycle stage of a memtable.
type State int32

const (
	// StateActive accepts writes.
	StateActive State = iota
	// StateFrozen is read-only and queued for flush.
	StateFrozen
	// StateFlushed has been written to a published SSTable.
	StateFlushed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateFrozen:
		return "frozen"
	case StateFlushed:
		return "flushed"
	}
	return "unknown"
}
