package memtable

import (
	"bytes"

	"github.com/INLOpen/nexusdb/core"
)

// Iterator walks distinct keys of a memtable. It keeps no lock between calls:
// every Next re-seeks just past the last key it returned, so writes made
// meanwhile are tolerated and versions above the snapshot are skipped.
// It is not safe for concurrent use by multiple goroutines.
type Iterator struct {
	mt          *Memtable
	startKey    []byte
	endKey      []byte
	snapshotSeq uint64

	started bool
	done    bool
	lastKey []byte
	current core.IteratorNode
}

var _ core.EntryIterator = (*Iterator)(nil)

// Next moves the iterator to the next distinct key.
func (it *Iterator) Next() bool {
	if it.done {
		return false
	}

	var seekKey []byte
	if !it.started {
		it.started = true
		seekKey = it.startKey
	} else {
		// Smallest key strictly greater than lastKey.
		seekKey = append(append(make([]byte, 0, len(it.lastKey)+1), it.lastKey...), 0)
	}

	it.mt.mu.RLock()
	defer it.mt.mu.RUnlock()

	target := &memtableKey{Key: seekKey, SeqNum: it.snapshotSeq}
	for {
		node, ok := it.mt.data.Seek(target)
		if !ok {
			it.done = true
			return false
		}
		key := node.Key()
		if it.endKey != nil && bytes.Compare(key.Key, it.endKey) >= 0 {
			it.done = true
			return false
		}
		if key.SeqNum > it.snapshotSeq {
			// Landed on a version newer than the snapshot: retry at this key's visible bound.
			target = &memtableKey{Key: key.Key, SeqNum: it.snapshotSeq}
			continue
		}
		entry := node.Value()
		it.lastKey = key.Key
		it.current = core.IteratorNode{
			Key:       key.Key,
			Value:     entry.Value,
			EntryType: entry.EntryType,
			SeqNum:    key.SeqNum,
		}
		return true
	}
}

// At returns the current node.
func (it *Iterator) At() (*core.IteratorNode, error) {
	return &it.current, nil
}

func (it *Iterator) Error() error {
	return nil
}

func (it *Iterator) Close() error {
	it.done = true
	return nil
}
