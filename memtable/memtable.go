// Package memtable holds recent writes in a sorted in-memory skip list.
package memtable

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/INLOpen/nexusdb/core"
	"github.com/INLOpen/skiplist"
)

// ErrFrozen is returned by writes to a memtable that is no longer active.
var ErrFrozen = errors.New("memtable is frozen")

// Memtable is an in-memory, sorted data structure that buffers incoming writes.
// Writers serialize on an internal mutex. Readers take the read lock only for
// the duration of a single seek.
type Memtable struct {
	id        uint64
	mu        sync.RWMutex
	data      *skiplist.SkipList[*memtableKey, *memtableEntry]
	sizeBytes atomic.Int64
	threshold int64
	state     atomic.Int32

	minSeq uint64
	maxSeq uint64

	CreationTime time.Time
}

// New creates an active memtable that reports IsFull once threshold bytes are buffered.
func New(id uint64, threshold int64) *Memtable {
	return &Memtable{
		id:           id,
		data:         skiplist.NewWithComparator[*memtableKey, *memtableEntry](comparator),
		threshold:    threshold,
		CreationTime: time.Now(),
	}
}

// ID identifies the memtable within one engine lifetime.
func (m *Memtable) ID() uint64 {
	return m.id
}

// Put inserts a new version of key. The memtable keeps references to key and
// value, so callers must not modify them afterwards.
func (m *Memtable) Put(key, value []byte, seqNum uint64) error {
	return m.add(key, value, core.EntryTypePut, seqNum)
}

// Delete inserts a tombstone for key.
func (m *Memtable) Delete(key []byte, seqNum uint64) error {
	return m.add(key, nil, core.EntryTypeDelete, seqNum)
}

func (m *Memtable) add(key, value []byte, entryType core.EntryType, seqNum uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if State(m.state.Load()) != StateActive {
		return ErrFrozen
	}

	old := m.data.Insert(&memtableKey{Key: key, SeqNum: seqNum}, &memtableEntry{Value: value, EntryType: entryType})
	if old != nil {
		// Same key and sequence number: replayed record, value replaced in place.
		m.sizeBytes.Add(-entrySize(key, old.Value().Value))
	}
	m.sizeBytes.Add(entrySize(key, value))

	if m.minSeq == 0 || seqNum < m.minSeq {
		m.minSeq = seqNum
	}
	if seqNum > m.maxSeq {
		m.maxSeq = seqNum
	}
	return nil
}

// Get returns the newest version of key with a sequence number at or below
// snapshotSeq. Tombstones are returned as found; the caller interprets them.
func (m *Memtable) Get(key []byte, snapshotSeq uint64) (*core.Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	node, ok := m.data.Seek(&memtableKey{Key: key, SeqNum: snapshotSeq})
	if !ok || !bytes.Equal(node.Key().Key, key) {
		return nil, false
	}
	entry := node.Value()
	return &core.Entry{
		Key:       node.Key().Key,
		Value:     entry.Value,
		EntryType: entry.EntryType,
		SeqNum:    node.Key().SeqNum,
	}, true
}

// Size returns the estimated size of the data in the memtable in bytes.
func (m *Memtable) Size() int64 {
	return m.sizeBytes.Load()
}

// IsFull checks if the memtable has reached its size threshold.
func (m *Memtable) IsFull() bool {
	return m.threshold > 0 && m.sizeBytes.Load() >= m.threshold
}

// Len returns the number of versions held.
func (m *Memtable) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data.Len()
}

// SeqRange returns the lowest and highest sequence numbers written.
func (m *Memtable) SeqRange() (minSeq, maxSeq uint64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.minSeq, m.maxSeq
}

// State reports the lifecycle stage.
func (m *Memtable) State() State {
	return State(m.state.Load())
}

// Freeze makes the memtable read-only. It is a no-op on an already frozen memtable.
func (m *Memtable) Freeze() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.CompareAndSwap(int32(StateActive), int32(StateFrozen))
}

// MarkFlushed records that the memtable's contents live in a published SSTable.
func (m *Memtable) MarkFlushed() {
	m.state.Store(int32(StateFlushed))
}

// NewIterator returns an iterator over [startKey, endKey) yielding, per key,
// the newest version visible at snapshotSeq. Tombstones are yielded so merges
// can shadow older data. A nil bound is open.
func (m *Memtable) NewIterator(startKey, endKey []byte, snapshotSeq uint64) core.EntryIterator {
	return &Iterator{
		mt:          m,
		startKey:    startKey,
		endKey:      endKey,
		snapshotSeq: snapshotSeq,
	}
}

// FlushToSSTable writes the newest version of every key, tombstones included,
// to the given writer in key order. Only frozen memtables may be flushed.
func (m *Memtable) FlushToSSTable(writer core.SSTableWriterInterface) (int, error) {
	if m.State() == StateActive {
		return 0, fmt.Errorf("flush of active memtable %d", m.id)
	}
	iter := m.NewIterator(nil, nil, math.MaxUint64)
	defer iter.Close()

	count := 0
	for iter.Next() {
		node, _ := iter.At()
		if err := writer.Add(node.Key, node.Value, node.EntryType, node.SeqNum); err != nil {
			return count, fmt.Errorf("failed to add memtable entry to sstable writer (key: %x): %w", node.Key, err)
		}
		count++
	}
	return count, iter.Error()
}
