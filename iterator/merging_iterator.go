// Package iterator merges sorted entry streams from memtables and SSTables.
package iterator

import (
	"bytes"
	"container/heap"
	"errors"
	"math"

	"github.com/INLOpen/nexusdb/core"
)

// MergingIteratorParams configures NewMergingIterator.
type MergingIteratorParams struct {
	// Iters are ordered newest source first.
	Iters []core.EntryIterator
	// SnapshotSeq hides versions with a higher sequence number. Zero means no bound.
	SnapshotSeq uint64
	// KeepTombstones yields deletion markers instead of skipping them.
	KeepTombstones bool
}

// MergingIterator performs a k-way merge and yields, per key, only the newest
// version visible at the snapshot. Older versions of that key are shadowed.
type MergingIterator struct {
	h              mergeHeap
	all            []core.EntryIterator
	snapshotSeq    uint64
	keepTombstones bool

	started bool
	cur     core.IteratorNode
	keyBuf  []byte
	valBuf  []byte
	err     error
	closed  bool

	// Shadowed counts versions hidden by a newer one; TombstonesSkipped counts deletions not yielded.
	Shadowed          int
	TombstonesSkipped int
}

var _ core.EntryIterator = (*MergingIterator)(nil)

// NewMergingIterator creates a merge over params.Iters. It takes ownership of
// the sources and closes them on Close.
func NewMergingIterator(params MergingIteratorParams) *MergingIterator {
	snap := params.SnapshotSeq
	if snap == 0 {
		snap = math.MaxUint64
	}
	return &MergingIterator{
		all:            params.Iters,
		snapshotSeq:    snap,
		keepTombstones: params.KeepTombstones,
	}
}

func (it *MergingIterator) init() {
	it.h = make(mergeHeap, 0, len(it.all))
	for rank, src := range it.all {
		if it.advanceSource(src, rank) {
			continue
		}
		if it.err != nil {
			return
		}
	}
	heap.Init(&it.h)
}

// advanceSource moves src forward and pushes it onto the heap slice when it
// has an entry. It does not restore heap order.
func (it *MergingIterator) advanceSource(src core.EntryIterator, rank int) bool {
	if !src.Next() {
		if err := src.Error(); err != nil {
			it.err = err
		}
		return false
	}
	node, err := src.At()
	if err != nil {
		it.err = err
		return false
	}
	it.h = append(it.h, &heapItem{iter: src, node: node, rank: rank})
	return true
}

// step advances the top source and restores heap order.
func (it *MergingIterator) step() {
	top := it.h[0]
	if top.iter.Next() {
		node, err := top.iter.At()
		if err != nil {
			it.err = err
			return
		}
		top.node = node
		heap.Fix(&it.h, 0)
		return
	}
	if err := top.iter.Error(); err != nil {
		it.err = err
		return
	}
	heap.Pop(&it.h)
}

// Next advances to the next visible key.
func (it *MergingIterator) Next() bool {
	if it.closed || it.err != nil {
		return false
	}
	if !it.started {
		it.started = true
		it.init()
		if it.err != nil {
			return false
		}
	}

	for len(it.h) > 0 {
		top := it.h[0].node
		if top.SeqNum > it.snapshotSeq {
			it.step()
			if it.err != nil {
				return false
			}
			continue
		}

		it.keyBuf = append(it.keyBuf[:0], top.Key...)
		it.valBuf = append(it.valBuf[:0], top.Value...)
		it.cur = core.IteratorNode{
			Key:       it.keyBuf,
			Value:     it.valBuf,
			EntryType: top.EntryType,
			SeqNum:    top.SeqNum,
		}
		it.step()
		for it.err == nil && len(it.h) > 0 && bytes.Equal(it.h[0].node.Key, it.keyBuf) {
			it.Shadowed++
			it.step()
		}
		if it.err != nil {
			return false
		}

		if it.cur.EntryType == core.EntryTypeDelete && !it.keepTombstones {
			it.TombstonesSkipped++
			continue
		}
		return true
	}
	return false
}

// At returns the current entry. Its slices are reused by the next call to Next.
func (it *MergingIterator) At() (*core.IteratorNode, error) {
	return &it.cur, it.err
}

func (it *MergingIterator) Error() error {
	return it.err
}

// Close closes every source iterator.
func (it *MergingIterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	var errs []error
	for _, src := range it.all {
		if err := src.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	it.h = nil
	return errors.Join(errs...)
}
