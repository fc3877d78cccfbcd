package sstable

import (
	"bytes"

	"github.com/INLOpen/nexusdb/core"
)

// Iterator walks a table's entries in key order, loading one block at a time.
type Iterator struct {
	table *SSTable
	start []byte
	end   []byte

	blockIdx int
	blockIt  *blockIterator
	started  bool
	done     bool
	node     core.IteratorNode
	err      error
}

var _ core.EntryIterator = (*Iterator)(nil)

// Next moves to the next entry within the iterator's bounds.
func (it *Iterator) Next() bool {
	if it.done {
		return false
	}
	if !it.started {
		it.started = true
		if it.table.props.KeyCount == 0 {
			return it.finish()
		}
		it.blockIdx = 0
		if it.start != nil {
			it.blockIdx = it.table.index.SeekBlock(it.start)
		}
		if !it.loadBlock() {
			return false
		}
		if it.start != nil {
			if !it.blockIt.seek(it.start) {
				if it.blockIt.err != nil {
					it.err = it.blockIt.err
					return it.finish()
				}
				return it.advanceBlock()
			}
			return it.emit()
		}
	}

	if it.blockIt.next() {
		return it.emit()
	}
	if it.blockIt.err != nil {
		it.err = it.blockIt.err
		return it.finish()
	}
	return it.advanceBlock()
}

// advanceBlock moves to the first entry of the following block.
func (it *Iterator) advanceBlock() bool {
	it.blockIdx++
	if !it.loadBlock() {
		return false
	}
	if !it.blockIt.next() {
		if it.blockIt.err != nil {
			it.err = it.blockIt.err
		}
		return it.finish()
	}
	return it.emit()
}

func (it *Iterator) loadBlock() bool {
	if it.blockIdx >= it.table.index.Len() {
		return it.finish()
	}
	entry := it.table.index.entries[it.blockIdx]
	if it.end != nil && bytes.Compare(entry.FirstKey, it.end) >= 0 {
		return it.finish()
	}
	blk, err := it.table.readBlock(entry)
	if err != nil {
		it.err = err
		return it.finish()
	}
	it.blockIt = newBlockIterator(blk)
	return true
}

func (it *Iterator) emit() bool {
	if it.end != nil && bytes.Compare(it.blockIt.key, it.end) >= 0 {
		return it.finish()
	}
	it.node = core.IteratorNode{
		Key:       it.blockIt.key,
		Value:     it.blockIt.value,
		EntryType: it.blockIt.typ,
		SeqNum:    it.blockIt.seq,
	}
	return true
}

func (it *Iterator) finish() bool {
	it.done = true
	return false
}

// At returns the current entry. Its slices are reused by the next call to Next.
func (it *Iterator) At() (*core.IteratorNode, error) {
	return &it.node, it.err
}

func (it *Iterator) Error() error {
	return it.err
}

// Close releases the iterator's reference on the table.
func (it *Iterator) Close() error {
	if it.table == nil {
		return nil
	}
	it.done = true
	t := it.table
	it.table = nil
	return t.Unref()
}
