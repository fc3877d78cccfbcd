package iterator

import "github.com/INLOpen/nexusdb/core"

// SliceIterator yields a pre-sorted slice of entries. It backs tests and
// small in-memory sources.
type SliceIterator struct {
	entries []core.IteratorNode
	pos     int
	err     error
	closed  bool
}

var _ core.EntryIterator = (*SliceIterator)(nil)

// NewSliceIterator returns an iterator over entries, which must already be in merge order.
func NewSliceIterator(entries []core.IteratorNode) *SliceIterator {
	return &SliceIterator{entries: entries, pos: -1}
}

// NewFailingIterator yields entries and then reports err.
func NewFailingIterator(entries []core.IteratorNode, err error) *SliceIterator {
	return &SliceIterator{entries: entries, pos: -1, err: err}
}

func (it *SliceIterator) Next() bool {
	if it.closed || it.pos >= len(it.entries) {
		return false
	}
	it.pos++
	return it.pos < len(it.entries)
}

func (it *SliceIterator) At() (*core.IteratorNode, error) {
	if it.pos < 0 || it.pos >= len(it.entries) {
		return nil, nil
	}
	return &it.entries[it.pos], nil
}

func (it *SliceIterator) Error() error {
	if it.pos >= len(it.entries) {
		return it.err
	}
	return nil
}

// Closed reports whether Close was called.
func (it *SliceIterator) Closed() bool { return it.closed }

func (it *SliceIterator) Close() error {
	it.closed = true
	return nil
}
