package iterator

import "github.com/INLOpen/nexusdb/core"

// EmptyIterator yields nothing.
type EmptyIterator struct{}

var _ core.EntryIterator = (*EmptyIterator)(nil)

func NewEmptyIterator() *EmptyIterator { return &EmptyIterator{} }

func (it *EmptyIterator) Next() bool                      { return false }
func (it *EmptyIterator) At() (*core.IteratorNode, error) { return nil, nil }
func (it *EmptyIterator) Error() error                    { return nil }
func (it *EmptyIterator) Close() error                    { return nil }
