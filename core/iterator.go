package core

type IteratorNodeInterface interface {
	TypeNode() string
}

// IteratorInterface is the pull contract shared by memtable, SSTable and merge iterators.
type IteratorInterface[V IteratorNodeInterface] interface {
	Next() bool
	// At returns the current node.
	// The returned slices are only valid until the next call to Next().
	At() (V, error)
	Error() error
	Close() error
}

type IteratorNode struct {
	Key       []byte
	Value     []byte
	EntryType EntryType
	SeqNum    uint64
}

func (it *IteratorNode) TypeNode() string {
	return "NODEITERATOR"
}

// Clone copies the node so it outlives the iterator position it came from.
func (it *IteratorNode) Clone() *IteratorNode {
	return &IteratorNode{
		Key:       append([]byte(nil), it.Key...),
		Value:     append([]byte(nil), it.Value...),
		EntryType: it.EntryType,
		SeqNum:    it.SeqNum,
	}
}

// EntryIterator is the concrete iterator type used by the storage layers.
type EntryIterator = IteratorInterface[*IteratorNode]
