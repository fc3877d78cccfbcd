package iterator

import (
	"bytes"

	"github.com/INLOpen/nexusdb/core"
)

// heapItem is one positioned source of a MergingIterator.
type heapItem struct {
	iter core.EntryIterator
	node *core.IteratorNode
	// rank breaks ties between sources; lower ranks hold newer data.
	rank int
}

// mergeHeap implements heap.Interface ordered by key ascending, then sequence
// number descending, then source rank.
type mergeHeap []*heapItem

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	if c := bytes.Compare(h[i].node.Key, h[j].node.Key); c != 0 {
		return c < 0
	}
	if h[i].node.SeqNum != h[j].node.SeqNum {
		return h[i].node.SeqNum > h[j].node.SeqNum
	}
	return h[i].rank < h[j].rank
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x interface{}) {
	*h = append(*h, x.(*heapItem))
}

func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
