package memtable

import (
	"fmt"
	"math"
	"testing"

	"github.com/INLOpen/nexusdb/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	entries []core.Entry
	err     error
}

func (w *recordingWriter) Add(key, value []byte, entryType core.EntryType, seqNum uint64) error {
	if w.err != nil {
		return w.err
	}
	w.entries = append(w.entries, core.Entry{Key: key, Value: value, EntryType: entryType, SeqNum: seqNum})
	return nil
}
func (w *recordingWriter) Finish() error      { return nil }
func (w *recordingWriter) Abort() error       { return nil }
func (w *recordingWriter) FilePath() string   { return "" }
func (w *recordingWriter) CurrentSize() int64 { return 0 }

func collect(t *testing.T, it core.EntryIterator) []core.IteratorNode {
	t.Helper()
	defer it.Close()
	var out []core.IteratorNode
	for it.Next() {
		node, err := it.At()
		require.NoError(t, err)
		out = append(out, *node.Clone())
	}
	require.NoError(t, it.Error())
	return out
}

func keys(nodes []core.IteratorNode) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = string(n.Key)
	}
	return out
}

func TestMemtable_Get_Scenarios(t *testing.T) {
	type operation struct {
		key   string
		value string
		del   bool
		seq   uint64
	}
	testCases := []struct {
		name      string
		ops       []operation
		getKey    string
		snapshot  uint64
		wantFound bool
		wantValue string
		wantType  core.EntryType
		wantSeq   uint64
	}{
		{
			name:      "single put",
			ops:       []operation{{key: "a", value: "1", seq: 1}},
			getKey:    "a",
			snapshot:  math.MaxUint64,
			wantFound: true, wantValue: "1", wantType: core.EntryTypePut, wantSeq: 1,
		},
		{
			name:      "newest version wins",
			ops:       []operation{{key: "a", value: "1", seq: 1}, {key: "a", value: "2", seq: 2}},
			getKey:    "a",
			snapshot:  math.MaxUint64,
			wantFound: true, wantValue: "2", wantType: core.EntryTypePut, wantSeq: 2,
		},
		{
			name:      "tombstone is returned",
			ops:       []operation{{key: "a", value: "1", seq: 1}, {key: "a", del: true, seq: 2}},
			getKey:    "a",
			snapshot:  math.MaxUint64,
			wantFound: true, wantType: core.EntryTypeDelete, wantSeq: 2,
		},
		{
			name:      "snapshot hides newer versions",
			ops:       []operation{{key: "a", value: "1", seq: 1}, {key: "a", value: "2", seq: 5}},
			getKey:    "a",
			snapshot:  4,
			wantFound: true, wantValue: "1", wantType: core.EntryTypePut, wantSeq: 1,
		},
		{
			name:     "snapshot before first write",
			ops:      []operation{{key: "a", value: "1", seq: 3}},
			getKey:   "a",
			snapshot: 2,
		},
		{
			name:     "missing key between others",
			ops:      []operation{{key: "a", value: "1", seq: 1}, {key: "c", value: "3", seq: 2}},
			getKey:   "b",
			snapshot: math.MaxUint64,
		},
		{
			name:     "prefix is not a match",
			ops:      []operation{{key: "ab", value: "1", seq: 1}},
			getKey:   "a",
			snapshot: math.MaxUint64,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			mt := New(1, 1<<20)
			for _, op := range tc.ops {
				if op.del {
					require.NoError(t, mt.Delete([]byte(op.key), op.seq))
				} else {
					require.NoError(t, mt.Put([]byte(op.key), []byte(op.value), op.seq))
				}
			}
			entry, found := mt.Get([]byte(tc.getKey), tc.snapshot)
			require.Equal(t, tc.wantFound, found)
			if !found {
				return
			}
			assert.Equal(t, tc.wantType, entry.EntryType)
			assert.Equal(t, tc.wantSeq, entry.SeqNum)
			if tc.wantType == core.EntryTypePut {
				assert.Equal(t, tc.wantValue, string(entry.Value))
			} else {
				assert.True(t, entry.IsTombstone())
			}
		})
	}
}

func TestMemtable_SizeAndThreshold(t *testing.T) {
	mt := New(1, 200)
	assert.Equal(t, int64(0), mt.Size())
	assert.False(t, mt.IsFull())

	require.NoError(t, mt.Put([]byte("key"), []byte("value"), 1))
	first := mt.Size()
	assert.Equal(t, entrySize([]byte("key"), []byte("value")), first)

	// Replaying the same (key, seq) replaces rather than grows.
	require.NoError(t, mt.Put([]byte("key"), []byte("value"), 1))
	assert.Equal(t, first, mt.Size())
	assert.Equal(t, 1, mt.Len())

	for i := 2; !mt.IsFull(); i++ {
		require.NoError(t, mt.Put([]byte(fmt.Sprintf("k%d", i)), []byte("v"), uint64(i)))
	}
	assert.GreaterOrEqual(t, mt.Size(), int64(200))

	minSeq, maxSeq := mt.SeqRange()
	assert.Equal(t, uint64(1), minSeq)
	assert.Greater(t, maxSeq, uint64(1))
}

func TestMemtable_StateMachine(t *testing.T) {
	mt := New(7, 1<<20)
	assert.Equal(t, uint64(7), mt.ID())
	assert.Equal(t, StateActive, mt.State())
	require.NoError(t, mt.Put([]byte("a"), []byte("1"), 1))

	mt.Freeze()
	assert.Equal(t, StateFrozen, mt.State())
	assert.ErrorIs(t, mt.Put([]byte("b"), []byte("2"), 2), ErrFrozen)
	assert.ErrorIs(t, mt.Delete([]byte("a"), 3), ErrFrozen)

	// Frozen memtables stay readable.
	_, found := mt.Get([]byte("a"), math.MaxUint64)
	assert.True(t, found)

	mt.MarkFlushed()
	assert.Equal(t, StateFlushed, mt.State())
	assert.Equal(t, "flushed", mt.State().String())
}

func TestMemtable_Iterator(t *testing.T) {
	mt := New(1, 1<<20)
	require.NoError(t, mt.Put([]byte("a"), []byte("a1"), 1))
	require.NoError(t, mt.Put([]byte("b"), []byte("b1"), 2))
	require.NoError(t, mt.Put([]byte("a"), []byte("a2"), 3))
	require.NoError(t, mt.Delete([]byte("c"), 4))
	require.NoError(t, mt.Put([]byte("d"), []byte("d1"), 5))
	require.NoError(t, mt.Put([]byte("b"), []byte("b2"), 6))

	t.Run("all keys newest version", func(t *testing.T) {
		nodes := collect(t, mt.NewIterator(nil, nil, math.MaxUint64))
		assert.Equal(t, []string{"a", "b", "c", "d"}, keys(nodes))
		assert.Equal(t, "a2", string(nodes[0].Value))
		assert.Equal(t, "b2", string(nodes[1].Value))
		assert.Equal(t, core.EntryTypeDelete, nodes[2].EntryType)
	})

	t.Run("range bounds", func(t *testing.T) {
		nodes := collect(t, mt.NewIterator([]byte("b"), []byte("d"), math.MaxUint64))
		assert.Equal(t, []string{"b", "c"}, keys(nodes))
	})

	t.Run("snapshot bound", func(t *testing.T) {
		nodes := collect(t, mt.NewIterator(nil, nil, 3))
		assert.Equal(t, []string{"a", "b"}, keys(nodes))
		assert.Equal(t, "a2", string(nodes[0].Value))
		assert.Equal(t, "b1", string(nodes[1].Value))
	})

	t.Run("snapshot skips keys with only newer versions", func(t *testing.T) {
		nodes := collect(t, mt.NewIterator([]byte("c"), nil, 4))
		assert.Equal(t, []string{"c"}, keys(nodes))
	})

	t.Run("empty range", func(t *testing.T) {
		assert.Empty(t, collect(t, mt.NewIterator([]byte("x"), nil, math.MaxUint64)))
	})
}

func TestMemtable_IteratorToleratesConcurrentWrites(t *testing.T) {
	mt := New(1, 1<<20)
	for i := 0; i < 10; i++ {
		require.NoError(t, mt.Put([]byte(fmt.Sprintf("k%02d", i*2)), []byte("v"), uint64(i+1)))
	}

	it := mt.NewIterator(nil, nil, 10)
	defer it.Close()
	require.True(t, it.Next())
	node, _ := it.At()
	assert.Equal(t, "k00", string(node.Key))

	// Writes between Next calls do not deadlock, and versions above the snapshot stay hidden.
	require.NoError(t, mt.Put([]byte("k01"), []byte("new"), 11))
	require.NoError(t, mt.Put([]byte("k02"), []byte("new"), 12))

	require.True(t, it.Next())
	node, _ = it.At()
	assert.Equal(t, "k02", string(node.Key))
	assert.Equal(t, "v", string(node.Value))
	assert.Equal(t, uint64(2), node.SeqNum)
}

func TestMemtable_FlushToSSTable(t *testing.T) {
	mt := New(1, 1<<20)
	require.NoError(t, mt.Put([]byte("b"), []byte("b1"), 1))
	require.NoError(t, mt.Put([]byte("a"), []byte("a1"), 2))
	require.NoError(t, mt.Put([]byte("b"), []byte("b2"), 3))
	require.NoError(t, mt.Delete([]byte("c"), 4))

	w := &recordingWriter{}
	_, err := mt.FlushToSSTable(w)
	require.Error(t, err, "active memtables cannot be flushed")

	mt.Freeze()
	n, err := mt.FlushToSSTable(w)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.Len(t, w.entries, 3)
	assert.Equal(t, "a", string(w.entries[0].Key))
	assert.Equal(t, "b2", string(w.entries[1].Value))
	assert.Equal(t, uint64(3), w.entries[1].SeqNum)
	assert.True(t, w.entries[2].IsTombstone())

	w = &recordingWriter{err: fmt.Errorf("disk full")}
	_, err = mt.FlushToSSTable(w)
	assert.ErrorContains(t, err, "disk full")
}
