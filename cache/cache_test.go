package cache

import (
	"errors"
	"expvar"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRUCache_PutGet(t *testing.T) {
	c := NewLRUCache[string, int](2, nil, nil)
	c.Put("a", 1)
	c.Put("b", 2)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	// "b" is now least recently used.
	c.Put("c", 3)
	_, ok = c.Get("b")
	assert.False(t, ok)
	assert.Equal(t, 2, c.Len())
}

func TestLRUCache_Update(t *testing.T) {
	c := NewLRUCache[string, int](2, nil, nil)
	c.Put("a", 1)
	c.Put("a", 10)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 10, v)
	assert.Equal(t, 1, c.Len())
}

func TestLRUCache_WeightedEviction(t *testing.T) {
	var evicted []string
	c := NewLRUCache[string, []byte](10, func(b []byte) int64 { return int64(len(b)) }, func(k string, _ []byte) {
		evicted = append(evicted, k)
	})
	c.Put("a", make([]byte, 4))
	c.Put("b", make([]byte, 4))
	c.Put("c", make([]byte, 4))
	assert.Equal(t, []string{"a"}, evicted)
	assert.Equal(t, int64(8), c.Used())

	c.Put("huge", make([]byte, 11))
	_, ok := c.Get("huge")
	assert.False(t, ok, "values larger than the cache are skipped")
}

func TestLRUCache_Disabled(t *testing.T) {
	c := NewLRUCache[string, int](0, nil, nil)
	c.Put("a", 1)
	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestLRUCache_Metrics(t *testing.T) {
	hits, misses := new(expvar.Int), new(expvar.Int)
	c := NewLRUCache[string, int](4, nil, nil)
	c.SetMetrics(hits, misses)

	c.Put("a", 1)
	c.Get("a")
	c.Get("a")
	c.Get("missing")
	assert.Equal(t, int64(2), hits.Value())
	assert.Equal(t, int64(1), misses.Value())
	assert.InDelta(t, 2.0/3.0, c.GetHitRate(), 1e-9)

	c.Clear()
	assert.Equal(t, 0, c.Len())
	assert.Equal(t, 0.0, c.GetHitRate())
}

func TestBlockCache_GetOrLoadSharesLoads(t *testing.T) {
	c := NewBlockCache(1 << 20)
	var loads atomic.Int32
	release := make(chan struct{})
	load := func() ([]byte, error) {
		loads.Add(1)
		<-release
		return []byte("block"), nil
	}

	var wg sync.WaitGroup
	results := make([][]byte, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := c.GetOrLoad(BlockKey{TableID: 1, Offset: 0}, load)
			assert.NoError(t, err)
			results[i] = b
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, loads.Load(), int32(8))
	for _, r := range results {
		assert.Equal(t, []byte("block"), r)
	}

	// Served from cache now.
	b, err := c.GetOrLoad(BlockKey{TableID: 1, Offset: 0}, func() ([]byte, error) {
		return nil, errors.New("should not load")
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("block"), b)
}

func TestBlockCache_LoadErrorNotCached(t *testing.T) {
	c := NewBlockCache(1 << 20)
	boom := errors.New("read failed")
	_, err := c.GetOrLoad(BlockKey{TableID: 2}, func() ([]byte, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Len())
}

func TestBlockCache_EvictTable(t *testing.T) {
	c := NewBlockCache(1 << 20)
	c.Put(BlockKey{TableID: 1, Offset: 0}, []byte("x"))
	c.Put(BlockKey{TableID: 1, Offset: 100}, []byte("y"))
	c.Put(BlockKey{TableID: 2, Offset: 0}, []byte("z"))

	c.EvictTable(1)
	assert.Equal(t, 1, c.Len())
	_, ok := c.Get(BlockKey{TableID: 2, Offset: 0})
	assert.True(t, ok)

	var nilCache *BlockCache
	b, err := nilCache.GetOrLoad(BlockKey{}, func() ([]byte, error) { return []byte("direct"), nil })
	require.NoError(t, err)
	assert.Equal(t, []byte("direct"), b)
}
