package cache

import (
	"fmt"

	"golang.org/x/sync/singleflight"
)

// BlockKey addresses one data block of one SSTable.
type BlockKey struct {
	TableID uint64
	Offset  uint64
}

func (k BlockKey) String() string {
	return fmt.Sprintf("%d:%d", k.TableID, k.Offset)
}

// BlockCache caches decompressed SSTable blocks. Concurrent misses on the same
// block share a single load.
type BlockCache struct {
	*LRUCache[BlockKey, []byte]
	group singleflight.Group
}

// NewBlockCache creates a block cache holding up to capacityBytes of block data.
func NewBlockCache(capacityBytes int64) *BlockCache {
	return &BlockCache{
		LRUCache: NewLRUCache[BlockKey, []byte](capacityBytes, func(b []byte) int64 { return int64(len(b)) }, nil),
	}
}

// GetOrLoad returns the cached block or calls load once for all concurrent callers.
// The returned slice is shared and must not be modified.
func (c *BlockCache) GetOrLoad(key BlockKey, load func() ([]byte, error)) ([]byte, error) {
	if c == nil {
		return load()
	}
	if block, ok := c.Get(key); ok {
		return block, nil
	}
	v, err, _ := c.group.Do(key.String(), func() (interface{}, error) {
		block, err := load()
		if err != nil {
			return nil, err
		}
		c.Put(key, block)
		return block, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// EvictTable drops all blocks of a deleted SSTable.
func (c *BlockCache) EvictTable(tableID uint64) {
	if c == nil {
		return
	}
	c.RemoveIf(func(k BlockKey) bool { return k.TableID == tableID })
}
