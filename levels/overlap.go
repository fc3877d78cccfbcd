package levels

import (
	"bytes"
	"sort"

	"github.com/INLOpen/nexusdb/sstable"
)

// Overlapping returns the tables of level n whose key range intersects the
// inclusive range [minKey, maxKey]. A nil bound is open.
func (v *Version) Overlapping(n int, minKey, maxKey []byte) []*sstable.SSTable {
	tables := v.Level(n)
	if len(tables) == 0 {
		return nil
	}
	if n == 0 {
		var out []*sstable.SSTable
		for _, t := range tables {
			if tableOverlapsRange(t, minKey, maxKey) {
				out = append(out, t)
			}
		}
		return out
	}

	// The first candidate is the first table whose MaxKey is >= minKey.
	start := 0
	if minKey != nil {
		start = sort.Search(len(tables), func(i int) bool {
			return bytes.Compare(tables[i].MaxKey(), minKey) >= 0
		})
	}
	var out []*sstable.SSTable
	for i := start; i < len(tables); i++ {
		if maxKey != nil && bytes.Compare(tables[i].MinKey(), maxKey) > 0 {
			break
		}
		out = append(out, tables[i])
	}
	return out
}

// TableFor returns the only table of level n >= 1 whose range contains key.
func (v *Version) TableFor(n int, key []byte) *sstable.SSTable {
	if n <= 0 {
		return nil
	}
	tables := v.Level(n)
	i := sort.Search(len(tables), func(i int) bool {
		return bytes.Compare(tables[i].MaxKey(), key) >= 0
	})
	if i == len(tables) || bytes.Compare(tables[i].MinKey(), key) > 0 {
		return nil
	}
	return tables[i]
}

// OverlapsBelow reports whether any level deeper than n holds data in
// [minKey, maxKey]. Compaction into level n may drop tombstones only when it
// does not.
func (v *Version) OverlapsBelow(n int, minKey, maxKey []byte) bool {
	for lvl := n + 1; lvl < len(v.levels); lvl++ {
		if len(v.Overlapping(lvl, minKey, maxKey)) > 0 {
			return true
		}
	}
	return false
}

// tableOverlapsRange checks if a table overlaps with [minRangeKey, maxRangeKey].
func tableOverlapsRange(table *sstable.SSTable, minRangeKey, maxRangeKey []byte) bool {
	if maxRangeKey != nil && bytes.Compare(table.MinKey(), maxRangeKey) > 0 {
		return false
	}
	if minRangeKey != nil && bytes.Compare(table.MaxKey(), minRangeKey) < 0 {
		return false
	}
	return true
}

// keyRange returns the smallest inclusive range covering all tables.
func keyRange(tables ...[]*sstable.SSTable) (minKey, maxKey []byte) {
	for _, set := range tables {
		for _, t := range set {
			if minKey == nil || bytes.Compare(t.MinKey(), minKey) < 0 {
				minKey = t.MinKey()
			}
			if maxKey == nil || bytes.Compare(t.MaxKey(), maxKey) > 0 {
				maxKey = t.MaxKey()
			}
		}
	}
	return minKey, maxKey
}
