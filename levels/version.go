// Package levels holds the immutable, reference-counted view of the LSM tree:
// which SSTables live on which level and which memtables are still readable.
package levels

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync/atomic"

	"github.com/INLOpen/nexusdb/memtable"
	"github.com/INLOpen/nexusdb/sstable"
)

// Version is an immutable snapshot of the tree. Readers capture one with Ref
// and release it with Unref; flush and compaction build a successor with
// Apply. A version holds one reference on every SSTable it lists, so a table
// outlives every version that can still reach it.
//
// Level 0 is ordered newest first and its tables may overlap. Levels 1..n are
// sorted by MinKey and never overlap within a level.
type Version struct {
	id        uint64
	levels    [][]*sstable.SSTable
	memtables []*memtable.Memtable // active first, then frozen newest first
	refs      atomic.Int64
	logger    *slog.Logger
}

// NewVersion builds a version from explicit contents. Level slices are
// copied and normalized; every table gets one additional reference.
func NewVersion(id uint64, levels [][]*sstable.SSTable, memtables []*memtable.Memtable, logger *slog.Logger) *Version {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	v := &Version{
		id:        id,
		levels:    make([][]*sstable.SSTable, len(levels)),
		memtables: append([]*memtable.Memtable(nil), memtables...),
		logger:    logger,
	}
	for i, tables := range levels {
		v.levels[i] = append([]*sstable.SSTable(nil), tables...)
		sortLevel(i, v.levels[i])
		for _, t := range v.levels[i] {
			t.Ref()
		}
	}
	v.refs.Store(1)
	return v
}

func sortLevel(level int, tables []*sstable.SSTable) {
	if level == 0 {
		sort.Slice(tables, func(i, j int) bool { return tables[i].ID() > tables[j].ID() })
		return
	}
	sort.Slice(tables, func(i, j int) bool {
		return bytes.Compare(tables[i].MinKey(), tables[j].MinKey()) < 0
	})
}

// ID is the monotonically increasing version number.
func (v *Version) ID() uint64 { return v.id }

// NumLevels returns the configured number of levels.
func (v *Version) NumLevels() int { return len(v.levels) }

// Level returns the tables of level n. The slice must not be modified.
func (v *Version) Level(n int) []*sstable.SSTable {
	if n < 0 || n >= len(v.levels) {
		return nil
	}
	return v.levels[n]
}

// Memtables returns the readable memtables, active first.
func (v *Version) Memtables() []*memtable.Memtable { return v.memtables }

// Active returns the memtable accepting writes, or nil.
func (v *Version) Active() *memtable.Memtable {
	if len(v.memtables) == 0 {
		return nil
	}
	return v.memtables[0]
}

// Frozen returns the memtables awaiting flush, newest first.
func (v *Version) Frozen() []*memtable.Memtable {
	if len(v.memtables) <= 1 {
		return nil
	}
	return v.memtables[1:]
}

// LevelSize returns the total file size of level n.
func (v *Version) LevelSize(n int) int64 {
	var total int64
	for _, t := range v.Level(n) {
		total += t.Size()
	}
	return total
}

// TableCount returns the number of tables across all levels.
func (v *Version) TableCount() int {
	n := 0
	for _, tables := range v.levels {
		n += len(tables)
	}
	return n
}

// LevelTableCounts returns the number of tables per level.
func (v *Version) LevelTableCounts() []int {
	counts := make([]int, len(v.levels))
	for i, tables := range v.levels {
		counts[i] = len(tables)
	}
	return counts
}

// Tables returns every table, level by level, in read order.
func (v *Version) Tables() []*sstable.SSTable {
	all := make([]*sstable.SSTable, 0, v.TableCount())
	for _, tables := range v.levels {
		all = append(all, tables...)
	}
	return all
}

// LevelOf reports the level holding table id.
func (v *Version) LevelOf(id uint64) (int, bool) {
	for lvl, tables := range v.levels {
		for _, t := range tables {
			if t.ID() == id {
				return lvl, true
			}
		}
	}
	return 0, false
}

// Ref takes a reference on the version.
func (v *Version) Ref() *Version {
	v.refs.Add(1)
	return v
}

// Unref releases a reference. The last release drops the version's
// reference on each of its tables.
func (v *Version) Unref() {
	n := v.refs.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		v.logger.Error("Version reference count went negative", "version", v.id, "refs", n)
		return
	}
	for _, tables := range v.levels {
		for _, t := range tables {
			if err := t.Unref(); err != nil {
				v.logger.Warn("Failed to release sstable", "version", v.id, "table_id", t.ID(), "error", err)
			}
		}
	}
}

// Refs returns the current reference count.
func (v *Version) Refs() int64 { return v.refs.Load() }

// TableAt pairs a table with the level it goes to in an Edit.
type TableAt struct {
	Level int
	Table *sstable.SSTable
}

// Edit describes the difference between a version and its successor.
type Edit struct {
	Add    []TableAt
	Delete []uint64
	// Memtables replaces the memtable set when non-nil.
	Memtables []*memtable.Memtable
}

// Apply returns the successor version with edit applied. The receiver is
// left untouched. Deleting an unknown table or adding a duplicate is an error.
func (v *Version) Apply(id uint64, edit Edit) (*Version, error) {
	deleted := make(map[uint64]bool, len(edit.Delete))
	for _, tid := range edit.Delete {
		deleted[tid] = true
	}

	next := make([][]*sstable.SSTable, len(v.levels))
	seen := make(map[uint64]bool)
	for lvl, tables := range v.levels {
		for _, t := range tables {
			if deleted[t.ID()] {
				delete(deleted, t.ID())
				continue
			}
			next[lvl] = append(next[lvl], t)
			seen[t.ID()] = true
		}
	}
	if len(deleted) > 0 {
		return nil, fmt.Errorf("version %d: %d deleted tables not found", v.id, len(deleted))
	}
	for _, a := range edit.Add {
		if a.Level < 0 || a.Level >= len(next) {
			return nil, fmt.Errorf("version %d: level %d out of range", v.id, a.Level)
		}
		if seen[a.Table.ID()] {
			return nil, fmt.Errorf("version %d: table %d already present", v.id, a.Table.ID())
		}
		seen[a.Table.ID()] = true
		next[a.Level] = append(next[a.Level], a.Table)
	}

	memtables := v.memtables
	if edit.Memtables != nil {
		memtables = edit.Memtables
	}
	nv := NewVersion(id, next, memtables, v.logger)
	if err := nv.checkLevels(); err != nil {
		nv.Unref()
		return nil, err
	}
	return nv, nil
}

// checkLevels verifies that levels 1..n are free of overlaps.
func (v *Version) checkLevels() error {
	for lvl := 1; lvl < len(v.levels); lvl++ {
		tables := v.levels[lvl]
		for i := 1; i < len(tables); i++ {
			if bytes.Compare(tables[i-1].MaxKey(), tables[i].MinKey()) >= 0 {
				return fmt.Errorf("level %d: table %d overlaps table %d", lvl, tables[i-1].ID(), tables[i].ID())
			}
		}
	}
	return nil
}
