package levels

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/INLOpen/nexusdb/sstable"
	"github.com/RoaringBitmap/roaring/roaring64"
)

// CompactionFallbackStrategy breaks ties between equally scored level-N candidates.
type CompactionFallbackStrategy int

const (
	// PickOldest selects the table with the smallest ID. This is the default.
	PickOldest CompactionFallbackStrategy = iota
	// PickLargest selects the table with the largest size.
	PickLargest
	// PickSmallest selects the table with the smallest size.
	PickSmallest
	// PickHighestTombstoneDensity selects the table with the highest ratio of tombstones to keys.
	PickHighestTombstoneDensity
)

// ParseFallbackStrategy maps a config string to a strategy. Empty means PickOldest.
func ParseFallbackStrategy(s string) (CompactionFallbackStrategy, error) {
	switch s {
	case "", "oldest":
		return PickOldest, nil
	case "largest":
		return PickLargest, nil
	case "smallest":
		return PickSmallest, nil
	case "tombstone_density":
		return PickHighestTombstoneDensity, nil
	}
	return PickOldest, fmt.Errorf("unknown compaction fallback strategy %q", s)
}

// PickerOptions holds the compaction thresholds.
type PickerOptions struct {
	MaxLevels                  int
	MaxL0Files                 int
	L0CompactionTriggerSize    int64
	BaseTargetSize             int64
	LevelsTargetSizeMultiplier int
	FallbackStrategy           CompactionFallbackStrategy
	// Score weights for level-N candidates. Zero values use 1.0 each.
	TombstoneWeight float64
	OverlapWeight   float64
}

// CompactionTask is one unit of compaction work chosen by the Picker.
type CompactionTask struct {
	SourceLevel int
	TargetLevel int
	// Inputs come from SourceLevel, Overlaps from TargetLevel. Inputs are
	// ordered newest first as far as shadowing is concerned.
	Inputs   []*sstable.SSTable
	Overlaps []*sstable.SSTable
	// DropTombstones is set when no deeper level holds data in the task's range.
	DropTombstones bool
	// Reason is a short label for logs and metrics.
	Reason string
}

// AllTables returns inputs followed by overlaps, the newest-first order used for merging.
func (t *CompactionTask) AllTables() []*sstable.SSTable {
	all := make([]*sstable.SSTable, 0, len(t.Inputs)+len(t.Overlaps))
	all = append(all, t.Inputs...)
	return append(all, t.Overlaps...)
}

// Picker decides what to compact next. It remembers which tables and levels
// are being compacted so concurrent picks never share inputs.
type Picker struct {
	opts PickerOptions

	mu        sync.Mutex
	inFlight  *roaring64.Bitmap
	levelBusy []bool
}

// NewPicker creates a picker with the given thresholds.
func NewPicker(opts PickerOptions) *Picker {
	if opts.MaxLevels < 2 {
		opts.MaxLevels = 2
	}
	if opts.LevelsTargetSizeMultiplier < 1 {
		opts.LevelsTargetSizeMultiplier = 10
	}
	if opts.TombstoneWeight == 0 && opts.OverlapWeight == 0 {
		opts.TombstoneWeight, opts.OverlapWeight = 1, 1
	}
	return &Picker{
		opts:      opts,
		inFlight:  roaring64.New(),
		levelBusy: make([]bool, opts.MaxLevels),
	}
}

// TargetSize returns the size above which level n (n >= 1) needs compaction:
// base * multiplier^(n-1).
func (p *Picker) TargetSize(n int) int64 {
	if n < 1 {
		return 0
	}
	size := float64(p.opts.BaseTargetSize) * math.Pow(float64(p.opts.LevelsTargetSizeMultiplier), float64(n-1))
	if size > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(size)
}

// NeedsL0Compaction reports whether level 0 crossed its file count or size trigger.
func (p *Picker) NeedsL0Compaction(v *Version) bool {
	l0 := v.Level(0)
	if len(l0) == 0 {
		return false
	}
	if p.opts.MaxL0Files > 0 && len(l0) >= p.opts.MaxL0Files {
		return true
	}
	return p.opts.L0CompactionTriggerSize > 0 && v.LevelSize(0) >= p.opts.L0CompactionTriggerSize
}

// NeedsLevelNCompaction reports whether level n (n >= 1) exceeds its target size.
func (p *Picker) NeedsLevelNCompaction(v *Version, n int) bool {
	if n < 1 || n >= v.NumLevels()-1 || p.opts.BaseTargetSize <= 0 {
		return false
	}
	return v.LevelSize(n) > p.TargetSize(n)
}

// Pick returns the next compaction task for v, or nil when nothing is due or
// every due level is busy. The returned task is marked in flight and must be
// handed back with Release.
func (p *Picker) Pick(v *Version) *CompactionTask {
	p.mu.Lock()
	defer p.mu.Unlock()

	if task := p.pickL0Locked(v); task != nil {
		p.beginLocked(task)
		return task
	}
	for n := 1; n < v.NumLevels()-1 && n < len(p.levelBusy)-1; n++ {
		if task := p.pickLevelNLocked(v, n); task != nil {
			p.beginLocked(task)
			return task
		}
	}
	return nil
}

// Release clears the in-flight marks of a finished or failed task.
func (p *Picker) Release(task *CompactionTask) {
	if task == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range task.AllTables() {
		p.inFlight.Remove(t.ID())
	}
	p.levelBusy[task.SourceLevel] = false
	p.levelBusy[task.TargetLevel] = false
}

// InFlight reports whether table id is part of a running compaction.
func (p *Picker) InFlight(id uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight.Contains(id)
}

// InFlightCount returns the number of tables being compacted.
func (p *Picker) InFlightCount() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight.GetCardinality()
}

func (p *Picker) beginLocked(task *CompactionTask) {
	for _, t := range task.AllTables() {
		p.inFlight.Add(t.ID())
	}
	p.levelBusy[task.SourceLevel] = true
	p.levelBusy[task.TargetLevel] = true
}

func (p *Picker) anyInFlightLocked(tables []*sstable.SSTable) bool {
	for _, t := range tables {
		if p.inFlight.Contains(t.ID()) {
			return true
		}
	}
	return false
}

func (p *Picker) pickL0Locked(v *Version) *CompactionTask {
	if !p.NeedsL0Compaction(v) || p.levelBusy[0] || p.levelBusy[1] {
		return nil
	}
	inputs := append([]*sstable.SSTable(nil), v.Level(0)...)
	if p.anyInFlightLocked(inputs) {
		return nil
	}
	minKey, maxKey := keyRange(inputs)
	overlaps := v.Overlapping(1, minKey, maxKey)
	if p.anyInFlightLocked(overlaps) {
		return nil
	}
	reason := "l0_file_count"
	if p.opts.MaxL0Files <= 0 || len(inputs) < p.opts.MaxL0Files {
		reason = "l0_size"
	}
	return &CompactionTask{
		SourceLevel:    0,
		TargetLevel:    1,
		Inputs:         inputs,
		Overlaps:       overlaps,
		DropTombstones: !v.OverlapsBelow(1, minKey, maxKey),
		Reason:         reason,
	}
}

func (p *Picker) pickLevelNLocked(v *Version, n int) *CompactionTask {
	if !p.NeedsLevelNCompaction(v, n) || p.levelBusy[n] || p.levelBusy[n+1] {
		return nil
	}
	var candidates []*sstable.SSTable
	bestScore := -math.MaxFloat64
	for _, t := range v.Level(n) {
		if p.inFlight.Contains(t.ID()) {
			continue
		}
		overlaps := v.Overlapping(n+1, t.MinKey(), t.MaxKey())
		if p.anyInFlightLocked(overlaps) {
			continue
		}
		score := p.score(t, overlaps)
		if score > bestScore {
			bestScore = score
			candidates = []*sstable.SSTable{t}
		} else if score == bestScore {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	chosen := p.fallback(candidates)
	overlaps := v.Overlapping(n+1, chosen.MinKey(), chosen.MaxKey())
	minKey, maxKey := keyRange([]*sstable.SSTable{chosen}, overlaps)
	return &CompactionTask{
		SourceLevel:    n,
		TargetLevel:    n + 1,
		Inputs:         []*sstable.SSTable{chosen},
		Overlaps:       overlaps,
		DropTombstones: !v.OverlapsBelow(n+1, minKey, maxKey),
		Reason:         fmt.Sprintf("l%d_size", n),
	}
}

// score rewards tombstone density and penalizes the bytes rewritten in the next level.
func (p *Picker) score(t *sstable.SSTable, overlaps []*sstable.SSTable) float64 {
	var tombstoneDensity float64
	if t.KeyCount() > 0 {
		tombstoneDensity = float64(t.TombstoneCount()) / float64(t.KeyCount())
	}
	var overlapSize int64
	for _, o := range overlaps {
		overlapSize += o.Size()
	}
	var overlapPenalty float64
	if t.Size() > 0 {
		overlapPenalty = float64(overlapSize) / float64(t.Size())
	}
	return p.opts.TombstoneWeight*tombstoneDensity - p.opts.OverlapWeight*overlapPenalty
}

func (p *Picker) fallback(candidates []*sstable.SSTable) *sstable.SSTable {
	switch p.opts.FallbackStrategy {
	case PickLargest:
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].Size() > candidates[j].Size() })
	case PickSmallest:
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].Size() < candidates[j].Size() })
	case PickHighestTombstoneDensity:
		density := func(t *sstable.SSTable) float64 {
			if t.KeyCount() == 0 {
				return 0
			}
			return float64(t.TombstoneCount()) / float64(t.KeyCount())
		}
		sort.Slice(candidates, func(i, j int) bool { return density(candidates[i]) > density(candidates[j]) })
	default:
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID() < candidates[j].ID() })
	}
	return candidates[0]
}
