package engine

import (
	"bytes"
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/INLOpen/nexusdb/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type scannedEntry struct {
	key   []byte
	value []byte
}

// collect reads a whole table scan. It is safe to call from any goroutine.
func collect(ctx context.Context, e *Engine, snap *Snapshot) ([]scannedEntry, error) {
	iter, err := e.Scan(ctx, testTable, snap)
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var out []scannedEntry
	for iter.Next() {
		node, err := iter.At()
		if err != nil {
			return nil, err
		}
		if node.EntryType != core.EntryTypePut {
			return nil, fmt.Errorf("scan yielded entry type %v", node.EntryType)
		}
		out = append(out, scannedEntry{
			key:   append([]byte(nil), node.Key...),
			value: append([]byte(nil), node.Value...),
		})
	}
	return out, iter.Error()
}

func checkRepeatable(ctx context.Context, e *Engine) error {
	snap, err := e.Snapshot()
	if err != nil {
		return err
	}
	defer snap.Release()

	first, err := collect(ctx, e, snap)
	if err != nil {
		return err
	}
	for i := 1; i < len(first); i++ {
		if bytes.Compare(first[i-1].key, first[i].key) >= 0 {
			return fmt.Errorf("scan at seq %d out of order at %d", snap.Seq(), i)
		}
	}
	second, err := collect(ctx, e, snap)
	if err != nil {
		return err
	}
	if len(first) != len(second) {
		return fmt.Errorf("snapshot at seq %d changed: %d rows then %d", snap.Seq(), len(first), len(second))
	}
	for i := range first {
		if !bytes.Equal(first[i].key, second[i].key) || !bytes.Equal(first[i].value, second[i].value) {
			return fmt.Errorf("snapshot at seq %d changed at row %d", snap.Seq(), i)
		}
	}
	// Point reads at the same snapshot agree with the scan.
	for _, ent := range first {
		got, err := e.GetRaw(ctx, ent.key, snap)
		if err != nil {
			return fmt.Errorf("get %x at seq %d: %w", ent.key, snap.Seq(), err)
		}
		if !bytes.Equal(got, ent.value) {
			return fmt.Errorf("get %x at seq %d disagrees with scan", ent.key, snap.Seq())
		}
	}
	return nil
}

func TestEngine_ConcurrentReadsDuringFlushAndCompaction(t *testing.T) {
	opts := getBaseOptsForTest(t)
	opts.MemtableThreshold = 8 << 10
	opts.TargetSSTableSize = 4 << 10
	e := openEngine(t, opts)
	defer e.Close()
	ctx := context.Background()

	const keys = 64
	for id := int64(0); id < keys; id++ {
		putRow(t, e, id, "r0")
	}

	var writing atomic.Bool
	writing.Store(true)
	var compactions, reads atomic.Int64
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer writing.Store(false)
		for round := 1; round <= 30; round++ {
			for id := int64(0); id < keys; id++ {
				if (id+int64(round))%7 == 0 {
					if _, err := e.Delete(gctx, testTable, core.IntegerValue(id)); err != nil {
						return err
					}
					continue
				}
				if _, err := e.Put(gctx, testTable, core.IntegerValue(id), row(id, fmt.Sprintf("r%d", round))); err != nil {
					return err
				}
			}
			if round%3 == 0 {
				if err := e.Flush(gctx); err != nil {
					return err
				}
			}
		}
		return nil
	})

	g.Go(func() error {
		for writing.Load() {
			n, err := e.CompactNow(gctx)
			if err != nil {
				return err
			}
			compactions.Add(int64(n))
			time.Sleep(time.Millisecond)
		}
		return nil
	})

	for r := 0; r < 4; r++ {
		g.Go(func() error {
			for writing.Load() {
				if err := checkRepeatable(gctx, e); err != nil {
					return err
				}
				reads.Add(1)
			}
			return nil
		})
	}

	require.NoError(t, g.Wait())
	assert.Positive(t, reads.Load())

	// Settle and compare against the final round.
	_, err := e.CompactNow(ctx)
	require.NoError(t, err)
	model := make(map[int64]string)
	for id := int64(0); id < keys; id++ {
		if (id+30)%7 != 0 {
			model[id] = "r30"
		}
	}
	checkModel(t, e, model)
	require.NoError(t, checkRepeatable(ctx, e))
	t.Logf("reads=%d compactions=%d", reads.Load(), compactions.Load())
}
