package wal

import (
	"context"
	"encoding/binary"
	"expvar"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/INLOpen/nexusdb/core"
	"github.com/INLOpen/nexusdb/hooks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Helper to create WAL options for testing.
func testWALOptions(t *testing.T, dir string) Options {
	t.Helper()
	return Options{
		Dir:            dir,
		SyncMode:       core.WALSyncDisabled,
		MaxSegmentSize: 64 * 1024,
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func createTestWALEntries(count int, startSeqNum uint64) []core.WALEntry {
	entries := make([]core.WALEntry, count)
	for i := 0; i < count; i++ {
		seq := startSeqNum + uint64(i)
		entries[i] = core.WALEntry{
			EntryType: core.EntryTypePut,
			Key:       []byte(fmt.Sprintf("key-%d", seq)),
			Value:     []byte(fmt.Sprintf("value-%d", seq)),
			SeqNum:    seq,
		}
	}
	return entries
}

func appendAll(t *testing.T, w *WAL, entries []core.WALEntry) {
	t.Helper()
	for _, e := range entries {
		require.NoError(t, w.Append(e))
	}
}

func lastSegmentPath(t *testing.T, dir string) string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*"+core.WALFileSuffix))
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	return matches[len(matches)-1]
}

func TestOpenWAL_New(t *testing.T) {
	w, recovered, err := Open(testWALOptions(t, t.TempDir()))
	require.NoError(t, err)
	defer w.Close()

	assert.Empty(t, recovered)
	assert.Equal(t, uint64(1), w.ActiveSegmentIndex())
}

func TestWAL_AppendAndRecover(t *testing.T) {
	opts := testWALOptions(t, t.TempDir())
	w, _, err := Open(opts)
	require.NoError(t, err)

	entries := createTestWALEntries(5, 1)
	appendAll(t, w, entries)
	tombstone := core.WALEntry{EntryType: core.EntryTypeDelete, Key: []byte("key-2"), SeqNum: 6}
	require.NoError(t, w.Append(tombstone))
	require.NoError(t, w.Close())

	w2, recovered, err := Open(opts)
	require.NoError(t, err)
	defer w2.Close()

	expected := append(entries, tombstone)
	require.Len(t, recovered, len(expected))
	for i := range expected {
		assert.Equal(t, expected[i].SeqNum, recovered[i].SeqNum)
		assert.Equal(t, expected[i].Key, recovered[i].Key)
		assert.Equal(t, expected[i].Value, recovered[i].Value)
		assert.Equal(t, expected[i].EntryType, recovered[i].EntryType)
	}
}

func TestWAL_AppendAfterReopenContinues(t *testing.T) {
	opts := testWALOptions(t, t.TempDir())
	w, _, err := Open(opts)
	require.NoError(t, err)
	appendAll(t, w, createTestWALEntries(3, 1))
	require.NoError(t, w.Close())

	w, recovered, err := Open(opts)
	require.NoError(t, err)
	require.Len(t, recovered, 3)
	appendAll(t, w, createTestWALEntries(2, 4))
	require.NoError(t, w.Close())

	w, recovered, err = Open(opts)
	require.NoError(t, err)
	defer w.Close()
	require.Len(t, recovered, 5)
	assert.Equal(t, uint64(5), recovered[4].SeqNum)
}

func TestWAL_Rotation(t *testing.T) {
	opts := testWALOptions(t, t.TempDir())
	opts.MaxSegmentSize = 256

	w, _, err := Open(opts)
	require.NoError(t, err)

	var total []core.WALEntry
	for i := 0; i < 10; i++ {
		entry := core.WALEntry{
			Key:       []byte(fmt.Sprintf("key-for-rotation-%d", i)),
			Value:     []byte("a somewhat long value to ensure we fill the segment"),
			SeqNum:    uint64(i + 1),
			EntryType: core.EntryTypePut,
		}
		require.NoError(t, w.Append(entry))
		total = append(total, entry)
	}
	assert.Greater(t, w.ActiveSegmentIndex(), uint64(1), "WAL should have rotated to a new segment")
	require.NoError(t, w.Close())

	w2, recovered, err := Open(opts)
	require.NoError(t, err)
	defer w2.Close()
	require.Len(t, recovered, len(total))
	assert.Equal(t, total[0].Key, recovered[0].Key)
	assert.Equal(t, total[len(total)-1].Key, recovered[len(recovered)-1].Key)
}

func TestWAL_OversizedRecordGoesToEmptySegment(t *testing.T) {
	opts := testWALOptions(t, t.TempDir())
	opts.MaxSegmentSize = 128

	w, _, err := Open(opts)
	require.NoError(t, err)
	big := core.WALEntry{EntryType: core.EntryTypePut, Key: []byte("big"), Value: make([]byte, 1024), SeqNum: 1}
	require.NoError(t, w.Append(big))
	assert.Equal(t, uint64(1), w.ActiveSegmentIndex(), "empty segment accepts an oversized record")
	require.NoError(t, w.Close())

	w, recovered, err := Open(opts)
	require.NoError(t, err)
	defer w.Close()
	require.Len(t, recovered, 1)
	assert.Len(t, recovered[0].Value, 1024)
}

func TestWAL_RotateAndPurge(t *testing.T) {
	opts := testWALOptions(t, t.TempDir())
	var rotated []hooks.PostWALRotatePayload
	hm := hooks.NewHookManager(nil)
	hm.Register(hooks.EventPostWALRotate, listenerFunc(func(ev hooks.HookEvent) {
		rotated = append(rotated, ev.Payload().(hooks.PostWALRotatePayload))
	}))
	opts.HookManager = hm

	w, _, err := Open(opts)
	require.NoError(t, err)
	appendAll(t, w, createTestWALEntries(3, 1))

	prev, err := w.Rotate()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), prev)
	assert.Equal(t, uint64(2), w.ActiveSegmentIndex())
	require.Len(t, rotated, 1)
	assert.Equal(t, uint64(1), rotated[0].OldSegmentIndex)
	assert.Equal(t, uint64(2), rotated[0].NewSegmentIndex)

	appendAll(t, w, createTestWALEntries(2, 4))
	require.NoError(t, w.Purge(prev))
	assert.Equal(t, 1, w.SegmentCount())
	_, err = os.Stat(filepath.Join(opts.Dir, core.FormatSegmentFileName(1)))
	assert.True(t, os.IsNotExist(err))

	// The active segment survives a purge that covers it.
	require.NoError(t, w.Purge(100))
	assert.Equal(t, 1, w.SegmentCount())
	require.NoError(t, w.Close())

	w, recovered, err := Open(opts)
	require.NoError(t, err)
	defer w.Close()
	require.Len(t, recovered, 2)
	assert.Equal(t, uint64(4), recovered[0].SeqNum)
}

func TestWAL_PurgeBefore(t *testing.T) {
	opts := testWALOptions(t, t.TempDir())
	w, _, err := Open(opts)
	require.NoError(t, err)
	defer w.Close()

	appendAll(t, w, createTestWALEntries(3, 1)) // segment 1: seq 1..3
	_, err = w.Rotate()
	require.NoError(t, err)
	appendAll(t, w, createTestWALEntries(3, 4)) // segment 2: seq 4..6
	_, err = w.Rotate()
	require.NoError(t, err)
	appendAll(t, w, createTestWALEntries(1, 7)) // segment 3 (active)

	require.NoError(t, w.PurgeBefore(5))
	assert.Equal(t, 2, w.SegmentCount(), "segment 2 still holds seq 6")

	require.NoError(t, w.PurgeBefore(6))
	assert.Equal(t, 1, w.SegmentCount())

	require.NoError(t, w.PurgeBefore(100))
	assert.Equal(t, 1, w.SegmentCount(), "the active segment is kept")
}

func TestWAL_Metrics(t *testing.T) {
	opts := testWALOptions(t, t.TempDir())
	opts.BytesWritten = new(expvar.Int)
	opts.EntriesWritten = new(expvar.Int)

	w, _, err := Open(opts)
	require.NoError(t, err)
	defer w.Close()
	appendAll(t, w, createTestWALEntries(4, 1))

	assert.Equal(t, int64(4), opts.EntriesWritten.Value())
	assert.Greater(t, opts.BytesWritten.Value(), int64(0))
}

func TestWAL_SyncAlways(t *testing.T) {
	opts := testWALOptions(t, t.TempDir())
	opts.SyncMode = core.WALSyncAlways
	opts.Preallocate = true

	w, _, err := Open(opts)
	require.NoError(t, err)
	appendAll(t, w, createTestWALEntries(3, 1))

	// Read the segment while the writer is still open: synced records are visible.
	reader, err := OpenSegmentForRead(lastSegmentPath(t, opts.Dir))
	require.NoError(t, err)
	count := 0
	for {
		_, err := reader.ReadRecord()
		if err != nil {
			break
		}
		count++
	}
	reader.Close()
	assert.Equal(t, 3, count)
	require.NoError(t, w.Close())
}

func TestWAL_InjectedAppendError(t *testing.T) {
	w, _, err := Open(testWALOptions(t, t.TempDir()))
	require.NoError(t, err)
	defer w.Close()

	injected := fmt.Errorf("disk on fire")
	w.SetTestingOnlyInjectAppendError(injected)
	assert.ErrorIs(t, w.Append(createTestWALEntries(1, 1)[0]), injected)
}

func TestWAL_Close(t *testing.T) {
	w, _, err := Open(testWALOptions(t, t.TempDir()))
	require.NoError(t, err)
	require.NoError(t, w.Append(core.WALEntry{EntryType: core.EntryTypePut, Key: []byte("a"), SeqNum: 1}))
	require.NoError(t, w.Close())
	assert.NoError(t, w.Close())

	err = w.Append(core.WALEntry{EntryType: core.EntryTypePut, Key: []byte("b"), SeqNum: 2})
	assert.ErrorIs(t, err, core.ErrClosed)
}

func TestWAL_Recovery_TornTail(t *testing.T) {
	for _, cut := range []int64{1, 3, 7, 12} {
		t.Run(fmt.Sprintf("cut_%d", cut), func(t *testing.T) {
			opts := testWALOptions(t, t.TempDir())
			var recoveryInfo hooks.PostWALRecoveryPayload
			hm := hooks.NewHookManager(nil)
			hm.Register(hooks.EventPostWALRecovery, listenerFunc(func(ev hooks.HookEvent) {
				recoveryInfo = ev.Payload().(hooks.PostWALRecoveryPayload)
			}))

			w, _, err := Open(opts)
			require.NoError(t, err)
			entries := createTestWALEntries(5, 1)
			appendAll(t, w, entries)
			require.NoError(t, w.Close())

			path := lastSegmentPath(t, opts.Dir)
			stat, err := os.Stat(path)
			require.NoError(t, err)
			require.NoError(t, os.Truncate(path, stat.Size()-cut))

			opts.HookManager = hm
			w, recovered, err := Open(opts)
			require.NoError(t, err, "a torn tail is repaired, not fatal")
			require.Len(t, recovered, 4, "exactly the torn record is dropped")
			assert.Equal(t, entries[3].Key, recovered[3].Key)
			assert.Greater(t, recoveryInfo.TruncatedBytes, int64(0))
			assert.Equal(t, 4, recoveryInfo.RecoveredEntries)

			// The repaired log accepts new writes after the last good record.
			require.NoError(t, w.Append(createTestWALEntries(1, 5)[0]))
			require.NoError(t, w.Close())

			w, recovered, err = Open(opts)
			require.NoError(t, err)
			defer w.Close()
			require.Len(t, recovered, 5)
			assert.Equal(t, uint64(5), recovered[4].SeqNum)
		})
	}
}

func TestWAL_Recovery_ChecksumMismatchAtTail(t *testing.T) {
	opts := testWALOptions(t, t.TempDir())
	w, _, err := Open(opts)
	require.NoError(t, err)
	appendAll(t, w, createTestWALEntries(3, 1))
	require.NoError(t, w.Close())

	path := lastSegmentPath(t, opts.Dir)
	flipByteFromEnd(t, path, 1)

	w, recovered, err := Open(opts)
	require.NoError(t, err)
	defer w.Close()
	assert.Len(t, recovered, 2)
}

func TestWAL_Recovery_MidLogCorruptionIsFatal(t *testing.T) {
	opts := testWALOptions(t, t.TempDir())
	w, _, err := Open(opts)
	require.NoError(t, err)
	entries := createTestWALEntries(5, 1)
	appendAll(t, w, entries)
	require.NoError(t, w.Close())

	// Damage the payload of the first record; four intact records follow it.
	path := lastSegmentPath(t, opts.Dir)
	flipByteAt(t, path, int64(core.FileHeaderSize)+recordHeaderSize+2)

	_, _, err = Open(opts)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrCorrupted)
}

func TestWAL_Recovery_OverrunLengthMidLogIsFatal(t *testing.T) {
	opts := testWALOptions(t, t.TempDir())
	w, _, err := Open(opts)
	require.NoError(t, err)
	appendAll(t, w, createTestWALEntries(5, 1))
	require.NoError(t, w.Close())

	path := lastSegmentPath(t, opts.Dir)
	sr, err := OpenSegmentForRead(path)
	require.NoError(t, err)
	_, err = sr.ReadRecord()
	require.NoError(t, err)
	second := sr.Offset()
	require.NoError(t, sr.Close())

	// The second record claims to run past the end of the file while three
	// intact records follow it.
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	require.NoError(t, err)
	var length [4]byte
	binary.LittleEndian.PutUint32(length[:], 1<<24)
	_, err = f.WriteAt(length[:], second)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	before, err := os.Stat(path)
	require.NoError(t, err)

	_, _, err = Open(opts)
	require.ErrorIs(t, err, core.ErrCorrupted)
	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, before.Size(), after.Size(), "records after the damage are kept")
}

func TestWAL_Recovery_TornNonLastSegmentIsFatal(t *testing.T) {
	opts := testWALOptions(t, t.TempDir())
	w, _, err := Open(opts)
	require.NoError(t, err)
	appendAll(t, w, createTestWALEntries(3, 1))
	_, err = w.Rotate()
	require.NoError(t, err)
	appendAll(t, w, createTestWALEntries(3, 4))
	require.NoError(t, w.Close())

	first := filepath.Join(opts.Dir, core.FormatSegmentFileName(1))
	stat, err := os.Stat(first)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(first, stat.Size()-2))

	_, _, err = Open(opts)
	assert.ErrorIs(t, err, core.ErrCorrupted)
}

func TestWAL_Recovery_SegmentTornInHeader(t *testing.T) {
	opts := testWALOptions(t, t.TempDir())
	w, _, err := Open(opts)
	require.NoError(t, err)
	appendAll(t, w, createTestWALEntries(2, 1))
	require.NoError(t, w.Close())

	// A crash right after creating the next segment.
	torn := filepath.Join(opts.Dir, core.FormatSegmentFileName(2))
	require.NoError(t, os.WriteFile(torn, []byte{0x0D, 0xF0}, 0644))

	w, recovered, err := Open(opts)
	require.NoError(t, err)
	defer w.Close()
	assert.Len(t, recovered, 2)
	require.NoError(t, w.Append(createTestWALEntries(1, 3)[0]))
}

type listenerFunc func(hooks.HookEvent)

func (f listenerFunc) OnEvent(_ context.Context, ev hooks.HookEvent) error {
	f(ev)
	return nil
}
func (f listenerFunc) Priority() int { return 0 }
func (f listenerFunc) IsAsync() bool { return false }

func flipByteAt(t *testing.T, path string, offset int64) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Less(t, offset, int64(len(data)))
	data[offset] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0644))
}

func flipByteFromEnd(t *testing.T, path string, fromEnd int64) {
	t.Helper()
	stat, err := os.Stat(path)
	require.NoError(t, err)
	flipByteAt(t, path, stat.Size()-fromEnd)
}
