package wal

import "github.com/INLOpen/nexusdb/core"

// WALInterface defines the public API for the Write-Ahead Log.
type WALInterface interface {
	// Append writes a single WALEntry to the log.
	Append(entry core.WALEntry) error
	// Sync flushes the WAL to stable storage.
	Sync() error
	// Purge deletes segment files with an index less than or equal to the given index.
	Purge(upToIndex uint64) error
	// PurgeBefore deletes inactive segments fully covered by flushedSeq.
	PurgeBefore(flushedSeq uint64) error
	Close() error
	Path() string
	// ActiveSegmentIndex returns the index of the current active segment file.
	ActiveSegmentIndex() uint64
	// Rotate starts a new segment and returns the index of the previous one.
	Rotate() (uint64, error)
}
