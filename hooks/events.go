package hooks

import "time"

// EventType defines the type of a hook event.
type EventType string

const (
	// Row mutations. Pre events may veto the write.
	EventPrePut     EventType = "PrePut"
	EventPostPut    EventType = "PostPut"
	EventPreDelete  EventType = "PreDelete"
	EventPostDelete EventType = "PostDelete"

	// Storage lifecycle.
	EventPreFlushMemtable  EventType = "PreFlushMemtable"
	EventPostFlushMemtable EventType = "PostFlushMemtable"
	EventPreCompaction     EventType = "PreCompaction"
	EventPostCompaction    EventType = "PostCompaction"
	EventPostSSTableCreate EventType = "PostSSTableCreate"
	EventPreSSTableDelete  EventType = "PreSSTableDelete"
	EventPostManifestWrite EventType = "PostManifestWrite"
	EventPostWALRotate     EventType = "PostWALRotate"
	EventPostWALRecovery   EventType = "PostWALRecovery"

	// Engine lifecycle.
	EventPreStartEngine  EventType = "PreStartEngine"
	EventPostStartEngine EventType = "PostStartEngine"
	EventPreCloseEngine  EventType = "PreCloseEngine"
	EventPostCloseEngine EventType = "PostCloseEngine"

	// Statement execution.
	EventPreStatement  EventType = "PreStatement"
	EventPostStatement EventType = "PostStatement"
)

// MutationPayload describes a single row put or delete.
// Value is nil for deletes. SeqNum is zero in Pre events.
type MutationPayload struct {
	TableID uint32
	Key     []byte
	Value   []byte
	SeqNum  uint64
}

// FlushPayload is carried by PreFlushMemtable and PostFlushMemtable.
type FlushPayload struct {
	MemtableSize int64
	EntryCount   int
	MaxSeqNum    uint64
	SSTableID    uint64 // zero in the Pre event
	Duration     time.Duration
}

// CompactedTableInfo describes one SSTable taking part in a compaction.
type CompactedTableInfo struct {
	ID   uint64
	Size int64
}

// PreCompactionPayload names the levels and inputs before a merge starts.
type PreCompactionPayload struct {
	SourceLevel int
	TargetLevel int
	Inputs      []CompactedTableInfo
}

// PostCompactionPayload reports what a completed compaction consumed and produced.
type PostCompactionPayload struct {
	SourceLevel       int
	TargetLevel       int
	OldTables         []CompactedTableInfo
	NewTables         []CompactedTableInfo
	TombstonesDropped int
	Duration          time.Duration
}

// SSTablePayload identifies a single SSTable file.
type SSTablePayload struct {
	ID    uint64
	Level int
	Path  string
	Size  int64
}

// ManifestWritePayload is carried by PostManifestWrite.
type ManifestWritePayload struct {
	Path    string
	Version uint64
}

// PostWALRotatePayload is carried by PostWALRotate.
type PostWALRotatePayload struct {
	OldSegmentIndex uint64
	NewSegmentIndex uint64
	NewSegmentPath  string
}

// PostWALRecoveryPayload is carried by PostWALRecovery.
type PostWALRecoveryPayload struct {
	RecoveredEntries int
	TruncatedBytes   int64
	Duration         time.Duration
}

// StatementPayload describes a statement before and after execution.
type StatementPayload struct {
	Kind         string
	Table        string
	RowsAffected int64
	RowsReturned int
	Duration     time.Duration
	Err          error
}
