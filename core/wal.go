package core

// WALEntry represents a single operation recorded in the WAL.
type WALEntry struct {
	EntryType EntryType
	Key       []byte
	Value     []byte
	SeqNum    uint64
}

// WALSyncMode defines how frequently the WAL is synced to disk.
type WALSyncMode string

const (
	WALSyncAlways   WALSyncMode = "always"   // fsync before Append returns
	WALSyncInterval WALSyncMode = "interval" // fsync on the engine's ticker
	WALSyncDisabled WALSyncMode = "disabled" // never fsync; tests only
)
