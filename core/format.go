package core

import (
	"fmt"
	"strconv"
	"strings"
)

// This file centralizes constants related to file formats, magic numbers,
// and other protocol-level identifiers used across the database engine.

// --- Magic Numbers ---
const (
	// WALMagicNumber identifies a Write-Ahead Log segment file.
	WALMagicNumber uint32 = 0xBAADF00D
	// ManifestMagicNumber identifies a binary manifest file.
	ManifestMagicNumber uint32 = 0x424E414D // "MANB" for MANifest Binary
	// SSTableMagicNumber identifies an SSTable file.
	SSTableMagicNumber uint32 = 0x53535442 // "SSTB"
)

// --- Magic Strings ---
const (
	// SSTableMagicString is a unique identifier placed at the end of an SSTable file.
	SSTableMagicString    = "NXDB-SSTABLE-V1"
	SSTableMagicStringLen = len(SSTableMagicString)
)

// --- File Names & Prefixes ---
const (
	// CurrentFileName is the name of the file that points to the latest MANIFEST file.
	CurrentFileName = "CURRENT"
	// ManifestFilePrefix is the prefix for manifest files, e.g., MANIFEST_000012.bin
	ManifestFilePrefix = "MANIFEST"
	// WALFileSuffix is the suffix for WAL segment files.
	WALFileSuffix = ".wal"
	// SSTableFileSuffix is the suffix for SSTable files.
	SSTableFileSuffix = ".sst"
	// CatalogFileName stores table definitions.
	CatalogFileName = "catalog.yaml"
	// LockFileName guards a data directory against concurrent processes.
	LockFileName = "LOCK"

	WALDirName     = "wal"
	SSTableDirName = "sst"
)

// --- Protocol & Format Versions ---
const (
	// FormatVersion is the current version for all persistent file formats.
	FormatVersion uint8 = 1
)

// --- Default Sizes & Limits ---
const (
	// WALMaxSegmentSize is the default maximum size for a WAL segment file.
	WALMaxSegmentSize = 64 * 1024 * 1024 // 64 MB
)

func FormatTempFilename(prefix, postfix string) string {
	return fmt.Sprintf("%s.%s", prefix, postfix)
}

// FormatSegmentFileName creates a segment file name from its index.
func FormatSegmentFileName(index uint64) string {
	return fmt.Sprintf("%08d%s", index, WALFileSuffix)
}

// ParseSegmentFileName extracts the index from a segment file name.
func ParseSegmentFileName(name string) (uint64, error) {
	if !strings.HasSuffix(name, WALFileSuffix) {
		return 0, fmt.Errorf("file %s is not a WAL segment file", name)
	}
	name = strings.TrimSuffix(name, WALFileSuffix)
	return strconv.ParseUint(name, 10, 64)
}

// FormatSSTableFileName returns the file name of an SSTable by id.
func FormatSSTableFileName(id uint64) string {
	return fmt.Sprintf("%06d%s", id, SSTableFileSuffix)
}

// ParseSSTableFileName extracts the id from an SSTable file name.
func ParseSSTableFileName(name string) (uint64, error) {
	if !strings.HasSuffix(name, SSTableFileSuffix) {
		return 0, fmt.Errorf("file %s is not an SSTable file", name)
	}
	return strconv.ParseUint(strings.TrimSuffix(name, SSTableFileSuffix), 10, 64)
}

// FormatManifestFileName returns the name of the n-th manifest file.
func FormatManifestFileName(n uint64) string {
	return fmt.Sprintf("%s_%06d.bin", ManifestFilePrefix, n)
}
