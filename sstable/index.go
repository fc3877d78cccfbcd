package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sort"

	"github.com/INLOpen/nexusdb/core"
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// BlockIndexEntry locates one data block.
type BlockIndexEntry struct {
	FirstKey []byte
	LastKey  []byte
	Offset   uint64 // offset of the block header
	Length   uint32 // header plus payload
}

// IndexBuilder collects block index entries during writing.
type IndexBuilder struct {
	entries []BlockIndexEntry
}

// Add records a finished block.
func (ib *IndexBuilder) Add(firstKey, lastKey []byte, offset uint64, length uint32) {
	ib.entries = append(ib.entries, BlockIndexEntry{
		FirstKey: append([]byte(nil), firstKey...),
		LastKey:  append([]byte(nil), lastKey...),
		Offset:   offset,
		Length:   length,
	})
}

// Build serializes the index as a count followed by
// firstLen uvarint | first | lastLen uvarint | last | offset uvarint | length uvarint
// per block, and returns the bytes with their checksum.
func (ib *IndexBuilder) Build() ([]byte, uint32) {
	var buf bytes.Buffer
	var tmp [binary.MaxVarintLen64]byte
	buf.Write(tmp[:binary.PutUvarint(tmp[:], uint64(len(ib.entries)))])
	for _, e := range ib.entries {
		buf.Write(tmp[:binary.PutUvarint(tmp[:], uint64(len(e.FirstKey)))])
		buf.Write(e.FirstKey)
		buf.Write(tmp[:binary.PutUvarint(tmp[:], uint64(len(e.LastKey)))])
		buf.Write(e.LastKey)
		buf.Write(tmp[:binary.PutUvarint(tmp[:], e.Offset)])
		buf.Write(tmp[:binary.PutUvarint(tmp[:], uint64(e.Length))])
	}
	data := buf.Bytes()
	return data, crc32.Checksum(data, crc32cTable)
}

// Index is the decoded, in-memory block index.
type Index struct {
	entries []BlockIndexEntry
}

// DecodeIndex parses index bytes after verifying their checksum.
func DecodeIndex(data []byte, checksum uint32) (*Index, error) {
	if crc32.Checksum(data, crc32cTable) != checksum {
		return nil, fmt.Errorf("%w: index: %w", core.ErrCorrupted, core.ErrChecksumMismatch)
	}
	r := bytes.NewReader(data)
	count, err := binary.ReadUvarint(r)
	if err != nil || count > uint64(len(data)) {
		return nil, fmt.Errorf("%w: index entry count", core.ErrCorrupted)
	}
	entries := make([]BlockIndexEntry, 0, count)
	readBytes := func() ([]byte, error) {
		n, err := binary.ReadUvarint(r)
		if err != nil || n > uint64(r.Len()) {
			return nil, fmt.Errorf("%w: index key length", core.ErrCorrupted)
		}
		b := make([]byte, n)
		_, _ = r.Read(b)
		return b, nil
	}
	for i := uint64(0); i < count; i++ {
		first, err := readBytes()
		if err != nil {
			return nil, err
		}
		last, err := readBytes()
		if err != nil {
			return nil, err
		}
		offset, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("%w: index block offset", core.ErrCorrupted)
		}
		length, err := binary.ReadUvarint(r)
		if err != nil || length > 1<<32-1 {
			return nil, fmt.Errorf("%w: index block length", core.ErrCorrupted)
		}
		entries = append(entries, BlockIndexEntry{FirstKey: first, LastKey: last, Offset: offset, Length: uint32(length)})
	}
	return &Index{entries: entries}, nil
}

// Len returns the number of blocks.
func (idx *Index) Len() int {
	return len(idx.entries)
}

// Entry returns the i-th block entry.
func (idx *Index) Entry(i int) BlockIndexEntry {
	return idx.entries[i]
}

// Find returns the position of the only block that can hold key, or -1.
func (idx *Index) Find(key []byte) int {
	// First block whose last key is >= key.
	i := sort.Search(len(idx.entries), func(i int) bool {
		return bytes.Compare(idx.entries[i].LastKey, key) >= 0
	})
	if i == len(idx.entries) || bytes.Compare(idx.entries[i].FirstKey, key) > 0 {
		return -1
	}
	return i
}

// SeekBlock returns the position of the first block that may contain keys >= key.
// It returns Len() when every key is smaller.
func (idx *Index) SeekBlock(key []byte) int {
	return sort.Search(len(idx.entries), func(i int) bool {
		return bytes.Compare(idx.entries[i].LastKey, key) >= 0
	})
}
