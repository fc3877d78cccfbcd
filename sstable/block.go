package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/INLOpen/nexusdb/core"
)

// blockBuilder accumulates entries with prefix-compressed keys. Every
// restartInterval entries a full key is written and its offset recorded, so a
// reader can binary search restart points before scanning.
type blockBuilder struct {
	buf             bytes.Buffer
	restarts        []uint32
	restartInterval int
	count           int
	lastKey         []byte
}

func newBlockBuilder(restartInterval int) *blockBuilder {
	if restartInterval <= 0 {
		restartInterval = DefaultRestartPointInterval
	}
	return &blockBuilder{restartInterval: restartInterval}
}

// add appends one entry:
// shared uvarint | unshared uvarint | valueLen uvarint | type byte | seq uvarint | key suffix | value
func (b *blockBuilder) add(key, value []byte, entryType core.EntryType, seqNum uint64) {
	shared := 0
	if b.count%b.restartInterval == 0 {
		b.restarts = append(b.restarts, uint32(b.buf.Len()))
	} else {
		limit := min(len(key), len(b.lastKey))
		for shared < limit && key[shared] == b.lastKey[shared] {
			shared++
		}
	}

	var tmp [binary.MaxVarintLen64]byte
	b.buf.Write(tmp[:binary.PutUvarint(tmp[:], uint64(shared))])
	b.buf.Write(tmp[:binary.PutUvarint(tmp[:], uint64(len(key)-shared))])
	b.buf.Write(tmp[:binary.PutUvarint(tmp[:], uint64(len(value)))])
	b.buf.WriteByte(byte(entryType))
	b.buf.Write(tmp[:binary.PutUvarint(tmp[:], seqNum)])
	b.buf.Write(key[shared:])
	b.buf.Write(value)

	b.lastKey = append(b.lastKey[:0], key...)
	b.count++
}

// estimatedSize is the size finish would produce.
func (b *blockBuilder) estimatedSize() int {
	return b.buf.Len() + 4*len(b.restarts) + 4
}

func (b *blockBuilder) empty() bool {
	return b.count == 0
}

// finish appends the restart trailer and returns the block payload. The
// returned slice is valid until reset.
func (b *blockBuilder) finish() []byte {
	var tmp [4]byte
	for _, r := range b.restarts {
		binary.LittleEndian.PutUint32(tmp[:], r)
		b.buf.Write(tmp[:])
	}
	binary.LittleEndian.PutUint32(tmp[:], uint32(len(b.restarts)))
	b.buf.Write(tmp[:])
	return b.buf.Bytes()
}

func (b *blockBuilder) reset() {
	b.buf.Reset()
	b.restarts = b.restarts[:0]
	b.count = 0
	b.lastKey = b.lastKey[:0]
}

// block is a decoded, uncompressed data block.
type block struct {
	data        []byte // entries only
	restarts    []uint32
	numRestarts int
}

func parseBlock(payload []byte) (*block, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("%w: block too short", core.ErrCorrupted)
	}
	n := int(binary.LittleEndian.Uint32(payload[len(payload)-4:]))
	trailer := 4 + 4*n
	if n == 0 || trailer > len(payload) {
		return nil, fmt.Errorf("%w: bad restart count %d", core.ErrCorrupted, n)
	}
	entriesEnd := len(payload) - trailer
	restarts := make([]uint32, n)
	for i := range restarts {
		restarts[i] = binary.LittleEndian.Uint32(payload[entriesEnd+4*i:])
		if int(restarts[i]) >= entriesEnd && entriesEnd > 0 {
			return nil, fmt.Errorf("%w: restart offset out of range", core.ErrCorrupted)
		}
	}
	return &block{data: payload[:entriesEnd], restarts: restarts, numRestarts: n}, nil
}

// blockIterator walks the entries of one block in key order.
type blockIterator struct {
	b       *block
	offset  int // start of the next entry
	key     []byte
	value   []byte
	typ     core.EntryType
	seq     uint64
	err     error
	valid   bool
	started bool
}

func newBlockIterator(b *block) *blockIterator {
	return &blockIterator{b: b}
}

// decodeAt parses the entry starting at off using it.key as the previous key.
func (it *blockIterator) decodeAt(off int) bool {
	data := it.b.data
	if off >= len(data) {
		it.valid = false
		return false
	}
	p := data[off:]
	shared, n1 := binary.Uvarint(p)
	unshared, n2 := uvarintAt(p, n1)
	valueLen, n3 := uvarintAt(p, n1+n2)
	if n1 <= 0 || n2 <= 0 || n3 <= 0 {
		return it.fail("bad entry header")
	}
	pos := n1 + n2 + n3
	if pos >= len(p) {
		return it.fail("truncated entry")
	}
	typ := core.EntryType(p[pos])
	pos++
	seq, n4 := uvarintAt(p, pos)
	if n4 <= 0 {
		return it.fail("bad sequence number")
	}
	pos += n4
	if shared > uint64(len(it.key)) || uint64(pos)+unshared+valueLen > uint64(len(p)) {
		return it.fail("entry overflows block")
	}
	it.key = append(it.key[:shared], p[pos:pos+int(unshared)]...)
	pos += int(unshared)
	it.value = p[pos : pos+int(valueLen)]
	pos += int(valueLen)
	it.typ = typ
	it.seq = seq
	it.offset = off + pos
	it.valid = true
	return true
}

func uvarintAt(p []byte, off int) (uint64, int) {
	if off < 0 || off >= len(p) {
		return 0, 0
	}
	return binary.Uvarint(p[off:])
}

func (it *blockIterator) fail(msg string) bool {
	it.err = fmt.Errorf("%w: %s", core.ErrCorrupted, msg)
	it.valid = false
	return false
}

// next advances to the following entry.
func (it *blockIterator) next() bool {
	if it.err != nil {
		return false
	}
	if !it.started {
		it.started = true
		it.key = it.key[:0]
		return it.decodeAt(0)
	}
	if !it.valid {
		return false
	}
	return it.decodeAt(it.offset)
}

// seek positions the iterator at the first entry with key >= target.
func (it *blockIterator) seek(target []byte) bool {
	it.started = true
	// Find the last restart point whose key is < target.
	lo, hi := 0, it.b.numRestarts-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		it.key = it.key[:0]
		if !it.decodeAt(int(it.b.restarts[mid])) {
			return false
		}
		if bytes.Compare(it.key, target) < 0 {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	it.key = it.key[:0]
	if !it.decodeAt(int(it.b.restarts[lo])) {
		return false
	}
	for bytes.Compare(it.key, target) < 0 {
		if !it.decodeAt(it.offset) {
			return false
		}
	}
	return true
}
