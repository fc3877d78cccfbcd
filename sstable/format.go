// Package sstable implements immutable sorted table files.
//
// File layout:
//
//	header | data blocks | index | bloom filter | properties | footer
//
// Each data block on disk is compression(1) | crc32c(4) | payload. The index
// maps the first and last key of every block to its offset and length.
package sstable

import (
	"errors"

	"github.com/INLOpen/nexusdb/core"
)

const magicString = core.SSTableMagicString

// Footer component sizes.
const (
	offsetSize   = 8
	lengthSize   = 4
	checksumSize = 4

	// indexOffset, indexLen, indexCRC, bloomOffset, bloomLen, propsOffset, propsLen, propsCRC
	footerFixedSize = offsetSize + lengthSize + checksumSize +
		offsetSize + lengthSize +
		offsetSize + lengthSize + checksumSize
)

// FooterSize is the total fixed size of the footer including the magic string.
var FooterSize = footerFixedSize + len(magicString)

// blockHeaderSize is the compression flag and checksum preceding each block payload.
const blockHeaderSize = 1 + checksumSize

// DefaultBlockSize specifies the target size for data blocks in bytes.
const DefaultBlockSize = 4 * 1024

// DefaultRestartPointInterval specifies how often a full key is stored in a block.
const DefaultRestartPointInterval = 16

// DefaultBloomFalsePositiveRate is used when the writer options leave it unset.
const DefaultBloomFalsePositiveRate = 0.01

const tempFileSuffix = ".tmp"

// ErrNotFound is returned by Get when a key is not in the table.
var ErrNotFound = errors.New("key not found in sstable")

// ErrOutOfOrder is returned by Add when keys are not strictly increasing.
var ErrOutOfOrder = errors.New("sstable keys must be strictly increasing")
