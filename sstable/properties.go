package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/INLOpen/nexusdb/core"
)

// Properties summarise a table's contents.
type Properties struct {
	MinKey         []byte
	MaxKey         []byte
	KeyCount       uint64
	TombstoneCount uint64
	MinSeq         uint64
	MaxSeq         uint64
}

func (p *Properties) encode() []byte {
	var buf bytes.Buffer
	var tmp [binary.MaxVarintLen64]byte
	putBytes := func(b []byte) {
		buf.Write(tmp[:binary.PutUvarint(tmp[:], uint64(len(b)))])
		buf.Write(b)
	}
	putBytes(p.MinKey)
	putBytes(p.MaxKey)
	for _, v := range []uint64{p.KeyCount, p.TombstoneCount, p.MinSeq, p.MaxSeq} {
		buf.Write(tmp[:binary.PutUvarint(tmp[:], v)])
	}
	return buf.Bytes()
}

func decodeProperties(data []byte) (*Properties, error) {
	r := bytes.NewReader(data)
	getBytes := func() ([]byte, error) {
		n, err := binary.ReadUvarint(r)
		if err != nil || n > uint64(r.Len()) {
			return nil, fmt.Errorf("%w: properties key length", core.ErrCorrupted)
		}
		b := make([]byte, n)
		_, _ = r.Read(b)
		return b, nil
	}
	p := &Properties{}
	var err error
	if p.MinKey, err = getBytes(); err != nil {
		return nil, err
	}
	if p.MaxKey, err = getBytes(); err != nil {
		return nil, err
	}
	for _, dst := range []*uint64{&p.KeyCount, &p.TombstoneCount, &p.MinSeq, &p.MaxSeq} {
		if *dst, err = binary.ReadUvarint(r); err != nil {
			return nil, fmt.Errorf("%w: properties counters", core.ErrCorrupted)
		}
	}
	return p, nil
}
