package core

import (
	"encoding/binary"
	"fmt"
	"math"
)

// EncodeRow serializes a row as a column count followed by tagged values.
// The encoding is self-describing so rows can be decoded without a schema.
func EncodeRow(row Row) []byte {
	size := binary.MaxVarintLen64
	for _, v := range row {
		size += 1 + 9
		if v.typ == TypeVarchar {
			size += len(v.s)
		}
	}
	buf := make([]byte, 0, size)
	buf = binary.AppendUvarint(buf, uint64(len(row)))
	for _, v := range row {
		buf = append(buf, byte(v.typ))
		switch v.typ {
		case TypeNull:
		case TypeInteger, TypeTimestamp:
			buf = binary.AppendVarint(buf, v.i)
		case TypeFloat:
			buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(v.f))
		case TypeBoolean:
			buf = append(buf, byte(v.i))
		case TypeVarchar:
			buf = binary.AppendUvarint(buf, uint64(len(v.s)))
			buf = append(buf, v.s...)
		}
	}
	return buf
}

// DecodeRow is the inverse of EncodeRow.
func DecodeRow(data []byte) (Row, error) {
	n, off := binary.Uvarint(data)
	if off <= 0 {
		return nil, fmt.Errorf("%w: row header", ErrCorrupted)
	}
	if n > uint64(len(data)) {
		return nil, fmt.Errorf("%w: row claims %d columns in %d bytes", ErrCorrupted, n, len(data))
	}
	row := make(Row, 0, n)
	for i := uint64(0); i < n; i++ {
		if off >= len(data) {
			return nil, fmt.Errorf("%w: row truncated at column %d", ErrCorrupted, i)
		}
		typ := ValueType(data[off])
		off++
		switch typ {
		case TypeNull:
			row = append(row, NullValue())
		case TypeInteger, TypeTimestamp:
			v, m := binary.Varint(data[off:])
			if m <= 0 {
				return nil, fmt.Errorf("%w: bad integer at column %d", ErrCorrupted, i)
			}
			off += m
			row = append(row, Value{typ: typ, i: v})
		case TypeFloat:
			if off+8 > len(data) {
				return nil, fmt.Errorf("%w: bad float at column %d", ErrCorrupted, i)
			}
			row = append(row, FloatValue(math.Float64frombits(binary.BigEndian.Uint64(data[off:]))))
			off += 8
		case TypeBoolean:
			if off >= len(data) {
				return nil, fmt.Errorf("%w: bad boolean at column %d", ErrCorrupted, i)
			}
			row = append(row, BooleanValue(data[off] == 1))
			off++
		case TypeVarchar:
			l, m := binary.Uvarint(data[off:])
			if m <= 0 || uint64(len(data)-off-m) < l {
				return nil, fmt.Errorf("%w: bad varchar at column %d", ErrCorrupted, i)
			}
			off += m
			row = append(row, VarcharValue(string(data[off:off+int(l)])))
			off += int(l)
		default:
			return nil, fmt.Errorf("%w: unknown value type %d at column %d", ErrCorrupted, typ, i)
		}
	}
	if off != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes after row", ErrCorrupted, len(data)-off)
	}
	return row, nil
}
