package core

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// TableIDSize is the width of the table identifier prefix of every storage key.
const TableIDSize = 4

// Varchar key components are escaped so that their encoding stays prefix-free
// and byte order matches string order: 0x00 becomes 0x00 0xFF and the string
// is terminated with 0x00 0x01.
const (
	keyEscape     byte = 0x00
	keyEscapedNul byte = 0xFF
	keyTerminator byte = 0x01
)

// EncodeKey builds the storage key for a row: table id followed by the
// byte-comparable encoding of the primary key value.
func EncodeKey(tableID uint32, pk Value) ([]byte, error) {
	buf := make([]byte, 0, TableIDSize+1+16)
	buf = binary.BigEndian.AppendUint32(buf, tableID)
	return AppendKeyValue(buf, pk)
}

// AppendKeyValue appends the order-preserving encoding of v to dst.
func AppendKeyValue(dst []byte, v Value) ([]byte, error) {
	dst = append(dst, byte(v.typ))
	switch v.typ {
	case TypeInteger, TypeTimestamp:
		dst = binary.BigEndian.AppendUint64(dst, uint64(v.i)^(1<<63))
	case TypeFloat:
		f := v.f
		if f == 0 {
			// -0 and +0 compare equal and must share a key.
			f = 0
		}
		bits := math.Float64bits(f)
		if bits&(1<<63) != 0 {
			bits = ^bits
		} else {
			bits |= 1 << 63
		}
		dst = binary.BigEndian.AppendUint64(dst, bits)
	case TypeBoolean:
		dst = append(dst, byte(v.i))
	case TypeVarchar:
		for i := 0; i < len(v.s); i++ {
			c := v.s[i]
			if c == keyEscape {
				dst = append(dst, keyEscape, keyEscapedNul)
				continue
			}
			dst = append(dst, c)
		}
		dst = append(dst, keyEscape, keyTerminator)
	default:
		return nil, &ValidationError{Field: "primary key", Value: v.String(), Message: "type cannot be used as a key"}
	}
	return dst, nil
}

// DecodeKey splits a storage key into its table id and primary key value.
func DecodeKey(key []byte) (uint32, Value, error) {
	if len(key) < TableIDSize+1 {
		return 0, Value{}, fmt.Errorf("%w: key too short (%d bytes)", ErrInvalidKey, len(key))
	}
	tableID := binary.BigEndian.Uint32(key[:TableIDSize])
	rest := key[TableIDSize:]
	typ := ValueType(rest[0])
	rest = rest[1:]
	switch typ {
	case TypeInteger, TypeTimestamp:
		if len(rest) != 8 {
			return 0, Value{}, fmt.Errorf("%w: bad integer key length %d", ErrInvalidKey, len(rest))
		}
		i := int64(binary.BigEndian.Uint64(rest) ^ (1 << 63))
		return tableID, Value{typ: typ, i: i}, nil
	case TypeFloat:
		if len(rest) != 8 {
			return 0, Value{}, fmt.Errorf("%w: bad float key length %d", ErrInvalidKey, len(rest))
		}
		bits := binary.BigEndian.Uint64(rest)
		if bits&(1<<63) != 0 {
			bits &^= 1 << 63
		} else {
			bits = ^bits
		}
		return tableID, FloatValue(math.Float64frombits(bits)), nil
	case TypeBoolean:
		if len(rest) != 1 {
			return 0, Value{}, fmt.Errorf("%w: bad boolean key length %d", ErrInvalidKey, len(rest))
		}
		return tableID, BooleanValue(rest[0] == 1), nil
	case TypeVarchar:
		var sb bytes.Buffer
		for i := 0; i < len(rest); i++ {
			c := rest[i]
			if c != keyEscape {
				sb.WriteByte(c)
				continue
			}
			if i+1 >= len(rest) {
				return 0, Value{}, fmt.Errorf("%w: dangling escape in varchar key", ErrInvalidKey)
			}
			i++
			switch rest[i] {
			case keyEscapedNul:
				sb.WriteByte(0)
			case keyTerminator:
				if i != len(rest)-1 {
					return 0, Value{}, fmt.Errorf("%w: trailing bytes after varchar key", ErrInvalidKey)
				}
				return tableID, VarcharValue(sb.String()), nil
			default:
				return 0, Value{}, fmt.Errorf("%w: bad escape 0x%02x", ErrInvalidKey, rest[i])
			}
		}
		return 0, Value{}, fmt.Errorf("%w: unterminated varchar key", ErrInvalidKey)
	}
	return 0, Value{}, fmt.Errorf("%w: unknown key type %d", ErrInvalidKey, typ)
}

// TableIDOf returns the table id prefix of a storage key.
func TableIDOf(key []byte) uint32 {
	if len(key) < TableIDSize {
		return 0
	}
	return binary.BigEndian.Uint32(key[:TableIDSize])
}

// TableKeyRange returns the [start, end) key range covering every row of a table.
// end is nil for the last possible table id.
func TableKeyRange(tableID uint32) (start, end []byte) {
	start = binary.BigEndian.AppendUint32(nil, tableID)
	if tableID == math.MaxUint32 {
		return start, nil
	}
	end = binary.BigEndian.AppendUint32(nil, tableID+1)
	return start, end
}
