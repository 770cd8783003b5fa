package gatt

import (
	"encoding/binary"
	"fmt"
)

// ValueType is the fixed-width wire encoding of a channel value.
type ValueType uint8

const (
	TypeUint8 ValueType = iota + 1
	TypeInt16
	TypeUint16
	TypeUint32
)

func (t ValueType) String() string {
	switch t {
	case TypeUint8:
		return "uint8"
	case TypeInt16:
		return "int16"
	case TypeUint16:
		return "uint16"
	case TypeUint32:
		return "uint32"
	default:
		return fmt.Sprintf("ValueType(%d)", uint8(t))
	}
}

// Size returns the encoded width in bytes.
func (t ValueType) Size() int {
	switch t {
	case TypeUint8:
		return 1
	case TypeInt16, TypeUint16:
		return 2
	case TypeUint32:
		return 4
	default:
		return 0
	}
}

// Value is a typed channel value. The zero Value has no type and is never
// stored; use Zero to get the default for a type.
type Value struct {
	typ  ValueType
	bits uint32
}

func Uint8(v uint8) Value   { return Value{typ: TypeUint8, bits: uint32(v)} }
func Int16(v int16) Value   { return Value{typ: TypeInt16, bits: uint32(uint16(v))} }
func Uint16(v uint16) Value { return Value{typ: TypeUint16, bits: uint32(v)} }
func Uint32(v uint32) Value { return Value{typ: TypeUint32, bits: v} }

// Zero returns the default value reported for a channel before its first write.
func Zero(t ValueType) Value { return Value{typ: t} }

func (v Value) Type() ValueType { return v.typ }

// Int returns the numeric value, sign-extended for int16.
func (v Value) Int() int64 {
	if v.typ == TypeInt16 {
		return int64(int16(uint16(v.bits)))
	}
	return int64(v.bits)
}

func (v Value) String() string {
	return fmt.Sprintf("%s(%d)", v.typ, v.Int())
}

// Encode returns the little-endian wire form of v.
func (v Value) Encode() []byte {
	buf := make([]byte, v.typ.Size())
	switch v.typ {
	case TypeUint8:
		buf[0] = uint8(v.bits)
	case TypeInt16, TypeUint16:
		binary.LittleEndian.PutUint16(buf, uint16(v.bits))
	case TypeUint32:
		binary.LittleEndian.PutUint32(buf, v.bits)
	}
	return buf
}

// Decode parses a little-endian payload of type t.
// Returns an error if the payload length does not match the type width.
func Decode(t ValueType, data []byte) (Value, error) {
	size := t.Size()
	if size == 0 {
		return Value{}, fmt.Errorf("decode: unknown value type %d", uint8(t))
	}
	if len(data) != size {
		return Value{}, fmt.Errorf("decode %s: payload length %d, want %d", t, len(data), size)
	}
	switch t {
	case TypeUint8:
		return Uint8(data[0]), nil
	case TypeInt16:
		return Int16(int16(binary.LittleEndian.Uint16(data))), nil
	case TypeUint16:
		return Uint16(binary.LittleEndian.Uint16(data)), nil
	default:
		return Uint32(binary.LittleEndian.Uint32(data)), nil
	}
}
