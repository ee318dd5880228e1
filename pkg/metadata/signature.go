package metadata

import (
	"errors"
	"fmt"
	"math"
	"unicode/utf16"
)

// ElementType is a signature element type code (ECMA-335 II.23.1.16).
type ElementType byte

const (
	ElementTypeEnd         ElementType = 0x00
	ElementTypeVoid        ElementType = 0x01
	ElementTypeBoolean     ElementType = 0x02
	ElementTypeChar        ElementType = 0x03
	ElementTypeI1          ElementType = 0x04
	ElementTypeU1          ElementType = 0x05
	ElementTypeI2          ElementType = 0x06
	ElementTypeU2          ElementType = 0x07
	ElementTypeI4          ElementType = 0x08
	ElementTypeU4          ElementType = 0x09
	ElementTypeI8          ElementType = 0x0A
	ElementTypeU8          ElementType = 0x0B
	ElementTypeR4          ElementType = 0x0C
	ElementTypeR8          ElementType = 0x0D
	ElementTypeString      ElementType = 0x0E
	ElementTypePtr         ElementType = 0x0F
	ElementTypeByRef       ElementType = 0x10
	ElementTypeValueType   ElementType = 0x11
	ElementTypeClass       ElementType = 0x12
	ElementTypeVar         ElementType = 0x13
	ElementTypeArray       ElementType = 0x14
	ElementTypeGenericInst ElementType = 0x15
	ElementTypeTypedByRef  ElementType = 0x16
	ElementTypeI           ElementType = 0x18
	ElementTypeU           ElementType = 0x19
	ElementTypeFnPtr       ElementType = 0x1B
	ElementTypeObject      ElementType = 0x1C
	ElementTypeSzArray     ElementType = 0x1D
	ElementTypeMVar        ElementType = 0x1E
	ElementTypeCModReqd    ElementType = 0x1F
	ElementTypeCModOpt     ElementType = 0x20
	ElementTypePinned      ElementType = 0x45
)

// Signature kinds in the first byte of a signature blob.
const (
	SignatureField byte = 0x06
	SignatureLocal byte = 0x07
)

// ErrUnsupportedConstant is returned for constant types that have no value
// encoding.
var ErrUnsupportedConstant = errors.New("metadata: unsupported constant type")

// Size returns the value size in bytes of a primitive constant type, or 0.
func (e ElementType) Size() int {
	switch e {
	case ElementTypeBoolean, ElementTypeI1, ElementTypeU1:
		return 1
	case ElementTypeChar, ElementTypeI2, ElementTypeU2:
		return 2
	case ElementTypeI4, ElementTypeU4, ElementTypeR4:
		return 4
	case ElementTypeI8, ElementTypeU8, ElementTypeR8:
		return 8
	}
	return 0
}

// IsInteger reports whether e may be the underlying type of an enum.
func (e ElementType) IsInteger() bool {
	return e.Size() > 0 && e != ElementTypeR4 && e != ElementTypeR8
}

// ConstantValue is the value of a local constant.
//
// Numeric values keep their raw little-endian bits in Bits. Strings use
// Text; a null string has IsNull set. A zero Type is a null reference.
type ConstantValue struct {
	Type   ElementType
	Bits   uint64
	Text   string
	IsNull bool
}

// IntConstant returns a constant of an integer type holding v, truncated
// to the type's size.
func IntConstant(t ElementType, v int64) ConstantValue {
	bits := uint64(v)
	if n := t.Size(); n > 0 && n < 8 {
		bits &= 1<<(8*uint(n)) - 1
	}
	return ConstantValue{Type: t, Bits: bits}
}

// FloatConstant returns an R4 or R8 constant.
func FloatConstant(t ElementType, v float64) ConstantValue {
	if t == ElementTypeR4 {
		return ConstantValue{Type: t, Bits: uint64(math.Float32bits(float32(v)))}
	}
	return ConstantValue{Type: ElementTypeR8, Bits: math.Float64bits(v)}
}

// StringConstant returns a string constant.
func StringConstant(s string) ConstantValue {
	return ConstantValue{Type: ElementTypeString, Text: s}
}

// Int64 returns the value sign- or zero-extended according to its type.
func (c ConstantValue) Int64() int64 {
	switch c.Type {
	case ElementTypeI1:
		return int64(int8(c.Bits))
	case ElementTypeI2:
		return int64(int16(c.Bits))
	case ElementTypeI4:
		return int64(int32(c.Bits))
	}
	return int64(c.Bits)
}

// Float64 returns the value of an R4 or R8 constant.
func (c ConstantValue) Float64() float64 {
	if c.Type == ElementTypeR4 {
		return float64(math.Float32frombits(uint32(c.Bits)))
	}
	return math.Float64frombits(c.Bits)
}

// WithType converts the value to type t. Integers are sign- or
// zero-extended by their own type before truncation to t.
func (c ConstantValue) WithType(t ElementType) ConstantValue {
	if t == ElementTypeString || c.Type == ElementTypeString {
		c.Type = t
		return c
	}
	if isFloat(t) && isFloat(c.Type) {
		return FloatConstant(t, c.Float64())
	}
	if isFloat(c.Type) {
		return IntConstant(t, int64(c.Float64()))
	}
	return IntConstant(t, c.Int64())
}

func isFloat(t ElementType) bool {
	return t == ElementTypeR4 || t == ElementTypeR8
}

// WriteValue appends the encoded value, without a type code.
func (w *BlobWriter) WriteValue(c ConstantValue) {
	switch {
	case c.Type == ElementTypeString:
		if c.IsNull {
			w.Byte(0xFF)
			return
		}
		for _, u := range utf16.Encode([]rune(c.Text)) {
			w.Uint16(u)
		}
	case c.Type.Size() == 1:
		w.Byte(byte(c.Bits))
	case c.Type.Size() == 2:
		w.Uint16(uint16(c.Bits))
	case c.Type.Size() == 4:
		w.Uint32(uint32(c.Bits))
	case c.Type.Size() == 8:
		w.Uint64(c.Bits)
	case c.Type == 0:
	default:
		w.fail(fmt.Errorf("%w: 0x%02X", ErrUnsupportedConstant, byte(c.Type)))
	}
}

// ReadValue reads a value of type t. Strings consume the rest of the blob.
func (r *BlobReader) ReadValue(t ElementType) (ConstantValue, error) {
	c := ConstantValue{Type: t}
	switch {
	case t == ElementTypeString:
		rest, _ := r.ReadBytes(r.Remaining())
		if len(rest) == 1 && rest[0] == 0xFF {
			c.IsNull = true
			return c, nil
		}
		if len(rest)%2 != 0 {
			return c, fmt.Errorf("%w: odd string constant length %d", ErrUnexpectedEnd, len(rest))
		}
		units := make([]uint16, len(rest)/2)
		for i := range units {
			units[i] = uint16(rest[2*i]) | uint16(rest[2*i+1])<<8
		}
		c.Text = string(utf16.Decode(units))
		return c, nil
	case t.Size() > 0:
		b, err := r.ReadBytes(t.Size())
		if err != nil {
			return c, err
		}
		for i := len(b) - 1; i >= 0; i-- {
			c.Bits = c.Bits<<8 | uint64(b[i])
		}
		return c, nil
	}
	return c, fmt.Errorf("%w: 0x%02X", ErrUnsupportedConstant, byte(t))
}

// ReadCustomMods consumes custom modifiers and returns their raw bytes.
func (r *BlobReader) ReadCustomMods() ([]byte, error) {
	start := r.Offset()
	for r.Remaining() > 0 {
		t := ElementType(r.data[r.pos])
		if t != ElementTypeCModOpt && t != ElementTypeCModReqd {
			break
		}
		r.pos++
		if _, err := r.ReadCompressedUint(); err != nil {
			return nil, err
		}
	}
	return r.data[start:r.pos], nil
}

// ReadTypeHandle reads a TypeDefOrRefOrSpecEncoded value.
func (r *BlobReader) ReadTypeHandle() (Token, error) {
	v, err := r.ReadCompressedUint()
	if err != nil {
		return 0, err
	}
	tok := TypeDefOrRef.Decode(v)
	if tok.IsNil() {
		return 0, fmt.Errorf("invalid type handle 0x%X", v)
	}
	return tok, nil
}

// TypeHandle writes a TypeDefOrRefOrSpecEncoded value.
func (w *BlobWriter) TypeHandle(tok Token) {
	v, ok := TypeDefOrRef.Encode(tok)
	if !ok || tok.IsNil() {
		w.fail(fmt.Errorf("token %s is not a type", tok))
		return
	}
	w.CompressedUint(v)
}
