package portable

import (
	"fmt"

	"github.com/jtang613/pdb2pdb/pkg/metadata"
)

// ConstantKind selects the shape of a local constant signature.
type ConstantKind uint8

const (
	// ConstantPrimitive is a Boolean, Char, integer, float or String value.
	ConstantPrimitive ConstantKind = iota
	// ConstantEnum is an integer value of an enum type.
	ConstantEnum
	// ConstantGeneral is a class or value type constant with no encoded
	// value, such as a null reference, a decimal or a DateTime.
	ConstantGeneral
	// ConstantObject is a null object constant.
	ConstantObject
)

// ConstantSig is a decoded LocalConstantSig blob.
type ConstantSig struct {
	CustomMods []byte
	Kind       ConstantKind
	// TypeCode is Class or ValueType for general constants.
	TypeCode metadata.ElementType
	// Type is the enum type of enum constants and the type of general
	// constants.
	Type  metadata.Token
	Value metadata.ConstantValue
}

// EncodeConstant encodes a LocalConstantSig blob.
func EncodeConstant(c ConstantSig) ([]byte, error) {
	w := metadata.NewBlobWriter()
	w.Write(c.CustomMods)
	switch c.Kind {
	case ConstantPrimitive:
		if c.Value.Type.Size() == 0 && c.Value.Type != metadata.ElementTypeString {
			return nil, fmt.Errorf("%w: 0x%02X", metadata.ErrUnsupportedConstant, byte(c.Value.Type))
		}
		w.Byte(byte(c.Value.Type))
		w.WriteValue(c.Value)
	case ConstantEnum:
		if !c.Value.Type.IsInteger() {
			return nil, fmt.Errorf("%w: enum underlying type 0x%02X", metadata.ErrUnsupportedConstant, byte(c.Value.Type))
		}
		w.Byte(byte(c.Value.Type))
		w.WriteValue(c.Value)
		w.TypeHandle(c.Type)
	case ConstantGeneral:
		if c.TypeCode != metadata.ElementTypeClass && c.TypeCode != metadata.ElementTypeValueType {
			return nil, fmt.Errorf("%w: general type code 0x%02X", metadata.ErrUnsupportedConstant, byte(c.TypeCode))
		}
		w.Byte(byte(c.TypeCode))
		w.TypeHandle(c.Type)
	case ConstantObject:
		w.Byte(byte(metadata.ElementTypeObject))
	default:
		return nil, fmt.Errorf("%w: kind %d", metadata.ErrUnsupportedConstant, c.Kind)
	}
	if err := w.Err(); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// DecodeConstant decodes a LocalConstantSig blob. The trailing value of
// general constants is not interpreted.
func DecodeConstant(blob []byte) (ConstantSig, error) {
	var c ConstantSig
	r := metadata.NewBlobReader(blob)
	mods, err := r.ReadCustomMods()
	if err != nil {
		return c, err
	}
	if len(mods) > 0 {
		c.CustomMods = append([]byte(nil), mods...)
	}
	b, err := r.ReadByte()
	if err != nil {
		return c, fmt.Errorf("constant signature has no type: %w", err)
	}
	code := metadata.ElementType(b)

	switch {
	case code == metadata.ElementTypeString:
		c.Kind = ConstantPrimitive
		c.Value, err = r.ReadValue(code)
		return c, err
	case code.Size() > 0:
		c.Kind = ConstantPrimitive
		if c.Value, err = r.ReadValue(code); err != nil {
			return c, err
		}
		if r.Remaining() > 0 {
			c.Kind = ConstantEnum
			c.Type, err = r.ReadTypeHandle()
		}
		return c, err
	case code == metadata.ElementTypeClass || code == metadata.ElementTypeValueType:
		c.Kind = ConstantGeneral
		c.TypeCode = code
		c.Type, err = r.ReadTypeHandle()
		return c, err
	case code == metadata.ElementTypeObject:
		c.Kind = ConstantObject
		return c, nil
	}
	return c, fmt.Errorf("%w: 0x%02X", metadata.ErrUnsupportedConstant, b)
}

// FieldType is the type carried by a field signature, the form in which
// Windows PDBs store the type of a local constant.
type FieldType struct {
	CustomMods []byte
	Code       metadata.ElementType
	// Type is set for Class and ValueType codes.
	Type metadata.Token
}

// ParseFieldSignature decodes a field signature blob. Only the type shapes
// a constant may have are accepted.
func ParseFieldSignature(sig []byte) (FieldType, error) {
	var f FieldType
	r := metadata.NewBlobReader(sig)
	kind, err := r.ReadByte()
	if err != nil {
		return f, err
	}
	if kind != metadata.SignatureField {
		return f, fmt.Errorf("not a field signature: 0x%02X", kind)
	}
	mods, err := r.ReadCustomMods()
	if err != nil {
		return f, err
	}
	if len(mods) > 0 {
		f.CustomMods = append([]byte(nil), mods...)
	}
	b, err := r.ReadByte()
	if err != nil {
		return f, err
	}
	f.Code = metadata.ElementType(b)
	switch {
	case f.Code == metadata.ElementTypeClass || f.Code == metadata.ElementTypeValueType:
		f.Type, err = r.ReadTypeHandle()
		return f, err
	case f.Code.Size() > 0, f.Code == metadata.ElementTypeString, f.Code == metadata.ElementTypeObject:
		return f, nil
	}
	return f, fmt.Errorf("%w: 0x%02X", metadata.ErrUnsupportedConstant, b)
}

// Signature encodes f as a field signature blob.
func (f FieldType) Signature() ([]byte, error) {
	w := metadata.NewBlobWriter()
	w.Byte(metadata.SignatureField)
	w.Write(f.CustomMods)
	w.Byte(byte(f.Code))
	if f.Code == metadata.ElementTypeClass || f.Code == metadata.ElementTypeValueType {
		w.TypeHandle(f.Type)
	}
	if err := w.Err(); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

// NewConstant combines a field type and a value into a constant signature.
// underlying is the underlying type of a value type that is an enum, or 0
// when it is not known to be one; in that case an integer value makes the
// constant an enum of the value's type.
func NewConstant(f FieldType, value metadata.ConstantValue, underlying metadata.ElementType) (ConstantSig, error) {
	c := ConstantSig{CustomMods: f.CustomMods}
	switch {
	case f.Code == metadata.ElementTypeString:
		c.Kind = ConstantPrimitive
		if value.Type != metadata.ElementTypeString {
			c.Value = metadata.ConstantValue{Type: metadata.ElementTypeString, IsNull: true}
		} else {
			c.Value = value
		}
	case f.Code.Size() > 0:
		c.Kind = ConstantPrimitive
		c.Value = value.WithType(f.Code)
	case f.Code == metadata.ElementTypeValueType && (underlying.IsInteger() || value.Type.IsInteger()):
		if underlying == 0 {
			underlying = value.Type
		}
		c.Kind = ConstantEnum
		c.Type = f.Type
		c.Value = value.WithType(underlying)
	case f.Code == metadata.ElementTypeClass || f.Code == metadata.ElementTypeValueType:
		c.Kind = ConstantGeneral
		c.TypeCode = f.Code
		c.Type = f.Type
	case f.Code == metadata.ElementTypeObject:
		c.Kind = ConstantObject
	default:
		return c, fmt.Errorf("%w: 0x%02X", metadata.ErrUnsupportedConstant, byte(f.Code))
	}
	return c, nil
}

// FieldType returns the field type a Windows PDB records for c.
func (c ConstantSig) FieldType() FieldType {
	f := FieldType{CustomMods: c.CustomMods}
	switch c.Kind {
	case ConstantPrimitive:
		f.Code = c.Value.Type
	case ConstantEnum:
		f.Code = metadata.ElementTypeValueType
		f.Type = c.Type
	case ConstantGeneral:
		f.Code = c.TypeCode
		f.Type = c.Type
	case ConstantObject:
		f.Code = metadata.ElementTypeObject
	}
	return f
}

// WindowsValue returns the value a Windows PDB records for c. Constants
// without an encoded value are recorded as integer zero.
func (c ConstantSig) WindowsValue() metadata.ConstantValue {
	switch c.Kind {
	case ConstantPrimitive, ConstantEnum:
		return c.Value
	}
	return metadata.IntConstant(metadata.ElementTypeI4, 0)
}
