package codeview

import (
	"encoding/binary"
	"fmt"

	"github.com/jtang613/pdb2pdb/pkg/metadata"
)

// Numeric leaf kinds.
const (
	LF_NUMERIC   = 0x8000
	LF_CHAR      = 0x8000
	LF_SHORT     = 0x8001
	LF_USHORT    = 0x8002
	LF_LONG      = 0x8003
	LF_ULONG     = 0x8004
	LF_REAL32    = 0x8005
	LF_REAL64    = 0x8006
	LF_QUADWORD  = 0x8009
	LF_UQUADWORD = 0x800a
	LF_VARSTRING = 0x8010
)

// ReadNumeric decodes a numeric leaf and returns the value and the number
// of bytes consumed. A value stored inline is typed U2.
func ReadNumeric(data []byte) (metadata.ConstantValue, int, error) {
	if len(data) < 2 {
		return metadata.ConstantValue{}, 0, fmt.Errorf("truncated numeric leaf")
	}
	leaf := binary.LittleEndian.Uint16(data)
	if leaf < LF_NUMERIC {
		return metadata.IntConstant(metadata.ElementTypeU2, int64(leaf)), 2, nil
	}

	var t metadata.ElementType
	size := 0
	switch leaf {
	case LF_CHAR:
		t, size = metadata.ElementTypeI1, 1
	case LF_SHORT:
		t, size = metadata.ElementTypeI2, 2
	case LF_USHORT:
		t, size = metadata.ElementTypeU2, 2
	case LF_LONG:
		t, size = metadata.ElementTypeI4, 4
	case LF_ULONG:
		t, size = metadata.ElementTypeU4, 4
	case LF_REAL32:
		t, size = metadata.ElementTypeR4, 4
	case LF_REAL64:
		t, size = metadata.ElementTypeR8, 8
	case LF_QUADWORD:
		t, size = metadata.ElementTypeI8, 8
	case LF_UQUADWORD:
		t, size = metadata.ElementTypeU8, 8
	case LF_VARSTRING:
		if len(data) < 4 {
			return metadata.ConstantValue{}, 0, fmt.Errorf("truncated string leaf")
		}
		n := int(binary.LittleEndian.Uint16(data[2:]))
		if len(data) < 4+n {
			return metadata.ConstantValue{}, 0, fmt.Errorf("string leaf of %d bytes exceeds %d", n, len(data)-4)
		}
		return metadata.StringConstant(string(data[4 : 4+n])), 4 + n, nil
	default:
		return metadata.ConstantValue{}, 0, fmt.Errorf("unsupported numeric leaf %#04x", leaf)
	}
	if len(data) < 2+size {
		return metadata.ConstantValue{}, 0, fmt.Errorf("truncated numeric leaf %#04x", leaf)
	}
	var bits uint64
	for i := size - 1; i >= 0; i-- {
		bits = bits<<8 | uint64(data[2+i])
	}
	return metadata.ConstantValue{Type: t, Bits: bits}, 2 + size, nil
}

// AppendNumeric appends c as a numeric leaf. Non-negative integers below
// LF_NUMERIC are stored inline. A null string is stored as zero.
func AppendNumeric(b []byte, c metadata.ConstantValue) ([]byte, error) {
	switch c.Type {
	case metadata.ElementTypeString:
		if c.IsNull {
			return binary.LittleEndian.AppendUint16(b, 0), nil
		}
		if len(c.Text) > 0xFFFF {
			return b, fmt.Errorf("string constant of %d bytes is too long", len(c.Text))
		}
		b = binary.LittleEndian.AppendUint16(b, LF_VARSTRING)
		b = binary.LittleEndian.AppendUint16(b, uint16(len(c.Text)))
		return append(b, c.Text...), nil
	case metadata.ElementTypeR4:
		b = binary.LittleEndian.AppendUint16(b, LF_REAL32)
		return binary.LittleEndian.AppendUint32(b, uint32(c.Bits)), nil
	case metadata.ElementTypeR8:
		b = binary.LittleEndian.AppendUint16(b, LF_REAL64)
		return binary.LittleEndian.AppendUint64(b, c.Bits), nil
	}
	if !c.Type.IsInteger() {
		return b, fmt.Errorf("%w: element type %#x", metadata.ErrUnsupportedConstant, byte(c.Type))
	}

	if c.Type == metadata.ElementTypeU8 {
		if c.Bits < LF_NUMERIC {
			return binary.LittleEndian.AppendUint16(b, uint16(c.Bits)), nil
		}
		b = binary.LittleEndian.AppendUint16(b, LF_UQUADWORD)
		return binary.LittleEndian.AppendUint64(b, c.Bits), nil
	}
	v := c.Int64()
	if v >= 0 && v < LF_NUMERIC {
		return binary.LittleEndian.AppendUint16(b, uint16(v)), nil
	}
	switch c.Type {
	case metadata.ElementTypeI1:
		b = binary.LittleEndian.AppendUint16(b, LF_CHAR)
		return append(b, byte(v)), nil
	case metadata.ElementTypeI2:
		b = binary.LittleEndian.AppendUint16(b, LF_SHORT)
		return binary.LittleEndian.AppendUint16(b, uint16(v)), nil
	case metadata.ElementTypeU2, metadata.ElementTypeChar:
		b = binary.LittleEndian.AppendUint16(b, LF_USHORT)
		return binary.LittleEndian.AppendUint16(b, uint16(v)), nil
	case metadata.ElementTypeI4:
		b = binary.LittleEndian.AppendUint16(b, LF_LONG)
		return binary.LittleEndian.AppendUint32(b, uint32(v)), nil
	case metadata.ElementTypeU4:
		b = binary.LittleEndian.AppendUint16(b, LF_ULONG)
		return binary.LittleEndian.AppendUint32(b, uint32(v)), nil
	default:
		b = binary.LittleEndian.AppendUint16(b, LF_QUADWORD)
		return binary.LittleEndian.AppendUint64(b, uint64(v)), nil
	}
}
