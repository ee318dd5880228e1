// Package codeview reads and writes the CodeView symbol records and C13
// line information found in managed module streams.
package codeview

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/text/encoding/unicode"

	"github.com/jtang613/pdb2pdb/pkg/metadata"
)

// Symbol type constants (S_* values)
const (
	S_END         = 0x0006
	S_OEM         = 0x0404
	S_BLOCK32     = 0x1103
	S_MANSLOT     = 0x1120
	S_UNAMESPACE  = 0x1124
	S_GMANPROC    = 0x112a
	S_LMANPROC    = 0x112b
	S_MANCONSTANT = 0x112d
)

// CV_SIGNATURE_C13 starts every module symbol stream.
const CV_SIGNATURE_C13 = 4

// Local variable flags of S_MANSLOT.
const (
	LocalIsParam       = 0x0001
	LocalAddrTaken     = 0x0002
	LocalCompGenerated = 0x0004
)

// OEMGuid identifies S_OEM records written for managed code.
var OEMGuid = uuid.MustParse("c6ea3fc9-59b3-49d6-bc25-09022bc5f5a9")

// OEM record names.
const (
	OEMCustomDebugInfo = "MD2"
	OEMAsyncMethodInfo = "asyncMethodInfo"
)

// SymbolRecord represents a parsed CodeView symbol record.
type SymbolRecord struct {
	Offset uint32 // offset of the record in the module stream
	Kind   uint16
	Data   []byte
}

// ManProcSym is a managed procedure (S_GMANPROC, S_LMANPROC).
type ManProcSym struct {
	Parent   uint32
	End      uint32
	Next     uint32
	Length   uint32
	DbgStart uint32
	DbgEnd   uint32
	Token    metadata.Token
	Offset   uint32
	Segment  uint16
	Flags    uint8
	RetReg   uint16
	Name     string
}

// BlockSym is a lexical block (S_BLOCK32) covering [Offset, Offset+Length).
type BlockSym struct {
	Parent  uint32
	End     uint32
	Length  uint32
	Offset  uint32
	Segment uint16
	Name    string
}

// ManSlotSym is a managed local variable slot (S_MANSLOT).
type ManSlotSym struct {
	Slot      uint32
	TypeIndex uint32
	Offset    uint32
	Segment   uint16
	Flags     uint16
	Name      string
}

// ManConstantSym is a managed constant (S_MANCONSTANT). Token is the
// StandAloneSig token of the constant's type.
type ManConstantSym struct {
	Token metadata.Token
	Value metadata.ConstantValue
	Name  string
}

// OEMSym carries a named opaque payload (S_OEM).
type OEMSym struct {
	Guid      uuid.UUID
	TypeIndex uint32
	Name      string
	Data      []byte
}

// ParseSymbols parses all symbol records from a module symbol stream.
func ParseSymbols(data []byte) ([]SymbolRecord, error) {
	var symbols []SymbolRecord
	offset := 0

	if len(data) >= 4 && binary.LittleEndian.Uint32(data) == CV_SIGNATURE_C13 {
		offset = 4
	}

	for offset+4 <= len(data) {
		recLen := int(binary.LittleEndian.Uint16(data[offset:]))
		if recLen < 2 || offset+2+recLen > len(data) {
			return symbols, fmt.Errorf("symbol record at %d of length %d exceeds %d bytes", offset, recLen, len(data))
		}
		symbols = append(symbols, SymbolRecord{
			Offset: uint32(offset),
			Kind:   binary.LittleEndian.Uint16(data[offset+2:]),
			Data:   data[offset+4 : offset+2+recLen],
		})
		offset += 2 + recLen
	}
	return symbols, nil
}

// ParseManProcSym parses a managed procedure symbol record.
func ParseManProcSym(data []byte) (*ManProcSym, error) {
	if len(data) < 37 {
		return nil, fmt.Errorf("managed proc symbol data too small: %d bytes", len(data))
	}
	return &ManProcSym{
		Parent:   binary.LittleEndian.Uint32(data[0:]),
		End:      binary.LittleEndian.Uint32(data[4:]),
		Next:     binary.LittleEndian.Uint32(data[8:]),
		Length:   binary.LittleEndian.Uint32(data[12:]),
		DbgStart: binary.LittleEndian.Uint32(data[16:]),
		DbgEnd:   binary.LittleEndian.Uint32(data[20:]),
		Token:    metadata.Token(binary.LittleEndian.Uint32(data[24:])),
		Offset:   binary.LittleEndian.Uint32(data[28:]),
		Segment:  binary.LittleEndian.Uint16(data[32:]),
		Flags:    data[34],
		RetReg:   binary.LittleEndian.Uint16(data[35:]),
		Name:     cString(data[37:]),
	}, nil
}

// ParseBlockSym parses a block symbol record.
func ParseBlockSym(data []byte) (*BlockSym, error) {
	if len(data) < 18 {
		return nil, fmt.Errorf("block symbol data too small: %d bytes", len(data))
	}
	return &BlockSym{
		Parent:  binary.LittleEndian.Uint32(data[0:]),
		End:     binary.LittleEndian.Uint32(data[4:]),
		Length:  binary.LittleEndian.Uint32(data[8:]),
		Offset:  binary.LittleEndian.Uint32(data[12:]),
		Segment: binary.LittleEndian.Uint16(data[16:]),
		Name:    cString(data[18:]),
	}, nil
}

// ParseManSlotSym parses a managed slot symbol record.
func ParseManSlotSym(data []byte) (*ManSlotSym, error) {
	if len(data) < 16 {
		return nil, fmt.Errorf("managed slot symbol data too small: %d bytes", len(data))
	}
	return &ManSlotSym{
		Slot:      binary.LittleEndian.Uint32(data[0:]),
		TypeIndex: binary.LittleEndian.Uint32(data[4:]),
		Offset:    binary.LittleEndian.Uint32(data[8:]),
		Segment:   binary.LittleEndian.Uint16(data[12:]),
		Flags:     binary.LittleEndian.Uint16(data[14:]),
		Name:      cString(data[16:]),
	}, nil
}

// ParseManConstantSym parses a managed constant symbol record.
func ParseManConstantSym(data []byte) (*ManConstantSym, error) {
	if len(data) < 6 {
		return nil, fmt.Errorf("constant symbol data too small: %d bytes", len(data))
	}
	value, n, err := ReadNumeric(data[4:])
	if err != nil {
		return nil, err
	}
	return &ManConstantSym{
		Token: metadata.Token(binary.LittleEndian.Uint32(data)),
		Value: value,
		Name:  cString(data[4+n:]),
	}, nil
}

// ParseUNamespaceSym returns the namespace string of an S_UNAMESPACE record.
func ParseUNamespaceSym(data []byte) string {
	return cString(data)
}

// ParseOEMSym parses an OEM symbol record. Data runs to the end of the
// record and may include alignment padding.
func ParseOEMSym(data []byte) (*OEMSym, error) {
	if len(data) < 20 {
		return nil, fmt.Errorf("OEM symbol data too small: %d bytes", len(data))
	}
	sym := &OEMSym{
		Guid:      metadata.GUIDFromBytes(data[:16]),
		TypeIndex: binary.LittleEndian.Uint32(data[16:]),
	}
	rest := data[20:]
	end := -1
	for i := 0; i+1 < len(rest); i += 2 {
		if rest[i] == 0 && rest[i+1] == 0 {
			end = i
			break
		}
	}
	if end < 0 {
		return nil, fmt.Errorf("unterminated OEM symbol name")
	}
	name, err := utf16le.NewDecoder().Bytes(rest[:end])
	if err != nil {
		return nil, fmt.Errorf("invalid OEM symbol name: %w", err)
	}
	sym.Name = string(name)
	sym.Data = rest[end+2:]
	return sym, nil
}

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// SymbolKindName returns the name for a symbol kind constant.
func SymbolKindName(kind uint16) string {
	switch kind {
	case S_END:
		return "S_END"
	case S_OEM:
		return "S_OEM"
	case S_BLOCK32:
		return "S_BLOCK32"
	case S_MANSLOT:
		return "S_MANSLOT"
	case S_UNAMESPACE:
		return "S_UNAMESPACE"
	case S_GMANPROC:
		return "S_GMANPROC"
	case S_LMANPROC:
		return "S_LMANPROC"
	case S_MANCONSTANT:
		return "S_MANCONSTANT"
	default:
		return fmt.Sprintf("S_0x%04x", kind)
	}
}

// IsProcSymbol returns true if the kind is a managed procedure symbol.
func IsProcSymbol(kind uint16) bool {
	return kind == S_GMANPROC || kind == S_LMANPROC
}

func cString(data []byte) string {
	if idx := bytes.IndexByte(data, 0); idx >= 0 {
		return string(data[:idx])
	}
	return string(data)
}
