package cdi

import (
	"strings"

	"golang.org/x/text/encoding/unicode"

	"github.com/jtang613/pdb2pdb/pkg/metadata"
)

// Dynamic locals layout.
const (
	DynamicFlagBytes = 64
	DynamicNameUnits = 64
	dynamicLocalSize = DynamicFlagBytes + 4 + 4 + DynamicNameUnits*2
)

// HoistedScope is the IL range [StartOffset, EndOffset) in which a hoisted
// local is in scope. The zero value marks a local without a scope.
type HoistedScope struct {
	StartOffset int
	EndOffset   int
}

// IsDefault reports whether the scope is the "no scope" marker.
func (s HoistedScope) IsDefault() bool {
	return s.StartOffset == 0 && s.EndOffset == 0
}

// DynamicLocal carries the dynamic-type flags of one local or constant.
// Constants have SlotIndex 0 and are identified by name.
type DynamicLocal struct {
	Flags     []byte // exactly DynamicFlagBytes bytes, each 0 or 1
	FlagCount int
	SlotIndex int
	Name      string
}

// TupleElementNames carries tuple element names of one local (SlotIndex >= 0)
// or constant (SlotIndex -1, identified by name and scope).
type TupleElementNames struct {
	ElementNames []string
	SlotIndex    int
	ScopeStart   int
	ScopeEnd     int
	LocalName    string
}

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

func encodeUTF16(s string) ([]byte, error) {
	b, err := utf16le.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, invalid("cannot encode %q as UTF-16: %v", s, err)
	}
	return b, nil
}

func decodeUTF16(b []byte) (string, error) {
	s, err := utf16le.NewDecoder().Bytes(b)
	if err != nil {
		return "", malformed("invalid UTF-16 text: %v", err)
	}
	return string(s), nil
}

// trimUTF16 cuts b at the first NUL code unit.
func trimUTF16(b []byte) []byte {
	for i := 0; i+1 < len(b); i += 2 {
		if b[i] == 0 && b[i+1] == 0 {
			return b[:i]
		}
	}
	return b[:len(b)&^1]
}

// DecodeUsingInfo returns the per-scope using counts.
func DecodeUsingInfo(payload []byte) ([]int, error) {
	r := metadata.NewBlobReader(payload)
	n, err := r.ReadUint16()
	if err != nil {
		return nil, malformed("using info: missing scope count")
	}
	counts := make([]int, n)
	for i := range counts {
		c, err := r.ReadUint16()
		if err != nil {
			return nil, malformed("using info: truncated at scope %d", i)
		}
		counts[i] = int(c)
	}
	return counts, nil
}

// DecodeForwardInfo returns the method token of a forward record.
func DecodeForwardInfo(payload []byte) (metadata.Token, error) {
	v, err := metadata.NewBlobReader(payload).ReadUint32()
	if err != nil {
		return 0, malformed("forward info: missing token")
	}
	return metadata.Token(v), nil
}

// DecodeStateMachineTypeName returns the state machine type name.
func DecodeStateMachineTypeName(payload []byte) (string, error) {
	return decodeUTF16(trimUTF16(payload))
}

// DecodeHoistedLocalScopes returns the hoisted local scopes with exclusive
// end offsets.
func DecodeHoistedLocalScopes(payload []byte) ([]HoistedScope, error) {
	r := metadata.NewBlobReader(payload)
	n, err := r.ReadInt32()
	if err != nil || n < 0 || int(n) > r.Remaining()/8 {
		return nil, malformed("hoisted scopes: invalid count")
	}
	scopes := make([]HoistedScope, n)
	for i := range scopes {
		start, _ := r.ReadInt32()
		end, _ := r.ReadInt32()
		if start < 0 || end < 0 {
			return nil, malformed("hoisted scope %d: negative offset", i)
		}
		if start == 0 && end == 0 {
			continue
		}
		scopes[i] = HoistedScope{StartOffset: int(start), EndOffset: int(end) + 1}
	}
	return scopes, nil
}

// DecodeDynamicLocals returns the dynamic local entries.
func DecodeDynamicLocals(payload []byte) ([]DynamicLocal, error) {
	r := metadata.NewBlobReader(payload)
	n, err := r.ReadInt32()
	if err != nil || n < 0 || int(n) > r.Remaining()/dynamicLocalSize {
		return nil, malformed("dynamic locals: invalid count")
	}
	locals := make([]DynamicLocal, n)
	for i := range locals {
		flags, _ := r.ReadBytes(DynamicFlagBytes)
		flagCount, _ := r.ReadInt32()
		slot, _ := r.ReadInt32()
		rawName, _ := r.ReadBytes(DynamicNameUnits * 2)
		if flagCount < 0 || flagCount > DynamicFlagBytes {
			return nil, malformed("dynamic local %d: flag count %d", i, flagCount)
		}
		name, err := decodeUTF16(trimUTF16(rawName))
		if err != nil {
			return nil, err
		}
		locals[i] = DynamicLocal{
			Flags:     append([]byte(nil), flags...),
			FlagCount: int(flagCount),
			SlotIndex: int(slot),
			Name:      name,
		}
	}
	return locals, nil
}

// DecodeTupleElementNames returns the tuple element name entries.
func DecodeTupleElementNames(payload []byte) ([]TupleElementNames, error) {
	r := metadata.NewBlobReader(payload)
	n, err := r.ReadInt32()
	if err != nil || n < 0 || int(n) > r.Remaining() {
		return nil, malformed("tuple element names: invalid count")
	}
	entries := make([]TupleElementNames, n)
	for i := range entries {
		count, err := r.ReadInt32()
		if err != nil || count < 0 || int(count) > r.Remaining() {
			return nil, malformed("tuple entry %d: invalid element count", i)
		}
		names := make([]string, count)
		for j := range names {
			if names[j], err = r.ReadUTF8Terminated(); err != nil {
				return nil, malformed("tuple entry %d: unterminated element name", i)
			}
		}
		slot, err1 := r.ReadInt32()
		start, err2 := r.ReadInt32()
		end, err3 := r.ReadInt32()
		local, err4 := r.ReadUTF8Terminated()
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
			return nil, malformed("tuple entry %d: truncated", i)
		}
		entries[i] = TupleElementNames{
			ElementNames: names,
			SlotIndex:    int(slot),
			ScopeStart:   int(start),
			ScopeEnd:     int(end),
			LocalName:    local,
		}
	}
	return entries, nil
}

// FlagsString renders the meaningful dynamic flags as "0"/"1" characters.
func (l DynamicLocal) FlagsString() string {
	var b strings.Builder
	for i := 0; i < l.FlagCount && i < len(l.Flags); i++ {
		if l.Flags[i] != 0 {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}

// NewDynamicLocal builds an entry from boolean flags, padding them to the
// fixed record width.
func NewDynamicLocal(flags []bool, slot int, name string) (DynamicLocal, error) {
	if len(flags) > DynamicFlagBytes {
		return DynamicLocal{}, invalid("%d dynamic flags, at most %d allowed", len(flags), DynamicFlagBytes)
	}
	raw := make([]byte, DynamicFlagBytes)
	for i, f := range flags {
		if f {
			raw[i] = 1
		}
	}
	return DynamicLocal{Flags: raw, FlagCount: len(flags), SlotIndex: slot, Name: name}, nil
}

// Bools returns the meaningful flags as booleans.
func (l DynamicLocal) Bools() []bool {
	out := make([]bool, 0, l.FlagCount)
	for i := 0; i < l.FlagCount && i < len(l.Flags); i++ {
		out = append(out, l.Flags[i] != 0)
	}
	return out
}

// UTF16Len returns the number of UTF-16 code units in s.
func UTF16Len(s string) int {
	n := 0
	for _, r := range s {
		if r >= 0x10000 {
			n += 2
		} else {
			n++
		}
	}
	return n
}
