package portable

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/jtang613/pdb2pdb/pkg/metadata"
)

// KindAsyncMethodSteppingInformation is the custom debug information kind
// attached to the MoveNext method of an async state machine.
var KindAsyncMethodSteppingInformation = uuid.MustParse("54fd2ac5-e925-401a-9c2a-f94f171072f8")

// AsyncStep is one await of an async method.
type AsyncStep struct {
	YieldOffset  int
	ResumeOffset int
	ResumeMethod metadata.Token
}

// AsyncMethodInfo is the value of an async stepping record.
// CatchHandlerOffset is -1 when the method has no catch handler.
type AsyncMethodInfo struct {
	CatchHandlerOffset int
	Steps              []AsyncStep
}

// EncodeAsyncMethodInfo encodes an async stepping record. The catch handler
// offset is stored plus one so that zero means none.
func EncodeAsyncMethodInfo(info AsyncMethodInfo) []byte {
	w := metadata.NewBlobWriter()
	w.Uint32(uint32(info.CatchHandlerOffset + 1))
	for _, s := range info.Steps {
		w.Uint32(uint32(s.YieldOffset))
		w.Uint32(uint32(s.ResumeOffset))
		w.CompressedUint(s.ResumeMethod.RID())
	}
	return w.Bytes()
}

// DecodeAsyncMethodInfo decodes an async stepping record.
func DecodeAsyncMethodInfo(blob []byte) (AsyncMethodInfo, error) {
	r := metadata.NewBlobReader(blob)
	catch, err := r.ReadUint32()
	if err != nil {
		return AsyncMethodInfo{}, fmt.Errorf("async stepping information: %w", err)
	}
	info := AsyncMethodInfo{CatchHandlerOffset: int(catch) - 1}
	for r.Remaining() > 0 {
		yield, err := r.ReadUint32()
		if err != nil {
			return info, err
		}
		resume, err := r.ReadUint32()
		if err != nil {
			return info, err
		}
		rid, err := r.ReadCompressedUint()
		if err != nil {
			return info, err
		}
		info.Steps = append(info.Steps, AsyncStep{
			YieldOffset:  int(yield),
			ResumeOffset: int(resume),
			ResumeMethod: metadata.NewToken(metadata.TableMethodDef, rid),
		})
	}
	return info, nil
}

// HoistedScope is the IL range [StartOffset, EndOffset) of one hoisted
// local. The zero value marks a local without a scope.
type HoistedScope struct {
	StartOffset int
	EndOffset   int
}

// EncodeHoistedLocalScopes encodes a state machine hoisted local scopes
// record as (start, length) pairs.
func EncodeHoistedLocalScopes(scopes []HoistedScope) []byte {
	b := make([]byte, 0, 8*len(scopes))
	for _, s := range scopes {
		b = binary.LittleEndian.AppendUint32(b, uint32(s.StartOffset))
		b = binary.LittleEndian.AppendUint32(b, uint32(s.EndOffset-s.StartOffset))
	}
	return b
}

// DecodeHoistedLocalScopes decodes a hoisted local scopes record.
func DecodeHoistedLocalScopes(blob []byte) ([]HoistedScope, error) {
	if len(blob)%8 != 0 {
		return nil, fmt.Errorf("hoisted local scopes record of %d bytes", len(blob))
	}
	scopes := make([]HoistedScope, 0, len(blob)/8)
	for off := 0; off < len(blob); off += 8 {
		start := binary.LittleEndian.Uint32(blob[off:])
		length := binary.LittleEndian.Uint32(blob[off+4:])
		scopes = append(scopes, HoistedScope{StartOffset: int(start), EndOffset: int(start + length)})
	}
	return scopes, nil
}

// EncodeDynamicFlags packs dynamic flags into bytes, least significant bit
// first.
func EncodeDynamicFlags(flags []bool) []byte {
	b := make([]byte, (len(flags)+7)/8)
	for i, f := range flags {
		if f {
			b[i/8] |= 1 << (i % 8)
		}
	}
	return b
}

// DecodeDynamicFlags unpacks dynamic flags. Trailing unset flags are
// dropped since the record does not store the flag count.
func DecodeDynamicFlags(blob []byte) []bool {
	flags := make([]bool, 8*len(blob))
	n := 0
	for i := range flags {
		flags[i] = blob[i/8]&(1<<(i%8)) != 0
		if flags[i] {
			n = i + 1
		}
	}
	return flags[:n]
}

// EncodeTupleElementNames encodes tuple element names as NUL-terminated
// UTF-8 strings. Unnamed elements are empty.
func EncodeTupleElementNames(names []string) []byte {
	var b []byte
	for _, n := range names {
		b = append(b, n...)
		b = append(b, 0)
	}
	return b
}

// DecodeTupleElementNames decodes a tuple element names record.
func DecodeTupleElementNames(blob []byte) ([]string, error) {
	var names []string
	for len(blob) > 0 {
		i := bytes.IndexByte(blob, 0)
		if i < 0 {
			return nil, fmt.Errorf("tuple element name is not terminated")
		}
		names = append(names, string(blob[:i]))
		blob = blob[i+1:]
	}
	return names, nil
}
