package metadata

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// GUIDFromBytes converts a 16-byte GUID in the little-endian field layout used
// by metadata and PDB headers into a uuid.UUID.
func GUIDFromBytes(b []byte) uuid.UUID {
	var u uuid.UUID
	if len(b) < 16 {
		return u
	}
	binary.BigEndian.PutUint32(u[0:4], binary.LittleEndian.Uint32(b[0:4]))
	binary.BigEndian.PutUint16(u[4:6], binary.LittleEndian.Uint16(b[4:6]))
	binary.BigEndian.PutUint16(u[6:8], binary.LittleEndian.Uint16(b[6:8]))
	copy(u[8:], b[8:16])
	return u
}

// GUIDBytes is the inverse of GUIDFromBytes.
func GUIDBytes(u uuid.UUID) [16]byte {
	var b [16]byte
	binary.LittleEndian.PutUint32(b[0:4], binary.BigEndian.Uint32(u[0:4]))
	binary.LittleEndian.PutUint16(b[4:6], binary.BigEndian.Uint16(u[4:6]))
	binary.LittleEndian.PutUint16(b[6:8], binary.BigEndian.Uint16(u[6:8]))
	copy(b[8:], u[8:])
	return b
}

// Heaps gives read access to the "#Strings", "#Blob" and "#GUID" heaps.
type Heaps struct {
	Strings []byte
	Blobs   []byte
	GUIDs   []byte
}

// String returns the NUL-terminated string at offset off.
func (h *Heaps) String(off uint32) (string, error) {
	if off == 0 {
		return "", nil
	}
	if int(off) >= len(h.Strings) {
		return "", fmt.Errorf("string heap offset 0x%X out of range", off)
	}
	data := h.Strings[off:]
	idx := bytes.IndexByte(data, 0)
	if idx < 0 {
		return "", fmt.Errorf("unterminated string at heap offset 0x%X", off)
	}
	return string(data[:idx]), nil
}

// Blob returns the blob at offset off. Offset 0 is the empty blob.
func (h *Heaps) Blob(off uint32) ([]byte, error) {
	if off == 0 {
		return nil, nil
	}
	if int(off) >= len(h.Blobs) {
		return nil, fmt.Errorf("blob heap offset 0x%X out of range", off)
	}
	r := NewBlobReader(h.Blobs[off:])
	n, err := r.ReadCompressedUint()
	if err != nil {
		return nil, fmt.Errorf("failed to read blob length at 0x%X: %w", off, err)
	}
	b, err := r.ReadBytes(int(n))
	if err != nil {
		return nil, fmt.Errorf("blob at 0x%X exceeds heap: %w", off, err)
	}
	return b, nil
}

// GUID returns the GUID with the given 1-based index. Index 0 is the nil GUID.
func (h *Heaps) GUID(index uint32) (uuid.UUID, error) {
	if index == 0 {
		return uuid.Nil, nil
	}
	end := int(index) * 16
	if end > len(h.GUIDs) {
		return uuid.Nil, fmt.Errorf("GUID heap index %d out of range", index)
	}
	return GUIDFromBytes(h.GUIDs[end-16 : end]), nil
}

// HeapBuilder interns strings, blobs and GUIDs in insertion order so that
// identical input always produces identical heaps.
type HeapBuilder struct {
	strings     bytes.Buffer
	stringIndex map[string]uint32
	blobs       bytes.Buffer
	blobIndex   map[string]uint32
	guids       bytes.Buffer
	guidIndex   map[uuid.UUID]uint32
}

// NewHeapBuilder creates a builder with the mandatory leading empty entries.
func NewHeapBuilder() *HeapBuilder {
	h := &HeapBuilder{
		stringIndex: make(map[string]uint32),
		blobIndex:   make(map[string]uint32),
		guidIndex:   make(map[uuid.UUID]uint32),
	}
	h.strings.WriteByte(0)
	h.blobs.WriteByte(0)
	return h
}

// AddString interns s and returns its "#Strings" offset.
func (h *HeapBuilder) AddString(s string) uint32 {
	if s == "" {
		return 0
	}
	if off, ok := h.stringIndex[s]; ok {
		return off
	}
	off := uint32(h.strings.Len())
	h.strings.WriteString(s)
	h.strings.WriteByte(0)
	h.stringIndex[s] = off
	return off
}

// AddBlob interns b and returns its "#Blob" offset.
func (h *HeapBuilder) AddBlob(b []byte) uint32 {
	if len(b) == 0 {
		return 0
	}
	if off, ok := h.blobIndex[string(b)]; ok {
		return off
	}
	off := uint32(h.blobs.Len())
	w := NewBlobWriter()
	w.CompressedUint(uint32(len(b)))
	h.blobs.Write(w.Bytes())
	h.blobs.Write(b)
	h.blobIndex[string(b)] = off
	return off
}

// AddBlobUTF8 interns the UTF-8 bytes of s.
func (h *HeapBuilder) AddBlobUTF8(s string) uint32 {
	return h.AddBlob([]byte(s))
}

// AddGUID interns u and returns its 1-based "#GUID" index.
func (h *HeapBuilder) AddGUID(u uuid.UUID) uint32 {
	if u == uuid.Nil {
		return 0
	}
	if idx, ok := h.guidIndex[u]; ok {
		return idx
	}
	b := GUIDBytes(u)
	h.guids.Write(b[:])
	idx := uint32(h.guids.Len() / 16)
	h.guidIndex[u] = idx
	return idx
}

// Heaps returns the heaps padded to a multiple of four bytes.
func (h *HeapBuilder) Heaps() Heaps {
	return Heaps{
		Strings: pad4(h.strings.Bytes()),
		Blobs:   pad4(h.blobs.Bytes()),
		GUIDs:   append([]byte(nil), h.guids.Bytes()...),
	}
}

func pad4(b []byte) []byte {
	out := make([]byte, align4(len(b)))
	copy(out, b)
	return out
}

func align4(n int) int {
	return (n + 3) &^ 3
}
