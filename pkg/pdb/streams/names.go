package streams

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// NamesStreamName is the named stream holding the PDB string table.
const NamesStreamName = "/names"

const (
	namesSignature   = 0xEFFEEFFE
	namesHashVersion = 1
)

// StringTable is the /names string table. Offset 0 is the empty string.
type StringTable struct {
	buf     []byte
	offsets map[string]uint32
	order   []uint32
}

// NewStringTable creates an empty table.
func NewStringTable() *StringTable {
	return &StringTable{buf: []byte{0}, offsets: map[string]uint32{"": 0}}
}

// Add interns s and returns its offset.
func (t *StringTable) Add(s string) uint32 {
	if off, ok := t.offsets[s]; ok {
		return off
	}
	off := uint32(len(t.buf))
	t.buf = append(t.buf, s...)
	t.buf = append(t.buf, 0)
	t.offsets[s] = off
	t.order = append(t.order, off)
	return off
}

// String returns the string at off.
func (t *StringTable) String(off uint32) (string, error) {
	if off >= uint32(len(t.buf)) {
		return "", fmt.Errorf("string offset %d beyond %d bytes", off, len(t.buf))
	}
	return cString(t.buf[off:]), nil
}

// Bytes serializes the table with its hash buckets.
func (t *StringTable) Bytes() []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, [3]uint32{namesSignature, namesHashVersion, uint32(len(t.buf))})
	buf.Write(t.buf)

	buckets := make([]uint32, len(t.order)*4/3+1)
	for _, off := range t.order {
		s := cString(t.buf[off:])
		i := HashStringV1(s) % uint32(len(buckets))
		for buckets[i] != 0 {
			i = (i + 1) % uint32(len(buckets))
		}
		buckets[i] = off
	}
	binary.Write(&buf, binary.LittleEndian, uint32(len(buckets)))
	binary.Write(&buf, binary.LittleEndian, buckets)
	binary.Write(&buf, binary.LittleEndian, uint32(len(t.order)))
	return buf.Bytes()
}

// ReadStringTable parses a /names stream.
func ReadStringTable(data []byte) (*StringTable, error) {
	if len(data) < 12 {
		return nil, fmt.Errorf("string table too small: %d bytes", len(data))
	}
	sig := binary.LittleEndian.Uint32(data)
	version := binary.LittleEndian.Uint32(data[4:])
	size := binary.LittleEndian.Uint32(data[8:])
	if sig != namesSignature {
		return nil, fmt.Errorf("invalid string table signature: %#x", sig)
	}
	if version != namesHashVersion && version != 2 {
		return nil, fmt.Errorf("unsupported string table hash version: %d", version)
	}
	if uint64(size) > uint64(len(data)-12) {
		return nil, fmt.Errorf("string table declares %d bytes, have %d", size, len(data)-12)
	}

	t := &StringTable{buf: append([]byte(nil), data[12:12+size]...), offsets: map[string]uint32{}}
	if len(t.buf) == 0 {
		t.buf = []byte{0}
	}
	for off := 0; off < len(t.buf); {
		s := cString(t.buf[off:])
		if _, ok := t.offsets[s]; !ok {
			t.offsets[s] = uint32(off)
			if off != 0 {
				t.order = append(t.order, uint32(off))
			}
		}
		off += len(s) + 1
	}
	return t, nil
}
