package streams

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// TPI Stream versions
const (
	TPIStreamVersionV70 = 19990903
	TPIStreamVersionV80 = 20040203
)

// First type index (built-in types are below this)
const TypeIndexBegin = 0x1000

const tpiHeaderSize = 56

// TPIHeader is the header of the TPI and IPI streams.
type TPIHeader struct {
	Version                 uint32
	HeaderSize              uint32
	TypeIndexBegin          uint32
	TypeIndexEnd            uint32
	TypeRecordBytes         uint32
	HashStreamIndex         uint16
	HashAuxStreamIndex      uint16
	HashKeySize             uint32
	NumHashBuckets          uint32
	HashValueBufferOffset   int32
	HashValueBufferLength   uint32
	IndexOffsetBufferOffset int32
	IndexOffsetBufferLength uint32
	HashAdjBufferOffset     int32
	HashAdjBufferLength     uint32
}

// NumTypes returns the number of type records declared by the header.
func (h *TPIHeader) NumTypes() uint32 {
	return h.TypeIndexEnd - h.TypeIndexBegin
}

// ReadTPIHeader parses and validates the header of a TPI or IPI stream.
// Managed PDBs carry no type records, so the records are not decoded.
func ReadTPIHeader(data []byte) (*TPIHeader, error) {
	var header TPIHeader
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read TPI header: %w", err)
	}
	if header.Version != TPIStreamVersionV80 && header.Version != TPIStreamVersionV70 {
		return nil, fmt.Errorf("unsupported TPI version: %d", header.Version)
	}
	if header.TypeIndexEnd < header.TypeIndexBegin {
		return nil, fmt.Errorf("TPI type index range [%#x, %#x) is inverted", header.TypeIndexBegin, header.TypeIndexEnd)
	}
	if uint64(header.HeaderSize)+uint64(header.TypeRecordBytes) > uint64(len(data)) {
		return nil, fmt.Errorf("TPI declares %d record bytes, have %d", header.TypeRecordBytes, len(data)-int(header.HeaderSize))
	}
	return &header, nil
}

// EmptyTPIStream returns a TPI or IPI stream holding no type records.
func EmptyTPIStream() []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, TPIHeader{
		Version:            TPIStreamVersionV80,
		HeaderSize:         tpiHeaderSize,
		TypeIndexBegin:     TypeIndexBegin,
		TypeIndexEnd:       TypeIndexBegin,
		HashStreamIndex:    NilStream,
		HashAuxStreamIndex: NilStream,
		HashKeySize:        4,
		NumHashBuckets:     0x3FFFF,
	})
	return buf.Bytes()
}
