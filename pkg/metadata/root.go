package metadata

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// RootSignature is the "BSJB" magic at the start of a metadata root.
const RootSignature = 0x424A5342

// RootMagic is RootSignature as it appears on disk.
var RootMagic = []byte("BSJB")

// Stream is a named metadata stream.
type Stream struct {
	Name string
	Data []byte
}

// Root is a parsed metadata root.
type Root struct {
	MajorVersion uint16
	MinorVersion uint16
	Version      string
	Streams      []Stream
}

// Stream returns the data of the named stream.
func (r *Root) Stream(name string) ([]byte, bool) {
	for _, s := range r.Streams {
		if s.Name == name {
			return s.Data, true
		}
	}
	return nil, false
}

// Heaps collects the standard heaps of the root.
func (r *Root) Heaps() Heaps {
	var h Heaps
	h.Strings, _ = r.Stream("#Strings")
	h.Blobs, _ = r.Stream("#Blob")
	h.GUIDs, _ = r.Stream("#GUID")
	return h
}

// ReadRoot parses a metadata root starting at data[0].
func ReadRoot(data []byte) (*Root, error) {
	r := NewBlobReader(data)

	sig, err := r.ReadUint32()
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata signature: %w", err)
	}
	if sig != RootSignature {
		return nil, fmt.Errorf("invalid metadata signature 0x%08X", sig)
	}

	root := &Root{}
	if root.MajorVersion, err = r.ReadUint16(); err != nil {
		return nil, fmt.Errorf("failed to read metadata version: %w", err)
	}
	if root.MinorVersion, err = r.ReadUint16(); err != nil {
		return nil, fmt.Errorf("failed to read metadata version: %w", err)
	}
	if _, err = r.ReadUint32(); err != nil { // reserved
		return nil, fmt.Errorf("failed to read metadata header: %w", err)
	}
	versionLen, err := r.ReadUint32()
	if err != nil {
		return nil, fmt.Errorf("failed to read version length: %w", err)
	}
	version, err := r.ReadBytes(int(versionLen))
	if err != nil {
		return nil, fmt.Errorf("failed to read version string: %w", err)
	}
	if idx := bytes.IndexByte(version, 0); idx >= 0 {
		version = version[:idx]
	}
	root.Version = string(version)

	if _, err = r.ReadUint16(); err != nil { // flags
		return nil, fmt.Errorf("failed to read metadata flags: %w", err)
	}
	count, err := r.ReadUint16()
	if err != nil {
		return nil, fmt.Errorf("failed to read stream count: %w", err)
	}

	for i := 0; i < int(count); i++ {
		offset, err := r.ReadUint32()
		if err != nil {
			return nil, fmt.Errorf("failed to read stream header %d: %w", i, err)
		}
		size, err := r.ReadUint32()
		if err != nil {
			return nil, fmt.Errorf("failed to read stream header %d: %w", i, err)
		}
		name, err := r.ReadUTF8Terminated()
		if err != nil {
			return nil, fmt.Errorf("failed to read stream name %d: %w", i, err)
		}
		// Names are padded to a four-byte boundary.
		for r.Offset()%4 != 0 {
			if _, err := r.ReadByte(); err != nil {
				return nil, fmt.Errorf("failed to read stream name %d: %w", i, err)
			}
		}
		if uint64(offset)+uint64(size) > uint64(len(data)) {
			return nil, fmt.Errorf("stream %q exceeds metadata: offset %d size %d", name, offset, size)
		}
		root.Streams = append(root.Streams, Stream{Name: name, Data: data[offset : offset+size]})
	}

	return root, nil
}

// WriteRoot serializes a metadata root with the given version string and
// streams. Stream data is padded to four bytes.
func WriteRoot(version string, streams []Stream) []byte {
	versionLen := align4(len(version) + 1)

	headerSize := 16 + versionLen + 4
	for _, s := range streams {
		headerSize += 8 + align4(len(s.Name)+1)
	}

	w := NewBlobWriter()
	w.Uint32(RootSignature)
	w.Uint16(1)
	w.Uint16(1)
	w.Uint32(0)
	w.Uint32(uint32(versionLen))
	v := make([]byte, versionLen)
	copy(v, version)
	w.Write(v)
	w.Uint16(0)
	w.Uint16(uint16(len(streams)))

	offset := headerSize
	for _, s := range streams {
		size := align4(len(s.Data))
		w.Uint32(uint32(offset))
		w.Uint32(uint32(size))
		name := make([]byte, align4(len(s.Name)+1))
		copy(name, s.Name)
		w.Write(name)
		offset += size
	}

	for _, s := range streams {
		w.Write(pad4(s.Data))
	}

	return w.Bytes()
}

// HasRootMagic reports whether data starts with the "BSJB" signature.
func HasRootMagic(data []byte) bool {
	return len(data) >= 4 && binary.LittleEndian.Uint32(data) == RootSignature
}
