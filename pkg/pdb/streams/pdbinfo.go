// Package streams reads and writes the fixed streams of a Windows PDB:
// the PDB info stream, the /names string table, DBI and TPI.
package streams

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
)

// Fixed stream indices.
const (
	StreamPDB = 1
	StreamTPI = 2
	StreamDBI = 3
	StreamIPI = 4
)

// PDB Stream versions
const (
	PDBStreamVersionVC70  = 20000404
	PDBStreamVersionVC140 = 20140508
)

// PDBInfo represents the PDB Info Stream (Stream 1).
type PDBInfo struct {
	Version      uint32
	Signature    uint32   // creation timestamp
	Age          uint32   // number of times the PDB has been written
	GUID         [16]byte // on-disk GUID bytes
	NamedStreams map[string]uint32
}

// PDBInfoHeader is the fixed header at the start of the PDB info stream.
type PDBInfoHeader struct {
	Version   uint32
	Signature uint32
	Age       uint32
	GUID      [16]byte
}

// ReadPDBInfo parses the PDB info stream.
func ReadPDBInfo(r io.Reader) (*PDBInfo, error) {
	var header PDBInfoHeader
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read PDB info header: %w", err)
	}

	info := &PDBInfo{
		Version:      header.Version,
		Signature:    header.Signature,
		Age:          header.Age,
		GUID:         header.GUID,
		NamedStreams: make(map[string]uint32),
	}

	var strBufSize uint32
	if err := binary.Read(r, binary.LittleEndian, &strBufSize); err != nil {
		// Older PDBs end after the header.
		return info, nil
	}
	if strBufSize > 1<<24 {
		return nil, fmt.Errorf("named stream string buffer of %d bytes", strBufSize)
	}
	strBuf := make([]byte, strBufSize)
	if _, err := io.ReadFull(r, strBuf); err != nil {
		return nil, fmt.Errorf("failed to read named stream names: %w", err)
	}

	keys, values, err := readHashTable(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read named stream map: %w", err)
	}
	for i, off := range keys {
		if off >= strBufSize {
			return nil, fmt.Errorf("named stream key offset %d beyond %d bytes", off, strBufSize)
		}
		info.NamedStreams[cString(strBuf[off:])] = values[i]
	}
	return info, nil
}

// Bytes serializes the info stream. Names are laid out in sorted order.
func (p *PDBInfo) Bytes() []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, PDBInfoHeader{
		Version:   p.Version,
		Signature: p.Signature,
		Age:       p.Age,
		GUID:      p.GUID,
	})

	names := make([]string, 0, len(p.NamedStreams))
	for name := range p.NamedStreams {
		names = append(names, name)
	}
	sort.Strings(names)

	var strBuf bytes.Buffer
	table := newHashTable(len(names))
	for _, name := range names {
		table.set(HashStringV1(name)&0xFFFF, uint32(strBuf.Len()), p.NamedStreams[name])
		strBuf.WriteString(name)
		strBuf.WriteByte(0)
	}
	binary.Write(&buf, binary.LittleEndian, uint32(strBuf.Len()))
	buf.Write(strBuf.Bytes())
	table.write(&buf)

	binary.Write(&buf, binary.LittleEndian, uint32(PDBStreamVersionVC140))
	return buf.Bytes()
}
