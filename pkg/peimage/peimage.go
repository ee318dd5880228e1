// Package peimage reads the parts of a managed PE image a symbol converter
// needs: the debug directory, the CLI header, the metadata root and method
// body headers.
package peimage

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/klauspost/compress/flate"

	"github.com/jtang613/pdb2pdb/pkg/metadata"
	"github.com/jtang613/pdb2pdb/pkg/tokens"
)

// Data directory indices.
const (
	dirDebug = 6
	dirCLI   = 14
)

// Debug directory entry types.
const (
	DebugTypeCodeView            = 2
	DebugTypeReproducible        = 16
	DebugTypeEmbeddedPortablePdb = 17
	DebugTypePdbChecksum         = 19
)

// PortableCodeViewVersion is the minor version of CodeView entries that
// describe a Portable PDB.
const PortableCodeViewVersion = 0x504D

const (
	debugEntrySize = 28
	rsdsSignature  = 0x53445352 // "RSDS"
	mpdbSignature  = 0x4244504D // "MPDB"
)

// CLI header flags.
const flagNativeEntryPoint = 0x10

var (
	// ErrNotManaged is returned for images without a CLI header.
	ErrNotManaged = errors.New("peimage: image has no CLI header")
	// ErrNoEmbeddedPdb is returned when the image carries no embedded
	// Portable PDB.
	ErrNoEmbeddedPdb = errors.New("peimage: no embedded Portable PDB")
)

// DebugEntry is an IMAGE_DEBUG_DIRECTORY entry.
type DebugEntry struct {
	Characteristics  uint32
	TimeDateStamp    uint32
	MajorVersion     uint16
	MinorVersion     uint16
	Type             uint32
	SizeOfData       uint32
	AddressOfRawData uint32
	PointerToRawData uint32
}

// CodeView is a decoded RSDS CodeView entry.
type CodeView struct {
	Guid uuid.UUID
	Age  uint32
	Path string
	// Stamp is the entry time stamp. For Portable PDBs it is the stamp
	// part of the PDB id.
	Stamp    uint32
	Portable bool
}

// PdbChecksum is a decoded PDB checksum entry.
type PdbChecksum struct {
	Algorithm string
	Checksum  []byte
}

// CLIHeader is the IMAGE_COR20_HEADER fields the converter uses.
type CLIHeader struct {
	MajorRuntimeVersion uint16
	MinorRuntimeVersion uint16
	MetadataRVA         uint32
	MetadataSize        uint32
	Flags               uint32
	EntryPoint          uint32
}

// Image is an opened PE image. The underlying reader must stay valid for
// the lifetime of the Image.
type Image struct {
	f     *pe.File
	r     io.ReaderAt
	Debug []DebugEntry
	CLI   *CLIHeader
}

// Open parses the PE headers, the debug directory and the CLI header.
func Open(r io.ReaderAt) (*Image, error) {
	f, err := pe.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse PE image: %w", err)
	}
	img := &Image{f: f, r: r}

	if dd, ok := img.directory(dirDebug); ok && dd.Size > 0 {
		data, err := img.ReadRVA(dd.VirtualAddress, dd.Size)
		if err != nil {
			return nil, fmt.Errorf("failed to read debug directory: %w", err)
		}
		for off := 0; off+debugEntrySize <= len(data); off += debugEntrySize {
			var e DebugEntry
			if err := binary.Read(bytes.NewReader(data[off:off+debugEntrySize]), binary.LittleEndian, &e); err != nil {
				return nil, fmt.Errorf("failed to read debug entry: %w", err)
			}
			img.Debug = append(img.Debug, e)
		}
	}

	if dd, ok := img.directory(dirCLI); ok && dd.Size > 0 {
		data, err := img.ReadRVA(dd.VirtualAddress, 28)
		if err != nil {
			return nil, fmt.Errorf("failed to read CLI header: %w", err)
		}
		img.CLI = &CLIHeader{
			MajorRuntimeVersion: binary.LittleEndian.Uint16(data[4:]),
			MinorRuntimeVersion: binary.LittleEndian.Uint16(data[6:]),
			MetadataRVA:         binary.LittleEndian.Uint32(data[8:]),
			MetadataSize:        binary.LittleEndian.Uint32(data[12:]),
			Flags:               binary.LittleEndian.Uint32(data[16:]),
			EntryPoint:          binary.LittleEndian.Uint32(data[20:]),
		}
	}
	return img, nil
}

// Close releases the parsed headers. It does not close the reader.
func (img *Image) Close() error {
	return img.f.Close()
}

func (img *Image) directory(i int) (pe.DataDirectory, bool) {
	switch oh := img.f.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		if uint32(i) < oh.NumberOfRvaAndSizes {
			return oh.DataDirectory[i], true
		}
	case *pe.OptionalHeader64:
		if uint32(i) < oh.NumberOfRvaAndSizes {
			return oh.DataDirectory[i], true
		}
	}
	return pe.DataDirectory{}, false
}

// ReadRVA reads size bytes at a relative virtual address.
func (img *Image) ReadRVA(rva, size uint32) ([]byte, error) {
	for _, s := range img.f.Sections {
		extent := s.VirtualSize
		if s.Size > extent {
			extent = s.Size
		}
		if rva < s.VirtualAddress || rva-s.VirtualAddress >= extent {
			continue
		}
		buf := make([]byte, size)
		if _, err := s.ReadAt(buf, int64(rva-s.VirtualAddress)); err != nil {
			return nil, fmt.Errorf("failed to read %d bytes at RVA 0x%X: %w", size, rva, err)
		}
		return buf, nil
	}
	return nil, fmt.Errorf("RVA 0x%X is not in any section", rva)
}

// Stamp returns the COFF header time stamp.
func (img *Image) Stamp() uint32 {
	return img.f.FileHeader.TimeDateStamp
}

// IsReproducible reports whether the image has a reproducible entry, in
// which case its stamps are content hashes.
func (img *Image) IsReproducible() bool {
	for _, e := range img.Debug {
		if e.Type == DebugTypeReproducible {
			return true
		}
	}
	return false
}

func (img *Image) entryData(e DebugEntry) ([]byte, error) {
	if e.AddressOfRawData != 0 {
		return img.ReadRVA(e.AddressOfRawData, e.SizeOfData)
	}
	buf := make([]byte, e.SizeOfData)
	if _, err := img.r.ReadAt(buf, int64(e.PointerToRawData)); err != nil {
		return nil, fmt.Errorf("failed to read debug data at 0x%X: %w", e.PointerToRawData, err)
	}
	return buf, nil
}

// CodeViews returns the RSDS entries in directory order.
func (img *Image) CodeViews() ([]CodeView, error) {
	var out []CodeView
	for _, e := range img.Debug {
		if e.Type != DebugTypeCodeView {
			continue
		}
		data, err := img.entryData(e)
		if err != nil {
			return nil, err
		}
		if len(data) < 24 || binary.LittleEndian.Uint32(data) != rsdsSignature {
			continue
		}
		cv := CodeView{
			Guid:     metadata.GUIDFromBytes(data[4:20]),
			Age:      binary.LittleEndian.Uint32(data[20:]),
			Stamp:    e.TimeDateStamp,
			Portable: e.MinorVersion == PortableCodeViewVersion,
		}
		path := data[24:]
		if i := bytes.IndexByte(path, 0); i >= 0 {
			path = path[:i]
		}
		cv.Path = string(path)
		out = append(out, cv)
	}
	return out, nil
}

// PdbChecksums returns the PDB checksum entries.
func (img *Image) PdbChecksums() ([]PdbChecksum, error) {
	var out []PdbChecksum
	for _, e := range img.Debug {
		if e.Type != DebugTypePdbChecksum {
			continue
		}
		data, err := img.entryData(e)
		if err != nil {
			return nil, err
		}
		i := bytes.IndexByte(data, 0)
		if i < 0 {
			return nil, fmt.Errorf("PDB checksum entry has no algorithm name")
		}
		out = append(out, PdbChecksum{Algorithm: string(data[:i]), Checksum: data[i+1:]})
	}
	return out, nil
}

// EmbeddedPortablePdb returns the decompressed Portable PDB embedded in
// the image.
func (img *Image) EmbeddedPortablePdb() ([]byte, error) {
	for _, e := range img.Debug {
		if e.Type != DebugTypeEmbeddedPortablePdb {
			continue
		}
		data, err := img.entryData(e)
		if err != nil {
			return nil, err
		}
		if len(data) < 8 || binary.LittleEndian.Uint32(data) != mpdbSignature {
			return nil, fmt.Errorf("embedded PDB entry has invalid signature")
		}
		size := binary.LittleEndian.Uint32(data[4:])
		zr := flate.NewReader(bytes.NewReader(data[8:]))
		defer zr.Close()
		pdb := make([]byte, size)
		if _, err := io.ReadFull(zr, pdb); err != nil {
			return nil, fmt.Errorf("failed to decompress embedded PDB: %w", err)
		}
		return pdb, nil
	}
	return nil, ErrNoEmbeddedPdb
}

// EntryPoint returns the managed entry point method, or 0 when the image
// has none or a native one.
func (img *Image) EntryPoint() metadata.Token {
	if img.CLI == nil || img.CLI.Flags&flagNativeEntryPoint != 0 {
		return 0
	}
	tok := metadata.Token(img.CLI.EntryPoint)
	if tok.Table() != metadata.TableMethodDef {
		return 0
	}
	return tok
}

// Metadata returns the metadata root of the image.
func (img *Image) Metadata() ([]byte, error) {
	if img.CLI == nil {
		return nil, ErrNotManaged
	}
	data, err := img.ReadRVA(img.CLI.MetadataRVA, img.CLI.MetadataSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}
	return data, nil
}

// Tables parses the metadata tables of the image.
func (img *Image) Tables() (*metadata.Tables, error) {
	data, err := img.Metadata()
	if err != nil {
		return nil, err
	}
	root, err := metadata.ReadRoot(data)
	if err != nil {
		return nil, err
	}
	stream, ok := root.Stream("#~")
	if !ok {
		return nil, fmt.Errorf("metadata has no compressed table stream")
	}
	tables, err := metadata.ReadTables(stream, root.Heaps(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata tables: %w", err)
	}
	return tables, nil
}

// Translator returns a token translator over the image metadata that reads
// method bodies from the image.
func (img *Image) Translator() (*tokens.MetadataTranslator, error) {
	tables, err := img.Tables()
	if err != nil {
		return nil, err
	}
	return tokens.NewMetadataTranslator(tables, img), nil
}

// LocalSignature reads the method body header at rva. Tiny headers have no
// locals.
func (img *Image) LocalSignature(rva uint32) (metadata.Token, error) {
	first, err := img.ReadRVA(rva, 1)
	if err != nil {
		return 0, err
	}
	switch first[0] & 0x3 {
	case 0x2:
		return 0, nil
	case 0x3:
		hdr, err := img.ReadRVA(rva, 12)
		if err != nil {
			return 0, err
		}
		return metadata.Token(binary.LittleEndian.Uint32(hdr[8:])), nil
	}
	return 0, fmt.Errorf("invalid method header 0x%02X at RVA 0x%X", first[0], rva)
}
