// Package peimagetest builds minimal managed PE32 images for tests.
package peimagetest

import (
	"bytes"
	"debug/pe"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
	"github.com/klauspost/compress/flate"

	"github.com/jtang613/pdb2pdb/pkg/metadata"
	"github.com/jtang613/pdb2pdb/pkg/peimage"
)

// Image layout. Method bodies are written at their RVA, which must fall in
// [BodyBase, DataBase); everything else follows DataBase.
const (
	SectionRVA = 0x2000
	BodyBase   = SectionRVA
	DataBase   = 0x3000

	headerSize  = 0x200
	sectionSize = 0x4000
)

// CodeView describes an RSDS debug entry.
type CodeView struct {
	Guid     uuid.UUID
	Age      uint32
	Path     string
	Stamp    uint32
	Portable bool
}

// Image is the content of the PE to build.
type Image struct {
	Stamp        uint32
	Metadata     []byte
	EntryPoint   metadata.Token
	Bodies       map[uint32]metadata.Token
	CodeViews    []CodeView
	Reproducible bool
	EmbeddedPdb  []byte
	Checksum     *peimage.PdbChecksum
}

type section struct {
	data []byte
	next uint32
}

func (s *section) place(b []byte) uint32 {
	rva := s.next
	copy(s.data[rva-SectionRVA:], b)
	s.next = (rva + uint32(len(b)) + 3) &^ 3
	if s.next-SectionRVA > sectionSize {
		panic("peimagetest: section overflow")
	}
	return rva
}

// Build returns the bytes of a PE32 image with one section.
func Build(img Image) []byte {
	s := &section{data: make([]byte, sectionSize), next: DataBase}

	for rva, sig := range img.Bodies {
		if rva < BodyBase || rva+12 >= DataBase {
			panic(fmt.Sprintf("peimagetest: body RVA 0x%X outside body area", rva))
		}
		var body []byte
		if sig.IsNil() {
			body = []byte{0x06, 0x2A}
		} else {
			body = make([]byte, 13)
			binary.LittleEndian.PutUint16(body[0:], 0x3013)
			binary.LittleEndian.PutUint16(body[2:], 8)
			binary.LittleEndian.PutUint32(body[4:], 1)
			binary.LittleEndian.PutUint32(body[8:], uint32(sig))
			body[12] = 0x2A
		}
		copy(s.data[rva-SectionRVA:], body)
	}

	var dirs [16]pe.DataDirectory
	if img.Metadata != nil {
		mdRVA := s.place(img.Metadata)
		cli := make([]byte, 72)
		binary.LittleEndian.PutUint32(cli[0:], 72)
		binary.LittleEndian.PutUint16(cli[4:], 2)
		binary.LittleEndian.PutUint16(cli[6:], 5)
		binary.LittleEndian.PutUint32(cli[8:], mdRVA)
		binary.LittleEndian.PutUint32(cli[12:], uint32(len(img.Metadata)))
		binary.LittleEndian.PutUint32(cli[16:], 1)
		binary.LittleEndian.PutUint32(cli[20:], uint32(img.EntryPoint))
		dirs[14] = pe.DataDirectory{VirtualAddress: s.place(cli), Size: 72}
	}

	var entries []peimage.DebugEntry
	for _, cv := range img.CodeViews {
		w := metadata.NewBlobWriter()
		w.Uint32(0x53445352)
		g := metadata.GUIDBytes(cv.Guid)
		w.Write(g[:])
		w.Uint32(cv.Age)
		w.UTF8Terminated(cv.Path)
		e := peimage.DebugEntry{TimeDateStamp: cv.Stamp, Type: peimage.DebugTypeCodeView}
		if cv.Portable {
			e.MajorVersion, e.MinorVersion = 0x0100, peimage.PortableCodeViewVersion
		}
		entries = append(entries, withData(s, e, w.Bytes()))
	}
	if img.Checksum != nil {
		data := append([]byte(img.Checksum.Algorithm), 0)
		data = append(data, img.Checksum.Checksum...)
		entries = append(entries, withData(s, peimage.DebugEntry{Type: peimage.DebugTypePdbChecksum}, data))
	}
	if img.Reproducible {
		entries = append(entries, peimage.DebugEntry{Type: peimage.DebugTypeReproducible})
	}
	if img.EmbeddedPdb != nil {
		var buf bytes.Buffer
		binary.Write(&buf, binary.LittleEndian, uint32(0x4244504D))
		binary.Write(&buf, binary.LittleEndian, uint32(len(img.EmbeddedPdb)))
		zw, err := flate.NewWriter(&buf, flate.BestCompression)
		if err != nil {
			panic(err)
		}
		zw.Write(img.EmbeddedPdb)
		zw.Close()
		e := peimage.DebugEntry{MajorVersion: 0x0100, MinorVersion: 0x0100, Type: peimage.DebugTypeEmbeddedPortablePdb}
		entries = append(entries, withData(s, e, buf.Bytes()))
	}
	if len(entries) > 0 {
		var buf bytes.Buffer
		for _, e := range entries {
			binary.Write(&buf, binary.LittleEndian, e)
		}
		dirs[6] = pe.DataDirectory{VirtualAddress: s.place(buf.Bytes()), Size: uint32(buf.Len())}
	}

	var out bytes.Buffer
	dos := make([]byte, 0x80)
	dos[0], dos[1] = 'M', 'Z'
	binary.LittleEndian.PutUint32(dos[0x3C:], 0x80)
	out.Write(dos)
	out.WriteString("PE\x00\x00")
	binary.Write(&out, binary.LittleEndian, pe.FileHeader{
		Machine:              pe.IMAGE_FILE_MACHINE_I386,
		NumberOfSections:     1,
		TimeDateStamp:        img.Stamp,
		SizeOfOptionalHeader: uint16(binary.Size(pe.OptionalHeader32{})),
		Characteristics:      pe.IMAGE_FILE_EXECUTABLE_IMAGE | pe.IMAGE_FILE_32BIT_MACHINE,
	})
	binary.Write(&out, binary.LittleEndian, pe.OptionalHeader32{
		Magic:               0x10B,
		SizeOfCode:          sectionSize,
		BaseOfCode:          SectionRVA,
		ImageBase:           0x400000,
		SectionAlignment:    0x1000,
		FileAlignment:       0x200,
		SizeOfImage:         SectionRVA + sectionSize,
		SizeOfHeaders:       headerSize,
		Subsystem:           pe.IMAGE_SUBSYSTEM_WINDOWS_CUI,
		NumberOfRvaAndSizes: 16,
		DataDirectory:       dirs,
	})
	var name [8]uint8
	copy(name[:], ".text")
	binary.Write(&out, binary.LittleEndian, pe.SectionHeader32{
		Name:             name,
		VirtualSize:      sectionSize,
		VirtualAddress:   SectionRVA,
		SizeOfRawData:    sectionSize,
		PointerToRawData: headerSize,
		Characteristics:  pe.IMAGE_SCN_CNT_CODE | pe.IMAGE_SCN_MEM_EXECUTE | pe.IMAGE_SCN_MEM_READ,
	})
	out.Write(make([]byte, headerSize-out.Len()))
	out.Write(s.data)
	return out.Bytes()
}

func withData(s *section, e peimage.DebugEntry, data []byte) peimage.DebugEntry {
	e.SizeOfData = uint32(len(data))
	e.AddressOfRawData = s.place(data)
	e.PointerToRawData = headerSize + e.AddressOfRawData - SectionRVA
	return e
}
