package streams

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// DBI Stream versions
const (
	DBIStreamVersionV70 = 19990903
)

const (
	dbiHeaderSize        = 64
	moduleInfoFixedSize  = 64
	sectionContribVer60  = 0xeffe0000 + 19970605
	sectionContribV2     = 0xeffe0000 + 20140516
	sectionContribSize   = 28
	sectionContribV2Size = 32

	// NilStream marks an absent stream index in 16-bit fields.
	NilStream = 0xFFFF
)

// DBIHeader is the fixed header of the DBI stream (64 bytes).
type DBIHeader struct {
	VersionSignature        int32 // always -1
	VersionHeader           uint32
	Age                     uint32
	GlobalStreamIndex       uint16
	BuildNumber             uint16
	PublicStreamIndex       uint16
	PdbDllVersion           uint16
	SymRecordStream         uint16
	PdbDllRbld              uint16
	ModInfoSize             int32
	SectionContributionSize int32
	SectionMapSize          int32
	SourceInfoSize          int32
	TypeServerMapSize       int32
	MFCTypeServerIndex      uint32
	OptionalDbgHeaderSize   int32
	ECSubstreamSize         int32
	Flags                   uint16
	Machine                 uint16
	Padding                 uint32
}

// DBIStream represents the parsed DBI stream.
type DBIStream struct {
	Header          DBIHeader
	Modules         []ModuleInfo
	SectionContribs []SectionContrib
}

// ModuleInfo describes one compiland and its symbol stream.
type ModuleInfo struct {
	SectionContrib       SectionContrib
	Flags                uint16
	ModuleSymStream      uint16 // NilStream if none
	SymByteSize          uint32 // symbols including the 4-byte signature
	C11ByteSize          uint32
	C13ByteSize          uint32
	SourceFileCount      uint16
	SourceFileNameIndex  uint32
	PdbFilePathNameIndex uint32
	ModuleName           string
	ObjFileName          string
	SourceFiles          []string
}

// HasSymbols returns true if the module has symbol information.
func (m *ModuleInfo) HasSymbols() bool {
	return m.ModuleSymStream != NilStream && m.SymByteSize > 0
}

// SectionContrib describes a section contribution from a module.
type SectionContrib struct {
	Section         uint16
	Padding1        uint16
	Offset          int32
	Size            int32
	Characteristics uint32
	ModuleIndex     uint16
	Padding2        uint16
	DataCrc         uint32
	RelocCrc        uint32
}

// ReadDBIStream parses the DBI stream.
func ReadDBIStream(data []byte) (*DBIStream, error) {
	if len(data) < dbiHeaderSize {
		return nil, fmt.Errorf("DBI stream too small: %d bytes", len(data))
	}

	var header DBIHeader
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read DBI header: %w", err)
	}
	if header.VersionSignature != -1 {
		return nil, fmt.Errorf("invalid DBI version signature: %d", header.VersionSignature)
	}

	sizes := []int32{header.ModInfoSize, header.SectionContributionSize, header.SectionMapSize, header.SourceInfoSize}
	subs := make([][]byte, len(sizes))
	off := dbiHeaderSize
	for i, size := range sizes {
		if size < 0 || off+int(size) > len(data) {
			return nil, fmt.Errorf("DBI substream %d of %d bytes at %d exceeds %d bytes", i, size, off, len(data))
		}
		subs[i] = data[off : off+int(size)]
		off += int(size)
	}

	dbi := &DBIStream{Header: header}
	var err error
	if dbi.Modules, err = parseModuleInfo(subs[0]); err != nil {
		return nil, fmt.Errorf("failed to parse module info: %w", err)
	}
	if dbi.SectionContribs, err = parseSectionContribs(subs[1]); err != nil {
		return nil, fmt.Errorf("failed to parse section contributions: %w", err)
	}
	if err := parseSourceInfo(subs[3], dbi.Modules); err != nil {
		return nil, fmt.Errorf("failed to parse source info: %w", err)
	}
	return dbi, nil
}

// parseModuleInfo parses the module info substream.
func parseModuleInfo(data []byte) ([]ModuleInfo, error) {
	var modules []ModuleInfo
	for off := 0; off < len(data); {
		if off+moduleInfoFixedSize > len(data) {
			return nil, fmt.Errorf("truncated module info at %d", off)
		}
		d := data[off:]
		var mod ModuleInfo
		binary.Read(bytes.NewReader(d[4:32]), binary.LittleEndian, &mod.SectionContrib)
		mod.Flags = binary.LittleEndian.Uint16(d[32:])
		mod.ModuleSymStream = binary.LittleEndian.Uint16(d[34:])
		mod.SymByteSize = binary.LittleEndian.Uint32(d[36:])
		mod.C11ByteSize = binary.LittleEndian.Uint32(d[40:])
		mod.C13ByteSize = binary.LittleEndian.Uint32(d[44:])
		mod.SourceFileCount = binary.LittleEndian.Uint16(d[48:])
		mod.SourceFileNameIndex = binary.LittleEndian.Uint32(d[56:])
		mod.PdbFilePathNameIndex = binary.LittleEndian.Uint32(d[60:])
		off += moduleInfoFixedSize

		for _, name := range []*string{&mod.ModuleName, &mod.ObjFileName} {
			end := bytes.IndexByte(data[off:], 0)
			if end < 0 {
				return nil, fmt.Errorf("unterminated module name at %d", off)
			}
			*name = string(data[off : off+end])
			off += end + 1
		}
		off = (off + 3) &^ 3
		modules = append(modules, mod)
	}
	return modules, nil
}

// parseSectionContribs parses the section contribution substream.
func parseSectionContribs(data []byte) ([]SectionContrib, error) {
	if len(data) < 4 {
		return nil, nil
	}
	entrySize := sectionContribSize
	switch version := binary.LittleEndian.Uint32(data); version {
	case sectionContribVer60:
	case sectionContribV2:
		entrySize = sectionContribV2Size
	default:
		return nil, fmt.Errorf("unknown section contribution version: %#x", version)
	}

	var contribs []SectionContrib
	for off := 4; off+entrySize <= len(data); off += entrySize {
		var c SectionContrib
		binary.Read(bytes.NewReader(data[off:off+sectionContribSize]), binary.LittleEndian, &c)
		contribs = append(contribs, c)
	}
	return contribs, nil
}

// parseSourceInfo attaches each module's source file names.
func parseSourceInfo(data []byte, modules []ModuleInfo) error {
	if len(data) < 4 {
		return nil
	}
	numModules := int(binary.LittleEndian.Uint16(data))
	off := 4
	if numModules != len(modules) || off+numModules*4 > len(data) {
		return fmt.Errorf("source info describes %d modules, have %d", numModules, len(modules))
	}
	counts := make([]int, numModules)
	total := 0
	for i := range counts {
		counts[i] = int(binary.LittleEndian.Uint16(data[off+numModules*2+i*2:]))
		total += counts[i]
	}
	off += numModules * 4
	if off+total*4 > len(data) {
		return fmt.Errorf("source info declares %d file offsets", total)
	}
	names := data[off+total*4:]
	for i := range modules {
		for j := 0; j < counts[i]; j++ {
			nameOff := binary.LittleEndian.Uint32(data[off:])
			off += 4
			if int(nameOff) >= len(names) {
				return fmt.Errorf("source file name offset %d beyond %d bytes", nameOff, len(names))
			}
			modules[i].SourceFiles = append(modules[i].SourceFiles, cString(names[nameOff:]))
		}
	}
	return nil
}

// DBIBuilder serializes a DBI stream without global or public symbols.
type DBIBuilder struct {
	Age     uint32
	Machine uint16
	Modules []ModuleInfo
}

// Bytes serializes the stream.
func (b *DBIBuilder) Bytes() []byte {
	var mods bytes.Buffer
	for i, m := range b.Modules {
		sc := m.SectionContrib
		sc.ModuleIndex = uint16(i)
		binary.Write(&mods, binary.LittleEndian, uint32(0))
		binary.Write(&mods, binary.LittleEndian, &sc)
		binary.Write(&mods, binary.LittleEndian, m.Flags)
		binary.Write(&mods, binary.LittleEndian, m.ModuleSymStream)
		binary.Write(&mods, binary.LittleEndian, [3]uint32{m.SymByteSize, m.C11ByteSize, m.C13ByteSize})
		binary.Write(&mods, binary.LittleEndian, uint16(len(m.SourceFiles)))
		binary.Write(&mods, binary.LittleEndian, uint16(0))
		binary.Write(&mods, binary.LittleEndian, [3]uint32{0, m.SourceFileNameIndex, m.PdbFilePathNameIndex})
		mods.WriteString(m.ModuleName)
		mods.WriteByte(0)
		mods.WriteString(m.ObjFileName)
		mods.WriteByte(0)
		pad(&mods)
	}

	var contribs bytes.Buffer
	binary.Write(&contribs, binary.LittleEndian, uint32(sectionContribVer60))

	var secMap bytes.Buffer
	binary.Write(&secMap, binary.LittleEndian, [2]uint16{0, 0})

	var src bytes.Buffer
	total := 0
	for _, m := range b.Modules {
		total += len(m.SourceFiles)
	}
	binary.Write(&src, binary.LittleEndian, [2]uint16{uint16(len(b.Modules)), uint16(total)})
	for i := range b.Modules {
		binary.Write(&src, binary.LittleEndian, uint16(i))
	}
	for _, m := range b.Modules {
		binary.Write(&src, binary.LittleEndian, uint16(len(m.SourceFiles)))
	}
	var names bytes.Buffer
	for _, m := range b.Modules {
		for _, f := range m.SourceFiles {
			binary.Write(&src, binary.LittleEndian, uint32(names.Len()))
			names.WriteString(f)
			names.WriteByte(0)
		}
	}
	src.Write(names.Bytes())
	pad(&src)

	header := DBIHeader{
		VersionSignature:        -1,
		VersionHeader:           DBIStreamVersionV70,
		Age:                     b.Age,
		GlobalStreamIndex:       NilStream,
		PublicStreamIndex:       NilStream,
		SymRecordStream:         NilStream,
		ModInfoSize:             int32(mods.Len()),
		SectionContributionSize: int32(contribs.Len()),
		SectionMapSize:          int32(secMap.Len()),
		SourceInfoSize:          int32(src.Len()),
		Machine:                 b.Machine,
	}

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, &header)
	for _, sub := range []*bytes.Buffer{&mods, &contribs, &secMap, &src} {
		buf.Write(sub.Bytes())
	}
	return buf.Bytes()
}

func pad(buf *bytes.Buffer) {
	for buf.Len()%4 != 0 {
		buf.WriteByte(0)
	}
}
