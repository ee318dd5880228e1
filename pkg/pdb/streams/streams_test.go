package streams

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashStringV1(t *testing.T) {
	// Case is folded by the final mask, so names differing only in
	// letter case hash alike.
	assert.Equal(t, HashStringV1("/names"), HashStringV1("/NAMES"))
	assert.NotEqual(t, HashStringV1("/names"), HashStringV1("srcsrv"))
	assert.Equal(t, HashStringV1(""), HashStringV1(""))
}

func TestPDBInfoRoundTrip(t *testing.T) {
	info := &PDBInfo{
		Version:   PDBStreamVersionVC70,
		Signature: 0x12345678,
		Age:       1,
		GUID:      [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		NamedStreams: map[string]uint32{
			"/names":                 5,
			"srcsrv":                 6,
			"sourcelink":             7,
			"/src/files/c:\\a\\b.cs": 8,
		},
	}
	for i := 0; i < 12; i++ {
		info.NamedStreams["/src/files/f"+string(rune('a'+i))] = uint32(20 + i)
	}

	data := info.Bytes()
	got, err := ReadPDBInfo(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, info, got)
	assert.Equal(t, data, got.Bytes())
}

func TestPDBInfoHeaderOnly(t *testing.T) {
	data := (&PDBInfo{Version: PDBStreamVersionVC70, Age: 2}).Bytes()[:28]
	got, err := ReadPDBInfo(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, uint32(2), got.Age)
	assert.Empty(t, got.NamedStreams)
}

func TestStringTable(t *testing.T) {
	tab := NewStringTable()
	a := tab.Add(`C:\src\Program.cs`)
	b := tab.Add(`C:\src\Util.cs`)
	assert.Equal(t, uint32(1), a)
	assert.Equal(t, a, tab.Add(`C:\src\Program.cs`))
	assert.Equal(t, uint32(0), tab.Add(""))

	got, err := ReadStringTable(tab.Bytes())
	require.NoError(t, err)
	s, err := got.String(b)
	require.NoError(t, err)
	assert.Equal(t, `C:\src\Util.cs`, s)
	assert.Equal(t, b, got.Add(`C:\src\Util.cs`))
	assert.Equal(t, tab.Bytes(), got.Bytes())

	_, err = got.String(1000)
	assert.Error(t, err)

	_, err = ReadStringTable([]byte{1, 2, 3, 4, 1, 0, 0, 0, 0, 0, 0, 0})
	assert.Error(t, err)
}

func TestDBIRoundTrip(t *testing.T) {
	b := &DBIBuilder{
		Age: 3,
		Modules: []ModuleInfo{
			{
				ModuleSymStream: 9,
				SymByteSize:     120,
				C13ByteSize:     64,
				ModuleName:      "App.dll",
				ObjFileName:     "App.dll",
				SourceFiles:     []string{`C:\src\a.cs`, `C:\src\b.cs`},
			},
			{ModuleSymStream: NilStream, ModuleName: "* Linker *"},
		},
	}
	dbi, err := ReadDBIStream(b.Bytes())
	require.NoError(t, err)
	assert.Equal(t, uint32(3), dbi.Header.Age)
	require.Len(t, dbi.Modules, 2)

	m := dbi.Modules[0]
	assert.True(t, m.HasSymbols())
	assert.Equal(t, uint16(9), m.ModuleSymStream)
	assert.Equal(t, uint32(120), m.SymByteSize)
	assert.Equal(t, uint32(64), m.C13ByteSize)
	assert.Equal(t, uint16(2), m.SourceFileCount)
	assert.Equal(t, []string{`C:\src\a.cs`, `C:\src\b.cs`}, m.SourceFiles)
	assert.Equal(t, uint16(1), dbi.Modules[1].SectionContrib.ModuleIndex)
	assert.False(t, dbi.Modules[1].HasSymbols())
	assert.Empty(t, dbi.SectionContribs)
}

func TestDBIRejectsBadInput(t *testing.T) {
	_, err := ReadDBIStream(make([]byte, 10))
	assert.Error(t, err)

	data := (&DBIBuilder{}).Bytes()
	data[0] = 0
	_, err = ReadDBIStream(data)
	assert.Error(t, err)

	data = (&DBIBuilder{}).Bytes()
	data[24] = 0xFF // module info size
	_, err = ReadDBIStream(data)
	assert.Error(t, err)
}

func TestEmptyTPIStream(t *testing.T) {
	h, err := ReadTPIHeader(EmptyTPIStream())
	require.NoError(t, err)
	assert.Equal(t, uint32(0), h.NumTypes())
	assert.Equal(t, uint32(tpiHeaderSize), h.HeaderSize)

	_, err = ReadTPIHeader(make([]byte, tpiHeaderSize))
	assert.Error(t, err)
}
