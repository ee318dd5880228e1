package metadata

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressedUint(t *testing.T) {
	tests := []struct {
		value   uint32
		encoded []byte
	}{
		{0x03, []byte{0x03}},
		{0x7F, []byte{0x7F}},
		{0x80, []byte{0x80, 0x80}},
		{0x2E57, []byte{0xAE, 0x57}},
		{0x3FFF, []byte{0xBF, 0xFF}},
		{0x4000, []byte{0xC0, 0x00, 0x40, 0x00}},
		{0x1FFFFFFF, []byte{0xDF, 0xFF, 0xFF, 0xFF}},
	}

	for _, tt := range tests {
		w := NewBlobWriter()
		w.CompressedUint(tt.value)
		require.NoError(t, w.Err())
		assert.Equal(t, tt.encoded, w.Bytes(), "encode 0x%X", tt.value)

		got, err := NewBlobReader(tt.encoded).ReadCompressedUint()
		require.NoError(t, err)
		assert.Equal(t, tt.value, got)
	}

	t.Run("OutOfRange", func(t *testing.T) {
		w := NewBlobWriter()
		w.CompressedUint(0x20000000)
		assert.ErrorIs(t, w.Err(), ErrInvalidCompressedInteger)
	})

	t.Run("InvalidLeadByte", func(t *testing.T) {
		_, err := NewBlobReader([]byte{0xFF}).ReadCompressedUint()
		assert.ErrorIs(t, err, ErrInvalidCompressedInteger)
	})
}

func TestCompressedInt(t *testing.T) {
	tests := []struct {
		value   int32
		encoded []byte
	}{
		{3, []byte{0x06}},
		{-3, []byte{0x7B}},
		{64, []byte{0x80, 0x80}},
		{-64, []byte{0x01}},
		{8192, []byte{0xC0, 0x00, 0x40, 0x00}},
		{-8192, []byte{0x80, 0x01}},
		{268435455, []byte{0xDF, 0xFF, 0xFF, 0xFE}},
		{-268435456, []byte{0xC0, 0x00, 0x00, 0x01}},
	}

	for _, tt := range tests {
		w := NewBlobWriter()
		w.CompressedInt(tt.value)
		require.NoError(t, w.Err())
		assert.Equal(t, tt.encoded, w.Bytes(), "encode %d", tt.value)

		got, err := NewBlobReader(tt.encoded).ReadCompressedInt()
		require.NoError(t, err)
		assert.Equal(t, tt.value, got)
	}
}

func TestToken(t *testing.T) {
	tok := NewToken(TableMethodDef, 3)
	assert.Equal(t, Token(0x06000003), tok)
	assert.Equal(t, TableMethodDef, tok.Table())
	assert.Equal(t, uint32(3), tok.RID())
	assert.Equal(t, "0x06000003", tok.String())
	assert.True(t, NewToken(TableTypeDef, 0).IsNil())
}

func TestCodedIndex(t *testing.T) {
	v, ok := TypeDefOrRef.Encode(NewToken(TableTypeRef, 5))
	require.True(t, ok)
	assert.Equal(t, uint32(5<<2|1), v)
	assert.Equal(t, NewToken(TableTypeRef, 5), TypeDefOrRef.Decode(v))

	_, ok = TypeDefOrRef.Encode(NewToken(TableMethodDef, 1))
	assert.False(t, ok)

	v, ok = HasCustomDebugInformation.Encode(NewToken(TableLocalVariable, 2))
	require.True(t, ok)
	assert.Equal(t, NewToken(TableLocalVariable, 2), HasCustomDebugInformation.Decode(v))
}

func TestGUIDLayout(t *testing.T) {
	u := uuid.MustParse("3f5162f8-07c6-11d3-9053-00c04fa302a1")
	b := GUIDBytes(u)
	assert.Equal(t, []byte{0xf8, 0x62, 0x51, 0x3f, 0xc6, 0x07, 0xd3, 0x11}, b[:8])
	assert.Equal(t, u, GUIDFromBytes(b[:]))
}

func TestHeapBuilder(t *testing.T) {
	h := NewHeapBuilder()
	a := h.AddString("Foo")
	assert.Equal(t, a, h.AddString("Foo"))
	assert.Equal(t, uint32(0), h.AddString(""))

	blob := h.AddBlob([]byte{1, 2, 3})
	assert.Equal(t, blob, h.AddBlob([]byte{1, 2, 3}))
	assert.Equal(t, uint32(0), h.AddBlob(nil))

	g := h.AddGUID(uuid.MustParse("8829d00f-11b8-4213-878b-770e8597ac16"))
	assert.Equal(t, uint32(1), g)

	heaps := h.Heaps()
	s, err := heaps.String(a)
	require.NoError(t, err)
	assert.Equal(t, "Foo", s)

	b, err := heaps.Blob(blob)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, b)

	u, err := heaps.GUID(g)
	require.NoError(t, err)
	assert.Equal(t, "8829d00f-11b8-4213-878b-770e8597ac16", u.String())
}

func TestTableRoundTrip(t *testing.T) {
	h := NewHeapBuilder()
	tb := NewTableBuilder()
	tb.SetExternalRowCount(TableMethodDef, 3)

	tb.AddRow(TableDocument, h.AddBlobUTF8("doc"), 0, 0, 0)
	tb.AddRow(TableLocalVariable, 0, 1, h.AddString("x"))
	tb.AddRow(TableLocalVariable, 0, 2, h.AddString("y"))
	tb.AddRow(TableLocalScope, 2, 0, 1, 1, 0, 10)
	tb.AddRow(TableLocalScope, 3, 0, 3, 1, 2, 4)

	heaps := h.Heaps()
	stream := tb.Serialize(heaps)

	external := [MaxTables]uint32{}
	external[TableMethodDef] = 3
	tables, err := ReadTables(stream, heaps, &external)
	require.NoError(t, err)

	assert.Equal(t, uint32(2), tables.RowCount(TableLocalScope))
	assert.Equal(t, uint32(3), tables.RowCount(TableMethodDef))
	assert.False(t, tables.HasTable(TableMethodDef))

	row, ok := tables.Row(TableLocalScope, 2)
	require.True(t, ok)
	assert.Equal(t, NewToken(TableMethodDef, 3), row.Token(ColLocalScopeMethod))
	assert.Equal(t, uint32(4), row.Uint(ColLocalScopeLength))

	start, end := tables.RowRange(TableLocalScope, 1, ColLocalScopeVariableList)
	assert.Equal(t, uint32(1), start)
	assert.Equal(t, uint32(3), end)
	start, end = tables.RowRange(TableLocalScope, 2, ColLocalScopeVariableList)
	assert.Equal(t, start, end)

	v, ok := tables.Row(TableLocalVariable, 2)
	require.True(t, ok)
	name, err := v.String(ColLocalVariableName)
	require.NoError(t, err)
	assert.Equal(t, "y", name)
}

func TestRootRoundTrip(t *testing.T) {
	data := WriteRoot("PDB v1.0", []Stream{
		{Name: "#Pdb", Data: []byte{1, 2, 3, 4, 5}},
		{Name: "#Strings", Data: []byte{0, 'a', 0}},
	})
	require.True(t, HasRootMagic(data))

	root, err := ReadRoot(data)
	require.NoError(t, err)
	assert.Equal(t, "PDB v1.0", root.Version)
	require.Len(t, root.Streams, 2)

	pdb, ok := root.Stream("#Pdb")
	require.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 0, 0, 0}, pdb)

	_, err = ReadRoot([]byte("MZ\x00\x00"))
	assert.Error(t, err)
}
