package portable

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jtang613/pdb2pdb/pkg/imports"
	"github.com/jtang613/pdb2pdb/pkg/metadata"
)

func methodTok(rid uint32) metadata.Token { return metadata.NewToken(metadata.TableMethodDef, rid) }

func TestSequencePoints(t *testing.T) {
	sig := metadata.NewToken(metadata.TableStandAloneSig, 3)

	t.Run("SingleDocument", func(t *testing.T) {
		points := []SequencePoint{
			{Offset: 0, Document: 1, StartLine: 10, StartColumn: 5, EndLine: 10, EndColumn: 20},
			Hidden(3, 1),
			{Offset: 7, Document: 1, StartLine: 12, StartColumn: 9, EndLine: 14, EndColumn: 2},
			{Offset: 9, Document: 1, StartLine: 11, StartColumn: 1, EndLine: 11, EndColumn: 3},
		}
		doc, blob, err := EncodeSequencePoints(sig, points)
		require.NoError(t, err)
		assert.Equal(t, 1, doc)

		gotSig, got, err := DecodeSequencePoints(blob, doc)
		require.NoError(t, err)
		assert.Equal(t, sig, gotSig)
		assert.Equal(t, points, got)
	})

	t.Run("Wire", func(t *testing.T) {
		_, blob, err := EncodeSequencePoints(0, []SequencePoint{
			{Offset: 0, Document: 1, StartLine: 1, StartColumn: 1, EndLine: 1, EndColumn: 5},
		})
		require.NoError(t, err)
		// sig, δIL, δLines, δCols (unsigned), line, column
		assert.Equal(t, []byte{0, 0, 0, 4, 1, 1}, blob)
	})

	t.Run("DocumentSwitch", func(t *testing.T) {
		points := []SequencePoint{
			{Offset: 0, Document: 2, StartLine: 1, StartColumn: 1, EndLine: 1, EndColumn: 2},
			{Offset: 4, Document: 1, StartLine: 3, StartColumn: 1, EndLine: 3, EndColumn: 9},
			Hidden(6, 1),
			{Offset: 8, Document: 2, StartLine: 2, StartColumn: 4, EndLine: 5, EndColumn: 1},
		}
		doc, blob, err := EncodeSequencePoints(0, points)
		require.NoError(t, err)
		assert.Equal(t, 0, doc)
		assert.Equal(t, byte(2), blob[1], "initial document follows the signature")

		gotSig, got, err := DecodeSequencePoints(blob, doc)
		require.NoError(t, err)
		assert.True(t, gotSig.IsNil())
		assert.Equal(t, points, got)
	})

	t.Run("Empty", func(t *testing.T) {
		doc, blob, err := EncodeSequencePoints(sig, nil)
		require.NoError(t, err)
		assert.Zero(t, doc)
		assert.Nil(t, blob)
	})

	t.Run("Invalid", func(t *testing.T) {
		tests := map[string][]SequencePoint{
			"NoDocument": {{Offset: 0, StartLine: 1, StartColumn: 1, EndLine: 1, EndColumn: 2}},
			"SameOffset": {
				{Offset: 2, Document: 1, StartLine: 1, StartColumn: 1, EndLine: 1, EndColumn: 2},
				{Offset: 2, Document: 1, StartLine: 2, StartColumn: 1, EndLine: 2, EndColumn: 2},
			},
			"Inverted":  {{Offset: 0, Document: 1, StartLine: 5, StartColumn: 1, EndLine: 4, EndColumn: 2}},
			"EmptySpan": {{Offset: 0, Document: 1, StartLine: 5, StartColumn: 3, EndLine: 5, EndColumn: 3}},
		}
		for name, points := range tests {
			t.Run(name, func(t *testing.T) {
				_, _, err := EncodeSequencePoints(0, points)
				assert.ErrorIs(t, err, ErrInvalidSequencePoints)
			})
		}
	})

	t.Run("Truncated", func(t *testing.T) {
		_, _, err := DecodeSequencePoints([]byte{0, 0, 2}, 1)
		assert.ErrorIs(t, err, ErrInvalidSequencePoints)
	})
}

func TestDocumentName(t *testing.T) {
	tests := []struct {
		name string
		sep  byte
	}{
		{`C:\src\app\Program.cs`, '\\'},
		{"/home/user/app/Program.cs", '/'},
		{"Program.cs", '/'},
		{`C:\mixed/path\here`, '\\'},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := metadata.NewHeapBuilder()
			blob := encodeDocumentName(tt.name, h)
			assert.Equal(t, tt.sep, blob[0])

			heaps := h.Heaps()
			got, err := decodeDocumentName(blob, &heaps)
			require.NoError(t, err)
			assert.Equal(t, tt.name, got)
		})
	}

	t.Run("SharedParts", func(t *testing.T) {
		h := metadata.NewHeapBuilder()
		a := encodeDocumentName("/src/a.cs", h)
		b := encodeDocumentName("/src/b.cs", h)
		assert.Equal(t, a[:3], b[:3], "leading parts share blob handles")
	})
}

func TestConstantSignature(t *testing.T) {
	enumType := metadata.NewToken(metadata.TableTypeDef, 4)
	classType := metadata.NewToken(metadata.TableTypeRef, 2)
	tests := []struct {
		name string
		sig  ConstantSig
		wire []byte
	}{
		{"Int32", ConstantSig{Value: metadata.IntConstant(metadata.ElementTypeI4, -2)},
			[]byte{0x08, 0xFE, 0xFF, 0xFF, 0xFF}},
		{"Boolean", ConstantSig{Value: metadata.IntConstant(metadata.ElementTypeBoolean, 1)},
			[]byte{0x02, 0x01}},
		{"Double", ConstantSig{Value: metadata.FloatConstant(metadata.ElementTypeR8, 1)},
			[]byte{0x0D, 0, 0, 0, 0, 0, 0, 0xF0, 0x3F}},
		{"String", ConstantSig{Value: metadata.StringConstant("hi")},
			[]byte{0x0E, 'h', 0, 'i', 0}},
		{"NullString", ConstantSig{Value: metadata.ConstantValue{Type: metadata.ElementTypeString, IsNull: true}},
			[]byte{0x0E, 0xFF}},
		{"Enum", ConstantSig{Kind: ConstantEnum, Type: enumType, Value: metadata.IntConstant(metadata.ElementTypeU1, 3)},
			[]byte{0x05, 0x03, 0x10}},
		{"NullClass", ConstantSig{Kind: ConstantGeneral, TypeCode: metadata.ElementTypeClass, Type: classType},
			[]byte{0x12, 0x09}},
		{"Object", ConstantSig{Kind: ConstantObject}, []byte{0x1C}},
		{"CustomModifier", ConstantSig{CustomMods: []byte{0x20, 0x09}, Value: metadata.IntConstant(metadata.ElementTypeI2, 7)},
			[]byte{0x20, 0x09, 0x06, 0x07, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blob, err := EncodeConstant(tt.sig)
			require.NoError(t, err)
			assert.Equal(t, tt.wire, blob)

			got, err := DecodeConstant(blob)
			require.NoError(t, err)
			assert.Equal(t, tt.sig, got)
		})
	}

	t.Run("Unsupported", func(t *testing.T) {
		_, err := DecodeConstant([]byte{0x1D, 0x08})
		assert.ErrorIs(t, err, metadata.ErrUnsupportedConstant)

		_, err = EncodeConstant(ConstantSig{Kind: ConstantEnum, Value: metadata.FloatConstant(metadata.ElementTypeR4, 1)})
		assert.ErrorIs(t, err, metadata.ErrUnsupportedConstant)
	})
}

func TestFieldSignatureConstants(t *testing.T) {
	enumType := metadata.NewToken(metadata.TableTypeDef, 4)

	t.Run("PrimitiveReinterpretsValue", func(t *testing.T) {
		f, err := ParseFieldSignature([]byte{0x06, 0x02})
		require.NoError(t, err)
		c, err := NewConstant(f, metadata.IntConstant(metadata.ElementTypeU2, 1), 0)
		require.NoError(t, err)
		assert.Equal(t, ConstantPrimitive, c.Kind)
		assert.Equal(t, metadata.IntConstant(metadata.ElementTypeBoolean, 1), c.Value)
	})

	t.Run("EnumUsesUnderlyingType", func(t *testing.T) {
		f, err := ParseFieldSignature([]byte{0x06, 0x11, 0x10})
		require.NoError(t, err)
		assert.Equal(t, enumType, f.Type)
		c, err := NewConstant(f, metadata.IntConstant(metadata.ElementTypeU2, 3), metadata.ElementTypeI8)
		require.NoError(t, err)
		assert.Equal(t, ConstantEnum, c.Kind)
		assert.Equal(t, metadata.IntConstant(metadata.ElementTypeI8, 3), c.Value)

		sig, err := c.FieldType().Signature()
		require.NoError(t, err)
		assert.Equal(t, []byte{0x06, 0x11, 0x10}, sig)
	})

	t.Run("NullStringFromNumericZero", func(t *testing.T) {
		f, err := ParseFieldSignature([]byte{0x06, 0x0E})
		require.NoError(t, err)
		c, err := NewConstant(f, metadata.IntConstant(metadata.ElementTypeU2, 0), 0)
		require.NoError(t, err)
		assert.True(t, c.Value.IsNull)
	})

	t.Run("GeneralHasZeroWindowsValue", func(t *testing.T) {
		c := ConstantSig{Kind: ConstantGeneral, TypeCode: metadata.ElementTypeClass, Type: metadata.NewToken(metadata.TableTypeRef, 1)}
		assert.Equal(t, metadata.IntConstant(metadata.ElementTypeI4, 0), c.WindowsValue())
		sig, err := c.FieldType().Signature()
		require.NoError(t, err)
		assert.Equal(t, []byte{0x06, 0x12, 0x05}, sig)
	})

	t.Run("NotAField", func(t *testing.T) {
		_, err := ParseFieldSignature([]byte{0x07, 0x08})
		assert.Error(t, err)
	})
}

func samplePdb() *Pdb {
	p := &Pdb{
		Guid:       uuid.MustParse("0b1f4c1e-7e0a-4c8e-9d3b-2a6f1e5d8c90"),
		Stamp:      0x5F3A1C2B,
		EntryPoint: methodTok(1),
		Documents: []Document{
			{Name: `C:\src\app\Program.cs`, HashAlgorithm: HashSHA256, Hash: make([]byte, 32), Language: LanguageCSharp},
			{Name: `C:\src\app\Util.cs`, HashAlgorithm: HashSHA1, Hash: make([]byte, 20), Language: LanguageCSharp},
		},
		Methods: []MethodDebugInfo{
			{
				LocalSignature: metadata.NewToken(metadata.TableStandAloneSig, 1),
				SequencePoints: []SequencePoint{
					{Offset: 0, Document: 1, StartLine: 5, StartColumn: 9, EndLine: 5, EndColumn: 30},
					{Offset: 6, Document: 2, StartLine: 1, StartColumn: 1, EndLine: 1, EndColumn: 2},
				},
			},
			{},
		},
		LocalScopes: []LocalScope{
			{
				Method: methodTok(1), ImportScope: 2, StartOffset: 0, Length: 12,
				Variables: []LocalVariable{{Index: 0, Name: "x"}},
				Constants: []LocalConstant{{Name: "K", Signature: []byte{0x08, 1, 0, 0, 0}}},
			},
			{
				Method: methodTok(1), ImportScope: 2, StartOffset: 2, Length: 4,
				Variables: []LocalVariable{{Attributes: LocalVariableDebuggerHidden, Index: 1, Name: "CS$0"}},
			},
		},
		ImportScopes: []ImportScope{
			{Imports: []Import{{Kind: imports.KindAliasAssemblyReference, Alias: "ext", AssemblyRef: 1}}},
			{Parent: 1, Imports: []Import{
				{Kind: imports.KindImportNamespace, Target: "System"},
				{Kind: imports.KindAliasType, Alias: "C", Type: metadata.NewToken(metadata.TableTypeRef, 3)},
			}},
		},
		StateMachineMethods: []StateMachineMethod{{MoveNext: methodTok(2), Kickoff: methodTok(1)}},
		CustomDebugInfo: []CustomDebugInfo{
			{Parent: metadata.ModuleToken, Kind: KindSourceLink, Value: []byte(`{"documents":{}}`)},
			{Parent: methodTok(1), Kind: KindEncLocalSlotMap, Value: []byte{1, 2}},
		},
	}
	p.TypeSystemRowCounts[metadata.TableMethodDef] = 2
	p.TypeSystemRowCounts[metadata.TableTypeRef] = 3
	p.TypeSystemRowCounts[metadata.TableStandAloneSig] = 1
	return p
}

func TestRoundTrip(t *testing.T) {
	p := samplePdb()
	data, err := p.Serialize()
	require.NoError(t, err)
	require.True(t, IsPortable(data))

	got, err := Read(data)
	require.NoError(t, err)

	// Tables the writer sorts by parent put the method record first.
	p.CustomDebugInfo[0], p.CustomDebugInfo[1] = p.CustomDebugInfo[1], p.CustomDebugInfo[0]
	assert.Equal(t, p, got)
}

func TestSerializeIsDeterministic(t *testing.T) {
	a, err := samplePdb().Serialize()
	require.NoError(t, err)
	b, err := samplePdb().Serialize()
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestSerializeSortsScopes(t *testing.T) {
	p := &Pdb{
		Methods: []MethodDebugInfo{{}, {}},
		LocalScopes: []LocalScope{
			{Method: methodTok(2), StartOffset: 0, Length: 8, Variables: []LocalVariable{{Name: "b"}}},
			{Method: methodTok(1), StartOffset: 4, Length: 2, Variables: []LocalVariable{{Name: "inner"}}},
			{Method: methodTok(1), StartOffset: 0, Length: 10, Variables: []LocalVariable{{Name: "outer"}}},
		},
		CustomDebugInfo: []CustomDebugInfo{
			{Parent: metadata.NewToken(metadata.TableLocalVariable, 1), Kind: KindDynamicLocalVariables, Value: []byte{1}},
			{Parent: metadata.NewToken(metadata.TableLocalScope, 3), Kind: KindDynamicLocalVariables, Value: []byte{3}},
		},
	}
	p.TypeSystemRowCounts[metadata.TableMethodDef] = 2

	data, err := p.Serialize()
	require.NoError(t, err)
	got, err := Read(data)
	require.NoError(t, err)

	require.Len(t, got.LocalScopes, 3)
	assert.Equal(t, "outer", got.LocalScopes[0].Variables[0].Name)
	assert.Equal(t, "inner", got.LocalScopes[1].Variables[0].Name)
	assert.Equal(t, "b", got.LocalScopes[2].Variables[0].Name)

	// Parents follow their rows: variable "b" is now row 3, the outer
	// scope row 1.
	require.Len(t, got.CustomDebugInfo, 2)
	assert.Equal(t, metadata.NewToken(metadata.TableLocalScope, 1), got.CustomDebugInfo[0].Parent)
	assert.Equal(t, []byte{3}, got.CustomDebugInfo[0].Value)
	assert.Equal(t, metadata.NewToken(metadata.TableLocalVariable, 3), got.CustomDebugInfo[1].Parent)
	assert.Equal(t, []byte{1}, got.CustomDebugInfo[1].Value)
}

func TestSerializeRejectsUnknownDocument(t *testing.T) {
	p := &Pdb{Methods: []MethodDebugInfo{{SequencePoints: []SequencePoint{
		{Offset: 0, Document: 2, StartLine: 1, StartColumn: 1, EndLine: 1, EndColumn: 2},
	}}}}
	_, err := p.Serialize()
	assert.ErrorIs(t, err, ErrInvalidSequencePoints)
}

func TestRead(t *testing.T) {
	t.Run("NotPortable", func(t *testing.T) {
		_, err := Read([]byte("Microsoft C/C++ MSF 7.00\r\n"))
		assert.ErrorIs(t, err, ErrNotPortable)
	})

	t.Run("WrongVersion", func(t *testing.T) {
		data := metadata.WriteRoot("v4.0.30319", nil)
		_, err := Read(data)
		assert.ErrorIs(t, err, ErrNotPortable)
	})

	t.Run("MissingPdbStream", func(t *testing.T) {
		data := metadata.WriteRoot(MetadataVersion, nil)
		_, err := Read(data)
		assert.ErrorIs(t, err, ErrNotPortable)
	})

	t.Run("UnknownImportKind", func(t *testing.T) {
		p := &Pdb{}
		h := metadata.NewHeapBuilder()
		ns := h.AddBlobUTF8("System")
		b := metadata.NewTableBuilder()
		b.AddRow(metadata.TableImportScope, 0, h.AddBlob([]byte{1, byte(ns), 42}))
		heaps := h.Heaps()
		data := metadata.WriteRoot(MetadataVersion, []metadata.Stream{
			{Name: "#Pdb", Data: p.pdbStream(0)},
			{Name: "#~", Data: b.Serialize(heaps)},
			{Name: "#Strings", Data: heaps.Strings},
			{Name: "#GUID", Data: heaps.GUIDs},
			{Name: "#Blob", Data: heaps.Blobs},
		})
		got, err := Read(data)
		require.NoError(t, err)
		require.Len(t, got.ImportScopes, 1)
		assert.Equal(t, imports.Kind(42), got.ImportScopes[0].UnknownKind)
		assert.Equal(t, []Import{{Kind: imports.KindImportNamespace, Target: "System"}}, got.ImportScopes[0].Imports)
	})
}

func TestRecords(t *testing.T) {
	t.Run("AsyncMethodInfo", func(t *testing.T) {
		info := AsyncMethodInfo{
			CatchHandlerOffset: -1,
			Steps: []AsyncStep{
				{YieldOffset: 0x10, ResumeOffset: 0x24, ResumeMethod: methodTok(7)},
				{YieldOffset: 0x40, ResumeOffset: 0x52, ResumeMethod: methodTok(7)},
			},
		}
		blob := EncodeAsyncMethodInfo(info)
		assert.Equal(t, []byte{0, 0, 0, 0}, blob[:4])
		got, err := DecodeAsyncMethodInfo(blob)
		require.NoError(t, err)
		assert.Equal(t, info, got)

		_, err = DecodeAsyncMethodInfo(blob[:2])
		assert.Error(t, err)
	})

	t.Run("HoistedLocalScopes", func(t *testing.T) {
		scopes := []HoistedScope{{StartOffset: 2, EndOffset: 30}, {}}
		blob := EncodeHoistedLocalScopes(scopes)
		assert.Len(t, blob, 16)
		got, err := DecodeHoistedLocalScopes(blob)
		require.NoError(t, err)
		assert.Equal(t, scopes, got)

		_, err = DecodeHoistedLocalScopes(blob[:5])
		assert.Error(t, err)
	})

	t.Run("DynamicFlags", func(t *testing.T) {
		flags := []bool{false, true, false, false, false, false, false, false, true, false}
		blob := EncodeDynamicFlags(flags)
		assert.Equal(t, []byte{0x02, 0x01}, blob)
		assert.Equal(t, flags[:9], DecodeDynamicFlags(blob))
	})

	t.Run("TupleElementNames", func(t *testing.T) {
		names := []string{"first", "", "third"}
		blob := EncodeTupleElementNames(names)
		assert.Equal(t, "first\x00\x00third\x00", string(blob))
		got, err := DecodeTupleElementNames(blob)
		require.NoError(t, err)
		assert.Equal(t, names, got)

		_, err = DecodeTupleElementNames([]byte("open"))
		assert.Error(t, err)
	})
}
