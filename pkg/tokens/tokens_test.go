package tokens_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jtang613/pdb2pdb/pkg/metadata"
	"github.com/jtang613/pdb2pdb/pkg/tokens"
	"github.com/jtang613/pdb2pdb/pkg/tokens/tokenstest"
)

func typeDef(rid uint32) metadata.Token { return metadata.NewToken(metadata.TableTypeDef, rid) }
func method(rid uint32) metadata.Token  { return metadata.NewToken(metadata.TableMethodDef, rid) }

func fixture() *tokens.MetadataTranslator {
	tr, _ := tokenstest.Build(tokenstest.Image{
		Types: []tokenstest.Type{
			{Name: "<Module>"},
			{
				Namespace: "App",
				Name:      "Program",
				Methods: []tokenstest.Method{
					{Name: "Main", RVA: 0x2050, LocalSig: metadata.NewToken(metadata.TableStandAloneSig, 1)},
					{Name: "Run", RVA: 0x2080},
				},
				Nested: []tokenstest.Type{
					{
						Name:    "<Run>d__1",
						Methods: []tokenstest.Method{{Name: "MoveNext", RVA: 0x20A0}},
						Nested:  []tokenstest.Type{{Name: "Deep"}},
					},
					{Name: "Empty"},
				},
			},
			{
				Namespace: "App",
				Name:      "Native",
				Methods:   []tokenstest.Method{{Name: "Extern"}},
			},
			{Namespace: "App", Name: "Color", Enum: metadata.ElementTypeI2},
		},
		AssemblyRefs:   []string{"mscorlib", "Lib"},
		TypeRefs:       []tokenstest.TypeRef{{Namespace: "System", Name: "Console", AssemblyRef: 1}},
		StandAloneSigs: [][]byte{{0x07, 0x01, 0x08}, {0x06, 0x08}},
	})
	return tr
}

func TestType(t *testing.T) {
	tr := fixture()

	id, err := tr.Type(typeDef(2))
	require.NoError(t, err)
	assert.Equal(t, "App", id.Namespace)
	assert.Equal(t, "Program", id.Name)
	assert.True(t, id.DeclaringType.IsNil())

	id, err = tr.Type(typeDef(4))
	require.NoError(t, err)
	assert.Equal(t, "Deep", id.Name)
	assert.Equal(t, typeDef(3), id.DeclaringType)

	ref, err := tr.Type(metadata.NewToken(metadata.TableTypeRef, 1))
	require.NoError(t, err)
	assert.Equal(t, "Console", ref.Name)
	assert.Equal(t, metadata.NewToken(metadata.TableAssemblyRef, 1), ref.ResolutionScope)

	_, err = tr.Type(typeDef(99))
	assert.ErrorIs(t, err, tokens.ErrInvalidToken)
	_, err = tr.Type(method(1))
	assert.ErrorIs(t, err, tokens.ErrInvalidToken)
}

func TestDeclaringTypeIsOneLevel(t *testing.T) {
	tr := fixture()

	decl, err := tr.DeclaringType(typeDef(4))
	require.NoError(t, err)
	assert.Equal(t, typeDef(3), decl)

	decl, err = tr.DeclaringType(decl)
	require.NoError(t, err)
	assert.Equal(t, typeDef(2), decl)

	decl, err = tr.DeclaringType(decl)
	require.NoError(t, err)
	assert.True(t, decl.IsNil())
}

func TestMethod(t *testing.T) {
	tr := fixture()

	tests := []struct {
		rid   uint32
		name  string
		owner metadata.Token
		body  bool
	}{
		{1, "Main", typeDef(2), true},
		{2, "Run", typeDef(2), true},
		{3, "MoveNext", typeDef(3), true},
		{4, "Extern", typeDef(6), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := tr.Method(method(tt.rid))
			require.NoError(t, err)
			assert.Equal(t, tt.name, id.Name)
			assert.Equal(t, tt.owner, id.DeclaringType)
			assert.Equal(t, tt.body, id.HasBody())
			assert.Equal(t, 3, id.Signature.Length)
		})
	}

	n, err := tr.MethodCount()
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestNestedAndMethods(t *testing.T) {
	tr := fixture()

	nested, err := tr.NestedTypes(typeDef(2))
	require.NoError(t, err)
	assert.Equal(t, []metadata.Token{typeDef(3), typeDef(5)}, nested)

	methods, err := tr.Methods(typeDef(3))
	require.NoError(t, err)
	assert.Equal(t, []metadata.Token{method(3)}, methods)

	methods, err = tr.Methods(typeDef(5))
	require.NoError(t, err)
	assert.Empty(t, methods)

	tok, err := tr.FindMethod(typeDef(3), "MoveNext")
	require.NoError(t, err)
	assert.Equal(t, method(3), tok)

	_, err = tr.FindMethod(typeDef(3), "Dispose")
	assert.ErrorIs(t, err, tokens.ErrNotFound)
}

func TestTypeNames(t *testing.T) {
	tr := fixture()

	name, err := tokens.TypeName(tr, typeDef(4), false)
	require.NoError(t, err)
	assert.Equal(t, "App.Program+<Run>d__1+Deep", name)

	name, err = tokens.TypeName(tr, metadata.NewToken(metadata.TableTypeRef, 1), true)
	require.NoError(t, err)
	assert.Equal(t, "System.Console, mscorlib", name)

	for _, in := range []string{"App.Program+<Run>d__1+Deep", "System.Console, mscorlib", "App.Native"} {
		tok, err := tr.FindType(in)
		require.NoError(t, err, in)
		got, err := tokens.TypeName(tr, tok, true)
		require.NoError(t, err)
		assert.Equal(t, in, got)
	}

	_, err = tr.FindType("App.Missing")
	assert.ErrorIs(t, err, tokens.ErrNotFound)
	_, err = tr.FindType("App.Program+Missing")
	assert.ErrorIs(t, err, tokens.ErrNotFound)
}

func TestSplitTypeName(t *testing.T) {
	ns, outer, nested := tokens.SplitTypeName("A.B.C+D+E, Asm, Version=1.0.0.0")
	assert.Equal(t, "A.B", ns)
	assert.Equal(t, "C", outer)
	assert.Equal(t, []string{"D", "E"}, nested)

	ns, outer, nested = tokens.SplitTypeName("Global")
	assert.Empty(t, ns)
	assert.Equal(t, "Global", outer)
	assert.Empty(t, nested)
}

func TestSignatures(t *testing.T) {
	tr := fixture()

	sig, err := tr.LocalSignature(method(1))
	require.NoError(t, err)
	assert.Equal(t, metadata.NewToken(metadata.TableStandAloneSig, 1), sig)

	sig, err = tr.LocalSignature(method(2))
	require.NoError(t, err)
	assert.True(t, sig.IsNil())

	sig, err = tr.LocalSignature(method(4))
	require.NoError(t, err)
	assert.True(t, sig.IsNil())

	blob, err := tr.StandAloneSignature(metadata.NewToken(metadata.TableStandAloneSig, 1))
	require.NoError(t, err)
	assert.Equal(t, []byte{0x07, 0x01, 0x08}, blob)
}

func TestFindStandAloneSignature(t *testing.T) {
	tr := fixture()

	tok, err := tr.FindStandAloneSignature([]byte{0x06, 0x08})
	require.NoError(t, err)
	assert.Equal(t, metadata.NewToken(metadata.TableStandAloneSig, 2), tok)

	_, err = tr.FindStandAloneSignature([]byte{0x06, 0x0E})
	assert.ErrorIs(t, err, tokens.ErrNotFound)
}

func TestEnumUnderlyingType(t *testing.T) {
	tr := fixture()

	et, err := tr.EnumUnderlyingType(typeDef(7))
	require.NoError(t, err)
	assert.Equal(t, metadata.ElementTypeI2, et)

	_, err = tr.EnumUnderlyingType(typeDef(2))
	assert.ErrorIs(t, err, tokens.ErrNotFound)
	_, err = tr.EnumUnderlyingType(metadata.NewToken(metadata.TableTypeRef, 1))
	assert.ErrorIs(t, err, tokens.ErrInvalidToken)
}

func TestAssemblyReferences(t *testing.T) {
	tr := fixture()

	name, err := tr.AssemblyReference(2)
	require.NoError(t, err)
	assert.Equal(t, "Lib", name)

	row, err := tr.FindAssemblyReference("lib, Version=1.0.0.0, Culture=neutral")
	require.NoError(t, err)
	assert.Equal(t, uint32(2), row)

	_, err = tr.FindAssemblyReference("Other")
	assert.ErrorIs(t, err, tokens.ErrNotFound)
}

func TestLocalSignatureWithoutBodies(t *testing.T) {
	_, tables := tokenstest.Build(tokenstest.Image{
		Types: []tokenstest.Type{{Name: "T", Methods: []tokenstest.Method{{Name: "M", RVA: 0x10}}}},
	})
	tr := tokens.NewMetadataTranslator(tables, nil)
	_, err := tr.LocalSignature(method(1))
	assert.ErrorIs(t, err, tokens.ErrMetadataUnavailable)
}

func TestUnavailable(t *testing.T) {
	var tr tokens.Translator = tokens.Unavailable{}

	_, err := tr.Type(typeDef(1))
	assert.ErrorIs(t, err, tokens.ErrMetadataUnavailable)
	_, err = tr.Method(method(1))
	assert.ErrorIs(t, err, tokens.ErrMetadataUnavailable)
	_, err = tr.LocalSignature(method(1))
	assert.ErrorIs(t, err, tokens.ErrMetadataUnavailable)
	_, err = tr.FindType("A.B")
	assert.ErrorIs(t, err, tokens.ErrMetadataUnavailable)
	_, err = tr.MethodCount()
	assert.ErrorIs(t, err, tokens.ErrMetadataUnavailable)
	_, err = tr.EnumUnderlyingType(typeDef(1))
	assert.ErrorIs(t, err, tokens.ErrMetadataUnavailable)
	_, err = tr.FindStandAloneSignature([]byte{0x06, 0x08})
	assert.ErrorIs(t, err, tokens.ErrMetadataUnavailable)
	_, err = tokens.TypeName(tr, typeDef(1), false)
	assert.ErrorIs(t, err, tokens.ErrMetadataUnavailable)
}
