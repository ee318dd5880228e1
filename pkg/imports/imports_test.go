package imports

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jtang613/pdb2pdb/pkg/metadata"
)

func TestEncode(t *testing.T) {
	typ, err := Type(0, metadata.NewToken(metadata.TableTypeRef, 2))
	require.NoError(t, err)
	aliasType, err := Type(4, metadata.NewToken(metadata.TableTypeDef, 1))
	require.NoError(t, err)

	tests := []struct {
		name string
		def  Definition
		want []byte
	}{
		{"ImportNamespace", Namespace(0, 5), []byte{1, 5}},
		{"AliasNamespace", Namespace(3, 5), []byte{7, 3, 5}},
		{"ImportAssemblyNamespace", AssemblyNamespace(0, 2, 7), []byte{2, 2, 7}},
		{"AliasAssemblyNamespace", AssemblyNamespace(3, 2, 7), []byte{8, 3, 2, 7}},
		{"ImportType", typ, []byte{3, 9}},
		{"AliasType", aliasType, []byte{9, 4, 4}},
		{"ImportXmlNamespace", XmlNamespace(1, 2), []byte{4, 1, 2}},
		{"ImportAssemblyReferenceAlias", AssemblyReferenceAlias(6), []byte{5, 6}},
		{"AliasAssemblyReference", AliasAssemblyReference(6, 1), []byte{6, 6, 1}},
		{"LargeOperand", Namespace(0, 0x1234), []byte{1, 0x92, 0x34}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Encode([]Definition{tt.def})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			defs, err := Decode(got)
			require.NoError(t, err)
			assert.Equal(t, []Definition{tt.def}, defs)
		})
	}
}

func TestChainRoundTrip(t *testing.T) {
	typ, err := Type(0, metadata.NewToken(metadata.TableTypeSpec, 3))
	require.NoError(t, err)
	chain := []Definition{
		Namespace(0, 1),
		Namespace(9, 12),
		typ,
		AliasAssemblyReference(20, 2),
		XmlNamespace(0, 30),
	}
	blob, err := Encode(chain)
	require.NoError(t, err)

	got, err := Decode(blob)
	require.NoError(t, err)
	assert.Equal(t, chain, got)
	assert.Equal(t, metadata.NewToken(metadata.TableTypeSpec, 3), got[2].TypeToken())
}

func TestTypeRejectsNonType(t *testing.T) {
	_, err := Type(0, metadata.NewToken(metadata.TableMethodDef, 1))
	assert.Error(t, err)
}

func TestDecodeErrors(t *testing.T) {
	t.Run("UnknownKind", func(t *testing.T) {
		defs, err := Decode([]byte{1, 5, 42, 1})
		require.ErrorIs(t, err, ErrUnknownKind)
		assert.Equal(t, []Definition{Namespace(0, 5)}, defs)
	})

	t.Run("ZeroKind", func(t *testing.T) {
		_, err := Decode([]byte{0})
		assert.ErrorIs(t, err, ErrUnknownKind)
	})

	t.Run("TruncatedOperand", func(t *testing.T) {
		_, err := Decode([]byte{8, 3, 2})
		assert.ErrorIs(t, err, metadata.ErrUnexpectedEnd)
	})

	t.Run("Empty", func(t *testing.T) {
		defs, err := Decode(nil)
		require.NoError(t, err)
		assert.Empty(t, defs)
	})
}

func TestEncodeUnknownKind(t *testing.T) {
	_, err := Encode([]Definition{{Kind: 0}})
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestParseUsing(t *testing.T) {
	tests := []struct {
		in   string
		want Using
	}{
		{"USystem", Using{Kind: KindImportNamespace, Target: "System"}},
		{"AIO USystem.IO", Using{Kind: KindAliasNamespace, Alias: "IO", Target: "System.IO"}},
		{"AC TSystem.Console, mscorlib", Using{Kind: KindAliasType, Alias: "C", Target: "System.Console, mscorlib"}},
		{"TSystem.Math", Using{Kind: KindImportType, Target: "System.Math"}},
		{"XLib", Using{Kind: KindImportAssemblyReferenceAlias, Alias: "Lib"}},
		{"ZLib Lib, Version=1.0.0.0, Culture=neutral", Using{Kind: KindAliasAssemblyReference, Alias: "Lib", Assembly: "Lib, Version=1.0.0.0, Culture=neutral"}},
		{"ELib.Collections Lib", Using{Kind: KindImportAssemblyNamespace, Target: "Lib.Collections", Assembly: "Lib"}},
		{"AC ELib.Collections Lib", Using{Kind: KindAliasAssemblyNamespace, Alias: "C", Target: "Lib.Collections", Assembly: "Lib"}},
		{"@F:System.Linq", Using{Kind: KindImportNamespace, Syntax: SyntaxVBFile, Target: "System.Linq"}},
		{"@PA:L=System.Linq", Using{Kind: KindAliasNamespace, Syntax: SyntaxVBProject, Alias: "L", Target: "System.Linq"}},
		{"@FX:xs=http://www.w3.org/2001/XMLSchema", Using{Kind: KindImportXmlNamespace, Syntax: SyntaxVBFile, Alias: "xs", Target: "http://www.w3.org/2001/XMLSchema"}},
		{"@PX:=urn:default", Using{Kind: KindImportXmlNamespace, Syntax: SyntaxVBProject, Target: "urn:default"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseUsing(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			s, err := Format(got)
			require.NoError(t, err)
			assert.Equal(t, tt.in, s)
		})
	}
}

func TestParseUsingMalformed(t *testing.T) {
	for _, in := range []string{"", "Q", "Afoo", "A USystem", "AIO QSystem", "ZLib", "ESystem", "E Lib", "@", "@Q:x", "@FA:noequals", "@FA:=x"} {
		t.Run(in, func(t *testing.T) {
			_, err := ParseUsing(in)
			assert.ErrorIs(t, err, ErrMalformedUsing)
		})
	}
}

func TestFormatUnsupported(t *testing.T) {
	_, err := Format(Using{Kind: KindImportXmlNamespace, Alias: "x", Target: "urn:x"})
	assert.ErrorIs(t, err, ErrUnsupportedUsing)

	_, err = Format(Using{Kind: KindAliasAssemblyReference, Syntax: SyntaxVBFile, Alias: "x", Assembly: "y"})
	assert.ErrorIs(t, err, ErrUnsupportedUsing)
	assert.Empty(t, Using{Kind: KindAliasAssemblyReference, Syntax: SyntaxVBFile}.String())
}
