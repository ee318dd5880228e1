package peimage_test

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jtang613/pdb2pdb/pkg/metadata"
	"github.com/jtang613/pdb2pdb/pkg/peimage"
	"github.com/jtang613/pdb2pdb/pkg/peimage/peimagetest"
	"github.com/jtang613/pdb2pdb/pkg/tokens/tokenstest"
)

var testGuid = uuid.MustParse("2b3a4c5d-6e7f-4081-92a3-b4c5d6e7f809")

func open(t *testing.T, img peimagetest.Image) *peimage.Image {
	t.Helper()
	pe, err := peimage.Open(bytes.NewReader(peimagetest.Build(img)))
	require.NoError(t, err)
	t.Cleanup(func() { pe.Close() })
	return pe
}

func TestCodeView(t *testing.T) {
	img := open(t, peimagetest.Image{
		Stamp: 0x5F000000,
		CodeViews: []peimagetest.CodeView{
			{Guid: testGuid, Age: 3, Path: `C:\out\App.pdb`, Stamp: 0x5F000000},
			{Guid: testGuid, Age: 1, Path: "App.pdb", Stamp: 0xA1B2C3D4, Portable: true},
		},
		Reproducible: true,
	})

	cvs, err := img.CodeViews()
	require.NoError(t, err)
	require.Len(t, cvs, 2)
	assert.Equal(t, peimage.CodeView{Guid: testGuid, Age: 3, Path: `C:\out\App.pdb`, Stamp: 0x5F000000}, cvs[0])
	assert.True(t, cvs[1].Portable)
	assert.Equal(t, uint32(0xA1B2C3D4), cvs[1].Stamp)

	assert.True(t, img.IsReproducible())
	assert.Equal(t, uint32(0x5F000000), img.Stamp())
}

func TestEmbeddedPortablePdb(t *testing.T) {
	pdb := bytes.Repeat([]byte("BSJB portable pdb content "), 40)
	img := open(t, peimagetest.Image{
		EmbeddedPdb: pdb,
		Checksum:    &peimage.PdbChecksum{Algorithm: "SHA256", Checksum: bytes.Repeat([]byte{0xAB}, 32)},
	})

	got, err := img.EmbeddedPortablePdb()
	require.NoError(t, err)
	assert.Equal(t, pdb, got)

	sums, err := img.PdbChecksums()
	require.NoError(t, err)
	require.Len(t, sums, 1)
	assert.Equal(t, "SHA256", sums[0].Algorithm)
	assert.Len(t, sums[0].Checksum, 32)

	assert.False(t, img.IsReproducible())
}

func TestNoEmbeddedPdb(t *testing.T) {
	img := open(t, peimagetest.Image{})
	_, err := img.EmbeddedPortablePdb()
	assert.ErrorIs(t, err, peimage.ErrNoEmbeddedPdb)

	_, err = img.Metadata()
	assert.ErrorIs(t, err, peimage.ErrNotManaged)
	assert.True(t, img.EntryPoint().IsNil())
}

func TestManagedImage(t *testing.T) {
	localSig := metadata.NewToken(metadata.TableStandAloneSig, 1)
	md, bodies := tokenstest.Metadata(tokenstest.Image{
		Types: []tokenstest.Type{
			{Name: "<Module>"},
			{Namespace: "App", Name: "Program", Methods: []tokenstest.Method{
				{Name: "Main", RVA: 0x2050, LocalSig: localSig},
				{Name: "Helper", RVA: 0x2070},
				{Name: "Abstract"},
			}},
		},
		StandAloneSigs: [][]byte{{0x07, 0x01, 0x08}},
	})
	main := metadata.NewToken(metadata.TableMethodDef, 1)
	img := open(t, peimagetest.Image{Metadata: md, Bodies: bodies, EntryPoint: main})

	assert.Equal(t, main, img.EntryPoint())
	require.NotNil(t, img.CLI)
	assert.Equal(t, uint16(2), img.CLI.MajorRuntimeVersion)

	tr, err := img.Translator()
	require.NoError(t, err)

	id, err := tr.Method(main)
	require.NoError(t, err)
	assert.Equal(t, "Main", id.Name)

	tests := []struct {
		rid  uint32
		want metadata.Token
	}{
		{1, localSig},
		{2, 0},
		{3, 0},
	}
	for _, tt := range tests {
		sig, err := tr.LocalSignature(metadata.NewToken(metadata.TableMethodDef, tt.rid))
		require.NoError(t, err)
		assert.Equal(t, tt.want, sig, "method %d", tt.rid)
	}

	_, err = img.LocalSignature(0x9000)
	assert.Error(t, err)
}

func TestOpenRejectsNonPE(t *testing.T) {
	_, err := peimage.Open(bytes.NewReader([]byte("not a portable executable, just text padding it out")))
	assert.Error(t, err)
}
