package convert

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jtang613/pdb2pdb/pkg/diag"
	"github.com/jtang613/pdb2pdb/pkg/imports"
	"github.com/jtang613/pdb2pdb/pkg/metadata"
	"github.com/jtang613/pdb2pdb/pkg/pdb"
	"github.com/jtang613/pdb2pdb/pkg/peimage/peimagetest"
	"github.com/jtang613/pdb2pdb/pkg/portable"
	"github.com/jtang613/pdb2pdb/pkg/tokens"
	"github.com/jtang613/pdb2pdb/pkg/tokens/tokenstest"
)

var (
	testGuid  = uuid.MustParse("6a3f0e52-81c4-4f0e-b5d2-3c9a7e1b2d40")
	testStamp = uint32(0x62A1B3C4)
	localSig  = metadata.NewToken(metadata.TableStandAloneSig, 1)
)

func method(rid uint32) metadata.Token {
	return metadata.NewToken(metadata.TableMethodDef, rid)
}

// buildImage returns an image with two methods, Main and Helper, that
// references both a Portable and a Windows PDB with the test signature.
func buildImage(t *testing.T, cvs ...peimagetest.CodeView) []byte {
	t.Helper()
	md, bodies := tokenstest.Metadata(tokenstest.Image{
		Types: []tokenstest.Type{{Namespace: "App", Name: "Program", Methods: []tokenstest.Method{
			{Name: "Main", RVA: 0x2050, LocalSig: localSig},
			{Name: "Helper", RVA: 0x2080},
		}}},
		StandAloneSigs: [][]byte{
			{0x07, 0x01, 0x08},
			{0x06, 0x08},
		},
	})
	if cvs == nil {
		cvs = []peimagetest.CodeView{
			{Guid: testGuid, Age: 1, Path: "app.pdb", Stamp: testStamp, Portable: true},
			{Guid: testGuid, Age: 1, Path: "app.pdb", Stamp: testStamp},
		}
	}
	return peimagetest.Build(peimagetest.Image{
		Stamp:      testStamp,
		Metadata:   md,
		EntryPoint: method(1),
		Bodies:     bodies,
		CodeViews:  cvs,
	})
}

func samplePortable(t *testing.T) *portable.Pdb {
	t.Helper()
	constant, err := portable.NewConstant(portable.FieldType{Code: metadata.ElementTypeI4}, metadata.IntConstant(metadata.ElementTypeI4, 42), 0)
	require.NoError(t, err)
	blob, err := portable.EncodeConstant(constant)
	require.NoError(t, err)

	p := &portable.Pdb{
		Guid:       testGuid,
		Stamp:      testStamp,
		EntryPoint: method(1),
		Documents: []portable.Document{{
			Name:          `C:\src\Program.cs`,
			HashAlgorithm: portable.HashSHA256,
			Hash:          bytes.Repeat([]byte{0x5C}, 32),
			Language:      portable.LanguageCSharp,
		}},
		Methods: []portable.MethodDebugInfo{
			{LocalSignature: localSig, SequencePoints: []portable.SequencePoint{
				{Offset: 0, Document: 1, StartLine: 10, StartColumn: 9, EndLine: 10, EndColumn: 30},
				{Offset: 6, Document: 1, StartLine: 11, StartColumn: 9, EndLine: 11, EndColumn: 22},
			}},
			{SequencePoints: []portable.SequencePoint{
				{Offset: 0, Document: 1, StartLine: 20, StartColumn: 5, EndLine: 20, EndColumn: 6},
			}},
		},
		LocalScopes: []portable.LocalScope{{
			Method:      method(1),
			ImportScope: 2,
			StartOffset: 0,
			Length:      12,
			Variables:   []portable.LocalVariable{{Index: 0, Name: "count"}},
			Constants:   []portable.LocalConstant{{Name: "Answer", Signature: blob}},
		}},
		ImportScopes: []portable.ImportScope{
			{},
			{Parent: 1, Imports: []portable.Import{{Kind: imports.KindImportNamespace, Target: "System"}}},
		},
		CustomDebugInfo: []portable.CustomDebugInfo{{
			Parent: metadata.ModuleToken,
			Kind:   portable.KindSourceLink,
			Value:  []byte(`{"documents":{"C:\\src\\*":"https://example.com/app/*"}}`),
		}},
	}
	p.TypeSystemRowCounts[metadata.TableMethodDef] = 2
	p.TypeSystemRowCounts[metadata.TableStandAloneSig] = 2
	return p
}

func serialize(t *testing.T, p *portable.Pdb) []byte {
	t.Helper()
	data, err := p.Serialize()
	require.NoError(t, err)
	return data
}

func TestConvertRoundTrip(t *testing.T) {
	image := buildImage(t)
	src := samplePortable(t)

	c := New()
	var win bytes.Buffer
	require.NoError(t, c.Convert(bytes.NewReader(image), bytes.NewReader(serialize(t, src)), &win))
	assert.Equal(t, Done, c.State())
	assert.Empty(t, c.Diagnostics())

	r, err := pdb.OpenBytes(win.Bytes())
	require.NoError(t, err)
	assert.True(t, r.Signature().Matches(pdb.Signature{Guid: testGuid, Stamp: testStamp, Age: 1}))
	assert.Contains(t, string(r.SourceServerData()), "https://example.com/app/")
	methods := r.Methods()
	require.Len(t, methods, 2)
	assert.Equal(t, []string{"USystem"}, methods[0].Namespaces)
	require.NotNil(t, methods[0].Scope)
	assert.Equal(t, []pdb.Local{{Name: "count", Slot: 0}}, methods[0].Scope.Locals)
	require.NoError(t, r.Close())

	var back bytes.Buffer
	require.NoError(t, c.Convert(bytes.NewReader(image), bytes.NewReader(win.Bytes()), &back))
	assert.Empty(t, c.Diagnostics())

	p, err := portable.Read(back.Bytes())
	require.NoError(t, err)
	assert.Equal(t, testGuid, p.Guid)
	assert.Equal(t, testStamp, p.Stamp)
	assert.Equal(t, method(1), p.EntryPoint)
	assert.Equal(t, src.Documents, p.Documents)
	require.Len(t, p.Methods, 2)
	assert.Equal(t, src.Methods, p.Methods)

	// Every Windows method has a root scope, so Helper gains one.
	require.Len(t, p.LocalScopes, 2)
	assert.Equal(t, method(2), p.LocalScopes[1].Method)
	assert.Empty(t, p.LocalScopes[1].Variables)
	scope := p.LocalScopes[0]
	assert.Equal(t, method(1), scope.Method)
	assert.Equal(t, 12, scope.Length)
	assert.Equal(t, src.LocalScopes[0].Variables, scope.Variables)
	assert.Equal(t, src.LocalScopes[0].Constants, scope.Constants)

	require.Len(t, p.ImportScopes, len(src.ImportScopes))
	assert.Equal(t, src.LocalScopes[0].ImportScope, scope.ImportScope)
	is := p.ImportScopes[scope.ImportScope-1]
	assert.Equal(t, 1, is.Parent)
	assert.Equal(t, []portable.Import{{Kind: imports.KindImportNamespace, Target: "System"}}, is.Imports)
	assert.Equal(t, 1, p.LocalScopes[1].ImportScope)

	link, ok := p.FindCustomDebugInfo(metadata.ModuleToken, portable.KindSourceLink)
	require.True(t, ok)
	assert.Contains(t, string(link), "https://example.com/app/")
}

func TestConvertIsDeterministic(t *testing.T) {
	image := buildImage(t)
	symbols := serialize(t, samplePortable(t))

	var a, b bytes.Buffer
	require.NoError(t, New().Convert(bytes.NewReader(image), bytes.NewReader(symbols), &a))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, New().Convert(bytes.NewReader(image), bytes.NewReader(symbols), &b))
	assert.Equal(t, a.Bytes(), b.Bytes())

	var pa, pb bytes.Buffer
	require.NoError(t, New().Convert(bytes.NewReader(image), bytes.NewReader(a.Bytes()), &pa))
	require.NoError(t, New().Convert(bytes.NewReader(image), bytes.NewReader(a.Bytes()), &pb))
	assert.Equal(t, pa.Bytes(), pb.Bytes())
}

func TestSuppressSourceLinkConversion(t *testing.T) {
	image := buildImage(t)
	src := samplePortable(t)

	var win bytes.Buffer
	c := New(WithSuppressSourceLinkConversion(true))
	require.NoError(t, c.ToWindows(bytes.NewReader(image), src, &win))

	r, err := pdb.OpenBytes(win.Bytes())
	require.NoError(t, err)
	assert.Nil(t, r.SourceServerData())
	assert.Equal(t, src.CustomDebugInfo[0].Value, r.SourceLinkData())
}

func TestSourceServerVariable(t *testing.T) {
	image := buildImage(t)

	var win bytes.Buffer
	c := New(WithSourceServerVariable("SRCSRVTRG", "%targ%"))
	require.NoError(t, c.ToWindows(bytes.NewReader(image), samplePortable(t), &win))

	r, err := pdb.OpenBytes(win.Bytes())
	require.NoError(t, err)
	assert.Contains(t, string(r.SourceServerData()), "SRCSRVTRG=%targ%")
}

func TestInvalidScopeIsReported(t *testing.T) {
	image := buildImage(t)
	src := samplePortable(t)
	src.LocalScopes = append(src.LocalScopes, portable.LocalScope{
		Method:      method(2),
		StartOffset: 8,
		Length:      -4,
		Variables:   []portable.LocalVariable{{Index: 0, Name: "lost"}},
	})

	c := New()
	var win bytes.Buffer
	require.NoError(t, c.ToWindows(bytes.NewReader(image), src, &win))
	require.Len(t, c.Diagnostics(), 1)
	d := c.Diagnostics()[0]
	assert.Equal(t, diag.InvalidScopeRange, d.Id)
	assert.Equal(t, method(2), d.Token)

	r, err := pdb.OpenBytes(win.Bytes())
	require.NoError(t, err)
	methods := r.Methods()
	require.Len(t, methods, 2)
	assert.NotEmpty(t, methods[0].Scope.Locals)
	require.NotNil(t, methods[1].Scope)
	assert.Empty(t, methods[1].Scope.Locals)
	assert.Len(t, methods[1].SequencePoints, 1)
}

func TestChecksumSizeMismatch(t *testing.T) {
	image := buildImage(t)
	src := samplePortable(t)
	src.Documents[0].Hash = src.Documents[0].Hash[:20]

	c := New()
	var win bytes.Buffer
	require.NoError(t, c.ToWindows(bytes.NewReader(image), src, &win))
	assert.True(t, hasDiagnostic(c.Diagnostics(), diag.ChecksumSizeMismatch))

	r, err := pdb.OpenBytes(win.Bytes())
	require.NoError(t, err)
	require.Len(t, r.Documents(), 1)
	assert.Nil(t, r.Documents()[0].Checksum)
}

func TestSignatureMismatch(t *testing.T) {
	image := buildImage(t, peimagetest.CodeView{Guid: uuid.New(), Age: 1, Stamp: testStamp, Portable: true})
	c := New()
	var out bytes.Buffer
	err := c.Convert(bytes.NewReader(image), bytes.NewReader(serialize(t, samplePortable(t))), &out)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSignatureMismatch)
	assert.Equal(t, Failed, c.State())
	assert.Zero(t, out.Len())

	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, PhaseRead, e.Phase)
}

func TestUnrecognizedSymbols(t *testing.T) {
	image := buildImage(t)
	err := New().Convert(bytes.NewReader(image), bytes.NewReader([]byte("not a pdb at all")), &bytes.Buffer{})
	assert.ErrorIs(t, err, ErrUnrecognizedFormat)
}

func TestMissingCapabilities(t *testing.T) {
	image := buildImage(t)
	c := New()
	assert.ErrorIs(t, c.ToPortable(bytes.NewReader(image), nil, &bytes.Buffer{}), ErrNoCapability)
	assert.ErrorIs(t, c.ToWindows(nil, samplePortable(t), &bytes.Buffer{}), ErrNoCapability)

	failing := WithWindowsWriter(func(md tokens.Translator) (pdb.SymWriter, error) {
		return nil, errors.New("unavailable")
	})
	c = New(failing)
	err := c.ToWindows(bytes.NewReader(image), samplePortable(t), &bytes.Buffer{})
	assert.ErrorIs(t, err, ErrNoCapability)
}

func TestEmbeddedPortablePdb(t *testing.T) {
	md, bodies := tokenstest.Metadata(tokenstest.Image{
		Types: []tokenstest.Type{{Namespace: "App", Name: "Program", Methods: []tokenstest.Method{
			{Name: "Main", RVA: 0x2050, LocalSig: localSig},
			{Name: "Helper", RVA: 0x2080},
		}}},
		StandAloneSigs: [][]byte{{0x07, 0x01, 0x08}, {0x06, 0x08}},
	})
	symbols := serialize(t, samplePortable(t))
	image := peimagetest.Build(peimagetest.Image{
		Metadata:    md,
		Bodies:      bodies,
		CodeViews:   []peimagetest.CodeView{{Guid: testGuid, Age: 1, Stamp: testStamp, Portable: true}},
		EmbeddedPdb: symbols,
	})

	var extracted bytes.Buffer
	require.NoError(t, Extract(bytes.NewReader(image), &extracted))
	assert.Equal(t, symbols, extracted.Bytes())

	var win bytes.Buffer
	require.NoError(t, New().Convert(bytes.NewReader(image), nil, &win))
	_, err := pdb.OpenBytes(win.Bytes())
	assert.NoError(t, err)
}

func TestBatch(t *testing.T) {
	image := buildImage(t)
	symbols := serialize(t, samplePortable(t))

	var good, bad bytes.Buffer
	results, err := Batch(context.Background(), []Job{
		{Name: "good", Image: bytes.NewReader(image), Symbols: bytes.NewReader(symbols), Out: &good},
		{Name: "bad", Image: bytes.NewReader(image), Symbols: bytes.NewReader([]byte("junk")), Out: &bad},
	}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "good", results[0].Name)
	assert.NoError(t, results[0].Err)
	assert.NotZero(t, good.Len())
	assert.ErrorIs(t, results[1].Err, ErrUnrecognizedFormat)
}

func TestBatchCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Batch(ctx, []Job{{Name: "skipped", Image: bytes.NewReader(nil), Out: &bytes.Buffer{}}}, 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func hasDiagnostic(ds []diag.Diagnostic, id diag.Id) bool {
	for _, d := range ds {
		if d.Id == id {
			return true
		}
	}
	return false
}
