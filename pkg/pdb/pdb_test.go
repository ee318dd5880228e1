package pdb

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jtang613/pdb2pdb/pkg/metadata"
	"github.com/jtang613/pdb2pdb/pkg/portable"
	"github.com/jtang613/pdb2pdb/pkg/tokens/tokenstest"
)

var testSig = Signature{
	Guid:  uuid.MustParse("0f5e1c77-7a08-4c1f-9a2b-1d2f9c3e4b5a"),
	Stamp: 0x5F3E2D1C,
	Age:   1,
}

func method(i uint32) metadata.Token {
	return metadata.NewToken(metadata.TableMethodDef, i)
}

func writeSample(t *testing.T) []byte {
	t.Helper()
	md, _ := tokenstest.Build(tokenstest.Image{
		Types: []tokenstest.Type{{Namespace: "App", Name: "Program", Methods: []tokenstest.Method{
			{Name: "Main", RVA: 0x2050},
			{Name: "MoveNext", RVA: 0x2080},
		}}},
	})

	w := NewWriter(md)
	cs, err := w.DefineDocument(Document{
		Name:              `C:\src\Program.cs`,
		Language:          portable.LanguageCSharp,
		LanguageVendor:    LanguageVendorMicrosoft,
		DocumentType:      DocumentTypeText,
		ChecksumAlgorithm: portable.HashSHA256,
		Checksum:          bytes.Repeat([]byte{0xAB}, 32),
	})
	require.NoError(t, err)
	gen, err := w.DefineDocument(Document{Name: `C:\src\Gen.cs`, Language: portable.LanguageCSharp})
	require.NoError(t, err)

	sig := metadata.NewToken(metadata.TableStandAloneSig, 1)
	require.NoError(t, w.OpenMethod(method(1)))
	require.NoError(t, w.UsingNamespace("USystem"))
	require.NoError(t, w.OpenScope(0))
	require.NoError(t, w.DefineLocal(Local{Name: "args2", Slot: 0}))
	require.NoError(t, w.OpenScope(2))
	require.NoError(t, w.DefineLocal(Local{Name: "tmp", Slot: 1, Attributes: LocalDebuggerHidden}))
	require.NoError(t, w.DefineConstant(Constant{Name: "Big", Signature: sig, Value: metadata.IntConstant(metadata.ElementTypeI8, 1<<40)}))
	require.NoError(t, w.CloseScope(8))
	require.NoError(t, w.CloseScope(16))
	require.NoError(t, w.DefineSequencePoints([]SequencePoint{
		{Offset: 0, Document: cs, StartLine: 3, StartColumn: 5, EndLine: 3, EndColumn: 20},
		{Offset: 4, Document: gen, StartLine: HiddenLine, EndLine: HiddenLine},
		{Offset: 8, Document: cs, StartLine: 4, StartColumn: 9, EndLine: 6, EndColumn: 10},
	}))
	require.NoError(t, w.DefineCustomDebugInfo([]byte{4, 0, 0, 0}))
	require.NoError(t, w.CloseMethod())

	require.NoError(t, w.OpenMethod(method(2)))
	require.NoError(t, w.DefineAsyncInfo(AsyncInfo{
		KickoffMethod:      method(1),
		CatchHandlerOffset: -1,
		Steps:              []AsyncStep{{YieldOffset: 10, ResumeOffset: 20, ResumeMethod: method(2)}},
	}))
	require.NoError(t, w.CloseMethod())

	require.NoError(t, w.SetSourceLinkData([]byte(`{"documents":{}}`)))

	var buf bytes.Buffer
	require.NoError(t, w.Commit(&buf, testSig))
	return buf.Bytes()
}

func TestWriterReaderRoundTrip(t *testing.T) {
	r, err := OpenBytes(writeSample(t))
	require.NoError(t, err)
	defer r.Close()

	assert.True(t, testSig.Matches(r.Signature()))
	assert.Equal(t, []byte(`{"documents":{}}`), r.SourceLinkData())
	assert.Nil(t, r.SourceServerData())

	docs := r.Documents()
	require.Len(t, docs, 2)
	assert.Equal(t, `C:\src\Program.cs`, docs[0].Name)
	assert.Equal(t, portable.LanguageCSharp, docs[0].Language)
	assert.Equal(t, LanguageVendorMicrosoft, docs[0].LanguageVendor)
	assert.Equal(t, portable.HashSHA256, docs[0].ChecksumAlgorithm)
	assert.Len(t, docs[0].Checksum, 32)
	assert.Equal(t, uuid.Nil, docs[1].ChecksumAlgorithm)

	methods := r.Methods()
	require.Len(t, methods, 2)

	main := methods[0]
	assert.Equal(t, method(1), main.Token)
	assert.Equal(t, "Main", main.Name)
	assert.Equal(t, []string{"USystem"}, main.Namespaces)
	assert.Equal(t, []byte{4, 0, 0, 0}, main.CustomDebugInfo[:4])

	require.NotNil(t, main.Scope)
	assert.Equal(t, 16, main.Scope.EndOffset)
	assert.Equal(t, []Local{{Name: "args2", Slot: 0}}, main.Scope.Locals)
	require.Len(t, main.Scope.Children, 1)
	inner := main.Scope.Children[0]
	assert.Equal(t, 2, inner.StartOffset)
	assert.Equal(t, 8, inner.EndOffset)
	assert.Equal(t, []Local{{Name: "tmp", Slot: 1, Attributes: LocalDebuggerHidden}}, inner.Locals)
	require.Len(t, inner.Constants, 1)
	assert.Equal(t, int64(1<<40), inner.Constants[0].Value.Int64())

	require.Len(t, main.SequencePoints, 3)
	assert.Equal(t, SequencePoint{Offset: 0, Document: 0, StartLine: 3, StartColumn: 5, EndLine: 3, EndColumn: 20}, main.SequencePoints[0])
	assert.True(t, main.SequencePoints[1].IsHidden())
	assert.Equal(t, 1, main.SequencePoints[1].Document)
	assert.Equal(t, 6, main.SequencePoints[2].EndLine)

	next := methods[1]
	assert.Equal(t, "MoveNext", next.Name)
	require.NotNil(t, next.AsyncInfo)
	assert.Equal(t, method(1), next.AsyncInfo.KickoffMethod)
	assert.Equal(t, -1, next.AsyncInfo.CatchHandlerOffset)
	assert.Equal(t, []AsyncStep{{YieldOffset: 10, ResumeOffset: 20, ResumeMethod: method(2)}}, next.AsyncInfo.Steps)

	mods := r.Modules()
	require.Len(t, mods, 1)
	assert.Equal(t, []string{`C:\src\Program.cs`, `C:\src\Gen.cs`}, mods[0].SourceFiles)
	assert.Equal(t, 2, r.Info().Methods)
	assert.Zero(t, r.Info().TypeRecords)
}

func TestWriterIsDeterministic(t *testing.T) {
	assert.Equal(t, writeSample(t), writeSample(t))
}

func TestWriterState(t *testing.T) {
	w := NewWriter(nil)
	assert.ErrorIs(t, w.CloseMethod(), ErrWriterState)
	assert.ErrorIs(t, w.OpenScope(0), ErrWriterState)
	assert.ErrorIs(t, w.OpenMethod(metadata.NewToken(metadata.TableTypeDef, 1)), ErrWriterState)

	require.NoError(t, w.OpenMethod(method(1)))
	assert.ErrorIs(t, w.OpenMethod(method(2)), ErrWriterState)
	assert.ErrorIs(t, w.DefineLocal(Local{Name: "x"}), ErrWriterState)
	assert.ErrorIs(t, w.DefineSequencePoints([]SequencePoint{{Document: 0}}), ErrWriterState)
	require.NoError(t, w.OpenScope(4))
	assert.ErrorIs(t, w.CloseScope(2), ErrWriterState)
	require.NoError(t, w.CloseScope(6))
	assert.ErrorIs(t, w.OpenScope(0), ErrWriterState)
	assert.ErrorIs(t, w.Commit(&bytes.Buffer{}, testSig), ErrWriterState)
	require.NoError(t, w.CloseMethod())

	require.NoError(t, w.Commit(&bytes.Buffer{}, testSig))
	assert.ErrorIs(t, w.OpenMethod(method(1)), ErrWriterState)
}

func TestOpenRejectsNonPdb(t *testing.T) {
	_, err := OpenBytes([]byte("BSJB not an MSF file at all"))
	assert.ErrorIs(t, err, ErrNotWindowsPdb)
}

func TestAsyncInfoTruncated(t *testing.T) {
	b := encodeAsyncInfo(AsyncInfo{CatchHandlerOffset: 7, Steps: make([]AsyncStep, 2)})
	info, err := decodeAsyncInfo(b)
	require.NoError(t, err)
	assert.Equal(t, 7, info.CatchHandlerOffset)
	_, err = decodeAsyncInfo(b[:len(b)-1])
	assert.Error(t, err)
}
