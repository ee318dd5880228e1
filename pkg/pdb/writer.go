package pdb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/jtang613/pdb2pdb/pkg/metadata"
	"github.com/jtang613/pdb2pdb/pkg/pdb/codeview"
	"github.com/jtang613/pdb2pdb/pkg/pdb/msf"
	"github.com/jtang613/pdb2pdb/pkg/pdb/streams"
	"github.com/jtang613/pdb2pdb/pkg/portable"
	"github.com/jtang613/pdb2pdb/pkg/tokens"
)

// moduleName names the single module of PDBs produced by Writer.
const moduleName = "Managed"

const sourceFileVersion = 1

// Writer builds a Windows PDB in memory and serializes it on Commit.
type Writer struct {
	md         tokens.Translator
	documents  []Document
	methods    []*Method
	cur        *Method
	open       []*Scope
	srcsrv     []byte
	sourceLink []byte
	done       bool
}

// NewWriter returns a writer that names procedures through md.
func NewWriter(md tokens.Translator) *Writer {
	if md == nil {
		md = tokens.Unavailable{}
	}
	return &Writer{md: md}
}

// DefaultWriterFactory creates Writers.
var DefaultWriterFactory WriterFactory = func(md tokens.Translator) (SymWriter, error) {
	return NewWriter(md), nil
}

func (w *Writer) state(inMethod bool) error {
	switch {
	case w.done:
		return fmt.Errorf("%w: writer already committed", ErrWriterState)
	case inMethod && w.cur == nil:
		return fmt.Errorf("%w: no open method", ErrWriterState)
	case !inMethod && w.cur != nil:
		return fmt.Errorf("%w: method %s still open", ErrWriterState, w.cur.Token)
	}
	return nil
}

func (w *Writer) DefineDocument(doc Document) (int, error) {
	if w.done {
		return 0, w.state(false)
	}
	w.documents = append(w.documents, doc)
	return len(w.documents) - 1, nil
}

func (w *Writer) OpenMethod(token metadata.Token) error {
	if err := w.state(false); err != nil {
		return err
	}
	if token.Table() != metadata.TableMethodDef || token.IsNil() {
		return fmt.Errorf("%w: %s is not a method", ErrWriterState, token)
	}
	w.cur = &Method{Token: token}
	if id, err := w.md.Method(token); err == nil {
		w.cur.Name = id.Name
	}
	return nil
}

func (w *Writer) CloseMethod() error {
	if err := w.state(true); err != nil {
		return err
	}
	if len(w.open) > 0 {
		return fmt.Errorf("%w: %d scopes open in %s", ErrWriterState, len(w.open), w.cur.Token)
	}
	w.methods = append(w.methods, w.cur)
	w.cur = nil
	return nil
}

func (w *Writer) OpenScope(startOffset int) error {
	if err := w.state(true); err != nil {
		return err
	}
	s := &Scope{StartOffset: startOffset}
	if len(w.open) == 0 {
		if w.cur.Scope != nil {
			return fmt.Errorf("%w: second root scope in %s", ErrWriterState, w.cur.Token)
		}
		w.cur.Scope = s
	} else {
		parent := w.open[len(w.open)-1]
		parent.Children = append(parent.Children, s)
	}
	w.open = append(w.open, s)
	return nil
}

func (w *Writer) CloseScope(endOffset int) error {
	if err := w.state(true); err != nil {
		return err
	}
	if len(w.open) == 0 {
		return fmt.Errorf("%w: no open scope", ErrWriterState)
	}
	s := w.open[len(w.open)-1]
	if endOffset < s.StartOffset {
		return fmt.Errorf("%w: scope [%d, %d) is inverted", ErrWriterState, s.StartOffset, endOffset)
	}
	s.EndOffset = endOffset
	w.open = w.open[:len(w.open)-1]
	return nil
}

func (w *Writer) innermost() (*Scope, error) {
	if err := w.state(true); err != nil {
		return nil, err
	}
	if len(w.open) == 0 {
		return nil, fmt.Errorf("%w: no open scope", ErrWriterState)
	}
	return w.open[len(w.open)-1], nil
}

func (w *Writer) DefineLocal(local Local) error {
	s, err := w.innermost()
	if err != nil {
		return err
	}
	s.Locals = append(s.Locals, local)
	return nil
}

func (w *Writer) DefineConstant(c Constant) error {
	s, err := w.innermost()
	if err != nil {
		return err
	}
	s.Constants = append(s.Constants, c)
	return nil
}

func (w *Writer) UsingNamespace(ns string) error {
	if err := w.state(true); err != nil {
		return err
	}
	w.cur.Namespaces = append(w.cur.Namespaces, ns)
	return nil
}

func (w *Writer) DefineSequencePoints(points []SequencePoint) error {
	if err := w.state(true); err != nil {
		return err
	}
	for _, p := range points {
		if p.Document < 0 || p.Document >= len(w.documents) {
			return fmt.Errorf("%w: sequence point refers to document %d of %d", ErrWriterState, p.Document, len(w.documents))
		}
	}
	w.cur.SequencePoints = append(w.cur.SequencePoints, points...)
	return nil
}

func (w *Writer) DefineCustomDebugInfo(blob []byte) error {
	if err := w.state(true); err != nil {
		return err
	}
	w.cur.CustomDebugInfo = blob
	return nil
}

func (w *Writer) DefineAsyncInfo(info AsyncInfo) error {
	if err := w.state(true); err != nil {
		return err
	}
	w.cur.AsyncInfo = &info
	return nil
}

func (w *Writer) SetSourceServerData(data []byte) error {
	if w.done {
		return w.state(false)
	}
	w.srcsrv = data
	return nil
}

func (w *Writer) SetSourceLinkData(data []byte) error {
	if w.done {
		return w.state(false)
	}
	w.sourceLink = data
	return nil
}

func (w *Writer) Close() error {
	w.done = true
	w.documents, w.methods, w.cur, w.open = nil, nil, nil, nil
	return nil
}

// Commit lays out the PDB: the info, TPI, DBI and IPI streams, one module
// stream holding every method, then the named streams.
func (w *Writer) Commit(dst io.Writer, sig Signature) error {
	if err := w.state(false); err != nil {
		return err
	}
	w.done = true

	names := streams.NewStringTable()
	var lines codeview.C13Writer
	files := make([]uint32, len(w.documents))
	for i, d := range w.documents {
		off, err := lines.AddFile(names.Add(d.Name), checksumKind(d.ChecksumAlgorithm), d.Checksum)
		if err != nil {
			return fmt.Errorf("document %q: %w", d.Name, err)
		}
		files[i] = off
	}

	syms := codeview.NewSymbolWriter()
	for _, m := range w.methods {
		if err := writeMethod(syms, &lines, m, files); err != nil {
			return fmt.Errorf("method %s: %w", m.Token, err)
		}
	}
	symBytes, err := syms.Bytes()
	if err != nil {
		return err
	}
	c13 := lines.Bytes()

	mw, err := msf.NewWriter(msf.DefaultBlockSize)
	if err != nil {
		return err
	}
	mw.SetStream(streams.StreamIPI, streams.EmptyTPIStream())
	mw.SetStream(streams.StreamTPI, streams.EmptyTPIStream())
	module := mw.AddStream(append(append([]byte(nil), symBytes...), c13...))

	info := &streams.PDBInfo{
		Version:      streams.PDBStreamVersionVC70,
		Signature:    sig.Stamp,
		Age:          uint32(sig.Age),
		GUID:         metadata.GUIDBytes(sig.Guid),
		NamedStreams: map[string]uint32{},
	}
	info.NamedStreams[streams.NamesStreamName] = uint32(mw.AddStream(names.Bytes()))
	if w.srcsrv != nil {
		info.NamedStreams[SourceServerStream] = uint32(mw.AddStream(w.srcsrv))
	}
	if w.sourceLink != nil {
		info.NamedStreams[SourceLinkStream] = uint32(mw.AddStream(w.sourceLink))
	}
	for _, d := range w.documents {
		name := sourceFileStream(d.Name)
		if _, dup := info.NamedStreams[name]; !dup {
			info.NamedStreams[name] = uint32(mw.AddStream(encodeSourceFile(d)))
		}
	}
	mw.SetStream(streams.StreamPDB, info.Bytes())

	sources := make([]string, len(w.documents))
	for i, d := range w.documents {
		sources[i] = d.Name
	}
	dbi := &streams.DBIBuilder{
		Age: uint32(sig.Age),
		Modules: []streams.ModuleInfo{{
			ModuleSymStream: uint16(module),
			SymByteSize:     uint32(len(symBytes)),
			C13ByteSize:     uint32(len(c13)),
			ModuleName:      moduleName,
			ObjFileName:     moduleName,
			SourceFiles:     sources,
		}},
	}
	mw.SetStream(streams.StreamDBI, dbi.Bytes())

	_, err = mw.WriteTo(dst)
	return err
}

func writeMethod(syms *codeview.SymbolWriter, lines *codeview.C13Writer, m *Method, files []uint32) error {
	length := 0
	if m.Scope != nil {
		length = m.Scope.EndOffset
	}
	for _, p := range m.SequencePoints {
		length = max(length, p.Offset+1)
	}

	syms.ManProc(true, m.Token, uint32(length), m.Name)
	for _, ns := range m.Namespaces {
		syms.UsingNamespace(ns)
	}
	if m.Scope != nil {
		if err := writeLocals(syms, m.Scope); err != nil {
			return err
		}
		for _, c := range m.Scope.Children {
			if err := writeScope(syms, c); err != nil {
				return err
			}
		}
	}
	if m.CustomDebugInfo != nil {
		if err := syms.OEM(codeview.OEMGuid, codeview.OEMCustomDebugInfo, m.CustomDebugInfo); err != nil {
			return err
		}
	}
	if m.AsyncInfo != nil {
		if err := syms.OEM(codeview.OEMGuid, codeview.OEMAsyncMethodInfo, encodeAsyncInfo(*m.AsyncInfo)); err != nil {
			return err
		}
	}
	if err := syms.End(); err != nil {
		return err
	}

	if len(m.SequencePoints) > 0 {
		l := codeview.Lines{Offset: uint32(m.Token), CodeSize: uint32(length)}
		for _, p := range m.SequencePoints {
			if n := len(l.Blocks); n == 0 || l.Blocks[n-1].File != files[p.Document] {
				l.Blocks = append(l.Blocks, codeview.LineBlock{File: files[p.Document]})
			}
			b := &l.Blocks[len(l.Blocks)-1]
			b.Lines = append(b.Lines, codeview.Line{
				Offset:      uint32(p.Offset),
				StartLine:   uint32(p.StartLine),
				EndLine:     uint32(p.EndLine),
				StartColumn: uint16(p.StartColumn),
				EndColumn:   uint16(p.EndColumn),
				Statement:   !p.IsHidden(),
			})
		}
		lines.AddLines(l)
	}
	return nil
}

func writeScope(syms *codeview.SymbolWriter, s *Scope) error {
	syms.Block(uint32(s.StartOffset), uint32(s.EndOffset-s.StartOffset))
	if err := writeLocals(syms, s); err != nil {
		return err
	}
	for _, c := range s.Children {
		if err := writeScope(syms, c); err != nil {
			return err
		}
	}
	return syms.End()
}

func writeLocals(syms *codeview.SymbolWriter, s *Scope) error {
	for _, l := range s.Locals {
		var flags uint16
		if l.Attributes&LocalDebuggerHidden != 0 {
			flags |= codeview.LocalCompGenerated
		}
		syms.ManSlot(uint32(l.Slot), flags, l.Name)
	}
	for _, c := range s.Constants {
		if err := syms.ManConstant(c.Signature, c.Value, c.Name); err != nil {
			return err
		}
	}
	return nil
}

func checksumKind(alg uuid.UUID) uint8 {
	switch alg {
	case HashMD5:
		return codeview.ChecksumMD5
	case portable.HashSHA1:
		return codeview.ChecksumSHA1
	case portable.HashSHA256:
		return codeview.ChecksumSHA256
	}
	return codeview.ChecksumNone
}

func checksumAlgorithm(kind uint8) uuid.UUID {
	switch kind {
	case codeview.ChecksumMD5:
		return HashMD5
	case codeview.ChecksumSHA1:
		return portable.HashSHA1
	case codeview.ChecksumSHA256:
		return portable.HashSHA256
	}
	return uuid.Nil
}

func sourceFileStream(name string) string {
	return sourceFilesPrefix + strings.ToLower(name)
}

// encodeSourceFile serializes the document GUIDs kept in the
// /src/files/<name> stream.
func encodeSourceFile(d Document) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(sourceFileVersion))
	for _, g := range []uuid.UUID{d.Language, d.LanguageVendor, d.DocumentType, d.ChecksumAlgorithm} {
		b := metadata.GUIDBytes(g)
		buf.Write(b[:])
	}
	return buf.Bytes()
}

func decodeSourceFile(data []byte, d *Document) error {
	if len(data) < 4+4*16 || binary.LittleEndian.Uint32(data) != sourceFileVersion {
		return fmt.Errorf("unrecognized source file stream of %d bytes", len(data))
	}
	for i, g := range []*uuid.UUID{&d.Language, &d.LanguageVendor, &d.DocumentType, &d.ChecksumAlgorithm} {
		*g = metadata.GUIDFromBytes(data[4+16*i : 20+16*i])
	}
	return nil
}
