package pdb

import (
	"bytes"
	"fmt"
	"io"
	"sort"

	"github.com/jtang613/pdb2pdb/pkg/metadata"
	"github.com/jtang613/pdb2pdb/pkg/pdb/codeview"
	"github.com/jtang613/pdb2pdb/pkg/pdb/msf"
	"github.com/jtang613/pdb2pdb/pkg/pdb/streams"
)

// Reader reads the managed debug information of a Windows PDB file.
type Reader struct {
	msf        *msf.MSF
	info       *streams.PDBInfo
	dbi        *streams.DBIStream
	names      *streams.StringTable
	documents  []Document
	methods    []Method
	srcsrv     []byte
	sourceLink []byte
	types      uint32
	closer     io.Closer
}

// Open parses the PDB read from r. If r is an io.Closer it is closed by
// Close.
func Open(r io.ReaderAt) (*Reader, error) {
	m, err := msf.New(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotWindowsPdb, err)
	}
	p := &Reader{msf: m}
	if c, ok := r.(io.Closer); ok {
		p.closer = c
	}

	if err := p.readInfo(); err != nil {
		return nil, err
	}
	if err := p.readTypes(); err != nil {
		return nil, err
	}
	if err := p.readModules(); err != nil {
		return nil, err
	}
	if p.srcsrv, err = p.namedStream(SourceServerStream); err != nil {
		return nil, err
	}
	if p.sourceLink, err = p.namedStream(SourceLinkStream); err != nil {
		return nil, err
	}
	return p, nil
}

// OpenBytes parses a PDB held in memory.
func OpenBytes(data []byte) (*Reader, error) {
	return Open(bytes.NewReader(data))
}

func (p *Reader) readInfo() error {
	sr, err := p.msf.StreamReader(streams.StreamPDB)
	if err != nil {
		return fmt.Errorf("failed to open PDB info stream: %w", err)
	}
	if p.info, err = streams.ReadPDBInfo(sr); err != nil {
		return err
	}
	data, err := p.namedStream(streams.NamesStreamName)
	if err != nil {
		return err
	}
	if data != nil {
		if p.names, err = streams.ReadStringTable(data); err != nil {
			return err
		}
	} else {
		p.names = streams.NewStringTable()
	}
	return nil
}

// namedStream returns the contents of a named stream, or nil when the PDB
// has none by that name.
func (p *Reader) namedStream(name string) ([]byte, error) {
	idx, ok := p.info.NamedStreams[name]
	if !ok {
		return nil, nil
	}
	data, err := p.msf.ReadStream(int(idx))
	if err != nil {
		return nil, fmt.Errorf("failed to read stream %q: %w", name, err)
	}
	return data, nil
}

// readTypes validates the TPI stream header. Managed symbols never refer
// to type records, so only their count is kept.
func (p *Reader) readTypes() error {
	if p.msf.NumStreams() <= streams.StreamTPI {
		return nil
	}
	data, err := p.msf.ReadStream(streams.StreamTPI)
	if err != nil {
		return fmt.Errorf("failed to read TPI stream: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	h, err := streams.ReadTPIHeader(data)
	if err != nil {
		return err
	}
	p.types = h.NumTypes()
	return nil
}

func (p *Reader) readModules() error {
	if p.msf.NumStreams() <= streams.StreamDBI {
		return nil
	}
	data, err := p.msf.ReadStream(streams.StreamDBI)
	if err != nil {
		return fmt.Errorf("failed to read DBI stream: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	if p.dbi, err = streams.ReadDBIStream(data); err != nil {
		return err
	}

	lines := map[metadata.Token][]SequencePoint{}
	byToken := map[metadata.Token]*Method{}
	for i := range p.dbi.Modules {
		mod := &p.dbi.Modules[i]
		if !mod.HasSymbols() {
			continue
		}
		if err := p.readModule(mod, byToken, lines); err != nil {
			return fmt.Errorf("module %q: %w", mod.ModuleName, err)
		}
	}

	for tok, points := range lines {
		m, ok := byToken[tok]
		if !ok {
			m = &Method{Token: tok}
			byToken[tok] = m
		}
		m.SequencePoints = points
	}
	p.methods = make([]Method, 0, len(byToken))
	for _, m := range byToken {
		p.methods = append(p.methods, *m)
	}
	sort.Slice(p.methods, func(i, j int) bool { return p.methods[i].Token < p.methods[j].Token })
	return nil
}

func (p *Reader) readModule(mod *streams.ModuleInfo, byToken map[metadata.Token]*Method, lines map[metadata.Token][]SequencePoint) error {
	data, err := p.msf.ReadStream(int(mod.ModuleSymStream))
	if err != nil {
		return err
	}
	symEnd := uint64(mod.SymByteSize)
	c13Start := symEnd + uint64(mod.C11ByteSize)
	c13End := c13Start + uint64(mod.C13ByteSize)
	if symEnd < 4 || c13End > uint64(len(data)) {
		return fmt.Errorf("module stream of %d bytes too small for %d+%d+%d", len(data), mod.SymByteSize, mod.C11ByteSize, mod.C13ByteSize)
	}

	// Documents come from the line information so that checksum offsets
	// resolve before the symbols refer to them.
	c13, err := codeview.ParseC13(data[c13Start:c13End])
	if err != nil {
		return err
	}
	docs, err := p.readDocuments(c13)
	if err != nil {
		return err
	}
	for _, l := range c13.Lines {
		tok := metadata.Token(l.Offset)
		for _, b := range l.Blocks {
			doc, ok := docs[b.File]
			if !ok {
				return fmt.Errorf("line block refers to unknown file checksum %#x", b.File)
			}
			for _, ln := range b.Lines {
				lines[tok] = append(lines[tok], SequencePoint{
					Offset:      int(ln.Offset),
					Document:    doc,
					StartLine:   int(ln.StartLine),
					StartColumn: int(ln.StartColumn),
					EndLine:     int(ln.EndLine),
					EndColumn:   int(ln.EndColumn),
				})
			}
		}
	}

	syms, err := codeview.ParseSymbols(data[:symEnd])
	if err != nil {
		return err
	}
	return readMethods(syms, byToken)
}

// readDocuments adds the documents named by the checksum table in offset
// order and returns the document index of each checksum offset.
func (p *Reader) readDocuments(c13 *codeview.C13) (map[uint32]int, error) {
	offsets := make([]uint32, 0, len(c13.Checksums))
	for off := range c13.Checksums {
		offsets = append(offsets, off)
	}
	sort.Slice(offsets, func(i, j int) bool { return offsets[i] < offsets[j] })

	index := make(map[uint32]int, len(offsets))
	for _, off := range offsets {
		sum := c13.Checksums[off]
		name, err := p.names.String(sum.NameOffset)
		if err != nil {
			return nil, fmt.Errorf("file checksum %#x: %w", off, err)
		}
		doc := Document{
			Name:              name,
			ChecksumAlgorithm: checksumAlgorithm(sum.Kind),
			Checksum:          sum.Checksum,
		}
		extra, err := p.namedStream(sourceFileStream(name))
		if err != nil {
			return nil, err
		}
		if extra != nil {
			if err := decodeSourceFile(extra, &doc); err != nil {
				return nil, fmt.Errorf("document %q: %w", name, err)
			}
		}
		index[off] = len(p.documents)
		p.documents = append(p.documents, doc)
	}
	return index, nil
}

// readMethods walks the symbol records of a module, collecting each
// managed procedure with its scopes.
func readMethods(syms []codeview.SymbolRecord, byToken map[metadata.Token]*Method) error {
	var (
		method *Method
		stack  []*Scope
	)
	for _, s := range syms {
		switch s.Kind {
		case codeview.S_GMANPROC, codeview.S_LMANPROC:
			if method != nil {
				return fmt.Errorf("nested procedure at %#x", s.Offset)
			}
			proc, err := codeview.ParseManProcSym(s.Data)
			if err != nil {
				return err
			}
			method = &Method{Token: proc.Token, Name: proc.Name}
			method.Scope = &Scope{EndOffset: int(proc.Length)}
			stack = []*Scope{method.Scope}

		case codeview.S_BLOCK32:
			if method == nil {
				return fmt.Errorf("block outside procedure at %#x", s.Offset)
			}
			b, err := codeview.ParseBlockSym(s.Data)
			if err != nil {
				return err
			}
			child := &Scope{StartOffset: int(b.Offset), EndOffset: int(b.Offset + b.Length)}
			parent := stack[len(stack)-1]
			parent.Children = append(parent.Children, child)
			stack = append(stack, child)

		case codeview.S_END:
			if method == nil {
				return fmt.Errorf("unbalanced S_END at %#x", s.Offset)
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				if prev, ok := byToken[method.Token]; ok {
					return fmt.Errorf("duplicate procedure for %s", prev.Token)
				}
				byToken[method.Token] = method
				method = nil
			}

		case codeview.S_MANSLOT:
			if method == nil {
				continue
			}
			slot, err := codeview.ParseManSlotSym(s.Data)
			if err != nil {
				return err
			}
			var attrs uint16
			if slot.Flags&codeview.LocalCompGenerated != 0 {
				attrs |= LocalDebuggerHidden
			}
			top := stack[len(stack)-1]
			top.Locals = append(top.Locals, Local{Name: slot.Name, Slot: int(slot.Slot), Attributes: attrs})

		case codeview.S_MANCONSTANT:
			if method == nil {
				continue
			}
			c, err := codeview.ParseManConstantSym(s.Data)
			if err != nil {
				return err
			}
			top := stack[len(stack)-1]
			top.Constants = append(top.Constants, Constant{Name: c.Name, Signature: c.Token, Value: c.Value})

		case codeview.S_UNAMESPACE:
			if method != nil {
				method.Namespaces = append(method.Namespaces, codeview.ParseUNamespaceSym(s.Data))
			}

		case codeview.S_OEM:
			if method == nil {
				continue
			}
			oem, err := codeview.ParseOEMSym(s.Data)
			if err != nil {
				return err
			}
			if oem.Guid != codeview.OEMGuid {
				continue
			}
			switch oem.Name {
			case codeview.OEMCustomDebugInfo:
				method.CustomDebugInfo = oem.Data
			case codeview.OEMAsyncMethodInfo:
				if method.AsyncInfo, err = decodeAsyncInfo(oem.Data); err != nil {
					return fmt.Errorf("method %s: %w", method.Token, err)
				}
			}
		}
	}
	if method != nil {
		return fmt.Errorf("procedure %s is not terminated", method.Token)
	}
	return nil
}

func (p *Reader) Signature() Signature {
	return Signature{
		Guid:  metadata.GUIDFromBytes(p.info.GUID[:]),
		Stamp: p.info.Signature,
		Age:   int(p.info.Age),
	}
}

func (p *Reader) Documents() []Document {
	return p.documents
}

func (p *Reader) Methods() []Method {
	return p.methods
}

func (p *Reader) SourceServerData() []byte {
	return p.srcsrv
}

func (p *Reader) SourceLinkData() []byte {
	return p.sourceLink
}

// Info summarizes the file.
func (p *Reader) Info() Info {
	return Info{
		Signature:    p.Signature(),
		Streams:      p.msf.NumStreams(),
		NamedStreams: p.info.NamedStreams,
		Documents:    len(p.documents),
		Methods:      len(p.methods),
		TypeRecords:  p.types,
	}
}

// Modules describes the modules of the DBI stream.
func (p *Reader) Modules() []ModuleInfo {
	if p.dbi == nil {
		return nil
	}
	mods := make([]ModuleInfo, len(p.dbi.Modules))
	for i, m := range p.dbi.Modules {
		mods[i] = ModuleInfo{
			Name:        m.ModuleName,
			ObjectFile:  m.ObjFileName,
			Stream:      m.ModuleSymStream,
			SymbolBytes: m.SymByteSize,
			LineBytes:   m.C13ByteSize,
			SourceFiles: m.SourceFiles,
		}
	}
	return mods
}

// Close releases the underlying file, if Open was given one.
func (p *Reader) Close() error {
	if p.closer != nil {
		return p.closer.Close()
	}
	return nil
}
