package portable

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/jtang613/pdb2pdb/pkg/imports"
	"github.com/jtang613/pdb2pdb/pkg/metadata"
)

// sortedTables are emitted in key order and flagged as sorted.
const sortedTables = 1<<metadata.TableLocalScope |
	1<<metadata.TableStateMachineMethod |
	1<<metadata.TableCustomDebugInformation

// Serialize encodes the PDB. Heaps are interned in row order and sorted
// tables are ordered by key with ties kept in input order, so equal
// values always produce identical bytes. p is not modified.
func (p *Pdb) Serialize() ([]byte, error) {
	h := metadata.NewHeapBuilder()
	b := metadata.NewTableBuilder()

	for _, d := range p.Documents {
		name := h.AddBlob(encodeDocumentName(d.Name, h))
		b.AddRow(metadata.TableDocument,
			name, h.AddGUID(d.HashAlgorithm), h.AddBlob(d.Hash), h.AddGUID(d.Language))
	}

	for i, m := range p.Methods {
		for _, sp := range m.SequencePoints {
			if sp.Document > len(p.Documents) {
				return nil, invalidPoints("method %d refers to document %d of %d", i+1, sp.Document, len(p.Documents))
			}
		}
		doc, blob, err := EncodeSequencePoints(m.LocalSignature, m.SequencePoints)
		if err != nil {
			return nil, fmt.Errorf("method %d: %w", i+1, err)
		}
		b.AddRow(metadata.TableMethodDebugInformation, uint32(doc), h.AddBlob(blob))
	}

	scopes, variables, constants := p.sortScopes()
	for _, s := range scopes {
		src := p.LocalScopes[s]
		b.AddRow(metadata.TableLocalScope,
			src.Method.RID(),
			uint32(src.ImportScope),
			b.RowCount(metadata.TableLocalVariable)+1,
			b.RowCount(metadata.TableLocalConstant)+1,
			uint32(src.StartOffset),
			uint32(src.Length))
		for _, v := range src.Variables {
			b.AddRow(metadata.TableLocalVariable, uint32(v.Attributes), uint32(v.Index), h.AddString(v.Name))
		}
		for _, c := range src.Constants {
			b.AddRow(metadata.TableLocalConstant, h.AddString(c.Name), h.AddBlob(c.Signature))
		}
	}

	for i, s := range p.ImportScopes {
		blob, err := encodeImports(s.Imports, h)
		if err != nil {
			return nil, fmt.Errorf("import scope %d: %w", i+1, err)
		}
		b.AddRow(metadata.TableImportScope, uint32(s.Parent), h.AddBlob(blob))
	}

	machines := append([]StateMachineMethod(nil), p.StateMachineMethods...)
	sort.SliceStable(machines, func(i, j int) bool {
		return machines[i].MoveNext.RID() < machines[j].MoveNext.RID()
	})
	for _, sm := range machines {
		b.AddRow(metadata.TableStateMachineMethod, sm.MoveNext.RID(), sm.Kickoff.RID())
	}

	type cdiRow struct {
		parent uint32
		cdi    CustomDebugInfo
	}
	rows := make([]cdiRow, 0, len(p.CustomDebugInfo))
	for _, c := range p.CustomDebugInfo {
		parent := remapParent(c.Parent, scopes, variables, constants)
		coded, ok := metadata.HasCustomDebugInformation.Encode(parent)
		if !ok {
			return nil, fmt.Errorf("custom debug information parent %s cannot be encoded", c.Parent)
		}
		rows = append(rows, cdiRow{parent: coded, cdi: c})
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].parent < rows[j].parent })
	for _, r := range rows {
		b.AddRow(metadata.TableCustomDebugInformation, r.parent, h.AddGUID(r.cdi.Kind), h.AddBlob(r.cdi.Value))
	}

	var referenced uint64
	for i, n := range p.TypeSystemRowCounts {
		if n != 0 && metadata.TypeSystemTablesMask&(1<<uint(i)) != 0 {
			referenced |= 1 << uint(i)
			b.SetExternalRowCount(metadata.Table(i), n)
		}
	}
	b.MarkSorted(sortedTables)

	heaps := h.Heaps()
	streams := []metadata.Stream{
		{Name: "#Pdb", Data: p.pdbStream(referenced)},
		{Name: "#~", Data: b.Serialize(heaps)},
		{Name: "#Strings", Data: heaps.Strings},
		{Name: "#US", Data: []byte{0, 0, 0, 0}},
		{Name: "#GUID", Data: heaps.GUIDs},
		{Name: "#Blob", Data: heaps.Blobs},
	}
	return metadata.WriteRoot(MetadataVersion, streams), nil
}

func (p *Pdb) pdbStream(referenced uint64) []byte {
	w := metadata.NewBlobWriter()
	id := p.ID()
	w.Write(id[:])
	w.Uint32(uint32(p.EntryPoint))
	w.Uint64(referenced)
	for i, n := range p.TypeSystemRowCounts {
		if referenced&(1<<uint(i)) != 0 {
			w.Uint32(n)
		}
	}
	return w.Bytes()
}

// sortScopes orders scopes by method, then start offset, then decreasing
// length so outer scopes precede the scopes they contain. It returns the
// source index of each emitted scope and, for variables and constants, the
// emitted row of each source row.
func (p *Pdb) sortScopes() (order []int, variables, constants map[uint32]uint32) {
	order = make([]int, len(p.LocalScopes))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		a, b := p.LocalScopes[order[i]], p.LocalScopes[order[j]]
		if a.Method.RID() != b.Method.RID() {
			return a.Method.RID() < b.Method.RID()
		}
		if a.StartOffset != b.StartOffset {
			return a.StartOffset < b.StartOffset
		}
		return a.Length > b.Length
	})

	varStart := make([]uint32, len(p.LocalScopes))
	constStart := make([]uint32, len(p.LocalScopes))
	var nv, nc uint32
	for i, s := range p.LocalScopes {
		varStart[i], constStart[i] = nv+1, nc+1
		nv += uint32(len(s.Variables))
		nc += uint32(len(s.Constants))
	}

	variables = make(map[uint32]uint32, nv)
	constants = make(map[uint32]uint32, nc)
	nv, nc = 0, 0
	for _, s := range order {
		for k := range p.LocalScopes[s].Variables {
			nv++
			variables[varStart[s]+uint32(k)] = nv
		}
		for k := range p.LocalScopes[s].Constants {
			nc++
			constants[constStart[s]+uint32(k)] = nc
		}
	}
	return order, variables, constants
}

// remapParent translates a parent token that names a scope, variable or
// constant by its position in the Pdb into its emitted row.
func remapParent(tok metadata.Token, order []int, variables, constants map[uint32]uint32) metadata.Token {
	switch tok.Table() {
	case metadata.TableLocalScope:
		for i, s := range order {
			if uint32(s+1) == tok.RID() {
				return metadata.NewToken(metadata.TableLocalScope, uint32(i+1))
			}
		}
	case metadata.TableLocalVariable:
		if rid, ok := variables[tok.RID()]; ok {
			return metadata.NewToken(metadata.TableLocalVariable, rid)
		}
	case metadata.TableLocalConstant:
		if rid, ok := constants[tok.RID()]; ok {
			return metadata.NewToken(metadata.TableLocalConstant, rid)
		}
	}
	return tok
}

func encodeImports(list []Import, h *metadata.HeapBuilder) ([]byte, error) {
	defs := make([]imports.Definition, 0, len(list))
	for _, imp := range list {
		d := imports.Definition{
			Kind:        imp.Kind,
			Alias:       h.AddBlobUTF8(imp.Alias),
			Namespace:   h.AddBlobUTF8(imp.Target),
			AssemblyRef: imp.AssemblyRef,
		}
		if imp.Kind == imports.KindImportType || imp.Kind == imports.KindAliasType {
			coded, ok := metadata.TypeDefOrRef.Encode(imp.Type)
			if !ok {
				return nil, fmt.Errorf("import of %s: not a type", imp.Type)
			}
			d.Type = coded
		}
		defs = append(defs, d)
	}
	return imports.Encode(defs)
}

// ID returns the 20-byte PDB id: the GUID followed by the stamp.
func (p *Pdb) ID() [20]byte {
	var id [20]byte
	g := metadata.GUIDBytes(p.Guid)
	copy(id[:16], g[:])
	binary.LittleEndian.PutUint32(id[16:], p.Stamp)
	return id
}
