package convert

import (
	"io"
	"sort"

	"github.com/google/uuid"

	"github.com/jtang613/pdb2pdb/pkg/cdi"
	"github.com/jtang613/pdb2pdb/pkg/diag"
	"github.com/jtang613/pdb2pdb/pkg/imports"
	"github.com/jtang613/pdb2pdb/pkg/metadata"
	"github.com/jtang613/pdb2pdb/pkg/pdb"
	"github.com/jtang613/pdb2pdb/pkg/peimage"
	"github.com/jtang613/pdb2pdb/pkg/portable"
	"github.com/jtang613/pdb2pdb/pkg/sourcelink"
	"github.com/jtang613/pdb2pdb/pkg/tokens"
)

type cdiKey struct {
	parent metadata.Token
	kind   uuid.UUID
}

// toWindows holds the state of one Portable to Windows conversion.
type toWindows struct {
	c    *Converter
	md   tokens.Translator
	src  *portable.Pdb
	w    pdb.SymWriter
	sink *diag.Sink

	docs     []int
	cdi      map[cdiKey][]byte
	scopes   map[metadata.Token][]int
	varRow   []uint32
	constRow []uint32
	kickoff  map[metadata.Token]metadata.Token
	moveNext map[metadata.Token]metadata.Token
	// extern maps AssemblyRef rows to the extern alias declared for them.
	extern map[uint32]string
	// forward maps an import scope row to the first method that wrote it.
	forward  map[int]metadata.Token
	reported map[int]bool
}

func (c *Converter) toWindows(img *peimage.Image, md tokens.Translator, src *portable.Pdb, out io.Writer) error {
	if err := matchPortable(img, src); err != nil {
		return err
	}
	if c.opts.writer == nil {
		return fail(PhaseValidate, KindCapabilityUnavailable, nil, "no Windows PDB writer")
	}
	w, err := c.opts.writer(md)
	if err != nil {
		return fail(PhaseValidate, KindCapabilityUnavailable, err, "failed to create Windows PDB writer")
	}
	defer w.Close()

	c.setState(Translating)
	t := &toWindows{c: c, md: md, src: src, w: w, sink: c.sink}
	t.index()
	if err := t.documents(); err != nil {
		return err
	}
	for i := range src.Methods {
		if err := t.method(methodToken(i + 1)); err != nil {
			return err
		}
	}
	if err := t.sourceLink(); err != nil {
		return err
	}

	c.setState(Emitting)
	sig := pdb.Signature{Guid: src.Guid, Stamp: src.Stamp, Age: 1}
	if err := w.Commit(out, sig); err != nil {
		return fail(PhaseEmit, KindInvalidData, err, "failed to write Windows PDB")
	}
	return nil
}

// matchPortable checks that the image was built with the Portable PDB.
func matchPortable(img *peimage.Image, src *portable.Pdb) error {
	cvs, err := img.CodeViews()
	if err != nil {
		return fail(PhaseRead, KindInvalidImage, err, "failed to read debug directory")
	}
	for _, cv := range cvs {
		if cv.Portable && cv.Guid == src.Guid && cv.Stamp == src.Stamp {
			return nil
		}
	}
	return fail(PhaseRead, KindSignatureMismatch, nil, "image does not reference Portable PDB %s stamp %08X", src.Guid, src.Stamp)
}

func (t *toWindows) index() {
	t.cdi = make(map[cdiKey][]byte, len(t.src.CustomDebugInfo))
	for _, c := range t.src.CustomDebugInfo {
		k := cdiKey{c.Parent, c.Kind}
		if _, dup := t.cdi[k]; !dup {
			t.cdi[k] = c.Value
		}
	}

	t.scopes = map[metadata.Token][]int{}
	t.varRow = make([]uint32, len(t.src.LocalScopes))
	t.constRow = make([]uint32, len(t.src.LocalScopes))
	var nv, nc uint32
	for i, s := range t.src.LocalScopes {
		t.scopes[s.Method] = append(t.scopes[s.Method], i)
		t.varRow[i], t.constRow[i] = nv+1, nc+1
		nv += uint32(len(s.Variables))
		nc += uint32(len(s.Constants))
	}

	t.kickoff = map[metadata.Token]metadata.Token{}
	t.moveNext = map[metadata.Token]metadata.Token{}
	for _, sm := range t.src.StateMachineMethods {
		t.kickoff[sm.MoveNext] = sm.Kickoff
		t.moveNext[sm.Kickoff] = sm.MoveNext
	}

	t.extern = map[uint32]string{}
	for _, is := range t.src.ImportScopes {
		if is.Parent != 0 {
			continue
		}
		for _, imp := range is.Imports {
			if imp.Kind == imports.KindAliasAssemblyReference {
				if _, dup := t.extern[imp.AssemblyRef]; !dup {
					t.extern[imp.AssemblyRef] = imp.Alias
				}
			}
		}
	}
	t.forward = map[int]metadata.Token{}
	t.reported = map[int]bool{}
}

func (t *toWindows) find(parent metadata.Token, kind uuid.UUID) ([]byte, bool) {
	v, ok := t.cdi[cdiKey{parent, kind}]
	return v, ok
}

func (t *toWindows) documents() error {
	t.docs = make([]int, len(t.src.Documents))
	for i, d := range t.src.Documents {
		doc := pdb.Document{
			Name:              d.Name,
			Language:          d.Language,
			DocumentType:      pdb.DocumentTypeText,
			ChecksumAlgorithm: d.HashAlgorithm,
			Checksum:          d.Hash,
		}
		if d.Language != uuid.Nil {
			doc.LanguageVendor = pdb.LanguageVendorMicrosoft
		}
		if !checkChecksum(t.sink, d.Name, d.HashAlgorithm, d.Hash) {
			doc.ChecksumAlgorithm, doc.Checksum = uuid.Nil, nil
		}
		idx, err := t.w.DefineDocument(doc)
		if err != nil {
			return fail(PhaseEmit, KindInvalidData, err, "failed to define document %q", d.Name)
		}
		t.docs[i] = idx
	}
	return nil
}

// scopeNode is a Portable local scope placed in the scope tree.
type scopeNode struct {
	idx        int
	start, end int
	children   []*scopeNode
}

func (t *toWindows) method(tok metadata.Token) error {
	info := t.src.Methods[tok.RID()-1]
	scopes := t.scopes[tok]
	_, isMoveNext := t.kickoff[tok]
	_, isKickoff := t.moveNext[tok]
	if len(info.SequencePoints) == 0 && len(scopes) == 0 && !isMoveNext && !isKickoff && !t.hasMethodInfo(tok) {
		return nil
	}

	if len(scopes) > 0 {
		if id, err := t.md.Method(tok); err == nil && !id.HasBody() {
			t.sink.Report(diag.MethodWithoutBodyHasScope, tok)
			scopes = nil
		}
	}

	if err := t.w.OpenMethod(tok); err != nil {
		return fail(PhaseEmit, KindInvalidData, err, "failed to open method %s", tok)
	}
	m := &methodWriter{t: t, tok: tok, enc: cdi.NewEncoder(), dynSlots: map[int]bool{}, tupleSlots: map[int]bool{}, tupleConsts: map[tupleKey]bool{}}
	if err := m.write(info, scopes); err != nil {
		return err
	}
	if err := t.w.CloseMethod(); err != nil {
		return fail(PhaseEmit, KindInvalidData, err, "failed to close method %s", tok)
	}
	return nil
}

func (t *toWindows) hasMethodInfo(tok metadata.Token) bool {
	for _, kind := range []uuid.UUID{
		portable.KindStateMachineHoistedLocalScopes,
		portable.KindEncLocalSlotMap,
		portable.KindEncLambdaAndClosureMap,
		portable.KindAsyncMethodSteppingInformation,
	} {
		if _, ok := t.find(tok, kind); ok {
			return true
		}
	}
	return false
}

type tupleKey struct {
	name       string
	start, end int
}

// methodWriter emits one method.
type methodWriter struct {
	t   *toWindows
	tok metadata.Token
	enc *cdi.Encoder

	dynamic     []cdi.DynamicLocal
	dynSlots    map[int]bool
	tuples      []cdi.TupleElementNames
	tupleSlots  map[int]bool
	tupleConsts map[tupleKey]bool
}

func (m *methodWriter) emitErr(err error) error {
	return fail(PhaseEmit, KindInvalidData, err, "method %s", m.tok)
}

func (m *methodWriter) write(info portable.MethodDebugInfo, scopes []int) error {
	t := m.t
	var lang uuid.UUID
	points := make([]pdb.SequencePoint, 0, len(info.SequencePoints))
	for _, p := range info.SequencePoints {
		if p.Document < 1 || p.Document > len(t.docs) {
			t.sink.Report(diag.InvalidSequencePointDocument, m.tok, p.Document)
			continue
		}
		if lang == uuid.Nil {
			lang = t.src.Documents[p.Document-1].Language
		}
		points = append(points, pdb.SequencePoint{
			Offset:      p.Offset,
			Document:    t.docs[p.Document-1],
			StartLine:   p.StartLine,
			StartColumn: p.StartColumn,
			EndLine:     p.EndLine,
			EndColumn:   p.EndColumn,
		})
	}
	if len(points) > 0 {
		if err := t.w.DefineSequencePoints(points); err != nil {
			return m.emitErr(err)
		}
	}

	roots := m.tree(scopes)
	if n := countLocals(t.src, roots); n > 0 && info.LocalSignature.IsNil() {
		t.sink.Report(diag.MissingLocalSignature, m.tok, n)
	}

	importScope := 0
	if len(roots) > 0 {
		importScope = t.src.LocalScopes[roots[0].idx].ImportScope
	}
	if err := m.usings(importScope, lang == portable.LanguageVisualBasic); err != nil {
		return err
	}

	switch {
	case len(roots) == 1 && roots[0].start == 0:
		if err := m.scope(roots[0]); err != nil {
			return err
		}
	case len(roots) > 0:
		end := 0
		for _, r := range roots {
			end = max(end, r.end)
		}
		if err := t.w.OpenScope(0); err != nil {
			return m.emitErr(err)
		}
		for _, r := range roots {
			if err := m.scope(r); err != nil {
				return err
			}
		}
		if err := t.w.CloseScope(end); err != nil {
			return m.emitErr(err)
		}
	}

	m.methodRecords()
	if len(m.dynamic) > 0 {
		if err := m.enc.AddDynamicLocals(m.dynamic); err != nil {
			t.sink.Report(diag.MalformedCustomDebugInfo, m.tok, err)
		}
	}
	if len(m.tuples) > 0 {
		if err := m.enc.AddTupleElementNames(m.tuples); err != nil {
			t.sink.Report(diag.MalformedCustomDebugInfo, m.tok, err)
		}
	}
	m.encRecords()

	blob, err := m.enc.Finalize()
	if err != nil {
		return fail(PhaseEmit, KindInvalidData, err, "custom debug information of %s", m.tok)
	}
	if blob != nil {
		if err := t.w.DefineCustomDebugInfo(blob); err != nil {
			return m.emitErr(err)
		}
	}
	return m.async()
}

// tree nests the method's scopes by offset. Scopes with a negative range
// or one that crosses the end of the enclosing scope are reported and
// dropped along with their locals.
func (m *methodWriter) tree(scopes []int) []*scopeNode {
	src := m.t.src.LocalScopes
	order := append([]int(nil), scopes...)
	sort.SliceStable(order, func(i, j int) bool {
		a, b := src[order[i]], src[order[j]]
		if a.StartOffset != b.StartOffset {
			return a.StartOffset < b.StartOffset
		}
		return a.Length > b.Length
	})

	var roots, stack []*scopeNode
	for _, i := range order {
		s := src[i]
		if s.StartOffset < 0 || s.Length < 0 {
			m.t.sink.Report(diag.InvalidScopeRange, m.tok, s.StartOffset, s.EndOffset())
			continue
		}
		n := &scopeNode{idx: i, start: s.StartOffset, end: s.EndOffset()}
		for len(stack) > 0 && stack[len(stack)-1].end <= n.start {
			stack = stack[:len(stack)-1]
		}
		if len(stack) == 0 {
			roots = append(roots, n)
		} else {
			parent := stack[len(stack)-1]
			if n.end > parent.end {
				m.t.sink.Report(diag.InvalidScopeRange, m.tok, s.StartOffset, s.EndOffset())
				continue
			}
			parent.children = append(parent.children, n)
		}
		stack = append(stack, n)
	}
	return roots
}

func countLocals(src *portable.Pdb, nodes []*scopeNode) int {
	n := 0
	for _, s := range nodes {
		n += len(src.LocalScopes[s.idx].Variables) + countLocals(src, s.children)
	}
	return n
}

func (m *methodWriter) scope(n *scopeNode) error {
	t := m.t
	if err := t.w.OpenScope(n.start); err != nil {
		return m.emitErr(err)
	}
	s := t.src.LocalScopes[n.idx]
	for k, v := range s.Variables {
		if err := t.w.DefineLocal(pdb.Local{Name: v.Name, Slot: v.Index, Attributes: v.Attributes}); err != nil {
			return m.emitErr(err)
		}
		row := metadata.NewToken(metadata.TableLocalVariable, t.varRow[n.idx]+uint32(k))
		m.localInfo(row, v.Name, v.Index, n)
	}
	for k, c := range s.Constants {
		wc, ok := m.constant(c)
		if !ok {
			continue
		}
		if err := t.w.DefineConstant(wc); err != nil {
			return m.emitErr(err)
		}
		row := metadata.NewToken(metadata.TableLocalConstant, t.constRow[n.idx]+uint32(k))
		m.localInfo(row, c.Name, -1, n)
	}
	for _, child := range n.children {
		if err := m.scope(child); err != nil {
			return err
		}
	}
	if err := t.w.CloseScope(n.end); err != nil {
		return m.emitErr(err)
	}
	return nil
}

// constant converts a local constant. Windows PDBs refer to the constant
// type through a StandAloneSig row holding its field signature.
func (m *methodWriter) constant(c portable.LocalConstant) (pdb.Constant, bool) {
	sig, err := portable.DecodeConstant(c.Signature)
	if err == nil {
		var blob []byte
		if blob, err = sig.FieldType().Signature(); err == nil {
			var tok metadata.Token
			if tok, err = m.t.md.FindStandAloneSignature(blob); err == nil {
				return pdb.Constant{Name: c.Name, Signature: tok, Value: sig.WindowsValue()}, true
			}
		}
	}
	m.t.sink.Report(diag.UnsupportedConstantSignature, m.tok, c.Name, err)
	return pdb.Constant{}, false
}

// localInfo collects the dynamic flags and tuple element names attached
// to a local variable (slot >= 0) or constant (slot -1).
func (m *methodWriter) localInfo(row metadata.Token, name string, slot int, n *scopeNode) {
	t := m.t
	if blob, ok := t.find(row, portable.KindDynamicLocalVariables); ok {
		windowsSlot := max(slot, 0)
		switch {
		case cdi.UTF16Len(name) > cdi.DynamicNameUnits:
			t.sink.Report(diag.LocalNameTooLong, m.tok, name, cdi.DynamicNameUnits)
		case slot >= 0 && m.dynSlots[slot]:
			t.sink.Report(diag.DuplicateDynamicLocalSlot, m.tok, slot)
		default:
			dl, err := cdi.NewDynamicLocal(portable.DecodeDynamicFlags(blob), windowsSlot, name)
			if err != nil {
				t.sink.Report(diag.MalformedCustomDebugInfo, m.tok, err)
				break
			}
			if slot >= 0 {
				m.dynSlots[slot] = true
			}
			m.dynamic = append(m.dynamic, dl)
		}
	}

	if blob, ok := t.find(row, portable.KindTupleElementNames); ok {
		names, err := portable.DecodeTupleElementNames(blob)
		if err != nil {
			t.sink.Report(diag.MalformedCustomDebugInfo, m.tok, err)
			return
		}
		entry := cdi.TupleElementNames{ElementNames: names, SlotIndex: slot, LocalName: name}
		if slot >= 0 {
			if m.tupleSlots[slot] {
				t.sink.Report(diag.DuplicateTupleElementNames, m.tok, name)
				return
			}
			m.tupleSlots[slot] = true
		} else {
			key := tupleKey{name, n.start, n.end}
			if m.tupleConsts[key] {
				t.sink.Report(diag.DuplicateTupleElementNames, m.tok, name)
				return
			}
			m.tupleConsts[key] = true
			entry.ScopeStart, entry.ScopeEnd = n.start, n.end
		}
		m.tuples = append(m.tuples, entry)
	}
}

// usings writes the import scope chain of the method as using strings
// grouped per scope, innermost first, or forwards to the first method that
// wrote the same chain. Kickoff methods of state machines record the state
// machine type name instead.
func (m *methodWriter) usings(importScope int, vb bool) error {
	t := m.t
	if moveNext, ok := t.moveNext[m.tok]; ok {
		name, err := m.stateMachineTypeName(moveNext)
		if err != nil {
			t.sink.Report(diag.UnresolvedStateMachineMethod, m.tok, moveNext.String())
		} else {
			if err := m.enc.AddStateMachineTypeName(name); err != nil {
				t.sink.Report(diag.MalformedCustomDebugInfo, m.tok, err)
			}
			if importScope != 0 && t.src.ImportScopes[importScope-1].Parent != 0 {
				t.sink.Report(diag.StateMachineNameWithImports, m.tok)
			}
			return nil
		}
	}
	if importScope < 1 || importScope > len(t.src.ImportScopes) {
		return nil
	}
	if first, ok := t.forward[importScope]; ok {
		if err := m.enc.AddForwardMethodInfo(first); err != nil {
			t.sink.Report(diag.MalformedCustomDebugInfo, m.tok, err)
		}
		return nil
	}

	var groups [][]string
	var module []string
	for row, depth := importScope, 0; row != 0 && depth <= len(t.src.ImportScopes); depth++ {
		if row < 1 || row > len(t.src.ImportScopes) {
			break
		}
		is := t.src.ImportScopes[row-1]
		if is.UnknownKind != 0 && !t.reported[row] {
			t.reported[row] = true
			t.sink.Report(diag.UnknownImportKind, m.tok, int(is.UnknownKind))
		}
		root := is.Parent == 0
		syntax := imports.SyntaxCSharp
		if vb {
			syntax = imports.SyntaxVBFile
			if root {
				syntax = imports.SyntaxVBProject
			}
		}
		var group []string
		for _, imp := range is.Imports {
			if s, ok := m.using(imp, syntax); ok {
				group = append(group, s)
			}
		}
		if root {
			module = group
		} else {
			groups = append(groups, group)
		}
		row = is.Parent
	}
	switch {
	case vb && len(module) > 0:
		groups = append(groups, module)
	case len(module) > 0 && len(groups) > 0:
		groups[len(groups)-1] = append(groups[len(groups)-1], module...)
	case len(module) > 0:
		groups = append(groups, module)
	}

	if len(groups) == 0 {
		return nil
	}
	counts := make([]int, len(groups))
	for i, g := range groups {
		counts[i] = len(g)
		for _, s := range g {
			if err := t.w.UsingNamespace(s); err != nil {
				return m.emitErr(err)
			}
		}
	}
	if err := m.enc.AddUsingInfo(counts); err != nil {
		t.sink.Report(diag.MalformedCustomDebugInfo, m.tok, err)
	}
	t.forward[importScope] = m.tok
	return nil
}

func (m *methodWriter) stateMachineTypeName(moveNext metadata.Token) (string, error) {
	id, err := m.t.md.Method(moveNext)
	if err != nil {
		return "", err
	}
	typ, err := m.t.md.Type(id.DeclaringType)
	if err != nil {
		return "", err
	}
	return typ.Name, nil
}

func (m *methodWriter) using(imp portable.Import, syntax imports.Syntax) (string, bool) {
	t := m.t
	u := imports.Using{Kind: imp.Kind, Syntax: syntax, Alias: imp.Alias, Target: imp.Target}
	switch imp.Kind {
	case imports.KindImportAssemblyNamespace, imports.KindAliasAssemblyNamespace:
		alias, ok := t.extern[imp.AssemblyRef]
		if !ok {
			name, _ := t.md.AssemblyReference(imp.AssemblyRef)
			t.sink.Report(diag.UnresolvedImportAlias, m.tok, name)
			return "", false
		}
		u.Assembly = alias
	case imports.KindImportType, imports.KindAliasType:
		name, err := tokens.TypeName(t.md, imp.Type, true)
		if err != nil {
			t.sink.Report(diag.UnresolvedImportType, m.tok, imp.Type.String())
			return "", false
		}
		u.Target = name
	case imports.KindAliasAssemblyReference:
		name, err := t.md.AssemblyReference(imp.AssemblyRef)
		if err != nil {
			t.sink.Report(diag.UnresolvedImportAlias, m.tok, imp.Alias)
			return "", false
		}
		u.Assembly = name
	}
	s, err := imports.Format(u)
	if err != nil {
		t.sink.Report(diag.UnknownImportKind, m.tok, int(imp.Kind))
		return "", false
	}
	return s, true
}

func (m *methodWriter) methodRecords() {
	t := m.t
	blob, ok := t.find(m.tok, portable.KindStateMachineHoistedLocalScopes)
	if !ok {
		return
	}
	scopes, err := portable.DecodeHoistedLocalScopes(blob)
	if err == nil {
		hoisted := make([]cdi.HoistedScope, len(scopes))
		for i, s := range scopes {
			hoisted[i] = cdi.HoistedScope{StartOffset: s.StartOffset, EndOffset: s.EndOffset}
		}
		err = m.enc.AddHoistedLocalScopes(hoisted)
	}
	if err != nil {
		t.sink.Report(diag.MalformedCustomDebugInfo, m.tok, err)
	}
}

func (m *methodWriter) encRecords() {
	t := m.t
	if blob, ok := t.find(m.tok, portable.KindEncLocalSlotMap); ok {
		if err := m.enc.AddEditAndContinueLocalSlotMap(blob); err != nil {
			t.sink.Report(diag.MalformedCustomDebugInfo, m.tok, err)
		}
	}
	if blob, ok := t.find(m.tok, portable.KindEncLambdaAndClosureMap); ok {
		if err := m.enc.AddEditAndContinueLambdaMap(blob); err != nil {
			t.sink.Report(diag.MalformedCustomDebugInfo, m.tok, err)
		}
	}
}

func (m *methodWriter) async() error {
	t := m.t
	blob, ok := t.find(m.tok, portable.KindAsyncMethodSteppingInformation)
	if !ok {
		return nil
	}
	info, err := portable.DecodeAsyncMethodInfo(blob)
	if err != nil {
		t.sink.Report(diag.MalformedCustomDebugInfo, m.tok, err)
		return nil
	}
	kickoff, ok := t.kickoff[m.tok]
	if !ok {
		t.sink.Report(diag.UnresolvedStateMachineMethod, m.tok, m.tok.String())
	}
	out := pdb.AsyncInfo{KickoffMethod: kickoff, CatchHandlerOffset: info.CatchHandlerOffset}
	for _, s := range info.Steps {
		out.Steps = append(out.Steps, pdb.AsyncStep{YieldOffset: s.YieldOffset, ResumeOffset: s.ResumeOffset, ResumeMethod: s.ResumeMethod})
	}
	if err := t.w.DefineAsyncInfo(out); err != nil {
		return m.emitErr(err)
	}
	return nil
}

// sourceLink carries the Source Link document over, translated into a
// source server stream unless translation is suppressed.
func (t *toWindows) sourceLink() error {
	raw, ok := t.find(metadata.ModuleToken, portable.KindSourceLink)
	if !ok {
		return nil
	}
	if t.c.opts.suppressSourceLink {
		if err := t.w.SetSourceLinkData(raw); err != nil {
			return fail(PhaseEmit, KindInvalidData, err, "failed to write Source Link")
		}
		return nil
	}
	names := make([]string, len(t.src.Documents))
	for i, d := range t.src.Documents {
		names[i] = d.Name
	}
	srcsrv, err := sourcelink.FromSourceLink(raw, names, t.c.opts.variables, t.sink)
	if err != nil {
		return fail(PhaseTranslate, KindInvalidData, err, "failed to translate Source Link")
	}
	if srcsrv == "" {
		return nil
	}
	if err := t.w.SetSourceServerData([]byte(srcsrv)); err != nil {
		return fail(PhaseEmit, KindInvalidData, err, "failed to write source server data")
	}
	return nil
}
