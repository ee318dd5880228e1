package convert

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

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

// toPortable holds the state of one Windows to Portable conversion.
type toPortable struct {
	c    *Converter
	md   tokens.Translator
	src  pdb.SymReader
	out  *portable.Pdb
	sink *diag.Sink

	methods map[metadata.Token]*pdb.Method
	// extern maps extern aliases declared by Z records to AssemblyRef rows.
	extern map[string]uint32
	// root is the 1-based row of the project-level import scope.
	root   int
	chains map[string]int
	seen   map[metadata.Token]bool
	// variables and constants count the rows added so far.
	variables, constants uint32
}

// rowCounter is implemented by translators that can report the row counts
// of the image tables.
type rowCounter interface {
	RowCount(tab metadata.Table) uint32
}

func (c *Converter) toPortable(img *peimage.Image, md tokens.Translator, src pdb.SymReader, out io.Writer) error {
	sig := src.Signature()
	cv, err := matchWindows(img, sig)
	if err != nil {
		return err
	}

	c.setState(Translating)
	n, err := md.MethodCount()
	if err != nil {
		return fail(PhaseRead, KindInvalidImage, err, "failed to count methods")
	}
	p := &portable.Pdb{
		Guid:       sig.Guid,
		Stamp:      cv.Stamp,
		EntryPoint: img.EntryPoint(),
		Methods:    make([]portable.MethodDebugInfo, n),
	}
	if rc, ok := md.(rowCounter); ok {
		for tab := metadata.Table(0); tab < metadata.TableDocument; tab++ {
			p.TypeSystemRowCounts[tab] = rc.RowCount(tab)
		}
	}

	t := &toPortable{
		c: c, md: md, src: src, out: p, sink: c.sink,
		methods: map[metadata.Token]*pdb.Method{},
		extern:  map[string]uint32{},
		chains:  map[string]int{},
		seen:    map[metadata.Token]bool{},
	}
	t.documents()
	methods := src.Methods()
	for i := range methods {
		t.methods[methods[i].Token] = &methods[i]
	}
	t.projectImports(methods)
	for i := range methods {
		t.method(&methods[i])
	}
	if err := t.sourceLink(); err != nil {
		return err
	}

	c.setState(Emitting)
	data, err := p.Serialize()
	if err != nil {
		return fail(PhaseEmit, KindInvalidData, err, "failed to encode Portable PDB")
	}
	if _, err := out.Write(data); err != nil {
		return fail(PhaseEmit, KindInvalidData, err, "failed to write Portable PDB")
	}
	return nil
}

// matchWindows returns the CodeView entry of the image that references the
// Windows PDB.
func matchWindows(img *peimage.Image, sig pdb.Signature) (peimage.CodeView, error) {
	cvs, err := img.CodeViews()
	if err != nil {
		return peimage.CodeView{}, fail(PhaseRead, KindInvalidImage, err, "failed to read debug directory")
	}
	for _, cv := range cvs {
		if !cv.Portable && cv.Guid == sig.Guid && int(cv.Age) == sig.Age {
			return cv, nil
		}
	}
	return peimage.CodeView{}, fail(PhaseRead, KindSignatureMismatch, nil, "image does not reference PDB %s age %d", sig.Guid, sig.Age)
}

func (t *toPortable) documents() {
	for _, d := range t.src.Documents() {
		doc := portable.Document{
			Name:          d.Name,
			HashAlgorithm: d.ChecksumAlgorithm,
			Hash:          d.Checksum,
			Language:      d.Language,
		}
		if !checkChecksum(t.sink, d.Name, d.ChecksumAlgorithm, d.Checksum) {
			doc.HashAlgorithm, doc.Hash = uuid.Nil, nil
		}
		t.out.Documents = append(t.out.Documents, doc)
	}
}

// projectImports creates the root import scope and fills it with the
// project-level imports of every method: extern alias declarations and VB
// project imports.
func (t *toPortable) projectImports(methods []pdb.Method) {
	var list []portable.Import
	seen := map[string]bool{}
	for _, m := range methods {
		for _, ns := range m.Namespaces {
			u, err := imports.ParseUsing(ns)
			if err != nil || seen[ns] {
				continue
			}
			switch {
			case u.Kind == imports.KindAliasAssemblyReference:
				seen[ns] = true
				row, err := t.md.FindAssemblyReference(u.Assembly)
				if err != nil {
					t.sink.Report(diag.UnresolvedImportAlias, m.Token, u.Alias)
					continue
				}
				if _, dup := t.extern[u.Alias]; !dup {
					t.extern[u.Alias] = row
				}
				list = append(list, portable.Import{Kind: u.Kind, Alias: u.Alias, AssemblyRef: row})
			case u.Syntax == imports.SyntaxVBProject:
				seen[ns] = true
				if imp, ok := t.convertUsing(m.Token, u); ok {
					list = append(list, imp)
				}
			}
		}
	}
	t.out.ImportScopes = append(t.out.ImportScopes, portable.ImportScope{Imports: list})
	t.root = len(t.out.ImportScopes)
}

func (t *toPortable) method(m *pdb.Method) {
	rid := int(m.Token.RID())
	if m.Token.Table() != metadata.TableMethodDef || rid < 1 || rid > len(t.out.Methods) {
		t.c.log.Warn("method outside of image metadata", zap.Stringer("token", m.Token))
		return
	}

	var records []cdi.Record
	if len(m.CustomDebugInfo) > 0 {
		var err error
		if records, err = cdi.Decode(m.CustomDebugInfo); err != nil {
			t.sink.Report(diag.MalformedCustomDebugInfo, m.Token, err)
			records = nil
		}
	}

	localSig, err := t.md.LocalSignature(m.Token)
	if err != nil {
		t.sink.Report(diag.UnreadableMethodBody, m.Token, err)
	}
	info := &t.out.Methods[rid-1]
	info.LocalSignature = localSig
	info.SequencePoints = t.sequencePoints(m)

	t.stateMachine(m, records)
	importScope := t.importScope(m, records)
	t.scopes(m, records, importScope, localSig, err == nil)
	t.methodRecords(m, records)
}

func (t *toPortable) sequencePoints(m *pdb.Method) []portable.SequencePoint {
	points := append([]pdb.SequencePoint(nil), m.SequencePoints...)
	sort.SliceStable(points, func(i, j int) bool { return points[i].Offset < points[j].Offset })
	var out []portable.SequencePoint
	for _, p := range points {
		if p.Document < 0 || p.Document >= len(t.out.Documents) {
			t.sink.Report(diag.InvalidSequencePointDocument, m.Token, p.Document)
			continue
		}
		if reason := invalidPoint(p); reason != "" {
			t.sink.Report(diag.InvalidSequencePoint, m.Token, p.Offset, reason)
			continue
		}
		if len(out) > 0 && out[len(out)-1].Offset == p.Offset {
			t.sink.Report(diag.InvalidSequencePoint, m.Token, p.Offset, "duplicate offset")
			continue
		}
		out = append(out, portable.SequencePoint{
			Offset:      p.Offset,
			Document:    p.Document + 1,
			StartLine:   p.StartLine,
			StartColumn: p.StartColumn,
			EndLine:     p.EndLine,
			EndColumn:   p.EndColumn,
		})
	}
	return out
}

// invalidPoint returns why a point has no Portable encoding, or "".
func invalidPoint(p pdb.SequencePoint) string {
	switch {
	case p.Offset < 0:
		return "negative offset"
	case p.IsHidden():
		return ""
	case p.StartLine < 0 || p.StartColumn < 0:
		return "negative start"
	case p.EndLine < p.StartLine:
		return "inverted span"
	case p.EndLine == p.StartLine && p.EndColumn <= p.StartColumn:
		return "empty span"
	}
	return ""
}

// stateMachine links kickoff and MoveNext methods, either from the iterator
// type name of a kickoff method or from the async information of MoveNext.
func (t *toPortable) stateMachine(m *pdb.Method, records []cdi.Record) {
	if r, ok := cdi.Find(records, cdi.KindForwardIterator); ok {
		name, err := cdi.DecodeStateMachineTypeName(r.Payload)
		if err != nil {
			t.sink.Report(diag.MalformedCustomDebugInfo, m.Token, err)
		} else if moveNext, err := t.moveNextOf(m.Token, name); err != nil {
			t.c.log.Debug("state machine method not found", zap.Stringer("kickoff", m.Token), zap.Error(err))
			t.sink.Report(diag.UnresolvedStateMachineMethod, m.Token, name)
		} else {
			t.addStateMachine(moveNext, m.Token)
		}
	}
	if m.AsyncInfo == nil {
		return
	}
	t.addStateMachine(m.Token, m.AsyncInfo.KickoffMethod)
	info := portable.AsyncMethodInfo{CatchHandlerOffset: m.AsyncInfo.CatchHandlerOffset}
	for _, s := range m.AsyncInfo.Steps {
		info.Steps = append(info.Steps, portable.AsyncStep{YieldOffset: s.YieldOffset, ResumeOffset: s.ResumeOffset, ResumeMethod: s.ResumeMethod})
	}
	t.addCDI(m.Token, portable.KindAsyncMethodSteppingInformation, portable.EncodeAsyncMethodInfo(info))
}

func (t *toPortable) moveNextOf(kickoff metadata.Token, name string) (metadata.Token, error) {
	owner, err := t.md.DeclaringType(kickoff)
	if err != nil {
		return 0, err
	}
	nested, err := t.md.NestedTypes(owner)
	if err != nil {
		return 0, err
	}
	for _, n := range nested {
		if id, err := t.md.Type(n); err == nil && id.Name == name {
			return t.md.FindMethod(n, "MoveNext")
		}
	}
	return 0, fmt.Errorf("%w: state machine type %q", tokens.ErrNotFound, name)
}

func (t *toPortable) addStateMachine(moveNext, kickoff metadata.Token) {
	if kickoff.IsNil() || t.seen[moveNext] {
		return
	}
	t.seen[moveNext] = true
	t.out.StateMachineMethods = append(t.out.StateMachineMethods, portable.StateMachineMethod{MoveNext: moveNext, Kickoff: kickoff})
}

func (t *toPortable) addCDI(parent metadata.Token, kind uuid.UUID, value []byte) {
	t.out.CustomDebugInfo = append(t.out.CustomDebugInfo, portable.CustomDebugInfo{Parent: parent, Kind: kind, Value: value})
}

// namespacesOf follows a forward record to the method that holds the using
// strings.
func (t *toPortable) namespacesOf(m *pdb.Method, records []cdi.Record) ([]string, []int) {
	for _, kind := range []cdi.Kind{cdi.KindForwardMethodInfo, cdi.KindForwardModuleInfo} {
		r, ok := cdi.Find(records, kind)
		if !ok {
			continue
		}
		target, err := cdi.DecodeForwardInfo(r.Payload)
		if err != nil {
			t.sink.Report(diag.MalformedCustomDebugInfo, m.Token, err)
			return nil, nil
		}
		fm, ok := t.methods[target]
		if !ok || fm == m {
			return nil, nil
		}
		var counts []int
		if len(fm.CustomDebugInfo) > 0 {
			if recs, err := cdi.Decode(fm.CustomDebugInfo); err == nil {
				counts = usingCounts(recs)
			}
		}
		return fm.Namespaces, counts
	}
	return m.Namespaces, usingCounts(records)
}

func usingCounts(records []cdi.Record) []int {
	r, ok := cdi.Find(records, cdi.KindUsingInfo)
	if !ok {
		return nil
	}
	counts, err := cdi.DecodeUsingInfo(r.Payload)
	if err != nil {
		return nil
	}
	return counts
}

// importScope builds the import scope chain of a method from its using
// groups, innermost group first, and returns the row of the innermost
// scope. Equal chains share rows. The usings of a kickoff method are
// ignored: its imports belong to MoveNext.
func (t *toPortable) importScope(m *pdb.Method, records []cdi.Record) int {
	namespaces, counts := t.namespacesOf(m, records)
	if len(namespaces) == 0 {
		return t.root
	}
	if _, ok := cdi.Find(records, cdi.KindForwardIterator); ok {
		t.sink.Report(diag.StateMachineNameWithImports, m.Token)
		return t.root
	}

	total := 0
	for _, c := range counts {
		total += c
	}
	if len(counts) == 0 || total != len(namespaces) {
		counts = []int{len(namespaces)}
	}

	groups := make([][]string, len(counts))
	i := 0
	for g, c := range counts {
		groups[g] = namespaces[i : i+c]
		i += c
	}

	parent := t.root
	for g := len(groups) - 1; g >= 0; g-- {
		var list []portable.Import
		var key strings.Builder
		for _, ns := range groups[g] {
			u, err := imports.ParseUsing(ns)
			if err != nil {
				t.sink.Report(diag.MalformedCustomDebugInfo, m.Token, err)
				continue
			}
			if u.Kind == imports.KindAliasAssemblyReference || u.Syntax == imports.SyntaxVBProject {
				continue
			}
			imp, ok := t.convertUsing(m.Token, u)
			if !ok {
				continue
			}
			list = append(list, imp)
			key.WriteString(ns)
			key.WriteByte(0)
		}
		if len(list) == 0 {
			continue
		}
		k := strconv.Itoa(parent) + "\x00" + key.String()
		if row, ok := t.chains[k]; ok {
			parent = row
			continue
		}
		t.out.ImportScopes = append(t.out.ImportScopes, portable.ImportScope{Parent: parent, Imports: list})
		parent = len(t.out.ImportScopes)
		t.chains[k] = parent
	}
	return parent
}

func (t *toPortable) convertUsing(tok metadata.Token, u imports.Using) (portable.Import, bool) {
	imp := portable.Import{Kind: u.Kind, Alias: u.Alias, Target: u.Target}
	switch u.Kind {
	case imports.KindImportAssemblyNamespace, imports.KindAliasAssemblyNamespace:
		row, ok := t.extern[u.Assembly]
		if !ok {
			t.sink.Report(diag.UnresolvedImportAlias, tok, u.Assembly)
			return imp, false
		}
		imp.AssemblyRef = row
	case imports.KindImportType, imports.KindAliasType:
		typ, err := t.md.FindType(u.Target)
		if err != nil {
			t.sink.Report(diag.UnresolvedImportType, tok, u.Target)
			return imp, false
		}
		imp.Type, imp.Target = typ, ""
	case imports.KindAliasAssemblyReference:
		row, err := t.md.FindAssemblyReference(u.Assembly)
		if err != nil {
			t.sink.Report(diag.UnresolvedImportAlias, tok, u.Alias)
			return imp, false
		}
		imp.AssemblyRef = row
	}
	return imp, true
}

// methodScopes tracks the rows given to the locals of one method so that
// custom debug information can be attached to them.
type methodScopes struct {
	slots     map[int]metadata.Token
	constants []constantRow
}

type constantRow struct {
	name       string
	start, end int
	row        metadata.Token
}

func (t *toPortable) scopes(m *pdb.Method, records []cdi.Record, importScope int, localSig metadata.Token, bodyRead bool) {
	rows := &methodScopes{slots: map[int]metadata.Token{}}
	if m.Scope != nil {
		if id, err := t.md.Method(m.Token); err == nil && !id.HasBody() && hasContent(m.Scope) {
			t.sink.Report(diag.MethodWithoutBodyHasScope, m.Token)
		} else {
			if n := countVariables(m.Scope); n > 0 && localSig.IsNil() && bodyRead {
				t.sink.Report(diag.MissingLocalSignature, m.Token, n)
			}
			t.scope(m, m.Scope, nil, importScope, rows)
		}
	}
	t.localRecords(m, records, rows)
}

func hasContent(s *pdb.Scope) bool {
	found := false
	s.Walk(func(c *pdb.Scope) {
		if len(c.Locals) > 0 || len(c.Constants) > 0 || c != s {
			found = true
		}
	})
	return found
}

func countVariables(s *pdb.Scope) int {
	n := 0
	s.Walk(func(c *pdb.Scope) { n += len(c.Locals) })
	return n
}

// scope adds s and its descendants in pre-order. A scope whose range is
// inverted or leaves its parent is reported and dropped with its subtree.
func (t *toPortable) scope(m *pdb.Method, s, parent *pdb.Scope, importScope int, rows *methodScopes) {
	if s.EndOffset < s.StartOffset || (parent != nil && (s.StartOffset < parent.StartOffset || s.EndOffset > parent.EndOffset)) {
		t.sink.Report(diag.InvalidScopeRange, m.Token, s.StartOffset, s.EndOffset)
		return
	}

	varBase, constBase := t.variables, t.constants
	ls := portable.LocalScope{
		Method:      m.Token,
		ImportScope: importScope,
		StartOffset: s.StartOffset,
		Length:      s.EndOffset - s.StartOffset,
	}
	for _, l := range s.Locals {
		ls.Variables = append(ls.Variables, portable.LocalVariable{Attributes: l.Attributes, Index: l.Slot, Name: l.Name})
		if _, dup := rows.slots[l.Slot]; !dup {
			rows.slots[l.Slot] = metadata.NewToken(metadata.TableLocalVariable, varBase+uint32(len(ls.Variables)))
		}
	}
	for _, c := range s.Constants {
		blob, err := t.constant(c)
		if err != nil {
			t.sink.Report(diag.UnsupportedConstantSignature, m.Token, c.Name, err)
			continue
		}
		ls.Constants = append(ls.Constants, portable.LocalConstant{Name: c.Name, Signature: blob})
		rows.constants = append(rows.constants, constantRow{
			name:  c.Name,
			start: s.StartOffset,
			end:   s.EndOffset,
			row:   metadata.NewToken(metadata.TableLocalConstant, constBase+uint32(len(ls.Constants))),
		})
	}
	t.out.LocalScopes = append(t.out.LocalScopes, ls)
	t.variables += uint32(len(ls.Variables))
	t.constants += uint32(len(ls.Constants))

	for _, child := range s.Children {
		t.scope(m, child, s, importScope, rows)
	}
}

// constant rebuilds the Portable constant signature from the field
// signature the Windows PDB refers to and the recorded value.
func (t *toPortable) constant(c pdb.Constant) ([]byte, error) {
	sig, err := t.md.StandAloneSignature(c.Signature)
	if err != nil {
		return nil, err
	}
	f, err := portable.ParseFieldSignature(sig)
	if err != nil {
		return nil, err
	}
	var underlying metadata.ElementType
	if f.Code == metadata.ElementTypeValueType {
		if u, err := t.md.EnumUnderlyingType(f.Type); err == nil {
			underlying = u
		}
	}
	cs, err := portable.NewConstant(f, c.Value, underlying)
	if err != nil {
		return nil, err
	}
	return portable.EncodeConstant(cs)
}

func (rows *methodScopes) constantNamed(name string) (metadata.Token, bool) {
	for _, c := range rows.constants {
		if c.name == name {
			return c.row, true
		}
	}
	return 0, false
}

func (rows *methodScopes) constantIn(name string, start, end int) (metadata.Token, bool) {
	for _, c := range rows.constants {
		if c.name == name && c.start == start && c.end == end {
			return c.row, true
		}
	}
	return 0, false
}

// localRecords attaches dynamic flags and tuple element names to the
// variables and constants they describe.
func (t *toPortable) localRecords(m *pdb.Method, records []cdi.Record, rows *methodScopes) {
	if r, ok := cdi.Find(records, cdi.KindDynamicLocals); ok {
		locals, err := cdi.DecodeDynamicLocals(r.Payload)
		if err != nil {
			t.sink.Report(diag.MalformedCustomDebugInfo, m.Token, err)
		}
		done := map[metadata.Token]bool{}
		for _, dl := range locals {
			row, ok := t.dynamicTarget(m, dl, rows)
			if !ok {
				continue
			}
			if done[row] {
				t.sink.Report(diag.DuplicateDynamicLocalSlot, m.Token, dl.SlotIndex)
				continue
			}
			done[row] = true
			t.addCDI(row, portable.KindDynamicLocalVariables, portable.EncodeDynamicFlags(dl.Bools()))
		}
	}

	if r, ok := cdi.Find(records, cdi.KindTupleElementNames); ok {
		entries, err := cdi.DecodeTupleElementNames(r.Payload)
		if err != nil {
			t.sink.Report(diag.MalformedCustomDebugInfo, m.Token, err)
		}
		done := map[metadata.Token]bool{}
		for _, e := range entries {
			var row metadata.Token
			var ok bool
			if e.SlotIndex >= 0 {
				row, ok = rows.slots[e.SlotIndex]
			} else {
				row, ok = rows.constantIn(e.LocalName, e.ScopeStart, e.ScopeEnd)
			}
			if !ok {
				continue
			}
			if done[row] {
				t.sink.Report(diag.DuplicateTupleElementNames, m.Token, e.LocalName)
				continue
			}
			done[row] = true
			t.addCDI(row, portable.KindTupleElementNames, portable.EncodeTupleElementNames(e.ElementNames))
		}
	}
}

// dynamicTarget resolves a dynamic locals entry. Constants are recorded
// with slot 0, so slot 0 names a variable only when the names agree.
func (t *toPortable) dynamicTarget(m *pdb.Method, dl cdi.DynamicLocal, rows *methodScopes) (metadata.Token, bool) {
	if row, ok := rows.slots[dl.SlotIndex]; ok {
		if dl.SlotIndex != 0 || t.variableName(row) == dl.Name {
			return row, true
		}
	}
	return rows.constantNamed(dl.Name)
}

func (t *toPortable) variableName(row metadata.Token) string {
	n := row.RID()
	for _, ls := range t.out.LocalScopes {
		if n <= uint32(len(ls.Variables)) {
			return ls.Variables[n-1].Name
		}
		n -= uint32(len(ls.Variables))
	}
	return ""
}

func (t *toPortable) methodRecords(m *pdb.Method, records []cdi.Record) {
	if r, ok := cdi.Find(records, cdi.KindStateMachineHoistedLocalScopes); ok {
		scopes, err := cdi.DecodeHoistedLocalScopes(r.Payload)
		if err != nil {
			t.sink.Report(diag.MalformedCustomDebugInfo, m.Token, err)
		} else {
			hoisted := make([]portable.HoistedScope, len(scopes))
			for i, s := range scopes {
				hoisted[i] = portable.HoistedScope{StartOffset: s.StartOffset, EndOffset: s.EndOffset}
			}
			t.addCDI(m.Token, portable.KindStateMachineHoistedLocalScopes, portable.EncodeHoistedLocalScopes(hoisted))
		}
	}
	if r, ok := cdi.Find(records, cdi.KindEditAndContinueLocalSlotMap); ok {
		t.addCDI(m.Token, portable.KindEncLocalSlotMap, r.Payload)
	}
	if r, ok := cdi.Find(records, cdi.KindEditAndContinueLambdaMap); ok {
		t.addCDI(m.Token, portable.KindEncLambdaAndClosureMap, r.Payload)
	}
}

// sourceLink carries a Source Link stream over as is, or translates the
// source server stream into one.
func (t *toPortable) sourceLink() error {
	if raw := t.src.SourceLinkData(); len(raw) > 0 {
		t.addCDI(metadata.ModuleToken, portable.KindSourceLink, raw)
		return nil
	}
	srcsrv := t.src.SourceServerData()
	if len(srcsrv) == 0 || t.c.opts.suppressSourceLink {
		return nil
	}
	names := make([]string, len(t.out.Documents))
	for i, d := range t.out.Documents {
		names[i] = d.Name
	}
	data, err := sourcelink.ToSourceLink(string(srcsrv), names, t.sink)
	if err != nil {
		return fail(PhaseTranslate, KindInvalidData, err, "failed to translate source server data")
	}
	if data != nil {
		t.addCDI(metadata.ModuleToken, portable.KindSourceLink, data)
	}
	return nil
}
