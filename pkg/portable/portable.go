// Package portable reads and writes Portable PDB files: ECMA-335 metadata
// with a "#Pdb" stream and the debug tables 0x30 to 0x37.
package portable

import (
	"github.com/google/uuid"

	"github.com/jtang613/pdb2pdb/pkg/imports"
	"github.com/jtang613/pdb2pdb/pkg/metadata"
)

// MetadataVersion is the version string of the metadata root.
const MetadataVersion = "PDB v1.0"

// Hash algorithms of document checksums.
var (
	HashSHA1   = uuid.MustParse("ff1816ec-aa5e-4d10-87f7-6f4963833460")
	HashSHA256 = uuid.MustParse("8829d00f-11b8-4213-878b-770e8597ac16")
)

// Document languages.
var (
	LanguageCSharp      = uuid.MustParse("3f5162f8-07c6-11d3-9053-00c04fa302a1")
	LanguageVisualBasic = uuid.MustParse("3a12d0b8-c26c-11d0-b442-00a0244a1dd2")
	LanguageFSharp      = uuid.MustParse("ab4f38c9-b6e6-43ba-be3b-58080b2ccce3")
)

// Custom debug information kinds.
var (
	KindStateMachineHoistedLocalScopes = uuid.MustParse("6da9a61e-f8c7-4874-be62-68bc5630df71")
	KindDynamicLocalVariables          = uuid.MustParse("83c563c4-b4f3-47d5-b824-ba5441477ea8")
	KindTupleElementNames              = uuid.MustParse("ed9fdf71-8879-4747-8ed3-fe5ede3ce710")
	KindDefaultNamespace               = uuid.MustParse("58b2eab6-209f-4e4e-a22c-b2d0f910c782")
	KindEncLocalSlotMap                = uuid.MustParse("755f52a8-91c5-45be-b4b8-209571e552bd")
	KindEncLambdaAndClosureMap         = uuid.MustParse("a643004c-0240-496f-a783-30d64f4979de")
	KindSourceLink                     = uuid.MustParse("cc110556-a091-4d38-9fec-25ab9a351a6a")
	KindEmbeddedSource                 = uuid.MustParse("0e8a571b-6926-466e-b4ad-8ab04611f5fe")
)

// HiddenLine is the start line of hidden sequence points.
const HiddenLine = 0xFEEFEE

// LocalVariableDebuggerHidden marks compiler-generated locals.
const LocalVariableDebuggerHidden = 0x0001

// Document is a row of the Document table.
type Document struct {
	Name          string
	HashAlgorithm uuid.UUID
	Hash          []byte
	Language      uuid.UUID
}

// SequencePoint maps an IL offset to a source span. Document is the 1-based
// Document row.
type SequencePoint struct {
	Offset      int
	Document    int
	StartLine   int
	StartColumn int
	EndLine     int
	EndColumn   int
}

// IsHidden reports whether the point hides its IL range from the debugger.
func (p SequencePoint) IsHidden() bool {
	return p.StartLine == HiddenLine
}

// Hidden returns a hidden sequence point.
func Hidden(offset, document int) SequencePoint {
	return SequencePoint{Offset: offset, Document: document, StartLine: HiddenLine, EndLine: HiddenLine}
}

// MethodDebugInfo is a row of the MethodDebugInformation table. Row i
// describes MethodDef i.
type MethodDebugInfo struct {
	LocalSignature metadata.Token
	SequencePoints []SequencePoint
}

// LocalVariable is a row of the LocalVariable table.
type LocalVariable struct {
	Attributes uint16
	Index      int
	Name       string
}

// LocalConstant is a row of the LocalConstant table.
type LocalConstant struct {
	Name      string
	Signature []byte
}

// LocalScope is a row of the LocalScope table with its variable and
// constant lists. ImportScope is a 1-based ImportScope row.
type LocalScope struct {
	Method      metadata.Token
	ImportScope int
	StartOffset int
	Length      int
	Variables   []LocalVariable
	Constants   []LocalConstant
}

// EndOffset returns the exclusive end of the scope.
func (s LocalScope) EndOffset() int {
	return s.StartOffset + s.Length
}

// Import is a decoded import definition with heap strings resolved.
// Alias holds the alias or XML prefix; Target the namespace or XML
// namespace.
type Import struct {
	Kind        imports.Kind
	Alias       string
	Target      string
	AssemblyRef uint32
	Type        metadata.Token
}

// ImportScope is a row of the ImportScope table. Parent is a 1-based row,
// 0 for the root scope. UnknownKind is the opcode that stopped decoding of
// the imports blob, if any; Imports then holds the directives before it.
type ImportScope struct {
	Parent      int
	Imports     []Import
	UnknownKind imports.Kind
}

// StateMachineMethod links a MoveNext method to its kickoff method.
type StateMachineMethod struct {
	MoveNext metadata.Token
	Kickoff  metadata.Token
}

// CustomDebugInfo is a row of the CustomDebugInformation table.
type CustomDebugInfo struct {
	Parent metadata.Token
	Kind   uuid.UUID
	Value  []byte
}

// Pdb is the content of a Portable PDB.
type Pdb struct {
	Guid       uuid.UUID
	Stamp      uint32
	EntryPoint metadata.Token
	// TypeSystemRowCounts are the row counts of the image tables the debug
	// tables refer to.
	TypeSystemRowCounts [metadata.MaxTables]uint32

	Documents           []Document
	Methods             []MethodDebugInfo
	LocalScopes         []LocalScope
	ImportScopes        []ImportScope
	StateMachineMethods []StateMachineMethod
	CustomDebugInfo     []CustomDebugInfo
}

// FindCustomDebugInfo returns the value of the first record of kind
// attached to parent.
func (p *Pdb) FindCustomDebugInfo(parent metadata.Token, kind uuid.UUID) ([]byte, bool) {
	for _, c := range p.CustomDebugInfo {
		if c.Parent == parent && c.Kind == kind {
			return c.Value, true
		}
	}
	return nil, false
}

// ScopesOf returns the local scopes of method in table order.
func (p *Pdb) ScopesOf(method metadata.Token) []LocalScope {
	var out []LocalScope
	for _, s := range p.LocalScopes {
		if s.Method == method {
			out = append(out, s)
		}
	}
	return out
}

// KickoffOf returns the kickoff method of a MoveNext method.
func (p *Pdb) KickoffOf(moveNext metadata.Token) (metadata.Token, bool) {
	for _, sm := range p.StateMachineMethods {
		if sm.MoveNext == moveNext {
			return sm.Kickoff, true
		}
	}
	return 0, false
}
