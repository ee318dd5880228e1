// Package pdb provides access to the managed debug information of Windows
// PDB files: a pure-Go reader, a writer, and the capability interfaces a
// converter uses to reach either.
package pdb

import (
	"github.com/google/uuid"

	"github.com/jtang613/pdb2pdb/pkg/metadata"
)

// Well-known document GUIDs.
var (
	DocumentTypeText        = uuid.MustParse("5a869d0b-6611-11d3-bd2a-0000f80849bd")
	LanguageVendorMicrosoft = uuid.MustParse("994b45c4-e6e9-11d2-903f-00c04fa302a1")
	HashMD5                 = uuid.MustParse("406ea660-64cf-4c82-b6f0-42d48172a799")
)

// HiddenLine is the line of sequence points hidden from the debugger.
const HiddenLine = 0xFEEFEE

// LocalDebuggerHidden marks a compiler-generated local.
const LocalDebuggerHidden = 0x0001

// Signature identifies a PDB and the image built with it.
type Signature struct {
	Guid  uuid.UUID `json:"guid"`
	Stamp uint32    `json:"stamp"`
	Age   int       `json:"age"`
}

// Matches reports whether two signatures identify the same module build.
func (s Signature) Matches(o Signature) bool {
	return s.Guid == o.Guid && s.Stamp == o.Stamp && s.Age == o.Age
}

// Document is a source file.
type Document struct {
	Name              string    `json:"name"`
	Language          uuid.UUID `json:"language"`
	LanguageVendor    uuid.UUID `json:"language_vendor"`
	DocumentType      uuid.UUID `json:"document_type"`
	ChecksumAlgorithm uuid.UUID `json:"checksum_algorithm"`
	Checksum          []byte    `json:"checksum,omitempty"`
}

// SequencePoint maps an IL offset to a source span. Document indexes the
// documents of the PDB.
type SequencePoint struct {
	Offset      int `json:"offset"`
	Document    int `json:"document"`
	StartLine   int `json:"start_line"`
	StartColumn int `json:"start_column"`
	EndLine     int `json:"end_line"`
	EndColumn   int `json:"end_column"`
}

// IsHidden reports whether the point hides its IL range.
func (p SequencePoint) IsHidden() bool {
	return p.StartLine == HiddenLine
}

// Local is a local variable slot.
type Local struct {
	Name       string `json:"name"`
	Slot       int    `json:"slot"`
	Attributes uint16 `json:"attributes,omitempty"`
}

// Constant is a local constant. Signature is the StandAloneSig token of
// its field signature.
type Constant struct {
	Name      string                 `json:"name"`
	Signature metadata.Token         `json:"signature"`
	Value     metadata.ConstantValue `json:"value"`
}

// Scope is a lexical scope covering [StartOffset, EndOffset).
type Scope struct {
	StartOffset int        `json:"start_offset"`
	EndOffset   int        `json:"end_offset"`
	Locals      []Local    `json:"locals,omitempty"`
	Constants   []Constant `json:"constants,omitempty"`
	Children    []*Scope   `json:"children,omitempty"`
}

// Walk calls fn for s and its descendants in pre-order.
func (s *Scope) Walk(fn func(*Scope)) {
	fn(s)
	for _, c := range s.Children {
		c.Walk(fn)
	}
}

// AsyncStep is one await of an async method.
type AsyncStep struct {
	YieldOffset  int            `json:"yield_offset"`
	ResumeOffset int            `json:"resume_offset"`
	ResumeMethod metadata.Token `json:"resume_method"`
}

// AsyncInfo describes the stepping of an async MoveNext method.
// CatchHandlerOffset is -1 when there is no catch handler.
type AsyncInfo struct {
	KickoffMethod      metadata.Token `json:"kickoff_method"`
	CatchHandlerOffset int            `json:"catch_handler_offset"`
	Steps              []AsyncStep    `json:"steps,omitempty"`
}

// Method is the debug information of one method. Scope is the root scope
// spanning the method body, or nil. CustomDebugInfo is the raw custom
// debug information container.
type Method struct {
	Token           metadata.Token  `json:"token"`
	Name            string          `json:"name,omitempty"`
	SequencePoints  []SequencePoint `json:"sequence_points,omitempty"`
	Scope           *Scope          `json:"scope,omitempty"`
	Namespaces      []string        `json:"namespaces,omitempty"`
	CustomDebugInfo []byte          `json:"custom_debug_info,omitempty"`
	AsyncInfo       *AsyncInfo      `json:"async_info,omitempty"`
}

// Info summarizes a PDB file.
type Info struct {
	Signature    Signature         `json:"signature"`
	Streams      int               `json:"streams"`
	NamedStreams map[string]uint32 `json:"named_streams"`
	Documents    int               `json:"documents"`
	Methods      int               `json:"methods"`
	TypeRecords  uint32            `json:"type_records"`
}

// ModuleInfo describes one module of the DBI stream.
type ModuleInfo struct {
	Name        string   `json:"name"`
	ObjectFile  string   `json:"object_file"`
	Stream      uint16   `json:"stream"`
	SymbolBytes uint32   `json:"symbol_bytes"`
	LineBytes   uint32   `json:"line_bytes"`
	SourceFiles []string `json:"source_files,omitempty"`
}
