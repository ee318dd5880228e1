// Package diag defines the recoverable anomalies a conversion reports
// instead of failing, and the sink that collects them.
package diag

import (
	"fmt"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/jtang613/pdb2pdb/pkg/metadata"
)

// Id identifies a diagnostic. Values are stable and appear in output.
type Id int

const (
	MethodWithoutBodyHasScope Id = iota + 1
	LocalNameTooLong
	MissingLocalSignature
	InvalidScopeRange
	UnresolvedImportAlias
	UnknownImportKind
	StateMachineNameWithImports
	DuplicateDynamicLocalSlot
	DuplicateTupleElementNames
	InvalidSequencePointDocument
	UnmappedDocumentName
	ChecksumSizeMismatch
	InvalidSourceServerScheme
	UnsupportedSourceServerUrl
	UndefinedSourceServerVariable
	MalformedSourceServerLine
	UnresolvedImportType
	MalformedCustomDebugInfo
	UnresolvedStateMachineMethod
	InvalidSourceLink
	UnsupportedConstantSignature
	InvalidSequencePoint
	UnreadableMethodBody
)

// Ids lists every defined diagnostic.
var Ids = []Id{
	MethodWithoutBodyHasScope, LocalNameTooLong, MissingLocalSignature,
	InvalidScopeRange, UnresolvedImportAlias, UnknownImportKind,
	StateMachineNameWithImports, DuplicateDynamicLocalSlot,
	DuplicateTupleElementNames, InvalidSequencePointDocument,
	UnmappedDocumentName, ChecksumSizeMismatch, InvalidSourceServerScheme,
	UnsupportedSourceServerUrl, UndefinedSourceServerVariable,
	MalformedSourceServerLine, UnresolvedImportType, MalformedCustomDebugInfo,
	UnresolvedStateMachineMethod, InvalidSourceLink,
	UnsupportedConstantSignature, InvalidSequencePoint, UnreadableMethodBody,
}

// Code returns the display code, e.g. "PDB0004".
func (id Id) Code() string {
	return fmt.Sprintf("PDB%04d", int(id))
}

func (id Id) String() string {
	switch id {
	case MethodWithoutBodyHasScope:
		return "MethodWithoutBodyHasScope"
	case LocalNameTooLong:
		return "LocalNameTooLong"
	case MissingLocalSignature:
		return "MissingLocalSignature"
	case InvalidScopeRange:
		return "InvalidScopeRange"
	case UnresolvedImportAlias:
		return "UnresolvedImportAlias"
	case UnknownImportKind:
		return "UnknownImportKind"
	case StateMachineNameWithImports:
		return "StateMachineNameWithImports"
	case DuplicateDynamicLocalSlot:
		return "DuplicateDynamicLocalSlot"
	case DuplicateTupleElementNames:
		return "DuplicateTupleElementNames"
	case InvalidSequencePointDocument:
		return "InvalidSequencePointDocument"
	case UnmappedDocumentName:
		return "UnmappedDocumentName"
	case ChecksumSizeMismatch:
		return "ChecksumSizeMismatch"
	case InvalidSourceServerScheme:
		return "InvalidSourceServerScheme"
	case UnsupportedSourceServerUrl:
		return "UnsupportedSourceServerUrl"
	case UndefinedSourceServerVariable:
		return "UndefinedSourceServerVariable"
	case MalformedSourceServerLine:
		return "MalformedSourceServerLine"
	case UnresolvedImportType:
		return "UnresolvedImportType"
	case MalformedCustomDebugInfo:
		return "MalformedCustomDebugInfo"
	case UnresolvedStateMachineMethod:
		return "UnresolvedStateMachineMethod"
	case InvalidSourceLink:
		return "InvalidSourceLink"
	case UnsupportedConstantSignature:
		return "UnsupportedConstantSignature"
	case InvalidSequencePoint:
		return "InvalidSequencePoint"
	case UnreadableMethodBody:
		return "UnreadableMethodBody"
	default:
		return fmt.Sprintf("Id(%d)", int(id))
	}
}

// format returns the message template. It panics on an id without one.
func (id Id) format() string {
	switch id {
	case MethodWithoutBodyHasScope:
		return "method has no body but declares local scopes"
	case LocalNameTooLong:
		return "local name %q is longer than %d characters"
	case MissingLocalSignature:
		return "method declares %d locals but has no local signature"
	case InvalidScopeRange:
		return "invalid local scope range [%d, %d)"
	case UnresolvedImportAlias:
		return "unable to resolve extern alias %q"
	case UnknownImportKind:
		return "unknown import kind %d"
	case StateMachineNameWithImports:
		return "method has a state machine type name and imports; imports are ignored"
	case DuplicateDynamicLocalSlot:
		return "duplicate dynamic local slot %d"
	case DuplicateTupleElementNames:
		return "duplicate tuple element names for local %q"
	case InvalidSequencePointDocument:
		return "sequence point refers to invalid document %d"
	case UnmappedDocumentName:
		return "document name %q cannot be mapped"
	case ChecksumSizeMismatch:
		return "checksum of document %q has %d bytes, expected %d"
	case InvalidSourceServerScheme:
		return "source server URL scheme %q is not supported"
	case UnsupportedSourceServerUrl:
		return "source server URL %q does not match a supported pattern"
	case UndefinedSourceServerVariable:
		return "undefined source server variable %q"
	case MalformedSourceServerLine:
		return "malformed source file line %q"
	case UnresolvedImportType:
		return "unable to resolve imported type %q"
	case MalformedCustomDebugInfo:
		return "malformed custom debug information: %v"
	case UnresolvedStateMachineMethod:
		return "unable to find the state machine method of %q"
	case InvalidSourceLink:
		return "invalid Source Link document: %v"
	case UnsupportedConstantSignature:
		return "constant %q has a signature that cannot be converted: %v"
	case InvalidSequencePoint:
		return "sequence point at IL offset %d dropped: %s"
	case UnreadableMethodBody:
		return "unable to read method body: %v"
	}
	panic(fmt.Sprintf("diag: no message for id %d", int(id)))
}

// Diagnostic is one recoverable anomaly. Token is the owning metadata
// token, or 0 when the anomaly is not tied to one.
type Diagnostic struct {
	Id    Id
	Token metadata.Token
	Args  []any
}

// New creates a diagnostic. The arguments are copied.
func New(id Id, tok metadata.Token, args ...any) Diagnostic {
	return Diagnostic{Id: id, Token: tok, Args: append([]any(nil), args...)}
}

// Message renders the diagnostic text for the given locale.
func (d Diagnostic) Message(locale language.Tag) string {
	return message.NewPrinter(locale).Sprintf(d.Id.format(), d.Args...)
}

func (d Diagnostic) String() string {
	var b strings.Builder
	b.WriteString(d.Id.Code())
	if d.Token != 0 {
		b.WriteString(" (")
		b.WriteString(d.Token.String())
		b.WriteByte(')')
	}
	b.WriteString(": ")
	b.WriteString(d.Message(language.English))
	return b.String()
}

// Sink accumulates diagnostics for one conversion. Entries are never
// removed. A Sink is not safe for concurrent use.
type Sink struct {
	items []Diagnostic
	// OnReport, when set, is called for every diagnostic as it is added.
	OnReport func(Diagnostic)
}

// Add appends a diagnostic.
func (s *Sink) Add(d Diagnostic) {
	s.items = append(s.items, d)
	if s.OnReport != nil {
		s.OnReport(d)
	}
}

// Report creates and appends a diagnostic.
func (s *Sink) Report(id Id, tok metadata.Token, args ...any) {
	s.Add(New(id, tok, args...))
}

// Len returns the number of diagnostics reported so far.
func (s *Sink) Len() int {
	return len(s.items)
}

// Diagnostics returns a copy of the reported diagnostics in order.
func (s *Sink) Diagnostics() []Diagnostic {
	return append([]Diagnostic(nil), s.items...)
}

// Has reports whether a diagnostic with the given id was reported.
func (s *Sink) Has(id Id) bool {
	for _, d := range s.items {
		if d.Id == id {
			return true
		}
	}
	return false
}
