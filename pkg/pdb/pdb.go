package pdb

import (
	"errors"
	"io"

	"github.com/jtang613/pdb2pdb/pkg/metadata"
	"github.com/jtang613/pdb2pdb/pkg/tokens"
)

// Named streams.
const (
	SourceServerStream = "srcsrv"
	SourceLinkStream   = "sourcelink"
	sourceFilesPrefix  = "/src/files/"
)

var (
	// ErrNotWindowsPdb is returned for data that is not an MSF container.
	ErrNotWindowsPdb = errors.New("pdb: not a Windows PDB")
	// ErrWriterState is returned for writer calls out of order.
	ErrWriterState = errors.New("pdb: invalid writer state")
)

// SymReader reads the managed debug information of a Windows PDB.
type SymReader interface {
	Signature() Signature
	Documents() []Document
	// Methods returns the methods with debug information in token order.
	Methods() []Method
	// SourceServerData returns the srcsrv stream, or nil.
	SourceServerData() []byte
	// SourceLinkData returns the sourcelink stream, or nil.
	SourceLinkData() []byte
	Close() error
}

// SymWriter emits the managed debug information of a Windows PDB.
//
// Methods are written between OpenMethod and CloseMethod. The first scope
// opened in a method is its root scope and spans the method body; locals
// and constants belong to the innermost open scope.
type SymWriter interface {
	// DefineDocument adds a document and returns its index.
	DefineDocument(doc Document) (int, error)
	OpenMethod(token metadata.Token) error
	CloseMethod() error
	OpenScope(startOffset int) error
	CloseScope(endOffset int) error
	DefineLocal(local Local) error
	DefineConstant(c Constant) error
	UsingNamespace(ns string) error
	DefineSequencePoints(points []SequencePoint) error
	DefineCustomDebugInfo(blob []byte) error
	DefineAsyncInfo(info AsyncInfo) error
	SetSourceServerData(data []byte) error
	SetSourceLinkData(data []byte) error
	// Commit writes the PDB with the given signature to w. The writer is
	// not usable afterwards.
	Commit(w io.Writer, sig Signature) error
	Close() error
}

// WriterFactory creates a SymWriter. md answers metadata lookups about the
// image the PDB describes.
type WriterFactory func(md tokens.Translator) (SymWriter, error)
