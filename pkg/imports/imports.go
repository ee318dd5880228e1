// Package imports encodes import/using directive chains as the compact
// instruction stream stored in Portable PDB import scopes, and parses the
// using strings Windows PDBs attach to methods.
package imports

import (
	"errors"
	"fmt"

	"github.com/jtang613/pdb2pdb/pkg/metadata"
)

// Kind is the opcode of one import directive.
type Kind byte

const (
	KindImportNamespace              Kind = 1
	KindImportAssemblyNamespace      Kind = 2
	KindImportType                   Kind = 3
	KindImportXmlNamespace           Kind = 4
	KindImportAssemblyReferenceAlias Kind = 5
	KindAliasAssemblyReference       Kind = 6
	KindAliasNamespace               Kind = 7
	KindAliasAssemblyNamespace       Kind = 8
	KindAliasType                    Kind = 9
)

func (k Kind) String() string {
	switch k {
	case KindImportNamespace:
		return "ImportNamespace"
	case KindImportAssemblyNamespace:
		return "ImportAssemblyNamespace"
	case KindImportType:
		return "ImportType"
	case KindImportXmlNamespace:
		return "ImportXmlNamespace"
	case KindImportAssemblyReferenceAlias:
		return "ImportAssemblyReferenceAlias"
	case KindAliasAssemblyReference:
		return "AliasAssemblyReference"
	case KindAliasNamespace:
		return "AliasNamespace"
	case KindAliasAssemblyNamespace:
		return "AliasAssemblyNamespace"
	case KindAliasType:
		return "AliasType"
	default:
		return fmt.Sprintf("Kind(%d)", byte(k))
	}
}

// ErrUnknownKind is returned when an import blob contains an opcode outside
// the known set.
var ErrUnknownKind = errors.New("imports: unknown import kind")

// UnknownKindError reports the opcode and offset at which Decode stopped.
type UnknownKindError struct {
	Kind   Kind
	Offset int
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("%v: %d at offset %d", ErrUnknownKind, byte(e.Kind), e.Offset)
}

func (e *UnknownKindError) Is(target error) bool {
	return target == ErrUnknownKind
}

// Definition is one encoded directive. Heap operands are "#Blob" offsets of
// UTF-8 strings; which fields are meaningful depends on Kind.
type Definition struct {
	Kind        Kind
	Alias       uint32 // blob offset of the alias
	Namespace   uint32 // blob offset of the namespace or XML namespace
	AssemblyRef uint32 // AssemblyRef row id
	Type        uint32 // TypeDefOrRefOrSpec coded index
}

// operands describes which operands follow an opcode, in wire order.
type operands struct {
	alias, assembly, namespace, typ bool
}

var layouts = map[Kind]operands{
	KindImportNamespace:              {namespace: true},
	KindImportAssemblyNamespace:      {assembly: true, namespace: true},
	KindImportType:                   {typ: true},
	KindImportXmlNamespace:           {alias: true, namespace: true},
	KindImportAssemblyReferenceAlias: {alias: true},
	KindAliasAssemblyReference:       {alias: true, assembly: true},
	KindAliasNamespace:               {alias: true, namespace: true},
	KindAliasAssemblyNamespace:       {alias: true, assembly: true, namespace: true},
	KindAliasType:                    {alias: true, typ: true},
}

// Namespace returns a namespace import; a non-zero alias selects the alias
// form.
func Namespace(alias, namespace uint32) Definition {
	if alias != 0 {
		return Definition{Kind: KindAliasNamespace, Alias: alias, Namespace: namespace}
	}
	return Definition{Kind: KindImportNamespace, Namespace: namespace}
}

// AssemblyNamespace returns a namespace import scoped to an assembly
// reference; a non-zero alias selects the alias form.
func AssemblyNamespace(alias, assemblyRef, namespace uint32) Definition {
	if alias != 0 {
		return Definition{Kind: KindAliasAssemblyNamespace, Alias: alias, AssemblyRef: assemblyRef, Namespace: namespace}
	}
	return Definition{Kind: KindImportAssemblyNamespace, AssemblyRef: assemblyRef, Namespace: namespace}
}

// Type returns a type import; a non-zero alias selects the alias form.
func Type(alias uint32, typ metadata.Token) (Definition, error) {
	coded, ok := metadata.TypeDefOrRef.Encode(typ)
	if !ok {
		return Definition{}, fmt.Errorf("imports: token %s is not a type", typ)
	}
	if alias != 0 {
		return Definition{Kind: KindAliasType, Alias: alias, Type: coded}, nil
	}
	return Definition{Kind: KindImportType, Type: coded}, nil
}

// XmlNamespace returns an XML namespace import.
func XmlNamespace(prefix, namespace uint32) Definition {
	return Definition{Kind: KindImportXmlNamespace, Alias: prefix, Namespace: namespace}
}

// AssemblyReferenceAlias returns an import of an extern alias.
func AssemblyReferenceAlias(alias uint32) Definition {
	return Definition{Kind: KindImportAssemblyReferenceAlias, Alias: alias}
}

// AliasAssemblyReference returns the definition of an extern alias.
func AliasAssemblyReference(alias, assemblyRef uint32) Definition {
	return Definition{Kind: KindAliasAssemblyReference, Alias: alias, AssemblyRef: assemblyRef}
}

// TypeToken decodes the Type operand.
func (d Definition) TypeToken() metadata.Token {
	return metadata.TypeDefOrRef.Decode(d.Type)
}

// Encode serializes directives as opcode bytes followed by compressed
// operands.
func Encode(defs []Definition) ([]byte, error) {
	w := metadata.NewBlobWriter()
	for i, d := range defs {
		ops, ok := layouts[d.Kind]
		if !ok {
			return nil, fmt.Errorf("%w: %d at position %d", ErrUnknownKind, d.Kind, i)
		}
		w.Byte(byte(d.Kind))
		if ops.alias {
			w.CompressedUint(d.Alias)
		}
		if ops.assembly {
			w.CompressedUint(d.AssemblyRef)
		}
		if ops.namespace {
			w.CompressedUint(d.Namespace)
		}
		if ops.typ {
			w.CompressedUint(d.Type)
		}
	}
	if err := w.Err(); err != nil {
		return nil, fmt.Errorf("failed to encode imports: %w", err)
	}
	return w.Bytes(), nil
}

// Decode parses an import blob. It stops at the first unknown opcode and
// returns the directives decoded so far together with ErrUnknownKind.
func Decode(blob []byte) ([]Definition, error) {
	r := metadata.NewBlobReader(blob)
	var defs []Definition
	for r.Remaining() > 0 {
		op, _ := r.ReadByte()
		kind := Kind(op)
		ops, ok := layouts[kind]
		if !ok {
			return defs, &UnknownKindError{Kind: kind, Offset: r.Offset() - 1}
		}

		d := Definition{Kind: kind}
		var err error
		if ops.alias && err == nil {
			d.Alias, err = r.ReadCompressedUint()
		}
		if ops.assembly && err == nil {
			d.AssemblyRef, err = r.ReadCompressedUint()
		}
		if ops.namespace && err == nil {
			d.Namespace, err = r.ReadCompressedUint()
		}
		if ops.typ && err == nil {
			d.Type, err = r.ReadCompressedUint()
		}
		if err != nil {
			return defs, fmt.Errorf("failed to decode %s operands: %w", kind, err)
		}
		defs = append(defs, d)
	}
	return defs, nil
}
