// Package tokens resolves type and method identity in the metadata of the
// image a PDB belongs to, so debug records can be moved between formats
// without re-resolving every reference.
package tokens

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jtang613/pdb2pdb/pkg/metadata"
)

var (
	// ErrMetadataUnavailable is returned by every lookup of a translator
	// that has no image metadata behind it.
	ErrMetadataUnavailable = errors.New("tokens: metadata unavailable")
	// ErrInvalidToken is returned for tokens of the wrong table or out of
	// range.
	ErrInvalidToken = errors.New("tokens: invalid token")
	// ErrNotFound is returned when a name lookup has no match.
	ErrNotFound = errors.New("tokens: not found")
)

// SignatureRef locates a signature in the "#Blob" heap.
type SignatureRef struct {
	Offset uint32
	Length int
}

// TypeIdentity is the structural identity of a TypeDef or TypeRef.
type TypeIdentity struct {
	Token      metadata.Token
	Namespace  string
	Name       string
	Attributes uint32
	// DeclaringType is the enclosing type of a nested type, or 0.
	DeclaringType metadata.Token
	// ResolutionScope is the scope of a TypeRef; 0 for TypeDefs.
	ResolutionScope metadata.Token
}

// MethodIdentity is the structural identity of a MethodDef.
type MethodIdentity struct {
	Token         metadata.Token
	Name          string
	Attributes    uint32
	DeclaringType metadata.Token
	Signature     SignatureRef
	RVA           uint32
}

// HasBody reports whether the method has IL.
func (m MethodIdentity) HasBody() bool {
	return m.RVA != 0
}

// Translator answers identity questions about one image's metadata.
// A Translator is bound to one image and must not be shared between
// concurrent conversions.
type Translator interface {
	Type(tok metadata.Token) (TypeIdentity, error)
	Method(tok metadata.Token) (MethodIdentity, error)
	// DeclaringType returns the directly enclosing type of a type or the
	// owning type of a method. It resolves exactly one level.
	DeclaringType(tok metadata.Token) (metadata.Token, error)
	NestedTypes(tok metadata.Token) ([]metadata.Token, error)
	Methods(typ metadata.Token) ([]metadata.Token, error)
	FindMethod(typ metadata.Token, name string) (metadata.Token, error)
	FindType(name string) (metadata.Token, error)
	StandAloneSignature(tok metadata.Token) ([]byte, error)
	// FindStandAloneSignature returns the first StandAloneSig row whose
	// blob equals sig.
	FindStandAloneSignature(sig []byte) (metadata.Token, error)
	// EnumUnderlyingType returns the type of the instance field of an enum
	// TypeDef.
	EnumUnderlyingType(tok metadata.Token) (metadata.ElementType, error)
	// LocalSignature returns the StandAloneSig token from the method body
	// header, or 0 if the method has no body or no locals.
	LocalSignature(method metadata.Token) (metadata.Token, error)
	AssemblyReference(row uint32) (string, error)
	FindAssemblyReference(name string) (uint32, error)
	MethodCount() (int, error)
}

// TypeName returns the reflection name of a type ("Ns.Outer+Inner"),
// walking DeclaringType one level at a time. With assemblyQualified set,
// types from referenced assemblies get a ", Assembly" suffix.
func TypeName(t Translator, tok metadata.Token, assemblyQualified bool) (string, error) {
	var parts []string
	var scope metadata.Token
	for cur := tok; !cur.IsNil(); {
		id, err := t.Type(cur)
		if err != nil {
			return "", err
		}
		if id.DeclaringType.IsNil() && id.Namespace != "" {
			parts = append(parts, id.Namespace+"."+id.Name)
		} else {
			parts = append(parts, id.Name)
		}
		scope = id.ResolutionScope
		cur = id.DeclaringType
		if len(parts) > 64 {
			return "", fmt.Errorf("%w: nesting cycle at %s", ErrInvalidToken, tok)
		}
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	name := strings.Join(parts, "+")

	if assemblyQualified && scope.Table() == metadata.TableAssemblyRef && !scope.IsNil() {
		asm, err := t.AssemblyReference(scope.RID())
		if err != nil {
			return "", err
		}
		name += ", " + asm
	}
	return name, nil
}

// SplitTypeName splits a reflection name into namespace, the outermost
// type name and nested type names. Any assembly qualification is dropped.
func SplitTypeName(name string) (ns, outer string, nested []string) {
	if i := strings.Index(name, ", "); i >= 0 {
		name = name[:i]
	}
	parts := strings.Split(name, "+")
	outer = parts[0]
	if i := strings.LastIndexByte(outer, '.'); i >= 0 {
		ns, outer = outer[:i], outer[i+1:]
	}
	return ns, outer, parts[1:]
}

// Unavailable is the translator used when no image metadata is present.
// Every lookup fails with ErrMetadataUnavailable.
type Unavailable struct{}

var _ Translator = Unavailable{}

func (Unavailable) Type(metadata.Token) (TypeIdentity, error) {
	return TypeIdentity{}, ErrMetadataUnavailable
}

func (Unavailable) Method(metadata.Token) (MethodIdentity, error) {
	return MethodIdentity{}, ErrMetadataUnavailable
}

func (Unavailable) DeclaringType(metadata.Token) (metadata.Token, error) {
	return 0, ErrMetadataUnavailable
}

func (Unavailable) NestedTypes(metadata.Token) ([]metadata.Token, error) {
	return nil, ErrMetadataUnavailable
}

func (Unavailable) Methods(metadata.Token) ([]metadata.Token, error) {
	return nil, ErrMetadataUnavailable
}

func (Unavailable) FindMethod(metadata.Token, string) (metadata.Token, error) {
	return 0, ErrMetadataUnavailable
}

func (Unavailable) FindType(string) (metadata.Token, error) {
	return 0, ErrMetadataUnavailable
}

func (Unavailable) StandAloneSignature(metadata.Token) ([]byte, error) {
	return nil, ErrMetadataUnavailable
}

func (Unavailable) FindStandAloneSignature([]byte) (metadata.Token, error) {
	return 0, ErrMetadataUnavailable
}

func (Unavailable) EnumUnderlyingType(metadata.Token) (metadata.ElementType, error) {
	return 0, ErrMetadataUnavailable
}

func (Unavailable) LocalSignature(metadata.Token) (metadata.Token, error) {
	return 0, ErrMetadataUnavailable
}

func (Unavailable) AssemblyReference(uint32) (string, error) {
	return "", ErrMetadataUnavailable
}

func (Unavailable) FindAssemblyReference(string) (uint32, error) {
	return 0, ErrMetadataUnavailable
}

func (Unavailable) MethodCount() (int, error) {
	return 0, ErrMetadataUnavailable
}
