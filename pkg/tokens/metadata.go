package tokens

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/jtang613/pdb2pdb/pkg/metadata"
)

// BodyReader reads method body headers from the image.
type BodyReader interface {
	// LocalSignature returns the local variable signature token of the body
	// at rva, or 0 for bodies without locals.
	LocalSignature(rva uint32) (metadata.Token, error)
}

// MetadataTranslator resolves tokens against parsed image metadata.
type MetadataTranslator struct {
	tables *metadata.Tables
	bodies BodyReader
}

var _ Translator = (*MetadataTranslator)(nil)

// NewMetadataTranslator creates a translator over tables. bodies may be nil,
// in which case LocalSignature fails with ErrMetadataUnavailable.
func NewMetadataTranslator(tables *metadata.Tables, bodies BodyReader) *MetadataTranslator {
	return &MetadataTranslator{tables: tables, bodies: bodies}
}

// RowCount returns the number of rows of an image table.
func (m *MetadataTranslator) RowCount(tab metadata.Table) uint32 {
	return m.tables.RowCount(tab)
}

func (m *MetadataTranslator) row(tok metadata.Token, want metadata.Table) (metadata.Row, error) {
	if tok.Table() != want {
		return metadata.Row{}, fmt.Errorf("%w: %s is not a %s token", ErrInvalidToken, tok, want)
	}
	r, ok := m.tables.Row(want, tok.RID())
	if !ok {
		return metadata.Row{}, fmt.Errorf("%w: %s out of range", ErrInvalidToken, tok)
	}
	return r, nil
}

// Type returns the identity of a TypeDef or TypeRef.
func (m *MetadataTranslator) Type(tok metadata.Token) (TypeIdentity, error) {
	switch tok.Table() {
	case metadata.TableTypeDef:
		r, err := m.row(tok, metadata.TableTypeDef)
		if err != nil {
			return TypeIdentity{}, err
		}
		id := TypeIdentity{Token: tok, Attributes: r.Uint(metadata.ColTypeDefFlags)}
		if id.Name, err = r.String(metadata.ColTypeDefName); err != nil {
			return TypeIdentity{}, fmt.Errorf("failed to read name of %s: %w", tok, err)
		}
		if id.Namespace, err = r.String(metadata.ColTypeDefNamespace); err != nil {
			return TypeIdentity{}, fmt.Errorf("failed to read namespace of %s: %w", tok, err)
		}
		id.DeclaringType = m.enclosingType(tok.RID())
		return id, nil

	case metadata.TableTypeRef:
		r, err := m.row(tok, metadata.TableTypeRef)
		if err != nil {
			return TypeIdentity{}, err
		}
		id := TypeIdentity{Token: tok, ResolutionScope: r.Token(metadata.ColTypeRefResolutionScope)}
		if id.Name, err = r.String(metadata.ColTypeRefName); err != nil {
			return TypeIdentity{}, fmt.Errorf("failed to read name of %s: %w", tok, err)
		}
		if id.Namespace, err = r.String(metadata.ColTypeRefNamespace); err != nil {
			return TypeIdentity{}, fmt.Errorf("failed to read namespace of %s: %w", tok, err)
		}
		if id.ResolutionScope.Table() == metadata.TableTypeRef {
			id.DeclaringType = id.ResolutionScope
		}
		return id, nil
	}
	return TypeIdentity{}, fmt.Errorf("%w: %s is not a type", ErrInvalidToken, tok)
}

// enclosingType looks up the NestedClass row of a TypeDef.
func (m *MetadataTranslator) enclosingType(rid uint32) metadata.Token {
	n := int(m.tables.RowCount(metadata.TableNestedClass))
	nested := func(i int) metadata.Row {
		r, _ := m.tables.Row(metadata.TableNestedClass, uint32(i+1))
		return r
	}
	if m.tables.Sorted&(1<<uint(metadata.TableNestedClass)) != 0 {
		i := sort.Search(n, func(i int) bool {
			return nested(i).Uint(metadata.ColNestedClassNested) >= rid
		})
		if i < n && nested(i).Uint(metadata.ColNestedClassNested) == rid {
			return metadata.NewToken(metadata.TableTypeDef, nested(i).Uint(metadata.ColNestedClassEnclosing))
		}
		return 0
	}
	for i := 0; i < n; i++ {
		if r := nested(i); r.Uint(metadata.ColNestedClassNested) == rid {
			return metadata.NewToken(metadata.TableTypeDef, r.Uint(metadata.ColNestedClassEnclosing))
		}
	}
	return 0
}

// Method returns the identity of a MethodDef.
func (m *MetadataTranslator) Method(tok metadata.Token) (MethodIdentity, error) {
	r, err := m.row(tok, metadata.TableMethodDef)
	if err != nil {
		return MethodIdentity{}, err
	}
	id := MethodIdentity{
		Token:      tok,
		Attributes: r.Uint(metadata.ColMethodDefFlags),
		RVA:        r.Uint(metadata.ColMethodDefRVA),
	}
	if id.Name, err = r.String(metadata.ColMethodDefName); err != nil {
		return MethodIdentity{}, fmt.Errorf("failed to read name of %s: %w", tok, err)
	}
	sig, err := r.Blob(metadata.ColMethodDefSignature)
	if err != nil {
		return MethodIdentity{}, fmt.Errorf("failed to read signature of %s: %w", tok, err)
	}
	id.Signature = SignatureRef{Offset: r.Uint(metadata.ColMethodDefSignature), Length: len(sig)}
	id.DeclaringType = m.owner(tok.RID())
	return id, nil
}

// owner finds the TypeDef whose method list contains rid.
func (m *MetadataTranslator) owner(rid uint32) metadata.Token {
	n := int(m.tables.RowCount(metadata.TableTypeDef))
	i := sort.Search(n, func(i int) bool {
		start, _ := m.tables.RowRange(metadata.TableTypeDef, uint32(i+1), metadata.ColTypeDefMethodList)
		return start > rid
	})
	for ; i > 0; i-- {
		start, end := m.tables.RowRange(metadata.TableTypeDef, uint32(i), metadata.ColTypeDefMethodList)
		if rid >= start && rid < end {
			return metadata.NewToken(metadata.TableTypeDef, uint32(i))
		}
		if start < rid {
			break
		}
	}
	return 0
}

// DeclaringType returns the enclosing type of a type or the owner of a
// method.
func (m *MetadataTranslator) DeclaringType(tok metadata.Token) (metadata.Token, error) {
	if tok.Table() == metadata.TableMethodDef {
		id, err := m.Method(tok)
		return id.DeclaringType, err
	}
	id, err := m.Type(tok)
	return id.DeclaringType, err
}

// NestedTypes returns the types directly nested in tok, in table order.
func (m *MetadataTranslator) NestedTypes(tok metadata.Token) ([]metadata.Token, error) {
	var out []metadata.Token
	switch tok.Table() {
	case metadata.TableTypeDef:
		if _, err := m.row(tok, metadata.TableTypeDef); err != nil {
			return nil, err
		}
		for i := uint32(1); i <= m.tables.RowCount(metadata.TableNestedClass); i++ {
			r, _ := m.tables.Row(metadata.TableNestedClass, i)
			if r.Uint(metadata.ColNestedClassEnclosing) == tok.RID() {
				out = append(out, metadata.NewToken(metadata.TableTypeDef, r.Uint(metadata.ColNestedClassNested)))
			}
		}
	case metadata.TableTypeRef:
		if _, err := m.row(tok, metadata.TableTypeRef); err != nil {
			return nil, err
		}
		for i := uint32(1); i <= m.tables.RowCount(metadata.TableTypeRef); i++ {
			r, _ := m.tables.Row(metadata.TableTypeRef, i)
			if r.Token(metadata.ColTypeRefResolutionScope) == tok {
				out = append(out, metadata.NewToken(metadata.TableTypeRef, i))
			}
		}
	default:
		return nil, fmt.Errorf("%w: %s is not a type", ErrInvalidToken, tok)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Methods returns the MethodDefs owned by a TypeDef.
func (m *MetadataTranslator) Methods(typ metadata.Token) ([]metadata.Token, error) {
	if _, err := m.row(typ, metadata.TableTypeDef); err != nil {
		return nil, err
	}
	start, end := m.tables.RowRange(metadata.TableTypeDef, typ.RID(), metadata.ColTypeDefMethodList)
	out := make([]metadata.Token, 0, end-start)
	for rid := start; rid < end; rid++ {
		out = append(out, metadata.NewToken(metadata.TableMethodDef, rid))
	}
	return out, nil
}

// FindMethod returns the first method of typ with the given name.
func (m *MetadataTranslator) FindMethod(typ metadata.Token, name string) (metadata.Token, error) {
	methods, err := m.Methods(typ)
	if err != nil {
		return 0, err
	}
	for _, tok := range methods {
		r, _ := m.tables.Row(metadata.TableMethodDef, tok.RID())
		if n, err := r.String(metadata.ColMethodDefName); err == nil && n == name {
			return tok, nil
		}
	}
	return 0, fmt.Errorf("%w: method %q in %s", ErrNotFound, name, typ)
}

// FindType resolves a reflection name. TypeDefs are searched before
// TypeRefs.
func (m *MetadataTranslator) FindType(name string) (metadata.Token, error) {
	ns, outer, nested := SplitTypeName(name)
	for _, tab := range []metadata.Table{metadata.TableTypeDef, metadata.TableTypeRef} {
		tok, ok := m.findTopLevel(tab, ns, outer)
		if !ok {
			continue
		}
		if tok, ok = m.findNested(tok, nested); ok {
			return tok, nil
		}
	}
	return 0, fmt.Errorf("%w: type %q", ErrNotFound, name)
}

func (m *MetadataTranslator) findTopLevel(tab metadata.Table, ns, name string) (metadata.Token, bool) {
	for rid := uint32(1); rid <= m.tables.RowCount(tab); rid++ {
		id, err := m.Type(metadata.NewToken(tab, rid))
		if err != nil || !id.DeclaringType.IsNil() {
			continue
		}
		if id.Namespace == ns && id.Name == name {
			return id.Token, true
		}
	}
	return 0, false
}

func (m *MetadataTranslator) findNested(tok metadata.Token, names []string) (metadata.Token, bool) {
	for _, name := range names {
		children, err := m.NestedTypes(tok)
		if err != nil {
			return 0, false
		}
		found := false
		for _, child := range children {
			if id, err := m.Type(child); err == nil && id.Name == name {
				tok, found = child, true
				break
			}
		}
		if !found {
			return 0, false
		}
	}
	return tok, true
}

// StandAloneSignature returns the signature blob of a StandAloneSig token.
func (m *MetadataTranslator) StandAloneSignature(tok metadata.Token) ([]byte, error) {
	r, err := m.row(tok, metadata.TableStandAloneSig)
	if err != nil {
		return nil, err
	}
	return r.Blob(metadata.ColStandAloneSigSignature)
}

// FindStandAloneSignature returns the first StandAloneSig row whose blob
// equals sig.
func (m *MetadataTranslator) FindStandAloneSignature(sig []byte) (metadata.Token, error) {
	for rid := uint32(1); rid <= m.tables.RowCount(metadata.TableStandAloneSig); rid++ {
		r, _ := m.tables.Row(metadata.TableStandAloneSig, rid)
		if b, err := r.Blob(metadata.ColStandAloneSigSignature); err == nil && bytes.Equal(b, sig) {
			return metadata.NewToken(metadata.TableStandAloneSig, rid), nil
		}
	}
	return 0, fmt.Errorf("%w: standalone signature % X", ErrNotFound, sig)
}

// EnumUnderlyingType returns the element type of the first instance field
// of a TypeDef. Enums declared in other assemblies cannot be resolved.
func (m *MetadataTranslator) EnumUnderlyingType(tok metadata.Token) (metadata.ElementType, error) {
	if _, err := m.row(tok, metadata.TableTypeDef); err != nil {
		return 0, err
	}
	const fieldStatic = 0x0010
	start, end := m.tables.RowRange(metadata.TableTypeDef, tok.RID(), metadata.ColTypeDefFieldList)
	for rid := start; rid < end; rid++ {
		f, ok := m.tables.Row(metadata.TableField, rid)
		if !ok || f.Uint(metadata.ColFieldFlags)&fieldStatic != 0 {
			continue
		}
		sig, err := f.Blob(metadata.ColFieldSignature)
		if err != nil {
			return 0, err
		}
		r := metadata.NewBlobReader(sig)
		if kind, err := r.ReadByte(); err != nil || kind != metadata.SignatureField {
			return 0, fmt.Errorf("%w: field %d has no field signature", ErrInvalidToken, rid)
		}
		if _, err := r.ReadCustomMods(); err != nil {
			return 0, err
		}
		code, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		return metadata.ElementType(code), nil
	}
	return 0, fmt.Errorf("%w: %s has no instance field", ErrNotFound, tok)
}

// LocalSignature returns the local signature token of a method body.
func (m *MetadataTranslator) LocalSignature(method metadata.Token) (metadata.Token, error) {
	r, err := m.row(method, metadata.TableMethodDef)
	if err != nil {
		return 0, err
	}
	rva := r.Uint(metadata.ColMethodDefRVA)
	if rva == 0 {
		return 0, nil
	}
	if m.bodies == nil {
		return 0, fmt.Errorf("%w: no method bodies for %s", ErrMetadataUnavailable, method)
	}
	tok, err := m.bodies.LocalSignature(rva)
	if err != nil {
		return 0, fmt.Errorf("failed to read body of %s: %w", method, err)
	}
	return tok, nil
}

// AssemblyReference returns the simple name of an AssemblyRef row.
func (m *MetadataTranslator) AssemblyReference(row uint32) (string, error) {
	r, err := m.row(metadata.NewToken(metadata.TableAssemblyRef, row), metadata.TableAssemblyRef)
	if err != nil {
		return "", err
	}
	return r.String(metadata.ColAssemblyRefName)
}

// FindAssemblyReference returns the AssemblyRef row whose simple name
// matches the leading component of name, ignoring case.
func (m *MetadataTranslator) FindAssemblyReference(name string) (uint32, error) {
	simple, _, _ := strings.Cut(name, ",")
	simple = strings.TrimSpace(simple)
	for rid := uint32(1); rid <= m.tables.RowCount(metadata.TableAssemblyRef); rid++ {
		if n, err := m.AssemblyReference(rid); err == nil && strings.EqualFold(n, simple) {
			return rid, nil
		}
	}
	return 0, fmt.Errorf("%w: assembly reference %q", ErrNotFound, name)
}

// MethodCount returns the number of MethodDef rows.
func (m *MetadataTranslator) MethodCount() (int, error) {
	return int(m.tables.RowCount(metadata.TableMethodDef)), nil
}
