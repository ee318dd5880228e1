// Package tokenstest builds small in-memory image metadata for tests.
package tokenstest

import (
	"fmt"

	"github.com/jtang613/pdb2pdb/pkg/metadata"
	"github.com/jtang613/pdb2pdb/pkg/tokens"
)

// Method describes a MethodDef. A zero RVA means no body.
type Method struct {
	Name     string
	RVA      uint32
	LocalSig metadata.Token
}

// Type describes a TypeDef with its methods and nested types.
type Type struct {
	Namespace string
	Name      string
	Methods   []Method
	Nested    []Type
	// Enum, when set, adds an instance field "value__" of that type.
	Enum metadata.ElementType
}

// TypeRef describes a TypeRef resolved through an AssemblyRef row.
type TypeRef struct {
	Namespace   string
	Name        string
	AssemblyRef uint32
}

// Image is the metadata content to build. TypeDefs and MethodDefs are
// numbered depth first in declaration order, starting at 1.
type Image struct {
	Types          []Type
	TypeRefs       []TypeRef
	AssemblyRefs   []string
	StandAloneSigs [][]byte
}

// Bodies maps method RVAs to local signature tokens.
type Bodies map[uint32]metadata.Token

// LocalSignature implements tokens.BodyReader.
func (b Bodies) LocalSignature(rva uint32) (metadata.Token, error) {
	tok, ok := b[rva]
	if !ok {
		return 0, fmt.Errorf("no method body at RVA 0x%X", rva)
	}
	return tok, nil
}

type builder struct {
	h      *metadata.HeapBuilder
	tb     *metadata.TableBuilder
	bodies Bodies
	sig    uint32
}

// Build serializes img and returns a translator over the parsed tables.
func Build(img Image) (*tokens.MetadataTranslator, *metadata.Tables) {
	data, bodies := Metadata(img)
	root, err := metadata.ReadRoot(data)
	if err != nil {
		panic(fmt.Sprintf("tokenstest: %v", err))
	}
	stream, _ := root.Stream("#~")
	tables, err := metadata.ReadTables(stream, root.Heaps(), nil)
	if err != nil {
		panic(fmt.Sprintf("tokenstest: %v", err))
	}
	return tokens.NewMetadataTranslator(tables, bodies), tables
}

// Metadata serializes img as an image metadata root and returns the
// method bodies it declares.
func Metadata(img Image) ([]byte, Bodies) {
	b := &builder{
		h:      metadata.NewHeapBuilder(),
		tb:     metadata.NewTableBuilder(),
		bodies: Bodies{},
	}
	b.sig = b.h.AddBlob([]byte{0x00, 0x00, 0x01})

	for _, t := range img.Types {
		b.addType(t, 0)
	}
	for _, name := range img.AssemblyRefs {
		b.tb.AddRow(metadata.TableAssemblyRef, 1, 0, 0, 0, 0, 0, b.h.AddString(name), 0, 0)
	}
	for _, r := range img.TypeRefs {
		scope, _ := metadata.ResolutionScope.Encode(metadata.NewToken(metadata.TableAssemblyRef, r.AssemblyRef))
		b.tb.AddRow(metadata.TableTypeRef, scope, b.h.AddString(r.Name), b.h.AddString(r.Namespace))
	}
	for _, sig := range img.StandAloneSigs {
		b.tb.AddRow(metadata.TableStandAloneSig, b.h.AddBlob(sig))
	}
	b.tb.MarkSorted(1 << uint(metadata.TableNestedClass))

	heaps := b.h.Heaps()
	streams := []metadata.Stream{
		{Name: "#~", Data: b.tb.Serialize(heaps)},
		{Name: "#Strings", Data: heaps.Strings},
		{Name: "#US", Data: []byte{0, 0, 0, 0}},
		{Name: "#GUID", Data: heaps.GUIDs},
		{Name: "#Blob", Data: heaps.Blobs},
	}
	return metadata.WriteRoot("v4.0.30319", streams), b.bodies
}

func (b *builder) addType(t Type, enclosing uint32) {
	fieldList := b.tb.RowCount(metadata.TableField) + 1
	methodList := b.tb.RowCount(metadata.TableMethodDef) + 1
	rid := b.tb.AddRow(metadata.TableTypeDef, 0, b.h.AddString(t.Name), b.h.AddString(t.Namespace), 0, fieldList, methodList)
	if t.Enum != 0 {
		b.tb.AddRow(metadata.TableField, 0, b.h.AddString("value__"), b.h.AddBlob([]byte{metadata.SignatureField, byte(t.Enum)}))
	}
	if enclosing != 0 {
		b.tb.AddRow(metadata.TableNestedClass, rid, enclosing)
	}
	for _, m := range t.Methods {
		b.tb.AddRow(metadata.TableMethodDef, m.RVA, 0, 0, b.h.AddString(m.Name), b.sig, 1)
		if m.RVA != 0 {
			b.bodies[m.RVA] = m.LocalSig
		}
	}
	for _, n := range t.Nested {
		b.addType(n, rid)
	}
}
