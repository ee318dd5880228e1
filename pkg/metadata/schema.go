package metadata

// ColumnKind describes how a column is stored.
type ColumnKind uint8

const (
	ColUint16 ColumnKind = iota
	ColUint32
	ColString
	ColGUID
	ColBlob
	ColTable
	ColCoded
)

// Column is one column of a table schema.
type Column struct {
	Kind  ColumnKind
	Table Table       // target of ColTable
	Coded *CodedIndex // target of ColCoded
}

// noTable fills unused tag values of a coded index.
const noTable Table = 0xFF

// CodedIndex is a tagged reference into one of several tables.
type CodedIndex struct {
	Name   string
	Bits   uint
	Tables []Table
}

// Encode packs tok into the coded representation.
func (c *CodedIndex) Encode(tok Token) (uint32, bool) {
	for tag, t := range c.Tables {
		if t == tok.Table() && t != noTable {
			return tok.RID()<<c.Bits | uint32(tag), true
		}
	}
	return 0, false
}

// Decode unpacks a coded value into a token. Invalid tags yield 0.
func (c *CodedIndex) Decode(v uint32) Token {
	tag := v & (1<<c.Bits - 1)
	if int(tag) >= len(c.Tables) || c.Tables[tag] == noTable {
		return 0
	}
	return NewToken(c.Tables[tag], v>>c.Bits)
}

// Coded indices (ECMA-335 II.24.2.6 and the Portable PDB specification).
var (
	TypeDefOrRef = &CodedIndex{Name: "TypeDefOrRef", Bits: 2, Tables: []Table{
		TableTypeDef, TableTypeRef, TableTypeSpec,
	}}
	HasConstant = &CodedIndex{Name: "HasConstant", Bits: 2, Tables: []Table{
		TableField, TableParam, TableProperty,
	}}
	HasCustomAttribute = &CodedIndex{Name: "HasCustomAttribute", Bits: 5, Tables: []Table{
		TableMethodDef, TableField, TableTypeRef, TableTypeDef, TableParam,
		TableInterfaceImpl, TableMemberRef, TableModule, TableDeclSecurity,
		TableProperty, TableEvent, TableStandAloneSig, TableModuleRef,
		TableTypeSpec, TableAssembly, TableAssemblyRef, TableFile,
		TableExportedType, TableManifestResource, TableGenericParam,
		TableGenericParamConstraint, TableMethodSpec,
	}}
	HasFieldMarshal = &CodedIndex{Name: "HasFieldMarshal", Bits: 1, Tables: []Table{
		TableField, TableParam,
	}}
	HasDeclSecurity = &CodedIndex{Name: "HasDeclSecurity", Bits: 2, Tables: []Table{
		TableTypeDef, TableMethodDef, TableAssembly,
	}}
	MemberRefParent = &CodedIndex{Name: "MemberRefParent", Bits: 3, Tables: []Table{
		TableTypeDef, TableTypeRef, TableModuleRef, TableMethodDef, TableTypeSpec,
	}}
	HasSemantics = &CodedIndex{Name: "HasSemantics", Bits: 1, Tables: []Table{
		TableEvent, TableProperty,
	}}
	MethodDefOrRef = &CodedIndex{Name: "MethodDefOrRef", Bits: 1, Tables: []Table{
		TableMethodDef, TableMemberRef,
	}}
	MemberForwarded = &CodedIndex{Name: "MemberForwarded", Bits: 1, Tables: []Table{
		TableField, TableMethodDef,
	}}
	Implementation = &CodedIndex{Name: "Implementation", Bits: 2, Tables: []Table{
		TableFile, TableAssemblyRef, TableExportedType,
	}}
	CustomAttributeType = &CodedIndex{Name: "CustomAttributeType", Bits: 3, Tables: []Table{
		noTable, noTable, TableMethodDef, TableMemberRef, noTable,
	}}
	ResolutionScope = &CodedIndex{Name: "ResolutionScope", Bits: 2, Tables: []Table{
		TableModule, TableModuleRef, TableAssemblyRef, TableTypeRef,
	}}
	TypeOrMethodDef = &CodedIndex{Name: "TypeOrMethodDef", Bits: 1, Tables: []Table{
		TableTypeDef, TableMethodDef,
	}}
	HasCustomDebugInformation = &CodedIndex{Name: "HasCustomDebugInformation", Bits: 5, Tables: []Table{
		TableMethodDef, TableField, TableTypeRef, TableTypeDef, TableParam,
		TableInterfaceImpl, TableMemberRef, TableModule, TableDeclSecurity,
		TableProperty, TableEvent, TableStandAloneSig, TableModuleRef,
		TableTypeSpec, TableAssembly, TableAssemblyRef, TableFile,
		TableExportedType, TableManifestResource, TableGenericParam,
		TableGenericParamConstraint, TableMethodSpec, TableDocument,
		TableLocalScope, TableLocalVariable, TableLocalConstant, TableImportScope,
	}}
)

var (
	u16  = Column{Kind: ColUint16}
	u32  = Column{Kind: ColUint32}
	str  = Column{Kind: ColString}
	guid = Column{Kind: ColGUID}
	blob = Column{Kind: ColBlob}
)

func ref(t Table) Column         { return Column{Kind: ColTable, Table: t} }
func coded(c *CodedIndex) Column { return Column{Kind: ColCoded, Coded: c} }

// Schemas lists the columns of every known table, in stream order.
var Schemas = [MaxTables][]Column{
	TableModule:                 {u16, str, guid, guid, guid},
	TableTypeRef:                {coded(ResolutionScope), str, str},
	TableTypeDef:                {u32, str, str, coded(TypeDefOrRef), ref(TableField), ref(TableMethodDef)},
	TableFieldPtr:               {ref(TableField)},
	TableField:                  {u16, str, blob},
	TableMethodPtr:              {ref(TableMethodDef)},
	TableMethodDef:              {u32, u16, u16, str, blob, ref(TableParam)},
	TableParamPtr:               {ref(TableParam)},
	TableParam:                  {u16, u16, str},
	TableInterfaceImpl:          {ref(TableTypeDef), coded(TypeDefOrRef)},
	TableMemberRef:              {coded(MemberRefParent), str, blob},
	TableConstant:               {u16, coded(HasConstant), blob},
	TableCustomAttribute:        {coded(HasCustomAttribute), coded(CustomAttributeType), blob},
	TableFieldMarshal:           {coded(HasFieldMarshal), blob},
	TableDeclSecurity:           {u16, coded(HasDeclSecurity), blob},
	TableClassLayout:            {u16, u32, ref(TableTypeDef)},
	TableFieldLayout:            {u32, ref(TableField)},
	TableStandAloneSig:          {blob},
	TableEventMap:               {ref(TableTypeDef), ref(TableEvent)},
	TableEventPtr:               {ref(TableEvent)},
	TableEvent:                  {u16, str, coded(TypeDefOrRef)},
	TablePropertyMap:            {ref(TableTypeDef), ref(TableProperty)},
	TablePropertyPtr:            {ref(TableProperty)},
	TableProperty:               {u16, str, blob},
	TableMethodSemantics:        {u16, ref(TableMethodDef), coded(HasSemantics)},
	TableMethodImpl:             {ref(TableTypeDef), coded(MethodDefOrRef), coded(MethodDefOrRef)},
	TableModuleRef:              {str},
	TableTypeSpec:               {blob},
	TableImplMap:                {u16, coded(MemberForwarded), str, ref(TableModuleRef)},
	TableFieldRVA:               {u32, ref(TableField)},
	TableEncLog:                 {u32, u32},
	TableEncMap:                 {u32},
	TableAssembly:               {u32, u16, u16, u16, u16, u32, blob, str, str},
	TableAssemblyProcessor:      {u32},
	TableAssemblyOS:             {u32, u32, u32},
	TableAssemblyRef:            {u16, u16, u16, u16, u32, blob, str, str, blob},
	TableAssemblyRefProcessor:   {u32, ref(TableAssemblyRef)},
	TableAssemblyRefOS:          {u32, u32, u32, ref(TableAssemblyRef)},
	TableFile:                   {u32, str, blob},
	TableExportedType:           {u32, u32, str, str, coded(Implementation)},
	TableManifestResource:       {u32, u32, str, coded(Implementation)},
	TableNestedClass:            {ref(TableTypeDef), ref(TableTypeDef)},
	TableGenericParam:           {u16, u16, coded(TypeOrMethodDef), str},
	TableMethodSpec:             {coded(MethodDefOrRef), blob},
	TableGenericParamConstraint: {ref(TableGenericParam), coded(TypeDefOrRef)},

	TableDocument:               {blob, guid, blob, guid},
	TableMethodDebugInformation: {ref(TableDocument), blob},
	TableLocalScope:             {ref(TableMethodDef), ref(TableImportScope), ref(TableLocalVariable), ref(TableLocalConstant), u32, u32},
	TableLocalVariable:          {u16, u16, str},
	TableLocalConstant:          {str, blob},
	TableImportScope:            {ref(TableImportScope), blob},
	TableStateMachineMethod:     {ref(TableMethodDef), ref(TableMethodDef)},
	TableCustomDebugInformation: {coded(HasCustomDebugInformation), guid, blob},
}

// Column positions used by the readers in this module.
const (
	ColTypeRefResolutionScope = 0
	ColTypeRefName            = 1
	ColTypeRefNamespace       = 2

	ColTypeDefFlags      = 0
	ColTypeDefName       = 1
	ColTypeDefNamespace  = 2
	ColTypeDefFieldList  = 4
	ColTypeDefMethodList = 5

	ColFieldFlags     = 0
	ColFieldSignature = 2

	ColMethodDefRVA       = 0
	ColMethodDefFlags     = 2
	ColMethodDefName      = 3
	ColMethodDefSignature = 4

	ColStandAloneSigSignature = 0

	ColAssemblyRefName = 6

	ColNestedClassNested    = 0
	ColNestedClassEnclosing = 1

	ColDocumentName          = 0
	ColDocumentHashAlgorithm = 1
	ColDocumentHash          = 2
	ColDocumentLanguage      = 3

	ColMethodDebugDocument       = 0
	ColMethodDebugSequencePoints = 1

	ColLocalScopeMethod       = 0
	ColLocalScopeImportScope  = 1
	ColLocalScopeVariableList = 2
	ColLocalScopeConstantList = 3
	ColLocalScopeStartOffset  = 4
	ColLocalScopeLength       = 5

	ColLocalVariableAttributes = 0
	ColLocalVariableIndex      = 1
	ColLocalVariableName       = 2

	ColLocalConstantName      = 0
	ColLocalConstantSignature = 1

	ColImportScopeParent  = 0
	ColImportScopeImports = 1

	ColStateMachineMoveNext = 0
	ColStateMachineKickoff  = 1

	ColCustomDebugInfoParent = 0
	ColCustomDebugInfoKind   = 1
	ColCustomDebugInfoValue  = 2
)
