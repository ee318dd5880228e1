// Package metadata implements the subset of ECMA-335 metadata needed to read
// type-system tables from a PE image and to read and build Portable PDB
// debug tables: tokens, coded indices, compressed integers, heaps, the
// "#~" table stream and the metadata root.
package metadata

import "fmt"

// Table identifies a metadata table.
type Table uint8

// Type-system tables (ECMA-335 II.22).
const (
	TableModule                 Table = 0x00
	TableTypeRef                Table = 0x01
	TableTypeDef                Table = 0x02
	TableFieldPtr               Table = 0x03
	TableField                  Table = 0x04
	TableMethodPtr              Table = 0x05
	TableMethodDef              Table = 0x06
	TableParamPtr               Table = 0x07
	TableParam                  Table = 0x08
	TableInterfaceImpl          Table = 0x09
	TableMemberRef              Table = 0x0A
	TableConstant               Table = 0x0B
	TableCustomAttribute        Table = 0x0C
	TableFieldMarshal           Table = 0x0D
	TableDeclSecurity           Table = 0x0E
	TableClassLayout            Table = 0x0F
	TableFieldLayout            Table = 0x10
	TableStandAloneSig          Table = 0x11
	TableEventMap               Table = 0x12
	TableEventPtr               Table = 0x13
	TableEvent                  Table = 0x14
	TablePropertyMap            Table = 0x15
	TablePropertyPtr            Table = 0x16
	TableProperty               Table = 0x17
	TableMethodSemantics        Table = 0x18
	TableMethodImpl             Table = 0x19
	TableModuleRef              Table = 0x1A
	TableTypeSpec               Table = 0x1B
	TableImplMap                Table = 0x1C
	TableFieldRVA               Table = 0x1D
	TableEncLog                 Table = 0x1E
	TableEncMap                 Table = 0x1F
	TableAssembly               Table = 0x20
	TableAssemblyProcessor      Table = 0x21
	TableAssemblyOS             Table = 0x22
	TableAssemblyRef            Table = 0x23
	TableAssemblyRefProcessor   Table = 0x24
	TableAssemblyRefOS          Table = 0x25
	TableFile                   Table = 0x26
	TableExportedType           Table = 0x27
	TableManifestResource       Table = 0x28
	TableNestedClass            Table = 0x29
	TableGenericParam           Table = 0x2A
	TableMethodSpec             Table = 0x2B
	TableGenericParamConstraint Table = 0x2C
)

// Portable PDB debug tables.
const (
	TableDocument               Table = 0x30
	TableMethodDebugInformation Table = 0x31
	TableLocalScope             Table = 0x32
	TableLocalVariable          Table = 0x33
	TableLocalConstant          Table = 0x34
	TableImportScope            Table = 0x35
	TableStateMachineMethod     Table = 0x36
	TableCustomDebugInformation Table = 0x37
)

// MaxTables is the number of bits in the valid-table mask.
const MaxTables = 64

// TypeSystemTablesMask selects the tables a Portable PDB may reference
// through its "#Pdb" stream row counts.
const TypeSystemTablesMask uint64 = (1 << 0x2D) - 1

var tableNames = map[Table]string{
	TableModule:                 "Module",
	TableTypeRef:                "TypeRef",
	TableTypeDef:                "TypeDef",
	TableField:                  "Field",
	TableMethodDef:              "MethodDef",
	TableParam:                  "Param",
	TableMemberRef:              "MemberRef",
	TableStandAloneSig:          "StandAloneSig",
	TableModuleRef:              "ModuleRef",
	TableTypeSpec:               "TypeSpec",
	TableAssembly:               "Assembly",
	TableAssemblyRef:            "AssemblyRef",
	TableNestedClass:            "NestedClass",
	TableDocument:               "Document",
	TableMethodDebugInformation: "MethodDebugInformation",
	TableLocalScope:             "LocalScope",
	TableLocalVariable:          "LocalVariable",
	TableLocalConstant:          "LocalConstant",
	TableImportScope:            "ImportScope",
	TableStateMachineMethod:     "StateMachineMethod",
	TableCustomDebugInformation: "CustomDebugInformation",
}

func (t Table) String() string {
	if name, ok := tableNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Table(0x%02X)", uint8(t))
}

// Token is a metadata token: table in the high byte, row id in the low 24 bits.
type Token uint32

// ModuleToken is the token of the single Module row.
const ModuleToken Token = 0x00000001

// NewToken builds a token from a table and a 1-based row id.
func NewToken(t Table, rid uint32) Token {
	return Token(uint32(t)<<24 | rid&0x00FFFFFF)
}

// Table returns the table the token refers to.
func (t Token) Table() Table {
	return Table(uint32(t) >> 24)
}

// RID returns the 1-based row id.
func (t Token) RID() uint32 {
	return uint32(t) & 0x00FFFFFF
}

// IsNil reports whether the row id is zero.
func (t Token) IsNil() bool {
	return t.RID() == 0
}

func (t Token) String() string {
	return fmt.Sprintf("0x%08X", uint32(t))
}
