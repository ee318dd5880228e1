package metadata

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// TableBuilder accumulates rows for a "#~" stream. Rows are appended in the
// order the caller supplies them; callers are responsible for the sort order
// of tables they mark as sorted.
type TableBuilder struct {
	rows     [MaxTables][][]uint32
	external [MaxTables]uint32
	sorted   uint64
}

// NewTableBuilder creates an empty builder.
func NewTableBuilder() *TableBuilder {
	return &TableBuilder{}
}

// AddRow appends a row to tab and returns its 1-based row id. values must
// match the table schema column count.
func (b *TableBuilder) AddRow(tab Table, values ...uint32) uint32 {
	if len(values) != len(Schemas[tab]) {
		panic(fmt.Sprintf("metadata: table %s expects %d columns, got %d", tab, len(Schemas[tab]), len(values)))
	}
	b.rows[tab] = append(b.rows[tab], append([]uint32(nil), values...))
	return uint32(len(b.rows[tab]))
}

// SetColumn overwrites a column of an existing row.
func (b *TableBuilder) SetColumn(tab Table, rid uint32, col int, v uint32) {
	b.rows[tab][rid-1][col] = v
}

// RowCount returns the number of rows added to tab.
func (b *TableBuilder) RowCount(tab Table) uint32 {
	return uint32(len(b.rows[tab]))
}

// SetExternalRowCount records the row count of a table that is referenced
// but not stored (type-system tables referenced from a Portable PDB).
func (b *TableBuilder) SetExternalRowCount(tab Table, n uint32) {
	b.external[tab] = n
}

// MarkSorted flags tables whose rows were added in key order.
func (b *TableBuilder) MarkSorted(mask uint64) {
	b.sorted |= mask
}

// Serialize encodes the "#~" stream for the given heaps.
func (b *TableBuilder) Serialize(heaps Heaps) []byte {
	var heapSizes byte
	if len(heaps.Strings) >= 1<<16 {
		heapSizes |= heapStringsLarge
	}
	if len(heaps.GUIDs)/16 >= 1<<16 {
		heapSizes |= heapGUIDLarge
	}
	if len(heaps.Blobs) >= 1<<16 {
		heapSizes |= heapBlobLarge
	}

	var valid uint64
	counts := b.external
	for i := 0; i < MaxTables; i++ {
		if len(b.rows[i]) > 0 {
			valid |= 1 << uint(i)
			counts[i] = uint32(len(b.rows[i]))
		}
	}
	l := newLayout(heapSizes, counts)

	var buf bytes.Buffer
	var hdr [24]byte
	hdr[4] = 2 // major version
	hdr[5] = 0
	hdr[6] = heapSizes
	hdr[7] = 1
	binary.LittleEndian.PutUint64(hdr[8:], valid)
	binary.LittleEndian.PutUint64(hdr[16:], b.sorted&valid)
	buf.Write(hdr[:])

	var word [4]byte
	for i := 0; i < MaxTables; i++ {
		if valid&(1<<uint(i)) == 0 {
			continue
		}
		binary.LittleEndian.PutUint32(word[:], counts[i])
		buf.Write(word[:])
	}

	for i := 0; i < MaxTables; i++ {
		for _, row := range b.rows[i] {
			for c, v := range row {
				if l.colSizes[i][c] == 2 {
					binary.LittleEndian.PutUint16(word[:2], uint16(v))
					buf.Write(word[:2])
				} else {
					binary.LittleEndian.PutUint32(word[:], v)
					buf.Write(word[:])
				}
			}
		}
	}

	// The stream is padded to four bytes, with at least one trailing zero.
	buf.WriteByte(0)
	for buf.Len()%4 != 0 {
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

// ValidMask returns the bit mask of tables that have rows.
func (b *TableBuilder) ValidMask() uint64 {
	var valid uint64
	for i := 0; i < MaxTables; i++ {
		if len(b.rows[i]) > 0 {
			valid |= 1 << uint(i)
		}
	}
	return valid
}

// TableCount returns the number of non-empty tables in mask.
func TableCount(mask uint64) int {
	return popCount(mask)
}
