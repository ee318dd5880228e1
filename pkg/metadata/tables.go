package metadata

import (
	"encoding/binary"
	"fmt"
	"math/bits"
)

// Heap size flags in the "#~" header.
const (
	heapStringsLarge = 0x01
	heapGUIDLarge    = 0x02
	heapBlobLarge    = 0x04
)

// layout holds the computed column widths for every table.
type layout struct {
	heapSizes byte
	rowCounts [MaxTables]uint32
	colSizes  [MaxTables][]int
	colOffs   [MaxTables][]int
	rowSize   [MaxTables]int
}

func newLayout(heapSizes byte, rowCounts [MaxTables]uint32) *layout {
	l := &layout{heapSizes: heapSizes, rowCounts: rowCounts}
	for t, cols := range Schemas {
		if cols == nil {
			continue
		}
		sizes := make([]int, len(cols))
		offs := make([]int, len(cols))
		off := 0
		for i, c := range cols {
			sizes[i] = l.columnSize(c)
			offs[i] = off
			off += sizes[i]
		}
		l.colSizes[t] = sizes
		l.colOffs[t] = offs
		l.rowSize[t] = off
	}
	return l
}

func (l *layout) columnSize(c Column) int {
	switch c.Kind {
	case ColUint16:
		return 2
	case ColUint32:
		return 4
	case ColString:
		return l.heapIndexSize(heapStringsLarge)
	case ColGUID:
		return l.heapIndexSize(heapGUIDLarge)
	case ColBlob:
		return l.heapIndexSize(heapBlobLarge)
	case ColTable:
		if l.rowCounts[c.Table] < 1<<16 {
			return 2
		}
		return 4
	case ColCoded:
		var maxRows uint32
		for _, t := range c.Coded.Tables {
			if t != noTable && l.rowCounts[t] > maxRows {
				maxRows = l.rowCounts[t]
			}
		}
		if maxRows < 1<<(16-c.Coded.Bits) {
			return 2
		}
		return 4
	}
	panic(fmt.Sprintf("metadata: unknown column kind %d", c.Kind))
}

func (l *layout) heapIndexSize(flag byte) int {
	if l.heapSizes&flag != 0 {
		return 4
	}
	return 2
}

// Tables is a parsed "#~" stream together with its heaps.
type Tables struct {
	Heaps
	MajorVersion byte
	MinorVersion byte
	Valid        uint64
	Sorted       uint64

	layout *layout
	data   [MaxTables][]byte
}

// ReadTables parses a "#~" stream. external supplies row counts for tables
// referenced but not stored in this stream (the Portable PDB "#Pdb" stream
// provides them for type-system tables); it may be nil.
func ReadTables(stream []byte, heaps Heaps, external *[MaxTables]uint32) (*Tables, error) {
	if len(stream) < 24 {
		return nil, fmt.Errorf("table stream too small: %d bytes", len(stream))
	}

	t := &Tables{
		Heaps:        heaps,
		MajorVersion: stream[4],
		MinorVersion: stream[5],
		Valid:        binary.LittleEndian.Uint64(stream[8:16]),
		Sorted:       binary.LittleEndian.Uint64(stream[16:24]),
	}
	heapSizes := stream[6]

	var counts [MaxTables]uint32
	if external != nil {
		counts = *external
	}
	off := 24
	for i := 0; i < MaxTables; i++ {
		if t.Valid&(1<<uint(i)) == 0 {
			continue
		}
		if off+4 > len(stream) {
			return nil, fmt.Errorf("table stream truncated in row counts")
		}
		if Schemas[i] == nil {
			return nil, fmt.Errorf("unsupported metadata table 0x%02X", i)
		}
		counts[i] = binary.LittleEndian.Uint32(stream[off:])
		off += 4
	}

	t.layout = newLayout(heapSizes, counts)
	for i := 0; i < MaxTables; i++ {
		if t.Valid&(1<<uint(i)) == 0 {
			continue
		}
		size := int(counts[i]) * t.layout.rowSize[i]
		if off+size > len(stream) {
			return nil, fmt.Errorf("table %s truncated: need %d bytes at offset %d, have %d",
				Table(i), size, off, len(stream)-off)
		}
		t.data[i] = stream[off : off+size]
		off += size
	}

	return t, nil
}

// RowCount returns the number of rows in table tab, including row counts
// supplied externally.
func (t *Tables) RowCount(tab Table) uint32 {
	return t.layout.rowCounts[tab]
}

// HasTable reports whether tab is stored in this stream.
func (t *Tables) HasTable(tab Table) bool {
	return t.Valid&(1<<uint(tab)) != 0
}

// Row is a view of one table row.
type Row struct {
	t    *Tables
	tab  Table
	data []byte
}

// Row returns row rid (1-based) of tab.
func (t *Tables) Row(tab Table, rid uint32) (Row, bool) {
	if !t.HasTable(tab) || rid == 0 || rid > t.layout.rowCounts[tab] {
		return Row{}, false
	}
	size := t.layout.rowSize[tab]
	start := int(rid-1) * size
	return Row{t: t, tab: tab, data: t.data[tab][start : start+size]}, true
}

// Uint returns the raw value of column col.
func (r Row) Uint(col int) uint32 {
	off := r.t.layout.colOffs[r.tab][col]
	if r.t.layout.colSizes[r.tab][col] == 2 {
		return uint32(binary.LittleEndian.Uint16(r.data[off:]))
	}
	return binary.LittleEndian.Uint32(r.data[off:])
}

// Token returns column col decoded as a token. The column must be a table
// reference or a coded index.
func (r Row) Token(col int) Token {
	c := Schemas[r.tab][col]
	v := r.Uint(col)
	if c.Kind == ColCoded {
		return c.Coded.Decode(v)
	}
	return NewToken(c.Table, v)
}

// String resolves a string column.
func (r Row) String(col int) (string, error) {
	return r.t.Heaps.String(r.Uint(col))
}

// Blob resolves a blob column.
func (r Row) Blob(col int) ([]byte, error) {
	return r.t.Heaps.Blob(r.Uint(col))
}

// RowRange returns the half-open [start, end) row range that a list column
// of row rid in tab designates in its target table, following ECMA-335
// "list" semantics (the run ends where the next row's list starts).
func (t *Tables) RowRange(tab Table, rid uint32, col int) (uint32, uint32) {
	row, ok := t.Row(tab, rid)
	if !ok {
		return 0, 0
	}
	target := Schemas[tab][col].Table
	start := row.Uint(col)
	end := t.RowCount(target) + 1
	if next, ok := t.Row(tab, rid+1); ok {
		end = next.Uint(col)
	}
	if start == 0 {
		start = end
	}
	if end < start {
		end = start
	}
	return start, end
}

func popCount(v uint64) int {
	return bits.OnesCount64(v)
}
