package codeview

import (
	"encoding/binary"
	"fmt"
)

// C13 debug subsection kinds.
const (
	DEBUG_S_LINES      = 0xF2
	DEBUG_S_FILECHKSMS = 0xF4
)

// Checksum kinds of DEBUG_S_FILECHKSMS entries.
const (
	ChecksumNone   = 0
	ChecksumMD5    = 1
	ChecksumSHA1   = 2
	ChecksumSHA256 = 3
)

// CV_LINES_HAVE_COLUMNS marks a lines subsection carrying column ranges.
const CV_LINES_HAVE_COLUMNS = 0x0001

// MaxLineDelta is the largest end-line delta a line entry can hold.
const MaxLineDelta = 0x7F

// FileChecksum is one entry of the file checksum subsection.
type FileChecksum struct {
	NameOffset uint32 // offset into /names
	Kind       uint8
	Checksum   []byte
}

// Line maps an IL offset to a source range.
type Line struct {
	Offset      uint32
	StartLine   uint32
	EndLine     uint32
	StartColumn uint16
	EndColumn   uint16
	Statement   bool
}

// LineBlock is the run of lines of one source file.
type LineBlock struct {
	File  uint32 // offset of the file's checksum entry
	Lines []Line
}

// Lines is a DEBUG_S_LINES subsection. For managed code Offset holds
// the method token.
type Lines struct {
	Offset   uint32
	Segment  uint16
	Flags    uint16
	CodeSize uint32
	Blocks   []LineBlock
}

// C13 is the parsed line information of a module.
type C13 struct {
	Checksums map[uint32]FileChecksum // by entry offset
	Lines     []Lines
}

// C13Writer builds the C13 line information of a module.
type C13Writer struct {
	checksums []byte
	lines     []byte
}

// AddFile appends a checksum entry and returns its offset.
func (w *C13Writer) AddFile(nameOffset uint32, kind uint8, checksum []byte) (uint32, error) {
	if len(checksum) > 0xFF {
		return 0, fmt.Errorf("checksum of %d bytes is too long", len(checksum))
	}
	off := uint32(len(w.checksums))
	w.checksums = binary.LittleEndian.AppendUint32(w.checksums, nameOffset)
	w.checksums = append(w.checksums, uint8(len(checksum)), kind)
	w.checksums = append(w.checksums, checksum...)
	for len(w.checksums)%4 != 0 {
		w.checksums = append(w.checksums, 0)
	}
	return off, nil
}

// AddLines appends a lines subsection with column information.
func (w *C13Writer) AddLines(l Lines) {
	var b []byte
	b = binary.LittleEndian.AppendUint32(b, l.Offset)
	b = binary.LittleEndian.AppendUint16(b, l.Segment)
	b = binary.LittleEndian.AppendUint16(b, CV_LINES_HAVE_COLUMNS)
	b = binary.LittleEndian.AppendUint32(b, l.CodeSize)
	for _, block := range l.Blocks {
		b = binary.LittleEndian.AppendUint32(b, block.File)
		b = binary.LittleEndian.AppendUint32(b, uint32(len(block.Lines)))
		b = binary.LittleEndian.AppendUint32(b, uint32(12+12*len(block.Lines)))
		for _, line := range block.Lines {
			delta := uint32(0)
			if line.EndLine > line.StartLine {
				delta = min(line.EndLine-line.StartLine, MaxLineDelta)
			}
			flags := line.StartLine&0xFFFFFF | delta<<24
			if line.Statement {
				flags |= 1 << 31
			}
			b = binary.LittleEndian.AppendUint32(b, line.Offset)
			b = binary.LittleEndian.AppendUint32(b, flags)
		}
		for _, line := range block.Lines {
			b = binary.LittleEndian.AppendUint16(b, line.StartColumn)
			b = binary.LittleEndian.AppendUint16(b, line.EndColumn)
		}
	}
	w.lines = appendSubsection(w.lines, DEBUG_S_LINES, b)
}

// Bytes returns the subsections, checksums first.
func (w *C13Writer) Bytes() []byte {
	if len(w.checksums) == 0 && len(w.lines) == 0 {
		return nil
	}
	out := appendSubsection(nil, DEBUG_S_FILECHKSMS, w.checksums)
	return append(out, w.lines...)
}

func appendSubsection(b []byte, kind uint32, data []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, kind)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(data)))
	b = append(b, data...)
	for len(b)%4 != 0 {
		b = append(b, 0)
	}
	return b
}

// ParseC13 parses the C13 line information of a module. Unknown
// subsections are skipped.
func ParseC13(data []byte) (*C13, error) {
	c := &C13{Checksums: map[uint32]FileChecksum{}}
	for off := 0; off+8 <= len(data); {
		kind := binary.LittleEndian.Uint32(data[off:])
		size := int(binary.LittleEndian.Uint32(data[off+4:]))
		off += 8
		if size < 0 || off+size > len(data) {
			return nil, fmt.Errorf("C13 subsection %#x of %d bytes exceeds %d", kind, size, len(data)-off)
		}
		sub := data[off : off+size]
		off = (off + size + 3) &^ 3

		switch kind {
		case DEBUG_S_FILECHKSMS:
			if err := c.parseChecksums(sub); err != nil {
				return nil, err
			}
		case DEBUG_S_LINES:
			l, err := parseLines(sub)
			if err != nil {
				return nil, err
			}
			c.Lines = append(c.Lines, *l)
		}
	}
	return c, nil
}

func (c *C13) parseChecksums(data []byte) error {
	for off := 0; off+6 <= len(data); {
		n := int(data[off+4])
		if off+6+n > len(data) {
			return fmt.Errorf("file checksum at %d exceeds subsection", off)
		}
		c.Checksums[uint32(off)] = FileChecksum{
			NameOffset: binary.LittleEndian.Uint32(data[off:]),
			Kind:       data[off+5],
			Checksum:   append([]byte(nil), data[off+6:off+6+n]...),
		}
		off = (off + 6 + n + 3) &^ 3
	}
	return nil
}

func parseLines(data []byte) (*Lines, error) {
	if len(data) < 12 {
		return nil, fmt.Errorf("lines subsection too small: %d bytes", len(data))
	}
	l := &Lines{
		Offset:   binary.LittleEndian.Uint32(data),
		Segment:  binary.LittleEndian.Uint16(data[4:]),
		Flags:    binary.LittleEndian.Uint16(data[6:]),
		CodeSize: binary.LittleEndian.Uint32(data[8:]),
	}
	hasColumns := l.Flags&CV_LINES_HAVE_COLUMNS != 0
	for off := 12; off < len(data); {
		if off+12 > len(data) {
			return nil, fmt.Errorf("truncated line block at %d", off)
		}
		block := LineBlock{File: binary.LittleEndian.Uint32(data[off:])}
		n := int(binary.LittleEndian.Uint32(data[off+4:]))
		size := int(binary.LittleEndian.Uint32(data[off+8:]))
		need := 12 + 8*n
		if hasColumns {
			need += 4 * n
		}
		if n < 0 || size < need || off+size > len(data) {
			return nil, fmt.Errorf("line block at %d declares %d lines in %d bytes", off, n, size)
		}
		lines := data[off+12:]
		cols := lines[8*n:]
		block.Lines = make([]Line, n)
		for i := range block.Lines {
			flags := binary.LittleEndian.Uint32(lines[8*i+4:])
			line := Line{
				Offset:    binary.LittleEndian.Uint32(lines[8*i:]),
				StartLine: flags & 0xFFFFFF,
				Statement: flags&(1<<31) != 0,
			}
			line.EndLine = line.StartLine + (flags>>24)&MaxLineDelta
			if hasColumns {
				line.StartColumn = binary.LittleEndian.Uint16(cols[4*i:])
				line.EndColumn = binary.LittleEndian.Uint16(cols[4*i+2:])
			}
			block.Lines[i] = line
		}
		l.Blocks = append(l.Blocks, block)
		off += size
	}
	return l, nil
}
