package portable

import (
	"errors"
	"fmt"

	"github.com/jtang613/pdb2pdb/pkg/metadata"
)

// ErrInvalidSequencePoints is returned for sequence points that cannot be
// encoded or a blob that cannot be decoded.
var ErrInvalidSequencePoints = errors.New("portable: invalid sequence points")

func invalidPoints(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidSequencePoints, fmt.Sprintf(format, args...))
}

// EncodeSequencePoints encodes the sequence point blob of a method and
// returns the value of the Document column: the document shared by all
// points, or 0 when the points span documents. Points must be in
// increasing IL offset order. A method without points has no blob.
func EncodeSequencePoints(localSig metadata.Token, points []SequencePoint) (int, []byte, error) {
	if len(points) == 0 {
		return 0, nil, nil
	}
	single := points[0].Document
	for _, p := range points[1:] {
		if p.Document != single {
			single = 0
			break
		}
	}

	w := metadata.NewBlobWriter()
	w.CompressedUint(localSig.RID())
	current := points[0].Document
	if single == 0 {
		w.CompressedUint(uint32(current))
	}

	var prev *SequencePoint
	for i := range points {
		p := &points[i]
		if p.Document <= 0 {
			return 0, nil, invalidPoints("point %d has no document", i)
		}
		if p.Offset < 0 {
			return 0, nil, invalidPoints("point %d has negative offset %d", i, p.Offset)
		}
		if i > 0 && p.Document != current {
			w.CompressedUint(0)
			w.CompressedUint(uint32(p.Document))
			current = p.Document
		}

		if i == 0 {
			w.CompressedUint(uint32(p.Offset))
		} else {
			delta := p.Offset - points[i-1].Offset
			if delta <= 0 {
				return 0, nil, invalidPoints("point %d offset %d does not follow %d", i, p.Offset, points[i-1].Offset)
			}
			w.CompressedUint(uint32(delta))
		}

		if p.IsHidden() {
			w.CompressedUint(0)
			w.CompressedUint(0)
			continue
		}

		deltaLines := p.EndLine - p.StartLine
		deltaColumns := p.EndColumn - p.StartColumn
		if deltaLines < 0 || (deltaLines == 0 && deltaColumns <= 0) {
			return 0, nil, invalidPoints("point %d has empty or inverted span (%d,%d)-(%d,%d)",
				i, p.StartLine, p.StartColumn, p.EndLine, p.EndColumn)
		}
		w.CompressedUint(uint32(deltaLines))
		if deltaLines == 0 {
			w.CompressedUint(uint32(deltaColumns))
		} else {
			w.CompressedInt(int32(deltaColumns))
		}

		if prev == nil {
			w.CompressedUint(uint32(p.StartLine))
			w.CompressedUint(uint32(p.StartColumn))
		} else {
			w.CompressedInt(int32(p.StartLine - prev.StartLine))
			w.CompressedInt(int32(p.StartColumn - prev.StartColumn))
		}
		prev = p
	}
	if err := w.Err(); err != nil {
		return 0, nil, invalidPoints("%v", err)
	}
	return single, w.Bytes(), nil
}

// DecodeSequencePoints decodes a sequence point blob. document is the
// value of the Document column.
func DecodeSequencePoints(blob []byte, document int) (metadata.Token, []SequencePoint, error) {
	if len(blob) == 0 {
		return 0, nil, nil
	}
	r := metadata.NewBlobReader(blob)
	sig, err := r.ReadCompressedUint()
	if err != nil {
		return 0, nil, invalidPoints("missing local signature: %v", err)
	}
	var localSig metadata.Token
	if sig != 0 {
		localSig = metadata.NewToken(metadata.TableStandAloneSig, sig)
	}

	current := document
	if current == 0 {
		d, err := r.ReadCompressedUint()
		if err != nil {
			return 0, nil, invalidPoints("missing initial document: %v", err)
		}
		current = int(d)
	}

	var (
		points   []SequencePoint
		offset   int
		havePrev bool
		prevLine int
		prevCol  int
	)
	for r.Remaining() > 0 {
		deltaIL, err := r.ReadCompressedUint()
		if err != nil {
			return 0, nil, invalidPoints("offset delta: %v", err)
		}
		if len(points) > 0 && deltaIL == 0 {
			d, err := r.ReadCompressedUint()
			if err != nil || d == 0 {
				return 0, nil, invalidPoints("invalid document record")
			}
			current = int(d)
			continue
		}
		offset += int(deltaIL)

		deltaLines, err := r.ReadCompressedUint()
		if err != nil {
			return 0, nil, invalidPoints("line delta: %v", err)
		}
		var deltaColumns int
		if deltaLines == 0 {
			v, err := r.ReadCompressedUint()
			if err != nil {
				return 0, nil, invalidPoints("column delta: %v", err)
			}
			deltaColumns = int(v)
		} else {
			v, err := r.ReadCompressedInt()
			if err != nil {
				return 0, nil, invalidPoints("column delta: %v", err)
			}
			deltaColumns = int(v)
		}

		if deltaLines == 0 && deltaColumns == 0 {
			points = append(points, Hidden(offset, current))
			continue
		}

		var line, col int
		if !havePrev {
			l, err1 := r.ReadCompressedUint()
			c, err2 := r.ReadCompressedUint()
			if err1 != nil || err2 != nil {
				return 0, nil, invalidPoints("truncated start position")
			}
			line, col = int(l), int(c)
		} else {
			l, err1 := r.ReadCompressedInt()
			c, err2 := r.ReadCompressedInt()
			if err1 != nil || err2 != nil {
				return 0, nil, invalidPoints("truncated start position delta")
			}
			line, col = prevLine+int(l), prevCol+int(c)
		}
		points = append(points, SequencePoint{
			Offset:      offset,
			Document:    current,
			StartLine:   line,
			StartColumn: col,
			EndLine:     line + int(deltaLines),
			EndColumn:   col + deltaColumns,
		})
		havePrev, prevLine, prevCol = true, line, col
	}
	return localSig, points, nil
}
