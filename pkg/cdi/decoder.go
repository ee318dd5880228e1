package cdi

import (
	"encoding/binary"
)

// Decode splits a container into records. Records of unknown kinds are
// returned like any other; callers skip what they do not understand.
// A container with a version other than Version yields no records.
//
// For kinds up to LegacyAlignmentThreshold the alignment byte is ignored and
// Payload includes any trailing padding; the per-kind decoders tolerate it.
func Decode(blob []byte) ([]Record, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	if len(blob) < containerHeaderSize {
		return nil, malformed("container of %d bytes is shorter than its header", len(blob))
	}
	if blob[0] != Version {
		return nil, nil
	}

	count := int(blob[1])
	records := make([]Record, 0, count)
	offset := containerHeaderSize
	for i := 0; i < count; i++ {
		if len(blob)-offset < recordHeaderSize {
			return nil, malformed("record %d: header exceeds container", i)
		}
		hdr := blob[offset : offset+recordHeaderSize]
		rec := Record{
			Version:       hdr[0],
			Kind:          Kind(hdr[1]),
			AlignmentSize: hdr[3],
			Length:        binary.LittleEndian.Uint32(hdr[4:]),
		}

		if rec.Length < recordHeaderSize || rec.Length%4 != 0 {
			return nil, malformed("record %d (%s): invalid length %d", i, rec.Kind, rec.Length)
		}
		if uint64(rec.Length) > uint64(len(blob)-offset) {
			return nil, malformed("record %d (%s): length %d exceeds container", i, rec.Kind, rec.Length)
		}
		bodySize := int(rec.Length) - recordHeaderSize
		alignment := int(rec.AlignmentSize)
		if rec.Kind <= LegacyAlignmentThreshold {
			alignment = 0
		} else if alignment > 3 || alignment > bodySize {
			return nil, malformed("record %d (%s): invalid alignment size %d", i, rec.Kind, alignment)
		}

		body := blob[offset+recordHeaderSize : offset+int(rec.Length)]
		rec.Payload = body[:bodySize-alignment]
		records = append(records, rec)
		offset += int(rec.Length)
	}

	return records, nil
}

// Find returns the first record of the given kind with the current version.
func Find(records []Record, kind Kind) (Record, bool) {
	for _, r := range records {
		if r.Kind == kind && r.Version == Version {
			return r, true
		}
	}
	return Record{}, false
}
