package cdi

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/jtang613/pdb2pdb/pkg/metadata"
)

// Encoder builds one container. It is used once per method: records are
// appended in order and Finalize produces the immutable buffer.
type Encoder struct {
	buf       []byte
	count     int
	finalized bool
}

// NewEncoder creates an encoder with the container header reserved.
func NewEncoder() *Encoder {
	return &Encoder{buf: make([]byte, containerHeaderSize)}
}

// Count returns the number of records added so far.
func (e *Encoder) Count() int {
	return e.count
}

// AddRecord appends a record with an arbitrary payload.
func (e *Encoder) AddRecord(kind Kind, payload []byte) error {
	if e.finalized {
		return ErrFinalized
	}
	start := len(e.buf)
	e.buf = append(e.buf, make([]byte, recordHeaderSize)...)
	e.buf = append(e.buf, payload...)

	length := len(e.buf) - start
	aligned := (length + 3) &^ 3
	pad := aligned - length
	e.buf = append(e.buf, make([]byte, pad)...)

	hdr := e.buf[start : start+recordHeaderSize]
	hdr[0] = Version
	hdr[1] = byte(kind)
	hdr[2] = 0
	if kind > LegacyAlignmentThreshold {
		hdr[3] = byte(pad)
	} else {
		hdr[3] = 0
	}
	binary.LittleEndian.PutUint32(hdr[4:], uint32(aligned))

	e.count++
	return nil
}

// Finalize patches the record count and returns the container. It returns
// nil when no records were added and ErrTooManyRecords above MaxRecords.
// After Finalize the encoder accepts no more records.
func (e *Encoder) Finalize() ([]byte, error) {
	e.finalized = true
	if e.count == 0 {
		return nil, nil
	}
	if e.count > MaxRecords {
		return nil, fmt.Errorf("%w: %d records, at most %d allowed", ErrTooManyRecords, e.count, MaxRecords)
	}
	e.buf[0] = Version
	e.buf[1] = byte(e.count)
	e.buf[2] = 0
	e.buf[3] = 0
	out := make([]byte, len(e.buf))
	copy(out, e.buf)
	return out, nil
}

// AddUsingInfo appends the number of usings in each nested namespace scope,
// innermost first. Nothing is written for an empty list: the native
// compilers never emitted an empty using record and readers rely on that.
func (e *Encoder) AddUsingInfo(counts []int) error {
	if len(counts) == 0 {
		return nil
	}
	if len(counts) > math.MaxUint16 {
		return invalid("%d using scopes", len(counts))
	}
	payload := make([]byte, 2+2*len(counts))
	binary.LittleEndian.PutUint16(payload, uint16(len(counts)))
	for i, c := range counts {
		if c < 0 || c > math.MaxUint16 {
			return invalid("using count %d", c)
		}
		binary.LittleEndian.PutUint16(payload[2+2*i:], uint16(c))
	}
	return e.AddRecord(KindUsingInfo, payload)
}

// AddForwardMethodInfo appends a reference to the method whose usings this
// method shares.
func (e *Encoder) AddForwardMethodInfo(method metadata.Token) error {
	return e.AddRecord(KindForwardMethodInfo, tokenPayload(method))
}

// AddForwardModuleInfo appends a reference to the method holding
// module-level imports.
func (e *Encoder) AddForwardModuleInfo(method metadata.Token) error {
	return e.AddRecord(KindForwardModuleInfo, tokenPayload(method))
}

func tokenPayload(tok metadata.Token) []byte {
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, uint32(tok))
	return payload
}

// AddStateMachineTypeName appends the name of the state machine type that
// implements an iterator or async kickoff method.
func (e *Encoder) AddStateMachineTypeName(name string) error {
	units, err := encodeUTF16(name)
	if err != nil {
		return err
	}
	return e.AddRecord(KindForwardIterator, append(units, 0, 0))
}

// AddHoistedLocalScopes appends the IL ranges of hoisted locals. End offsets
// are stored inclusive.
func (e *Encoder) AddHoistedLocalScopes(scopes []HoistedScope) error {
	payload := make([]byte, 4, 4+8*len(scopes))
	binary.LittleEndian.PutUint32(payload, uint32(len(scopes)))
	for _, s := range scopes {
		start, end := int64(0), int64(0)
		if !s.IsDefault() {
			if s.StartOffset < 0 || s.EndOffset < s.StartOffset || int64(s.EndOffset) > math.MaxInt32 {
				return invalid("hoisted scope [%d, %d)", s.StartOffset, s.EndOffset)
			}
			start, end = int64(s.StartOffset), int64(s.EndOffset)-1
		}
		payload = binary.LittleEndian.AppendUint32(payload, uint32(int32(start)))
		payload = binary.LittleEndian.AppendUint32(payload, uint32(int32(end)))
	}
	return e.AddRecord(KindStateMachineHoistedLocalScopes, payload)
}

// AddDynamicLocals appends dynamic type flags for locals and constants.
func (e *Encoder) AddDynamicLocals(locals []DynamicLocal) error {
	payload := make([]byte, 4, 4+dynamicLocalSize*len(locals))
	binary.LittleEndian.PutUint32(payload, uint32(len(locals)))
	for _, l := range locals {
		if len(l.Flags) != DynamicFlagBytes {
			return invalid("dynamic local %q has %d flag bytes, want %d", l.Name, len(l.Flags), DynamicFlagBytes)
		}
		if l.FlagCount < 0 || l.FlagCount > DynamicFlagBytes {
			return invalid("dynamic local %q flag count %d", l.Name, l.FlagCount)
		}
		name, err := encodeUTF16(l.Name)
		if err != nil {
			return err
		}
		if len(name) > DynamicNameUnits*2 {
			return invalid("dynamic local name %q is %d UTF-16 units, at most %d allowed",
				l.Name, len(name)/2, DynamicNameUnits)
		}
		payload = append(payload, l.Flags...)
		payload = binary.LittleEndian.AppendUint32(payload, uint32(l.FlagCount))
		payload = binary.LittleEndian.AppendUint32(payload, uint32(l.SlotIndex))
		padded := make([]byte, DynamicNameUnits*2)
		copy(padded, name)
		payload = append(payload, padded...)
	}
	return e.AddRecord(KindDynamicLocals, payload)
}

// AddTupleElementNames appends tuple element names for locals and constants.
func (e *Encoder) AddTupleElementNames(entries []TupleElementNames) error {
	payload := binary.LittleEndian.AppendUint32(nil, uint32(len(entries)))
	for _, t := range entries {
		payload = binary.LittleEndian.AppendUint32(payload, uint32(len(t.ElementNames)))
		for _, n := range t.ElementNames {
			payload = append(payload, n...)
			payload = append(payload, 0)
		}
		payload = binary.LittleEndian.AppendUint32(payload, uint32(int32(t.SlotIndex)))
		payload = binary.LittleEndian.AppendUint32(payload, uint32(int32(t.ScopeStart)))
		payload = binary.LittleEndian.AppendUint32(payload, uint32(int32(t.ScopeEnd)))
		payload = append(payload, t.LocalName...)
		payload = append(payload, 0)
	}
	return e.AddRecord(KindTupleElementNames, payload)
}

// AddEditAndContinueLocalSlotMap appends an opaque EnC local slot map.
func (e *Encoder) AddEditAndContinueLocalSlotMap(data []byte) error {
	return e.AddRecord(KindEditAndContinueLocalSlotMap, data)
}

// AddEditAndContinueLambdaMap appends an opaque EnC lambda and closure map.
func (e *Encoder) AddEditAndContinueLambdaMap(data []byte) error {
	return e.AddRecord(KindEditAndContinueLambdaMap, data)
}
