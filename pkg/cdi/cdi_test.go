package cdi

import (
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jtang613/pdb2pdb/pkg/metadata"
)

func encodeOne(t *testing.T, add func(e *Encoder) error) []byte {
	t.Helper()
	e := NewEncoder()
	require.NoError(t, add(e))
	blob, err := e.Finalize()
	require.NoError(t, err)
	require.NotNil(t, blob)
	return blob
}

func decodeOne(t *testing.T, blob []byte) Record {
	t.Helper()
	records, err := Decode(blob)
	require.NoError(t, err)
	require.Len(t, records, 1)
	return records[0]
}

func TestRoundTrip(t *testing.T) {
	t.Run("UsingInfo", func(t *testing.T) {
		rec := decodeOne(t, encodeOne(t, func(e *Encoder) error { return e.AddUsingInfo([]int{3, 0, 1}) }))
		assert.Equal(t, KindUsingInfo, rec.Kind)
		counts, err := DecodeUsingInfo(rec.Payload)
		require.NoError(t, err)
		assert.Equal(t, []int{3, 0, 1}, counts)
	})

	t.Run("ForwardMethodInfo", func(t *testing.T) {
		tok := metadata.NewToken(metadata.TableMethodDef, 7)
		rec := decodeOne(t, encodeOne(t, func(e *Encoder) error { return e.AddForwardMethodInfo(tok) }))
		assert.Equal(t, KindForwardMethodInfo, rec.Kind)
		assert.Equal(t, []byte{7, 0, 0, 6}, rec.Payload)
		got, err := DecodeForwardInfo(rec.Payload)
		require.NoError(t, err)
		assert.Equal(t, tok, got)
	})

	t.Run("ForwardModuleInfo", func(t *testing.T) {
		tok := metadata.NewToken(metadata.TableMethodDef, 1)
		rec := decodeOne(t, encodeOne(t, func(e *Encoder) error { return e.AddForwardModuleInfo(tok) }))
		assert.Equal(t, KindForwardModuleInfo, rec.Kind)
		got, err := DecodeForwardInfo(rec.Payload)
		require.NoError(t, err)
		assert.Equal(t, tok, got)
	})

	t.Run("StateMachineTypeName", func(t *testing.T) {
		rec := decodeOne(t, encodeOne(t, func(e *Encoder) error { return e.AddStateMachineTypeName("<Run>d__0") }))
		assert.Equal(t, KindForwardIterator, rec.Kind)
		name, err := DecodeStateMachineTypeName(rec.Payload)
		require.NoError(t, err)
		assert.Equal(t, "<Run>d__0", name)
	})

	t.Run("HoistedLocalScopes", func(t *testing.T) {
		scopes := []HoistedScope{{StartOffset: 10, EndOffset: 20}, {}, {StartOffset: 4, EndOffset: 8}}
		rec := decodeOne(t, encodeOne(t, func(e *Encoder) error { return e.AddHoistedLocalScopes(scopes) }))
		got, err := DecodeHoistedLocalScopes(rec.Payload)
		require.NoError(t, err)
		assert.Equal(t, scopes, got)
	})

	t.Run("DynamicLocals", func(t *testing.T) {
		a, err := NewDynamicLocal([]bool{true, false, true}, 2, "d")
		require.NoError(t, err)
		b, err := NewDynamicLocal([]bool{true}, 0, "c")
		require.NoError(t, err)
		rec := decodeOne(t, encodeOne(t, func(e *Encoder) error { return e.AddDynamicLocals([]DynamicLocal{a, b}) }))
		got, err := DecodeDynamicLocals(rec.Payload)
		require.NoError(t, err)
		assert.Equal(t, []DynamicLocal{a, b}, got)
		assert.Equal(t, "101", got[0].FlagsString())
	})

	t.Run("TupleElementNames", func(t *testing.T) {
		entries := []TupleElementNames{
			{ElementNames: []string{"a", "", "c"}, SlotIndex: 1, LocalName: "t"},
			{ElementNames: []string{"x"}, SlotIndex: -1, ScopeStart: 0, ScopeEnd: 12, LocalName: "k"},
		}
		rec := decodeOne(t, encodeOne(t, func(e *Encoder) error { return e.AddTupleElementNames(entries) }))
		got, err := DecodeTupleElementNames(rec.Payload)
		require.NoError(t, err)
		assert.Equal(t, entries, got)
	})

	t.Run("EditAndContinueMaps", func(t *testing.T) {
		blob := encodeOne(t, func(e *Encoder) error {
			if err := e.AddEditAndContinueLocalSlotMap([]byte{1, 2, 3}); err != nil {
				return err
			}
			return e.AddEditAndContinueLambdaMap([]byte{4, 5, 6, 7, 8})
		})
		records, err := Decode(blob)
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, []byte{1, 2, 3}, records[0].Payload)
		assert.Equal(t, []byte{4, 5, 6, 7, 8}, records[1].Payload)
	})
}

func TestAlignment(t *testing.T) {
	for n := 0; n < 12; n++ {
		payload := make([]byte, n)
		for _, kind := range []Kind{KindForwardIterator, KindTupleElementNames} {
			blob := encodeOne(t, func(e *Encoder) error { return e.AddRecord(kind, payload) })
			length := binary.LittleEndian.Uint32(blob[8:])
			pad := int(length) - recordHeaderSize - n
			assert.Equal(t, 0, int(length)%4)
			assert.True(t, pad >= 0 && pad < 4, "pad %d", pad)
			assert.Equal(t, len(blob), containerHeaderSize+int(length))
		}
	}
}

func TestLegacyAlignmentByte(t *testing.T) {
	payload := []byte{1, 2, 3, 4, 5, 6}
	for kind := KindUsingInfo; kind <= KindTupleElementNames; kind++ {
		blob := encodeOne(t, func(e *Encoder) error { return e.AddRecord(kind, payload) })
		if kind <= KindDynamicLocals {
			assert.Equal(t, byte(0), blob[7], "kind %s", kind)
		} else {
			assert.Equal(t, byte(2), blob[7], "kind %s", kind)
			rec := decodeOne(t, blob)
			assert.Equal(t, payload, rec.Payload)
		}
	}
}

func TestFinalize(t *testing.T) {
	t.Run("Empty", func(t *testing.T) {
		blob, err := NewEncoder().Finalize()
		require.NoError(t, err)
		assert.Nil(t, blob)
	})

	t.Run("EmptyUsingInfoIsOmitted", func(t *testing.T) {
		e := NewEncoder()
		require.NoError(t, e.AddUsingInfo(nil))
		assert.Equal(t, 0, e.Count())
		blob, err := e.Finalize()
		require.NoError(t, err)
		assert.Nil(t, blob)
	})

	t.Run("MaxRecords", func(t *testing.T) {
		e := NewEncoder()
		for i := 0; i < MaxRecords; i++ {
			require.NoError(t, e.AddForwardMethodInfo(metadata.NewToken(metadata.TableMethodDef, 1)))
		}
		blob, err := e.Finalize()
		require.NoError(t, err)
		assert.Equal(t, byte(MaxRecords), blob[1])
	})

	t.Run("TooManyRecords", func(t *testing.T) {
		e := NewEncoder()
		for i := 0; i < MaxRecords+1; i++ {
			require.NoError(t, e.AddForwardMethodInfo(metadata.NewToken(metadata.TableMethodDef, 1)))
		}
		_, err := e.Finalize()
		assert.ErrorIs(t, err, ErrTooManyRecords)
	})

	t.Run("NoWritesAfterFinalize", func(t *testing.T) {
		e := NewEncoder()
		require.NoError(t, e.AddForwardMethodInfo(1))
		_, err := e.Finalize()
		require.NoError(t, err)
		assert.ErrorIs(t, e.AddForwardMethodInfo(1), ErrFinalized)
	})
}

func TestDynamicLocalNames(t *testing.T) {
	flags := make([]byte, DynamicFlagBytes)

	t.Run("SixtyFourUnits", func(t *testing.T) {
		name := strings.Repeat("n", 64)
		local := DynamicLocal{Flags: flags, FlagCount: 1, SlotIndex: 0, Name: name}
		rec := decodeOne(t, encodeOne(t, func(e *Encoder) error { return e.AddDynamicLocals([]DynamicLocal{local}) }))
		got, err := DecodeDynamicLocals(rec.Payload)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, name, got[0].Name)
	})

	t.Run("SixtyFiveUnits", func(t *testing.T) {
		local := DynamicLocal{Flags: flags, FlagCount: 1, Name: strings.Repeat("n", 65)}
		err := NewEncoder().AddDynamicLocals([]DynamicLocal{local})
		assert.ErrorIs(t, err, ErrInvalidValue)
	})

	t.Run("WrongFlagWidth", func(t *testing.T) {
		local := DynamicLocal{Flags: make([]byte, 63), FlagCount: 1, Name: "x"}
		err := NewEncoder().AddDynamicLocals([]DynamicLocal{local})
		assert.ErrorIs(t, err, ErrInvalidValue)
	})
}

func TestHoistedScopeInclusiveEnd(t *testing.T) {
	blob := encodeOne(t, func(e *Encoder) error {
		return e.AddHoistedLocalScopes([]HoistedScope{{StartOffset: 10, EndOffset: 20}})
	})
	rec := decodeOne(t, blob)
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(rec.Payload[0:]))
	assert.Equal(t, uint32(10), binary.LittleEndian.Uint32(rec.Payload[4:]))
	assert.Equal(t, uint32(19), binary.LittleEndian.Uint32(rec.Payload[8:]))

	scopes, err := DecodeHoistedLocalScopes(rec.Payload)
	require.NoError(t, err)
	assert.Equal(t, []HoistedScope{{StartOffset: 10, EndOffset: 20}}, scopes)
}

func TestDecodeUnknownKind(t *testing.T) {
	e := NewEncoder()
	require.NoError(t, e.AddRecord(Kind(42), []byte{9, 9, 9}))
	require.NoError(t, e.AddForwardMethodInfo(metadata.NewToken(metadata.TableMethodDef, 3)))
	blob, err := e.Finalize()
	require.NoError(t, err)

	records, err := Decode(blob)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, Kind(42), records[0].Kind)

	rec, ok := Find(records, KindForwardMethodInfo)
	require.True(t, ok)
	tok, err := DecodeForwardInfo(rec.Payload)
	require.NoError(t, err)
	assert.Equal(t, metadata.NewToken(metadata.TableMethodDef, 3), tok)
}

func TestDecodeMalformed(t *testing.T) {
	valid := encodeOne(t, func(e *Encoder) error {
		return e.AddTupleElementNames([]TupleElementNames{{ElementNames: []string{"a"}, SlotIndex: 0}})
	})

	tests := []struct {
		name   string
		mutate func(b []byte) []byte
	}{
		{"LengthTooSmall", func(b []byte) []byte { binary.LittleEndian.PutUint32(b[8:], 4); return b }},
		{"LengthUnaligned", func(b []byte) []byte { binary.LittleEndian.PutUint32(b[8:], 13); return b }},
		{"LengthBeyondContainer", func(b []byte) []byte { binary.LittleEndian.PutUint32(b[8:], 400); return b }},
		{"AlignmentTooLarge", func(b []byte) []byte { b[7] = 4; return b }},
		{"Truncated", func(b []byte) []byte { return b[:6] }},
		{"MissingRecord", func(b []byte) []byte { b[1] = 2; return b }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := tt.mutate(append([]byte(nil), valid...))
			_, err := Decode(b)
			assert.ErrorIs(t, err, ErrMalformedRecord)
		})
	}

	t.Run("UnknownContainerVersion", func(t *testing.T) {
		b := append([]byte(nil), valid...)
		b[0] = 3
		records, err := Decode(b)
		require.NoError(t, err)
		assert.Empty(t, records)
	})
}
