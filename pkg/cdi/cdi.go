// Package cdi encodes and decodes the custom debug info (CDI) container that
// Windows PDBs attach to managed methods.
//
// A container is a 4-byte header (version, record count, two bytes of
// padding) followed by records. Every record starts with an 8-byte header:
//
//	version  byte
//	kind     byte
//	reserved byte
//	align    byte   // padding bytes after the payload
//	length   uint32 // header + payload + padding, a multiple of 4
package cdi

import (
	"errors"
	"fmt"
)

// Version is the container and record format version.
const Version = 4

// MaxRecords is the largest record count the one-byte count field can hold.
const MaxRecords = 255

const (
	containerHeaderSize = 4
	recordHeaderSize    = 8
)

// Kind identifies the record type.
type Kind byte

const (
	KindUsingInfo                      Kind = 0
	KindForwardMethodInfo              Kind = 1
	KindForwardModuleInfo              Kind = 2
	KindStateMachineHoistedLocalScopes Kind = 3
	KindForwardIterator                Kind = 4
	KindDynamicLocals                  Kind = 5
	KindEditAndContinueLocalSlotMap    Kind = 6
	KindEditAndContinueLambdaMap       Kind = 7
	KindTupleElementNames              Kind = 8
)

// LegacyAlignmentThreshold is the highest kind whose alignment-size byte is
// always written as 0. Records of these kinds were produced by the native
// compilers, whose readers treat that byte as padding; newer kinds store the
// real number of padding bytes.
const LegacyAlignmentThreshold = KindDynamicLocals

func (k Kind) String() string {
	switch k {
	case KindUsingInfo:
		return "UsingInfo"
	case KindForwardMethodInfo:
		return "ForwardMethodInfo"
	case KindForwardModuleInfo:
		return "ForwardModuleInfo"
	case KindStateMachineHoistedLocalScopes:
		return "StateMachineHoistedLocalScopes"
	case KindForwardIterator:
		return "ForwardIterator"
	case KindDynamicLocals:
		return "DynamicLocals"
	case KindEditAndContinueLocalSlotMap:
		return "EditAndContinueLocalSlotMap"
	case KindEditAndContinueLambdaMap:
		return "EditAndContinueLambdaMap"
	case KindTupleElementNames:
		return "TupleElementNames"
	default:
		return fmt.Sprintf("Kind(%d)", byte(k))
	}
}

var (
	// ErrTooManyRecords is returned by Finalize when more than MaxRecords
	// records were added.
	ErrTooManyRecords = errors.New("cdi: too many records")

	// ErrMalformedRecord is returned when a container has an invalid record
	// header or a payload does not match its kind's layout.
	ErrMalformedRecord = errors.New("cdi: malformed record")

	// ErrFinalized is returned when records are added after Finalize.
	ErrFinalized = errors.New("cdi: container already finalized")

	// ErrInvalidValue is returned when a record value cannot be encoded.
	ErrInvalidValue = errors.New("cdi: invalid value")
)

// Record is one decoded record.
type Record struct {
	Kind          Kind
	Version       byte
	AlignmentSize byte
	Length        uint32
	Payload       []byte
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedRecord, fmt.Sprintf(format, args...))
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidValue, fmt.Sprintf(format, args...))
}
