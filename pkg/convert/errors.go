package convert

import (
	"fmt"
	"strings"
)

// Phase indicates where in a conversion the error occurred
type Phase string

const (
	PhaseValidate  Phase = "validate"  // capability checks before any output
	PhaseRead      Phase = "read"      // PE image and source PDB
	PhaseTranslate Phase = "translate" // per-method translation
	PhaseEmit      Phase = "emit"      // output serialization
)

// Kind categorizes the error
type Kind string

const (
	KindUnrecognizedFormat    Kind = "unrecognized_format"
	KindInvalidImage          Kind = "invalid_image"
	KindInvalidPdb            Kind = "invalid_pdb"
	KindCapabilityUnavailable Kind = "capability_unavailable"
	KindSignatureMismatch     Kind = "signature_mismatch"
	KindInvalidData           Kind = "invalid_data"
)

// Error is a run-fatal conversion failure.
type Error struct {
	Cause  error
	Phase  Phase
	Kind   Kind
	Detail string
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}
	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same phase and kind.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

func fail(phase Phase, kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Phase: phase, Kind: kind, Cause: cause, Detail: fmt.Sprintf(format, args...)}
}

// Sentinels for errors.Is checks.
var (
	ErrUnrecognizedFormat = &Error{Phase: PhaseRead, Kind: KindUnrecognizedFormat}
	ErrInvalidImage       = &Error{Phase: PhaseRead, Kind: KindInvalidImage}
	ErrSignatureMismatch  = &Error{Phase: PhaseRead, Kind: KindSignatureMismatch}
	ErrNoCapability       = &Error{Phase: PhaseValidate, Kind: KindCapabilityUnavailable}
)
