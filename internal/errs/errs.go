// Package errs defines the error kinds surfaced by the analysis engine.
//
// Every failure is reported as a single *Error carrying a Kind and the
// offending identifiers. Kinds are comparable with errors.Is:
//
//	if errors.Is(err, errs.NoCommonModality) { ... }
package errs

import (
	"errors"
	"fmt"
	"strings"
)

// Kind names a class of failure, e.g. "ESubset.OutOfRange".
type Kind string

const (
	NoCommonModality  Kind = "EInputs.NoCommonModality"
	MissingPrimaryID  Kind = "EInputs.MissingPrimaryId"
	CellCountMismatch Kind = "EInputs.CellCountMismatch"

	SubsetOutOfRange     Kind = "ESubset.OutOfRange"
	SubsetUnsorted       Kind = "ESubset.Unsorted"
	SubsetFieldUnknown   Kind = "ESubset.FieldUnknown"
	SubsetRangesUnsorted Kind = "ESubset.RangesUnsorted"

	UnknownStrategy  Kind = "EQc.UnknownStrategy"
	IndexUnsupported Kind = "EQc.IndexUnsupported"

	FilterLengthMismatch Kind = "EFilter.LengthMismatch"
	FilterOutOfRange     Kind = "EFilter.OutOfRange"

	SizeFactorLengthMismatch Kind = "ENorm.SizeFactorLengthMismatch"

	ShapeMismatch Kind = "ECombine.ShapeMismatch"

	IllegalValue Kind = "EParam.IllegalValue"

	// NotComputed is returned when an operation needs the output of a step
	// that has no valid state.
	NotComputed Kind = "EState.NotComputed"

	// Reader and Kernel wrap failures from external collaborators.
	Reader Kind = "EReader"
	Kernel Kind = "EKernel"
)

// Error implements error so a bare Kind can be used as an errors.Is target.
func (k Kind) Error() string { return string(k) }

// Error is the diagnostic object returned by every failing operation.
type Error struct {
	Kind   Kind
	Idents []string
	Err    error
}

// New creates an error of the given kind naming the offending identifiers.
func New(kind Kind, idents ...string) *Error {
	return &Error{Kind: kind, Idents: idents}
}

// Newf creates an error whose single identifier is formatted.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Idents: []string{fmt.Sprintf(format, args...)}}
}

// Wrap attaches a kind to an underlying error. A nil err yields nil.
func Wrap(kind Kind, err error, idents ...string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		// already classified; keep the innermost kind
		return err
	}
	return &Error{Kind: kind, Idents: idents, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if len(e.Idents) > 0 {
		b.WriteString(" [")
		b.WriteString(strings.Join(e.Idents, ", "))
		b.WriteString("]")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches a bare Kind target, or another *Error of the same kind.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case Kind:
		return e.Kind == t
	case *Error:
		return e.Kind == t.Kind
	}
	return false
}

// KindOf returns the kind of err, or "" if err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
