package directory

import (
	"errors"
	"fmt"
)

// Structural errors.
var (
	ErrMalformedDocument     = errors.New("malformed document")
	ErrInsufficientDirectory = errors.New("directory has no usable relays")
)

// Trust errors. Any of these is fatal for the document being loaded.
var (
	ErrUntrustedAuthority    = errors.New("untrusted authority")
	ErrExpiredCertificate    = errors.New("authority certificate expired")
	ErrBadSignature          = errors.New("bad consensus signature")
	ErrOutsideValidityWindow = errors.New("consensus outside validity window")
)

// Churn errors are recovered locally: the base directory still loads.
var (
	ErrChurnBoundsExceeded = errors.New("churn file exceeds removal bound")
	ErrChurnTargetMismatch = errors.New("churn file targets a different consensus")
	ErrChurnMalformed      = errors.New("malformed churn file")
)

// ErrNoDirectory is returned when no directory has ever loaded successfully.
var ErrNoDirectory = errors.New("no directory loaded")

// ErrInsufficientRelays is returned when a path position cannot be filled.
// It lives here so Classify can see it; pathselect wraps it.
var ErrInsufficientRelays = errors.New("insufficient relays")

// ErrorClass groups errors by how callers are expected to react.
type ErrorClass string

const (
	ClassNone       ErrorClass = ""
	ClassStructural ErrorClass = "structural"
	ClassTrust      ErrorClass = "trust"
	ClassChurn      ErrorClass = "churn"
	ClassSelection  ErrorClass = "selection"
	ClassExhaustion ErrorClass = "exhaustion"
	ClassOther      ErrorClass = "other"
)

// Classify maps an error onto the directory error taxonomy.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrMalformedDocument), errors.Is(err, ErrInsufficientDirectory):
		return ClassStructural
	case errors.Is(err, ErrUntrustedAuthority), errors.Is(err, ErrExpiredCertificate),
		errors.Is(err, ErrBadSignature), errors.Is(err, ErrOutsideValidityWindow):
		return ClassTrust
	case errors.Is(err, ErrChurnBoundsExceeded), errors.Is(err, ErrChurnTargetMismatch),
		errors.Is(err, ErrChurnMalformed):
		return ClassChurn
	case errors.Is(err, ErrInsufficientRelays):
		return ClassSelection
	case errors.Is(err, ErrNoDirectory):
		return ClassExhaustion
	}
	return ClassOther
}

// DocumentError identifies the section of a document that failed to parse.
type DocumentError struct {
	Document string // "consensus", "microdescriptors", "certificate"
	Section  string // "header", "entry", "signature"
	Index    int    // entry index, -1 when not applicable
	Err      error
}

func (e *DocumentError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("%s: %s %d: %v", e.Document, e.Section, e.Index, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Document, e.Section, e.Err)
}

func (e *DocumentError) Unwrap() []error {
	return []error{ErrMalformedDocument, e.Err}
}

func malformed(doc, section string, format string, args ...any) error {
	return &DocumentError{Document: doc, Section: section, Index: -1, Err: fmt.Errorf(format, args...)}
}

// Warning records a per-entry problem that was skipped rather than failing the parse.
type Warning struct {
	Section string
	Index   int
	Reason  string
}

func (w Warning) String() string {
	return fmt.Sprintf("%s %d: %s", w.Section, w.Index, w.Reason)
}

func errFingerprintLength(n int) error {
	return fmt.Errorf("fingerprint wrong length: %d", n)
}
