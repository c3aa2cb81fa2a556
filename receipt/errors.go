package receipt

import "errors"

// Kind is a stable category for programmatic error handling.
//
// Callers should branch on Kind/Reason rather than matching error strings.
// Every Kind is permanent for the receipt that produced it: retrying the same
// bytes yields the same error.
type Kind string

const (
	KindEncoding   Kind = "Encoding"
	KindValidation Kind = "Validation"
	KindSignature  Kind = "Signature"
)

// Reason names the specific rule a receipt violated.
type Reason string

const (
	MissingField       Reason = "MissingField"
	ExtraField         Reason = "ExtraField"
	MalformedEncoding  Reason = "MalformedEncoding"
	BadSchema          Reason = "BadSchema"
	BadAuthorLength    Reason = "BadAuthorLength"
	BadSignatureLength Reason = "BadSignatureLength"
	BadRefLength       Reason = "BadRefLength"
	TooManyRefs        Reason = "TooManyRefs"
	DuplicateRefs      Reason = "DuplicateRefs"
	PayloadTooLarge    Reason = "PayloadTooLarge"
	SignatureMismatch  Reason = "SignatureMismatch"
)

// Error is the package's structured error type.
//
// Message is intended for humans; do not match on it.
type Error struct {
	Kind    Kind
	Reason  Reason
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is matches another *Error on Kind and Reason, so sentinel-style checks like
// errors.Is(err, &Error{Kind: KindValidation, Reason: TooManyRefs}) work.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	if t.Kind != "" && t.Kind != e.Kind {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

func newError(kind Kind, reason Reason, msg string) error {
	return &Error{Kind: kind, Reason: reason, Message: "receipt: " + msg}
}

func wrapError(kind Kind, reason Reason, msg string, cause error) error {
	if cause == nil {
		return newError(kind, reason, msg)
	}
	return &Error{Kind: kind, Reason: reason, Message: "receipt: " + msg + ": " + cause.Error(), Cause: cause}
}

// IsKind reports whether err is (or wraps) a *Error with the given Kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// ReasonOf returns the Reason of a structured error, or "" if err is not one.
func ReasonOf(err error) Reason {
	var e *Error
	if !errors.As(err, &e) {
		return ""
	}
	return e.Reason
}
