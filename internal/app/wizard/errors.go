package wizard

import (
	"errors"
	"strings"
)

// Error is an application-layer error that can be mapped to an HTTP response.
type Error struct {
	Status  int
	Code    string
	Message string
	Details map[string]any

	// Cause is the underlying error, if any; it is exposed via Unwrap.
	Cause error
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return e.Message
	}
	return e.Code
}

var (
	// ErrOutOfOrderAdvance is returned when an advance is requested before the
	// current step has been validated.
	ErrOutOfOrderAdvance = errors.New("advance requested before current step was validated")

	// ErrStepMismatch is returned when a submission targets a step other than
	// the current one.
	ErrStepMismatch = errors.New("submitted step is not the current step")

	// ErrNoPreviousStep is returned by Retreat on the first step.
	ErrNoPreviousStep = errors.New("no previous step")

	// ErrAcknowledgmentRequired is matched (via errors.Is) by a ValidationError
	// whose only failure is the missing medical review acknowledgment.
	ErrAcknowledgmentRequired = errors.New("medical review acknowledgment required")
)

// Field error codes.
const (
	CodeRequired               = "REQUIRED"
	CodeInvalid                = "INVALID"
	CodeOutOfRange             = "OUT_OF_RANGE"
	CodeTooShort               = "TOO_SHORT"
	CodeConsentRequired        = "CONSENT_REQUIRED"
	CodeAcknowledgmentRequired = "ACKNOWLEDGMENT_REQUIRED"
	CodeUnknownPlan            = "UNKNOWN_PLAN"
)

// FieldError describes why one input field was rejected.
type FieldError struct {
	Field  string
	Code   string
	Reason string
}

// ValidationError carries every field failure found for one step submission.
type ValidationError struct {
	Step   string
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Fields) == 0 {
		return "validation failed"
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Reason)
	}
	return e.Step + " validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool {
	if target != ErrAcknowledgmentRequired || e == nil {
		return false
	}
	for _, f := range e.Fields {
		if f.Code == CodeAcknowledgmentRequired {
			return true
		}
	}
	return false
}

// Details returns the field→reason map used in error responses.
func (e *ValidationError) Details() map[string]any {
	out := make(map[string]any, len(e.Fields))
	for _, f := range e.Fields {
		out[f.Field] = f.Reason
	}
	return out
}

// Has reports whether field failed with code. An empty code matches any.
func (e *ValidationError) Has(field, code string) bool {
	for _, f := range e.Fields {
		if f.Field == field && (code == "" || f.Code == code) {
			return true
		}
	}
	return false
}

type fieldErrors []FieldError

func (fe *fieldErrors) add(field, code, reason string) {
	*fe = append(*fe, FieldError{Field: field, Code: code, Reason: reason})
}

func (fe fieldErrors) err(step string) error {
	if len(fe) == 0 {
		return nil
	}
	return &ValidationError{Step: step, Fields: fe}
}

func runNotFound(err error) *Error {
	return &Error{Status: 404, Code: "RUN_NOT_FOUND", Message: "run not found", Cause: err}
}

func concurrentModification(err error) *Error {
	return &Error{Status: 409, Code: "CONCURRENT_MODIFICATION", Message: "run was modified concurrently; reload and retry", Cause: err}
}

// validationFailed maps a validator error to the application error returned
// to callers. Non-validation errors pass through unchanged.
func validationFailed(err error) error {
	var ve *ValidationError
	if !errors.As(err, &ve) {
		return err
	}
	code := "VALIDATION_ERROR"
	msg := "invalid " + ve.Step + " submission"
	if errors.Is(ve, ErrAcknowledgmentRequired) {
		code = "ACKNOWLEDGMENT_REQUIRED"
		msg = "clinician review must be acknowledged"
	}
	return &Error{Status: 422, Code: code, Message: msg, Details: ve.Details(), Cause: ve}
}
