// Package fault defines the tagged error envelope used across the runtime:
// stable codes, severity, retryability, cause chain, and sanitized metadata.
// Every error that crosses a component boundary is an *Envelope.
package fault

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Code identifies an error kind. Codes are stable wire identifiers.
type Code string

const (
	CodeFileNotFound         Code = "FILE_NOT_FOUND"
	CodePermissionDenied     Code = "PERMISSION_DENIED"
	CodeTimeout              Code = "TIMEOUT"
	CodeValidationFailed     Code = "VALIDATION_FAILED"
	CodeSchemaMismatch       Code = "SCHEMA_MISMATCH"
	CodeEngineUnavailable    Code = "ENGINE_UNAVAILABLE"
	CodeCASIntegrityFailed   Code = "CAS_INTEGRITY_FAILED"
	CodeTenantAccessDenied   Code = "TENANT_ACCESS_DENIED"
	CodeUnauthorized         Code = "UNAUTHORIZED"
	CodeForbidden            Code = "FORBIDDEN"
	CodeMembershipRequired   Code = "MEMBERSHIP_REQUIRED"
	CodeReplayMismatch       Code = "REPLAY_MISMATCH"
	CodeDeterminismViolation Code = "DETERMINISM_VIOLATION"
	CodeHashMismatch         Code = "HASH_MISMATCH"
	CodeInvariantViolation   Code = "INVARIANT_VIOLATION"
	CodeBudgetExceeded       Code = "BUDGET_EXCEEDED"
	CodeToolOutputTooLarge   Code = "TOOL_OUTPUT_TOO_LARGE"
	CodeTriggerDataTooLarge  Code = "TRIGGER_DATA_TOO_LARGE"
	CodeSkillAlreadyExists   Code = "SKILL_ALREADY_REGISTERED"
	CodeSkillStepFailed      Code = "SKILL_STEP_FAILED"
	CodeProviderUnconfigured Code = "PROVIDER_NOT_CONFIGURED"
	CodeInternal             Code = "INTERNAL_ERROR"
)

// Severity grades an envelope.
type Severity string

const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityDebug:    0,
	SeverityInfo:     1,
	SeverityWarning:  2,
	SeverityError:    3,
	SeverityCritical: 4,
}

// SeverityMax returns the more severe of a and b.
func SeverityMax(a, b Severity) Severity {
	if severityRank[b] > severityRank[a] {
		return b
	}
	return a
}

// Envelope is the structured error carried across every boundary.
type Envelope struct {
	Code      Code           `json:"code"`
	Message   string         `json:"message"`
	Severity  Severity       `json:"severity"`
	Retryable bool           `json:"retryable"`
	Phase     string         `json:"phase,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
	Timestamp string         `json:"timestamp,omitempty"`

	cause error
}

// New builds an envelope with the code's default severity and retryability.
func New(code Code, message string) *Envelope {
	return &Envelope{
		Code:      code,
		Message:   message,
		Severity:  defaultSeverity(code),
		Retryable: defaultRetryable(code),
	}
}

// Newf is New with fmt.Sprintf formatting.
func Newf(code Code, format string, args ...any) *Envelope {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap builds an envelope whose cause is err.
func Wrap(code Code, message string, err error) *Envelope {
	e := New(code, message)
	e.cause = err
	return e
}

// FromUnknown coerces any error into an envelope. Existing envelopes pass
// through unchanged; anything else becomes INTERNAL_ERROR with the original
// as cause.
func FromUnknown(err error) *Envelope {
	if err == nil {
		return nil
	}
	var e *Envelope
	if errors.As(err, &e) {
		return e
	}
	return Wrap(CodeInternal, "unexpected error", err)
}

func (e *Envelope) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Envelope) Unwrap() error { return e.cause }

// Is treats two envelopes with the same code as equivalent, so callers can
// branch with errors.Is(err, fault.New(fault.CodeBudgetExceeded, "")).
func (e *Envelope) Is(target error) bool {
	var t *Envelope
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// WithSeverity overrides the default severity.
func (e *Envelope) WithSeverity(s Severity) *Envelope {
	e.Severity = s
	return e
}

// WithRetryable overrides the default retryability.
func (e *Envelope) WithRetryable(r bool) *Envelope {
	e.Retryable = r
	return e
}

// WithPhase records the pipeline phase the failure occurred in.
func (e *Envelope) WithPhase(phase string) *Envelope {
	e.Phase = phase
	return e
}

// WithMeta attaches one metadata entry. Values are sanitized at
// serialization time, not here.
func (e *Envelope) WithMeta(key string, value any) *Envelope {
	if e.Meta == nil {
		e.Meta = map[string]any{}
	}
	e.Meta[key] = value
	return e
}

// WithTimestamp stamps the envelope with an ISO 8601 instant read from the
// active clock. The package itself never reads time.
func (e *Envelope) WithTimestamp(iso string) *Envelope {
	e.Timestamp = iso
	return e
}

// MarshalJSON serializes the envelope with redacted metadata and the cause
// flattened to text.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	type wire struct {
		Code      Code           `json:"code"`
		Message   string         `json:"message"`
		Severity  Severity       `json:"severity"`
		Retryable bool           `json:"retryable"`
		Phase     string         `json:"phase,omitempty"`
		Meta      map[string]any `json:"meta,omitempty"`
		Cause     string         `json:"cause,omitempty"`
		Timestamp string         `json:"timestamp,omitempty"`
	}
	w := wire{
		Code:      e.Code,
		Message:   e.Message,
		Severity:  e.Severity,
		Retryable: e.Retryable,
		Phase:     e.Phase,
		Meta:      Sanitize(e.Meta),
		Timestamp: e.Timestamp,
	}
	if e.cause != nil {
		w.Cause = e.cause.Error()
	}
	return json.Marshal(w)
}

// CodeOf extracts the code from any error, or INTERNAL_ERROR for foreign
// errors, or "" for nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Envelope
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

func defaultSeverity(code Code) Severity {
	switch Classify(code) {
	case ClassIntegrity:
		return SeverityCritical
	default:
		return SeverityError
	}
}

func defaultRetryable(code Code) bool {
	return Classify(code) == ClassAvailability
}
