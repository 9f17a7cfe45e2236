package fault

import "errors"

// Class groups codes by how callers recover from them.
type Class string

const (
	ClassInput         Class = "input"
	ClassAuthorization Class = "authorization"
	ClassResource      Class = "resource"
	ClassIntegrity     Class = "integrity"
	ClassAvailability  Class = "availability"
	ClassUnknown       Class = "unknown"
)

var classByCode = map[Code]Class{
	CodeValidationFailed:   ClassInput,
	CodeSchemaMismatch:     ClassInput,
	CodeFileNotFound:       ClassInput,
	CodeSkillAlreadyExists: ClassInput,
	CodeSkillStepFailed:    ClassInput,

	CodeUnauthorized:       ClassAuthorization,
	CodeForbidden:          ClassAuthorization,
	CodePermissionDenied:   ClassAuthorization,
	CodeMembershipRequired: ClassAuthorization,
	CodeTenantAccessDenied: ClassAuthorization,

	CodeBudgetExceeded:      ClassResource,
	CodeToolOutputTooLarge:  ClassResource,
	CodeTriggerDataTooLarge: ClassResource,
	CodeTimeout:             ClassResource,

	CodeInvariantViolation:   ClassIntegrity,
	CodeDeterminismViolation: ClassIntegrity,
	CodeHashMismatch:         ClassIntegrity,
	CodeCASIntegrityFailed:   ClassIntegrity,
	CodeReplayMismatch:       ClassIntegrity,

	CodeEngineUnavailable:    ClassAvailability,
	CodeProviderUnconfigured: ClassAvailability,

	CodeInternal: ClassUnknown,
}

// Classify maps a code to its recovery class.
func Classify(code Code) Class {
	if c, ok := classByCode[code]; ok {
		return c
	}
	return ClassUnknown
}

// HTTPStatus maps a code to an HTTP status for transport layers.
func HTTPStatus(code Code) int {
	switch code {
	case CodeUnauthorized:
		return 401
	case CodeForbidden, CodePermissionDenied, CodeTenantAccessDenied, CodeMembershipRequired:
		return 403
	case CodeFileNotFound:
		return 404
	case CodeValidationFailed, CodeSchemaMismatch:
		return 400
	case CodeSkillAlreadyExists, CodeToolOutputTooLarge, CodeTriggerDataTooLarge:
		return 409
	case CodeBudgetExceeded:
		return 429
	case CodeTimeout:
		return 504
	default:
		return 500
	}
}

// Process exit codes for ops tooling invoking the runtime.
const (
	ExitOK        = 0
	ExitUserError = 2
	ExitIntegrity = 3
	ExitSystem    = 4
)

// ExitCode maps an error to the process exit code contract: 0 success,
// 2 user/input error, 3 invariant or determinism violation, 4 system error.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var e *Envelope
	if !errors.As(err, &e) {
		return ExitSystem
	}
	switch Classify(e.Code) {
	case ClassInput, ClassAuthorization, ClassResource:
		return ExitUserError
	case ClassIntegrity:
		return ExitIntegrity
	default:
		return ExitSystem
	}
}
