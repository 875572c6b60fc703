// Package apperrors defines the error taxonomy surfaced on Runs and Task
// Instances (spec §7). These are stable string codes persisted to the
// store and returned over the API, not Go error types to wrap arbitrary
// causes with.
package apperrors

import "errors"

// Code is one of the fixed error_code values a Run or Task Instance may
// carry in a terminal state.
type Code string

const (
	PlanNotFound        Code = "PLAN_NOT_FOUND"
	PlanHashMismatch    Code = "PLAN_HASH_MISMATCH"
	ParamsInvalid       Code = "PARAMS_INVALID"
	DepUnsatisfied      Code = "DEP_UNSATISFIED"
	ApprovalDenied      Code = "APPROVAL_DENIED"
	TaskExecutionFailed Code = "TASK_EXECUTION_FAILED"
	RunTimeout          Code = "RUN_TIMEOUT"
	ClaimLost           Code = "CLAIM_LOST"
	ArtifactTooLarge    Code = "ARTIFACT_TOO_LARGE"
	ArtifactPathRejected Code = "ARTIFACT_PATH_REJECTED"
)

// Error pairs a Code with a human-readable message. It implements error so
// it can be returned and type-asserted by callers that need the code (the
// Runner, the API handlers).
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Message
}

// New builds an *Error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// CodeOf extracts the Code from err if it is (or wraps) an *Error, and ""
// otherwise.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
