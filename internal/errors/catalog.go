package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a standardized error code for the build pipeline
type ErrorCode string

// Error codes for the build pipeline
const (
	// Build context & descriptor errors
	ErrorCodeContext    ErrorCode = "CONTEXT_ERROR"
	ErrorCodeDescriptor ErrorCode = "DESCRIPTOR_ERROR"

	// Build errors
	ErrorCodeBuildFailed    ErrorCode = "BUILD_FAILED"
	ErrorCodeNoProcessTypes ErrorCode = "NO_PROCESS_TYPES"
	ErrorCodeCommitConflict ErrorCode = "COMMIT_CONFLICT"

	// Registry errors
	ErrorCodeTagFailed  ErrorCode = "TAG_FAILED"
	ErrorCodePushFailed ErrorCode = "PUSH_FAILED"

	// Request & platform errors
	ErrorCodeInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrorCodeInternal       ErrorCode = "INTERNAL_ERROR"
)

// Error messages map
var errorMessages = map[ErrorCode]string{
	ErrorCodeContext:    "Could not read the application source to create a build context.",
	ErrorCodeDescriptor: "Could not write the build descriptor.",

	ErrorCodeBuildFailed:    "Image build failed.",
	ErrorCodeNoProcessTypes: "No process types were found. Add a Procfile declaring at least one process type.",
	ErrorCodeCommitConflict: "The build reported more than one image id.",

	ErrorCodeTagFailed:  "Could not tag the built image.",
	ErrorCodePushFailed: "Could not push the image to the registry.",

	ErrorCodeInvalidRequest: "The build request is invalid.",
	ErrorCodeInternal:       "Something went wrong on the build platform's side.",
}

// PipelineError represents a structured error with code and message
type PipelineError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"` // Additional context for debugging
	Err     error     `json:"-"`                 // Original error (not serialized)
}

// Error implements the error interface
func (e *PipelineError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *PipelineError) Unwrap() error {
	return e.Err
}

// New creates a new PipelineError with the given code
func New(code ErrorCode, details ...string) *PipelineError {
	err := &PipelineError{
		Code:    code,
		Message: GetMessage(code),
	}
	if len(details) > 0 {
		err.Details = details[0]
	}
	return err
}

// Wrap wraps an existing error with a PipelineError code
func Wrap(code ErrorCode, err error, details ...string) *PipelineError {
	pipelineErr := New(code, details...)
	if err == nil {
		return pipelineErr
	}
	pipelineErr.Err = err
	if pipelineErr.Details == "" {
		pipelineErr.Details = err.Error()
	} else {
		pipelineErr.Details = fmt.Sprintf("%s: %s", pipelineErr.Details, err.Error())
	}
	return pipelineErr
}

// GetMessage returns the user-friendly message for an error code
func GetMessage(code ErrorCode) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}
	return "An unknown error occurred."
}

// As returns the first PipelineError in err's chain
func As(err error) (*PipelineError, bool) {
	var pipelineErr *PipelineError
	if err == nil || !stderrors.As(err, &pipelineErr) {
		return nil, false
	}
	return pipelineErr, true
}

// HasCode reports whether err's chain contains a PipelineError with the given code
func HasCode(err error, code ErrorCode) bool {
	pipelineErr, ok := As(err)
	return ok && pipelineErr.Code == code
}

// CodeOf returns the code of err, or ErrorCodeInternal when err carries none
func CodeOf(err error) ErrorCode {
	if pipelineErr, ok := As(err); ok {
		return pipelineErr.Code
	}
	return ErrorCodeInternal
}
