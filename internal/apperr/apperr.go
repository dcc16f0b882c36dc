// Package apperr defines the transport-agnostic error taxonomy used across
// the control plane, mirroring the teacher's pkg/errors (a CodedError
// interface plus typed constructors) but with the closed code set from
// spec.md §7.
package apperr

import "fmt"

// Code is one of the closed set of error kinds the control plane can
// return.
type Code string

const (
	CodeBackendDirNotFound Code = "BACKEND_DIR_NOT_FOUND"
	CodeBackendUnreachable Code = "BACKEND_UNREACHABLE"
	CodeVenvMissing        Code = "VENV_MISSING"
	CodeConflict           Code = "CONFLICT"
	CodeNotFound           Code = "NOT_FOUND"
	CodeInvalidArg         Code = "INVALID_ARG"
	CodePolicyViolation    Code = "POLICY_VIOLATION"
	CodeQueueTimeout       Code = "QUEUE_TIMEOUT"
	CodeUpstreamError      Code = "UPSTREAM_ERROR"
	CodeInternal           Code = "INTERNAL"
)

// CodedError is implemented by every error this package returns.
type CodedError interface {
	error
	Code() Code
}

type codedError struct {
	code    Code
	msg     string
	details map[string]any
}

func (e *codedError) Error() string { return e.msg }
func (e *codedError) Code() Code    { return e.code }

// Details returns machine-readable context (checked paths, upstream status,
// violated policies, ...) attached to the error, or nil.
func (e *codedError) Details() map[string]any { return e.details }

// New builds a CodedError with the given code and message.
func New(code Code, msg string) error {
	return &codedError{code: code, msg: msg}
}

// Newf is New with Printf-style formatting.
func Newf(code Code, format string, args ...any) error {
	return &codedError{code: code, msg: fmt.Sprintf(format, args...)}
}

// WithDetails attaches machine-readable context to a coded error.
func WithDetails(code Code, msg string, details map[string]any) error {
	return &codedError{code: code, msg: msg, details: details}
}

// Code returns the error code of err, or the empty string if err does not
// carry one.
func Code(err error) Code {
	if err == nil {
		return ""
	}
	if ce, ok := err.(CodedError); ok {
		return ce.Code()
	}
	return ""
}

// Details returns the machine-readable details attached to err, or nil.
func Details(err error) map[string]any {
	if ce, ok := err.(*codedError); ok {
		return ce.details
	}
	return nil
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return Code(err) == code
}

func BackendDirNotFound(checked []string) error {
	return WithDetails(CodeBackendDirNotFound,
		"could not locate the Engine directory; set MODUSNAP_BACKEND_DIR or run from inside it",
		map[string]any{"checkedPaths": checked})
}

func BackendUnreachable(url string) error {
	return Newf(CodeBackendUnreachable, "engine at %s is not reachable", url)
}

func VenvMissing(path string) error {
	return Newf(CodeVenvMissing, "python interpreter not found at %s", path)
}

func Conflict(msg string) error {
	return New(CodeConflict, msg)
}

func NotFound(kind, id string) error {
	return Newf(CodeNotFound, "%s %q not found", kind, id)
}

func InvalidArg(msg string) error {
	return New(CodeInvalidArg, msg)
}

func PolicyViolation(violations []string) error {
	return WithDetails(CodePolicyViolation,
		"requested packages are not permitted under the current policy tier",
		map[string]any{"violations": violations})
}

func QueueTimeout(msg string) error {
	return New(CodeQueueTimeout, msg)
}

func UpstreamError(status int, bodySnippet string) error {
	return WithDetails(CodeUpstreamError,
		fmt.Sprintf("engine returned status %d", status),
		map[string]any{"status": status, "body": bodySnippet})
}

func Internal(err error) error {
	if err == nil {
		return New(CodeInternal, "internal error")
	}
	return Newf(CodeInternal, "internal error: %s", err.Error())
}
