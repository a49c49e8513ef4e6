package protocol

import (
	"errors"
	"fmt"
)

// ErrorKind classifies task-level failures
type ErrorKind string

const (
	KindClassification       ErrorKind = "classification_error"
	KindContainerAcquisition ErrorKind = "container_acquisition_error"
	KindExecutionTimeout     ErrorKind = "execution_timeout"
	KindMalformedOutput      ErrorKind = "malformed_output_event"
	KindRepoClone            ErrorKind = "repo_clone_failure"
	KindRuntimeUnavailable   ErrorKind = "container_runtime_unavailable"
	KindAgentExit            ErrorKind = "agent_exit"
	KindCanceled             ErrorKind = "canceled"
)

var (
	ErrClassification       = errors.New("classification failed")
	ErrContainerAcquisition = errors.New("container acquisition failed")
	ErrExecutionTimeout     = errors.New("execution timed out")
	ErrMalformedOutput      = errors.New("malformed output record")
	ErrRepoClone            = errors.New("repository clone failed")
	ErrRuntimeUnavailable   = errors.New("container runtime unavailable")
	ErrAgentExit            = errors.New("agent exited unsuccessfully")
	ErrCanceled             = errors.New("task canceled")
)

var kindSentinels = map[ErrorKind]error{
	KindClassification:       ErrClassification,
	KindContainerAcquisition: ErrContainerAcquisition,
	KindExecutionTimeout:     ErrExecutionTimeout,
	KindMalformedOutput:      ErrMalformedOutput,
	KindRepoClone:            ErrRepoClone,
	KindRuntimeUnavailable:   ErrRuntimeUnavailable,
	KindAgentExit:            ErrAgentExit,
	KindCanceled:             ErrCanceled,
}

// TaskError is the single failure recorded on a FAILED task.
type TaskError struct {
	Kind     ErrorKind `json:"kind"`
	Message  string    `json:"message"`
	ExitCode int       `json:"exit_code,omitempty"`

	cause error
}

// NewTaskError builds a TaskError of the given kind wrapping cause (may be nil).
func NewTaskError(kind ErrorKind, cause error, format string, args ...any) *TaskError {
	msg := fmt.Sprintf(format, args...)
	if cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, cause)
	}
	return &TaskError{Kind: kind, Message: msg, cause: cause}
}

func (e *TaskError) Error() string {
	if e.ExitCode != 0 {
		return fmt.Sprintf("%s: %s (exit code %d)", e.Kind, e.Message, e.ExitCode)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes both the kind sentinel and the underlying cause to errors.Is.
func (e *TaskError) Unwrap() []error {
	var errs []error
	if sentinel, ok := kindSentinels[e.Kind]; ok {
		errs = append(errs, sentinel)
	}
	if e.cause != nil {
		errs = append(errs, e.cause)
	}
	return errs
}

// AsTaskError extracts a TaskError from err. Errors that carry none are
// reported under fallback.
func AsTaskError(err error, fallback ErrorKind) *TaskError {
	if err == nil {
		return nil
	}
	var te *TaskError
	if errors.As(err, &te) {
		return te
	}
	return &TaskError{Kind: fallback, Message: err.Error(), cause: err}
}
