// Package engine is the task execution and notification engine: it accepts
// long-running operations (built-in native operations and sandboxed macros),
// tracks them in the task registry, runs each on its own goroutine, and
// publishes an ordered event stream describing their progress to the
// notification bus.
package engine

import (
	"errors"
	"fmt"
)

// ErrorClass classifies an engine error for the caller.
type ErrorClass string

const (
	// ErrorClassExhausted marks registry exhaustion. Fatal for the
	// submission that hit it.
	ErrorClassExhausted ErrorClass = "exhausted"

	// ErrorClassNotFound marks an unknown task or instance id.
	ErrorClassNotFound ErrorClass = "not_found"

	// ErrorClassRejected marks a submission refused before execution,
	// e.g. by a capability policy denial or invalid parameters.
	ErrorClassRejected ErrorClass = "rejected"

	// ErrorClassSandbox marks a script fault inside the macro sandbox.
	ErrorClassSandbox ErrorClass = "sandbox"

	// ErrorClassSupervisor marks a failure reported by the process
	// supervisor collaborator.
	ErrorClassSupervisor ErrorClass = "supervisor"
)

// EngineError is a classified engine error.
// nolint:revive // named to distinguish from plain errors at call sites
type EngineError struct {
	Class   ErrorClass `json:"class"`
	Message string     `json:"message"`
	Err     error      `json:"-"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Class, e.Message)
}

// Unwrap returns the underlying error.
func (e *EngineError) Unwrap() error { return e.Err }

// Is matches on class.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class
}

func newError(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{Class: class, Message: message, Err: err}
}

// HasClass reports whether err carries the given class.
func HasClass(err error, class ErrorClass) bool {
	var ee *EngineError
	if !errors.As(err, &ee) {
		return false
	}
	return ee.Class == class
}
