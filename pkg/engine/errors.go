package engine

import (
	"errors"
	"fmt"
)

// ErrorClass classifies a run error by the phase or boundary it came from.
type ErrorClass string

const (
	// ErrorClassGather indicates source gathering or rendering failed.
	ErrorClassGather ErrorClass = "gather"

	// ErrorClassCompile indicates a structural error in high data:
	// unresolved requisites, duplicate IDs, cyclic dependencies.
	ErrorClassCompile ErrorClass = "compile"

	// ErrorClassValidation indicates argument construction failed:
	// missing required arguments or a type mismatch.
	ErrorClassValidation ErrorClass = "validation"

	// ErrorClassRuntime indicates a chunk failed during execution.
	ErrorClassRuntime ErrorClass = "runtime"

	// ErrorClassProvider indicates a provider function could not be
	// resolved or invoked.
	ErrorClassProvider ErrorClass = "provider"

	// ErrorClassESM indicates the enforced-state manager failed to acquire,
	// flush, or release state.
	ErrorClassESM ErrorClass = "esm"

	// ErrorClassPolicy indicates the policy gate denied the run.
	ErrorClassPolicy ErrorClass = "policy"

	// ErrorClassTransient indicates a temporary failure worth retrying.
	ErrorClassTransient ErrorClass = "transient"
)

// RunError is a classified error with run and chunk context.
type RunError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message describes what failed, without the class prefix.
	Message string `json:"message"`

	// Run is the run name the error belongs to, if known.
	Run string `json:"run,omitempty"`

	// Tag is the chunk execution tag the error belongs to, if any.
	Tag string `json:"tag,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`

	// Details carries structured context for event payloads.
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *RunError) Error() string {
	switch {
	case e.Tag != "":
		return fmt.Sprintf("[%s] %s (tag=%s)%s", e.Class, e.Message, e.Tag, e.unwrapSuffix())
	case e.Run != "":
		return fmt.Sprintf("[%s] %s (run=%s)%s", e.Class, e.Message, e.Run, e.unwrapSuffix())
	default:
		return fmt.Sprintf("[%s] %s%s", e.Class, e.Message, e.unwrapSuffix())
	}
}

// Unwrap returns the underlying error for chain inspection.
func (e *RunError) Unwrap() error {
	return e.Err
}

func (e *RunError) unwrapSuffix() string {
	if e.Err != nil {
		return ": " + e.Err.Error()
	}
	return ""
}

// Is implements class-level equality for errors.Is.
func (e *RunError) Is(target error) bool {
	t, ok := target.(*RunError)
	if !ok {
		return false
	}
	return e.Class == t.Class
}

// NewGatherError creates a gather-phase error.
func NewGatherError(message string, err error) *RunError {
	return &RunError{Class: ErrorClassGather, Message: message, Err: err}
}

// NewCompileError creates a compile-phase error.
func NewCompileError(message string, err error) *RunError {
	return &RunError{Class: ErrorClassCompile, Message: message, Err: err}
}

// NewValidationError creates an argument-construction error.
func NewValidationError(message string) *RunError {
	return &RunError{Class: ErrorClassValidation, Message: message}
}

// NewRuntimeError creates a chunk execution error.
func NewRuntimeError(message string, err error) *RunError {
	return &RunError{Class: ErrorClassRuntime, Message: message, Err: err}
}

// NewProviderError creates a provider resolution or invocation error.
func NewProviderError(message string, err error) *RunError {
	return &RunError{Class: ErrorClassProvider, Message: message, Err: err}
}

// NewESMError creates an enforced-state manager error.
func NewESMError(message string, err error) *RunError {
	return &RunError{Class: ErrorClassESM, Message: message, Err: err}
}

// NewPolicyError creates a policy gate error.
func NewPolicyError(message string, err error) *RunError {
	return &RunError{Class: ErrorClassPolicy, Message: message, Err: err}
}

// NewTransientError creates a retryable error.
func NewTransientError(message string, err error) *RunError {
	return &RunError{Class: ErrorClassTransient, Message: message, Err: err}
}

// WithRun adds run context to an error.
func (e *RunError) WithRun(name string) *RunError {
	e.Run = name
	return e
}

// WithTag adds chunk context to an error.
func (e *RunError) WithTag(tag string) *RunError {
	e.Tag = tag
	return e
}

// WithDetail attaches one structured detail to the error.
func (e *RunError) WithDetail(key string, value any) *RunError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// classOf extracts the RunError class from an error chain.
func classOf(err error) (ErrorClass, bool) {
	var e *RunError
	if errors.As(err, &e) {
		return e.Class, true
	}
	return "", false
}

// IsGather returns true if the error came from gathering.
func IsGather(err error) bool {
	class, ok := classOf(err)
	return ok && class == ErrorClassGather
}

// IsCompile returns true if the error is structural.
func IsCompile(err error) bool {
	class, ok := classOf(err)
	return ok && class == ErrorClassCompile
}

// IsValidation returns true if the error came from argument construction.
func IsValidation(err error) bool {
	class, ok := classOf(err)
	return ok && class == ErrorClassValidation
}

// IsPolicy returns true if the error came from the policy gate.
func IsPolicy(err error) bool {
	class, ok := classOf(err)
	return ok && class == ErrorClassPolicy
}

// IsRetryable returns true for errors worth re-invoking without operator
// intervention.
func IsRetryable(err error) bool {
	class, ok := classOf(err)
	return ok && class == ErrorClassTransient
}
