// Package errors provides structured errors for TrialFlow.
// Every error carries a code, optional context and a short stack trace so
// callers can tell configuration mistakes from per-trial failures.
package errors

import (
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
)

// Code identifies an error class for programmatic handling.
type Code string

const (
	// Configuration errors (1xx). Raised before any computation starts.
	CodeShapeMismatch   Code = "E101"
	CodeUnsupportedAxis Code = "E102"
	CodeInvalidParams   Code = "E103"
	CodeInvalidTrialDef Code = "E104"
	CodeNestedMetadata  Code = "E105"
	CodeDTypeMismatch   Code = "E106"

	// Execution errors (2xx)
	CodeKernelFailed   Code = "E201"
	CodeShapeViolation Code = "E202"
	CodeJobFailed      Code = "E203"
	CodePanic          Code = "E204"

	// Storage errors (3xx)
	CodeWriteFailed     Code = "E301"
	CodeDatasetMissing  Code = "E302"
	CodeManifestInvalid Code = "E303"
	CodeReadFailed      Code = "E304"
	CodeChecksum        Code = "E305"
	CodeOutOfRange      Code = "E306"

	// System errors (4xx)
	CodeContextCanceled Code = "E401"
	CodeTimeout         Code = "E402"
	CodeQuorumShortfall Code = "E403"

	// Metadata errors (5xx)
	CodeLabelInvalid   Code = "E501"
	CodeLabelCollision Code = "E502"
	CodePackMismatch   Code = "E503"

	CodeUnknown Code = "E999"
)

// FlowError is the base error type for all TrialFlow errors.
type FlowError struct {
	Code       Code
	Message    string
	Cause      error
	Context    map[string]interface{}
	StackTrace []Frame
}

// Frame represents a stack frame.
type Frame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface. Context keys are printed in sorted
// order so messages are stable across runs.
func (e *FlowError) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		sb.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		sb.WriteString(")")
	}

	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}

	return sb.String()
}

// Unwrap returns the underlying cause.
func (e *FlowError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a FlowError with the same code.
func (e *FlowError) Is(target error) bool {
	if t, ok := target.(*FlowError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithContext adds context to the error.
func (e *FlowError) WithContext(key string, value interface{}) *FlowError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a new FlowError.
func New(code Code, message string) *FlowError {
	return &FlowError{
		Code:       code,
		Message:    message,
		StackTrace: captureStack(2),
	}
}

// Newf creates a new FlowError with a formatted message.
func Newf(code Code, format string, args ...interface{}) *FlowError {
	return &FlowError{
		Code:       code,
		Message:    fmt.Sprintf(format, args...),
		StackTrace: captureStack(2),
	}
}

// Wrap wraps an existing error. It returns nil when err is nil.
func Wrap(err error, code Code, message string) *FlowError {
	if err == nil {
		return nil
	}

	return &FlowError{
		Code:       code,
		Message:    message,
		Cause:      err,
		StackTrace: captureStack(2),
	}
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, code Code, format string, args ...interface{}) *FlowError {
	if err == nil {
		return nil
	}
	return &FlowError{
		Code:       code,
		Message:    fmt.Sprintf(format, args...),
		Cause:      err,
		StackTrace: captureStack(2),
	}
}

func captureStack(skip int) []Frame {
	var frames []Frame
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+1, pcs)
	pcs = pcs[:n]

	cf := runtime.CallersFrames(pcs)
	for {
		frame, more := cf.Next()
		frames = append(frames, Frame{
			Function: frame.Function,
			File:     frame.File,
			Line:     frame.Line,
		})
		if !more || len(frames) >= 10 {
			break
		}
	}
	return frames
}

// FormatStack returns a formatted stack trace.
func (e *FlowError) FormatStack() string {
	var sb strings.Builder
	for _, f := range e.StackTrace {
		sb.WriteString(fmt.Sprintf("  at %s\n    %s:%d\n", f.Function, f.File, f.Line))
	}
	return sb.String()
}

// --- Convenience constructors ---

// ShapeMismatch reports trials whose non-leading output axes disagree.
func ShapeMismatch(trial int, want, got interface{}) *FlowError {
	return New(CodeShapeMismatch, "output shape differs on a non-leading axis").
		WithContext("trial", trial).
		WithContext("want", want).
		WithContext("got", got)
}

// DatasetMissing reports an extent that lacks its primary dataset.
func DatasetMissing(path, dataset string) *FlowError {
	return New(CodeDatasetMissing, "primary dataset missing").
		WithContext("path", path).
		WithContext("dataset", dataset)
}

// TrialFailed wraps a kernel failure for one trial.
func TrialFailed(trial int, err error) *FlowError {
	return Wrap(err, CodeKernelFailed, "kernel failed").
		WithContext("trial", trial)
}

// ContextCanceled creates a cancellation error.
func ContextCanceled(operation string) *FlowError {
	return New(CodeContextCanceled, "operation canceled").
		WithContext("operation", operation)
}

// --- Error checking utilities ---

// IsCode checks if an error has a specific code.
func IsCode(err error, code Code) bool {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Code == code
	}
	return false
}

// GetCode extracts the error code from an error.
func GetCode(err error) Code {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return CodeUnknown
}

// IsConfig reports whether err is a configuration error, detected
// before any trial was computed.
func IsConfig(err error) bool {
	return strings.HasPrefix(string(GetCode(err)), "E1")
}

// IsTrialScoped reports whether err is confined to a single trial.
func IsTrialScoped(err error) bool {
	switch GetCode(err) {
	case CodeKernelFailed, CodeShapeViolation, CodePanic:
		return true
	default:
		return false
	}
}

// IsFatal returns true if the error aborts the whole job.
func IsFatal(err error) bool {
	if IsConfig(err) {
		return true
	}
	switch GetCode(err) {
	case CodeDatasetMissing, CodeManifestInvalid:
		return true
	default:
		return false
	}
}

// MultiError collects multiple errors.
type MultiError struct {
	Errors []error
}

// Error implements the error interface.
func (m *MultiError) Error() string {
	if len(m.Errors) == 0 {
		return "no errors"
	}
	if len(m.Errors) == 1 {
		return m.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d errors occurred:\n", len(m.Errors)))
	for i, err := range m.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Add adds an error to the collection.
func (m *MultiError) Add(err error) {
	if err != nil {
		m.Errors = append(m.Errors, err)
	}
}

// HasErrors returns true if any errors were collected.
func (m *MultiError) HasErrors() bool {
	return len(m.Errors) > 0
}

// Combined returns nil if no errors, the single error if one, or the MultiError.
func (m *MultiError) Combined() error {
	switch len(m.Errors) {
	case 0:
		return nil
	case 1:
		return m.Errors[0]
	default:
		return m
	}
}
