package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestFlowError_Error(t *testing.T) {
	err := New(CodeShapeMismatch, "bad shape").
		WithContext("trial", 2).
		WithContext("axis", 1)

	got := err.Error()
	want := "[E101] bad shape (axis=1, trial=2)"
	if got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, CodeWriteFailed, "x") != nil {
		t.Error("Expected nil when wrapping nil")
	}

	cause := fmt.Errorf("disk full")
	err := Wrap(cause, CodeWriteFailed, "write extent")
	if !errors.Is(err, cause) {
		t.Error("Expected wrapped error to match cause")
	}
	if !strings.HasSuffix(err.Error(), ": disk full") {
		t.Errorf("Expected cause in message, got %q", err.Error())
	}
}

func TestIsCode(t *testing.T) {
	err := fmt.Errorf("outer: %w", TrialFailed(3, fmt.Errorf("boom")))

	if !IsCode(err, CodeKernelFailed) {
		t.Error("Expected IsCode to see through fmt wrapping")
	}
	if GetCode(err) != CodeKernelFailed {
		t.Errorf("Expected %s, got %s", CodeKernelFailed, GetCode(err))
	}
	if GetCode(fmt.Errorf("plain")) != CodeUnknown {
		t.Error("Expected unknown code for plain error")
	}
}

func TestClassification(t *testing.T) {
	tests := []struct {
		code   Code
		config bool
		trial  bool
		fatal  bool
	}{
		{CodeShapeMismatch, true, false, true},
		{CodeUnsupportedAxis, true, false, true},
		{CodeKernelFailed, false, true, false},
		{CodePanic, false, true, false},
		{CodeDatasetMissing, false, false, true},
		{CodeQuorumShortfall, false, false, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			err := New(tt.code, "x")
			if IsConfig(err) != tt.config {
				t.Errorf("IsConfig: expected %v", tt.config)
			}
			if IsTrialScoped(err) != tt.trial {
				t.Errorf("IsTrialScoped: expected %v", tt.trial)
			}
			if IsFatal(err) != tt.fatal {
				t.Errorf("IsFatal: expected %v", tt.fatal)
			}
		})
	}
}

func TestMultiError(t *testing.T) {
	var m MultiError
	if m.Combined() != nil {
		t.Error("Expected nil for empty MultiError")
	}

	first := New(CodeKernelFailed, "a")
	m.Add(first)
	m.Add(nil)
	if m.Combined() != first {
		t.Error("Expected single error to be returned directly")
	}

	m.Add(New(CodeKernelFailed, "b"))
	if !strings.HasPrefix(m.Combined().Error(), "2 errors occurred") {
		t.Errorf("Unexpected message: %s", m.Error())
	}
}
