// Package kernel defines the contract between the engine and a per-trial
// transform. A kernel is called twice per trial: once during planning with
// a data-less placeholder, where it must only report its output shape and
// element type, and once during execution with the real trial.
package kernel

import (
	"context"
	"fmt"

	"github.com/trialflow/trialflow/pkg/metadata"
	"github.com/trialflow/trialflow/pkg/ndarray"
)

// Input is what a kernel receives: a real *ndarray.Array during execution
// or a placeholder carrying only shape and element type during planning.
type Input interface {
	Shape() ndarray.Shape
	DType() ndarray.DType
}

// Params is the opaque parameter bundle passed unchanged to every call.
type Params map[string]any

// Float returns a float parameter or def when absent.
func (p Params) Float(key string, def float64) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return def
	}
}

// Int returns an integer parameter or def when absent.
func (p Params) Int(key string, def int) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

// Floats returns a float slice parameter or nil.
func (p Params) Floats(key string) []float64 {
	switch v := p[key].(type) {
	case []float64:
		return v
	case []any:
		out := make([]float64, 0, len(v))
		for _, x := range v {
			if f, ok := x.(float64); ok {
				out = append(out, f)
			}
		}
		return out
	default:
		return nil
	}
}

// String returns a string parameter or def when absent.
func (p Params) String(key, def string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return def
}

// Call is one kernel invocation.
type Call struct {
	// Trial is the position of the trial in the selection.
	Trial int
	// Input is the trial data, or a placeholder when NoCompute is set.
	Input Input
	// TimeAxis is 0 when rows are samples, 1 when columns are samples.
	TimeAxis int
	// NoCompute requests shape inference only.
	NoCompute bool
	// ChunkShape is the full output container shape; nil during planning.
	ChunkShape ndarray.Shape
	// Params is shared read-only between all calls.
	Params Params
}

// Output is the result of a call. During planning only Shape and DType are
// set; during execution Data is set and Metadata optionally.
type Output struct {
	Shape    ndarray.Shape
	DType    ndarray.DType
	Data     *ndarray.Array
	Metadata metadata.Raw
}

// Kernel is a per-trial transform.
type Kernel interface {
	Name() string
	Compute(ctx context.Context, call Call) (Output, error)
}

// AxisSupporter is implemented by kernels that restrict the time axis.
// Kernels that do not implement it accept both axes.
type AxisSupporter interface {
	SupportsTimeAxis(axis int) bool
}

// Labeler is implemented by kernels that can name the non-leading output
// axes (taper, frequency, ...). It is consulted once after execution.
type Labeler interface {
	DimLabels(params Params) map[string][]string
}

// SupportsAxis reports whether k accepts the given time axis.
func SupportsAxis(k Kernel, axis int) bool {
	if s, ok := k.(AxisSupporter); ok {
		return s.SupportsTimeAxis(axis)
	}
	return axis == 0 || axis == 1
}

// Func adapts a function to the Kernel interface.
type Func struct {
	ID string
	Fn func(ctx context.Context, call Call) (Output, error)
}

func (f Func) Name() string { return f.ID }

func (f Func) Compute(ctx context.Context, call Call) (Output, error) {
	return f.Fn(ctx, call)
}

// Samples returns the number of time samples and channels of an input,
// honoring the time axis.
func Samples(in Input, timeAxis int) (nSamples, nChannels int, err error) {
	s := in.Shape()
	if len(s) != 2 {
		return 0, 0, fmt.Errorf("expected 2-d trial, got shape %s", s)
	}
	if timeAxis == 1 {
		return s[1], s[0], nil
	}
	return s[0], s[1], nil
}

// TimeMajor returns the trial as (time, channel), transposing if needed.
func TimeMajor(a *ndarray.Array, timeAxis int) *ndarray.Array {
	if timeAxis == 1 {
		return a.Transpose2D()
	}
	return a
}
