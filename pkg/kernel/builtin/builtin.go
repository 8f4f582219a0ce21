// Package builtin contains small reference kernels. Each one exercises a
// different time-of-interest policy; none of them is a spectral estimator.
//
// All kernels emit arrays shaped (time, taper, freq, channel) with singleton
// taper and freq axes.
package builtin

import (
	"context"
	"fmt"
	"sort"

	"github.com/trialflow/trialflow/pkg/kernel"
	"github.com/trialflow/trialflow/pkg/ndarray"
)

// Parameter keys understood by the builtin kernels.
const (
	ParamSampleRate = "samplerate"
	ParamTOI        = "toi"
	ParamOffsets    = "offsets"
	ParamNPerSeg    = "nperseg"
	ParamNOverlap   = "noverlap"
	ParamOrder      = "order"
	ParamThreshold  = "threshold"
)

var registry = map[string]func() kernel.Kernel{
	"identity": func() kernel.Kernel { return Identity{} },
	"pick":     func() kernel.Kernel { return Pick{} },
	"window":   func() kernel.Kernel { return WindowMean{} },
	"detrend":  func() kernel.Kernel { return Detrend{} },
	"peaks":    func() kernel.Kernel { return Peaks{} },
}

// Lookup returns a builtin kernel by name.
func Lookup(name string) (kernel.Kernel, error) {
	f, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown kernel %q (available: %v)", name, Names())
	}
	return f(), nil
}

// Names lists the builtin kernels.
func Names() []string {
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func outShape(nTime, nChannels int) ndarray.Shape {
	return ndarray.Shape{nTime, 1, 1, nChannels}
}

// planned answers a NoCompute call.
func planned(nTime, nChannels int, dtype ndarray.DType) kernel.Output {
	return kernel.Output{Shape: outShape(nTime, nChannels), DType: dtype}
}

// realTrial returns the call input as a time-major real array.
func realTrial(call kernel.Call) (*ndarray.Array, error) {
	a, ok := call.Input.(*ndarray.Array)
	if !ok {
		return nil, fmt.Errorf("expected trial data, got %T", call.Input)
	}
	if a.DType().IsComplex() {
		return nil, fmt.Errorf("kernel requires real input, got %s", a.DType())
	}
	return kernel.TimeMajor(a, call.TimeAxis), nil
}

func checkCtx(ctx context.Context) error {
	return ctx.Err()
}
