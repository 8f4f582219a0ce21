package builtin

import (
	"context"
	"fmt"
	"math"

	"github.com/trialflow/trialflow/pkg/kernel"
	"github.com/trialflow/trialflow/pkg/metadata"
	"github.com/trialflow/trialflow/pkg/ndarray"
	"github.com/trialflow/trialflow/pkg/trialdef"
)

// Identity copies every sample. Complex input is kept complex.
type Identity struct{}

func (Identity) Name() string { return "identity" }

func (Identity) Compute(ctx context.Context, call kernel.Call) (kernel.Output, error) {
	n, c, err := kernel.Samples(call.Input, call.TimeAxis)
	if err != nil {
		return kernel.Output{}, err
	}
	if call.NoCompute {
		return planned(n, c, call.Input.DType()), nil
	}
	a, ok := call.Input.(*ndarray.Array)
	if !ok {
		return kernel.Output{}, fmt.Errorf("expected trial data, got %T", call.Input)
	}
	a = kernel.TimeMajor(a, call.TimeAxis)
	out, err := ndarray.FromData(outShape(n, c), a.DType(), append([]float64(nil), a.Data()...))
	if err != nil {
		return kernel.Output{}, err
	}
	return kernel.Output{Data: out}, checkCtx(ctx)
}

// Pick samples each trial at explicit times of interest, given in seconds
// relative to the trigger. Params: toi, samplerate and optionally offsets
// (per-trial start position relative to the trigger, in samples).
type Pick struct{}

func (Pick) Name() string { return "pick" }

func (Pick) Compute(ctx context.Context, call kernel.Call) (kernel.Output, error) {
	toi := call.Params.Floats(ParamTOI)
	if len(toi) == 0 {
		return kernel.Output{}, fmt.Errorf("pick requires %q", ParamTOI)
	}
	sr := call.Params.Float(ParamSampleRate, 0)
	if sr <= 0 {
		return kernel.Output{}, fmt.Errorf("pick requires positive %q", ParamSampleRate)
	}
	n, c, err := kernel.Samples(call.Input, call.TimeAxis)
	if err != nil {
		return kernel.Output{}, err
	}
	if call.NoCompute {
		return planned(len(toi), c, ndarray.Float64), nil
	}

	a, err := realTrial(call)
	if err != nil {
		return kernel.Output{}, err
	}
	var offset float64
	if offs := call.Params.Floats(ParamOffsets); call.Trial < len(offs) {
		offset = offs[call.Trial]
	}

	out := ndarray.New(outShape(len(toi), c), ndarray.Float64)
	for i, t := range toi {
		idx := int(math.Round(t*sr - offset))
		if idx < 0 {
			idx = 0
		}
		if idx >= n {
			idx = n - 1
		}
		for ch := 0; ch < c; ch++ {
			out.Set(a.At(idx, ch), i, 0, 0, ch)
		}
	}
	return kernel.Output{Data: out}, checkCtx(ctx)
}

// WindowMean averages sliding windows of nperseg samples with noverlap
// samples of overlap. The last window may be shorter.
type WindowMean struct{}

func (WindowMean) Name() string { return "window" }

func (WindowMean) DimLabels(kernel.Params) map[string][]string {
	return map[string][]string{"taper": {"boxcar"}}
}

func window(p kernel.Params) (trialdef.Window, error) {
	w := trialdef.Window{NPerSeg: p.Int(ParamNPerSeg, 0), NOverlap: p.Int(ParamNOverlap, 0)}
	if w.NPerSeg <= 0 || w.Stride() <= 0 {
		return w, fmt.Errorf("invalid window nperseg=%d noverlap=%d", w.NPerSeg, w.NOverlap)
	}
	return w, nil
}

func (WindowMean) Compute(ctx context.Context, call kernel.Call) (kernel.Output, error) {
	w, err := window(call.Params)
	if err != nil {
		return kernel.Output{}, err
	}
	n, c, err := kernel.Samples(call.Input, call.TimeAxis)
	if err != nil {
		return kernel.Output{}, err
	}
	rows := trialdef.OverlapRows(n, w)
	if call.NoCompute {
		return planned(rows, c, ndarray.Float64), nil
	}

	a, err := realTrial(call)
	if err != nil {
		return kernel.Output{}, err
	}
	stride := w.Stride()
	out := ndarray.New(outShape(rows, c), ndarray.Float64)
	for r := 0; r < rows; r++ {
		lo := r * stride
		hi := lo + w.NPerSeg
		if hi > n {
			hi = n
		}
		for ch := 0; ch < c; ch++ {
			var sum float64
			for t := lo; t < hi; t++ {
				sum += a.At(t, ch)
			}
			out.Set(sum/float64(hi-lo), r, 0, 0, ch)
		}
	}
	return kernel.Output{Data: out}, checkCtx(ctx)
}

// Detrend removes a polynomial of order 0 (mean) or 1 (linear) from every
// channel.
type Detrend struct{}

func (Detrend) Name() string { return "detrend" }

func (Detrend) Compute(ctx context.Context, call kernel.Call) (kernel.Output, error) {
	order := call.Params.Int(ParamOrder, 0)
	if order != 0 && order != 1 {
		return kernel.Output{}, fmt.Errorf("detrend order must be 0 or 1, got %d", order)
	}
	n, c, err := kernel.Samples(call.Input, call.TimeAxis)
	if err != nil {
		return kernel.Output{}, err
	}
	if call.NoCompute {
		return planned(n, c, ndarray.Float64), nil
	}

	a, err := realTrial(call)
	if err != nil {
		return kernel.Output{}, err
	}
	out := ndarray.New(outShape(n, c), ndarray.Float64)
	for ch := 0; ch < c; ch++ {
		slope, intercept := fit(a, ch, order)
		for t := 0; t < n; t++ {
			out.Set(a.At(t, ch)-(intercept+slope*float64(t)), t, 0, 0, ch)
		}
	}
	return kernel.Output{Data: out}, checkCtx(ctx)
}

// fit returns the least squares line through channel ch.
func fit(a *ndarray.Array, ch, order int) (slope, intercept float64) {
	n := a.Len()
	if n == 0 {
		return 0, 0
	}
	var sy float64
	for t := 0; t < n; t++ {
		sy += a.At(t, ch)
	}
	mean := sy / float64(n)
	if order == 0 || n < 2 {
		return 0, mean
	}

	tm := float64(n-1) / 2
	var num, den float64
	for t := 0; t < n; t++ {
		dt := float64(t) - tm
		num += dt * (a.At(t, ch) - mean)
		den += dt * dt
	}
	slope = num / den
	return slope, mean - slope*tm
}

// Peaks passes samples through unchanged and reports the local maxima of
// every channel above threshold as side metadata: "peaks" (index, value)
// rows and "prominence" rows, both packed, with "n_peaks" counts per channel.
type Peaks struct{}

func (Peaks) Name() string { return "peaks" }

// SupportsTimeAxis restricts peak detection to time-major trials.
func (Peaks) SupportsTimeAxis(axis int) bool { return axis == 0 }

func (Peaks) Compute(ctx context.Context, call kernel.Call) (kernel.Output, error) {
	n, c, err := kernel.Samples(call.Input, call.TimeAxis)
	if err != nil {
		return kernel.Output{}, err
	}
	if call.NoCompute {
		return planned(n, c, ndarray.Float64), nil
	}

	a, err := realTrial(call)
	if err != nil {
		return kernel.Output{}, err
	}
	threshold := call.Params.Float(ParamThreshold, math.Inf(-1))

	out, err := ndarray.FromData(outShape(n, c), ndarray.Float64, append([]float64(nil), a.Data()...))
	if err != nil {
		return kernel.Output{}, err
	}

	peaks := make([]*ndarray.Array, c)
	prominence := make([]*ndarray.Array, c)
	for ch := 0; ch < c; ch++ {
		var pk, pr []float64
		for t := 1; t < n-1; t++ {
			v := a.At(t, ch)
			if v > a.At(t-1, ch) && v >= a.At(t+1, ch) && v > threshold {
				pk = append(pk, float64(t), v)
				pr = append(pr, v-math.Max(a.At(t-1, ch), a.At(t+1, ch)))
			}
		}
		peaks[ch], _ = ndarray.FromData(ndarray.Shape{len(pr), 2}, ndarray.Float64, nonNil(pk))
		prominence[ch], _ = ndarray.FromData(ndarray.Shape{len(pr), 1}, ndarray.Float64, nonNil(pr))
	}

	md := metadata.Raw{}
	if c > 0 {
		packed, counts, err := metadata.Pack(peaks)
		if err != nil {
			return kernel.Output{}, err
		}
		packedProm, _, err := metadata.Pack(prominence)
		if err != nil {
			return kernel.Output{}, err
		}
		md["peaks"] = packed
		md["prominence"] = packedProm
		md["n_peaks"] = counts
	}
	return kernel.Output{Data: out, Metadata: md}, checkCtx(ctx)
}

func nonNil(v []float64) []float64 {
	if v == nil {
		return []float64{}
	}
	return v
}
