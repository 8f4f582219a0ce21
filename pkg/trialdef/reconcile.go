package trialdef

import (
	"fmt"
	"math"

	"github.com/trialflow/trialflow/pkg/errors"
)

// TOIKind selects how a transform maps input samples to output rows.
type TOIKind int

const (
	// TOIAll keeps one output row per input sample.
	TOIAll TOIKind = iota
	// TOIPoints evaluates the transform at explicit time points (seconds).
	TOIPoints
	// TOIOverlap slides a window with a fixed overlap over each trial.
	TOIOverlap
)

func (k TOIKind) String() string {
	switch k {
	case TOIAll:
		return "all"
	case TOIPoints:
		return "points"
	case TOIOverlap:
		return "overlap"
	default:
		return fmt.Sprintf("toi(%d)", int(k))
	}
}

// TOI describes the time-of-interest request of a transform.
type TOI struct {
	Kind TOIKind
	// Points are used by TOIPoints.
	Points []float64
	// Overlap is the window overlap fraction in [0, 1) used by TOIOverlap.
	Overlap float64
}

// All returns the keep-every-sample policy.
func All() TOI { return TOI{Kind: TOIAll} }

// Points returns an explicit time-point policy.
func Points(points ...float64) TOI {
	return TOI{Kind: TOIPoints, Points: append([]float64(nil), points...)}
}

// Overlap returns a sliding-window policy.
func Overlap(fraction float64) TOI {
	return TOI{Kind: TOIOverlap, Overlap: fraction}
}

// Window holds the segment parameters of sliding-window transforms.
type Window struct {
	NPerSeg  int
	NOverlap int
}

// Stride is the hop between consecutive windows.
func (w Window) Stride() int { return w.NPerSeg - w.NOverlap }

// WindowFor derives the segment parameters from a window length in samples
// and an overlap fraction.
func WindowFor(nperseg int, overlap float64) Window {
	return Window{
		NPerSeg:  nperseg,
		NOverlap: int(math.Round(overlap * float64(nperseg))),
	}
}

// Rounding controls how the decimated sampling rate is rounded.
type Rounding struct {
	Disabled bool
	Digits   int
}

// DefaultRounding keeps two decimal places.
func DefaultRounding() Rounding { return Rounding{Digits: 2} }

func (r Rounding) apply(v float64) float64 {
	if r.Disabled {
		return v
	}
	p := math.Pow(10, float64(r.Digits))
	return math.Round(v*p) / p
}

// Policy is everything the reconciler needs to know about a transform.
type Policy struct {
	TOI        TOI
	Window     Window
	KeepTrials bool
	Rounding   Rounding
}

// overlapWindow resolves the window of an overlap policy. An explicit
// NOverlap wins; otherwise it is derived from the TOI overlap fraction.
func (p Policy) overlapWindow() (Window, error) {
	f := p.TOI.Overlap
	if f < 0 || f >= 1 {
		return Window{}, errors.New(errors.CodeInvalidParams, "window overlap fraction must be in [0, 1)").
			WithContext("overlap", f)
	}
	if p.Window.NPerSeg <= 0 {
		return Window{}, errors.New(errors.CodeInvalidParams, "overlap policy needs a window length").
			WithContext("overlap", f)
	}
	if p.Window.NOverlap == 0 {
		return WindowFor(p.Window.NPerSeg, f), nil
	}
	return p.Window, nil
}

// Reconciled is the output of Reconcile.
type Reconciled struct {
	Table      *Table
	SampleRate float64
	Warnings   []string
}

// uniform mirrors numpy.allclose on consecutive differences.
func uniform(points []float64) bool {
	const rtol, atol = 1e-5, 1e-8
	if len(points) < 3 {
		return true
	}
	ref := points[1] - points[0]
	for i := 2; i < len(points); i++ {
		d := points[i] - points[i-1]
		if math.Abs(d-ref) > atol+rtol*math.Abs(ref) {
			return false
		}
	}
	return true
}

// Reconcile recomputes the trial definition and sampling rate for the
// given transform policy. The input table is not modified.
func Reconcile(in *Table, p Policy, samplerate float64) (*Reconciled, error) {
	if in == nil {
		return nil, errors.New(errors.CodeInvalidTrialDef, "nil trial definition")
	}

	var (
		out *Reconciled
		err error
	)
	switch p.TOI.Kind {
	case TOIPoints:
		out, err = reconcilePoints(in, p.TOI.Points, samplerate)
	case TOIOverlap:
		var w Window
		if w, err = p.overlapWindow(); err == nil {
			out, err = reconcileOverlap(in, w, p.Rounding, samplerate)
		}
	case TOIAll:
		out = reconcileAll(in, samplerate)
	default:
		err = errors.New(errors.CodeInvalidParams, "unknown toi policy").
			WithContext("kind", int(p.TOI.Kind))
	}
	if err != nil {
		return nil, err
	}

	if !p.KeepTrials {
		out.Table = collapse(out.Table)
	}
	return out, nil
}

func reconcilePoints(in *Table, points []float64, samplerate float64) (*Reconciled, error) {
	n := int64(len(points))
	if n == 0 {
		return nil, errors.New(errors.CodeInvalidParams, "explicit toi without points")
	}

	rows := in.Rows()
	for k := range rows {
		rows[k][ColStart] = int64(k) * n
		rows[k][ColStop] = int64(k+1) * n
	}

	res := &Reconciled{}
	if len(points) >= 2 && uniform(points) {
		res.SampleRate = 1 / (points[1] - points[0])
		// Rounded to the nearest sample, halves away from zero, not truncated.
		offset := int64(math.Round(points[0] * res.SampleRate))
		for k := range rows {
			rows[k][ColOffset] = offset
		}
	} else {
		res.SampleRate = 1.0
		for k := range rows {
			rows[k][ColOffset] = 0
		}
		res.Warnings = append(res.Warnings,
			"time points of interest are not uniformly spaced: sampling rate set to 1.0 and trigger offsets to 0")
	}
	res.Table = &Table{rows: rows}
	return res, nil
}

func reconcileOverlap(in *Table, w Window, r Rounding, samplerate float64) (*Reconciled, error) {
	stride := w.Stride()
	if stride <= 0 {
		return nil, errors.New(errors.CodeInvalidParams, "window overlap must be smaller than window length").
			WithContext("nperseg", w.NPerSeg).
			WithContext("noverlap", w.NOverlap)
	}

	rows := in.Rows()
	var pos int64
	for k := range rows {
		n := OverlapRows(in.Length(k), w)
		rows[k][ColStart] = pos
		rows[k][ColStop] = pos + int64(n)
		rows[k][ColOffset] = rows[k][ColOffset] / int64(stride)
		pos += int64(n)
	}

	return &Reconciled{
		Table:      &Table{rows: rows},
		SampleRate: r.apply(samplerate / float64(stride)),
	}, nil
}

// OverlapRows is the number of output rows a sliding-window transform
// produces for a trial of n samples.
func OverlapRows(n int, w Window) int {
	stride := w.Stride()
	return (n + stride - 1) / stride
}

func reconcileAll(in *Table, samplerate float64) *Reconciled {
	rows := in.Rows()
	var pos int64
	for k := range rows {
		n := int64(in.Length(k))
		rows[k][ColStart] = pos
		rows[k][ColStop] = pos + n
		pos += n
	}
	return &Reconciled{Table: &Table{rows: rows}, SampleRate: samplerate}
}

// collapse keeps the first row and sets its offset to the mean offset.
func collapse(t *Table) *Table {
	if t.Len() == 0 {
		return t
	}
	var sum float64
	for k := range t.rows {
		sum += float64(t.rows[k][ColOffset])
	}
	first := append([]int64(nil), t.rows[0]...)
	// Nearest sample, halves away from zero, not truncated.
	first[ColOffset] = int64(math.Round(sum / float64(t.Len())))
	return &Table{rows: [][]int64{first}}
}
