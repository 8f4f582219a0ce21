package trial

import (
	"context"
	"fmt"

	"github.com/trialflow/trialflow/pkg/errors"
	"github.com/trialflow/trialflow/pkg/ndarray"
	"github.com/trialflow/trialflow/pkg/trialdef"
)

// Provider yields selected trials one at a time. Trials are addressed by
// their position k in the selection, 0 <= k < NumTrials().
type Provider interface {
	NumTrials() int
	// Selected returns the recording index of every selected trial.
	Selected() []int
	// TrialDefinition returns the table of the selected trials.
	TrialDefinition() *trialdef.Table
	SampleRate() float64
	// Channels returns the selected channel labels.
	Channels() []string
	TimeAxis() int
	DType() ndarray.DType
	// Preview returns a placeholder of trial k without reading samples.
	Preview(k int) (*Placeholder, error)
	// Trial reads trial k with the selection applied.
	Trial(ctx context.Context, k int) (*ndarray.Array, error)
}

// rangeReader reads samples [start, stop) of all channels, time-major.
type rangeReader interface {
	readRange(ctx context.Context, start, stop int64) (*ndarray.Array, error)
}

// Info describes a trial-structured recording.
type Info struct {
	Table      *trialdef.Table
	SampleRate float64
	Channels   []string
	DType      ndarray.DType
	// TimeAxis 1 presents trials as channel x time.
	TimeAxis int
}

// base resolves a Selection against Info. Providers embed it and supply
// a rangeReader.
type base struct {
	info     Info
	sel      *Selection
	trials   []int
	table    *trialdef.Table
	channels []int
	labels   []string
}

func newBase(info Info, sel *Selection) (*base, error) {
	if info.Table == nil {
		return nil, errors.New(errors.CodeInvalidTrialDef, "missing trial definition")
	}
	if info.TimeAxis != 0 && info.TimeAxis != 1 {
		return nil, errors.New(errors.CodeUnsupportedAxis, "time axis must be 0 or 1").
			WithContext("axis", info.TimeAxis)
	}

	trials, err := sel.trials(info.Table.Len())
	if err != nil {
		return nil, err
	}
	table, err := selectedTable(info.Table, trials, sel)
	if err != nil {
		return nil, err
	}
	channels, err := sel.channel().Resolve(len(info.Channels))
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidParams, "invalid channel selection")
	}
	labels := make([]string, len(channels))
	for i, c := range channels {
		labels[i] = info.Channels[c]
	}

	return &base{
		info:     info,
		sel:      sel,
		trials:   trials,
		table:    table,
		channels: channels,
		labels:   labels,
	}, nil
}

func (b *base) NumTrials() int { return len(b.trials) }
func (b *base) Selected() []int { return append([]int(nil), b.trials...) }
func (b *base) TrialDefinition() *trialdef.Table { return b.table.Clone() }
func (b *base) SampleRate() float64 { return b.info.SampleRate }
func (b *base) Channels() []string { return append([]string(nil), b.labels...) }
func (b *base) TimeAxis() int { return b.info.TimeAxis }
func (b *base) DType() ndarray.DType { return b.info.DType }

func (b *base) check(k int) error {
	if k < 0 || k >= len(b.trials) {
		return errors.New(errors.CodeOutOfRange, "trial position out of range").
			WithContext("trial", k).
			WithContext("trials", len(b.trials))
	}
	return nil
}

func (b *base) Preview(k int) (*Placeholder, error) {
	if err := b.check(k); err != nil {
		return nil, err
	}
	n := b.table.Length(k)
	shape := ndarray.Shape{n, len(b.channels)}
	if b.info.TimeAxis == 1 {
		shape = ndarray.Shape{len(b.channels), n}
	}
	p := NewPlaceholder(shape, b.info.DType, b.info.TimeAxis)
	p.Time = b.sel.time(k)
	p.Channel = b.sel.channel()
	return p, nil
}

// read extracts trial k from src and applies time and channel selection.
func (b *base) read(ctx context.Context, src rangeReader, k int) (*ndarray.Array, error) {
	if err := b.check(k); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.ContextCanceled("read trial")
	}

	orig := b.trials[k]
	full := b.info.Table
	raw, err := src.readRange(ctx, full.Start(orig), full.Stop(orig))
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeReadFailed, "read trial samples").
			WithContext("trial", orig)
	}

	times, err := b.sel.time(k).Resolve(raw.Len())
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidParams, "invalid time selection").
			WithContext("trial", orig)
	}

	w := raw.DType().Width()
	nch := raw.Shape()[1]
	out := ndarray.New(ndarray.Shape{len(times), len(b.channels)}, raw.DType())
	dst, from := out.Data(), raw.Data()
	for i, t := range times {
		for j, c := range b.channels {
			if c >= nch {
				return nil, fmt.Errorf("channel %d missing from source with %d channels", c, nch)
			}
			d := (i*len(b.channels) + j) * w
			s := (t*nch + c) * w
			copy(dst[d:d+w], from[s:s+w])
		}
	}

	if b.info.TimeAxis == 1 {
		return out.Transpose2D(), nil
	}
	return out, nil
}
