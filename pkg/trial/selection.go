// Package trial defines how the engine sees trial-structured input: a
// Provider that yields one trial at a time, the Selection it resolves, and
// the data-less Placeholder used for shape inference.
package trial

import (
	"fmt"

	"github.com/trialflow/trialflow/pkg/errors"
	"github.com/trialflow/trialflow/pkg/ndarray"
	"github.com/trialflow/trialflow/pkg/trialdef"
)

// Index selects positions along one axis: either an explicit point list or
// a half-open slice with a positive step. A nil *Index selects everything.
type Index struct {
	Points []int
	Start  int
	Stop   int
	Step   int
}

// Slice returns a slice index [start:stop:step].
func Slice(start, stop, step int) *Index {
	return &Index{Start: start, Stop: stop, Step: step}
}

// List returns a point-list index.
func List(points ...int) *Index {
	return &Index{Points: append([]int(nil), points...)}
}

// IsSlice reports whether the index is a slice.
func (ix *Index) IsSlice() bool { return ix != nil && ix.Points == nil }

// Resolve returns the concrete positions on an axis of length n.
func (ix *Index) Resolve(n int) ([]int, error) {
	if ix == nil {
		out := make([]int, n)
		for i := range out {
			out[i] = i
		}
		return out, nil
	}
	if ix.Points != nil {
		for _, p := range ix.Points {
			if p < 0 || p >= n {
				return nil, fmt.Errorf("index %d out of range for axis of length %d", p, n)
			}
		}
		return append([]int(nil), ix.Points...), nil
	}

	step := ix.Step
	if step == 0 {
		step = 1
	}
	if step < 0 {
		return nil, fmt.Errorf("negative step %d", step)
	}
	start, stop := ix.Start, ix.Stop
	if start < 0 || start > n {
		return nil, fmt.Errorf("slice start %d out of range for axis of length %d", start, n)
	}
	if stop > n {
		stop = n
	}
	var out []int
	for i := start; i < stop; i += step {
		out = append(out, i)
	}
	return out, nil
}

// Len returns the number of selected positions on an axis of length n.
func (ix *Index) Len(n int) (int, error) {
	idx, err := ix.Resolve(n)
	return len(idx), err
}

func (ix *Index) String() string {
	if ix == nil {
		return ":"
	}
	if ix.Points != nil {
		return fmt.Sprint(ix.Points)
	}
	return fmt.Sprintf("%d:%d:%d", ix.Start, ix.Stop, ix.Step)
}

// Selection is a resolved sub-selection of trials, time points and channels.
type Selection struct {
	// Trials lists the selected trial indices in output order; nil selects all.
	Trials []int
	// Time holds one time index per selected trial; nil or a nil entry
	// selects the whole trial.
	Time []*Index
	// Channel selects channels; nil selects all.
	Channel *Index
}

func (s *Selection) trials(n int) ([]int, error) {
	if s == nil || s.Trials == nil {
		out := make([]int, n)
		for i := range out {
			out[i] = i
		}
		return out, nil
	}
	for _, k := range s.Trials {
		if k < 0 || k >= n {
			return nil, errors.New(errors.CodeInvalidTrialDef, "selected trial out of range").
				WithContext("trial", k).
				WithContext("trials", n)
		}
	}
	return s.Trials, nil
}

func (s *Selection) time(pos int) *Index {
	if s == nil || pos >= len(s.Time) {
		return nil
	}
	return s.Time[pos]
}

func (s *Selection) channel() *Index {
	if s == nil {
		return nil
	}
	return s.Channel
}

// Placeholder stands in for a trial during planning. It carries shape,
// element type and the index that would be applied, never sample data.
type Placeholder struct {
	shape    ndarray.Shape
	dtype    ndarray.DType
	Time     *Index
	Channel  *Index
	TimeAxis int
}

// NewPlaceholder returns a placeholder of the given shape.
func NewPlaceholder(shape ndarray.Shape, dtype ndarray.DType, timeAxis int) *Placeholder {
	return &Placeholder{shape: shape.Clone(), dtype: dtype, TimeAxis: timeAxis}
}

func (p *Placeholder) Shape() ndarray.Shape { return p.shape }
func (p *Placeholder) DType() ndarray.DType { return p.dtype }

func (p *Placeholder) String() string {
	return fmt.Sprintf("placeholder%s[%s]", p.shape, p.dtype)
}

// selectedTable narrows a trial definition to the selected trials and
// their time selections. A time slice moves start forward and the offset
// with it; a point list keeps start and offset.
func selectedTable(full *trialdef.Table, trials []int, sel *Selection) (*trialdef.Table, error) {
	picked, err := full.Select(trials)
	if err != nil {
		return nil, err
	}
	rows := picked.Rows()
	for pos, k := range trials {
		row := rows[pos]
		ix := sel.time(pos)
		if ix != nil {
			idx, err := ix.Resolve(full.Length(k))
			if err != nil {
				return nil, errors.Wrap(err, errors.CodeInvalidTrialDef, "invalid time selection").
					WithContext("trial", k)
			}
			first := int64(0)
			if ix.IsSlice() && len(idx) > 0 {
				first = int64(idx[0])
			}
			row[trialdef.ColStart] = full.Start(k) + first
			row[trialdef.ColStop] = row[trialdef.ColStart] + int64(len(idx))
			row[trialdef.ColOffset] = full.Offset(k) + first
		}
	}
	return trialdef.NewTable(rows)
}
