// Package engine runs a kernel over every selected trial of a recording and
// assembles the results into one output container. A job is planned with a
// dry run before any sample is read, executed sequentially or on a worker
// pool, and finalized once every trial has settled.
package engine

import (
	"context"
	"fmt"

	"github.com/trialflow/trialflow/pkg/container"
	"github.com/trialflow/trialflow/pkg/errors"
	"github.com/trialflow/trialflow/pkg/kernel"
	"github.com/trialflow/trialflow/pkg/ndarray"
	"github.com/trialflow/trialflow/pkg/trial"
)

// Combine selects how per-trial results form the logical output.
type Combine int

const (
	// CombineConcat stacks trials along the leading axis.
	CombineConcat Combine = iota
	// CombineAverage averages trials element-wise. All trials must
	// produce the same leading size.
	CombineAverage
)

func (c Combine) String() string {
	switch c {
	case CombineConcat:
		return "concat"
	case CombineAverage:
		return "average"
	default:
		return fmt.Sprintf("combine(%d)", int(c))
	}
}

// ParseCombine parses "concat" or "average".
func ParseCombine(s string) (Combine, error) {
	switch s {
	case "", "concat":
		return CombineConcat, nil
	case "average", "mean":
		return CombineAverage, nil
	default:
		return 0, errors.Newf(errors.CodeInvalidParams, "unknown combine mode %q", s)
	}
}

// Plan is the result of a dry run: the geometry of every trial's output
// and of the container that will hold them.
type Plan struct {
	Kernel   string
	Trials   int
	TimeAxis int
	Combine  Combine
	DType    ndarray.DType

	// Shapes holds the predicted output shape of each trial.
	Shapes []ndarray.Shape
	// Slabs holds each trial's reserved leading-axis range.
	Slabs []container.Slab
	// Shape is the shape of the container before combining.
	Shape ndarray.Shape
}

// ResultShape is the logical shape after combining: the container shape
// for concatenation, one trial's shape for averaging.
func (p *Plan) ResultShape() ndarray.Shape {
	if p.Combine == CombineAverage && len(p.Shapes) > 0 {
		return p.Shapes[0].Clone()
	}
	return p.Shape.Clone()
}

// Rows returns the total number of leading-axis rows in the container.
func (p *Plan) Rows() int {
	if len(p.Shape) == 0 {
		return 0
	}
	return p.Shape[0]
}

// Dimord names the output axes by rank.
func (p *Plan) Dimord() []string {
	switch len(p.Shape) {
	case 4:
		return []string{"time", "taper", "freq", "channel"}
	case 2:
		return []string{"time", "channel"}
	case 1:
		return []string{"time"}
	}
	out := []string{"time"}
	for i := 1; i < len(p.Shape); i++ {
		out = append(out, fmt.Sprintf("dim%d", i))
	}
	return out
}

// DryRun asks k for the output shape of every trial of p without reading
// any sample data. Non-leading axes and element types must agree across
// trials; the leading sizes are laid out back to back in trial order.
func DryRun(ctx context.Context, p trial.Provider, k kernel.Kernel, params kernel.Params, combine Combine) (*Plan, error) {
	axis := p.TimeAxis()
	if !kernel.SupportsAxis(k, axis) {
		return nil, errors.New(errors.CodeUnsupportedAxis, "kernel does not support the time axis").
			WithContext("kernel", k.Name()).
			WithContext("axis", axis)
	}
	n := p.NumTrials()
	if n == 0 {
		return nil, errors.New(errors.CodeInvalidParams, "no trials selected")
	}

	plan := &Plan{
		Kernel:   k.Name(),
		Trials:   n,
		TimeAxis: axis,
		Combine:  combine,
		Shapes:   make([]ndarray.Shape, n),
		Slabs:    make([]container.Slab, n),
	}

	var tail ndarray.Shape
	pos := 0
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return nil, errors.ContextCanceled("plan")
		}
		ph, err := p.Preview(i)
		if err != nil {
			return nil, err
		}
		out, err := k.Compute(ctx, kernel.Call{
			Trial:     i,
			Input:     ph,
			TimeAxis:  axis,
			NoCompute: true,
			Params:    params,
		})
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeInvalidParams, "kernel rejected trial during planning").
				WithContext("kernel", k.Name()).
				WithContext("trial", i)
		}
		if len(out.Shape) == 0 {
			return nil, errors.New(errors.CodeInvalidParams, "kernel reported an empty output shape").
				WithContext("kernel", k.Name()).
				WithContext("trial", i)
		}

		if i == 0 {
			plan.DType = out.DType
			tail = out.Shape.Tail()
		} else {
			if out.DType != plan.DType {
				return nil, errors.New(errors.CodeDTypeMismatch, "element type differs between trials").
					WithContext("trial", i).
					WithContext("want", plan.DType.String()).
					WithContext("got", out.DType.String())
			}
			if !out.Shape.Tail().Equal(tail) {
				return nil, errors.ShapeMismatch(i, tail.String(), out.Shape.Tail().String())
			}
			if combine == CombineAverage && out.Shape[0] != plan.Shapes[0][0] {
				return nil, errors.New(errors.CodeShapeMismatch, "trials of different length cannot be averaged").
					WithContext("trial", i).
					WithContext("want", plan.Shapes[0][0]).
					WithContext("got", out.Shape[0])
			}
		}

		plan.Shapes[i] = out.Shape.Clone()
		plan.Slabs[i] = container.Slab{Start: pos, Stop: pos + out.Shape[0]}
		pos += out.Shape[0]
	}

	plan.Shape = plan.Shapes[0].WithLeading(pos)
	return plan, nil
}
