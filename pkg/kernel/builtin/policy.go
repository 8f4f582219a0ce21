package builtin

import (
	"fmt"

	"github.com/trialflow/trialflow/pkg/kernel"
	"github.com/trialflow/trialflow/pkg/trialdef"
)

// Policy returns the time-of-interest policy of the named builtin kernel
// for params. Trials are kept; callers clear KeepTrials to average.
func Policy(name string, p kernel.Params) (trialdef.Policy, error) {
	switch name {
	case "pick":
		toi := p.Floats(ParamTOI)
		if len(toi) == 0 {
			return trialdef.Policy{}, fmt.Errorf("pick requires %q", ParamTOI)
		}
		return trialdef.Policy{TOI: trialdef.Points(toi...), KeepTrials: true}, nil
	case "window":
		w, err := window(p)
		if err != nil {
			return trialdef.Policy{}, err
		}
		return trialdef.Policy{
			TOI:        trialdef.Overlap(float64(w.NOverlap) / float64(w.NPerSeg)),
			Window:     w,
			KeepTrials: true,
		}, nil
	case "identity", "detrend", "peaks":
		return trialdef.Policy{TOI: trialdef.All(), KeepTrials: true}, nil
	default:
		return trialdef.Policy{}, fmt.Errorf("unknown kernel %q (available: %v)", name, Names())
	}
}
