package trial

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/trialflow/trialflow/pkg/ndarray"
	"github.com/trialflow/trialflow/pkg/trialdef"
)

// SynthConfig describes a generated test recording.
type SynthConfig struct {
	// Lengths holds the number of samples of each trial.
	Lengths    []int
	Channels   int
	SampleRate float64
	// PreTrigger is the fraction of each trial before the trigger.
	PreTrigger float64
	// Freq is the frequency of the sine carried by channel 0; channel c
	// uses (c+1)*Freq.
	Freq  float64
	Noise float64
	Seed  int64
}

// Synthesize generates a continuous recording of back-to-back trials.
// Each channel holds a sine plus gaussian noise.
func Synthesize(cfg SynthConfig) (*ndarray.Array, Info, error) {
	if len(cfg.Lengths) == 0 {
		return nil, Info{}, fmt.Errorf("no trial lengths")
	}
	if cfg.Channels <= 0 || cfg.SampleRate <= 0 {
		return nil, Info{}, fmt.Errorf("channels and samplerate must be positive")
	}

	rows := make([][]int64, len(cfg.Lengths))
	var total int64
	for i, n := range cfg.Lengths {
		if n <= 0 {
			return nil, Info{}, fmt.Errorf("trial %d has length %d", i, n)
		}
		offset := -int64(math.Round(cfg.PreTrigger * float64(n)))
		rows[i] = []int64{total, total + int64(n), offset}
		total += int64(n)
	}
	table, err := trialdef.NewTable(rows)
	if err != nil {
		return nil, Info{}, err
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	data := ndarray.New(ndarray.Shape{int(total), cfg.Channels}, ndarray.Float64)
	for t := 0; t < int(total); t++ {
		sec := float64(t) / cfg.SampleRate
		for c := 0; c < cfg.Channels; c++ {
			v := math.Sin(2 * math.Pi * float64(c+1) * cfg.Freq * sec)
			if cfg.Noise > 0 {
				v += cfg.Noise * rng.NormFloat64()
			}
			data.Set(v, t, c)
		}
	}

	return data, Info{
		Table:      table,
		SampleRate: cfg.SampleRate,
		Channels:   DefaultChannels(cfg.Channels),
		DType:      ndarray.Float64,
	}, nil
}
