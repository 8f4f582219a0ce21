package trial

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/trialflow/trialflow/pkg/errors"
	"github.com/trialflow/trialflow/pkg/ndarray"
	"github.com/trialflow/trialflow/pkg/trialdef"
	"github.com/trialflow/trialflow/pkg/writer"
)

// recording returns samples x channels data where value = sample*10 + channel.
func recording(samples, channels int) *ndarray.Array {
	a := ndarray.New(ndarray.Shape{samples, channels}, ndarray.Float64)
	for t := 0; t < samples; t++ {
		for c := 0; c < channels; c++ {
			a.Set(float64(t*10+c), t, c)
		}
	}
	return a
}

func TestIndexResolve(t *testing.T) {
	tests := []struct {
		name string
		ix   *Index
		n    int
		want []int
	}{
		{"nil", nil, 3, []int{0, 1, 2}},
		{"slice", Slice(1, 5, 2), 10, []int{1, 3}},
		{"clamped", Slice(2, 99, 0), 4, []int{2, 3}},
		{"list", List(3, 0), 4, []int{3, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.ix.Resolve(tt.n)
			if err != nil {
				t.Fatalf("Resolve failed: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Expected %v, got %v", tt.want, got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("Expected %v, got %v", tt.want, got)
				}
			}
		})
	}

	if _, err := List(5).Resolve(3); err == nil {
		t.Error("Expected out of range error")
	}
}

func TestMemoryProvider(t *testing.T) {
	table := trialdef.MustTable([][]int64{{0, 10, -2}, {10, 30, -5}})
	p, err := NewMemoryProvider(recording(30, 3), Info{Table: table, SampleRate: 100}, nil)
	if err != nil {
		t.Fatalf("NewMemoryProvider failed: %v", err)
	}

	if p.NumTrials() != 2 {
		t.Errorf("Expected 2 trials, got %d", p.NumTrials())
	}
	ph, _ := p.Preview(1)
	if !ph.Shape().Equal(ndarray.Shape{20, 3}) {
		t.Errorf("Unexpected placeholder shape %s", ph.Shape())
	}

	tr, err := p.Trial(context.Background(), 1)
	if err != nil {
		t.Fatalf("Trial failed: %v", err)
	}
	if tr.At(0, 2) != 102 {
		t.Errorf("Expected 102, got %v", tr.At(0, 2))
	}
	if _, err := p.Trial(context.Background(), 2); !errors.IsCode(err, errors.CodeOutOfRange) {
		t.Errorf("Expected out of range, got %v", err)
	}
}

func TestMemoryProviderSelection(t *testing.T) {
	table := trialdef.MustTable([][]int64{{0, 10, -2}, {10, 30, -5}})
	sel := &Selection{
		Trials:  []int{1},
		Time:    []*Index{Slice(5, 15, 1)},
		Channel: List(2, 0),
	}
	p, err := NewMemoryProvider(recording(30, 3), Info{Table: table, SampleRate: 100, TimeAxis: 1}, sel)
	if err != nil {
		t.Fatalf("NewMemoryProvider failed: %v", err)
	}

	def := p.TrialDefinition()
	if def.Start(0) != 15 || def.Stop(0) != 25 || def.Offset(0) != 0 {
		t.Errorf("Unexpected selected trial definition %v", def)
	}
	if got := p.Channels(); got[0] != "channel002" || got[1] != "channel000" {
		t.Errorf("Unexpected channels %v", got)
	}

	ph, _ := p.Preview(0)
	if !ph.Shape().Equal(ndarray.Shape{2, 10}) {
		t.Errorf("Expected channel-major placeholder (2, 10), got %s", ph.Shape())
	}

	tr, err := p.Trial(context.Background(), 0)
	if err != nil {
		t.Fatalf("Trial failed: %v", err)
	}
	// channel 2 at sample 15
	if tr.At(0, 0) != 152 || tr.At(1, 0) != 150 {
		t.Errorf("Unexpected values %v %v", tr.At(0, 0), tr.At(1, 0))
	}
}

func TestParquetProviderRoundTrip(t *testing.T) {
	table := trialdef.MustTable([][]int64{{0, 100, 0}, {100, 250, -10}, {250, 370, 0}})
	path := filepath.Join(t.TempDir(), "rec.parquet")

	cfg := writer.DefaultConfig()
	cfg.RowGroupSize = 64
	if err := WriteRecording(path, recording(370, 2), Info{Table: table, SampleRate: 500}, cfg); err != nil {
		t.Fatalf("WriteRecording failed: %v", err)
	}

	p, err := OpenParquet(path, nil, 0)
	if err != nil {
		t.Fatalf("OpenParquet failed: %v", err)
	}
	defer p.Close()

	if p.SampleRate() != 500 {
		t.Errorf("Expected samplerate 500, got %v", p.SampleRate())
	}
	if !p.TrialDefinition().Equal(table) {
		t.Errorf("Expected %v, got %v", table, p.TrialDefinition())
	}

	tr, err := p.Trial(context.Background(), 1)
	if err != nil {
		t.Fatalf("Trial failed: %v", err)
	}
	if tr.Len() != 150 {
		t.Fatalf("Expected 150 samples, got %d", tr.Len())
	}
	if tr.At(0, 1) != 1001 || tr.At(149, 0) != 2490 {
		t.Errorf("Unexpected values %v %v", tr.At(0, 1), tr.At(149, 0))
	}
}

func TestParquetProviderOverrideDefinition(t *testing.T) {
	stored := trialdef.MustTable([][]int64{{0, 100, 0}, {100, 200, 0}})
	path := filepath.Join(t.TempDir(), "rec.parquet")
	if err := WriteRecording(path, recording(200, 1), Info{Table: stored, SampleRate: 100}, writer.DefaultConfig()); err != nil {
		t.Fatalf("WriteRecording failed: %v", err)
	}

	override := trialdef.MustTable([][]int64{{10, 20, -5}, {50, 80, 0}, {150, 160, 0}})
	p, err := OpenParquetWith(path, override, nil, 0)
	if err != nil {
		t.Fatalf("OpenParquetWith failed: %v", err)
	}
	defer p.Close()

	if p.NumTrials() != 3 {
		t.Fatalf("Expected 3 trials, got %d", p.NumTrials())
	}
	tr, err := p.Trial(context.Background(), 1)
	if err != nil {
		t.Fatalf("Trial failed: %v", err)
	}
	if tr.Len() != 30 || tr.At(0, 0) != 500 {
		t.Errorf("Expected 30 samples starting at 500, got %d starting at %v", tr.Len(), tr.At(0, 0))
	}
}
