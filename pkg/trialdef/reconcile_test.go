package trialdef

import (
	"math"
	"testing"

	"github.com/trialflow/trialflow/pkg/errors"
)

func scenarioTable() *Table {
	return MustTable([][]int64{
		{0, 100, -20},
		{300, 450, -30},
		{600, 720, -10},
	})
}

func TestNewTableValidation(t *testing.T) {
	tests := []struct {
		name string
		rows [][]int64
	}{
		{"too few columns", [][]int64{{0, 10}}},
		{"start after stop", [][]int64{{10, 0, 0}}},
		{"ragged", [][]int64{{0, 10, 0}, {10, 20}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTable(tt.rows)
			if !errors.IsCode(err, errors.CodeInvalidTrialDef) {
				t.Errorf("Expected %s, got %v", errors.CodeInvalidTrialDef, err)
			}
		})
	}
}

func TestReconcileAll(t *testing.T) {
	res, err := Reconcile(scenarioTable(), Policy{TOI: All(), KeepTrials: true}, 1000)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	want := MustTable([][]int64{
		{0, 100, -20},
		{100, 250, -30},
		{250, 370, -10},
	})
	if !res.Table.Equal(want) {
		t.Errorf("Expected %v, got %v", want, res.Table)
	}
	if res.SampleRate != 1000 {
		t.Errorf("Expected samplerate unchanged, got %v", res.SampleRate)
	}
}

func TestReconcilePointsUniform(t *testing.T) {
	points := make([]float64, 10)
	for i := range points {
		points[i] = -0.1 + float64(i)*0.05
	}

	res, err := Reconcile(scenarioTable(), Policy{TOI: Points(points...), KeepTrials: true}, 1000)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	want := [][2]int64{{0, 10}, {10, 20}, {20, 30}}
	for k, w := range want {
		if res.Table.Start(k) != w[0] || res.Table.Stop(k) != w[1] {
			t.Errorf("Trial %d: expected %v, got [%d %d]", k, w, res.Table.Start(k), res.Table.Stop(k))
		}
		if res.Table.Offset(k) != -2 {
			t.Errorf("Trial %d: expected offset -2, got %d", k, res.Table.Offset(k))
		}
	}
	if math.Abs(res.SampleRate-20) > 1e-9 {
		t.Errorf("Expected samplerate 20, got %v", res.SampleRate)
	}
	if len(res.Warnings) != 0 {
		t.Errorf("Expected no warnings, got %v", res.Warnings)
	}
}

func TestReconcilePointsNonUniform(t *testing.T) {
	res, err := Reconcile(scenarioTable(), Policy{TOI: Points(0, 0.1, 0.3), KeepTrials: true}, 1000)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if res.SampleRate != 1.0 {
		t.Errorf("Expected samplerate 1.0, got %v", res.SampleRate)
	}
	for k := 0; k < res.Table.Len(); k++ {
		if res.Table.Offset(k) != 0 {
			t.Errorf("Trial %d: expected offset 0, got %d", k, res.Table.Offset(k))
		}
	}
	if len(res.Warnings) != 1 {
		t.Errorf("Expected one warning, got %v", res.Warnings)
	}
	if res.Table.Stop(2) != 9 {
		t.Errorf("Expected final stop 9, got %d", res.Table.Stop(2))
	}
}

func TestReconcilePointsEmpty(t *testing.T) {
	_, err := Reconcile(scenarioTable(), Policy{TOI: Points(), KeepTrials: true}, 1000)
	if !errors.IsCode(err, errors.CodeInvalidParams) {
		t.Errorf("Expected invalid params, got %v", err)
	}
}

func TestReconcileOverlap(t *testing.T) {
	w := Window{NPerSeg: 40, NOverlap: 20}
	res, err := Reconcile(scenarioTable(), Policy{
		TOI:        Overlap(0.5),
		Window:     w,
		KeepTrials: true,
		Rounding:   DefaultRounding(),
	}, 1000)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	// ceil(100/20)=5, ceil(150/20)=8, ceil(120/20)=6
	want := MustTable([][]int64{
		{0, 5, -1},
		{5, 13, -1},
		{13, 19, 0},
	})
	if !res.Table.Equal(want) {
		t.Errorf("Expected %v, got %v", want, res.Table)
	}
	if res.SampleRate != 50 {
		t.Errorf("Expected samplerate 50, got %v", res.SampleRate)
	}
}

func TestReconcileOverlapRounding(t *testing.T) {
	table := FromLengths([]int{30})
	w := Window{NPerSeg: 3, NOverlap: 0}

	res, _ := Reconcile(table, Policy{TOI: Overlap(0), Window: w, KeepTrials: true, Rounding: DefaultRounding()}, 1000)
	if res.SampleRate != 333.33 {
		t.Errorf("Expected 333.33, got %v", res.SampleRate)
	}

	res, _ = Reconcile(table, Policy{TOI: Overlap(0), Window: w, KeepTrials: true, Rounding: Rounding{Disabled: true}}, 1000)
	if res.SampleRate != 1000.0/3 {
		t.Errorf("Expected unrounded rate, got %v", res.SampleRate)
	}
}

func TestReconcileOverlapBadWindow(t *testing.T) {
	tests := []struct {
		name   string
		policy Policy
	}{
		{"full overlap", Policy{TOI: Overlap(0.5), Window: Window{NPerSeg: 10, NOverlap: 10}}},
		{"fraction one", Policy{TOI: Overlap(1), Window: Window{NPerSeg: 10}}},
		{"negative fraction", Policy{TOI: Overlap(-0.1), Window: Window{NPerSeg: 10}}},
		{"no window length", Policy{TOI: Overlap(0.5)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Reconcile(scenarioTable(), tt.policy, 1000)
			if !errors.IsCode(err, errors.CodeInvalidParams) {
				t.Errorf("Expected invalid params, got %v", err)
			}
		})
	}
}

func TestReconcileOverlapFromFraction(t *testing.T) {
	derived, err := Reconcile(scenarioTable(), Policy{
		TOI:        Overlap(0.5),
		Window:     Window{NPerSeg: 40},
		KeepTrials: true,
		Rounding:   DefaultRounding(),
	}, 1000)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	explicit, err := Reconcile(scenarioTable(), Policy{
		TOI:        Overlap(0.5),
		Window:     Window{NPerSeg: 40, NOverlap: 20},
		KeepTrials: true,
		Rounding:   DefaultRounding(),
	}, 1000)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if !derived.Table.Equal(explicit.Table) {
		t.Errorf("Expected %v, got %v", explicit.Table, derived.Table)
	}
	if derived.SampleRate != 50 {
		t.Errorf("Expected samplerate 50, got %v", derived.SampleRate)
	}
}

func TestReconcileCollapse(t *testing.T) {
	res, err := Reconcile(scenarioTable(), Policy{TOI: All(), KeepTrials: false}, 1000)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if res.Table.Len() != 1 {
		t.Fatalf("Expected one row, got %d", res.Table.Len())
	}
	if res.Table.Offset(0) != -20 {
		t.Errorf("Expected mean offset -20, got %d", res.Table.Offset(0))
	}
	if res.Table.Stop(0) != 100 {
		t.Errorf("Expected first row bounds kept, got %v", res.Table.Row(0))
	}
}

func TestReconcileKeepsExtraColumns(t *testing.T) {
	in := MustTable([][]int64{{0, 10, 0, 7}, {10, 30, 0, 9}})
	res, _ := Reconcile(in, Policy{TOI: Points(0, 1), KeepTrials: true}, 100)
	if res.Table.Row(1)[3] != 9 {
		t.Errorf("Expected extra column preserved, got %v", res.Table.Row(1))
	}
	if in.Stop(1) != 30 {
		t.Error("Input table was mutated")
	}
}

func TestWindowFor(t *testing.T) {
	w := WindowFor(256, 0.5)
	if w.NOverlap != 128 || w.Stride() != 128 {
		t.Errorf("Unexpected window %+v", w)
	}
	if OverlapRows(257, w) != 3 {
		t.Errorf("Expected 3 rows, got %d", OverlapRows(257, w))
	}
}

func TestTableSelect(t *testing.T) {
	table := scenarioTable()
	got, err := table.Select([]int{2, 0})
	if err != nil {
		t.Fatalf("Select failed: %v", err)
	}
	want := MustTable([][]int64{table.Row(2), table.Row(0)})
	if !got.Equal(want) {
		t.Errorf("Expected %v, got %v", want, got)
	}

	if _, err := table.Select([]int{3}); !errors.IsCode(err, errors.CodeInvalidTrialDef) {
		t.Errorf("Expected invalid trial definition, got %v", err)
	}
}

func TestReconcileOffsetsRoundHalfAwayFromZero(t *testing.T) {
	table := MustTable([][]int64{{0, 10, -2}, {10, 20, -3}})

	collapsed, err := Reconcile(table, Policy{TOI: All()}, 1000)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if collapsed.Table.Offset(0) != -3 {
		t.Errorf("Expected mean offset -2.5 rounded to -3, got %d", collapsed.Table.Offset(0))
	}

	picked, err := Reconcile(table, Policy{TOI: Points(-0.25, 0.25, 0.75), KeepTrials: true}, 1000)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if picked.SampleRate != 2 {
		t.Errorf("Expected samplerate 2, got %v", picked.SampleRate)
	}
	if picked.Table.Offset(0) != -1 {
		t.Errorf("Expected offset -0.5 rounded to -1, got %d", picked.Table.Offset(0))
	}
}
