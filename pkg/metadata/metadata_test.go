package metadata

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/trialflow/trialflow/pkg/errors"
	"github.com/trialflow/trialflow/pkg/ndarray"
	"github.com/trialflow/trialflow/pkg/writer"
)

func TestLabelRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		trial int
		call  int
	}{
		{"n_peaks", 0, 0},
		{"peak__params", 12, 3},
		{"x", 999, 1},
	}

	for _, tt := range tests {
		s := EncodeLabel(tt.name, tt.trial, tt.call)
		got, err := DecodeLabel(s)
		if err != nil {
			t.Fatalf("DecodeLabel(%q) failed: %v", s, err)
		}
		if got.Name != tt.name || got.Trial != tt.trial || got.Call != tt.call {
			t.Errorf("Expected %+v, got %+v", tt, got)
		}
	}
}

func TestDecodeLabelInvalid(t *testing.T) {
	for _, s := range []string{"plain", "__1_2", "x__1", "x__a_0", "x__1_-2"} {
		if _, err := DecodeLabel(s); !errors.IsCode(err, errors.CodeLabelInvalid) {
			t.Errorf("Expected invalid label for %q, got %v", s, err)
		}
	}
}

func TestStage(t *testing.T) {
	arr := ndarray.New(ndarray.Shape{2, 3}, ndarray.Float64)
	b, err := Stage(Raw{"count": 3, "params": arr, "gain": float32(0.5)}, 4, 0)
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}

	if b.Attrs["count__4_0"] != int64(3) {
		t.Errorf("Expected normalized int64, got %#v", b.Attrs["count__4_0"])
	}
	if b.Attrs["gain__4_0"] != 0.5 {
		t.Errorf("Expected normalized float64, got %#v", b.Attrs["gain__4_0"])
	}
	if b.Datasets["params__4_0"] != arr {
		t.Error("Expected array staged as dataset")
	}

	_, err = Stage(Raw{"nested": map[string]any{"a": 1}}, 0, 0)
	if !errors.IsCode(err, errors.CodeNestedMetadata) {
		t.Errorf("Expected nested metadata error, got %v", err)
	}
}

func TestMergeAssociativeCommutative(t *testing.T) {
	a, _ := Stage(Raw{"v": 1.0}, 0, 0)
	b, _ := Stage(Raw{"v": 2.0}, 1, 0)
	c, _ := Stage(Raw{"v": 3.0, "w": []float64{1, 2}}, 2, 0)

	ab, _ := Merge(a, b)
	abc1, _ := Merge(ab, c)
	bc, _ := Merge(b, c)
	abc2, _ := Merge(a, bc)
	abc3, _ := Merge(c, nil, a, b)

	for _, m := range []*Bundle{abc2, abc3} {
		if !reflect.DeepEqual(abc1.Attrs, m.Attrs) {
			t.Errorf("Expected %v, got %v", abc1.Attrs, m.Attrs)
		}
	}
	if abc1.Len() != 4 {
		t.Errorf("Expected 4 entries, got %d", abc1.Len())
	}
}

func TestMergeCollision(t *testing.T) {
	a, _ := Stage(Raw{"v": 1.0}, 0, 0)
	b, _ := Stage(Raw{"v": 2.0}, 0, 0)
	if _, err := Merge(a, b); !errors.IsCode(err, errors.CodeLabelCollision) {
		t.Errorf("Expected collision error, got %v", err)
	}
}

func TestForTrial(t *testing.T) {
	a, _ := Stage(Raw{"v": 1.0}, 0, 0)
	b, _ := Stage(Raw{"v": 2.0}, 1, 0)
	m, _ := Merge(a, b)

	got := m.ForTrial(1)
	if got.Attrs["v"] != 2.0 || got.Len() != 1 {
		t.Errorf("Unexpected trial bundle %v", got.Attrs)
	}
}

func TestPackUnpack(t *testing.T) {
	r0, _ := ndarray.FromData(ndarray.Shape{2, 3}, ndarray.Float64, []float64{1, 2, 3, 4, 5, 6})
	r1 := ndarray.New(ndarray.Shape{0, 3}, ndarray.Float64)
	r2, _ := ndarray.FromData(ndarray.Shape{1, 3}, ndarray.Float64, []float64{7, 8, 9})

	stacked, counts, err := Pack([]*ndarray.Array{r0, r1, r2})
	if err != nil {
		t.Fatalf("Pack failed: %v", err)
	}
	if !stacked.Shape().Equal(ndarray.Shape{3, 3}) {
		t.Errorf("Unexpected packed shape %s", stacked.Shape())
	}
	if !reflect.DeepEqual(counts, []int64{2, 0, 1}) {
		t.Errorf("Unexpected counts %v", counts)
	}

	parts, err := Unpack(stacked, counts)
	if err != nil {
		t.Fatalf("Unpack failed: %v", err)
	}
	for i, want := range []*ndarray.Array{r0, r1, r2} {
		if !parts[i].Shape().Equal(want.Shape()) {
			t.Errorf("Part %d: expected shape %s, got %s", i, want.Shape(), parts[i].Shape())
		}
		for j, v := range want.Data() {
			if parts[i].Data()[j] != v {
				t.Errorf("Part %d differs at %d", i, j)
			}
		}
	}

	if _, err := Unpack(stacked, []int64{1, 1}); !errors.IsCode(err, errors.CodePackMismatch) {
		t.Errorf("Expected pack mismatch, got %v", err)
	}
}

func TestUnpackFieldsIndependent(t *testing.T) {
	a, _ := ndarray.FromData(ndarray.Shape{3, 2}, ndarray.Float64, []float64{1, 2, 3, 4, 5, 6})
	g, _ := ndarray.FromData(ndarray.Shape{3, 3}, ndarray.Float64, []float64{9, 9, 9, 8, 8, 8, 7, 7, 7})

	b := NewBundle()
	b.Attrs["n"] = []int64{1, 2}
	b.Datasets["peak"] = a
	b.Datasets["gauss"] = g

	out, err := UnpackFields(b, "n", "peak", "gauss")
	if err != nil {
		t.Fatalf("UnpackFields failed: %v", err)
	}
	if out["peak"][1].At(0, 0) != 3 {
		t.Errorf("Unexpected peak rows %v", out["peak"][1].Data())
	}
	if out["gauss"][1].At(1, 2) != 7 {
		t.Errorf("Unexpected gauss rows %v", out["gauss"][1].Data())
	}
	if out["gauss"][0].Shape()[1] != 3 || out["peak"][0].Shape()[1] != 2 {
		t.Error("Expected each field to keep its own column count")
	}
}

func TestGroupRoundTrip(t *testing.T) {
	arr, _ := ndarray.FromData(ndarray.Shape{2, 2}, ndarray.Complex128, []float64{1, -1, 2, -2, 3, -3, 4, -4})
	b, err := Stage(Raw{
		"f":      1.5,
		"i":      int64(-7),
		"flag":   true,
		"name":   "hann",
		"freqs":  []float64{1, 2, 3},
		"counts": []int64{},
		"cplx":   arr,
	}, 2, 0)
	if err != nil {
		t.Fatalf("Stage failed: %v", err)
	}

	path := filepath.Join(t.TempDir(), "group.parquet")
	if err := WriteGroup(path, b, writer.DefaultConfig()); err != nil {
		t.Fatalf("WriteGroup failed: %v", err)
	}

	got, err := ReadGroup(context.Background(), path)
	if err != nil {
		t.Fatalf("ReadGroup failed: %v", err)
	}
	if !reflect.DeepEqual(got.Attrs, b.Attrs) {
		t.Errorf("Expected attrs %v, got %v", b.Attrs, got.Attrs)
	}
	ds := got.Datasets["cplx__2_0"]
	if ds == nil || ds.DType() != ndarray.Complex128 || ds.ComplexAt(1, 1) != complex(4, -4) {
		t.Errorf("Dataset did not round trip: %+v", ds)
	}
}

func TestReadGroupMissing(t *testing.T) {
	b, err := ReadGroup(context.Background(), filepath.Join(t.TempDir(), "absent.parquet"))
	if err != nil || b != nil {
		t.Errorf("Expected (nil, nil) for missing group, got (%v, %v)", b, err)
	}
}
