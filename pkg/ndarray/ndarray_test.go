package ndarray

import "testing"

func TestShape(t *testing.T) {
	s := Shape{10, 1, 3, 2}

	if s.Size() != 60 {
		t.Errorf("Expected size 60, got %d", s.Size())
	}
	if s.RowSize() != 6 {
		t.Errorf("Expected row size 6, got %d", s.RowSize())
	}
	if !s.Tail().Equal(Shape{1, 3, 2}) {
		t.Errorf("Unexpected tail %s", s.Tail())
	}
	if got := s.WithLeading(4); !got.Equal(Shape{4, 1, 3, 2}) || s[0] != 10 {
		t.Errorf("WithLeading should copy, got %s / %s", got, s)
	}
	if s.String() != "(10, 1, 3, 2)" {
		t.Errorf("Unexpected string %s", s)
	}
}

func TestParseDType(t *testing.T) {
	for _, d := range []DType{Float32, Float64, Complex64, Complex128} {
		got, err := ParseDType(d.String())
		if err != nil || got != d {
			t.Errorf("Round trip of %s failed: %v %v", d, got, err)
		}
	}
	if _, err := ParseDType("int8"); err == nil {
		t.Error("Expected error for unknown dtype")
	}
}

func TestArrayIndexing(t *testing.T) {
	a := New(Shape{3, 2}, Float64)
	a.Set(5, 2, 1)
	if a.At(2, 1) != 5 {
		t.Errorf("Expected 5, got %v", a.At(2, 1))
	}
	if a.Row(2)[1] != 5 {
		t.Errorf("Row did not share memory")
	}

	c := New(Shape{2, 2}, Complex128)
	c.SetComplex(complex(1, -2), 1, 0)
	if c.ComplexAt(1, 0) != complex(1, -2) {
		t.Errorf("Unexpected complex value %v", c.ComplexAt(1, 0))
	}
	if c.RowWidth() != 4 {
		t.Errorf("Expected row width 4, got %d", c.RowWidth())
	}
}

func TestFromDataLength(t *testing.T) {
	if _, err := FromData(Shape{2, 2}, Float64, make([]float64, 3)); err == nil {
		t.Error("Expected length mismatch error")
	}
	if _, err := FromData(Shape{2, 2}, Complex64, make([]float64, 8)); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestTranspose2D(t *testing.T) {
	a, _ := FromData(Shape{2, 3}, Float64, []float64{1, 2, 3, 4, 5, 6})
	b := a.Transpose2D()
	want := []float64{1, 4, 2, 5, 3, 6}
	for i, v := range b.Data() {
		if v != want[i] {
			t.Fatalf("Expected %v, got %v", want, b.Data())
		}
	}
	if !b.Shape().Equal(Shape{3, 2}) {
		t.Errorf("Unexpected shape %s", b.Shape())
	}
}

func TestConcatAndRows(t *testing.T) {
	a, _ := FromData(Shape{1, 2}, Float64, []float64{1, 2})
	b, _ := FromData(Shape{2, 2}, Float64, []float64{3, 4, 5, 6})

	c, err := Concat(a, b)
	if err != nil {
		t.Fatalf("Concat failed: %v", err)
	}
	if c.Len() != 3 {
		t.Errorf("Expected 3 rows, got %d", c.Len())
	}
	mid := c.Rows(1, 3)
	if mid.At(0, 0) != 3 || mid.At(1, 1) != 6 {
		t.Errorf("Unexpected rows %v", mid.Data())
	}

	bad, _ := FromData(Shape{1, 3}, Float64, []float64{1, 2, 3})
	if _, err := Concat(a, bad); err == nil {
		t.Error("Expected shape mismatch error")
	}
}
