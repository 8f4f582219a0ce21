// Package ndarray is a small dense N-dimensional array used to move trial
// data between providers, kernels and the output container.
//
// Values are stored row-major in a flat []float64. Complex element types
// store each element as two consecutive values (real, imaginary).
package ndarray

import (
	"fmt"
	"strconv"
	"strings"
)

// DType is the element type of an array.
type DType uint8

const (
	Float64 DType = iota
	Float32
	Complex128
	Complex64
)

var dtypeNames = map[DType]string{
	Float64:    "float64",
	Float32:    "float32",
	Complex128: "complex128",
	Complex64:  "complex64",
}

func (d DType) String() string {
	if s, ok := dtypeNames[d]; ok {
		return s
	}
	return "dtype(" + strconv.Itoa(int(d)) + ")"
}

// ParseDType parses the String form of a DType.
func ParseDType(s string) (DType, error) {
	for d, name := range dtypeNames {
		if name == strings.ToLower(s) {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown dtype %q", s)
}

// IsComplex reports whether elements carry an imaginary part.
func (d DType) IsComplex() bool {
	return d == Complex64 || d == Complex128
}

// Width is the number of stored float64 values per element.
func (d DType) Width() int {
	if d.IsComplex() {
		return 2
	}
	return 1
}

// Shape is an array shape. Axis 0 is the leading (time) axis.
type Shape []int

// Size returns the number of elements.
func (s Shape) Size() int {
	if len(s) == 0 {
		return 0
	}
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// RowSize returns the number of elements in one leading-axis row.
func (s Shape) RowSize() int {
	n := 1
	for _, d := range s[1:] {
		n *= d
	}
	return n
}

// Equal reports whether two shapes are identical.
func (s Shape) Equal(o Shape) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

// Tail returns the non-leading axes.
func (s Shape) Tail() Shape {
	if len(s) == 0 {
		return nil
	}
	return s[1:]
}

// Clone returns a copy of s.
func (s Shape) Clone() Shape {
	if s == nil {
		return nil
	}
	out := make(Shape, len(s))
	copy(out, s)
	return out
}

// WithLeading returns a copy of s with axis 0 replaced.
func (s Shape) WithLeading(n int) Shape {
	out := s.Clone()
	if len(out) > 0 {
		out[0] = n
	}
	return out
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = strconv.Itoa(d)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// Array is a dense row-major array.
type Array struct {
	shape Shape
	dtype DType
	data  []float64
}

// New allocates a zeroed array.
func New(shape Shape, dtype DType) *Array {
	return &Array{
		shape: shape.Clone(),
		dtype: dtype,
		data:  make([]float64, shape.Size()*dtype.Width()),
	}
}

// FromData wraps data without copying. len(data) must match shape and dtype.
func FromData(shape Shape, dtype DType, data []float64) (*Array, error) {
	want := shape.Size() * dtype.Width()
	if len(data) != want {
		return nil, fmt.Errorf("data length %d does not match shape %s of %s (want %d)",
			len(data), shape, dtype, want)
	}
	return &Array{shape: shape.Clone(), dtype: dtype, data: data}, nil
}

// Shape returns the array shape.
func (a *Array) Shape() Shape { return a.shape }

// DType returns the element type.
func (a *Array) DType() DType { return a.dtype }

// Data returns the backing slice.
func (a *Array) Data() []float64 { return a.data }

// Len returns the size of the leading axis.
func (a *Array) Len() int {
	if len(a.shape) == 0 {
		return 0
	}
	return a.shape[0]
}

// RowWidth is the number of stored values in one leading-axis row.
func (a *Array) RowWidth() int {
	return a.shape.RowSize() * a.dtype.Width()
}

// Row returns the stored values of leading-axis row i, sharing memory.
func (a *Array) Row(i int) []float64 {
	w := a.RowWidth()
	return a.data[i*w : (i+1)*w]
}

// Rows returns rows [start, stop) as a new array sharing memory.
func (a *Array) Rows(start, stop int) *Array {
	w := a.RowWidth()
	return &Array{
		shape: a.shape.WithLeading(stop - start),
		dtype: a.dtype,
		data:  a.data[start*w : stop*w],
	}
}

func (a *Array) offset(idx []int) int {
	if len(idx) != len(a.shape) {
		panic(fmt.Sprintf("ndarray: %d indices for %d-d array", len(idx), len(a.shape)))
	}
	off := 0
	for i, v := range idx {
		if v < 0 || v >= a.shape[i] {
			panic(fmt.Sprintf("ndarray: index %d out of range for axis %d of size %d", v, i, a.shape[i]))
		}
		off = off*a.shape[i] + v
	}
	return off * a.dtype.Width()
}

// At returns the real part of the element at idx.
func (a *Array) At(idx ...int) float64 {
	return a.data[a.offset(idx)]
}

// Set stores a real value at idx. The imaginary part, if any, is zeroed.
func (a *Array) Set(v float64, idx ...int) {
	off := a.offset(idx)
	a.data[off] = v
	if a.dtype.IsComplex() {
		a.data[off+1] = 0
	}
}

// ComplexAt returns the element at idx as a complex number.
func (a *Array) ComplexAt(idx ...int) complex128 {
	off := a.offset(idx)
	if !a.dtype.IsComplex() {
		return complex(a.data[off], 0)
	}
	return complex(a.data[off], a.data[off+1])
}

// SetComplex stores a complex value at idx. The array must be complex.
func (a *Array) SetComplex(v complex128, idx ...int) {
	if !a.dtype.IsComplex() {
		panic("ndarray: SetComplex on real array")
	}
	off := a.offset(idx)
	a.data[off] = real(v)
	a.data[off+1] = imag(v)
}

// Clone returns a deep copy.
func (a *Array) Clone() *Array {
	data := make([]float64, len(a.data))
	copy(data, a.data)
	return &Array{shape: a.shape.Clone(), dtype: a.dtype, data: data}
}

// Transpose2D swaps the two axes of a 2-d real or complex array.
func (a *Array) Transpose2D() *Array {
	if len(a.shape) != 2 {
		panic("ndarray: Transpose2D on non 2-d array")
	}
	r, c := a.shape[0], a.shape[1]
	w := a.dtype.Width()
	out := New(Shape{c, r}, a.dtype)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			src := (i*c + j) * w
			dst := (j*r + i) * w
			copy(out.data[dst:dst+w], a.data[src:src+w])
		}
	}
	return out
}

// Concat stacks arrays along the leading axis. All inputs must share the
// element type and non-leading axes.
func Concat(arrays ...*Array) (*Array, error) {
	if len(arrays) == 0 {
		return nil, fmt.Errorf("concat of zero arrays")
	}
	first := arrays[0]
	total := 0
	for _, a := range arrays {
		if a.dtype != first.dtype {
			return nil, fmt.Errorf("concat dtype mismatch: %s vs %s", first.dtype, a.dtype)
		}
		if !a.shape.Tail().Equal(first.shape.Tail()) {
			return nil, fmt.Errorf("concat shape mismatch: %s vs %s", first.shape, a.shape)
		}
		total += a.Len()
	}
	data := make([]float64, 0, total*first.RowWidth())
	for _, a := range arrays {
		data = append(data, a.data...)
	}
	return &Array{shape: first.shape.WithLeading(total), dtype: first.dtype, data: data}, nil
}
