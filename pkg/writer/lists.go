package writer

import (
	"fmt"

	"github.com/apache/arrow/go/v14/arrow"
	"github.com/apache/arrow/go/v14/arrow/array"
)

// EachFloat64List calls fn for every row of a list<float64> column.
// The slice passed to fn aliases arrow memory and is only valid during the call.
func EachFloat64List(chunks []arrow.Array, fn func(row int, vals []float64) error) error {
	row := 0
	for _, chunk := range chunks {
		list, ok := chunk.(*array.List)
		if !ok {
			return fmt.Errorf("expected list column, got %s", chunk.DataType())
		}
		values, ok := list.ListValues().(*array.Float64)
		if !ok {
			return fmt.Errorf("expected list<float64>, got list<%s>", list.ListValues().DataType())
		}
		raw := values.Float64Values()
		offsets := list.Offsets()
		for i := 0; i < list.Len(); i++ {
			if err := fn(row, raw[offsets[i]:offsets[i+1]]); err != nil {
				return err
			}
			row++
		}
	}
	return nil
}

// EachInt64List calls fn for every row of a list<int64> column.
func EachInt64List(chunks []arrow.Array, fn func(row int, vals []int64) error) error {
	row := 0
	for _, chunk := range chunks {
		list, ok := chunk.(*array.List)
		if !ok {
			return fmt.Errorf("expected list column, got %s", chunk.DataType())
		}
		values, ok := list.ListValues().(*array.Int64)
		if !ok {
			return fmt.Errorf("expected list<int64>, got list<%s>", list.ListValues().DataType())
		}
		raw := values.Int64Values()
		offsets := list.Offsets()
		for i := 0; i < list.Len(); i++ {
			if err := fn(row, raw[offsets[i]:offsets[i+1]]); err != nil {
				return err
			}
			row++
		}
	}
	return nil
}

// EachString calls fn for every row of a string column.
func EachString(chunks []arrow.Array, fn func(row int, v string, valid bool) error) error {
	row := 0
	for _, chunk := range chunks {
		col, ok := chunk.(*array.String)
		if !ok {
			return fmt.Errorf("expected string column, got %s", chunk.DataType())
		}
		for i := 0; i < col.Len(); i++ {
			if err := fn(row, col.Value(i), col.IsValid(i)); err != nil {
				return err
			}
			row++
		}
	}
	return nil
}

// EachInt64 calls fn for every row of an int64 column.
func EachInt64(chunks []arrow.Array, fn func(row int, v int64) error) error {
	row := 0
	for _, chunk := range chunks {
		col, ok := chunk.(*array.Int64)
		if !ok {
			return fmt.Errorf("expected int64 column, got %s", chunk.DataType())
		}
		for _, v := range col.Int64Values() {
			if err := fn(row, v); err != nil {
				return err
			}
			row++
		}
	}
	return nil
}
