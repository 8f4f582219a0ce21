// Package trialdef holds the trial-definition table and the reconciler that
// recomputes it after a transform changes the time axis.
package trialdef

import (
	"fmt"

	"github.com/trialflow/trialflow/pkg/errors"
)

// Column indices of the mandatory columns.
const (
	ColStart  = 0
	ColStop   = 1
	ColOffset = 2
)

// Table is an N x M (M >= 3) integer table. Row k describes trial k as
// [start, stop, offset, extra...]. Start and stop are sample indices into
// the concatenated time axis; offset is the position of start relative to
// the trigger in samples, negative when the trial begins before it.
type Table struct {
	rows [][]int64
}

// NewTable validates rows and returns a Table holding a copy of them.
func NewTable(rows [][]int64) (*Table, error) {
	if len(rows) == 0 {
		return &Table{}, nil
	}
	width := len(rows[0])
	if width < 3 {
		return nil, errors.New(errors.CodeInvalidTrialDef, "trial definition needs at least 3 columns").
			WithContext("columns", width)
	}

	t := &Table{rows: make([][]int64, len(rows))}
	for i, r := range rows {
		if len(r) != width {
			return nil, errors.New(errors.CodeInvalidTrialDef, "ragged trial definition").
				WithContext("row", i).
				WithContext("columns", len(r))
		}
		if r[ColStart] > r[ColStop] {
			return nil, errors.New(errors.CodeInvalidTrialDef, "trial start after stop").
				WithContext("row", i).
				WithContext("start", r[ColStart]).
				WithContext("stop", r[ColStop])
		}
		t.rows[i] = append([]int64(nil), r...)
	}
	return t, nil
}

// MustTable is NewTable for literals known to be valid.
func MustTable(rows [][]int64) *Table {
	t, err := NewTable(rows)
	if err != nil {
		panic(err)
	}
	return t
}

// FromLengths builds a table of back-to-back trials with the given
// lengths and zero offsets.
func FromLengths(lengths []int) *Table {
	rows := make([][]int64, len(lengths))
	var pos int64
	for i, n := range lengths {
		rows[i] = []int64{pos, pos + int64(n), 0}
		pos += int64(n)
	}
	return &Table{rows: rows}
}

// Len returns the number of trials.
func (t *Table) Len() int { return len(t.rows) }

// Width returns the number of columns, 0 for an empty table.
func (t *Table) Width() int {
	if len(t.rows) == 0 {
		return 0
	}
	return len(t.rows[0])
}

// Row returns a copy of row k.
func (t *Table) Row(k int) []int64 {
	return append([]int64(nil), t.rows[k]...)
}

func (t *Table) Start(k int) int64  { return t.rows[k][ColStart] }
func (t *Table) Stop(k int) int64   { return t.rows[k][ColStop] }
func (t *Table) Offset(k int) int64 { return t.rows[k][ColOffset] }

// Length returns stop - start of trial k.
func (t *Table) Length(k int) int {
	return int(t.rows[k][ColStop] - t.rows[k][ColStart])
}

// Lengths returns the length of every trial.
func (t *Table) Lengths() []int {
	out := make([]int, len(t.rows))
	for k := range t.rows {
		out[k] = t.Length(k)
	}
	return out
}

// Rows returns a deep copy of the table contents.
func (t *Table) Rows() [][]int64 {
	out := make([][]int64, len(t.rows))
	for i, r := range t.rows {
		out[i] = append([]int64(nil), r...)
	}
	return out
}

// Clone returns a deep copy.
func (t *Table) Clone() *Table {
	return &Table{rows: t.Rows()}
}

// Select returns the sub-table of the given trial indices, in order.
func (t *Table) Select(trials []int) (*Table, error) {
	rows := make([][]int64, len(trials))
	for i, k := range trials {
		if k < 0 || k >= len(t.rows) {
			return nil, errors.New(errors.CodeInvalidTrialDef, "trial index out of range").
				WithContext("trial", k).
				WithContext("trials", len(t.rows))
		}
		rows[i] = append([]int64(nil), t.rows[k]...)
	}
	return &Table{rows: rows}, nil
}

// Equal reports whether two tables hold the same values.
func (t *Table) Equal(o *Table) bool {
	if t.Len() != o.Len() {
		return false
	}
	for i := range t.rows {
		if len(t.rows[i]) != len(o.rows[i]) {
			return false
		}
		for j := range t.rows[i] {
			if t.rows[i][j] != o.rows[i][j] {
				return false
			}
		}
	}
	return true
}

func (t *Table) String() string {
	return fmt.Sprint(t.rows)
}
