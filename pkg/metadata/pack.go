package metadata

import (
	"github.com/trialflow/trialflow/pkg/errors"
	"github.com/trialflow/trialflow/pkg/ndarray"
)

// Pack stacks variable-length 2-d arrays (r_i x C) into one
// (sum r_i) x C array and returns the per-array row counts.
func Pack(rows []*ndarray.Array) (*ndarray.Array, []int64, error) {
	if len(rows) == 0 {
		return nil, nil, errors.New(errors.CodePackMismatch, "nothing to pack")
	}
	counts := make([]int64, len(rows))
	for i, r := range rows {
		if len(r.Shape()) != 2 {
			return nil, nil, errors.New(errors.CodePackMismatch, "packed entries must be 2-d").
				WithContext("index", i).
				WithContext("shape", r.Shape().String())
		}
		counts[i] = int64(r.Len())
	}
	stacked, err := ndarray.Concat(rows...)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.CodePackMismatch, "cannot stack entries")
	}
	return stacked, counts, nil
}

// Unpack reverses Pack. The returned arrays share memory with stacked.
func Unpack(stacked *ndarray.Array, counts []int64) ([]*ndarray.Array, error) {
	var total int64
	for _, c := range counts {
		if c < 0 {
			return nil, errors.New(errors.CodePackMismatch, "negative count")
		}
		total += c
	}
	if total != int64(stacked.Len()) {
		return nil, errors.New(errors.CodePackMismatch, "counts do not sum to packed rows").
			WithContext("sum", total).
			WithContext("rows", stacked.Len())
	}

	out := make([]*ndarray.Array, len(counts))
	var pos int
	for i, c := range counts {
		out[i] = stacked.Rows(pos, pos+int(c))
		pos += int(c)
	}
	return out, nil
}

// UnpackFields unpacks several packed datasets that share one count vector
// stored as an int64 slice attribute under countsKey. Each field gets its
// own destination.
func UnpackFields(b *Bundle, countsKey string, fields ...string) (map[string][]*ndarray.Array, error) {
	raw, ok := b.Attrs[countsKey]
	if !ok {
		return nil, errors.New(errors.CodePackMismatch, "count vector missing").
			WithContext("key", countsKey)
	}
	counts, ok := raw.([]int64)
	if !ok {
		return nil, errors.Newf(errors.CodePackMismatch, "count vector has type %T", raw).
			WithContext("key", countsKey)
	}

	out := make(map[string][]*ndarray.Array, len(fields))
	for _, f := range fields {
		stacked, ok := b.Datasets[f]
		if !ok {
			return nil, errors.New(errors.CodePackMismatch, "packed field missing").
				WithContext("field", f)
		}
		parts, err := Unpack(stacked, counts)
		if err != nil {
			return nil, err
		}
		out[f] = parts
	}
	return out, nil
}
