// Package metadata implements the auxiliary per-trial side channel: kernels
// return a flat map of values alongside their data, the executor stages it
// under composite labels and the merger folds all trials into one Bundle.
package metadata

import (
	"fmt"
	"sort"

	"github.com/trialflow/trialflow/pkg/errors"
	"github.com/trialflow/trialflow/pkg/ndarray"
)

// Raw is the flat mapping a kernel returns. Values may be numbers, bools,
// strings, numeric slices or *ndarray.Array. Nested maps are rejected.
type Raw map[string]any

// Bundle holds labelled attributes and datasets.
type Bundle struct {
	Attrs    map[string]any
	Datasets map[string]*ndarray.Array
}

// NewBundle returns an empty bundle.
func NewBundle() *Bundle {
	return &Bundle{
		Attrs:    make(map[string]any),
		Datasets: make(map[string]*ndarray.Array),
	}
}

// Len returns the number of entries.
func (b *Bundle) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Attrs) + len(b.Datasets)
}

// Empty reports whether the bundle has no entries.
func (b *Bundle) Empty() bool { return b.Len() == 0 }

// Has reports whether label is present as attribute or dataset.
func (b *Bundle) Has(label string) bool {
	if b == nil {
		return false
	}
	_, a := b.Attrs[label]
	_, d := b.Datasets[label]
	return a || d
}

// Keys returns all labels in sorted order.
func (b *Bundle) Keys() []string {
	if b == nil {
		return nil
	}
	keys := make([]string, 0, b.Len())
	for k := range b.Attrs {
		keys = append(keys, k)
	}
	for k := range b.Datasets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SetAttr stores a normalized scalar or 1-d attribute.
func (b *Bundle) SetAttr(label string, v any) error {
	nv, err := normalize(v)
	if err != nil {
		return errors.Wrap(err, errors.CodeNestedMetadata, "unsupported metadata value").
			WithContext("label", label)
	}
	b.Attrs[label] = nv
	return nil
}

// SetDataset stores an array entry.
func (b *Bundle) SetDataset(label string, arr *ndarray.Array) {
	b.Datasets[label] = arr
}

// ForTrial returns the entries produced for one trial, keyed by their
// undecorated names. Entries from several calls keep their full label.
func (b *Bundle) ForTrial(trial int) *Bundle {
	out := NewBundle()
	if b == nil {
		return out
	}
	for k, v := range b.Attrs {
		if l, err := DecodeLabel(k); err == nil && l.Trial == trial {
			out.Attrs[l.Name] = v
		}
	}
	for k, v := range b.Datasets {
		if l, err := DecodeLabel(k); err == nil && l.Trial == trial {
			out.Datasets[l.Name] = v
		}
	}
	return out
}

// normalize widens numeric types so persisted bundles round-trip exactly.
func normalize(v any) (any, error) {
	switch x := v.(type) {
	case float64, int64, bool, string, []float64, []int64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case []float32:
		out := make([]float64, len(x))
		for i, f := range x {
			out[i] = float64(f)
		}
		return out, nil
	case []int:
		out := make([]int64, len(x))
		for i, n := range x {
			out[i] = int64(n)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("value of type %T is not a flat scalar or array", v)
	}
}

// Stage converts a kernel's raw mapping into a bundle labelled for the
// given trial and call index.
func Stage(raw Raw, trial, call int) (*Bundle, error) {
	b := NewBundle()
	for name, v := range raw {
		if name == "" {
			return nil, errors.New(errors.CodeLabelInvalid, "empty metadata name").
				WithContext("trial", trial)
		}
		label := EncodeLabel(name, trial, call)
		if arr, ok := v.(*ndarray.Array); ok {
			b.SetDataset(label, arr)
			continue
		}
		if err := b.SetAttr(label, v); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Merge returns the union of all bundles. Labels are unique per trial and
// call, so a repeated label means two producers collided and is reported
// instead of being overwritten. Nil bundles are skipped.
func Merge(bundles ...*Bundle) (*Bundle, error) {
	out := NewBundle()
	for _, b := range bundles {
		if b == nil {
			continue
		}
		for k, v := range b.Attrs {
			if out.Has(k) {
				return nil, collision(k)
			}
			out.Attrs[k] = v
		}
		for k, v := range b.Datasets {
			if out.Has(k) {
				return nil, collision(k)
			}
			out.Datasets[k] = v
		}
	}
	return out, nil
}

func collision(label string) error {
	return errors.New(errors.CodeLabelCollision, "duplicate metadata label").
		WithContext("label", label)
}
