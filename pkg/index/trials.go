// Package index provides TrialSet, a concurrency-safe set of trial
// positions backed by a roaring bitmap. Job results and resume checkpoints
// use it to track which trials succeeded, failed or can be skipped.
package index

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/RoaringBitmap/roaring"
)

// TrialSet is a set of non-negative trial positions.
type TrialSet struct {
	mu sync.RWMutex
	bm *roaring.Bitmap
}

// NewTrialSet returns a set holding trials.
func NewTrialSet(trials ...int) *TrialSet {
	s := &TrialSet{bm: roaring.New()}
	for _, k := range trials {
		s.bm.Add(uint32(k))
	}
	return s
}

// Range returns the set [0, n).
func Range(n int) *TrialSet {
	s := NewTrialSet()
	if n > 0 {
		s.bm.AddRange(0, uint64(n))
	}
	return s
}

// Add inserts trial k.
func (s *TrialSet) Add(k int) {
	s.mu.Lock()
	s.bm.Add(uint32(k))
	s.mu.Unlock()
}

// Remove deletes trial k.
func (s *TrialSet) Remove(k int) {
	s.mu.Lock()
	s.bm.Remove(uint32(k))
	s.mu.Unlock()
}

// Contains reports whether trial k is in the set.
func (s *TrialSet) Contains(k int) bool {
	if s == nil || k < 0 {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bm.Contains(uint32(k))
}

// Len returns the number of trials in the set.
func (s *TrialSet) Len() int {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int(s.bm.GetCardinality())
}

// Slice returns the trials in ascending order.
func (s *TrialSet) Slice() []int {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]int, 0, s.bm.GetCardinality())
	it := s.bm.Iterator()
	for it.HasNext() {
		out = append(out, int(it.Next()))
	}
	return out
}

// Clone returns an independent copy.
func (s *TrialSet) Clone() *TrialSet {
	if s == nil {
		return NewTrialSet()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return &TrialSet{bm: s.bm.Clone()}
}

// Union returns s ∪ o.
func (s *TrialSet) Union(o *TrialSet) *TrialSet {
	out := s.Clone()
	if o == nil {
		return out
	}
	o.mu.RLock()
	out.bm.Or(o.bm)
	o.mu.RUnlock()
	return out
}

// Difference returns the trials of s not in o.
func (s *TrialSet) Difference(o *TrialSet) *TrialSet {
	out := s.Clone()
	if o == nil {
		return out
	}
	o.mu.RLock()
	out.bm.AndNot(o.bm)
	o.mu.RUnlock()
	return out
}

// Equal reports whether both sets hold the same trials.
func (s *TrialSet) Equal(o *TrialSet) bool {
	a, b := s.Clone(), o.Clone()
	return a.bm.Equals(b.bm)
}

func (s *TrialSet) String() string {
	parts := make([]string, 0, s.Len())
	for _, k := range s.Slice() {
		parts = append(parts, fmt.Sprint(k))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// WriteTo serializes the set in the portable roaring format.
func (s *TrialSet) WriteTo(w io.Writer) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bm.WriteTo(w)
}

// ReadFrom replaces the set with one read from r.
func (s *TrialSet) ReadFrom(r io.Reader) (int64, error) {
	bm := roaring.New()
	n, err := bm.ReadFrom(r)
	if err != nil {
		return n, fmt.Errorf("deserialize trial set: %w", err)
	}
	s.mu.Lock()
	s.bm = bm
	s.mu.Unlock()
	return n, nil
}

// MarshalJSON encodes the set as base64 roaring bytes.
func (s *TrialSet) MarshalJSON() ([]byte, error) {
	s.mu.RLock()
	b, err := s.bm.ToBytes()
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	return json.Marshal(b)
}

// UnmarshalJSON decodes a set written by MarshalJSON.
func (s *TrialSet) UnmarshalJSON(data []byte) error {
	var b []byte
	if err := json.Unmarshal(data, &b); err != nil {
		return err
	}
	bm := roaring.New()
	if len(b) > 0 {
		if err := bm.UnmarshalBinary(b); err != nil {
			return fmt.Errorf("deserialize trial set: %w", err)
		}
	}
	s.mu.Lock()
	s.bm = bm
	s.mu.Unlock()
	return nil
}
