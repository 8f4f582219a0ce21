package trial

import (
	"context"
	"fmt"

	"github.com/trialflow/trialflow/pkg/ndarray"
)

// MemoryProvider serves trials from a continuous in-memory recording of
// shape (samples, channels).
type MemoryProvider struct {
	*base
	data *ndarray.Array
}

// NewMemoryProvider wraps data. info.DType is taken from data.
func NewMemoryProvider(data *ndarray.Array, info Info, sel *Selection) (*MemoryProvider, error) {
	if len(data.Shape()) != 2 {
		return nil, fmt.Errorf("recording must be 2-d, got shape %s", data.Shape())
	}
	if info.Channels == nil {
		info.Channels = DefaultChannels(data.Shape()[1])
	}
	if len(info.Channels) != data.Shape()[1] {
		return nil, fmt.Errorf("%d channel labels for %d channels", len(info.Channels), data.Shape()[1])
	}
	info.DType = data.DType()

	b, err := newBase(info, sel)
	if err != nil {
		return nil, err
	}
	return &MemoryProvider{base: b, data: data}, nil
}

func (p *MemoryProvider) readRange(_ context.Context, start, stop int64) (*ndarray.Array, error) {
	if start < 0 || stop > int64(p.data.Len()) {
		return nil, fmt.Errorf("samples [%d, %d) outside recording of %d samples", start, stop, p.data.Len())
	}
	return p.data.Rows(int(start), int(stop)), nil
}

// Trial implements Provider.
func (p *MemoryProvider) Trial(ctx context.Context, k int) (*ndarray.Array, error) {
	return p.read(ctx, p, k)
}

// DefaultChannels returns labels channel000, channel001, ...
func DefaultChannels(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("channel%03d", i)
	}
	return out
}
