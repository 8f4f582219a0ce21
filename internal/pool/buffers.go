package pool

import "sync"

// DefaultFloatBufferSize is the initial capacity of pooled float buffers.
const DefaultFloatBufferSize = 16 * 1024

// FloatBuffer wraps a float64 slice for pooled reuse.
type FloatBuffer struct {
	Data []float64
}

// Reset clears the buffer for reuse.
func (b *FloatBuffer) Reset() {
	b.Data = b.Data[:0]
}

// Zeroed resizes the buffer to n zero values.
func (b *FloatBuffer) Zeroed(n int) []float64 {
	if cap(b.Data) < n {
		b.Data = make([]float64, n)
		return b.Data
	}
	b.Data = b.Data[:n]
	for i := range b.Data {
		b.Data[i] = 0
	}
	return b.Data
}

// FloatPool manages reusable float64 buffers.
type FloatPool struct {
	pool sync.Pool
}

// NewFloatPool creates a pool whose fresh buffers have the given capacity.
func NewFloatPool(capacity int) *FloatPool {
	if capacity <= 0 {
		capacity = DefaultFloatBufferSize
	}
	fp := &FloatPool{}
	fp.pool.New = func() any {
		return &FloatBuffer{Data: make([]float64, 0, capacity)}
	}
	return fp
}

// Get retrieves a buffer from the pool.
func (p *FloatPool) Get() *FloatBuffer {
	return p.pool.Get().(*FloatBuffer)
}

// Put returns a buffer to the pool.
func (p *FloatPool) Put(buf *FloatBuffer) {
	buf.Reset()
	p.pool.Put(buf)
}
