package utils

import "sync"

// BufferPool recycles byte slices for DNS message buffers to cut down on
// per-query allocation.
type BufferPool struct {
	pool sync.Pool
}

// NewBufferPool creates a pool whose new buffers have minCap bytes of
// capacity; a buffer Get had to reallocate larger keeps that larger
// capacity once it is Put back.
func NewBufferPool(minCap int) *BufferPool {
	return &BufferPool{
		pool: sync.Pool{
			New: func() interface{} {
				b := make([]byte, minCap)
				return &b
			},
		},
	}
}

// Get returns a buffer with length n, reusing pooled capacity when large
// enough.
func (p *BufferPool) Get(n int) []byte {
	bp := p.pool.Get().(*[]byte)
	b := *bp
	if cap(b) < n {
		b = make([]byte, n)
	} else {
		b = b[:n]
	}
	return b
}

// Put returns a buffer to the pool for reuse.
func (p *BufferPool) Put(b []byte) {
	p.pool.Put(&b)
}
