package engine

import (
	"sync"
)

// DefaultBufferSize is the size of the chunks copied between streams. Progress
// and cancellation are checked once per chunk.
const DefaultBufferSize = 32 * 1024

// BufferPool manages reusable copy buffers so that recursive transfers of
// many small documents do not allocate a fresh chunk per file.
type BufferPool struct {
	size int
	pool sync.Pool
}

// NewBufferPool creates a new BufferPool that allocates buffers of the specified size.
// If size is <= 0, DefaultBufferSize is used.
func NewBufferPool(size int) *BufferPool {
	if size <= 0 {
		size = DefaultBufferSize
	}
	return &BufferPool{
		size: size,
		pool: sync.Pool{
			New: func() any {
				b := make([]byte, size)
				return &b
			},
		},
	}
}

// Size returns the length of the buffers handed out by the pool.
func (bp *BufferPool) Size() int { return bp.size }

// Get retrieves a reusable byte buffer from the pool.
// The caller should defer calling Put on this buffer once finished.
func (bp *BufferPool) Get() *[]byte {
	return bp.pool.Get().(*[]byte)
}

// Put returns the byte buffer to the pool so it can be reused.
func (bp *BufferPool) Put(b *[]byte) {
	if b != nil && len(*b) == bp.size {
		bp.pool.Put(b)
	}
}
