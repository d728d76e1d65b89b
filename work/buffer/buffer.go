package buffer

import (
	"github.com/valyala/bytebufferpool"
)

// ChunkSize is the relay read/write granularity. 64KB keeps per-chunk
// overhead low while still flushing to the player several times a second at
// typical SD/HD bitrates.
const ChunkSize = 64 * 1024

// Pool hands out reusable chunk buffers for the relay loop, backed by
// bytebufferpool so sustained streaming does not churn the garbage collector.
type Pool struct {
	pool bytebufferpool.Pool
}

// NewPool creates a chunk buffer pool.
func NewPool() *Pool {
	return &Pool{}
}

// Get returns a buffer with at least ChunkSize capacity.
func (p *Pool) Get() *bytebufferpool.ByteBuffer {
	buf := p.pool.Get()
	if cap(buf.B) < ChunkSize {
		buf.B = make([]byte, ChunkSize)
	}
	buf.B = buf.B[:ChunkSize]
	return buf
}

// Put returns a buffer to the pool.
func (p *Pool) Put(buf *bytebufferpool.ByteBuffer) {
	p.pool.Put(buf)
}
