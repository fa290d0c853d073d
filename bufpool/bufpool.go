// Package bufpool provides a bounded pool of fixed-capacity byte
// buffers used for request and response body staging.
package bufpool

// Pool holds up to a fixed number of reusable buffers, each with the
// same capacity. Get never blocks and Put never grows the pool past
// its bound, so a burst simply allocates and later drops the excess.
type Pool struct {
	buffers chan []byte
	bufSize int
}

const (
	// DefaultPoolSize is the number of buffers retained at rest.
	DefaultPoolSize = 64
	// DefaultBufferSize is the capacity of each pooled buffer.
	DefaultBufferSize = 64 * 1024
)

// New creates a pool retaining up to size buffers of bufSize bytes.
// Non-positive arguments fall back to the defaults.
func New(size, bufSize int) *Pool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	return &Pool{
		buffers: make(chan []byte, size),
		bufSize: bufSize,
	}
}

// Get returns a zero-length buffer with the pool's capacity. If the
// pool is empty a fresh buffer is allocated.
func (p *Pool) Get() []byte {
	select {
	case buf := <-p.buffers:
		return buf[:0]
	default:
		return make([]byte, 0, p.bufSize)
	}
}

// Put returns a buffer to the pool. Buffers whose capacity no longer
// matches (grown by an append) and buffers beyond the pool bound are
// dropped for the garbage collector.
func (p *Pool) Put(buf []byte) {
	if cap(buf) != p.bufSize {
		return
	}
	select {
	case p.buffers <- buf:
	default:
	}
}

// BufferSize returns the capacity of buffers issued by this pool.
func (p *Pool) BufferSize() int { return p.bufSize }

// Idle returns the number of buffers currently at rest in the pool.
func (p *Pool) Idle() int { return len(p.buffers) }

// WithBuffer runs fn with a pooled buffer and releases it on every
// exit path, including a panic in fn.
func (p *Pool) WithBuffer(fn func(buf []byte) error) error {
	buf := p.Get()
	defer p.Put(buf)
	return fn(buf)
}
