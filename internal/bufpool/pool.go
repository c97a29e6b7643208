// Package bufpool recycles the fixed-size byte buffers the file-transfer
// path reads chunks into, keeping the steady-state transfer loop free of
// per-chunk allocations.
package bufpool

import "sync"

// Pool hands out buffers of a fixed capacity.
type Pool struct {
	pool sync.Pool
	size int
}

// New creates a pool of size-byte buffers.
func New(size int) *Pool {
	if size <= 0 {
		panic("bufpool: size must be positive")
	}
	return &Pool{
		size: size,
		pool: sync.Pool{
			New: func() any { return make([]byte, size) },
		},
	}
}

// Get returns a buffer of exactly the pool size.
func (p *Pool) Get() []byte {
	return p.pool.Get().([]byte)[:p.size]
}

// Grab returns a length-n buffer. Requests within the pool size are served
// from the pool; larger ones fall back to a fresh allocation that Put will
// silently discard.
func (p *Pool) Grab(n int) []byte {
	if n <= p.size {
		return p.Get()[:n]
	}
	return make([]byte, n)
}

// Put recycles a buffer obtained from Get or Grab. Buffers of the wrong
// capacity are dropped.
func (p *Pool) Put(buf []byte) {
	if cap(buf) != p.size {
		return
	}
	p.pool.Put(buf[:p.size])
}

// Size reports the pool's buffer size.
func (p *Pool) Size() int { return p.size }
