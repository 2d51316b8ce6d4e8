package buffer

import (
	"io"

	"github.com/valyala/bytebufferpool"
)

// Pool is a thread-safe pool of byte buffers used for segment body copies.
// It wraps valyala/bytebufferpool so payloads read from upstream are staged
// without a fresh allocation per request; the pool handles reuse and sizing
// internally.
type Pool struct {
	pool *bytebufferpool.Pool
}

// NewPool creates a buffer pool ready for immediate use.
func NewPool() *Pool {
	return &Pool{pool: &bytebufferpool.Pool{}}
}

// Get retrieves a reset buffer from the pool. Callers must return it with
// Put once the payload has been copied out.
func (p *Pool) Get() *bytebufferpool.ByteBuffer {
	buf := p.pool.Get()
	buf.Reset()
	return buf
}

// Put returns a buffer to the pool for reuse.
func (p *Pool) Put(buf *bytebufferpool.ByteBuffer) {
	p.pool.Put(buf)
}

// ReadAll drains r into a pooled buffer and returns an owned copy of the
// bytes. The pooled buffer is recycled before returning, so the copy is safe
// to retain in the cache.
func (p *Pool) ReadAll(r io.Reader) ([]byte, error) {
	buf := p.Get()
	defer p.Put(buf)

	if _, err := io.Copy(buf, r); err != nil {
		return nil, err
	}

	out := make([]byte, len(buf.B))
	copy(out, buf.B)
	return out, nil
}
