package worker

import (
	"bytes"
	"sync"
)

// errorBuffer keeps the stderr chunks of the current child incarnation for
// out-of-memory detection. Growth stops at limit; forwarding is unaffected.
type errorBuffer struct {
	mu     sync.Mutex
	chunks [][]byte
	size   int
	limit  int
	gen    uint64
	full   bool
}

func newErrorBuffer(limit int) *errorBuffer {
	return &errorBuffer{limit: limit}
}

// reset empties the buffer. A non-zero gen also switches the accepted
// incarnation.
func (b *errorBuffer) reset(gen uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if gen != 0 {
		b.gen = gen
	}

	b.chunks = nil
	b.size = 0
	b.full = false
}

func (b *errorBuffer) write(gen uint64, p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if gen != b.gen || b.full || len(p) == 0 {
		return
	}

	if room := b.limit - b.size; len(p) > room {
		p = p[:room]
		b.full = true
	}

	b.chunks = append(b.chunks, bytes.Clone(p))
	b.size += len(p)
}

func (b *errorBuffer) snapshot() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([][]byte(nil), b.chunks...)
}

func (b *errorBuffer) String() string {
	return string(bytes.Join(b.snapshot(), nil))
}

// writerFor returns an io.Writer feeding the buffer on behalf of one
// incarnation. Writes always report success.
func (b *errorBuffer) writerFor(gen uint64) *errorWriter {
	return &errorWriter{buf: b, gen: gen}
}

type errorWriter struct {
	buf *errorBuffer
	gen uint64
}

func (w *errorWriter) Write(p []byte) (int, error) {
	w.buf.write(w.gen, p)

	return len(p), nil
}
