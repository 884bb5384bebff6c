// Package stream merges the output of successive child processes into one
// long-lived reader.
//
// An Aggregator stays open across respawns: each child incarnation writes
// through its own Source, and a consumer that attaches once to the
// Aggregator sees the output of every incarnation. The Aggregator only
// reports io.EOF after Close, once buffered data has been drained.
package stream

import (
	"bytes"
	"io"
	"log/slog"
	"sync"

	"github.com/dustin/go-humanize"
)

// DefaultBufferLimit caps unread bytes held by an Aggregator.
const DefaultBufferLimit = 10 * 1024 * 1024 // 10MB

// Aggregator is a never-ending reader fed by attachable sources.
// Writes never block: unread data beyond the limit is dropped.
type Aggregator struct {
	log   *slog.Logger
	limit int

	mu       sync.Mutex
	cond     *sync.Cond
	buf      bytes.Buffer
	closed   bool
	nextID   uint64
	attached map[uint64]struct{}
	dropped  uint64
}

// Compile-time verification that Aggregator implements io.ReadCloser.
var _ io.ReadCloser = (*Aggregator)(nil)

// NewAggregator creates an Aggregator. A non-positive limit uses DefaultBufferLimit.
func NewAggregator(log *slog.Logger, name string, limit int) *Aggregator {
	if limit <= 0 {
		limit = DefaultBufferLimit
	}

	a := &Aggregator{
		log:      log.With("component", "stream", "stream", name),
		limit:    limit,
		attached: make(map[uint64]struct{}, 1),
	}
	a.cond = sync.NewCond(&a.mu)

	return a
}

// Source is the writer handed to one child incarnation.
type Source struct {
	agg *Aggregator
	id  uint64
}

// Compile-time verification that Source implements io.WriteCloser.
var _ io.WriteCloser = (*Source)(nil)

// Attach adds a new source. Data written to it appears on the Aggregator
// until the source is closed.
func (a *Aggregator) Attach() *Source {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.nextID++
	a.attached[a.nextID] = struct{}{}

	return &Source{agg: a, id: a.nextID}
}

// Write appends p to the Aggregator. It always reports success so that the
// producer keeps draining its pipe; data from a detached source is discarded.
func (s *Source) Write(p []byte) (int, error) {
	s.agg.write(s.id, p)

	return len(p), nil
}

// Close detaches the source. Later writes are discarded.
func (s *Source) Close() error {
	a := s.agg

	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.attached, s.id)

	return nil
}

func (a *Aggregator) write(id uint64, p []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.attached[id]; !ok || a.closed || len(p) == 0 {
		return
	}

	room := a.limit - a.buf.Len()
	if room < len(p) {
		if a.dropped == 0 {
			a.log.Warn("Output buffer full, dropping unread output", "limit", humanize.IBytes(uint64(a.limit)))
		}

		kept := max(room, 0)
		a.dropped += uint64(len(p) - kept)
		p = p[:kept]
	}

	if len(p) > 0 {
		a.buf.Write(p)
		a.cond.Broadcast()
	}
}

// Read blocks until data is available or the Aggregator is closed.
func (a *Aggregator) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for a.buf.Len() == 0 && !a.closed {
		a.cond.Wait()
	}

	if a.buf.Len() == 0 {
		return 0, io.EOF
	}

	return a.buf.Read(p)
}

// Close ends the stream. Readers drain what is buffered, then get io.EOF.
func (a *Aggregator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}

	a.closed = true
	clear(a.attached)
	a.cond.Broadcast()

	if a.dropped > 0 {
		a.log.Debug("Stream closed with dropped output", "dropped_bytes", a.dropped)
	}

	return nil
}

// Dropped reports how many bytes were discarded because the buffer was full.
func (a *Aggregator) Dropped() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.dropped
}
