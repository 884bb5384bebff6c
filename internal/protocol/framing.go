package protocol

import (
	"bufio"
	"bytes"
	stderrors "errors"
	"fmt"
	"io"
	"sync"

	"github.com/wagiedev/procworker-go/internal/errors"
)

// MaxLineSize is the maximum size of a single framed message, newline
// included.
const MaxLineSize = 16 * 1024 * 1024 // 16MB

// CheckSize returns an error wrapping errors.ErrMessageTooLarge when data
// does not fit in one frame.
func CheckSize(data []byte) error {
	if len(data) >= MaxLineSize {
		return fmt.Errorf("%w: %d bytes, limit %d", errors.ErrMessageTooLarge, len(data), MaxLineSize-1)
	}

	return nil
}

// Writer frames messages as newline-terminated JSON lines.
// It is safe for concurrent use.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter returns a Writer that frames messages onto w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write encodes msg and writes it as one line.
func (w *Writer) Write(msg Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}

	return w.WriteLine(data)
}

// WriteLine writes an already encoded message, appending the newline.
func (w *Writer) WriteLine(data []byte) error {
	if err := CheckSize(data); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	// Use explicit copy to avoid mutating caller's backing array if slice has spare capacity
	line := make([]byte, len(data)+1)
	copy(line, data)
	line[len(data)] = '\n'

	if _, err := w.w.Write(line); err != nil {
		return fmt.Errorf("write message: %w", err)
	}

	return nil
}

// Reader splits a stream into JSON lines. Blank lines are skipped.
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), MaxLineSize)

	return &Reader{scanner: scanner}
}

// Next returns the next non-empty line. The slice is only valid until the
// following call. Returns io.EOF when the stream ends cleanly.
func (r *Reader) Next() ([]byte, error) {
	for r.scanner.Scan() {
		line := bytes.TrimSpace(r.scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		return line, nil
	}

	if err := r.scanner.Err(); err != nil {
		if stderrors.Is(err, bufio.ErrTooLong) {
			return nil, fmt.Errorf("read message: %w: limit %d", errors.ErrMessageTooLarge, MaxLineSize-1)
		}

		return nil, fmt.Errorf("read message: %w", err)
	}

	return nil, io.EOF
}
