// Package oom recognises memory-exhaustion crashes from a child's error output.
package oom

import (
	"bytes"
	"log/slog"
	"strings"
)

// DefaultSignatures are substrings printed by common runtimes when they run
// out of memory.
var DefaultSignatures = []string{
	// Go runtime
	"fatal error: runtime: out of memory",
	"runtime: cannot allocate memory",
	// V8 / Node.js
	"heap out of memory",
	"allocation failure;",
	"Last few GCs",
	// C++ / Python / libc
	"std::bad_alloc",
	"MemoryError",
	"Cannot allocate memory",
}

// Detector scans buffered error output for out-of-memory signatures.
type Detector struct {
	log        *slog.Logger
	signatures []string
}

// NewDetector returns a Detector matching DefaultSignatures plus extra.
// Empty signatures are ignored.
func NewDetector(log *slog.Logger, extra ...string) *Detector {
	signatures := make([]string, 0, len(DefaultSignatures)+len(extra))
	signatures = append(signatures, DefaultSignatures...)

	for _, s := range extra {
		if s != "" {
			signatures = append(signatures, s)
		}
	}

	return &Detector{
		log:        log.With("component", "oom_detector"),
		signatures: signatures,
	}
}

// Detect reports whether the concatenated chunks contain a known signature.
// It never panics; a failure while scanning is logged and reported as false.
func (d *Detector) Detect(chunks [][]byte) (found bool) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("Error looking for out of memory crash", "panic", r)

			found = false
		}
	}()

	if len(chunks) == 0 {
		return false
	}

	text := string(bytes.ToValidUTF8(bytes.Join(chunks, nil), []byte("�")))

	for _, sig := range d.signatures {
		if strings.Contains(text, sig) {
			d.log.Debug("Out of memory signature found", "signature", sig)

			return true
		}
	}

	return false
}
