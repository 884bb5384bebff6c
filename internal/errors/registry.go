package errors

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
)

// DefaultKind is the name reported for errors that carry no specific kind.
const DefaultKind = "Error"

// Constructor builds the error value registered for a kind name.
type Constructor func(message string) error

// Kinder is implemented by errors that name their own kind on the wire.
type Kinder interface {
	error
	Kind() string
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Constructor{
		DefaultKind:        errors.New,
		"Canceled":         func(string) error { return context.Canceled },
		"DeadlineExceeded": func(string) error { return context.DeadlineExceeded },
		"EOF":              func(string) error { return io.EOF },
		"UnexpectedEOF":    func(string) error { return io.ErrUnexpectedEOF },
		"NotExist":         func(string) error { return os.ErrNotExist },
		"Exist":            func(string) error { return os.ErrExist },
		"Permission":       func(string) error { return os.ErrPermission },
		"MessageTooLarge":  func(string) error { return ErrMessageTooLarge },
	}

	// sentinels maps well-known error values back to their kind name.
	sentinels = []struct {
		err  error
		kind string
	}{
		{context.Canceled, "Canceled"},
		{context.DeadlineExceeded, "DeadlineExceeded"},
		{io.ErrUnexpectedEOF, "UnexpectedEOF"},
		{io.EOF, "EOF"},
		{os.ErrNotExist, "NotExist"},
		{os.ErrExist, "Exist"},
		{os.ErrPermission, "Permission"},
		{ErrMessageTooLarge, "MessageTooLarge"},
	}
)

// RegisterKind makes name reconstructible on the parent side.
// Registering an existing name replaces its constructor.
func RegisterKind(name string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()

	registry[name] = ctor
}

// lookupKind returns the constructor for name, if any.
func lookupKind(name string) (Constructor, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	ctor, ok := registry[name]

	return ctor, ok && ctor != nil
}

// Reconstruct rebuilds an error reported by the child. Unknown kinds fall
// back to plain data carrying the original name, message and stack.
func Reconstruct(name, message, stack string, extra map[string]any) *ClientError {
	e := &ClientError{
		Name:    name,
		Message: message,
		Stack:   stack,
		Extra:   extra,
	}

	if name == "" {
		e.Name = DefaultKind
	}

	if ctor, ok := lookupKind(e.Name); ok {
		e.cause = ctor(message)
		e.Known = true
	}

	return e
}

// KindOf names err for the wire: its own Kind() when it has one, a known
// sentinel name when it wraps one, DefaultKind otherwise.
func KindOf(err error) string {
	if k, ok := errors.AsType[Kinder](err); ok && k.Kind() != "" {
		return k.Kind()
	}

	if ce, ok := errors.AsType[*ClientError](err); ok && ce.Name != "" {
		return ce.Name
	}

	for _, s := range sentinels {
		if errors.Is(err, s.err) {
			return s.kind
		}
	}

	return DefaultKind
}
