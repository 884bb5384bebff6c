package errors

import (
	"errors"
	"fmt"
)

// WorkerError is the base interface for all worker errors.
type WorkerError interface {
	error
	IsWorkerError() bool
}

// Compile-time verification that all error types implement WorkerError.
var (
	_ WorkerError = (*ClientError)(nil)
	_ WorkerError = (*SetupError)(nil)
	_ WorkerError = (*ProtocolError)(nil)
	_ WorkerError = (*ProcessError)(nil)
	_ WorkerError = (*SpawnError)(nil)
)

// Sentinel errors for commonly checked conditions.
var (
	// ErrOutOfMemory indicates the child crashed because it ran out of memory.
	// The worker is retired and never respawned.
	ErrOutOfMemory = errors.New("worker ran out of memory")

	// ErrNotConnected indicates the child process is not connected.
	ErrNotConnected = errors.New("child process not connected")

	// ErrNoMemoryLimit indicates a memory check was requested without a configured limit.
	ErrNoMemoryLimit = errors.New("memory usage can only be checked when an idle memory limit is set")

	// ErrWorkerExited indicates the child exited before answering.
	ErrWorkerExited = errors.New("child process exited")

	// ErrWorkerShutDown indicates the worker has been shut down and will not spawn again.
	ErrWorkerShutDown = errors.New("worker shut down")

	// ErrUnknownMessageType indicates a message tag that is not part of the protocol.
	ErrUnknownMessageType = errors.New("unknown message type")

	// ErrMessageTooLarge indicates a message that does not fit in one frame.
	ErrMessageTooLarge = errors.New("message exceeds frame limit")
)

// ClientError is an error raised by task code inside the child, rebuilt on
// the parent side. When Name matches a registered kind, Unwrap returns the
// constructed value so errors.Is and errors.As work across the process boundary.
type ClientError struct {
	Name    string
	Message string
	Stack   string
	Extra   map[string]any

	// Known reports whether Name resolved through the kind registry.
	Known bool

	cause error
}

func (e *ClientError) Error() string {
	if e.Name == "" || e.Name == DefaultKind {
		return e.Message
	}

	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

func (e *ClientError) Unwrap() error {
	return e.cause
}

// IsWorkerError implements WorkerError.
func (e *ClientError) IsWorkerError() bool { return true }

// SetupError indicates the child could not initialize its task module.
type SetupError struct {
	Name    string
	Message string
	Stack   string
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("error when calling setup: %s", e.Message)
}

// IsWorkerError implements WorkerError.
func (e *SetupError) IsWorkerError() bool { return true }

// ProtocolError indicates the child violated the channel protocol.
type ProtocolError struct {
	RawData string
	Err     error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol violation: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// IsWorkerError implements WorkerError.
func (e *ProtocolError) IsWorkerError() bool { return true }

// ProcessError indicates the child process exited while a request was pending.
type ProcessError struct {
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ProcessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("child process failed (exit %d): %v", e.ExitCode, e.Err)
	}

	return fmt.Sprintf("child process failed (exit %d): %s", e.ExitCode, e.Stderr)
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}

// IsWorkerError implements WorkerError.
func (e *ProcessError) IsWorkerError() bool { return true }

// SpawnError indicates the child process could not be started.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn child %q: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// IsWorkerError implements WorkerError.
func (e *SpawnError) IsWorkerError() bool { return true }
