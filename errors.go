package procworker

import "github.com/wagiedev/procworker-go/internal/errors"

// Re-export error types from internal package

// ClientError is an error raised by task code inside the child.
type ClientError = errors.ClientError

// SetupError indicates the child could not initialize its task module.
type SetupError = errors.SetupError

// ProtocolError indicates the child violated the channel protocol.
type ProtocolError = errors.ProtocolError

// ProcessError indicates the child exited while a request was pending.
type ProcessError = errors.ProcessError

// SpawnError indicates the child process could not be started.
type SpawnError = errors.SpawnError

// WorkerError is the base interface for all worker errors.
type WorkerError = errors.WorkerError

// ErrorConstructor builds the error value registered for a kind name.
type ErrorConstructor = errors.Constructor

// Re-export sentinel errors from internal package.
var (
	// ErrOutOfMemory indicates the child ran out of memory. The worker is retired.
	ErrOutOfMemory = errors.ErrOutOfMemory

	// ErrNotConnected indicates the child process is not connected.
	ErrNotConnected = errors.ErrNotConnected

	// ErrNoMemoryLimit indicates a memory check without a configured limit.
	ErrNoMemoryLimit = errors.ErrNoMemoryLimit

	// ErrWorkerExited indicates the child exited before answering.
	ErrWorkerExited = errors.ErrWorkerExited

	// ErrWorkerShutDown indicates the worker has been shut down.
	ErrWorkerShutDown = errors.ErrWorkerShutDown

	// ErrMessageTooLarge indicates a request or reply that does not fit in one frame.
	ErrMessageTooLarge = errors.ErrMessageTooLarge

	// ErrUnknownMessageType indicates a message tag that is not part of the protocol.
	ErrUnknownMessageType = errors.ErrUnknownMessageType
)

// RegisterErrorKind makes an error kind reported by children reconstructible
// as a Go value. Registering an existing name replaces its constructor.
func RegisterErrorKind(name string, ctor ErrorConstructor) {
	errors.RegisterKind(name, ctor)
}
