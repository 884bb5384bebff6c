package config

import (
	"context"
	"io"
	"os"
)

// Process is one running child incarnation.
//
// The default implementation is subprocess.Process, which runs an
// executable with the IPC channel on inherited file descriptors.
// Custom implementations can be injected via Options.Spawner for testing.
type Process interface {
	// Pid returns the operating system process id.
	Pid() int

	// Send queues one encoded message for the child. It never blocks on
	// the child reading; an error means the channel is closed.
	Send(data []byte) error

	// Signal delivers sig to the child. A successful delivery marks the
	// process as killed.
	Signal(sig os.Signal) error

	// Connected reports whether the IPC channel is still open.
	Connected() bool

	// Killed reports whether a signal has been delivered by this handle.
	Killed() bool

	// Done is closed once the process has exited.
	Done() <-chan struct{}
}

// Events receives notifications from a Process. Callbacks are invoked from
// the process's own goroutines: messages in order, OnChannelError and
// OnDisconnect after the last message, and OnExit last of all.
type Events struct {
	// OnMessage receives one raw line from the child.
	OnMessage func(data []byte)

	// OnChannelError is called when the channel can no longer be read for a
	// reason other than the child closing it, e.g. an oversized frame.
	// OnDisconnect follows.
	OnChannelError func(err error)

	// OnDisconnect is called when the IPC channel closes.
	OnDisconnect func()

	// OnExit is called once with the normalized exit code
	// (128+N when terminated by signal N).
	OnExit func(exitCode int)
}

// SpawnConfig describes how to start a child.
type SpawnConfig struct {
	// Path is the executable to run.
	Path string

	// Args are the arguments passed after Path.
	Args []string

	// Dir is the working directory. Empty means the current directory.
	Dir string

	// Env is the complete environment of the child.
	Env []string

	// Stdout receives the child's standard output.
	Stdout io.Writer

	// Stderr receives the child's standard error.
	Stderr io.Writer
}

// Spawner starts child processes.
type Spawner interface {
	// Spawn starts a child and attaches events. The returned Process is
	// running when err is nil.
	Spawn(ctx context.Context, cfg *SpawnConfig, events Events) (Process, error)
}
