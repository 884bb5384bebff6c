package subprocess

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/wagiedev/procworker-go/internal/config"
	"github.com/wagiedev/procworker-go/internal/errors"
	"github.com/wagiedev/procworker-go/internal/protocol"
)

const (
	// ChildReadFD is the descriptor on which the child reads parent messages.
	ChildReadFD = 3
	// ChildWriteFD is the descriptor on which the child writes its messages.
	ChildWriteFD = 4

	// waitDelay bounds how long exit handling waits for output pipes held
	// open by grandchildren.
	waitDelay = 2 * time.Second
)

// Spawner implements config.Spawner by running executables with the IPC
// channel on inherited pipes.
type Spawner struct {
	log *slog.Logger
}

// Compile-time verification that Spawner implements the config.Spawner interface.
var _ config.Spawner = (*Spawner)(nil)

// NewSpawner creates a Spawner.
func NewSpawner(log *slog.Logger) *Spawner {
	return &Spawner{log: log.With("component", "subprocess")}
}

// Spawn starts the child described by cfg.
//
// The child inherits two extra descriptors: ChildReadFD carries parent
// messages, ChildWriteFD carries child messages. Stdout and stderr go to
// cfg.Stdout and cfg.Stderr (discarded when nil).
//
// Returns SpawnError if the executable cannot be found or started.
func (s *Spawner) Spawn(ctx context.Context, cfg *config.SpawnConfig, events config.Events) (config.Process, error) {
	path, err := ResolveExecutable(cfg.Path)
	if err != nil {
		s.log.Error("Failed to resolve child executable", "path", cfg.Path, "error", err)

		return nil, &errors.SpawnError{Path: cfg.Path, Err: err}
	}

	// parent -> child
	childIn, parentOut, err := os.Pipe()
	if err != nil {
		return nil, &errors.SpawnError{Path: path, Err: fmt.Errorf("ipc pipe: %w", err)}
	}

	// child -> parent
	parentIn, childOut, err := os.Pipe()
	if err != nil {
		closeAll(childIn, parentOut)

		return nil, &errors.SpawnError{Path: path, Err: fmt.Errorf("ipc pipe: %w", err)}
	}

	//nolint:gosec // G204: Subprocess launching with dynamic args is expected for worker children
	cmd := exec.CommandContext(ctx, path, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = cfg.Env
	cmd.Stdout = cfg.Stdout
	cmd.Stderr = cfg.Stderr
	cmd.ExtraFiles = []*os.File{childIn, childOut}
	cmd.WaitDelay = waitDelay

	if err := cmd.Start(); err != nil {
		closeAll(childIn, parentOut, parentIn, childOut)
		s.log.Error("Failed to start child process", "path", path, "error", err)

		return nil, &errors.SpawnError{Path: path, Err: fmt.Errorf("start process: %w", err)}
	}

	// The child holds its own copies now.
	closeAll(childIn, childOut)

	p := &Process{
		log:          s.log.With("pid", cmd.Process.Pid),
		cmd:          cmd,
		out:          protocol.NewWriter(parentOut),
		outFile:      parentOut,
		inFile:       parentIn,
		connected:    true,
		wake:         make(chan struct{}, 1),
		disconnected: make(chan struct{}),
		done:         make(chan struct{}),
	}

	p.log.Info("Child process started", "path", path)
	p.run(events)

	return p, nil
}

// Process implements config.Process for a child started by Spawner.
type Process struct {
	log *slog.Logger
	cmd *exec.Cmd

	out     *protocol.Writer
	outFile *os.File
	inFile  *os.File

	mu        sync.Mutex // Protects the fields below
	queue     [][]byte
	connected bool
	killed    bool
	exitCode  int

	wake         chan struct{}
	disconnected chan struct{}
	done         chan struct{}
}

// Compile-time verification that Process implements the config.Process interface.
var _ config.Process = (*Process)(nil)

func (p *Process) run(events config.Events) {
	var readers sync.WaitGroup

	readers.Go(func() {
		p.readLoop(events)
	})

	go p.writeLoop()

	go func() {
		err := p.cmd.Wait()
		code := exitCode(p.cmd.ProcessState)

		if err != nil {
			p.log.Debug("Child process wait returned", "error", err, "exit_code", code)
		}

		// Deliver every message before the exit event. A grandchild may
		// still hold the channel open; stop waiting after waitDelay.
		readerDone := make(chan struct{})

		go func() {
			readers.Wait()
			close(readerDone)
		}()

		select {
		case <-readerDone:
		case <-time.After(waitDelay):
			p.log.Warn("IPC channel still open after exit, closing it")

			_ = p.inFile.Close()

			<-readerDone
		}

		p.mu.Lock()
		p.exitCode = code
		p.mu.Unlock()

		close(p.done)
		p.log.Info("Child process exited", "exit_code", code)

		if events.OnExit != nil {
			events.OnExit(code)
		}
	}()
}

func (p *Process) readLoop(events config.Events) {
	defer func() {
		_ = p.inFile.Close()

		p.mu.Lock()
		p.connected = false
		p.queue = nil
		p.mu.Unlock()

		close(p.disconnected)
		p.log.Debug("IPC channel disconnected")

		if events.OnDisconnect != nil {
			events.OnDisconnect()
		}
	}()

	reader := protocol.NewReader(p.inFile)
	messageCount := 0

	for {
		line, err := reader.Next()
		if stderrors.Is(err, io.EOF) || stderrors.Is(err, os.ErrClosed) {
			return
		}

		if err != nil {
			p.log.Error("IPC channel failed", "error", err, "message_count", messageCount)

			if events.OnChannelError != nil {
				events.OnChannelError(err)
			}

			return
		}

		messageCount++
		p.log.Debug("Received message from child", "message_count", messageCount)

		if events.OnMessage != nil {
			events.OnMessage(append([]byte(nil), line...))
		}
	}
}

func (p *Process) writeLoop() {
	defer func() {
		_ = p.outFile.Close()
	}()

	for {
		select {
		case <-p.wake:
		case <-p.disconnected:
			return
		}

		for {
			p.mu.Lock()

			if len(p.queue) == 0 {
				p.mu.Unlock()

				break
			}

			data := p.queue[0]
			p.queue = p.queue[1:]
			p.mu.Unlock()

			if err := p.out.WriteLine(data); err != nil {
				p.log.Debug("Failed to write message to child", "error", err)

				return
			}
		}
	}
}

// Pid returns the child's process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Send queues data for the child.
// Returns ErrNotConnected once the channel has closed, and
// ErrMessageTooLarge for data that does not fit in one frame.
func (p *Process) Send(data []byte) error {
	if err := protocol.CheckSize(data); err != nil {
		return err
	}

	p.mu.Lock()

	if !p.connected {
		p.mu.Unlock()

		return errors.ErrNotConnected
	}

	p.queue = append(p.queue, data)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}

	return nil
}

// Signal delivers sig to the child.
func (p *Process) Signal(sig os.Signal) error {
	select {
	case <-p.done:
		return os.ErrProcessDone
	default:
	}

	if err := p.cmd.Process.Signal(sig); err != nil {
		return fmt.Errorf("signal child (pid %d): %w", p.cmd.Process.Pid, err)
	}

	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()

	p.log.Debug("Signalled child process", "signal", sig)

	return nil
}

// Connected reports whether the IPC channel is open.
func (p *Process) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.connected
}

// Killed reports whether a signal was delivered.
func (p *Process) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.killed
}

// Done is closed once the child has exited and all its messages were delivered.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// ExitCode returns the normalized exit code. Only meaningful after Done.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.exitCode
}

// exitCode normalizes a process state: 128+N for a child terminated by
// signal N, the exit status otherwise.
func exitCode(state *os.ProcessState) int {
	if state == nil {
		return -1
	}

	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}

	return state.ExitCode()
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
