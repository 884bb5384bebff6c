package child

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime/debug"
	"strconv"

	"github.com/shirou/gopsutil/v3/process"
	"golang.org/x/sync/errgroup"

	"github.com/wagiedev/procworker-go/internal/errors"
	"github.com/wagiedev/procworker-go/internal/protocol"
	"github.com/wagiedev/procworker-go/internal/subprocess"
)

// PanicKind is the error kind reported for a task that panicked.
const PanicKind = "Panic"

// ErrNoCall is returned by Emit outside of a running call.
var ErrNoCall = stderrors.New("no call in progress")

// Method runs one task. The returned value is encoded as JSON.
type Method func(ctx context.Context, args json.RawMessage) (any, error)

// Module is a loaded task module.
type Module struct {
	// Setup runs once with the worker's setup arguments before any call.
	Setup func(ctx context.Context, args []json.RawMessage) error

	// Methods maps method names to tasks.
	Methods map[string]Method
}

// Resolver loads the module named by the worker path.
type Resolver func(workerPath string) (*Module, error)

// Extras is implemented by errors that carry extra properties for the parent.
type Extras interface {
	error
	Extra() map[string]any
}

// MemoryFunc reports the memory usage of the child in bytes.
type MemoryFunc func() (uint64, error)

// Option configures Serve and ServeConn.
type Option func(*server)

// WithLogger sets the logger. Logs are discarded by default.
func WithLogger(log *slog.Logger) Option {
	return func(s *server) {
		s.log = log
	}
}

// WithMemoryFunc replaces the resident memory reader.
func WithMemoryFunc(fn MemoryFunc) Option {
	return func(s *server) {
		s.memory = fn
	}
}

// WorkerID returns the 1-indexed worker slot the parent assigned to this
// child.
func WorkerID() (int, bool) {
	id, err := strconv.Atoi(os.Getenv(subprocess.WorkerIDEnv))
	if err != nil {
		return 0, false
	}

	return id, true
}

// Serve speaks the worker protocol on the descriptors inherited from the
// parent. It returns nil once the parent closes the channel.
func Serve(ctx context.Context, resolve Resolver, opts ...Option) error {
	in := os.NewFile(subprocess.ChildReadFD, "procworker-in")
	out := os.NewFile(subprocess.ChildWriteFD, "procworker-out")

	for _, f := range []*os.File{in, out} {
		if _, err := f.Stat(); err != nil {
			return fmt.Errorf("not started by a procworker parent: %w", err)
		}
	}

	defer func() {
		_ = in.Close()
		_ = out.Close()
	}()

	return ServeConn(ctx, in, out, resolve, opts...)
}

// ServeConn speaks the worker protocol over r and w.
//
// Initialize and call messages are handled in order, one at a time. Memory
// usage requests are answered immediately, even while a call runs.
func ServeConn(ctx context.Context, r io.Reader, w io.Writer, resolve Resolver, opts ...Option) error {
	s := &server{
		log:     slog.New(slog.DiscardHandler),
		out:     protocol.NewWriter(w),
		resolve: resolve,
		memory:  residentMemory,
	}

	for _, opt := range opts {
		opt(s)
	}

	s.log = s.log.With("component", "child")

	work := make(chan protocol.Message)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(work)

		return s.readLoop(gCtx, r, work)
	})

	g.Go(func() error {
		for msg := range work {
			if err := s.handle(gCtx, msg); err != nil {
				return err
			}
		}

		return nil
	})

	return g.Wait()
}

type server struct {
	log     *slog.Logger
	out     *protocol.Writer
	resolve Resolver
	memory  MemoryFunc

	module   *Module
	setupErr error
}

func (s *server) readLoop(ctx context.Context, r io.Reader, work chan<- protocol.Message) error {
	reader := protocol.NewReader(r)

	for {
		line, err := reader.Next()
		if stderrors.Is(err, io.EOF) {
			s.log.Debug("Parent closed the channel")

			return nil
		}

		if err != nil {
			return err
		}

		msg, err := protocol.DecodeOutbound(line)
		if err != nil {
			s.log.Error("Invalid message from parent", "error", err)

			return err
		}

		if _, ok := msg.(*protocol.MemoryUsageRequest); ok {
			if err := s.reportMemory(); err != nil {
				return err
			}

			continue
		}

		select {
		case work <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *server) handle(ctx context.Context, msg protocol.Message) error {
	switch m := msg.(type) {
	case *protocol.Initialize:
		s.initialize(ctx, m)

		return nil
	case *protocol.Call:
		return s.call(ctx, m)
	default:
		return fmt.Errorf("%w: %s", errors.ErrUnknownMessageType, msg.MessageType())
	}
}

func (s *server) initialize(ctx context.Context, m *protocol.Initialize) {
	s.log.Debug("Loading module", "worker_path", m.WorkerPath)

	module, err := s.resolve(m.WorkerPath)
	if err != nil {
		s.setupErr = err

		return
	}

	if module == nil {
		s.setupErr = fmt.Errorf("module %q not found", m.WorkerPath)

		return
	}

	if module.Setup != nil {
		if err := module.Setup(ctx, m.SetupArgs); err != nil {
			s.setupErr = err

			return
		}
	}

	s.module = module
	s.setupErr = nil
}

func (s *server) call(ctx context.Context, m *protocol.Call) error {
	if s.setupErr != nil {
		return s.out.Write(protocol.SetupError{
			ErrorType: errors.KindOf(s.setupErr),
			Message:   s.setupErr.Error(),
		})
	}

	if s.module == nil {
		return s.out.Write(protocol.SetupError{
			ErrorType: errors.DefaultKind,
			Message:   "call received before initialize",
		})
	}

	method, ok := s.module.Methods[m.Method]
	if !ok {
		return s.out.Write(protocol.ClientError{
			ID:        m.ID,
			ErrorType: errors.DefaultKind,
			Message:   fmt.Sprintf("method %q is not exported by the worker module", m.Method),
		})
	}

	callCtx := context.WithValue(ctx, emitterKey{}, s.out)

	result, err := s.invoke(callCtx, m, method)
	if err != nil {
		return s.fail(m.ID, err)
	}

	data, err := json.Marshal(result)
	if err != nil {
		return s.fail(m.ID, fmt.Errorf("encode result: %w", err))
	}

	err = s.out.Write(protocol.Success{ID: m.ID, Result: data})
	if stderrors.Is(err, errors.ErrMessageTooLarge) {
		s.log.Warn("Result exceeds frame limit", "method", m.Method, "bytes", len(data))

		return s.fail(m.ID, fmt.Errorf("encode result: %w", err))
	}

	return err
}

// fail reports err for call id. An error too large to frame is replaced by
// the framing error itself.
func (s *server) fail(id string, err error) error {
	werr := s.out.Write(clientError(id, err))
	if !stderrors.Is(werr, errors.ErrMessageTooLarge) {
		return werr
	}

	return s.out.Write(protocol.ClientError{
		ID:        id,
		ErrorType: errors.KindOf(werr),
		Message:   werr.Error(),
	})
}

// invoke runs method, turning a panic into an error with its stack.
func (s *server) invoke(ctx context.Context, m *protocol.Call, method Method) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Task panicked", "method", m.Method, "panic", r)

			err = &panicError{value: r, stack: string(debug.Stack())}
		}
	}()

	return method(ctx, m.Args)
}

func (s *server) reportMemory() error {
	bytes, err := s.memory()
	if err != nil {
		s.log.Warn("Failed to read memory usage", "error", err)
	}

	return s.out.Write(protocol.MemoryUsage{Bytes: bytes})
}

func clientError(id string, err error) protocol.ClientError {
	msg := protocol.ClientError{
		ID:        id,
		ErrorType: errors.KindOf(err),
		Message:   err.Error(),
	}

	if p, ok := stderrors.AsType[*panicError](err); ok {
		msg.ErrorType = PanicKind
		msg.Stack = p.stack
	}

	if e, ok := stderrors.AsType[Extras](err); ok {
		msg.Extra = e.Extra()
	}

	return msg
}

type panicError struct {
	value any
	stack string
}

func (e *panicError) Error() string {
	return fmt.Sprint(e.value)
}

func residentMemory() (uint64, error) {
	proc, err := process.NewProcess(int32(os.Getpid())) //nolint:gosec // pids fit in int32
	if err != nil {
		return 0, fmt.Errorf("open self: %w", err)
	}

	info, err := proc.MemoryInfo()
	if err != nil {
		return 0, fmt.Errorf("read memory info: %w", err)
	}

	return info.RSS, nil
}

type emitterKey struct{}

// Emit sends payload to the parent as a custom message. It must be called
// with the context of a running call.
func Emit(ctx context.Context, payload any) error {
	out, ok := ctx.Value(emitterKey{}).(*protocol.Writer)
	if !ok {
		return ErrNoCall
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode custom payload: %w", err)
	}

	return out.Write(protocol.Custom{Payload: data})
}
