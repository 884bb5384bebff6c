package worker

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/singleflight"

	"github.com/wagiedev/procworker-go/internal/config"
	"github.com/wagiedev/procworker-go/internal/errors"
	"github.com/wagiedev/procworker-go/internal/metrics"
	"github.com/wagiedev/procworker-go/internal/oom"
	"github.com/wagiedev/procworker-go/internal/protocol"
	"github.com/wagiedev/procworker-go/internal/stream"
	"github.com/wagiedev/procworker-go/internal/subprocess"
)

// Exit codes of a child terminated by the signals a worker sends.
const (
	sigtermExitCode = 143
	sigkillExitCode = 137
)

// workerErrorKind names the client error reported once a request exhausted
// its respawns.
const workerErrorKind = "WorkerError"

// Request is one job for the child.
type Request struct {
	// Method names the task function to run.
	Method string

	// Args is encoded as JSON and passed to the task function.
	Args any
}

// OnStart is called synchronously when a request is accepted.
type OnStart func(w *Worker)

// OnEnd receives the outcome of a request: an error or the raw JSON result.
type OnEnd func(err error, result json.RawMessage)

// OnCustomMessage receives out-of-band payloads sent by the child while a
// request is running.
type OnCustomMessage func(payload json.RawMessage)

// pendingRequest is the single in-flight request.
type pendingRequest struct {
	id       string
	method   string
	data     []byte
	onEnd    OnEnd
	onCustom OnCustomMessage
	started  time.Time
}

// memoryQuery is one outstanding memory usage report.
type memoryQuery struct {
	done  chan struct{}
	bytes uint64
	err   error
}

// restartReason distinguishes why the current respawn happens.
type restartReason int

const (
	restartCrash restartReason = iota
	restartMemory
)

// Worker supervises one child process at a time.
//
// All state transitions are serialized by mu. Callbacks into user code are
// queued while mu is held and invoked, in order, once it is released.
type Worker struct {
	log      *slog.Logger
	opts     config.Options
	uid      string
	spawner  config.Spawner
	detector *oom.Detector
	metrics  metrics.Collector

	path        string
	args        []string
	env         []string
	initMessage []byte

	stdout *stream.Aggregator
	stderr *stream.Aggregator

	errBuf *errorBuffer
	sf     singleflight.Group

	mu           sync.Mutex // Protects the fields below
	state        State
	child        config.Process
	generation   uint64
	stdoutSrc    *stream.Source
	stderrSrc    *stream.Source
	pending      *pendingRequest
	retries      int
	reason       restartReason
	checkMemory  bool
	idleMemory   uint64
	idleMemoryOK bool
	memQuery     *memoryQuery
	ready        chan struct{}
	readyClosed  bool
	exited       chan struct{}
	finished     bool
	callbacks    []func()
}

// New creates a worker. No child is started until Initialize is called.
func New(opts *config.Options) (*Worker, error) {
	var o config.Options
	if opts != nil {
		o = *opts
	}

	o.Defaults()

	if o.Command == "" {
		return nil, fmt.Errorf("worker command is required")
	}

	if o.IdleMemoryLimit < 0 {
		return nil, fmt.Errorf("idle memory limit must not be negative: %v", float64(o.IdleMemoryLimit))
	}

	initMessage, err := encodeInitialize(&o)
	if err != nil {
		return nil, err
	}

	uid := ulid.Make().String()
	log := o.Logger.With("component", "worker", "worker_id", o.WorkerID, "worker_uid", uid)

	spawner := o.Spawner
	if spawner == nil {
		spawner = subprocess.NewSpawner(log)
	}

	forceColor := subprocess.StdoutSupportsColor()
	if o.ForceColor != nil {
		forceColor = *o.ForceColor
	}

	args := subprocess.StripDebugArgs(o.ExecArgs)
	args = append(args, o.Args...)

	w := &Worker{
		log:      log,
		opts:     o,
		uid:      uid,
		spawner:  spawner,
		detector: oom.NewDetector(log, o.OOMSignatures...),
		metrics:  o.Metrics,
		path:     o.Command,
		args:     args,
		env: subprocess.BuildEnvironment(&subprocess.EnvironmentConfig{
			WorkerID:   o.WorkerID,
			Env:        o.Env,
			ForceColor: forceColor,
		}),
		initMessage: initMessage,
		errBuf:      newErrorBuffer(o.StderrBufferLimit),
		ready:       make(chan struct{}),
		exited:      make(chan struct{}),
	}

	if *o.Silent {
		w.stdout = stream.NewAggregator(log, "stdout", stream.DefaultBufferLimit)
		w.stderr = stream.NewAggregator(log, "stderr", stream.DefaultBufferLimit)
	}

	return w, nil
}

func encodeInitialize(o *config.Options) ([]byte, error) {
	setupArgs := make([]json.RawMessage, 0, len(o.SetupArgs))

	for i, arg := range o.SetupArgs {
		data, err := json.Marshal(arg)
		if err != nil {
			return nil, fmt.Errorf("encode setup argument %d: %w", i, err)
		}

		setupArgs = append(setupArgs, data)
	}

	return protocol.Encode(protocol.Initialize{
		SpecializeLoad: o.SpecializeLoad,
		WorkerPath:     o.WorkerPath,
		SetupArgs:      setupArgs,
	})
}

// unlock releases mu and runs the callbacks queued while it was held.
func (w *Worker) unlock() {
	callbacks := w.callbacks
	w.callbacks = nil
	w.mu.Unlock()

	for _, cb := range callbacks {
		cb()
	}
}

func (w *Worker) enqueue(cb func()) {
	w.callbacks = append(w.callbacks, cb)
}

// Initialize spawns a fresh child. It is a no-op once the worker ran out of
// memory or is shutting down.
func (w *Worker) Initialize() error {
	w.mu.Lock()
	defer w.unlock()

	return w.initializeLocked(true)
}

func (w *Worker) initializeLocked(countRetry bool) error {
	if !w.state.spawnable() {
		w.log.Debug("Skipping initialize", "state", w.state)

		return nil
	}

	if w.child != nil && w.child.Connected() {
		// Never leave two children running for one slot.
		if err := w.child.Signal(syscall.SIGKILL); err != nil {
			w.log.Debug("Failed to kill previous child", "error", err)
		}
	}

	w.generation++
	gen := w.generation

	w.errBuf.reset(gen)
	w.setStateLocked(StateStarting)

	cfg := w.spawnConfigLocked(gen)
	events := config.Events{
		OnMessage:      func(data []byte) { w.onMessage(gen, data) },
		OnChannelError: func(err error) { w.onChannelError(gen, err) },
		OnDisconnect:   func() { w.onDisconnect(gen) },
		OnExit:         func(code int) { w.onExit(gen, code) },
	}

	child, err := w.spawner.Spawn(context.Background(), cfg, events)
	if err != nil {
		w.log.Error("Failed to spawn child", "error", err)
		w.child = nil
		w.shutdownLocked(err)

		return err
	}

	w.child = child
	w.metrics.Spawn(w.opts.WorkerID)
	w.log.Info("Spawned child", "pid", child.Pid(), "generation", gen)

	if err := child.Send(w.initMessage); err != nil {
		w.log.Warn("Failed to send initialize message", "pid", child.Pid(), "error", err)
	}

	if countRetry {
		w.retries++
	}

	if w.retries > *w.opts.MaxRetries && w.pending != nil {
		w.log.Warn("Retry limit exceeded", "retries", w.retries, "max_retries", *w.opts.MaxRetries)

		err := errors.Reconstruct(
			workerErrorKind,
			fmt.Sprintf("worker encountered %d child process exceptions, exceeding retry limit", w.retries),
			"",
			nil,
		)
		w.completeLocked(err, nil)
	}

	w.setStateLocked(StateOk)
	w.signalReadyLocked()

	return nil
}

func (w *Worker) spawnConfigLocked(gen uint64) *config.SpawnConfig {
	w.detachSourcesLocked()

	errWriter := w.errBuf.writerFor(gen)
	cfg := &config.SpawnConfig{
		Path: w.path,
		Args: w.args,
		Dir:  w.opts.Dir,
		Env:  w.env,
	}

	if w.stdout != nil {
		w.stdoutSrc = w.stdout.Attach()
		w.stderrSrc = w.stderr.Attach()
		cfg.Stdout = w.stdoutSrc
		cfg.Stderr = io.MultiWriter(errWriter, w.stderrSrc)
	} else {
		cfg.Stdout = os.Stdout
		cfg.Stderr = io.MultiWriter(errWriter, os.Stderr)
	}

	return cfg
}

func (w *Worker) detachSourcesLocked() {
	if w.stdoutSrc != nil {
		_ = w.stdoutSrc.Close()
		w.stdoutSrc = nil
	}

	if w.stderrSrc != nil {
		_ = w.stderrSrc.Close()
		w.stderrSrc = nil
	}
}

// Send dispatches req to the child. onStart runs synchronously before the
// request is stored; onEnd receives the outcome exactly once; onCustom
// receives custom messages while the request runs. Any callback may be nil.
//
// Only one request may be outstanding; the caller enforces this. If the
// child dies before answering, req is resent to its replacement.
//
// Returns an error only if the request cannot be queued: the arguments do
// not encode, the request does not fit in one frame (ErrMessageTooLarge),
// or the worker is retired.
func (w *Worker) Send(req Request, onStart OnStart, onEnd OnEnd, onCustom OnCustomMessage) error {
	args, err := json.Marshal(req.Args)
	if err != nil {
		return fmt.Errorf("encode request arguments: %w", err)
	}

	id := protocol.NewRequestID()

	data, err := protocol.Encode(protocol.Call{ID: id, Method: req.Method, Args: args})
	if err != nil {
		return err
	}

	if err := protocol.CheckSize(data); err != nil {
		return fmt.Errorf("request %q: %w", req.Method, err)
	}

	w.mu.Lock()

	if w.finished {
		w.unlock()

		return errors.ErrWorkerShutDown
	}

	w.errBuf.reset(0)
	w.unlock()

	if onStart != nil {
		onStart(w)
	}

	w.mu.Lock()
	defer w.unlock()

	if w.finished {
		return errors.ErrWorkerShutDown
	}

	if w.pending != nil {
		w.log.Warn("Replacing a pending request", "request_id", w.pending.id)
	}

	w.pending = &pendingRequest{
		id:       id,
		method:   req.Method,
		data:     data,
		onEnd:    onEnd,
		onCustom: onCustom,
		started:  time.Now(),
	}
	w.retries = 0

	w.log.Debug("Sending request", "request_id", id, "method", req.Method)

	if w.child == nil {
		w.log.Warn("No child to send request to, waiting for respawn", "request_id", id)

		return nil
	}

	if err := w.child.Send(data); err != nil {
		// The exit handler resends or fails the request.
		w.log.Warn("Failed to send request", "request_id", id, "error", err)
	}

	return nil
}

// completeLocked finishes the pending request. The slot is cleared before
// onEnd is queued, so a crash racing with the callback cannot resend it.
func (w *Worker) completeLocked(err error, result json.RawMessage) {
	p := w.pending
	if p == nil {
		w.log.Debug("Dropping response without pending request", "error", err)

		return
	}

	w.pending = nil

	if w.opts.IdleMemoryLimit.Enabled() && !w.finished && w.child != nil && w.child.Connected() {
		_ = w.checkMemoryUsageLocked()
	}

	outcome := outcomeOf(err)
	w.metrics.RequestCompleted(w.opts.WorkerID, outcome, time.Since(p.started))
	w.log.Debug("Request completed", "request_id", p.id, "method", p.method, "outcome", outcome)

	if p.onEnd != nil {
		w.enqueue(func() { p.onEnd(err, result) })
	}
}

// onMessage handles one line from the child.
func (w *Worker) onMessage(gen uint64, data []byte) {
	w.mu.Lock()
	defer w.unlock()

	if gen != w.generation || w.finished {
		return
	}

	msg, err := protocol.DecodeInbound(data)
	if err != nil {
		w.protocolViolationLocked(err)

		return
	}

	switch m := msg.(type) {
	case *protocol.Success:
		if w.staleLocked(m.ID) {
			return
		}

		w.completeLocked(nil, m.Result)

	case *protocol.ClientError:
		if w.staleLocked(m.ID) {
			return
		}

		w.completeLocked(errors.Reconstruct(m.ErrorType, m.Message, m.Stack, m.Extra), nil)

	case *protocol.SetupError:
		w.completeLocked(&errors.SetupError{Name: m.ErrorType, Message: m.Message, Stack: m.Stack}, nil)

	case *protocol.Custom:
		p := w.pending
		if p == nil || p.onCustom == nil {
			w.log.Debug("Dropping custom message without listener")

			return
		}

		payload := m.Payload
		w.enqueue(func() { p.onCustom(payload) })

	case *protocol.MemoryUsage:
		w.onMemoryUsageLocked(m.Bytes)

	default:
		w.protocolViolationLocked(&errors.ProtocolError{
			RawData: string(data),
			Err:     fmt.Errorf("%w: %s", errors.ErrUnknownMessageType, msg.MessageType()),
		})
	}
}

// staleLocked reports whether a response belongs to a request other than
// the pending one. Responses without an id are accepted.
func (w *Worker) staleLocked(id string) bool {
	if id == "" || w.pending == nil || w.pending.id == id {
		return false
	}

	w.log.Warn("Dropping stale response", "request_id", id, "pending_request_id", w.pending.id)

	return true
}

// protocolViolationLocked retires the worker after the child broke the
// channel protocol.
func (w *Worker) protocolViolationLocked(err error) {
	w.log.Error("Child violated the message protocol, shutting down worker", "error", err)

	if w.child != nil {
		if serr := w.child.Signal(syscall.SIGKILL); serr != nil {
			w.log.Debug("Failed to kill child", "error", serr)
		}
	}

	w.shutdownLocked(err)
}

// onChannelError handles a channel the child broke without closing it, such
// as a reply larger than one frame. The worker is retired, not respawned.
func (w *Worker) onChannelError(gen uint64, err error) {
	w.mu.Lock()
	defer w.unlock()

	if gen != w.generation || w.finished {
		return
	}

	w.protocolViolationLocked(&errors.ProtocolError{Err: err})
}

// onDisconnect handles closure of the IPC channel.
func (w *Worker) onDisconnect(gen uint64) {
	w.mu.Lock()
	defer w.unlock()

	if gen != w.generation || w.finished {
		return
	}

	w.clearReadyLocked()

	if w.detectOutOfMemoryLocked() {
		if w.child != nil {
			_ = w.child.Signal(syscall.SIGKILL)
		}

		w.shutdownLocked(errors.ErrOutOfMemory)
	}
}

// onExit classifies the exit of the current child.
func (w *Worker) onExit(gen uint64, code int) {
	w.mu.Lock()
	defer w.unlock()

	if gen != w.generation {
		w.log.Debug("Ignoring exit of superseded child", "generation", gen, "exit_code", code)

		return
	}

	if w.finished {
		return
	}

	w.clearReadyLocked()

	oomDetected := w.detectOutOfMemoryLocked()
	w.failMemoryQueryLocked(errors.ErrWorkerExited)

	switch {
	case oomDetected:
		w.shutdownLocked(errors.ErrOutOfMemory)

	case (code != 0 && code != sigtermExitCode && code != sigkillExitCode && w.state != StateShuttingDown) ||
		w.state == StateRestarting:
		w.restartLocked(code)

	default:
		w.shutdownLocked(w.exitErrorLocked(code))
	}
}

// restartLocked respawns the child and resends the pending request.
func (w *Worker) restartLocked(code int) {
	memoryRestart := w.state == StateRestarting && w.reason == restartMemory
	w.reason = restartCrash

	if !memoryRestart && w.pending == nil && w.retries >= *w.opts.MaxRetries {
		w.log.Warn("Idle child keeps crashing, retiring worker", "exit_code", code, "retries", w.retries)
		w.shutdownLocked(w.exitErrorLocked(code))

		return
	}

	reason := metrics.RestartCrash
	if memoryRestart {
		reason = metrics.RestartMemory
	}

	w.log.Warn("Restarting child", "exit_code", code, "reason", reason, "retries", w.retries)
	w.metrics.Restart(w.opts.WorkerID, reason)
	w.setStateLocked(StateRestarting)

	if err := w.initializeLocked(!memoryRestart); err != nil {
		return
	}

	if w.pending != nil && w.child != nil {
		w.log.Debug("Resending pending request", "request_id", w.pending.id)

		if err := w.child.Send(w.pending.data); err != nil {
			w.log.Warn("Failed to resend request", "request_id", w.pending.id, "error", err)
		}
	}
}

func (w *Worker) exitErrorLocked(code int) error {
	return &errors.ProcessError{
		ExitCode: code,
		Stderr:   w.errBuf.String(),
		Err:      errors.ErrWorkerShutDown,
	}
}

// detectOutOfMemoryLocked scans the error buffer and moves a live worker to
// StateOutOfMemory when a signature matches.
func (w *Worker) detectOutOfMemoryLocked() bool {
	if w.state == StateStarting || w.state == StateOk {
		if w.detector.Detect(w.errBuf.snapshot()) {
			w.log.Error("Child ran out of memory")
			w.metrics.OutOfMemory(w.opts.WorkerID)
			w.setStateLocked(StateOutOfMemory)
		}
	}

	return w.state == StateOutOfMemory
}

// shutdownLocked retires the worker. A pending request fails with cause.
func (w *Worker) shutdownLocked(cause error) {
	if w.finished {
		return
	}

	w.finished = true

	if w.pending != nil {
		w.completeLocked(cause, nil)
	}

	if w.state != StateOutOfMemory {
		w.setStateLocked(StateShutDown)
	}

	w.clearReadyLocked()
	w.failMemoryQueryLocked(errors.ErrWorkerExited)
	w.detachSourcesLocked()

	if w.stdout != nil {
		_ = w.stdout.Close()
		_ = w.stderr.Close()
	}

	close(w.exited)
	w.log.Info("Worker shut down", "state", w.state)
}

// KillChild asks the current child to terminate: SIGTERM now, SIGKILL after
// the force kill delay unless that child has exited. The returned function
// cancels the escalation.
func (w *Worker) KillChild() (cancel func()) {
	w.mu.Lock()
	defer w.unlock()

	return w.killChildLocked()
}

func (w *Worker) killChildLocked() func() {
	child := w.child
	if child == nil {
		return func() {}
	}

	log := w.log.With("pid", child.Pid())

	if err := child.Signal(syscall.SIGTERM); err != nil {
		log.Debug("Failed to send SIGTERM", "error", err)
	}

	timer := time.AfterFunc(w.opts.ForceKillDelay, func() {
		select {
		case <-child.Done():
			return
		default:
		}

		log.Warn("Child did not exit after SIGTERM, sending SIGKILL")

		if err := child.Signal(syscall.SIGKILL); err != nil {
			log.Debug("Failed to send SIGKILL", "error", err)
		}
	})

	return func() { timer.Stop() }
}

// ForceExit shuts the worker down, escalating to SIGKILL if the child does
// not exit in time.
func (w *Worker) ForceExit() {
	w.mu.Lock()
	defer w.unlock()

	if w.finished {
		return
	}

	w.setStateLocked(StateShuttingDown)

	if w.child == nil {
		w.shutdownLocked(errors.ErrWorkerShutDown)

		return
	}

	cancel := w.killChildLocked()
	exited := w.exited

	go func() {
		<-exited
		cancel()
	}()
}

// WaitForExit blocks until the worker has shut down.
func (w *Worker) WaitForExit(ctx context.Context) error {
	select {
	case <-w.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitUntilReady blocks until a child is running and initialized.
// Returns ErrWorkerShutDown if the worker retires first.
func (w *Worker) WaitUntilReady(ctx context.Context) error {
	w.mu.Lock()
	ready := w.ready
	w.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-w.exited:
		return errors.ErrWorkerShutDown
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) signalReadyLocked() {
	if !w.readyClosed {
		close(w.ready)
		w.readyClosed = true
	}
}

func (w *Worker) clearReadyLocked() {
	if w.readyClosed {
		w.ready = make(chan struct{})
		w.readyClosed = false
	}
}

func (w *Worker) setStateLocked(s State) {
	if w.state == s {
		return
	}

	w.log.Debug("Worker state transition", "from", w.state, "to", s)
	w.metrics.StateTransition(w.opts.WorkerID, w.state.String(), s.String())
	w.state = s
}

// IsWorkerRunning reports whether the child is connected and was not killed.
func (w *Worker) IsWorkerRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.child != nil && w.child.Connected() && !w.child.Killed()
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.state
}

// WorkerID returns the 0-indexed slot of the worker.
func (w *Worker) WorkerID() int {
	return w.opts.WorkerID
}

// UID identifies this worker instance in logs.
func (w *Worker) UID() string {
	return w.uid
}

// Pid returns the process id of the current child, or 0 without one.
func (w *Worker) Pid() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.child == nil {
		return 0
	}

	return w.child.Pid()
}

// Retries returns the number of spawns for the current request.
func (w *Worker) Retries() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.retries
}

// Stdout returns the merged standard output of every child incarnation.
// Nil when the worker is not silent.
func (w *Worker) Stdout() io.Reader {
	if w.stdout == nil {
		return nil
	}

	return w.stdout
}

// Stderr returns the merged standard error of every child incarnation.
// Nil when the worker is not silent.
func (w *Worker) Stderr() io.Reader {
	if w.stderr == nil {
		return nil
	}

	return w.stderr
}

func outcomeOf(err error) string {
	if err == nil {
		return metrics.OutcomeSuccess
	}

	if stderrors.Is(err, errors.ErrOutOfMemory) {
		return metrics.OutcomeOutOfMemory
	}

	if _, ok := stderrors.AsType[*errors.SetupError](err); ok {
		return metrics.OutcomeSetupError
	}

	if _, ok := stderrors.AsType[*errors.ProtocolError](err); ok {
		return metrics.OutcomeProtocolError
	}

	if _, ok := stderrors.AsType[*errors.ClientError](err); ok {
		return metrics.OutcomeClientError
	}

	return metrics.OutcomeProcessError
}
