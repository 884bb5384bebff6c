package procworker

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wagiedev/procworker-go/internal/protocol"
)

// echoSpawner starts in-memory children that answer every call with its
// arguments.
type echoSpawner struct {
	mu    sync.Mutex
	procs []*echoProcess
	err   error
}

func (s *echoSpawner) Spawn(_ context.Context, _ *SpawnConfig, events ProcessEvents) (Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return nil, s.err
	}

	p := &echoProcess{
		pid:       4000 + len(s.procs),
		events:    events,
		connected: true,
		done:      make(chan struct{}),
	}
	s.procs = append(s.procs, p)

	return p, nil
}

func (s *echoSpawner) spawned() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.procs)
}

type echoProcess struct {
	pid    int
	events ProcessEvents

	mu        sync.Mutex
	connected bool
	killed    bool
	done      chan struct{}
}

func (p *echoProcess) Pid() int { return p.pid }

func (p *echoProcess) Send(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.connected {
		return ErrNotConnected
	}

	msg, err := protocol.DecodeOutbound(data)
	if err != nil {
		return err
	}

	call, ok := msg.(*protocol.Call)
	if !ok {
		return nil
	}

	var reply protocol.Message = &protocol.Success{ID: call.ID, Result: call.Args}

	// "fail" reports an error whose kind is the string argument
	if call.Method == "fail" {
		var kind string
		if err := json.Unmarshal(call.Args, &kind); err != nil {
			return err
		}

		reply = &protocol.ClientError{ID: call.ID, ErrorType: kind, Message: "too slow"}
	}

	line, err := protocol.Encode(reply)
	if err != nil {
		return err
	}

	go p.events.OnMessage(line)

	return nil
}

func (p *echoProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.connected {
		return os.ErrProcessDone
	}

	p.connected = false
	p.killed = true

	code := 128 + int(sig.(syscall.Signal))

	go func() {
		p.events.OnDisconnect()
		close(p.done)
		p.events.OnExit(code)
	}()

	return nil
}

func (p *echoProcess) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.connected
}

func (p *echoProcess) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.killed
}

func (p *echoProcess) Done() <-chan struct{} { return p.done }

func newEchoWorker(t *testing.T, opts ...Option) (*Worker, *echoSpawner) {
	t.Helper()

	spawner := &echoSpawner{}

	w, err := New(append([]Option{
		WithCommand("echo-child"),
		WithWorkerPath("tasks"),
		WithSpawner(spawner),
		WithForceColor(false),
	}, opts...)...)
	require.NoError(t, err)

	t.Cleanup(func() {
		w.ForceExit()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		require.NoError(t, w.WaitForExit(ctx))
	})

	return w, spawner
}

func TestNew_SpawnsFirstChild(t *testing.T) {
	w, spawner := newEchoWorker(t)

	require.Equal(t, 1, spawner.spawned())
	require.Equal(t, StateOk, w.State())
	require.Equal(t, 4000, w.Pid())
}

func TestNew_SpawnFailure(t *testing.T) {
	spawner := &echoSpawner{err: &SpawnError{Path: "missing", Err: os.ErrNotExist}}

	_, err := New(WithCommand("missing"), WithSpawner(spawner))

	spawnErr, ok := errors.AsType[*SpawnError](err)
	require.True(t, ok)
	require.Equal(t, "missing", spawnErr.Path)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestNew_RequiresCommand(t *testing.T) {
	_, err := New(WithWorkerPath("tasks"))
	require.Error(t, err)
}

func TestCall(t *testing.T) {
	w, _ := newEchoWorker(t)

	result, err := Call(context.Background(), w, Request{Method: "echo", Args: map[string]int{"n": 2}})
	require.NoError(t, err)
	require.JSONEq(t, `{"n":2}`, string(result))
}

func TestCall_ClientErrorUnwrapsKind(t *testing.T) {
	w, _ := newEchoWorker(t)

	_, err := Call(context.Background(), w, Request{Method: "fail", Args: "DeadlineExceeded"})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	clientErr, ok := errors.AsType[*ClientError](err)
	require.True(t, ok)
	require.Equal(t, "too slow", clientErr.Message)
}

func TestCall_AfterShutdown(t *testing.T) {
	w, _ := newEchoWorker(t)

	w.ForceExit()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, w.WaitForExit(ctx))

	_, err := Call(context.Background(), w, Request{Method: "echo"})
	require.ErrorIs(t, err, ErrWorkerShutDown)
	require.Equal(t, StateShutDown, w.State())
}

func TestWithWorker(t *testing.T) {
	spawner := &echoSpawner{}

	var seen *Worker

	err := WithWorker(context.Background(), func(w *Worker) error {
		seen = w

		result, err := Call(context.Background(), w, Request{Method: "echo", Args: "hi"})
		if err != nil {
			return err
		}

		require.JSONEq(t, `"hi"`, string(result))

		return nil
	}, WithCommand("echo-child"), WithSpawner(spawner), WithForceColor(false))
	require.NoError(t, err)

	require.NotNil(t, seen)
	require.False(t, seen.IsWorkerRunning())
	require.Equal(t, StateShutDown, seen.State())
}

func TestWithWorker_CallbackError(t *testing.T) {
	wantErr := errors.New("callback failed")

	err := WithWorker(context.Background(), func(*Worker) error {
		return wantErr
	}, WithCommand("echo-child"), WithSpawner(&echoSpawner{}), WithForceColor(false))
	require.ErrorIs(t, err, wantErr)
}

func TestWithWorker_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := WithWorker(ctx, func(*Worker) error {
		t.Error("callback should not be called with cancelled context")

		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestParseMemoryLimit(t *testing.T) {
	limit, err := ParseMemoryLimit("50%")
	require.NoError(t, err)
	require.InDelta(t, 0.5, float64(limit), 1e-9)

	_, err = ParseMemoryLimit("lots")
	require.Error(t, err)
}

func TestRegisterErrorKind(t *testing.T) {
	errQuota := errors.New("quota exceeded")

	w, _ := newEchoWorker(t)

	_, err := Call(context.Background(), w, Request{Method: "fail", Args: "QuotaExceededTest"})
	require.NotErrorIs(t, err, errQuota)

	RegisterErrorKind("QuotaExceededTest", func(string) error { return errQuota })

	_, err = Call(context.Background(), w, Request{Method: "fail", Args: "QuotaExceededTest"})
	require.ErrorIs(t, err, errQuota)

	clientErr, ok := errors.AsType[*ClientError](err)
	require.True(t, ok)
	require.True(t, clientErr.Known)
	require.Equal(t, "QuotaExceededTest: too slow", clientErr.Error())
}
