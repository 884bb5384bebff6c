package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wagiedev/procworker-go/internal/config"
	"github.com/wagiedev/procworker-go/internal/protocol"
)

// fakeProcess is a scripted child. Events are only delivered when the test
// calls reply, disconnect or exit, never from inside worker calls.
type fakeProcess struct {
	pid    int
	cfg    *config.SpawnConfig
	events config.Events

	mu        sync.Mutex
	sent      [][]byte
	signals   []os.Signal
	connected bool
	killed    bool
	done      chan struct{}
	closeOnce sync.Once
}

var _ config.Process = (*fakeProcess)(nil)

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Send(data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.connected {
		return fmt.Errorf("fake channel closed")
	}

	p.sent = append(p.sent, append([]byte(nil), data...))

	return nil
}

func (p *fakeProcess) Signal(sig os.Signal) error {
	select {
	case <-p.done:
		return os.ErrProcessDone
	default:
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.signals = append(p.signals, sig)
	p.killed = true

	return nil
}

func (p *fakeProcess) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.connected
}

func (p *fakeProcess) Killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.killed
}

func (p *fakeProcess) Done() <-chan struct{} { return p.done }

// reply delivers a raw message from the child.
func (p *fakeProcess) reply(t *testing.T, msg protocol.Message) {
	t.Helper()

	data, err := protocol.Encode(msg)
	require.NoError(t, err)

	p.events.OnMessage(data)
}

func (p *fakeProcess) replyRaw(data string) {
	p.events.OnMessage([]byte(data))
}

// writeStderr writes to the child's stderr as the real process would.
func (p *fakeProcess) writeStderr(t *testing.T, s string) {
	t.Helper()

	_, err := p.cfg.Stderr.Write([]byte(s))
	require.NoError(t, err)
}

func (p *fakeProcess) writeStdout(t *testing.T, s string) {
	t.Helper()

	_, err := p.cfg.Stdout.Write([]byte(s))
	require.NoError(t, err)
}

// channelError breaks the channel the way an unreadable frame does.
func (p *fakeProcess) channelError(err error) {
	p.events.OnChannelError(err)
	p.disconnect()
}

// disconnect closes the channel without exiting.
func (p *fakeProcess) disconnect() {
	p.mu.Lock()
	wasConnected := p.connected
	p.connected = false
	p.mu.Unlock()

	if wasConnected {
		p.events.OnDisconnect()
	}
}

// exit terminates the child with code.
func (p *fakeProcess) exit(code int) {
	p.disconnect()
	p.closeOnce.Do(func() { close(p.done) })
	p.events.OnExit(code)
}

func (p *fakeProcess) sentMessages(t *testing.T) []protocol.Message {
	t.Helper()

	p.mu.Lock()
	defer p.mu.Unlock()

	msgs := make([]protocol.Message, 0, len(p.sent))

	for _, data := range p.sent {
		msg, err := protocol.DecodeOutbound(data)
		require.NoError(t, err)

		msgs = append(msgs, msg)
	}

	return msgs
}

func (p *fakeProcess) sentTypes(t *testing.T) []string {
	t.Helper()

	var types []string

	for _, msg := range p.sentMessages(t) {
		types = append(types, msg.MessageType())
	}

	return types
}

func (p *fakeProcess) rawSent() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([][]byte(nil), p.sent...)
}

func (p *fakeProcess) receivedSignals() []os.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]os.Signal(nil), p.signals...)
}

// lastCall returns the most recent call sent to the child.
func (p *fakeProcess) lastCall(t *testing.T) *protocol.Call {
	t.Helper()

	msgs := p.sentMessages(t)
	for i := len(msgs) - 1; i >= 0; i-- {
		if call, ok := msgs[i].(*protocol.Call); ok {
			return call
		}
	}

	t.Fatal("no call sent")

	return nil
}

// fakeSpawner records every spawn.
type fakeSpawner struct {
	mu    sync.Mutex
	procs []*fakeProcess
	err   error
}

var _ config.Spawner = (*fakeSpawner)(nil)

func (s *fakeSpawner) Spawn(_ context.Context, cfg *config.SpawnConfig, events config.Events) (config.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return nil, s.err
	}

	p := &fakeProcess{
		pid:       1000 + len(s.procs),
		cfg:       cfg,
		events:    events,
		connected: true,
		done:      make(chan struct{}),
	}
	s.procs = append(s.procs, p)

	return p, nil
}

func (s *fakeSpawner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.procs)
}

func (s *fakeSpawner) last() *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.procs[len(s.procs)-1]
}

func (s *fakeSpawner) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.err = err
}

// result captures the completion of one request.
type result struct {
	mu     sync.Mutex
	calls  int
	err    error
	value  json.RawMessage
	custom []json.RawMessage
}

func (r *result) onEnd(err error, value json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls++
	r.err = err
	r.value = value
}

func (r *result) onCustom(payload json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.custom = append(r.custom, payload)
}

func (r *result) get() (int, json.RawMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.calls, r.value, r.err
}

func (r *result) customPayloads() []json.RawMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]json.RawMessage(nil), r.custom...)
}

func newTestWorker(t *testing.T, configure ...func(*config.Options)) (*Worker, *fakeSpawner) {
	t.Helper()

	spawner := &fakeSpawner{}
	forceColor := false
	opts := &config.Options{
		Command:    "procworker-test-child",
		WorkerID:   0,
		WorkerPath: "tasks",
		Spawner:    spawner,
		ForceColor: &forceColor,
	}

	for _, fn := range configure {
		fn(opts)
	}

	w, err := New(opts)
	require.NoError(t, err)

	return w, spawner
}

func startTestWorker(t *testing.T, configure ...func(*config.Options)) (*Worker, *fakeSpawner) {
	t.Helper()

	w, spawner := newTestWorker(t, configure...)
	require.NoError(t, w.Initialize())
	require.Equal(t, StateOk, w.State())

	return w, spawner
}

func sendRequest(t *testing.T, w *Worker, args any) *result {
	t.Helper()

	r := &result{}
	require.NoError(t, w.Send(Request{Method: "run", Args: args}, nil, r.onEnd, r.onCustom))

	return r
}
