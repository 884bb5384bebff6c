package procworker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/wagiedev/procworker-go/internal/memlimit"
	"github.com/wagiedev/procworker-go/internal/metrics"
	"github.com/wagiedev/procworker-go/internal/worker"
)

// Worker supervises one child process at a time.
type Worker = worker.Worker

// Request is one job for the child.
type Request = worker.Request

// OnStart is called synchronously when a request is accepted.
type OnStart = worker.OnStart

// OnEnd receives the outcome of a request.
type OnEnd = worker.OnEnd

// OnCustomMessage receives out-of-band payloads sent while a request runs.
type OnCustomMessage = worker.OnCustomMessage

// State is the lifecycle state of a worker.
type State = worker.State

// Worker states.
const (
	StateStarting     = worker.StateStarting
	StateOk           = worker.StateOk
	StateOutOfMemory  = worker.StateOutOfMemory
	StateRestarting   = worker.StateRestarting
	StateShuttingDown = worker.StateShuttingDown
	StateShutDown     = worker.StateShutDown
)

// MetricsCollector receives worker lifecycle metrics.
type MetricsCollector = metrics.Collector

// PrometheusMetrics is a MetricsCollector backed by its own Prometheus registry.
type PrometheusMetrics = metrics.PrometheusCollector

// NewPrometheusMetrics creates a collector whose metrics are prefixed with
// namespace. Expose them through Registry().
func NewPrometheusMetrics(namespace string) *PrometheusMetrics {
	return metrics.NewPrometheusCollector(namespace)
}

// ParseMemoryLimit reads a limit such as "0.5", "50%", "1048576" or "512MB".
func ParseMemoryLimit(s string) (MemoryLimit, error) {
	return memlimit.Parse(s)
}

// New creates a worker and spawns its first child.
func New(opts ...Option) (*Worker, error) {
	w, err := worker.New(applyOptions(opts))
	if err != nil {
		return nil, err
	}

	if err := w.Initialize(); err != nil {
		return nil, err
	}

	return w, nil
}

// Call sends req and waits for its outcome. Custom messages from the child
// are dropped; use Worker.Send to receive them.
//
// Cancelling ctx stops the wait, not the request: the child keeps running
// it and the worker stays busy until it completes.
func Call(ctx context.Context, w *Worker, req Request) (json.RawMessage, error) {
	type outcome struct {
		result json.RawMessage
		err    error
	}

	done := make(chan outcome, 1)

	onEnd := func(err error, result json.RawMessage) {
		done <- outcome{result: result, err: err}
	}

	if err := w.Send(req, nil, onEnd, nil); err != nil {
		return nil, err
	}

	select {
	case o := <-done:
		return o.result, o.err
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for %s: %w", req.Method, ctx.Err())
	}
}
