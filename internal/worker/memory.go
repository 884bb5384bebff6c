package worker

import (
	"context"

	"golang.org/x/sync/singleflight"

	"github.com/wagiedev/procworker-go/internal/errors"
	"github.com/wagiedev/procworker-go/internal/protocol"
)

const memoryUsageKey = "memory_usage"

var memoryUsageRequest = mustEncode(protocol.MemoryUsageRequest{})

func mustEncode(msg protocol.Message) []byte {
	data, err := protocol.Encode(msg)
	if err != nil {
		panic(err)
	}

	return data
}

// CheckMemoryUsage asks the child for its idle memory usage and restarts it
// if the report exceeds the idle memory limit.
// Returns ErrNoMemoryLimit when no limit is configured.
func (w *Worker) CheckMemoryUsage() error {
	w.mu.Lock()
	defer w.unlock()

	return w.checkMemoryUsageLocked()
}

func (w *Worker) checkMemoryUsageLocked() error {
	if !w.opts.IdleMemoryLimit.Enabled() {
		w.log.Warn("Memory usage of workers can only be checked if a limit is set")

		return errors.ErrNoMemoryLimit
	}

	if w.child == nil {
		return errors.ErrNotConnected
	}

	w.checkMemory = true

	if err := w.child.Send(memoryUsageRequest); err != nil {
		w.log.Debug("Failed to request memory usage", "error", err)

		return err
	}

	return nil
}

// onMemoryUsageLocked records a usage report, answers an outstanding query
// and runs an armed limit check.
func (w *Worker) onMemoryUsageLocked(bytes uint64) {
	w.idleMemory = bytes
	w.idleMemoryOK = true
	w.metrics.IdleMemory(w.opts.WorkerID, bytes)

	if q := w.memQuery; q != nil {
		w.memQuery = nil
		q.bytes = bytes
		close(q.done)
	}

	if w.checkMemory {
		w.checkMemory = false
		w.checkMemoryLimitLocked()
	}
}

// checkMemoryLimitLocked restarts the child when its idle usage exceeds the
// limit. Memory restarts do not count as retries.
func (w *Worker) checkMemoryLimitLocked() {
	limit := w.opts.IdleMemoryLimit

	var total uint64

	if limit.IsFraction() {
		var err error

		total, err = w.opts.TotalMemory()
		if err != nil {
			w.log.Warn("Failed to read total system memory", "error", err)

			return
		}
	}

	resolved := limit.Resolve(total)
	if w.idleMemory <= resolved {
		return
	}

	w.log.Info("Idle memory limit exceeded, restarting child",
		"idle_memory", w.idleMemory,
		"limit", limit.String(),
		"limit_bytes", resolved,
	)

	w.setStateLocked(StateRestarting)
	w.reason = restartMemory
	w.killChildLocked()
}

// GetMemoryUsage returns the child's current memory usage. Concurrent
// callers share one request. Fails with ErrNotConnected without sending
// anything when no child is connected, and with ErrWorkerExited if the
// child exits before answering.
func (w *Worker) GetMemoryUsage(ctx context.Context) (uint64, error) {
	select {
	case res := <-w.memoryUsageAsync():
		if res.Err != nil {
			return 0, res.Err
		}

		return res.Val.(uint64), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (w *Worker) memoryUsageAsync() <-chan singleflight.Result {
	return w.sf.DoChan(memoryUsageKey, func() (any, error) {
		w.mu.Lock()

		if w.child == nil || !w.child.Connected() {
			w.unlock()

			return uint64(0), errors.ErrNotConnected
		}

		q := &memoryQuery{done: make(chan struct{})}
		w.memQuery = q

		if err := w.child.Send(memoryUsageRequest); err != nil {
			w.memQuery = nil
			w.unlock()

			return uint64(0), errors.ErrNotConnected
		}

		w.unlock()

		<-q.done

		return q.bytes, q.err
	})
}

func (w *Worker) failMemoryQueryLocked(err error) {
	if q := w.memQuery; q != nil {
		w.memQuery = nil
		q.err = err
		close(q.done)
	}
}

// IdleMemoryUsage returns the last reported memory usage of the child and
// whether any report has arrived.
func (w *Worker) IdleMemoryUsage() (uint64, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.idleMemory, w.idleMemoryOK
}
