package procworker

import (
	"context"
	"fmt"
)

// WithWorker manages worker lifecycle with automatic cleanup.
//
// This helper creates a worker with the provided options, waits for its
// first child to be ready, executes the callback function, and retires the
// worker via ForceExit when done, waiting until the child has exited or ctx
// is done.
//
// Example usage:
//
//	err := procworker.WithWorker(ctx, func(w *procworker.Worker) error {
//	    result, err := procworker.Call(ctx, w, procworker.Request{Method: "ping"})
//	    if err != nil {
//	        return err
//	    }
//	    // use result...
//	    return nil
//	},
//	    procworker.WithCommand("./tasks"),
//	    procworker.WithLogger(log),
//	)
func WithWorker(ctx context.Context, fn func(*Worker) error, opts ...Option) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	options := applyOptions(opts)

	log := options.Logger
	if log == nil {
		log = NopLogger()
	}

	w, err := New(opts...)
	if err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}

	defer func() {
		w.ForceExit()

		if waitErr := w.WaitForExit(context.WithoutCancel(ctx)); waitErr != nil {
			log.Warn("failed to wait for worker exit", "error", waitErr)
		}
	}()

	if err := w.WaitUntilReady(ctx); err != nil {
		return fmt.Errorf("worker not ready: %w", err)
	}

	return fn(w)
}
