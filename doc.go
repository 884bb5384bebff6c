// Package procworker supervises a task module running in a child process.
//
// A Worker owns one child at a time and talks to it over a dedicated IPC
// channel on inherited file descriptors 3 and 4, leaving the child's stdout
// and stderr free for its own output. The worker sends one request at a
// time, resends it when the child crashes, detects out-of-memory crashes,
// restarts a child whose idle memory grows past a limit, and terminates the
// child gracefully before forcing it.
//
// # Basic Usage
//
//	w, err := procworker.New(
//	    procworker.WithCommand("./resizer"),
//	    procworker.WithWorkerPath("tasks/resize"),
//	    procworker.WithIdleMemoryLimit(0.25),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer w.ForceExit()
//
//	result, err := procworker.Call(ctx, w, procworker.Request{
//	    Method: "resize",
//	    Args:   map[string]int{"width": 640},
//	})
//
// For callbacks on start, completion and custom messages use Worker.Send
// directly.
//
// # Lifecycle Management
//
// WithWorker starts a worker, runs a callback and retires the worker:
//
//	err := procworker.WithWorker(ctx, func(w *procworker.Worker) error {
//	    _, err := procworker.Call(ctx, w, procworker.Request{Method: "ping"})
//	    return err
//	},
//	    procworker.WithCommand("./resizer"),
//	    procworker.WithLogger(slog.Default()),
//	)
//
// # Child Programs
//
// Child programs written in Go use the child package to serve the protocol:
//
//	func main() {
//	    err := child.Serve(context.Background(), func(path string) (*child.Module, error) {
//	        return &child.Module{Methods: map[string]child.Method{"resize": resize}}, nil
//	    })
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	}
//
// # Error Handling
//
// Task errors arrive as *ClientError. Well-known kinds unwrap to their Go
// values, so errors.Is works across the process boundary:
//
//	_, err := procworker.Call(ctx, w, req)
//	if errors.Is(err, context.DeadlineExceeded) {
//	    // the task timed out inside the child
//	}
//	if errors.Is(err, procworker.ErrOutOfMemory) {
//	    // the worker is retired; create a new one
//	}
//	if procErr, ok := errors.AsType[*procworker.ProcessError](err); ok {
//	    log.Printf("child exited with %d: %s", procErr.ExitCode, procErr.Stderr)
//	}
//
// Register additional kinds with RegisterErrorKind.
package procworker
