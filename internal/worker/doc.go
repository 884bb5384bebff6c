// Package worker supervises one out-of-process child at a time.
//
// A Worker spawns its child, hands it one request at a time and reports the
// outcome through the request's completion callback. When the child crashes
// with a request in flight the Worker respawns it and resends the request,
// up to MaxRetries attempts. Children that die of memory exhaustion retire
// the Worker for good; children whose idle memory grows past the configured
// limit are replaced between requests.
//
// Example usage:
//
//	w, err := worker.New(&config.Options{Command: "./task-child"})
//	if err != nil {
//		return err
//	}
//
//	if err := w.Initialize(); err != nil {
//		return err
//	}
//
//	_ = w.Send(worker.Request{Method: "resize", Args: args}, nil,
//		func(err error, result json.RawMessage) { ... }, nil)
package worker
