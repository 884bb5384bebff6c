// Package protocol implements the message channel spoken between a worker
// and its child process.
//
// Messages are JSON objects, one per line, discriminated by a "type" field.
// The parent sends initialize, call and memory_usage_request; the child
// answers with success, client_error, setup_error, custom and memory_usage.
// At most one call is outstanding at a time, so replies need no sequencing
// beyond the optional request id echoed back by the child.
//
// Example usage:
//
//	w := protocol.NewWriter(conn)
//	_ = w.Write(protocol.Call{ID: protocol.NewRequestID(), Method: "resize"})
//
//	r := protocol.NewReader(conn)
//	line, _ := r.Next()
//	msg, err := protocol.DecodeInbound(line)
package protocol
