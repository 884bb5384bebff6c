// Package errors defines error types for the process worker.
//
// This package provides structured error types for every failure a worker
// can report: errors thrown by task code in the child, setup failures,
// protocol violations, process crashes and spawn failures. All error types
// support error unwrapping and can be checked using errors.Is, errors.As,
// and errors.AsType.
package errors
