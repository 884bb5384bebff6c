// Package metrics records worker lifecycle metrics.
package metrics

import (
	"time"
)

// Restart reasons.
const (
	RestartCrash  = "crash"
	RestartMemory = "memory"
)

// Request outcomes.
const (
	OutcomeSuccess       = "success"
	OutcomeClientError   = "client_error"
	OutcomeSetupError    = "setup_error"
	OutcomeOutOfMemory   = "oom"
	OutcomeProcessError  = "process_error"
	OutcomeProtocolError = "protocol_error"
)

// Collector defines the interface for collecting worker metrics
type Collector interface {
	// StateTransition records a state transition for a worker
	StateTransition(workerID int, fromState, toState string)

	// Spawn records a child process spawn
	Spawn(workerID int)

	// Restart records a respawn and why it happened
	Restart(workerID int, reason string)

	// RequestCompleted records how a request ended and how long it took
	RequestCompleted(workerID int, outcome string, duration time.Duration)

	// IdleMemory records the last reported idle memory usage
	IdleMemory(workerID int, bytes uint64)

	// OutOfMemory records a worker retired by an out-of-memory crash
	OutOfMemory(workerID int)
}

// noopCollector is a no-op implementation of Collector
type noopCollector struct{}

func (noopCollector) StateTransition(int, string, string)         {}
func (noopCollector) Spawn(int)                                   {}
func (noopCollector) Restart(int, string)                         {}
func (noopCollector) RequestCompleted(int, string, time.Duration) {}
func (noopCollector) IdleMemory(int, uint64)                      {}
func (noopCollector) OutOfMemory(int)                             {}

// NewNoopCollector creates a no-op metrics collector
func NewNoopCollector() Collector {
	return noopCollector{}
}
