package worker

// State is the lifecycle state of a worker.
type State int

const (
	// StateStarting - a child is being spawned
	StateStarting State = iota
	// StateOk - the child is running and accepting requests
	StateOk
	// StateOutOfMemory - the child crashed out of memory; terminal
	StateOutOfMemory
	// StateRestarting - the child is being replaced
	StateRestarting
	// StateShuttingDown - termination was requested
	StateShuttingDown
	// StateShutDown - the worker is retired; terminal
	StateShutDown
)

// String returns the string representation of a State.
func (s State) String() string {
	switch s {
	case StateStarting:
		return "Starting"
	case StateOk:
		return "Ok"
	case StateOutOfMemory:
		return "OutOfMemory"
	case StateRestarting:
		return "Restarting"
	case StateShuttingDown:
		return "ShuttingDown"
	case StateShutDown:
		return "ShutDown"
	default:
		return "Unknown"
	}
}

// spawnable reports whether Initialize may start a child in this state.
func (s State) spawnable() bool {
	return s != StateOutOfMemory && s != StateShuttingDown && s != StateShutDown
}
