// Package config provides configuration types for the process worker.
package config

import (
	"log/slog"
	"time"

	"github.com/wagiedev/procworker-go/internal/memlimit"
	"github.com/wagiedev/procworker-go/internal/metrics"
)

const (
	// DefaultMaxRetries is the number of consecutive respawns tolerated for one request.
	DefaultMaxRetries = 3

	// DefaultForceKillDelay is the wait between SIGTERM and SIGKILL.
	DefaultForceKillDelay = 500 * time.Millisecond

	// DefaultStderrBufferLimit caps the error buffer scanned for OOM signatures.
	DefaultStderrBufferLimit = 10 * 1024 * 1024 // 10MB
)

// Options configures the behavior of a worker.
type Options struct {
	// Logger is the slog logger for debug output.
	// If nil, logging is disabled (silent operation).
	Logger *slog.Logger

	// WorkerID is the 0-indexed slot of this worker in its pool.
	// The child sees it 1-indexed in PROCWORKER_WORKER_ID.
	WorkerID int

	// Command is the child executable. Looked up in PATH when it has no
	// path separator.
	Command string

	// Args are passed to the child after ExecArgs.
	Args []string

	// ExecArgs are interpreter arguments placed before Args.
	// Debugger flags (--inspect*, --debug*) are stripped.
	ExecArgs []string

	// Dir is the working directory of the child.
	Dir string

	// Env provides additional environment variables for the child.
	Env map[string]string

	// WorkerPath names the task module the child should load.
	WorkerPath string

	// SetupArgs are passed to the task module's setup.
	SetupArgs []any

	// SpecializeLoad is forwarded in the initialize message.
	SpecializeLoad bool

	// MaxRetries bounds consecutive respawns for one request.
	// If nil, DefaultMaxRetries is used.
	MaxRetries *int

	// IdleMemoryLimit restarts the child when its idle memory exceeds it.
	// Zero disables the check.
	IdleMemoryLimit memlimit.Limit

	// Silent captures child output in the worker's streams. When false the
	// child inherits the parent's stdout and stderr.
	// If nil, defaults to true.
	Silent *bool

	// ForceColor overrides colour detection for the child.
	// If nil, colour is forced when the parent's stdout is a terminal.
	ForceColor *bool

	// ForceKillDelay is the wait between SIGTERM and SIGKILL.
	ForceKillDelay time.Duration

	// StderrBufferLimit caps the bytes kept for OOM detection.
	StderrBufferLimit int

	// OOMSignatures adds out-of-memory signatures to the defaults.
	OOMSignatures []string

	// TotalMemory reports total system memory for fractional limits.
	// If nil, memlimit.SystemTotal is used.
	TotalMemory memlimit.TotalMemoryFunc

	// Spawner starts child processes.
	// If nil, the exec-based spawner is used.
	Spawner Spawner `json:"-"`

	// Metrics receives lifecycle metrics.
	// If nil, metrics are discarded.
	Metrics metrics.Collector `json:"-"`
}

// Defaults fills every unset field that has a default. Spawner is left to
// the caller to avoid an import cycle.
func (o *Options) Defaults() {
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}

	if o.MaxRetries == nil {
		n := DefaultMaxRetries
		o.MaxRetries = &n
	}

	if o.Silent == nil {
		silent := true
		o.Silent = &silent
	}

	if o.ForceKillDelay <= 0 {
		o.ForceKillDelay = DefaultForceKillDelay
	}

	if o.StderrBufferLimit <= 0 {
		o.StderrBufferLimit = DefaultStderrBufferLimit
	}

	if o.TotalMemory == nil {
		o.TotalMemory = memlimit.SystemTotal
	}

	if o.Metrics == nil {
		o.Metrics = metrics.NewNoopCollector()
	}
}
