package procworker

import (
	"log/slog"
	"time"

	"github.com/wagiedev/procworker-go/internal/config"
	"github.com/wagiedev/procworker-go/internal/memlimit"
	"github.com/wagiedev/procworker-go/internal/metrics"
)

// Options configures a worker. Prefer the With* functional options.
type Options = config.Options

// MemoryLimit is an idle memory ceiling: a fraction of total system memory
// for values in (0,1], a number of bytes above that, disabled at zero.
type MemoryLimit = memlimit.Limit

// Option configures Options using the functional options pattern.
type Option func(*Options)

// applyOptions applies functional options to an Options struct.
func applyOptions(opts []Option) *Options {
	options := &Options{}
	for _, opt := range opts {
		opt(options)
	}

	return options
}

// ===== Basic Configuration =====

// WithLogger sets the logger for debug output.
// If not set, logging is disabled (silent operation).
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithWorkerID sets the 0-indexed slot of the worker in its pool.
// The child sees it 1-indexed in PROCWORKER_WORKER_ID.
func WithWorkerID(id int) Option {
	return func(o *Options) {
		o.WorkerID = id
	}
}

// WithCommand sets the child executable and its arguments.
// A name without a path separator is searched in PATH.
func WithCommand(path string, args ...string) Option {
	return func(o *Options) {
		o.Command = path
		o.Args = args
	}
}

// WithExecArgs sets interpreter arguments placed before the command
// arguments. Debugger flags (--inspect*, --debug*) are dropped.
func WithExecArgs(args ...string) Option {
	return func(o *Options) {
		o.ExecArgs = args
	}
}

// WithDir sets the working directory of the child.
func WithDir(dir string) Option {
	return func(o *Options) {
		o.Dir = dir
	}
}

// WithEnv adds environment variables for the child on top of the
// parent's environment.
func WithEnv(env map[string]string) Option {
	return func(o *Options) {
		o.Env = env
	}
}

// ===== Task Module =====

// WithWorkerPath names the task module the child loads on initialize.
func WithWorkerPath(path string) Option {
	return func(o *Options) {
		o.WorkerPath = path
	}
}

// WithSetupArgs sets the arguments passed to the task module's setup.
// Each value is encoded as JSON.
func WithSetupArgs(args ...any) Option {
	return func(o *Options) {
		o.SetupArgs = args
	}
}

// WithSpecializedLoad is forwarded to the child in the initialize message.
func WithSpecializedLoad(specialized bool) Option {
	return func(o *Options) {
		o.SpecializeLoad = specialized
	}
}

// ===== Recovery =====

// WithMaxRetries bounds the respawns tolerated while one request is pending.
// Default: 3.
func WithMaxRetries(n int) Option {
	return func(o *Options) {
		o.MaxRetries = &n
	}
}

// WithIdleMemoryLimit restarts the child after a request when its memory
// usage exceeds limit. See MemoryLimit and ParseMemoryLimit.
func WithIdleMemoryLimit(limit MemoryLimit) Option {
	return func(o *Options) {
		o.IdleMemoryLimit = limit
	}
}

// WithForceKillDelay sets the wait between SIGTERM and SIGKILL.
// Default: 500ms.
func WithForceKillDelay(d time.Duration) Option {
	return func(o *Options) {
		o.ForceKillDelay = d
	}
}

// WithStderrBufferLimit caps the stderr bytes kept for out-of-memory
// detection. Default: 10MB.
func WithStderrBufferLimit(limit int) Option {
	return func(o *Options) {
		o.StderrBufferLimit = limit
	}
}

// WithOOMSignatures adds stderr substrings that identify an out-of-memory
// crash, on top of the built-in ones.
func WithOOMSignatures(signatures ...string) Option {
	return func(o *Options) {
		o.OOMSignatures = append(o.OOMSignatures, signatures...)
	}
}

// WithTotalMemoryFunc replaces the function used to resolve fractional memory
// limits.
func WithTotalMemoryFunc(fn func() (uint64, error)) Option {
	return func(o *Options) {
		o.TotalMemory = fn
	}
}

// ===== Output =====

// WithSilent controls whether child output is captured in Worker.Stdout and
// Worker.Stderr (true, the default) or written to the parent's own streams.
func WithSilent(silent bool) Option {
	return func(o *Options) {
		o.Silent = &silent
	}
}

// WithForceColor overrides colour detection for the child.
func WithForceColor(force bool) Option {
	return func(o *Options) {
		o.ForceColor = &force
	}
}

// ===== Extension Points =====

// WithSpawner injects a custom Spawner, e.g. a scripted child for tests.
func WithSpawner(spawner Spawner) Option {
	return func(o *Options) {
		o.Spawner = spawner
	}
}

// WithMetrics sets the collector that receives lifecycle metrics.
// See NewPrometheusMetrics.
func WithMetrics(collector metrics.Collector) Option {
	return func(o *Options) {
		o.Metrics = collector
	}
}
