package procworker

import "log/slog"

// NopLogger returns a logger that discards all output. Workers use it when
// no logger is configured; pass it to WithLogger to make that explicit.
func NopLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
