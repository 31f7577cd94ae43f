package sabaki

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port         int
	logger       *slog.Logger
	version      string
	verdictHooks []VerdictHook
}

// WithPort overrides the TCP port from config (SABAKI_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithVerdictHook registers a hook to receive every committed verdict.
// Multiple hooks may be registered; all registered hooks receive every verdict.
func WithVerdictHook(hook VerdictHook) Option {
	return func(o *resolvedOptions) { o.verdictHooks = append(o.verdictHooks, hook) }
}
