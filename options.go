package michi

import (
	"log/slog"
	"net"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all overrides after applying defaults.
type resolvedOptions struct {
	port       int
	store      string
	sqlitePath string
	dbURL      string
	pidFile    *string
	listener   net.Listener
	logger     *slog.Logger
	version    string
	agents     map[string]Invoker
	recovery   string
}

// WithPort overrides the TCP port from config (MICHI_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithSQLitePath selects the sqlite store at path.
func WithSQLitePath(path string) Option {
	return func(o *resolvedOptions) {
		o.store = "sqlite"
		o.sqlitePath = path
	}
}

// WithDatabaseURL selects the postgres store at url.
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) {
		o.store = "postgres"
		o.dbURL = url
	}
}

// WithPIDFile overrides the pid file written by Run. An empty path disables it.
func WithPIDFile(path string) Option {
	return func(o *resolvedOptions) { o.pidFile = &path }
}

// WithListener makes Run serve on ln instead of listening on the configured port.
func WithListener(ln net.Listener) Option {
	return func(o *resolvedOptions) { o.listener = ln }
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

// WithAgent registers an in-process agent. It replaces any agent of the same
// id loaded from the agents file.
func WithAgent(id string, inv Invoker) Option {
	return func(o *resolvedOptions) {
		if o.agents == nil {
			o.agents = map[string]Invoker{}
		}
		o.agents[id] = inv
	}
}

// WithRecoveryPolicy overrides MICHI_RECOVERY ("fail" or "resume").
func WithRecoveryPolicy(policy string) Option {
	return func(o *resolvedOptions) { o.recovery = policy }
}
