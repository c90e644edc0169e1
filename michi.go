// Package michi is the public API for embedding the Michi flow orchestration
// daemon.
//
//	app, err := michi.New(
//	    michi.WithVersion(version),
//	    michi.WithLogger(logger),
//	    michi.WithAgent("summarize", mySummarizer),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The root package imports internal/*, never the reverse. Public types
// (Invocation, RunSummary) carry no internal imports; the adapters between
// the two sides live in this file.
package michi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/michi/internal/agent"
	"github.com/ashita-ai/michi/internal/archive"
	"github.com/ashita-ai/michi/internal/auth"
	"github.com/ashita-ai/michi/internal/config"
	"github.com/ashita-ai/michi/internal/daemon"
	"github.com/ashita-ai/michi/internal/engine"
	"github.com/ashita-ai/michi/internal/flow"
	"github.com/ashita-ai/michi/internal/journal"
	"github.com/ashita-ai/michi/internal/lease"
	"github.com/ashita-ai/michi/internal/mcp"
	"github.com/ashita-ai/michi/internal/model"
	"github.com/ashita-ai/michi/internal/ratelimit"
	"github.com/ashita-ai/michi/internal/server"
	"github.com/ashita-ai/michi/internal/service/runs"
	"github.com/ashita-ai/michi/internal/storage"
	"github.com/ashita-ai/michi/internal/telemetry"
)

// App is the Michi daemon lifecycle. Construct with New(), run with Run().
type App struct {
	cfg          config.Config
	opts         resolvedOptions
	store        storage.Store
	redis        *lease.RedisStore // nil unless the redis lease backend is configured
	leases       *lease.Manager
	sweeper      *lease.Sweeper
	agents       *agent.Registry
	orch         *engine.Orchestrator
	bucket       *archive.Bucket // nil when archiving is disabled
	runs         *runs.Service
	srv          *server.Server
	limiter      ratelimit.Limiter
	policy       engine.RecoveryPolicy
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New loads configuration and wires every subsystem. It opens the store and
// applies migrations but starts no goroutines and accepts no connections;
// call Run for that.
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	applyOverrides(&cfg, o)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	policy, err := engine.ParseRecoveryPolicy(cfg.RecoveryPolicy)
	if err != nil {
		return nil, err
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	ctx := context.Background()
	a := &App{cfg: cfg, opts: o, policy: policy, logger: logger, version: version}
	if err := a.wire(ctx); err != nil {
		a.close(ctx)
		return nil, err
	}
	return a, nil
}

func applyOverrides(cfg *config.Config, o resolvedOptions) {
	if o.port != 0 {
		cfg.Port = o.port
	}
	switch o.store {
	case storage.BackendSQLite:
		cfg.Store = storage.BackendSQLite
		cfg.SQLitePath = o.sqlitePath
	case storage.BackendPostgres:
		cfg.Store = storage.BackendPostgres
		cfg.DatabaseURL = o.dbURL
	}
	if o.pidFile != nil {
		cfg.PIDFile = *o.pidFile
	}
	if o.recovery != "" {
		cfg.RecoveryPolicy = o.recovery
	}
}

func (a *App) wire(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger
	logger.Info("michi starting", "version", a.version, "port", cfg.Port, "store", cfg.Store)

	otelShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Endpoint:       cfg.OTELEndpoint,
		Insecure:       cfg.OTELInsecure,
		ServiceName:    cfg.ServiceName,
		ServiceVersion: a.version,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	a.otelShutdown = otelShutdown

	a.store, err = storage.Open(ctx, storage.Config{
		Backend:     cfg.Store,
		DatabaseURL: cfg.DatabaseURL,
		SQLitePath:  cfg.SQLitePath,
	}, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}

	var backend lease.Backend = a.store
	if cfg.LeaseBackend == "redis" {
		a.redis, err = lease.OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("lease: %w", err)
		}
		backend = a.redis
		logger.Info("leases: redis")
	} else {
		logger.Info("leases: store", "backend", a.store.Backend())
	}
	a.leases = lease.New(backend, logger)
	a.sweeper = lease.NewSweeper(a.leases, cfg.SweepSchedule, logger)

	j := journal.New(a.store, logger)

	a.agents = agent.NewRegistry()
	if cfg.AgentsFile != "" {
		f, err := agent.LoadFile(cfg.AgentsFile)
		if err != nil {
			return err
		}
		a.agents.RegisterFile(f, logger)
	}
	for id, inv := range a.opts.agents {
		a.agents.Register(id, &invokerAdapter{inv: inv})
	}
	logger.Info("agents registered", "agents", a.agents.Names())

	exec := engine.NewExecutor(a.agents, j, a.leases, logger, engine.ExecutorConfig{
		LeaseTTL:       cfg.LeaseTTL,
		LeaseMaxWaits:  cfg.LeaseMaxWaits,
		LeaseWaitDelay: cfg.LeaseWaitDelay,
	})

	var orchOpts []engine.Option
	var arch runs.Archive
	if cfg.ArchiveURL != "" {
		a.bucket, err = archive.Open(ctx, cfg.ArchiveURL, cfg.ArchivePrefix, logger)
		if err != nil {
			return err
		}
		orchOpts = append(orchOpts, engine.WithArchiver(a.bucket))
		arch = a.bucket
		logger.Info("archive: enabled", "url", cfg.ArchiveURL, "prefix", cfg.ArchivePrefix)
	} else {
		logger.Info("archive: disabled (no MICHI_ARCHIVE_URL)")
	}
	a.orch = engine.NewOrchestrator(exec, j, logger, orchOpts...)
	a.runs = runs.New(a.orch, j, a.leases, a.agents, arch, logger)

	var jwtMgr *auth.JWTManager
	if cfg.APISecret != "" {
		jwtMgr, err = auth.NewJWTManager(cfg.APISecret, cfg.TokenTTL)
		if err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	} else {
		logger.Warn("auth: disabled (no MICHI_API_SECRET); every request acts as operator")
	}

	if cfg.RateLimitRPS > 0 {
		a.limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory", "rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		a.limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	mcpSrv := mcp.New(a.runs, logger, a.version)
	a.srv = server.New(server.ServerConfig{
		Runs:                a.runs,
		Store:               a.store,
		Logger:              logger,
		JWTMgr:              jwtMgr,
		Limiter:             a.limiter,
		MCPServer:           mcpSrv.MCPServer(),
		Addr:                cfg.Addr(),
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             a.version,
		MaxRequestBodyBytes: cfg.MaxRequestBytes,
	})
	return nil
}

// Run claims the pid file, recovers runs interrupted by the previous process,
// starts the lease sweeper and the HTTP server, then blocks until ctx is
// cancelled or the server fails. Shutdown is called on return.
func (a *App) Run(ctx context.Context) error {
	if a.cfg.PIDFile != "" {
		release, err := daemon.AcquirePIDFile(a.cfg.PIDFile)
		if err != nil {
			_ = a.Shutdown(context.Background())
			return err
		}
		defer release()
	}

	recovered, err := a.orch.Recover(ctx, a.policy, flow.WithKnownAgents(a.agents.Has))
	if err != nil {
		_ = a.Shutdown(context.Background())
		return fmt.Errorf("recovery: %w", err)
	}
	for _, r := range recovered {
		a.logger.Info("recovered run", "trace_id", r.TraceID, "policy", r.Policy, "resumed", r.Resumed, "note", r.Note)
	}

	if err := a.sweeper.Start(ctx); err != nil {
		_ = a.Shutdown(context.Background())
		return fmt.Errorf("lease sweeper: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if a.opts.listener != nil {
			errCh <- a.srv.Serve(a.opts.listener)
			return
		}
		errCh <- a.srv.Start()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			_ = a.Shutdown(context.Background())
			return fmt.Errorf("http server: %w", err)
		}
	}
	return a.Shutdown(context.Background())
}

// Shutdown stops accepting requests, lets in-flight runs finish within the
// shutdown timeout, cancels the rest, and closes every backend.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("michi shutting down")

	timeout := a.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var errs []error
	if err := a.srv.Shutdown(sctx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
		errs = append(errs, err)
	}
	if n := a.orch.ActiveCount(); n > 0 {
		a.logger.Info("waiting for active runs", "count", n, "timeout", timeout)
	}
	a.orch.Shutdown(sctx)
	a.sweeper.Stop()

	a.close(ctx)
	a.logger.Info("michi stopped")
	return errors.Join(errs...)
}

// close releases backends in reverse order of wire. Safe on a partially
// wired App.
func (a *App) close(ctx context.Context) {
	if a.limiter != nil {
		_ = a.limiter.Close()
	}
	if a.bucket != nil {
		if err := a.bucket.Close(); err != nil {
			a.logger.Warn("archive close", "error", err)
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.store != nil {
		a.store.Close(ctx)
	}
	if a.otelShutdown != nil {
		_ = a.otelShutdown(context.Background())
	}
}

// Close releases the App's backends without running it. Use after RunFlow.
func (a *App) Close(ctx context.Context) {
	a.orch.Shutdown(ctx)
	a.close(ctx)
}

// RunFlow validates a flow document (YAML or JSON) and executes it in this
// process, returning once every step is terminal. It skips recovery and the
// HTTP server.
func (a *App) RunFlow(ctx context.Context, doc []byte, input json.RawMessage) (RunSummary, error) {
	res, err := a.runs.Run(ctx, doc, input)
	if err != nil && res.TraceID == "" {
		return RunSummary{}, err
	}
	return toPublicRun(res), err
}

// ValidateFlow reports every problem in a flow document against the
// registered agents. An empty slice means the flow is valid.
func (a *App) ValidateFlow(doc []byte) []string {
	return a.runs.Validate(doc).Errors
}

// Agents returns the registered agent ids.
func (a *App) Agents() []string { return a.agents.Names() }

// invokerAdapter exposes a public Invoker as an internal agent.Invoker.
type invokerAdapter struct{ inv Invoker }

func (ad *invokerAdapter) Invoke(ctx context.Context, inv agent.Invocation) (json.RawMessage, error) {
	return ad.inv.Invoke(ctx, Invocation{
		Agent:   inv.Agent,
		TraceID: inv.TraceID,
		StepID:  inv.StepID,
		Attempt: inv.Attempt,
		Skills:  inv.Skills,
		Input:   inv.Input,
	})
}

func toPublicRun(res model.RunResult) RunSummary {
	out := RunSummary{
		TraceID:          res.TraceID,
		FlowID:           res.FlowID,
		Status:           string(res.Status),
		Output:           res.Output,
		OutputIncomplete: res.OutputIncomplete,
		Error:            res.Error,
		StartedAt:        res.StartedAt,
		EndedAt:          res.EndedAt,
		Steps:            make([]StepSummary, 0, len(res.Steps)),
	}
	for _, st := range res.Steps {
		out.Steps = append(out.Steps, StepSummary{
			ID:            st.StepID,
			Agent:         st.Agent,
			Status:        string(st.Status),
			Attempts:      st.Attempts,
			Error:         st.LastError,
			ErrorCategory: string(st.ErrorCategory),
			Result:        st.Result,
		})
	}
	return out
}
