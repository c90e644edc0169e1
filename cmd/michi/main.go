// Command michi runs and controls the Michi flow orchestration daemon.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashita-ai/michi"
	"github.com/ashita-ai/michi/internal/agent"
	"github.com/ashita-ai/michi/internal/auth"
	"github.com/ashita-ai/michi/internal/config"
	"github.com/ashita-ai/michi/internal/daemon"
	"github.com/ashita-ai/michi/internal/flow"
	client "github.com/ashita-ai/michi/sdk/go/michi"
)

// version is set at build time via -ldflags.
var version = "dev"

// exitError carries a process exit code other than 1.
type exitError struct {
	code int
	msg  string
}

func (e exitError) Error() string { return e.msg }

func main() {
	os.Exit(run0())
}

func run0() int {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		var ee exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "michi",
		Short:        "Flow orchestration daemon for coding agents",
		Version:      version,
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(startCmd())
	root.AddCommand(stopCmd())
	root.AddCommand(restartCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(validateCmd())
	root.AddCommand(runCmd())
	root.AddCommand(tokenCmd())
	return root
}

func newLogger(w io.Writer, level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(os.Stdout, cfg.LogLevel)
			slog.SetDefault(logger)

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			app, err := michi.New(michi.WithLogger(logger), michi.WithVersion(version))
			if err != nil {
				return err
			}
			return app.Run(ctx)
		},
	}
}

func controller(cfg config.Config) *daemon.Controller {
	return &daemon.Controller{
		PIDFile:     cfg.PIDFile,
		LogFile:     cfg.LogFile,
		Args:        []string{"serve"},
		StopTimeout: cfg.ShutdownTimeout + 5*time.Second,
		Logger:      newLogger(os.Stderr, "warn"),
	}
}

// daemonCmd builds the start/stop/restart commands, which differ only in the
// controller method they call.
func daemonCmd(use, short string, action func(*daemon.Controller, context.Context) (daemon.Status, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := action(controller(cfg), cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), st.String())
			return nil
		},
	}
}

func startCmd() *cobra.Command {
	return daemonCmd("start", "Start the daemon in the background", (*daemon.Controller).Start)
}

func stopCmd() *cobra.Command {
	return daemonCmd("stop", "Stop the background daemon", (*daemon.Controller).Stop)
}

func restartCmd() *cobra.Command {
	return daemonCmd("restart", "Restart the background daemon", (*daemon.Controller).Restart)
}

func statusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report whether the daemon is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := controller(cfg).Status()
			if err != nil {
				return err
			}

			var health *client.Health
			if st.State == daemon.Running {
				if c, err := client.NewClient(client.Config{BaseURL: cfg.BaseURL(), Timeout: 2 * time.Second}); err == nil {
					health, _ = c.Health(cmd.Context())
				}
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return printJSON(out, map[string]any{"daemon": st, "health": health})
			}
			fmt.Fprintln(out, st.String())
			if health != nil {
				fmt.Fprintf(out, "version %s, store %s, %d active run(s), up %s\n",
					health.Version, health.Store, health.ActiveRuns, time.Duration(health.Uptime)*time.Second)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print status as JSON")
	return cmd
}

func validateCmd() *cobra.Command {
	var extraAgents []string
	cmd := &cobra.Command{
		Use:   "validate FILE",
		Short: "Check a flow file without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			reg := agent.NewRegistry()
			if cfg.AgentsFile != "" {
				f, err := agent.LoadFile(cfg.AgentsFile)
				if err != nil {
					return err
				}
				reg.RegisterFile(f, newLogger(io.Discard, "error"))
			}
			known := func(id string) bool {
				for _, a := range extraAgents {
					if a == id {
						return true
					}
				}
				return reg.Has(id)
			}

			data, err := os.ReadFile(args[0]) //nolint:gosec // user-supplied flow file
			if err != nil {
				return err
			}
			g, err := flow.Load(data, flow.WithKnownAgents(known))
			out := cmd.OutOrStdout()
			if err != nil {
				var verrs flow.ValidationErrors
				if errors.As(err, &verrs) {
					for _, msg := range verrs.Messages() {
						fmt.Fprintln(out, msg)
					}
					return exitError{code: 1, msg: fmt.Sprintf("%s: %d problem(s)", args[0], len(verrs))}
				}
				return err
			}
			fmt.Fprintf(out, "%s: flow %q is valid (%d steps)\n", args[0], g.ID(), g.Len())
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&extraAgents, "agent", nil, "additional agent ids to treat as registered")
	return cmd
}

func runCmd() *cobra.Command {
	var (
		input     string
		inputFile string
		local     bool
		noWait    bool
		timeout   time.Duration
		token     string
	)
	cmd := &cobra.Command{
		Use:   "run FILE",
		Short: "Run a flow on the daemon, or in this process with --local",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := os.ReadFile(args[0]) //nolint:gosec // user-supplied flow file
			if err != nil {
				return err
			}
			payload, err := readInput(input, inputFile)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			if timeout > 0 {
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			out := cmd.OutOrStdout()
			if local {
				return runLocal(ctx, out, doc, payload)
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if token == "" {
				token = os.Getenv("MICHI_TOKEN")
			}
			c, err := client.NewClient(client.Config{BaseURL: cfg.BaseURL(), Token: token})
			if err != nil {
				return err
			}
			sub, err := c.Submit(ctx, string(doc), payload)
			if err != nil {
				var apiErr *client.Error
				if errors.As(err, &apiErr) && apiErr.Details != nil {
					_ = printJSON(cmd.ErrOrStderr(), apiErr.Details)
				}
				return err
			}
			if noWait {
				return printJSON(out, sub)
			}
			run, err := c.WaitRun(ctx, sub.TraceID, 250*time.Millisecond)
			if err != nil {
				return fmt.Errorf("waiting for %s: %w", sub.TraceID, err)
			}
			if err := printJSON(out, run); err != nil {
				return err
			}
			return statusExit(run.TraceID, run.Status)
		},
	}
	cmd.Flags().StringVar(&input, "input", "", "run input as JSON text")
	cmd.Flags().StringVar(&inputFile, "input-file", "", "read run input JSON from a file")
	cmd.Flags().BoolVar(&local, "local", false, "run in this process instead of on the daemon")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "print the trace id and return immediately")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up waiting after this long (0 = no limit)")
	cmd.Flags().StringVar(&token, "token", "", "bearer token (default $MICHI_TOKEN)")
	cmd.MarkFlagsMutuallyExclusive("input", "input-file")
	cmd.MarkFlagsMutuallyExclusive("local", "no-wait")
	return cmd
}

func readInput(inline, path string) (json.RawMessage, error) {
	raw := []byte(inline)
	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // user-supplied input file
		if err != nil {
			return nil, err
		}
		raw = data
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, nil
	}
	if !json.Valid(raw) {
		return nil, errors.New("run input is not valid JSON")
	}
	return raw, nil
}

func runLocal(ctx context.Context, out io.Writer, doc []byte, payload json.RawMessage) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(os.Stderr, cfg.LogLevel)
	app, err := michi.New(michi.WithLogger(logger), michi.WithVersion(version), michi.WithPIDFile(""))
	if err != nil {
		return err
	}
	defer app.Close(context.Background())

	res, err := app.RunFlow(ctx, doc, payload)
	if err != nil && res.TraceID == "" {
		if problems := app.ValidateFlow(doc); len(problems) > 0 {
			for _, p := range problems {
				fmt.Fprintln(os.Stderr, p)
			}
		}
		return err
	}
	if perr := printJSON(out, res); perr != nil {
		return perr
	}
	if err != nil {
		return err
	}
	return statusExit(res.TraceID, res.Status)
}

// statusExit maps a non-succeeded run to exit code 2.
func statusExit(traceID, status string) error {
	if status == client.StatusSucceeded {
		return nil
	}
	return exitError{code: 2, msg: fmt.Sprintf("run %s finished %s", traceID, status)}
}

func tokenCmd() *cobra.Command {
	var (
		subject string
		role    string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API token signed with MICHI_API_SECRET",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.APISecret == "" {
				return errors.New("MICHI_API_SECRET is not set; the daemon accepts requests without a token")
			}
			r, err := auth.ParseRole(role)
			if err != nil {
				return err
			}
			mgr, err := auth.NewJWTManager(cfg.APISecret, cfg.TokenTTL)
			if err != nil {
				return err
			}
			tok, exp, err := mgr.IssueToken(subject, r)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", exp.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "cli", "token subject")
	cmd.Flags().StringVar(&role, "role", string(auth.RoleOperator), "reader or operator")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
