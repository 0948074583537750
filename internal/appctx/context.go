// Package appctx provides application context helpers.
package appctx

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/quarryhq/quarry-cli/internal/api"
	"github.com/quarryhq/quarry-cli/internal/auth"
	"github.com/quarryhq/quarry-cli/internal/config"
	"github.com/quarryhq/quarry-cli/internal/observability"
	"github.com/quarryhq/quarry-cli/internal/output"
	"github.com/quarryhq/quarry-cli/internal/resilience"
)

// contextKey is a private type for context keys.
type contextKey string

const appKey contextKey = "app"

// App holds the shared application context for all commands.
type App struct {
	Config *config.Config
	Auth   *auth.Manager
	API    *api.Client
	Output *output.Writer

	// Observability
	Collector *observability.SessionCollector
	Hooks     *observability.CLIHooks

	// Flags holds the global flag values
	Flags GlobalFlags
}

// GlobalFlags holds values for global CLI flags.
type GlobalFlags struct {
	// Output format flags
	JSON  bool
	Quiet bool

	// Behavior flags
	Verbose int // 0=off, 1=request trace, 2=trace+headers (stacks with -v -v or -vv)
	Stats   bool

	// Request overrides (already folded into Config by config.Load)
	BaseURL  string
	Timeout  time.Duration
	NoRetry  bool
	CacheDir string
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config) *App {
	// Observability first so every later component can report into it.
	// Level 0 initially; ApplyFlags sets the actual level from -v flags.
	collector := observability.NewSessionCollector()
	traceWriter := observability.NewTraceWriter()
	hooks := observability.NewCLIHooks(0, collector, traceWriter)

	// Auth stack: encrypted file store, identity client, refreshing
	// manager. Refresh outcomes feed the observability hooks.
	httpClient := &http.Client{Timeout: 30 * time.Second}
	store := auth.NewFileStore(cfg.TokensPath, cfg.EncryptionKey, nil)
	identity := auth.NewIdentityClient(cfg.BaseURL, httpClient, cfg.RequestTimeout)
	authMgr := auth.NewManager(store, identity, cfg.RefreshBuffer)
	authMgr.SetRefreshObserver(hooks.OnAuthRefresh)

	// API client with observability hooks and, when enabled, the
	// cross-invocation request guards.
	opts := []api.Option{api.WithHooks(hooks)}
	if cfg.Resilience.Enabled {
		guards := resilience.NewGuards(resilience.NewStore(cfg.CacheDir), resilience.Config{
			FailureThreshold: cfg.Resilience.FailureThreshold,
			Cooldown:         cfg.Resilience.Cooldown,
			MaxConcurrent:    cfg.Resilience.MaxConcurrent,
		})
		opts = append(opts, api.WithGuards(guards))
	}
	client := api.NewClient(cfg, authMgr, opts...)

	return &App{
		Config:    cfg,
		Auth:      authMgr,
		API:       client,
		Collector: collector,
		Hooks:     hooks,
		Output: output.New(output.Options{
			Format: output.FormatAuto,
			Writer: os.Stdout,
		}),
	}
}

// ApplyFlags applies global flag values to the app configuration.
func (a *App) ApplyFlags() {
	// Apply output format from flags (quiet wins over json)
	if a.Flags.Quiet {
		a.Output = output.New(output.Options{
			Format: output.FormatQuiet,
			Writer: os.Stdout,
		})
	} else if a.Flags.JSON {
		a.Output = output.New(output.Options{
			Format: output.FormatJSON,
			Writer: os.Stdout,
		})
	}

	// Stats can be switched on by persisted config as well as the flag.
	if !a.Flags.Stats && a.Config != nil && a.Config.Stats != nil {
		a.Flags.Stats = *a.Config.Stats
	}

	// Verbosity is the highest of the -v flags, the persisted config
	// preference, and the QRY_DEBUG env var.
	verboseLevel := a.Flags.Verbose
	if a.Config != nil && a.Config.Verbose != nil && *a.Config.Verbose > verboseLevel {
		verboseLevel = *a.Config.Verbose
	}
	if debugEnv := os.Getenv("QRY_DEBUG"); debugEnv != "" {
		// QRY_DEBUG can be "1", "2", or "true" (treated as 2 for full debug)
		if level, err := strconv.Atoi(debugEnv); err == nil {
			if level > verboseLevel {
				verboseLevel = level
			}
		} else if debugEnv == "true" {
			verboseLevel = 2
		}
	}
	a.Flags.Verbose = verboseLevel

	// Apply verbose level to hooks for trace output
	if a.Hooks != nil {
		a.Hooks.SetLevel(verboseLevel)
	}

	// Verbose mode also enables debug logging via slog
	if verboseLevel > 0 {
		debugLogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
		a.API.SetLogger(debugLogger)
		a.Auth.SetLogger(debugLogger)
	}
}

// OK outputs a success response, automatically including stats if --stats flag is set.
func (a *App) OK(data any, opts ...output.ResponseOption) error {
	if a.Flags.Stats && a.Collector != nil {
		stats := a.Collector.Summary()
		opts = append(opts, output.WithStats(&stats))
	}
	return a.Output.OK(data, opts...)
}

// Err outputs an error response, printing stats to stderr if --stats flag is set.
func (a *App) Err(err error) error {
	// Print the error response first
	if outputErr := a.Output.Err(err); outputErr != nil {
		return outputErr
	}

	// Print stats to stderr if enabled, but not in machine-consumable
	// modes (quiet is meant for programmatic consumption)
	if a.Flags.Stats && a.Collector != nil && !a.Flags.Quiet {
		stats := a.Collector.Summary()
		a.printStatsToStderr(&stats)
	}
	return nil
}

// printStatsToStderr outputs a compact stats line to stderr.
func (a *App) printStatsToStderr(stats *observability.SessionMetrics) {
	if stats == nil {
		return
	}

	var parts []string

	// Duration
	duration := stats.EndTime.Sub(stats.StartTime)
	if duration < time.Second {
		parts = append(parts, fmt.Sprintf("%dms", duration.Milliseconds()))
	} else {
		parts = append(parts, fmt.Sprintf("%.1fs", duration.Seconds()))
	}

	// Requests
	if stats.Requests > 0 {
		if stats.Requests == 1 {
			parts = append(parts, "1 request")
		} else {
			parts = append(parts, fmt.Sprintf("%d requests", stats.Requests))
		}
	}

	// Retries
	if stats.Retries > 0 {
		if stats.Retries == 1 {
			parts = append(parts, "1 retry")
		} else {
			parts = append(parts, fmt.Sprintf("%d retries", stats.Retries))
		}
	}

	// Failures
	if stats.Failed > 0 {
		parts = append(parts, fmt.Sprintf("%d failed", stats.Failed))
	}

	if len(parts) > 0 {
		fmt.Fprintf(os.Stderr, "\nStats: %s\n", strings.Join(parts, " | "))
	}
}

// WithApp stores the app in the context.
func WithApp(ctx context.Context, app *App) context.Context {
	return context.WithValue(ctx, appKey, app)
}

// FromContext retrieves the app from the context.
func FromContext(ctx context.Context) *App {
	app, _ := ctx.Value(appKey).(*App)
	return app
}
