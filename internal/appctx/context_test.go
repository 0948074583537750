package appctx

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/quarryhq/quarry-cli/internal/config"
	"github.com/quarryhq/quarry-cli/internal/output"
)

func TestNewApp(t *testing.T) {
	cfg := &config.Config{}
	app := NewApp(cfg)

	if app == nil {
		t.Fatal("NewApp returned nil")
	}
	if app.Config != cfg {
		t.Error("Config not set correctly")
	}
	if app.Auth == nil {
		t.Error("Auth manager not initialized")
	}
	if app.API == nil {
		t.Error("API client not initialized")
	}
	if app.Collector == nil {
		t.Error("Collector not initialized")
	}
	if app.Hooks == nil {
		t.Error("Hooks not initialized")
	}
	if app.Output == nil {
		t.Error("Output writer not initialized")
	}
}

func TestWithAppAndFromContext(t *testing.T) {
	cfg := &config.Config{}
	app := NewApp(cfg)

	ctx := context.Background()
	ctxWithApp := WithApp(ctx, app)

	retrieved := FromContext(ctxWithApp)
	if retrieved != app {
		t.Error("FromContext did not retrieve the same app")
	}
}

func TestFromContextEmpty(t *testing.T) {
	ctx := context.Background()
	app := FromContext(ctx)
	if app != nil {
		t.Error("expected nil from empty context")
	}
}

func TestApplyFlagsJSON(t *testing.T) {
	cfg := &config.Config{}
	app := NewApp(cfg)
	app.Flags.JSON = true

	app.ApplyFlags()
	if app.Output == nil {
		t.Error("Output should be set after ApplyFlags")
	}
}

func TestApplyFlagsQuiet(t *testing.T) {
	cfg := &config.Config{}
	app := NewApp(cfg)
	app.Flags.Quiet = true

	app.ApplyFlags()
	if app.Output == nil {
		t.Error("Output should be set after ApplyFlags")
	}
}

func TestApplyFlagsVerbose(t *testing.T) {
	cfg := &config.Config{}
	app := NewApp(cfg)
	app.Flags.Verbose = 2

	app.ApplyFlags()
	if got := app.Hooks.Level(); got != 2 {
		t.Errorf("hook level = %d, want 2", got)
	}
}

func TestApplyFlagsDebugEnv(t *testing.T) {
	tests := []struct {
		name     string
		env      string
		flag     int
		expected int
	}{
		{"env raises level", "2", 0, 2},
		{"env true means full debug", "true", 0, 2},
		{"flag wins when higher", "1", 2, 2},
		{"garbage ignored", "loud", 1, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("QRY_DEBUG", tt.env)

			cfg := &config.Config{}
			app := NewApp(cfg)
			app.Flags.Verbose = tt.flag

			app.ApplyFlags()
			if got := app.Hooks.Level(); got != tt.expected {
				t.Errorf("hook level = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestApplyFlagsVerboseFromConfig(t *testing.T) {
	level := 1
	cfg := &config.Config{Verbose: &level}
	app := NewApp(cfg)

	app.ApplyFlags()
	if got := app.Hooks.Level(); got != 1 {
		t.Errorf("hook level = %d, want 1", got)
	}

	// An explicit higher flag beats the persisted preference
	app.Flags.Verbose = 2
	app.ApplyFlags()
	if got := app.Hooks.Level(); got != 2 {
		t.Errorf("hook level = %d, want 2", got)
	}
}

func TestApplyFlagsStatsFromConfig(t *testing.T) {
	on := true
	cfg := &config.Config{Stats: &on}
	app := NewApp(cfg)

	app.ApplyFlags()
	if !app.Flags.Stats {
		t.Error("persisted stats preference should enable the flag")
	}
}

func TestGlobalFlagsDefaults(t *testing.T) {
	var flags GlobalFlags

	if flags.JSON {
		t.Error("JSON should default to false")
	}
	if flags.Quiet {
		t.Error("Quiet should default to false")
	}
	if flags.Verbose != 0 {
		t.Error("Verbose should default to 0")
	}
	if flags.Stats {
		t.Error("Stats should default to false")
	}
	if flags.NoRetry {
		t.Error("NoRetry should default to false")
	}
	if flags.BaseURL != "" {
		t.Error("BaseURL should default to empty")
	}
	if flags.CacheDir != "" {
		t.Error("CacheDir should default to empty")
	}
	if flags.Timeout != 0 {
		t.Error("Timeout should default to zero")
	}
}

func TestAppOKWithStats(t *testing.T) {
	tests := []struct {
		name        string
		stats       bool
		expectStats bool
	}{
		{"stats off", false, false},
		{"stats on", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{}
			app := NewApp(cfg)

			var buf bytes.Buffer
			app.Output = output.New(output.Options{
				Format: output.FormatJSON,
				Writer: &buf,
			})
			app.Flags.Stats = tt.stats

			if err := app.OK(map[string]string{"test": "data"}); err != nil {
				t.Fatalf("OK() failed: %v", err)
			}

			var resp map[string]any
			if err := json.Unmarshal(buf.Bytes(), &resp); err != nil {
				t.Fatalf("failed to parse JSON output: %v", err)
			}

			meta, hasMeta := resp["meta"].(map[string]any)
			hasStats := hasMeta && meta["stats"] != nil
			if hasStats != tt.expectStats {
				t.Errorf("stats presence = %v, want %v", hasStats, tt.expectStats)
			}
		})
	}
}

func TestAppOKWithNilCollector(t *testing.T) {
	cfg := &config.Config{}
	app := NewApp(cfg)
	app.Collector = nil
	app.Flags.Stats = true

	var buf bytes.Buffer
	app.Output = output.New(output.Options{
		Format: output.FormatJSON,
		Writer: &buf,
	})

	if err := app.OK(map[string]string{"test": "data"}); err != nil {
		t.Errorf("OK with nil collector failed: %v", err)
	}
}

func TestAppErr(t *testing.T) {
	cfg := &config.Config{}
	app := NewApp(cfg)

	var buf bytes.Buffer
	app.Output = output.New(output.Options{
		Format: output.FormatJSON,
		Writer: &buf,
	})

	if err := app.Err(output.ErrUnavailable(503, "Server error (HTTP 503)")); err != nil {
		t.Fatalf("Err() failed: %v", err)
	}

	var resp map[string]any
	if err := json.Unmarshal(buf.Bytes(), &resp); err != nil {
		t.Fatalf("failed to parse JSON output: %v", err)
	}
	if ok, _ := resp["ok"].(bool); ok {
		t.Error("expected ok=false in error envelope")
	}
	if resp["code"] != output.CodeUnavailable {
		t.Errorf("code = %v, want %v", resp["code"], output.CodeUnavailable)
	}
}

func TestAppErrQuietSuppressesStderrStats(t *testing.T) {
	cfg := &config.Config{}
	app := NewApp(cfg)
	app.Flags.Stats = true
	app.Flags.Quiet = true

	var buf bytes.Buffer
	app.Output = output.New(output.Options{
		Format: output.FormatQuiet,
		Writer: &buf,
	})

	// Must not panic; stats are suppressed in quiet mode
	if err := app.Err(output.ErrUsage("bad input")); err != nil {
		t.Errorf("Err() failed: %v", err)
	}
}

func TestNewAppResilienceDisabled(t *testing.T) {
	cfg := &config.Config{}
	cfg.Resilience.Enabled = false
	cfg.CacheDir = t.TempDir()

	app := NewApp(cfg)
	if app.API == nil {
		t.Fatal("API client not initialized")
	}
}

func TestNewAppResilienceEnabled(t *testing.T) {
	cfg := &config.Config{
		RequestTimeout: 5 * time.Second,
		CacheDir:       t.TempDir(),
	}
	cfg.Resilience.Enabled = true
	cfg.Resilience.FailureThreshold = 5
	cfg.Resilience.Cooldown = 30 * time.Second
	cfg.Resilience.MaxConcurrent = 8

	app := NewApp(cfg)
	if app.API == nil {
		t.Fatal("API client not initialized")
	}
}
