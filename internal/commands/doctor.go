package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/quarryhq/quarry-cli/internal/appctx"
	"github.com/quarryhq/quarry-cli/internal/config"
	"github.com/quarryhq/quarry-cli/internal/output"
	"github.com/quarryhq/quarry-cli/internal/resilience"
	"github.com/quarryhq/quarry-cli/internal/version"
)

// Check represents a single diagnostic check result.
type Check struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "pass", "fail", "skip", "warn"
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

// DoctorResult holds the complete diagnostic results.
type DoctorResult struct {
	Checks  []Check `json:"checks"`
	Passed  int     `json:"passed"`
	Failed  int     `json:"failed"`
	Warned  int     `json:"warned"`
	Skipped int     `json:"skipped"`
}

// Summary returns a human-readable summary of the results.
func (r *DoctorResult) Summary() string {
	if r.Failed == 0 && r.Warned == 0 && r.Passed > 0 {
		if r.Skipped > 0 {
			return fmt.Sprintf("All %d checks passed, %d skipped", r.Passed, r.Skipped)
		}
		return fmt.Sprintf("All %d checks passed", r.Passed)
	}
	parts := []string{}
	if r.Passed > 0 {
		parts = append(parts, fmt.Sprintf("%d passed", r.Passed))
	}
	if r.Failed > 0 {
		parts = append(parts, fmt.Sprintf("%d failed", r.Failed))
	}
	if r.Warned > 0 {
		parts = append(parts, fmt.Sprintf("%d %s", r.Warned, pluralize(r.Warned, "warning", "warnings")))
	}
	if r.Skipped > 0 {
		parts = append(parts, fmt.Sprintf("%d skipped", r.Skipped))
	}
	return strings.Join(parts, ", ")
}

// NewDoctorCmd creates the doctor command.
func NewDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check CLI health and diagnose issues",
		Long: `Run diagnostic checks on configuration, credentials, and API connectivity.

The doctor command helps troubleshoot common issues by checking:
  - CLI version
  - Configuration files (existence, validity, and provenance)
  - Credential file (existence, permissions, and format)
  - Encryption key presence
  - Token expiry
  - Cross-invocation guard state (open circuits, rate-limit cooldowns)
  - API connectivity

Examples:
  qry doctor           # Run all diagnostic checks
  qry doctor --json    # Output results as JSON
  qry doctor -v        # Show additional debug information`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appctx.FromContext(cmd.Context())
			if app == nil {
				return fmt.Errorf("app not initialized")
			}

			verbose := app.Flags.Verbose > 0
			checks := runDoctorChecks(cmd.Context(), app, verbose)
			result := summarizeChecks(checks)

			return app.OK(result, output.WithSummary(result.Summary()))
		},
	}
}

// runDoctorChecks executes all diagnostic checks.
func runDoctorChecks(ctx context.Context, app *appctx.App, verbose bool) []Check {
	checks := []Check{}

	// 1. Version check
	checks = append(checks, checkVersion(verbose))

	// 2. Go runtime info (verbose only, always passes)
	if verbose {
		checks = append(checks, checkRuntime())
	}

	// 3. Config files check
	checks = append(checks, checkConfigFiles(app, verbose)...)

	// 4. Credentials check
	credCheck := checkCredentials(app, verbose)
	checks = append(checks, credCheck)

	// 5. Encryption key check
	checks = append(checks, checkEncryptionKey(app))

	// 6. Token expiry check (only if credentials exist)
	var canProbe bool
	if credCheck.Status == "pass" || credCheck.Status == "warn" {
		authCheck := checkTokenExpiry(app, verbose)
		checks = append(checks, authCheck)
		canProbe = authCheck.Status == "pass" || authCheck.Status == "warn"
	} else {
		checks = append(checks, Check{
			Name:    "Token",
			Status:  "skip",
			Message: "Skipped (no credentials)",
			Hint:    "Run: qry auth login",
		})
	}

	// 7. Guard state check
	checks = append(checks, checkGuardState(app, verbose))

	// 8. API connectivity (only if authenticated)
	if canProbe {
		checks = append(checks, checkAPIConnectivity(ctx, app, verbose))
	} else {
		checks = append(checks, Check{
			Name:    "API Connectivity",
			Status:  "skip",
			Message: "Skipped (not authenticated)",
		})
	}

	return checks
}

// summarizeChecks tallies check statuses into a result.
func summarizeChecks(checks []Check) *DoctorResult {
	result := &DoctorResult{Checks: checks}
	for _, c := range checks {
		switch c.Status {
		case "pass":
			result.Passed++
		case "fail":
			result.Failed++
		case "warn":
			result.Warned++
		case "skip":
			result.Skipped++
		}
	}
	return result
}

// checkVersion checks the CLI version.
func checkVersion(verbose bool) Check {
	check := Check{
		Name:   "CLI Version",
		Status: "pass",
	}

	if version.IsDev() {
		check.Message = "dev (built from source)"
		if verbose {
			check.Message += fmt.Sprintf(" [commit: %s, date: %s]", version.Commit, version.Date)
		}
		return check
	}

	check.Message = version.Version
	if verbose {
		check.Message += fmt.Sprintf(" [commit: %s, date: %s]", version.Commit, version.Date)
	}
	return check
}

// checkRuntime returns Go runtime information.
func checkRuntime() Check {
	return Check{
		Name:    "Runtime",
		Status:  "pass",
		Message: fmt.Sprintf("Go %s (%s/%s)", runtime.Version(), runtime.GOOS, runtime.GOARCH),
	}
}

// checkConfigFiles checks configuration file existence, validity, and
// provenance.
func checkConfigFiles(app *appctx.App, verbose bool) []Check {
	checks := []Check{}

	// Global config
	globalPath := filepath.Join(config.GlobalConfigDir(), "config.json")
	if _, err := os.Stat(globalPath); err == nil {
		checks = append(checks, validateConfigFile(globalPath, "Global Config", verbose))
	} else {
		checks = append(checks, Check{
			Name:    "Global Config",
			Status:  "warn",
			Message: "Not found (using defaults)",
			Hint:    fmt.Sprintf("Create %s to persist settings", globalPath),
		})
	}

	// Repo config (at git root)
	repoPath := findRepoConfig()
	if repoPath != "" {
		checks = append(checks, validateConfigFile(repoPath, "Repo Config", verbose))
	} else if verbose {
		checks = append(checks, Check{
			Name:    "Repo Config",
			Status:  "skip",
			Message: "Not found",
			Hint:    "Create .quarry/config.json at repo root for team settings",
		})
	}

	// Local config (in current directory or parents, excluding repo config)
	localPath := findLocalConfig(repoPath)
	if localPath != "" {
		checks = append(checks, validateConfigFile(localPath, "Local Config", verbose))
	} else if verbose {
		checks = append(checks, Check{
			Name:    "Local Config",
			Status:  "skip",
			Message: "Not found",
			Hint:    "Create .quarry/config.json for directory-specific settings",
		})
	}

	// Show effective config provenance in verbose mode
	if verbose && app.Config != nil {
		details := []string{}
		for _, key := range []string{"base_url", "key_id", "tokens_path", "cache_dir"} {
			value, source, set := effectiveEntry(app.Config, key)
			if set {
				details = append(details, fmt.Sprintf("%s=%s [%s]", key, value, source))
			}
		}
		if len(details) > 0 {
			checks = append(checks, Check{
				Name:    "Effective Config",
				Status:  "pass",
				Message: strings.Join(details, ", "),
			})
		}
	}

	return checks
}

// findRepoConfig looks for .quarry/config.json at the git root.
func findRepoConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		gitPath := filepath.Join(dir, ".git")
		if _, err := os.Stat(gitPath); err == nil {
			cfgPath := filepath.Join(dir, ".quarry", "config.json")
			if _, err := os.Stat(cfgPath); err == nil {
				return cfgPath
			}
			return ""
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// findLocalConfig looks for .quarry/config.json in the current
// directory or parents.
func findLocalConfig(excludePath string) string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		cfgPath := filepath.Join(dir, ".quarry", "config.json")
		if _, err := os.Stat(cfgPath); err == nil && cfgPath != excludePath {
			return cfgPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// validateConfigFile checks if a config file is valid JSON.
func validateConfigFile(path, name string, verbose bool) Check {
	data, err := os.ReadFile(path) //nolint:gosec // G304: Path is from trusted config locations
	if err != nil {
		return Check{
			Name:    name,
			Status:  "fail",
			Message: fmt.Sprintf("Cannot read: %s", path),
			Hint:    fmt.Sprintf("Check file permissions: %v", err),
		}
	}

	var cfg map[string]any
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Check{
			Name:    name,
			Status:  "fail",
			Message: fmt.Sprintf("Invalid JSON: %s", path),
			Hint:    fmt.Sprintf("JSON error: %v", err),
		}
	}

	msg := path
	if verbose {
		msg = fmt.Sprintf("%s (%d keys)", path, len(cfg))
	}
	return Check{
		Name:    name,
		Status:  "pass",
		Message: msg,
	}
}

// checkCredentials inspects the credential file: existence, that it is
// a regular file, its permissions, and whether it holds a bare pair or
// an encrypted envelope.
func checkCredentials(app *appctx.App, verbose bool) Check {
	check := Check{
		Name: "Credentials",
	}

	// QUARRY_TOKEN bypasses stored credentials entirely
	if os.Getenv("QUARRY_TOKEN") != "" {
		check.Status = "pass"
		check.Message = "Using QUARRY_TOKEN environment variable"
		return check
	}

	path := app.Config.TokensPath
	fi, err := os.Lstat(path)
	if err != nil {
		check.Status = "fail"
		check.Message = "No credentials found"
		check.Hint = "Run: qry auth login"
		return check
	}

	if fi.Mode()&os.ModeSymlink != 0 {
		check.Status = "fail"
		check.Message = fmt.Sprintf("Credentials path is a symlink: %s", path)
		check.Hint = "Remove the symlink; credentials must be a regular file"
		return check
	}

	format := credentialFormat(path)
	if format == "unreadable" {
		check.Status = "fail"
		check.Message = fmt.Sprintf("Cannot parse: %s", path)
		check.Hint = "Delete the file and run: qry auth login"
		return check
	}

	if perm := fi.Mode().Perm(); perm&0077 != 0 {
		check.Status = "warn"
		check.Message = fmt.Sprintf("%s has mode %04o (readable by others)", path, perm)
		check.Hint = fmt.Sprintf("Run: chmod 600 %s", path)
		return check
	}

	check.Status = "pass"
	if verbose {
		check.Message = fmt.Sprintf("%s (mode 0600, %s)", path, format)
	} else {
		check.Message = path
	}
	return check
}

// credentialFormat probes the on-disk credential layout: "encrypted"
// for a versioned envelope, "plaintext" for a bare pair, "unreadable"
// for anything else.
func credentialFormat(path string) string {
	data, err := os.ReadFile(path) //nolint:gosec // G304: Path comes from config
	if err != nil {
		return "unreadable"
	}
	var probe struct {
		Version *int `json:"version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return "unreadable"
	}
	if probe.Version != nil {
		return "encrypted"
	}
	return "plaintext"
}

// checkEncryptionKey reports whether stored credentials are protected.
func checkEncryptionKey(app *appctx.App) Check {
	check := Check{
		Name: "Encryption Key",
	}

	keySet := app.Config.EncryptionKey != ""
	format := ""
	if _, err := os.Lstat(app.Config.TokensPath); err == nil {
		format = credentialFormat(app.Config.TokensPath)
	}

	switch {
	case keySet:
		check.Status = "pass"
		check.Message = "QUARRY_ENCRYPTION_KEY set"
		if format == "plaintext" {
			check.Message += " (file re-encrypts on next write)"
		}
	case format == "encrypted":
		check.Status = "fail"
		check.Message = "Credentials are encrypted but QUARRY_ENCRYPTION_KEY is not set"
		check.Hint = "Set QUARRY_ENCRYPTION_KEY to the key used at login"
	default:
		check.Status = "warn"
		check.Message = "Not set (credentials stored in plaintext)"
		check.Hint = "Set QUARRY_ENCRYPTION_KEY to encrypt stored credentials"
	}
	return check
}

// checkTokenExpiry reports how close the access token is to expiry.
// Read-only: the actual refresh happens on the next API call.
func checkTokenExpiry(app *appctx.App, verbose bool) Check {
	check := Check{
		Name: "Token",
	}

	st := app.Auth.Status()

	if st.EnvOverride {
		check.Status = "pass"
		check.Message = "Valid (via QUARRY_TOKEN)"
		return check
	}

	if st.ExpiresAt == 0 {
		check.Status = "pass"
		check.Message = "Valid"
		return check
	}

	expiresIn := time.Until(time.Unix(st.ExpiresAt, 0))

	if expiresIn < 0 {
		if st.HasRefresh {
			check.Status = "warn"
			check.Message = "Token expired (refreshes on next use)"
			return check
		}
		check.Status = "fail"
		check.Message = "Token expired and no refresh token stored"
		check.Hint = "Run: qry auth login"
		return check
	}

	if expiresIn < 5*time.Minute {
		check.Status = "warn"
		check.Message = fmt.Sprintf("Token expires in %s", expiresIn.Round(time.Second))
		check.Hint = "Token will auto-refresh on next API call"
		return check
	}

	check.Status = "pass"
	if verbose {
		check.Message = fmt.Sprintf("Valid (expires in %s)", expiresIn.Round(time.Minute))
	} else {
		check.Message = "Valid"
	}
	return check
}

// checkGuardState inspects the cross-invocation guard file for open
// circuits and active rate-limit cooldowns.
func checkGuardState(app *appctx.App, verbose bool) Check {
	check := Check{
		Name: "Guard State",
	}

	if !app.Config.Resilience.Enabled {
		check.Status = "pass"
		check.Message = "Disabled"
		return check
	}

	store := resilience.NewStore(app.Config.CacheDir)
	if !store.Exists() {
		check.Status = "pass"
		check.Message = "No guard state (clean)"
		return check
	}

	state, err := store.Load()
	if err != nil {
		check.Status = "warn"
		check.Message = fmt.Sprintf("Cannot read guard state: %s", store.Path())
		check.Hint = fmt.Sprintf("Error: %v", err)
		return check
	}

	now := time.Now()
	var open, cooling []string
	inFlight := 0
	for host, hs := range state.Hosts {
		if hs.Breaker.IsOpen() || hs.Breaker.IsHalfOpen() {
			open = append(open, host)
		}
		if hs.CooldownRemaining(now) > 0 {
			cooling = append(cooling, fmt.Sprintf("%s (%s left)", host, hs.CooldownRemaining(now).Round(time.Second)))
		}
		inFlight += len(hs.InFlight)
	}

	switch {
	case len(open) > 0:
		check.Status = "warn"
		check.Message = fmt.Sprintf("%d %s open: %s", len(open), pluralize(len(open), "circuit", "circuits"), strings.Join(open, ", "))
		check.Hint = "Requests to these hosts fail fast until recovery is confirmed"
	case len(cooling) > 0:
		check.Status = "warn"
		check.Message = fmt.Sprintf("Rate-limit cooldown active: %s", strings.Join(cooling, ", "))
		check.Hint = "Requests wait out the cooldown before being sent"
	default:
		check.Status = "pass"
		check.Message = "No open circuits"
		if verbose {
			check.Message = fmt.Sprintf("No open circuits (%d hosts tracked, %d slots in flight, %s)", len(state.Hosts), inFlight, store.Path())
		}
	}
	return check
}

// checkAPIConnectivity probes the ping endpoint.
func checkAPIConnectivity(ctx context.Context, app *appctx.App, verbose bool) Check {
	check := Check{
		Name: "API Connectivity",
	}

	start := time.Now()
	_, err := app.API.Get(ctx, "/v1/ping")
	latency := time.Since(start)

	if err != nil {
		check.Status = "fail"
		check.Message = fmt.Sprintf("Cannot reach %s", app.Config.BaseURL)
		check.Hint = fmt.Sprintf("Error: %v", err)
		return check
	}

	check.Status = "pass"
	if verbose {
		check.Message = fmt.Sprintf("%s reachable (%dms)", app.Config.BaseURL, latency.Milliseconds())
	} else {
		check.Message = fmt.Sprintf("%s reachable", app.Config.BaseURL)
	}
	return check
}

func pluralize(n int, singular, plural string) string {
	if n == 1 {
		return singular
	}
	return plural
}
