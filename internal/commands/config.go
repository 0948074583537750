package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/quarryhq/quarry-cli/internal/appctx"
	"github.com/quarryhq/quarry-cli/internal/config"
	"github.com/quarryhq/quarry-cli/internal/output"
)

// keyKind describes the value type a config key accepts.
type keyKind int

const (
	kindString keyKind = iota
	kindBool
	kindInt
	kindFloat
	kindDuration
)

// validConfigKeys maps settable keys to their value kinds. Dotted keys
// address the retry and resilience sections.
var validConfigKeys = map[string]keyKind{
	"base_url":        kindString,
	"key_id":          kindString,
	"tokens_path":     kindString,
	"cache_dir":       kindString,
	"request_timeout": kindDuration,
	"refresh_buffer":  kindDuration,
	"stats":           kindBool,
	"verbose":         kindInt,

	"retry.max_attempts":  kindInt,
	"retry.initial_delay": kindDuration,
	"retry.max_delay":     kindDuration,
	"retry.jitter_factor": kindFloat,

	"resilience.enabled":           kindBool,
	"resilience.failure_threshold": kindInt,
	"resilience.cooldown":          kindDuration,
	"resilience.max_concurrent":    kindInt,
}

// NewConfigCmd creates the config command for managing configuration.
func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		Long: `Manage quarry configuration.

Configuration is loaded from multiple sources with the following precedence:
  flags > env > local > repo > global > system > defaults

Config locations:
  - System: /etc/quarry/config.json
  - Global: ~/.config/quarry/config.json
  - Repo:   <git-root>/.quarry/config.json
  - Local:  .quarry/config.json

The set, unset, and path subcommands operate on the global file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigList(cmd)
		},
	}

	cmd.AddCommand(
		newConfigListCmd(),
		newConfigGetCmd(),
		newConfigSetCmd(),
		newConfigUnsetCmd(),
		newConfigPathCmd(),
	)

	return cmd
}

func newConfigListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show effective configuration",
		Long:  "Display the current effective configuration with source information.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfigList(cmd)
		},
	}
}

func runConfigList(cmd *cobra.Command) error {
	app := appctx.FromContext(cmd.Context())
	if app == nil {
		return fmt.Errorf("app not initialized")
	}

	configData := make(map[string]any)
	for key := range validConfigKeys {
		value, source, set := effectiveEntry(app.Config, key)
		if !set {
			continue
		}
		configData[key] = map[string]string{
			"value":  value,
			"source": source,
		}
	}

	return app.OK(configData, output.WithSummary("Effective configuration"))
}

func newConfigGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Get a configuration value",
		Long:  "Display one effective configuration value and where it came from.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appctx.FromContext(cmd.Context())
			if app == nil {
				return fmt.Errorf("app not initialized")
			}

			key := args[0]
			if _, ok := validConfigKeys[key]; !ok {
				return invalidKeyError(key)
			}

			value, source, _ := effectiveEntry(app.Config, key)

			return app.OK(map[string]string{
				"key":    key,
				"value":  value,
				"source": source,
			}, output.WithSummary(fmt.Sprintf("%s = %s (%s)", key, value, source)))
		},
	}
}

func newConfigSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Long: `Set a configuration value in the global config file.

Valid keys: base_url, key_id, tokens_path, cache_dir, request_timeout,
            refresh_buffer, stats, verbose, retry.max_attempts,
            retry.initial_delay, retry.max_delay, retry.jitter_factor,
            resilience.enabled, resilience.failure_threshold,
            resilience.cooldown, resilience.max_concurrent

Durations accept Go syntax ("30s", "2m") or a bare number of seconds.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appctx.FromContext(cmd.Context())
			if app == nil {
				return fmt.Errorf("app not initialized")
			}

			key := args[0]
			value := args[1]

			kind, ok := validConfigKeys[key]
			if !ok {
				return invalidKeyError(key)
			}

			parsed, valueOut, err := parseConfigValue(key, kind, value)
			if err != nil {
				return err
			}

			configPath := globalConfigFile()

			// Ensure directory exists
			if err := os.MkdirAll(filepath.Dir(configPath), 0700); err != nil {
				return fmt.Errorf("failed to create config directory: %w", err)
			}

			// Load existing config or create new
			configData := make(map[string]any)
			if data, err := os.ReadFile(configPath); err == nil { //nolint:gosec // G304: Path is from trusted config location
				_ = json.Unmarshal(data, &configData) // Ignore error - start fresh if invalid
			}

			setConfigValue(configData, key, parsed)

			if err := writeConfigFile(configPath, configData); err != nil {
				return err
			}

			return app.OK(map[string]any{
				"key":    key,
				"value":  valueOut,
				"path":   configPath,
				"status": "set",
			}, output.WithSummary(fmt.Sprintf("Set %s = %s", key, valueOut)))
		},
	}
}

func newConfigUnsetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unset <key>",
		Short: "Unset a configuration value",
		Long:  "Remove a configuration value from the global config file.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appctx.FromContext(cmd.Context())
			if app == nil {
				return fmt.Errorf("app not initialized")
			}

			key := args[0]
			if _, ok := validConfigKeys[key]; !ok {
				return invalidKeyError(key)
			}

			configPath := globalConfigFile()

			// Load existing config
			configData := make(map[string]any)
			data, err := os.ReadFile(configPath) //nolint:gosec // G304: Path is from trusted config location
			if err != nil {
				return app.OK(map[string]any{
					"key":    key,
					"status": "not_found",
				}, output.WithSummary(fmt.Sprintf("Config file not found: %s", configPath)))
			}
			_ = json.Unmarshal(data, &configData) // Ignore error - treat as empty

			if !unsetConfigValue(configData, key) {
				return app.OK(map[string]any{
					"key":    key,
					"status": "not_set",
				}, output.WithSummary(fmt.Sprintf("Key not set: %s", key)))
			}

			if err := writeConfigFile(configPath, configData); err != nil {
				return err
			}

			return app.OK(map[string]any{
				"key":    key,
				"status": "unset",
			}, output.WithSummary(fmt.Sprintf("Unset %s", key)))
		},
	}
}

func newConfigPathCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the global config file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := appctx.FromContext(cmd.Context())
			if app == nil {
				return fmt.Errorf("app not initialized")
			}

			configPath := globalConfigFile()

			// Raw output by default so shell substitution stays clean.
			if app.Flags.JSON {
				return app.OK(map[string]string{"path": configPath})
			}

			fmt.Fprintln(cmd.OutOrStdout(), configPath)
			return nil
		},
	}
}

func globalConfigFile() string {
	return filepath.Join(config.GlobalConfigDir(), "config.json")
}

func invalidKeyError(key string) error {
	names := make([]string, 0, len(validConfigKeys))
	for k := range validConfigKeys {
		names = append(names, k)
	}
	sort.Strings(names)
	return output.ErrUsage(fmt.Sprintf("Invalid config key %q. Valid keys: %s", key, strings.Join(names, ", ")))
}

// parseConfigValue validates and converts a raw flag value for key.
// Returns the JSON-ready value and its display form.
func parseConfigValue(key string, kind keyKind, value string) (any, string, error) {
	switch kind {
	case kindBool:
		boolVal, ok := parseBoolFlag(value)
		if !ok {
			return nil, "", output.ErrUsage(fmt.Sprintf("%s must be true/false (or 1/0)", key))
		}
		return boolVal, fmt.Sprintf("%t", boolVal), nil

	case kindInt:
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, "", output.ErrUsage(fmt.Sprintf("%s must be an integer", key))
		}
		switch key {
		case "verbose":
			if n < 0 || n > 2 {
				return nil, "", output.ErrUsage("verbose must be 0, 1, or 2")
			}
		default:
			if n < 1 {
				return nil, "", output.ErrUsage(fmt.Sprintf("%s must be at least 1", key))
			}
		}
		return n, value, nil

	case kindFloat:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil || f < 0 {
			return nil, "", output.ErrUsage(fmt.Sprintf("%s must be a non-negative number", key))
		}
		return f, value, nil

	case kindDuration:
		// Bare numbers are seconds; otherwise Go duration syntax.
		if n, err := strconv.Atoi(value); err == nil {
			if n < 0 {
				return nil, "", output.ErrUsage(fmt.Sprintf("%s must not be negative", key))
			}
			return n, (time.Duration(n) * time.Second).String(), nil
		}
		d, err := time.ParseDuration(value)
		if err != nil || d < 0 {
			return nil, "", output.ErrUsage(fmt.Sprintf("%s must be a duration like \"30s\" or a number of seconds", key))
		}
		return d.String(), d.String(), nil

	default:
		if key == "base_url" {
			value = config.NormalizeBaseURL(value)
			if !strings.HasPrefix(value, "http://") && !strings.HasPrefix(value, "https://") {
				return nil, "", output.ErrUsage("base_url must start with http:// or https://")
			}
		}
		return value, value, nil
	}
}

// setConfigValue writes a possibly dotted key into the config map.
func setConfigValue(configData map[string]any, key string, value any) {
	section, rest, ok := strings.Cut(key, ".")
	if !ok {
		configData[key] = value
		return
	}
	sub, _ := configData[section].(map[string]any)
	if sub == nil {
		sub = make(map[string]any)
	}
	sub[rest] = value
	configData[section] = sub
}

// unsetConfigValue removes a possibly dotted key. Reports whether the
// key was present. Emptied sections are dropped.
func unsetConfigValue(configData map[string]any, key string) bool {
	section, rest, ok := strings.Cut(key, ".")
	if !ok {
		if _, exists := configData[key]; !exists {
			return false
		}
		delete(configData, key)
		return true
	}

	sub, _ := configData[section].(map[string]any)
	if sub == nil {
		return false
	}
	if _, exists := sub[rest]; !exists {
		return false
	}
	delete(sub, rest)
	if len(sub) == 0 {
		delete(configData, section)
	}
	return true
}

// effectiveEntry resolves one key against the loaded configuration.
// set reports whether the value is worth listing (explicitly
// configured, or carrying a non-empty default).
func effectiveEntry(cfg *config.Config, key string) (value, source string, set bool) {
	source = cfg.Sources[key]
	if source == "" {
		source = "default"
	}

	switch key {
	case "base_url":
		return cfg.BaseURL, source, cfg.BaseURL != ""
	case "key_id":
		return cfg.KeyID, source, cfg.KeyID != ""
	case "tokens_path":
		return cfg.TokensPath, source, cfg.TokensPath != ""
	case "cache_dir":
		return cfg.CacheDir, source, cfg.CacheDir != ""
	case "request_timeout":
		return cfg.RequestTimeout.String(), source, true
	case "refresh_buffer":
		return cfg.RefreshBuffer.String(), source, true
	case "stats":
		return fmt.Sprintf("%t", cfg.Stats != nil && *cfg.Stats), source, cfg.Stats != nil
	case "verbose":
		return fmt.Sprintf("%d", derefInt(cfg.Verbose)), source, cfg.Verbose != nil
	case "retry.max_attempts":
		return strconv.Itoa(cfg.Retry.MaxAttempts), source, true
	case "retry.initial_delay":
		return cfg.Retry.InitialDelay.String(), source, true
	case "retry.max_delay":
		return cfg.Retry.MaxDelay.String(), source, true
	case "retry.jitter_factor":
		return strconv.FormatFloat(cfg.Retry.JitterFactor, 'f', -1, 64), source, true
	case "resilience.enabled":
		return fmt.Sprintf("%t", cfg.Resilience.Enabled), source, true
	case "resilience.failure_threshold":
		return strconv.Itoa(cfg.Resilience.FailureThreshold), source, true
	case "resilience.cooldown":
		return cfg.Resilience.Cooldown.String(), source, true
	case "resilience.max_concurrent":
		return strconv.Itoa(cfg.Resilience.MaxConcurrent), source, true
	default:
		return "", source, false
	}
}

func writeConfigFile(path string, configData map[string]any) error {
	data, err := json.MarshalIndent(configData, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := atomicWriteFile(path, append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func derefInt(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

func parseBoolFlag(value string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "1", "yes", "on":
		return true, true
	case "false", "0", "no", "off":
		return false, true
	default:
		return false, false
	}
}

// atomicWriteFile writes data to a file atomically using temp+rename.
// Files are always created with 0600 permissions (owner read/write only).
func atomicWriteFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmpFile.Chmod(0600); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	// Unix: rename atomically replaces the destination.
	// Windows: rename fails when destination exists. Try rename first to
	// preserve the old file on unrelated errors; only remove+retry on failure.
	if err := os.Rename(tmpPath, path); err != nil && runtime.GOOS == "windows" {
		_ = os.Remove(path)
		return os.Rename(tmpPath, path)
	} else { //nolint:revive // else-with-return kept for clarity of the two-branch pattern
		return err
	}
}
