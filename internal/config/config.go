// Package config provides layered configuration loading.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config holds the resolved configuration.
type Config struct {
	// Platform settings
	BaseURL string `json:"base_url"`
	KeyID   string `json:"key_id"`

	// Credential storage
	TokensPath string `json:"tokens_path"`
	// EncryptionKey comes from the environment only; never from a file
	// and never written back out.
	EncryptionKey string `json:"-"`

	// Request behavior
	RequestTimeout time.Duration `json:"-"`
	RefreshBuffer  time.Duration `json:"-"`
	Retry          RetryConfig   `json:"retry"`

	// Cross-invocation guard state
	CacheDir   string           `json:"cache_dir"`
	Resilience ResilienceConfig `json:"resilience"`

	// Behavior preferences (persisted via config set, overridable by flags)
	Stats   *bool `json:"stats,omitempty"`
	Verbose *int  `json:"verbose,omitempty"`

	// Sources tracks where each value came from (for debugging).
	Sources map[string]string `json:"-"`
}

// RetryConfig controls the request retry policy.
type RetryConfig struct {
	MaxAttempts  int           `json:"max_attempts"`
	InitialDelay time.Duration `json:"-"`
	MaxDelay     time.Duration `json:"-"`
	JitterFactor float64       `json:"jitter_factor"`
}

// ResilienceConfig controls the cross-invocation guards.
type ResilienceConfig struct {
	Enabled          bool          `json:"enabled"`
	FailureThreshold int           `json:"failure_threshold"`
	Cooldown         time.Duration `json:"-"`
	MaxConcurrent    int           `json:"max_concurrent"`
}

// Source indicates where a config value came from.
type Source string

const (
	SourceDefault Source = "default"
	SourceSystem  Source = "system"
	SourceGlobal  Source = "global"
	SourceRepo    Source = "repo"
	SourceLocal   Source = "local"
	SourceEnv     Source = "env"
	SourceFlag    Source = "flag"
)

// FlagOverrides holds command-line flag values.
type FlagOverrides struct {
	BaseURL  string
	Timeout  time.Duration
	CacheDir string
	NoRetry  bool
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		BaseURL:        "https://api.quarryhq.com",
		TokensPath:     filepath.Join(GlobalConfigDir(), "credentials.json"),
		RequestTimeout: 30 * time.Second,
		RefreshBuffer:  300 * time.Second,
		Retry: RetryConfig{
			MaxAttempts:  3,
			InitialDelay: time.Second,
			MaxDelay:     30 * time.Second,
			JitterFactor: 0.2,
		},
		CacheDir: defaultCacheDir(),
		Resilience: ResilienceConfig{
			Enabled:          true,
			FailureThreshold: 5,
			Cooldown:         30 * time.Second,
			MaxConcurrent:    8,
		},
		Sources: make(map[string]string),
	}
}

func defaultCacheDir() string {
	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, _ := os.UserHomeDir()
		cacheDir = filepath.Join(home, ".cache")
	}
	return filepath.Join(cacheDir, "quarry")
}

// Load loads configuration from all sources with proper precedence.
// Precedence: flags > env > local > repo > global > system > defaults
func Load(overrides FlagOverrides) (*Config, error) {
	cfg := Default()

	// Load from file layers (system -> global -> repo -> local)
	loadFromFile(cfg, systemConfigPath(), SourceSystem)
	loadFromFile(cfg, globalConfigPath(), SourceGlobal)

	repoPath := repoConfigPath()
	if repoPath != "" {
		loadFromFile(cfg, repoPath, SourceRepo)
	}

	// Load all local configs from root to current (closer overrides)
	for _, path := range localConfigPaths(repoPath) {
		loadFromFile(cfg, path, SourceLocal)
	}

	// Load from environment
	LoadFromEnv(cfg)

	// Apply flag overrides
	ApplyOverrides(cfg, overrides)

	return cfg, nil
}

func loadFromFile(cfg *Config, path string, source Source) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: Path is from trusted config locations
	if err != nil {
		return // File doesn't exist, skip
	}

	var fileCfg map[string]any
	if err := json.Unmarshal(data, &fileCfg); err != nil {
		fmt.Fprintf(os.Stderr, "warning: skipping malformed config at %s: %v\n", path, err)
		return
	}

	// base_url is an authority key: it controls where credentials are
	// sent. Local/repo config must NOT set it, or a malicious config in
	// a cloned repo or parent directory could redirect authenticated
	// traffic.
	untrusted := source == SourceLocal || source == SourceRepo

	if v, ok := fileCfg["base_url"].(string); ok && v != "" {
		if untrusted {
			fmt.Fprintf(os.Stderr, "warning: ignoring base_url %q from %s config at %s (authority keys are not trusted from local/repo config)\n", v, source, path)
		} else {
			cfg.BaseURL = v
			cfg.Sources["base_url"] = string(source)
		}
	}
	if v, ok := fileCfg["key_id"].(string); ok && v != "" {
		cfg.KeyID = v
		cfg.Sources["key_id"] = string(source)
	}
	if v, ok := fileCfg["tokens_path"].(string); ok && v != "" {
		cfg.TokensPath = v
		cfg.Sources["tokens_path"] = string(source)
	}
	if v, ok := getDuration(fileCfg, "request_timeout"); ok {
		cfg.RequestTimeout = v
		cfg.Sources["request_timeout"] = string(source)
	}
	if v, ok := getDuration(fileCfg, "refresh_buffer"); ok {
		cfg.RefreshBuffer = v
		cfg.Sources["refresh_buffer"] = string(source)
	}
	if v, ok := fileCfg["cache_dir"].(string); ok && v != "" {
		cfg.CacheDir = v
		cfg.Sources["cache_dir"] = string(source)
	}
	if v, ok := fileCfg["retry"].(map[string]any); ok {
		loadRetrySection(cfg, v, source)
	}
	if v, ok := fileCfg["resilience"].(map[string]any); ok {
		loadResilienceSection(cfg, v, source)
	}
	if v, ok := fileCfg["stats"].(bool); ok {
		cfg.Stats = &v
		cfg.Sources["stats"] = string(source)
	}
	if v, ok := fileCfg["verbose"]; ok {
		if fv, ok := v.(float64); ok {
			iv := int(fv)
			if iv >= 0 && iv <= 2 && fv == float64(iv) {
				cfg.Verbose = &iv
				cfg.Sources["verbose"] = string(source)
			}
		}
	}
}

func loadRetrySection(cfg *Config, section map[string]any, source Source) {
	if v, ok := section["max_attempts"].(float64); ok && v >= 1 {
		cfg.Retry.MaxAttempts = int(v)
		cfg.Sources["retry.max_attempts"] = string(source)
	}
	if v, ok := getDuration(section, "initial_delay"); ok {
		cfg.Retry.InitialDelay = v
		cfg.Sources["retry.initial_delay"] = string(source)
	}
	if v, ok := getDuration(section, "max_delay"); ok {
		cfg.Retry.MaxDelay = v
		cfg.Sources["retry.max_delay"] = string(source)
	}
	if v, ok := section["jitter_factor"].(float64); ok && v >= 0 {
		cfg.Retry.JitterFactor = v
		cfg.Sources["retry.jitter_factor"] = string(source)
	}
}

func loadResilienceSection(cfg *Config, section map[string]any, source Source) {
	if v, ok := section["enabled"].(bool); ok {
		cfg.Resilience.Enabled = v
		cfg.Sources["resilience.enabled"] = string(source)
	}
	if v, ok := section["failure_threshold"].(float64); ok && v >= 1 {
		cfg.Resilience.FailureThreshold = int(v)
		cfg.Sources["resilience.failure_threshold"] = string(source)
	}
	if v, ok := getDuration(section, "cooldown"); ok {
		cfg.Resilience.Cooldown = v
		cfg.Sources["resilience.cooldown"] = string(source)
	}
	if v, ok := section["max_concurrent"].(float64); ok && v >= 1 {
		cfg.Resilience.MaxConcurrent = int(v)
		cfg.Sources["resilience.max_concurrent"] = string(source)
	}
}

// LoadFromEnv loads configuration from environment variables.
// Exported so tests and root.go can re-apply deterministically.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("QUARRY_BASE_URL"); v != "" {
		cfg.BaseURL = v
		cfg.Sources["base_url"] = string(SourceEnv)
	}
	if v := os.Getenv("QUARRY_KEY_ID"); v != "" {
		cfg.KeyID = v
		cfg.Sources["key_id"] = string(SourceEnv)
	}
	if v := os.Getenv("QUARRY_TOKENS_PATH"); v != "" {
		cfg.TokensPath = v
		cfg.Sources["tokens_path"] = string(SourceEnv)
	}
	if v := os.Getenv("QUARRY_ENCRYPTION_KEY"); v != "" {
		cfg.EncryptionKey = v
		cfg.Sources["encryption_key"] = string(SourceEnv)
	}
	if v := os.Getenv("QUARRY_REQUEST_TIMEOUT"); v != "" {
		if d, ok := parseDuration(v); ok {
			cfg.RequestTimeout = d
			cfg.Sources["request_timeout"] = string(SourceEnv)
		}
	}
	if v := os.Getenv("QUARRY_REFRESH_BUFFER"); v != "" {
		if d, ok := parseDuration(v); ok {
			cfg.RefreshBuffer = d
			cfg.Sources["refresh_buffer"] = string(SourceEnv)
		}
	}
	if v := os.Getenv("QUARRY_CACHE_DIR"); v != "" {
		cfg.CacheDir = v
		cfg.Sources["cache_dir"] = string(SourceEnv)
	}
	if v := os.Getenv("QUARRY_STATS"); v != "" {
		if b, ok := parseEnvBool(v); ok {
			cfg.Stats = &b
			cfg.Sources["stats"] = string(SourceEnv)
		}
	}
}

// parseEnvBool parses a boolean environment variable strictly.
// Returns (value, true) for recognized values, (false, false) for unrecognized.
// Unrecognized values are ignored to preserve three-state pointer semantics.
func parseEnvBool(v string) (bool, bool) {
	switch strings.ToLower(v) {
	case "true", "1":
		return true, true
	case "false", "0":
		return false, true
	default:
		return false, false
	}
}

// getDuration extracts a duration that may be a JSON number (seconds)
// or a Go duration string ("30s", "2m").
func getDuration(m map[string]any, key string) (time.Duration, bool) {
	v, ok := m[key]
	if !ok || v == nil {
		return 0, false
	}
	switch val := v.(type) {
	case float64:
		if val < 0 {
			return 0, false
		}
		return time.Duration(val * float64(time.Second)), true
	case string:
		return parseDuration(val)
	default:
		return 0, false
	}
}

func parseDuration(s string) (time.Duration, bool) {
	if d, err := time.ParseDuration(s); err == nil && d >= 0 {
		return d, true
	}
	// Bare number: treat as seconds.
	var secs float64
	if _, err := fmt.Sscanf(s, "%f", &secs); err == nil && secs >= 0 {
		return time.Duration(secs * float64(time.Second)), true
	}
	return 0, false
}

// ApplyOverrides applies non-empty flag overrides to cfg.
func ApplyOverrides(cfg *Config, o FlagOverrides) {
	if o.BaseURL != "" {
		cfg.BaseURL = o.BaseURL
		cfg.Sources["base_url"] = string(SourceFlag)
	}
	if o.Timeout > 0 {
		cfg.RequestTimeout = o.Timeout
		cfg.Sources["request_timeout"] = string(SourceFlag)
	}
	if o.CacheDir != "" {
		cfg.CacheDir = o.CacheDir
		cfg.Sources["cache_dir"] = string(SourceFlag)
	}
	if o.NoRetry {
		cfg.Retry.MaxAttempts = 1
		cfg.Sources["retry.max_attempts"] = string(SourceFlag)
	}
}

// Path helpers

func systemConfigPath() string {
	return "/etc/quarry/config.json"
}

func globalConfigPath() string {
	return filepath.Join(GlobalConfigDir(), "config.json")
}

func repoConfigPath() string {
	// Walk up to find .git directory, then look for .quarry/config.json.
	// Bounded by $HOME: only search within the home directory tree.
	// If CWD is outside $HOME (e.g., /tmp), no repo config is trusted.
	dir, err := os.Getwd()
	if err != nil {
		return "" // fail closed: can't determine CWD
	}
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return "" // fail closed: can't resolve symlinks for trust boundary
	}
	dir = resolved
	home, _ := os.UserHomeDir()
	if resolved, err := filepath.EvalSymlinks(home); err == nil {
		home = resolved
	}

	// If CWD is not inside $HOME, don't trust any repo config.
	// This prevents a malicious .git in /tmp/ from anchoring the repo root.
	if home != "" && !isInsideDir(dir, home) {
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
		// Don't walk above home directory
		if home != "" && dir == home {
			return ""
		}
		dir = parent
	}
}

// isInsideDir reports whether child is the same as or a subdirectory of parent.
// Both paths must be absolute and already cleaned/resolved.
func isInsideDir(child, parent string) bool {
	if child == parent {
		return true
	}
	prefix := parent
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(child, prefix)
}

// localConfigPaths returns .quarry/config.json paths within the trust boundary,
// excluding the repo config path (already loaded as SourceRepo).
// Paths are returned in order from furthest ancestor to closest, so closer configs override.
//
// Trust boundary:
//   - Inside a git repo: only paths at or below the repo root
//   - Outside a git repo: only the current working directory (no parent traversal)
func localConfigPaths(repoConfigPath string) []string {
	dir, err := os.Getwd()
	if err != nil {
		return nil // fail closed: can't determine CWD
	}
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return nil // fail closed: can't resolve symlinks for trust boundary
	}
	dir = resolved
	var paths []string

	var boundary string
	if repoConfigPath != "" {
		// Inside a repo: trust boundary is the repo root
		boundary = filepath.Dir(filepath.Dir(repoConfigPath)) // .quarry/config.json -> repo root
	} else {
		// No repo: only trust current directory
		boundary = dir
	}
	if resolved, err := filepath.EvalSymlinks(boundary); err == nil {
		boundary = resolved
	}

	// Collect paths walking up, stopping at the trust boundary
	for {
		cfgPath := filepath.Join(dir, ".quarry", "config.json")
		if _, err := os.Stat(cfgPath); err == nil {
			if cfgPath != repoConfigPath {
				paths = append(paths, cfgPath)
			}
		}

		parent := filepath.Dir(dir)
		if parent == dir || dir == boundary {
			break
		}
		dir = parent
	}

	// Reverse so paths go from boundary to current (closer overrides)
	for i, j := 0, len(paths)-1; i < j; i, j = i+1, j-1 {
		paths[i], paths[j] = paths[j], paths[i]
	}

	return paths
}

// GlobalConfigDir returns the global config directory path.
func GlobalConfigDir() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "quarry")
}

// NormalizeBaseURL ensures consistent URL format (no trailing slash).
func NormalizeBaseURL(url string) string {
	return strings.TrimSuffix(url, "/")
}
