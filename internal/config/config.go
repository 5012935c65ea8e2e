// Package config contains everything related to configuration
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config holds the application configuration.
type Config struct {
	DatabasePath       string
	AccountsPath       string
	GoogleClientID     string
	GoogleClientSecret string
	TokenURL           string
	// UpstreamBaseURLs are tried in order for quota and project calls.
	UpstreamBaseURLs []string
	ListenHost       string
	// UpstreamProxyURL routes non-loopback traffic when an account has no
	// proxy of its own. http, https and socks5 schemes are accepted.
	UpstreamProxyURL string
	LogLevel         string
	LogFormat        string
	LogFile          string

	ProxyPort          int
	NearReadyThreshold int
	WarmupMaxRetries   int
	ScreenBatchSize    int
	ExecBatchSize      int

	InteractiveTimeout   time.Duration
	BackgroundTimeout    time.Duration
	CooldownWindow       time.Duration
	WarmupInterval       time.Duration
	WarmupRetryDelay     time.Duration
	BatchPause           time.Duration
	QuotaRefreshInterval time.Duration

	WarmupNotify bool
}

// FileConfig mirrors the optional config.toml. Zero values fall through to
// defaults; environment variables override anything set here.
type FileConfig struct {
	DatabasePath         string   `toml:"database_path"`
	AccountsPath         string   `toml:"accounts_path"`
	UpstreamBaseURLs     []string `toml:"upstream_base_urls"`
	UpstreamProxyURL     string   `toml:"upstream_proxy_url"`
	ListenHost           string   `toml:"listen_host"`
	LogLevel             string   `toml:"log_level"`
	LogFormat            string   `toml:"log_format"`
	LogFile              string   `toml:"log_file"`
	ProxyPort            int      `toml:"proxy_port"`
	NearReadyThreshold   int      `toml:"near_ready_threshold"`
	WarmupMaxRetries     int      `toml:"warmup_max_retries"`
	ScreenBatchSize      int      `toml:"screen_batch_size"`
	ExecBatchSize        int      `toml:"exec_batch_size"`
	InteractiveTimeout   string   `toml:"interactive_timeout"`
	BackgroundTimeout    string   `toml:"background_timeout"`
	CooldownWindow       string   `toml:"cooldown_window"`
	WarmupInterval       string   `toml:"warmup_interval"`
	WarmupRetryDelay     string   `toml:"warmup_retry_delay"`
	BatchPause           string   `toml:"batch_pause"`
	QuotaRefreshInterval string   `toml:"quota_refresh_interval"`
	WarmupNotify         bool     `toml:"warmup_notify"`
}

// Default values
const (
	defaultTokenURL             = "https://oauth2.googleapis.com/token"
	defaultListenHost           = "127.0.0.1"
	defaultProxyPort            = 8045
	defaultNearReadyThreshold   = 95
	defaultWarmupMaxRetries     = 3
	defaultScreenBatchSize      = 5
	defaultExecBatchSize        = 3
	defaultInteractiveTimeout   = 15 * time.Second
	defaultBackgroundTimeout    = 60 * time.Second
	defaultCooldownWindow       = 4 * time.Hour
	defaultWarmupRetryDelay     = 30 * time.Second
	defaultBatchPause           = 2 * time.Second
	defaultQuotaRefreshInterval = 5 * time.Minute
)

// DefaultUpstreamBaseURLs lists the Cloud Code endpoints, sandbox first to
// stay clear of production 429s.
var DefaultUpstreamBaseURLs = []string{
	"https://daily-cloudcode-pa.sandbox.googleapis.com",
	"https://cloudcode-pa.googleapis.com",
}

// Load reads configuration from .env files, an optional config.toml and
// environment variables, in increasing order of precedence.
func Load() (*Config, error) {
	// Try loading .env from multiple locations
	envPaths := getEnvPaths()
	for _, path := range envPaths {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
			break
		}
	}

	fileCfg, err := loadFileConfig(getEnvString("CONFIG_FILE", ""))
	if err != nil {
		return nil, err
	}

	antigravityConstants := LoadAntigravityConstants()
	var defaultClientID, defaultClientSecret string
	if antigravityConstants != nil {
		defaultClientID = antigravityConstants.ClientID
		defaultClientSecret = antigravityConstants.ClientSecret
	}

	cfg := &Config{
		DatabasePath:       getEnvString("DATABASE_PATH", orString(fileCfg.DatabasePath, getDefaultDatabasePath())),
		AccountsPath:       getEnvString("ACCOUNTS_PATH", orString(fileCfg.AccountsPath, getDefaultAccountsPath())),
		GoogleClientID:     getEnvString("GOOGLE_CLIENT_ID", defaultClientID),
		GoogleClientSecret: getEnvString("GOOGLE_CLIENT_SECRET", defaultClientSecret),
		TokenURL:           getEnvString("GOOGLE_TOKEN_URL", defaultTokenURL),
		UpstreamBaseURLs:   getEnvList("UPSTREAM_BASE_URLS", orList(fileCfg.UpstreamBaseURLs, DefaultUpstreamBaseURLs)),
		ListenHost:         getEnvString("LISTEN_HOST", orString(fileCfg.ListenHost, defaultListenHost)),
		UpstreamProxyURL:   getEnvString("UPSTREAM_PROXY_URL", fileCfg.UpstreamProxyURL),
		LogLevel:           getEnvString("LOG_LEVEL", orString(fileCfg.LogLevel, "info")),
		LogFormat:          getEnvString("LOG_FORMAT", orString(fileCfg.LogFormat, "text")),
		LogFile:            getEnvString("LOG_FILE", fileCfg.LogFile),

		ProxyPort:          getEnvInt("PROXY_PORT", orInt(fileCfg.ProxyPort, defaultProxyPort)),
		NearReadyThreshold: getEnvInt("NEAR_READY_THRESHOLD", orInt(fileCfg.NearReadyThreshold, defaultNearReadyThreshold)),
		WarmupMaxRetries:   getEnvInt("WARMUP_MAX_RETRIES", orInt(fileCfg.WarmupMaxRetries, defaultWarmupMaxRetries)),
		ScreenBatchSize:    getEnvInt("SCREEN_BATCH_SIZE", orInt(fileCfg.ScreenBatchSize, defaultScreenBatchSize)),
		ExecBatchSize:      getEnvInt("EXEC_BATCH_SIZE", orInt(fileCfg.ExecBatchSize, defaultExecBatchSize)),

		InteractiveTimeout:   getEnvDuration("INTERACTIVE_TIMEOUT", fileDuration(fileCfg.InteractiveTimeout, defaultInteractiveTimeout)),
		BackgroundTimeout:    getEnvDuration("BACKGROUND_TIMEOUT", fileDuration(fileCfg.BackgroundTimeout, defaultBackgroundTimeout)),
		CooldownWindow:       getEnvDuration("COOLDOWN_WINDOW", fileDuration(fileCfg.CooldownWindow, defaultCooldownWindow)),
		WarmupInterval:       getEnvDuration("WARMUP_INTERVAL", fileDuration(fileCfg.WarmupInterval, 0)),
		WarmupRetryDelay:     getEnvDuration("WARMUP_RETRY_DELAY", fileDuration(fileCfg.WarmupRetryDelay, defaultWarmupRetryDelay)),
		BatchPause:           getEnvDuration("BATCH_PAUSE", fileDuration(fileCfg.BatchPause, defaultBatchPause)),
		QuotaRefreshInterval: getEnvDuration("QUOTA_REFRESH_INTERVAL", fileDuration(fileCfg.QuotaRefreshInterval, defaultQuotaRefreshInterval)),

		WarmupNotify: getEnvBool("WARMUP_NOTIFY", fileCfg.WarmupNotify),
	}

	if cfg.GoogleClientID == "" || cfg.GoogleClientSecret == "" {
		return nil, fmt.Errorf(
			"GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET are required (set via env or opencode-antigravity-auth)")
	}

	if cfg.NearReadyThreshold < 0 || cfg.NearReadyThreshold > 100 {
		return nil, fmt.Errorf("NEAR_READY_THRESHOLD must be within 0-100, got %d", cfg.NearReadyThreshold)
	}

	// Ensure database directory exists
	if err := ensureDir(filepath.Dir(cfg.DatabasePath)); err != nil {
		return nil, err
	}

	// Ensure accounts directory exists
	if err := ensureDir(filepath.Dir(cfg.AccountsPath)); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoopbackBaseURL is the base URL of this process's own HTTP server.
func (c *Config) LoopbackBaseURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", c.ProxyPort)
}

// ListenAddr is the address the HTTP server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.ListenHost, c.ProxyPort)
}

// loadFileConfig decodes the TOML config file. An explicit path must exist;
// the default locations are optional.
func loadFileConfig(explicit string) (FileConfig, error) {
	var fc FileConfig

	if explicit != "" {
		if _, err := toml.DecodeFile(explicit, &fc); err != nil {
			return fc, fmt.Errorf("failed to load config file %s: %w", explicit, err)
		}
		return fc, nil
	}

	for _, path := range getConfigFilePaths() {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if _, err := toml.DecodeFile(path, &fc); err != nil {
			return fc, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
		break
	}
	return fc, nil
}

// getEnvPaths returns a list of paths to check for .env files.
func getEnvPaths() []string {
	var paths []string

	// Current directory
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".env"))
	}

	// Home directory locations
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths,
			filepath.Join(home, ".config", "antigravity-pool", ".env"),
			filepath.Join(home, ".config", "opencode", ".env"),
			filepath.Join(home, ".antigravity", ".env"),
		)
	}

	return paths
}

// getConfigFilePaths returns the default config.toml locations.
func getConfigFilePaths() []string {
	var paths []string
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, "config.toml"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "antigravity-pool", "config.toml"))
	}
	return paths
}

// getDefaultDatabasePath returns the default path for the SQLite database.
func getDefaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "pool.db"
	}
	return filepath.Join(home, ".config", "antigravity-pool", "pool.db")
}

// getDefaultAccountsPath returns the default path for the accounts JSON file.
func getDefaultAccountsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "accounts.json"
	}
	return filepath.Join(home, ".config", "antigravity-pool", "accounts.json")
}

// getEnvString retrieves a string environment variable or returns the default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns the default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

// getEnvBool treats "1" and "true" as set.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "1" || strings.EqualFold(value, "true")
	}
	return defaultValue
}

// getEnvList splits a comma separated environment variable.
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for part := range strings.SplitSeq(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, strings.TrimRight(part, "/"))
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

// getEnvDuration retrieves a duration environment variable or returns the default.
// Accepts values like "30s", "1m", "500ms".
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		return parseDuration(value, defaultValue)
	}
	return defaultValue
}

func fileDuration(value string, defaultValue time.Duration) time.Duration {
	if value == "" {
		return defaultValue
	}
	return parseDuration(value, defaultValue)
}

func parseDuration(value string, defaultValue time.Duration) time.Duration {
	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}
	// Try parsing as seconds if no unit specified
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func orString(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func orInt(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func orList(v, def []string) []string {
	if len(v) > 0 {
		return v
	}
	return def
}

// ensureDir creates a directory and all parent directories if they don't exist.
func ensureDir(path string) error {
	if path == "" || path == "." {
		return nil
	}
	return os.MkdirAll(path, 0o750)
}
