package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dgnsrekt/pagecopy/internal/target"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the page copier daemon.
type Config struct {
	// CDP connection settings
	CDPAddress string
	CDPPort    int

	// HTTP API
	BindAddr         string
	PortCandidates   []string
	PortAutoFallback bool

	// Page matching and controls
	PagePatterns   []string
	TargetsFile    string
	RevertDelayMS  int
	EvalTimeoutMS  int
	SyncIntervalMS int

	// Activation history
	HistoryFile string
	HistorySize int

	// Optional browser launch
	LaunchBrowser bool
	StartURL      string
	ProfileDir    string

	// Outcome notifications, disabled when NotifyURL is empty
	NotifyURL    string
	NotifyStates []string

	LogLevel string
	LogFile  string
}

// Load reads configuration from environment variables and optional .env file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := &Config{
		CDPAddress:       getEnvOrDefault("CHROMIUM_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:          getEnvIntOrDefault("CHROMIUM_CDP_PORT", 9220),
		BindAddr:         getEnvOrDefault("COPIER_BIND_ADDR", "127.0.0.1:8190"),
		PortCandidates:   getEnvListOrDefault("COPIER_PORT_CANDIDATES", []string{"127.0.0.1:8191", "127.0.0.1:8192", "127.0.0.1:8193"}),
		PortAutoFallback: getEnvBoolOrDefault("COPIER_PORT_AUTO_FALLBACK", true),
		PagePatterns:     getEnvListOrDefault("COPIER_PAGE_PATTERNS", target.DefaultPagePatterns),
		TargetsFile:      getEnvOrDefault("COPIER_TARGETS_FILE", ""),
		RevertDelayMS:    getEnvIntOrDefault("COPIER_REVERT_DELAY_MS", 3000),
		EvalTimeoutMS:    getEnvIntOrDefault("COPIER_EVAL_TIMEOUT_MS", 5000),
		SyncIntervalMS:   getEnvIntOrDefault("COPIER_SYNC_INTERVAL_MS", 2000),
		HistoryFile:      getEnvOrDefault("COPIER_HISTORY_FILE", "logs/copy_history.jsonl"),
		HistorySize:      getEnvIntOrDefault("COPIER_HISTORY_SIZE", 200),
		LaunchBrowser:    getEnvBoolOrDefault("COPIER_LAUNCH_BROWSER", false),
		StartURL:         getEnvOrDefault("COPIER_START_URL", "https://www.ebanglalibrary.com/"),
		ProfileDir:       getEnvOrDefault("COPIER_PROFILE_DIR", ""),
		NotifyURL:        getEnvOrDefault("COPIER_NOTIFY_URL", ""),
		NotifyStates:     getEnvListOrDefault("COPIER_NOTIFY_STATES", []string{"error"}),
		LogLevel:         strings.ToLower(getEnvOrDefault("COPIER_LOG_LEVEL", "info")),
		LogFile:          getEnvOrDefault("COPIER_LOG_FILE", "logs/page_copier.log"),
	}
	if cfg.EvalTimeoutMS < 1000 {
		cfg.EvalTimeoutMS = 1000
	}
	if cfg.RevertDelayMS <= 0 {
		cfg.RevertDelayMS = 3000
	}
	if cfg.SyncIntervalMS < 250 {
		cfg.SyncIntervalMS = 250
	}
	if cfg.HistorySize < 1 {
		cfg.HistorySize = 1
	}

	if _, err := target.ParsePatterns(cfg.PagePatterns); err != nil {
		return nil, fmt.Errorf("COPIER_PAGE_PATTERNS: %w", err)
	}
	return cfg, nil
}

// GetCDPURL returns the full CDP HTTP endpoint.
func (c *Config) GetCDPURL() string {
	return "http://" + c.CDPAddress + ":" + strconv.Itoa(c.CDPPort)
}

// Patterns returns the parsed page patterns. Load has already validated them.
func (c *Config) Patterns() []target.Pattern {
	p, _ := target.ParsePatterns(c.PagePatterns)
	return p
}

func (c *Config) RevertDelay() time.Duration {
	return time.Duration(c.RevertDelayMS) * time.Millisecond
}

func (c *Config) EvalTimeout() time.Duration {
	return time.Duration(c.EvalTimeoutMS) * time.Millisecond
}

func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalMS) * time.Millisecond
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

// getEnvListOrDefault splits a comma separated value, dropping blanks.
func getEnvListOrDefault(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return append([]string(nil), defaultVal...)
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return append([]string(nil), defaultVal...)
	}
	return out
}
