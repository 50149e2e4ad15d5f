// Package config loads tabmute settings from an optional YAML file, a .env
// file and the environment, in increasing order of precedence.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	StoreRedis  = "redis"
	StoreMemory = "memory"

	defaultLogFile      = "logs/tabmuted.log"
	defaultPopupLogFile = "logs/tabmute.log"
)

// Config holds all configuration for the daemon and the popup.
type Config struct {
	// CDP connection settings
	CDPAddress string
	CDPPort    int

	// HTTP control API
	BindAddr         string
	PortCandidates   []string
	PortAutoFallback bool

	// Persistent store
	StoreBackend string
	RedisURL     string
	KeyPrefix    string

	// Tab matching and command behavior
	TabURLFilter     string
	CommandTimeoutMS int
	SettleDelayMS    int
	BatchLimit       int

	// Logging
	LogLevel string
	LogFile  string

	// Browser launch
	LaunchBrowser     bool
	BrowserProfileDir string

	// ConfigPath is the YAML file the defaults came from, if any.
	ConfigPath string
}

func defaults() *Config {
	return &Config{
		CDPAddress:        "127.0.0.1",
		CDPPort:           9222,
		BindAddr:          "127.0.0.1:8190",
		PortCandidates:    []string{"127.0.0.1:8191", "127.0.0.1:8192", "127.0.0.1:8193"},
		PortAutoFallback:  true,
		StoreBackend:      StoreRedis,
		RedisURL:          "redis://127.0.0.1:6379/0",
		KeyPrefix:         "tabmute:",
		CommandTimeoutMS:  5000,
		SettleDelayMS:     250,
		BatchLimit:        8,
		LogLevel:          "info",
		LogFile:           defaultLogFile,
		BrowserProfileDir: "./browser_profile",
	}
}

// Load reads daemon configuration from the environment, an optional .env
// file and the optional YAML file named by TABMUTE_CONFIG.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := defaults()
	if path := os.Getenv("TABMUTE_CONFIG"); path != "" {
		fc, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		fc.apply(cfg)
		cfg.ConfigPath = path
	}

	cfg.CDPAddress = getEnvOrDefault("CHROMIUM_CDP_ADDRESS", cfg.CDPAddress)
	cfg.CDPPort = getEnvIntOrDefault("CHROMIUM_CDP_PORT", cfg.CDPPort)
	cfg.BindAddr = getEnvOrDefault("TABMUTE_BIND_ADDR", cfg.BindAddr)
	cfg.PortCandidates = getEnvListOrDefault("TABMUTE_PORT_CANDIDATES", cfg.PortCandidates)
	cfg.PortAutoFallback = getEnvBoolOrDefault("TABMUTE_PORT_AUTO_FALLBACK", cfg.PortAutoFallback)
	cfg.StoreBackend = strings.ToLower(getEnvOrDefault("TABMUTE_STORE", cfg.StoreBackend))
	cfg.RedisURL = getEnvOrDefault("TABMUTE_REDIS_URL", cfg.RedisURL)
	cfg.KeyPrefix = getEnvOrDefault("TABMUTE_KEY_PREFIX", cfg.KeyPrefix)
	cfg.TabURLFilter = getEnvOrDefault("TABMUTE_TAB_URL_FILTER", cfg.TabURLFilter)
	cfg.CommandTimeoutMS = getEnvIntOrDefault("TABMUTE_COMMAND_TIMEOUT_MS", cfg.CommandTimeoutMS)
	cfg.SettleDelayMS = getEnvIntOrDefault("TABMUTE_SETTLE_DELAY_MS", cfg.SettleDelayMS)
	cfg.BatchLimit = getEnvIntOrDefault("TABMUTE_BATCH_LIMIT", cfg.BatchLimit)
	cfg.LogLevel = strings.ToLower(getEnvOrDefault("TABMUTE_LOG_LEVEL", cfg.LogLevel))
	cfg.LogFile = getEnvOrDefault("TABMUTE_LOG_FILE", cfg.LogFile)
	cfg.LaunchBrowser = getEnvBoolOrDefault("TABMUTE_LAUNCH_BROWSER", cfg.LaunchBrowser)
	cfg.BrowserProfileDir = getEnvOrDefault("TABMUTE_BROWSER_PROFILE_DIR", cfg.BrowserProfileDir)

	if cfg.CommandTimeoutMS < 1000 {
		cfg.CommandTimeoutMS = 1000
	}
	if cfg.SettleDelayMS < 50 {
		cfg.SettleDelayMS = 50
	}
	if cfg.BatchLimit < 1 {
		cfg.BatchLimit = 1
	}
	if cfg.StoreBackend != StoreRedis && cfg.StoreBackend != StoreMemory {
		return nil, fmt.Errorf("config: TABMUTE_STORE must be %q or %q, got %q", StoreRedis, StoreMemory, cfg.StoreBackend)
	}
	return cfg, nil
}

// LoadPopup reads configuration for the terminal popup. It delegates to Load
// and moves the default log file so both binaries can run side by side.
func LoadPopup() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	if cfg.LogFile == defaultLogFile {
		cfg.LogFile = getEnvOrDefault("TABMUTE_POPUP_LOG_FILE", defaultPopupLogFile)
	}
	return cfg, nil
}

// CDPURL returns the CDP HTTP endpoint.
func (c *Config) CDPURL() string {
	return "http://" + c.CDPAddress + ":" + strconv.Itoa(c.CDPPort)
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

func getEnvListOrDefault(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
