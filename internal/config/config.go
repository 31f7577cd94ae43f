// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// MinPollInterval is the floor for the upstream poll ticker. Anything
// shorter hammers the sinkhole for no analytical gain.
const MinPollInterval = 5 * time.Second

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Upstream sinkhole settings. URLs are tried in order on every tick;
	// the first is primary, later entries are failover candidates.
	UpstreamURLs    []string
	UpstreamUser    string
	UpstreamPass    string
	UpstreamTimeout time.Duration
	PollInterval    time.Duration
	BatchLimit      int

	// Reasoning service settings.
	ReasoningURL    string
	ReasoningAPIKey string

	// Ledger settings. DSN empty disables the remote Postgres sink;
	// the local SQLite mirror under DataDir is always on.
	LedgerDSN   string
	LedgerTable string

	// Pipeline settings.
	WorkerPoolSize      int
	DedupWindow         int
	CacheMemoryCapacity int
	CacheDiskPath       string
	DataDir             string

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel            string
	MaxRequestBodyBytes int64
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                envInt("SABAKI_PORT", 8080),
		ReadTimeout:         envDuration("SABAKI_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        envDuration("SABAKI_WRITE_TIMEOUT", 30*time.Second),
		UpstreamURLs:        envStrList("SABAKI_UPSTREAM_URLS", envStr("SABAKI_UPSTREAM_URL", "")),
		UpstreamUser:        envStr("SABAKI_UPSTREAM_USER", ""),
		UpstreamPass:        envStr("SABAKI_UPSTREAM_PASS", ""),
		UpstreamTimeout:     envDuration("SABAKI_UPSTREAM_TIMEOUT", 10*time.Second),
		PollInterval:        envDuration("SABAKI_POLL_INTERVAL", 30*time.Second),
		BatchLimit:          envInt("SABAKI_BATCH_LIMIT", 100),
		ReasoningURL:        envStr("SABAKI_REASONING_URL", ""),
		ReasoningAPIKey:     envStr("SABAKI_REASONING_API_KEY", ""),
		LedgerDSN:           envStr("SABAKI_LEDGER_DSN", ""),
		LedgerTable:         envStr("SABAKI_LEDGER_TABLE", "verdicts"),
		WorkerPoolSize:      envInt("SABAKI_WORKER_POOL_SIZE", 8),
		DedupWindow:         envInt("SABAKI_DEDUP_WINDOW", 5000),
		CacheMemoryCapacity: envInt("SABAKI_CACHE_MEMORY_CAPACITY", 5000),
		DataDir:             envStr("SABAKI_DATA_DIR", "./data"),
		CacheDiskPath:       envStr("SABAKI_CACHE_DISK_PATH", ""),
		OTELEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:        envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:         envStr("OTEL_SERVICE_NAME", "sabaki"),
		LogLevel:            envStr("SABAKI_LOG_LEVEL", "info"),
		MaxRequestBodyBytes: int64(envInt("SABAKI_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default
	}
	if cfg.CacheDiskPath == "" {
		cfg.CacheDiskPath = cfg.DataDir + "/verdicts.cache"
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that configuration values are usable. Missing credentials
// are not errors here — subsystems without credentials are disabled at wire
// time with a logged warning.
func (c Config) Validate() error {
	if c.PollInterval < MinPollInterval {
		return fmt.Errorf("config: SABAKI_POLL_INTERVAL must be at least %s", MinPollInterval)
	}
	if c.BatchLimit <= 0 {
		return fmt.Errorf("config: SABAKI_BATCH_LIMIT must be positive")
	}
	if c.WorkerPoolSize <= 0 {
		return fmt.Errorf("config: SABAKI_WORKER_POOL_SIZE must be positive")
	}
	if c.DedupWindow <= 0 {
		return fmt.Errorf("config: SABAKI_DEDUP_WINDOW must be positive")
	}
	if c.CacheMemoryCapacity <= 0 {
		return fmt.Errorf("config: SABAKI_CACHE_MEMORY_CAPACITY must be positive")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: SABAKI_MAX_REQUEST_BODY_BYTES must be positive")
	}
	for _, u := range c.UpstreamURLs {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return fmt.Errorf("config: upstream URL %q must be http(s)", u)
		}
	}
	return nil
}

// UpstreamEnabled reports whether the poller has somewhere to poll.
func (c Config) UpstreamEnabled() bool { return len(c.UpstreamURLs) > 0 }

// ReasoningEnabled reports whether the reasoning tier is configured.
func (c Config) ReasoningEnabled() bool { return c.ReasoningURL != "" && c.ReasoningAPIKey != "" }

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envStrList parses a comma-separated list, trimming blanks. The default is
// a single value (possibly empty, yielding an empty list).
func envStrList(key, defaultVal string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		raw = defaultVal
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
