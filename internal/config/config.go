package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/developingchet/admission-gateway/internal/blacklist"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds all application configuration.
type Config struct {
	// HTTP front
	ListenAddr     string        `koanf:"listen_addr"`
	UpstreamURL    string        `koanf:"upstream_url"`
	TrustedProxies []string      `koanf:"trusted_proxies"`
	MaxBodyBytes   int64         `koanf:"max_body_bytes"`
	ShutdownGrace  time.Duration `koanf:"shutdown_grace"`

	// Admin API
	AdminAddr  string  `koanf:"admin_addr"`
	AdminToken string  `koanf:"admin_token"`
	AdminRPS   float64 `koanf:"admin_rps"`
	AdminBurst int     `koanf:"admin_burst"`

	// State
	DataDir         string        `koanf:"data_dir"`
	BootstrapFile   string        `koanf:"bootstrap_file"`
	JanitorInterval time.Duration `koanf:"janitor_interval"`
	AuditRetention  time.Duration `koanf:"audit_retention"`
	AuditPersist    bool          `koanf:"audit_persist"`

	// Persistence worker pool
	PoolWorkers    int           `koanf:"pool_workers"`
	PoolQueueDepth int           `koanf:"pool_queue_depth"`
	PoolMaxRetries int           `koanf:"pool_max_retries"`
	PoolRetryBase  time.Duration `koanf:"pool_retry_base"`

	// Store circuit breaker
	StoreBreakerFailures int           `koanf:"store_breaker_failures"`
	StoreBreakerTimeout  time.Duration `koanf:"store_breaker_timeout"`

	// Redis statistics (optional)
	RedisAddr          string        `koanf:"redis_addr"`
	RedisPassword      string        `koanf:"redis_password"`
	RedisDB            int           `koanf:"redis_db"`
	RedisPrefix        string        `koanf:"redis_prefix"`
	RedisFlushInterval time.Duration `koanf:"redis_flush_interval"`
	RedisTTL           time.Duration `koanf:"redis_ttl"`

	// CrowdSec decision stream (optional)
	CrowdSecEnabled       bool          `koanf:"crowdsec_enabled"`
	CrowdSecLAPIURL       string        `koanf:"crowdsec_lapi_url"`
	CrowdSecLAPIKey       string        `koanf:"crowdsec_lapi_key"`
	CrowdSecLAPIVerifyTLS bool          `koanf:"crowdsec_lapi_verify_tls"`
	CrowdSecPollInterval  time.Duration `koanf:"crowdsec_poll_interval"`
	CrowdSecOrigins       []string      `koanf:"crowdsec_origins"`
	CrowdSecUsageInterval time.Duration `koanf:"crowdsec_usage_interval"`
	BlockScenarioExclude  []string      `koanf:"block_scenario_exclude"`
	BlockWhitelist        []string      `koanf:"block_whitelist"`
	BlockMinDuration      time.Duration `koanf:"block_min_duration"`

	// Operational
	LogLevel       string `koanf:"log_level"`
	LogFormat      string `koanf:"log_format"`
	MetricsEnabled bool   `koanf:"metrics_enabled"`
	MetricsAddr    string `koanf:"metrics_addr"`
	HealthAddr     string `koanf:"health_addr"`
}

// sanitise removes a single layer of matching surrounding quotes from all string
// fields and string slice elements. This normalises values from Docker --env-file
// which does not strip shell quoting.
func (c *Config) sanitise() {
	c.ListenAddr = stripEnvQuotes(c.ListenAddr)
	c.UpstreamURL = stripEnvQuotes(c.UpstreamURL)
	c.AdminAddr = stripEnvQuotes(c.AdminAddr)
	c.AdminToken = stripEnvQuotes(c.AdminToken)
	c.DataDir = stripEnvQuotes(c.DataDir)
	c.BootstrapFile = stripEnvQuotes(c.BootstrapFile)
	c.RedisAddr = stripEnvQuotes(c.RedisAddr)
	c.RedisPassword = stripEnvQuotes(c.RedisPassword)
	c.RedisPrefix = stripEnvQuotes(c.RedisPrefix)
	c.CrowdSecLAPIURL = stripEnvQuotes(c.CrowdSecLAPIURL)
	c.CrowdSecLAPIKey = stripEnvQuotes(c.CrowdSecLAPIKey)
	c.LogLevel = stripEnvQuotes(c.LogLevel)
	c.LogFormat = stripEnvQuotes(c.LogFormat)
	c.MetricsAddr = stripEnvQuotes(c.MetricsAddr)
	c.HealthAddr = stripEnvQuotes(c.HealthAddr)

	for _, list := range [][]string{c.TrustedProxies, c.CrowdSecOrigins, c.BlockScenarioExclude, c.BlockWhitelist} {
		for i, s := range list {
			list[i] = stripEnvQuotes(s)
		}
	}
}

// defaults sets sensible default values.
func defaults() map[string]interface{} {
	return map[string]interface{}{
		"listen_addr":              ":8080",
		"max_body_bytes":           10 << 20,
		"shutdown_grace":           "10s",
		"admin_addr":               "127.0.0.1:8082",
		"admin_rps":                5.0,
		"admin_burst":              20,
		"data_dir":                 "/data",
		"janitor_interval":         "1m",
		"audit_retention":          "24h",
		"audit_persist":            true,
		"pool_workers":             2,
		"pool_queue_depth":         4096,
		"pool_max_retries":         3,
		"pool_retry_base":          "500ms",
		"store_breaker_failures":   5,
		"store_breaker_timeout":    "30s",
		"redis_db":                 0,
		"redis_prefix":             "gateway:stats",
		"redis_flush_interval":     "5s",
		"redis_ttl":                "24h",
		"crowdsec_enabled":         false,
		"crowdsec_lapi_url":        "http://crowdsec:8080",
		"crowdsec_lapi_verify_tls": true,
		"crowdsec_poll_interval":   "30s",
		"crowdsec_usage_interval":  "30m",
		"log_level":                "info",
		"log_format":               "json",
		"metrics_enabled":          true,
		"metrics_addr":             ":9090",
		"health_addr":              ":8081",
	}
}

// stripEnvQuotes removes a single layer of matching surrounding single or double
// quotes from s. This normalises values set via Docker --env-file, which does not
// strip shell quoting. Only symmetric pairs are stripped: 'x' → x, "x" → x.
// Unpaired or mismatched quotes are left as-is.
func stripEnvQuotes(s string) string {
	if len(s) < 2 {
		return s
	}
	if (s[0] == '\'' && s[len(s)-1] == '\'') ||
		(s[0] == '"' && s[len(s)-1] == '"') {
		return s[1 : len(s)-1]
	}
	return s
}

// Load reads configuration from environment variables, applying _FILE secret injection.
func Load() (*Config, error) {
	// "." as delimiter keeps LISTEN_ADDR → "listen_addr" flat instead of
	// nesting on "_".
	k := koanf.New(".")

	if err := k.Load(&rawProvider{data: defaults()}, nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		return strings.ToLower(s)
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	if err := injectFileSecrets(k); err != nil {
		return nil, fmt.Errorf("inject file secrets: %w", err)
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// koanf does not split comma-separated env values
	cfg.TrustedProxies = splitCSV(k.String("trusted_proxies"))
	cfg.CrowdSecOrigins = splitCSV(k.String("crowdsec_origins"))
	cfg.BlockScenarioExclude = splitCSV(k.String("block_scenario_exclude"))
	cfg.BlockWhitelist = splitCSV(k.String("block_whitelist"))

	cfg.sanitise()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and semantic constraints.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("LISTEN_ADDR is required")
	}
	if c.UpstreamURL != "" {
		u, err := url.Parse(c.UpstreamURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("UPSTREAM_URL must be an http(s) URL; got %q", c.UpstreamURL)
		}
	}
	if _, err := blacklist.ParseAllowlist(c.TrustedProxies); err != nil {
		return fmt.Errorf("TRUSTED_PROXIES: %w", err)
	}
	if c.MaxBodyBytes < 1 {
		return fmt.Errorf("MAX_BODY_BYTES must be >= 1; got %d", c.MaxBodyBytes)
	}

	if c.AdminAddr != "" && len(c.AdminToken) < 16 {
		return fmt.Errorf("ADMIN_TOKEN of at least 16 characters is required when ADMIN_ADDR is set")
	}
	if c.AdminRPS < 0 {
		return fmt.Errorf("ADMIN_RPS must be >= 0; got %v", c.AdminRPS)
	}

	if c.DataDir == "" {
		return fmt.Errorf("DATA_DIR is required")
	}
	if c.JanitorInterval <= 0 {
		return fmt.Errorf("JANITOR_INTERVAL must be > 0; got %s", c.JanitorInterval)
	}
	if c.AuditRetention <= 0 {
		return fmt.Errorf("AUDIT_RETENTION must be > 0; got %s", c.AuditRetention)
	}

	if c.PoolWorkers < 1 || c.PoolWorkers > 64 {
		return fmt.Errorf("POOL_WORKERS must be 1–64; got %d", c.PoolWorkers)
	}
	if c.PoolQueueDepth < 1 {
		return fmt.Errorf("POOL_QUEUE_DEPTH must be >= 1; got %d", c.PoolQueueDepth)
	}
	if c.StoreBreakerFailures < 1 {
		return fmt.Errorf("STORE_BREAKER_FAILURES must be >= 1; got %d", c.StoreBreakerFailures)
	}

	if c.RedisAddr != "" && c.RedisFlushInterval <= 0 {
		return fmt.Errorf("REDIS_FLUSH_INTERVAL must be > 0; got %s", c.RedisFlushInterval)
	}

	if c.CrowdSecEnabled {
		if c.CrowdSecLAPIKey == "" {
			return fmt.Errorf("CROWDSEC_LAPI_KEY is required when CROWDSEC_ENABLED is true")
		}
		if !strings.HasPrefix(c.CrowdSecLAPIURL, "http://") && !strings.HasPrefix(c.CrowdSecLAPIURL, "https://") {
			return fmt.Errorf("CROWDSEC_LAPI_URL must start with http:// or https://; got %q", c.CrowdSecLAPIURL)
		}
		if _, err := blacklist.ParseAllowlist(c.BlockWhitelist); err != nil {
			return fmt.Errorf("BLOCK_WHITELIST: %w", err)
		}
		if c.CrowdSecUsageInterval < 0 {
			return fmt.Errorf("CROWDSEC_USAGE_INTERVAL must be >= 0; got %s", c.CrowdSecUsageInterval)
		}
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of trace,debug,info,warn,error,fatal,panic; got %q", c.LogLevel)
	}

	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text; got %q", c.LogFormat)
	}

	return nil
}

// fileSecretKeys may be supplied as <KEY>_FILE pointing at a secret file.
var fileSecretKeys = []string{
	"admin_token",
	"redis_password",
	"crowdsec_lapi_key",
}

func injectFileSecrets(k *koanf.Koanf) error {
	for _, key := range fileSecretKeys {
		fileKey := key + "_file"
		filePath := k.String(fileKey)
		if filePath == "" {
			filePath = os.Getenv(strings.ToUpper(key) + "_FILE")
		}
		if filePath == "" {
			continue
		}
		filePath = stripEnvQuotes(filePath)
		content, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("reading secret file for %s (%s): %w", key, filePath, err)
		}
		if err := k.Set(key, strings.TrimSpace(string(content))); err != nil {
			return fmt.Errorf("setting %s from file: %w", key, err)
		}
	}
	return nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// rawProvider implements koanf.Provider for a map[string]interface{}.
type rawProvider struct {
	data map[string]interface{}
}

// Read returns the config map directly (no Parser needed).
func (r *rawProvider) Read() (map[string]interface{}, error) {
	return r.data, nil
}

// ReadBytes is not used by rawProvider; koanf calls Read() when no Parser is given.
func (r *rawProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("rawProvider does not support ReadBytes")
}
