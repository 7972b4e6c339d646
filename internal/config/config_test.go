package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const testAdminToken = "0123456789abcdef-admin"

func setEnv(t *testing.T, key, val string) {
	t.Helper()
	t.Setenv(key, val)
}

func TestLoadMissingAdminToken(t *testing.T) {
	os.Unsetenv("ADMIN_TOKEN")
	os.Unsetenv("ADMIN_TOKEN_FILE")
	os.Unsetenv("ADMIN_ADDR")

	_, err := Load()
	if err == nil {
		t.Error("expected error when ADMIN_TOKEN missing with the default ADMIN_ADDR")
	}
}

func TestLoadAdminDisabled(t *testing.T) {
	os.Unsetenv("ADMIN_TOKEN")
	setEnv(t, "ADMIN_ADDR", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AdminAddr != "" {
		t.Errorf("AdminAddr: got %q", cfg.AdminAddr)
	}
}

func TestLoadMinimalValid(t *testing.T) {
	setEnv(t, "ADMIN_TOKEN", testAdminToken)
	setEnv(t, "UPSTREAM_URL", "http://backend:3000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AdminToken != testAdminToken {
		t.Errorf("AdminToken: got %q", cfg.AdminToken)
	}
	if cfg.UpstreamURL != "http://backend:3000" {
		t.Errorf("UpstreamURL: got %q", cfg.UpstreamURL)
	}
}

func TestFileSecretInjection(t *testing.T) {
	dir := t.TempDir()
	tokenFile := filepath.Join(dir, "admin_token.txt")
	if err := os.WriteFile(tokenFile, []byte("  "+testAdminToken+"  \n"), 0600); err != nil {
		t.Fatal(err)
	}
	redisFile := filepath.Join(dir, "redis.txt")
	if err := os.WriteFile(redisFile, []byte("hunter2\n"), 0600); err != nil {
		t.Fatal(err)
	}

	os.Unsetenv("ADMIN_TOKEN")
	setEnv(t, "ADMIN_TOKEN_FILE", tokenFile)
	setEnv(t, "REDIS_PASSWORD_FILE", redisFile)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load with file secret: %v", err)
	}
	if cfg.AdminToken != testAdminToken {
		t.Errorf("expected trimmed file secret, got %q", cfg.AdminToken)
	}
	if cfg.RedisPassword != "hunter2" {
		t.Errorf("RedisPassword: got %q", cfg.RedisPassword)
	}
}

func TestFileSecretMissingFile(t *testing.T) {
	setEnv(t, "ADMIN_TOKEN_FILE", filepath.Join(t.TempDir(), "absent"))
	if _, err := Load(); err == nil {
		t.Error("expected error for unreadable secret file")
	}
}

func TestQuotedValues(t *testing.T) {
	setEnv(t, "ADMIN_TOKEN", `"`+testAdminToken+`"`)
	setEnv(t, "TRUSTED_PROXIES", `'10.0.0.0/8', "172.16.0.0/12"`)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AdminToken != testAdminToken {
		t.Errorf("AdminToken: got %q", cfg.AdminToken)
	}
	if len(cfg.TrustedProxies) != 2 || cfg.TrustedProxies[0] != "10.0.0.0/8" || cfg.TrustedProxies[1] != "172.16.0.0/12" {
		t.Errorf("TrustedProxies: got %v", cfg.TrustedProxies)
	}
}

func TestDefaults(t *testing.T) {
	setEnv(t, "ADMIN_TOKEN", testAdminToken)
	for _, k := range []string{"LISTEN_ADDR", "POOL_WORKERS", "AUDIT_RETENTION", "JANITOR_INTERVAL", "CROWDSEC_ENABLED", "REDIS_ADDR", "MAX_BODY_BYTES"} {
		os.Unsetenv(k)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("default ListenAddr: got %q", cfg.ListenAddr)
	}
	if cfg.PoolWorkers != 2 {
		t.Errorf("default PoolWorkers: got %d", cfg.PoolWorkers)
	}
	if cfg.AuditRetention != 24*time.Hour {
		t.Errorf("default AuditRetention: got %s", cfg.AuditRetention)
	}
	if cfg.JanitorInterval != time.Minute {
		t.Errorf("default JanitorInterval: got %s", cfg.JanitorInterval)
	}
	if cfg.MaxBodyBytes != 10<<20 {
		t.Errorf("default MaxBodyBytes: got %d", cfg.MaxBodyBytes)
	}
	if cfg.CrowdSecEnabled || cfg.RedisAddr != "" {
		t.Errorf("optional integrations should default off: crowdsec=%v redis=%q", cfg.CrowdSecEnabled, cfg.RedisAddr)
	}
	if !cfg.AuditPersist {
		t.Error("default AuditPersist: expected true")
	}
}

func TestCrowdSecLists(t *testing.T) {
	baseEnv(t)
	setEnv(t, "CROWDSEC_ENABLED", "true")
	setEnv(t, "CROWDSEC_LAPI_KEY", "lapi-key")
	setEnv(t, "CROWDSEC_ORIGINS", "crowdsec, lists")
	setEnv(t, "BLOCK_SCENARIO_EXCLUDE", "impossible-travel")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.CrowdSecOrigins) != 2 || cfg.CrowdSecOrigins[1] != "lists" {
		t.Errorf("CrowdSecOrigins: got %v", cfg.CrowdSecOrigins)
	}
	if len(cfg.BlockScenarioExclude) != 1 {
		t.Errorf("BlockScenarioExclude: got %v", cfg.BlockScenarioExclude)
	}
}

// baseEnv sets the minimum required fields for a valid config and clears
// fields that might cause spurious validation failures between test cases.
func baseEnv(t *testing.T) {
	t.Helper()
	setEnv(t, "ADMIN_TOKEN", testAdminToken)
	for _, k := range []string{
		"LOG_LEVEL", "LOG_FORMAT", "UPSTREAM_URL", "TRUSTED_PROXIES", "ADMIN_ADDR",
		"CROWDSEC_ENABLED", "CROWDSEC_LAPI_KEY", "CROWDSEC_LAPI_URL", "BLOCK_WHITELIST",
		"POOL_WORKERS", "POOL_QUEUE_DEPTH", "JANITOR_INTERVAL", "AUDIT_RETENTION",
		"REDIS_ADDR", "REDIS_FLUSH_INTERVAL", "MAX_BODY_BYTES", "STORE_BREAKER_FAILURES",
	} {
		os.Unsetenv(k)
	}
}

func TestValidation(t *testing.T) {
	cases := []struct {
		name    string
		setup   func(t *testing.T)
		wantErr bool
	}{
		{
			name:    "valid_minimal",
			setup:   func(t *testing.T) {},
			wantErr: false,
		},
		{
			name: "invalid_log_level",
			setup: func(t *testing.T) {
				setEnv(t, "LOG_LEVEL", "invalid")
			},
			wantErr: true,
		},
		{
			name: "valid_log_format_text",
			setup: func(t *testing.T) {
				setEnv(t, "LOG_FORMAT", "text")
			},
			wantErr: false,
		},
		{
			name: "invalid_log_format",
			setup: func(t *testing.T) {
				setEnv(t, "LOG_FORMAT", "yaml")
			},
			wantErr: true,
		},
		{
			name: "invalid_upstream_scheme",
			setup: func(t *testing.T) {
				setEnv(t, "UPSTREAM_URL", "ftp://backend")
			},
			wantErr: true,
		},
		{
			name: "invalid_trusted_proxy",
			setup: func(t *testing.T) {
				setEnv(t, "TRUSTED_PROXIES", "10.0.0.0/8,not-an-ip")
			},
			wantErr: true,
		},
		{
			name: "short_admin_token",
			setup: func(t *testing.T) {
				setEnv(t, "ADMIN_TOKEN", "short")
			},
			wantErr: true,
		},
		{
			name: "crowdsec_without_key",
			setup: func(t *testing.T) {
				setEnv(t, "CROWDSEC_ENABLED", "true")
			},
			wantErr: true,
		},
		{
			name: "crowdsec_ftp_url",
			setup: func(t *testing.T) {
				setEnv(t, "CROWDSEC_ENABLED", "true")
				setEnv(t, "CROWDSEC_LAPI_KEY", "k")
				setEnv(t, "CROWDSEC_LAPI_URL", "ftp://host")
			},
			wantErr: true,
		},
		{
			name: "crowdsec_bad_whitelist",
			setup: func(t *testing.T) {
				setEnv(t, "CROWDSEC_ENABLED", "true")
				setEnv(t, "CROWDSEC_LAPI_KEY", "k")
				setEnv(t, "BLOCK_WHITELIST", "not-an-ip")
			},
			wantErr: true,
		},
		{
			name: "whitelist_ignored_when_crowdsec_off",
			setup: func(t *testing.T) {
				setEnv(t, "BLOCK_WHITELIST", "not-an-ip")
			},
			wantErr: false,
		},
		{
			name: "invalid_pool_workers",
			setup: func(t *testing.T) {
				setEnv(t, "POOL_WORKERS", "100")
			},
			wantErr: true,
		},
		{
			name: "invalid_pool_queue_depth_zero",
			setup: func(t *testing.T) {
				setEnv(t, "POOL_QUEUE_DEPTH", "0")
			},
			wantErr: true,
		},
		{
			name: "invalid_janitor_interval_zero",
			setup: func(t *testing.T) {
				setEnv(t, "JANITOR_INTERVAL", "0s")
			},
			wantErr: true,
		},
		{
			name: "invalid_audit_retention_zero",
			setup: func(t *testing.T) {
				setEnv(t, "AUDIT_RETENTION", "0s")
			},
			wantErr: true,
		},
		{
			name: "redis_zero_flush_interval",
			setup: func(t *testing.T) {
				setEnv(t, "REDIS_ADDR", "redis:6379")
				setEnv(t, "REDIS_FLUSH_INTERVAL", "0s")
			},
			wantErr: true,
		},
		{
			name: "invalid_max_body_bytes",
			setup: func(t *testing.T) {
				setEnv(t, "MAX_BODY_BYTES", "0")
			},
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			baseEnv(t)
			tc.setup(t)

			_, err := Load()
			if tc.wantErr && err == nil {
				t.Errorf("expected validation error, got nil")
			} else if !tc.wantErr && err != nil {
				t.Errorf("expected no error, got: %v", err)
			}
		})
	}
}
