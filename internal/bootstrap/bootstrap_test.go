package bootstrap

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/developingchet/admission-gateway/internal/model"
	"github.com/developingchet/admission-gateway/internal/policy"
	"github.com/developingchet/admission-gateway/internal/storage"
	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
)

const sample = `
policies:
  - id: default
    endpoints: ["*"]
    enabled: true
    validation:
      max_request_bytes: 1048576
      sanitize: true
      block_sqli: true
      block_xss: true
  - id: admin
    endpoints: ["/admin/*"]
    enabled: true
    auth:
      required: true
      allowed_methods: [bearer]
      token_ttl: 15m
    authz:
      enabled: true
      required_permissions:
        "*:/admin/*": [admin]
limiters:
  - id: login
    name: login attempts
    window: 60s
    max_requests: 5
    endpoints: ["/login"]
    enabled: true
alert_rules:
  - id: brute
    condition: auth_failed
    threshold: 5
    window: 1m
    action: block_ip
    scope: ip
    block_for: 30m
    enabled: true
blacklist:
  - ip: 203.0.113.0/24
    reason: known scanner
`

func TestParseSample(t *testing.T) {
	f, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(f.Policies) != 2 || f.Policies[1].Auth.TokenTTL != 15*time.Minute {
		t.Errorf("policies: %+v", f.Policies)
	}
	if got := f.Policies[1].Authz.RequiredPermissions["*:/admin/*"]; !cmp.Equal(got, []string{"admin"}) {
		t.Errorf("required permissions: %v", got)
	}
	want := model.RateLimiterConfig{
		ID: "login", Name: "login attempts", Window: time.Minute, MaxRequests: 5,
		Endpoints: []string{"/login"}, Enabled: true,
	}
	if diff := cmp.Diff([]model.RateLimiterConfig{want}, f.Limiters); diff != "" {
		t.Errorf("limiters mismatch (-want +got):\n%s", diff)
	}
	if r := f.AlertRules[0]; r.Scope != model.ScopeIP || r.BlockFor != 30*time.Minute {
		t.Errorf("alert rule: %+v", r)
	}
	if len(f.Blacklist) != 1 || f.Blacklist[0].IP != "203.0.113.0/24" {
		t.Errorf("blacklist: %+v", f.Blacklist)
	}
}

func TestParseMissingSectionsDefault(t *testing.T) {
	f, err := Parse([]byte("limiters: []\n"))
	if err != nil {
		t.Fatal(err)
	}
	def := Default()
	if diff := cmp.Diff(def.Policies, f.Policies); diff != "" {
		t.Errorf("policies should default (-want +got):\n%s", diff)
	}
	if len(f.Limiters) != 0 {
		t.Errorf("explicit empty limiter list should stay empty, got %d", len(f.Limiters))
	}

	empty, err := Parse(nil)
	if err != nil {
		t.Fatalf("empty document: %v", err)
	}
	if len(empty.AlertRules) != len(def.AlertRules) {
		t.Error("empty document should yield defaults")
	}
}

func TestParseRejects(t *testing.T) {
	cases := map[string]string{
		"unknown key":  "polices: []\n",
		"no catch-all": "policies:\n  - id: a\n    endpoints: [/a]\n    enabled: true\n",
		"bad rule":     "alert_rules:\n  - id: r\n    condition: nope\n    window: 1m\n    action: notify\n",
		"bad limiter":  "limiters:\n  - id: l\n    window: 0s\n    endpoints: ['*']\n    enabled: true\n",
		"bad duration": "limiters:\n  - id: l\n    window: soon\n",
		"empty ip":     "blacklist:\n  - reason: x\n",
	}
	for name, doc := range cases {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
	if _, err := Parse([]byte(cases["no catch-all"])); !errors.Is(err, policy.ErrNoDefault) {
		t.Errorf("no catch-all should wrap ErrNoDefault, got %v", err)
	}
}

func TestLoad(t *testing.T) {
	f, err := Load("")
	if err != nil || len(f.Limiters) != 1 {
		t.Fatalf("Load(\"\") = %+v, %v", f, err)
	}

	path := filepath.Join(t.TempDir(), "gateway.yaml")
	if err := os.WriteFile(path, []byte(sample), 0o600); err != nil {
		t.Fatal(err)
	}
	f, err = Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if f.Limiters[0].ID != "login" {
		t.Errorf("unexpected limiters %+v", f.Limiters)
	}

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "read bootstrap file") {
		t.Errorf("missing file: %v", err)
	}
}

type fakeTarget struct {
	policies, limiters, rules int
	blocked                   []string
}

func (f *fakeTarget) ReloadPolicies([]model.SecurityPolicy) error    { f.policies++; return nil }
func (f *fakeTarget) ReloadLimiters([]model.RateLimiterConfig) error { f.limiters++; return nil }
func (f *fakeTarget) ReloadRules([]model.AlertRule) error            { f.rules++; return nil }
func (f *fakeTarget) BlockIPFor(ip, _ string, _ time.Duration) (model.BlacklistEntry, error) {
	f.blocked = append(f.blocked, ip)
	return model.BlacklistEntry{IP: ip}, nil
}

func TestApplyOnlySeedsMissingSets(t *testing.T) {
	f, err := Parse([]byte(sample))
	if err != nil {
		t.Fatal(err)
	}

	target := &fakeTarget{}
	if err := Apply(target, storage.Snapshot{}, f, zerolog.Nop()); err != nil {
		t.Fatal(err)
	}
	if target.policies != 1 || target.limiters != 1 || target.rules != 1 || len(target.blocked) != 1 {
		t.Errorf("fresh store: %+v", target)
	}

	target = &fakeTarget{}
	snap := storage.Snapshot{
		HasPolicies: true, HasLimiters: true, HasRules: true,
		Blacklist: []model.BlacklistEntry{{IP: "203.0.113.0/24"}},
	}
	if err := Apply(target, snap, f, zerolog.Nop()); err != nil {
		t.Fatal(err)
	}
	if target.policies+target.limiters+target.rules != 0 || len(target.blocked) != 0 {
		t.Errorf("populated store should not be reseeded: %+v", target)
	}
}
