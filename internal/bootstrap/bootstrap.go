// Package bootstrap loads the initial policy, limiter and alert rule sets
// from a YAML file. Sets already present in the store win over the file.
package bootstrap

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/developingchet/admission-gateway/internal/alert"
	"github.com/developingchet/admission-gateway/internal/model"
	"github.com/developingchet/admission-gateway/internal/policy"
	"github.com/developingchet/admission-gateway/internal/ratelimit"
	"github.com/developingchet/admission-gateway/internal/storage"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Block is a blacklist entry declared in the file.
type Block struct {
	IP     string        `yaml:"ip"`
	Reason string        `yaml:"reason"`
	TTL    time.Duration `yaml:"ttl"`
}

// File is the bootstrap document.
type File struct {
	Policies   []model.SecurityPolicy    `yaml:"policies"`
	Limiters   []model.RateLimiterConfig `yaml:"limiters"`
	AlertRules []model.AlertRule         `yaml:"alert_rules"`
	Blacklist  []Block                   `yaml:"blacklist"`
}

// Default is used when no file is configured: the catch-all policy, a
// global 600/min limiter, an IP block after 10 authentication failures in
// 5 minutes and a notification on sustained throttling.
func Default() File {
	return File{
		Policies: []model.SecurityPolicy{policy.Default()},
		Limiters: []model.RateLimiterConfig{{
			ID:          "global",
			Name:        "global per-client budget",
			Window:      time.Minute,
			MaxRequests: 600,
			Endpoints:   []string{"*"},
			Enabled:     true,
		}},
		AlertRules: []model.AlertRule{
			{
				ID:        "auth-bruteforce",
				Name:      "repeated authentication failures",
				Condition: model.ConditionAuthFailed,
				Threshold: 10,
				Window:    5 * time.Minute,
				Action:    model.ActionBlockIP,
				Severity:  "high",
				Scope:     model.ScopeIP,
				BlockFor:  time.Hour,
				Enabled:   true,
			},
			{
				ID:        "throttle-storm",
				Name:      "sustained rate limiting",
				Condition: model.ConditionRateLimitExceeded,
				Threshold: 20,
				Window:    time.Minute,
				Action:    model.ActionNotify,
				Severity:  "medium",
				Enabled:   true,
			},
		},
	}
}

// Load reads and validates the file at path. An empty path returns Default.
// Sections missing from the file take their default.
func Load(path string) (File, error) {
	if path == "" {
		return Default(), nil
	}
	// #nosec G304 -- path comes from operator configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read bootstrap file: %w", err)
	}
	f, err := Parse(data)
	if err != nil {
		return File{}, fmt.Errorf("bootstrap file %s: %w", path, err)
	}
	return f, nil
}

// Parse decodes and validates a bootstrap document. Unknown keys are errors.
func Parse(data []byte) (File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return File{}, fmt.Errorf("parse: %w", err)
	}

	def := Default()
	if f.Policies == nil {
		f.Policies = def.Policies
	}
	if f.Limiters == nil {
		f.Limiters = def.Limiters
	}
	if f.AlertRules == nil {
		f.AlertRules = def.AlertRules
	}
	if err := f.Validate(); err != nil {
		return File{}, err
	}
	return f, nil
}

// Validate checks every section.
func (f File) Validate() error {
	if _, err := policy.NewResolver(f.Policies); err != nil {
		return fmt.Errorf("policies: %w", err)
	}
	if err := ratelimit.Validate(f.Limiters); err != nil {
		return fmt.Errorf("limiters: %w", err)
	}
	if err := alert.Validate(f.AlertRules); err != nil {
		return fmt.Errorf("alert_rules: %w", err)
	}
	for _, b := range f.Blacklist {
		if b.IP == "" {
			return errors.New("blacklist: entry without ip")
		}
	}
	return nil
}

// Target is the gateway surface bootstrap seeds.
type Target interface {
	ReloadPolicies([]model.SecurityPolicy) error
	ReloadLimiters([]model.RateLimiterConfig) error
	ReloadRules([]model.AlertRule) error
	BlockIPFor(ip, reason string, ttl time.Duration) (model.BlacklistEntry, error)
}

// Apply installs every set snap lacks from f, and adds the file's blacklist
// entries that are not already blocked in snap. Installed sets are persisted
// by the target.
func Apply(t Target, snap storage.Snapshot, f File, log zerolog.Logger) error {
	if !snap.HasPolicies {
		if err := t.ReloadPolicies(f.Policies); err != nil {
			return fmt.Errorf("seed policies: %w", err)
		}
		log.Info().Int("count", len(f.Policies)).Msg("seeded policies")
	}
	if !snap.HasLimiters {
		if err := t.ReloadLimiters(f.Limiters); err != nil {
			return fmt.Errorf("seed limiters: %w", err)
		}
		log.Info().Int("count", len(f.Limiters)).Msg("seeded rate limiters")
	}
	if !snap.HasRules {
		if err := t.ReloadRules(f.AlertRules); err != nil {
			return fmt.Errorf("seed alert rules: %w", err)
		}
		log.Info().Int("count", len(f.AlertRules)).Msg("seeded alert rules")
	}

	existing := make(map[string]bool, len(snap.Blacklist))
	for _, e := range snap.Blacklist {
		existing[e.IP] = true
	}
	for _, b := range f.Blacklist {
		if existing[b.IP] {
			continue
		}
		reason := b.Reason
		if reason == "" {
			reason = "bootstrap"
		}
		if _, err := t.BlockIPFor(b.IP, reason, b.TTL); err != nil {
			log.Warn().Err(err).Str("ip", b.IP).Msg("skipping bootstrap blacklist entry")
		}
	}
	return nil
}
