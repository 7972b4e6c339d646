// Package crowdsec feeds CrowdSec LAPI ban decisions into the gateway
// blacklist.
package crowdsec

import (
	"net/netip"
	"strings"
	"time"

	"github.com/crowdsecurity/crowdsec/pkg/models"
	"github.com/developingchet/admission-gateway/internal/blacklist"
	"github.com/developingchet/admission-gateway/internal/metrics"
	"github.com/rs/zerolog"
)

// FilterConfig holds the parameters for the decision pipeline.
type FilterConfig struct {
	// AllowedActions lists the decision types acted on; default ["ban"].
	AllowedActions []string

	// ScenarioExclude skips scenarios containing any of these substrings.
	ScenarioExclude []string

	// AllowedOrigins restricts decision origins; empty allows all.
	AllowedOrigins []string

	// AllowedScopes default to ["ip", "range"].
	AllowedScopes []string

	// Allowlist addresses are never blocked.
	Allowlist []netip.Prefix

	// MinDuration drops shorter bans; 0 disables the check.
	MinDuration time.Duration
}

// NewFilterConfig returns a FilterConfig with sensible defaults.
func NewFilterConfig() FilterConfig {
	return FilterConfig{
		AllowedActions: []string{"ban"},
		AllowedScopes:  []string{"ip", "range"},
	}
}

// FilterResult is a decision that passed every stage.
type FilterResult struct {
	Passed   bool
	Value    string // canonical IP or CIDR
	Scenario string
	Origin   string
	Duration time.Duration
}

// stage labels for metrics
const (
	stageAction    = "action"
	stageScenario  = "scenario_exclude"
	stageOrigin    = "origin"
	stageScope     = "scope"
	stageParse     = "parse"
	stagePrivate   = "private"
	stageAllowlist = "allowlist"
	stageMinDur    = "min_duration"
)

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func reject(stage string) FilterResult {
	metrics.CrowdSecFiltered.WithLabelValues(stage).Inc()
	return FilterResult{}
}

// Filter runs a decision through the pipeline. deleted relaxes the
// duration check, which only applies to new bans.
func Filter(d *models.Decision, cfg FilterConfig, deleted bool, log zerolog.Logger) FilterResult {
	action := strings.ToLower(deref(d.Type))
	scope := strings.ToLower(deref(d.Scope))
	value := deref(d.Value)
	origin := deref(d.Origin)
	scenario := deref(d.Scenario)

	if !containsCI(cfg.AllowedActions, action) {
		log.Trace().Str("action", action).Msg("filtered: unsupported action")
		return reject(stageAction)
	}

	for _, exc := range cfg.ScenarioExclude {
		if exc != "" && strings.Contains(scenario, exc) {
			log.Trace().Str("scenario", scenario).Str("exclude", exc).Msg("filtered: excluded scenario")
			return reject(stageScenario)
		}
	}

	if len(cfg.AllowedOrigins) > 0 && !containsCI(cfg.AllowedOrigins, origin) {
		log.Trace().Str("origin", origin).Msg("filtered: origin not allowed")
		return reject(stageOrigin)
	}

	if !containsCI(cfg.AllowedScopes, scope) {
		log.Trace().Str("scope", scope).Msg("filtered: unsupported scope")
		return reject(stageScope)
	}

	canonical, _, err := blacklist.Normalize(value)
	if err != nil {
		log.Warn().Str("value", value).Err(err).Msg("filtered: parse error")
		return reject(stageParse)
	}

	if blacklist.IsPrivate(canonical) {
		log.Trace().Str("ip", canonical).Msg("filtered: private/loopback/link-local IP")
		return reject(stagePrivate)
	}

	if blacklist.Allowed(canonical, cfg.Allowlist) {
		log.Trace().Str("ip", canonical).Msg("filtered: allowlisted IP")
		return reject(stageAllowlist)
	}

	var dur time.Duration
	if s := deref(d.Duration); s != "" {
		if parsed, err := time.ParseDuration(s); err == nil {
			dur = parsed
		}
	}
	if !deleted && cfg.MinDuration > 0 && dur > 0 && dur < cfg.MinDuration {
		log.Trace().Str("ip", canonical).Dur("duration", dur).Dur("min", cfg.MinDuration).Msg("filtered: ban duration too short")
		return reject(stageMinDur)
	}

	return FilterResult{
		Passed:   true,
		Value:    canonical,
		Scenario: scenario,
		Origin:   origin,
		Duration: dur,
	}
}

func containsCI(haystack []string, needle string) bool {
	for _, h := range haystack {
		if strings.EqualFold(h, needle) {
			return true
		}
	}
	return false
}
