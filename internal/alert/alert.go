// Package alert tracks violations per alert rule in rolling windows and runs
// the rule's remediation once each time the threshold is crossed.
package alert

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/developingchet/admission-gateway/internal/model"
	"github.com/rs/zerolog"
)

// Remediator applies alert actions. Notify is called for every firing,
// after the action (if any) ran.
type Remediator interface {
	BlockIP(ip, reason string, ttl time.Duration) error
	DisableKey(secret, reason string) error
	Notify(f Firing)
}

// Firing describes one threshold crossing.
type Firing struct {
	Rule model.AlertRule
	// Subject is the IP, API key or "*" the window belongs to.
	Subject   string
	Violation model.Violation
	Count     int
	At        time.Time
	// Err is the remediation error, if any.
	Err error
}

// Reason is the text recorded on blacklist entries and disabled keys.
func (f Firing) Reason() string {
	return fmt.Sprintf("alert %s: %d %s within %s", f.Rule.ID, f.Count, f.Rule.Condition, f.Rule.Window)
}

// window holds the times of the live violations for one subject. It grows
// while violations keep arriving and shrinks only as they age out.
type window struct {
	hits  []time.Time
	armed bool
}

type ruleState struct {
	rule    model.AlertRule
	mu      sync.Mutex
	windows map[string]*window
}

// prune drops violations older than the rule window and re-arms the window
// once it falls below threshold. Callers hold rs.mu.
func (rs *ruleState) prune(w *window, now time.Time) {
	i := 0
	for i < len(w.hits) && now.Sub(w.hits[i]) > rs.rule.Window {
		i++
	}
	if i > 0 {
		w.hits = append(w.hits[:0], w.hits[i:]...)
	}
	if len(w.hits) < rs.threshold() {
		w.armed = true
	}
}

func (rs *ruleState) threshold() int {
	if rs.rule.Threshold < 1 {
		return 1
	}
	return rs.rule.Threshold
}

// Engine is the alert engine. Each rule has its own lock; there is no global
// lock on the violation path.
type Engine struct {
	rules      atomic.Pointer[[]*ruleState]
	remediator Remediator
	clock      model.Clock
	log        zerolog.Logger
}

// New builds an Engine for rules.
func New(rules []model.AlertRule, r Remediator, clock model.Clock, log zerolog.Logger) *Engine {
	if clock == nil {
		clock = model.SystemClock{}
	}
	e := &Engine{remediator: r, clock: clock, log: log}
	e.Reload(rules)
	return e
}

// Reload replaces the rule set. Window state carries over for rules whose
// id, condition, threshold, window and scope are unchanged.
func (e *Engine) Reload(rules []model.AlertRule) {
	prev := map[string]*ruleState{}
	if cur := e.rules.Load(); cur != nil {
		for _, rs := range *cur {
			prev[rs.rule.ID] = rs
		}
	}
	next := make([]*ruleState, 0, len(rules))
	for _, r := range rules {
		rs := &ruleState{rule: r, windows: make(map[string]*window)}
		if old, ok := prev[r.ID]; ok && sameWindowing(old.rule, r) {
			old.mu.Lock()
			rs.windows = old.windows
			old.mu.Unlock()
		}
		next = append(next, rs)
	}
	e.rules.Store(&next)
}

func sameWindowing(a, b model.AlertRule) bool {
	return a.Condition == b.Condition && a.Threshold == b.Threshold &&
		a.Window == b.Window && a.Scope == b.Scope
}

var (
	validConditions = map[string]bool{
		model.ConditionRateLimitExceeded: true,
		model.ConditionAuthFailed:        true,
		model.ConditionAuthzFailed:       true,
		model.ConditionInputInvalid:      true,
		model.ConditionBlacklisted:       true,
		model.ConditionInternalError:     true,
	}
	validActions = map[string]bool{
		model.ActionBlockIP:    true,
		model.ActionDisableKey: true,
		model.ActionNotify:     true,
	}
	validScopes = map[string]bool{
		model.ScopeGlobal: true,
		model.ScopeIP:     true,
		model.ScopeKey:    true,
	}
)

// Validate checks a rule set before it is installed.
func Validate(rules []model.AlertRule) error {
	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if r.ID == "" {
			return fmt.Errorf("alert rule %q has no id", r.Name)
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate alert rule id %q", r.ID)
		}
		seen[r.ID] = true
		if !validConditions[r.Condition] {
			return fmt.Errorf("alert rule %s: unknown condition %q", r.ID, r.Condition)
		}
		if !validActions[r.Action] {
			return fmt.Errorf("alert rule %s: unknown action %q", r.ID, r.Action)
		}
		if !validScopes[r.Scope] {
			return fmt.Errorf("alert rule %s: unknown scope %q", r.ID, r.Scope)
		}
		if r.Window <= 0 {
			return fmt.Errorf("alert rule %s: window must be > 0", r.ID)
		}
	}
	return nil
}

// Rules returns the configured rules in order.
func (e *Engine) Rules() []model.AlertRule {
	cur := *e.rules.Load()
	out := make([]model.AlertRule, len(cur))
	for i, rs := range cur {
		out[i] = rs.rule
	}
	return out
}

func subject(scope string, v model.Violation) (string, bool) {
	switch scope {
	case model.ScopeIP:
		return v.IP, v.IP != ""
	case model.ScopeKey:
		return v.APIKey, v.APIKey != ""
	default:
		return "*", true
	}
}

// RecordViolation feeds v to every enabled rule with a matching condition and
// returns the firings it caused. Remediation runs after every rule lock has
// been released.
func (e *Engine) RecordViolation(v model.Violation) []Firing {
	now := e.clock.Now()
	if v.At.IsZero() {
		v.At = now
	}

	var firings []Firing
	for _, rs := range *e.rules.Load() {
		if !rs.rule.Enabled || rs.rule.Condition != v.Condition {
			continue
		}
		subj, ok := subject(rs.rule.Scope, v)
		if !ok {
			continue
		}

		rs.mu.Lock()
		w, found := rs.windows[subj]
		if !found {
			w = &window{armed: true}
			rs.windows[subj] = w
		}
		rs.prune(w, now)
		w.hits = append(w.hits, v.At)
		count := len(w.hits)
		fire := w.armed && count >= rs.threshold()
		if fire {
			w.armed = false
		}
		rs.mu.Unlock()

		if fire {
			firings = append(firings, Firing{Rule: rs.rule, Subject: subj, Violation: v, Count: count, At: now})
		}
	}

	for i := range firings {
		firings[i].Err = e.remediate(firings[i])
	}
	return firings
}

func (e *Engine) remediate(f Firing) error {
	var err error
	switch f.Rule.Action {
	case model.ActionBlockIP:
		if f.Violation.IP == "" {
			err = fmt.Errorf("rule %s: violation has no client IP", f.Rule.ID)
			break
		}
		err = e.remediator.BlockIP(f.Violation.IP, f.Reason(), f.Rule.BlockFor)
	case model.ActionDisableKey:
		if f.Violation.APIKey == "" {
			err = fmt.Errorf("rule %s: violation carries no API key", f.Rule.ID)
			break
		}
		err = e.remediator.DisableKey(f.Violation.APIKey, f.Reason())
	case model.ActionNotify:
	default:
		err = fmt.Errorf("rule %s: unknown action %q", f.Rule.ID, f.Rule.Action)
	}
	f.Err = err

	ev := e.log.Warn()
	if err != nil {
		ev = e.log.Error().Err(err)
	}
	ev.Str("rule", f.Rule.ID).
		Str("action", f.Rule.Action).
		Str("severity", f.Rule.Severity).
		Str("condition", f.Rule.Condition).
		Int("count", f.Count).
		Msg("alert fired")

	e.remediator.Notify(f)
	return err
}

// Prune drops expired violations from every window and removes empty
// windows. It returns the number of windows removed.
func (e *Engine) Prune() int {
	now := e.clock.Now()
	removed := 0
	for _, rs := range *e.rules.Load() {
		rs.mu.Lock()
		for subj, w := range rs.windows {
			rs.prune(w, now)
			if len(w.hits) == 0 {
				delete(rs.windows, subj)
				removed++
			}
		}
		rs.mu.Unlock()
	}
	return removed
}

// Pending returns the number of live violations held for rule id and subject.
func (e *Engine) Pending(ruleID, subject string) int {
	for _, rs := range *e.rules.Load() {
		if rs.rule.ID != ruleID {
			continue
		}
		rs.mu.Lock()
		defer rs.mu.Unlock()
		if w, ok := rs.windows[subject]; ok {
			return len(w.hits)
		}
		return 0
	}
	return 0
}
