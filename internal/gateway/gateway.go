// Package gateway wires the admission stages together and owns the live
// state: credentials, policies, limiters, alert rules and the blacklist.
package gateway

import (
	"fmt"
	"runtime/debug"
	"time"

	"github.com/developingchet/admission-gateway/internal/alert"
	"github.com/developingchet/admission-gateway/internal/audit"
	"github.com/developingchet/admission-gateway/internal/auth"
	"github.com/developingchet/admission-gateway/internal/blacklist"
	"github.com/developingchet/admission-gateway/internal/credential"
	"github.com/developingchet/admission-gateway/internal/metrics"
	"github.com/developingchet/admission-gateway/internal/model"
	"github.com/developingchet/admission-gateway/internal/policy"
	"github.com/developingchet/admission-gateway/internal/pool"
	"github.com/developingchet/admission-gateway/internal/ratelimit"
	"github.com/developingchet/admission-gateway/internal/storage"
	"github.com/developingchet/admission-gateway/internal/validate"
	"github.com/rs/zerolog"
)

// Queue accepts persistence jobs without blocking.
type Queue interface {
	Enqueue(job pool.Job) bool
}

// Options configures a Gateway. Zero values select no-op sinks, the system
// clock and no persistence.
type Options struct {
	Clock   model.Clock
	Log     zerolog.Logger
	Metrics metrics.Sink
	Audit   audit.Sink
	Queue   Queue
	// AuditRetention bounds the request log; defaults to audit.Retention.
	AuditRetention time.Duration
}

// Gateway evaluates requests and applies admin and alert mutations.
type Gateway struct {
	clock     model.Clock
	log       zerolog.Logger
	metrics   metrics.Sink
	audit     audit.Sink
	queue     Queue
	retention time.Duration

	creds     *credential.Store
	policies  *policy.Resolver
	limits    *ratelimit.Bank
	validator *auth.Validator
	alerts    *alert.Engine
	blacklist *blacklist.Blacklist
}

// New returns a Gateway with the default catch-all policy and no limiters,
// rules or credentials. Call Restore to install persisted state.
func New(opts Options) *Gateway {
	if opts.Clock == nil {
		opts.Clock = model.SystemClock{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	if opts.Audit == nil {
		opts.Audit = audit.Nop{}
	}
	if opts.AuditRetention <= 0 {
		opts.AuditRetention = audit.Retention
	}

	g := &Gateway{
		clock:     opts.Clock,
		log:       opts.Log,
		metrics:   opts.Metrics,
		audit:     opts.Audit,
		queue:     opts.Queue,
		retention: opts.AuditRetention,
		creds:     credential.New(opts.Clock),
		limits:    ratelimit.New(nil, opts.Clock),
		blacklist: blacklist.New(opts.Clock),
	}
	// An empty set installs the default policy and cannot fail.
	g.policies, _ = policy.NewResolver(nil)
	g.creds.SetPersister(credentialJournal{g: g})
	g.validator = auth.New(g.creds, opts.Clock)
	g.alerts = alert.New(nil, &remediator{g: g}, opts.Clock, opts.Log)
	return g
}

// Restore installs a persisted snapshot. Sets that were never saved keep
// their current value.
func (g *Gateway) Restore(snap storage.Snapshot) error {
	if snap.HasPolicies {
		if err := g.policies.Reload(snap.Policies); err != nil {
			return fmt.Errorf("restore policies: %w", err)
		}
	}
	if snap.HasLimiters {
		if err := ratelimit.Validate(snap.Limiters); err != nil {
			return fmt.Errorf("restore limiters: %w", err)
		}
		g.limits.Reload(snap.Limiters)
	}
	if snap.HasRules {
		if err := alert.Validate(snap.Rules); err != nil {
			return fmt.Errorf("restore alert rules: %w", err)
		}
		g.alerts.Reload(snap.Rules)
	}
	g.creds.Load(snap.Keys, snap.Tokens)
	for _, ip := range g.blacklist.Load(snap.Blacklist) {
		g.log.Warn().Str("ip", ip).Msg("skipping invalid blacklist entry")
	}
	g.updateGauges()

	g.log.Info().
		Int("keys", len(snap.Keys)).
		Int("tokens", len(snap.Tokens)).
		Int("policies", len(g.policies.Policies())).
		Int("limiters", len(g.limits.Configs())).
		Int("alert_rules", len(g.alerts.Rules())).
		Int("blacklist", g.blacklist.Len()).
		Msg("state restored")
	return nil
}

// evaluation carries the decision and the violation to feed the alert engine.
type evaluation struct {
	decision  model.Decision
	violation *model.Violation
	label     string
}

// Evaluate runs the admission state machine for req and returns its verdict.
// It never panics: a failure inside any stage yields an
// InternalValidationError denial.
func (g *Gateway) Evaluate(req model.ClientRequest) model.Decision {
	start := g.clock.Now()
	ev := g.evaluate(req)
	ev.decision.Duration = g.clock.Now().Sub(start)
	metrics.EvaluateDuration.Observe(ev.decision.Duration.Seconds())
	g.record(req, ev)
	return ev.decision
}

func (g *Gateway) evaluate(req model.ClientRequest) (ev evaluation) {
	ev.decision = model.Decision{Stage: model.StageStart, Identity: req.DisplayIdentity()}
	ev.label = "*"

	defer func() {
		if r := recover(); r != nil {
			g.log.Error().
				Interface("panic", r).
				Str("stage", string(ev.decision.Stage)).
				Str("endpoint", req.Endpoint).
				Bytes("stack", debug.Stack()).
				Msg("evaluation failed")
			ev.decision = model.Decision{
				Stage:    ev.decision.Stage,
				PolicyID: ev.decision.PolicyID,
				Identity: ev.decision.Identity,
			}
			ev.violation = nil
			g.deny(&ev, req, model.ReasonInternalValidationError, "internal validation error", fmt.Sprint(r))
		}
	}()

	d := &ev.decision

	d.Stage = model.StageBlacklistCheck
	if entry, ok := g.blacklist.Contains(req.IP); ok {
		g.deny(&ev, req, model.ReasonBlacklisted, "client blacklisted: "+entry.Reason, entry.IP)
		return ev
	}

	d.Stage = model.StageRateLimit
	rl := g.limits.Check(req, g.creds.RateLimitOverride(req.APIKey()))
	d.RateLimit = rl.Detail
	if !rl.Allowed {
		ev.violation = rl.Violation
		g.deny(&ev, req, model.ReasonRateLimitExceeded,
			fmt.Sprintf("rate limit %s exceeded: %d/%d", rl.Detail.LimiterID, rl.Detail.Current, rl.Detail.Limit), rl.Detail.LimiterID)
		metrics.RateLimitDenied.WithLabelValues(rl.Detail.LimiterID).Inc()
		return ev
	}

	d.Stage = model.StagePolicyResolve
	p := g.policies.Resolve(req.Endpoint)
	d.PolicyID = p.ID
	ev.label = p.MatchedPattern(req.Endpoint)

	d.Stage = model.StageAuthenticate
	// A presented credential is checked even where none is required, and a
	// bad one denies.
	if p.Auth.Required || req.BearerToken() != "" || req.APIKey() != "" {
		authn, viol := g.validator.Authenticate(req, p)
		d.Auth = &authn
		if !authn.Valid {
			ev.violation = viol
			g.deny(&ev, req, model.ReasonAuthenticationFailed, "authentication failed: "+authn.Error, authn.Error)
			return ev
		}
	}

	if p.Authz.Enabled {
		d.Stage = model.StageAuthorize
		var authn model.AuthResult
		if d.Auth != nil {
			authn = *d.Auth
		}
		authz := g.validator.Authorize(req, authn, p)
		d.Authz = &authz
		if !authz.Authorized {
			g.deny(&ev, req, model.ReasonAuthorizationFailed, "authorization failed: "+authz.Error, authz.Error)
			return ev
		}
	}

	d.Stage = model.StageValidateInput
	if res := validate.Request(req, p.Validation); !res.OK {
		d.ValidationFailure = res.Failure
		g.deny(&ev, req, model.ReasonInputValidationFailed, res.Message, res.Message)
		return ev
	}

	d.Stage = model.StageAllow
	d.Allowed = true
	return ev
}

// deny marks ev as denied for reason. Stages that carry their own violation
// set it first; otherwise one is built from the reason's condition tag.
func (g *Gateway) deny(ev *evaluation, req model.ClientRequest, reason model.DenyReason, message, detail string) {
	ev.decision.Reason = reason
	ev.decision.Message = message
	if ev.violation == nil {
		v := model.NewViolation(reason.Condition(), req, g.clock.Now())
		v.Detail = detail
		ev.violation = &v
	}
}

// record publishes metrics and audit for a decision and feeds denials to the
// alert engine.
func (g *Gateway) record(req model.ClientRequest, ev evaluation) {
	d := ev.decision
	g.metrics.IncRequest(ev.label, d.Allowed)

	fields := map[string]any{
		"ip":          req.IP,
		"method":      req.Method,
		"endpoint":    req.Endpoint,
		"identity":    req.Identity(),
		"policy":      d.PolicyID,
		"stage":       string(d.Stage),
		"duration_us": d.Duration.Microseconds(),
	}

	if d.Allowed {
		if d.Auth != nil && d.Auth.KeyID != "" {
			g.metrics.IncKeyUsage(d.Auth.KeyID)
			fields["key_id"] = d.Auth.KeyID
		}
		g.audit.LogEvent(audit.EventAllow, fields)
		return
	}

	g.metrics.IncBlocked(d.ReasonString())
	fields["reason"] = d.ReasonString()
	fields["message"] = d.Message
	g.audit.LogEvent(audit.EventDeny, fields)

	if ev.violation != nil {
		g.alerts.RecordViolation(*ev.violation)
	}
}

// persist hands job to the pool. Failures are logged, never returned.
func (g *Gateway) persist(job pool.Job) {
	if g.queue == nil {
		return
	}
	if !g.queue.Enqueue(job) {
		g.log.Warn().Str("kind", job.Kind).Str("action", job.Action).Str("id", job.ID).
			Msg("persistence job dropped")
	}
}

func (g *Gateway) updateGauges() {
	keys, tokens := g.creds.Counts()
	metrics.ActiveCredentials.WithLabelValues("api_key").Set(float64(keys))
	metrics.ActiveCredentials.WithLabelValues("access_token").Set(float64(tokens))
	metrics.BlacklistSize.Set(float64(g.blacklist.Len()))
}
