package gateway

import (
	"time"

	"github.com/developingchet/admission-gateway/internal/alert"
	"github.com/developingchet/admission-gateway/internal/audit"
	"github.com/developingchet/admission-gateway/internal/blacklist"
	"github.com/developingchet/admission-gateway/internal/credential"
	"github.com/developingchet/admission-gateway/internal/model"
	"github.com/developingchet/admission-gateway/internal/pool"
	"github.com/developingchet/admission-gateway/internal/ratelimit"
)

// CreateAPIKey issues a new API key. The returned key carries the clear
// secret; it is not retrievable afterwards.
func (g *Gateway) CreateAPIKey(spec credential.KeySpec) (model.APIKey, error) {
	k, err := g.creds.CreateAPIKey(spec)
	if err != nil {
		return model.APIKey{}, err
	}
	g.audit.LogEvent(audit.EventKeyCreated, map[string]any{
		"key_id": k.ID, "name": k.Name, "owner": k.OwnerID, "prefix": k.Prefix,
	})
	g.updateGauges()
	return k, nil
}

// CreateAccessToken issues a new bearer token. TTL defaults to
// credential.DefaultTokenTTL.
func (g *Gateway) CreateAccessToken(spec credential.TokenSpec) (model.AccessToken, error) {
	t, err := g.creds.CreateAccessToken(spec)
	if err != nil {
		return model.AccessToken{}, err
	}
	g.audit.LogEvent(audit.EventTokenCreated, map[string]any{
		"token_id": t.ID, "user": t.UserID, "expires_at": t.ExpiresAt,
	})
	g.updateGauges()
	return t, nil
}

// DisableAPIKey disables the key with id. Requests already past
// authentication are not affected; every later request is.
func (g *Gateway) DisableAPIKey(id, reason string) (model.APIKey, error) {
	k, err := g.creds.DisableAPIKey(id, reason)
	if err != nil {
		return model.APIKey{}, err
	}
	g.audit.LogEvent(audit.EventKeyDisabled, map[string]any{"key_id": k.ID, "reason": k.DisabledReason})
	return k, nil
}

// RevokeAccessToken removes the token with id.
func (g *Gateway) RevokeAccessToken(id string) (model.AccessToken, error) {
	t, err := g.creds.RevokeAccessToken(id)
	if err != nil {
		return model.AccessToken{}, err
	}
	g.audit.LogEvent(audit.EventTokenRevoked, map[string]any{"token_id": t.ID, "user": t.UserID})
	g.updateGauges()
	return t, nil
}

// BlockIP blacklists an IP or CIDR until it is unblocked.
func (g *Gateway) BlockIP(ip, reason string) (model.BlacklistEntry, error) {
	return g.BlockIPFor(ip, reason, 0)
}

// BlockIPFor blacklists an IP or CIDR for ttl; ttl <= 0 never expires.
// Blocking an already blocked address replaces its entry.
func (g *Gateway) BlockIPFor(ip, reason string, ttl time.Duration) (model.BlacklistEntry, error) {
	now := g.clock.Now()
	e := model.BlacklistEntry{IP: ip, Reason: reason, CreatedAt: now}
	if ttl > 0 {
		e.ExpiresAt = now.Add(ttl)
	}
	e, err := g.blacklist.Add(e)
	if err != nil {
		return model.BlacklistEntry{}, err
	}
	g.persist(pool.Job{Kind: pool.KindBlacklist, Action: pool.ActionSave, ID: e.IP, Payload: e})
	g.audit.LogEvent(audit.EventIPBlocked, map[string]any{
		"ip": e.IP, "reason": e.Reason, "expires_at": e.ExpiresAt,
	})
	g.updateGauges()
	return e, nil
}

// UnblockIP removes a blacklist entry. It reports whether one existed.
func (g *Gateway) UnblockIP(ip string) (bool, error) {
	canonical, _, err := blacklist.Normalize(ip)
	if err != nil {
		return false, err
	}
	if !g.blacklist.Remove(canonical) {
		return false, nil
	}
	g.persist(pool.Job{Kind: pool.KindBlacklist, Action: pool.ActionDelete, ID: canonical})
	g.audit.LogEvent(audit.EventIPUnblocked, map[string]any{"ip": canonical})
	g.updateGauges()
	return true, nil
}

// ReloadPolicies atomically replaces the policy set. In-flight evaluations
// finish against the set they resolved.
func (g *Gateway) ReloadPolicies(ps []model.SecurityPolicy) error {
	if err := g.policies.Reload(ps); err != nil {
		return err
	}
	g.persist(pool.Job{Kind: pool.KindPolicies, Action: pool.ActionSave, Payload: ps})
	g.audit.LogEvent(audit.EventConfigReloaded, map[string]any{"kind": "policies", "count": len(ps)})
	return nil
}

// ReloadLimiters replaces the limiter set. Counters of limiters whose id and
// window are unchanged carry over.
func (g *Gateway) ReloadLimiters(ls []model.RateLimiterConfig) error {
	if err := ratelimit.Validate(ls); err != nil {
		return err
	}
	g.limits.Reload(ls)
	g.persist(pool.Job{Kind: pool.KindLimiters, Action: pool.ActionSave, Payload: ls})
	g.audit.LogEvent(audit.EventConfigReloaded, map[string]any{"kind": "limiters", "count": len(ls)})
	return nil
}

// ReloadRules replaces the alert rule set.
func (g *Gateway) ReloadRules(rs []model.AlertRule) error {
	if err := alert.Validate(rs); err != nil {
		return err
	}
	g.alerts.Reload(rs)
	g.persist(pool.Job{Kind: pool.KindRules, Action: pool.ActionSave, Payload: rs})
	g.audit.LogEvent(audit.EventConfigReloaded, map[string]any{"kind": "alert_rules", "count": len(rs)})
	return nil
}

// APIKey returns the key with id.
func (g *Gateway) APIKey(id string) (model.APIKey, error) { return g.creds.GetAPIKey(id) }

// APIKeys lists keys oldest first. Secrets are never included.
func (g *Gateway) APIKeys() []model.APIKey { return g.creds.ListAPIKeys() }

// AccessTokens lists tokens oldest first. Token values are never included.
func (g *Gateway) AccessTokens() []model.AccessToken { return g.creds.ListAccessTokens() }

// Policies returns the active policy set.
func (g *Gateway) Policies() []model.SecurityPolicy { return g.policies.Policies() }

// Limiters returns the active limiter set.
func (g *Gateway) Limiters() []model.RateLimiterConfig { return g.limits.Configs() }

// Rules returns the active alert rules.
func (g *Gateway) Rules() []model.AlertRule { return g.alerts.Rules() }

// Blacklist returns the current entries, expired ones included until swept.
func (g *Gateway) Blacklist() []model.BlacklistEntry { return g.blacklist.List() }

// Blocked reports whether ip currently matches a live blacklist entry.
func (g *Gateway) Blocked(ip string) (model.BlacklistEntry, bool) { return g.blacklist.Contains(ip) }

// BlacklistEntry returns the entry stored for exactly ip or CIDR.
func (g *Gateway) BlacklistEntry(ip string) (model.BlacklistEntry, bool) { return g.blacklist.Get(ip) }

// Counter exposes a limiter counter for diagnostics.
func (g *Gateway) Counter(limiterID, identity string) (int, time.Time, bool) {
	return g.limits.Counter(limiterID, identity)
}
