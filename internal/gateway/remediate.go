package gateway

import (
	"errors"
	"time"

	"github.com/developingchet/admission-gateway/internal/alert"
	"github.com/developingchet/admission-gateway/internal/audit"
	"github.com/developingchet/admission-gateway/internal/credential"
	"github.com/developingchet/admission-gateway/internal/metrics"
	"github.com/developingchet/admission-gateway/internal/model"
)

// remediator applies alert actions to the gateway's own state.
type remediator struct {
	g *Gateway
}

func (r *remediator) BlockIP(ip, reason string, ttl time.Duration) error {
	_, err := r.g.BlockIPFor(ip, reason, ttl)
	return err
}

func (r *remediator) DisableKey(secret, reason string) error {
	id, ok := r.g.creds.KeyIDForSecret(secret)
	if !ok {
		// A forged key that never matched a record has nothing to disable.
		return credential.ErrNotFound
	}
	_, err := r.g.DisableAPIKey(id, reason)
	return err
}

func (r *remediator) Notify(f alert.Firing) {
	status := "ok"
	if f.Err != nil {
		status = "error"
		if errors.Is(f.Err, credential.ErrNotFound) {
			status = "no_target"
		}
	}
	metrics.AlertsFired.WithLabelValues(f.Rule.ID, f.Rule.Action).Inc()

	fields := map[string]any{
		"rule":      f.Rule.ID,
		"rule_name": f.Rule.Name,
		"condition": f.Rule.Condition,
		"action":    f.Rule.Action,
		"severity":  f.Rule.Severity,
		"count":     f.Count,
		"ip":        f.Violation.IP,
		"endpoint":  f.Violation.Endpoint,
		"status":    status,
	}
	if f.Rule.Scope == model.ScopeKey {
		fields["api_key"] = f.Subject
	}
	if f.Err != nil {
		fields["error"] = f.Err.Error()
	}
	r.g.audit.LogEvent(audit.EventAlert, fields)
}
