package gateway

import (
	"time"

	"github.com/developingchet/admission-gateway/internal/audit"
	"github.com/developingchet/admission-gateway/internal/metrics"
	"github.com/developingchet/admission-gateway/internal/model"
	"github.com/developingchet/admission-gateway/internal/pool"
)

// SweepReport counts what one SweepExpired pass removed.
type SweepReport struct {
	APIKeys      int
	AccessTokens int
	Blacklist    int
	Counters     int
	AlertWindows int
	// AuditBefore is the cutoff handed to the request-log prune job.
	AuditBefore time.Time
}

// Total is the number of removed credentials, blacklist entries and counters.
func (r SweepReport) Total() int {
	return r.APIKeys + r.AccessTokens + r.Blacklist + r.Counters + r.AlertWindows
}

// SweepExpired removes expired credentials and blacklist entries, stale
// rate-limit counters and drained alert windows, and schedules the request
// log prune.
func (g *Gateway) SweepExpired() SweepReport {
	now := g.clock.Now()
	var rep SweepReport

	keyIDs, tokenIDs := g.creds.SweepExpired()
	rep.APIKeys, rep.AccessTokens = len(keyIDs), len(tokenIDs)

	for _, e := range g.blacklist.SweepExpired() {
		g.persist(pool.Job{Kind: pool.KindBlacklist, Action: pool.ActionDelete, ID: e.IP})
		rep.Blacklist++
	}

	rep.Counters = g.limits.Sweep()
	rep.AlertWindows = g.alerts.Prune()

	rep.AuditBefore = now.Add(-g.retention)
	g.persist(pool.Job{Kind: pool.KindAuditPrune, Action: pool.ActionDelete, Payload: rep.AuditBefore})

	metrics.SweepRemoved.WithLabelValues("api_key").Add(float64(rep.APIKeys))
	metrics.SweepRemoved.WithLabelValues("access_token").Add(float64(rep.AccessTokens))
	metrics.SweepRemoved.WithLabelValues("blacklist").Add(float64(rep.Blacklist))
	metrics.SweepRemoved.WithLabelValues("counter").Add(float64(rep.Counters))
	metrics.RateLimitIdentities.Set(float64(g.limits.ActiveIdentities()))
	g.updateGauges()

	if rep.APIKeys+rep.AccessTokens+rep.Blacklist > 0 {
		g.audit.LogEvent(audit.EventSwept, map[string]any{
			"api_keys":      rep.APIKeys,
			"access_tokens": rep.AccessTokens,
			"blacklist":     rep.Blacklist,
		})
	}
	g.log.Debug().
		Int("api_keys", rep.APIKeys).
		Int("access_tokens", rep.AccessTokens).
		Int("blacklist", rep.Blacklist).
		Int("counters", rep.Counters).
		Int("alert_windows", rep.AlertWindows).
		Msg("sweep complete")
	return rep
}

// FlushUsage persists credentials whose usage counters changed since the
// previous flush. It returns the number of records queued.
func (g *Gateway) FlushUsage() int {
	keys, tokens := g.creds.DirtyUsage()
	return len(keys) + len(tokens)
}

// credentialJournal queues credential changes on the persistence pool.
type credentialJournal struct{ g *Gateway }

func (j credentialJournal) SaveKey(k model.APIKey) {
	j.g.persist(pool.Job{Kind: pool.KindAPIKey, Action: pool.ActionSave, ID: k.ID, Payload: k})
}

func (j credentialJournal) DeleteKey(id string) {
	j.g.persist(pool.Job{Kind: pool.KindAPIKey, Action: pool.ActionDelete, ID: id})
}

func (j credentialJournal) SaveToken(t model.AccessToken) {
	j.g.persist(pool.Job{Kind: pool.KindAccessToken, Action: pool.ActionSave, ID: t.ID, Payload: t})
}

func (j credentialJournal) DeleteToken(id string) {
	j.g.persist(pool.Job{Kind: pool.KindAccessToken, Action: pool.ActionDelete, ID: id})
}
