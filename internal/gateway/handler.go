package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/developingchet/admission-gateway/internal/metrics"
	"github.com/developingchet/admission-gateway/internal/model"
	"github.com/developingchet/admission-gateway/internal/pool"
	"github.com/developingchet/admission-gateway/internal/storage"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// BreakerConfig tunes the circuit breaker guarding store writes.
type BreakerConfig struct {
	// MaxRequests is the number of probes allowed while half-open.
	MaxRequests uint32
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32
}

// DefaultBreakerConfig opens after 5 consecutive failures for 30 seconds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{MaxRequests: 1, Timeout: 30 * time.Second, ConsecutiveFailures: 5}
}

func newBreaker(cfg BreakerConfig, log zerolog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "store",
		MaxRequests: cfg.MaxRequests,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.StoreBreakerState.Set(float64(to))
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	})
}

// NewJobHandler returns a pool.JobHandler that applies persistence jobs to
// store. Writes go through a circuit breaker; an open breaker fails the job
// so the pool backs off and retries. Malformed jobs are logged and dropped.
func NewJobHandler(store storage.Store, cfg BreakerConfig, log zerolog.Logger) pool.JobHandler {
	cb := newBreaker(cfg, log)
	return func(ctx context.Context, job pool.Job) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		write, err := storeWrite(store, job)
		if err != nil {
			metrics.JobsDropped.WithLabelValues("invalid").Inc()
			log.Error().Err(err).Str("kind", job.Kind).Str("action", job.Action).Msg("discarding job")
			return nil
		}
		if _, err := cb.Execute(func() (interface{}, error) { return nil, write() }); err != nil {
			return fmt.Errorf("%s %s %s: %w", job.Action, job.Kind, job.ID, err)
		}
		log.Debug().Str("kind", job.Kind).Str("action", job.Action).Str("id", job.ID).Msg("job applied")
		return nil
	}
}

// storeWrite maps a job to the store call that applies it.
func storeWrite(store storage.Store, job pool.Job) (func() error, error) {
	bad := fmt.Errorf("unexpected payload %T for %s %s", job.Payload, job.Action, job.Kind)

	switch job.Action {
	case pool.ActionSave:
		switch job.Kind {
		case pool.KindAPIKey:
			if k, ok := job.Payload.(model.APIKey); ok {
				return func() error { return store.SaveAPIKey(k) }, nil
			}
		case pool.KindAccessToken:
			if t, ok := job.Payload.(model.AccessToken); ok {
				return func() error { return store.SaveAccessToken(t) }, nil
			}
		case pool.KindBlacklist:
			if e, ok := job.Payload.(model.BlacklistEntry); ok {
				return func() error { return store.SaveBlacklistEntry(e) }, nil
			}
		case pool.KindPolicies:
			if ps, ok := job.Payload.([]model.SecurityPolicy); ok {
				return func() error { return store.SavePolicies(ps) }, nil
			}
		case pool.KindLimiters:
			if ls, ok := job.Payload.([]model.RateLimiterConfig); ok {
				return func() error { return store.SaveLimiters(ls) }, nil
			}
		case pool.KindRules:
			if rs, ok := job.Payload.([]model.AlertRule); ok {
				return func() error { return store.SaveRules(rs) }, nil
			}
		case pool.KindAudit:
			if ev, ok := job.Payload.(model.AuditEvent); ok {
				return func() error { return store.AppendAuditEvent(ev) }, nil
			}
		}
		return nil, bad

	case pool.ActionDelete:
		switch job.Kind {
		case pool.KindAPIKey:
			return func() error { return store.DeleteAPIKey(job.ID) }, nil
		case pool.KindAccessToken:
			return func() error { return store.DeleteAccessToken(job.ID) }, nil
		case pool.KindBlacklist:
			return func() error { return store.DeleteBlacklistEntry(job.ID) }, nil
		case pool.KindAuditPrune:
			if before, ok := job.Payload.(time.Time); ok {
				return func() error {
					_, err := store.PruneAuditEvents(before)
					return err
				}, nil
			}
		}
		return nil, bad
	}
	return nil, fmt.Errorf("unknown action %q", job.Action)
}
