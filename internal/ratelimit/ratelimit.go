// Package ratelimit implements the fixed-window rate limiter bank.
//
// Every enabled limiter whose endpoint patterns match a request is checked in
// configuration order against the counter for the request's client identity.
// A counter resets (count=0, windowStart=now) the first time it is touched
// after now-windowStart > window. Boundary bursts of up to 2×max inside one
// window length are therefore possible and intended.
package ratelimit

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/developingchet/admission-gateway/internal/model"
	"github.com/developingchet/admission-gateway/internal/pattern"
)

const shardCount = 32

type counter struct {
	mu          sync.Mutex
	count       int
	windowStart time.Time
	lastSeen    time.Time
	// dead is set when Sweep unlinks the counter; holders must look it up again.
	dead bool
}

type shard struct {
	mu       sync.RWMutex
	counters map[string]*counter
}

type limiter struct {
	cfg      model.RateLimiterConfig
	patterns pattern.Set
	shards   [shardCount]*shard
}

func newLimiter(cfg model.RateLimiterConfig) *limiter {
	l := &limiter{cfg: cfg, patterns: pattern.CompileSet(cfg.Endpoints)}
	for i := range l.shards {
		l.shards[i] = &shard{counters: make(map[string]*counter)}
	}
	return l
}

func (l *limiter) shardFor(identity string) *shard {
	return l.shards[xxhash.Sum64String(identity)%shardCount]
}

// counterFor returns the identity's counter, creating it under the shard write
// lock only when missing.
func (l *limiter) counterFor(identity string) *counter {
	sh := l.shardFor(identity)
	sh.mu.RLock()
	c, ok := sh.counters[identity]
	sh.mu.RUnlock()
	if ok {
		return c
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if c, ok = sh.counters[identity]; !ok {
		c = &counter{}
		sh.counters[identity] = c
	}
	return c
}

// Result is the outcome of Bank.Check.
type Result struct {
	Allowed  bool
	Identity string
	// Detail is the denying limiter, or the tightest matching limiter when
	// allowed. Nil when no limiter matched.
	Detail *model.RateLimitDetail
	// Violation is set on denial.
	Violation *model.Violation
}

// Bank holds the configured limiters and their per-identity counters.
type Bank struct {
	limiters atomic.Pointer[[]*limiter]
	clock    model.Clock
}

// New builds a Bank from cfgs. Disabled limiters are kept so Reload can
// re-enable them without losing counters.
func New(cfgs []model.RateLimiterConfig, clock model.Clock) *Bank {
	if clock == nil {
		clock = model.SystemClock{}
	}
	b := &Bank{clock: clock}
	b.Reload(cfgs)
	return b
}

// Reload replaces the limiter set. Counters of limiters whose ID and window
// are unchanged carry over.
func (b *Bank) Reload(cfgs []model.RateLimiterConfig) {
	prev := map[string]*limiter{}
	if cur := b.limiters.Load(); cur != nil {
		for _, l := range *cur {
			prev[l.cfg.ID] = l
		}
	}
	next := make([]*limiter, 0, len(cfgs))
	for _, cfg := range cfgs {
		l := newLimiter(cfg)
		if old, ok := prev[cfg.ID]; ok && old.cfg.Window == cfg.Window {
			l.shards = old.shards
		}
		next = append(next, l)
	}
	b.limiters.Store(&next)
}

// Validate checks a limiter set before it is installed.
func Validate(cfgs []model.RateLimiterConfig) error {
	seen := make(map[string]bool, len(cfgs))
	for _, c := range cfgs {
		if c.ID == "" {
			return fmt.Errorf("limiter %q has no id", c.Name)
		}
		if seen[c.ID] {
			return fmt.Errorf("duplicate limiter id %q", c.ID)
		}
		seen[c.ID] = true
		if c.Enabled && c.Window <= 0 {
			return fmt.Errorf("limiter %s: window must be > 0", c.ID)
		}
		if c.MaxRequests < 0 {
			return fmt.Errorf("limiter %s: max_requests must be >= 0", c.ID)
		}
		if len(c.Endpoints) == 0 {
			return fmt.Errorf("limiter %s: no endpoints", c.ID)
		}
	}
	return nil
}

// Configs returns the active limiter configuration in order.
func (b *Bank) Configs() []model.RateLimiterConfig {
	ls := *b.limiters.Load()
	out := make([]model.RateLimiterConfig, len(ls))
	for i, l := range ls {
		out[i] = l.cfg
	}
	return out
}

// Check applies every enabled matching limiter to req. override > 0 replaces
// each limiter's MaxRequests. Evaluation stops at the first denial; the
// denying limiter's counter is not incremented.
func (b *Bank) Check(req model.ClientRequest, override int) Result {
	now := b.clock.Now()
	res := Result{Allowed: true, Identity: req.Identity()}

	for _, l := range *b.limiters.Load() {
		if !l.cfg.Enabled || l.cfg.Window <= 0 || !l.patterns.Match(req.Endpoint) {
			continue
		}
		limit := l.cfg.MaxRequests
		if override > 0 {
			limit = override
		}

		c := l.counterFor(res.Identity)
		c.mu.Lock()
		for c.dead {
			c.mu.Unlock()
			c = l.counterFor(res.Identity)
			c.mu.Lock()
		}
		if c.windowStart.IsZero() || now.Sub(c.windowStart) > l.cfg.Window {
			c.count = 0
			c.windowStart = now
		}
		c.lastSeen = now
		detail := &model.RateLimitDetail{
			LimiterID: l.cfg.ID,
			Limit:     limit,
			ResetAt:   c.windowStart.Add(l.cfg.Window),
		}
		if c.count >= limit {
			detail.Current = c.count
			c.mu.Unlock()

			v := model.NewViolation(model.ConditionRateLimitExceeded, req, now)
			v.LimiterID = l.cfg.ID
			res.Allowed = false
			res.Detail = detail
			res.Violation = &v
			return res
		}
		c.count++
		detail.Current = c.count
		detail.Remaining = limit - c.count
		c.mu.Unlock()

		if res.Detail == nil || detail.Remaining < res.Detail.Remaining {
			res.Detail = detail
		}
	}
	return res
}

// Counter returns the current count and window start for identity under
// limiterID.
func (b *Bank) Counter(limiterID, identity string) (count int, windowStart time.Time, ok bool) {
	for _, l := range *b.limiters.Load() {
		if l.cfg.ID != limiterID {
			continue
		}
		sh := l.shardFor(identity)
		sh.mu.RLock()
		c, found := sh.counters[identity]
		sh.mu.RUnlock()
		if !found {
			return 0, time.Time{}, false
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.count, c.windowStart, true
	}
	return 0, time.Time{}, false
}

// ActiveIdentities returns the number of live counters across all limiters.
func (b *Bank) ActiveIdentities() int {
	n := 0
	for _, l := range *b.limiters.Load() {
		for _, sh := range l.shards {
			sh.mu.RLock()
			n += len(sh.counters)
			sh.mu.RUnlock()
		}
	}
	return n
}

// Sweep drops counters idle for more than twice their limiter's window and
// returns how many were removed. Candidates are collected under the shard read
// lock and removed under a short write lock, one shard at a time.
func (b *Bank) Sweep() int {
	now := b.clock.Now()
	removed := 0
	for _, l := range *b.limiters.Load() {
		idle := 2 * l.cfg.Window
		for _, sh := range l.shards {
			sh.mu.RLock()
			var stale []string
			for id, c := range sh.counters {
				c.mu.Lock()
				if now.Sub(c.lastSeen) > idle {
					stale = append(stale, id)
				}
				c.mu.Unlock()
			}
			sh.mu.RUnlock()
			if len(stale) == 0 {
				continue
			}

			sh.mu.Lock()
			for _, id := range stale {
				c, ok := sh.counters[id]
				if !ok {
					continue
				}
				// Re-check: the identity may have been touched since the snapshot.
				c.mu.Lock()
				if now.Sub(c.lastSeen) > idle {
					c.dead = true
					delete(sh.counters, id)
					removed++
				}
				c.mu.Unlock()
			}
			sh.mu.Unlock()
		}
	}
	return removed
}
