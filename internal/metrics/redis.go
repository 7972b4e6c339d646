package metrics

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisSink aggregates counters in memory and periodically flushes them to
// Redis hashes with a single pipeline, so admission never waits on Redis.
//
//	<prefix>:total           allowed / denied
//	<prefix>:minute:<ts>     allowed / denied (expires after TTL)
//	<prefix>:endpoint        "<endpoint>:allowed" / "<endpoint>:denied"
//	<prefix>:blocked         <reason>
//	<prefix>:key_usage       <key id>
type RedisSink struct {
	rdb    redis.Cmdable
	prefix string
	ttl    time.Duration
	now    func() time.Time
	log    zerolog.Logger

	mu      sync.Mutex
	pending map[string]map[string]int64
}

// RedisOption configures a RedisSink.
type RedisOption func(*RedisSink)

// WithRedisPrefix sets the key prefix. Leading and trailing ':' are trimmed.
func WithRedisPrefix(prefix string) RedisOption {
	return func(s *RedisSink) {
		if p := strings.Trim(prefix, ":"); p != "" {
			s.prefix = p
		}
	}
}

// WithRedisTTL sets the expiry of per-minute buckets.
func WithRedisTTL(d time.Duration) RedisOption {
	return func(s *RedisSink) { s.ttl = d }
}

// NewRedisSink returns a sink writing to rdb.
func NewRedisSink(rdb redis.Cmdable, log zerolog.Logger, opts ...RedisOption) *RedisSink {
	s := &RedisSink{
		rdb:     rdb,
		prefix:  "gateway:stats",
		ttl:     24 * time.Hour,
		now:     time.Now,
		log:     log,
		pending: make(map[string]map[string]int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisSink) add(key, field string) {
	s.mu.Lock()
	h, ok := s.pending[key]
	if !ok {
		h = make(map[string]int64)
		s.pending[key] = h
	}
	h[field]++
	s.mu.Unlock()
}

func (s *RedisSink) IncRequest(endpoint string, allowed bool) {
	v := verdict(allowed)
	s.add(s.prefix+":total", v)
	s.add(s.minuteKey(), v)
	s.add(s.prefix+":endpoint", endpoint+":"+v)
}

func (s *RedisSink) IncBlocked(reason string) {
	s.add(s.prefix+":blocked", reason)
}

func (s *RedisSink) IncKeyUsage(keyID string) {
	s.add(s.prefix+":key_usage", keyID)
}

func (s *RedisSink) minuteKey() string {
	return fmt.Sprintf("%s:minute:%s", s.prefix, s.now().UTC().Format("200601021504"))
}

// Flush writes the buffered counters. On error the batch is merged back so
// the next flush retries it.
func (s *RedisSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	batch := s.pending
	s.pending = make(map[string]map[string]int64)
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	pipe := s.rdb.Pipeline()
	for key, fields := range batch {
		for field, n := range fields {
			pipe.HIncrBy(ctx, key, field, n)
		}
		if s.ttl > 0 && strings.HasPrefix(key, s.prefix+":minute:") {
			pipe.Expire(ctx, key, s.ttl)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.mu.Lock()
		for key, fields := range batch {
			h, ok := s.pending[key]
			if !ok {
				h = make(map[string]int64)
				s.pending[key] = h
			}
			for field, n := range fields {
				h[field] += n
			}
		}
		s.mu.Unlock()
		return fmt.Errorf("redis stats flush: %w", err)
	}
	return nil
}

// Run flushes every interval until ctx is cancelled, then flushes once more.
func (s *RedisSink) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := s.Flush(flushCtx); err != nil {
				s.log.Warn().Err(err).Msg("final stats flush failed")
			}
			cancel()
			return nil
		case <-ticker.C:
			if err := s.Flush(ctx); err != nil {
				s.log.Warn().Err(err).Msg("stats flush failed")
			}
		}
	}
}

// pendingCount returns the buffered value for key/field.
func (s *RedisSink) pendingCount(key, field string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending[key][field]
}
