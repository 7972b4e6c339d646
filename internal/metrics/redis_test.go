package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func TestRedisSinkBuffers(t *testing.T) {
	s := NewRedisSink(nil, zerolog.Nop(), WithRedisPrefix(":gw:"))
	s.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }

	s.IncRequest("/login", true)
	s.IncRequest("/login", false)
	s.IncRequest("/login", false)
	s.IncBlocked("RateLimitExceeded")
	s.IncKeyUsage("k1")
	s.IncKeyUsage("k1")

	cases := []struct {
		key, field string
		want       int64
	}{
		{"gw:total", "allowed", 1},
		{"gw:total", "denied", 2},
		{"gw:minute:202401020304", "denied", 2},
		{"gw:endpoint", "/login:denied", 2},
		{"gw:blocked", "RateLimitExceeded", 1},
		{"gw:key_usage", "k1", 2},
	}
	for _, c := range cases {
		if got := s.pendingCount(c.key, c.field); got != c.want {
			t.Errorf("%s[%s] = %d, want %d", c.key, c.field, got, c.want)
		}
	}
}

func TestRedisSinkFlushFailureKeepsBatch(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer func() { _ = rdb.Close() }()

	s := NewRedisSink(rdb, zerolog.Nop())
	s.IncBlocked("Blacklisted")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Flush(ctx); err == nil {
		t.Fatal("expected flush error against closed port")
	}
	s.IncBlocked("Blacklisted")
	if got := s.pendingCount("gateway:stats:blocked", "Blacklisted"); got != 2 {
		t.Errorf("pending after failed flush = %d, want 2", got)
	}
}

func TestRedisSinkFlushEmpty(t *testing.T) {
	s := NewRedisSink(nil, zerolog.Nop())
	if err := s.Flush(context.Background()); err != nil {
		t.Errorf("empty flush should be a no-op, got %v", err)
	}
}
