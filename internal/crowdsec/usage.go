package crowdsec

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ComponentType identifies the gateway in LAPI usage-metrics payloads.
const ComponentType = "admission-gateway"

const minUsageInterval = 10 * time.Minute

// UsageReporter counts admission outcomes and pushes them to the LAPI
// /v1/usage-metrics endpoint. It implements metrics.Sink.
type UsageReporter struct {
	lapiURL     string
	apiKey      string
	version     string
	interval    time.Duration
	startupTime time.Time
	log         zerolog.Logger
	httpClient  *http.Client

	mu        sync.Mutex
	blocked   map[string]int64
	processed int64
}

// NewUsageReporter constructs a UsageReporter. Intervals below 10m are raised
// to 10m; 0 disables pushing.
func NewUsageReporter(lapiURL, apiKey, version string, interval time.Duration, log zerolog.Logger) *UsageReporter {
	if interval > 0 && interval < minUsageInterval {
		log.Warn().
			Dur("requested", interval).
			Dur("enforced", minUsageInterval).
			Msg("CROWDSEC_USAGE_INTERVAL below minimum; clamping to 10m")
		interval = minUsageInterval
	}
	return &UsageReporter{
		lapiURL:     lapiURL,
		apiKey:      apiKey,
		version:     version,
		interval:    interval,
		startupTime: time.Now(),
		log:         log.With().Str("component", "crowdsec_usage").Logger(),
		httpClient:  &http.Client{Timeout: 5 * time.Second},
		blocked:     make(map[string]int64),
	}
}

// IncRequest counts every evaluated request.
func (r *UsageReporter) IncRequest(_ string, _ bool) {
	r.mu.Lock()
	r.processed++
	r.mu.Unlock()
}

// IncBlocked counts a denial under its reason.
func (r *UsageReporter) IncBlocked(reason string) {
	r.mu.Lock()
	r.blocked[reason]++
	r.mu.Unlock()
}

// IncKeyUsage is not reported to the LAPI.
func (r *UsageReporter) IncKeyUsage(string) {}

// Run pushes every interval until ctx is cancelled, then pushes once more.
// Returns immediately when the interval is 0.
func (r *UsageReporter) Run(ctx context.Context) error {
	if r.interval == 0 {
		return nil
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.push(ctx); err != nil {
				r.log.Warn().Err(err).Msg("lapi usage-metrics push failed")
			}
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := r.push(shutdownCtx); err != nil {
				r.log.Warn().Err(err).Msg("lapi usage-metrics final push failed")
			}
			return nil
		}
	}
}

type usageMetric struct {
	Name   string            `json:"name"`
	Value  int64             `json:"value"`
	Unit   string            `json:"unit"`
	Labels map[string]string `json:"labels,omitempty"`
}

type usageOS struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type usageWindow struct {
	WindowSizeSeconds   int64 `json:"window_size_seconds"`
	UtcStartupTimestamp int64 `json:"utc_startup_timestamp"`
	UtcNowTimestamp     int64 `json:"utc_now_timestamp"`
}

type usageComponent struct {
	Type     string        `json:"type"`
	Version  string        `json:"version"`
	Os       usageOS       `json:"os"`
	Features []string      `json:"features"`
	Meta     usageWindow   `json:"meta"`
	Metrics  []usageMetric `json:"metrics"`
}

type usagePayload struct {
	RemediationComponents []usageComponent `json:"remediation_components"`
}

// snapshot returns the counters as metric items and resets them.
func (r *UsageReporter) snapshot() []usageMetric {
	r.mu.Lock()
	blocked := r.blocked
	processed := r.processed
	r.blocked = make(map[string]int64)
	r.processed = 0
	r.mu.Unlock()

	items := make([]usageMetric, 0, len(blocked)+1)
	for reason, count := range blocked {
		if count <= 0 {
			continue
		}
		items = append(items, usageMetric{
			Name:  "dropped",
			Value: count,
			Unit:  "request",
			Labels: map[string]string{
				"origin":           ComponentType,
				"remediation_type": reason,
			},
		})
	}
	return append(items, usageMetric{Name: "processed", Value: processed, Unit: "request"})
}

func (r *UsageReporter) push(ctx context.Context) error {
	osName, osVersion := detectOS()
	body, err := json.Marshal(usagePayload{
		RemediationComponents: []usageComponent{{
			Type:     ComponentType,
			Version:  r.version,
			Os:       usageOS{Name: osName, Version: osVersion},
			Features: []string{},
			Meta: usageWindow{
				WindowSizeSeconds:   int64(r.interval.Seconds()),
				UtcStartupTimestamp: r.startupTime.Unix(),
				UtcNowTimestamp:     time.Now().Unix(),
			},
			Metrics: r.snapshot(),
		}},
	})
	if err != nil {
		return fmt.Errorf("marshal usage-metrics payload: %w", err)
	}

	url := strings.TrimRight(r.lapiURL, "/") + "/v1/usage-metrics"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build usage-metrics request: %w", err)
	}
	req.Header.Set("X-Api-Key", r.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", ComponentType+"/"+r.version)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("POST usage-metrics: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("usage-metrics returned %d", resp.StatusCode)
	}
	return nil
}

// detectOS returns runtime.GOOS and VERSION_ID from /etc/os-release when
// readable.
func detectOS() (name, version string) {
	name = runtime.GOOS

	f, err := os.Open("/etc/os-release")
	if err != nil {
		return name, ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if val, ok := strings.CutPrefix(scanner.Text(), "VERSION_ID="); ok {
			return name, strings.Trim(val, `"`)
		}
	}
	return name, ""
}
