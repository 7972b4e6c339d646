package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/developingchet/admission-gateway/internal/model"
	"github.com/developingchet/admission-gateway/internal/testutil"
	"github.com/rs/zerolog"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeEvaluator struct {
	mu       sync.Mutex
	decision model.Decision
	seen     []model.ClientRequest
}

func (f *fakeEvaluator) Evaluate(req model.ClientRequest) model.Decision {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, req)
	return f.decision
}

func (f *fakeEvaluator) last() model.ClientRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seen[len(f.seen)-1]
}

func echoHandler(calls *int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		body, _ := io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	})
}

func newAdmission(ev Evaluator, trusted ...string) func(http.Handler) http.Handler {
	var prefixes []netip.Prefix
	for _, p := range trusted {
		prefixes = append(prefixes, netip.MustParsePrefix(p))
	}
	return Admission(ev, AdmissionOptions{
		MaxBodyBytes:   64,
		TrustedProxies: prefixes,
		Clock:          testutil.NewFakeClock(t0),
		Log:            zerolog.Nop(),
	})
}

func TestAdmissionAllowForwardsBody(t *testing.T) {
	ev := &fakeEvaluator{decision: model.Decision{
		Allowed:   true,
		PolicyID:  "default",
		RateLimit: &model.RateLimitDetail{LimiterID: "global", Limit: 10, Current: 3, Remaining: 7, ResetAt: t0.Add(30 * time.Second)},
	}}
	calls := 0
	h := newAdmission(ev)(echoHandler(&calls))

	r := httptest.NewRequest(http.MethodPost, "http://gw/api/v1/orders?id=7", strings.NewReader(`{"qty":1}`))
	r.RemoteAddr = "203.0.113.9:5555"
	r.Header.Set("X-API-Key", "gk_abc")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusOK || calls != 1 {
		t.Fatalf("code=%d calls=%d, want 200 and 1 call", w.Code, calls)
	}
	if w.Body.String() != `{"qty":1}` {
		t.Errorf("upstream saw body %q", w.Body.String())
	}
	if got := w.Header().Get("X-RateLimit-Remaining"); got != "7" {
		t.Errorf("X-RateLimit-Remaining = %q, want 7", got)
	}
	if got := w.Header().Get("X-RateLimit-Reset"); got != "1717243230" {
		t.Errorf("X-RateLimit-Reset = %q", got)
	}
	if w.Header().Get("Retry-After") != "" {
		t.Error("Retry-After must only be set on rate-limit denials")
	}
	if w.Header().Get(HeaderRequestID) == "" {
		t.Error("request id should be generated")
	}

	req := ev.last()
	if req.IP != "203.0.113.9" || req.Endpoint != "/api/v1/orders" || req.Method != http.MethodPost {
		t.Errorf("unexpected client request %+v", req)
	}
	if req.APIKey() != "gk_abc" || req.Query.Get("id") != "7" {
		t.Errorf("headers or query lost: key=%q id=%q", req.APIKey(), req.Query.Get("id"))
	}
}

func TestAdmissionDenyStatuses(t *testing.T) {
	cases := []struct {
		name   string
		d      model.Decision
		status int
	}{
		{"rate", model.Decision{Reason: model.ReasonRateLimitExceeded}, http.StatusTooManyRequests},
		{"authn", model.Decision{Reason: model.ReasonAuthenticationFailed}, http.StatusUnauthorized},
		{"authz", model.Decision{Reason: model.ReasonAuthorizationFailed}, http.StatusForbidden},
		{"blacklist", model.Decision{Reason: model.ReasonBlacklisted}, http.StatusForbidden},
		{"sqli", model.Decision{Reason: model.ReasonInputValidationFailed, ValidationFailure: model.ValidationSQLi}, http.StatusBadRequest},
		{"size", model.Decision{Reason: model.ReasonInputValidationFailed, ValidationFailure: model.ValidationSize}, http.StatusRequestEntityTooLarge},
		{"internal", model.Decision{Reason: model.ReasonInternalValidationError}, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			calls := 0
			h := newAdmission(&fakeEvaluator{decision: tc.d})(echoHandler(&calls))
			r := httptest.NewRequest(http.MethodGet, "http://gw/x", nil)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)

			if w.Code != tc.status {
				t.Errorf("status = %d, want %d", w.Code, tc.status)
			}
			if calls != 0 {
				t.Error("denied request reached the upstream")
			}
			var body errorBody
			if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
				t.Fatal(err)
			}
			if body.Reason != tc.d.ReasonString() {
				t.Errorf("reason = %q, want %q", body.Reason, tc.d.ReasonString())
			}
		})
	}
}

func TestAdmissionRetryAfter(t *testing.T) {
	ev := &fakeEvaluator{decision: model.Decision{
		Reason:    model.ReasonRateLimitExceeded,
		RateLimit: &model.RateLimitDetail{LimiterID: "login", Limit: 5, Current: 5, ResetAt: t0.Add(2500 * time.Millisecond)},
	}}
	calls := 0
	h := newAdmission(ev)(echoHandler(&calls))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "http://gw/login", nil))

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "3" {
		t.Errorf("Retry-After = %q, want 3", got)
	}
	if got := w.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("X-RateLimit-Remaining = %q, want 0", got)
	}
}

func TestAdmissionBodyTooLarge(t *testing.T) {
	ev := &fakeEvaluator{decision: model.Decision{Allowed: true}}
	calls := 0
	h := newAdmission(ev)(echoHandler(&calls))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "http://gw/upload", strings.NewReader(strings.Repeat("a", 65))))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", w.Code)
	}
	if len(ev.seen) != 0 || calls != 0 {
		t.Error("oversized body must not be evaluated or forwarded")
	}
}

func TestAdmissionKeepsRequestID(t *testing.T) {
	calls := 0
	h := newAdmission(&fakeEvaluator{decision: model.Decision{Allowed: true}})(echoHandler(&calls))
	r := httptest.NewRequest(http.MethodGet, "http://gw/", nil)
	r.Header.Set(HeaderRequestID, "req-1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if got := w.Header().Get(HeaderRequestID); got != "req-1" {
		t.Errorf("request id = %q, want req-1", got)
	}
}

func TestClientIP(t *testing.T) {
	trusted := []netip.Prefix{netip.MustParsePrefix("10.0.0.0/8")}
	cases := []struct {
		name   string
		remote string
		xff    string
		want   string
	}{
		{"untrusted peer ignores XFF", "198.51.100.7:1000", "1.2.3.4", "198.51.100.7"},
		{"trusted peer uses XFF", "10.0.0.2:1000", "1.2.3.4", "1.2.3.4"},
		{"skips trusted hops right to left", "10.0.0.2:1000", "1.2.3.4, 5.6.7.8, 10.0.0.3", "5.6.7.8"},
		{"all hops trusted", "10.0.0.2:1000", "10.1.1.1", "10.0.0.2"},
		{"garbage hop stops the walk", "10.0.0.2:1000", "1.2.3.4, junk", "10.0.0.2"},
		{"no XFF", "10.0.0.2:1000", "", "10.0.0.2"},
		{"mapped peer", "[::ffff:198.51.100.7]:1000", "", "198.51.100.7"},
		{"no port", "198.51.100.7", "", "198.51.100.7"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "http://gw/", nil)
			r.RemoteAddr = tc.remote
			if tc.xff != "" {
				r.Header.Set("X-Forwarded-For", tc.xff)
			}
			if got := ClientIP(r, trusted); got != tc.want {
				t.Errorf("ClientIP = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestProxy(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "upstream:"+r.URL.Path)
	}))
	defer upstream.Close()

	p, err := NewProxy(upstream.URL, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	w := httptest.NewRecorder()
	p.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "http://gw/a/b", nil))
	if w.Body.String() != "upstream:/a/b" {
		t.Errorf("proxied body = %q", w.Body.String())
	}

	if _, err := NewProxy("ftp://nope", zerolog.Nop()); err == nil {
		t.Error("non-http upstream should be rejected")
	}
}

func TestProxyUpstreamDown(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	addr := upstream.URL
	upstream.Close()

	p, err := NewProxy(addr, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	w := httptest.NewRecorder()
	p.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "http://gw/", nil))
	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", w.Code)
	}
}

func TestDecisionOnly(t *testing.T) {
	w := httptest.NewRecorder()
	DecisionOnly().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "http://gw/", nil))
	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
}
