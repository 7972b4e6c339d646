// Package server is the HTTP front of the gateway: the admission middleware
// in front of the upstream, the admin API, health and metrics endpoints.
package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/developingchet/admission-gateway/internal/model"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// HeaderRequestID carries the request id to the upstream and back to the client.
const HeaderRequestID = "X-Request-ID"

// Span attribute keys. Credential values are never recorded.
const (
	AttrClientIP = "admission.client_ip"
	AttrEndpoint = "admission.endpoint"
	AttrMethod   = "admission.method"
	AttrAllowed  = "admission.allowed"
	AttrReason   = "admission.reason"
	AttrPolicy   = "admission.policy_id"
	AttrStage    = "admission.stage"
	AttrLimiter  = "admission.limiter_id"
)

// Evaluator decides one request.
type Evaluator interface {
	Evaluate(req model.ClientRequest) model.Decision
}

// AdmissionOptions configures the admission middleware.
type AdmissionOptions struct {
	// MaxBodyBytes caps how much of a request body is buffered. Larger
	// bodies are refused with 413 before evaluation.
	MaxBodyBytes int64
	// TrustedProxies are peers whose X-Forwarded-For is honoured.
	TrustedProxies []netip.Prefix
	Tracer         trace.Tracer
	Clock          model.Clock
	Log            zerolog.Logger
}

// Admission returns middleware that evaluates every request and only calls
// next for allowed ones.
func Admission(ev Evaluator, opts AdmissionOptions) func(http.Handler) http.Handler {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 10 << 20
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("github.com/developingchet/admission-gateway/internal/server")
	}
	if opts.Clock == nil {
		opts.Clock = model.SystemClock{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := strings.TrimSpace(r.Header.Get(HeaderRequestID))
			if reqID == "" {
				reqID = uuid.NewString()
				r.Header.Set(HeaderRequestID, reqID)
			}
			w.Header().Set(HeaderRequestID, reqID)

			ip := ClientIP(r, opts.TrustedProxies)
			ctx, span := opts.Tracer.Start(r.Context(), "admission.evaluate")
			defer span.End()
			span.SetAttributes(
				attribute.String(AttrClientIP, ip),
				attribute.String(AttrEndpoint, r.URL.Path),
				attribute.String(AttrMethod, r.Method),
			)

			body, err := readBody(r, opts.MaxBodyBytes)
			if err != nil {
				span.SetStatus(codes.Error, err.Error())
				status := http.StatusBadRequest
				if errors.Is(err, errBodyTooLarge) {
					status = http.StatusRequestEntityTooLarge
				}
				opts.Log.Debug().Err(err).Str("ip", ip).Str("endpoint", r.URL.Path).Msg("request body rejected")
				writeError(w, status, err.Error(), "")
				return
			}

			d := ev.Evaluate(BuildClientRequest(r, ip, body))

			span.SetAttributes(
				attribute.Bool(AttrAllowed, d.Allowed),
				attribute.String(AttrPolicy, d.PolicyID),
				attribute.String(AttrStage, string(d.Stage)),
			)
			setRateLimitHeaders(w, d, opts.Clock.Now())

			if !d.Allowed {
				span.SetAttributes(attribute.String(AttrReason, d.ReasonString()))
				if d.RateLimit != nil {
					span.SetAttributes(attribute.String(AttrLimiter, d.RateLimit.LimiterID))
				}
				span.SetStatus(codes.Error, d.ReasonString())
				writeError(w, StatusFor(d), d.Message, d.ReasonString())
				return
			}
			span.SetStatus(codes.Ok, "")

			r.Body = io.NopCloser(bytes.NewReader(body))
			r.ContentLength = int64(len(body))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// StatusFor maps a denial to its HTTP status.
func StatusFor(d model.Decision) int {
	switch d.Reason {
	case model.ReasonNone:
		return http.StatusOK
	case model.ReasonRateLimitExceeded:
		return http.StatusTooManyRequests
	case model.ReasonAuthenticationFailed:
		return http.StatusUnauthorized
	case model.ReasonAuthorizationFailed, model.ReasonBlacklisted:
		return http.StatusForbidden
	case model.ReasonInputValidationFailed:
		if d.ValidationFailure == model.ValidationSize {
			return http.StatusRequestEntityTooLarge
		}
		return http.StatusBadRequest
	default:
		return http.StatusServiceUnavailable
	}
}

func setRateLimitHeaders(w http.ResponseWriter, d model.Decision, now time.Time) {
	rl := d.RateLimit
	if rl == nil {
		return
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(rl.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(max(rl.Remaining, 0)))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(rl.ResetAt.Unix(), 10))
	if d.Reason == model.ReasonRateLimitExceeded {
		h.Set("Retry-After", strconv.Itoa(retryAfter(rl.ResetAt, now)))
	}
}

// retryAfter is the whole seconds until reset, at least 1.
func retryAfter(reset, now time.Time) int {
	secs := int((reset.Sub(now) + time.Second - 1) / time.Second)
	return max(secs, 1)
}

type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg, reason string) {
	writeJSON(w, status, errorBody{Error: msg, Reason: reason})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

var errBodyTooLarge = errors.New("request body too large")

func readBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	defer r.Body.Close()
	if r.ContentLength > limit {
		return nil, errBodyTooLarge
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, errBodyTooLarge
	}
	return body, nil
}

// BuildClientRequest converts r into the admission view. Multi-valued
// headers are joined with ", ".
func BuildClientRequest(r *http.Request, ip string, body []byte) model.ClientRequest {
	headers := make(map[string]string, len(r.Header))
	for k, vs := range r.Header {
		headers[k] = strings.Join(vs, ", ")
	}
	return model.ClientRequest{
		IP:       ip,
		Endpoint: r.URL.Path,
		Method:   r.Method,
		Headers:  headers,
		Body:     body,
		Query:    r.URL.Query(),
	}
}

// ClientIP returns the caller's address. X-Forwarded-For is only consulted
// when the direct peer is a trusted proxy, and is walked right to left past
// further trusted hops.
func ClientIP(r *http.Request, trusted []netip.Prefix) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		host = strings.TrimSpace(r.RemoteAddr)
	}
	peer, err := netip.ParseAddr(host)
	if err != nil {
		return host
	}
	peer = peer.Unmap()
	if !isTrusted(peer, trusted) {
		return peer.String()
	}

	hops := strings.Split(r.Header.Get("X-Forwarded-For"), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		a, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			break
		}
		a = a.Unmap()
		if !isTrusted(a, trusted) {
			return a.String()
		}
	}
	return peer.String()
}

func isTrusted(a netip.Addr, trusted []netip.Prefix) bool {
	for _, p := range trusted {
		if p.Contains(a) {
			return true
		}
	}
	return false
}
