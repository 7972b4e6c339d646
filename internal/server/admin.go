package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/developingchet/admission-gateway/internal/credential"
	"github.com/developingchet/admission-gateway/internal/gateway"
	"github.com/developingchet/admission-gateway/internal/metrics"
	"github.com/developingchet/admission-gateway/internal/model"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

// maxAdminBody bounds admin request bodies.
const maxAdminBody = 1 << 20

// Control is the gateway surface the admin API drives.
type Control interface {
	CreateAPIKey(spec credential.KeySpec) (model.APIKey, error)
	CreateAccessToken(spec credential.TokenSpec) (model.AccessToken, error)
	DisableAPIKey(id, reason string) (model.APIKey, error)
	RevokeAccessToken(id string) (model.AccessToken, error)
	BlockIPFor(ip, reason string, ttl time.Duration) (model.BlacklistEntry, error)
	UnblockIP(ip string) (bool, error)
	ReloadPolicies(ps []model.SecurityPolicy) error
	ReloadLimiters(ls []model.RateLimiterConfig) error
	ReloadRules(rs []model.AlertRule) error
	SweepExpired() gateway.SweepReport

	APIKey(id string) (model.APIKey, error)
	APIKeys() []model.APIKey
	AccessTokens() []model.AccessToken
	Policies() []model.SecurityPolicy
	Limiters() []model.RateLimiterConfig
	Rules() []model.AlertRule
	Blacklist() []model.BlacklistEntry
	Blocked(ip string) (model.BlacklistEntry, bool)
}

// AuditLog lists persisted audit events.
type AuditLog interface {
	ListAuditEvents(since time.Time, limit int) ([]model.AuditEvent, error)
}

// AdminOptions configures the admin API.
type AdminOptions struct {
	// Token is the bearer token every admin call must present.
	Token string
	// RPS and Burst throttle the whole API; RPS <= 0 disables throttling.
	RPS   float64
	Burst int
	Audit AuditLog
	Log   zerolog.Logger
}

type admin struct {
	ctrl    Control
	auditDB AuditLog
	token   []byte
	limiter *rate.Limiter
	log     zerolog.Logger
}

// NewAdminHandler returns the admin API mux.
func NewAdminHandler(ctrl Control, opts AdminOptions) http.Handler {
	a := &admin{
		ctrl:    ctrl,
		auditDB: opts.Audit,
		token:   []byte(opts.Token),
		log:     opts.Log.With().Str("component", "admin").Logger(),
	}
	if opts.RPS > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(opts.RPS), max(opts.Burst, 1))
	}

	mux := http.NewServeMux()
	a.handle(mux, "GET /admin/keys", a.listKeys)
	a.handle(mux, "POST /admin/keys", a.createKey)
	a.handle(mux, "GET /admin/keys/{id}", a.getKey)
	a.handle(mux, "POST /admin/keys/{id}/disable", a.disableKey)
	a.handle(mux, "GET /admin/tokens", a.listTokens)
	a.handle(mux, "POST /admin/tokens", a.createToken)
	a.handle(mux, "DELETE /admin/tokens/{id}", a.revokeToken)
	a.handle(mux, "GET /admin/blacklist", a.listBlacklist)
	a.handle(mux, "POST /admin/blacklist", a.block)
	a.handle(mux, "GET /admin/blacklist/{ip...}", a.checkBlocked)
	a.handle(mux, "DELETE /admin/blacklist/{ip...}", a.unblock)
	a.handle(mux, "GET /admin/policies", a.getPolicies)
	a.handle(mux, "PUT /admin/policies", a.putPolicies)
	a.handle(mux, "GET /admin/limiters", a.getLimiters)
	a.handle(mux, "PUT /admin/limiters", a.putLimiters)
	a.handle(mux, "GET /admin/rules", a.getRules)
	a.handle(mux, "PUT /admin/rules", a.putRules)
	a.handle(mux, "POST /admin/sweep", a.sweep)
	a.handle(mux, "GET /admin/audit", a.listAudit)
	return mux
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (a *admin) handle(mux *http.ServeMux, pattern string, fn http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			metrics.AdminRequests.WithLabelValues(pattern, strconv.Itoa(rec.status)).Inc()
		}()

		if a.limiter != nil && !a.limiter.Allow() {
			rec.Header().Set("Retry-After", "1")
			writeError(rec, http.StatusTooManyRequests, "admin API throttled", "")
			return
		}
		if !a.authorized(r) {
			rec.Header().Set("WWW-Authenticate", `Bearer realm="admin"`)
			writeError(rec, http.StatusUnauthorized, "invalid admin token", "")
			return
		}
		fn(rec, r)
	})
}

func (a *admin) authorized(r *http.Request) bool {
	if len(a.token) == 0 {
		return false
	}
	h := strings.TrimSpace(r.Header.Get(model.HeaderAuthorization))
	scheme, got, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), a.token) == 1
}

// fail maps err to a status and writes it.
func (a *admin) fail(w http.ResponseWriter, r *http.Request, err error, status int) {
	if errors.Is(err, credential.ErrNotFound) {
		status = http.StatusNotFound
	}
	if status >= 500 {
		a.log.Error().Err(err).Str("route", r.Method+" "+r.URL.Path).Msg("admin call failed")
	}
	writeError(w, status, err.Error(), "")
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxAdminBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

// decodeYAML reads a configuration set in the bootstrap file's format.
// JSON bodies are accepted too.
func decodeYAML(r *http.Request, v any) error {
	dec := yaml.NewDecoder(io.LimitReader(r.Body, maxAdminBody))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func writeYAML(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	enc := yaml.NewEncoder(w)
	_ = enc.Encode(v)
	_ = enc.Close()
}

func parseTTL(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid ttl %q", s)
	}
	return d, nil
}

// ----- keys -----

type keyView struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Secret            string     `json:"secret,omitempty"`
	Prefix            string     `json:"prefix"`
	OwnerID           string     `json:"owner_id"`
	Permissions       []string   `json:"permissions"`
	RateLimitOverride int        `json:"rate_limit_override,omitempty"`
	Enabled           bool       `json:"enabled"`
	CreatedAt         time.Time  `json:"created_at"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	LastUsedAt        *time.Time `json:"last_used_at,omitempty"`
	UsageCount        int64      `json:"usage_count"`
	DisabledReason    string     `json:"disabled_reason,omitempty"`
}

func optTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func viewKey(k model.APIKey) keyView {
	return keyView{
		ID:                k.ID,
		Name:              k.Name,
		Secret:            k.Secret,
		Prefix:            k.Prefix,
		OwnerID:           k.OwnerID,
		Permissions:       k.Permissions,
		RateLimitOverride: k.RateLimitOverride,
		Enabled:           k.Enabled,
		CreatedAt:         k.CreatedAt,
		ExpiresAt:         k.ExpiresAt,
		LastUsedAt:        optTime(k.LastUsedAt),
		UsageCount:        k.UsageCount,
		DisabledReason:    k.DisabledReason,
	}
}

type createKeyRequest struct {
	Name              string   `json:"name"`
	OwnerID           string   `json:"owner_id"`
	Permissions       []string `json:"permissions"`
	RateLimitOverride int      `json:"rate_limit_override"`
	TTL               string   `json:"ttl"`
}

func (a *admin) listKeys(w http.ResponseWriter, r *http.Request) {
	keys := a.ctrl.APIKeys()
	out := make([]keyView, 0, len(keys))
	for _, k := range keys {
		out = append(out, viewKey(k))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *admin) getKey(w http.ResponseWriter, r *http.Request) {
	k, err := a.ctrl.APIKey(r.PathValue("id"))
	if err != nil {
		a.fail(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, viewKey(k))
}

func (a *admin) createKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := decodeJSON(r, &req); err != nil {
		a.fail(w, r, err, http.StatusBadRequest)
		return
	}
	ttl, err := parseTTL(req.TTL)
	if err != nil {
		a.fail(w, r, err, http.StatusBadRequest)
		return
	}
	if req.RateLimitOverride < 0 {
		a.fail(w, r, errors.New("rate_limit_override must be >= 0"), http.StatusBadRequest)
		return
	}
	k, err := a.ctrl.CreateAPIKey(credential.KeySpec{
		Name:              req.Name,
		OwnerID:           req.OwnerID,
		Permissions:       req.Permissions,
		RateLimitOverride: req.RateLimitOverride,
		TTL:               ttl,
	})
	if err != nil {
		a.fail(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, viewKey(k))
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (a *admin) disableKey(w http.ResponseWriter, r *http.Request) {
	var req reasonRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			a.fail(w, r, err, http.StatusBadRequest)
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "disabled by admin"
	}
	k, err := a.ctrl.DisableAPIKey(r.PathValue("id"), req.Reason)
	if err != nil {
		a.fail(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, viewKey(k))
}

// ----- tokens -----

type tokenView struct {
	ID          string     `json:"id"`
	Token       string     `json:"token,omitempty"`
	Prefix      string     `json:"prefix"`
	UserID      string     `json:"user_id"`
	Permissions []string   `json:"permissions"`
	Scopes      []string   `json:"scopes,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	UsageCount  int64      `json:"usage_count"`
}

func viewToken(t model.AccessToken) tokenView {
	return tokenView{
		ID:          t.ID,
		Token:       t.Token,
		Prefix:      t.Prefix,
		UserID:      t.UserID,
		Permissions: t.Permissions,
		Scopes:      t.Scopes,
		CreatedAt:   t.CreatedAt,
		ExpiresAt:   t.ExpiresAt,
		LastUsedAt:  optTime(t.LastUsedAt),
		UsageCount:  t.UsageCount,
	}
}

type createTokenRequest struct {
	UserID      string   `json:"user_id"`
	Permissions []string `json:"permissions"`
	Scopes      []string `json:"scopes"`
	TTL         string   `json:"ttl"`
}

func (a *admin) listTokens(w http.ResponseWriter, r *http.Request) {
	tokens := a.ctrl.AccessTokens()
	out := make([]tokenView, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, viewToken(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *admin) createToken(w http.ResponseWriter, r *http.Request) {
	var req createTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		a.fail(w, r, err, http.StatusBadRequest)
		return
	}
	ttl, err := parseTTL(req.TTL)
	if err != nil {
		a.fail(w, r, err, http.StatusBadRequest)
		return
	}
	t, err := a.ctrl.CreateAccessToken(credential.TokenSpec{
		UserID:      req.UserID,
		Permissions: req.Permissions,
		Scopes:      req.Scopes,
		TTL:         ttl,
	})
	if err != nil {
		a.fail(w, r, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, viewToken(t))
}

func (a *admin) revokeToken(w http.ResponseWriter, r *http.Request) {
	if _, err := a.ctrl.RevokeAccessToken(r.PathValue("id")); err != nil {
		a.fail(w, r, err, http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ----- blacklist -----

type blacklistView struct {
	IP        string     `json:"ip"`
	Reason    string     `json:"reason"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func viewEntry(e model.BlacklistEntry) blacklistView {
	return blacklistView{IP: e.IP, Reason: e.Reason, CreatedAt: e.CreatedAt, ExpiresAt: optTime(e.ExpiresAt)}
}

type blockRequest struct {
	IP     string `json:"ip"`
	Reason string `json:"reason"`
	TTL    string `json:"ttl"`
}

func (a *admin) listBlacklist(w http.ResponseWriter, r *http.Request) {
	entries := a.ctrl.Blacklist()
	out := make([]blacklistView, 0, len(entries))
	for _, e := range entries {
		out = append(out, viewEntry(e))
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *admin) block(w http.ResponseWriter, r *http.Request) {
	var req blockRequest
	if err := decodeJSON(r, &req); err != nil {
		a.fail(w, r, err, http.StatusBadRequest)
		return
	}
	ttl, err := parseTTL(req.TTL)
	if err != nil {
		a.fail(w, r, err, http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		req.Reason = "manual"
	}
	e, err := a.ctrl.BlockIPFor(req.IP, req.Reason, ttl)
	if err != nil {
		a.fail(w, r, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, viewEntry(e))
}

func (a *admin) checkBlocked(w http.ResponseWriter, r *http.Request) {
	e, ok := a.ctrl.Blocked(r.PathValue("ip"))
	if !ok {
		writeError(w, http.StatusNotFound, "not blocked", "")
		return
	}
	writeJSON(w, http.StatusOK, viewEntry(e))
}

func (a *admin) unblock(w http.ResponseWriter, r *http.Request) {
	removed, err := a.ctrl.UnblockIP(r.PathValue("ip"))
	if err != nil {
		a.fail(w, r, err, http.StatusBadRequest)
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "not blocked", "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ----- configuration sets -----

type countResponse struct {
	Count int `json:"count"`
}

func (a *admin) getPolicies(w http.ResponseWriter, r *http.Request) { writeYAML(w, a.ctrl.Policies()) }
func (a *admin) getLimiters(w http.ResponseWriter, r *http.Request) { writeYAML(w, a.ctrl.Limiters()) }
func (a *admin) getRules(w http.ResponseWriter, r *http.Request)    { writeYAML(w, a.ctrl.Rules()) }

func (a *admin) putPolicies(w http.ResponseWriter, r *http.Request) {
	var set []model.SecurityPolicy
	if err := decodeYAML(r, &set); err != nil {
		a.fail(w, r, err, http.StatusBadRequest)
		return
	}
	if err := a.ctrl.ReloadPolicies(set); err != nil {
		a.fail(w, r, err, http.StatusUnprocessableEntity)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{len(set)})
}

func (a *admin) putLimiters(w http.ResponseWriter, r *http.Request) {
	var set []model.RateLimiterConfig
	if err := decodeYAML(r, &set); err != nil {
		a.fail(w, r, err, http.StatusBadRequest)
		return
	}
	if err := a.ctrl.ReloadLimiters(set); err != nil {
		a.fail(w, r, err, http.StatusUnprocessableEntity)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{len(set)})
}

func (a *admin) putRules(w http.ResponseWriter, r *http.Request) {
	var set []model.AlertRule
	if err := decodeYAML(r, &set); err != nil {
		a.fail(w, r, err, http.StatusBadRequest)
		return
	}
	if err := a.ctrl.ReloadRules(set); err != nil {
		a.fail(w, r, err, http.StatusUnprocessableEntity)
		return
	}
	writeJSON(w, http.StatusOK, countResponse{len(set)})
}

// ----- maintenance -----

type sweepResponse struct {
	APIKeys      int       `json:"api_keys"`
	AccessTokens int       `json:"access_tokens"`
	Blacklist    int       `json:"blacklist"`
	Counters     int       `json:"counters"`
	AlertWindows int       `json:"alert_windows"`
	AuditBefore  time.Time `json:"audit_before"`
}

func (a *admin) sweep(w http.ResponseWriter, r *http.Request) {
	rep := a.ctrl.SweepExpired()
	writeJSON(w, http.StatusOK, sweepResponse{
		APIKeys:      rep.APIKeys,
		AccessTokens: rep.AccessTokens,
		Blacklist:    rep.Blacklist,
		Counters:     rep.Counters,
		AlertWindows: rep.AlertWindows,
		AuditBefore:  rep.AuditBefore,
	})
}

type auditView struct {
	ID     string         `json:"id"`
	Name   string         `json:"name"`
	Fields map[string]any `json:"fields"`
	At     time.Time      `json:"at"`
}

func (a *admin) listAudit(w http.ResponseWriter, r *http.Request) {
	if a.auditDB == nil {
		writeError(w, http.StatusNotFound, "request log not available", "")
		return
	}
	q := r.URL.Query()
	since := time.Time{}
	if s := q.Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			a.fail(w, r, fmt.Errorf("invalid since %q", s), http.StatusBadRequest)
			return
		}
		since = t
	}
	limit := 100
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			a.fail(w, r, fmt.Errorf("invalid limit %q", s), http.StatusBadRequest)
			return
		}
		limit = min(n, 1000)
	}

	events, err := a.auditDB.ListAuditEvents(since, limit)
	if err != nil {
		a.fail(w, r, err, http.StatusInternalServerError)
		return
	}
	out := make([]auditView, 0, len(events))
	for _, ev := range events {
		out = append(out, auditView{ID: ev.ID, Name: ev.Name, Fields: ev.Fields, At: ev.At})
	}
	writeJSON(w, http.StatusOK, out)
}
