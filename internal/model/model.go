// Package model holds the admission gateway's data types shared by every
// stage: credentials, policies, limiter and alert configuration, blacklist
// entries and the Decision produced for each request.
package model

import (
	"time"
)

// RateLimiterConfig is one fixed-window budget applied to every client
// identity whose request endpoint matches one of Endpoints.
type RateLimiterConfig struct {
	ID          string        `yaml:"id"`
	Name        string        `yaml:"name"`
	Window      time.Duration `yaml:"window"`
	MaxRequests int           `yaml:"max_requests"`
	Endpoints   []string      `yaml:"endpoints"`
	Enabled     bool          `yaml:"enabled"`
}

// Authentication methods a policy may accept.
const (
	AuthMethodBearer = "bearer"
	AuthMethodAPIKey = "api_key"
)

// AuthRequirement describes whether and how a caller must authenticate.
type AuthRequirement struct {
	Required bool `yaml:"required"`
	// AllowedMethods restricts the credential kinds accepted; empty accepts all.
	AllowedMethods []string `yaml:"allowed_methods"`
	// TokenTTL rejects bearer tokens older than this when > 0.
	TokenTTL time.Duration `yaml:"token_ttl"`
}

// AuthzRequirement maps "METHOD:endpoint" keys to the permissions that grant access.
// The endpoint half may be a pattern and the method half may be "*".
type AuthzRequirement struct {
	Enabled             bool                `yaml:"enabled"`
	RequiredPermissions map[string][]string `yaml:"required_permissions"`
}

// ValidationRule configures input inspection for a policy.
type ValidationRule struct {
	MaxRequestBytes int64 `yaml:"max_request_bytes"`
	Sanitize        bool  `yaml:"sanitize"`
	BlockSQLi       bool  `yaml:"block_sqli"`
	BlockXSS        bool  `yaml:"block_xss"`
}

// SecurityPolicy is the per-endpoint admission policy.
type SecurityPolicy struct {
	ID         string           `yaml:"id"`
	Endpoints  []string         `yaml:"endpoints"`
	Auth       AuthRequirement  `yaml:"auth"`
	Authz      AuthzRequirement `yaml:"authz"`
	Validation ValidationRule   `yaml:"validation"`
	Enabled    bool             `yaml:"enabled"`
}

// PermissionAll grants every permission.
const PermissionAll = "*"

// APIKey is a long-lived credential. The clear secret is never stored; only
// SecretHash is persisted and Secret is populated once, on creation.
type APIKey struct {
	ID                string
	Name              string
	Secret            string `msgpack:"-"`
	SecretHash        string
	Prefix            string
	OwnerID           string
	Permissions       []string
	RateLimitOverride int
	Enabled           bool
	CreatedAt         time.Time
	ExpiresAt         *time.Time
	LastUsedAt        time.Time
	UsageCount        int64
	DisabledReason    string
}

// Expired reports whether the key has an expiry at or before now.
func (k APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

// AccessToken is a short-lived bearer credential. ExpiresAt is always set.
type AccessToken struct {
	ID          string
	Token       string `msgpack:"-"`
	TokenHash   string
	Prefix      string
	UserID      string
	Permissions []string
	Scopes      []string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	LastUsedAt  time.Time
	UsageCount  int64
}

// Expired reports whether the token is at or past its expiry.
func (t AccessToken) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Violation condition tags fed to the alert engine.
const (
	ConditionRateLimitExceeded = "rate_limit_exceeded"
	ConditionAuthFailed        = "auth_failed"
	ConditionAuthzFailed       = "authz_failed"
	ConditionInputInvalid      = "input_invalid"
	ConditionBlacklisted       = "blacklisted"
	ConditionInternalError     = "internal_error"
)

// Remediation actions an alert rule can trigger.
const (
	ActionBlockIP    = "block_ip"
	ActionDisableKey = "disable_key"
	ActionNotify     = "notify"
)

// Alert rule scopes. A global rule keeps one rolling window for all
// violations; ip and key rules keep one window per client IP or API key.
const (
	ScopeGlobal = ""
	ScopeIP     = "ip"
	ScopeKey    = "key"
)

// AlertRule escalates once Threshold matching violations land within Window.
type AlertRule struct {
	ID        string        `yaml:"id"`
	Name      string        `yaml:"name"`
	Condition string        `yaml:"condition"`
	Threshold int           `yaml:"threshold"`
	Window    time.Duration `yaml:"window"`
	Action    string        `yaml:"action"`
	Severity  string        `yaml:"severity"`
	Scope     string        `yaml:"scope"`
	// BlockFor bounds block_ip entries; zero blocks until removed.
	BlockFor time.Duration `yaml:"block_for"`
	Enabled  bool          `yaml:"enabled"`
}

// Violation is one denial event observed by the alert engine.
type Violation struct {
	Condition string
	IP        string
	Endpoint  string
	Method    string
	// APIKey is the raw X-API-Key header of the request, if any.
	APIKey    string
	LimiterID string
	Detail    string
	At        time.Time
}

// NewViolation builds a Violation for req.
func NewViolation(condition string, req ClientRequest, at time.Time) Violation {
	return Violation{
		Condition: condition,
		IP:        req.IP,
		Endpoint:  req.Endpoint,
		Method:    req.Method,
		APIKey:    req.APIKey(),
		At:        at,
	}
}

// BlacklistEntry blocks an IP address or CIDR range.
type BlacklistEntry struct {
	IP        string `yaml:"ip"`
	Reason    string `yaml:"reason"`
	CreatedAt time.Time
	ExpiresAt time.Time // zero = never expires
}

// Expired reports whether the entry has a non-zero expiry at or before now.
func (e BlacklistEntry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// AuditEvent is one append-only audit record.
type AuditEvent struct {
	ID     string
	Name   string
	Fields map[string]any
	At     time.Time
}
