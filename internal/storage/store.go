package storage

import (
	"time"

	"github.com/developingchet/admission-gateway/internal/model"
)

// Snapshot is everything the gateway restores at startup.
type Snapshot struct {
	Keys      []model.APIKey
	Tokens    []model.AccessToken
	Policies  []model.SecurityPolicy
	Limiters  []model.RateLimiterConfig
	Rules     []model.AlertRule
	Blacklist []model.BlacklistEntry

	// The Has* flags distinguish "never saved" from "saved empty".
	HasPolicies bool
	HasLimiters bool
	HasRules    bool
}

// Store is the persistence interface for the gateway.
type Store interface {
	Load() (Snapshot, error)

	// Credentials
	SaveAPIKey(k model.APIKey) error
	DeleteAPIKey(id string) error
	SaveAccessToken(t model.AccessToken) error
	DeleteAccessToken(id string) error

	// Configuration sets are stored whole.
	SavePolicies(p []model.SecurityPolicy) error
	SaveLimiters(l []model.RateLimiterConfig) error
	SaveRules(r []model.AlertRule) error

	// Blacklist
	SaveBlacklistEntry(e model.BlacklistEntry) error
	DeleteBlacklistEntry(ip string) error

	// Request/audit log, ordered by time.
	AppendAuditEvent(ev model.AuditEvent) error
	ListAuditEvents(since time.Time, limit int) ([]model.AuditEvent, error)
	PruneAuditEvents(before time.Time) (int, error)

	// Utility
	SizeBytes() (int64, error)
	Close() error
}
