package model

import "time"

// DenyReason classifies why a request was refused.
type DenyReason string

const (
	ReasonNone                    DenyReason = ""
	ReasonRateLimitExceeded       DenyReason = "RateLimitExceeded"
	ReasonAuthenticationFailed    DenyReason = "AuthenticationFailed"
	ReasonAuthorizationFailed     DenyReason = "AuthorizationFailed"
	ReasonInputValidationFailed   DenyReason = "InputValidationFailed"
	ReasonBlacklisted             DenyReason = "Blacklisted"
	ReasonInternalValidationError DenyReason = "InternalValidationError"
)

// Condition returns the alert condition tag fed to the alert engine for r.
func (r DenyReason) Condition() string {
	switch r {
	case ReasonRateLimitExceeded:
		return ConditionRateLimitExceeded
	case ReasonAuthenticationFailed:
		return ConditionAuthFailed
	case ReasonAuthorizationFailed:
		return ConditionAuthzFailed
	case ReasonInputValidationFailed:
		return ConditionInputInvalid
	case ReasonBlacklisted:
		return ConditionBlacklisted
	default:
		return ConditionInternalError
	}
}

// ValidationFailure is the sub-reason of InputValidationFailed.
type ValidationFailure string

const (
	ValidationSize     ValidationFailure = "size"
	ValidationSanitize ValidationFailure = "sanitize"
	ValidationSQLi     ValidationFailure = "sqli"
	ValidationXSS      ValidationFailure = "xss"
)

// Stage is a step of the admission state machine. A denied Decision keeps
// the stage that denied it.
type Stage string

const (
	StageStart          Stage = "start"
	StageBlacklistCheck Stage = "blacklist_check"
	StageRateLimit      Stage = "rate_limit"
	StagePolicyResolve  Stage = "policy_resolve"
	StageAuthenticate   Stage = "authenticate"
	StageAuthorize      Stage = "authorize"
	StageValidateInput  Stage = "validate_input"
	StageAllow          Stage = "allow"
)

// RateLimitDetail describes the limiter that bound (or denied) a request.
type RateLimitDetail struct {
	LimiterID string
	Limit     int
	Current   int
	Remaining int
	ResetAt   time.Time
}

// AuthResult is the outcome of authentication.
type AuthResult struct {
	Valid       bool
	Method      string
	PrincipalID string
	KeyID       string
	TokenID     string
	Permissions []string
	Error       string
}

// AuthzResult is the outcome of authorization.
type AuthzResult struct {
	Authorized bool
	Required   []string
	Error      string
}

// Decision is the single admission verdict for a request.
type Decision struct {
	Allowed           bool
	Reason            DenyReason
	ValidationFailure ValidationFailure
	Message           string
	// Stage is the stage that produced the verdict.
	Stage     Stage
	PolicyID  string
	Identity  string
	RateLimit *RateLimitDetail
	Auth      *AuthResult
	Authz     *AuthzResult
	Duration  time.Duration
}

// ReasonString renders the deny reason, including the validation sub-reason
// when present (e.g. "InputValidationFailed:sqli").
func (d Decision) ReasonString() string {
	if d.Reason == ReasonInputValidationFailed && d.ValidationFailure != "" {
		return string(d.Reason) + ":" + string(d.ValidationFailure)
	}
	return string(d.Reason)
}
