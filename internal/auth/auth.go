// Package auth authenticates requests against the credential store and checks
// the resolved policy's permission requirements.
package auth

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/developingchet/admission-gateway/internal/model"
	"github.com/developingchet/admission-gateway/internal/policy"
)

// Credentials is the subset of the credential store the validator needs.
type Credentials interface {
	AuthenticateKey(secret string) (model.APIKey, error)
	AuthenticateToken(secret string, maxAge time.Duration) (model.AccessToken, error)
}

// Validator authenticates and authorizes requests.
type Validator struct {
	creds Credentials
	clock model.Clock
}

// New returns a Validator backed by creds.
func New(creds Credentials, clock model.Clock) *Validator {
	if clock == nil {
		clock = model.SystemClock{}
	}
	return &Validator{creds: creds, clock: clock}
}

// Authenticate tries the bearer token first and falls back to X-API-Key when
// the token is absent or invalid. Methods the policy does not allow are
// skipped. On failure the result is invalid and an auth_failed violation is
// returned.
func (v *Validator) Authenticate(req model.ClientRequest, p *policy.Policy) (model.AuthResult, *model.Violation) {
	var errs []error

	if tok := req.BearerToken(); tok != "" {
		if p.AllowsAuthMethod(model.AuthMethodBearer) {
			t, err := v.creds.AuthenticateToken(tok, p.Auth.TokenTTL)
			if err == nil {
				return model.AuthResult{
					Valid:       true,
					Method:      model.AuthMethodBearer,
					PrincipalID: t.UserID,
					TokenID:     t.ID,
					Permissions: t.Permissions,
				}, nil
			}
			errs = append(errs, fmt.Errorf("bearer: %w", err))
		} else {
			errs = append(errs, errors.New("bearer: method not allowed"))
		}
	}

	if key := req.APIKey(); key != "" {
		if p.AllowsAuthMethod(model.AuthMethodAPIKey) {
			k, err := v.creds.AuthenticateKey(key)
			if err == nil {
				return model.AuthResult{
					Valid:       true,
					Method:      model.AuthMethodAPIKey,
					PrincipalID: k.OwnerID,
					KeyID:       k.ID,
					Permissions: k.Permissions,
				}, nil
			}
			errs = append(errs, fmt.Errorf("api key: %w", err))
		} else {
			errs = append(errs, errors.New("api key: method not allowed"))
		}
	}

	if len(errs) == 0 {
		errs = append(errs, errors.New("no credentials"))
	}
	res := model.AuthResult{Error: errors.Join(errs...).Error()}
	viol := model.NewViolation(model.ConditionAuthFailed, req, v.clock.Now())
	viol.Detail = res.Error
	return res, &viol
}

// Authorize allows the request when the policy has no authorization
// requirement or no permissions are configured for METHOD:endpoint.
// Otherwise the principal needs one of the required permissions or "*".
func (v *Validator) Authorize(req model.ClientRequest, authn model.AuthResult, p *policy.Policy) model.AuthzResult {
	if !p.Authz.Enabled {
		return model.AuthzResult{Authorized: true}
	}
	required := p.RequiredPermissions(req.Method, req.Endpoint)
	if len(required) == 0 {
		return model.AuthzResult{Authorized: true}
	}
	res := model.AuthzResult{Required: required}
	if !authn.Valid {
		res.Error = "unauthenticated principal"
		return res
	}
	if slices.Contains(authn.Permissions, model.PermissionAll) {
		res.Authorized = true
		return res
	}
	for _, need := range required {
		if slices.Contains(authn.Permissions, need) {
			res.Authorized = true
			return res
		}
	}
	res.Error = fmt.Sprintf("missing any of %v for %s", required, req.PermissionKey())
	return res
}
