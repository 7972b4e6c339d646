// Package policy resolves the single SecurityPolicy that applies to an
// endpoint. Policy sets are compiled once and published through an atomic
// pointer, so Resolve takes no locks.
package policy

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/developingchet/admission-gateway/internal/model"
	"github.com/developingchet/admission-gateway/internal/pattern"
)

// DefaultID is the id of the built-in catch-all policy.
const DefaultID = "default"

var ErrNoDefault = errors.New("policy set has no enabled catch-all \"*\" policy")

type permRule struct {
	method   string // upper-cased, "*" for any
	endpoint pattern.Matcher
	key      string
	perms    []string
}

// Policy is a compiled SecurityPolicy.
type Policy struct {
	model.SecurityPolicy
	patterns pattern.Set
	perms    []permRule
}

func compile(sp model.SecurityPolicy) *Policy {
	p := &Policy{SecurityPolicy: sp, patterns: pattern.CompileSet(sp.Endpoints)}

	keys := make([]string, 0, len(sp.Authz.RequiredPermissions))
	for k := range sp.Authz.RequiredPermissions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		method, ep, ok := strings.Cut(k, ":")
		if !ok {
			method, ep = "*", k
		}
		p.perms = append(p.perms, permRule{
			method:   strings.ToUpper(strings.TrimSpace(method)),
			endpoint: pattern.Compile(ep),
			key:      k,
			perms:    sp.Authz.RequiredPermissions[k],
		})
	}
	return p
}

// RequiredPermissions returns the permission set guarding method+endpoint:
// the entry with the most specific endpoint pattern, an exact method beating
// "*" on ties. Nil when nothing matches.
func (p *Policy) RequiredPermissions(method, endpoint string) []string {
	method = strings.ToUpper(method)
	var (
		best  *permRule
		score int
	)
	for i := range p.perms {
		r := &p.perms[i]
		if r.method != "*" && r.method != method {
			continue
		}
		if !r.endpoint.Match(endpoint) {
			continue
		}
		s := r.endpoint.Specificity() * 2
		if r.method != "*" {
			s++
		}
		if best == nil || s > score {
			best, score = r, s
		}
	}
	if best == nil {
		return nil
	}
	return best.perms
}

// MatchedPattern returns the policy pattern that best matches endpoint, or
// "*" when none does. Used as a low-cardinality endpoint label.
func (p *Policy) MatchedPattern(endpoint string) string {
	if m, ok := p.patterns.Best(endpoint); ok {
		return m.String()
	}
	return "*"
}

// AllowsAuthMethod reports whether credentials of kind m are accepted.
func (p *Policy) AllowsAuthMethod(m string) bool {
	if len(p.Auth.AllowedMethods) == 0 {
		return true
	}
	for _, a := range p.Auth.AllowedMethods {
		if strings.EqualFold(a, m) {
			return true
		}
	}
	return false
}

// Default is the catch-all policy used when no set is configured: no
// authentication, no authorization and a 1 MiB body cap with all injection
// checks on.
func Default() model.SecurityPolicy {
	return model.SecurityPolicy{
		ID:        DefaultID,
		Endpoints: []string{"*"},
		Validation: model.ValidationRule{
			MaxRequestBytes: 1 << 20,
			Sanitize:        true,
			BlockSQLi:       true,
			BlockXSS:        true,
		},
		Enabled: true,
	}
}

type policySet struct {
	policies []*Policy
	fallback *Policy
}

// Resolver maps endpoints to policies.
type Resolver struct {
	set atomic.Pointer[policySet]
}

// NewResolver compiles policies. An empty set installs Default.
func NewResolver(policies []model.SecurityPolicy) (*Resolver, error) {
	r := &Resolver{}
	if len(policies) == 0 {
		policies = []model.SecurityPolicy{Default()}
	}
	if err := r.Reload(policies); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload validates and atomically swaps in a new policy set. The set must
// hold an enabled policy with the "*" pattern; the first such policy is the
// fallback.
func (r *Resolver) Reload(policies []model.SecurityPolicy) error {
	next := &policySet{}
	seen := make(map[string]bool, len(policies))
	for _, sp := range policies {
		if sp.ID == "" {
			return fmt.Errorf("policy with endpoints %v has no id", sp.Endpoints)
		}
		if seen[sp.ID] {
			return fmt.Errorf("duplicate policy id %q", sp.ID)
		}
		seen[sp.ID] = true

		p := compile(sp)
		next.policies = append(next.policies, p)
		if next.fallback == nil && sp.Enabled && hasCatchAll(sp.Endpoints) {
			next.fallback = p
		}
	}
	if next.fallback == nil {
		return ErrNoDefault
	}
	r.set.Store(next)
	return nil
}

func hasCatchAll(endpoints []string) bool {
	for _, e := range endpoints {
		if strings.TrimSpace(e) == "*" {
			return true
		}
	}
	return false
}

// Resolve returns the enabled policy whose matching pattern is most specific.
// Ties keep the earlier policy. The fallback is returned when nothing else
// matches.
func (r *Resolver) Resolve(endpoint string) *Policy {
	set := r.set.Load()
	var (
		best  *Policy
		score = -1
	)
	for _, p := range set.policies {
		if !p.Enabled {
			continue
		}
		m, ok := p.patterns.Best(endpoint)
		if !ok {
			continue
		}
		if s := m.Specificity(); s > score {
			best, score = p, s
		}
	}
	if best == nil {
		return set.fallback
	}
	return best
}

// Policies returns the configured set in order.
func (r *Resolver) Policies() []model.SecurityPolicy {
	set := r.set.Load()
	out := make([]model.SecurityPolicy, len(set.policies))
	for i, p := range set.policies {
		out[i] = p.SecurityPolicy
	}
	return out
}
