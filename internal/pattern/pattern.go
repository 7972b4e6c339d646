// Package pattern compiles the endpoint globs used by policies, rate limiters
// and permission keys.
//
//	"*"          matches every endpoint
//	"/admin/*"   matches "/admin" and anything below "/admin/"
//	"/login"     matches exactly "/login"
package pattern

import "strings"

// Kind is the shape of a compiled pattern.
type Kind int

const (
	KindAll Kind = iota
	KindPrefix
	KindExact
)

// Matcher is a precompiled endpoint pattern.
type Matcher struct {
	raw    string
	kind   Kind
	prefix string
	// base is prefix without its trailing "/", so "/admin/*" also matches "/admin".
	base string
}

// Compile parses a single pattern. Surrounding whitespace is ignored.
func Compile(p string) Matcher {
	p = strings.TrimSpace(p)
	switch {
	case p == "*" || p == "":
		return Matcher{raw: "*", kind: KindAll}
	case strings.HasSuffix(p, "*"):
		prefix := strings.TrimSuffix(p, "*")
		return Matcher{
			raw:    p,
			kind:   KindPrefix,
			prefix: prefix,
			base:   strings.TrimSuffix(prefix, "/"),
		}
	default:
		return Matcher{raw: p, kind: KindExact}
	}
}

// Match reports whether endpoint is covered by the pattern.
func (m Matcher) Match(endpoint string) bool {
	switch m.kind {
	case KindAll:
		return true
	case KindPrefix:
		if strings.HasPrefix(endpoint, m.prefix) {
			return true
		}
		return m.base != "" && endpoint == m.base
	default:
		return endpoint == m.raw
	}
}

// Specificity is the literal length of the pattern. "*" scores 0, a prefix
// pattern scores the length of its literal part (without the separator
// before "*"), and an exact pattern scores its length plus one so it outranks
// a prefix pattern over the same literal.
func (m Matcher) Specificity() int {
	switch m.kind {
	case KindAll:
		return 0
	case KindPrefix:
		return len(m.base)
	default:
		return len(m.raw) + 1
	}
}

// Kind returns the pattern kind.
func (m Matcher) Kind() Kind { return m.kind }

// String returns the source pattern.
func (m Matcher) String() string { return m.raw }

// Set is an ordered list of compiled patterns.
type Set []Matcher

// CompileSet compiles every pattern in order, skipping blanks. An empty input
// yields an empty Set that matches nothing.
func CompileSet(patterns []string) Set {
	set := make(Set, 0, len(patterns))
	for _, p := range patterns {
		if strings.TrimSpace(p) == "" {
			continue
		}
		set = append(set, Compile(p))
	}
	return set
}

// Match reports whether any pattern in the set matches endpoint.
func (s Set) Match(endpoint string) bool {
	for _, m := range s {
		if m.Match(endpoint) {
			return true
		}
	}
	return false
}

// Best returns the most specific matching pattern. Ties keep the earlier one.
func (s Set) Best(endpoint string) (Matcher, bool) {
	var (
		best  Matcher
		found bool
	)
	for _, m := range s {
		if !m.Match(endpoint) {
			continue
		}
		if !found || m.Specificity() > best.Specificity() {
			best = m
			found = true
		}
	}
	return best, found
}
