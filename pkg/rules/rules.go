// Package rules maps request paths to effective cache policies.
package rules

import (
	"fmt"
	"strings"
	"time"

	"github.com/gobwas/glob"
)

// Policy is the merged caching policy for one request. The *Set flags record
// which fields a rule set explicitly; the engine lets explicit rule values
// win over an entry's stored freshness when they differ.
type Policy struct {
	TTL    time.Duration
	SWR    time.Duration
	SIE    time.Duration
	Bypass bool

	TTLSet bool
	SWRSet bool
	SIESet bool
}

// Override is one declared rule. Nil fields inherit the defaults.
type Override struct {
	TTL    *time.Duration
	SWR    *time.Duration
	SIE    *time.Duration
	Bypass bool
}

type rule struct {
	pattern  string
	matcher  glob.Glob
	override Override
}

// Resolver holds the ordered rule set. First match wins.
type Resolver struct {
	defaults Policy
	rules    []rule
}

func NewResolver(defaults Policy) *Resolver {
	return &Resolver{defaults: defaults}
}

// Add compiles and appends a rule. Patterns are anchored at the leading
// slash; `*` matches within one path segment except as the final segment,
// where it matches across slashes, and `?` matches a single non-slash
// character.
func (r *Resolver) Add(pattern string, override Override) error {
	if !strings.HasPrefix(pattern, "/") {
		return fmt.Errorf("rules: pattern %q must start with /", pattern)
	}
	matcher, err := glob.Compile(compilable(pattern), '/')
	if err != nil {
		return fmt.Errorf("rules: pattern %q: %w", pattern, err)
	}
	r.rules = append(r.rules, rule{pattern: pattern, matcher: matcher, override: override})
	return nil
}

// Resolve overlays the first matching rule on the defaults.
func (r *Resolver) Resolve(path string) Policy {
	policy := r.defaults
	for _, rl := range r.rules {
		if !rl.matcher.Match(path) {
			continue
		}
		if rl.override.Bypass {
			policy.Bypass = true
			return policy
		}
		if rl.override.TTL != nil {
			policy.TTL = *rl.override.TTL
			policy.TTLSet = true
		}
		if rl.override.SWR != nil {
			policy.SWR = *rl.override.SWR
			policy.SWRSet = true
		}
		if rl.override.SIE != nil {
			policy.SIE = *rl.override.SIE
			policy.SIESet = true
		}
		return policy
	}
	return policy
}

// Patterns returns the declared patterns in match order.
func (r *Resolver) Patterns() []string {
	out := make([]string, len(r.rules))
	for i, rl := range r.rules {
		out[i] = rl.pattern
	}
	return out
}

// compilable rewrites a trailing `*` segment into the glob library's
// super-star so it matches across path separators.
func compilable(pattern string) string {
	if seg := pattern[strings.LastIndexByte(pattern, '/')+1:]; seg == "*" {
		return pattern + "*"
	}
	return pattern
}
