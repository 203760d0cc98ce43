// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package capability defines provider descriptors and actor capability claims.
//
// Capability types are colon-namespaced ("wascc:keyvalue"). Claim patterns use
// gobwas/glob with ':' as the segment separator:
//   - '*' matches a single segment (does not cross ':')
//   - '**' matches zero or more segments (crosses ':')
//
// Examples:
//   - "wascc:*" matches "wascc:keyvalue" but NOT "wascc:keyvalue:atomic"
//   - "wascc:**" matches both
//   - "**" matches any capability type
package capability

import (
	"sync"

	"github.com/gobwas/glob"
	"github.com/samber/oops"

	"github.com/holomush/caphost/pkg/errutil"
)

// compiledClaim holds a pattern and its compiled glob.
type compiledClaim struct {
	pattern string
	glob    glob.Glob
}

// Enforcer records which capability types each actor has claimed.
//
// Actors with no recorded claims are unrestricted; Authorize only denies
// actors that were registered with an explicit claim set.
//
// Enforcer is safe for concurrent use. The zero value is ready to use.
type Enforcer struct {
	claims map[string][]compiledClaim // actor subject -> compiled claims
	mu     sync.RWMutex
}

// NewEnforcer creates a claims enforcer.
func NewEnforcer() *Enforcer {
	return &Enforcer{
		claims: make(map[string][]compiledClaim),
	}
}

// CompileClaims validates claim patterns without recording them.
func CompileClaims(patterns []string) error {
	_, err := compile(patterns)
	return err
}

func compile(patterns []string) ([]compiledClaim, error) {
	compiled := make([]compiledClaim, len(patterns))
	for i, pattern := range patterns {
		if pattern == "" {
			return nil, oops.Code(errutil.CodeInvalidArgument).
				With("index", i).
				Errorf("empty capability claim")
		}
		g, err := glob.Compile(pattern, ':')
		if err != nil {
			return nil, oops.Code(errutil.CodeInvalidArgument).
				With("index", i).
				With("pattern", pattern).
				Wrap(err)
		}
		compiled[i] = compiledClaim{pattern: pattern, glob: g}
	}
	return compiled, nil
}

// SetClaims records the claim set for an actor, replacing any previous set.
// All patterns are compiled first; on error nothing changes.
func (e *Enforcer) SetClaims(subject string, patterns []string) error {
	if subject == "" {
		return oops.Code(errutil.CodeInvalidArgument).Errorf("actor subject cannot be empty")
	}

	compiled, err := compile(patterns)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.claims == nil {
		e.claims = make(map[string][]compiledClaim)
	}
	e.claims[subject] = compiled
	return nil
}

// RemoveClaims forgets an actor's claims. Safe for unknown subjects.
func (e *Enforcer) RemoveClaims(subject string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.claims, subject)
}

// Claims returns a copy of the patterns claimed by an actor, or nil if the
// actor is unrestricted.
func (e *Enforcer) Claims(subject string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	claims, ok := e.claims[subject]
	if !ok {
		return nil
	}
	patterns := make([]string, len(claims))
	for i, c := range claims {
		patterns[i] = c.pattern
	}
	return patterns
}

// Restricted reports whether the actor was registered with a claim set.
func (e *Enforcer) Restricted(subject string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	_, ok := e.claims[subject]
	return ok
}

// Authorize returns nil if the actor may bind the capability type, or a
// CAPABILITY_DENIED error otherwise.
func (e *Enforcer) Authorize(subject, capabilityType string) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	claims, ok := e.claims[subject]
	if !ok {
		return nil
	}
	for _, c := range claims {
		if c.glob.Match(capabilityType) {
			return nil
		}
	}
	return oops.Code(errutil.CodeCapabilityDenied).
		With("subject", subject).
		With("capability", capabilityType).
		Errorf("actor has no claim for capability %s", capabilityType)
}
