// Package identify resolves incoming references to persisted entities.
// Matching is exact and priority-ordered: external reference, then display
// name or acronym (or the kind's natural key), then rounded coordinates.
// Nothing here ever matches on substrings or similarity.
package identify

import (
	"fmt"
	"strings"

	"github.com/Napageneral/iatimport/internal/records"
)

// DefaultPrecision is the number of decimal places coordinates are rounded to.
const DefaultPrecision = 5

// MatchRule names the tier that produced a match.
type MatchRule string

const (
	RuleExternalRef MatchRule = "external_ref"
	RuleName        MatchRule = "name"
	RuleNaturalKey  MatchRule = "natural_key"
	RuleCoordinates MatchRule = "coordinates"
	RuleNone        MatchRule = "none"
)

// Conflict is one disagreement between an incoming identity and the
// entity it matched.
type Conflict struct {
	Field    string `json:"field"`
	Incoming string `json:"incoming"`
	Stored   string `json:"stored"`
	Reason   string `json:"reason"`
}

func (c Conflict) String() string {
	return fmt.Sprintf("%s: %s (incoming %q, stored %q)", c.Field, c.Reason, c.Incoming, c.Stored)
}

// MatchResult is the outcome of resolving one payload.
type MatchResult struct {
	MatchedID string     `json:"matched_id,omitempty"`
	Rule      MatchRule  `json:"rule"`
	Conflicts []Conflict `json:"conflicts,omitempty"`
	Warnings  []string   `json:"warnings,omitempty"`
	// Reserved is set when the id was reserved in this run for a new entity.
	Reserved bool `json:"reserved,omitempty"`
}

// Matched reports whether an entity was found.
func (m MatchResult) Matched() bool {
	return m.MatchedID != ""
}

// ReferenceConflictError reports a matched entity whose stored identity
// disagrees with the incoming one.
type ReferenceConflictError struct {
	Kind      records.Kind
	EntityID  string
	Conflicts []Conflict
}

func (e *ReferenceConflictError) Error() string {
	parts := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		parts = append(parts, c.String())
	}
	return fmt.Sprintf("%s %s: %s", e.Kind, e.EntityID, strings.Join(parts, "; "))
}

// Err returns a *ReferenceConflictError when the match carries conflicts.
func (m MatchResult) Err(kind records.Kind) error {
	if len(m.Conflicts) == 0 {
		return nil
	}
	return &ReferenceConflictError{Kind: kind, EntityID: m.MatchedID, Conflicts: m.Conflicts}
}

// Resolver matches payloads against candidate entities.
type Resolver struct {
	precision int
}

// NewResolver returns a Resolver rounding coordinates to precision places.
func NewResolver(precision int) *Resolver {
	if precision < 0 {
		precision = DefaultPrecision
	}
	return &Resolver{precision: precision}
}

// Resolve runs every tier against candidates. The first satisfied tier
// wins; inside a tier a candidate stored under the payload's identity key
// wins, then the first candidate in order.
func (r *Resolver) Resolve(p Payload, candidates []records.Entity) MatchResult {
	return r.resolve(p, candidates, true)
}

// resolveIdentity runs tiers 1 and 2 only, as the post-race re-check does.
func (r *Resolver) resolveIdentity(p Payload, candidates []records.Entity) MatchResult {
	return r.resolve(p, candidates, false)
}

func (r *Resolver) resolve(p Payload, candidates []records.Entity, geometric bool) MatchResult {
	if p.Empty() {
		return MatchResult{Rule: RuleNone}
	}

	key := p.IdentityKey()
	if p.ExternalID != "" {
		if hits := filter(candidates, key, func(c records.Entity) bool { return hasRef(c, p.ExternalID) }); len(hits) > 0 {
			res := matched(hits, RuleExternalRef)
			if names := p.Names(); len(names) > 0 && (hits[0].Name != "" || hits[0].Acronym != "") && !nameOverlap(hits[0], names) {
				res.Conflicts = append(res.Conflicts, Conflict{
					Field:    "name",
					Incoming: names[0],
					Stored:   displayName(hits[0]),
					Reason:   "external reference matches an entity with a different name",
				})
			}
			return res
		}
	}

	if names := p.Names(); len(names) > 0 {
		if hits := filter(candidates, key, func(c records.Entity) bool { return nameOverlap(c, names) }); len(hits) > 0 {
			return withRefCheck(matched(hits, RuleName), p, hits[0])
		}
	}

	if p.NaturalKey != "" {
		if hits := filter(candidates, key, func(c records.Entity) bool { return strings.EqualFold(c.NaturalKey, p.NaturalKey) }); len(hits) > 0 {
			return withRefCheck(matched(hits, RuleNaturalKey), p, hits[0])
		}
	}

	if geometric && p.Coordinates != nil {
		hits := filter(candidates, key, func(c records.Entity) bool {
			pt := r.point(c.Latitude, c.Longitude)
			return pt != nil && *pt == *p.Coordinates
		})
		if len(hits) > 0 {
			return withRefCheck(matched(hits, RuleCoordinates), p, hits[0])
		}
	}

	return MatchResult{Rule: RuleNone}
}

func matched(hits []records.Entity, rule MatchRule) MatchResult {
	res := MatchResult{MatchedID: hits[0].ID, Rule: rule}
	if len(hits) > 1 {
		res.Warnings = append(res.Warnings, fmt.Sprintf("%d existing entities match by %s; using %s", len(hits), rule, hits[0].ID))
	}
	return res
}

// withRefCheck turns a lower-tier match into a conflict when the stored
// entity already carries a different external reference.
func withRefCheck(res MatchResult, p Payload, stored records.Entity) MatchResult {
	if p.ExternalID == "" || strings.TrimSpace(stored.ExternalRef) == "" || hasRef(stored, p.ExternalID) {
		return res
	}
	res.Conflicts = append(res.Conflicts, Conflict{
		Field:    "ref",
		Incoming: p.ExternalID,
		Stored:   stored.ExternalRef,
		Reason:   fmt.Sprintf("matched by %s but the stored external reference differs", res.Rule),
	})
	return res
}

// filter returns the candidates keep accepts. Those stored under the
// payload's own identity key come first, so a record finds the entity it
// created before any other entity the same tier happens to accept.
func filter(candidates []records.Entity, identityKey string, keep func(records.Entity) bool) []records.Entity {
	var exact, rest []records.Entity
	for _, c := range candidates {
		if !keep(c) {
			continue
		}
		if identityKey != "" && c.IdentityKey == identityKey {
			exact = append(exact, c)
		} else {
			rest = append(rest, c)
		}
	}
	return append(exact, rest...)
}

func hasRef(e records.Entity, ref string) bool {
	ref = strings.TrimSpace(ref)
	for _, stored := range e.ExternalRefs() {
		if strings.EqualFold(stored, ref) {
			return true
		}
	}
	return false
}

func nameOverlap(e records.Entity, names []string) bool {
	for _, n := range names {
		n = normalize(n)
		if n == "" {
			continue
		}
		if (e.Name != "" && normalize(e.Name) == n) || (e.Acronym != "" && normalize(e.Acronym) == n) {
			return true
		}
	}
	return false
}

func displayName(e records.Entity) string {
	if e.Name != "" {
		return e.Name
	}
	return e.Acronym
}
