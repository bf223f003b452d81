// Package store defines the persistence boundary the import engine writes
// through. Every call is scoped to one activity.
package store

import (
	"context"
	"strings"

	"github.com/go-faster/errors"

	"github.com/Napageneral/iatimport/internal/records"
)

var (
	// ErrUniqueViolation signals that a concurrent creator already holds the
	// identity being inserted.
	ErrUniqueViolation = errors.New("store: unique violation")
	// ErrNotFound is returned by Update and Delete for a missing entity.
	ErrNotFound = errors.New("store: entity not found")
)

// Criteria narrows Find. Set fields are OR'ed; empty criteria return the
// whole persisted set of the kind. Matching here is a prefilter only; the
// resolver applies the exact rules on what comes back.
type Criteria struct {
	IDs         []string
	ExternalRef string
	Names       []string
	NaturalKey  string
	IdentityKey string
}

// Empty reports whether no criterion is set.
func (c Criteria) Empty() bool {
	return len(c.IDs) == 0 && c.ExternalRef == "" && len(c.Names) == 0 && c.NaturalKey == "" && c.IdentityKey == ""
}

// Matches applies the criteria to an entity with exact, case-insensitive
// comparisons.
func (c Criteria) Matches(e records.Entity) bool {
	if c.Empty() {
		return true
	}
	for _, id := range c.IDs {
		if e.ID == id {
			return true
		}
	}
	if c.ExternalRef != "" {
		for _, ref := range e.ExternalRefs() {
			if strings.EqualFold(ref, strings.TrimSpace(c.ExternalRef)) {
				return true
			}
		}
	}
	for _, name := range c.Names {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if strings.EqualFold(e.Name, name) || strings.EqualFold(e.Acronym, name) {
			return true
		}
	}
	if c.NaturalKey != "" && strings.EqualFold(e.NaturalKey, c.NaturalKey) {
		return true
	}
	if c.IdentityKey != "" && e.IdentityKey == c.IdentityKey {
		return true
	}
	return false
}

// Patch is a diff-only write. Fields holds only changed attributes and is
// merged into the stored set; nil identity columns are left alone.
type Patch struct {
	Fields      records.Fields
	ExternalRef *string
	Name        *string
	Acronym     *string
	NaturalKey  *string
	IdentityKey *string
	Latitude    *float64
	Longitude   *float64
}

// Empty reports whether the patch writes nothing.
func (p Patch) Empty() bool {
	return len(p.Fields) == 0 && p.ExternalRef == nil && p.Name == nil && p.Acronym == nil &&
		p.NaturalKey == nil && p.IdentityKey == nil && p.Latitude == nil && p.Longitude == nil
}

// Store is the persistence boundary.
type Store interface {
	// Find returns persisted entities of a kind ordered by creation time, then id.
	Find(ctx context.Context, activityID string, kind records.Kind, c Criteria) ([]records.Entity, error)
	// Create inserts e and returns its id, or ErrUniqueViolation.
	Create(ctx context.Context, e records.Entity) (string, error)
	Update(ctx context.Context, activityID string, kind records.Kind, id string, p Patch) error
	Delete(ctx context.Context, activityID string, kind records.Kind, id string) error
	// InTx runs fn inside one transaction; fn's error rolls it back.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}
