package identify

import (
	"context"

	"github.com/go-faster/errors"

	"github.com/Napageneral/iatimport/internal/records"
	"github.com/Napageneral/iatimport/internal/store"
)

// ErrRaceUnresolved is returned when an insert hit a uniqueness violation
// and the re-resolution that followed still found no match.
var ErrRaceUnresolved = errors.New("identify: uniqueness violation without a matching entity")

// Created reports how Create settled an entity.
type Created struct {
	ID      string
	Created bool // false when a concurrent creator won the race
	Retried bool
}

// Create inserts e. When the boundary reports a uniqueness violation a
// concurrent creator won; Create re-runs reference and name matching against
// a fresh lookup and returns the winner instead. There is exactly one retry.
func (r *Resolver) Create(ctx context.Context, s store.Store, e records.Entity, p Payload) (Created, error) {
	id, err := s.Create(ctx, e)
	if err == nil {
		return Created{ID: id, Created: true}, nil
	}
	if !errors.Is(err, store.ErrUniqueViolation) {
		return Created{}, errors.Wrapf(err, "create %s %s", e.Kind, p.label())
	}

	candidates, ferr := s.Find(ctx, e.ActivityID, e.Kind, criteriaFor(p, e.IdentityKey))
	if ferr != nil {
		return Created{}, errors.Wrapf(ferr, "re-resolve %s %s", e.Kind, p.label())
	}
	if res := r.resolveIdentity(p, candidates); res.Matched() {
		return Created{ID: res.MatchedID, Retried: true}, nil
	}
	for _, c := range candidates {
		if c.IdentityKey == e.IdentityKey {
			return Created{ID: c.ID, Retried: true}, nil
		}
	}
	return Created{}, errors.Wrapf(ErrRaceUnresolved, "create %s %s: %v", e.Kind, p.label(), err)
}

// Find runs the boundary lookup for p and resolves it.
func (r *Resolver) Find(ctx context.Context, s store.Store, activityID string, p Payload) (MatchResult, error) {
	candidates, err := s.Find(ctx, activityID, p.Kind, criteriaFor(p, p.IdentityKey()))
	if err != nil {
		return MatchResult{}, errors.Wrapf(err, "find %s %s", p.Kind, p.label())
	}
	return r.Resolve(p, candidates), nil
}

func criteriaFor(p Payload, identityKey string) store.Criteria {
	return store.Criteria{
		ExternalRef: p.ExternalID,
		Names:       p.Names(),
		NaturalKey:  p.NaturalKey,
		IdentityKey: identityKey,
	}
}
