package reconcile

import (
	"context"
	"sort"

	"github.com/go-faster/errors"
	"golang.org/x/sync/errgroup"

	"github.com/Napageneral/iatimport/internal/records"
	"github.com/Napageneral/iatimport/internal/store"
)

// Snapshot is the read-only view of what is persisted for one activity,
// fetched once at the start of a run. Entities of each kind are ordered by
// creation time, then id.
type Snapshot struct {
	ActivityID string
	byKind     map[records.Kind][]records.Entity
}

// NewSnapshot builds a snapshot from entities already in memory.
func NewSnapshot(activityID string, entities ...records.Entity) *Snapshot {
	s := &Snapshot{ActivityID: activityID, byKind: make(map[records.Kind][]records.Entity)}
	for _, e := range entities {
		s.byKind[e.Kind] = append(s.byKind[e.Kind], e)
	}
	for _, list := range s.byKind {
		sort.SliceStable(list, func(i, j int) bool {
			if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
				return list[i].CreatedAt.Before(list[j].CreatedAt)
			}
			return list[i].ID < list[j].ID
		})
	}
	return s
}

// LoadSnapshot fetches every kind for activityID, at most workers kinds at
// a time.
func LoadSnapshot(ctx context.Context, s store.Store, activityID string, workers int) (*Snapshot, error) {
	if workers < 1 {
		workers = 1
	}
	lists := make([][]records.Entity, len(records.Kinds))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, kind := range records.Kinds {
		g.Go(func() error {
			found, err := s.Find(gctx, activityID, kind, store.Criteria{})
			if err != nil {
				return errors.Wrapf(err, "load %s", kind.Plural())
			}
			lists[i] = found
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	snap := &Snapshot{ActivityID: activityID, byKind: make(map[records.Kind][]records.Entity)}
	for i, kind := range records.Kinds {
		if len(lists[i]) > 0 {
			snap.byKind[kind] = lists[i]
		}
	}
	return snap, nil
}

// Entities returns the persisted entities of kind. Callers must not modify
// the returned entities.
func (s *Snapshot) Entities(kind records.Kind) []records.Entity {
	if s == nil {
		return nil
	}
	list := s.byKind[kind]
	return list[:len(list):len(list)]
}

// Get returns one persisted entity.
func (s *Snapshot) Get(kind records.Kind, id string) (records.Entity, bool) {
	for _, e := range s.Entities(kind) {
		if e.ID == id {
			return e, true
		}
	}
	return records.Entity{}, false
}

// Len returns the number of persisted entities across all kinds.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	n := 0
	for _, list := range s.byKind {
		n += len(list)
	}
	return n
}
