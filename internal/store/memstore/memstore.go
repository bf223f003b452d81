// Package memstore is an in-memory transactional implementation of the
// persistence boundary. It enforces the same identity uniqueness as the SQL
// schema and supports fault injection for race and rollback tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"github.com/Napageneral/iatimport/internal/records"
	"github.com/Napageneral/iatimport/internal/store"
)

// Fault injects failures into writes.
type Fault struct {
	// Race, when it returns an entity, makes that entity appear as if a
	// concurrent creator had committed it first; Create then reports
	// store.ErrUniqueViolation.
	Race func(e records.Entity) *records.Entity
	// Write fails a write when it returns an error. op is "create",
	// "update" or "delete".
	Write func(op string, kind records.Kind, id string) error
}

type row struct {
	entity records.Entity
	seq    int64
}

type state struct {
	rows map[string]row
	seq  int64
}

func (s *state) clone() *state {
	out := &state{rows: make(map[string]row, len(s.rows)), seq: s.seq}
	for id, r := range s.rows {
		r.entity.Fields = r.entity.Fields.Clone()
		out.rows[id] = r
	}
	return out
}

// Store is safe for concurrent use. Transactions are serialized.
type Store struct {
	mu    sync.Mutex
	state *state
	fault Fault
	now   func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{state: &state{rows: make(map[string]row)}, now: time.Now}
}

// SetFault installs fault injection hooks.
func (s *Store) SetFault(f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = f
}

// Seed inserts entities directly, bypassing uniqueness checks.
func (s *Store) Seed(entities ...records.Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entities {
		s.state.put(e, s.now())
	}
}

// Len returns the number of persisted entities of kind for an activity.
func (s *Store) Len(activityID string, kind records.Kind) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.state.rows {
		if r.entity.ActivityID == activityID && r.entity.Kind == kind {
			n++
		}
	}
	return n
}

func (s *Store) Find(ctx context.Context, activityID string, kind records.Kind, c store.Criteria) ([]records.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&tx{st: s.state, fault: s.fault, now: s.now}).Find(ctx, activityID, kind, c)
}

func (s *Store) Create(ctx context.Context, e records.Entity) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&tx{st: s.state, fault: s.fault, now: s.now}).Create(ctx, e)
}

func (s *Store) Update(ctx context.Context, activityID string, kind records.Kind, id string, p store.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&tx{st: s.state, fault: s.fault, now: s.now}).Update(ctx, activityID, kind, id, p)
}

func (s *Store) Delete(ctx context.Context, activityID string, kind records.Kind, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&tx{st: s.state, fault: s.fault, now: s.now}).Delete(ctx, activityID, kind, id)
}

// InTx runs fn against a private copy of the state and publishes the copy
// only when fn succeeds.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	working := s.state.clone()
	if err := fn(ctx, &tx{st: working, fault: s.fault, now: s.now}); err != nil {
		return err
	}
	s.state = working
	return nil
}

type tx struct {
	st    *state
	fault Fault
	now   func() time.Time
}

func (t *tx) Find(ctx context.Context, activityID string, kind records.Kind, c store.Criteria) ([]records.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var rows []row
	for _, r := range t.st.rows {
		if r.entity.ActivityID != activityID || r.entity.Kind != kind {
			continue
		}
		if c.Matches(r.entity) {
			rows = append(rows, r)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if !a.entity.CreatedAt.Equal(b.entity.CreatedAt) {
			return a.entity.CreatedAt.Before(b.entity.CreatedAt)
		}
		if a.seq != b.seq {
			return a.seq < b.seq
		}
		return a.entity.ID < b.entity.ID
	})
	out := make([]records.Entity, 0, len(rows))
	for _, r := range rows {
		e := r.entity
		e.Fields = e.Fields.Clone()
		out = append(out, e)
	}
	return out, nil
}

func (t *tx) Create(ctx context.Context, e records.Entity) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if e.ID == "" || e.ActivityID == "" || !e.Kind.Valid() {
		return "", errors.Errorf("memstore: incomplete entity %q", e.ID)
	}
	if t.fault.Write != nil {
		if err := t.fault.Write("create", e.Kind, e.ID); err != nil {
			return "", err
		}
	}
	if t.fault.Race != nil {
		if winner := t.fault.Race(e); winner != nil {
			t.st.put(*winner, t.now())
			return "", store.ErrUniqueViolation
		}
	}
	if _, exists := t.st.rows[e.ID]; exists {
		return "", store.ErrUniqueViolation
	}
	for _, r := range t.st.rows {
		o := r.entity
		if o.ActivityID == e.ActivityID && o.Kind == e.Kind && o.IdentityKey != "" && o.IdentityKey == e.IdentityKey {
			return "", store.ErrUniqueViolation
		}
	}
	t.st.put(e, t.now())
	return e.ID, nil
}

func (t *tx) Update(ctx context.Context, activityID string, kind records.Kind, id string, p store.Patch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r, ok := t.st.rows[id]
	if !ok || r.entity.ActivityID != activityID || r.entity.Kind != kind {
		return store.ErrNotFound
	}
	if t.fault.Write != nil {
		if err := t.fault.Write("update", kind, id); err != nil {
			return err
		}
	}
	e := r.entity
	if p.IdentityKey != nil && *p.IdentityKey != e.IdentityKey {
		for otherID, o := range t.st.rows {
			if otherID != id && o.entity.ActivityID == activityID && o.entity.Kind == kind && o.entity.IdentityKey == *p.IdentityKey {
				return store.ErrUniqueViolation
			}
		}
	}
	e.Fields = e.Fields.Clone()
	if e.Fields == nil {
		e.Fields = records.Fields{}
	}
	for k, v := range p.Fields {
		e.Fields[k] = v
	}
	setString(&e.ExternalRef, p.ExternalRef)
	setString(&e.Name, p.Name)
	setString(&e.Acronym, p.Acronym)
	setString(&e.NaturalKey, p.NaturalKey)
	setString(&e.IdentityKey, p.IdentityKey)
	if p.Latitude != nil {
		lat := *p.Latitude
		e.Latitude = &lat
	}
	if p.Longitude != nil {
		lng := *p.Longitude
		e.Longitude = &lng
	}
	e.UpdatedAt = t.now()
	r.entity = e
	t.st.rows[id] = r
	return nil
}

func (t *tx) Delete(ctx context.Context, activityID string, kind records.Kind, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r, ok := t.st.rows[id]
	if !ok || r.entity.ActivityID != activityID || r.entity.Kind != kind {
		return store.ErrNotFound
	}
	if t.fault.Write != nil {
		if err := t.fault.Write("delete", kind, id); err != nil {
			return err
		}
	}
	delete(t.st.rows, id)
	return nil
}

func (t *tx) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Store) error) error {
	return fn(ctx, t)
}

func (s *state) put(e records.Entity, now time.Time) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.CreatedAt
	}
	e.Fields = e.Fields.Clone()
	s.seq++
	s.rows[e.ID] = row{entity: e, seq: s.seq}
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}
