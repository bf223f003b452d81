package identify

import (
	"sync"

	"github.com/google/uuid"

	"github.com/Napageneral/iatimport/internal/records"
)

// Cache is the in-run resolution cache. It overlays entities reserved for
// creation during one reconciliation run on top of the read-only snapshot,
// so repeated references to one new identity resolve to a single id before
// anything is persisted. One Cache serves exactly one run.
type Cache struct {
	mu       sync.Mutex
	reserved map[records.Kind][]records.Entity
	newID    func() string
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{
		reserved: make(map[records.Kind][]records.Entity),
		newID:    uuid.NewString,
	}
}

// Reserved returns the entities reserved for kind, in reservation order.
func (c *Cache) Reserved(kind records.Kind) []records.Entity {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]records.Entity, len(c.reserved[kind]))
	copy(out, c.reserved[kind])
	return out
}

// ResolveOrReserve resolves p against the snapshot candidates plus this
// run's reservations. On a miss it reserves a new id for the payload's
// entity and the result has Reserved set. Match and reservation
// happen under one lock, so two concurrent callers for the same identity
// never both reserve.
func (c *Cache) ResolveOrReserve(r *Resolver, activityID string, p Payload, snapshot []records.Entity, fields records.Fields) MatchResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	if res := r.Resolve(p, c.union(p.Kind, snapshot)); res.Matched() {
		return res
	}
	id := c.newID()
	c.reserved[p.Kind] = append(c.reserved[p.Kind], p.Entity(activityID, id, fields))
	return MatchResult{MatchedID: id, Rule: RuleNone, Reserved: true}
}

// Lookup resolves p against snapshot and reservations without reserving.
func (c *Cache) Lookup(r *Resolver, p Payload, snapshot []records.Entity) MatchResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return r.Resolve(p, c.union(p.Kind, snapshot))
}

// union lists snapshot candidates before this run's reservations. Callers
// hold c.mu.
func (c *Cache) union(kind records.Kind, snapshot []records.Entity) []records.Entity {
	reserved := c.reserved[kind]
	if len(reserved) == 0 {
		return snapshot
	}
	out := make([]records.Entity, 0, len(snapshot)+len(reserved))
	out = append(out, snapshot...)
	return append(out, reserved...)
}
