// Package apply writes a reconciliation plan through the persistence
// boundary. Kind groups are applied in order, each inside its own
// transaction, so a failing group rolls back alone.
package apply

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus"

	"github.com/Napageneral/iatimport/internal/contacts"
	"github.com/Napageneral/iatimport/internal/identify"
	"github.com/Napageneral/iatimport/internal/logging"
	"github.com/Napageneral/iatimport/internal/metrics"
	"github.com/Napageneral/iatimport/internal/reconcile"
	"github.com/Napageneral/iatimport/internal/records"
	"github.com/Napageneral/iatimport/internal/report"
	"github.com/Napageneral/iatimport/internal/store"
)

var ErrNilPlan = errors.New("apply: nil plan")

// PersistenceError reports a write the store rejected. It fails the
// enclosing kind group. Index is -1 for prune deletes.
type PersistenceError struct {
	Kind  records.Kind
	Index int
	Op    string
	Err   error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s %s[%d]: %v", e.Op, e.Kind, e.Index, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Applier consumes plans. It holds no per-plan state and is safe for
// sequential reuse.
type Applier struct {
	store    store.Store
	resolver *identify.Resolver
	metrics  *metrics.Recorder
	prune    bool
	now      func() time.Time
}

type Option func(*Applier)

// WithResolver sets the resolver used to re-resolve lost uniqueness races.
func WithResolver(r *identify.Resolver) Option {
	return func(a *Applier) {
		if r != nil {
			a.resolver = r
		}
	}
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(a *Applier) { a.metrics = m }
}

// WithPrune toggles deletion of persisted entities the document no longer
// lists. Pruning is on by default.
func WithPrune(prune bool) Option {
	return func(a *Applier) { a.prune = prune }
}

func WithClock(now func() time.Time) Option {
	return func(a *Applier) {
		if now != nil {
			a.now = now
		}
	}
}

func New(s store.Store, opts ...Option) *Applier {
	a := &Applier{
		store:    s,
		resolver: identify.NewResolver(identify.DefaultPrecision),
		prune:    true,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Apply writes plan and reports the outcome of every decision. Item and
// group failures are carried in the report; the error is only for plans
// that cannot be applied at all.
func (a *Applier) Apply(ctx context.Context, plan *reconcile.Plan) (*report.Report, error) {
	if plan == nil {
		return nil, ErrNilPlan
	}
	started := a.now()
	groups := a.Run(ctx, plan)
	return report.Build(plan, groups, started, a.now()), nil
}

type run struct {
	plan *reconcile.Plan
	byID map[string]*reconcile.Decision
	// settled maps ids reserved at plan time to the ids committed for them.
	settled map[string]string
}

// Run applies every group of plan and returns the raw group results.
// Cancellation is honoured between groups; a started group always runs to
// commit or rollback.
func (a *Applier) Run(ctx context.Context, plan *reconcile.Plan) []report.GroupResult {
	r := &run{plan: plan, byID: plan.ByID(), settled: make(map[string]string)}
	log := logging.FromContext(ctx).WithField("activity_id", plan.ActivityID)

	var out []report.GroupResult
	for _, kind := range plan.Kinds() {
		if err := ctx.Err(); err != nil {
			log.WithField("kind", kind).Warn("group not started: cancelled")
			out = append(out, report.GroupResult{Kind: kind, Cancelled: true, Err: err})
			continue
		}
		out = append(out, a.applyGroup(context.WithoutCancel(ctx), r, kind))
	}
	return out
}

func (a *Applier) applyGroup(ctx context.Context, r *run, kind records.Kind) report.GroupResult {
	start := a.now()
	log := logging.FromContext(ctx).WithFields(logrus.Fields{"activity_id": r.plan.ActivityID, "kind": kind})
	decisions := r.plan.Group(kind)

	var g *group
	err := a.store.InTx(ctx, func(ctx context.Context, tx store.Store) error {
		g = &group{applier: a, run: r, tx: tx, kind: kind, log: log, settled: make(map[string]string)}
		current, err := tx.Find(ctx, r.plan.ActivityID, kind, store.Criteria{})
		if err != nil {
			return errors.Wrapf(err, "load %s", kind.Plural())
		}
		g.current = make(map[string]records.Entity, len(current))
		for _, e := range current {
			g.current[e.ID] = e
		}

		for _, d := range decisions {
			item, err := g.apply(ctx, d)
			if err != nil {
				return err
			}
			g.items = append(g.items, item)
		}
		if a.prune && kind.Owned() && r.plan.IsPresent(kind) {
			return g.prune(ctx, current)
		}
		return nil
	})

	res := report.GroupResult{Kind: kind, Duration: a.now().Sub(start)}
	if err != nil {
		res.Err = err
		res.Items = failAll(r.plan, decisions, err)
		log.WithError(err).Error("group rolled back")
	} else {
		for from, to := range g.settled {
			r.settled[from] = to
		}
		res.Items, res.Removed = g.items, g.removed
		log.WithFields(logrus.Fields{"items": len(g.items), "removed": len(g.removed)}).Info("group applied")
	}

	a.metrics.RecordGroup(kind, res.Duration, err)
	for _, it := range res.Items {
		a.metrics.RecordItem(kind, string(it.Outcome))
	}
	for range res.Removed {
		a.metrics.RecordItem(kind, metrics.OutcomeRemoved)
	}
	return res
}

// failAll reports every item of a rolled-back group as failed. Auto-created
// references nobody selected were never going to be written.
func failAll(plan *reconcile.Plan, decisions []*reconcile.Decision, err error) []report.ItemResult {
	out := make([]report.ItemResult, 0, len(decisions))
	for _, d := range decisions {
		it := report.ItemResult{Kind: d.Kind, Index: d.Index, EntityID: d.EntityID, AutoCreated: d.AutoCreated}
		if d.AutoCreated && !plan.DependentSelected(d) {
			it.Outcome = report.OutcomeSkipped
		} else {
			it.Outcome = report.OutcomeFailed
			it.Messages = []string{err.Error()}
			it.Err = err
		}
		out = append(out, it)
	}
	return out
}

// group is the state of one kind group's transaction.
type group struct {
	applier *Applier
	run     *run
	tx      store.Store
	kind    records.Kind
	log     *logrus.Entry
	current map[string]records.Entity
	settled map[string]string
	items   []report.ItemResult
	removed []string
}

func (g *group) apply(ctx context.Context, d *reconcile.Decision) (report.ItemResult, error) {
	item := report.ItemResult{Kind: d.Kind, Index: d.Index, EntityID: d.EntityID, AutoCreated: d.AutoCreated}
	switch {
	case d.AutoCreated && !g.run.plan.DependentSelected(d):
		item.Outcome = report.OutcomeSkipped
		return item, nil
	case d.Action == reconcile.ActionConflict:
		item.Outcome = report.OutcomeConflict
		return item, nil
	case d.Action == reconcile.ActionNoop:
		item.Outcome = report.OutcomeMatched
		return item, nil
	case !d.AutoCreated && !d.Selected:
		item.Outcome = report.OutcomeSkipped
		return item, nil
	}

	if link, ok := g.missingLink(d); ok {
		item.Outcome = report.OutcomeFailed
		item.Messages = []string{fmt.Sprintf("referenced %s was not created", link.Kind)}
		g.log.WithFields(logrus.Fields{"index": d.Index, "field": link.Field}).Warn("dependency missing")
		return item, nil
	}

	fields := d.RemapFields(g.run.settled)
	if d.Action == reconcile.ActionCreate {
		return g.create(ctx, d, fields, item)
	}
	return g.update(ctx, d, fields, item)
}

// missingLink finds a cross-reference to an entity this plan meant to
// create but which was never committed.
func (g *group) missingLink(d *reconcile.Decision) (reconcile.Link, bool) {
	for _, link := range d.Links {
		target, planned := g.run.byID[link.ID]
		if !planned || target.Action != reconcile.ActionCreate {
			continue
		}
		if _, ok := g.run.settled[link.ID]; !ok {
			return link, true
		}
	}
	return reconcile.Link{}, false
}

func (g *group) create(ctx context.Context, d *reconcile.Decision, fields records.Fields, item report.ItemResult) (report.ItemResult, error) {
	e := d.Entity
	e.Fields = fields
	got, err := g.applier.resolver.Create(ctx, g.tx, e, d.Payload)
	if err != nil {
		if errors.Is(err, identify.ErrRaceUnresolved) {
			g.applier.metrics.RecordRetry(g.kind, false)
		}
		return item, &PersistenceError{Kind: d.Kind, Index: d.Index, Op: "create", Err: err}
	}
	g.settled[d.EntityID] = got.ID
	item.EntityID = got.ID
	if got.Created {
		item.Outcome = report.OutcomeCreated
		return item, nil
	}

	g.applier.metrics.RecordRetry(g.kind, true)
	g.log.WithFields(logrus.Fields{"index": d.Index, "reserved_id": d.EntityID, "entity_id": got.ID}).
		Warn("lost uniqueness race, adopting existing entity")
	item.Retried = true
	item.ReservedID = d.EntityID

	winner, err := g.fetch(ctx, got.ID)
	if err != nil {
		return item, &PersistenceError{Kind: d.Kind, Index: d.Index, Op: "create", Err: err}
	}
	return g.write(ctx, d, winner, fields, item)
}

func (g *group) update(ctx context.Context, d *reconcile.Decision, fields records.Fields, item report.ItemResult) (report.ItemResult, error) {
	stored, ok := g.current[d.EntityID]
	if ok {
		return g.write(ctx, d, stored, fields, item)
	}

	// The row vanished after the snapshot was taken; write it back whole.
	e := d.Entity
	e.ID = d.EntityID
	e.Fields = d.Stored.Apply(d.Stored.Diff(fields))
	e.CreatedAt, e.UpdatedAt = time.Time{}, time.Time{}
	if d.AddRef != nil {
		e.ExternalRef = *d.AddRef
	}
	got, err := g.applier.resolver.Create(ctx, g.tx, e, d.Payload)
	if err != nil {
		return item, &PersistenceError{Kind: d.Kind, Index: d.Index, Op: "create", Err: err}
	}
	g.log.WithFields(logrus.Fields{"index": d.Index, "entity_id": got.ID}).Warn("matched entity vanished, re-created")
	g.settled[d.EntityID] = got.ID
	item.EntityID = got.ID
	item.Outcome = report.OutcomeCreated
	if !got.Created {
		item.Outcome = report.OutcomeMatched
	}
	return item, nil
}

// write applies the diff between stored and the incoming fields. Only
// changed attributes are sent.
func (g *group) write(ctx context.Context, d *reconcile.Decision, stored records.Entity, fields records.Fields, item report.ItemResult) (report.ItemResult, error) {
	p := patchFor(d, stored, fields)
	if p.Empty() {
		item.Outcome = report.OutcomeMatched
		return item, nil
	}
	if err := g.tx.Update(ctx, stored.ActivityID, stored.Kind, stored.ID, p); err != nil {
		return item, &PersistenceError{Kind: d.Kind, Index: d.Index, Op: "update", Err: err}
	}
	g.log.WithFields(logrus.Fields{"index": d.Index, "entity_id": stored.ID, "fields": len(p.Fields)}).Debug("updated")
	item.Outcome = report.OutcomeUpdated
	return item, nil
}

func (g *group) fetch(ctx context.Context, id string) (records.Entity, error) {
	found, err := g.tx.Find(ctx, g.run.plan.ActivityID, g.kind, store.Criteria{IDs: []string{id}})
	if err != nil {
		return records.Entity{}, err
	}
	for _, e := range found {
		if e.ID == id {
			return e, nil
		}
	}
	return records.Entity{}, errors.Wrapf(store.ErrNotFound, "%s %s", g.kind, id)
}

// prune deletes persisted entities no decision claims and no
// cross-reference points at.
func (g *group) prune(ctx context.Context, current []records.Entity) error {
	keep := make(map[string]bool)
	for _, d := range g.run.plan.Group(g.kind) {
		keep[d.EntityID] = true
	}
	for _, id := range g.settled {
		keep[id] = true
	}
	for _, kind := range g.run.plan.Kinds() {
		for _, d := range g.run.plan.Group(kind) {
			for _, link := range d.Links {
				if link.Kind == g.kind {
					keep[link.ID] = true
				}
			}
		}
	}

	for _, e := range current {
		if keep[e.ID] {
			continue
		}
		if err := g.tx.Delete(ctx, e.ActivityID, g.kind, e.ID); err != nil {
			return &PersistenceError{Kind: g.kind, Index: -1, Op: "delete", Err: err}
		}
		g.removed = append(g.removed, e.ID)
	}
	if len(g.removed) > 0 {
		g.log.WithField("removed", len(g.removed)).Info("pruned entities missing from document")
	}
	return nil
}

func patchFor(d *reconcile.Decision, stored records.Entity, incoming records.Fields) store.Patch {
	if d.Kind == records.KindContact {
		incoming = contacts.MergeFields(stored.Fields, incoming)
	}
	var p store.Patch
	if diff := stored.Fields.Diff(incoming); len(diff) > 0 {
		p.Fields = records.ChangeSet(diff)
	}
	if d.Payload.ExternalID != "" {
		if refs := records.JoinRefs(stored.ExternalRef, d.Payload.ExternalID); refs != stored.ExternalRef {
			p.ExternalRef = &refs
		}
	}
	if stored.Name == "" && d.Payload.Name != "" {
		name := d.Payload.Name
		p.Name = &name
	}
	if stored.Acronym == "" && d.Payload.Acronym != "" {
		acronym := d.Payload.Acronym
		p.Acronym = &acronym
	}
	if stored.Latitude == nil && d.Payload.Coordinates != nil {
		lat, lng := d.Payload.Coordinates.Lat, d.Payload.Coordinates.Lng
		p.Latitude, p.Longitude = &lat, &lng
	}
	return p
}
