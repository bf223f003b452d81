// Package reconcile compares an import document with what is persisted for
// its activity and decides, per record, whether to create, update, leave
// alone, or flag a conflict. Reconciliation is read-only: the resulting Plan
// is pure data and cancelling at any point has no side effects.
package reconcile

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/Napageneral/iatimport/internal/contacts"
	"github.com/Napageneral/iatimport/internal/currency"
	"github.com/Napageneral/iatimport/internal/identify"
	"github.com/Napageneral/iatimport/internal/logging"
	"github.com/Napageneral/iatimport/internal/metrics"
	"github.com/Napageneral/iatimport/internal/orgtype"
	"github.com/Napageneral/iatimport/internal/records"
	"github.com/Napageneral/iatimport/internal/validate"
)

var (
	ErrNilDocument      = errors.New("reconcile: nil document")
	ErrMissingActivity  = errors.New("reconcile: document has no activity id")
	ErrSnapshotMismatch = errors.New("reconcile: snapshot belongs to another activity")
)

// Engine builds reconciliation plans. It holds no per-run state and is
// safe for concurrent use.
type Engine struct {
	validator *validate.Validator
	resolver  *identify.Resolver
	workers   int
	metrics   *metrics.Recorder
	rates     *currency.Table
	now       func() time.Time
}

type Option func(*Engine)

// WithWorkers bounds how many records are validated and how many kind
// groups are decided concurrently.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithResolver replaces the default resolver.
func WithResolver(r *identify.Resolver) Option {
	return func(e *Engine) { e.resolver = r }
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithRates adds value_usd and exchange_rate to transactions whose
// currency has a rate in t.
func WithRates(t *currency.Table) Option {
	return func(e *Engine) { e.rates = t }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New returns an Engine with default validation and resolution.
func New(opts ...Option) *Engine {
	e := &Engine{
		validator: validate.New(),
		resolver:  identify.NewResolver(identify.DefaultPrecision),
		workers:   4,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Resolver returns the engine's resolver.
func (e *Engine) Resolver() *identify.Resolver {
	return e.resolver
}

// Validate runs the validation engine over every record of doc.
func (e *Engine) Validate(ctx context.Context, doc *records.ImportDocument) ([]validate.Result, error) {
	work, err := prepare(doc)
	if err != nil {
		return nil, err
	}
	return e.validator.Document(ctx, work, e.workers)
}

// prepare checks doc and returns a copy with every index assigned.
func prepare(doc *records.ImportDocument) (*records.ImportDocument, error) {
	if doc == nil {
		return nil, ErrNilDocument
	}
	if strings.TrimSpace(doc.ActivityID) == "" {
		return nil, ErrMissingActivity
	}
	work := &records.ImportDocument{
		ActivityID: strings.TrimSpace(doc.ActivityID),
		Source:     doc.Source,
		Records:    append([]records.ImportRecord(nil), doc.Records...),
	}
	if err := work.AssignIndexes(); err != nil {
		return nil, errors.Wrap(err, "reconcile")
	}
	return work, nil
}

// Reconcile decides every record of doc against snap. A nil snap means
// nothing is persisted yet.
func (e *Engine) Reconcile(ctx context.Context, doc *records.ImportDocument, snap *Snapshot) (*Plan, error) {
	start := e.now()
	work, err := prepare(doc)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		snap = NewSnapshot(work.ActivityID)
	}
	if snap.ActivityID != work.ActivityID {
		return nil, errors.Wrapf(ErrSnapshotMismatch, "document %q, snapshot %q", work.ActivityID, snap.ActivityID)
	}

	results, err := e.validator.Document(ctx, work, e.workers)
	if err != nil {
		return nil, errors.Wrap(err, "validate")
	}

	r := &run{
		engine:  e,
		doc:     work,
		snap:    snap,
		cache:   identify.NewCache(),
		results: make(map[Ref]validate.Result, len(results)),
		auto:    make(map[string]*Decision),
		log:     logging.FromContext(ctx).WithField("activity_id", work.ActivityID),
	}
	for _, res := range results {
		r.results[Ref{Kind: res.Kind, Index: res.Index}] = res
	}

	plan := &Plan{
		ActivityID: work.ActivityID,
		Source:     work.Source,
		CreatedAt:  start,
		Present:    work.Present(),
		Groups:     make(map[records.Kind][]*Decision),
		Validation: results,
	}

	// Reference targets first: their reservations must exist before any
	// other group resolves a cross-reference.
	var rest []records.Kind
	for _, kind := range plan.Present {
		if !kind.ReferenceTarget() {
			rest = append(rest, kind)
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		plan.Groups[kind] = r.decideGroup(kind)
	}

	decided := make([][]*Decision, len(rest))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, kind := range rest {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			decided[i] = r.decideGroup(kind)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for i, kind := range rest {
		plan.Groups[kind] = decided[i]
	}

	for _, kind := range records.Kinds {
		var autos []*Decision
		for _, d := range r.auto {
			if d.Kind == kind {
				autos = append(autos, d)
			}
		}
		if len(autos) == 0 {
			continue
		}
		sortAuto(autos)
		plan.Groups[kind] = append(plan.Groups[kind], autos...)
	}

	for _, kind := range plan.Kinds() {
		for _, d := range plan.Groups[kind] {
			e.metrics.RecordDecision(kind, string(d.Action))
		}
	}
	e.metrics.RecordReconcile(e.now().Sub(start))
	r.log.WithField("decisions", plan.Counts()).Info("reconciliation plan built")
	return plan, nil
}

// run is the state of one Reconcile call.
type run struct {
	engine  *Engine
	doc     *records.ImportDocument
	snap    *Snapshot
	cache   *identify.Cache
	results map[Ref]validate.Result
	log     *logrus.Entry

	mu   sync.Mutex
	auto map[string]*Decision
}

func (r *run) decideGroup(kind records.Kind) []*Decision {
	group := r.doc.Group(kind)
	bodies := make([]records.Record, len(group))
	duplicateOf := make(map[int]int)
	for i, rec := range group {
		bodies[i] = rec.Record
	}
	var merged map[int]bool
	if kind == records.KindContact {
		merged = mergeContacts(group, bodies, duplicateOf)
	}

	resolver := r.engine.resolver
	snapshot := r.snap.Entities(kind)
	// claimed maps an entity id to the position of the decision that owns it.
	claimed := make(map[string]int)
	seen := make(map[string][]int)
	repeats := make(map[int]repeat)
	var open []int
	decisions := make([]*Decision, 0, len(group))

	for i, rec := range group {
		res := r.results[Ref{Kind: kind, Index: rec.Index}]
		d := &Decision{
			Kind:      kind,
			Index:     rec.Index,
			Record:    bodies[i],
			Compliant: res.OK,
			Messages:  res.Messages,
		}
		decisions = append(decisions, d)

		if first, ok := duplicateOf[i]; ok {
			repeats[i] = repeat{of: first, verb: "merged into"}
			continue
		}
		if merged[i] {
			res := r.engine.validator.Record(records.ImportRecord{Index: rec.Index, Record: bodies[i]}, nil)
			d.Compliant, d.Messages = res.OK, res.Messages
		}

		d.Payload = resolver.Payload(bodies[i])
		d.Fields = r.fieldsOf(d, bodies[i])

		if !kind.ReferenceTarget() {
			if rp, ok := placeRepeat(d, decisions, seen); ok {
				repeats[i] = rp
			} else {
				open = append(open, i)
			}
			continue
		}
		match := r.cache.ResolveOrReserve(resolver, r.doc.ActivityID, d.Payload, snapshot, d.Fields)
		if match.Matched() {
			if first, ok := claimed[match.MatchedID]; ok {
				r.markDuplicate(d, decisions[first], "duplicate of")
				continue
			}
			claimed[match.MatchedID] = i
		}
		r.settle(d, match)
	}

	// Every record first claims the entity stored under its own identity
	// key, so an unchanged document finds exactly what it created. The
	// rest resolve by tier against what is left.
	byKey := make(map[string]records.Entity, len(snapshot))
	for _, e := range snapshot {
		if e.IdentityKey != "" {
			byKey[e.IdentityKey] = e
		}
	}
	matches := make(map[int]identify.MatchResult, len(open))
	for _, i := range open {
		d := decisions[i]
		key := d.Payload.IdentityKey()
		e, ok := byKey[key]
		if key == "" || !ok {
			continue
		}
		if _, taken := claimed[e.ID]; taken {
			continue
		}
		if m := resolver.Resolve(d.Payload, []records.Entity{e}); m.Matched() {
			claimed[e.ID] = i
			matches[i] = m
		}
	}
	for _, i := range open {
		m, ok := matches[i]
		if !ok {
			m = resolver.Resolve(decisions[i].Payload, unclaimed(snapshot, claimed))
			if m.Matched() {
				claimed[m.MatchedID] = i
			}
		}
		r.settle(decisions[i], m)
	}

	// Repeats point at records that are settled only now.
	for i := range decisions {
		rp, ok := repeats[i]
		if !ok {
			continue
		}
		if rp.conflict {
			r.repeatConflict(decisions[i], decisions[rp.of])
		} else {
			r.markDuplicate(decisions[i], decisions[rp.of], rp.verb)
		}
	}
	return decisions
}

// settle turns a resolution into the decision's action and default
// selection.
func (r *run) settle(d *Decision, match identify.MatchResult) {
	d.Rule = match.Rule
	d.Warnings = append(d.Warnings, match.Warnings...)
	if match.Reserved || !match.Matched() {
		r.decideCreate(d, match)
	} else {
		r.decideMatch(d, match)
	}
	d.Selected = d.Compliant && d.Writes()

	r.log.WithFields(logrus.Fields{
		"kind":     d.Kind,
		"index":    d.Index,
		"action":   d.Action,
		"rule":     d.Rule,
		"entity":   d.EntityID,
		"selected": d.Selected,
	}).Debug("decided")
	if d.Action == ActionConflict {
		r.log.WithFields(logrus.Fields{"kind": d.Kind, "index": d.Index}).Warn(d.conflictSummary())
	}
}

// repeat links a record to the earlier record of its group it repeats.
type repeat struct {
	of       int
	verb     string
	conflict bool
}

// placeRepeat checks d against the earlier records of its group carrying
// the same identity key. Identical content collapses into the earlier
// record. A repeated external reference with different content is a
// conflict. A repeated natural key with different content gets an ordinal
// and becomes an entity of its own.
func placeRepeat(d *Decision, decisions []*Decision, seen map[string][]int) (repeat, bool) {
	key := d.Payload.IdentityKey()
	if key == "" {
		return repeat{}, false
	}
	earlier := seen[key]
	for _, j := range earlier {
		if maps.Equal(decisions[j].Fields, d.Fields) {
			return repeat{of: j, verb: "duplicate of"}, true
		}
	}
	if len(earlier) > 0 && d.Payload.ExternalID != "" {
		return repeat{of: earlier[0], conflict: true}, true
	}
	d.Payload = d.Payload.WithOrdinal(len(earlier) + 1)
	seen[key] = append(earlier, len(decisions)-1)
	return repeat{}, false
}

func (r *run) repeatConflict(d, first *Decision) {
	d.Action = ActionConflict
	d.EntityID = first.EntityID
	d.Rule = identify.RuleExternalRef
	d.Conflicts = []identify.Conflict{{
		Field:    "ref",
		Incoming: d.Payload.ExternalID,
		Stored:   first.Payload.ExternalID,
		Reason:   fmt.Sprintf("repeats the reference of %s %d with different content", d.Kind, first.Index),
	}}
	r.log.WithFields(logrus.Fields{"kind": d.Kind, "index": d.Index}).Warn(d.conflictSummary())
}

// unclaimed drops the candidates an earlier record of the group matched, so
// a later record falls through to the next candidate its tier accepts.
func unclaimed(candidates []records.Entity, claimed map[string]int) []records.Entity {
	if len(claimed) == 0 {
		return candidates
	}
	out := make([]records.Entity, 0, len(candidates))
	for _, c := range candidates {
		if _, ok := claimed[c.ID]; !ok {
			out = append(out, c)
		}
	}
	return out
}

// decideCreate handles a record nothing persisted matches. Reference
// targets reuse the id the cache reserved.
func (r *run) decideCreate(d *Decision, match identify.MatchResult) {
	id := match.MatchedID
	if !match.Reserved {
		id = uuid.NewString()
	}
	d.Action = ActionCreate
	d.Rule = identify.RuleNone
	d.EntityID = id
	d.Entity = d.Payload.Entity(r.doc.ActivityID, id, d.Fields)
}

func (r *run) decideMatch(d *Decision, match identify.MatchResult) {
	d.EntityID = match.MatchedID
	stored, ok := r.snap.Get(d.Kind, match.MatchedID)
	if !ok {
		// Matched a reservation made by a cross-reference.
		for _, e := range r.cache.Reserved(d.Kind) {
			if e.ID == match.MatchedID {
				stored, ok = e, true
				break
			}
		}
	}
	d.Entity = stored
	d.Stored = stored.Fields.Clone()

	if len(match.Conflicts) > 0 {
		d.Action = ActionConflict
		d.Conflicts = match.Conflicts
		return
	}

	incoming := d.Fields
	if d.Kind == records.KindContact {
		incoming = contacts.MergeFields(stored.Fields, d.Fields)
	}
	d.Diff = stored.Fields.Diff(incoming)
	if d.Payload.ExternalID != "" {
		if refs := records.JoinRefs(stored.ExternalRef, d.Payload.ExternalID); refs != stored.ExternalRef {
			d.AddRef = &refs
		}
	}
	if len(d.Diff) == 0 && d.AddRef == nil {
		d.Action = ActionNoop
		return
	}
	d.Action = ActionUpdate
}

func (r *run) markDuplicate(d, first *Decision, verb string) {
	idx := first.Index
	d.Action = ActionNoop
	d.DuplicateOf = &idx
	d.EntityID = first.EntityID
	d.Rule = first.Rule
	d.Warnings = append(d.Warnings, verb+" "+string(d.Kind)+" "+strconv.Itoa(idx))
}

// mergeContacts folds contacts sharing a de-duplication key into the first
// occurrence. Later occurrences supply fields the first lacks and win on
// genuine disagreement.
func mergeContacts(group []records.ImportRecord, bodies []records.Record, duplicateOf map[int]int) map[int]bool {
	firstByKey := make(map[string]int)
	merged := make(map[int]bool)
	for i, rec := range group {
		c, ok := rec.Record.(records.Contact)
		if !ok {
			continue
		}
		c = contacts.Normalize(c)
		key := contacts.Key(c)
		if key == "" {
			continue
		}
		first, seen := firstByKey[key]
		if !seen {
			firstByKey[key] = i
			continue
		}
		bodies[first] = contacts.Merge(contacts.Normalize(bodies[first].(records.Contact)), c)
		duplicateOf[i] = first
		merged[first] = true
	}
	return merged
}

// fieldsOf returns the canonical fields of body with its cross-references
// resolved to entity ids.
func (r *run) fieldsOf(d *Decision, body records.Record) records.Fields {
	switch v := body.(type) {
	case records.Contact:
		return records.FieldsOf(contacts.Normalize(v))
	case records.Organization:
		f := records.FieldsOf(v)
		if cat, ok := orgtype.Lookup(v.Type); ok {
			f["category"] = string(cat)
		}
		return f
	case records.Transaction:
		f := records.FieldsOf(v)
		r.linkOrg(d, f, "provider_org_id", v.Provider)
		r.linkOrg(d, f, "receiver_org_id", v.Receiver)
		r.convert(d, f, v)
		return f
	case records.PlannedDisbursement:
		f := records.FieldsOf(v)
		r.linkOrg(d, f, "provider_org_id", v.Provider)
		r.linkOrg(d, f, "receiver_org_id", v.Receiver)
		return f
	case records.Result:
		f := records.FieldsOf(v)
		var ids []string
		for _, ref := range v.Locations {
			if id := r.link(d, "location_ids", records.KindLocation, r.engine.resolver.LocationPayload(ref), nil); id != "" {
				ids = append(ids, id)
			}
		}
		if len(ids) > 0 {
			sort.Strings(ids)
			f["location_ids"] = strings.Join(ids, ",")
		}
		return f
	}
	return records.FieldsOf(body)
}

// convert records the USD value of a transaction, at the rate of its value
// date when it has one.
func (r *run) convert(d *Decision, f records.Fields, v records.Transaction) {
	if r.engine.rates == nil {
		return
	}
	date := v.ValueDate
	if date == "" {
		date = v.Date
	}
	conv, ok := r.engine.rates.Convert(v.Value, v.Currency, date)
	if !ok {
		r.log.WithFields(logrus.Fields{
			"index":    d.Index,
			"currency": v.Currency,
			"date":     date,
		}).Debug("no usd rate")
		return
	}
	f["value_usd"] = conv.USD.String()
	f["exchange_rate"] = conv.Rate.String()
}

func (r *run) linkOrg(d *Decision, f records.Fields, field string, ref *records.OrgRef) {
	if ref.Empty() {
		return
	}
	fields := records.FieldsOf(records.Organization{Ref: ref.Ref, Name: ref.Name, Acronym: ref.Acronym, Type: ref.Type})
	if cat, ok := orgtype.Lookup(ref.Type); ok {
		fields["category"] = string(cat)
	}
	if id := r.link(d, field, records.KindOrganization, r.engine.resolver.OrgPayload(ref), fields); id != "" {
		f[field] = id
	}
}

// link resolves one cross-reference through the run cache. A miss
// reserves an id and synthesizes an auto-created decision in the target
// group; every referencing decision is recorded as its dependent.
func (r *run) link(d *Decision, field string, kind records.Kind, p identify.Payload, fields records.Fields) string {
	if p.Empty() {
		return ""
	}
	if fields == nil {
		fields = referenceFields(p)
	}
	// The reservation and its auto-created decision are published together,
	// so a concurrent reference to the same identity always finds both.
	r.mu.Lock()
	defer r.mu.Unlock()

	match := r.cache.ResolveOrReserve(r.engine.resolver, r.doc.ActivityID, p, r.snap.Entities(kind), fields)
	if !match.Matched() {
		return ""
	}
	d.Links = append(d.Links, Link{Field: field, Kind: kind, ID: match.MatchedID})
	for _, w := range match.Warnings {
		d.Warnings = append(d.Warnings, field+": "+w)
	}
	for _, c := range match.Conflicts {
		d.Warnings = append(d.Warnings, field+": "+c.String())
	}
	if match.Reserved {
		r.auto[match.MatchedID] = &Decision{
			Action:      ActionCreate,
			Kind:        kind,
			Index:       -1,
			EntityID:    match.MatchedID,
			Entity:      p.Entity(r.doc.ActivityID, match.MatchedID, fields),
			Payload:     p,
			Fields:      fields,
			Rule:        identify.RuleNone,
			Compliant:   true,
			AutoCreated: true,
		}
	}
	if auto, ok := r.auto[match.MatchedID]; ok {
		auto.Dependents = append(auto.Dependents, d.Ref())
	}
	return match.MatchedID
}

func referenceFields(p identify.Payload) records.Fields {
	f := records.Fields{}
	if p.ExternalID != "" {
		f["ref"] = p.ExternalID
	}
	if p.Name != "" {
		f["name"] = p.Name
	}
	if p.Acronym != "" {
		f["acronym"] = p.Acronym
	}
	if p.Coordinates != nil {
		f["latitude"] = strconv.FormatFloat(p.Coordinates.Lat, 'f', -1, 64)
		f["longitude"] = strconv.FormatFloat(p.Coordinates.Lng, 'f', -1, 64)
	}
	return f
}

func (d *Decision) conflictSummary() string {
	parts := make([]string, 0, len(d.Conflicts))
	for _, c := range d.Conflicts {
		parts = append(parts, c.String())
	}
	return "conflict with " + d.EntityID + ": " + strings.Join(parts, "; ")
}
