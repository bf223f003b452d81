package reconcile

import (
	"sort"
	"strings"
	"time"

	"github.com/go-faster/errors"

	"github.com/Napageneral/iatimport/internal/identify"
	"github.com/Napageneral/iatimport/internal/records"
	"github.com/Napageneral/iatimport/internal/validate"
)

// Action is the decision taken for one record.
type Action string

const (
	ActionCreate   Action = "create"
	ActionNoop     Action = "noop"
	ActionUpdate   Action = "update"
	ActionConflict Action = "conflict"
)

var (
	ErrNoDecision       = errors.New("reconcile: no such decision")
	ErrConflictSelected = errors.New("reconcile: conflicts cannot be selected")
)

// Ref points at a decision inside a plan.
type Ref struct {
	Kind  records.Kind `json:"kind"`
	Index int          `json:"index"`
}

// Link is a cross-reference from a record to an organization or location.
// Field names the canonical field holding the id.
type Link struct {
	Field string       `json:"field"`
	Kind  records.Kind `json:"kind"`
	ID    string       `json:"id"`
}

// Decision is the reconciliation outcome for one record, or for a
// referenced entity the document never listed (AutoCreated, Index -1).
type Decision struct {
	Action Action       `json:"action"`
	Kind   records.Kind `json:"kind"`
	Index  int          `json:"index"`
	// EntityID is the matched id, or the id reserved for a create.
	EntityID string         `json:"entity_id"`
	Record   records.Record `json:"record,omitempty"`
	// Entity is the persisted form a create writes. For matches it carries
	// the stored identity columns.
	Entity  records.Entity   `json:"-"`
	Payload identify.Payload `json:"-"`
	Fields  records.Fields   `json:"fields,omitempty"`
	Stored  records.Fields   `json:"stored,omitempty"`
	Diff    []records.Change `json:"diff,omitempty"`
	// AddRef is the reference history an update writes, when it changes.
	AddRef    *string             `json:"add_ref,omitempty"`
	Rule      identify.MatchRule  `json:"rule"`
	Conflicts []identify.Conflict `json:"conflicts,omitempty"`
	Messages  []validate.Message  `json:"messages,omitempty"`
	Warnings  []string            `json:"warnings,omitempty"`
	Compliant bool                `json:"compliant"`
	Selected  bool                `json:"selected"`

	AutoCreated bool   `json:"auto_created,omitempty"`
	DuplicateOf *int   `json:"duplicate_of,omitempty"`
	Dependents  []Ref  `json:"dependents,omitempty"`
	Links       []Link `json:"links,omitempty"`
}

// Ref returns the decision's position.
func (d *Decision) Ref() Ref {
	return Ref{Kind: d.Kind, Index: d.Index}
}

// Writes reports whether applying the decision touches storage.
func (d *Decision) Writes() bool {
	return d.Action == ActionCreate || d.Action == ActionUpdate
}

// RemapFields returns the decision's fields with linked ids rewritten
// through remap. Fields holding several ids are rewritten element-wise.
func (d *Decision) RemapFields(remap map[string]string) records.Fields {
	out := d.Fields.Clone()
	if len(remap) == 0 {
		return out
	}
	for _, link := range d.Links {
		to, ok := remap[link.ID]
		if !ok {
			continue
		}
		ids := strings.Split(out[link.Field], ",")
		for i, id := range ids {
			if id == link.ID {
				ids[i] = to
			}
		}
		out[link.Field] = strings.Join(ids, ",")
	}
	return out
}

// Plan is the full set of decisions for one document. It is pure data;
// the applier consumes it exactly once.
type Plan struct {
	ActivityID string    `json:"activity_id"`
	Source     string    `json:"source,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	// Present lists the kinds the document carried, in apply order.
	Present    []records.Kind               `json:"present"`
	Groups     map[records.Kind][]*Decision `json:"groups"`
	Validation []validate.Result            `json:"validation"`
}

// Group returns the decisions of kind: document records in document
// order, then auto-created references.
func (p *Plan) Group(kind records.Kind) []*Decision {
	if p == nil {
		return nil
	}
	return p.Groups[kind]
}

// Kinds returns the kinds with decisions, in apply order.
func (p *Plan) Kinds() []records.Kind {
	var out []records.Kind
	for _, k := range records.Kinds {
		if len(p.Groups[k]) > 0 {
			out = append(out, k)
		}
	}
	return out
}

// IsPresent reports whether the document carried records of kind.
func (p *Plan) IsPresent(kind records.Kind) bool {
	for _, k := range p.Present {
		if k == kind {
			return true
		}
	}
	return false
}

// Decision returns the decision for a document record.
func (p *Plan) Decision(kind records.Kind, index int) (*Decision, bool) {
	for _, d := range p.Group(kind) {
		if !d.AutoCreated && d.Index == index {
			return d, true
		}
	}
	return nil, false
}

// Select overrides the default selection of one document record. This is
// how a caller includes a non-compliant item. Conflicts are never written
// and cannot be selected.
func (p *Plan) Select(kind records.Kind, index int, selected bool) error {
	d, ok := p.Decision(kind, index)
	if !ok {
		return errors.Wrapf(ErrNoDecision, "%s[%d]", kind, index)
	}
	if selected && d.Action == ActionConflict {
		return errors.Wrapf(ErrConflictSelected, "%s[%d]", kind, index)
	}
	d.Selected = selected && d.Writes()
	return nil
}

// SelectAll applies Select to every document record of kind, skipping
// conflicts.
func (p *Plan) SelectAll(kind records.Kind, selected bool) {
	for _, d := range p.Group(kind) {
		if d.AutoCreated || d.Action == ActionConflict {
			continue
		}
		d.Selected = selected && d.Writes()
	}
}

// ByID indexes every decision by the entity id it targets. Duplicates map
// to the first decision for the id.
func (p *Plan) ByID() map[string]*Decision {
	out := make(map[string]*Decision)
	for _, k := range p.Kinds() {
		for _, d := range p.Groups[k] {
			if _, ok := out[d.EntityID]; !ok && d.EntityID != "" {
				out[d.EntityID] = d
			}
		}
	}
	return out
}

// Counts tallies decisions by action across all groups.
func (p *Plan) Counts() map[Action]int {
	out := make(map[Action]int)
	for _, group := range p.Groups {
		for _, d := range group {
			out[d.Action]++
		}
	}
	return out
}

func sortAuto(decisions []*Decision) {
	sort.SliceStable(decisions, func(i, j int) bool {
		return decisions[i].Entity.IdentityKey < decisions[j].Entity.IdentityKey
	})
	for _, d := range decisions {
		sort.Slice(d.Dependents, func(i, j int) bool {
			a, b := d.Dependents[i], d.Dependents[j]
			if a.Kind != b.Kind {
				return kindOrder(a.Kind) < kindOrder(b.Kind)
			}
			return a.Index < b.Index
		})
	}
}

func kindOrder(k records.Kind) int {
	for i, known := range records.Kinds {
		if k == known {
			return i
		}
	}
	return len(records.Kinds)
}

// DependentSelected reports whether any decision depending on d will be
// applied. Auto-created references are only written for selected dependents.
func (p *Plan) DependentSelected(d *Decision) bool {
	for _, ref := range d.Dependents {
		if dep, ok := p.Decision(ref.Kind, ref.Index); ok && dep.Selected {
			return true
		}
	}
	return false
}
