// Package report aggregates a reconciliation plan and the applier's per-item
// results into the structure handed back to the caller.
package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/Napageneral/iatimport/internal/reconcile"
	"github.com/Napageneral/iatimport/internal/records"
)

// Outcome is what happened to one decision.
type Outcome string

const (
	OutcomeCreated  Outcome = "created"
	OutcomeUpdated  Outcome = "updated"
	OutcomeMatched  Outcome = "matched"
	OutcomeConflict Outcome = "conflict"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeFailed   Outcome = "failed"
)

// ItemResult is the applier's account of one decision.
type ItemResult struct {
	Kind        records.Kind `json:"kind"`
	Index       int          `json:"index"`
	EntityID    string       `json:"entity_id,omitempty"`
	Outcome     Outcome      `json:"outcome"`
	AutoCreated bool         `json:"auto_created,omitempty"`
	// Retried is set when a create lost a uniqueness race and adopted the
	// winner. ReservedID then holds the id the plan had reserved.
	Retried    bool     `json:"retried,omitempty"`
	ReservedID string   `json:"reserved_id,omitempty"`
	Messages   []string `json:"messages,omitempty"`
	Err        error    `json:"-"`
}

// GroupResult is the applier's account of one kind group.
type GroupResult struct {
	Kind      records.Kind  `json:"kind"`
	Items     []ItemResult  `json:"items"`
	Removed   []string      `json:"removed,omitempty"`
	Err       error         `json:"-"`
	Cancelled bool          `json:"cancelled,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// ItemError lists the diagnostics of one record. Index is the record's
// stable position within its kind group; -1 marks an auto-created reference.
type ItemError struct {
	Index    int      `json:"index"`
	Status   Outcome  `json:"status"`
	Ref      string   `json:"ref,omitempty"`
	Messages []string `json:"messages"`
}

type KindReport struct {
	Total       int         `json:"total"`
	Imported    int         `json:"imported"`
	Skipped     int         `json:"skipped"`
	Created     int         `json:"created"`
	Updated     int         `json:"updated"`
	Matched     int         `json:"matched"`
	Conflicts   int         `json:"conflicts"`
	Removed     int         `json:"removed"`
	AutoCreated int         `json:"auto_created"`
	Errors      []ItemError `json:"errors,omitempty"`
	GroupError  string      `json:"group_error,omitempty"`
}

// CreatedEntity links a newly created entity back to its record.
type CreatedEntity struct {
	Kind        records.Kind `json:"kind"`
	Index       int          `json:"index"`
	ID          string       `json:"id"`
	AutoCreated bool         `json:"auto_created,omitempty"`
}

type Report struct {
	ActivityID string                       `json:"activity_id"`
	DryRun     bool                         `json:"dry_run"`
	StartedAt  time.Time                    `json:"started_at"`
	FinishedAt time.Time                    `json:"finished_at"`
	PerKind    map[records.Kind]*KindReport `json:"per_kind"`
	Created    []CreatedEntity              `json:"created"`
}

type itemKey struct {
	index int
	id    string
}

func keyOf(d *reconcile.Decision) itemKey {
	if d.AutoCreated {
		return itemKey{index: -1, id: d.EntityID}
	}
	return itemKey{index: d.Index}
}

// Build aggregates plan and the applier's results. Decisions without a
// result were never applied.
func Build(plan *reconcile.Plan, groups []GroupResult, startedAt, finishedAt time.Time) *Report {
	r := &Report{
		ActivityID: plan.ActivityID,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
		PerKind:    make(map[records.Kind]*KindReport),
	}
	byKind := make(map[records.Kind]GroupResult, len(groups))
	for _, g := range groups {
		byKind[g.Kind] = g
	}

	for _, kind := range plan.Kinds() {
		kr := &KindReport{}
		r.PerKind[kind] = kr
		g, applied := byKind[kind]

		items := make(map[itemKey]ItemResult, len(g.Items))
		for _, it := range g.Items {
			key := itemKey{index: it.Index}
			if it.AutoCreated {
				key = itemKey{index: -1, id: it.EntityID}
				if it.ReservedID != "" {
					key.id = it.ReservedID
				}
			}
			items[key] = it
		}

		for _, d := range plan.Group(kind) {
			it, ok := items[keyOf(d)]
			if !ok {
				reason := "not applied"
				if g.Cancelled {
					reason = "not applied: cancelled"
				}
				it = ItemResult{Kind: kind, Index: d.Index, Outcome: OutcomeSkipped, AutoCreated: d.AutoCreated}
				if !d.AutoCreated || applied {
					it.Messages = []string{reason}
				}
			}
			r.tally(kr, d, it)
		}

		kr.Removed = len(g.Removed)
		switch {
		case g.Cancelled:
			kr.GroupError = "cancelled"
		case g.Err != nil:
			kr.GroupError = g.Err.Error()
		}
	}
	return r
}

func (r *Report) tally(kr *KindReport, d *reconcile.Decision, it ItemResult) {
	if !d.AutoCreated {
		kr.Total++
	}
	switch it.Outcome {
	case OutcomeCreated:
		if d.AutoCreated {
			kr.AutoCreated++
		} else {
			kr.Created++
			kr.Imported++
		}
		r.Created = append(r.Created, CreatedEntity{Kind: d.Kind, Index: d.Index, ID: it.EntityID, AutoCreated: d.AutoCreated})
	case OutcomeUpdated:
		if !d.AutoCreated {
			kr.Updated++
			kr.Imported++
		}
	case OutcomeMatched:
		if !d.AutoCreated {
			kr.Matched++
			kr.Imported++
		}
	case OutcomeConflict:
		kr.Conflicts++
		kr.Skipped++
	case OutcomeSkipped, OutcomeFailed:
		if !d.AutoCreated {
			kr.Skipped++
		}
	}

	if d.AutoCreated && it.Outcome != OutcomeFailed {
		return
	}
	if d.Action == reconcile.ActionNoop && it.Outcome == OutcomeMatched && d.DuplicateOf == nil {
		return
	}
	msgs := diagnostics(d, it)
	if len(msgs) == 0 {
		return
	}
	e := ItemError{Index: d.Index, Status: it.Outcome, Messages: msgs}
	if d.AutoCreated {
		e.Ref = d.Payload.ExternalID
		if e.Ref == "" {
			e.Ref = d.Payload.Name
		}
	}
	kr.Errors = append(kr.Errors, e)
}

func diagnostics(d *reconcile.Decision, it ItemResult) []string {
	var out []string
	for _, m := range d.Messages {
		out = append(out, m.String())
	}
	for _, c := range d.Conflicts {
		out = append(out, c.String())
	}
	out = append(out, d.Warnings...)
	return append(out, it.Messages...)
}

// FromPlan predicts the report an apply of plan would produce, without
// touching storage.
func FromPlan(plan *reconcile.Plan) *Report {
	var groups []GroupResult
	for _, kind := range plan.Kinds() {
		g := GroupResult{Kind: kind}
		for _, d := range plan.Group(kind) {
			g.Items = append(g.Items, ItemResult{
				Kind:        kind,
				Index:       d.Index,
				EntityID:    d.EntityID,
				Outcome:     Predict(plan, d),
				AutoCreated: d.AutoCreated,
			})
		}
		groups = append(groups, g)
	}
	r := Build(plan, groups, plan.CreatedAt, plan.CreatedAt)
	r.DryRun = true
	return r
}

// Predict returns the outcome applying d would have if every write succeeds.
func Predict(plan *reconcile.Plan, d *reconcile.Decision) Outcome {
	switch {
	case d.AutoCreated:
		if plan.DependentSelected(d) {
			return OutcomeCreated
		}
		return OutcomeSkipped
	case d.Action == reconcile.ActionConflict:
		return OutcomeConflict
	case d.Action == reconcile.ActionNoop:
		return OutcomeMatched
	case !d.Selected:
		return OutcomeSkipped
	case d.Action == reconcile.ActionCreate:
		return OutcomeCreated
	default:
		return OutcomeUpdated
	}
}

// Counts returns the document totals across kinds.
func (r *Report) Counts() (total, imported, skipped int) {
	for _, kr := range r.PerKind {
		total += kr.Total
		imported += kr.Imported
		skipped += kr.Skipped
	}
	return total, imported, skipped
}

// Failed reports whether any group rolled back or any item failed to write.
func (r *Report) Failed() bool {
	for _, kr := range r.PerKind {
		if kr.GroupError != "" {
			return true
		}
		for _, e := range kr.Errors {
			if e.Status == OutcomeFailed {
				return true
			}
		}
	}
	return false
}

// ErrorLog flattens every item diagnostic, at most limit entries.
func (r *Report) ErrorLog(limit int) []string {
	var out []string
	for _, kind := range records.Kinds {
		kr, ok := r.PerKind[kind]
		if !ok {
			continue
		}
		for _, e := range kr.Errors {
			if limit > 0 && len(out) >= limit {
				return out
			}
			out = append(out, fmt.Sprintf("%s[%d] %s: %s", kind, e.Index, e.Status, strings.Join(e.Messages, "; ")))
		}
	}
	return out
}

// Summary renders one line per kind, e.g.
// "2 of 3 sectors imported; item 2 skipped: percentage: percentages sum to 92, not 100".
func (r *Report) Summary() []string {
	var lines []string
	for _, kind := range records.Kinds {
		kr, ok := r.PerKind[kind]
		if !ok {
			continue
		}
		var b strings.Builder
		fmt.Fprintf(&b, "%d of %d %s imported", kr.Imported, kr.Total, kind.Plural())
		for _, e := range kr.Errors {
			if e.Index < 0 {
				fmt.Fprintf(&b, "; auto-created %s %s: %s", e.Ref, e.Status, strings.Join(e.Messages, ", "))
				continue
			}
			fmt.Fprintf(&b, "; item %d %s: %s", e.Index, e.Status, strings.Join(e.Messages, ", "))
		}
		if kr.AutoCreated > 0 {
			fmt.Fprintf(&b, "; %d auto-created", kr.AutoCreated)
		}
		if kr.Removed > 0 {
			fmt.Fprintf(&b, "; %d removed", kr.Removed)
		}
		if kr.GroupError != "" {
			fmt.Fprintf(&b, "; group failed: %s", kr.GroupError)
		}
		lines = append(lines, b.String())
	}
	return lines
}
