package records

import (
	"sort"
	"strings"
	"time"
)

// Entity is a persisted sub-entity of an activity.
type Entity struct {
	ID          string
	ActivityID  string
	Kind        Kind
	ExternalRef string // comma-joined history of external ids
	Name        string
	Acronym     string
	NaturalKey  string
	Latitude    *float64
	Longitude   *float64
	IdentityKey string
	Fields      Fields
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ExternalRefs splits the stored reference history.
func (e Entity) ExternalRefs() []string {
	return SplitRefs(e.ExternalRef)
}

// SplitRefs splits a comma-joined reference list, dropping blanks.
func SplitRefs(joined string) []string {
	var out []string
	for _, part := range strings.Split(joined, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// JoinRefs appends ref to a comma-joined history unless already present.
func JoinRefs(joined, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return joined
	}
	refs := SplitRefs(joined)
	for _, r := range refs {
		if strings.EqualFold(r, ref) {
			return joined
		}
	}
	return strings.Join(append(refs, ref), ",")
}

// Fields is the canonical string form of an entity's attributes.
type Fields map[string]string

// Change is one field difference between a stored and an incoming record.
type Change struct {
	Field string `json:"field"`
	From  string `json:"from"`
	To    string `json:"to"`
}

// Clone returns a copy of f.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Keys returns the field names in sorted order.
func (f Fields) Keys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Diff lists the fields where incoming carries a non-empty value that
// differs from f. Empty incoming values never clear stored ones.
func (f Fields) Diff(incoming Fields) []Change {
	var changes []Change
	for _, k := range incoming.Keys() {
		to := incoming[k]
		if to == "" || f[k] == to {
			continue
		}
		changes = append(changes, Change{Field: k, From: f[k], To: to})
	}
	return changes
}

// Apply returns f with changes written over it.
func (f Fields) Apply(changes []Change) Fields {
	out := f.Clone()
	for _, c := range changes {
		out[c.Field] = c.To
	}
	return out
}

// ChangeSet converts changes to a field map.
func ChangeSet(changes []Change) Fields {
	out := make(Fields, len(changes))
	for _, c := range changes {
		out[c.Field] = c.To
	}
	return out
}
