package records

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ImportRecord pairs a record with its stable position inside its kind group.
// Index is assigned once by the tokenizer and never recomputed.
type ImportRecord struct {
	Index  int
	Record Record
}

// Kind returns the kind of the wrapped record.
func (r ImportRecord) Kind() Kind {
	if r.Record == nil {
		return ""
	}
	return r.Record.Kind()
}

type recordEnvelope struct {
	Kind  Kind            `json:"kind"`
	Index *int            `json:"index,omitempty"`
	Data  json.RawMessage `json:"data"`
}

func (r ImportRecord) MarshalJSON() ([]byte, error) {
	if r.Record == nil {
		return nil, fmt.Errorf("records: import record %d has no body", r.Index)
	}
	data, err := json.Marshal(r.Record)
	if err != nil {
		return nil, err
	}
	index := r.Index
	return json.Marshal(recordEnvelope{Kind: r.Record.Kind(), Index: &index, Data: data})
}

func (r *ImportRecord) UnmarshalJSON(raw []byte) error {
	var env recordEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return err
	}
	if !env.Kind.Valid() {
		return fmt.Errorf("records: unknown record kind %q", env.Kind)
	}
	body, err := decodeRecord(env.Kind, env.Data)
	if err != nil {
		return fmt.Errorf("records: decode %s: %w", env.Kind, err)
	}
	r.Record = body
	r.Index = -1
	if env.Index != nil {
		r.Index = *env.Index
	}
	return nil
}

func decodeRecord(k Kind, raw json.RawMessage) (Record, error) {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		raw = []byte("{}")
	}
	switch k {
	case KindTransaction:
		return decodeAs[Transaction](raw)
	case KindOrganization:
		return decodeAs[Organization](raw)
	case KindLocation:
		return decodeAs[Location](raw)
	case KindSector:
		return decodeAs[Sector](raw)
	case KindBudget:
		return decodeAs[Budget](raw)
	case KindPlannedDisbursement:
		return decodeAs[PlannedDisbursement](raw)
	case KindContact:
		return decodeAs[Contact](raw)
	case KindTag:
		return decodeAs[Tag](raw)
	case KindResult:
		return decodeAs[Result](raw)
	}
	return nil, fmt.Errorf("unhandled kind %q", k)
}

func decodeAs[T Record](raw json.RawMessage) (Record, error) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// ImportDocument is the normalized tokenizer output for one activity.
type ImportDocument struct {
	ActivityID string         `json:"activity_id"`
	Source     string         `json:"source,omitempty"`
	Records    []ImportRecord `json:"records"`
}

// Group returns the records of one kind in document order.
func (d *ImportDocument) Group(k Kind) []ImportRecord {
	var out []ImportRecord
	for _, r := range d.Records {
		if r.Kind() == k {
			out = append(out, r)
		}
	}
	return out
}

// Present returns the kinds that occur in the document, in apply order.
func (d *ImportDocument) Present() []Kind {
	seen := make(map[Kind]bool)
	for _, r := range d.Records {
		seen[r.Kind()] = true
	}
	var out []Kind
	for _, k := range Kinds {
		if seen[k] {
			out = append(out, k)
		}
	}
	return out
}

// AssignIndexes gives every record without an index its position inside
// its kind group. Explicit indexes are kept; duplicates are an error.
func (d *ImportDocument) AssignIndexes() error {
	next := make(map[Kind]int)
	used := make(map[Kind]map[int]bool)
	for i := range d.Records {
		rec := &d.Records[i]
		if rec.Record == nil {
			return fmt.Errorf("records: record %d has no body", i)
		}
		k := rec.Kind()
		if used[k] == nil {
			used[k] = make(map[int]bool)
		}
		if rec.Index < 0 {
			for used[k][next[k]] {
				next[k]++
			}
			rec.Index = next[k]
		}
		if used[k][rec.Index] {
			return fmt.Errorf("records: duplicate %s index %d", k, rec.Index)
		}
		used[k][rec.Index] = true
	}
	return nil
}

// Append adds a record at the next free index of its kind.
func (d *ImportDocument) Append(rec Record) {
	index := 0
	for _, r := range d.Records {
		if r.Kind() == rec.Kind() && r.Index >= index {
			index = r.Index + 1
		}
	}
	d.Records = append(d.Records, ImportRecord{Index: index, Record: rec})
}
