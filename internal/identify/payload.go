package identify

import (
	"fmt"
	"math"
	"strings"

	"github.com/Napageneral/iatimport/internal/contacts"
	"github.com/Napageneral/iatimport/internal/records"
)

// Point is a coordinate pair rounded to the resolver's precision.
type Point struct {
	Lat float64
	Lng float64
}

func (p Point) String() string {
	return fmt.Sprintf("%g,%g", p.Lat, p.Lng)
}

// Payload is the identity a record or cross-reference carries.
type Payload struct {
	Kind        records.Kind
	ExternalID  string
	Name        string
	Acronym     string
	NaturalKey  string
	Coordinates *Point
}

// Names returns the non-empty display name and acronym.
func (p Payload) Names() []string {
	var out []string
	if p.Name != "" {
		out = append(out, p.Name)
	}
	if p.Acronym != "" {
		out = append(out, p.Acronym)
	}
	return out
}

// Empty reports whether the payload has nothing to match on.
func (p Payload) Empty() bool {
	return p.ExternalID == "" && p.Name == "" && p.Acronym == "" && p.NaturalKey == "" && p.Coordinates == nil
}

// IdentityKey is the normalized primary identity: the highest-priority key
// the payload carries. It backs the in-run cache and the storage uniqueness
// constraint.
func (p Payload) IdentityKey() string {
	switch {
	case p.ExternalID != "":
		return "ref:" + normalize(p.ExternalID)
	case p.Name != "":
		return "name:" + normalize(p.Name)
	case p.Acronym != "":
		return "name:" + normalize(p.Acronym)
	case p.NaturalKey != "":
		return "key:" + p.NaturalKey
	case p.Coordinates != nil:
		return "geo:" + p.Coordinates.String()
	}
	return ""
}

func (p Payload) label() string {
	for _, v := range []string{p.ExternalID, p.Name, p.Acronym, p.NaturalKey} {
		if v != "" {
			return v
		}
	}
	if p.Coordinates != nil {
		return p.Coordinates.String()
	}
	return "(anonymous)"
}

// WithOrdinal returns p with its natural key qualified by n, telling apart
// records of one group that share a key but differ in content. The first
// occurrence (n <= 1) keeps the bare key.
func (p Payload) WithOrdinal(n int) Payload {
	if n > 1 && p.NaturalKey != "" {
		p.NaturalKey = fmt.Sprintf("%s#%d", p.NaturalKey, n)
	}
	return p
}

// Entity builds the persisted form of a payload.
func (p Payload) Entity(activityID, id string, fields records.Fields) records.Entity {
	e := records.Entity{
		ID:          id,
		ActivityID:  activityID,
		Kind:        p.Kind,
		ExternalRef: strings.TrimSpace(p.ExternalID),
		Name:        p.Name,
		Acronym:     p.Acronym,
		NaturalKey:  p.NaturalKey,
		IdentityKey: p.IdentityKey(),
		Fields:      fields,
	}
	if e.IdentityKey == "" {
		e.IdentityKey = "id:" + id
	}
	if p.Coordinates != nil {
		lat, lng := p.Coordinates.Lat, p.Coordinates.Lng
		e.Latitude, e.Longitude = &lat, &lng
	}
	return e
}

// clean trims s and collapses inner whitespace.
func clean(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func normalize(s string) string {
	return strings.ToLower(clean(s))
}

func joinKey(parts ...string) string {
	for i := range parts {
		parts[i] = normalize(parts[i])
	}
	return strings.Join(parts, "|")
}

func (r *Resolver) round(v float64) float64 {
	scale := math.Pow(10, float64(r.precision))
	return math.Round(v*scale) / scale
}

func (r *Resolver) point(lat, lng *float64) *Point {
	if lat == nil || lng == nil {
		return nil
	}
	return &Point{Lat: r.round(*lat), Lng: r.round(*lng)}
}

// Payload derives the identity of a record.
func (r *Resolver) Payload(rec records.Record) Payload {
	switch v := rec.(type) {
	case records.Organization:
		return Payload{Kind: records.KindOrganization, ExternalID: strings.TrimSpace(v.Ref), Name: clean(v.Name), Acronym: clean(v.Acronym)}
	case records.Location:
		return Payload{Kind: records.KindLocation, ExternalID: strings.TrimSpace(v.Ref), Name: clean(v.Name), Coordinates: r.point(v.Latitude, v.Longitude)}
	case records.Transaction:
		value := ""
		if v.Value != nil {
			value = v.Value.String()
		}
		return Payload{Kind: records.KindTransaction, ExternalID: strings.TrimSpace(v.Ref), NaturalKey: joinKey(v.Type, v.Date, value, v.Currency, orgLabel(v.Provider), orgLabel(v.Receiver))}
	case records.Sector:
		return Payload{Kind: records.KindSector, NaturalKey: joinKey(v.Vocabulary, v.Code)}
	case records.Budget:
		return Payload{Kind: records.KindBudget, NaturalKey: joinKey(v.Type, v.PeriodStart, v.PeriodEnd)}
	case records.PlannedDisbursement:
		return Payload{Kind: records.KindPlannedDisbursement, NaturalKey: joinKey(v.Type, v.PeriodStart, v.PeriodEnd, orgLabel(v.Provider), orgLabel(v.Receiver))}
	case records.Contact:
		return Payload{Kind: records.KindContact, NaturalKey: contacts.Key(contacts.Normalize(v))}
	case records.Tag:
		return Payload{Kind: records.KindTag, NaturalKey: joinKey(v.Vocabulary, v.Code)}
	case records.Result:
		return Payload{Kind: records.KindResult, ExternalID: strings.TrimSpace(v.Ref), NaturalKey: joinKey(v.Type, v.Title)}
	}
	return Payload{}
}

// OrgPayload derives the identity of an organization cross-reference.
func (r *Resolver) OrgPayload(ref *records.OrgRef) Payload {
	if ref.Empty() {
		return Payload{}
	}
	return Payload{Kind: records.KindOrganization, ExternalID: strings.TrimSpace(ref.Ref), Name: clean(ref.Name), Acronym: clean(ref.Acronym)}
}

// LocationPayload derives the identity of a location cross-reference.
func (r *Resolver) LocationPayload(ref records.LocationRef) Payload {
	return Payload{Kind: records.KindLocation, ExternalID: strings.TrimSpace(ref.Ref), Name: clean(ref.Name), Coordinates: r.point(ref.Latitude, ref.Longitude)}
}

func orgLabel(ref *records.OrgRef) string {
	if ref.Empty() {
		return ""
	}
	for _, v := range []string{ref.Ref, ref.Name, ref.Acronym} {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
