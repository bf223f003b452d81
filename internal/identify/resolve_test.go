package identify

import (
	"context"
	"sync"
	"testing"

	"github.com/go-faster/errors"

	"github.com/Napageneral/iatimport/internal/records"
	"github.com/Napageneral/iatimport/internal/store"
	"github.com/Napageneral/iatimport/internal/store/memstore"
)

const activity = "XM-DAC-1-PROJ"

func org(id, ref, name, acronym string) records.Entity {
	p := Payload{Kind: records.KindOrganization, ExternalID: ref, Name: name, Acronym: acronym}
	return p.Entity(activity, id, records.Fields{"ref": ref, "name": name})
}

func loc(id, ref, name string, lat, lng float64) records.Entity {
	r := NewResolver(DefaultPrecision)
	p := r.LocationPayload(records.LocationRef{Ref: ref, Name: name, Latitude: &lat, Longitude: &lng})
	return p.Entity(activity, id, nil)
}

func TestReferenceWinsOverName(t *testing.T) {
	r := NewResolver(DefaultPrecision)
	candidates := []records.Entity{org("org-1", "R1", "Agency X", "")}

	res := r.Resolve(r.Payload(records.Organization{Ref: "R1", Name: "Agency Y"}), candidates)
	if res.MatchedID != "org-1" {
		t.Fatalf("expected org-1, got %q", res.MatchedID)
	}
	if res.Rule != RuleExternalRef {
		t.Errorf("expected rule %s, got %s", RuleExternalRef, res.Rule)
	}
	if len(res.Conflicts) != 1 || res.Conflicts[0].Field != "name" {
		t.Fatalf("expected one naming conflict, got %+v", res.Conflicts)
	}
	var conflictErr *ReferenceConflictError
	if !errors.As(res.Err(records.KindOrganization), &conflictErr) {
		t.Error("expected ReferenceConflictError")
	}
}

func TestNoFuzzyMatching(t *testing.T) {
	r := NewResolver(DefaultPrecision)
	candidates := []records.Entity{
		org("org-1", "", "African Development Bank", "AFDB"),
		org("org-2", "", "Agency", ""),
		org("org-3", "", "Agency B Foundation", ""),
	}
	res := r.Resolve(r.Payload(records.Organization{Name: "Agency B"}), candidates)
	if res.Matched() {
		t.Fatalf("expected no match, got %q by %s", res.MatchedID, res.Rule)
	}
	if res.Rule != RuleNone {
		t.Errorf("expected rule none, got %s", res.Rule)
	}
}

func TestNameMatchIsCaseAndSpaceInsensitive(t *testing.T) {
	r := NewResolver(DefaultPrecision)
	candidates := []records.Entity{org("org-1", "", "United Nations Development Programme", "UNDP")}

	for _, in := range []records.Organization{
		{Name: "  united nations  development programme "},
		{Acronym: "undp"},
		{Name: "UNDP"},
	} {
		res := r.Resolve(r.Payload(in), candidates)
		if res.MatchedID != "org-1" || res.Rule != RuleName {
			t.Errorf("%+v: got %q by %s", in, res.MatchedID, res.Rule)
		}
	}
}

func TestHistoricalReferences(t *testing.T) {
	r := NewResolver(DefaultPrecision)
	e := org("org-1", "", "Agency X", "")
	e.ExternalRef = "XM-OLD-1, XM-NEW-1"
	res := r.Resolve(r.Payload(records.Organization{Ref: "xm-old-1"}), []records.Entity{e})
	if res.MatchedID != "org-1" || res.Rule != RuleExternalRef {
		t.Fatalf("expected historical ref match, got %+v", res)
	}
}

func TestStoredReferenceConflict(t *testing.T) {
	r := NewResolver(DefaultPrecision)
	candidates := []records.Entity{org("org-1", "R1", "Agency X", "")}

	res := r.Resolve(r.Payload(records.Organization{Ref: "R2", Name: "Agency X"}), candidates)
	if res.MatchedID != "org-1" || res.Rule != RuleName {
		t.Fatalf("expected name match, got %+v", res)
	}
	if len(res.Conflicts) != 1 || res.Conflicts[0].Field != "ref" {
		t.Fatalf("expected reference conflict, got %+v", res.Conflicts)
	}

	unreferenced := []records.Entity{org("org-2", "", "Agency Z", "")}
	res = r.Resolve(r.Payload(records.Organization{Ref: "R3", Name: "Agency Z"}), unreferenced)
	if len(res.Conflicts) != 0 {
		t.Errorf("empty stored ref must not conflict: %+v", res.Conflicts)
	}
}

func TestLocationMatchingIgnoresPosition(t *testing.T) {
	r := NewResolver(DefaultPrecision)
	// A was deleted; only B is persisted.
	persisted := []records.Entity{loc("loc-b", "Y", "Mandalay", 21.9588, 96.0891)}

	a := r.Resolve(r.Payload(records.Location{Ref: "X", Name: "Yangon"}), persisted)
	if a.Matched() {
		t.Fatalf("A must not match B, got %+v", a)
	}
	b := r.Resolve(r.Payload(records.Location{Ref: "Y", Name: "Mandalay"}), persisted)
	if b.MatchedID != "loc-b" || b.Rule != RuleExternalRef {
		t.Fatalf("expected B by ref, got %+v", b)
	}
}

func TestCoordinatesAreLowestPriority(t *testing.T) {
	r := NewResolver(DefaultPrecision)
	candidates := []records.Entity{
		loc("loc-1", "", "", 16.866069, 96.195132),
		loc("loc-2", "L2", "", 1, 1),
	}
	lat, lng := 16.8660692, 96.1951318
	res := r.Resolve(r.Payload(records.Location{Latitude: &lat, Longitude: &lng}), candidates)
	if res.MatchedID != "loc-1" || res.Rule != RuleCoordinates {
		t.Fatalf("expected coordinate match, got %+v", res)
	}

	res = r.Resolve(r.Payload(records.Location{Ref: "L2", Latitude: &lat, Longitude: &lng}), candidates)
	if res.MatchedID != "loc-2" || res.Rule != RuleExternalRef {
		t.Fatalf("reference must win over coordinates, got %+v", res)
	}
}

func TestAmbiguousTierPicksFirst(t *testing.T) {
	r := NewResolver(DefaultPrecision)
	candidates := []records.Entity{org("org-1", "", "Ministry of Health", ""), org("org-2", "", "ministry of health", "")}
	res := r.Resolve(r.Payload(records.Organization{Name: "Ministry of Health"}), candidates)
	if res.MatchedID != "org-1" {
		t.Fatalf("expected first candidate, got %q", res.MatchedID)
	}
	if len(res.Warnings) != 1 {
		t.Errorf("expected ambiguity warning, got %v", res.Warnings)
	}
}

func TestOwnIdentityKeyWinsWithinTier(t *testing.T) {
	r := NewResolver(DefaultPrecision)
	candidates := []records.Entity{org("org-1", "R1", "Agency", ""), org("org-2", "", "Agency", "")}
	res := r.Resolve(r.Payload(records.Organization{Name: "Agency"}), candidates)
	if res.MatchedID != "org-2" {
		t.Fatalf("expected the entity stored under name:agency, got %q", res.MatchedID)
	}
	if res.Rule != RuleName {
		t.Errorf("expected rule %s, got %s", RuleName, res.Rule)
	}
}

func TestOrdinalKeysMatchOnlyTheirOwnEntity(t *testing.T) {
	r := NewResolver(DefaultPrecision)
	base := r.Payload(records.Budget{Type: "1", PeriodStart: "2024-01-01", PeriodEnd: "2024-12-31"})
	first := base.Entity(activity, "budget-1", nil)
	second := base.WithOrdinal(2).Entity(activity, "budget-2", nil)
	if base.WithOrdinal(1).NaturalKey != base.NaturalKey {
		t.Errorf("first occurrence keeps the plain key, got %q", base.WithOrdinal(1).NaturalKey)
	}

	res := r.Resolve(base.WithOrdinal(2), []records.Entity{first, second})
	if res.MatchedID != "budget-2" {
		t.Fatalf("expected budget-2, got %+v", res)
	}
	res = r.Resolve(base, []records.Entity{second})
	if res.Matched() {
		t.Fatalf("plain key must not match an ordinal entity, got %+v", res)
	}
}

func TestNaturalKeyMatching(t *testing.T) {
	r := NewResolver(DefaultPrecision)
	p := r.Payload(records.Budget{Type: "1", PeriodStart: "2024-01-01", PeriodEnd: "2024-12-31"})
	stored := p.Entity(activity, "budget-1", nil)
	res := r.Resolve(r.Payload(records.Budget{Type: "1", PeriodStart: "2024-01-01", PeriodEnd: "2024-12-31", Status: "2"}), []records.Entity{stored})
	if res.MatchedID != "budget-1" || res.Rule != RuleNaturalKey {
		t.Fatalf("expected natural key match, got %+v", res)
	}
	res = r.Resolve(r.Payload(records.Budget{Type: "2", PeriodStart: "2024-01-01", PeriodEnd: "2024-12-31"}), []records.Entity{stored})
	if res.Matched() {
		t.Fatalf("revised budget must not match original, got %+v", res)
	}
}

func TestCacheReservesOnce(t *testing.T) {
	r := NewResolver(DefaultPrecision)
	c := NewCache()
	p := r.OrgPayload(&records.OrgRef{Ref: "XM-NEW", Name: "New Partner"})

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ids      = make(map[string]bool)
		reserved int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := c.ResolveOrReserve(r, activity, p, nil, nil)
			mu.Lock()
			defer mu.Unlock()
			ids[res.MatchedID] = true
			if res.Reserved {
				reserved++
			}
		}()
	}
	wg.Wait()

	if len(ids) != 1 {
		t.Fatalf("expected one id, got %d", len(ids))
	}
	if reserved != 1 {
		t.Fatalf("expected one reservation, got %d", reserved)
	}
	byName := c.Lookup(r, r.OrgPayload(&records.OrgRef{Name: "new partner"}), nil)
	if !ids[byName.MatchedID] {
		t.Errorf("name lookup did not find the reservation: %+v", byName)
	}
}

func TestCreateRetriesOnceOnRace(t *testing.T) {
	ctx := context.Background()
	r := NewResolver(DefaultPrecision)
	s := memstore.New()
	p := r.OrgPayload(&records.OrgRef{Ref: "R9", Name: "Agency Nine"})
	winner := p.Entity(activity, "winner", records.Fields{"ref": "R9"})
	s.SetFault(memstore.Fault{Race: func(e records.Entity) *records.Entity {
		if e.ID == "winner" {
			return nil
		}
		return &winner
	}})

	got, err := r.Create(ctx, s, p.Entity(activity, "loser", nil), p)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got.ID != "winner" || got.Created || !got.Retried {
		t.Fatalf("expected adopted winner, got %+v", got)
	}
}

func TestCreateRaceWithoutMatchFails(t *testing.T) {
	ctx := context.Background()
	r := NewResolver(DefaultPrecision)
	s := memstore.New()
	s.SetFault(memstore.Fault{Race: func(e records.Entity) *records.Entity {
		other := Payload{Kind: e.Kind, Name: "Somebody Else"}.Entity(e.ActivityID, "other", nil)
		return &other
	}})
	p := r.OrgPayload(&records.OrgRef{Ref: "R9"})

	_, err := r.Create(ctx, s, p.Entity(activity, "mine", nil), p)
	if !errors.Is(err, ErrRaceUnresolved) {
		t.Fatalf("expected ErrRaceUnresolved, got %v", err)
	}
}

func TestCreatePassesThroughWriteErrors(t *testing.T) {
	ctx := context.Background()
	r := NewResolver(DefaultPrecision)
	s := memstore.New()
	boom := errors.New("disk full")
	s.SetFault(memstore.Fault{Write: func(string, records.Kind, string) error { return boom }})
	p := r.OrgPayload(&records.OrgRef{Ref: "R1"})

	_, err := r.Create(ctx, s, p.Entity(activity, "x", nil), p)
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped write error, got %v", err)
	}
	if errors.Is(err, store.ErrUniqueViolation) {
		t.Fatal("write error must not look like a race")
	}
}
