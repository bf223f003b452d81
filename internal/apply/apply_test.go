package apply

import (
	"context"
	"testing"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Napageneral/iatimport/internal/metrics"
	"github.com/Napageneral/iatimport/internal/reconcile"
	"github.com/Napageneral/iatimport/internal/records"
	"github.com/Napageneral/iatimport/internal/report"
	"github.com/Napageneral/iatimport/internal/store"
	"github.com/Napageneral/iatimport/internal/store/memstore"
	"github.com/Napageneral/iatimport/internal/store/sqlstore"
	"github.com/Napageneral/iatimport/internal/testutil"
)

const activity = "XM-DAC-41114-PROJ-1"

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func doc(recs ...records.Record) *records.ImportDocument {
	d := &records.ImportDocument{ActivityID: activity}
	for _, r := range recs {
		d.Append(r)
	}
	return d
}

func txn(ref, provider string) records.Transaction {
	t := records.Transaction{Ref: ref, Type: "3", Date: "2024-03-01", Value: dec("1000"), Currency: "USD"}
	if provider != "" {
		t.Provider = &records.OrgRef{Ref: provider}
	}
	return t
}

func mixedDocument() *records.ImportDocument {
	lat, lng := 16.8661, 96.1951
	return doc(
		records.Organization{Ref: "XM-DAC-41114", Name: "UNDP", Type: "40", Role: "1"},
		records.Location{Ref: "LOC-1", Name: "Yangon", Latitude: &lat, Longitude: &lng},
		txn("T-1", "XM-DAC-41114"),
		txn("T-2", "XM-NEW-ORG"),
		records.Sector{Code: "11220", Percentage: dec("60")},
		records.Sector{Code: "12220", Percentage: dec("40")},
		records.Budget{Type: "1", Status: "2", PeriodStart: "2024-01-01", PeriodEnd: "2024-12-31", Value: dec("5000"), ValueDate: "2024-01-01"},
		records.Contact{Type: "1", PersonName: "Jane Doe", Email: "jane@example.org"},
		records.Tag{Vocabulary: "2", Code: "3"},
		records.Result{Type: "1", Title: "Clinics built", Locations: []records.LocationRef{{Ref: "LOC-1"}}},
	)
}

func planFor(t *testing.T, ctx context.Context, s store.Store, d *records.ImportDocument) *reconcile.Plan {
	t.Helper()
	snap, err := reconcile.LoadSnapshot(ctx, s, d.ActivityID, 2)
	require.NoError(t, err)
	plan, err := reconcile.New().Reconcile(ctx, d, snap)
	require.NoError(t, err)
	return plan
}

func importDoc(t *testing.T, s store.Store, d *records.ImportDocument, opts ...Option) *report.Report {
	t.Helper()
	ctx := context.Background()
	rep, err := New(s, opts...).Apply(ctx, planFor(t, ctx, s, d))
	require.NoError(t, err)
	return rep
}

func find(t *testing.T, s store.Store, kind records.Kind) []records.Entity {
	t.Helper()
	found, err := s.Find(context.Background(), activity, kind, store.Criteria{})
	require.NoError(t, err)
	return found
}

func stores(t *testing.T) map[string]store.Store {
	return map[string]store.Store{
		"memstore": memstore.New(),
		"sqlstore": sqlstore.New(testutil.OpenTestDB(t)),
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			first := importDoc(t, s, mixedDocument())
			assert.False(t, first.Failed())
			txns := first.PerKind[records.KindTransaction]
			assert.Equal(t, 2, txns.Created)
			assert.Equal(t, 2, txns.Imported)
			orgs := first.PerKind[records.KindOrganization]
			assert.Equal(t, 1, orgs.Created)
			assert.Equal(t, 1, orgs.AutoCreated)
			assert.Len(t, first.Created, 11)

			assert.Len(t, find(t, s, records.KindOrganization), 2)
			assert.Len(t, find(t, s, records.KindSector), 2)

			second := importDoc(t, s, mixedDocument())
			assert.Empty(t, second.Created)
			total, imported, skipped := second.Counts()
			assert.Equal(t, 10, total)
			assert.Equal(t, 10, imported)
			assert.Zero(t, skipped)
			for kind, kr := range second.PerKind {
				assert.Equal(t, kr.Total, kr.Matched, "kind %s", kind)
				assert.Zero(t, kr.Removed, "kind %s", kind)
			}
			assert.Len(t, find(t, s, records.KindOrganization), 2)
			assert.Len(t, find(t, s, records.KindTransaction), 2)
		})
	}
}

func TestReimportKeepsRefLessRecords(t *testing.T) {
	withRef := txn("T-1", "")
	noRef := txn("", "")
	noRef.Description = "Second tranche"
	toOther := txn("", "")
	toOther.Receiver = &records.OrgRef{Name: "Partner B"}
	result := records.Result{Ref: "R-1", Type: "1", Title: "Clinics built"}
	resultNoRef := records.Result{Type: "1", Title: "Clinics built", Description: "Phase two"}

	orders := map[string][]records.Record{
		"ref first":    {withRef, noRef, toOther, result, resultNoRef},
		"no ref first": {noRef, toOther, withRef, resultNoRef, result},
	}
	for order, recs := range orders {
		for name, s := range stores(t) {
			t.Run(order+"/"+name, func(t *testing.T) {
				first := importDoc(t, s, doc(recs...), WithPrune(true))
				require.False(t, first.Failed())
				assert.Equal(t, 3, first.PerKind[records.KindTransaction].Created)
				assert.Equal(t, 2, first.PerKind[records.KindResult].Created)

				second := importDoc(t, s, doc(recs...), WithPrune(true))
				require.False(t, second.Failed())
				for _, kind := range []records.Kind{records.KindTransaction, records.KindResult} {
					kr := second.PerKind[kind]
					assert.Zero(t, kr.Created, "kind %s", kind)
					assert.Equal(t, kr.Total, kr.Matched, "kind %s", kind)
					assert.Zero(t, kr.Removed, "kind %s", kind)
				}
				assert.Equal(t, 3, second.PerKind[records.KindTransaction].Matched)
				assert.Equal(t, 2, second.PerKind[records.KindResult].Matched)
				assert.Len(t, find(t, s, records.KindTransaction), 3)
				assert.Len(t, find(t, s, records.KindResult), 2)
			})
		}
	}
}

func TestCrossReferencesPointAtCreatedEntities(t *testing.T) {
	s := memstore.New()
	importDoc(t, s, mixedDocument())

	orgs := find(t, s, records.KindOrganization)
	byRef := make(map[string]string)
	for _, o := range orgs {
		byRef[o.ExternalRef] = o.ID
	}
	for _, tx := range find(t, s, records.KindTransaction) {
		switch tx.ExternalRef {
		case "T-1":
			assert.Equal(t, byRef["XM-DAC-41114"], tx.Fields["provider_org_id"])
		case "T-2":
			assert.Equal(t, byRef["XM-NEW-ORG"], tx.Fields["provider_org_id"])
		}
	}

	locs := find(t, s, records.KindLocation)
	require.Len(t, locs, 1)
	results := find(t, s, records.KindResult)
	require.Len(t, results, 1)
	assert.Equal(t, locs[0].ID, results[0].Fields["location_ids"])
}

func TestLostRaceAdoptsWinner(t *testing.T) {
	s := memstore.New()
	fired := false
	s.SetFault(memstore.Fault{Race: func(e records.Entity) *records.Entity {
		if fired || e.Kind != records.KindOrganization || e.ExternalRef != "XM-NEW-ORG" {
			return nil
		}
		fired = true
		winner := e
		winner.ID = "winner"
		winner.Fields = records.Fields{"ref": "XM-NEW-ORG"}
		return &winner
	}})

	rec := metrics.NewRecorder()
	rep := importDoc(t, s, doc(txn("T-2", "XM-NEW-ORG")), WithMetrics(rec))
	assert.False(t, rep.Failed())
	assert.Zero(t, rep.PerKind[records.KindOrganization].AutoCreated)

	orgs := find(t, s, records.KindOrganization)
	require.Len(t, orgs, 1)
	assert.Equal(t, "winner", orgs[0].ID)

	txns := find(t, s, records.KindTransaction)
	require.Len(t, txns, 1)
	assert.Equal(t, "winner", txns[0].Fields["provider_org_id"])
}

func TestGroupFailureRollsBackOnlyThatGroup(t *testing.T) {
	s := memstore.New()
	s.SetFault(memstore.Fault{Write: func(op string, kind records.Kind, id string) error {
		if kind == records.KindSector && op == "create" {
			return errors.New("disk full")
		}
		return nil
	}})

	rep := importDoc(t, s, mixedDocument())
	assert.True(t, rep.Failed())

	sectors := rep.PerKind[records.KindSector]
	assert.Contains(t, sectors.GroupError, "disk full")
	assert.Zero(t, sectors.Imported)
	require.Len(t, sectors.Errors, 2)
	assert.Equal(t, report.OutcomeFailed, sectors.Errors[0].Status)

	assert.Empty(t, find(t, s, records.KindSector))
	assert.Len(t, find(t, s, records.KindTransaction), 2)
	assert.Len(t, find(t, s, records.KindBudget), 1)
}

func TestDependentsOfFailedGroupFail(t *testing.T) {
	s := memstore.New()
	s.SetFault(memstore.Fault{Write: func(op string, kind records.Kind, id string) error {
		if kind == records.KindOrganization {
			return errors.New("constraint check failed")
		}
		return nil
	}})

	rep := importDoc(t, s, mixedDocument())
	txns := rep.PerKind[records.KindTransaction]
	assert.Zero(t, txns.Imported)
	require.Len(t, txns.Errors, 2)
	for _, e := range txns.Errors {
		assert.Equal(t, report.OutcomeFailed, e.Status)
		assert.Contains(t, e.Messages, "referenced organization was not created")
	}
	assert.Empty(t, txns.GroupError)
	assert.Empty(t, find(t, s, records.KindTransaction))
	assert.Len(t, find(t, s, records.KindSector), 2)
}

func TestCancellationStopsBetweenGroups(t *testing.T) {
	s := memstore.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.SetFault(memstore.Fault{Write: func(op string, kind records.Kind, id string) error {
		if kind == records.KindSector {
			cancel()
		}
		return nil
	}})

	plan := planFor(t, context.Background(), s, mixedDocument())
	rep, err := New(s).Apply(ctx, plan)
	require.NoError(t, err)

	assert.Equal(t, 2, rep.PerKind[records.KindSector].Created, "a started group runs to commit")
	assert.Len(t, find(t, s, records.KindSector), 2)
	for _, kind := range []records.Kind{records.KindBudget, records.KindContact, records.KindTag, records.KindResult} {
		assert.Equal(t, "cancelled", rep.PerKind[kind].GroupError, "kind %s", kind)
		assert.Empty(t, find(t, s, kind), "kind %s", kind)
	}
}

func TestPruneRemovesEntitiesMissingFromDocument(t *testing.T) {
	s := memstore.New()
	importDoc(t, s, mixedDocument())

	next := doc(records.Sector{Code: "11220", Percentage: dec("100")})
	rep := importDoc(t, s, next)

	sectors := rep.PerKind[records.KindSector]
	assert.Equal(t, 1, sectors.Updated)
	assert.Equal(t, 1, sectors.Removed)

	left := find(t, s, records.KindSector)
	require.Len(t, left, 1)
	assert.Equal(t, "100", left[0].Fields["percentage"])
	assert.Len(t, find(t, s, records.KindTransaction), 2, "kinds absent from the document are left alone")
	assert.Len(t, find(t, s, records.KindOrganization), 2)
}

func TestPruneDisabled(t *testing.T) {
	s := memstore.New()
	importDoc(t, s, mixedDocument())

	rep := importDoc(t, s, doc(records.Sector{Code: "11220", Percentage: dec("100")}), WithPrune(false))
	assert.Zero(t, rep.PerKind[records.KindSector].Removed)
	assert.Len(t, find(t, s, records.KindSector), 2)
}

func TestPruneKeepsReferencedLocations(t *testing.T) {
	s := memstore.New()
	importDoc(t, s, mixedDocument())

	lat, lng := 21.9588, 96.0891
	next := doc(
		records.Location{Ref: "LOC-2", Name: "Mandalay", Latitude: &lat, Longitude: &lng},
		records.Result{Type: "1", Title: "Clinics built", Locations: []records.LocationRef{{Ref: "LOC-1"}}},
	)
	rep := importDoc(t, s, next)
	assert.Zero(t, rep.PerKind[records.KindLocation].Removed)
	assert.Len(t, find(t, s, records.KindLocation), 2)
}

func TestDeletedEntityIsRecreated(t *testing.T) {
	s := memstore.New()
	importDoc(t, s, mixedDocument())

	locs := find(t, s, records.KindLocation)
	require.Len(t, locs, 1)
	require.NoError(t, s.Delete(context.Background(), activity, records.KindLocation, locs[0].ID))

	rep := importDoc(t, s, mixedDocument())
	assert.Equal(t, 1, rep.PerKind[records.KindLocation].Created)

	locs = find(t, s, records.KindLocation)
	require.Len(t, locs, 1)
	results := find(t, s, records.KindResult)
	require.Len(t, results, 1)
	assert.Equal(t, locs[0].ID, results[0].Fields["location_ids"])
}

func TestUnselectedItemsAreSkipped(t *testing.T) {
	s := memstore.New()
	ctx := context.Background()
	d := doc(
		records.Sector{Code: "11220", Percentage: dec("40")},
		records.Sector{Code: "12220", Percentage: dec("35")},
	)

	plan := planFor(t, ctx, s, d)
	rep, err := New(s).Apply(ctx, plan)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.PerKind[records.KindSector].Skipped)
	assert.Empty(t, find(t, s, records.KindSector))

	plan = planFor(t, ctx, s, d)
	require.NoError(t, plan.Select(records.KindSector, 1, true))
	rep, err = New(s).Apply(ctx, plan)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.PerKind[records.KindSector].Created)
	assert.Len(t, find(t, s, records.KindSector), 1)
}

func TestApplyNilPlan(t *testing.T) {
	_, err := New(memstore.New()).Apply(context.Background(), nil)
	assert.True(t, errors.Is(err, ErrNilPlan))
}
