package importer

import (
	"context"
	"testing"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Napageneral/iatimport/internal/config"
	"github.com/Napageneral/iatimport/internal/metrics"
	"github.com/Napageneral/iatimport/internal/reconcile"
	"github.com/Napageneral/iatimport/internal/records"
	"github.com/Napageneral/iatimport/internal/store/memstore"
	"github.com/Napageneral/iatimport/internal/store/sqlstore"
	"github.com/Napageneral/iatimport/internal/testutil"
)

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func sectorDoc(percentages ...string) *records.ImportDocument {
	codes := []string{"11220", "12220", "15110"}
	d := &records.ImportDocument{ActivityID: " XM-DAC-41114-PROJ-1 "}
	for i, p := range percentages {
		d.Append(records.Sector{Code: codes[i], Percentage: dec(p)})
	}
	return d
}

func TestValidateIsReadOnly(t *testing.T) {
	s := memstore.New()
	imp := New(s, Options{})

	results, err := imp.Validate(context.Background(), sectorDoc("60", "32"))
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.False(t, r.OK)
		assert.Contains(t, r.Strings()[0], "percentages sum to 92, not 100")
	}
	assert.Zero(t, s.Len("XM-DAC-41114-PROJ-1", records.KindSector))
}

func TestResolveThenApply(t *testing.T) {
	ctx := context.Background()
	rec := metrics.NewRecorder()
	opts, err := OptionsFromConfig(config.Default(), rec)
	require.NoError(t, err)
	imp := New(sqlstore.New(testutil.OpenTestDB(t)), opts)

	plan, err := imp.Resolve(ctx, sectorDoc("60", "40"))
	require.NoError(t, err)
	assert.Equal(t, 2, plan.Counts()[reconcile.ActionCreate])

	rep, err := imp.Apply(ctx, plan)
	require.NoError(t, err)
	assert.Equal(t, []string{"2 of 2 sectors imported"}, rep.Summary())

	plan, rep, err = imp.Import(ctx, sectorDoc("60", "40"))
	require.NoError(t, err)
	assert.Equal(t, 2, plan.Counts()[reconcile.ActionNoop])
	assert.Equal(t, 2, rep.PerKind[records.KindSector].Matched)
}

func TestOverrideIncludesNonCompliantItem(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	imp := New(s, Options{Workers: 2})

	plan, err := imp.Resolve(ctx, sectorDoc("60", "32"))
	require.NoError(t, err)
	require.NoError(t, plan.Select(records.KindSector, 0, true))

	rep, err := imp.Apply(ctx, plan)
	require.NoError(t, err)
	kr := rep.PerKind[records.KindSector]
	assert.Equal(t, 1, kr.Imported)
	assert.Equal(t, 1, kr.Skipped)
	assert.Contains(t, rep.Summary()[0], "1 of 2 sectors imported; item 0 created: percentage: percentages sum to 92, not 100; item 1 skipped:")
	assert.Equal(t, 1, s.Len("XM-DAC-41114-PROJ-1", records.KindSector))
}

func TestFailFast(t *testing.T) {
	imp := New(memstore.New(), Options{})
	ctx := context.Background()

	_, err := imp.Resolve(ctx, nil)
	assert.True(t, errors.Is(err, ErrNilDocument))
	_, err = imp.Resolve(ctx, &records.ImportDocument{ActivityID: "  "})
	assert.True(t, errors.Is(err, ErrMissingActivity))
	_, err = imp.Apply(ctx, nil)
	assert.True(t, errors.Is(err, ErrNilPlan))
}
