package documents

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Napageneral/iatimport/internal/testutil"
)

func TestHeadTracksSuccessfulRuns(t *testing.T) {
	ctx := context.Background()
	db := testutil.OpenTestDB(t)
	hash := HashContent([]byte(`{"activity_id":"A-1"}`))

	check, err := CheckHead(ctx, db, "A-1", "doc.json", hash)
	require.NoError(t, err)
	assert.False(t, check.Skipped)

	first, err := RecordRun(ctx, db, RunInput{
		ActivityID: "A-1", Source: "doc.json", ContentHash: hash,
		Total: 3, Imported: 3, Successful: true,
		Report: map[string]int{"total": 3},
	})
	require.NoError(t, err)
	assert.True(t, first.HeadUpdated)
	assert.Empty(t, first.PreviousRunID)

	check, err = CheckHead(ctx, db, "A-1", "doc.json", hash)
	require.NoError(t, err)
	assert.True(t, check.Skipped)
	assert.Equal(t, "content unchanged", check.Reason)
	assert.Equal(t, first.RunID, check.RunID)

	check, err = CheckHead(ctx, db, "A-1", "other.json", hash)
	require.NoError(t, err)
	assert.False(t, check.Skipped, "heads are per source")
}

func TestFailedRunDoesNotMoveHead(t *testing.T) {
	ctx := context.Background()
	db := testutil.OpenTestDB(t)
	old := HashContent([]byte("v1"))
	next := HashContent([]byte("v2"))

	_, err := RecordRun(ctx, db, RunInput{ActivityID: "A-1", ContentHash: old, Successful: true})
	require.NoError(t, err)
	failed, err := RecordRun(ctx, db, RunInput{ActivityID: "A-1", ContentHash: next, Failed: 2})
	require.NoError(t, err)
	assert.False(t, failed.HeadUpdated)
	assert.NotEmpty(t, failed.PreviousRunID)

	check, err := CheckHead(ctx, db, "A-1", "", next)
	require.NoError(t, err)
	assert.False(t, check.Skipped)
	check, err = CheckHead(ctx, db, "A-1", "", old)
	require.NoError(t, err)
	assert.True(t, check.Skipped)
}

func TestHistory(t *testing.T) {
	ctx := context.Background()
	db := testutil.OpenTestDB(t)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	var errorLog []string
	for i := 0; i < MaxErrorLog+20; i++ {
		errorLog = append(errorLog, fmt.Sprintf("sector[%d] skipped", i))
	}
	for i, activity := range []string{"A-1", "A-2", "A-1"} {
		_, err := RecordRun(ctx, db, RunInput{
			ActivityID:  activity,
			ContentHash: HashContent([]byte{byte(i)}),
			Total:       i + 1,
			ErrorLog:    errorLog,
			Timestamp:   base.Add(time.Duration(i) * time.Minute),
			Successful:  true,
		})
		require.NoError(t, err)
	}

	runs, err := History(ctx, db, "A-1", 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, 3, runs[0].Total, "newest first")
	assert.Equal(t, base.Add(2*time.Minute), runs[0].CreatedAt)
	assert.Len(t, runs[0].ErrorLog, MaxErrorLog)
	assert.Nil(t, runs[0].Report)

	all, err := History(ctx, db, "", 2)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestRecordRunRequiresIdentity(t *testing.T) {
	ctx := context.Background()
	db := testutil.OpenTestDB(t)

	_, err := RecordRun(ctx, db, RunInput{ContentHash: "x"})
	assert.ErrorIs(t, err, ErrMissingActivity)
	_, err = RecordRun(ctx, db, RunInput{ActivityID: "A-1"})
	assert.ErrorIs(t, err, ErrMissingHash)
	_, err = CheckHead(ctx, nil, "A-1", "", "x")
	assert.ErrorIs(t, err, ErrNilDB)
}
