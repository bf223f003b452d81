// Package documents is the import ledger. Every applied document is stored
// as an immutable run, and document_heads tracks the last content applied
// successfully per activity and source.
package documents

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// MaxErrorLog caps the error log stored with a run.
const MaxErrorLog = 100

var (
	ErrNilDB           = errors.New("documents: db is nil")
	ErrMissingActivity = errors.New("documents: activity id is required")
	ErrMissingHash     = errors.New("documents: content hash is required")
)

// HashContent returns the hex sha256 of a raw document.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// CheckHead compares contentHash with the last successfully applied
// content for the activity and source. Skipped is set when they match.
func CheckHead(ctx context.Context, db *sqlx.DB, activityID, source, contentHash string) (HeadCheck, error) {
	if db == nil {
		return HeadCheck{}, ErrNilDB
	}
	check := HeadCheck{ContentHash: contentHash}
	var head struct {
		ContentHash string `db:"content_hash"`
		RunID       string `db:"run_id"`
	}
	err := db.GetContext(ctx, &head, db.Rebind(`
		SELECT content_hash, run_id
		FROM document_heads
		WHERE activity_id = ? AND source = ?
	`), activityID, source)
	if errors.Is(err, sql.ErrNoRows) {
		return check, nil
	}
	if err != nil {
		return check, errors.Wrap(err, "documents: query head")
	}
	check.RunID = head.RunID
	if head.ContentHash == contentHash {
		check.Skipped = true
		check.Reason = "content unchanged"
	}
	return check, nil
}

// RecordRun stores a run and, when it succeeded, moves the head to it.
func RecordRun(ctx context.Context, db *sqlx.DB, input RunInput) (RunResult, error) {
	if db == nil {
		return RunResult{}, ErrNilDB
	}
	if input.ActivityID == "" {
		return RunResult{}, ErrMissingActivity
	}
	if input.ContentHash == "" {
		return RunResult{}, ErrMissingHash
	}

	timestamp := input.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	errorLog := input.ErrorLog
	if len(errorLog) > MaxErrorLog {
		errorLog = errorLog[:MaxErrorLog]
	}
	if errorLog == nil {
		errorLog = []string{}
	}
	errorLogJSON, err := json.Marshal(errorLog)
	if err != nil {
		return RunResult{}, errors.Wrap(err, "documents: marshal error log")
	}
	reportJSON, err := marshalReport(input.Report)
	if err != nil {
		return RunResult{}, errors.Wrap(err, "documents: marshal report")
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return RunResult{}, errors.Wrap(err, "documents: begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	var previousRunID sql.NullString
	err = tx.GetContext(ctx, &previousRunID, tx.Rebind(`
		SELECT run_id FROM document_heads WHERE activity_id = ? AND source = ?
	`), input.ActivityID, input.Source)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return RunResult{}, errors.Wrap(err, "documents: query head")
	}

	runID := uuid.NewString()
	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO import_runs (
			id, activity_id, source, content_hash, total, imported, failed,
			error_log, report_json, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), runID, input.ActivityID, input.Source, input.ContentHash, input.Total, input.Imported,
		input.Failed, string(errorLogJSON), reportJSON, timestamp.UnixNano())
	if err != nil {
		return RunResult{}, errors.Wrap(err, "documents: insert run")
	}

	if input.Successful {
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO document_heads (activity_id, source, content_hash, run_id, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (activity_id, source) DO UPDATE SET
				content_hash = excluded.content_hash,
				run_id = excluded.run_id,
				updated_at = excluded.updated_at
		`), input.ActivityID, input.Source, input.ContentHash, runID, timestamp.UnixNano())
		if err != nil {
			return RunResult{}, errors.Wrap(err, "documents: upsert head")
		}
	}

	if err := tx.Commit(); err != nil {
		return RunResult{}, errors.Wrap(err, "documents: commit")
	}

	return RunResult{
		RunID:         runID,
		ContentHash:   input.ContentHash,
		HeadUpdated:   input.Successful,
		PreviousRunID: previousRunID.String,
	}, nil
}

func marshalReport(report any) (string, error) {
	if report == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(report)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
