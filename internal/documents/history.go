package documents

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"github.com/jmoiron/sqlx"
)

// History lists recorded runs, newest first. An empty activityID lists
// every activity. limit <= 0 means no limit.
func History(ctx context.Context, db *sqlx.DB, activityID string, limit int) ([]Run, error) {
	if db == nil {
		return nil, ErrNilDB
	}
	query := `
		SELECT id, activity_id, source, content_hash, total, imported, failed,
			error_log, report_json, created_at
		FROM import_runs`
	var args []any
	if activityID != "" {
		query += ` WHERE activity_id = ?`
		args = append(args, activityID)
	}
	query += ` ORDER BY created_at DESC, id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var rows []runRow
	if err := db.SelectContext(ctx, &rows, db.Rebind(query), args...); err != nil {
		return nil, errors.Wrap(err, "documents: query runs")
	}
	out := make([]Run, 0, len(rows))
	for _, row := range rows {
		run := row.Run
		run.CreatedAt = time.Unix(0, row.CreatedUnix).UTC()
		if row.ErrorLogJSON != "" {
			if err := json.Unmarshal([]byte(row.ErrorLogJSON), &run.ErrorLog); err != nil {
				return nil, errors.Wrapf(err, "documents: decode error log of run %s", run.ID)
			}
		}
		if row.ReportJSON != "" && row.ReportJSON != "{}" {
			run.Report = json.RawMessage(row.ReportJSON)
		}
		out = append(out, run)
	}
	return out, nil
}
