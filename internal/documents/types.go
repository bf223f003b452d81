package documents

import (
	"encoding/json"
	"time"
)

// RunInput describes one applied document to be recorded in the ledger.
// Source is a stable name for where the document came from (ex: a file
// path); together with ActivityID it keys the content head.
type RunInput struct {
	ActivityID  string
	Source      string
	ContentHash string
	Total       int
	Imported    int
	Failed      int
	ErrorLog    []string
	Report      any
	// Successful runs advance the head; failed ones are recorded only.
	Successful bool
	Timestamp  time.Time
}

// RunResult reports how the run was recorded.
type RunResult struct {
	RunID         string `json:"run_id"`
	ContentHash   string `json:"content_hash"`
	HeadUpdated   bool   `json:"head_updated"`
	PreviousRunID string `json:"previous_run_id,omitempty"`
}

// HeadCheck reports whether a document's content was already applied.
type HeadCheck struct {
	ContentHash string `json:"content_hash"`
	Skipped     bool   `json:"skipped"`
	Reason      string `json:"reason,omitempty"`
	RunID       string `json:"run_id,omitempty"`
}

// Run is one ledger row.
type Run struct {
	ID          string          `db:"id" json:"id"`
	ActivityID  string          `db:"activity_id" json:"activity_id"`
	Source      string          `db:"source" json:"source"`
	ContentHash string          `db:"content_hash" json:"content_hash"`
	Total       int             `db:"total" json:"total"`
	Imported    int             `db:"imported" json:"imported"`
	Failed      int             `db:"failed" json:"failed"`
	ErrorLog    []string        `db:"-" json:"error_log,omitempty"`
	Report      json.RawMessage `db:"-" json:"report,omitempty"`
	CreatedAt   time.Time       `db:"-" json:"created_at"`
}

type runRow struct {
	Run
	ErrorLogJSON string `db:"error_log"`
	ReportJSON   string `db:"report_json"`
	CreatedUnix  int64  `db:"created_at"`
}
