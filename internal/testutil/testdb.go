package testutil

import (
	"context"
	"testing"

	"github.com/jmoiron/sqlx"

	"github.com/Napageneral/iatimport/internal/config"
	"github.com/Napageneral/iatimport/internal/db"
)

// OpenTestDB opens an in-memory SQLite DB (modernc) and applies the schema.
func OpenTestDB(t *testing.T) *sqlx.DB {
	t.Helper()

	conn, err := db.Open(config.DatabaseOptions{Driver: "sqlite", DSN: ":memory:"})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.Init(context.Background(), conn); err != nil {
		conn.Close()
		t.Fatalf("apply schema: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}
