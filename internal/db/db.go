package db

import (
	"context"
	_ "embed"
	"os"
	"path/filepath"

	"github.com/go-faster/errors"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"

	"github.com/Napageneral/iatimport/internal/config"
)

//go:embed schema.sql
var schemaSQL string

func init() {
	// modernc registers as "sqlite", which sqlx does not know by default.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// Schema returns the embedded schema.
func Schema() string {
	return schemaSQL
}

// Open opens the configured database. SQLite handles are limited to one
// connection so transactions never see SQLITE_BUSY from themselves.
func Open(opts config.DatabaseOptions) (*sqlx.DB, error) {
	if opts.DSN == "" {
		return nil, errors.New("db: empty dsn")
	}
	sqlite := opts.Driver == "sqlite" || opts.Driver == "sqlite3"
	if sqlite && opts.DSN != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(opts.DSN), 0o755); err != nil {
			return nil, errors.Wrap(err, "create data directory")
		}
	}

	conn, err := sqlx.Open(opts.Driver, opts.DSN)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s database", opts.Driver)
	}
	if sqlite {
		conn.SetMaxOpenConns(1)
		for _, pragma := range []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000"} {
			if _, err := conn.Exec(pragma); err != nil {
				conn.Close()
				return nil, errors.Wrapf(err, "apply %q", pragma)
			}
		}
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "connect %s database", opts.Driver)
	}
	return conn, nil
}

// Init creates the tables if needed.
func Init(ctx context.Context, conn *sqlx.DB) error {
	if _, err := conn.ExecContext(ctx, schemaSQL); err != nil {
		return errors.Wrap(err, "create schema")
	}
	return nil
}

// GetPath returns the default SQLite database path.
func GetPath() (string, error) {
	dataDir, err := config.GetDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dataDir, "iatimport.db"), nil
}
