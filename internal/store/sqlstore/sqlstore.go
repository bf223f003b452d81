// Package sqlstore implements the persistence boundary on database/sql via
// sqlx. It runs on SQLite (modernc or mattn) and Postgres (pgx).
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"

	"github.com/Napageneral/iatimport/internal/records"
	"github.com/Napageneral/iatimport/internal/store"
)

const entityColumns = `id, activity_id, kind, external_ref, name, acronym, natural_key,
	latitude, longitude, identity_key, fields_json, created_at, updated_at`

type entityRow struct {
	ID          string          `db:"id"`
	ActivityID  string          `db:"activity_id"`
	Kind        string          `db:"kind"`
	ExternalRef string          `db:"external_ref"`
	Name        string          `db:"name"`
	Acronym     string          `db:"acronym"`
	NaturalKey  string          `db:"natural_key"`
	Latitude    sql.NullFloat64 `db:"latitude"`
	Longitude   sql.NullFloat64 `db:"longitude"`
	IdentityKey string          `db:"identity_key"`
	FieldsJSON  string          `db:"fields_json"`
	CreatedAt   int64           `db:"created_at"`
	UpdatedAt   int64           `db:"updated_at"`
}

func (r entityRow) entity() (records.Entity, error) {
	e := records.Entity{
		ID:          r.ID,
		ActivityID:  r.ActivityID,
		Kind:        records.Kind(r.Kind),
		ExternalRef: r.ExternalRef,
		Name:        r.Name,
		Acronym:     r.Acronym,
		NaturalKey:  r.NaturalKey,
		IdentityKey: r.IdentityKey,
		Fields:      records.Fields{},
		CreatedAt:   time.Unix(0, r.CreatedAt).UTC(),
		UpdatedAt:   time.Unix(0, r.UpdatedAt).UTC(),
	}
	if r.Latitude.Valid {
		v := r.Latitude.Float64
		e.Latitude = &v
	}
	if r.Longitude.Valid {
		v := r.Longitude.Float64
		e.Longitude = &v
	}
	if r.FieldsJSON != "" {
		if err := json.Unmarshal([]byte(r.FieldsJSON), &e.Fields); err != nil {
			return records.Entity{}, errors.Wrapf(err, "decode fields of %s", r.ID)
		}
	}
	return e, nil
}

// Store is a store.Store backed by a SQL database. A Store returned by InTx
// is bound to that transaction.
type Store struct {
	db  *sqlx.DB
	q   sqlx.ExtContext
	tx  *sqlx.Tx
	now func() time.Time
}

// New wraps an open database.
func New(db *sqlx.DB) *Store {
	return &Store{db: db, q: db, now: time.Now}
}

func (s *Store) Find(ctx context.Context, activityID string, kind records.Kind, c store.Criteria) ([]records.Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities WHERE activity_id = ? AND kind = ?`
	args := []interface{}{activityID, string(kind)}

	if !c.Empty() {
		var conditions []string
		if len(c.IDs) > 0 {
			frag, inArgs, err := sqlx.In(`id IN (?)`, c.IDs)
			if err != nil {
				return nil, errors.Wrap(err, "build id filter")
			}
			conditions = append(conditions, frag)
			args = append(args, inArgs...)
		}
		if ref := strings.TrimSpace(c.ExternalRef); ref != "" {
			// Substring prefilter over the comma-joined history; the exact
			// element match happens below.
			conditions = append(conditions, `LOWER(external_ref) LIKE ? ESCAPE '\'`)
			args = append(args, "%"+escapeLike(strings.ToLower(ref))+"%")
		}
		if names := lowered(c.Names); len(names) > 0 {
			frag, inArgs, err := sqlx.In(`(LOWER(name) IN (?) OR LOWER(acronym) IN (?))`, names, names)
			if err != nil {
				return nil, errors.Wrap(err, "build name filter")
			}
			conditions = append(conditions, frag)
			args = append(args, inArgs...)
		}
		if c.NaturalKey != "" {
			conditions = append(conditions, `LOWER(natural_key) = ?`)
			args = append(args, strings.ToLower(c.NaturalKey))
		}
		if c.IdentityKey != "" {
			conditions = append(conditions, `identity_key = ?`)
			args = append(args, c.IdentityKey)
		}
		query += ` AND (` + strings.Join(conditions, " OR ") + `)`
	}
	query += ` ORDER BY created_at, id`

	var rows []entityRow
	if err := sqlx.SelectContext(ctx, s.q, &rows, s.q.Rebind(query), args...); err != nil {
		return nil, errors.Wrapf(err, "find %s", kind)
	}
	out := make([]records.Entity, 0, len(rows))
	for _, r := range rows {
		e, err := r.entity()
		if err != nil {
			return nil, err
		}
		if c.Matches(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) Create(ctx context.Context, e records.Entity) (string, error) {
	if e.ID == "" || e.ActivityID == "" || !e.Kind.Valid() {
		return "", errors.Errorf("sqlstore: incomplete entity %q", e.ID)
	}
	if e.IdentityKey == "" {
		e.IdentityKey = "id:" + e.ID
	}
	fieldsJSON, err := marshalFields(e.Fields)
	if err != nil {
		return "", err
	}
	now := s.now().UnixNano()

	err = s.savepoint(ctx, "iat_create", func() error {
		_, err := s.q.ExecContext(ctx, s.q.Rebind(`
			INSERT INTO entities (`+entityColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`), e.ID, e.ActivityID, string(e.Kind), e.ExternalRef, e.Name, e.Acronym, e.NaturalKey,
			nullFloat(e.Latitude), nullFloat(e.Longitude), e.IdentityKey, fieldsJSON, now, now)
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return "", errors.Wrapf(store.ErrUniqueViolation, "insert %s %s: %v", e.Kind, e.ID, err)
		}
		return "", errors.Wrapf(err, "insert %s %s", e.Kind, e.ID)
	}
	return e.ID, nil
}

func (s *Store) get(ctx context.Context, activityID string, kind records.Kind, id string) (records.Entity, error) {
	var row entityRow
	err := sqlx.GetContext(ctx, s.q, &row, s.q.Rebind(`
		SELECT `+entityColumns+` FROM entities WHERE activity_id = ? AND kind = ? AND id = ?
	`), activityID, string(kind), id)
	if errors.Is(err, sql.ErrNoRows) {
		return records.Entity{}, store.ErrNotFound
	}
	if err != nil {
		return records.Entity{}, errors.Wrapf(err, "get %s %s", kind, id)
	}
	return row.entity()
}

func (s *Store) Update(ctx context.Context, activityID string, kind records.Kind, id string, p store.Patch) error {
	if p.Empty() {
		return nil
	}
	current, err := s.get(ctx, activityID, kind, id)
	if err != nil {
		return err
	}

	sets := []string{"updated_at = ?"}
	args := []interface{}{s.now().UnixNano()}
	if len(p.Fields) > 0 {
		merged := current.Fields.Clone()
		for k, v := range p.Fields {
			merged[k] = v
		}
		fieldsJSON, err := marshalFields(merged)
		if err != nil {
			return err
		}
		sets = append(sets, "fields_json = ?")
		args = append(args, fieldsJSON)
	}
	for _, col := range []struct {
		name  string
		value *string
	}{
		{"external_ref", p.ExternalRef},
		{"name", p.Name},
		{"acronym", p.Acronym},
		{"natural_key", p.NaturalKey},
		{"identity_key", p.IdentityKey},
	} {
		if col.value != nil {
			sets = append(sets, col.name+" = ?")
			args = append(args, *col.value)
		}
	}
	if p.Latitude != nil {
		sets = append(sets, "latitude = ?")
		args = append(args, *p.Latitude)
	}
	if p.Longitude != nil {
		sets = append(sets, "longitude = ?")
		args = append(args, *p.Longitude)
	}
	args = append(args, activityID, string(kind), id)

	query := `UPDATE entities SET ` + strings.Join(sets, ", ") + ` WHERE activity_id = ? AND kind = ? AND id = ?`
	err = s.savepoint(ctx, "iat_update", func() error {
		_, err := s.q.ExecContext(ctx, s.q.Rebind(query), args...)
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Wrapf(store.ErrUniqueViolation, "update %s %s: %v", kind, id, err)
		}
		return errors.Wrapf(err, "update %s %s", kind, id)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, activityID string, kind records.Kind, id string) error {
	res, err := s.q.ExecContext(ctx, s.q.Rebind(`
		DELETE FROM entities WHERE activity_id = ? AND kind = ? AND id = ?
	`), activityID, string(kind), id)
	if err != nil {
		return errors.Wrapf(err, "delete %s %s", kind, id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrapf(err, "delete %s %s", kind, id)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// InTx runs fn in a transaction. Nested calls reuse the open transaction.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Store) error) error {
	if s.tx != nil {
		return fn(ctx, s)
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	bound := &Store{db: s.db, q: tx, tx: tx, now: s.now}
	if err := fn(ctx, bound); err != nil {
		if rErr := tx.Rollback(); rErr != nil {
			return errors.Wrapf(err, "rollback: %v", rErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit")
	}
	return nil
}

// savepoint runs a single write under a savepoint when inside a transaction,
// so a constraint failure leaves the transaction usable. Postgres aborts the
// whole transaction otherwise.
func (s *Store) savepoint(ctx context.Context, name string, write func() error) error {
	if s.tx == nil {
		return write()
	}
	if _, err := s.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return errors.Wrap(err, "savepoint")
	}
	if err := write(); err != nil {
		if _, rErr := s.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rErr != nil {
			return errors.Wrapf(err, "rollback: %v", rErr)
		}
		if _, rErr := s.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); rErr != nil {
			return errors.Wrapf(err, "rollback: %v", rErr)
		}
		return err
	}
	if _, err := s.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return errors.Wrap(err, "release savepoint")
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var modErr *sqlite.Error
	if errors.As(err, &modErr) {
		code := modErr.Code()
		return code == sqlitelib.SQLITE_CONSTRAINT_UNIQUE || code == sqlitelib.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	// mattn/go-sqlite3 error types only exist in cgo builds; match its message.
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "duplicate key")
}

func marshalFields(f records.Fields) (string, error) {
	if f == nil {
		f = records.Fields{}
	}
	raw, err := json.Marshal(f)
	if err != nil {
		return "", errors.Wrap(err, "encode fields")
	}
	return string(raw), nil
}

func nullFloat(v *float64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func lowered(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.ToLower(strings.TrimSpace(v)); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
