// Package store provides tenant-scoped document persistence on sqlite.
//
// Each tenant owns one database file ({prefix}_{tenantId}.db). Documents are
// JSON rows keyed by (collection, key) and versioned with an opaque ETag;
// every write is a compare-and-set against the caller's ETag. The same
// database carries the TTL state table (idempotency records, leases, alert
// cooldowns) and the event outbox, so a document write and its outbox row
// can share one transaction.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"openpos/internal/apperr"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	collection TEXT NOT NULL,
	key        TEXT NOT NULL,
	doc        TEXT NOT NULL,
	etag       TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (collection, key)
);
CREATE TABLE IF NOT EXISTS state (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	etag       TEXT NOT NULL,
	expires_at TEXT
);
CREATE TABLE IF NOT EXISTS outbox (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	topic        TEXT NOT NULL,
	event_id     TEXT NOT NULL,
	tenant_id    TEXT NOT NULL,
	payload      TEXT NOT NULL,
	created_at   TEXT NOT NULL,
	delivered_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox (delivered_at) WHERE delivered_at IS NULL;
`

// DB is the handle to one tenant's database.
type DB struct {
	tenantID string
	sql      *sql.DB
}

// Doc is a raw document row returned by List.
type Doc struct {
	Key  string
	ETag string
	Data []byte
}

// ListOptions narrows a List call. Zero value lists the whole collection in
// key order.
type ListOptions struct {
	Prefix string
	Limit  int
	Offset int
}

// Open opens (creating if needed) the database at path and bootstraps the
// schema. Foreign keys and WAL are enabled for concurrent readers.
func Open(tenantID, path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open tenant db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}
	return &DB{tenantID: tenantID, sql: db}, nil
}

// TenantID returns the tenant this handle is scoped to.
func (d *DB) TenantID() string { return d.tenantID }

// Close closes the underlying connection pool.
func (d *DB) Close() error { return d.sql.Close() }

func newETag() string { return uuid.NewString() }

func nowUTC() string { return time.Now().UTC().Format(time.RFC3339Nano) }

// querier abstracts *sql.DB and *sql.Tx so the document operations run both
// standalone and inside WithTx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Get loads the document at (collection, key) into out and returns its ETag.
func (d *DB) Get(ctx context.Context, collection, key string, out any) (string, error) {
	return get(ctx, d.sql, collection, key, out)
}

func get(ctx context.Context, q querier, collection, key string, out any) (string, error) {
	var doc, etag string
	err := q.QueryRowContext(ctx,
		`SELECT doc, etag FROM documents WHERE collection = ? AND key = ?`,
		collection, key).Scan(&doc, &etag)
	if errors.Is(err, sql.ErrNoRows) {
		return "", apperr.NotFound(0, "%s/%s not found", collection, key)
	}
	if err != nil {
		return "", fmt.Errorf("get %s/%s: %w", collection, key, err)
	}
	if out != nil {
		if err := json.Unmarshal([]byte(doc), out); err != nil {
			return "", fmt.Errorf("unmarshal %s/%s: %w", collection, key, err)
		}
	}
	return etag, nil
}

// Insert creates a new document. Fails with Conflict if the key exists.
func (d *DB) Insert(ctx context.Context, collection, key string, doc any) (string, error) {
	return insert(ctx, d.sql, collection, key, doc)
}

func insert(ctx context.Context, q querier, collection, key string, doc any) (string, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal %s/%s: %w", collection, key, err)
	}
	etag := newETag()
	now := nowUTC()
	_, err = q.ExecContext(ctx,
		`INSERT INTO documents (collection, key, doc, etag, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		collection, key, string(data), etag, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return "", apperr.Conflict(0, "%s/%s already exists", collection, key)
		}
		return "", fmt.Errorf("insert %s/%s: %w", collection, key, err)
	}
	return etag, nil
}

// Update replaces the document if its stored ETag still equals oldETag.
// Returns the new ETag, or Conflict when another writer got there first.
func (d *DB) Update(ctx context.Context, collection, key string, doc any, oldETag string) (string, error) {
	return update(ctx, d.sql, collection, key, doc, oldETag)
}

func update(ctx context.Context, q querier, collection, key string, doc any, oldETag string) (string, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("marshal %s/%s: %w", collection, key, err)
	}
	etag := newETag()
	res, err := q.ExecContext(ctx,
		`UPDATE documents SET doc = ?, etag = ?, updated_at = ? WHERE collection = ? AND key = ? AND etag = ?`,
		string(data), etag, nowUTC(), collection, key, oldETag)
	if err != nil {
		return "", fmt.Errorf("update %s/%s: %w", collection, key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("update %s/%s: %w", collection, key, err)
	}
	if n == 0 {
		// Distinguish a stale tag from a missing document.
		if _, gerr := get(ctx, q, collection, key, nil); apperr.IsKind(gerr, apperr.KindNotFound) {
			return "", gerr
		}
		return "", apperr.Conflict(0, "%s/%s etag mismatch", collection, key)
	}
	return etag, nil
}

// Delete removes the document, subject to the same CAS rule as Update.
// An empty oldETag deletes unconditionally.
func (d *DB) Delete(ctx context.Context, collection, key, oldETag string) error {
	return del(ctx, d.sql, collection, key, oldETag)
}

func del(ctx context.Context, q querier, collection, key, oldETag string) error {
	var (
		res sql.Result
		err error
	)
	if oldETag == "" {
		res, err = q.ExecContext(ctx,
			`DELETE FROM documents WHERE collection = ? AND key = ?`, collection, key)
	} else {
		res, err = q.ExecContext(ctx,
			`DELETE FROM documents WHERE collection = ? AND key = ? AND etag = ?`, collection, key, oldETag)
	}
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, key, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, gerr := get(ctx, q, collection, key, nil); apperr.IsKind(gerr, apperr.KindNotFound) {
			return gerr
		}
		return apperr.Conflict(0, "%s/%s etag mismatch", collection, key)
	}
	return nil
}

// List returns documents of a collection in key order.
func (d *DB) List(ctx context.Context, collection string, opts ListOptions) ([]Doc, error) {
	return list(ctx, d.sql, collection, opts)
}

func list(ctx context.Context, q querier, collection string, opts ListOptions) ([]Doc, error) {
	query := `SELECT key, etag, doc FROM documents WHERE collection = ?`
	args := []any{collection}
	if opts.Prefix != "" {
		query += ` AND key >= ? AND key < ?`
		args = append(args, opts.Prefix, opts.Prefix+"￿")
	}
	query += ` ORDER BY key`
	if opts.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, opts.Limit, opts.Offset)
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	defer rows.Close()

	var docs []Doc
	for rows.Next() {
		var doc Doc
		var data string
		if err := rows.Scan(&doc.Key, &doc.ETag, &data); err != nil {
			return nil, fmt.Errorf("list %s: %w", collection, err)
		}
		doc.Data = []byte(data)
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// FindByField returns documents whose top-level JSON field equals value.
// This is the secondary-index path; sqlite evaluates json_extract per row.
func (d *DB) FindByField(ctx context.Context, collection, field string, value any) ([]Doc, error) {
	rows, err := d.sql.QueryContext(ctx,
		`SELECT key, etag, doc FROM documents WHERE collection = ? AND json_extract(doc, '$.'||?) = ? ORDER BY key`,
		collection, field, value)
	if err != nil {
		return nil, fmt.Errorf("find %s by %s: %w", collection, field, err)
	}
	defer rows.Close()

	var docs []Doc
	for rows.Next() {
		var doc Doc
		var data string
		if err := rows.Scan(&doc.Key, &doc.ETag, &data); err != nil {
			return nil, fmt.Errorf("find %s by %s: %w", collection, field, err)
		}
		doc.Data = []byte(data)
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// Count returns the number of documents in a collection, optionally
// restricted to a key prefix.
func (d *DB) Count(ctx context.Context, collection, prefix string) (int, error) {
	query := `SELECT COUNT(*) FROM documents WHERE collection = ?`
	args := []any{collection}
	if prefix != "" {
		query += ` AND key >= ? AND key < ?`
		args = append(args, prefix, prefix+"￿")
	}
	var n int
	if err := d.sql.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", collection, err)
	}
	return n, nil
}

// Tx exposes the document and outbox operations inside one sqlite
// transaction.
type Tx struct {
	tenantID string
	tx       *sql.Tx
}

func (t *Tx) Get(ctx context.Context, collection, key string, out any) (string, error) {
	return get(ctx, t.tx, collection, key, out)
}

func (t *Tx) Insert(ctx context.Context, collection, key string, doc any) (string, error) {
	return insert(ctx, t.tx, collection, key, doc)
}

func (t *Tx) Update(ctx context.Context, collection, key string, doc any, oldETag string) (string, error) {
	return update(ctx, t.tx, collection, key, doc, oldETag)
}

func (t *Tx) Delete(ctx context.Context, collection, key, oldETag string) error {
	return del(ctx, t.tx, collection, key, oldETag)
}

func (t *Tx) List(ctx context.Context, collection string, opts ListOptions) ([]Doc, error) {
	return list(ctx, t.tx, collection, opts)
}

// WithTx runs fn inside a transaction. Any error (including a CAS conflict)
// rolls everything back, outbox rows included.
func (d *DB) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&Tx{tenantID: d.tenantID, tx: tx}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	// mattn/go-sqlite3 reports constraint violations with this prefix; string
	// matching avoids leaking the driver's error types into callers.
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "PRIMARY KEY constraint failed"))
}
