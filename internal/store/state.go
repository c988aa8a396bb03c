package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"openpos/internal/apperr"
)

// The state table backs the small cross-handler records the pipeline depends
// on: idempotency keys, scheduler leases, and alert cooldowns. Every record
// may carry a TTL; expired records are invisible to readers and reclaimed by
// writers.

// StateRecord is what GetState returns alongside the decoded value.
type StateRecord struct {
	ETag      string
	ExpiresAt time.Time // zero when the record does not expire
}

// GetState loads the state value at key into out. Returns ok=false when the
// key is absent or expired.
func (d *DB) GetState(ctx context.Context, key string, out any) (StateRecord, bool, error) {
	var value, etag string
	var expiresAt sql.NullString
	err := d.sql.QueryRowContext(ctx,
		`SELECT value, etag, expires_at FROM state WHERE key = ?`, key).
		Scan(&value, &etag, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return StateRecord{}, false, nil
	}
	if err != nil {
		return StateRecord{}, false, fmt.Errorf("get state %s: %w", key, err)
	}

	rec := StateRecord{ETag: etag}
	if expiresAt.Valid {
		t, perr := time.Parse(time.RFC3339Nano, expiresAt.String)
		if perr != nil {
			return StateRecord{}, false, fmt.Errorf("get state %s: %w", key, perr)
		}
		if time.Now().After(t) {
			return StateRecord{}, false, nil
		}
		rec.ExpiresAt = t
	}
	if out != nil {
		if err := json.Unmarshal([]byte(value), out); err != nil {
			return StateRecord{}, false, fmt.Errorf("unmarshal state %s: %w", key, err)
		}
	}
	return rec, true, nil
}

// PutState writes a state record with CAS semantics:
//
//   - oldETag == "" requires the key to be absent (or expired); an existing
//     live record fails with Conflict.
//   - otherwise the stored ETag must match oldETag.
//
// ttl == 0 stores the record without expiry.
func (d *DB) PutState(ctx context.Context, key string, value any, oldETag string, ttl time.Duration) (string, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("marshal state %s: %w", key, err)
	}
	etag := newETag()
	var expires any
	if ttl > 0 {
		expires = time.Now().Add(ttl).UTC().Format(time.RFC3339Nano)
	}

	if oldETag == "" {
		// First-writer-wins insert. An expired row may be reclaimed in place.
		now := time.Now().UTC().Format(time.RFC3339Nano)
		res, err := d.sql.ExecContext(ctx, `
			INSERT INTO state (key, value, etag, expires_at) VALUES (?, ?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, etag = excluded.etag, expires_at = excluded.expires_at
			WHERE state.expires_at IS NOT NULL AND state.expires_at < ?`,
			key, string(data), etag, expires, now)
		if err != nil {
			return "", fmt.Errorf("put state %s: %w", key, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return "", apperr.Conflict(0, "state %s already held", key)
		}
		return etag, nil
	}

	res, err := d.sql.ExecContext(ctx,
		`UPDATE state SET value = ?, etag = ?, expires_at = ? WHERE key = ? AND etag = ?`,
		string(data), etag, expires, key, oldETag)
	if err != nil {
		return "", fmt.Errorf("put state %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", apperr.Conflict(0, "state %s etag mismatch", key)
	}
	return etag, nil
}

// DeleteState removes a state record. Missing keys are not an error.
func (d *DB) DeleteState(ctx context.Context, key string) error {
	if _, err := d.sql.ExecContext(ctx, `DELETE FROM state WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete state %s: %w", key, err)
	}
	return nil
}

// SweepExpiredState deletes every expired state row and returns the count.
// Steady-state expiry is lazy (readers skip expired rows); the sweep keeps
// the table from growing without bound.
func (d *DB) SweepExpiredState(ctx context.Context) (int64, error) {
	res, err := d.sql.ExecContext(ctx,
		`DELETE FROM state WHERE expires_at IS NOT NULL AND expires_at < ?`,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("sweep state: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
