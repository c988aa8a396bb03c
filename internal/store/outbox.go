package store

import (
	"context"
	"encoding/json"
	"fmt"

	"openpos/pkg/types"
)

// OutboxRow is one undelivered event awaiting dispatch.
type OutboxRow struct {
	ID    int64
	Event types.Event
}

// EnqueueOutbox stages an event for publication inside the transaction. The
// row becomes visible to the dispatcher only when the surrounding business
// write commits, which is what makes publication atomic with the state
// change.
func (t *Tx) EnqueueOutbox(ctx context.Context, evt types.Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal outbox event: %w", err)
	}
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO outbox (topic, event_id, tenant_id, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		evt.Topic, evt.EventID, evt.TenantID, string(payload), nowUTC())
	if err != nil {
		return fmt.Errorf("enqueue outbox: %w", err)
	}
	return nil
}

// EnqueueOutbox stages an event outside any business transaction, for
// callers whose state change already committed (terminal cash events).
func (d *DB) EnqueueOutbox(ctx context.Context, evt types.Event) error {
	return d.WithTx(ctx, func(tx *Tx) error {
		return tx.EnqueueOutbox(ctx, evt)
	})
}

// PendingOutbox returns up to limit undelivered rows in insertion order.
func (d *DB) PendingOutbox(ctx context.Context, limit int) ([]OutboxRow, error) {
	rows, err := d.sql.QueryContext(ctx,
		`SELECT id, payload FROM outbox WHERE delivered_at IS NULL ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("pending outbox: %w", err)
	}
	defer rows.Close()

	var out []OutboxRow
	for rows.Next() {
		var row OutboxRow
		var payload string
		if err := rows.Scan(&row.ID, &payload); err != nil {
			return nil, fmt.Errorf("pending outbox: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &row.Event); err != nil {
			return nil, fmt.Errorf("decode outbox row %d: %w", row.ID, err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// MarkDelivered stamps an outbox row as acknowledged by the bus.
func (d *DB) MarkDelivered(ctx context.Context, id int64) error {
	if _, err := d.sql.ExecContext(ctx,
		`UPDATE outbox SET delivered_at = ? WHERE id = ?`, nowUTC(), id); err != nil {
		return fmt.Errorf("mark outbox %d delivered: %w", id, err)
	}
	return nil
}

// PurgeDeliveredOutbox removes delivered rows older than the cutoff count,
// keeping the table bounded.
func (d *DB) PurgeDeliveredOutbox(ctx context.Context) (int64, error) {
	res, err := d.sql.ExecContext(ctx, `DELETE FROM outbox WHERE delivered_at IS NOT NULL`)
	if err != nil {
		return 0, fmt.Errorf("purge outbox: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
