package postgres

import (
	"context"
	"errors"
	"time"

	"tableorder/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const outboxColumns = `event_id, tenant_id, table_name, event_type, new_row, old_row, created_at, tx_id, event_seq`

func insertOutboxEvent(ctx context.Context, tx pgx.Tx, tenantID, table, eventType string, newRow, oldRow interface{}) error {
	newJSON, err := jsonBytes(newRow)
	if err != nil {
		return err
	}
	oldJSON, err := jsonBytes(oldRow)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO outbox_events (event_id, tenant_id, table_name, event_type, new_row, old_row, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, uuid.NewString(), tenantID, table, eventType, nullJSON(newJSON), nullJSON(oldJSON), time.Now().UTC())
	return err
}

// ListOutboxEvents pages through the outbox strictly after offset in
// (tx_id, event_seq) order. Rows written by a transaction that is not older
// than every in-flight transaction are held back, so a transaction that
// commits late can never land behind an offset that has already moved on.
func (s *Store) ListOutboxEvents(ctx context.Context, offset store.OutboxOffset, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+outboxColumns+`
		FROM outbox_events
		WHERE (tx_id, event_seq) > ($1, $2)
			AND tx_id < pg_snapshot_xmin(pg_current_snapshot())::text::bigint
		ORDER BY tx_id ASC, event_seq ASC
		LIMIT $3
	`, offset.LastTxID, offset.LastSeq, limit)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

func (s *Store) ListTenantEvents(ctx context.Context, tenantID string, after time.Time, limit int) ([]store.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + outboxColumns + `
		FROM outbox_events
		WHERE tenant_id = $1
	`
	args := []interface{}{tenantID}
	if !after.IsZero() {
		query += " AND created_at > $2 ORDER BY created_at ASC, event_id ASC LIMIT $3"
		args = append(args, after, limit)
	} else {
		query += " ORDER BY created_at ASC, event_id ASC LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectEvents(rows)
}

func (s *Store) GetOffset(ctx context.Context, consumer string) (store.OutboxOffset, error) {
	var offset store.OutboxOffset
	row := s.pool.QueryRow(ctx, `
		SELECT last_tx_id, last_seq, last_event_time, last_event_id
		FROM feed_offsets
		WHERE consumer = $1
	`, consumer)
	if err := row.Scan(&offset.LastTxID, &offset.LastSeq, &offset.LastEventTime, &offset.LastEventID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.OutboxOffset{}, nil
		}
		return store.OutboxOffset{}, err
	}
	return offset, nil
}

func (s *Store) UpdateOffset(ctx context.Context, consumer string, offset store.OutboxOffset) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO feed_offsets (consumer, last_tx_id, last_seq, last_event_time, last_event_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (consumer)
		DO UPDATE SET last_tx_id = EXCLUDED.last_tx_id,
			last_seq = EXCLUDED.last_seq,
			last_event_time = EXCLUDED.last_event_time,
			last_event_id = EXCLUDED.last_event_id,
			updated_at = now()
	`, consumer, offset.LastTxID, offset.LastSeq, offset.LastEventTime, offset.LastEventID)
	return err
}

// CleanupOutbox deletes rows older than before that every registered
// consumer has already moved past. Nothing is deleted while no consumer has
// recorded an offset.
func (s *Store) CleanupOutbox(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM outbox_events
		WHERE created_at < $1
			AND (tx_id, event_seq) <= (
				SELECT last_tx_id, last_seq
				FROM feed_offsets
				ORDER BY last_tx_id ASC, last_seq ASC
				LIMIT 1
			)
	`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func collectEvents(rows pgx.Rows) ([]store.OutboxEvent, error) {
	defer rows.Close()

	var events []store.OutboxEvent
	for rows.Next() {
		var event store.OutboxEvent
		var newRow, oldRow []byte
		if err := rows.Scan(&event.EventID, &event.TenantID, &event.Table, &event.Type, &newRow, &oldRow, &event.CreatedAt, &event.TxID, &event.Seq); err != nil {
			return nil, err
		}
		event.New = newRow
		event.Old = oldRow
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func nullJSON(value []byte) interface{} {
	if len(value) == 0 {
		return nil
	}
	return value
}
