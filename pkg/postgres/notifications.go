package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/jakechorley/shift-notifier/pkg/db"
)

const notificationColumns = `id::text, user_id, occurrence_id, type, scheduled_at_utc, payload,
		unique_key, status, last_result, last_error, created_at, updated_at, sent_at`

// Enqueue inserts a notification request. A conflicting unique key is not an
// error: the existing row's id is returned with created=false.
func (d *DB) Enqueue(ctx context.Context, req *db.NotificationRequest) (string, bool, error) {
	if err := db.PrepareForInsert(req, d.now()); err != nil {
		return "", false, err
	}

	payload, err := req.Payload.Marshal()
	if err != nil {
		return "", false, fmt.Errorf("failed to encode payload: %w", err)
	}

	var id string
	err = d.pool.QueryRow(ctx, `
		INSERT INTO notification_requests
			(id, user_id, occurrence_id, type, scheduled_at_utc, payload, unique_key, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (unique_key) DO NOTHING
		RETURNING id::text
	`, req.ID, req.UserID, nullableString(req.OccurrenceID), string(req.Type), req.ScheduledAtUTC,
		payload, req.UniqueKey, string(db.StatusQueued), req.CreatedAt).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", false, fmt.Errorf("failed to insert notification request: %w", err)
	}

	// Conflict: another caller already enqueued this key
	err = d.pool.QueryRow(ctx, `
		SELECT id::text FROM notification_requests WHERE unique_key = $1
	`, req.UniqueKey).Scan(&id)
	if err != nil {
		return "", false, fmt.Errorf("failed to look up existing notification request: %w", err)
	}

	return id, false, nil
}

// CancelForOccurrence marks every queued request of the occurrence as canceled
func (d *DB) CancelForOccurrence(ctx context.Context, occurrenceID string) (int64, error) {
	tag, err := d.pool.Exec(ctx, `
		UPDATE notification_requests
		SET status = 'canceled', last_result = 'canceled', updated_at = $2
		WHERE occurrence_id = $1 AND status = 'queued'
	`, occurrenceID, d.now())
	if err != nil {
		return 0, fmt.Errorf("failed to cancel notification requests: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ClaimDue locks up to params.Limit due rows with FOR UPDATE SKIP LOCKED. The
// locks are held by the returned batch's transaction, so rows claimed by a
// crashed caller become visible again when the server rolls it back. The
// lease bounds how long the transaction may sit idle, so a hung caller loses
// its claim too.
func (d *DB) ClaimDue(ctx context.Context, params db.ClaimParams) (db.ClaimedBatch, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim transaction: %w", err)
	}

	if _, err := tx.Exec(ctx, leaseStatement(params.Lease)); err != nil {
		return nil, rollbackTx(ctx, tx, fmt.Errorf("failed to set claim lease: %w", err))
	}

	cutoff := params.Now.UTC().Add(params.SkewTolerance)

	rows, err := tx.Query(ctx, `
		SELECT `+notificationColumns+`
		FROM notification_requests
		WHERE status = 'queued' AND scheduled_at_utc <= $1
		ORDER BY scheduled_at_utc ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`, cutoff, params.Limit)
	if err != nil {
		return nil, rollbackTx(ctx, tx, fmt.Errorf("failed to claim due notification requests: %w", err))
	}

	claimed, err := collectNotifications(rows)
	if err != nil {
		return nil, rollbackTx(ctx, tx, err)
	}

	return &claimedBatch{tx: tx, rows: claimed, now: d.now}, nil
}

// leaseStatement bounds the idle time of the claim transaction. SET does not
// take bind parameters.
func leaseStatement(lease time.Duration) string {
	if lease <= 0 {
		lease = DefaultLease
	}
	ms := lease.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return fmt.Sprintf("SET LOCAL idle_in_transaction_session_timeout = %d", ms)
}

func rollbackTx(ctx context.Context, tx pgx.Tx, cause error) error {
	if err := tx.Rollback(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return errors.Join(cause, fmt.Errorf("failed to roll back transaction: %w", err))
	}
	return cause
}

// GetByUniqueKey retrieves a single notification request
func (d *DB) GetByUniqueKey(ctx context.Context, uniqueKey string) (*db.NotificationRequest, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT `+notificationColumns+`
		FROM notification_requests
		WHERE unique_key = $1
	`, uniqueKey)
	if err != nil {
		return nil, fmt.Errorf("failed to query notification request: %w", err)
	}

	found, err := collectNotifications(rows)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, db.ErrNotFound
	}
	return &found[0], nil
}

// ListByOccurrence retrieves every request of an occurrence, oldest schedule first
func (d *DB) ListByOccurrence(ctx context.Context, occurrenceID string) ([]db.NotificationRequest, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT `+notificationColumns+`
		FROM notification_requests
		WHERE occurrence_id = $1
		ORDER BY scheduled_at_utc ASC, created_at ASC
	`, occurrenceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query notification requests: %w", err)
	}
	return collectNotifications(rows)
}

type claimedBatch struct {
	tx      pgx.Tx
	rows    []db.NotificationRequest
	now     func() time.Time
	applied []string
}

func (b *claimedBatch) Rows() []db.NotificationRequest {
	return b.rows
}

func (b *claimedBatch) RecordOutcome(ctx context.Context, id string, status db.Status, result, errDetail string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("cannot record non-terminal status %q", status)
	}

	now := b.now().UTC()
	var sentAt *time.Time
	if status == db.StatusSent {
		sentAt = &now
	}

	tag, err := b.tx.Exec(ctx, `
		UPDATE notification_requests
		SET status = $2, last_result = $3, last_error = $4, updated_at = $5, sent_at = COALESCE($6, sent_at)
		WHERE id = $1 AND status = 'queued'
	`, id, string(status), nullableString(result), nullableString(errDetail), now, sentAt)
	if err != nil {
		return fmt.Errorf("failed to record outcome for %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		b.applied = append(b.applied, id)
	}
	return nil
}

func (b *claimedBatch) Commit(ctx context.Context) ([]string, error) {
	if err := b.tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit claimed batch: %w", err)
	}
	return b.applied, nil
}

func (b *claimedBatch) Rollback(ctx context.Context) error {
	err := b.tx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("failed to roll back claimed batch: %w", err)
	}
	return nil
}

func collectNotifications(rows pgx.Rows) ([]db.NotificationRequest, error) {
	defer rows.Close()

	var out []db.NotificationRequest
	for rows.Next() {
		var r db.NotificationRequest
		var occurrenceID, lastResult, lastError *string
		var typ, status string
		var payload []byte
		if err := rows.Scan(&r.ID, &r.UserID, &occurrenceID, &typ, &r.ScheduledAtUTC, &payload,
			&r.UniqueKey, &status, &lastResult, &lastError, &r.CreatedAt, &r.UpdatedAt, &r.SentAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification request: %w", err)
		}

		p, err := db.UnmarshalPayload(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to decode payload for %s: %w", r.ID, err)
		}

		r.Payload = p
		r.Type = db.NotificationType(typ)
		r.Status = db.Status(status)
		r.OccurrenceID = derefString(occurrenceID)
		r.LastResult = derefString(lastResult)
		r.LastError = derefString(lastError)
		r.ScheduledAtUTC = r.ScheduledAtUTC.UTC()
		out = append(out, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating notification requests: %w", err)
	}

	return out, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
