package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/jakechorley/shift-notifier/pkg/db"
)

const notificationColumns = `id, user_id, occurrence_id, type, scheduled_at_utc, payload,
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

	res, err := d.db.ExecContext(ctx, `
		INSERT INTO notification_requests
			(id, user_id, occurrence_id, type, scheduled_at_utc, payload, unique_key, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (unique_key) DO NOTHING
	`, req.ID, req.UserID, nullableString(req.OccurrenceID), string(req.Type), toMillis(req.ScheduledAtUTC),
		string(payload), req.UniqueKey, string(db.StatusQueued), toMillis(req.CreatedAt), toMillis(req.UpdatedAt))
	if err != nil {
		return "", false, fmt.Errorf("failed to insert notification request: %w", err)
	}

	inserted, err := res.RowsAffected()
	if err != nil {
		return "", false, fmt.Errorf("failed to read insert result: %w", err)
	}
	if inserted == 1 {
		return req.ID, true, nil
	}

	var id string
	err = d.db.QueryRowContext(ctx, `SELECT id FROM notification_requests WHERE unique_key = ?`, req.UniqueKey).Scan(&id)
	if err != nil {
		return "", false, fmt.Errorf("failed to look up existing notification request: %w", err)
	}
	return id, false, nil
}

// CancelForOccurrence marks every queued request of the occurrence as canceled
func (d *DB) CancelForOccurrence(ctx context.Context, occurrenceID string) (int64, error) {
	res, err := d.db.ExecContext(ctx, `
		UPDATE notification_requests
		SET status = 'canceled', last_result = 'canceled', updated_at = ?,
			claim_token = NULL, lease_expires_at = NULL
		WHERE occurrence_id = ? AND status = 'queued'
	`, toMillis(d.now()), occurrenceID)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel notification requests: %w", err)
	}
	return res.RowsAffected()
}

// ClaimDue stamps up to params.Limit due, unleased rows with a fresh claim
// token in a single statement, then reads them back. Rows whose lease has
// expired are claimable again.
func (d *DB) ClaimDue(ctx context.Context, params db.ClaimParams) (db.ClaimedBatch, error) {
	lease := params.Lease
	if lease <= 0 {
		lease = DefaultLease
	}

	now := params.Now.UTC()
	token := d.newClaimToken(now)
	cutoff := now.Add(params.SkewTolerance)

	_, err := d.db.ExecContext(ctx, `
		UPDATE notification_requests
		SET claim_token = ?, lease_expires_at = ?
		WHERE id IN (
			SELECT id FROM notification_requests
			WHERE status = 'queued'
				AND scheduled_at_utc <= ?
				AND (lease_expires_at IS NULL OR lease_expires_at <= ?)
			ORDER BY scheduled_at_utc ASC, id ASC
			LIMIT ?
		)
	`, token, toMillis(now.Add(lease)), toMillis(cutoff), toMillis(now), params.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim due notification requests: %w", err)
	}

	rows, err := d.db.QueryContext(ctx, `
		SELECT `+notificationColumns+`
		FROM notification_requests
		WHERE claim_token = ?
		ORDER BY scheduled_at_utc ASC, id ASC
	`, token)
	if err != nil {
		return nil, d.abandonClaim(ctx, token, fmt.Errorf("failed to read claimed notification requests: %w", err))
	}

	claimed, err := collectNotifications(rows)
	if err != nil {
		return nil, d.abandonClaim(ctx, token, err)
	}

	return &claimedBatch{store: d, token: token, rows: claimed}, nil
}

// GetByUniqueKey retrieves a single notification request
func (d *DB) GetByUniqueKey(ctx context.Context, uniqueKey string) (*db.NotificationRequest, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+notificationColumns+`
		FROM notification_requests
		WHERE unique_key = ?
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
	rows, err := d.db.QueryContext(ctx, `
		SELECT `+notificationColumns+`
		FROM notification_requests
		WHERE occurrence_id = ?
		ORDER BY scheduled_at_utc ASC, created_at ASC
	`, occurrenceID)
	if err != nil {
		return nil, fmt.Errorf("failed to query notification requests: %w", err)
	}
	return collectNotifications(rows)
}

func (d *DB) releaseClaim(ctx context.Context, token string) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE notification_requests
		SET claim_token = NULL, lease_expires_at = NULL
		WHERE claim_token = ?
	`, token)
	if err != nil {
		return fmt.Errorf("failed to release claim: %w", err)
	}
	return nil
}

// abandonClaim releases a claim that could not be handed to the caller and
// reports any release failure together with the original error
func (d *DB) abandonClaim(ctx context.Context, token string, cause error) error {
	if err := d.releaseClaim(context.WithoutCancel(ctx), token); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

func rollbackTx(tx *sql.Tx, cause error) error {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return errors.Join(cause, fmt.Errorf("failed to roll back transaction: %w", err))
	}
	return cause
}

type outcome struct {
	id        string
	status    db.Status
	result    string
	errDetail string
}

// claimedBatch buffers outcomes until Commit, which writes them in one
// transaction guarded by the claim token.
type claimedBatch struct {
	store *DB
	token string
	rows  []db.NotificationRequest

	mu       sync.Mutex
	outcomes []outcome
	closed   bool
}

func (b *claimedBatch) Rows() []db.NotificationRequest {
	return b.rows
}

func (b *claimedBatch) RecordOutcome(_ context.Context, id string, status db.Status, result, errDetail string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("cannot record non-terminal status %q", status)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errors.New("claimed batch already closed")
	}
	b.outcomes = append(b.outcomes, outcome{id: id, status: status, result: result, errDetail: errDetail})
	return nil
}

func (b *claimedBatch) Commit(ctx context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errors.New("claimed batch already closed")
	}

	tx, err := b.store.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin commit transaction: %w", err)
	}

	now := toMillis(b.store.now())
	applied := make([]string, 0, len(b.outcomes))
	for _, o := range b.outcomes {
		var sentAt sql.NullInt64
		if o.status == db.StatusSent {
			sentAt = sql.NullInt64{Int64: now, Valid: true}
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE notification_requests
			SET status = ?, last_result = ?, last_error = ?, updated_at = ?,
				sent_at = COALESCE(?, sent_at), claim_token = NULL, lease_expires_at = NULL
			WHERE id = ? AND status = 'queued' AND claim_token = ?
		`, string(o.status), nullableString(o.result), nullableString(o.errDetail), now, sentAt, o.id, b.token)
		if err != nil {
			return nil, rollbackTx(tx, fmt.Errorf("failed to record outcome for %s: %w", o.id, err))
		}

		// Zero rows means the row was canceled or its lease was lost
		n, err := res.RowsAffected()
		if err != nil {
			return nil, rollbackTx(tx, fmt.Errorf("failed to read outcome result for %s: %w", o.id, err))
		}
		if n == 1 {
			applied = append(applied, o.id)
		}
	}

	// Anything claimed but not recorded goes back to the queue
	_, err = tx.ExecContext(ctx, `
		UPDATE notification_requests
		SET claim_token = NULL, lease_expires_at = NULL
		WHERE claim_token = ?
	`, b.token)
	if err != nil {
		return nil, rollbackTx(tx, fmt.Errorf("failed to release unrecorded rows: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claimed batch: %w", err)
	}

	b.closed = true
	return applied, nil
}

func (b *claimedBatch) Rollback(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	b.outcomes = nil
	return b.store.releaseClaim(ctx, b.token)
}

func collectNotifications(rows *sql.Rows) ([]db.NotificationRequest, error) {
	defer rows.Close()

	var out []db.NotificationRequest
	for rows.Next() {
		var r db.NotificationRequest
		var occurrenceID, lastResult, lastError sql.NullString
		var typ, status, payload string
		var scheduledAt, createdAt, updatedAt int64
		var sentAt sql.NullInt64
		if err := rows.Scan(&r.ID, &r.UserID, &occurrenceID, &typ, &scheduledAt, &payload,
			&r.UniqueKey, &status, &lastResult, &lastError, &createdAt, &updatedAt, &sentAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification request: %w", err)
		}

		p, err := db.UnmarshalPayload([]byte(payload))
		if err != nil {
			return nil, fmt.Errorf("failed to decode payload for %s: %w", r.ID, err)
		}

		r.Payload = p
		r.Type = db.NotificationType(typ)
		r.Status = db.Status(status)
		r.OccurrenceID = occurrenceID.String
		r.LastResult = lastResult.String
		r.LastError = lastError.String
		r.ScheduledAtUTC = fromMillis(scheduledAt)
		r.CreatedAt = fromMillis(createdAt)
		r.UpdatedAt = fromMillis(updatedAt)
		if sentAt.Valid {
			t := fromMillis(sentAt.Int64)
			r.SentAt = &t
		}
		out = append(out, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating notification requests: %w", err)
	}

	return out, nil
}
