package db

import (
	"context"
	"time"

	"github.com/jakechorley/shift-notifier/pkg/core/model"
)

// NotificationEnqueuer inserts notification requests idempotently.
// created is false when a row with the same unique key already existed; id is
// then the existing row's identity.
type NotificationEnqueuer interface {
	Enqueue(ctx context.Context, req *NotificationRequest) (id string, created bool, err error)
}

// NotificationCanceler cancels the queued requests of a shift occurrence
type NotificationCanceler interface {
	CancelForOccurrence(ctx context.Context, occurrenceID string) (int64, error)
}

// ClaimParams controls a single claim
type ClaimParams struct {
	Limit         int
	SkewTolerance time.Duration
	Now           time.Time
	// Lease bounds how long claimed rows stay invisible to other callers when
	// the claimer never commits. Transactional stores bound the idle time of
	// the claim transaction with it instead.
	Lease time.Duration
}

// ClaimedBatch is a unit of work over exclusively claimed rows. Outcomes are
// made durable by Commit; Rollback releases the claim and leaves unrecorded
// rows queued.
type ClaimedBatch interface {
	Rows() []NotificationRequest
	// RecordOutcome moves a claimed row from queued to a terminal status.
	// Rows that are no longer queued are left untouched.
	RecordOutcome(ctx context.Context, id string, status Status, result, errDetail string) error
	// Commit makes the recorded outcomes durable and returns the ids whose
	// transition was applied. Rows canceled or reclaimed since the claim are
	// left out.
	Commit(ctx context.Context) ([]string, error)
	Rollback(ctx context.Context) error
}

// NotificationClaimer claims due rows without waiting on other claimers
type NotificationClaimer interface {
	ClaimDue(ctx context.Context, params ClaimParams) (ClaimedBatch, error)
}

// NotificationStore defines the interface for notification request operations
type NotificationStore interface {
	NotificationEnqueuer
	NotificationCanceler
	NotificationClaimer
	GetByUniqueKey(ctx context.Context, uniqueKey string) (*NotificationRequest, error)
	ListByOccurrence(ctx context.Context, occurrenceID string) ([]NotificationRequest, error)
}

// ShiftRuleStore reads recurring shift rules
type ShiftRuleStore interface {
	ListActiveShiftRules(ctx context.Context) ([]model.ShiftRule, error)
}

// UserDirectory resolves contact details for a user.
// An empty address with a nil error means the user has no email on file.
type UserDirectory interface {
	GetUserEmail(ctx context.Context, userID string) (string, error)
}

// Database defines the interface for all database operations.
// Both the SQLite-backed sqlite.DB and postgres.DB implement this interface.
type Database interface {
	NotificationStore
	ShiftRuleStore
	UserDirectory
	RunMigrations(ctx context.Context) error
	Close()
}
