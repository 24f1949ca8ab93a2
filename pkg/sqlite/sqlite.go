package sqlite

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// DefaultLease is applied to claims that do not specify one
const DefaultLease = 5 * time.Minute

// connectionPragmas are applied by the driver to every pooled connection.
// Concurrent dispatchers on a file database wait for the write lock instead
// of failing with SQLITE_BUSY.
var connectionPragmas = []string{"busy_timeout(5000)", "foreign_keys(1)"}

const schema = `
CREATE TABLE IF NOT EXISTS notification_requests (
	id               TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL,
	occurrence_id    TEXT,
	type             TEXT NOT NULL,
	scheduled_at_utc INTEGER NOT NULL,
	payload          TEXT NOT NULL DEFAULT '{}',
	unique_key       TEXT NOT NULL UNIQUE,
	status           TEXT NOT NULL DEFAULT 'queued'
	                 CHECK (status IN ('queued', 'sent', 'failed', 'canceled')),
	last_result      TEXT,
	last_error       TEXT,
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL,
	sent_at          INTEGER,
	claim_token      TEXT,
	lease_expires_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_notification_requests_due
	ON notification_requests (scheduled_at_utc) WHERE status = 'queued';

CREATE INDEX IF NOT EXISTS idx_notification_requests_occurrence
	ON notification_requests (occurrence_id);

CREATE INDEX IF NOT EXISTS idx_notification_requests_claim
	ON notification_requests (claim_token);

CREATE TABLE IF NOT EXISTS users (
	id    TEXT PRIMARY KEY,
	email TEXT
);

CREATE TABLE IF NOT EXISTS shift_rules (
	id          TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	day_of_week INTEGER NOT NULL CHECK (day_of_week BETWEEN 0 AND 6),
	start_time  TEXT NOT NULL,
	end_time    TEXT,
	continuous  INTEGER NOT NULL DEFAULT 0,
	start_date  TEXT NOT NULL,
	end_date    TEXT,
	active      INTEGER NOT NULL DEFAULT 1
);
`

// DB provides notification store operations on an embedded SQLite database.
// SQLite has no row locks, so claims are recorded on the rows themselves
// (claim_token, lease_expires_at) and expire after the lease.
type DB struct {
	db  *sql.DB
	now func() time.Time

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy
}

// Open opens (or creates) the SQLite database at dsn. ":memory:" is supported
// and pinned to a single connection so every caller sees the same database.
func Open(ctx context.Context, dsn string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", withPragmas(dsn))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		sqlDB.SetMaxOpenConns(1)
	}

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	return &DB{
		db:      sqlDB,
		now:     time.Now,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}, nil
}

// withPragmas appends the connection pragmas to dsn unless it already sets them
func withPragmas(dsn string) string {
	params := make([]string, 0, len(connectionPragmas))
	for _, p := range connectionPragmas {
		name, _, _ := strings.Cut(p, "(")
		if !strings.Contains(dsn, name) {
			params = append(params, "_pragma="+p)
		}
	}
	if len(params) == 0 {
		return dsn
	}

	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}

// Close closes the underlying database
func (d *DB) Close() {
	d.db.Close()
}

// RunMigrations creates the schema if it does not exist yet
func (d *DB) RunMigrations(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialise sqlite schema: %w", err)
	}
	return nil
}

func (d *DB) newClaimToken(now time.Time) string {
	d.entropyMu.Lock()
	defer d.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(now), d.entropy).String()
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
