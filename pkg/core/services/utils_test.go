package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jakechorley/shift-notifier/pkg/core/messages"
	"github.com/jakechorley/shift-notifier/pkg/core/timezone"
	"github.com/jakechorley/shift-notifier/pkg/db"
)

// mockStore is an in-memory notification store with the same claim semantics
// as the real stores: claimed rows are invisible to other claimers until the
// batch commits or rolls back.
type mockStore struct {
	mu      sync.Mutex
	rows    map[string]*db.NotificationRequest
	byKey   map[string]string
	claimed map[string]bool
	nextID  int

	claimErr     error
	commitErr    error
	enqueueErr   error
	cancelErr    error
	onClaim      func()
	claimLimits  []int
	claimSizes   []int
	rollbacks    int
	cancelCalls  []string
	enqueueOrder []string
}

func newMockStore() *mockStore {
	return &mockStore{
		rows:    map[string]*db.NotificationRequest{},
		byKey:   map[string]string{},
		claimed: map[string]bool{},
	}
}

func (m *mockStore) Enqueue(_ context.Context, req *db.NotificationRequest) (string, bool, error) {
	if m.enqueueErr != nil {
		return "", false, m.enqueueErr
	}
	if err := db.PrepareForInsert(req, time.Now()); err != nil {
		return "", false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byKey[req.UniqueKey]; ok {
		return id, false, nil
	}

	m.nextID++
	row := *req
	m.rows[row.ID] = &row
	m.byKey[row.UniqueKey] = row.ID
	m.enqueueOrder = append(m.enqueueOrder, row.UniqueKey)
	return row.ID, true, nil
}

func (m *mockStore) CancelForOccurrence(_ context.Context, occurrenceID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cancelCalls = append(m.cancelCalls, occurrenceID)
	if m.cancelErr != nil {
		return 0, m.cancelErr
	}

	var n int64
	for _, r := range m.rows {
		if r.OccurrenceID == occurrenceID && r.Status == db.StatusQueued {
			r.Status = db.StatusCanceled
			n++
		}
	}
	return n, nil
}

func (m *mockStore) ClaimDue(_ context.Context, params db.ClaimParams) (db.ClaimedBatch, error) {
	if m.onClaim != nil {
		m.onClaim()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.claimLimits = append(m.claimLimits, params.Limit)
	if m.claimErr != nil {
		return nil, m.claimErr
	}

	cutoff := params.Now.Add(params.SkewTolerance)
	var due []db.NotificationRequest
	for _, r := range m.rows {
		if r.Status == db.StatusQueued && !m.claimed[r.ID] && !r.ScheduledAtUTC.After(cutoff) {
			due = append(due, *r)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].ScheduledAtUTC.Equal(due[j].ScheduledAtUTC) {
			return due[i].ID < due[j].ID
		}
		return due[i].ScheduledAtUTC.Before(due[j].ScheduledAtUTC)
	})
	if len(due) > params.Limit {
		due = due[:params.Limit]
	}
	for _, r := range due {
		m.claimed[r.ID] = true
	}
	m.claimSizes = append(m.claimSizes, len(due))

	return &mockBatch{store: m, rows: due, outcomes: map[string]db.NotificationRequest{}}, nil
}

func (m *mockStore) get(uniqueKey string) *db.NotificationRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, ok := m.byKey[uniqueKey]; ok {
		r := *m.rows[id]
		return &r
	}
	return nil
}

func (m *mockStore) all() []db.NotificationRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]db.NotificationRequest, 0, len(m.rows))
	for _, r := range m.rows {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAtUTC.Before(out[j].ScheduledAtUTC) })
	return out
}

func (m *mockStore) countByStatus(status db.Status) int {
	n := 0
	for _, r := range m.all() {
		if r.Status == status {
			n++
		}
	}
	return n
}

type mockBatch struct {
	store    *mockStore
	rows     []db.NotificationRequest
	outcomes map[string]db.NotificationRequest
	order    []string
}

func (b *mockBatch) Rows() []db.NotificationRequest { return b.rows }

func (b *mockBatch) RecordOutcome(_ context.Context, id string, status db.Status, result, errDetail string) error {
	if !status.IsTerminal() {
		return errors.New("non-terminal status")
	}
	b.outcomes[id] = db.NotificationRequest{Status: status, LastResult: result, LastError: errDetail}
	b.order = append(b.order, id)
	return nil
}

func (b *mockBatch) Commit(context.Context) ([]string, error) {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()

	if b.store.commitErr != nil {
		return nil, b.store.commitErr
	}

	var applied []string
	for _, id := range b.order {
		o := b.outcomes[id]
		row := b.store.rows[id]
		if row.Status != db.StatusQueued {
			continue
		}
		row.Status = o.Status
		row.LastResult = o.LastResult
		row.LastError = o.LastError
		applied = append(applied, id)
	}
	for _, r := range b.rows {
		delete(b.store.claimed, r.ID)
	}
	return applied, nil
}

func (b *mockBatch) Rollback(context.Context) error {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()

	b.store.rollbacks++
	for _, r := range b.rows {
		delete(b.store.claimed, r.ID)
	}
	return nil
}

// fakeClock is a manually advanced clock
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRenderer(t *testing.T, zone string) (*timezone.Translator, *messages.Renderer) {
	t.Helper()
	tz, err := timezone.New(zone)
	require.NoError(t, err)
	renderer, err := messages.NewRenderer(tz)
	require.NoError(t, err)
	return tz, renderer
}
