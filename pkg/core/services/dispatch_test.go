package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jakechorley/shift-notifier/internal/config"
	"github.com/jakechorley/shift-notifier/pkg/core/delivery"
	"github.com/jakechorley/shift-notifier/pkg/db"
)

type mockChannel struct {
	name    string
	err     error
	failFor map[string]error
	delay   time.Duration

	calls    atomic.Int32
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (c *mockChannel) Name() string { return c.name }

func (c *mockChannel) Deliver(_ context.Context, req *db.NotificationRequest) error {
	c.calls.Add(1)
	cur := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		seen := c.maxSeen.Load()
		if cur <= seen || c.maxSeen.CompareAndSwap(seen, cur) {
			break
		}
	}
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	if err, ok := c.failFor[req.UserID]; ok {
		return err
	}
	return c.err
}

func seedDue(t *testing.T, store *mockStore, n int, at time.Time) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, created, err := store.Enqueue(context.Background(), &db.NotificationRequest{
			UserID:         fmt.Sprintf("user-%d", i),
			Type:           db.TypeTest,
			ScheduledAtUTC: at.Add(time.Duration(i) * time.Second),
			Payload: db.Payload{
				Email: &db.EmailContent{Subject: "s", Text: "t"},
				Push:  &db.PushContent{Title: "t", Body: "b"},
			},
		})
		require.NoError(t, err)
		require.True(t, created)
	}
}

func newTestDispatcher(store *mockStore, clock *fakeClock, channels ...delivery.Channel) *Dispatcher {
	d := NewDispatcher(store, channels, nil, zap.NewNop())
	d.now = clock.Now
	return d
}

func TestDispatcher_Run_BatchesUntilEmpty(t *testing.T) {
	now := time.Date(2024, 1, 20, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: now}
	store := newMockStore()
	seedDue(t, store, 50, now.Add(-time.Hour))

	email := &mockChannel{name: "email"}
	d := newTestDispatcher(store, clock, email)

	result, err := d.Run(context.Background(), DispatchOptions{MaxBatchSize: 20, MaxRunTime: time.Minute})
	require.NoError(t, err)

	assert.Equal(t, 50, result.Processed)
	assert.Equal(t, 50, result.Sent)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, []int{20, 20, 10, 0}, store.claimSizes)
	assert.Equal(t, 50, store.countByStatus(db.StatusSent))
	assert.Equal(t, int32(50), email.calls.Load())
}

func TestDispatcher_Run_NothingDue(t *testing.T) {
	now := time.Date(2024, 1, 20, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: now}
	store := newMockStore()
	seedDue(t, store, 3, now.Add(time.Hour))

	d := newTestDispatcher(store, clock, &mockChannel{name: "email"})

	result, err := d.Run(context.Background(), DispatchOptions{MaxBatchSize: 10, MaxRunTime: time.Minute})
	require.NoError(t, err)

	assert.Equal(t, 0, result.Processed)
	assert.Equal(t, 3, store.countByStatus(db.StatusQueued))
	assert.Equal(t, 1, store.rollbacks)
}

func TestDispatcher_Run_SkewTolerance(t *testing.T) {
	now := time.Date(2024, 1, 20, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: now}
	store := newMockStore()
	// due 0s, 1s and 2s after now+60s
	seedDue(t, store, 3, now.Add(60*time.Second))

	d := newTestDispatcher(store, clock, &mockChannel{name: "email"})

	result, err := d.Run(context.Background(), DispatchOptions{
		MaxBatchSize:  10,
		MaxRunTime:    time.Minute,
		SkewTolerance: 61 * time.Second,
	})
	require.NoError(t, err)

	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 1, store.countByStatus(db.StatusQueued))
}

func TestDispatcher_Run_TimeBudget(t *testing.T) {
	now := time.Date(2024, 1, 20, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: now}
	store := newMockStore()
	seedDue(t, store, 100, now.Add(-time.Hour))
	// each claim takes 10 seconds of wall time
	store.onClaim = func() { clock.Advance(10 * time.Second) }

	d := newTestDispatcher(store, clock, &mockChannel{name: "email"})

	result, err := d.Run(context.Background(), DispatchOptions{MaxBatchSize: 10, MaxRunTime: 25 * time.Second})
	require.NoError(t, err)

	// claims start at 0s, 10s and 20s; the check at 30s stops the run
	assert.Len(t, store.claimSizes, 3)
	assert.Equal(t, 30, result.Processed)
	assert.Equal(t, 70, store.countByStatus(db.StatusQueued))
	assert.Equal(t, 30*time.Second, result.Duration)
	assert.Equal(t, int64(30000), result.DurationMs())
}

func TestDispatcher_Run_MaxTotal(t *testing.T) {
	now := time.Date(2024, 1, 20, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: now}
	store := newMockStore()
	seedDue(t, store, 30, now.Add(-time.Hour))

	d := newTestDispatcher(store, clock, &mockChannel{name: "email"})

	result, err := d.Run(context.Background(), DispatchOptions{MaxBatchSize: 10, MaxRunTime: time.Minute, MaxTotal: 15})
	require.NoError(t, err)

	assert.Equal(t, 15, result.Processed)
	assert.Equal(t, []int{10, 5}, store.claimLimits)
}

func TestDispatcher_Run_RowIsolation(t *testing.T) {
	now := time.Date(2024, 1, 20, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: now}
	store := newMockStore()
	seedDue(t, store, 5, now.Add(-time.Minute))

	email := &mockChannel{name: "email", failFor: map[string]error{"user-2": errors.New("smtp 550")}}
	d := newTestDispatcher(store, clock, email)

	result, err := d.Run(context.Background(), DispatchOptions{MaxBatchSize: 10, MaxRunTime: time.Minute})
	require.NoError(t, err)

	assert.Equal(t, 5, result.Processed)
	assert.Equal(t, 4, result.Sent)
	assert.Equal(t, 1, result.Failed)

	for _, row := range store.all() {
		if row.UserID == "user-2" {
			assert.Equal(t, db.StatusFailed, row.Status)
			assert.Equal(t, "email: smtp 550", row.LastError)
		} else {
			assert.Equal(t, db.StatusSent, row.Status)
			assert.Empty(t, row.LastError)
		}
	}
}

func TestDispatcher_Run_ChannelOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		email      error
		push       error
		wantStatus db.Status
		wantResult string
		wantError  string
	}{
		{
			name:       "push fails email succeeds",
			push:       errors.New("no active push subscribers"),
			wantStatus: db.StatusSent,
			wantResult: "email: success; push: no active push subscribers",
		},
		{
			name:       "both succeed",
			wantStatus: db.StatusSent,
			wantResult: "email: success; push: success",
		},
		{
			name:       "both fail",
			email:      errors.New("quota exceeded"),
			push:       errors.New("redis down"),
			wantStatus: db.StatusFailed,
			wantResult: "email: quota exceeded; push: redis down",
			wantError:  "email: quota exceeded; push: redis down",
		},
		{
			name:       "everything skipped",
			email:      delivery.ErrNoContent,
			push:       delivery.ErrNoContent,
			wantStatus: db.StatusFailed,
			wantResult: "email: skipped (no content); push: skipped (no content)",
			wantError:  "no channel attempted delivery: email: skipped (no content); push: skipped (no content)",
		},
		{
			name:       "skipped and failed",
			email:      fmt.Errorf("%w: user has no email address", delivery.ErrNotConfigured),
			push:       errors.New("redis down"),
			wantStatus: db.StatusFailed,
			wantError:  "push: redis down",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			now := time.Date(2024, 1, 20, 12, 0, 0, 0, time.UTC)
			clock := &fakeClock{now: now}
			store := newMockStore()
			seedDue(t, store, 1, now.Add(-time.Minute))

			d := newTestDispatcher(store, clock,
				&mockChannel{name: "email", err: tt.email},
				&mockChannel{name: "push", err: tt.push},
			)

			_, err := d.Run(context.Background(), DispatchOptions{MaxBatchSize: 10, MaxRunTime: time.Minute})
			require.NoError(t, err)

			rows := store.all()
			require.Len(t, rows, 1)
			assert.Equal(t, tt.wantStatus, rows[0].Status)
			if tt.wantResult != "" {
				assert.Equal(t, tt.wantResult, rows[0].LastResult)
			}
			assert.Equal(t, tt.wantError, rows[0].LastError)
		})
	}
}

func TestDispatcher_Run_ClaimError(t *testing.T) {
	now := time.Date(2024, 1, 20, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: now}
	store := newMockStore()
	store.claimErr = errors.New("connection refused")

	d := newTestDispatcher(store, clock, &mockChannel{name: "email"})

	result, err := d.Run(context.Background(), DispatchOptions{MaxBatchSize: 10, MaxRunTime: time.Minute})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	require.NotNil(t, result)
	assert.Equal(t, 0, result.Processed)
}

func TestDispatcher_Run_CommitErrorRollsBack(t *testing.T) {
	now := time.Date(2024, 1, 20, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: now}
	store := newMockStore()
	seedDue(t, store, 4, now.Add(-time.Minute))
	store.commitErr = errors.New("serialization failure")

	email := &mockChannel{name: "email"}
	d := newTestDispatcher(store, clock, email)

	result, err := d.Run(context.Background(), DispatchOptions{MaxBatchSize: 10, MaxRunTime: time.Minute})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "serialization failure")

	assert.Equal(t, 0, result.Processed)
	assert.Equal(t, 0, result.Sent)
	assert.Equal(t, 1, store.rollbacks)
	// delivered but not recorded, so the rows are claimable again
	assert.Equal(t, int32(4), email.calls.Load())
	assert.Equal(t, 4, store.countByStatus(db.StatusQueued))
}

func TestDispatcher_Run_CanceledContext(t *testing.T) {
	now := time.Date(2024, 1, 20, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: now}
	store := newMockStore()
	seedDue(t, store, 5, now.Add(-time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := newTestDispatcher(store, clock, &mockChannel{name: "email"})

	result, err := d.Run(ctx, DispatchOptions{MaxBatchSize: 10, MaxRunTime: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, 0, result.Processed)
	assert.Empty(t, store.claimSizes)
}

func TestDispatcher_Run_Concurrency(t *testing.T) {
	now := time.Date(2024, 1, 20, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: now}
	store := newMockStore()
	seedDue(t, store, 12, now.Add(-time.Minute))

	email := &mockChannel{name: "email", delay: 20 * time.Millisecond}
	d := newTestDispatcher(store, clock, email)

	result, err := d.Run(context.Background(), DispatchOptions{MaxBatchSize: 12, MaxRunTime: time.Minute, Concurrency: 3})
	require.NoError(t, err)

	assert.Equal(t, 12, result.Sent)
	assert.LessOrEqual(t, email.maxSeen.Load(), int32(3))
	assert.Equal(t, 12, store.countByStatus(db.StatusSent))
}

func TestDispatcher_ConcurrentRunsDeliverOnce(t *testing.T) {
	now := time.Date(2024, 1, 20, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: now}
	store := newMockStore()
	seedDue(t, store, 40, now.Add(-time.Minute))

	email := &mockChannel{name: "email"}

	var wg sync.WaitGroup
	var total atomic.Int32
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d := newTestDispatcher(store, clock, email)
			result, err := d.Run(context.Background(), DispatchOptions{MaxBatchSize: 5, MaxRunTime: time.Minute})
			assert.NoError(t, err)
			total.Add(int32(result.Processed))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(40), total.Load())
	assert.Equal(t, int32(40), email.calls.Load())
	assert.Equal(t, 40, store.countByStatus(db.StatusSent))
}

// cancelingChannel cancels an occurrence while its row is being delivered
type cancelingChannel struct {
	store        *mockStore
	occurrenceID string
}

func (c *cancelingChannel) Name() string { return "push" }

func (c *cancelingChannel) Deliver(ctx context.Context, req *db.NotificationRequest) error {
	if req.OccurrenceID == c.occurrenceID {
		if _, err := c.store.CancelForOccurrence(ctx, c.occurrenceID); err != nil {
			return err
		}
	}
	return nil
}

func TestDispatcher_Run_CountsOnlyAppliedOutcomes(t *testing.T) {
	now := time.Date(2024, 1, 20, 12, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: now}
	store := newMockStore()
	seedDue(t, store, 2, now.Add(-time.Hour))

	_, _, err := store.Enqueue(context.Background(), &db.NotificationRequest{
		UserID:         "user-9",
		OccurrenceID:   "occ-1",
		Type:           db.TypeScheduleReminder15m,
		ScheduledAtUTC: now.Add(-time.Minute),
		Payload:        db.Payload{Push: &db.PushContent{Title: "t", Body: "b"}},
	})
	require.NoError(t, err)

	d := newTestDispatcher(store, clock, &cancelingChannel{store: store, occurrenceID: "occ-1"})

	result, err := d.Run(context.Background(), DispatchOptions{MaxBatchSize: 10, MaxRunTime: time.Minute})
	require.NoError(t, err)

	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 2, result.Sent)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, 2, store.countByStatus(db.StatusSent))
	assert.Equal(t, 1, store.countByStatus(db.StatusCanceled))
}

func TestDispatchOptionsFromConfig(t *testing.T) {
	cfg := config.DispatchConfig{
		MaxBatchSize:         20,
		MaxRunTimeMs:         1500,
		SkewToleranceSeconds: 30,
		LeaseSeconds:         120,
		Concurrency:          2,
	}

	assert.Equal(t, DispatchOptions{
		MaxBatchSize:  20,
		MaxRunTime:    1500 * time.Millisecond,
		SkewTolerance: 30 * time.Second,
		Lease:         2 * time.Minute,
		Concurrency:   2,
	}, DispatchOptionsFromConfig(cfg))
}
