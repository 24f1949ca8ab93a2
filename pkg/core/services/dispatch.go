package services

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jakechorley/shift-notifier/internal/config"
	"github.com/jakechorley/shift-notifier/pkg/core/delivery"
	"github.com/jakechorley/shift-notifier/pkg/db"
	"github.com/jakechorley/shift-notifier/pkg/metrics"
)

const (
	defaultMaxBatchSize = 50
	defaultMaxRunTime   = 25 * time.Second
)

// DispatchOptions bounds a single dispatcher invocation
type DispatchOptions struct {
	MaxBatchSize  int
	MaxRunTime    time.Duration
	SkewTolerance time.Duration
	Lease         time.Duration
	// MaxTotal caps rows processed across all batches; 0 means no cap
	MaxTotal int
	// Concurrency is the number of rows delivered in parallel within a batch
	Concurrency int
}

// DispatchOptionsFromConfig maps the configured dispatch bounds onto run
// options. Every trigger builds its options here.
func DispatchOptionsFromConfig(cfg config.DispatchConfig) DispatchOptions {
	return DispatchOptions{
		MaxBatchSize:  cfg.MaxBatchSize,
		MaxRunTime:    cfg.MaxRunTime(),
		SkewTolerance: cfg.SkewTolerance(),
		Lease:         cfg.Lease(),
		Concurrency:   cfg.Concurrency,
	}
}

func (o DispatchOptions) withDefaults() DispatchOptions {
	if o.MaxBatchSize <= 0 {
		o.MaxBatchSize = defaultMaxBatchSize
	}
	if o.MaxRunTime <= 0 {
		o.MaxRunTime = defaultMaxRunTime
	}
	if o.SkewTolerance < 0 {
		o.SkewTolerance = 0
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	return o
}

// DispatchResult summarises an invocation. Only committed outcomes are counted.
type DispatchResult struct {
	Processed int           `json:"processed"`
	Sent      int           `json:"sent"`
	Failed    int           `json:"failed"`
	Duration  time.Duration `json:"-"`
}

// DurationMs returns the invocation's wall time in milliseconds
func (r *DispatchResult) DurationMs() int64 {
	return r.Duration.Milliseconds()
}

// Dispatcher claims due notification requests and delivers them on every
// channel. It holds no state between runs and is safe to run concurrently with
// other dispatchers against the same store.
type Dispatcher struct {
	store    db.NotificationClaimer
	channels []delivery.Channel
	metrics  *metrics.Recorder
	logger   *zap.Logger
	now      func() time.Time
}

// NewDispatcher creates a dispatcher. recorder may be nil.
func NewDispatcher(store db.NotificationClaimer, channels []delivery.Channel, recorder *metrics.Recorder, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:    store,
		channels: channels,
		metrics:  recorder,
		logger:   logger,
		now:      time.Now,
	}
}

// Run claims and processes batches until a claim comes back empty, the time
// budget has elapsed, MaxTotal is reached or ctx is done. The budget is only
// checked before claiming: a claimed batch is always processed to completion.
// A claim or commit failure rolls the batch back and is returned as an error
// alongside the counts committed so far.
func (d *Dispatcher) Run(ctx context.Context, opts DispatchOptions) (*DispatchResult, error) {
	opts = opts.withDefaults()
	start := d.now()
	result := &DispatchResult{}

	defer func() {
		result.Duration = d.now().Sub(start)
		d.metrics.ObserveRun(result.Duration)
	}()

	logger := d.logger.With(zap.String("component", "dispatcher"))
	logger.Debug("Starting dispatch run",
		zap.Int("max_batch_size", opts.MaxBatchSize),
		zap.Duration("max_run_time", opts.MaxRunTime),
		zap.Duration("skew_tolerance", opts.SkewTolerance))

	for batchNum := 1; ; batchNum++ {
		if elapsed := d.now().Sub(start); elapsed >= opts.MaxRunTime {
			logger.Info("Dispatch time budget exhausted", zap.Duration("elapsed", elapsed))
			break
		}
		if ctx.Err() != nil {
			logger.Info("Dispatch run canceled before claiming", zap.Error(ctx.Err()))
			break
		}

		limit := opts.MaxBatchSize
		if opts.MaxTotal > 0 {
			remaining := opts.MaxTotal - result.Processed
			if remaining <= 0 {
				break
			}
			limit = min(limit, remaining)
		}

		batch, err := d.store.ClaimDue(ctx, db.ClaimParams{
			Limit:         limit,
			SkewTolerance: opts.SkewTolerance,
			Now:           d.now(),
			Lease:         opts.Lease,
		})
		if err != nil {
			d.metrics.HardFailure()
			return result, fmt.Errorf("failed to claim due notifications: %w", err)
		}

		rows := batch.Rows()
		if len(rows) == 0 {
			if err := batch.Rollback(ctx); err != nil {
				logger.Warn("Failed to close empty batch", zap.Error(err))
			}
			break
		}

		logger.Debug("Claimed batch", zap.Int("batch", batchNum), zap.Int("batch_size", len(rows)))

		// A claimed batch runs to completion regardless of the caller
		batchCtx := context.WithoutCancel(ctx)

		sent, failed, err := d.processBatch(batchCtx, batch, opts.Concurrency, logger)
		if err != nil {
			if rbErr := batch.Rollback(batchCtx); rbErr != nil {
				logger.Error("Failed to roll back batch", zap.Error(rbErr))
			}
			d.metrics.HardFailure()
			return result, err
		}

		result.Processed += sent + failed
		result.Sent += sent
		result.Failed += failed
		d.metrics.Dispatched(string(db.StatusSent), sent)
		d.metrics.Dispatched(string(db.StatusFailed), failed)
	}

	logger.Info("Dispatch run complete",
		zap.Int("processed", result.Processed),
		zap.Int("sent", result.Sent),
		zap.Int("failed", result.Failed),
		zap.Duration("duration", d.now().Sub(start)))

	return result, nil
}

// processBatch delivers every claimed row, records each outcome and commits.
// Delivery may run in parallel; outcomes are recorded sequentially afterwards.
// Only transitions the store actually applied are counted.
func (d *Dispatcher) processBatch(ctx context.Context, batch db.ClaimedBatch, concurrency int, logger *zap.Logger) (int, int, error) {
	rows := batch.Rows()
	reports := make([]delivery.Report, len(rows))

	var g errgroup.Group
	g.SetLimit(concurrency)
	for i := range rows {
		g.Go(func() error {
			reports[i] = delivery.DeliverAll(ctx, d.channels, &rows[i])
			return nil
		})
	}
	g.Wait()

	recorded := make(map[string]db.Status, len(rows))
	for i, row := range rows {
		report := reports[i]
		for channel, outcome := range report {
			d.metrics.ChannelOutcome(channel, string(outcome.Status))
		}

		status := report.Status()
		errDetail := ""
		if status == db.StatusFailed {
			errDetail = report.Failures()
			if errDetail == "" {
				errDetail = "no channel attempted delivery: " + report.String()
			}
		}

		if err := batch.RecordOutcome(ctx, row.ID, status, report.String(), errDetail); err != nil {
			return 0, 0, fmt.Errorf("failed to record outcome: %w", err)
		}
		recorded[row.ID] = status

		logger.Debug("Recorded outcome",
			zap.String("request_id", row.ID),
			zap.String("type", string(row.Type)),
			zap.String("status", string(status)),
			zap.String("result", report.String()))

		if status == db.StatusFailed {
			logger.Warn("Notification delivery failed",
				zap.String("request_id", row.ID),
				zap.String("user_id", row.UserID),
				zap.String("detail", errDetail))
		}
	}

	applied, err := batch.Commit(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to commit batch outcomes: %w", err)
	}

	if skipped := len(recorded) - len(applied); skipped > 0 {
		logger.Info("Outcomes not applied to rows canceled or reclaimed during delivery", zap.Int("count", skipped))
	}

	sent, failed := 0, 0
	for _, id := range applied {
		switch recorded[id] {
		case db.StatusSent:
			sent++
		case db.StatusFailed:
			failed++
		}
	}

	return sent, failed, nil
}
