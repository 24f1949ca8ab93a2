package services

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/jakechorley/shift-notifier/pkg/core/messages"
	"github.com/jakechorley/shift-notifier/pkg/core/model"
	"github.com/jakechorley/shift-notifier/pkg/core/timezone"
	"github.com/jakechorley/shift-notifier/pkg/db"
	"github.com/jakechorley/shift-notifier/pkg/metrics"
)

const (
	reminder8hLead  = 8 * time.Hour
	reminder15mLead = 15 * time.Minute
)

var validate = validator.New()

// ShiftNotifierStore defines the store operations needed to react to shift changes
type ShiftNotifierStore interface {
	db.NotificationEnqueuer
	db.NotificationCanceler
}

// ShiftNotifier turns shift mutations into notification requests. The On*
// hooks never fail the caller: errors are logged and dropped so that
// notification problems cannot block shift management.
type ShiftNotifier struct {
	store    ShiftNotifierStore
	tz       *timezone.Translator
	renderer *messages.Renderer
	metrics  *metrics.Recorder
	logger   *zap.Logger
	now      func() time.Time
}

// NewShiftNotifier creates a shift notifier. recorder may be nil.
func NewShiftNotifier(store ShiftNotifierStore, tz *timezone.Translator, renderer *messages.Renderer, recorder *metrics.Recorder, logger *zap.Logger) *ShiftNotifier {
	return &ShiftNotifier{
		store:    store,
		tz:       tz,
		renderer: renderer,
		metrics:  recorder,
		logger:   logger.With(zap.String("component", "shift_notifier")),
		now:      time.Now,
	}
}

// OnShiftCreated enqueues a confirmation and any reminders still in the future
func (n *ShiftNotifier) OnShiftCreated(ctx context.Context, shift model.ScheduledShift) {
	n.swallow("created", shift, n.ShiftCreated(ctx, shift))
}

// OnShiftUpdated cancels pending notifications and schedules fresh ones
func (n *ShiftNotifier) OnShiftUpdated(ctx context.Context, shift model.ScheduledShift) {
	n.swallow("updated", shift, n.ShiftUpdated(ctx, shift))
}

// OnShiftDeleted cancels pending notifications and sends a cancellation notice
func (n *ShiftNotifier) OnShiftDeleted(ctx context.Context, shift model.ScheduledShift) {
	n.swallow("deleted", shift, n.ShiftDeleted(ctx, shift))
}

// HandleEvent routes a shift event to the matching hook
func (n *ShiftNotifier) HandleEvent(ctx context.Context, kind model.ShiftEventKind, shift model.ScheduledShift) {
	switch kind {
	case model.ShiftCreated:
		n.OnShiftCreated(ctx, shift)
	case model.ShiftUpdated:
		n.OnShiftUpdated(ctx, shift)
	case model.ShiftDeleted:
		n.OnShiftDeleted(ctx, shift)
	default:
		n.logger.Warn("Ignoring unknown shift event", zap.String("event", string(kind)), zap.String("occurrence_id", shift.ID))
	}
}

func (n *ShiftNotifier) swallow(event string, shift model.ScheduledShift, err error) {
	if err != nil {
		n.logger.Error("Failed to schedule shift notifications",
			zap.String("event", event),
			zap.String("occurrence_id", shift.ID),
			zap.String("user_id", shift.UserID),
			zap.Error(err))
	}
}

// ShiftCreated is OnShiftCreated with the error returned
func (n *ShiftNotifier) ShiftCreated(ctx context.Context, shift model.ScheduledShift) error {
	start, end, err := n.window(shift)
	if err != nil {
		return err
	}
	now := n.now().UTC()

	confirm := n.request(shift, db.TypeScheduleConfirm, now)
	confirm.UniqueKey = db.DefaultUniqueKey(db.TypeScheduleConfirm, shift.UserID, shift.ID, start)
	if err := n.enqueue(ctx, confirm, start, end); err != nil {
		return err
	}

	return n.enqueueReminders(ctx, shift, start, end, now, "")
}

// ShiftUpdated is OnShiftUpdated with the error returned. Pending requests are
// canceled before the new times are resolved, so a malformed update never
// leaves the old reminders queued.
func (n *ShiftNotifier) ShiftUpdated(ctx context.Context, shift model.ScheduledShift) error {
	if err := n.cancelPending(ctx, shift); err != nil {
		return err
	}

	start, end, err := n.window(shift)
	if err != nil {
		return err
	}

	now := n.now().UTC()
	version := revision(now)

	update := n.request(shift, db.TypeScheduleUpdate, now)
	update.UniqueKey = db.DefaultUniqueKey(db.TypeScheduleUpdate, shift.UserID, shift.ID, start) + version
	if err := n.enqueue(ctx, update, start, end); err != nil {
		return err
	}

	return n.enqueueReminders(ctx, shift, start, end, now, version)
}

// ShiftDeleted is OnShiftDeleted with the error returned
func (n *ShiftNotifier) ShiftDeleted(ctx context.Context, shift model.ScheduledShift) error {
	if err := n.cancelPending(ctx, shift); err != nil {
		return err
	}

	start, end, err := n.window(shift)
	if err != nil {
		return err
	}

	// A redelivered delete has just canceled the earlier notice, so this one
	// needs a key of its own
	now := n.now().UTC()
	notice := n.request(shift, db.TypeScheduleCancel, now)
	notice.UniqueKey = db.DefaultUniqueKey(db.TypeScheduleCancel, shift.UserID, shift.ID, start) + revision(now)
	return n.enqueue(ctx, notice, start, end)
}

func (n *ShiftNotifier) cancelPending(ctx context.Context, shift model.ScheduledShift) error {
	if shift.ID == "" {
		return fmt.Errorf("invalid shift: occurrence id is required")
	}

	canceled, err := n.store.CancelForOccurrence(ctx, shift.ID)
	if err != nil {
		return fmt.Errorf("failed to cancel pending notifications: %w", err)
	}
	n.logger.Debug("Canceled pending notifications", zap.String("occurrence_id", shift.ID), zap.Int64("count", canceled))
	return nil
}

// revision suffixes the keys of requests written after a change. Earlier keys
// may still be held by in-flight deliveries or canceled rows.
func revision(now time.Time) string {
	return ":v" + strconv.FormatInt(now.UnixMilli(), 10)
}

// enqueueReminders schedules the 8h and 15m reminders that still lie after now
func (n *ShiftNotifier) enqueueReminders(ctx context.Context, shift model.ScheduledShift, start, end, now time.Time, keySuffix string) error {
	reminders := []struct {
		typ  db.NotificationType
		lead time.Duration
	}{
		{db.TypeScheduleReminder8h, reminder8hLead},
		{db.TypeScheduleReminder15m, reminder15mLead},
	}

	for _, r := range reminders {
		at := start.Add(-r.lead)
		if !at.After(now) {
			n.logger.Debug("Skipping reminder already in the past",
				zap.String("occurrence_id", shift.ID),
				zap.String("type", string(r.typ)),
				zap.Time("scheduled_at", at))
			continue
		}

		req := n.request(shift, r.typ, at)
		if keySuffix != "" {
			req.UniqueKey = db.DefaultUniqueKey(r.typ, shift.UserID, shift.ID, at) + keySuffix
		}
		if err := n.enqueue(ctx, req, start, end); err != nil {
			return err
		}
	}

	return nil
}

func (n *ShiftNotifier) window(shift model.ScheduledShift) (time.Time, time.Time, error) {
	if err := validate.Struct(shift); err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid shift: %w", err)
	}

	start, end, err := n.tz.ShiftWindow(shift.Date, shift.StartTime, shift.EndTime)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("failed to resolve shift times: %w", err)
	}
	return start, end, nil
}

func (n *ShiftNotifier) request(shift model.ScheduledShift, t db.NotificationType, at time.Time) *db.NotificationRequest {
	return &db.NotificationRequest{
		UserID:         shift.UserID,
		OccurrenceID:   shift.ID,
		Type:           t,
		ScheduledAtUTC: at,
	}
}

func (n *ShiftNotifier) enqueue(ctx context.Context, req *db.NotificationRequest, start, end time.Time) error {
	payload, err := n.renderer.Shift(req.Type, req.OccurrenceID, start, end)
	if err != nil {
		return fmt.Errorf("failed to render %s: %w", req.Type, err)
	}
	req.Payload = payload

	id, created, err := n.store.Enqueue(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to enqueue %s: %w", req.Type, err)
	}

	if created {
		n.metrics.Enqueued(string(req.Type))
	}
	n.logger.Debug("Enqueued shift notification",
		zap.String("request_id", id),
		zap.String("occurrence_id", req.OccurrenceID),
		zap.String("type", string(req.Type)),
		zap.Time("scheduled_at", req.ScheduledAtUTC),
		zap.Bool("created", created))

	return nil
}
