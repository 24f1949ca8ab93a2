package services

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jakechorley/shift-notifier/pkg/core/messages"
	"github.com/jakechorley/shift-notifier/pkg/db"
)

// Notice is an administrative message for one or more users
type Notice struct {
	UserIDs []string `json:"userIds" validate:"required,min=1,dive,required"`
	Title   string   `json:"title" validate:"required"`
	Body    string   `json:"body" validate:"required"`
	// Test marks the notice as a channel test rather than an admin notice
	Test bool `json:"test"`
}

// NoticeResult reports which users got a newly enqueued notice
type NoticeResult struct {
	Created    int      `json:"created"`
	RequestIDs []string `json:"requestIds"`
}

// SendNotice enqueues an admin_notice (or test) request per user, due now
func SendNotice(
	ctx context.Context,
	store db.NotificationEnqueuer,
	renderer *messages.Renderer,
	logger *zap.Logger,
	notice Notice,
	now time.Time,
) (*NoticeResult, error) {
	if err := validate.Struct(notice); err != nil {
		return nil, fmt.Errorf("%w: %v", db.ErrInvalidRequest, err)
	}

	payload, err := renderer.Notice(notice.Title, notice.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to render notice: %w", err)
	}

	notificationType := db.TypeAdminNotice
	if notice.Test {
		notificationType = db.TypeTest
	}

	result := &NoticeResult{RequestIDs: []string{}}
	for _, userID := range notice.UserIDs {
		id, created, err := store.Enqueue(ctx, &db.NotificationRequest{
			UserID:         userID,
			Type:           notificationType,
			ScheduledAtUTC: now.UTC(),
			Payload:        payload,
		})
		if err != nil {
			return result, fmt.Errorf("failed to enqueue notice for %s: %w", userID, err)
		}
		if created {
			result.Created++
		}
		result.RequestIDs = append(result.RequestIDs, id)
	}

	logger.Info("Notice enqueued",
		zap.String("type", string(notificationType)),
		zap.Int("recipients", len(notice.UserIDs)),
		zap.Int("created", result.Created))

	return result, nil
}
