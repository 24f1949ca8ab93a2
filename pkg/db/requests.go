package db

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// ErrInvalidRequest is returned when a request is rejected before being persisted
var ErrInvalidRequest = errors.New("invalid notification request")

// ErrNotFound is returned by lookups that match no row
var ErrNotFound = errors.New("notification request not found")

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterValidation("notification_type", func(fl validator.FieldLevel) bool {
		return NotificationType(fl.Field().String()).IsValid()
	})
}

// DefaultUniqueKey builds the conventional deduplication key:
// {type}:{userId}:{occurrenceId|none}:{scheduledAtUtc-millis}
func DefaultUniqueKey(t NotificationType, userID, occurrenceID string, scheduledAt time.Time) string {
	occ := occurrenceID
	if occ == "" {
		occ = "none"
	}
	return strings.Join([]string{
		string(t),
		userID,
		occ,
		strconv.FormatInt(scheduledAt.UTC().UnixMilli(), 10),
	}, ":")
}

// PrepareForInsert validates a request and fills in the fields a store assigns
// at creation: id, unique key (when not overridden), status and timestamps.
// Validation failures wrap ErrInvalidRequest and the request must not be stored.
func PrepareForInsert(req *NotificationRequest, now time.Time) error {
	if req == nil {
		return fmt.Errorf("%w: request is nil", ErrInvalidRequest)
	}

	if err := validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	req.ScheduledAtUTC = req.ScheduledAtUTC.UTC()

	if req.UniqueKey == "" {
		req.UniqueKey = DefaultUniqueKey(req.Type, req.UserID, req.OccurrenceID, req.ScheduledAtUTC)
	}

	req.Status = StatusQueued
	req.LastResult = ""
	req.LastError = ""
	req.SentAt = nil
	req.CreatedAt = now.UTC()
	req.UpdatedAt = now.UTC()

	return nil
}
