package db

import (
	"encoding/json"
	"time"
)

// NotificationType tags what a notification request is for
type NotificationType string

const (
	TypeScheduleConfirm     NotificationType = "schedule_confirm"
	TypeScheduleReminder8h  NotificationType = "schedule_reminder_8h"
	TypeScheduleReminder15m NotificationType = "schedule_reminder_15m"
	TypeScheduleCancel      NotificationType = "schedule_cancel"
	TypeScheduleUpdate      NotificationType = "schedule_update"
	TypeScheduleReminder    NotificationType = "schedule_reminder"
	TypeAdminNotice         NotificationType = "admin_notice"
	TypeTest                NotificationType = "test"
)

// AllNotificationTypes lists the closed set of notification types
var AllNotificationTypes = []NotificationType{
	TypeScheduleConfirm,
	TypeScheduleReminder8h,
	TypeScheduleReminder15m,
	TypeScheduleCancel,
	TypeScheduleUpdate,
	TypeScheduleReminder,
	TypeAdminNotice,
	TypeTest,
}

// IsValid reports whether the type is one of the known tags
func (t NotificationType) IsValid() bool {
	for _, known := range AllNotificationTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Status is the lifecycle state of a notification request.
// queued is the only non-terminal state; rows never move back to it.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusSent     Status = "sent"
	StatusFailed   Status = "failed"
	StatusCanceled Status = "canceled"
)

// IsTerminal reports whether the status is sent, failed or canceled
func (s Status) IsTerminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusCanceled
}

// EmailContent is the material for the email channel
type EmailContent struct {
	Subject string `json:"subject"`
	HTML    string `json:"html,omitempty"`
	Text    string `json:"text,omitempty"`
}

// PushContent is the material for the push channel
type PushContent struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// Payload bundles per-channel content. A nil section means the channel has
// nothing to deliver for this request.
type Payload struct {
	Email *EmailContent `json:"email,omitempty"`
	Push  *PushContent  `json:"push,omitempty"`
}

// Marshal encodes the payload for storage
func (p Payload) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

// UnmarshalPayload decodes a stored payload. Empty input yields an empty payload.
func UnmarshalPayload(data []byte) (Payload, error) {
	var p Payload
	if len(data) == 0 {
		return p, nil
	}
	err := json.Unmarshal(data, &p)
	return p, err
}

// NotificationRequest represents a database notification request record
type NotificationRequest struct {
	ID             string           `json:"id"`
	UserID         string           `json:"userId" validate:"required"`
	OccurrenceID   string           `json:"occurrenceId,omitempty"` // Empty for non-shift notifications
	Type           NotificationType `json:"type" validate:"required,notification_type"`
	ScheduledAtUTC time.Time        `json:"scheduledAtUtc" validate:"required"`
	Payload        Payload          `json:"payload"`
	UniqueKey      string           `json:"uniqueKey"`
	Status         Status           `json:"status"`
	LastResult     string           `json:"lastResult,omitempty"`
	LastError      string           `json:"lastError,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
	SentAt         *time.Time       `json:"sentAt,omitempty"`
}

// HasOccurrence reports whether the request refers back to a shift occurrence
func (r *NotificationRequest) HasOccurrence() bool {
	return r.OccurrenceID != ""
}
