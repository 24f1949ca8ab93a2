package delivery

import (
	"context"
	"fmt"

	"github.com/jakechorley/shift-notifier/pkg/clients/gmailclient"
	"github.com/jakechorley/shift-notifier/pkg/db"
)

// EmailSender sends a single email
type EmailSender interface {
	SendEmail(ctx context.Context, email gmailclient.Email) error
}

// EmailChannel delivers the payload's email section to the user's address
type EmailChannel struct {
	sender    EmailSender
	directory db.UserDirectory
}

// NewEmailChannel creates the email channel. A nil sender leaves the channel
// unconfigured: every delivery is skipped.
func NewEmailChannel(sender EmailSender, directory db.UserDirectory) *EmailChannel {
	return &EmailChannel{sender: sender, directory: directory}
}

func (c *EmailChannel) Name() string { return "email" }

func (c *EmailChannel) Deliver(ctx context.Context, req *db.NotificationRequest) error {
	content := req.Payload.Email
	if content == nil || (content.Text == "" && content.HTML == "") {
		return ErrNoContent
	}
	if c.sender == nil {
		return fmt.Errorf("%w: email sender", ErrNotConfigured)
	}

	address, err := c.directory.GetUserEmail(ctx, req.UserID)
	if err != nil {
		return fmt.Errorf("failed to resolve email address: %w", err)
	}
	if address == "" {
		return fmt.Errorf("%w: no email address for user", ErrNotConfigured)
	}

	return c.sender.SendEmail(ctx, gmailclient.Email{
		To:      address,
		Subject: content.Subject,
		Text:    content.Text,
		HTML:    content.HTML,
	})
}
