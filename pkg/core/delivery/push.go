package delivery

import (
	"context"
	"fmt"

	"github.com/jakechorley/shift-notifier/pkg/clients/pushclient"
	"github.com/jakechorley/shift-notifier/pkg/db"
)

// PushPublisher publishes a message to a user's devices and reports how many
// subscribers received it
type PushPublisher interface {
	Publish(ctx context.Context, userID string, msg pushclient.Message) (int64, error)
}

// PushChannel delivers the payload's push section over pub/sub
type PushChannel struct {
	publisher PushPublisher
}

// NewPushChannel creates the push channel. A nil publisher leaves the channel
// unconfigured: every delivery is skipped.
func NewPushChannel(publisher PushPublisher) *PushChannel {
	return &PushChannel{publisher: publisher}
}

func (c *PushChannel) Name() string { return "push" }

func (c *PushChannel) Deliver(ctx context.Context, req *db.NotificationRequest) error {
	content := req.Payload.Push
	if content == nil || (content.Title == "" && content.Body == "") {
		return ErrNoContent
	}
	if c.publisher == nil {
		return fmt.Errorf("%w: push publisher", ErrNotConfigured)
	}

	receivers, err := c.publisher.Publish(ctx, req.UserID, pushclient.Message{
		ID:    req.ID,
		Type:  string(req.Type),
		Title: content.Title,
		Body:  content.Body,
		Data:  content.Data,
	})
	if err != nil {
		return err
	}
	if receivers == 0 {
		return fmt.Errorf("no active push subscribers")
	}
	return nil
}
