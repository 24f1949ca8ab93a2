package gmailclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// Client wraps the Gmail API client
type Client struct {
	send         func(ctx context.Context, msg *gmail.Message) error
	sender       string
	interval     time.Duration
	lastSendTime time.Time
	sendMutex    sync.Mutex
}

// NewClient creates a Gmail client from an authorised token.
// sender is the From address; empty lets Gmail use the account address.
func NewClient(ctx context.Context, oauthConfig *oauth2.Config, token *oauth2.Token, userID, sender string) (*Client, error) {
	httpClient := oauthConfig.Client(ctx, token)

	service, err := gmail.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create gmail service: %w", err)
	}

	if userID == "" {
		userID = "me"
	}

	return &Client{
		send: func(ctx context.Context, msg *gmail.Message) error {
			_, err := service.Users.Messages.Send(userID, msg).Context(ctx).Do()
			return err
		},
		sender:   sender,
		interval: EMAIL_INTERVAL,
	}, nil
}
