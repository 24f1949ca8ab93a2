package pushclient

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Message is the JSON document published to a user's push channel and relayed
// to their connected devices
type Message struct {
	ID    string            `json:"id"`
	Type  string            `json:"type"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// Client publishes push messages over Redis pub/sub, one channel per user
type Client struct {
	rdb    *redis.Client
	prefix string
}

// NewClient connects to Redis at redisURL (redis://[:password@]host:port/db)
func NewClient(ctx context.Context, redisURL, prefix string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &Client{rdb: rdb, prefix: prefix}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// ChannelFor returns the pub/sub channel for a user
func (c *Client) ChannelFor(userID string) string {
	return ChannelName(c.prefix, userID)
}

// ChannelName builds "<prefix>:<userID>"
func ChannelName(prefix, userID string) string {
	if prefix == "" {
		return userID
	}
	return prefix + ":" + userID
}

// Publish sends msg to the user's channel and returns how many subscribers
// received it
func (c *Client) Publish(ctx context.Context, userID string, msg Message) (int64, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal push message: %w", err)
	}

	receivers, err := c.rdb.Publish(ctx, c.ChannelFor(userID), payload).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to publish push message: %w", err)
	}
	return receivers, nil
}

// Subscribe opens a subscription to the user's channel. The caller closes it.
func (c *Client) Subscribe(ctx context.Context, userID string) *redis.PubSub {
	return c.rdb.Subscribe(ctx, c.ChannelFor(userID))
}

// Stream subscribes to the user's channel and forwards each message payload
// until ctx is done. The returned channel is closed when the subscription ends.
func (c *Client) Stream(ctx context.Context, userID string) (<-chan string, error) {
	sub := c.Subscribe(ctx, userID)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", c.ChannelFor(userID), err)
	}

	out := make(chan string)
	go func() {
		defer close(out)
		defer sub.Close()

		messages := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}
