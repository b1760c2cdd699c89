// Package line talks to the LINE Messaging API: outbound reply and push
// messages, admin notices and inbound webhook parsing.
package line

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/line/line-bot-sdk-go/v8/linebot/messaging_api"
	"go.uber.org/zap"

	"github.com/line-relay/backend/internal/metrics"
	"github.com/line-relay/backend/pkg/logger"
)

const (
	DefaultAPIBaseURL = "https://api.line.me"
	// MaxMessagesPerCall is the Messaging API limit for one reply or push.
	MaxMessagesPerCall = 5
)

var ErrDelivery = errors.New("line delivery failed")

// Client sends text messages through the Messaging API SDK.
type Client struct {
	api *messaging_api.MessagingApiAPI
}

func NewClient(baseURL, accessToken string, timeout time.Duration) (*Client, error) {
	if baseURL == "" {
		baseURL = DefaultAPIBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	api, err := messaging_api.NewMessagingApiAPI(accessToken,
		messaging_api.WithEndpoint(strings.TrimRight(baseURL, "/")),
		messaging_api.WithHTTPClient(&http.Client{Timeout: timeout}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messaging api client: %w", err)
	}
	return &Client{api: api}, nil
}

// Reply answers a webhook event. A reply token is single use and short lived.
func (c *Client) Reply(ctx context.Context, replyToken string, texts []string) error {
	if replyToken == "" {
		return fmt.Errorf("%w: empty reply token", ErrDelivery)
	}
	if err := checkBatch(ctx, texts); err != nil {
		return err
	}

	_, err := c.api.ReplyMessage(&messaging_api.ReplyMessageRequest{
		ReplyToken: replyToken,
		Messages:   toMessages(texts),
	})
	err = wrap(err)
	record("reply", err)
	return err
}

// Push sends texts to userID. Each call carries a fresh retry key so the
// platform can drop duplicates of the same request.
func (c *Client) Push(ctx context.Context, userID string, texts []string) error {
	if userID == "" {
		return fmt.Errorf("%w: empty recipient", ErrDelivery)
	}
	if err := checkBatch(ctx, texts); err != nil {
		return err
	}

	_, err := c.api.PushMessage(&messaging_api.PushMessageRequest{
		To:       userID,
		Messages: toMessages(texts),
	}, uuid.NewString())
	err = wrap(err)
	record("push", err)
	return err
}

func checkBatch(ctx context.Context, texts []string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	if len(texts) == 0 {
		return fmt.Errorf("%w: no messages", ErrDelivery)
	}
	if len(texts) > MaxMessagesPerCall {
		return fmt.Errorf("%w: %d messages exceeds limit of %d", ErrDelivery, len(texts), MaxMessagesPerCall)
	}
	return nil
}

func toMessages(texts []string) []messaging_api.MessageInterface {
	msgs := make([]messaging_api.MessageInterface, 0, len(texts))
	for _, t := range texts {
		msgs = append(msgs, messaging_api.TextMessage{Text: t})
	}
	return msgs
}

func wrap(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrDelivery, err)
}

func record(channel string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		logger.Warn("LINE API call failed", zap.String("channel", channel), zap.Error(err))
	}
	metrics.Deliveries.WithLabelValues(channel, status).Inc()
}
