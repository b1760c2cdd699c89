package line

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/line-relay/backend/pkg/logger"
)

// Messenger is the subset of Client used for delivery.
type Messenger interface {
	Reply(ctx context.Context, replyToken string, texts []string) error
	Push(ctx context.Context, userID string, texts []string) error
}

type Delivery struct {
	Segments int
	Replied  bool
	Pushed   int
	Err      error
}

type Sender struct {
	messenger Messenger
	maxLength int
}

func NewSender(messenger Messenger, maxLength int) *Sender {
	if maxLength <= 0 {
		maxLength = DefaultMaxMessageLength
	}
	return &Sender{messenger: messenger, maxLength: maxLength}
}

// Send cleans and splits text, replies with the first segment and pushes the
// rest in order. Without a usable reply token every segment is pushed. Push
// failures are not retried; the first one ends delivery.
func (s *Sender) Send(ctx context.Context, userID, replyToken, text string) Delivery {
	segments := Split(CleanCitations(text), s.maxLength)
	d := Delivery{Segments: len(segments)}
	if len(segments) == 0 {
		return d
	}

	rest := segments
	if replyToken != "" {
		if err := s.messenger.Reply(ctx, replyToken, segments[:1]); err != nil {
			logger.Warn("Reply failed, falling back to push",
				zap.String("user_id", userID),
				zap.Error(err),
			)
		} else {
			d.Replied = true
			rest = segments[1:]
		}
	}

	for start := 0; start < len(rest); start += MaxMessagesPerCall {
		end := start + MaxMessagesPerCall
		if end > len(rest) {
			end = len(rest)
		}
		if err := s.messenger.Push(ctx, userID, rest[start:end]); err != nil {
			d.Err = fmt.Errorf("failed to push segments %d-%d: %w", start+1, end, err)
			logger.Error("Push failed",
				zap.String("user_id", userID),
				zap.Int("segments", len(rest)),
				zap.Error(err),
			)
			return d
		}
		d.Pushed += end - start
	}
	return d
}
