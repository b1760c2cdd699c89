package line

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/line/line-bot-sdk-go/v8/linebot/webhook"
)

type EventType string

const (
	EventText   EventType = "text"
	EventImage  EventType = "image"
	EventFollow EventType = "follow"
	EventOther  EventType = "other"
)

// ImagePlaceholder is stored as the content of image messages.
const ImagePlaceholder = "[Image]"

// Event is an inbound webhook event from a one-to-one chat.
type Event struct {
	UserID     string
	Type       EventType
	Text       string
	ReplyToken string
	Timestamp  time.Time
}

// ParseEvents decodes a webhook body. Events from groups and rooms, events
// without a user and message types other than text and image are dropped.
func ParseEvents(body []byte) ([]Event, error) {
	var cb webhook.CallbackRequest
	if err := json.Unmarshal(body, &cb); err != nil {
		return nil, fmt.Errorf("failed to decode webhook body: %w", err)
	}

	events := make([]Event, 0, len(cb.Events))
	for _, raw := range cb.Events {
		if ev, ok := convert(raw); ok {
			events = append(events, ev)
		}
	}
	return events, nil
}

func convert(raw webhook.EventInterface) (Event, bool) {
	switch e := raw.(type) {
	case webhook.MessageEvent:
		ev, ok := newEvent(e.Source, e.ReplyToken, e.Timestamp)
		if !ok {
			return ev, false
		}
		switch m := e.Message.(type) {
		case webhook.TextMessageContent:
			ev.Type = EventText
			ev.Text = m.Text
		case webhook.ImageMessageContent:
			ev.Type = EventImage
			ev.Text = ImagePlaceholder
		default:
			return ev, false
		}
		return ev, true
	case webhook.FollowEvent:
		ev, ok := newEvent(e.Source, e.ReplyToken, e.Timestamp)
		ev.Type = EventFollow
		return ev, ok
	case webhook.UnfollowEvent:
		ev, ok := newEvent(e.Source, "", e.Timestamp)
		ev.Type = EventOther
		return ev, ok
	case webhook.PostbackEvent:
		ev, ok := newEvent(e.Source, e.ReplyToken, e.Timestamp)
		ev.Type = EventOther
		return ev, ok
	default:
		return Event{}, false
	}
}

func newEvent(src webhook.SourceInterface, replyToken string, timestamp int64) (Event, bool) {
	user, ok := src.(webhook.UserSource)
	if !ok || user.UserId == "" {
		return Event{}, false
	}
	return Event{
		UserID:     user.UserId,
		ReplyToken: replyToken,
		Timestamp:  time.UnixMilli(timestamp),
	}, true
}
