// Package router decides whether an exchange is answered by the assistant,
// escalated to the admin, or both.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/line-relay/backend/internal/assistant"
	"github.com/line-relay/backend/internal/handover"
	"github.com/line-relay/backend/internal/line"
	"github.com/line-relay/backend/internal/metrics"
	"github.com/line-relay/backend/pkg/logger"
)

const (
	HandoverConfirmation = "已為您通知管理者，請稍候。"
	LowConfidenceReply   = "此問題需要由專人處理，我們會請同仁盡快與您聯絡，謝謝您的提問！"
	TimeoutReply         = "抱歉，AI 回應逾時，請稍後再試。"
	UnavailableReply     = "抱歉，AI 服務暫時無法回應，請稍後再試。"

	DefaultThreshold = 0.83
)

var DefaultKeywords = []string{"轉人工", "人工客服", "真人", "客服"}

type Kind int

const (
	// ReplyToUser sends UserText only.
	ReplyToUser Kind = iota
	// Escalate notifies the admin only.
	Escalate
	// Both sends UserText and notifies the admin.
	Both
)

func (k Kind) String() string {
	switch k {
	case ReplyToUser:
		return "reply"
	case Escalate:
		return "escalate"
	case Both:
		return "both"
	}
	return "unknown"
}

const (
	ReasonKeyword       = handover.ReasonKeyword
	ReasonActiveFlag    = "handover_active"
	ReasonAIError       = handover.ReasonAIError
	ReasonLowConfidence = handover.ReasonLowConfidence
	ReasonConfident     = "confident"
)

// Decision is what the caller should do. The router only decides; sending,
// notifying and setting the flag are left to the caller.
type Decision struct {
	Kind        Kind
	UserText    string
	AdminNotice *line.Notice
	Reason      string
	SetHandover bool
}

type Input struct {
	UserID string
	Text   string
	Result *assistant.Result
	Err    error
}

type FlagChecker interface {
	IsActive(ctx context.Context, userID string) bool
}

type Config struct {
	// Threshold is inclusive: a confidence equal to it is answered directly.
	Threshold   float64
	Keywords    []string
	Development bool
}

type Router struct {
	flags FlagChecker
	cfg   Config
	log   *zap.Logger
}

func New(flags FlagChecker, cfg Config) *Router {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if len(cfg.Keywords) == 0 {
		cfg.Keywords = DefaultKeywords
	}
	return &Router{flags: flags, cfg: cfg, log: logger.Named("router")}
}

func (r *Router) Threshold() float64 { return r.cfg.Threshold }

// IsHandoverRequest reports whether text contains an explicit request for a human.
func (r *Router) IsHandoverRequest(text string) bool {
	for _, kw := range r.cfg.Keywords {
		if kw != "" && strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// ShouldCallAI applies the checks that come before the assistant: an explicit
// handover request and an active handover flag. When it returns false the
// decision is final.
func (r *Router) ShouldCallAI(ctx context.Context, userID, text string) (bool, Decision) {
	if r.IsHandoverRequest(text) {
		d := Decision{
			Kind:     Both,
			UserText: HandoverConfirmation,
			AdminNotice: &line.Notice{
				Title:       line.TitleHandover,
				UserID:      userID,
				UserMessage: text,
			},
			Reason:      ReasonKeyword,
			SetHandover: true,
		}
		r.record(userID, d)
		return false, d
	}

	if r.flags != nil && r.flags.IsActive(ctx, userID) {
		d := Decision{
			Kind: Escalate,
			AdminNotice: &line.Notice{
				Title:       line.TitleHandover,
				UserID:      userID,
				UserMessage: text,
			},
			Reason: ReasonActiveFlag,
		}
		r.record(userID, d)
		return false, d
	}

	return true, Decision{}
}

// Route decides on the assistant's answer or failure.
func (r *Router) Route(_ context.Context, in Input) Decision {
	var d Decision
	switch {
	case in.Err != nil || in.Result == nil || in.Result.Response == nil:
		reply := UnavailableReply
		if errors.Is(in.Err, assistant.ErrTimeout) {
			reply = TimeoutReply
		}
		d = Decision{
			Kind:     Both,
			UserText: reply,
			AdminNotice: &line.Notice{
				Title:       line.TitleAIError,
				UserID:      in.UserID,
				UserMessage: in.Text,
			},
			Reason: ReasonAIError,
		}

	case in.Result.Response.Confidence >= r.cfg.Threshold:
		resp := in.Result.Response
		text := line.CleanCitations(resp.Text)
		if r.cfg.Development {
			text += fmt.Sprintf(" (confidence: %.2f)", resp.Confidence)
		}
		d = Decision{Kind: ReplyToUser, UserText: text, Reason: ReasonConfident}

	default:
		resp := in.Result.Response
		confidence := resp.Confidence
		d = Decision{
			Kind:     Both,
			UserText: LowConfidenceReply,
			AdminNotice: &line.Notice{
				Title:       line.TitleLowConfidence,
				UserID:      in.UserID,
				UserMessage: in.Text,
				AIReply:     line.CleanCitations(resp.Text),
				Confidence:  &confidence,
			},
			Reason:      ReasonLowConfidence,
			SetHandover: true,
		}
	}

	r.record(in.UserID, d)
	return d
}

func (r *Router) record(userID string, d Decision) {
	metrics.RouteDecisions.WithLabelValues(d.Kind.String(), d.Reason).Inc()
	r.log.Debug("Route decided",
		zap.String("user_id", userID),
		zap.String("kind", d.Kind.String()),
		zap.String("reason", d.Reason),
		zap.Bool("set_handover", d.SetHandover),
	)
}
