// Package processor turns webhook events into replies: it buffers text,
// applies onboarding and routing, calls the assistant and records the result.
package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/line-relay/backend/internal/admin"
	"github.com/line-relay/backend/internal/assistant"
	"github.com/line-relay/backend/internal/buffer"
	"github.com/line-relay/backend/internal/feed"
	"github.com/line-relay/backend/internal/handover"
	"github.com/line-relay/backend/internal/line"
	"github.com/line-relay/backend/internal/metrics"
	"github.com/line-relay/backend/internal/onboarding"
	"github.com/line-relay/backend/internal/router"
	"github.com/line-relay/backend/internal/storage/models"
	"github.com/line-relay/backend/internal/tools"
	"github.com/line-relay/backend/pkg/logger"
)

// ImageNotice is the admin message for an image from a user.
const ImageNotice = "使用者傳送了一張圖片"

const routeOnboarding = "onboarding"

var ErrClosed = errors.New("processor is closed")

type Gateway interface {
	Send(ctx context.Context, userID, text string) (*assistant.Result, error)
}

type Router interface {
	ShouldCallAI(ctx context.Context, userID, text string) (bool, router.Decision)
	Route(ctx context.Context, in router.Input) router.Decision
}

type Onboarding interface {
	Handle(ctx context.Context, userID, text string) (onboarding.Outcome, error)
	Follow(ctx context.Context, userID string) (onboarding.Outcome, error)
}

type Sender interface {
	Send(ctx context.Context, userID, replyToken, text string) line.Delivery
}

type Notifier interface {
	NotifyAdmin(ctx context.Context, notice line.Notice) error
}

type Flags interface {
	Set(ctx context.Context, userID, reason string, ttl time.Duration) error
}

type History interface {
	AppendHistory(ctx context.Context, record *models.HistoryRecord, detail *models.AIDetail) error
}

type Commands interface {
	Execute(ctx context.Context, text string) admin.Result
	Target(text string) string
}

type Publisher interface {
	Publish(ev feed.Event)
}

// Counter keeps daily totals. It is optional.
type Counter interface {
	IncrementCounter(ctx context.Context, name string, day time.Time) (int64, error)
}

// Daily counter names.
const (
	CounterMessages  = "messages"
	CounterHandovers = "handovers"
)

type Deps struct {
	Gateway    Gateway
	Router     Router
	Onboarding Onboarding
	Sender     Sender
	Notifier   Notifier
	Flags      Flags
	History    History
	Commands   Commands
	Feed       Publisher
	Counter    Counter
}

type Config struct {
	AdminUserID string
	// ProcessTimeout bounds the handling of one flushed message.
	ProcessTimeout time.Duration
	Buffer         buffer.Config
}

type Processor struct {
	deps   Deps
	cfg    Config
	buffer *buffer.Buffer
	lanes  *lanes
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// New builds a processor and the message buffer feeding it. sched may be nil
// for the system clock.
func New(deps Deps, cfg Config, sched buffer.Scheduler) *Processor {
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = 2 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Processor{
		deps:   deps,
		cfg:    cfg,
		lanes:  newLanes(),
		log:    logger.Named("processor"),
		ctx:    ctx,
		cancel: cancel,
	}
	p.buffer = buffer.New(cfg.Buffer, sched, p.enqueueFlush)
	return p
}

func (p *Processor) Stats() buffer.Stats { return p.buffer.Stats() }

func (p *Processor) Status(userID string) buffer.Status { return p.buffer.Status(userID) }

// QueueDepth is the number of jobs waiting behind a running one.
func (p *Processor) QueueDepth() int { return p.lanes.depth() }

// HandleEvent accepts one webhook event. Text is buffered; everything else is
// queued behind the user's pending work.
func (p *Processor) HandleEvent(_ context.Context, ev line.Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	switch ev.Type {
	case line.EventFollow:
		p.lanes.push(p.ctx, ev.UserID, func(ctx context.Context) { p.follow(ctx, ev) })

	case line.EventImage:
		p.buffer.ForceFlush(ev.UserID)
		p.lanes.push(p.ctx, ev.UserID, func(ctx context.Context) { p.image(ctx, ev) })

	case line.EventText:
		if strings.TrimSpace(ev.Text) == "" {
			return nil
		}
		if p.isAdminCommand(ev) {
			// Commands that change a user run in that user's lane.
			key := ev.UserID
			if target := p.deps.Commands.Target(ev.Text); target != "" {
				key = target
			}
			p.lanes.push(p.ctx, key, func(ctx context.Context) { p.command(ctx, ev) })
			return nil
		}
		at := ev.Timestamp
		if at.IsZero() {
			at = time.Now()
		}
		p.buffer.Submit(ev.UserID, ev.Text, ev.ReplyToken, at)

	default:
		p.log.Debug("Ignoring event", zap.String("user_id", ev.UserID), zap.String("type", string(ev.Type)))
	}
	return nil
}

func (p *Processor) isAdminCommand(ev line.Event) bool {
	return p.deps.Commands != nil &&
		p.cfg.AdminUserID != "" &&
		ev.UserID == p.cfg.AdminUserID &&
		admin.IsCommand(ev.Text)
}

// enqueueFlush is the buffer sink. It runs under the buffer's user lock, so
// queue order matches flush order.
func (p *Processor) enqueueFlush(f buffer.Flush) {
	p.lanes.push(p.ctx, f.UserID, func(ctx context.Context) { p.process(ctx, f) })
}

// Flush forces out a user's buffered fragments.
func (p *Processor) Flush(userID string) bool {
	_, ok := p.buffer.ForceFlush(userID)
	return ok
}

// Close stops accepting events, flushes buffered text and waits for queued
// work. Work still running when ctx ends is cancelled.
func (p *Processor) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	n := p.buffer.FlushAll()
	p.log.Info("Draining processor", zap.Int("flushed_groups", n), zap.Int("queued", p.lanes.depth()))

	err := p.lanes.wait(ctx)
	p.cancel()
	if err != nil {
		return fmt.Errorf("failed to drain processor: %w", err)
	}
	return nil
}

func (p *Processor) process(parent context.Context, f buffer.Flush) {
	ctx, cancel := context.WithTimeout(parent, p.cfg.ProcessTimeout)
	defer cancel()

	log := p.log.With(zap.String("user_id", f.UserID), zap.String("flush_id", f.ID))
	log.Debug("Processing message", zap.Int("fragments", f.Fragments), zap.String("trigger", string(f.Trigger)))

	if ok, d := p.deps.Router.ShouldCallAI(ctx, f.UserID, f.Text); !ok {
		p.execute(ctx, f.UserID, f.ReplyToken, d)
		p.record(ctx, &models.HistoryRecord{
			UserID:      f.UserID,
			Content:     f.Text,
			MessageType: models.MessageTypeText,
			Route:       routeLabel(d),
		}, nil)
		p.publish(feed.Event{Type: feed.TypeHandover, UserID: f.UserID, Message: f.Text, Reply: d.UserText, Route: d.Kind.String(), Reason: d.Reason})
		return
	}

	if p.deps.Onboarding != nil {
		out, err := p.deps.Onboarding.Handle(ctx, f.UserID, f.Text)
		if err != nil {
			log.Error("Onboarding failed", zap.Error(err))
		}
		if err != nil || !out.Released {
			if out.Reply != "" {
				p.deps.Sender.Send(ctx, f.UserID, f.ReplyToken, out.Reply)
			}
			p.record(ctx, &models.HistoryRecord{
				UserID:      f.UserID,
				Content:     f.Text,
				MessageType: models.MessageTypeText,
				AIResponse:  out.Reply,
				Route:       routeOnboarding,
			}, nil)
			p.publish(feed.Event{Type: feed.TypeExchange, UserID: f.UserID, Message: f.Text, Reply: out.Reply, Route: routeOnboarding, Reason: string(out.State)})
			return
		}
	}

	result, err := p.deps.Gateway.Send(tools.WithUserID(ctx, f.UserID), f.UserID, f.Text)
	if err != nil {
		log.Warn("Assistant request failed", zap.Error(err))
	}

	d := p.deps.Router.Route(ctx, router.Input{UserID: f.UserID, Text: f.Text, Result: result, Err: err})
	p.execute(ctx, f.UserID, f.ReplyToken, d)

	record := &models.HistoryRecord{
		UserID:      f.UserID,
		Content:     f.Text,
		MessageType: models.MessageTypeText,
		Route:       routeLabel(d),
	}
	var detail *models.AIDetail
	ev := feed.Event{Type: feed.TypeExchange, UserID: f.UserID, Message: f.Text, Reply: d.UserText, Route: d.Kind.String(), Reason: d.Reason}
	if result != nil && result.Response != nil {
		resp := result.Response
		confidence := resp.Confidence
		record.AIResponse = resp.Text
		record.AIExplanation = resp.Explanation
		record.Confidence = &confidence
		ev.Confidence = &confidence
		if resp.HasDetail() {
			detail = detailFrom(resp)
		}
	}
	p.record(ctx, record, detail)
	p.publish(ev)
}

// execute carries out a routing decision: flag, user reply, admin notice.
func (p *Processor) execute(ctx context.Context, userID, replyToken string, d router.Decision) {
	if d.SetHandover && p.deps.Flags != nil {
		if err := p.deps.Flags.Set(ctx, userID, d.Reason, 0); err != nil {
			p.log.Error("Failed to set handover flag", zap.String("user_id", userID), zap.Error(err))
		}
		p.count(ctx, CounterHandovers)
	}
	if d.UserText != "" {
		p.deps.Sender.Send(ctx, userID, replyToken, d.UserText)
	}
	if d.AdminNotice != nil {
		p.notify(ctx, *d.AdminNotice)
	}
}

func (p *Processor) follow(parent context.Context, ev line.Event) {
	ctx, cancel := context.WithTimeout(parent, p.cfg.ProcessTimeout)
	defer cancel()

	if p.deps.Onboarding == nil {
		return
	}
	out, err := p.deps.Onboarding.Follow(ctx, ev.UserID)
	if err != nil {
		p.log.Error("Follow handling failed", zap.String("user_id", ev.UserID), zap.Error(err))
		return
	}
	if out.Reply != "" {
		p.deps.Sender.Send(ctx, ev.UserID, ev.ReplyToken, out.Reply)
	}
	p.publish(feed.Event{Type: feed.TypeFollow, UserID: ev.UserID, Reply: out.Reply, Reason: string(out.State)})
}

func (p *Processor) image(parent context.Context, ev line.Event) {
	ctx, cancel := context.WithTimeout(parent, p.cfg.ProcessTimeout)
	defer cancel()

	p.execute(ctx, ev.UserID, ev.ReplyToken, router.Decision{
		Kind:     router.Both,
		UserText: router.HandoverConfirmation,
		AdminNotice: &line.Notice{
			Title:       line.TitleMedia,
			UserID:      ev.UserID,
			UserMessage: ImageNotice,
		},
		Reason:      handover.ReasonImage,
		SetHandover: true,
	})
	p.record(ctx, &models.HistoryRecord{
		UserID:      ev.UserID,
		Content:     line.ImagePlaceholder,
		MessageType: models.MessageTypeImage,
		Route:       handover.ReasonImage,
	}, nil)
	p.publish(feed.Event{Type: feed.TypeImage, UserID: ev.UserID, Message: line.ImagePlaceholder, Reason: handover.ReasonImage})
}

func (p *Processor) command(parent context.Context, ev line.Event) {
	ctx, cancel := context.WithTimeout(parent, p.cfg.ProcessTimeout)
	defer cancel()

	res := p.deps.Commands.Execute(ctx, ev.Text)
	p.deps.Sender.Send(ctx, ev.UserID, ev.ReplyToken, res.Message)
}

func (p *Processor) notify(ctx context.Context, notice line.Notice) {
	if p.deps.Notifier == nil {
		return
	}
	if err := p.deps.Notifier.NotifyAdmin(ctx, notice); err != nil {
		p.log.Warn("Failed to notify admin", zap.String("user_id", notice.UserID), zap.Error(err))
	}
}

func (p *Processor) record(ctx context.Context, record *models.HistoryRecord, detail *models.AIDetail) {
	if p.deps.History == nil {
		return
	}
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	if err := p.deps.History.AppendHistory(ctx, record, detail); err != nil {
		metrics.PersistenceFailures.WithLabelValues("history").Inc()
		p.log.Error("Failed to save history", zap.String("user_id", record.UserID), zap.Error(err))
	}
	p.count(ctx, CounterMessages)
}

func (p *Processor) count(ctx context.Context, name string) {
	if p.deps.Counter == nil {
		return
	}
	if _, err := p.deps.Counter.IncrementCounter(ctx, name, time.Now()); err != nil {
		p.log.Debug("Failed to bump daily counter", zap.String("counter", name), zap.Error(err))
	}
}

func (p *Processor) publish(ev feed.Event) {
	if p.deps.Feed != nil {
		p.deps.Feed.Publish(ev)
	}
}

func routeLabel(d router.Decision) string {
	return d.Kind.String() + ":" + d.Reason
}

func detailFrom(resp *assistant.Response) *models.AIDetail {
	d := &models.AIDetail{
		Intent:  resp.Intent,
		Queries: resp.Queries,
		Sources: resp.SourceStrings(),
		Gaps:    resp.Gaps,
		Notes:   resp.Notes,
	}
	if resp.Policy != nil {
		d.PolicyScope = resp.Policy.Scope
		d.PolicyRisk = resp.Policy.Risk
		d.PolicyPII = resp.Policy.PII
		d.PolicyEscalation = resp.Policy.Escalation
	}
	return d
}
