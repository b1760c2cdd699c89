// Package assistant sends user messages to a hosted assistant and returns its
// structured answer. One thread is kept per user; tool calls requested by the
// assistant are executed locally and their outputs submitted back.
package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/line-relay/backend/internal/metrics"
	"github.com/line-relay/backend/internal/storage"
	"github.com/line-relay/backend/internal/storage/models"
	"github.com/line-relay/backend/pkg/logger"
)

type ThreadStore interface {
	GetThread(ctx context.Context, userID string) (*models.Thread, error)
	SaveThread(ctx context.Context, userID, threadID string) error
	DeactivateThread(ctx context.Context, userID string) error
}

// Dispatcher executes a tool call and returns the JSON output for the run.
type Dispatcher interface {
	Dispatch(ctx context.Context, name, argsJSON string) (string, error)
}

// PreambleFunc returns context posted as the first message of a new thread.
// An empty string posts nothing.
type PreambleFunc func(ctx context.Context, userID string) (string, error)

type Config struct {
	PollInterval   time.Duration
	PollMaxRetries int
}

type Result struct {
	Response  *Response
	Raw       string
	ThreadID  string
	RunID     string
	ToolCalls int
	Duration  time.Duration
}

type Gateway struct {
	backend    Backend
	threads    ThreadStore
	dispatcher Dispatcher
	preamble   PreambleFunc
	cfg        Config
	log        *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

type Option func(*Gateway)

func WithPreamble(fn PreambleFunc) Option {
	return func(g *Gateway) { g.preamble = fn }
}

func WithDispatcher(d Dispatcher) Option {
	return func(g *Gateway) { g.dispatcher = d }
}

func NewGateway(backend Backend, threads ThreadStore, cfg Config, opts ...Option) *Gateway {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.PollMaxRetries <= 0 {
		cfg.PollMaxRetries = 30
	}

	g := &Gateway{
		backend: backend,
		threads: threads,
		cfg:     cfg,
		log:     logger.Named("gateway"),
		locks:   make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// userLock serializes runs per user. A thread accepts only one active run.
func (g *Gateway) userLock(userID string) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()

	l, ok := g.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		g.locks[userID] = l
	}
	return l
}

// Send posts text to the user's thread and waits for the assistant's answer.
// Errors wrap ErrUnavailable, ErrTimeout or ErrMalformed.
func (g *Gateway) Send(ctx context.Context, userID, text string) (*Result, error) {
	l := g.userLock(userID)
	l.Lock()
	defer l.Unlock()

	start := time.Now()

	threadID, err := g.ensureThread(ctx, userID)
	if err != nil {
		metrics.AIRequests.WithLabelValues("unavailable").Inc()
		return nil, err
	}

	run, err := g.backend.StartRun(ctx, threadID, text)
	if err != nil {
		metrics.AIRequests.WithLabelValues("unavailable").Inc()
		return nil, g.classify(ctx, err)
	}

	raw, toolCalls, err := g.await(ctx, userID, run)
	if err != nil {
		metrics.AIRequests.WithLabelValues(outcomeLabel(err)).Inc()
		return nil, err
	}
	duration := time.Since(start)
	metrics.AIRunDuration.Observe(duration.Seconds())

	resp, err := ParseResponse(raw)
	if err != nil {
		metrics.AIRequests.WithLabelValues("malformed").Inc()
		g.log.Warn("Assistant returned malformed response",
			zap.String("user_id", userID),
			zap.String("run_id", run.ID),
			zap.String("raw", raw),
			zap.Error(err),
		)
		return nil, err
	}

	metrics.AIRequests.WithLabelValues("ok").Inc()
	metrics.ConfidenceScore.Observe(resp.Confidence)

	g.log.Info("Assistant responded",
		zap.String("user_id", userID),
		zap.String("run_id", run.ID),
		zap.Float64("confidence", resp.Confidence),
		zap.Int("tool_calls", toolCalls),
		zap.Duration("duration", duration),
	)

	return &Result{
		Response:  resp,
		Raw:       raw,
		ThreadID:  threadID,
		RunID:     run.ID,
		ToolCalls: toolCalls,
		Duration:  duration,
	}, nil
}

// ensureThread returns the stored thread or creates and persists a new one.
func (g *Gateway) ensureThread(ctx context.Context, userID string) (string, error) {
	thread, err := g.threads.GetThread(ctx, userID)
	if err == nil && thread.IsActive {
		return thread.ThreadID, nil
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("%w: failed to load thread: %v", ErrUnavailable, err)
	}

	threadID, err := g.backend.CreateThread(ctx)
	if err != nil {
		return "", g.classify(ctx, err)
	}

	if g.preamble != nil {
		preamble, err := g.preamble(ctx, userID)
		if err != nil {
			g.log.Warn("Failed to build thread preamble", zap.String("user_id", userID), zap.Error(err))
		} else if preamble != "" {
			if err := g.backend.AddMessage(ctx, threadID, preamble); err != nil {
				return "", g.classify(ctx, err)
			}
		}
	}

	if err := g.threads.SaveThread(ctx, userID, threadID); err != nil {
		return "", fmt.Errorf("%w: failed to save thread: %v", ErrUnavailable, err)
	}

	g.log.Info("Created assistant thread", zap.String("user_id", userID), zap.String("thread_id", threadID))
	return threadID, nil
}

// await polls the run until it completes, handling tool calls along the way.
// The poll budget counts every observation, including those after tool submission.
func (g *Gateway) await(ctx context.Context, userID string, run Run) (string, int, error) {
	timer := time.NewTimer(g.cfg.PollInterval)
	defer timer.Stop()

	toolCalls := 0
	for attempt := 0; attempt < g.cfg.PollMaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return "", toolCalls, g.classify(ctx, ctx.Err())
		case <-timer.C:
		}

		status, err := g.backend.PollRun(ctx, run)
		if err != nil {
			return "", toolCalls, g.classify(ctx, err)
		}

		switch status.State {
		case RunCompleted:
			return status.Text, toolCalls, nil

		case RunFailed:
			g.log.Error("Assistant run failed",
				zap.String("user_id", userID),
				zap.String("run_id", run.ID),
				zap.String("reason", status.Reason),
			)
			return "", toolCalls, fmt.Errorf("%w: run %s", ErrUnavailable, status.Reason)

		case RunRequiresTools:
			results := g.runTools(ctx, userID, status.ToolCalls)
			toolCalls += len(results)
			if err := g.backend.SubmitToolResults(ctx, run, results); err != nil {
				return "", toolCalls, g.classify(ctx, err)
			}
		}

		timer.Reset(g.cfg.PollInterval)
	}

	g.log.Warn("Assistant run timed out",
		zap.String("user_id", userID),
		zap.String("run_id", run.ID),
		zap.Int("attempts", g.cfg.PollMaxRetries),
	)
	return "", toolCalls, fmt.Errorf("%w: run %s not completed after %d polls", ErrTimeout, run.ID, g.cfg.PollMaxRetries)
}

// runTools executes each call in order. Failures become error outputs so the
// run can continue.
func (g *Gateway) runTools(ctx context.Context, userID string, calls []ToolCall) []ToolResult {
	results := make([]ToolResult, 0, len(calls))
	for _, call := range calls {
		output, err := g.dispatch(ctx, call)
		if err != nil {
			g.log.Warn("Tool call failed",
				zap.String("user_id", userID),
				zap.String("tool", call.Name),
				zap.Error(err),
			)
			output = errorOutput(err)
		}
		results = append(results, ToolResult{CallID: call.ID, Output: output})
	}
	return results
}

func (g *Gateway) dispatch(ctx context.Context, call ToolCall) (string, error) {
	if g.dispatcher == nil {
		return "", fmt.Errorf("no tools configured for %q", call.Name)
	}
	return g.dispatcher.Dispatch(ctx, call.Name, call.Arguments)
}

func errorOutput(err error) string {
	out, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(out)
}

// Reset deactivates the user's thread so the next Send starts a new one.
func (g *Gateway) Reset(ctx context.Context, userID string) error {
	l := g.userLock(userID)
	l.Lock()
	defer l.Unlock()

	if err := g.threads.DeactivateThread(ctx, userID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to reset thread: %w", err)
	}
	g.log.Info("Assistant thread reset", zap.String("user_id", userID))
	return nil
}

func (g *Gateway) classify(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, ErrUnavailable), errors.Is(err, ErrTimeout), errors.Is(err, ErrMalformed):
		return err
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	default:
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	default:
		return "unavailable"
	}
}
