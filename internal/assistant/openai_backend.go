package assistant

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/line-relay/backend/pkg/circuitbreaker"
	"github.com/line-relay/backend/pkg/logger"
	"github.com/line-relay/backend/pkg/retry"
)

type OpenAIConfig struct {
	APIKey      string
	AssistantID string
	// BaseURL overrides the API endpoint, e.g. for a proxy or a test server.
	BaseURL string
	// RequestTimeout bounds each individual API call.
	RequestTimeout time.Duration
}

// OpenAIBackend drives the OpenAI Assistants API.
type OpenAIBackend struct {
	client         *openai.Client
	assistantID    string
	requestTimeout time.Duration
	cb             *circuitbreaker.CircuitBreaker
	retryConfig    retry.Config
	log            *zap.Logger
}

func NewOpenAIBackend(cfg OpenAIConfig) *OpenAIBackend {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	log := logger.Named("assistant")

	cb := circuitbreaker.NewCircuitBreaker("assistant", circuitbreaker.Config{
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		IsSuccessful:     isBreakerSuccess,
		Logger:           log,
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         log,
	}

	log.Info("Assistant backend initialized",
		zap.String("assistant_id", cfg.AssistantID),
		zap.String("base_url", clientConfig.BaseURL),
	)

	return &OpenAIBackend{
		client:         openai.NewClientWithConfig(clientConfig),
		assistantID:    cfg.AssistantID,
		requestTimeout: cfg.RequestTimeout,
		cb:             cb,
		retryConfig:    retryConfig,
		log:            log,
	}
}

// call runs fn through the breaker with retries. Client errors (4xx other
// than 429) are not retried.
func (b *OpenAIBackend) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := b.cb.Execute(ctx, func() error {
		return retry.Do(ctx, b.retryConfig, func() error {
			callCtx, cancel := context.WithTimeout(ctx, b.requestTimeout)
			defer cancel()

			if err := fn(callCtx); err != nil {
				if !isTransient(err) {
					return retry.Permanent(err)
				}
				return err
			}
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	return nil
}

func (b *OpenAIBackend) CreateThread(ctx context.Context) (string, error) {
	var threadID string
	err := b.call(ctx, "create thread", func(ctx context.Context) error {
		thread, err := b.client.CreateThread(ctx, openai.ThreadRequest{})
		if err != nil {
			return err
		}
		threadID = thread.ID
		return nil
	})
	if err != nil {
		return "", err
	}

	b.log.Debug("Thread created", zap.String("thread_id", threadID))
	return threadID, nil
}

func (b *OpenAIBackend) AddMessage(ctx context.Context, threadID, text string) error {
	return b.call(ctx, "create message", func(ctx context.Context) error {
		_, err := b.client.CreateMessage(ctx, threadID, openai.MessageRequest{
			Role:    openai.ChatMessageRoleUser,
			Content: text,
		})
		return err
	})
}

func (b *OpenAIBackend) StartRun(ctx context.Context, threadID, text string) (Run, error) {
	if err := b.AddMessage(ctx, threadID, text); err != nil {
		return Run{}, err
	}

	var run Run
	err := b.call(ctx, "create run", func(ctx context.Context) error {
		r, err := b.client.CreateRun(ctx, threadID, openai.RunRequest{
			AssistantID: b.assistantID,
		})
		if err != nil {
			return err
		}
		run = Run{ThreadID: threadID, ID: r.ID}
		return nil
	})
	if err != nil {
		return Run{}, err
	}

	b.log.Debug("Run started",
		zap.String("thread_id", threadID),
		zap.String("run_id", run.ID),
	)
	return run, nil
}

func (b *OpenAIBackend) PollRun(ctx context.Context, run Run) (RunStatus, error) {
	var r openai.Run
	err := b.call(ctx, "retrieve run", func(ctx context.Context) error {
		var err error
		r, err = b.client.RetrieveRun(ctx, run.ThreadID, run.ID)
		return err
	})
	if err != nil {
		return RunStatus{}, err
	}

	switch r.Status {
	case openai.RunStatusQueued, openai.RunStatusInProgress, openai.RunStatusCancelling:
		return RunStatus{State: RunPending}, nil

	case openai.RunStatusRequiresAction:
		if r.RequiredAction == nil || r.RequiredAction.SubmitToolOutputs == nil {
			return RunStatus{State: RunFailed, Reason: "requires_action without tool calls"}, nil
		}
		calls := make([]ToolCall, 0, len(r.RequiredAction.SubmitToolOutputs.ToolCalls))
		for _, tc := range r.RequiredAction.SubmitToolOutputs.ToolCalls {
			calls = append(calls, ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
		return RunStatus{State: RunRequiresTools, ToolCalls: calls}, nil

	case openai.RunStatusCompleted:
		text, err := b.latestReply(ctx, run)
		if err != nil {
			return RunStatus{}, err
		}
		return RunStatus{State: RunCompleted, Text: text}, nil

	default:
		reason := string(r.Status)
		if r.LastError != nil && r.LastError.Message != "" {
			reason = fmt.Sprintf("%s: %s", r.Status, r.LastError.Message)
		}
		return RunStatus{State: RunFailed, Reason: reason}, nil
	}
}

func (b *OpenAIBackend) SubmitToolResults(ctx context.Context, run Run, results []ToolResult) error {
	outputs := make([]openai.ToolOutput, 0, len(results))
	for _, res := range results {
		outputs = append(outputs, openai.ToolOutput{
			ToolCallID: res.CallID,
			Output:     res.Output,
		})
	}

	return b.call(ctx, "submit tool outputs", func(ctx context.Context) error {
		_, err := b.client.SubmitToolOutputs(ctx, run.ThreadID, run.ID, openai.SubmitToolOutputsRequest{
			ToolOutputs: outputs,
		})
		return err
	})
}

// latestReply returns the text of the newest assistant message written by run.
// Messages from earlier runs on the thread are skipped.
func (b *OpenAIBackend) latestReply(ctx context.Context, run Run) (string, error) {
	limit := 20
	order := "desc"

	var list openai.MessagesList
	err := b.call(ctx, "list messages", func(ctx context.Context) error {
		var err error
		list, err = b.client.ListMessage(ctx, run.ThreadID, &limit, &order, nil, nil)
		return err
	})
	if err != nil {
		return "", err
	}

	for _, msg := range list.Messages {
		if msg.Role != openai.ChatMessageRoleAssistant || msg.RunID == nil || *msg.RunID != run.ID {
			continue
		}
		var parts []string
		for _, c := range msg.Content {
			if c.Text != nil && c.Text.Value != "" {
				parts = append(parts, c.Text.Value)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "\n"), nil
		}
	}

	return "", fmt.Errorf("%w: run %s added no assistant message", ErrUnavailable, run.ID)
}

func isTransient(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500
	}
	return !errors.Is(err, context.Canceled)
}

// isBreakerSuccess keeps client errors from tripping the breaker.
func isBreakerSuccess(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	return !isTransient(err)
}
