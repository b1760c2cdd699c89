package assistant

import "context"

// Run identifies one assistant run on a thread.
type Run struct {
	ThreadID string
	ID       string
}

type RunState int

const (
	RunPending RunState = iota
	RunRequiresTools
	RunCompleted
	RunFailed
)

func (s RunState) String() string {
	switch s {
	case RunPending:
		return "pending"
	case RunRequiresTools:
		return "tool_calls"
	case RunCompleted:
		return "done"
	case RunFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// RunStatus is one poll observation. ToolCalls is set for RunRequiresTools,
// Text for RunCompleted and Reason for RunFailed.
type RunStatus struct {
	State     RunState
	ToolCalls []ToolCall
	Text      string
	Reason    string
}

type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

type ToolResult struct {
	CallID string
	Output string
}

// Backend is the narrow contract the gateway needs from a hosted assistant.
type Backend interface {
	CreateThread(ctx context.Context) (string, error)
	// AddMessage appends a user message without starting a run.
	AddMessage(ctx context.Context, threadID, text string) error
	// StartRun appends text as a user message and starts a run on the thread.
	StartRun(ctx context.Context, threadID, text string) (Run, error)
	PollRun(ctx context.Context, run Run) (RunStatus, error)
	SubmitToolResults(ctx context.Context, run Run, results []ToolResult) error
}
