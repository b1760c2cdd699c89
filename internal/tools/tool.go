// Package tools implements the functions the assistant may call during a run.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/line-relay/backend/internal/metrics"
	"github.com/line-relay/backend/pkg/logger"
)

var ErrUnknownTool = errors.New("unknown tool")

// Tool is one callable function. Execute returns a JSON-serialisable value.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// Definition is the function schema registered with the assistant.
type Definition struct {
	Type     string             `json:"type"`
	Function FunctionDefinition `json:"function"`
}

type FunctionDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

type Dispatcher struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewDispatcher(tools ...Tool) *Dispatcher {
	d := &Dispatcher{tools: make(map[string]Tool)}
	for _, t := range tools {
		d.Register(t)
	}
	return d
}

// Register adds t, replacing any tool with the same name. Nil tools are ignored.
func (d *Dispatcher) Register(t Tool) {
	if t == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tools[t.Name()] = t
}

func (d *Dispatcher) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.namesLocked()
}

func (d *Dispatcher) Definitions() []Definition {
	d.mu.RLock()
	defer d.mu.RUnlock()

	defs := make([]Definition, 0, len(d.tools))
	for _, name := range d.namesLocked() {
		t := d.tools[name]
		defs = append(defs, Definition{
			Type: "function",
			Function: FunctionDefinition{
				Name:        t.Name(),
				Description: t.Description(),
				Parameters:  t.Parameters(),
			},
		})
	}
	return defs
}

func (d *Dispatcher) namesLocked() []string {
	names := make([]string, 0, len(d.tools))
	for name := range d.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch runs the named tool with JSON arguments and returns the output
// document {"result": ...}. Every failure is returned as an error.
func (d *Dispatcher) Dispatch(ctx context.Context, name, argsJSON string) (string, error) {
	d.mu.RLock()
	t, ok := d.tools[name]
	d.mu.RUnlock()
	if !ok {
		metrics.ToolCalls.WithLabelValues("unknown", "error").Inc()
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	args := map[string]interface{}{}
	if s := strings.TrimSpace(argsJSON); s != "" {
		if err := json.Unmarshal([]byte(s), &args); err != nil {
			metrics.ToolCalls.WithLabelValues(name, "error").Inc()
			return "", fmt.Errorf("invalid arguments for %s: %w", name, err)
		}
	}

	logger.Info("Executing tool", zap.String("tool", name), zap.String("args", argsJSON))

	result, err := t.Execute(ctx, args)
	if err != nil {
		metrics.ToolCalls.WithLabelValues(name, "error").Inc()
		return "", fmt.Errorf("%s failed: %w", name, err)
	}

	out, err := json.Marshal(map[string]interface{}{"result": result})
	if err != nil {
		metrics.ToolCalls.WithLabelValues(name, "error").Inc()
		return "", fmt.Errorf("failed to encode %s result: %w", name, err)
	}

	metrics.ToolCalls.WithLabelValues(name, "ok").Inc()
	return string(out), nil
}

type toolContextKey string

const ctxUserID toolContextKey = "tool_user_id"

// WithUserID records the user a run belongs to so tools can act on their behalf.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxUserID, userID)
}

func UserIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxUserID).(string)
	return v
}

// userID prefers the run's user over the argument so the assistant cannot
// act on another user's data.
func userID(ctx context.Context, args map[string]interface{}) string {
	if id := UserIDFromCtx(ctx); id != "" {
		return id
	}
	id, _ := args["user_id"].(string)
	return strings.TrimSpace(id)
}
