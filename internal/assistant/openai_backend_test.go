package assistant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBackend(t *testing.T, handler http.HandlerFunc) *OpenAIBackend {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return NewOpenAIBackend(OpenAIConfig{
		APIKey:      "sk-test",
		AssistantID: "asst_test",
		BaseURL:     srv.URL + "/v1",
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestOpenAIBackend_ThreadAndRun(t *testing.T) {
	var gotAssistant string
	var gotMessage string

	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/threads":
			writeJSON(w, map[string]interface{}{"id": "thread_abc", "object": "thread"})
		case r.Method == http.MethodPost && r.URL.Path == "/v1/threads/thread_abc/messages":
			var body map[string]interface{}
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			gotMessage, _ = body["content"].(string)
			writeJSON(w, map[string]interface{}{"id": "msg_1", "object": "thread.message", "role": "user"})
		case r.Method == http.MethodPost && r.URL.Path == "/v1/threads/thread_abc/runs":
			var body map[string]interface{}
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			gotAssistant, _ = body["assistant_id"].(string)
			writeJSON(w, map[string]interface{}{"id": "run_1", "object": "thread.run", "status": "queued"})
		default:
			http.NotFound(w, r)
		}
	})

	ctx := context.Background()
	threadID, err := b.CreateThread(ctx)
	require.NoError(t, err)
	assert.Equal(t, "thread_abc", threadID)

	run, err := b.StartRun(ctx, threadID, "你好")
	require.NoError(t, err)
	assert.Equal(t, Run{ThreadID: "thread_abc", ID: "run_1"}, run)
	assert.Equal(t, "你好", gotMessage)
	assert.Equal(t, "asst_test", gotAssistant)
}

func TestOpenAIBackend_PollStates(t *testing.T) {
	var status atomic.Value
	status.Store("in_progress")

	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v1/threads/t1/runs/r1":
			s := status.Load().(string)
			run := map[string]interface{}{"id": "r1", "thread_id": "t1", "status": s}
			switch s {
			case "requires_action":
				run["required_action"] = map[string]interface{}{
					"type": "submit_tool_outputs",
					"submit_tool_outputs": map[string]interface{}{
						"tool_calls": []map[string]interface{}{{
							"id":   "call_9",
							"type": "function",
							"function": map[string]interface{}{
								"name":      "web_search",
								"arguments": `{"query":"補助"}`,
							},
						}},
					},
				}
			case "failed":
				run["last_error"] = map[string]interface{}{"code": "server_error", "message": "boom"}
			}
			writeJSON(w, run)
		case r.Method == http.MethodGet && r.URL.Path == "/v1/threads/t1/messages":
			assert.Equal(t, "desc", r.URL.Query().Get("order"))
			writeJSON(w, map[string]interface{}{
				"object": "list",
				"data": []map[string]interface{}{
					{
						"id":     "msg_2",
						"role":   "assistant",
						"run_id": "r1",
						"content": []map[string]interface{}{
							{"type": "text", "text": map[string]interface{}{"value": `{"text":"hi","confidence":0.9}`, "annotations": []interface{}{}}},
						},
					},
					{
						"id":      "msg_1",
						"role":    "user",
						"content": []map[string]interface{}{{"type": "text", "text": map[string]interface{}{"value": "hello"}}},
					},
				},
			})
		default:
			http.NotFound(w, r)
		}
	})

	ctx := context.Background()
	run := Run{ThreadID: "t1", ID: "r1"}

	st, err := b.PollRun(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, RunPending, st.State)

	status.Store("requires_action")
	st, err = b.PollRun(ctx, run)
	require.NoError(t, err)
	require.Equal(t, RunRequiresTools, st.State)
	require.Len(t, st.ToolCalls, 1)
	assert.Equal(t, ToolCall{ID: "call_9", Name: "web_search", Arguments: `{"query":"補助"}`}, st.ToolCalls[0])

	status.Store("completed")
	st, err = b.PollRun(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, st.State)
	assert.Equal(t, `{"text":"hi","confidence":0.9}`, st.Text)

	status.Store("failed")
	st, err = b.PollRun(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, RunFailed, st.State)
	assert.True(t, strings.Contains(st.Reason, "boom"))
}

func TestOpenAIBackend_IgnoresRepliesFromEarlierRuns(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v1/threads/t1/runs/r2":
			writeJSON(w, map[string]interface{}{"id": "r2", "thread_id": "t1", "status": "completed"})
		case r.Method == http.MethodGet && r.URL.Path == "/v1/threads/t1/messages":
			writeJSON(w, map[string]interface{}{
				"object": "list",
				"data": []map[string]interface{}{
					{
						"id":      "msg_3",
						"role":    "user",
						"run_id":  nil,
						"content": []map[string]interface{}{{"type": "text", "text": map[string]interface{}{"value": "再問一次"}}},
					},
					{
						"id":      "msg_2",
						"role":    "assistant",
						"run_id":  "r1",
						"content": []map[string]interface{}{{"type": "text", "text": map[string]interface{}{"value": `{"text":"舊答案","confidence":0.9}`}}},
					},
				},
			})
		default:
			http.NotFound(w, r)
		}
	})

	_, err := b.PollRun(context.Background(), Run{ThreadID: "t1", ID: "r2"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestOpenAIBackend_SubmitToolOutputs(t *testing.T) {
	var got struct {
		ToolOutputs []struct {
			ToolCallID string `json:"tool_call_id"`
			Output     string `json:"output"`
		} `json:"tool_outputs"`
	}

	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/threads/t1/runs/r1/submit_tool_outputs" {
			http.NotFound(w, r)
			return
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(w, map[string]interface{}{"id": "r1", "status": "queued"})
	})

	err := b.SubmitToolResults(context.Background(), Run{ThreadID: "t1", ID: "r1"}, []ToolResult{
		{CallID: "call_1", Output: `{"result":1}`},
	})
	require.NoError(t, err)
	require.Len(t, got.ToolOutputs, 1)
	assert.Equal(t, "call_1", got.ToolOutputs[0].ToolCallID)
}

func TestOpenAIBackend_ClientErrorNotRetried(t *testing.T) {
	var hits int32
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"bad request","type":"invalid_request_error"}}`))
	})

	_, err := b.CreateThread(context.Background())
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}
