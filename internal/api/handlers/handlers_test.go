package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/line-relay/backend/internal/buffer"
	"github.com/line-relay/backend/internal/feed"
	"github.com/line-relay/backend/internal/handover"
	"github.com/line-relay/backend/internal/line"
	"github.com/line-relay/backend/internal/middleware/security"
	"github.com/line-relay/backend/internal/middleware/validation"
	"github.com/line-relay/backend/internal/processor"
	"github.com/line-relay/backend/internal/storage/memory"
	"github.com/line-relay/backend/internal/storage/models"
)

const (
	testSecret = "channel-secret"
	testToken  = "admin-token"
)

type recordingEvents struct {
	mu     sync.Mutex
	events []line.Event
	err    error
}

func (r *recordingEvents) HandleEvent(_ context.Context, ev line.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

type fakeBuffer struct {
	flushed []string
}

func (f *fakeBuffer) Stats() buffer.Stats {
	return buffer.Stats{ActiveGroups: 1, Submitted: 4, Flushes: map[buffer.Trigger]int64{buffer.TriggerTimeout: 2}}
}

func (f *fakeBuffer) Status(userID string) buffer.Status {
	if userID == "U1" {
		return buffer.Status{Pending: 3}
	}
	return buffer.Status{}
}

func (f *fakeBuffer) Flush(userID string) bool {
	f.flushed = append(f.flushed, userID)
	return userID == "U1"
}

func (f *fakeBuffer) QueueDepth() int { return 5 }

type fixedCounters map[string]int64

func (c fixedCounters) GetCounter(_ context.Context, name string, _ time.Time) (int64, error) {
	return c[name], nil
}

type testServer struct {
	app    *fiber.App
	store  *memory.Store
	flags  *handover.Service
	events *recordingEvents
	buf    *fakeBuffer
	hub    *feed.Hub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := memory.NewStore()
	flags := handover.NewService(store, time.Hour)
	s := &testServer{
		app:    fiber.New(),
		store:  store,
		flags:  flags,
		events: &recordingEvents{},
		buf:    &fakeBuffer{},
		hub:    feed.NewHub(),
	}
	Register(s.app, Routes{
		Webhook: NewWebhookHandler(s.events),
		Admin: NewAdminHandler(AdminDeps{
			Profiles:     store,
			History:      store,
			Handover:     flags,
			Buffer:       s.buf,
			Counters:     fixedCounters{processor.CounterMessages: 7},
			CounterNames: []string{processor.CounterMessages},
		}),
		Feed:       NewFeedHandler(s.hub),
		Health:     NewHealthHandler(Check{Name: "store", Probe: func(context.Context) error { return nil }}),
		Signature:  validation.LineSignature(validation.Config{ChannelSecret: testSecret}),
		AdminGuard: []fiber.Handler{security.BearerAuth(testToken)},
	})
	return s
}

func (s *testServer) do(t *testing.T, req *http.Request) (*http.Response, map[string]interface{}) {
	t.Helper()
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var out map[string]interface{}
	if len(body) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(body, &out))
	}
	return resp, out
}

func adminRequest(method, path string) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req.Header.Set("Authorization", "Bearer "+testToken)
	return req
}

func webhookRequest(body, secret string) *http.Request {
	req := httptest.NewRequest("POST", "/callback", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(line.SignatureHeader, line.Sign(secret, []byte(body)))
	return req
}

const webhookBody = `{"destination":"x","events":[
	{"type":"message","replyToken":"r1","timestamp":1700000000000,"source":{"type":"user","userId":"U1"},"message":{"type":"text","id":"1","text":"你好"}},
	{"type":"follow","replyToken":"r2","timestamp":1700000000000,"source":{"type":"user","userId":"U2"}}
]}`

func TestCallbackQueuesEvents(t *testing.T) {
	s := newTestServer(t)

	resp, _ := s.do(t, webhookRequest(webhookBody, testSecret))
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	require.Len(t, s.events.events, 2)
	assert.Equal(t, line.EventText, s.events.events[0].Type)
	assert.Equal(t, "你好", s.events.events[0].Text)
	assert.Equal(t, line.EventFollow, s.events.events[1].Type)
}

func TestCallbackRejectsBadSignature(t *testing.T) {
	s := newTestServer(t)

	resp, _ := s.do(t, webhookRequest(webhookBody, "wrong"))
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, s.events.events)
}

func TestCallbackAcknowledgesDuringShutdown(t *testing.T) {
	s := newTestServer(t)
	s.events.err = processor.ErrClosed

	resp, _ := s.do(t, webhookRequest(webhookBody, testSecret))
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestCallbackRejectsMalformedBody(t *testing.T) {
	s := newTestServer(t)

	resp, _ := s.do(t, webhookRequest("{not json", testSecret))
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestAdminRequiresToken(t *testing.T) {
	s := newTestServer(t)

	resp, _ := s.do(t, httptest.NewRequest("GET", "/api/v1/admin/buffer/stats", nil))
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestGetUser(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, s.store.UpsertProfile(ctx, &models.Profile{
		UserID:           "U1",
		OrganizationName: "愛心協會",
		Status:           models.ProfilePartial,
	}))

	resp, body := s.do(t, adminRequest("GET", "/api/v1/admin/users/U1"))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "愛心協會", body["organization_name"])
	assert.Equal(t, "partial", body["status"])
	assert.Len(t, body["missing"], 3)

	resp, _ = s.do(t, adminRequest("GET", "/api/v1/admin/users/U404"))
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)
}

func TestGetHistoryWithDetail(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	conf := 0.9
	rec := &models.HistoryRecord{UserID: "U1", Content: "問題", MessageType: models.MessageTypeText, AIResponse: "答案", Confidence: &conf}
	require.NoError(t, s.store.AppendHistory(ctx, rec, &models.AIDetail{Intent: "faq", Sources: []string{"https://example.org"}}))

	resp, body := s.do(t, adminRequest("GET", "/api/v1/admin/users/U1/history?detail=true&limit=5"))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	history, ok := body["history"].([]interface{})
	require.True(t, ok)
	require.Len(t, history, 1)
	entry := history[0].(map[string]interface{})
	assert.Equal(t, "答案", entry["ai_response"])
	assert.InDelta(t, 0.9, entry["confidence"], 1e-9)
	detail := entry["detail"].(map[string]interface{})
	assert.Equal(t, "faq", detail["intent"])
}

func TestHandoverEndpoints(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, s.flags.Set(ctx, "U1", handover.ReasonKeyword, 0))

	resp, body := s.do(t, adminRequest("GET", "/api/v1/admin/users/U1/handover"))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["active"])
	assert.Equal(t, "keyword", body["reason"])

	resp, _ = s.do(t, adminRequest("DELETE", "/api/v1/admin/users/U1/handover"))
	assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)
	assert.False(t, s.flags.IsActive(ctx, "U1"))

	_, body = s.do(t, adminRequest("GET", "/api/v1/admin/users/U1/handover"))
	assert.Equal(t, false, body["active"])
	assert.NotContains(t, body, "reason")
}

func TestSetHandoverBlocksUser(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	resp, body := s.do(t, adminRequest("POST", "/api/v1/admin/users/U1/handover"))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["active"])
	assert.Equal(t, handover.ReasonAdmin, body["reason"])

	status, err := s.flags.Status(ctx, "U1")
	require.NoError(t, err)
	assert.True(t, status.Active)
	assert.Equal(t, handover.ReasonAdmin, status.Reason)
}

func TestListUsers(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	for _, id := range []string{"U1", "U2", "U3"} {
		require.NoError(t, s.store.UpsertProfile(ctx, &models.Profile{UserID: id, Status: models.ProfileNew}))
	}
	require.NoError(t, s.flags.Set(ctx, "U2", handover.ReasonKeyword, 0))

	resp, body := s.do(t, adminRequest("GET", "/api/v1/admin/users"))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	stats := body["stats"].(map[string]interface{})
	assert.EqualValues(t, 3, stats["total"])
	assert.EqualValues(t, 2, stats["active"])
	assert.EqualValues(t, 1, stats["blocked"])

	users := body["users"].([]interface{})
	require.Len(t, users, 3)
	for _, raw := range users {
		u := raw.(map[string]interface{})
		if u["user_id"] == "U2" {
			assert.Equal(t, true, u["blocked"])
			assert.Equal(t, "keyword", u["block_reason"])
			assert.NotEmpty(t, u["blocked_until"])
		} else {
			assert.Equal(t, false, u["blocked"])
			assert.NotContains(t, u, "blocked_until")
		}
	}

	_, body = s.do(t, adminRequest("GET", "/api/v1/admin/users?limit=1"))
	assert.Len(t, body["users"], 1)
}

func TestBufferEndpoints(t *testing.T) {
	s := newTestServer(t)

	resp, body := s.do(t, adminRequest("GET", "/api/v1/admin/buffer/stats"))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["active_groups"])
	assert.EqualValues(t, 5, body["queue_depth"])
	assert.EqualValues(t, 2, body["flushes"].(map[string]interface{})["timeout"])
	assert.EqualValues(t, 7, body["today"].(map[string]interface{})[processor.CounterMessages])

	resp, body = s.do(t, adminRequest("POST", "/api/v1/admin/users/U1/flush"))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["flushed"])
	assert.EqualValues(t, 3, body["fragments"])
	assert.Equal(t, []string{"U1"}, s.buf.flushed)
}

func TestInvalidUserID(t *testing.T) {
	s := newTestServer(t)

	resp, _ := s.do(t, adminRequest("GET", "/api/v1/admin/users/bad.id"))
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestFeedRequiresUpgrade(t *testing.T) {
	s := newTestServer(t)

	resp, _ := s.do(t, adminRequest("GET", "/api/v1/admin/feed"))
	assert.Equal(t, fiber.StatusUpgradeRequired, resp.StatusCode)
}

func TestHealthAndReady(t *testing.T) {
	s := newTestServer(t)

	resp, body := s.do(t, httptest.NewRequest("GET", "/api/v1/health", nil))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])

	resp, body = s.do(t, httptest.NewRequest("GET", "/api/v1/ready", nil))
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "ready", body["status"])
}

func TestReadyReportsFailingCheck(t *testing.T) {
	app := fiber.New()
	Register(app, Routes{Health: NewHealthHandler(
		Check{Name: "store", Probe: func(context.Context) error { return nil }},
		Check{Name: "redis", Probe: func(context.Context) error { return errors.New("connection refused") }},
	)})

	resp, err := app.Test(httptest.NewRequest("GET", "/api/v1/ready", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	checks := body["checks"].(map[string]interface{})
	assert.Equal(t, "ok", checks["store"])
	assert.Equal(t, "connection refused", checks["redis"])
}
