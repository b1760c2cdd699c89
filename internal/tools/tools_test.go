package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/line-relay/backend/internal/search/web"
	"github.com/line-relay/backend/internal/storage"
	"github.com/line-relay/backend/internal/storage/models"
)

type fakeSearcher struct {
	query string
	count int
	err   error
}

func (f *fakeSearcher) Search(_ context.Context, query string, maxResults int) (*web.SearchResult, error) {
	f.query, f.count = query, maxResults
	if f.err != nil {
		return nil, f.err
	}
	return &web.SearchResult{
		Query:        query,
		Summary:      "s",
		Sources:      []web.Result{{Title: "t", URL: "https://x"}},
		TotalResults: 1,
		Provider:     "fake",
	}, nil
}

type fakeProfiles map[string]*models.Profile

func (f fakeProfiles) GetProfile(_ context.Context, userID string) (*models.Profile, error) {
	p, ok := f[userID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return p, nil
}

type fakeRequester struct {
	userID, reason string
}

func (f *fakeRequester) RequestHandover(_ context.Context, userID, reason string) error {
	f.userID, f.reason = userID, reason
	return nil
}

func TestEnhanceQuery(t *testing.T) {
	cases := map[string]string{
		"長照資源":   "長照資源 台灣",
		"申請流程":   "申請流程 台灣 政府 社會福利",
		"台灣長照":   "台灣長照",
		"兒少補助":   "兒少補助",
		"福利政策說明": "福利政策說明 台灣 政府 社會福利",
	}
	for in, want := range cases {
		assert.Equal(t, want, EnhanceQuery(in), in)
	}
}

func TestDispatch_WebSearch(t *testing.T) {
	searcher := &fakeSearcher{}
	d := NewDispatcher(NewWebSearchTool(searcher, 5))

	out, err := d.Dispatch(context.Background(), "web_search", `{"query":"長照資源","max_results":30}`)
	require.NoError(t, err)

	assert.Equal(t, "長照資源 台灣", searcher.query)
	assert.Equal(t, web.MaxResultsLimit, searcher.count)

	var doc struct {
		Result web.SearchResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	assert.Equal(t, "長照資源", doc.Result.Query)
	assert.Equal(t, 1, doc.Result.TotalResults)
}

func TestDispatch_WebSearchFailurePropagates(t *testing.T) {
	d := NewDispatcher(NewWebSearchTool(&fakeSearcher{err: web.ErrSearchTimeout}, 5))

	_, err := d.Dispatch(context.Background(), "web_search", `{"query":"x"}`)
	assert.True(t, errors.Is(err, web.ErrSearchTimeout))
}

func TestDispatch_UnknownToolAndBadArgs(t *testing.T) {
	d := NewDispatcher(NewDateTimeTool())

	_, err := d.Dispatch(context.Background(), "launch_rocket", `{}`)
	assert.True(t, errors.Is(err, ErrUnknownTool))

	_, err = d.Dispatch(context.Background(), "get_current_datetime", `{not json`)
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnknownTool))
}

func TestNilToolsAreSkipped(t *testing.T) {
	d := NewDispatcher(NewWebSearchTool(nil, 5), NewDateTimeTool())
	assert.Equal(t, []string{"get_current_datetime"}, d.Names())
}

func TestDateTimeTool(t *testing.T) {
	tool := NewDateTimeTool()
	tool.now = func() time.Time { return time.Date(2024, 3, 1, 16, 30, 0, 0, time.UTC) }

	out, err := tool.Execute(context.Background(), nil)
	require.NoError(t, err)

	m := out.(map[string]string)
	assert.Equal(t, "2024-03-02", m["date"])
	assert.Equal(t, "00:30:00", m["time"])
	assert.Equal(t, "Saturday", m["weekday"])
	assert.Equal(t, "六", m["weekday_chinese"])
}

func TestOrgInfoTool(t *testing.T) {
	tool := NewOrgInfoTool(fakeProfiles{
		"U1": {UserID: "U1", OrganizationName: "好心協會", ServiceCity: "台中", Status: models.ProfileComplete},
	})

	out, err := tool.Execute(WithUserID(context.Background(), "U1"), map[string]interface{}{"user_id": "U999"})
	require.NoError(t, err)
	m := out.(map[string]string)
	assert.Equal(t, "好心協會", m["organization_name"])
	assert.Equal(t, "complete", m["completion_status"])

	out, err = tool.Execute(context.Background(), map[string]interface{}{"user_id": "U2"})
	require.NoError(t, err)
	assert.Equal(t, "用戶尚未提供組織資料", out.(map[string]string)["message"])

	_, err = tool.Execute(context.Background(), map[string]interface{}{})
	assert.Error(t, err)
}

func TestHandoverTool(t *testing.T) {
	req := &fakeRequester{}
	d := NewDispatcher(NewHandoverTool(req))

	ctx := WithUserID(context.Background(), "U1")
	out, err := d.Dispatch(ctx, "request_human_handover", `{"user_id":"U1","reason":"需要專人"}`)
	require.NoError(t, err)

	assert.Equal(t, "U1", req.userID)
	assert.Equal(t, "AI助手請求人工協助: 需要專人", req.reason)
	assert.Contains(t, out, "handover_requested")
}

func TestDefinitions(t *testing.T) {
	d := NewDispatcher(NewDateTimeTool(), NewHandoverTool(&fakeRequester{}))
	defs := d.Definitions()

	require.Len(t, defs, 2)
	assert.Equal(t, "get_current_datetime", defs[0].Function.Name)
	assert.Equal(t, "function", defs[0].Type)
	assert.Equal(t, "request_human_handover", defs[1].Function.Name)
}
