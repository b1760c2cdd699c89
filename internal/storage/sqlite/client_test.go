package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/line-relay/backend/internal/storage"
	"github.com/line-relay/backend/internal/storage/models"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()

	c, err := NewClient(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	require.NoError(t, c.InitSchema(context.Background()))
	return c
}

func TestThreads(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.GetThread(ctx, "U1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, c.SaveThread(ctx, "U1", "thread_a"))
	th, err := c.GetThread(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, "thread_a", th.ThreadID)
	assert.True(t, th.IsActive)

	require.NoError(t, c.DeactivateThread(ctx, "U1"))
	_, err = c.GetThread(ctx, "U1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, c.SaveThread(ctx, "U1", "thread_b"))
	th, err = c.GetThread(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, "thread_b", th.ThreadID)
}

func TestAppendHistory_WithAndWithoutDetail(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	conf := 0.91

	require.NoError(t, c.AppendHistory(ctx, &models.HistoryRecord{
		ID:          "h1",
		UserID:      "U1",
		Content:     "你好",
		MessageType: models.MessageTypeText,
		Route:       "escalate",
		CreatedAt:   now,
	}, nil))

	require.NoError(t, c.AppendHistory(ctx, &models.HistoryRecord{
		ID:            "h2",
		UserID:        "U1",
		Content:       "補助怎麼申請",
		MessageType:   models.MessageTypeText,
		AIResponse:    "請參考社會局網站",
		AIExplanation: "found in kb",
		Confidence:    &conf,
		Route:         "reply",
		CreatedAt:     now.Add(time.Second),
	}, &models.AIDetail{
		ID:          "d2",
		Intent:      "subsidy",
		Queries:     []string{"補助 申請"},
		Sources:     []string{"https://example.gov.tw"},
		PolicyScope: "in",
		CreatedAt:   now,
	}))

	records, err := c.ListHistory(ctx, "U1", 10)
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "h2", records[0].ID)
	require.NotNil(t, records[0].Confidence)
	assert.InDelta(t, 0.91, *records[0].Confidence, 1e-9)
	assert.Nil(t, records[1].Confidence)
	assert.Empty(t, records[1].AIResponse)

	_, err = c.GetAIDetail(ctx, "h1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	d, err := c.GetAIDetail(ctx, "h2")
	require.NoError(t, err)
	assert.Equal(t, "subsidy", d.Intent)
	assert.Equal(t, []string{"補助 申請"}, d.Queries)
	assert.Equal(t, "in", d.PolicyScope)
}

func TestAIDetailCascadeDelete(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.AppendHistory(ctx,
		&models.HistoryRecord{ID: "h1", UserID: "U1", Content: "x", MessageType: models.MessageTypeText, CreatedAt: time.Now()},
		&models.AIDetail{ID: "d1", Intent: "greeting", CreatedAt: time.Now()},
	))

	_, err := c.db.ExecContext(ctx, `DELETE FROM message_history WHERE id = ?`, "h1")
	require.NoError(t, err)

	_, err = c.GetAIDetail(ctx, "h1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestProfiles(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	_, err := c.GetProfile(ctx, "U1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	p := &models.Profile{
		UserID:           "U1",
		OrganizationName: "夢想關懷協會",
		ServiceCity:      "台南",
		Status:           models.ProfilePartial,
		ReminderCount:    2,
		RawMessages:      []string{"我們是夢想關懷協會", "在台南"},
	}
	require.NoError(t, c.UpsertProfile(ctx, p))

	got, err := c.GetProfile(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, "夢想關懷協會", got.OrganizationName)
	assert.Equal(t, models.ProfilePartial, got.Status)
	assert.Equal(t, 2, got.ReminderCount)
	assert.False(t, got.CompletionNotified)
	assert.Equal(t, []string{"我們是夢想關懷協會", "在台南"}, got.RawMessages)

	got.Status = models.ProfileComplete
	got.CompletionNotified = true
	require.NoError(t, c.UpsertProfile(ctx, got))

	got, err = c.GetProfile(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, models.ProfileComplete, got.Status)
	assert.True(t, got.CompletionNotified)

	require.NoError(t, c.UpsertProfile(ctx, &models.Profile{UserID: "U2", OrganizationName: "動物之家", Status: models.ProfileNew}))

	found, err := c.SearchProfiles(ctx, "夢想", 10)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "U1", found[0].UserID)

	found, err = c.SearchProfiles(ctx, "U", 10)
	require.NoError(t, err)
	assert.Len(t, found, 2)

	listed, err := c.ListProfiles(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, listed, 2)

	listed, err = c.ListProfiles(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

func TestHandoverFlags(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0)

	_, err := c.GetHandoverFlag(ctx, "U1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, c.SetHandoverFlag(ctx, &models.HandoverFlag{UserID: "U1", Reason: "explicit", ExpiresAt: now.Add(time.Hour)}))
	require.NoError(t, c.SetHandoverFlag(ctx, &models.HandoverFlag{UserID: "U2", Reason: "low_confidence", ExpiresAt: now.Add(-time.Minute)}))

	f, err := c.GetHandoverFlag(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, "explicit", f.Reason)
	assert.True(t, f.ExpiresAt.Equal(now.Add(time.Hour)))

	n, err := c.ClearExpiredFlags(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = c.GetHandoverFlag(ctx, "U2")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	n, err = c.ClearExpiredFlags(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, c.ClearHandoverFlag(ctx, "U1"))
	_, err = c.GetHandoverFlag(ctx, "U1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
