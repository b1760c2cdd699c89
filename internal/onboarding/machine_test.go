package onboarding

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/line-relay/backend/internal/extractor"
	"github.com/line-relay/backend/internal/line"
	"github.com/line-relay/backend/internal/storage/memory"
	"github.com/line-relay/backend/internal/storage/models"
)

type recordingNotifier struct {
	notices []line.Notice
}

func (r *recordingNotifier) NotifyAdmin(_ context.Context, n line.Notice) error {
	r.notices = append(r.notices, n)
	return nil
}

type failingStore struct{ *memory.Store }

func (failingStore) GetProfile(context.Context, string) (*models.Profile, error) {
	return nil, errors.New("db down")
}

// interleavingStore runs hook once, right after the first profile load.
type interleavingStore struct {
	*memory.Store
	once sync.Once
	hook func()
}

func (s *interleavingStore) GetProfile(ctx context.Context, userID string) (*models.Profile, error) {
	p, err := s.Store.GetProfile(ctx, userID)
	s.once.Do(s.hook)
	return p, err
}

func newMachine(store Store, opts ...Option) (*Machine, *recordingNotifier) {
	n := &recordingNotifier{}
	return NewMachine(store, extractor.NewKeywordExtractor(), n, opts...), n
}

func TestOnboardingToCompletion(t *testing.T) {
	store := memory.NewStore()
	m, n := newMachine(store)
	ctx := context.Background()

	out, err := m.Handle(ctx, "U1", "你好")
	require.NoError(t, err)
	assert.False(t, out.Released)
	assert.True(t, out.Created)
	assert.Equal(t, models.ProfileNew, out.State)
	assert.Contains(t, out.Reply, "1、單位全名：")
	assert.Contains(t, out.Reply, aiServiceNote)
	require.Len(t, n.notices, 1)
	assert.Equal(t, line.TitleNewUser, n.notices[0].Title)
	assert.Equal(t, NewUserNotice, n.notices[0].UserMessage)

	out, err = m.Handle(ctx, "U1", "1、單位全名：愛心協會\n2、服務縣市：台中")
	require.NoError(t, err)
	assert.False(t, out.Released)
	assert.Equal(t, models.ProfilePartial, out.State)
	assert.NotContains(t, out.Reply, "1、單位全名")
	assert.Contains(t, out.Reply, "3、聯絡人職稱+姓名+電話：")
	assert.Contains(t, out.Reply, "4、服務對象")
	assert.NotContains(t, out.Reply, aiServiceNote)
	assert.Len(t, n.notices, 1)

	out, err = m.Handle(ctx, "U1", "聯絡人：社工 王小明 0912345678\n服務對象：孤獨長者")
	require.NoError(t, err)
	assert.Equal(t, models.ProfileComplete, out.State)
	assert.Equal(t, CompletionMessage, out.Reply)
	require.Len(t, n.notices, 2)
	assert.Contains(t, n.notices[1].UserMessage, "組織名稱: 愛心協會")
	assert.Contains(t, n.notices[1].UserMessage, "服務對象: 孤獨長者")

	p, err := store.GetProfile(ctx, "U1")
	require.NoError(t, err)
	assert.True(t, p.CompletionNotified)
	assert.Equal(t, 2, p.ReminderCount)
	assert.Len(t, p.RawMessages, 3)

	out, err = m.Handle(ctx, "U1", "請問補助怎麼申請？")
	require.NoError(t, err)
	assert.True(t, out.Released)
	assert.Empty(t, out.Reply)
	assert.Len(t, n.notices, 2)
}

func TestPassthroughWhileIncomplete(t *testing.T) {
	m, _ := newMachine(memory.NewStore(), WithPassthrough(func(text string) bool { return text == "轉人工" }))

	out, err := m.Handle(context.Background(), "U1", "轉人工")
	require.NoError(t, err)
	assert.True(t, out.Released)
}

func TestFollowWelcomesOnce(t *testing.T) {
	store := memory.NewStore()
	m, n := newMachine(store)
	ctx := context.Background()

	out, err := m.Follow(ctx, "U1")
	require.NoError(t, err)
	assert.True(t, out.Created)
	assert.Equal(t, Hint(models.RequiredFields), out.Reply)
	assert.Len(t, n.notices, 1)

	out, err = m.Follow(ctx, "U1")
	require.NoError(t, err)
	assert.False(t, out.Created)
	assert.NotEmpty(t, out.Reply)
	assert.Len(t, n.notices, 1)
}

func TestResetAndContext(t *testing.T) {
	store := memory.NewStore()
	m, _ := newMachine(store)
	ctx := context.Background()

	require.NoError(t, store.UpsertProfile(ctx, &models.Profile{
		UserID:           "U1",
		OrganizationName: "愛心協會",
		ServiceCity:      "台中",
		ContactInfo:      "王社工 0912345678",
		ServiceTarget:    "弱勢兒少",
		Status:           models.ProfileComplete,
	}))

	preamble, err := m.Context(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, "我的基本資料：\n組織名稱: 愛心協會\n服務城市: 台中\n聯絡資訊: 王社工 0912345678\n服務對象: 弱勢兒少", preamble)

	preamble, err = m.Context(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, preamble)

	require.NoError(t, m.Reset(ctx, "U1"))
	p, err := store.GetProfile(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, models.ProfileNew, p.Status)
	assert.Empty(t, p.OrganizationName)

	out, err := m.Handle(ctx, "U1", "嗨")
	require.NoError(t, err)
	assert.False(t, out.Released)
}

func TestResetWaitsForInFlightMessage(t *testing.T) {
	ctx := context.Background()
	store := &interleavingStore{Store: memory.NewStore()}
	require.NoError(t, store.UpsertProfile(ctx, &models.Profile{
		UserID: "U1",
		Status: models.ProfileNew,
	}))
	m, _ := newMachine(store)

	done := make(chan error, 1)
	store.hook = func() {
		go func() { done <- m.Reset(ctx, "U1") }()
		// Leave room for the reset to run before the save.
		time.Sleep(50 * time.Millisecond)
	}

	_, err := m.Handle(ctx, "U1", "1、單位全名：愛心協會\n2、服務縣市：台中")
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("reset did not finish")
	}

	p, err := store.Store.GetProfile(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, models.ProfileNew, p.Status)
	assert.Empty(t, p.OrganizationName)
	assert.Empty(t, p.ServiceCity)
}

func TestStoreFailure(t *testing.T) {
	m, _ := newMachine(failingStore{memory.NewStore()})
	out, err := m.Handle(context.Background(), "U1", "你好")
	assert.Error(t, err)
	assert.Equal(t, ErrorMessage, out.Reply)
}

func TestHintAndSummary(t *testing.T) {
	assert.Equal(t, CompletionMessage, Hint(nil))
	assert.Equal(t, "感謝您的加入，請先提供以下資訊：\n2、服務縣市：", Hint([]models.Field{models.FieldServiceCity}))

	summary := CompletionSummary(&models.Profile{OrganizationName: "A"})
	assert.Equal(t, "已完成組織資料填寫\n\n組織名稱: A\n服務城市: 未提供\n聯絡資訊: 未提供\n服務對象: 未提供", summary)
}
