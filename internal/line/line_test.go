package line

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplit(t *testing.T) {
	assert.Nil(t, Split("   ", 10))
	assert.Equal(t, []string{"短訊息"}, Split("短訊息", 10))

	assert.Equal(t,
		[]string{"第一句。", "第二句！", "第三句？"},
		Split("第一句。第二句！第三句？", 4),
	)

	assert.Equal(t,
		[]string{"一二三四", "五六七八", "九十"},
		Split("一二三四五六七八九十", 4),
	)
}

func TestSplitLatinKeepsContent(t *testing.T) {
	text := "Hello world. This is fine! Is it? Dr. Lin said the fee is 3.5 dollars."
	segments := Split(text, 20)
	require.NotEmpty(t, segments)

	for _, s := range segments {
		assert.LessOrEqual(t, utf8.RuneCountInString(s), 20, s)
	}
	strip := func(s string) string { return strings.ReplaceAll(s, " ", "") }
	assert.Equal(t, strip(text), strip(strings.Join(segments, "")))
}

func TestCleanCitations(t *testing.T) {
	assert.Equal(t, "Helloworld", CleanCitations("Hello【1:2†source】world"))
	assert.Equal(t, "答案。\n\n下一段 文字", CleanCitations("答案【4:0†source】。\n\n\n\n下一段  文字〖2〗"))
	assert.Equal(t, "", CleanCitations("【1†source】"))
}

type call struct {
	kind  string
	to    string
	texts []string
}

type fakeMessenger struct {
	calls     []call
	replyErr  error
	pushErr   error
	pushCalls int
}

func (f *fakeMessenger) Reply(_ context.Context, token string, texts []string) error {
	f.calls = append(f.calls, call{"reply", token, texts})
	return f.replyErr
}

func (f *fakeMessenger) Push(_ context.Context, userID string, texts []string) error {
	f.calls = append(f.calls, call{"push", userID, texts})
	f.pushCalls++
	return f.pushErr
}

func sevenSegments() string {
	return strings.Repeat("一二三四", 7)
}

func TestSenderReplyThenPush(t *testing.T) {
	m := &fakeMessenger{}
	d := NewSender(m, 4).Send(context.Background(), "U1", "tok", sevenSegments())

	require.NoError(t, d.Err)
	assert.True(t, d.Replied)
	assert.Equal(t, 7, d.Segments)
	assert.Equal(t, 6, d.Pushed)
	require.Len(t, m.calls, 3)
	assert.Equal(t, "reply", m.calls[0].kind)
	assert.Len(t, m.calls[0].texts, 1)
	assert.Len(t, m.calls[1].texts, 5)
	assert.Len(t, m.calls[2].texts, 1)
}

func TestSenderReplyFailurePushesEverything(t *testing.T) {
	m := &fakeMessenger{replyErr: ErrDelivery}
	d := NewSender(m, 4).Send(context.Background(), "U1", "tok", sevenSegments())

	require.NoError(t, d.Err)
	assert.False(t, d.Replied)
	assert.Equal(t, 7, d.Pushed)
	require.Len(t, m.calls, 3)
	assert.Equal(t, "push", m.calls[1].kind)
	assert.Equal(t, "U1", m.calls[1].to)
	assert.Len(t, m.calls[1].texts, 5)
	assert.Len(t, m.calls[2].texts, 2)
}

func TestSenderWithoutTokenAndPushFailure(t *testing.T) {
	m := &fakeMessenger{}
	d := NewSender(m, 0).Send(context.Background(), "U1", "", "你好")
	require.NoError(t, d.Err)
	require.Len(t, m.calls, 1)
	assert.Equal(t, call{"push", "U1", []string{"你好"}}, m.calls[0])

	m = &fakeMessenger{pushErr: errors.New("boom")}
	d = NewSender(m, 4).Send(context.Background(), "U1", "", sevenSegments())
	assert.Error(t, d.Err)
	assert.Equal(t, 1, m.pushCalls)
	assert.Zero(t, d.Pushed)

	m = &fakeMessenger{}
	d = NewSender(m, 4).Send(context.Background(), "U1", "tok", "【1†source】")
	assert.Zero(t, d.Segments)
	assert.Empty(t, m.calls)
}

func TestNotifier(t *testing.T) {
	m := &fakeMessenger{}
	require.NoError(t, NewNotifier(NewSender(m, 0), "").NotifyAdmin(context.Background(), Notice{UserID: "U1"}))
	assert.Empty(t, m.calls)

	conf := 0.5
	n := NewNotifier(NewSender(m, 0), "Uadmin")
	require.NoError(t, n.NotifyAdmin(context.Background(), Notice{
		UserID:      "U1",
		UserMessage: "補助怎麼申請",
		AIReply:     "請洽社會局",
		Confidence:  &conf,
	}))
	require.Len(t, m.calls, 1)
	assert.Equal(t, "Uadmin", m.calls[0].to)
	assert.Equal(t,
		"用戶需要人工協助\n\n用戶ID: U1\n用戶訊息: 補助怎麼申請\nAI回覆: 請洽社會局\n信心度: 0.50",
		m.calls[0].texts[0],
	)
}

func TestClient(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret-token", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/v2/bot/message/reply":
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{}`))
		case "/v2/bot/message/push":
			assert.NotEmpty(t, r.Header.Get("X-Line-Retry-Key"))
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"message":"Invalid reply token"}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "secret-token", 0)
	require.NoError(t, err)
	require.NoError(t, c.Reply(context.Background(), "tok", []string{"a", "b"}))
	assert.Equal(t, "tok", got["replyToken"])
	assert.Len(t, got["messages"], 2)

	err = c.Push(context.Background(), "U1", []string{"a"})
	assert.ErrorIs(t, err, ErrDelivery)
	assert.Contains(t, err.Error(), "Invalid reply token")

	assert.ErrorIs(t, c.Push(context.Background(), "U1", make([]string, 6)), ErrDelivery)
	assert.ErrorIs(t, c.Reply(context.Background(), "", []string{"a"}), ErrDelivery)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.Reply(cancelled, "tok", []string{"a"}), ErrDelivery)
}

func TestParseEvents(t *testing.T) {
	body := `{"destination":"x","events":[
		{"type":"message","replyToken":"r1","timestamp":1700000000000,"source":{"type":"user","userId":"U1"},"message":{"id":"1","type":"text","text":"你好"}},
		{"type":"message","replyToken":"r2","source":{"type":"group","groupId":"G","userId":"U2"},"message":{"type":"text","text":"hi"}},
		{"type":"message","replyToken":"r3","source":{"type":"user","userId":"U1"},"message":{"type":"sticker"}},
		{"type":"message","replyToken":"r4","source":{"type":"user","userId":"U1"},"message":{"type":"image","id":"9"}},
		{"type":"follow","replyToken":"r5","source":{"type":"user","userId":"U3"}},
		{"type":"unfollow","source":{"type":"user","userId":"U3"}}
	]}`

	events, err := ParseEvents([]byte(body))
	require.NoError(t, err)
	require.Len(t, events, 4)

	assert.Equal(t, EventText, events[0].Type)
	assert.Equal(t, "你好", events[0].Text)
	assert.Equal(t, "r1", events[0].ReplyToken)
	assert.Equal(t, int64(1700000000000), events[0].Timestamp.UnixMilli())

	assert.Equal(t, EventImage, events[1].Type)
	assert.Equal(t, ImagePlaceholder, events[1].Text)
	assert.Equal(t, EventFollow, events[2].Type)
	assert.Equal(t, "U3", events[2].UserID)
	assert.Equal(t, EventOther, events[3].Type)

	_, err = ParseEvents([]byte("not json"))
	assert.Error(t, err)
}

func TestSignature(t *testing.T) {
	body := []byte(`{"events":[]}`)
	sig := Sign("channel-secret", body)

	assert.True(t, VerifySignature("channel-secret", body, sig))
	assert.False(t, VerifySignature("channel-secret", []byte(`{"events":[1]}`), sig))
	assert.False(t, VerifySignature("other", body, sig))
	assert.False(t, VerifySignature("channel-secret", body, "%%%"))
	assert.False(t, VerifySignature("", body, sig))
}
