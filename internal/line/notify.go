package line

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/line-relay/backend/pkg/logger"
)

const (
	TitleHandover      = "用戶需要人工協助"
	TitleNewUser       = "新用戶加入"
	TitleMedia         = "用戶傳送媒體檔案"
	TitleLowConfidence = "AI回覆信心度偏低"
	TitleAIError       = "AI系統發生錯誤"
	TitleOnboarding    = "組織資料建檔完成"
)

// Notice is a message for the administrator about one user.
type Notice struct {
	Title       string
	UserID      string
	UserMessage string
	AIReply     string
	Confidence  *float64
}

func (n Notice) Format() string {
	title := n.Title
	if title == "" {
		title = TitleHandover
	}

	var b strings.Builder
	b.WriteString(title)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "用戶ID: %s\n", n.UserID)
	fmt.Fprintf(&b, "用戶訊息: %s\n", n.UserMessage)
	if n.AIReply != "" {
		fmt.Fprintf(&b, "AI回覆: %s\n", n.AIReply)
	}
	if n.Confidence != nil {
		fmt.Fprintf(&b, "信心度: %.2f\n", *n.Confidence)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Notifier pushes notices to the configured admin user.
type Notifier struct {
	sender      *Sender
	adminUserID string
}

func NewNotifier(sender *Sender, adminUserID string) *Notifier {
	return &Notifier{sender: sender, adminUserID: adminUserID}
}

func (n *Notifier) AdminUserID() string {
	return n.adminUserID
}

// NotifyAdmin pushes the notice. It is a no-op when no admin is configured.
func (n *Notifier) NotifyAdmin(ctx context.Context, notice Notice) error {
	if n.adminUserID == "" {
		logger.Debug("Admin notice skipped, no admin configured", zap.String("user_id", notice.UserID))
		return nil
	}
	d := n.sender.Send(ctx, n.adminUserID, "", notice.Format())
	return d.Err
}
