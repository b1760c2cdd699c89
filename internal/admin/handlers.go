package admin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/line-relay/backend/internal/buffer"
	"github.com/line-relay/backend/internal/handover"
	"github.com/line-relay/backend/internal/storage"
	"github.com/line-relay/backend/internal/storage/models"
)

const (
	maxListed     = 10
	searchLimit   = 20
	historyWindow = 100
	timeLayout    = "2006-01-02 15:04"
)

type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (*models.Profile, error)
	SearchProfiles(ctx context.Context, term string, limit int) ([]models.Profile, error)
}

type HistoryReader interface {
	ListHistory(ctx context.Context, userID string, limit int) ([]models.HistoryRecord, error)
}

type FlagService interface {
	Status(ctx context.Context, userID string) (handover.Status, error)
	Clear(ctx context.Context, userID string) error
}

type Resetter interface {
	Reset(ctx context.Context, userID string) error
}

type BufferInspector interface {
	Stats() buffer.Stats
	Status(userID string) buffer.Status
}

// Deps are the components commands read and act on. Nil members disable the
// commands that need them.
type Deps struct {
	Profiles   ProfileStore
	History    HistoryReader
	Handover   FlagService
	Threads    Resetter
	Onboarding Resetter
	Buffer     BufferInspector
}

func (s *Service) registerDefaults() {
	s.Register(Command{
		Name:        "help",
		Description: "顯示所有可用指令",
		Usage:       "/help [指令名稱]",
		Aliases:     []string{"h", "?", "幫助"},
		Handler:     s.help,
	})
	s.Register(Command{
		Name:        "user",
		Description: "查詢用戶詳細資訊",
		Usage:       "/user <用戶名稱或ID>",
		Aliases:     []string{"u", "用戶", "使用者"},
		Handler:     s.user,
	})
	s.Register(Command{
		Name:        "handover",
		Description: "查詢用戶人工處理狀態",
		Usage:       "/handover <用戶ID>",
		Aliases:     []string{"ho"},
		Handler:     s.handoverStatus,
	})
	s.Register(Command{
		Name:        "release",
		Description: "解除用戶人工處理狀態，恢復 AI 回覆",
		Usage:       "/release <用戶ID>",
		Aliases:     []string{"r"},
		Mutates:     true,
		Handler:     s.release,
	})
	s.Register(Command{
		Name:        "reset",
		Description: "重置用戶對話與建檔流程",
		Usage:       "/reset <用戶ID>",
		Mutates:     true,
		Handler:     s.reset,
	})
	s.Register(Command{
		Name:        "buffer",
		Description: "查看訊息緩衝狀態",
		Usage:       "/buffer [用戶ID]",
		Aliases:     []string{"b"},
		Handler:     s.bufferStatus,
	})
}

func unavailable(name string) Result {
	return Result{Message: fmt.Sprintf("❌ /%s 目前無法使用", name)}
}

func (s *Service) user(ctx context.Context, args []string) Result {
	if len(args) == 0 {
		return Result{Message: "❌ 請提供用戶名稱或ID\n用法：/user <用戶名稱或ID>"}
	}
	if s.deps.Profiles == nil {
		return unavailable("user")
	}
	term := strings.Join(args, " ")

	if looksLikeUserID(term) {
		p, err := s.deps.Profiles.GetProfile(ctx, term)
		if err == nil {
			return Result{OK: true, Message: s.formatDetails(ctx, p)}
		}
		if !errors.Is(err, storage.ErrNotFound) {
			s.log.Error("Failed to load profile", zap.String("user_id", term), zap.Error(err))
			return Result{Message: fmt.Sprintf("❌ 查詢用戶時發生錯誤：%v", err)}
		}
	}

	profiles, err := s.deps.Profiles.SearchProfiles(ctx, term, searchLimit)
	if err != nil {
		s.log.Error("Failed to search profiles", zap.String("term", term), zap.Error(err))
		return Result{Message: fmt.Sprintf("❌ 查詢用戶時發生錯誤：%v", err)}
	}

	switch len(profiles) {
	case 0:
		return Result{Message: fmt.Sprintf("❌ 找不到匹配 '%s' 的用戶", term)}
	case 1:
		return Result{OK: true, Message: s.formatDetails(ctx, &profiles[0])}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "👥 找到 %d 個匹配的用戶：\n\n", len(profiles))
	for i, p := range profiles {
		if i == maxListed {
			break
		}
		fmt.Fprintf(&b, "%d. %s (%s)\n   服務縣市：%s\n", i+1, orDefault(p.OrganizationName, "未設定"), shortID(p.UserID), orDefault(p.ServiceCity, "未設定"))
	}
	if len(profiles) > maxListed {
		fmt.Fprintf(&b, "\n...還有 %d 個結果\n", len(profiles)-maxListed)
	}
	b.WriteString("\n💡 使用完整用戶名稱或ID查看詳細資訊")
	return Result{OK: true, Message: b.String()}
}

func (s *Service) formatDetails(ctx context.Context, p *models.Profile) string {
	var b strings.Builder
	b.WriteString("👤 用戶詳細資訊\n\n")
	fmt.Fprintf(&b, "用戶ID：%s\n", p.UserID)
	if !p.CreatedAt.IsZero() {
		fmt.Fprintf(&b, "加入時間：%s\n", p.CreatedAt.Format(timeLayout))
	}

	if s.deps.History != nil {
		records, err := s.deps.History.ListHistory(ctx, p.UserID, historyWindow)
		if err != nil {
			s.log.Warn("Failed to load history", zap.String("user_id", p.UserID), zap.Error(err))
		} else {
			count := fmt.Sprintf("%d", len(records))
			if len(records) == historyWindow {
				count += "+"
			}
			fmt.Fprintf(&b, "訊息數量：%s\n", count)
			if len(records) > 0 {
				fmt.Fprintf(&b, "最後活動：%s\n", records[0].CreatedAt.Format(timeLayout))
			}
			if avg, ok := averageConfidence(records); ok {
				fmt.Fprintf(&b, "平均信心度：%s %.2f\n", confidenceEmoji(avg), avg)
			}
		}
	}

	b.WriteString("\n📋 組織資訊\n")
	if p.OrganizationName == "" && p.Status != models.ProfileComplete {
		b.WriteString("尚未建立組織資料\n")
	} else {
		fmt.Fprintf(&b, "組織名稱：%s\n", orDefault(p.OrganizationName, "未設定"))
		fmt.Fprintf(&b, "服務縣市：%s\n", orDefault(p.ServiceCity, "未設定"))
		fmt.Fprintf(&b, "聯絡資訊：%s\n", orDefault(p.ContactInfo, "未設定"))
		fmt.Fprintf(&b, "服務對象：%s\n", orDefault(p.ServiceTarget, "未設定"))
	}
	if p.Status == models.ProfileComplete {
		b.WriteString("建檔狀態：✅ 已完成")
	} else {
		b.WriteString("建檔狀態：⏳ 進行中")
	}
	return b.String()
}

func (s *Service) handoverStatus(ctx context.Context, args []string) Result {
	if len(args) == 0 {
		return Result{Message: "❌ 請提供用戶ID\n用法：/handover <用戶ID>"}
	}
	if s.deps.Handover == nil {
		return unavailable("handover")
	}
	st, err := s.deps.Handover.Status(ctx, args[0])
	if err != nil {
		return Result{Message: fmt.Sprintf("❌ 查詢狀態時發生錯誤：%v", err)}
	}
	if !st.Active {
		return Result{OK: true, Message: fmt.Sprintf("🟢 %s 目前由 AI 服務", args[0])}
	}
	return Result{OK: true, Message: fmt.Sprintf("🔴 %s 人工處理中\n原因：%s\n剩餘：%d 分鐘\n到期：%s",
		args[0], st.Reason, st.MinutesLeft, st.ExpiresAt.Format(timeLayout))}
}

func (s *Service) release(ctx context.Context, args []string) Result {
	if len(args) == 0 {
		return Result{Message: "❌ 請提供用戶ID\n用法：/release <用戶ID>"}
	}
	if s.deps.Handover == nil {
		return unavailable("release")
	}
	if err := s.deps.Handover.Clear(ctx, args[0]); err != nil {
		return Result{Message: fmt.Sprintf("❌ 解除失敗：%v", err)}
	}
	return Result{OK: true, Message: fmt.Sprintf("✅ 已解除 %s 的人工處理狀態", args[0])}
}

func (s *Service) reset(ctx context.Context, args []string) Result {
	if len(args) == 0 {
		return Result{Message: "❌ 請提供用戶ID\n用法：/reset <用戶ID>"}
	}
	if s.deps.Threads == nil && s.deps.Onboarding == nil {
		return unavailable("reset")
	}
	userID := args[0]
	if s.deps.Threads != nil {
		if err := s.deps.Threads.Reset(ctx, userID); err != nil {
			return Result{Message: fmt.Sprintf("❌ 重置對話失敗：%v", err)}
		}
	}
	if s.deps.Onboarding != nil {
		if err := s.deps.Onboarding.Reset(ctx, userID); err != nil {
			return Result{Message: fmt.Sprintf("❌ 重置建檔流程失敗：%v", err)}
		}
	}
	return Result{OK: true, Message: fmt.Sprintf("✅ 已重置 %s 的對話與建檔流程", userID)}
}

func (s *Service) bufferStatus(_ context.Context, args []string) Result {
	if s.deps.Buffer == nil {
		return unavailable("buffer")
	}

	if len(args) > 0 {
		st := s.deps.Buffer.Status(args[0])
		if st.Pending == 0 {
			return Result{OK: true, Message: fmt.Sprintf("📭 %s 沒有待處理的訊息", args[0])}
		}
		return Result{OK: true, Message: fmt.Sprintf("📬 %s 緩衝中\n片段數：%d\n字數：%d\n開始：%s",
			args[0], st.Pending, st.Chars, st.FirstAt.Format(time.TimeOnly))}
	}

	stats := s.deps.Buffer.Stats()
	var b strings.Builder
	fmt.Fprintf(&b, "📊 訊息緩衝統計\n\n使用中：%d\n累計片段：%d\n", stats.ActiveGroups, stats.Submitted)

	triggers := make([]string, 0, len(stats.Flushes))
	for t := range stats.Flushes {
		triggers = append(triggers, string(t))
	}
	sort.Strings(triggers)
	for _, t := range triggers {
		fmt.Fprintf(&b, "%s：%d\n", t, stats.Flushes[buffer.Trigger(t)])
	}
	return Result{OK: true, Message: strings.TrimRight(b.String(), "\n")}
}

func looksLikeUserID(s string) bool {
	return strings.HasPrefix(s, "U") && len(s) > 10 && !strings.ContainsAny(s, " \t")
}

func shortID(id string) string {
	if len(id) <= 10 {
		return id
	}
	return id[len(id)-10:]
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func averageConfidence(records []models.HistoryRecord) (float64, bool) {
	var sum float64
	var n int
	for _, r := range records {
		if r.Confidence != nil && *r.Confidence > 0 {
			sum += *r.Confidence
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

func confidenceEmoji(avg float64) string {
	switch {
	case avg >= 0.8:
		return "🟢"
	case avg >= 0.6:
		return "🟡"
	default:
		return "🔴"
	}
}
