package onboarding

import (
	"fmt"
	"strings"

	"github.com/line-relay/backend/internal/storage/models"
)

const (
	CompletionMessage = "已收到資料並完成建檔！很高興認識貴單位，一起夢想會持續支持微型社福，期待未來有更多交流 🤜🏻🤛🏻"
	ErrorMessage      = "系統暫時無法處理您的請求，請稍後再試。"
	NewUserNotice     = "新用戶加入 LINE Bot - 等待提供組織資料"

	hintHeader    = "感謝您的加入，請先提供以下資訊：\n"
	aiServiceNote = "📌 一起夢想已啟用 AI 客服，能即時回答常見問題，幫助您更快得到回覆，若 AI 無法解決，也能隨時請專人接手，請放心使用！"
	notProvided   = "未提供"
)

var hintLines = map[models.Field]string{
	models.FieldOrganizationName: "1、單位全名：\n",
	models.FieldServiceCity:      "2、服務縣市：\n",
	models.FieldContactInfo:      "3、聯絡人職稱+姓名+電話：\n",
	models.FieldServiceTarget:    "4、服務對象（可複選）：弱勢兒少、中年困境、孤獨長者、無助動物。\n",
}

var fieldLabels = map[models.Field]string{
	models.FieldOrganizationName: "組織名稱",
	models.FieldServiceCity:      "服務城市",
	models.FieldContactInfo:      "聯絡資訊",
	models.FieldServiceTarget:    "服務對象",
}

// Hint lists the missing fields in form order. The AI service note is added
// when nothing has been provided yet.
func Hint(missing []models.Field) string {
	if len(missing) == 0 {
		return CompletionMessage
	}

	var b strings.Builder
	b.WriteString(hintHeader)
	for _, f := range models.RequiredFields {
		if containsField(missing, f) {
			b.WriteString(hintLines[f])
		}
	}
	if len(missing) == len(models.RequiredFields) {
		b.WriteString(aiServiceNote)
	}
	return strings.TrimRight(b.String(), "\n")
}

// CompletionSummary is the admin notice sent when a profile completes.
func CompletionSummary(p *models.Profile) string {
	var b strings.Builder
	b.WriteString("已完成組織資料填寫\n\n")
	for i, f := range models.RequiredFields {
		v := strings.TrimSpace(p.Get(f))
		if v == "" {
			v = notProvided
		}
		fmt.Fprintf(&b, "%s: %s", fieldLabels[f], v)
		if i < len(models.RequiredFields)-1 {
			b.WriteString("\n")
		}
	}
	return b.String()
}

// Preamble formats the profile as the first message of a new assistant thread.
func Preamble(p *models.Profile) string {
	var lines []string
	for _, f := range models.RequiredFields {
		if v := strings.TrimSpace(p.Get(f)); v != "" {
			lines = append(lines, fmt.Sprintf("%s: %s", fieldLabels[f], v))
		}
	}
	if len(lines) == 0 {
		return ""
	}
	return "我的基本資料：\n" + strings.Join(lines, "\n")
}

func containsField(fields []models.Field, f models.Field) bool {
	for _, x := range fields {
		if x == f {
			return true
		}
	}
	return false
}
