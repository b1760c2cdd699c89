package extractor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/line-relay/backend/internal/llm"
	"github.com/line-relay/backend/internal/storage/models"
)

type Completer interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error)
}

// LLMExtractor asks a chat model for the four fields as JSON.
type LLMExtractor struct {
	completer Completer
}

// NewLLMExtractor returns nil when completer is nil so the chain skips it.
func NewLLMExtractor(completer Completer) Extractor {
	if completer == nil {
		return nil
	}
	return &LLMExtractor{completer: completer}
}

func (e *LLMExtractor) Name() string { return "llm" }

type extractionReply struct {
	ExtractedData struct {
		OrganizationName *string `json:"organization_name"`
		ServiceCity      *string `json:"service_city"`
		ContactInfo      *string `json:"contact_info"`
		ServiceTarget    *string `json:"service_target"`
	} `json:"extracted_data"`
	Confidence float64 `json:"confidence"`
}

func (e *LLMExtractor) Extract(ctx context.Context, text string, partial models.Profile) (models.Profile, error) {
	resp, err := e.completer.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: systemPrompt(partial),
		UserPrompt:   text,
		Temperature:  0.1,
		MaxTokens:    500,
		JSON:         true,
	})
	if err != nil {
		return models.Profile{}, fmt.Errorf("failed to extract organization data: %w", err)
	}

	var reply extractionReply
	if err := json.Unmarshal([]byte(resp.Content), &reply); err != nil {
		return models.Profile{}, fmt.Errorf("failed to parse extraction reply: %w", err)
	}

	var p models.Profile
	d := reply.ExtractedData
	p.OrganizationName = clean(d.OrganizationName)
	p.ServiceCity = clean(d.ServiceCity)
	p.ContactInfo = clean(d.ContactInfo)
	p.ServiceTarget = normalizeTargets(clean(d.ServiceTarget))
	return p, nil
}

// clean maps null, blank and placeholder values to "".
func clean(s *string) string {
	if s == nil {
		return ""
	}
	v := strings.TrimSpace(*s)
	switch strings.ToLower(v) {
	case "null", "none", "未提供":
		return ""
	}
	return v
}

func systemPrompt(current models.Profile) string {
	or := func(v string) string {
		if strings.TrimSpace(v) == "" {
			return "未提供"
		}
		return v
	}

	return fmt.Sprintf(`你是一個專門分析社福組織資料的助手。請從用戶訊息中提取以下資訊：

1. 單位全名 (organization_name)
2. 服務縣市 (service_city)
3. 聯絡人職稱+姓名+電話 (contact_info)
4. 服務對象 (service_target): 限定為 %s

目前已有資料：
- 單位全名: %s
- 服務縣市: %s
- 聯絡人資訊: %s
- 服務對象: %s

請以JSON格式回覆，包含：
{
  "extracted_data": {
    "organization_name": "提取到的單位全名或null",
    "service_city": "提取到的服務縣市或null",
    "contact_info": "提取到的聯絡人資訊或null",
    "service_target": "提取到的服務對象或null"
  },
  "confidence": 0.0-1.0
}

注意：
- 只提取明確提到的資訊，不要推測
- 服務對象必須是四個選項之一，可複選
- 如果沒有找到新資訊，對應欄位返回null
- 聯絡人資訊要包含職稱、姓名、電話`,
		strings.Join(ServiceTargets, "、"),
		or(current.OrganizationName),
		or(current.ServiceCity),
		or(current.ContactInfo),
		or(current.ServiceTarget),
	)
}
