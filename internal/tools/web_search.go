package tools

import (
	"context"
	"errors"
	"strings"

	"github.com/line-relay/backend/internal/search/web"
)

var (
	regionalTerms = []string{"台灣", "政府", "社會福利", "補助", "法規"}
	policyTerms   = []string{"政策", "補助", "福利", "法規", "申請"}
)

// Searcher is satisfied by web.Client.
type Searcher interface {
	Search(ctx context.Context, query string, maxResults int) (*web.SearchResult, error)
}

type WebSearchTool struct {
	searcher   Searcher
	maxResults int
}

// NewWebSearchTool returns nil when searcher is nil so that Register skips it.
func NewWebSearchTool(searcher Searcher, defaultResults int) Tool {
	if searcher == nil {
		return nil
	}
	return &WebSearchTool{searcher: searcher, maxResults: web.ClampResults(defaultResults)}
}

func (t *WebSearchTool) Name() string { return "web_search" }

func (t *WebSearchTool) Description() string {
	return "搜尋網路上與台灣社會福利、政府補助、法規政策相關的最新資訊"
}

func (t *WebSearchTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "搜尋關鍵字",
			},
			"max_results": map[string]interface{}{
				"type":        "number",
				"description": "回傳結果數量 (1-10)",
				"minimum":     1.0,
				"maximum":     float64(web.MaxResultsLimit),
			},
		},
		"required": []string{"query"},
	}
}

func (t *WebSearchTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	query, _ := args["query"].(string)
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, errors.New("query is required")
	}

	count := t.maxResults
	if n, ok := args["max_results"].(float64); ok && n >= 1 {
		count = web.ClampResults(int(n))
	}

	result, err := t.searcher.Search(ctx, EnhanceQuery(query), count)
	if err != nil {
		return nil, err
	}
	result.Query = query
	return result, nil
}

// EnhanceQuery adds Taiwan context to queries that carry none.
func EnhanceQuery(query string) string {
	if containsAny(query, regionalTerms) {
		return query
	}
	enhanced := query + " 台灣"
	if containsAny(query, policyTerms) {
		enhanced += " 政府 社會福利"
	}
	return enhanced
}

func containsAny(s string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}
