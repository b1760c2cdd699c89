package web

import (
	"context"
	"errors"
)

var (
	ErrSearchTimeout     = errors.New("web search timed out")
	ErrSearchUnavailable = errors.New("web search unavailable")
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

type Result struct {
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	URL     string `json:"url"`
	Source  string `json:"source"`
}

// Provider is one search backend. Providers are tried in order by Client.
type Provider interface {
	Name() string
	Search(ctx context.Context, query string, maxResults int) ([]Result, error)
}
