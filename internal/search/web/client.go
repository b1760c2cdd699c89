// Package web runs web searches through an ordered list of providers with an
// optional shared result cache.
package web

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/line-relay/backend/internal/metrics"
	"github.com/line-relay/backend/pkg/logger"
	"github.com/line-relay/backend/pkg/utils"
)

const (
	DefaultMaxResults = 5
	MaxResultsLimit   = 10
)

// Cache stores search results keyed by a query hash.
type Cache interface {
	GetSearch(ctx context.Context, queryHash string, dest interface{}) (bool, error)
	SetSearch(ctx context.Context, queryHash string, result interface{}, ttl time.Duration) error
}

type SearchResult struct {
	Query        string    `json:"query"`
	Summary      string    `json:"summary"`
	Sources      []Result  `json:"sources"`
	KeyFindings  []string  `json:"key_findings"`
	TotalResults int       `json:"total_results"`
	Provider     string    `json:"provider"`
	SearchTime   time.Time `json:"search_time"`
}

type Config struct {
	Timeout  time.Duration
	CacheTTL time.Duration
}

type Client struct {
	providers []Provider
	cache     Cache
	timeout   time.Duration
	cacheTTL  time.Duration
	now       func() time.Time
}

// NewClient builds a client over providers; cache may be nil.
func NewClient(cfg Config, cache Cache, providers ...Provider) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Minute
	}

	names := make([]string, 0, len(providers))
	for _, p := range providers {
		names = append(names, p.Name())
	}
	logger.Info("Web search client initialized",
		zap.Strings("providers", names),
		zap.Bool("cache", cache != nil),
	)

	return &Client{
		providers: providers,
		cache:     cache,
		timeout:   cfg.Timeout,
		cacheTTL:  cfg.CacheTTL,
		now:       time.Now,
	}
}

// Search queries each provider in turn until one succeeds. The per-search
// timeout covers every provider attempt. Errors wrap ErrSearchTimeout or
// ErrSearchUnavailable.
func (c *Client) Search(ctx context.Context, query string, maxResults int) (*SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: empty query", ErrSearchUnavailable)
	}
	maxResults = ClampResults(maxResults)

	if len(c.providers) == 0 {
		return nil, fmt.Errorf("%w: no providers configured", ErrSearchUnavailable)
	}

	key := utils.HashParts(query, strconv.Itoa(maxResults))
	if c.cache != nil {
		var cached SearchResult
		found, err := c.cache.GetSearch(ctx, key, &cached)
		if err != nil {
			logger.Warn("Search cache read failed", zap.Error(err))
		} else if found {
			return &cached, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := c.now()
	var lastErr error
	for _, p := range c.providers {
		results, err := p.Search(ctx, query, maxResults)
		if err != nil {
			metrics.WebSearches.WithLabelValues(p.Name(), "error").Inc()
			logger.Warn("Search provider failed",
				zap.String("provider", p.Name()),
				zap.String("query", query),
				zap.Error(err),
			)
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		metrics.WebSearches.WithLabelValues(p.Name(), "ok").Inc()

		result := buildResult(query, p.Name(), results, start)
		logger.Info("Web search completed",
			zap.String("provider", p.Name()),
			zap.String("query", query),
			zap.Int("results", result.TotalResults),
			zap.Duration("duration", c.now().Sub(start)),
		)

		if c.cache != nil {
			if err := c.cache.SetSearch(ctx, key, result, c.cacheTTL); err != nil {
				logger.Warn("Search cache write failed", zap.Error(err))
			}
		}
		return result, nil
	}

	if errors.Is(lastErr, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: %v", ErrSearchTimeout, lastErr)
	}
	return nil, fmt.Errorf("%w: %v", ErrSearchUnavailable, lastErr)
}

// ClampResults applies the default and upper bound to a requested result count.
func ClampResults(n int) int {
	if n <= 0 {
		return DefaultMaxResults
	}
	if n > MaxResultsLimit {
		return MaxResultsLimit
	}
	return n
}

func buildResult(query, provider string, results []Result, at time.Time) *SearchResult {
	sources := make([]Result, 0, len(results))
	for _, r := range results {
		r.Title = strings.TrimSpace(r.Title)
		if r.Title == "" {
			continue
		}
		r.Snippet = utils.CollapseSpace(r.Snippet)
		r.URL = strings.TrimSpace(r.URL)
		sources = append(sources, r)
	}

	var findings []string
	var summary []string
	for i, s := range sources {
		if s.Snippet == "" {
			continue
		}
		if i < 3 {
			findings = append(findings, utils.TruncateRunes(s.Snippet, 120))
		}
		summary = append(summary, s.Title+"："+utils.TruncateRunes(s.Snippet, 80))
	}

	sum := strings.Join(summary, "\n")
	if len(sources) == 0 {
		sum = "找不到相關的搜尋結果"
	}

	return &SearchResult{
		Query:        query,
		Summary:      sum,
		Sources:      sources,
		KeyFindings:  findings,
		TotalResults: len(sources),
		Provider:     provider,
		SearchTime:   at,
	}
}
