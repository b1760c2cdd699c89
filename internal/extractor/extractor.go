// Package extractor pulls organization profile fields out of free-form
// onboarding messages.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/line-relay/backend/internal/storage/models"
	"github.com/line-relay/backend/pkg/logger"
)

// Extractor returns the fields found in text. partial holds what is already
// known and may be used as context; blank fields in the result mean nothing
// was found.
type Extractor interface {
	Name() string
	Extract(ctx context.Context, text string, partial models.Profile) (models.Profile, error)
}

// ServiceTargets are the only accepted values for the service target field.
var ServiceTargets = []string{"弱勢兒少", "中年困境", "孤獨長者", "無助動物"}

// Chain runs each extractor in order. Earlier extractors win; later ones only
// fill fields that are still blank.
type Chain struct {
	extractors []Extractor
}

func NewChain(extractors ...Extractor) *Chain {
	c := &Chain{}
	for _, e := range extractors {
		if e != nil {
			c.extractors = append(c.extractors, e)
		}
	}
	return c
}

func (c *Chain) Name() string { return "chain" }

func (c *Chain) Extract(ctx context.Context, text string, partial models.Profile) (models.Profile, error) {
	var result models.Profile
	var errs []error

	for _, e := range c.extractors {
		got, err := e.Extract(ctx, text, partial)
		if err != nil {
			logger.Warn("Extractor failed",
				zap.String("extractor", e.Name()),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("%s: %w", e.Name(), err))
			continue
		}
		for _, f := range models.RequiredFields {
			if strings.TrimSpace(result.Get(f)) == "" {
				result.Set(f, strings.TrimSpace(got.Get(f)))
			}
		}
	}

	if len(c.extractors) > 0 && len(errs) == len(c.extractors) {
		return models.Profile{}, errors.Join(errs...)
	}
	return result, nil
}

// normalizeTargets keeps the accepted service targets mentioned in s, in
// canonical order, joined with 、.
func normalizeTargets(s string) string {
	var found []string
	for _, t := range ServiceTargets {
		if strings.Contains(s, t) {
			found = append(found, t)
		}
	}
	return strings.Join(found, "、")
}
