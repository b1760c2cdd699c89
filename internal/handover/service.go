// Package handover tracks users whose conversation has been passed to a human.
// While a user's flag is active the assistant is not consulted.
package handover

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/line-relay/backend/internal/metrics"
	"github.com/line-relay/backend/internal/storage"
	"github.com/line-relay/backend/internal/storage/models"
	"github.com/line-relay/backend/pkg/logger"
)

const DefaultTTL = time.Hour

type Store interface {
	SetHandoverFlag(ctx context.Context, flag *models.HandoverFlag) error
	GetHandoverFlag(ctx context.Context, userID string) (*models.HandoverFlag, error)
	ClearHandoverFlag(ctx context.Context, userID string) error
	ClearExpiredFlags(ctx context.Context, now time.Time) (int64, error)
}

// NotifyFunc alerts the admin that a user asked for, or was routed to, a human.
type NotifyFunc func(ctx context.Context, userID, reason string) error

type Status struct {
	Active      bool
	Reason      string
	ExpiresAt   time.Time
	MinutesLeft int
}

type Service struct {
	store  Store
	ttl    time.Duration
	notify NotifyFunc
	now    func() time.Time
}

func NewService(store Store, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Service{store: store, ttl: ttl, now: time.Now}
}

// SetNotifier installs the admin alert used by RequestHandover.
func (s *Service) SetNotifier(fn NotifyFunc) {
	s.notify = fn
}

func (s *Service) TTL() time.Duration { return s.ttl }

// Set flags the user for ttl, or the service default when ttl is zero.
// Setting an active flag again extends it.
func (s *Service) Set(ctx context.Context, userID, reason string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.ttl
	}
	now := s.now()
	flag := &models.HandoverFlag{
		UserID:    userID,
		Reason:    reason,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	if err := s.store.SetHandoverFlag(ctx, flag); err != nil {
		return fmt.Errorf("failed to set handover flag: %w", err)
	}

	metrics.HandoverFlags.WithLabelValues(reasonLabel(reason)).Inc()
	logger.Info("Handover flag set",
		zap.String("user_id", userID),
		zap.String("reason", reason),
		zap.Time("expires_at", flag.ExpiresAt),
	)
	return nil
}

// RequestHandover sets the flag and alerts the admin. A failed alert is logged only.
func (s *Service) RequestHandover(ctx context.Context, userID, reason string) error {
	if err := s.Set(ctx, userID, reason, 0); err != nil {
		return err
	}
	if s.notify != nil {
		if err := s.notify(ctx, userID, reason); err != nil {
			logger.Warn("Failed to notify admin of handover", zap.String("user_id", userID), zap.Error(err))
		}
	}
	return nil
}

// IsActive reports whether the user has an unexpired flag. Storage errors
// are treated as inactive so the user still gets answers.
func (s *Service) IsActive(ctx context.Context, userID string) bool {
	flag, err := s.store.GetHandoverFlag(ctx, userID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logger.Error("Failed to check handover flag", zap.String("user_id", userID), zap.Error(err))
		}
		return false
	}
	return flag.Active(s.now())
}

func (s *Service) Status(ctx context.Context, userID string) (Status, error) {
	flag, err := s.store.GetHandoverFlag(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return Status{}, nil
	}
	if err != nil {
		return Status{}, fmt.Errorf("failed to get handover flag: %w", err)
	}

	now := s.now()
	if !flag.Active(now) {
		return Status{}, nil
	}
	return Status{
		Active:      true,
		Reason:      flag.Reason,
		ExpiresAt:   flag.ExpiresAt,
		MinutesLeft: int(math.Ceil(flag.ExpiresAt.Sub(now).Minutes())),
	}, nil
}

func (s *Service) Clear(ctx context.Context, userID string) error {
	if err := s.store.ClearHandoverFlag(ctx, userID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to clear handover flag: %w", err)
	}
	logger.Info("Handover flag cleared", zap.String("user_id", userID))
	return nil
}

func (s *Service) CleanupExpired(ctx context.Context) (int64, error) {
	n, err := s.store.ClearExpiredFlags(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("failed to clean up handover flags: %w", err)
	}
	if n > 0 {
		metrics.HandoverFlagsSwept.Add(float64(n))
		logger.Info("Expired handover flags cleaned up", zap.Int64("count", n))
	}
	return n, nil
}

// reasonLabel keeps metric cardinality bounded.
func reasonLabel(reason string) string {
	switch reason {
	case ReasonKeyword, ReasonLowConfidence, ReasonAIError, ReasonImage, ReasonAdmin:
		return reason
	default:
		return "other"
	}
}

const (
	ReasonKeyword       = "keyword"
	ReasonLowConfidence = "low_confidence"
	ReasonAIError       = "ai_error"
	ReasonImage         = "image"
	ReasonAdmin         = "admin"
)
