package handover

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"

	"github.com/line-relay/backend/pkg/logger"
)

const DefaultCleanupCron = "*/10 * * * *"

// Sweeper removes expired flags on a cron schedule.
type Sweeper struct {
	service *Service
	expr    string
	now     func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSweeper(service *Service, expr string) (*Sweeper, error) {
	if expr == "" {
		expr = DefaultCleanupCron
	}
	if !gronx.New().IsValid(expr) {
		return nil, fmt.Errorf("invalid cron expression %q", expr)
	}
	return &Sweeper{service: service, expr: expr, now: time.Now}, nil
}

// Start runs the sweep loop in the background until Stop or ctx is done.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.run(ctx, s.done)

	logger.Info("Handover sweeper started", zap.String("schedule", s.expr))
}

func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	logger.Info("Handover sweeper stopped")
}

func (s *Sweeper) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		next, err := gronx.NextTickAfter(s.expr, s.now(), false)
		if err != nil {
			logger.Error("Failed to compute next sweep", zap.String("schedule", s.expr), zap.Error(err))
			return
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		s.Sweep(ctx)
	}
}

// Sweep runs one cleanup pass and returns the number of flags removed.
func (s *Sweeper) Sweep(ctx context.Context) int64 {
	n, err := s.service.CleanupExpired(ctx)
	if err != nil {
		logger.Error("Handover sweep failed", zap.Error(err))
		return 0
	}
	return n
}
