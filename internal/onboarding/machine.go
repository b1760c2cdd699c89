// Package onboarding collects the organization profile a user must provide
// before the assistant answers them.
package onboarding

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/line-relay/backend/internal/extractor"
	"github.com/line-relay/backend/internal/line"
	"github.com/line-relay/backend/internal/metrics"
	"github.com/line-relay/backend/internal/storage"
	"github.com/line-relay/backend/internal/storage/models"
	"github.com/line-relay/backend/pkg/logger"
)

type Store interface {
	GetProfile(ctx context.Context, userID string) (*models.Profile, error)
	UpsertProfile(ctx context.Context, profile *models.Profile) error
}

type Notifier interface {
	NotifyAdmin(ctx context.Context, notice line.Notice) error
}

// Outcome tells the caller what to do with the message. When Released is
// false the message stops here and Reply, if set, goes back to the user.
type Outcome struct {
	Released bool
	Reply    string
	State    models.ProfileStatus
	Created  bool
	Changed  []models.Field
}

type Option func(*Machine)

// WithPassthrough lets matching messages skip onboarding while incomplete.
func WithPassthrough(match func(text string) bool) Option {
	return func(m *Machine) { m.passthrough = match }
}

type Machine struct {
	store       Store
	extractor   extractor.Extractor
	notifier    Notifier
	passthrough func(string) bool
	now         func() time.Time
	log         *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewMachine(store Store, ex extractor.Extractor, notifier Notifier, opts ...Option) *Machine {
	m := &Machine{
		store:     store,
		extractor: ex,
		notifier:  notifier,
		now:       time.Now,
		log:       logger.Named("onboarding"),
		locks:     make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// userLock serializes the load and save of one user's profile.
func (m *Machine) userLock(userID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[userID] = l
	}
	return l
}

// Handle runs one message through onboarding.
func (m *Machine) Handle(ctx context.Context, userID, text string) (Outcome, error) {
	l := m.userLock(userID)
	l.Lock()
	defer l.Unlock()

	p, created, err := m.load(ctx, userID)
	if err != nil {
		return Outcome{Reply: ErrorMessage}, err
	}

	if p.Status == models.ProfileComplete {
		return Outcome{Released: true, State: p.Status}, nil
	}
	if m.passthrough != nil && m.passthrough(text) {
		return Outcome{Released: true, State: p.Status, Created: created}, nil
	}

	if created {
		m.notify(ctx, line.Notice{Title: line.TitleNewUser, UserID: userID, UserMessage: NewUserNotice})
	}

	from := p.Status
	var changed []models.Field
	if m.extractor != nil {
		extracted, err := m.extractor.Extract(ctx, text, *p)
		if err != nil {
			m.log.Warn("Extraction failed", zap.String("user_id", userID), zap.Error(err))
		} else {
			changed = p.Merge(extracted)
		}
	}
	p.RawMessages = append(p.RawMessages, text)

	out := Outcome{Created: created, Changed: changed}
	missing := p.Missing()
	if len(missing) == 0 {
		p.Status = models.ProfileComplete
		out.Reply = CompletionMessage
		if !p.CompletionNotified {
			m.notify(ctx, line.Notice{Title: line.TitleOnboarding, UserID: userID, UserMessage: CompletionSummary(p)})
			p.CompletionNotified = true
		}
	} else {
		if len(missing) < len(models.RequiredFields) {
			p.Status = models.ProfilePartial
		}
		p.ReminderCount++
		out.Reply = Hint(missing)
	}
	out.State = p.Status

	m.save(ctx, p, from)

	m.log.Info("Onboarding message handled",
		zap.String("user_id", userID),
		zap.String("state", string(p.Status)),
		zap.Int("changed", len(changed)),
		zap.Int("missing", len(missing)),
	)
	return out, nil
}

// Follow welcomes a user who added the bot. Users who already finished
// onboarding get no message.
func (m *Machine) Follow(ctx context.Context, userID string) (Outcome, error) {
	l := m.userLock(userID)
	l.Lock()
	defer l.Unlock()

	p, created, err := m.load(ctx, userID)
	if err != nil {
		return Outcome{}, err
	}
	if p.Status == models.ProfileComplete {
		return Outcome{Released: true, State: p.Status}, nil
	}

	if created {
		m.save(ctx, p, "")
		m.notify(ctx, line.Notice{Title: line.TitleNewUser, UserID: userID, UserMessage: NewUserNotice})
	}
	return Outcome{Reply: Hint(p.Missing()), State: p.Status, Created: created}, nil
}

// Reset clears the collected fields so onboarding starts over.
func (m *Machine) Reset(ctx context.Context, userID string) error {
	l := m.userLock(userID)
	l.Lock()
	defer l.Unlock()

	p, _, err := m.load(ctx, userID)
	if err != nil {
		return err
	}
	reset := &models.Profile{
		UserID:    userID,
		Status:    models.ProfileNew,
		CreatedAt: p.CreatedAt,
		UpdatedAt: m.now(),
	}
	if err := m.store.UpsertProfile(ctx, reset); err != nil {
		return fmt.Errorf("failed to reset profile: %w", err)
	}
	metrics.OnboardingTransitions.WithLabelValues(string(models.ProfileNew)).Inc()
	m.log.Info("Onboarding reset", zap.String("user_id", userID))
	return nil
}

// Context returns the profile preamble for a new assistant thread.
func (m *Machine) Context(ctx context.Context, userID string) (string, error) {
	p, err := m.store.GetProfile(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return Preamble(p), nil
}

func (m *Machine) load(ctx context.Context, userID string) (*models.Profile, bool, error) {
	p, err := m.store.GetProfile(ctx, userID)
	if err == nil {
		if p.Status == "" {
			p.Status = models.ProfileNew
		}
		return p, false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, false, fmt.Errorf("failed to load profile: %w", err)
	}
	now := m.now()
	return &models.Profile{UserID: userID, Status: models.ProfileNew, CreatedAt: now, UpdatedAt: now}, true, nil
}

func (m *Machine) save(ctx context.Context, p *models.Profile, from models.ProfileStatus) {
	p.UpdatedAt = m.now()
	if err := m.store.UpsertProfile(ctx, p); err != nil {
		metrics.PersistenceFailures.WithLabelValues("profile").Inc()
		m.log.Error("Failed to save profile", zap.String("user_id", p.UserID), zap.Error(err))
		return
	}
	if p.Status != from {
		metrics.OnboardingTransitions.WithLabelValues(string(p.Status)).Inc()
	}
}

func (m *Machine) notify(ctx context.Context, notice line.Notice) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.NotifyAdmin(ctx, notice); err != nil {
		m.log.Warn("Failed to notify admin", zap.String("user_id", notice.UserID), zap.Error(err))
	}
}
