// Package memory is a process-local storage.Store for development and tests.
// Nothing survives a restart.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/line-relay/backend/internal/storage"
	"github.com/line-relay/backend/internal/storage/models"
)

type Store struct {
	mu       sync.RWMutex
	threads  map[string]*models.Thread
	history  map[string][]models.HistoryRecord
	details  map[string]*models.AIDetail
	profiles map[string]*models.Profile
	flags    map[string]*models.HandoverFlag
}

var _ storage.Store = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		threads:  make(map[string]*models.Thread),
		history:  make(map[string][]models.HistoryRecord),
		details:  make(map[string]*models.AIDetail),
		profiles: make(map[string]*models.Profile),
		flags:    make(map[string]*models.HandoverFlag),
	}
}

func (s *Store) InitSchema(context.Context) error { return nil }

func (s *Store) Close() error { return nil }

func (s *Store) GetThread(_ context.Context, userID string) (*models.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.threads[userID]
	if !ok || !t.IsActive {
		return nil, storage.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *Store) SaveThread(_ context.Context, userID, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	t, ok := s.threads[userID]
	if !ok {
		t = &models.Thread{UserID: userID, CreatedAt: now}
		s.threads[userID] = t
	}
	t.ThreadID = threadID
	t.IsActive = true
	t.UpdatedAt = now
	return nil
}

func (s *Store) DeactivateThread(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.threads[userID]; ok {
		t.IsActive = false
		t.UpdatedAt = time.Now()
	}
	return nil
}

func (s *Store) AppendHistory(_ context.Context, record *models.HistoryRecord, detail *models.AIDetail) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	s.history[record.UserID] = append(s.history[record.UserID], *record)

	if detail != nil {
		d := *detail
		if d.ID == "" {
			d.ID = uuid.NewString()
		}
		d.HistoryID = record.ID
		if d.CreatedAt.IsZero() {
			d.CreatedAt = record.CreatedAt
		}
		s.details[record.ID] = &d
	}
	return nil
}

// ListHistory returns the newest records first.
func (s *Store) ListHistory(_ context.Context, userID string, limit int) ([]models.HistoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.history[userID]
	out := make([]models.HistoryRecord, 0, len(records))
	for i := len(records) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, records[i])
	}
	return out, nil
}

func (s *Store) GetAIDetail(_ context.Context, historyID string) (*models.AIDetail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.details[historyID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *Store) GetProfile(_ context.Context, userID string) (*models.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[userID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyProfile(p), nil
}

func (s *Store) UpsertProfile(_ context.Context, p *models.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if existing, ok := s.profiles[p.UserID]; ok {
		p.CreatedAt = existing.CreatedAt
	} else if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	s.profiles[p.UserID] = copyProfile(p)
	return nil
}

func (s *Store) SearchProfiles(_ context.Context, term string, limit int) ([]models.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	term = strings.ToLower(strings.TrimSpace(term))
	var out []models.Profile
	for _, p := range s.profiles {
		if strings.Contains(strings.ToLower(p.UserID), term) ||
			strings.Contains(strings.ToLower(p.OrganizationName), term) {
			out = append(out, *copyProfile(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListProfiles(_ context.Context, limit int) ([]models.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		out = append(out, *copyProfile(p))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) SetHandoverFlag(_ context.Context, flag *models.HandoverFlag) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := *flag
	s.flags[flag.UserID] = &f
	return nil
}

func (s *Store) GetHandoverFlag(_ context.Context, userID string) (*models.HandoverFlag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.flags[userID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (s *Store) ClearHandoverFlag(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.flags, userID)
	return nil
}

func (s *Store) ClearExpiredFlags(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, f := range s.flags {
		if !f.Active(now) {
			delete(s.flags, id)
			n++
		}
	}
	return n, nil
}

func copyProfile(p *models.Profile) *models.Profile {
	cp := *p
	cp.RawMessages = append([]string(nil), p.RawMessages...)
	return &cp
}
