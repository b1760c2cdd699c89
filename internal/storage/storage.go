// Package storage defines the persistence contract shared by the SQLite and
// Postgres backends.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/line-relay/backend/internal/storage/models"
)

var ErrNotFound = errors.New("record not found")

type ThreadStore interface {
	// GetThread returns the active thread for a user or ErrNotFound.
	GetThread(ctx context.Context, userID string) (*models.Thread, error)
	SaveThread(ctx context.Context, userID, threadID string) error
	DeactivateThread(ctx context.Context, userID string) error
}

type HistoryStore interface {
	// AppendHistory writes the record and, when detail is non-nil, its sidecar.
	AppendHistory(ctx context.Context, record *models.HistoryRecord, detail *models.AIDetail) error
	ListHistory(ctx context.Context, userID string, limit int) ([]models.HistoryRecord, error)
	GetAIDetail(ctx context.Context, historyID string) (*models.AIDetail, error)
}

type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (*models.Profile, error)
	UpsertProfile(ctx context.Context, profile *models.Profile) error
	SearchProfiles(ctx context.Context, term string, limit int) ([]models.Profile, error)
	// ListProfiles returns the most recently updated profiles first.
	ListProfiles(ctx context.Context, limit int) ([]models.Profile, error)
}

type HandoverStore interface {
	SetHandoverFlag(ctx context.Context, flag *models.HandoverFlag) error
	GetHandoverFlag(ctx context.Context, userID string) (*models.HandoverFlag, error)
	ClearHandoverFlag(ctx context.Context, userID string) error
	ClearExpiredFlags(ctx context.Context, now time.Time) (int64, error)
}

type Store interface {
	ThreadStore
	HistoryStore
	ProfileStore
	HandoverStore
	InitSchema(ctx context.Context) error
	Close() error
}
