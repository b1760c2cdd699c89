package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/line-relay/backend/internal/buffer"
	"github.com/line-relay/backend/internal/handover"
	"github.com/line-relay/backend/internal/storage"
	"github.com/line-relay/backend/internal/storage/models"
	"github.com/line-relay/backend/pkg/logger"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
	defaultUserLimit    = 100
	maxUserLimit        = 500
)

type ProfileReader interface {
	GetProfile(ctx context.Context, userID string) (*models.Profile, error)
}

type UserLister interface {
	ListProfiles(ctx context.Context, limit int) ([]models.Profile, error)
}

type HistoryReader interface {
	ListHistory(ctx context.Context, userID string, limit int) ([]models.HistoryRecord, error)
	GetAIDetail(ctx context.Context, historyID string) (*models.AIDetail, error)
}

type HandoverService interface {
	Status(ctx context.Context, userID string) (handover.Status, error)
	Set(ctx context.Context, userID, reason string, ttl time.Duration) error
	Clear(ctx context.Context, userID string) error
}

type BufferControl interface {
	Stats() buffer.Stats
	Status(userID string) buffer.Status
	Flush(userID string) bool
	QueueDepth() int
}

type CounterReader interface {
	GetCounter(ctx context.Context, name string, day time.Time) (int64, error)
}

type AdminDeps struct {
	Profiles ProfileReader
	Users    UserLister
	History  HistoryReader
	Handover HandoverService
	Buffer   BufferControl
	// Counters and CounterNames are optional.
	Counters     CounterReader
	CounterNames []string
}

type AdminHandler struct {
	deps AdminDeps
}

func NewAdminHandler(deps AdminDeps) *AdminHandler {
	return &AdminHandler{deps: deps}
}

type profileResponse struct {
	UserID             string               `json:"user_id"`
	OrganizationName   string               `json:"organization_name"`
	ServiceCity        string               `json:"service_city"`
	ContactInfo        string               `json:"contact_info"`
	ServiceTarget      string               `json:"service_target"`
	Status             models.ProfileStatus `json:"status"`
	Missing            []models.Field       `json:"missing"`
	ReminderCount      int                  `json:"reminder_count"`
	CompletionNotified bool                 `json:"completion_notified"`
	CreatedAt          time.Time            `json:"created_at"`
	UpdatedAt          time.Time            `json:"updated_at"`
}

type userSummary struct {
	UserID           string               `json:"user_id"`
	OrganizationName string               `json:"organization_name"`
	Status           models.ProfileStatus `json:"status"`
	Blocked          bool                 `json:"blocked"`
	BlockReason      string               `json:"block_reason,omitempty"`
	BlockedUntil     *time.Time           `json:"blocked_until,omitempty"`
	UpdatedAt        time.Time            `json:"updated_at"`
}

type historyEntry struct {
	ID            string          `json:"id"`
	Content       string          `json:"content"`
	MessageType   string          `json:"message_type"`
	AIResponse    string          `json:"ai_response,omitempty"`
	AIExplanation string          `json:"ai_explanation,omitempty"`
	Confidence    *float64        `json:"confidence,omitempty"`
	Route         string          `json:"route,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	Detail        *detailResponse `json:"detail,omitempty"`
}

type detailResponse struct {
	Intent     string   `json:"intent,omitempty"`
	Queries    []string `json:"queries,omitempty"`
	Sources    []string `json:"sources,omitempty"`
	Gaps       []string `json:"gaps,omitempty"`
	Scope      string   `json:"policy_scope,omitempty"`
	Risk       string   `json:"policy_risk,omitempty"`
	PII        string   `json:"policy_pii,omitempty"`
	Escalation string   `json:"policy_escalation,omitempty"`
	Notes      string   `json:"notes,omitempty"`
}

func (h *AdminHandler) GetUser(c *fiber.Ctx) error {
	if h.deps.Profiles == nil {
		return unavailable(c)
	}
	userID := c.Params("id")

	p, err := h.deps.Profiles.GetProfile(c.Context(), userID)
	if errors.Is(err, storage.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "User not found",
		})
	}
	if err != nil {
		logger.Error("Failed to get profile", zap.String("user_id", userID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to get user",
		})
	}

	return c.JSON(profileResponse{
		UserID:             p.UserID,
		OrganizationName:   p.OrganizationName,
		ServiceCity:        p.ServiceCity,
		ContactInfo:        p.ContactInfo,
		ServiceTarget:      p.ServiceTarget,
		Status:             p.Status,
		Missing:            p.Missing(),
		ReminderCount:      p.ReminderCount,
		CompletionNotified: p.CompletionNotified,
		CreatedAt:          p.CreatedAt,
		UpdatedAt:          p.UpdatedAt,
	})
}

// ListUsers returns recent users with their handover state. Blocked users are
// the ones the assistant is not answering.
func (h *AdminHandler) ListUsers(c *fiber.Ctx) error {
	if h.deps.Users == nil || h.deps.Handover == nil {
		return unavailable(c)
	}

	limit := c.QueryInt("limit", defaultUserLimit)
	if limit <= 0 {
		limit = defaultUserLimit
	}
	if limit > maxUserLimit {
		limit = maxUserLimit
	}

	profiles, err := h.deps.Users.ListProfiles(c.Context(), limit)
	if err != nil {
		logger.Error("Failed to list users", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to list users",
		})
	}

	users := make([]userSummary, 0, len(profiles))
	blocked := 0
	for _, p := range profiles {
		u := userSummary{
			UserID:           p.UserID,
			OrganizationName: p.OrganizationName,
			Status:           p.Status,
			UpdatedAt:        p.UpdatedAt,
		}
		st, err := h.deps.Handover.Status(c.Context(), p.UserID)
		if err != nil {
			logger.Warn("Failed to get handover status", zap.String("user_id", p.UserID), zap.Error(err))
		} else if st.Active {
			expires := st.ExpiresAt
			u.Blocked = true
			u.BlockReason = st.Reason
			u.BlockedUntil = &expires
			blocked++
		}
		users = append(users, u)
	}

	return c.JSON(fiber.Map{
		"users": users,
		"stats": fiber.Map{
			"total":   len(users),
			"active":  len(users) - blocked,
			"blocked": blocked,
		},
	})
}

// GetHistory lists recent exchanges, newest first. ?detail=true adds the
// structured assistant fields.
func (h *AdminHandler) GetHistory(c *fiber.Ctx) error {
	if h.deps.History == nil {
		return unavailable(c)
	}
	userID := c.Params("id")

	limit := c.QueryInt("limit", defaultHistoryLimit)
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	withDetail := c.QueryBool("detail", false)

	records, err := h.deps.History.ListHistory(c.Context(), userID, limit)
	if err != nil {
		logger.Error("Failed to list history", zap.String("user_id", userID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to get history",
		})
	}

	entries := make([]historyEntry, 0, len(records))
	for _, r := range records {
		e := historyEntry{
			ID:            r.ID,
			Content:       r.Content,
			MessageType:   string(r.MessageType),
			AIResponse:    r.AIResponse,
			AIExplanation: r.AIExplanation,
			Confidence:    r.Confidence,
			Route:         r.Route,
			CreatedAt:     r.CreatedAt,
		}
		if withDetail {
			d, err := h.deps.History.GetAIDetail(c.Context(), r.ID)
			switch {
			case err == nil:
				e.Detail = &detailResponse{
					Intent:     d.Intent,
					Queries:    d.Queries,
					Sources:    d.Sources,
					Gaps:       d.Gaps,
					Scope:      d.PolicyScope,
					Risk:       d.PolicyRisk,
					PII:        d.PolicyPII,
					Escalation: d.PolicyEscalation,
					Notes:      d.Notes,
				}
			case !errors.Is(err, storage.ErrNotFound):
				logger.Warn("Failed to get AI detail", zap.String("history_id", r.ID), zap.Error(err))
			}
		}
		entries = append(entries, e)
	}

	return c.JSON(fiber.Map{
		"user_id": userID,
		"history": entries,
	})
}

func (h *AdminHandler) GetHandover(c *fiber.Ctx) error {
	if h.deps.Handover == nil {
		return unavailable(c)
	}
	userID := c.Params("id")

	st, err := h.deps.Handover.Status(c.Context(), userID)
	if err != nil {
		logger.Error("Failed to get handover status", zap.String("user_id", userID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to get handover status",
		})
	}

	resp := fiber.Map{
		"user_id": userID,
		"active":  st.Active,
	}
	if st.Active {
		resp["reason"] = st.Reason
		resp["expires_at"] = st.ExpiresAt
		resp["minutes_left"] = st.MinutesLeft
	}
	return c.JSON(resp)
}

// SetHandover stops assistant replies for the user until the flag expires
// or is cleared.
func (h *AdminHandler) SetHandover(c *fiber.Ctx) error {
	if h.deps.Handover == nil {
		return unavailable(c)
	}
	userID := c.Params("id")

	if err := h.deps.Handover.Set(c.Context(), userID, handover.ReasonAdmin, 0); err != nil {
		logger.Error("Failed to set handover flag", zap.String("user_id", userID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to set handover flag",
		})
	}
	logger.Info("Handover set via admin API", zap.String("user_id", userID))

	return h.GetHandover(c)
}

func (h *AdminHandler) ClearHandover(c *fiber.Ctx) error {
	if h.deps.Handover == nil {
		return unavailable(c)
	}
	userID := c.Params("id")

	if err := h.deps.Handover.Clear(c.Context(), userID); err != nil {
		logger.Error("Failed to clear handover flag", zap.String("user_id", userID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to clear handover flag",
		})
	}

	logger.Info("Handover released via admin API", zap.String("user_id", userID))
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *AdminHandler) GetBufferStats(c *fiber.Ctx) error {
	if h.deps.Buffer == nil {
		return unavailable(c)
	}
	st := h.deps.Buffer.Stats()

	flushes := make(map[string]int64, len(st.Flushes))
	for trigger, n := range st.Flushes {
		flushes[string(trigger)] = n
	}

	resp := fiber.Map{
		"active_groups": st.ActiveGroups,
		"submitted":     st.Submitted,
		"flushes":       flushes,
		"queue_depth":   h.deps.Buffer.QueueDepth(),
	}

	if h.deps.Counters != nil && len(h.deps.CounterNames) > 0 {
		today := make(map[string]int64, len(h.deps.CounterNames))
		for _, name := range h.deps.CounterNames {
			n, err := h.deps.Counters.GetCounter(c.Context(), name, time.Now())
			if err != nil {
				logger.Warn("Failed to read daily counter", zap.String("counter", name), zap.Error(err))
				continue
			}
			today[name] = n
		}
		resp["today"] = today
	}

	return c.JSON(resp)
}

// FlushUser forces out a user's buffered fragments.
func (h *AdminHandler) FlushUser(c *fiber.Ctx) error {
	if h.deps.Buffer == nil {
		return unavailable(c)
	}
	userID := c.Params("id")

	st := h.deps.Buffer.Status(userID)
	flushed := h.deps.Buffer.Flush(userID)

	return c.JSON(fiber.Map{
		"user_id":   userID,
		"flushed":   flushed,
		"fragments": st.Pending,
	})
}

func unavailable(c *fiber.Ctx) error {
	return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
		"error": "Not available",
	})
}
