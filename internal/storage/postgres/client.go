package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/line-relay/backend/internal/storage"
	"github.com/line-relay/backend/internal/storage/models"
	"github.com/line-relay/backend/pkg/logger"
)

//go:embed schema.sql
var schema string

type Client struct {
	db *sql.DB
}

var _ storage.Store = (*Client)(nil)

func NewClient(dsn string) (*Client, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	logger.Info("Postgres client initialized")

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	logger.Info("Database schema initialized")
	return nil
}

func (c *Client) GetThread(ctx context.Context, userID string) (*models.Thread, error) {
	query := `SELECT user_id, thread_id, is_active, created_at, updated_at
		FROM user_threads WHERE user_id = $1 AND is_active`

	var t models.Thread
	err := c.db.QueryRowContext(ctx, query, userID).Scan(&t.UserID, &t.ThreadID, &t.IsActive, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}
	return &t, nil
}

func (c *Client) SaveThread(ctx context.Context, userID, threadID string) error {
	query := `
		INSERT INTO user_threads (user_id, thread_id, is_active, created_at, updated_at)
		VALUES ($1, $2, TRUE, NOW(), NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			thread_id = EXCLUDED.thread_id,
			is_active = TRUE,
			updated_at = NOW()`

	if _, err := c.db.ExecContext(ctx, query, userID, threadID); err != nil {
		return fmt.Errorf("failed to save thread: %w", err)
	}
	return nil
}

func (c *Client) DeactivateThread(ctx context.Context, userID string) error {
	query := `UPDATE user_threads SET is_active = FALSE, updated_at = NOW() WHERE user_id = $1`

	if _, err := c.db.ExecContext(ctx, query, userID); err != nil {
		return fmt.Errorf("failed to deactivate thread: %w", err)
	}
	return nil
}

func (c *Client) AppendHistory(ctx context.Context, record *models.HistoryRecord, detail *models.AIDetail) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var confidence sql.NullFloat64
	if record.Confidence != nil {
		confidence = sql.NullFloat64{Float64: *record.Confidence, Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO message_history (id, user_id, content, message_type, ai_response, ai_explanation, confidence, route, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		record.ID,
		record.UserID,
		record.Content,
		string(record.MessageType),
		record.AIResponse,
		record.AIExplanation,
		confidence,
		record.Route,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert history record: %w", err)
	}

	if detail != nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO ai_detail (id, message_history_id, intent, queries, sources, gaps,
				policy_scope, policy_risk, policy_pii, policy_escalation, notes, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			detail.ID,
			record.ID,
			detail.Intent,
			pq.Array(detail.Queries),
			pq.Array(detail.Sources),
			pq.Array(detail.Gaps),
			detail.PolicyScope,
			detail.PolicyRisk,
			detail.PolicyPII,
			detail.PolicyEscalation,
			detail.Notes,
			detail.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert ai detail: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit history: %w", err)
	}
	return nil
}

func (c *Client) ListHistory(ctx context.Context, userID string, limit int) ([]models.HistoryRecord, error) {
	query := `
		SELECT id, user_id, content, message_type, COALESCE(ai_response, ''), COALESCE(ai_explanation, ''),
			confidence, COALESCE(route, ''), created_at
		FROM message_history
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := c.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	var records []models.HistoryRecord
	for rows.Next() {
		var r models.HistoryRecord
		var messageType string
		var confidence sql.NullFloat64

		err := rows.Scan(&r.ID, &r.UserID, &r.Content, &messageType, &r.AIResponse, &r.AIExplanation,
			&confidence, &r.Route, &r.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		r.MessageType = models.MessageType(messageType)
		if confidence.Valid {
			v := confidence.Float64
			r.Confidence = &v
		}
		records = append(records, r)
	}

	return records, rows.Err()
}

func (c *Client) GetAIDetail(ctx context.Context, historyID string) (*models.AIDetail, error) {
	query := `
		SELECT id, message_history_id, COALESCE(intent, ''), queries, sources, gaps,
			COALESCE(policy_scope, ''), COALESCE(policy_risk, ''), COALESCE(policy_pii, ''),
			COALESCE(policy_escalation, ''), COALESCE(notes, ''), created_at
		FROM ai_detail WHERE message_history_id = $1`

	var d models.AIDetail
	err := c.db.QueryRowContext(ctx, query, historyID).Scan(&d.ID, &d.HistoryID, &d.Intent,
		pq.Array(&d.Queries), pq.Array(&d.Sources), pq.Array(&d.Gaps),
		&d.PolicyScope, &d.PolicyRisk, &d.PolicyPII, &d.PolicyEscalation, &d.Notes, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ai detail: %w", err)
	}
	return &d, nil
}

const profileColumns = `user_id, organization_name, service_city, contact_info, service_target, status,
	reminder_count, completion_notified, raw_messages, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanProfile(row scanner) (*models.Profile, error) {
	var p models.Profile
	var status string

	err := row.Scan(&p.UserID, &p.OrganizationName, &p.ServiceCity, &p.ContactInfo, &p.ServiceTarget, &status,
		&p.ReminderCount, &p.CompletionNotified, pq.Array(&p.RawMessages), &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}

	p.Status = models.ProfileStatus(status)
	return &p, nil
}

func (c *Client) GetProfile(ctx context.Context, userID string) (*models.Profile, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM organization_profiles WHERE user_id = $1`, userID)

	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return p, nil
}

func (c *Client) UpsertProfile(ctx context.Context, p *models.Profile) error {
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	rawMessages := p.RawMessages
	if rawMessages == nil {
		rawMessages = []string{}
	}

	query := `
		INSERT INTO organization_profiles (user_id, organization_name, service_city, contact_info, service_target,
			status, reminder_count, completion_notified, raw_messages, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (user_id) DO UPDATE SET
			organization_name = EXCLUDED.organization_name,
			service_city = EXCLUDED.service_city,
			contact_info = EXCLUDED.contact_info,
			service_target = EXCLUDED.service_target,
			status = EXCLUDED.status,
			reminder_count = EXCLUDED.reminder_count,
			completion_notified = EXCLUDED.completion_notified,
			raw_messages = EXCLUDED.raw_messages,
			updated_at = EXCLUDED.updated_at`

	_, err := c.db.ExecContext(ctx, query,
		p.UserID,
		p.OrganizationName,
		p.ServiceCity,
		p.ContactInfo,
		p.ServiceTarget,
		string(p.Status),
		p.ReminderCount,
		p.CompletionNotified,
		pq.Array(rawMessages),
		p.CreatedAt,
		p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert profile: %w", err)
	}
	return nil
}

func (c *Client) SearchProfiles(ctx context.Context, term string, limit int) ([]models.Profile, error) {
	query := `SELECT ` + profileColumns + ` FROM organization_profiles
		WHERE user_id = $1 OR user_id ILIKE '%' || $1 || '%' OR organization_name ILIKE '%' || $1 || '%'
		ORDER BY (user_id = $1) DESC, updated_at DESC
		LIMIT $2`

	rows, err := c.db.QueryContext(ctx, query, term, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search profiles: %w", err)
	}
	defer rows.Close()

	var profiles []models.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		profiles = append(profiles, *p)
	}

	return profiles, rows.Err()
}

func (c *Client) ListProfiles(ctx context.Context, limit int) ([]models.Profile, error) {
	query := `SELECT ` + profileColumns + ` FROM organization_profiles
		ORDER BY updated_at DESC, user_id
		LIMIT $1`

	rows, err := c.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	defer rows.Close()

	var profiles []models.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		profiles = append(profiles, *p)
	}

	return profiles, rows.Err()
}

func (c *Client) SetHandoverFlag(ctx context.Context, flag *models.HandoverFlag) error {
	if flag.CreatedAt.IsZero() {
		flag.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO handover_flags (user_id, reason, expires_at, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			reason = EXCLUDED.reason,
			expires_at = EXCLUDED.expires_at,
			created_at = EXCLUDED.created_at`

	if _, err := c.db.ExecContext(ctx, query, flag.UserID, flag.Reason, flag.ExpiresAt, flag.CreatedAt); err != nil {
		return fmt.Errorf("failed to set handover flag: %w", err)
	}
	return nil
}

func (c *Client) GetHandoverFlag(ctx context.Context, userID string) (*models.HandoverFlag, error) {
	query := `SELECT user_id, COALESCE(reason, ''), expires_at, created_at FROM handover_flags WHERE user_id = $1`

	var f models.HandoverFlag
	err := c.db.QueryRowContext(ctx, query, userID).Scan(&f.UserID, &f.Reason, &f.ExpiresAt, &f.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get handover flag: %w", err)
	}
	return &f, nil
}

func (c *Client) ClearHandoverFlag(ctx context.Context, userID string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM handover_flags WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("failed to clear handover flag: %w", err)
	}
	return nil
}

func (c *Client) ClearExpiredFlags(ctx context.Context, now time.Time) (int64, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM handover_flags WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to clear expired flags: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count cleared flags: %w", err)
	}

	if n > 0 {
		logger.Debug("Expired handover flags removed", zap.Int64("count", n))
	}
	return n, nil
}
