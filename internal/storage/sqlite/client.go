package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/line-relay/backend/internal/storage"
	"github.com/line-relay/backend/internal/storage/models"
	"github.com/line-relay/backend/pkg/logger"
)

type Client struct {
	db *sql.DB
}

var _ storage.Store = (*Client)(nil)

func NewClient(dbPath string) (*Client, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS user_threads (
		user_id TEXT PRIMARY KEY,
		thread_id TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS message_history (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		content TEXT NOT NULL,
		message_type TEXT NOT NULL DEFAULT 'text',
		ai_response TEXT,
		ai_explanation TEXT,
		confidence REAL,
		route TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_history_user ON message_history(user_id);
	CREATE INDEX IF NOT EXISTS idx_history_created ON message_history(created_at);

	CREATE TABLE IF NOT EXISTS ai_detail (
		id TEXT PRIMARY KEY,
		message_history_id TEXT NOT NULL UNIQUE,
		intent TEXT,
		queries TEXT,
		sources TEXT,
		gaps TEXT,
		policy_scope TEXT,
		policy_risk TEXT,
		policy_pii TEXT,
		policy_escalation TEXT,
		notes TEXT,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (message_history_id) REFERENCES message_history(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS organization_profiles (
		user_id TEXT PRIMARY KEY,
		organization_name TEXT NOT NULL DEFAULT '',
		service_city TEXT NOT NULL DEFAULT '',
		contact_info TEXT NOT NULL DEFAULT '',
		service_target TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'new',
		reminder_count INTEGER NOT NULL DEFAULT 0,
		completion_notified INTEGER NOT NULL DEFAULT 0,
		raw_messages TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_profiles_org ON organization_profiles(organization_name);

	CREATE TABLE IF NOT EXISTS handover_flags (
		user_id TEXT PRIMARY KEY,
		reason TEXT,
		expires_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_handover_expires ON handover_flags(expires_at);
	`

	if _, err := c.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("Database schema initialized")
	return nil
}

func (c *Client) GetThread(ctx context.Context, userID string) (*models.Thread, error) {
	query := `SELECT user_id, thread_id, is_active, created_at, updated_at
		FROM user_threads WHERE user_id = ? AND is_active = 1`

	var t models.Thread
	var createdAt, updatedAt int64
	err := c.db.QueryRowContext(ctx, query, userID).Scan(&t.UserID, &t.ThreadID, &t.IsActive, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}

	t.CreatedAt = time.Unix(createdAt, 0)
	t.UpdatedAt = time.Unix(updatedAt, 0)
	return &t, nil
}

func (c *Client) SaveThread(ctx context.Context, userID, threadID string) error {
	now := time.Now().Unix()
	query := `
		INSERT INTO user_threads (user_id, thread_id, is_active, created_at, updated_at)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			thread_id = excluded.thread_id,
			is_active = 1,
			updated_at = excluded.updated_at
	`

	if _, err := c.db.ExecContext(ctx, query, userID, threadID, now, now); err != nil {
		return fmt.Errorf("failed to save thread: %w", err)
	}
	return nil
}

func (c *Client) DeactivateThread(ctx context.Context, userID string) error {
	query := `UPDATE user_threads SET is_active = 0, updated_at = ? WHERE user_id = ?`

	if _, err := c.db.ExecContext(ctx, query, time.Now().Unix(), userID); err != nil {
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
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID,
		record.UserID,
		record.Content,
		string(record.MessageType),
		record.AIResponse,
		record.AIExplanation,
		confidence,
		record.Route,
		record.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert history record: %w", err)
	}

	if detail != nil {
		queries, _ := json.Marshal(detail.Queries)
		sources, _ := json.Marshal(detail.Sources)
		gaps, _ := json.Marshal(detail.Gaps)

		_, err = tx.ExecContext(ctx, `
			INSERT INTO ai_detail (id, message_history_id, intent, queries, sources, gaps,
				policy_scope, policy_risk, policy_pii, policy_escalation, notes, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			detail.ID,
			record.ID,
			detail.Intent,
			string(queries),
			string(sources),
			string(gaps),
			detail.PolicyScope,
			detail.PolicyRisk,
			detail.PolicyPII,
			detail.PolicyEscalation,
			detail.Notes,
			detail.CreatedAt.Unix(),
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
		WHERE user_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`

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
		var createdAt int64

		err := rows.Scan(&r.ID, &r.UserID, &r.Content, &messageType, &r.AIResponse, &r.AIExplanation,
			&confidence, &r.Route, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		r.MessageType = models.MessageType(messageType)
		if confidence.Valid {
			v := confidence.Float64
			r.Confidence = &v
		}
		r.CreatedAt = time.Unix(createdAt, 0)
		records = append(records, r)
	}

	return records, rows.Err()
}

func (c *Client) GetAIDetail(ctx context.Context, historyID string) (*models.AIDetail, error) {
	query := `
		SELECT id, message_history_id, COALESCE(intent, ''), COALESCE(queries, '[]'), COALESCE(sources, '[]'),
			COALESCE(gaps, '[]'), COALESCE(policy_scope, ''), COALESCE(policy_risk, ''), COALESCE(policy_pii, ''),
			COALESCE(policy_escalation, ''), COALESCE(notes, ''), created_at
		FROM ai_detail WHERE message_history_id = ?
	`

	var d models.AIDetail
	var queries, sources, gaps string
	var createdAt int64
	err := c.db.QueryRowContext(ctx, query, historyID).Scan(&d.ID, &d.HistoryID, &d.Intent, &queries, &sources,
		&gaps, &d.PolicyScope, &d.PolicyRisk, &d.PolicyPII, &d.PolicyEscalation, &d.Notes, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ai detail: %w", err)
	}

	json.Unmarshal([]byte(queries), &d.Queries)
	json.Unmarshal([]byte(sources), &d.Sources)
	json.Unmarshal([]byte(gaps), &d.Gaps)
	d.CreatedAt = time.Unix(createdAt, 0)
	return &d, nil
}

const profileColumns = `user_id, organization_name, service_city, contact_info, service_target, status,
	reminder_count, completion_notified, COALESCE(raw_messages, '[]'), created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanProfile(row scanner) (*models.Profile, error) {
	var p models.Profile
	var status, rawMessages string
	var createdAt, updatedAt int64

	err := row.Scan(&p.UserID, &p.OrganizationName, &p.ServiceCity, &p.ContactInfo, &p.ServiceTarget, &status,
		&p.ReminderCount, &p.CompletionNotified, &rawMessages, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	p.Status = models.ProfileStatus(status)
	json.Unmarshal([]byte(rawMessages), &p.RawMessages)
	p.CreatedAt = time.Unix(createdAt, 0)
	p.UpdatedAt = time.Unix(updatedAt, 0)
	return &p, nil
}

func (c *Client) GetProfile(ctx context.Context, userID string) (*models.Profile, error) {
	row := c.db.QueryRowContext(ctx, `SELECT `+profileColumns+` FROM organization_profiles WHERE user_id = ?`, userID)

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

	rawMessages, _ := json.Marshal(p.RawMessages)

	query := `
		INSERT INTO organization_profiles (user_id, organization_name, service_city, contact_info, service_target,
			status, reminder_count, completion_notified, raw_messages, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			organization_name = excluded.organization_name,
			service_city = excluded.service_city,
			contact_info = excluded.contact_info,
			service_target = excluded.service_target,
			status = excluded.status,
			reminder_count = excluded.reminder_count,
			completion_notified = excluded.completion_notified,
			raw_messages = excluded.raw_messages,
			updated_at = excluded.updated_at
	`

	_, err := c.db.ExecContext(ctx, query,
		p.UserID,
		p.OrganizationName,
		p.ServiceCity,
		p.ContactInfo,
		p.ServiceTarget,
		string(p.Status),
		p.ReminderCount,
		p.CompletionNotified,
		string(rawMessages),
		p.CreatedAt.Unix(),
		p.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert profile: %w", err)
	}
	return nil
}

func (c *Client) SearchProfiles(ctx context.Context, term string, limit int) ([]models.Profile, error) {
	pattern := "%" + term + "%"
	query := `SELECT ` + profileColumns + ` FROM organization_profiles
		WHERE user_id = ? OR user_id LIKE ? OR organization_name LIKE ?
		ORDER BY CASE WHEN user_id = ? THEN 0 ELSE 1 END, updated_at DESC
		LIMIT ?`

	rows, err := c.db.QueryContext(ctx, query, term, pattern, pattern, term, limit)
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
		LIMIT ?`

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
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			reason = excluded.reason,
			expires_at = excluded.expires_at,
			created_at = excluded.created_at
	`

	_, err := c.db.ExecContext(ctx, query, flag.UserID, flag.Reason, flag.ExpiresAt.Unix(), flag.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to set handover flag: %w", err)
	}
	return nil
}

func (c *Client) GetHandoverFlag(ctx context.Context, userID string) (*models.HandoverFlag, error) {
	query := `SELECT user_id, COALESCE(reason, ''), expires_at, created_at FROM handover_flags WHERE user_id = ?`

	var f models.HandoverFlag
	var expiresAt, createdAt int64
	err := c.db.QueryRowContext(ctx, query, userID).Scan(&f.UserID, &f.Reason, &expiresAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get handover flag: %w", err)
	}

	f.ExpiresAt = time.Unix(expiresAt, 0)
	f.CreatedAt = time.Unix(createdAt, 0)
	return &f, nil
}

func (c *Client) ClearHandoverFlag(ctx context.Context, userID string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM handover_flags WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("failed to clear handover flag: %w", err)
	}
	return nil
}

func (c *Client) ClearExpiredFlags(ctx context.Context, now time.Time) (int64, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM handover_flags WHERE expires_at <= ?`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to clear expired flags: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count cleared flags: %w", err)
	}
	return n, nil
}
