package tools

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/line-relay/backend/internal/storage"
	"github.com/line-relay/backend/internal/storage/models"
)

type ProfileReader interface {
	GetProfile(ctx context.Context, userID string) (*models.Profile, error)
}

type OrgInfoTool struct {
	profiles ProfileReader
}

func NewOrgInfoTool(profiles ProfileReader) *OrgInfoTool {
	return &OrgInfoTool{profiles: profiles}
}

func (t *OrgInfoTool) Name() string { return "get_user_organization_info" }

func (t *OrgInfoTool) Description() string {
	return "獲取用戶的組織基本資料，包括單位全名、服務縣市、聯絡人資訊、服務對象等"
}

func (t *OrgInfoTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"user_id": map[string]interface{}{
				"type":        "string",
				"description": "用戶的LINE ID",
			},
		},
		"additionalProperties": false,
		"required":             []string{"user_id"},
	}
}

func (t *OrgInfoTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	id := userID(ctx, args)
	if id == "" {
		return nil, errors.New("user_id is required")
	}

	p, err := t.profiles.GetProfile(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return map[string]string{"message": "用戶尚未提供組織資料"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("無法獲取組織資料: %w", err)
	}

	return map[string]string{
		"organization_name": p.OrganizationName,
		"service_city":      p.ServiceCity,
		"contact_info":      p.ContactInfo,
		"service_target":    p.ServiceTarget,
		"completion_status": string(p.Status),
		"created_at":        p.CreatedAt.Format(time.RFC3339),
		"updated_at":        p.UpdatedAt.Format(time.RFC3339),
	}, nil
}
