package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// HandoverRequester sets the user's handover flag and alerts the admin.
type HandoverRequester interface {
	RequestHandover(ctx context.Context, userID, reason string) error
}

type HandoverTool struct {
	requester HandoverRequester
}

func NewHandoverTool(requester HandoverRequester) *HandoverTool {
	return &HandoverTool{requester: requester}
}

func (t *HandoverTool) Name() string { return "request_human_handover" }

func (t *HandoverTool) Description() string { return "當用戶需要人工協助時，通知管理員" }

func (t *HandoverTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"user_id": map[string]interface{}{
				"type":        "string",
				"description": "用戶的LINE ID",
			},
			"reason": map[string]interface{}{
				"type":        "string",
				"description": "需要人工協助的原因",
			},
		},
		"additionalProperties": false,
		"required":             []string{"user_id", "reason"},
	}
}

func (t *HandoverTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	id := userID(ctx, args)
	if id == "" {
		return nil, errors.New("user_id is required")
	}
	reason, _ := args["reason"].(string)
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "assistant_request"
	}

	if err := t.requester.RequestHandover(ctx, id, "AI助手請求人工協助: "+reason); err != nil {
		return nil, fmt.Errorf("無法請求人工協助: %w", err)
	}

	return map[string]string{
		"message": "已通知管理員，將有專人為您服務",
		"status":  "handover_requested",
	}, nil
}
