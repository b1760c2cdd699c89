package tools

import (
	"context"
	"time"
)

var weekdayChinese = [...]string{"日", "一", "二", "三", "四", "五", "六"}

type DateTimeTool struct {
	loc *time.Location
	now func() time.Time
}

// NewDateTimeTool reports time in Asia/Taipei, falling back to a fixed UTC+8 zone
// when the tz database is unavailable.
func NewDateTimeTool() *DateTimeTool {
	loc, err := time.LoadLocation("Asia/Taipei")
	if err != nil {
		loc = time.FixedZone("CST", 8*60*60)
	}
	return &DateTimeTool{loc: loc, now: time.Now}
}

func (t *DateTimeTool) Name() string { return "get_current_datetime" }

func (t *DateTimeTool) Description() string { return "獲取當前日期和時間" }

func (t *DateTimeTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type":                 "object",
		"properties":           map[string]interface{}{},
		"additionalProperties": false,
		"required":             []string{},
	}
}

func (t *DateTimeTool) Execute(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	now := t.now().In(t.loc)
	return map[string]string{
		"current_time":    now.Format("2006-01-02 15:04:05"),
		"date":            now.Format("2006-01-02"),
		"time":            now.Format("15:04:05"),
		"weekday":         now.Weekday().String(),
		"weekday_chinese": weekdayChinese[now.Weekday()],
		"timezone":        t.loc.String(),
	}, nil
}
