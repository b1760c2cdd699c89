package models

import (
	"strings"
	"time"
)

type Thread struct {
	UserID    string
	ThreadID  string
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
)

// HistoryRecord is one processed exchange. AI fields stay empty when no answer was produced.
type HistoryRecord struct {
	ID            string
	UserID        string
	Content       string
	MessageType   MessageType
	AIResponse    string
	AIExplanation string
	Confidence    *float64
	Route         string
	CreatedAt     time.Time
}

type AIDetail struct {
	ID               string
	HistoryID        string
	Intent           string
	Queries          []string
	Sources          []string
	Gaps             []string
	PolicyScope      string
	PolicyRisk       string
	PolicyPII        string
	PolicyEscalation string
	Notes            string
	CreatedAt        time.Time
}

type ProfileStatus string

const (
	ProfileNew      ProfileStatus = "new"
	ProfilePartial  ProfileStatus = "partial"
	ProfileComplete ProfileStatus = "complete"
)

type Profile struct {
	UserID             string
	OrganizationName   string
	ServiceCity        string
	ContactInfo        string
	ServiceTarget      string
	Status             ProfileStatus
	ReminderCount      int
	CompletionNotified bool
	RawMessages        []string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Field identifies one of the required onboarding fields.
type Field string

const (
	FieldOrganizationName Field = "organization_name"
	FieldServiceCity      Field = "service_city"
	FieldContactInfo      Field = "contact_info"
	FieldServiceTarget    Field = "service_target"
)

var RequiredFields = []Field{
	FieldOrganizationName,
	FieldServiceCity,
	FieldContactInfo,
	FieldServiceTarget,
}

func (p *Profile) Get(f Field) string {
	switch f {
	case FieldOrganizationName:
		return p.OrganizationName
	case FieldServiceCity:
		return p.ServiceCity
	case FieldContactInfo:
		return p.ContactInfo
	case FieldServiceTarget:
		return p.ServiceTarget
	}
	return ""
}

func (p *Profile) Set(f Field, value string) {
	switch f {
	case FieldOrganizationName:
		p.OrganizationName = value
	case FieldServiceCity:
		p.ServiceCity = value
	case FieldContactInfo:
		p.ContactInfo = value
	case FieldServiceTarget:
		p.ServiceTarget = value
	}
}

// Missing lists required fields that are still blank, in display order.
func (p *Profile) Missing() []Field {
	var missing []Field
	for _, f := range RequiredFields {
		if strings.TrimSpace(p.Get(f)) == "" {
			missing = append(missing, f)
		}
	}
	return missing
}

// Merge copies non-blank fields from other into p and reports which fields changed.
func (p *Profile) Merge(other Profile) []Field {
	var changed []Field
	for _, f := range RequiredFields {
		v := strings.TrimSpace(other.Get(f))
		if v == "" || v == p.Get(f) {
			continue
		}
		p.Set(f, v)
		changed = append(changed, f)
	}
	return changed
}

type HandoverFlag struct {
	UserID    string
	Reason    string
	ExpiresAt time.Time
	CreatedAt time.Time
}

func (h *HandoverFlag) Active(now time.Time) bool {
	return h.ExpiresAt.After(now)
}
