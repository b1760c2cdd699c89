package assistant

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Response is the structured answer the assistant is instructed to produce.
type Response struct {
	Text        string   `json:"text"`
	Confidence  float64  `json:"confidence"`
	Explanation string   `json:"explanation,omitempty"`
	Intent      string   `json:"intent,omitempty"`
	Queries     []string `json:"queries,omitempty"`
	Sources     []Source `json:"sources,omitempty"`
	Gaps        []string `json:"gaps,omitempty"`
	Policy      *Policy  `json:"policy,omitempty"`
	Notes       string   `json:"notes,omitempty"`
}

type Source struct {
	Title string `json:"title,omitempty"`
	URL   string `json:"url,omitempty"`
}

// UnmarshalJSON accepts either a bare string or a {title, url} object.
func (s *Source) UnmarshalJSON(data []byte) error {
	var plain string
	if err := json.Unmarshal(data, &plain); err == nil {
		s.Title = plain
		return nil
	}

	var obj struct {
		Title string `json:"title"`
		URL   string `json:"url"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("invalid source: %w", err)
	}
	s.Title, s.URL = obj.Title, obj.URL
	return nil
}

// String renders the source for storage as a flat string.
func (s Source) String() string {
	switch {
	case s.URL == "":
		return s.Title
	case s.Title == "":
		return s.URL
	default:
		return s.Title + " " + s.URL
	}
}

type Policy struct {
	Scope      string `json:"scope,omitempty"`
	Risk       string `json:"risk,omitempty"`
	PII        string `json:"pii,omitempty"`
	Escalation string `json:"escalation,omitempty"`
}

// HasDetail reports whether any field beyond text, confidence and explanation is set.
func (r *Response) HasDetail() bool {
	if r == nil {
		return false
	}
	return r.Intent != "" ||
		len(r.Queries) > 0 ||
		len(r.Sources) > 0 ||
		len(r.Gaps) > 0 ||
		r.Policy != nil ||
		r.Notes != ""
}

// SourceStrings flattens Sources for persistence.
func (r *Response) SourceStrings() []string {
	out := make([]string, 0, len(r.Sources))
	for _, s := range r.Sources {
		if v := s.String(); v != "" {
			out = append(out, v)
		}
	}
	return out
}

type wireResponse struct {
	Text        *string          `json:"text"`
	Confidence  *json.RawMessage `json:"confidence"`
	Explanation string           `json:"explanation"`
	Intent      string           `json:"intent"`
	Queries     []string         `json:"queries"`
	Sources     []Source         `json:"sources"`
	Gaps        []string         `json:"gaps"`
	Policy      *Policy          `json:"policy"`
	Notes       string           `json:"notes"`
}

// ParseResponse decodes the JSON object embedded in raw. The object may be
// surrounded by prose or code fences; everything between the first '{' and
// the last '}' is decoded. Errors wrap ErrMalformed.
func ParseResponse(raw string) (*Response, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("%w: no JSON object found", ErrMalformed)
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(raw[start : end+1])))
	dec.DisallowUnknownFields()

	var w wireResponse
	if err := dec.Decode(&w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if w.Text == nil || strings.TrimSpace(*w.Text) == "" {
		return nil, fmt.Errorf("%w: missing text", ErrMalformed)
	}
	if w.Confidence == nil {
		return nil, fmt.Errorf("%w: missing confidence", ErrMalformed)
	}

	var confidence float64
	if err := json.Unmarshal(*w.Confidence, &confidence); err != nil {
		return nil, fmt.Errorf("%w: confidence is not a number", ErrMalformed)
	}
	if confidence < 0 || confidence > 1 {
		return nil, fmt.Errorf("%w: confidence %v out of range", ErrMalformed, confidence)
	}

	return &Response{
		Text:        *w.Text,
		Confidence:  confidence,
		Explanation: w.Explanation,
		Intent:      w.Intent,
		Queries:     w.Queries,
		Sources:     w.Sources,
		Gaps:        w.Gaps,
		Policy:      w.Policy,
		Notes:       w.Notes,
	}, nil
}
