package extractor

import (
	"context"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/line-relay/backend/internal/storage/models"
)

// Cities lists Taiwan's cities and counties by their short names. 臺 is
// normalized to 台 before matching.
var Cities = []string{
	"台北", "新北", "桃園", "台中", "台南", "高雄", "基隆", "新竹", "嘉義", "宜蘭", "苗栗",
	"彰化", "南投", "雲林", "屏東", "台東", "花蓮", "澎湖", "金門", "連江",
}

// orgSuffixes is ordered longest first.
var orgSuffixes = []string{"發展協會", "關懷協會", "基金會", "協會", "學會", "中心", "教會", "社"}

var (
	labelledLineRe = regexp.MustCompile(`^\s*(?:[1-4１-４]\s*[、.．)）]\s*)?([^：:\n]{2,20})[：:]\s*(.*)$`)
	phoneRe        = regexp.MustCompile(`(?:\+886[-\s]?|0)(?:9\d{2}[-\s]?\d{3}[-\s]?\d{3}|\d{1,2}[-\s]?\d{3,4}[-\s]?\d{4})`)
)

// KeywordExtractor recognizes the numbered onboarding form, city names,
// service targets, phone numbers and common organization name suffixes.
type KeywordExtractor struct{}

func NewKeywordExtractor() *KeywordExtractor {
	return &KeywordExtractor{}
}

func (k *KeywordExtractor) Name() string { return "keyword" }

func (k *KeywordExtractor) Extract(_ context.Context, text string, _ models.Profile) (models.Profile, error) {
	var p models.Profile
	text = strings.ReplaceAll(text, "臺", "台")
	lines := strings.Split(text, "\n")

	for _, line := range lines {
		m := labelledLineRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		value := strings.TrimSpace(m[2])
		if value == "" {
			continue
		}
		field, ok := labelField(m[1])
		if !ok || p.Get(field) != "" {
			continue
		}
		switch field {
		case models.FieldServiceTarget:
			value = normalizeTargets(value)
		case models.FieldServiceCity:
			if city := FindCity(value); city != "" {
				value = city
			}
		}
		p.Set(field, value)
	}

	if p.ServiceCity == "" {
		p.ServiceCity = FindCity(text)
	}
	if p.ServiceTarget == "" {
		p.ServiceTarget = normalizeTargets(text)
	}
	if p.ContactInfo == "" {
		p.ContactInfo = contactLine(lines)
	}
	if p.OrganizationName == "" {
		p.OrganizationName = organizationName(lines)
	}

	return p, nil
}

func labelField(label string) (models.Field, bool) {
	switch {
	case strings.Contains(label, "服務對象"):
		return models.FieldServiceTarget, true
	case strings.Contains(label, "縣市"), strings.Contains(label, "城市"):
		return models.FieldServiceCity, true
	case strings.Contains(label, "聯絡"):
		return models.FieldContactInfo, true
	case strings.Contains(label, "單位"), strings.Contains(label, "全名"), strings.Contains(label, "組織名稱"):
		return models.FieldOrganizationName, true
	}
	return "", false
}

// FindCity returns the city mentioned earliest in text, keeping a directly
// following 市 or 縣.
func FindCity(text string) string {
	text = strings.ReplaceAll(text, "臺", "台")
	best, bestIdx := "", -1
	for _, c := range Cities {
		idx := strings.Index(text, c)
		if idx < 0 || (bestIdx >= 0 && idx >= bestIdx) {
			continue
		}
		best, bestIdx = c, idx
	}
	if bestIdx < 0 {
		return ""
	}
	rest := text[bestIdx+len(best):]
	if strings.HasPrefix(rest, "市") || strings.HasPrefix(rest, "縣") {
		return best + rest[:len("市")]
	}
	return best
}

func contactLine(lines []string) string {
	for _, line := range lines {
		if !phoneRe.MatchString(line) {
			continue
		}
		line = strings.TrimSpace(line)
		if i := strings.IndexAny(line, "：:"); i >= 0 {
			_, size := utf8.DecodeRuneInString(line[i:])
			line = strings.TrimSpace(line[i+size:])
		}
		return line
	}
	return ""
}

func organizationName(lines []string) string {
	for _, line := range lines {
		for _, suffix := range orgSuffixes {
			if name := nameBefore(line, suffix); name != "" {
				return name
			}
		}
	}
	return ""
}

// nameBefore returns the run of name characters ending in suffix, or "".
// A 社 directly followed by another Han character (社工, 社區) is not a suffix.
func nameBefore(line, suffix string) string {
	offset := 0
	for {
		idx := strings.Index(line[offset:], suffix)
		if idx < 0 {
			return ""
		}
		idx += offset
		end := idx + len(suffix)
		offset = end

		if suffix == "社" {
			if next := []rune(line[end:]); len(next) > 0 && unicode.Is(unicode.Han, next[0]) {
				continue
			}
		}

		prefix := []rune(line[:idx])
		start := len(prefix)
		for start > 0 && isNameRune(prefix[start-1]) {
			start--
		}
		run := string(prefix[start:])
		if i := strings.LastIndex(run, "是"); i >= 0 {
			run = run[i+len("是"):]
		}
		if len([]rune(run)) < 2 {
			continue
		}
		return run + suffix
	}
}

func isNameRune(r rune) bool {
	return unicode.Is(unicode.Han, r) || unicode.IsLetter(r) || unicode.IsDigit(r)
}
