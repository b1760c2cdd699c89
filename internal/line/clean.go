package line

import (
	"regexp"
	"strings"
)

var (
	citationRe  = regexp.MustCompile(`【[^】]*】|〖[^〗]*〗`)
	spaceRunRe  = regexp.MustCompile(`[ \t]{2,}`)
	blankLineRe = regexp.MustCompile(`\n{3,}`)
)

// CleanCitations removes assistant file-citation markers such as 【4:0†source】
// and tidies the whitespace left behind. Line breaks are kept.
func CleanCitations(text string) string {
	text = citationRe.ReplaceAllString(text, "")
	text = spaceRunRe.ReplaceAllString(text, " ")
	text = blankLineRe.ReplaceAllString(text, "\n\n")

	lines := strings.Split(text, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimSpace(l)
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
