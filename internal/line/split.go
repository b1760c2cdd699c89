package line

import (
	"strings"
	"unicode/utf8"

	"github.com/jdkato/prose/v2"
)

// DefaultMaxMessageLength is the Messaging API limit for a text message.
const DefaultMaxMessageLength = 5000

func isCJKTerminator(r rune) bool {
	return r == '。' || r == '！' || r == '？'
}

func isLatinTerminator(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

// Split breaks text into segments of at most max characters, cutting on
// sentence ends where possible. Concatenating the segments yields the input
// minus whitespace at segment edges.
func Split(text string, max int) []string {
	if max <= 0 {
		max = DefaultMaxMessageLength
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if utf8.RuneCountInString(text) <= max {
		return []string{text}
	}

	var segments []string
	var cur strings.Builder
	curLen := 0

	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			segments = append(segments, s)
		}
		cur.Reset()
		curLen = 0
	}

	for _, sentence := range sentences(text) {
		n := utf8.RuneCountInString(sentence)
		if curLen+n <= max {
			cur.WriteString(sentence)
			curLen += n
			continue
		}

		flush()
		for n > max {
			runes := []rune(sentence)
			if s := strings.TrimSpace(string(runes[:max])); s != "" {
				segments = append(segments, s)
			}
			sentence = string(runes[max:])
			n -= max
		}
		cur.WriteString(sentence)
		curLen = n
	}
	flush()

	return segments
}

// sentences cuts text after each run of terminators. Pieces containing Latin
// terminators are refined with prose so abbreviations and decimals stay intact.
func sentences(text string) []string {
	var out []string
	for _, piece := range cutAfter(text, isCJKTerminator) {
		if strings.IndexFunc(piece, isLatinTerminator) < 0 {
			out = append(out, piece)
			continue
		}
		out = append(out, latinSentences(piece)...)
	}
	return out
}

// cutAfter splits s after each maximal run of runes matching term, keeping
// the terminators with the preceding piece.
func cutAfter(s string, term func(rune) bool) []string {
	var out []string
	start := 0
	inRun := false
	for i, r := range s {
		switch {
		case term(r):
			inRun = true
		case inRun:
			out = append(out, s[start:i])
			start = i
			inRun = false
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

func latinSentences(piece string) []string {
	doc, err := prose.NewDocument(piece,
		prose.WithTagging(false),
		prose.WithExtraction(false),
	)
	if err != nil {
		return cutAfter(piece, isLatinTerminator)
	}

	var out []string
	cursor := 0
	for _, sent := range doc.Sentences() {
		idx := strings.Index(piece[cursor:], sent.Text)
		if idx < 0 || sent.Text == "" {
			continue
		}
		end := cursor + idx + len(sent.Text)
		out = append(out, piece[cursor:end])
		cursor = end
	}
	if cursor < len(piece) {
		out = append(out, piece[cursor:])
	}
	if len(out) == 0 {
		return []string{piece}
	}
	return out
}
