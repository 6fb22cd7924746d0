package aggregators

import (
	"regexp"
	"strings"
)

var (
	markdownEmphasis = regexp.MustCompile(`(\*\*|__|\*|_|~~|` + "`" + `)`)
	markdownHeading  = regexp.MustCompile(`(?m)^\s{0,3}#{1,6}\s+`)
	markdownBullet   = regexp.MustCompile(`(?m)^\s*([-*+]|\d+\.)\s+`)
	markdownLink     = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
	repeatedSpace    = regexp.MustCompile(`[ \t]+`)
)

// SpeechNormalizer turns model output into plain text a TTS voice can read.
type SpeechNormalizer struct {
	replacements map[string]string
}

// NewSpeechNormalizer applies phrase replacements after markdown removal.
// Replacement keys match case insensitively.
func NewSpeechNormalizer(replacements map[string]string) *SpeechNormalizer {
	return &SpeechNormalizer{replacements: replacements}
}

func (n *SpeechNormalizer) Normalize(text string) string {
	out := markdownLink.ReplaceAllString(text, "$1")
	out = markdownHeading.ReplaceAllString(out, "")
	out = markdownBullet.ReplaceAllString(out, "")
	out = markdownEmphasis.ReplaceAllString(out, "")
	for from, to := range n.replacements {
		if from == "" {
			continue
		}
		out = replaceFold(out, from, to)
	}
	out = repeatedSpace.ReplaceAllString(out, " ")
	return strings.TrimSpace(out)
}

func replaceFold(s, from, to string) string {
	re := regexp.MustCompile(`(?i)` + regexp.QuoteMeta(from))
	return re.ReplaceAllLiteralString(s, to)
}
