// Package redact masks personal data in transcript text before it is logged.
package redact

import (
	"log/slog"
	"regexp"
	"strings"
)

var (
	emailRe = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
	cardRe  = regexp.MustCompile(`\b(?:\d{4}[ \-]?){3}\d{4}\b|\b\d{4}[ \-]?\d{6}[ \-]?\d{5}\b`)
	phoneRe = regexp.MustCompile(`(?:\+|\b)\d[\d\s\-]{7,}\d\b`)
)

// Redactor masks emails, card numbers (16 digits in groups of four or the
// 4-6-5 Amex layout) and phone numbers when enabled. The zero value passes
// text through.
type Redactor struct {
	enabled bool
	// maxLen truncates logged text to this many runes; zero keeps it whole.
	maxLen int
}

func New(enabled bool, maxLen int) Redactor {
	return Redactor{enabled: enabled, maxLen: maxLen}
}

func (r Redactor) Enabled() bool { return r.enabled }

// Text returns in with PII replaced.
func (r Redactor) Text(in string) string {
	if strings.TrimSpace(in) == "" {
		return in
	}
	out := in
	if r.enabled {
		out = emailRe.ReplaceAllString(out, "[REDACTED_EMAIL]")
		out = cardRe.ReplaceAllString(out, "[REDACTED_CARD]")
		out = phoneRe.ReplaceAllString(out, "[REDACTED_PHONE]")
	}
	if r.maxLen > 0 {
		if cut, ok := runeCut(out, r.maxLen); ok {
			out = out[:cut] + "..."
		}
	}
	return out
}

// runeCut returns the byte offset of the n-th rune and whether s is longer
// than n runes.
func runeCut(s string, n int) (int, bool) {
	i := 0
	for pos := range s {
		if i == n {
			return pos, true
		}
		i++
	}
	return len(s), false
}

// Attr builds a slog attribute holding redacted text.
func (r Redactor) Attr(key, text string) slog.Attr {
	return slog.String(key, r.Text(text))
}
