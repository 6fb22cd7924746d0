// Package aggregators shapes assistant text before it is spoken.
package aggregators

import (
	"strings"
	"sync"
)

type Config struct {
	// MinLen keeps very short sentences attached to the next one.
	MinLen int
	// MaxChars forces a chunk out at a word boundary.
	MaxChars int
}

// TextAggregator accumulates text and releases it in sentence sized chunks.
type TextAggregator struct {
	mu  sync.Mutex
	cfg Config
	sb  strings.Builder
}

func NewTextAggregator(cfg Config) *TextAggregator {
	if cfg.MinLen <= 0 {
		cfg.MinLen = 8
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = 400
	}
	return &TextAggregator{cfg: cfg}
}

// Add appends text and returns every chunk that is now complete.
func (a *TextAggregator) Add(text string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sb.WriteString(text)
	pending := a.sb.String()

	var out []string
	for {
		cut := a.nextCut(pending)
		if cut <= 0 {
			break
		}
		chunk := strings.TrimSpace(pending[:cut])
		pending = pending[cut:]
		if chunk != "" {
			out = append(out, chunk)
		}
	}
	a.sb.Reset()
	a.sb.WriteString(pending)
	return out
}

// Flush returns whatever is buffered.
func (a *TextAggregator) Flush() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := strings.TrimSpace(a.sb.String())
	a.sb.Reset()
	return out
}

// Split chunks a complete reply.
func (a *TextAggregator) Split(text string) []string {
	out := a.Add(text)
	if rest := a.Flush(); rest != "" {
		out = append(out, rest)
	}
	return out
}

// nextCut finds the end of the first chunk in s, or 0 if none is ready.
func (a *TextAggregator) nextCut(s string) int {
	for i := 0; i < len(s); i++ {
		if !eosAt(s, i) {
			continue
		}
		if len(strings.TrimSpace(s[:i+1])) >= a.cfg.MinLen {
			return i + 1
		}
	}
	if len(s) > a.cfg.MaxChars {
		if sp := strings.LastIndexByte(s[:a.cfg.MaxChars], ' '); sp > 0 {
			return sp + 1
		}
		return a.cfg.MaxChars
	}
	return 0
}

// eosAt reports a sentence end at s[i]: terminal punctuation followed by
// whitespace or a newline. Decimal points and ellipsis dots mid-run do not
// count.
func eosAt(s string, i int) bool {
	c := s[i]
	if c == '\n' {
		return true
	}
	if c != '.' && c != '!' && c != '?' {
		return false
	}
	if i+1 >= len(s) {
		return false
	}
	next := s[i+1]
	return next == ' ' || next == '\n' || next == '\t'
}
