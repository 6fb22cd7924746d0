package llm

// History is the ordered conversation of one pipeline session. It is owned
// by the session's turn worker and is not safe for concurrent use.
type History struct {
	turns []Message
	limit int
}

// NewHistory keeps at most limit turns in each Window. A non-positive limit
// defaults to 12.
func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = 12
	}
	return &History{limit: limit}
}

func (h *History) Append(role Role, content string) {
	if content == "" {
		return
	}
	h.turns = append(h.turns, Message{Role: role, Content: content})
	// Keep storage bounded; the window never needs more than limit turns.
	if over := len(h.turns) - 4*h.limit; over > 0 {
		h.turns = append([]Message(nil), h.turns[over:]...)
	}
}

func (h *History) Len() int { return len(h.turns) }

// Window returns a copy of the most recent turns. The first returned turn is
// always a user turn so providers that require alternation accept it.
func (h *History) Window() []Message {
	start := len(h.turns) - h.limit
	if start < 0 {
		start = 0
	}
	for start < len(h.turns) && h.turns[start].Role != RoleUser {
		start++
	}
	return append([]Message(nil), h.turns[start:]...)
}
