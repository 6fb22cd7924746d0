package turn

import (
	"strings"
	"time"

	"github.com/harunnryd/voicerelay/pkg/events"
)

// Turn is a finalized user utterance ready for the LLM.
type Turn struct {
	Text  string
	Index *int
}

// Tracker accumulates transcripts for the current utterance and reports a
// finalized turn exactly once per vendor finality marker. It is owned by a
// single goroutine.
type Tracker struct {
	state     State
	interim   string
	lastIndex *int
	listeners []StateListener
}

func NewTracker() *Tracker {
	return &Tracker{state: StateListening}
}

func (t *Tracker) State() State { return t.state }

// Interim is the latest non-final text of the open turn.
func (t *Tracker) Interim() string { return t.interim }

// AddListener registers a listener for state change events.
func (t *Tracker) AddListener(listener StateListener) {
	t.listeners = append(t.listeners, listener)
}

// Observe feeds one transcript. ok is true only when tr closes a turn that
// has not been dispatched before.
func (t *Tracker) Observe(tr events.Transcript) (Turn, bool) {
	if !tr.IsFinal {
		t.interim = tr.Text
		return Turn{}, false
	}

	// Flux reports EagerEndOfTurn and EndOfTurn for the same index.
	if tr.TurnIndex != nil && t.lastIndex != nil && *tr.TurnIndex == *t.lastIndex {
		return Turn{}, false
	}

	text := strings.TrimSpace(tr.Text)
	if text == "" {
		text = strings.TrimSpace(t.interim)
	}
	if text == "" {
		t.interim = ""
		return Turn{}, false
	}

	if err := t.transition(StateFinalized, "final transcript"); err != nil {
		return Turn{}, false
	}
	if tr.TurnIndex != nil {
		idx := *tr.TurnIndex
		t.lastIndex = &idx
	}
	out := Turn{Text: text, Index: tr.TurnIndex}
	t.interim = ""
	_ = t.transition(StateListening, "turn dispatched")
	return out, true
}

func (t *Tracker) transition(to State, reason string) error {
	if !transitionValid(t.state, to) {
		return &InvalidTransitionError{From: t.state, To: to}
	}
	change := StateChange{FromState: t.state, ToState: to, Timestamp: time.Now(), Reason: reason}
	t.state = to
	for _, l := range t.listeners {
		l.OnStateChange(change)
	}
	return nil
}
