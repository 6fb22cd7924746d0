package functions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

var ErrWordNotFound = errors.New("word not found")

// Entry is a dictionary record.
type Entry struct {
	Word       string   `json:"word"`
	Definition string   `json:"definition"`
	Examples   []string `json:"examples,omitempty"`
}

// Dictionary is the vocabulary backend behind lookup_word.
type Dictionary interface {
	Lookup(ctx context.Context, word string) (Entry, error)
}

// StaticDictionary is an in-memory Dictionary keyed by lowercase word.
type StaticDictionary struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewStaticDictionary(entries ...Entry) *StaticDictionary {
	d := &StaticDictionary{entries: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		d.Add(e)
	}
	return d
}

func (d *StaticDictionary) Add(e Entry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[strings.ToLower(strings.TrimSpace(e.Word))] = e
}

func (d *StaticDictionary) Lookup(_ context.Context, word string) (Entry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[strings.ToLower(strings.TrimSpace(word))]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrWordNotFound, word)
	}
	return e, nil
}

const (
	LookupWord      = "lookup_word"
	EndConversation = "end_conversation"

	farewellMessage = "Thanks for practicing with me today. Goodbye!"
)

// NewDefaultRegistry registers the built-in functions. A nil dictionary
// leaves lookup_word out.
func NewDefaultRegistry(dict Dictionary) *Registry {
	r := NewRegistry()
	if dict != nil {
		_ = r.Register(Definition{
			Name:        LookupWord,
			Description: "Look up the meaning and example usage of an English word.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"word": map[string]any{"type": "string", "description": "The word to look up"},
				},
				"required": []string{"word"},
			},
		}, lookupWord(dict))
	}
	_ = r.Register(Definition{
		Name:        EndConversation,
		Description: "End the conversation when the user says goodbye or asks to stop.",
	}, endConversation)
	return r
}

func lookupWord(dict Dictionary) Handler {
	return func(ctx context.Context, args json.RawMessage) (Outcome, error) {
		var in struct {
			Word string `json:"word"`
		}
		if err := json.Unmarshal(args, &in); err != nil {
			return Outcome{}, fmt.Errorf("decode arguments: %w", err)
		}
		if strings.TrimSpace(in.Word) == "" {
			return Outcome{}, errors.New("word is required")
		}
		entry, err := dict.Lookup(ctx, in.Word)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Result: entry}, nil
	}
}

func endConversation(_ context.Context, _ json.RawMessage) (Outcome, error) {
	return Outcome{
		Result:        map[string]string{"status": "ending"},
		InjectMessage: farewellMessage,
		CloseSession:  true,
	}, nil
}
