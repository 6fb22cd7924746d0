package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/harunnryd/voicerelay/pkg/llm"
	"github.com/harunnryd/voicerelay/pkg/resilience"
)

func TestCompleteJoinsTextBlocks(t *testing.T) {
	var got struct {
		System []struct {
			Text string `json:"text"`
		} `json:"system"`
		MaxTokens int `json:"max_tokens"`
		Messages  []struct {
			Role string `json:"role"`
		} `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_1","type":"message","role":"assistant","model":"claude",
			"content":[{"type":"text","text":"Simmer means "},{"type":"text","text":"to cook gently."}],
			"stop_reason":"end_turn","usage":{"input_tokens":3,"output_tokens":5}}`))
	}))
	defer srv.Close()

	c := NewCompleter(Config{APIKey: "k", BaseURL: srv.URL + "/"})
	text, err := c.Complete(context.Background(), llm.Request{
		System:   "tutor",
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "what is simmer"}},
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if text != "Simmer means to cook gently." {
		t.Fatalf("unexpected text %q", text)
	}
	if len(got.System) != 1 || got.System[0].Text != "tutor" || got.MaxTokens != defaultMaxTokens || len(got.Messages) != 1 {
		t.Fatalf("unexpected request %+v", got)
	}
}

func TestCompleteMapsRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`))
	}))
	defer srv.Close()

	_, err := NewCompleter(Config{APIKey: "k", BaseURL: srv.URL + "/"}).Complete(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	if !resilience.IsRateLimit(err) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
}
