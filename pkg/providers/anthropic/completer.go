package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/harunnryd/voicerelay/pkg/llm"
	"github.com/harunnryd/voicerelay/pkg/resilience"
)

const (
	DefaultModel     = "claude-3-5-haiku-latest"
	defaultMaxTokens = 512
)

type Config struct {
	APIKey     string
	Model      string
	BaseURL    string
	MaxRetries int
}

// Completer implements llm.Completer with the Messages API.
type Completer struct {
	client anthropic.Client
	model  string
}

func NewCompleter(cfg Config) *Completer {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	return &Completer{client: anthropic.NewClient(opts...), model: model}
}

func (c *Completer) Name() string { return "anthropic" }

func (c *Completer) Complete(ctx context.Context, req llm.Request) (string, error) {
	maxTokens := int64(defaultMaxTokens)
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: maxTokens,
		Messages:  buildMessages(req.Messages),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", mapError(err)
	}
	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return strings.TrimSpace(sb.String()), nil
}

func buildMessages(in []llm.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(in))
	for _, m := range in {
		if m.Role == llm.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
			continue
		}
		out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
	}
	return out
}

func mapError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
		return resilience.RateLimitError{Provider: "anthropic", Message: apiErr.Error()}
	}
	return fmt.Errorf("anthropic: %w", err)
}
