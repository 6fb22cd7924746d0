package deepgram

import (
	"log/slog"
	"strings"

	"github.com/harunnryd/voicerelay/pkg/logging"
)

const (
	DefaultBaseURL      = "wss://api.deepgram.com"
	DefaultAgentBaseURL = "wss://agent.deepgram.com"

	DefaultNovaModel  = "nova-3"
	DefaultFluxModel  = "flux-general-en"
	DefaultSpeakModel = "aura-2-thalia-en"

	encodingLinear16 = "linear16"
)

// ListenConfig configures the Nova and Flux listen dialects.
type ListenConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	Language   string
	SampleRate int
	// UtteranceEndMS enables Nova utterance end events when positive.
	UtteranceEndMS int
	// EOTThreshold is the Flux end of turn confidence; zero keeps the
	// vendor default.
	EOTThreshold float64
	Logger       *slog.Logger
}

func (c ListenConfig) withDefaults(model string) ListenConfig {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Model == "" {
		c.Model = model
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.Language == "" {
		c.Language = "en"
	}
	return c
}

func componentLogger(base *slog.Logger, dialect string) *slog.Logger {
	return logging.NewComponentLogger(base, "deepgram").With(slog.String("dialect", dialect))
}
