package relay

import (
	"fmt"
	"strings"

	"github.com/harunnryd/voicerelay/pkg/adapters"
	"github.com/harunnryd/voicerelay/pkg/configutil"
	"github.com/harunnryd/voicerelay/pkg/errorsx"
)

// Mode selects which upstreams a session opens.
type Mode string

const (
	ModeSTT      Mode = "stt"
	ModeTTS      Mode = "tts"
	ModeAgent    Mode = "agent"
	ModePipeline Mode = "pipeline"
)

func ParseMode(v string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(v))); m {
	case ModeSTT, ModeTTS, ModeAgent, ModePipeline:
		return m, nil
	}
	return "", fmt.Errorf("unknown mode %q", v)
}

// ProviderConfig is the per session configuration. It is built once during
// the handshake and never changes afterwards.
type ProviderConfig struct {
	Mode             Mode   `mapstructure:"mode" json:"mode"`
	STTModel         string `mapstructure:"stt_model" json:"stt_model"`
	TTSProvider      string `mapstructure:"tts_provider" json:"tts_provider"`
	TTSVoice         string `mapstructure:"tts_voice" json:"tts_voice"`
	TTSModel         string `mapstructure:"tts_model" json:"tts_model,omitempty"`
	LLMProvider      string `mapstructure:"llm_provider" json:"llm_provider"`
	LLMModel         string `mapstructure:"llm_model" json:"llm_model"`
	SystemPrompt     string `mapstructure:"system_prompt" json:"-"`
	Greeting         string `mapstructure:"greeting" json:"-"`
	FunctionsEnabled bool   `mapstructure:"functions_enabled" json:"functions_enabled"`
	SampleRateIn     int    `mapstructure:"sample_rate_in" json:"sample_rate_in"`
	SampleRateOut    int    `mapstructure:"sample_rate_out" json:"sample_rate_out"`
	Language         string `mapstructure:"language" json:"language"`
}

var providerSchema = configutil.Schema{Optional: configutil.FieldNames(ProviderConfig{})}

// buildProviderConfig layers query parameters and then the params message
// over the server defaults. Unknown keys are returned for logging.
func buildProviderConfig(defaults ProviderConfig, layers ...map[string]any) (ProviderConfig, []string, error) {
	cfg := defaults
	var unknown []string
	for _, layer := range layers {
		if len(layer) == 0 {
			continue
		}
		unknown = append(unknown, configutil.UnknownKeys(layer, providerSchema)...)
		if err := configutil.DecodeSettings(layer, &cfg); err != nil {
			return ProviderConfig{}, unknown, errorsx.Wrap(fmt.Errorf("invalid session params: %w", err), errorsx.ReasonConfiguration)
		}
	}
	mode, err := ParseMode(string(cfg.Mode))
	if err != nil {
		return ProviderConfig{}, unknown, errorsx.Wrap(err, errorsx.ReasonConfiguration)
	}
	cfg.Mode = mode
	if cfg.SampleRateIn <= 0 || cfg.SampleRateOut <= 0 {
		return ProviderConfig{}, unknown, errorsx.New(errorsx.ReasonConfiguration, "sample rates must be positive")
	}
	if cfg.Mode == ModeTTS || cfg.Mode == ModePipeline {
		if _, err := adapters.TTSDialect(cfg.TTSProvider); err != nil {
			return ProviderConfig{}, unknown, errorsx.Wrap(err, errorsx.ReasonConfiguration)
		}
	}
	return cfg, unknown, nil
}

// requiredCredentials names the keys a mode needs, in check order.
func (c ProviderConfig) requiredCredentials(creds Credentials) []credential {
	var out []credential
	deepgram := credential{"DEEPGRAM_API_KEY", creds.Deepgram}
	switch c.Mode {
	case ModeSTT, ModeAgent:
		out = append(out, deepgram)
	case ModeTTS:
		out = append(out, c.ttsCredential(creds))
	case ModePipeline:
		out = append(out, deepgram, c.ttsCredential(creds), c.llmCredential(creds))
	}
	return out
}

func (c ProviderConfig) ttsCredential(creds Credentials) credential {
	if d, _ := adapters.TTSDialect(c.TTSProvider); d == adapters.DialectElevenLabs {
		return credential{"ELEVENLABS_API_KEY", creds.ElevenLabs}
	}
	return credential{"DEEPGRAM_API_KEY", creds.Deepgram}
}

func (c ProviderConfig) llmCredential(creds Credentials) credential {
	switch strings.ToLower(strings.TrimSpace(c.LLMProvider)) {
	case "anthropic":
		return credential{"ANTHROPIC_API_KEY", creds.Anthropic}
	case "mock":
		return credential{"", "mock"}
	default:
		return credential{"OPENAI_API_KEY", creds.OpenAI}
	}
}

type credential struct {
	name  string
	value string
}

// validateCredentials fails with a configuration error naming the first
// missing key.
func (c ProviderConfig) validateCredentials(creds Credentials) error {
	for _, cred := range c.requiredCredentials(creds) {
		if strings.TrimSpace(cred.value) == "" {
			return errorsx.New(errorsx.ReasonConfiguration, "%s is not configured", cred.name)
		}
	}
	return nil
}
