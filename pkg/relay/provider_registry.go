package relay

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/harunnryd/voicerelay/pkg/adapters"
	"github.com/harunnryd/voicerelay/pkg/functions"
	"github.com/harunnryd/voicerelay/pkg/llm"
	"github.com/harunnryd/voicerelay/pkg/providers/anthropic"
	"github.com/harunnryd/voicerelay/pkg/providers/deepgram"
	"github.com/harunnryd/voicerelay/pkg/providers/elevenlabs"
	"github.com/harunnryd/voicerelay/pkg/providers/mock"
	"github.com/harunnryd/voicerelay/pkg/providers/openai"
)

// BuildEnv is what a factory may read besides the session config.
type BuildEnv struct {
	Credentials Credentials
	Endpoints   EndpointsConfig
	LLM         LLMConfig
	Functions   []functions.Definition
	Logger      *slog.Logger
}

type AdapterFactory func(cfg ProviderConfig, env BuildEnv) adapters.Adapter
type LLMFactory func(cfg ProviderConfig, env BuildEnv) (llm.Completer, error)

type ProviderRegistry struct {
	adapters map[adapters.Dialect]AdapterFactory
	llm      map[string]LLMFactory
}

func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		adapters: make(map[adapters.Dialect]AdapterFactory),
		llm:      make(map[string]LLMFactory),
	}
}

// DefaultProviderRegistry registers every built-in vendor.
func DefaultProviderRegistry() *ProviderRegistry {
	r := NewProviderRegistry()
	r.RegisterAdapter(adapters.DialectDeepgramNova, func(cfg ProviderConfig, env BuildEnv) adapters.Adapter {
		return deepgram.NewNova(listenConfig(cfg, env))
	})
	r.RegisterAdapter(adapters.DialectDeepgramFlux, func(cfg ProviderConfig, env BuildEnv) adapters.Adapter {
		return deepgram.NewFlux(listenConfig(cfg, env))
	})
	r.RegisterAdapter(adapters.DialectDeepgramSpeak, func(cfg ProviderConfig, env BuildEnv) adapters.Adapter {
		return deepgram.NewSpeak(deepgram.SpeakConfig{
			APIKey:     env.Credentials.Deepgram,
			BaseURL:    env.Endpoints.Deepgram,
			Model:      firstNonEmpty(cfg.TTSVoice, cfg.TTSModel),
			SampleRate: cfg.SampleRateOut,
			Logger:     env.Logger,
		})
	})
	r.RegisterAdapter(adapters.DialectElevenLabs, func(cfg ProviderConfig, env BuildEnv) adapters.Adapter {
		return elevenlabs.New(elevenlabs.Config{
			APIKey:     env.Credentials.ElevenLabs,
			BaseURL:    env.Endpoints.ElevenLabs,
			VoiceID:    cfg.TTSVoice,
			ModelID:    cfg.TTSModel,
			SampleRate: cfg.SampleRateOut,
			Logger:     env.Logger,
		})
	})
	r.RegisterAdapter(adapters.DialectDeepgramAgent, func(cfg ProviderConfig, env BuildEnv) adapters.Adapter {
		ac := deepgram.AgentConfig{
			APIKey:        env.Credentials.Deepgram,
			BaseURL:       env.Endpoints.DeepgramAgent,
			Language:      cfg.Language,
			SampleRateIn:  cfg.SampleRateIn,
			SampleRateOut: cfg.SampleRateOut,
			ListenModel:   cfg.STTModel,
			ThinkProvider: cfg.LLMProvider,
			ThinkModel:    cfg.LLMModel,
			Prompt:        cfg.SystemPrompt,
			Greeting:      cfg.Greeting,
			SpeakProvider: cfg.TTSProvider,
			SpeakModel:    cfg.TTSModel,
			SpeakVoice:    cfg.TTSVoice,
			Logger:        env.Logger,
		}
		if cfg.FunctionsEnabled {
			ac.Functions = env.Functions
		}
		return deepgram.NewAgent(ac)
	})

	r.RegisterLLM("openai", func(cfg ProviderConfig, env BuildEnv) (llm.Completer, error) {
		return openai.NewCompleter(openai.Config{APIKey: env.Credentials.OpenAI, Model: cfg.LLMModel, BaseURL: env.Endpoints.OpenAI}), nil
	})
	r.RegisterLLM("anthropic", func(cfg ProviderConfig, env BuildEnv) (llm.Completer, error) {
		return anthropic.NewCompleter(anthropic.Config{APIKey: env.Credentials.Anthropic, Model: cfg.LLMModel, BaseURL: env.Endpoints.Anthropic}), nil
	})
	r.RegisterLLM("mock", func(ProviderConfig, BuildEnv) (llm.Completer, error) {
		return mock.NewCompleter(), nil
	})
	return r
}

func listenConfig(cfg ProviderConfig, env BuildEnv) deepgram.ListenConfig {
	return deepgram.ListenConfig{
		APIKey:         env.Credentials.Deepgram,
		BaseURL:        env.Endpoints.Deepgram,
		Model:          cfg.STTModel,
		Language:       cfg.Language,
		SampleRate:     cfg.SampleRateIn,
		UtteranceEndMS: 1000,
		Logger:         env.Logger,
	}
}

func (r *ProviderRegistry) RegisterAdapter(d adapters.Dialect, factory AdapterFactory) {
	r.adapters[d] = factory
}

func (r *ProviderRegistry) RegisterLLM(name string, factory LLMFactory) {
	r.llm[strings.ToLower(strings.TrimSpace(name))] = factory
}

func (r *ProviderRegistry) BuildAdapter(d adapters.Dialect, cfg ProviderConfig, env BuildEnv) (adapters.Adapter, error) {
	fn := r.adapters[d]
	if fn == nil {
		return nil, fmt.Errorf("adapter not registered: %s", d)
	}
	return fn(cfg, env), nil
}

func (r *ProviderRegistry) BuildLLM(cfg ProviderConfig, env BuildEnv) (llm.Completer, error) {
	fn := r.llm[strings.ToLower(strings.TrimSpace(cfg.LLMProvider))]
	if fn == nil {
		return nil, fmt.Errorf("llm provider not registered: %s", cfg.LLMProvider)
	}
	return fn(cfg, env)
}

// legDialects lists the upstream dialects a mode opens, in dial order.
func legDialects(cfg ProviderConfig) ([]adapters.Dialect, error) {
	switch cfg.Mode {
	case ModeSTT:
		return []adapters.Dialect{adapters.STTDialect(cfg.STTModel)}, nil
	case ModeTTS:
		d, err := adapters.TTSDialect(cfg.TTSProvider)
		return []adapters.Dialect{d}, err
	case ModeAgent:
		return []adapters.Dialect{adapters.DialectDeepgramAgent}, nil
	case ModePipeline:
		d, err := adapters.TTSDialect(cfg.TTSProvider)
		return []adapters.Dialect{adapters.STTDialect(cfg.STTModel), d}, err
	}
	return nil, fmt.Errorf("unknown mode %q", cfg.Mode)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
