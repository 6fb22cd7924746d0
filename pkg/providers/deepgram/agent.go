package deepgram

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/voicerelay/pkg/adapters"
	"github.com/harunnryd/voicerelay/pkg/events"
	"github.com/harunnryd/voicerelay/pkg/functions"
)

// AgentConfig configures the Voice Agent converse socket. The speak side
// can be Deepgram Aura or ElevenLabs.
type AgentConfig struct {
	APIKey        string
	BaseURL       string
	Language      string
	SampleRateIn  int
	SampleRateOut int
	ListenModel   string
	ThinkProvider string
	ThinkModel    string
	Prompt        string
	Greeting      string
	SpeakProvider string
	SpeakModel    string
	SpeakVoice    string
	Functions     []functions.Definition
	Logger        *slog.Logger
}

// Agent speaks the Deepgram Voice Agent protocol: a Settings handshake and
// a named event stream carrying transcripts, replies, audio and tool calls.
type Agent struct {
	cfg    AgentConfig
	logger *slog.Logger
}

func NewAgent(cfg AgentConfig) *Agent {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultAgentBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Language == "" {
		cfg.Language = "en"
	}
	if cfg.SampleRateIn <= 0 {
		cfg.SampleRateIn = 16000
	}
	if cfg.SampleRateOut <= 0 {
		cfg.SampleRateOut = 24000
	}
	if cfg.ListenModel == "" {
		cfg.ListenModel = DefaultNovaModel
	}
	if cfg.ThinkModel == "" {
		cfg.ThinkModel = "gpt-4o-mini"
	}
	if cfg.SpeakModel == "" {
		cfg.SpeakModel = DefaultSpeakModel
	}
	return &Agent{cfg: cfg, logger: componentLogger(cfg.Logger, adapters.DialectDeepgramAgent.String())}
}

func (a *Agent) Dialect() adapters.Dialect { return adapters.DialectDeepgramAgent }

func (a *Agent) Endpoint() (string, http.Header, error) {
	if strings.TrimSpace(a.cfg.APIKey) == "" {
		return "", nil, fmt.Errorf("deepgram api key is required")
	}
	return adapters.WebSocketURL(a.cfg.BaseURL) + "/v1/agent/converse", adapters.TokenHeader(a.cfg.APIKey), nil
}

type audioFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
	Container  string `json:"container,omitempty"`
}

type providerSpec map[string]string

type agentSettings struct {
	Type  string `json:"type"`
	Audio struct {
		Input  audioFormat `json:"input"`
		Output audioFormat `json:"output"`
	} `json:"audio"`
	Agent struct {
		Language string `json:"language"`
		Listen   struct {
			Provider providerSpec `json:"provider"`
		} `json:"listen"`
		Think struct {
			Provider  providerSpec           `json:"provider"`
			Prompt    string                 `json:"prompt,omitempty"`
			Functions []functions.Definition `json:"functions,omitempty"`
		} `json:"think"`
		Speak struct {
			Provider providerSpec `json:"provider"`
		} `json:"speak"`
		Greeting string `json:"greeting,omitempty"`
	} `json:"agent"`
}

func (a *Agent) settings() agentSettings {
	var s agentSettings
	s.Type = "Settings"
	s.Audio.Input = audioFormat{Encoding: encodingLinear16, SampleRate: a.cfg.SampleRateIn}
	s.Audio.Output = audioFormat{Encoding: encodingLinear16, SampleRate: a.cfg.SampleRateOut, Container: "none"}
	s.Agent.Language = a.cfg.Language
	s.Agent.Listen.Provider = providerSpec{"type": "deepgram", "model": a.cfg.ListenModel}
	s.Agent.Think.Provider = providerSpec{"type": thinkProviderType(a.cfg.ThinkProvider), "model": a.cfg.ThinkModel}
	s.Agent.Think.Prompt = a.cfg.Prompt
	s.Agent.Think.Functions = a.cfg.Functions
	s.Agent.Speak.Provider = a.speakProvider()
	s.Agent.Greeting = a.cfg.Greeting
	return s
}

func thinkProviderType(name string) string {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "anthropic":
		return "anthropic"
	case "google", "gemini":
		return "google"
	default:
		return "open_ai"
	}
}

func (a *Agent) speakProvider() providerSpec {
	if d, _ := adapters.TTSDialect(a.cfg.SpeakProvider); d == adapters.DialectElevenLabs {
		return providerSpec{"type": "eleven_labs", "model_id": a.cfg.SpeakModel, "voice_id": a.cfg.SpeakVoice}
	}
	model := a.cfg.SpeakModel
	if a.cfg.SpeakVoice != "" {
		model = a.cfg.SpeakVoice
	}
	return providerSpec{"type": "deepgram", "model": model}
}

func (a *Agent) Handshake() ([]adapters.Frame, error) {
	f, err := adapters.Text(a.settings())
	if err != nil {
		return nil, fmt.Errorf("encode agent settings: %w", err)
	}
	return []adapters.Frame{f}, nil
}

type agentMessage struct {
	Type        string          `json:"type"`
	Role        string          `json:"role"`
	Content     string          `json:"content"`
	Description string          `json:"description"`
	Code        string          `json:"code"`
	Functions   []agentFunction `json:"functions"`
	agentFunction
}

// agentFunction accepts both the current and the older flat call shape.
type agentFunction struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Arguments      json.RawMessage `json:"arguments"`
	ClientSide     *bool           `json:"client_side"`
	FunctionCallID string          `json:"function_call_id"`
	FunctionName   string          `json:"function_name"`
	Input          json.RawMessage `json:"input"`
}

func (f agentFunction) request() (events.FunctionCallRequest, bool) {
	req := events.FunctionCallRequest{
		ID:       firstNonEmpty(f.ID, f.FunctionCallID),
		Name:     firstNonEmpty(f.Name, f.FunctionName),
		ArgsJSON: rawArgs(f.Arguments),
	}
	if req.ArgsJSON == "" {
		req.ArgsJSON = rawArgs(f.Input)
	}
	return req, req.Name != ""
}

// rawArgs unwraps arguments that arrive either as a JSON string or as an
// inline object.
func rawArgs(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func (a *Agent) ToCanonical(messageType int, data []byte) []events.Event {
	if messageType == websocket.BinaryMessage {
		return []events.Event{events.AudioChunk{Data: data}}
	}
	var msg agentMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		a.logger.Warn("agent_unparseable_message", slog.String("error", err.Error()))
		return nil
	}
	switch msg.Type {
	case "Welcome":
		return []events.Event{events.Lifecycle{Marker: events.MarkerConnected}}
	case "SettingsApplied":
		return []events.Event{events.Lifecycle{Marker: events.MarkerSettingsApplied}}
	case "UserStartedSpeaking":
		return []events.Event{events.Lifecycle{Marker: events.MarkerUserStartedSpeaking}}
	case "AgentThinking":
		return []events.Event{events.Lifecycle{Marker: events.MarkerAgentThinking}}
	case "AgentStartedSpeaking":
		return []events.Event{events.Lifecycle{Marker: events.MarkerAgentStartedSpeaking}}
	case "AgentAudioDone":
		return []events.Event{events.Lifecycle{Marker: events.MarkerAgentAudioDone}}
	case "ConversationText":
		if strings.TrimSpace(msg.Content) == "" {
			return nil
		}
		if msg.Role == "assistant" {
			return []events.Event{events.LLMText{Text: msg.Content}}
		}
		return []events.Event{events.Transcript{Text: msg.Content, IsFinal: true}}
	case "FunctionCallRequest":
		return a.functionCalls(msg)
	case "Warning":
		a.logger.Warn("agent_warning", slog.String("code", msg.Code), slog.String("description", msg.Description))
		return nil
	case "Error":
		return []events.Event{decodeError(data)}
	case "History", "InjectionRefused", "PromptUpdated", "SpeakUpdated":
		a.logger.Debug("agent_event", slog.String("type", msg.Type))
		return nil
	default:
		a.logger.Debug("agent_unhandled_event", slog.String("type", msg.Type))
		return nil
	}
}

func (a *Agent) functionCalls(msg agentMessage) []events.Event {
	calls := msg.Functions
	if len(calls) == 0 {
		calls = []agentFunction{msg.agentFunction}
	}
	out := make([]events.Event, 0, len(calls))
	for _, fn := range calls {
		if fn.ClientSide != nil && !*fn.ClientSide {
			// Executed by the vendor.
			continue
		}
		req, ok := fn.request()
		if !ok {
			a.logger.Warn("agent_function_call_without_name")
			continue
		}
		out = append(out, req)
	}
	return out
}

type functionCallResponse struct {
	Type    string `json:"type"`
	ID      string `json:"id"`
	Name    string `json:"name"`
	Content string `json:"content"`
}

type injectUser struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

type injectAgent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func (a *Agent) FromCanonical(cmd events.Command) (adapters.Frame, bool) {
	switch cmd.Kind {
	case events.CommandFunctionResponse:
		return adapters.MustText(functionCallResponse{Type: "FunctionCallResponse", ID: cmd.ID, Name: cmd.Name, Content: cmd.Text}), true
	case events.CommandInject:
		if strings.TrimSpace(cmd.Text) == "" {
			return adapters.Frame{}, false
		}
		if cmd.Role == events.RoleAssistant {
			return adapters.MustText(injectAgent{Type: "InjectAgentMessage", Message: cmd.Text}), true
		}
		return adapters.MustText(injectUser{Type: "InjectUserMessage", Content: cmd.Text}), true
	case events.CommandKeepAlive:
		return adapters.MustText(adapters.Envelope{Type: "KeepAlive"}), true
	}
	return adapters.Frame{}, false
}
