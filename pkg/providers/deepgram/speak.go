package deepgram

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/voicerelay/pkg/adapters"
	"github.com/harunnryd/voicerelay/pkg/events"
)

type SpeakConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	SampleRate int
	Logger     *slog.Logger
}

type speakText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Speak streams text to Deepgram Aura and receives linear16 audio.
type Speak struct {
	cfg    SpeakConfig
	logger *slog.Logger
}

func NewSpeak(cfg SpeakConfig) *Speak {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultSpeakModel
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 24000
	}
	return &Speak{cfg: cfg, logger: componentLogger(cfg.Logger, adapters.DialectDeepgramSpeak.String())}
}

func (s *Speak) Dialect() adapters.Dialect { return adapters.DialectDeepgramSpeak }

func (s *Speak) Endpoint() (string, http.Header, error) {
	if strings.TrimSpace(s.cfg.APIKey) == "" {
		return "", nil, fmt.Errorf("deepgram api key is required")
	}
	q := url.Values{}
	q.Set("model", s.cfg.Model)
	q.Set("encoding", encodingLinear16)
	q.Set("sample_rate", strconv.Itoa(s.cfg.SampleRate))
	u := adapters.WebSocketURL(s.cfg.BaseURL) + "/v1/speak?" + q.Encode()
	return u, adapters.TokenHeader(s.cfg.APIKey), nil
}

func (s *Speak) Handshake() ([]adapters.Frame, error) { return nil, nil }

func (s *Speak) ToCanonical(messageType int, data []byte) []events.Event {
	if messageType == websocket.BinaryMessage {
		return []events.Event{events.AudioChunk{Data: data}}
	}
	typ, err := adapters.PeekType(data)
	if err != nil {
		s.logger.Warn("speak_unparseable_message", slog.String("error", err.Error()))
		return nil
	}
	switch typ {
	case "Flushed":
		return []events.Event{events.Lifecycle{Marker: events.MarkerFlushed}}
	case "Metadata", "Cleared":
		return nil
	case "Warning":
		var w struct {
			Description string `json:"description"`
			Code        string `json:"code"`
		}
		_ = json.Unmarshal(data, &w)
		s.logger.Warn("speak_warning", slog.String("code", w.Code), slog.String("description", w.Description))
		return nil
	case "Error":
		return []events.Event{decodeError(data)}
	default:
		s.logger.Debug("speak_unhandled_event", slog.String("type", typ))
		return nil
	}
}

func (s *Speak) FromCanonical(cmd events.Command) (adapters.Frame, bool) {
	switch cmd.Kind {
	case events.CommandSpeak:
		if strings.TrimSpace(cmd.Text) == "" {
			return adapters.Frame{}, false
		}
		return adapters.MustText(speakText{Type: "Speak", Text: cmd.Text}), true
	case events.CommandFlush:
		return adapters.MustText(adapters.Envelope{Type: "Flush"}), true
	case events.CommandClose:
		return adapters.MustText(adapters.Envelope{Type: "Close"}), true
	}
	return adapters.Frame{}, false
}
