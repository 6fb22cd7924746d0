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

// Flux turn events.
const (
	fluxUpdate         = "Update"
	fluxStartOfTurn    = "StartOfTurn"
	fluxEagerEndOfTurn = "EagerEndOfTurn"
	fluxTurnResumed    = "TurnResumed"
	fluxEndOfTurn      = "EndOfTurn"
)

type turnInfo struct {
	Type                string  `json:"type"`
	Event               string  `json:"event"`
	TurnIndex           *int    `json:"turn_index"`
	Transcript          string  `json:"transcript"`
	EndOfTurnConfidence float64 `json:"end_of_turn_confidence"`
}

// Flux speaks Deepgram's v2 listen protocol with vendor side turn detection.
type Flux struct {
	cfg    ListenConfig
	logger *slog.Logger
}

func NewFlux(cfg ListenConfig) *Flux {
	cfg = cfg.withDefaults(DefaultFluxModel)
	return &Flux{cfg: cfg, logger: componentLogger(cfg.Logger, adapters.DialectDeepgramFlux.String())}
}

func (f *Flux) Dialect() adapters.Dialect { return adapters.DialectDeepgramFlux }

func (f *Flux) Endpoint() (string, http.Header, error) {
	if strings.TrimSpace(f.cfg.APIKey) == "" {
		return "", nil, fmt.Errorf("deepgram api key is required")
	}
	q := url.Values{}
	q.Set("model", f.cfg.Model)
	q.Set("encoding", encodingLinear16)
	q.Set("sample_rate", strconv.Itoa(f.cfg.SampleRate))
	if f.cfg.EOTThreshold > 0 {
		q.Set("eot_threshold", strconv.FormatFloat(f.cfg.EOTThreshold, 'f', -1, 64))
	}
	u := adapters.WebSocketURL(f.cfg.BaseURL) + "/v2/listen?" + q.Encode()
	return u, adapters.TokenHeader(f.cfg.APIKey), nil
}

func (f *Flux) Handshake() ([]adapters.Frame, error) { return nil, nil }

func (f *Flux) ToCanonical(messageType int, data []byte) []events.Event {
	if messageType != websocket.TextMessage {
		return nil
	}
	var msg turnInfo
	if err := json.Unmarshal(data, &msg); err != nil {
		f.logger.Warn("flux_unparseable_message", slog.String("error", err.Error()))
		return nil
	}
	switch msg.Type {
	case "TurnInfo":
		return f.turn(msg)
	case "Connected":
		return []events.Event{events.Lifecycle{Marker: events.MarkerConnected}}
	case "Error", "FatalError":
		return []events.Event{decodeError(data)}
	default:
		f.logger.Debug("flux_unhandled_event", slog.String("type", msg.Type))
		return nil
	}
}

func (f *Flux) turn(msg turnInfo) []events.Event {
	text := strings.TrimSpace(msg.Transcript)
	switch msg.Event {
	case fluxStartOfTurn:
		out := []events.Event{events.Lifecycle{Marker: events.MarkerUserStartedSpeaking}}
		if text != "" {
			out = append(out, events.Transcript{Text: text, TurnIndex: msg.TurnIndex})
		}
		return out
	case fluxUpdate, fluxTurnResumed, fluxEagerEndOfTurn, fluxEndOfTurn:
		if text == "" {
			return nil
		}
		return []events.Event{events.Transcript{
			Text:      text,
			IsFinal:   msg.Event == fluxEndOfTurn || msg.Event == fluxEagerEndOfTurn,
			TurnIndex: msg.TurnIndex,
		}}
	default:
		f.logger.Debug("flux_unknown_turn_event", slog.String("event", msg.Event))
		return nil
	}
}

func (f *Flux) FromCanonical(cmd events.Command) (adapters.Frame, bool) {
	if cmd.Kind == events.CommandClose {
		return adapters.MustText(adapters.Envelope{Type: "CloseStream"}), true
	}
	return adapters.Frame{}, false
}
