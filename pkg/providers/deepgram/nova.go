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

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"

	"github.com/harunnryd/voicerelay/pkg/adapters"
	"github.com/harunnryd/voicerelay/pkg/events"
)

// Nova speaks Deepgram's v1 listen protocol.
type Nova struct {
	cfg    ListenConfig
	logger *slog.Logger
}

func NewNova(cfg ListenConfig) *Nova {
	cfg = cfg.withDefaults(DefaultNovaModel)
	return &Nova{cfg: cfg, logger: componentLogger(cfg.Logger, adapters.DialectDeepgramNova.String())}
}

func (n *Nova) Dialect() adapters.Dialect { return adapters.DialectDeepgramNova }

func (n *Nova) options() *interfaces.LiveTranscriptionOptions {
	opts := &interfaces.LiveTranscriptionOptions{
		Model:          n.cfg.Model,
		Language:       n.cfg.Language,
		Encoding:       encodingLinear16,
		SampleRate:     n.cfg.SampleRate,
		Channels:       1,
		InterimResults: true,
		VadEvents:      true,
		SmartFormat:    true,
		Punctuate:      true,
	}
	if n.cfg.UtteranceEndMS > 0 {
		opts.UtteranceEndMs = strconv.Itoa(n.cfg.UtteranceEndMS)
	}
	return opts
}

func (n *Nova) Endpoint() (string, http.Header, error) {
	if strings.TrimSpace(n.cfg.APIKey) == "" {
		return "", nil, fmt.Errorf("deepgram api key is required")
	}
	o := n.options()
	q := url.Values{}
	q.Set("model", o.Model)
	q.Set("language", o.Language)
	q.Set("encoding", o.Encoding)
	q.Set("sample_rate", strconv.Itoa(o.SampleRate))
	q.Set("channels", strconv.Itoa(o.Channels))
	q.Set("interim_results", strconv.FormatBool(o.InterimResults))
	q.Set("vad_events", strconv.FormatBool(o.VadEvents))
	q.Set("smart_format", strconv.FormatBool(o.SmartFormat))
	q.Set("punctuate", strconv.FormatBool(o.Punctuate))
	if o.UtteranceEndMs != "" {
		q.Set("utterance_end_ms", o.UtteranceEndMs)
	}
	u := adapters.WebSocketURL(n.cfg.BaseURL) + "/v1/listen?" + q.Encode()
	return u, adapters.TokenHeader(n.cfg.APIKey), nil
}

// Handshake is empty: Nova is configured entirely by the URL.
func (n *Nova) Handshake() ([]adapters.Frame, error) { return nil, nil }

func (n *Nova) ToCanonical(messageType int, data []byte) []events.Event {
	if messageType != websocket.TextMessage {
		n.logger.Debug("deepgram_unexpected_binary", slog.Int("size_bytes", len(data)))
		return nil
	}
	typ, err := adapters.PeekType(data)
	if err != nil {
		n.logger.Warn("deepgram_unparseable_message", slog.String("error", err.Error()))
		return nil
	}
	switch typ {
	case "Results":
		var mr msginterfaces.MessageResponse
		if err := json.Unmarshal(data, &mr); err != nil {
			n.logger.Warn("deepgram_results_decode_error", slog.String("error", err.Error()))
			return nil
		}
		return novaTranscript(&mr)
	case "SpeechStarted":
		var ssr msginterfaces.SpeechStartedResponse
		if err := json.Unmarshal(data, &ssr); err != nil {
			return nil
		}
		return []events.Event{events.Lifecycle{Marker: events.MarkerUserStartedSpeaking}}
	case "UtteranceEnd":
		return nil
	case "Metadata":
		var md msginterfaces.MetadataResponse
		if err := json.Unmarshal(data, &md); err == nil {
			n.logger.Info("deepgram_metadata_received", slog.String("request_id", md.RequestID))
		}
		return nil
	case "Error":
		return []events.Event{decodeError(data)}
	default:
		n.logger.Debug("deepgram_unhandled_event", slog.String("type", typ))
		return nil
	}
}

func novaTranscript(mr *msginterfaces.MessageResponse) []events.Event {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	alt := mr.Channel.Alternatives[0]
	text := strings.TrimSpace(alt.Transcript)
	if text == "" {
		return nil
	}
	return []events.Event{events.Transcript{
		Text:       text,
		IsFinal:    mr.IsFinal,
		Confidence: events.Float(alt.Confidence),
	}}
}

func (n *Nova) FromCanonical(cmd events.Command) (adapters.Frame, bool) {
	switch cmd.Kind {
	case events.CommandFlush:
		return adapters.MustText(adapters.Envelope{Type: "Finalize"}), true
	case events.CommandClose:
		return adapters.MustText(adapters.Envelope{Type: "CloseStream"}), true
	case events.CommandKeepAlive:
		return adapters.MustText(adapters.Envelope{Type: "KeepAlive"}), true
	}
	return adapters.Frame{}, false
}

// decodeError reads the error shapes used across the Deepgram websockets.
func decodeError(data []byte) events.Event {
	var er msginterfaces.ErrorResponse
	_ = json.Unmarshal(data, &er)
	var extra struct {
		Code        string `json:"code"`
		Description string `json:"description"`
		Message     string `json:"message"`
	}
	_ = json.Unmarshal(data, &extra)

	msg := firstNonEmpty(extra.Description, er.ErrMsg, extra.Message, "deepgram error")
	return events.Error{Message: msg, Code: firstNonEmpty(er.ErrCode, extra.Code)}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
