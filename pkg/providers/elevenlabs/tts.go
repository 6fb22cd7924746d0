package elevenlabs

import (
	"encoding/base64"
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
	"github.com/harunnryd/voicerelay/pkg/logging"
)

const (
	DefaultBaseURL = "wss://api.elevenlabs.io"
	DefaultModelID = "eleven_flash_v2_5"
	DefaultVoiceID = "21m00Tcm4TlvDq8ikWAM"
)

type Config struct {
	APIKey     string
	BaseURL    string
	VoiceID    string
	ModelID    string
	SampleRate int
	Logger     *slog.Logger
}

// TTS speaks the ElevenLabs stream-input protocol. Audio arrives base64
// encoded inside JSON and is unwrapped to raw PCM.
type TTS struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *TTS {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.VoiceID == "" {
		cfg.VoiceID = DefaultVoiceID
	}
	if cfg.ModelID == "" {
		cfg.ModelID = DefaultModelID
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 24000
	}
	return &TTS{
		cfg:    cfg,
		logger: logging.NewComponentLogger(cfg.Logger, "elevenlabs").With(slog.String("voice_id", cfg.VoiceID)),
	}
}

func (t *TTS) Dialect() adapters.Dialect { return adapters.DialectElevenLabs }

// OutputFormat names the PCM format requested from the vendor.
func (t *TTS) OutputFormat() string { return "pcm_" + strconv.Itoa(t.cfg.SampleRate) }

func (t *TTS) Endpoint() (string, http.Header, error) {
	if strings.TrimSpace(t.cfg.APIKey) == "" {
		return "", nil, fmt.Errorf("elevenlabs api key is required")
	}
	q := url.Values{}
	q.Set("model_id", t.cfg.ModelID)
	q.Set("output_format", t.OutputFormat())
	q.Set("optimize_streaming_latency", "4")
	u := adapters.WebSocketURL(t.cfg.BaseURL) + "/v1/text-to-speech/" + url.PathEscape(t.cfg.VoiceID) + "/stream-input?" + q.Encode()
	h := http.Header{}
	h.Set("xi-api-key", t.cfg.APIKey)
	return u, h, nil
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
}

type beginMessage struct {
	Text             string        `json:"text"`
	VoiceSettings    voiceSettings `json:"voice_settings"`
	GenerationConfig struct {
		ChunkLengthSchedule []int `json:"chunk_length_schedule"`
	} `json:"generation_config"`
}

type textMessage struct {
	Text                 string `json:"text"`
	TryTriggerGeneration bool   `json:"try_trigger_generation,omitempty"`
	Flush                bool   `json:"flush,omitempty"`
}

// Handshake opens the stream with a single space, as the protocol requires.
func (t *TTS) Handshake() ([]adapters.Frame, error) {
	bos := beginMessage{Text: " ", VoiceSettings: voiceSettings{Stability: 0.5, SimilarityBoost: 0.8}}
	bos.GenerationConfig.ChunkLengthSchedule = []int{120, 160, 250, 290}
	f, err := adapters.Text(bos)
	if err != nil {
		return nil, err
	}
	return []adapters.Frame{f}, nil
}

type inbound struct {
	Audio       string `json:"audio"`
	AudioBase64 string `json:"audio_base_64"`
	IsFinal     *bool  `json:"isFinal"`
	Message     string `json:"message"`
	Error       string `json:"error"`
	Code        any    `json:"code"`
}

func (t *TTS) ToCanonical(messageType int, data []byte) []events.Event {
	if messageType == websocket.BinaryMessage {
		return []events.Event{events.AudioChunk{Data: data}}
	}
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		t.logger.Warn("elevenlabs_unparseable_message", slog.String("error", err.Error()))
		return nil
	}

	var out []events.Event
	if audio := firstNonEmpty(msg.Audio, msg.AudioBase64); audio != "" {
		raw, err := base64.StdEncoding.DecodeString(audio)
		if err != nil {
			t.logger.Warn("elevenlabs_audio_decode_error", slog.String("error", err.Error()))
		} else if len(raw) > 0 {
			out = append(out, events.AudioChunk{Data: raw})
		}
	}
	// ElevenLabs does not acknowledge a flush. isFinal ends the whole
	// stream, so it is the only flushed marker this dialect produces and
	// the vendor hangs up right after it.
	if msg.IsFinal != nil && *msg.IsFinal {
		out = append(out, events.Lifecycle{Marker: events.MarkerFlushed}, events.Closed{Reason: "stream finished"})
	}
	if msg.Error != "" || (msg.Message != "" && len(out) == 0) {
		out = append(out, events.Error{
			Message: firstNonEmpty(msg.Message, msg.Error),
			Code:    fmt.Sprint(firstNonNil(msg.Code, msg.Error)),
		})
	}
	return out
}

func (t *TTS) FromCanonical(cmd events.Command) (adapters.Frame, bool) {
	switch cmd.Kind {
	case events.CommandSpeak:
		text := cmd.Text
		if strings.TrimSpace(text) == "" {
			return adapters.Frame{}, false
		}
		// Chunks must end in a space so the vendor does not merge words.
		if !strings.HasSuffix(text, " ") {
			text += " "
		}
		return adapters.MustText(textMessage{Text: text, TryTriggerGeneration: true}), true
	case events.CommandFlush:
		return adapters.MustText(textMessage{Text: " ", Flush: true}), true
	case events.CommandClose:
		return adapters.MustText(textMessage{Text: ""}), true
	case events.CommandKeepAlive:
		return adapters.MustText(textMessage{Text: " "}), true
	}
	return adapters.Frame{}, false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstNonNil(values ...any) any {
	for _, v := range values {
		if v != nil && v != "" {
			return v
		}
	}
	return ""
}
