// Package adapters defines the boundary between vendor wire formats and the
// relay's canonical events.
package adapters

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/voicerelay/pkg/events"
)

// Dialect identifies one vendor wire protocol. It is chosen once when a
// session is configured.
type Dialect int

const (
	DialectUnknown Dialect = iota
	DialectDeepgramNova
	DialectDeepgramFlux
	DialectDeepgramSpeak
	DialectElevenLabs
	DialectDeepgramAgent
)

func (d Dialect) String() string {
	switch d {
	case DialectDeepgramNova:
		return "deepgram-nova"
	case DialectDeepgramFlux:
		return "deepgram-flux"
	case DialectDeepgramSpeak:
		return "deepgram-speak"
	case DialectElevenLabs:
		return "elevenlabs"
	case DialectDeepgramAgent:
		return "deepgram-agent"
	default:
		return "unknown"
	}
}

// STTDialect picks the listen dialect for a Deepgram model name.
func STTDialect(model string) Dialect {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(model)), "flux") {
		return DialectDeepgramFlux
	}
	return DialectDeepgramNova
}

// TTSDialect maps a TTS provider name to its dialect.
func TTSDialect(provider string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "", "deepgram":
		return DialectDeepgramSpeak, nil
	case "elevenlabs", "eleven_labs":
		return DialectElevenLabs, nil
	default:
		return DialectUnknown, fmt.Errorf("tts provider not supported: %s", provider)
	}
}

// Frame is one WebSocket message.
type Frame struct {
	Type int
	Data []byte
}

// Text marshals v into a text frame.
func Text(v any) (Frame, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Type: websocket.TextMessage, Data: b}, nil
}

// MustText is Text for values that always marshal.
func MustText(v any) Frame {
	f, err := Text(v)
	if err != nil {
		panic(err)
	}
	return f
}

// Adapter translates one upstream connection.
//
// ToCanonical never fails: frames it cannot understand are logged and
// yield no events. FromCanonical reports false when the dialect has no
// spelling for the command.
type Adapter interface {
	Dialect() Dialect
	Endpoint() (string, http.Header, error)
	Handshake() ([]Frame, error)
	ToCanonical(messageType int, data []byte) []events.Event
	FromCanonical(cmd events.Command) (Frame, bool)
}

// Envelope reads the type discriminator shared by the Deepgram dialects.
type Envelope struct {
	Type string `json:"type"`
}

// PeekType returns the "type" field of a JSON message.
func PeekType(data []byte) (string, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", err
	}
	return env.Type, nil
}

// TokenHeader builds the Deepgram authorization header.
func TokenHeader(apiKey string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Token "+apiKey)
	return h
}

// WebSocketURL turns an http(s) base into ws(s) so endpoints can be
// configured either way.
func WebSocketURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base
}
