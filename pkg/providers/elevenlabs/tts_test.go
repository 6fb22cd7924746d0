package elevenlabs

import (
	"encoding/base64"
	"net/url"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/voicerelay/pkg/events"
)

func TestCommandSpelling(t *testing.T) {
	tts := New(Config{APIKey: "k"})
	cases := []struct {
		cmd  events.Command
		want string
	}{
		{events.Speak("Hello"), `{"text":"Hello ","try_trigger_generation":true}`},
		{events.Flush(), `{"text":" ","flush":true}`},
		{events.Close(), `{"text":""}`},
		{events.KeepAlive(), `{"text":" "}`},
	}
	for _, tc := range cases {
		f, ok := tts.FromCanonical(tc.cmd)
		if !ok || string(f.Data) != tc.want {
			t.Fatalf("%s: got %s want %s", tc.cmd.Kind, f.Data, tc.want)
		}
	}
	if _, ok := tts.FromCanonical(events.Speak("  ")); ok {
		t.Fatalf("blank speak should be skipped")
	}
}

func TestAudioAndFinalMarker(t *testing.T) {
	tts := New(Config{APIKey: "k"})
	payload := base64.StdEncoding.EncodeToString([]byte{9, 8, 7, 6})
	evs := tts.ToCanonical(websocket.TextMessage, []byte(`{"audio":"`+payload+`","isFinal":null}`))
	if len(evs) != 1 || len(evs[0].(events.AudioChunk).Data) != 4 {
		t.Fatalf("unexpected audio events %+v", evs)
	}
	evs = tts.ToCanonical(websocket.TextMessage, []byte(`{"isFinal":true}`))
	if len(evs) != 2 || evs[0].(events.Lifecycle).Marker != events.MarkerFlushed {
		t.Fatalf("unexpected final events %+v", evs)
	}
	if _, ok := evs[1].(events.Closed); !ok {
		t.Fatalf("isFinal should end the stream, got %+v", evs[1])
	}
	evs = tts.ToCanonical(websocket.TextMessage, []byte(`{"message":"quota exceeded","error":"quota_exceeded","code":1008}`))
	if len(evs) != 1 || evs[0].(events.Error).Message != "quota exceeded" || evs[0].(events.Error).Code != "1008" {
		t.Fatalf("unexpected error events %+v", evs)
	}
	if evs := tts.ToCanonical(websocket.TextMessage, []byte(`{{`)); len(evs) != 0 {
		t.Fatalf("garbage should be dropped")
	}
}

func TestEndpoint(t *testing.T) {
	u, h, err := New(Config{APIKey: "xi", VoiceID: "voice1", SampleRate: 16000}).Endpoint()
	if err != nil {
		t.Fatalf("endpoint: %v", err)
	}
	parsed, _ := url.Parse(u)
	if parsed.Path != "/v1/text-to-speech/voice1/stream-input" {
		t.Fatalf("unexpected path %s", parsed.Path)
	}
	if parsed.Query().Get("output_format") != "pcm_16000" || parsed.Query().Get("model_id") != DefaultModelID {
		t.Fatalf("unexpected query %v", parsed.Query())
	}
	if h.Get("xi-api-key") != "xi" {
		t.Fatalf("missing api key header")
	}
	frames, _ := New(Config{}).Handshake()
	if len(frames) != 1 {
		t.Fatalf("expected begin of stream frame")
	}
}
