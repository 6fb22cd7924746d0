package relay

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
)

// Client message types.
const (
	msgParams        = "params"
	msgText          = "text"
	msgFlush         = "flush"
	msgClose         = "close"
	msgInjectMessage = "inject_message"
	msgKeepAlive     = "keepalive"

	msgReady          = "ready"
	msgTranscript     = "transcript"
	msgLLMResponse    = "llm_response"
	msgFunctionCall   = "function_call"
	msgFunctionResult = "function_result"
	msgError          = "error"
)

// clientFrame is one message read from the browser, or the read error that
// ended the stream.
type clientFrame struct {
	Type int
	Data []byte
	Err  error
}

// clientControl is the union of inbound JSON control messages.
type clientControl struct {
	Type    string         `json:"type"`
	Data    map[string]any `json:"data,omitempty"`
	Content string         `json:"content,omitempty"`
	Message string         `json:"message,omitempty"`
}

type readyMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	ProviderConfig
}

type transcriptMessage struct {
	Type       string   `json:"type"`
	Text       string   `json:"text"`
	IsFinal    bool     `json:"is_final"`
	Confidence *float64 `json:"confidence,omitempty"`
}

type textMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type functionCallMessage struct {
	Type       string `json:"type"`
	Name       string `json:"name"`
	Parameters any    `json:"parameters"`
}

type functionResultMessage struct {
	Type   string `json:"type"`
	Name   string `json:"name"`
	Result any    `json:"result"`
}

type errorMessage struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	ErrorCode string `json:"error_code,omitempty"`
}

type markerMessage struct {
	Type string `json:"type"`
}

// rawOrString keeps valid JSON as is and falls back to the plain string.
func rawOrString(s string) any {
	if s != "" && json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	return s
}

// clientReader owns every read on the browser socket. It starts at accept
// time so the params wait and the stream share one reader.
type clientReader struct {
	conn *websocket.Conn
	ch   chan clientFrame
	stop chan struct{}
	done chan struct{}
}

func startClientReader(conn *websocket.Conn, buffer int) *clientReader {
	if buffer <= 0 {
		buffer = 64
	}
	r := &clientReader{
		conn: conn,
		ch:   make(chan clientFrame, buffer),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *clientReader) loop() {
	defer close(r.done)
	for {
		mt, data, err := r.conn.ReadMessage()
		f := clientFrame{Type: mt, Data: data, Err: err}
		select {
		case r.ch <- f:
		case <-r.stop:
			return
		}
		if err != nil {
			return
		}
	}
}

// shutdown unblocks a pending read and waits for the goroutine to exit.
func (r *clientReader) shutdown() {
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
	_ = r.conn.SetReadDeadline(time.Now())
	<-r.done
}

// awaitParams waits up to timeout for a params message. A different first
// frame is returned as pending so the session can replay it.
func awaitParams(r *clientReader, timeout time.Duration) (params map[string]any, pending []clientFrame, err error) {
	if timeout <= 0 {
		return nil, nil, nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil, nil, nil
	case f := <-r.ch:
		if f.Err != nil {
			return nil, nil, f.Err
		}
		if f.Type == websocket.TextMessage {
			var ctl clientControl
			if json.Unmarshal(f.Data, &ctl) == nil && ctl.Type == msgParams {
				return ctl.Data, nil, nil
			}
		}
		return nil, []clientFrame{f}, nil
	}
}
