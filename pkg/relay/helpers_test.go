package relay

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedFrame struct {
	Path string
	Type int
	Data []byte
}

// fakeVendor is a WebSocket server standing in for a speech vendor. reply
// runs on the connection's read goroutine, which is its only writer.
type fakeVendor struct {
	srv    *httptest.Server
	dials  atomic.Int32
	closed atomic.Int32

	mu     sync.Mutex
	frames []recordedFrame

	reply func(conn *websocket.Conn, path string, mt int, data []byte)
}

func newFakeVendor(t *testing.T, reply func(conn *websocket.Conn, path string, mt int, data []byte)) *fakeVendor {
	t.Helper()
	v := &fakeVendor{reply: reply}
	upgrader := websocket.Upgrader{}
	v.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		v.dials.Add(1)
		defer func() {
			v.closed.Add(1)
			_ = conn.Close()
		}()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			v.mu.Lock()
			v.frames = append(v.frames, recordedFrame{Path: r.URL.Path, Type: mt, Data: data})
			v.mu.Unlock()
			if v.reply != nil {
				v.reply(conn, r.URL.Path, mt, data)
			}
		}
	}))
	t.Cleanup(v.srv.Close)
	return v
}

func (v *fakeVendor) textTypes(path string) []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []string
	for _, f := range v.frames {
		if f.Type != websocket.TextMessage || (path != "" && f.Path != path) {
			continue
		}
		var env struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(f.Data, &env)
		out = append(out, env.Type)
	}
	return out
}

func (v *fakeVendor) textFrames(path, typ string) []map[string]any {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []map[string]any
	for _, f := range v.frames {
		if f.Type != websocket.TextMessage || (path != "" && f.Path != path) {
			continue
		}
		var m map[string]any
		if json.Unmarshal(f.Data, &m) == nil && m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

func countOf(list []string, want string) int {
	n := 0
	for _, s := range list {
		if s == want {
			n++
		}
	}
	return n
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Server.ParamsTimeoutMS = 50
	cfg.Server.ConnectTimeoutMS = 1000
	cfg.Server.ConnectRetries = 0
	cfg.Server.DrainTimeoutMS = 2000
	cfg.Session.KeepAliveMS = 60000
	cfg.Session.CloseGraceMS = 200
	cfg.Privacy.RedactPII = true
	return cfg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startRelay(t *testing.T, cfg Config, opts ...Option) (*Server, string) {
	t.Helper()
	opts = append([]Option{WithLogger(discardLogger())}, opts...)
	srv := NewServer(cfg, opts...)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http") + cfg.Server.WSPath
}

func dialClient(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type clientMsg struct {
	Type int
	Data []byte
	JSON map[string]any
}

func readClient(t *testing.T, conn *websocket.Conn) clientMsg {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	mt, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg := clientMsg{Type: mt, Data: data}
	if mt == websocket.TextMessage {
		require.NoError(t, json.Unmarshal(data, &msg.JSON))
	}
	return msg
}

// readUntil reads until a JSON event of the given type arrives and returns
// everything read on the way.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) []clientMsg {
	t.Helper()
	var seen []clientMsg
	for {
		msg := readClient(t, conn)
		seen = append(seen, msg)
		if msg.JSON != nil && msg.JSON["type"] == typ {
			return seen
		}
	}
}

// readToClose reads until the connection fails and returns that error. Data
// still in flight is discarded.
func readToClose(t *testing.T, conn *websocket.Conn, wait time.Duration) error {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(wait)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return err
		}
	}
}

func requireCloseCode(t *testing.T, err error, code int) {
	t.Helper()
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "expected close frame, got %v", err)
	assert.Equal(t, code, closeErr.Code)
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func newRecorder() *httptest.ResponseRecorder { return httptest.NewRecorder() }

func mustRequest(t *testing.T, path string) *http.Request {
	t.Helper()
	return httptest.NewRequest(http.MethodGet, path, nil)
}
