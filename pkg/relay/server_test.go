package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harunnryd/voicerelay/pkg/audio"
	"github.com/harunnryd/voicerelay/pkg/functions"
	"github.com/harunnryd/voicerelay/pkg/llm"
	"github.com/harunnryd/voicerelay/pkg/metrics"
	"github.com/harunnryd/voicerelay/pkg/providers/mock"
)

func TestMissingCredentialRejectsWithoutDial(t *testing.T) {
	vendor := newFakeVendor(t, nil)
	cfg := testConfig()
	cfg.Endpoints.Deepgram = vendor.srv.URL
	_, url := startRelay(t, cfg)

	conn := dialClient(t, url+"?mode=stt")
	msg := readClient(t, conn)
	assert.Equal(t, "error", msg.JSON["type"])
	assert.Equal(t, "configuration_error", msg.JSON["error_code"])
	assert.Contains(t, msg.JSON["message"], "DEEPGRAM_API_KEY")

	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "expected close frame, got %v", err)
	assert.Equal(t, websocket.ClosePolicyViolation, closeErr.Code)
	assert.Equal(t, int32(0), vendor.dials.Load())
}

func TestParamsMessageConfiguresSession(t *testing.T) {
	vendor := newFakeVendor(t, nil)
	cfg := testConfig()
	cfg.Server.ParamsTimeoutMS = 500
	cfg.Credentials.Deepgram = "dg-test"
	cfg.Endpoints.Deepgram = vendor.srv.URL
	_, url := startRelay(t, cfg)

	conn := dialClient(t, url)
	writeJSON(t, conn, map[string]any{
		"type": "params",
		"data": map[string]any{"mode": "stt", "stt_model": "flux-general-en", "sample_rate_in": "8000", "unknown_key": 1},
	})
	ready := readClient(t, conn)
	assert.Equal(t, "ready", ready.JSON["type"])
	assert.Equal(t, "stt", ready.JSON["mode"])
	assert.Equal(t, "flux-general-en", ready.JSON["stt_model"])
	assert.Equal(t, float64(8000), ready.JSON["sample_rate_in"])
	assert.NotEmpty(t, ready.JSON["session_id"])
	assert.NotContains(t, ready.JSON, "system_prompt")

	require.Eventually(t, func() bool { return vendor.dials.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestTTSSpeakFlushFlushed(t *testing.T) {
	pcm := []byte{1, 2, 3, 4}
	vendor := newFakeVendor(t, func(conn *websocket.Conn, path string, mt int, data []byte) {
		if !strings.Contains(string(data), `"Flush"`) {
			return
		}
		_ = conn.WriteMessage(websocket.BinaryMessage, pcm)
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Flushed","sequence_id":0}`))
	})
	cfg := testConfig()
	cfg.Credentials.Deepgram = "dg-test"
	cfg.Endpoints.Deepgram = vendor.srv.URL
	_, url := startRelay(t, cfg)

	conn := dialClient(t, url+"?mode=tts&tts_provider=deepgram")
	require.Equal(t, "ready", readClient(t, conn).JSON["type"])

	writeJSON(t, conn, map[string]string{"type": "text", "content": "Hello"})
	writeJSON(t, conn, map[string]string{"type": "flush"})

	seen := readUntil(t, conn, "flushed")
	require.Len(t, seen, 3)
	assert.Equal(t, websocket.BinaryMessage, seen[0].Type)
	assert.Len(t, seen[0].Data, audio.HeaderSize)
	assert.Equal(t, "RIFF", string(seen[0].Data[:4]))
	assert.Equal(t, pcm, seen[1].Data)

	types := vendor.textTypes("/v1/speak")
	assert.Equal(t, 1, countOf(types, "Speak"))
	assert.Equal(t, 1, countOf(types, "Flush"))
	speak := vendor.textFrames("/v1/speak", "Speak")
	assert.Equal(t, "Hello", speak[0]["text"])

	// The header goes out once per stream.
	writeJSON(t, conn, map[string]string{"type": "flush"})
	seen = readUntil(t, conn, "flushed")
	require.Len(t, seen, 2)
	assert.Equal(t, pcm, seen[0].Data)
}

func TestAgentFunctionCallRoundTrip(t *testing.T) {
	vendor := newFakeVendor(t, func(conn *websocket.Conn, path string, mt int, data []byte) {
		if !strings.Contains(string(data), `"Settings"`) {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"SettingsApplied"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"FunctionCallRequest","functions":[{"id":"f1","name":"lookup_word","arguments":"{\"word\":\"simmer\"}","client_side":true}]}`))
	})
	cfg := testConfig()
	cfg.Credentials.Deepgram = "dg-test"
	cfg.Endpoints.DeepgramAgent = vendor.srv.URL
	cfg.Functions.Dictionary = map[string]string{"simmer": "to cook gently just below boiling"}
	_, url := startRelay(t, cfg)

	conn := dialClient(t, url+"?mode=agent")
	require.Equal(t, "ready", readClient(t, conn).JSON["type"])

	seen := readUntil(t, conn, "function_result")
	var order []string
	for _, m := range seen {
		order = append(order, m.JSON["type"].(string))
	}
	assert.Equal(t, []string{"settings_applied", "function_call", "function_result"}, order)

	call := seen[1].JSON
	assert.Equal(t, "lookup_word", call["name"])
	assert.Equal(t, map[string]any{"word": "simmer"}, call["parameters"])
	result := seen[2].JSON
	assert.Equal(t, "lookup_word", result["name"])
	assert.Contains(t, string(mustJSON(result["result"])), "to cook gently")

	require.Eventually(t, func() bool {
		return len(vendor.textFrames("/v1/agent/converse", "FunctionCallResponse")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	resp := vendor.textFrames("/v1/agent/converse", "FunctionCallResponse")[0]
	assert.Equal(t, "f1", resp["id"])
	assert.Equal(t, "lookup_word", resp["name"])
	assert.Contains(t, resp["content"], "simmer")
}

func TestClientDisconnectClosesUpstream(t *testing.T) {
	vendor := newFakeVendor(t, nil)
	cfg := testConfig()
	cfg.Credentials.Deepgram = "dg-test"
	cfg.Endpoints.Deepgram = vendor.srv.URL
	obs := metrics.NewMemoryObserver()
	srv, url := startRelay(t, cfg, WithObserver(obs))

	conn := dialClient(t, url+"?mode=stt")
	require.Equal(t, "ready", readClient(t, conn).JSON["type"])
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("pcm")))
	require.Eventually(t, func() bool {
		vendor.mu.Lock()
		defer vendor.mu.Unlock()
		return len(vendor.frames) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), srv.Sessions().Count())

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool { return vendor.closed.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return srv.Sessions().Count() == 0 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return obs.Count(metrics.EventSessionEnd) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, obs.Count(metrics.EventSessionStart))
	assert.Equal(t, 1, obs.Count(metrics.EventUpstreamConnect))
}

func TestClientCloseEndsSessionNormally(t *testing.T) {
	vendor := newFakeVendor(t, func(conn *websocket.Conn, path string, mt int, data []byte) {
		if strings.Contains(string(data), `"CloseStream"`) {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		}
	})
	cfg := testConfig()
	cfg.Credentials.Deepgram = "dg-test"
	cfg.Endpoints.Deepgram = vendor.srv.URL
	_, url := startRelay(t, cfg)

	conn := dialClient(t, url+"?mode=stt")
	require.Equal(t, "ready", readClient(t, conn).JSON["type"])
	writeJSON(t, conn, map[string]string{"type": "close"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr), "expected close frame, got %v", err)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
	assert.Equal(t, 1, countOf(vendor.textTypes("/v1/listen"), "CloseStream"))
}

func TestUpstreamDialFailureReportsError(t *testing.T) {
	vendor := newFakeVendor(t, nil)
	cfg := testConfig()
	cfg.Credentials.Deepgram = "dg-test"
	cfg.Endpoints.Deepgram = vendor.srv.URL
	vendor.srv.Close()
	_, url := startRelay(t, cfg)

	conn := dialClient(t, url+"?mode=stt")
	msg := readClient(t, conn)
	assert.Equal(t, "error", msg.JSON["type"])
	assert.Equal(t, "upstream_connect_error", msg.JSON["error_code"])

	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.True(t, errors.As(err, &closeErr))
	assert.Equal(t, websocket.CloseInternalServerErr, closeErr.Code)
}

func novaResult(text string, final bool) []byte {
	return mustJSON(map[string]any{
		"type":     "Results",
		"is_final": final,
		"channel": map[string]any{
			"alternatives": []map[string]any{{"transcript": text, "confidence": 0.9}},
		},
	})
}

func TestPipelineCallsLLMOncePerFinalTurn(t *testing.T) {
	vendor := newFakeVendor(t, func(conn *websocket.Conn, path string, mt int, data []byte) {
		if path != "/v1/listen" || mt != websocket.BinaryMessage {
			return
		}
		switch string(data) {
		case "interim":
			_ = conn.WriteMessage(websocket.TextMessage, novaResult("I like to", false))
		case "final":
			_ = conn.WriteMessage(websocket.TextMessage, novaResult("I like to cook", true))
		}
	})
	completer := mock.NewCompleter("Great, what do you cook?")
	providers := DefaultProviderRegistry()
	providers.RegisterLLM("mock", func(ProviderConfig, BuildEnv) (llm.Completer, error) { return completer, nil })

	cfg := testConfig()
	cfg.Credentials.Deepgram = "dg-test"
	cfg.Endpoints.Deepgram = vendor.srv.URL
	_, url := startRelay(t, cfg, WithProviderRegistry(providers))

	conn := dialClient(t, url+"?mode=pipeline&llm_provider=mock")
	require.Equal(t, "ready", readClient(t, conn).JSON["type"])

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("interim")))
	interim := readUntil(t, conn, "transcript")
	assert.Equal(t, false, interim[len(interim)-1].JSON["is_final"])
	assert.Equal(t, 0, completer.Calls())

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("final")))
	final := readUntil(t, conn, "transcript")
	assert.Equal(t, true, final[len(final)-1].JSON["is_final"])

	reply := readUntil(t, conn, "llm_response")
	assert.Equal(t, "Great, what do you cook?", reply[len(reply)-1].JSON["text"])
	assert.Equal(t, 1, completer.Calls())
	req := completer.Requests()[0]
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "I like to cook", req.Messages[0].Content)

	require.Eventually(t, func() bool {
		return len(vendor.textFrames("/v1/speak", "Speak")) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "Great, what do you cook?", vendor.textFrames("/v1/speak", "Speak")[0]["text"])
}

func TestPipelineLLMFailureIsNotFatal(t *testing.T) {
	vendor := newFakeVendor(t, func(conn *websocket.Conn, path string, mt int, data []byte) {
		if path == "/v1/listen" && mt == websocket.BinaryMessage {
			_ = conn.WriteMessage(websocket.TextMessage, novaResult(string(data), true))
		}
	})
	completer := mock.NewCompleter()
	completer.FailWith(errors.New("model unavailable"))
	providers := DefaultProviderRegistry()
	providers.RegisterLLM("mock", func(ProviderConfig, BuildEnv) (llm.Completer, error) { return completer, nil })

	cfg := testConfig()
	cfg.Credentials.Deepgram = "dg-test"
	cfg.Endpoints.Deepgram = vendor.srv.URL
	_, url := startRelay(t, cfg, WithProviderRegistry(providers))

	conn := dialClient(t, url+"?mode=pipeline&llm_provider=mock")
	require.Equal(t, "ready", readClient(t, conn).JSON["type"])

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("hello there")))
	seen := readUntil(t, conn, "error")
	assert.Equal(t, "llm_error", seen[len(seen)-1].JSON["error_code"])

	// The session keeps streaming.
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("second turn")))
	seen = readUntil(t, conn, "transcript")
	assert.Equal(t, "second turn", seen[len(seen)-1].JSON["text"])
}

func TestDrainingRejectsNewSessions(t *testing.T) {
	cfg := testConfig()
	srv, url := startRelay(t, cfg)

	require.NoError(t, srv.Stop(context.Background()))

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	srv := NewServer(testConfig(), WithLogger(discardLogger()))
	rec := newRecorder()
	srv.ServeHTTP(rec, mustRequest(t, "/health"))
	assert.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(0), body["sessions"])

	require.NoError(t, srv.Stop(context.Background()))
	rec = newRecorder()
	srv.ServeHTTP(rec, mustRequest(t, "/health"))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	body = nil
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "draining", body["status"])
	assert.Equal(t, float64(0), body["sessions"])
}

func agentVendor(t *testing.T, onSettings string, replies map[string]string) *fakeVendor {
	t.Helper()
	return newFakeVendor(t, func(conn *websocket.Conn, path string, mt int, data []byte) {
		var env struct {
			Type string `json:"type"`
		}
		if mt != websocket.TextMessage || json.Unmarshal(data, &env) != nil {
			return
		}
		if env.Type == "Settings" {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"SettingsApplied"}`))
			_ = conn.WriteMessage(websocket.TextMessage, []byte(onSettings))
			return
		}
		if reply, ok := replies[env.Type]; ok {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(reply))
		}
	})
}

func TestEndConversationInjectsFarewellThenClosesNormally(t *testing.T) {
	vendor := agentVendor(t,
		`{"type":"FunctionCallRequest","functions":[{"id":"f2","name":"end_conversation","arguments":"{}","client_side":true}]}`,
		map[string]string{"InjectAgentMessage": `{"type":"AgentAudioDone"}`})
	cfg := testConfig()
	cfg.Credentials.Deepgram = "dg-test"
	cfg.Endpoints.DeepgramAgent = vendor.srv.URL
	// Long enough that only the audio done signal can end the wait in time.
	cfg.Session.CloseGraceMS = 10000
	srv, url := startRelay(t, cfg)

	conn := dialClient(t, url+"?mode=agent")
	require.Equal(t, "ready", readClient(t, conn).JSON["type"])

	seen := readUntil(t, conn, "function_result")
	assert.Equal(t, map[string]any{"status": "ending"}, seen[len(seen)-1].JSON["result"])

	requireCloseCode(t, readToClose(t, conn, 3*time.Second), websocket.CloseNormalClosure)

	assert.Equal(t, []string{"Settings", "FunctionCallResponse", "InjectAgentMessage"}, vendor.textTypes("/v1/agent/converse"))
	resp := vendor.textFrames("/v1/agent/converse", "FunctionCallResponse")[0]
	assert.Equal(t, "f2", resp["id"])
	inject := vendor.textFrames("/v1/agent/converse", "InjectAgentMessage")[0]
	assert.NotEmpty(t, inject["message"])
	require.Eventually(t, func() bool { return vendor.closed.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return srv.Sessions().Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestFailingFunctionsStillAnswerEachCall(t *testing.T) {
	registry := functions.NewDefaultRegistry(functions.NewStaticDictionary())
	require.NoError(t, registry.Register(functions.Definition{Name: "explode"}, func(context.Context, json.RawMessage) (functions.Outcome, error) {
		panic("boom")
	}))
	vendor := agentVendor(t,
		`{"type":"FunctionCallRequest","functions":[`+
			`{"id":"u1","name":"missing_tool","arguments":"{}","client_side":true},`+
			`{"id":"p1","name":"explode","arguments":"{}","client_side":true}]}`,
		nil)
	cfg := testConfig()
	cfg.Credentials.Deepgram = "dg-test"
	cfg.Endpoints.DeepgramAgent = vendor.srv.URL
	_, url := startRelay(t, cfg, WithFunctions(registry))

	conn := dialClient(t, url+"?mode=agent")
	require.Equal(t, "ready", readClient(t, conn).JSON["type"])

	var results []map[string]any
	for len(results) < 2 {
		seen := readUntil(t, conn, "function_result")
		results = append(results, seen[len(seen)-1].JSON)
	}
	assert.Equal(t, "missing_tool", results[0]["name"])
	assert.Contains(t, string(mustJSON(results[0]["result"])), "Function 'missing_tool' not found")
	assert.Equal(t, "explode", results[1]["name"])
	assert.Contains(t, string(mustJSON(results[1]["result"])), "panicked")

	require.Eventually(t, func() bool {
		return len(vendor.textFrames("/v1/agent/converse", "FunctionCallResponse")) == 2
	}, 2*time.Second, 10*time.Millisecond)
	responses := vendor.textFrames("/v1/agent/converse", "FunctionCallResponse")
	assert.Equal(t, "u1", responses[0]["id"])
	assert.Contains(t, responses[0]["content"], "not found")
	assert.Equal(t, "p1", responses[1]["id"])
	assert.Contains(t, responses[1]["content"], "error")

	// The session survives both failures.
	writeJSON(t, conn, map[string]string{"type": "inject_message", "message": "still there?"})
	require.Eventually(t, func() bool {
		return len(vendor.textFrames("/v1/agent/converse", "InjectUserMessage")) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSlowFunctionDoesNotStallTranscripts(t *testing.T) {
	registry := functions.NewDefaultRegistry(functions.NewStaticDictionary())
	require.NoError(t, registry.Register(functions.Definition{Name: "slow_lookup"}, func(ctx context.Context, _ json.RawMessage) (functions.Outcome, error) {
		select {
		case <-time.After(500 * time.Millisecond):
		case <-ctx.Done():
		}
		return functions.Outcome{Result: "done"}, nil
	}))
	vendor := newFakeVendor(t, func(conn *websocket.Conn, path string, mt int, data []byte) {
		if !strings.Contains(string(data), `"Settings"`) {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"FunctionCallRequest","functions":[{"id":"s1","name":"slow_lookup","arguments":"{}","client_side":true}]}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ConversationText","role":"user","content":"are you there"}`))
	})
	cfg := testConfig()
	cfg.Credentials.Deepgram = "dg-test"
	cfg.Endpoints.DeepgramAgent = vendor.srv.URL
	_, url := startRelay(t, cfg, WithFunctions(registry))

	conn := dialClient(t, url+"?mode=agent")
	require.Equal(t, "ready", readClient(t, conn).JSON["type"])

	var order []string
	for _, m := range readUntil(t, conn, "function_result") {
		order = append(order, m.JSON["type"].(string))
	}
	// The transcript arrives while the handler is still running.
	require.Len(t, order, 3)
	assert.ElementsMatch(t, []string{"function_call", "transcript"}, order[:2])
}

func TestVendorCloseEndsSessionNormally(t *testing.T) {
	vendor := newFakeVendor(t, func(conn *websocket.Conn, path string, mt int, data []byte) {
		if mt == websocket.BinaryMessage {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		}
	})
	cfg := testConfig()
	cfg.Credentials.Deepgram = "dg-test"
	cfg.Endpoints.Deepgram = vendor.srv.URL
	srv, url := startRelay(t, cfg)

	conn := dialClient(t, url+"?mode=stt")
	require.Equal(t, "ready", readClient(t, conn).JSON["type"])
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte("pcm")))

	requireCloseCode(t, readToClose(t, conn, 3*time.Second), websocket.CloseNormalClosure)
	require.Eventually(t, func() bool { return srv.Sessions().Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestElevenLabsStreamEndClosesSessionAfterFlushed(t *testing.T) {
	pcm := []byte{5, 6, 7, 8}
	vendor := newFakeVendor(t, func(conn *websocket.Conn, path string, mt int, data []byte) {
		if !strings.Contains(string(data), `"flush":true`) {
			return
		}
		payload := `{"audio":"` + base64.StdEncoding.EncodeToString(pcm) + `"}`
		_ = conn.WriteMessage(websocket.TextMessage, []byte(payload))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"isFinal":true}`))
	})
	cfg := testConfig()
	cfg.Credentials.ElevenLabs = "xi-test"
	cfg.Endpoints.ElevenLabs = vendor.srv.URL
	_, url := startRelay(t, cfg)

	conn := dialClient(t, url+"?mode=tts&tts_provider=elevenlabs")
	require.Equal(t, "ready", readClient(t, conn).JSON["type"])
	writeJSON(t, conn, map[string]string{"type": "text", "content": "Bye"})
	writeJSON(t, conn, map[string]string{"type": "flush"})

	seen := readUntil(t, conn, "flushed")
	require.Len(t, seen, 3)
	assert.Equal(t, pcm, seen[1].Data)
	requireCloseCode(t, readToClose(t, conn, 3*time.Second), websocket.CloseNormalClosure)
}

func TestStalledClientIsClosedAfterTeardown(t *testing.T) {
	chunk := make([]byte, 1<<20)
	vendor := newFakeVendor(t, func(conn *websocket.Conn, path string, mt int, data []byte) {
		if !strings.Contains(string(data), `"Speak"`) {
			return
		}
		for i := 0; i < 64; i++ {
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if conn.WriteMessage(websocket.BinaryMessage, chunk) != nil {
				return
			}
		}
	})
	cfg := testConfig()
	cfg.Credentials.Deepgram = "dg-test"
	cfg.Endpoints.Deepgram = vendor.srv.URL
	cfg.Session.WriteTimeoutMS = 200
	cfg.Session.ClientBuffer = 1
	srv, url := startRelay(t, cfg)

	conn := dialClient(t, url+"?mode=tts&tts_provider=deepgram")
	require.Equal(t, "ready", readClient(t, conn).JSON["type"])
	writeJSON(t, conn, map[string]string{"type": "text", "content": "Read me a long story"})

	// The client stops reading; the relay's writes time out.
	require.Eventually(t, func() bool { return srv.Sessions().Count() == 0 }, 10*time.Second, 20*time.Millisecond)

	err := readToClose(t, conn, 5*time.Second)
	var netErr net.Error
	if errors.As(err, &netErr) {
		require.False(t, netErr.Timeout(), "client socket was left open: %v", err)
	}
	require.Eventually(t, func() bool { return vendor.closed.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
}
