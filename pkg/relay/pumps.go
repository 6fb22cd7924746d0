package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/harunnryd/voicerelay/pkg/adapters"
	"github.com/harunnryd/voicerelay/pkg/errorsx"
	"github.com/harunnryd/voicerelay/pkg/events"
	"github.com/harunnryd/voicerelay/pkg/llm"
	"github.com/harunnryd/voicerelay/pkg/metrics"
	"github.com/harunnryd/voicerelay/pkg/turn"
)

// clientToUpstream replays the frame kept from the handshake and then
// routes browser frames until the client goes away.
func (s *Session) clientToUpstream(ctx context.Context) error {
	pending := s.pending
	s.pending = nil
	for _, f := range pending {
		if err := s.handleClientFrame(ctx, f); err != nil {
			return err
		}
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-s.reader.ch:
			if err := s.handleClientFrame(ctx, f); err != nil {
				return err
			}
		}
	}
}

func (s *Session) handleClientFrame(ctx context.Context, f clientFrame) error {
	if f.Err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return errorsx.Wrap(f.Err, errorsx.ReasonClientDisconnect)
	}
	if s.shouldClose.Load() {
		return nil
	}
	switch f.Type {
	case websocket.BinaryMessage:
		if s.audioLeg == nil {
			s.logger.Debug("client_audio_ignored", slog.Int("bytes", len(f.Data)))
			return nil
		}
		s.audioLeg.send(ctx, legItem{audio: f.Data})
	case websocket.TextMessage:
		s.handleControl(ctx, f.Data)
	}
	return nil
}

func (s *Session) handleControl(ctx context.Context, data []byte) {
	var ctl clientControl
	if err := json.Unmarshal(data, &ctl); err != nil {
		s.emitError(ctx, errorsx.ReasonProtocol, "invalid control message")
		return
	}
	switch ctl.Type {
	case msgText:
		if s.speechLeg == nil {
			s.emitError(ctx, errorsx.ReasonProtocol, fmt.Sprintf("text is not accepted in %s mode", s.cfg.Mode))
			return
		}
		if strings.TrimSpace(ctl.Content) == "" {
			return
		}
		s.speechLeg.command(ctx, events.Speak(ctl.Content))
	case msgFlush:
		for _, l := range s.legs {
			l.command(ctx, events.Flush())
		}
	case msgClose:
		s.requestClose(ctx)
	case msgInjectMessage:
		msg := strings.TrimSpace(ctl.Message)
		if msg == "" {
			return
		}
		switch s.cfg.Mode {
		case ModeAgent:
			s.audioLeg.command(ctx, events.Inject(events.RoleUser, msg))
		case ModePipeline:
			s.enqueueTurn(ctx, turn.Turn{Text: msg})
		default:
			s.emitError(ctx, errorsx.ReasonProtocol, fmt.Sprintf("inject_message is not accepted in %s mode", s.cfg.Mode))
		}
	case msgParams:
		s.logger.Warn("late_params_ignored")
	case msgKeepAlive:
		for _, l := range s.legs {
			l.command(ctx, events.KeepAlive())
		}
	default:
		s.logger.Debug("client_message_unknown", slog.String("type", ctl.Type))
	}
}

// requestClose asks every upstream to finish. Later client frames are
// dropped.
func (s *Session) requestClose(ctx context.Context) {
	if !s.shouldClose.CompareAndSwap(false, true) {
		return
	}
	s.logger.Info("session_close_requested")
	for _, l := range s.legs {
		l.command(ctx, events.Close())
	}
}

func (s *Session) handleEvent(ctx context.Context, l *leg, ev events.Event) error {
	switch e := ev.(type) {
	case events.Transcript:
		s.onTranscript(ctx, e)
	case events.AudioChunk:
		for _, b := range s.framer.Frame(e.Data) {
			s.emitBinary(ctx, b)
		}
		s.recorder.Record(metrics.EventAudioForwarded, float64(len(e.Data)), nil)
	case events.LLMText:
		s.emit(ctx, textMessage{Type: msgLLMResponse, Text: e.Text})
	case events.FunctionCallRequest:
		s.queueFunctionCall(ctx, l, e)
	case events.Lifecycle:
		if e.Marker == events.MarkerAgentAudioDone {
			select {
			case s.audioDone <- struct{}{}:
			default:
			}
		}
		s.emit(ctx, markerMessage{Type: string(e.Marker)})
	case events.Error:
		code := errorsx.ReasonProtocol
		if e.Code != "" {
			code = errorsx.ReasonCode(e.Code)
		}
		s.logger.Warn("upstream_error", slog.String("code", e.Code), slog.String("message", e.Message))
		s.emitError(ctx, code, e.Message)
	case events.Closed:
		return errorsx.New(errorsx.ReasonUpstreamClosed, "%s closed: %s", l.name, e.Reason)
	}
	return nil
}

func (s *Session) onTranscript(ctx context.Context, tr events.Transcript) {
	s.emit(ctx, transcriptMessage{Type: msgTranscript, Text: tr.Text, IsFinal: tr.IsFinal, Confidence: tr.Confidence})
	if tr.IsFinal {
		s.logger.Info("transcript_final", s.redactor.Attr("text", tr.Text))
	}
	if s.tracker == nil {
		return
	}
	t, ok := s.tracker.Observe(tr)
	if !ok {
		return
	}
	s.recorder.Record(metrics.EventTurnFinal, 1, nil)
	s.enqueueTurn(ctx, t)
}

// enqueueTurn never blocks the upstream reader. A full queue rejects the
// new turn.
func (s *Session) enqueueTurn(ctx context.Context, t turn.Turn) {
	select {
	case s.turns <- t:
	default:
		s.logger.Warn("turn_dropped", s.redactor.Attr("text", t.Text))
		s.emitError(ctx, errorsx.ReasonTurnDropped, "turn dropped while the assistant is still responding")
	}
}

// functionCall is a vendor request waiting for the function worker.
type functionCall struct {
	leg *leg
	req events.FunctionCallRequest
}

// queueFunctionCall hands the request to the function worker so a slow
// handler never stalls the leg reader.
func (s *Session) queueFunctionCall(ctx context.Context, l *leg, req events.FunctionCallRequest) {
	if s.calls == nil {
		s.logger.Warn("function_call_unexpected", slog.String("dialect", l.name), slog.String("name", req.Name))
		return
	}
	select {
	case s.calls <- functionCall{leg: l, req: req}:
	case <-ctx.Done():
	}
}

// functionWorker runs calls one at a time, so responses reach the vendor
// in request order.
func (s *Session) functionWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case c := <-s.calls:
			s.onFunctionCall(ctx, c.leg, c.req)
		}
	}
}

func (s *Session) onFunctionCall(ctx context.Context, l *leg, req events.FunctionCallRequest) {
	s.emit(ctx, functionCallMessage{Type: msgFunctionCall, Name: req.Name, Parameters: rawOrString(req.ArgsJSON)})

	started := time.Now()
	res := s.bridge.Execute(ctx, req)
	fields := map[string]any{"name": req.Name}
	if res.Error != "" {
		fields["error"] = res.Error
	}
	s.recorder.Since(metrics.EventFunctionCall, started, fields)

	l.command(ctx, events.FunctionResponse(res.ID, res.Name, res.ResultJSON))
	s.emit(ctx, functionResultMessage{Type: msgFunctionResult, Name: req.Name, Result: rawOrString(res.ResultJSON)})

	if res.InjectMessage != "" {
		l.command(ctx, events.Inject(events.RoleAssistant, res.InjectMessage))
	}
	if res.CloseSession {
		s.requestClose(ctx)
	}
}

// turnWorker answers finalized turns one at a time.
func (s *Session) turnWorker(ctx context.Context) error {
	if greeting := strings.TrimSpace(s.cfg.Greeting); greeting != "" {
		s.history.Append(llm.RoleAssistant, greeting)
		s.emit(ctx, textMessage{Type: msgLLMResponse, Text: greeting})
		s.speak(ctx, greeting)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-s.turns:
			s.respond(ctx, t)
		}
	}
}

func (s *Session) respond(ctx context.Context, t turn.Turn) {
	s.history.Append(llm.RoleUser, t.Text)
	started := time.Now()
	reply, err := s.llm.Complete(ctx, llm.Request{
		System:    s.cfg.SystemPrompt,
		Messages:  s.history.Window(),
		MaxTokens: s.maxTok,
	})
	fields := map[string]any{"provider": s.llm.Name()}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		fields["error"] = err.Error()
		s.recorder.Since(metrics.EventLLMCall, started, fields)
		s.logger.Warn("llm_call_failed", slog.String("error", err.Error()))
		s.emitError(ctx, errorsx.ReasonLLM, err.Error())
		return
	}
	s.recorder.Since(metrics.EventLLMCall, started, fields)

	reply = strings.TrimSpace(reply)
	if reply == "" {
		return
	}
	s.history.Append(llm.RoleAssistant, reply)
	s.emit(ctx, textMessage{Type: msgLLMResponse, Text: reply})
	s.speak(ctx, reply)
}

// speak sends the reply sentence by sentence so synthesis starts early,
// then flushes once.
func (s *Session) speak(ctx context.Context, text string) {
	if s.shouldClose.Load() {
		return
	}
	chunks := s.chunker.Split(s.normalizer.Normalize(text))
	if len(chunks) == 0 {
		return
	}
	for _, chunk := range chunks {
		s.speechLeg.command(ctx, events.Speak(chunk))
	}
	s.speechLeg.command(ctx, events.Flush())
}

func (l *leg) send(ctx context.Context, item legItem) {
	select {
	case l.queue <- item:
	case <-ctx.Done():
	}
}

func (l *leg) command(ctx context.Context, cmd events.Command) {
	l.send(ctx, legItem{cmd: &cmd})
}

// readLoop translates vendor frames into events until the socket closes.
func (l *leg) readLoop(s *Session) func(context.Context) error {
	return func(ctx context.Context) error {
		defer close(l.readerDone)
		for {
			mt, data, err := l.conn.ReadMessage()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return errorsx.Wrap(err, errorsx.ReasonUpstreamClosed)
				}
				return errorsx.Wrap(fmt.Errorf("%s connection lost: %w", l.name, err), errorsx.ReasonProtocol)
			}
			for _, ev := range l.adapter.ToCanonical(mt, data) {
				if err := s.handleEvent(ctx, l, ev); err != nil {
					return err
				}
			}
		}
	}
}

// writeLoop is the only writer of the upstream socket: handshake frames
// first, then queued audio and commands plus the keepalive.
func (l *leg) writeLoop(s *Session) func(context.Context) error {
	return func(ctx context.Context) error {
		handshake, err := l.adapter.Handshake()
		if err != nil {
			return errorsx.Wrap(err, errorsx.ReasonConfiguration)
		}
		for _, f := range handshake {
			if err := l.write(f); err != nil {
				return l.writeErr(ctx, err)
			}
		}

		var tick <-chan time.Time
		keepalive, hasKeepAlive := l.adapter.FromCanonical(events.KeepAlive())
		if hasKeepAlive && s.settings.KeepAliveMS > 0 {
			ticker := time.NewTicker(ms(s.settings.KeepAliveMS))
			defer ticker.Stop()
			tick = ticker.C
		}

		// injected is set once an inject has gone out; audio done signals
		// seen before it belong to earlier speech.
		injected := false
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-tick:
				if s.shouldClose.Load() {
					continue
				}
				if err := l.write(keepalive); err != nil {
					return l.writeErr(ctx, err)
				}
			case item := <-l.queue:
				if item.cmd != nil && item.cmd.Kind == events.CommandClose {
					return l.finish(ctx, s, injected)
				}
				frame, ok := l.encode(item)
				if !ok {
					continue
				}
				if item.cmd != nil && item.cmd.Kind == events.CommandInject {
					s.drainAudioDone()
					injected = true
				}
				if err := l.write(frame); err != nil {
					return l.writeErr(ctx, err)
				}
			}
		}
	}
}

func (l *leg) encode(item legItem) (adapters.Frame, bool) {
	if item.cmd == nil {
		return adapters.Frame{Type: websocket.BinaryMessage, Data: item.audio}, true
	}
	frame, ok := l.adapter.FromCanonical(*item.cmd)
	if !ok {
		l.logger.Debug("upstream_command_unsupported", slog.String("command", string(item.cmd.Kind)))
	}
	return frame, ok
}

// finish sends the vendor close and waits a bounded time for the vendor to
// flush and hang up. Dialects without a close message get the same grace
// so pending agent speech can play out; the wait ends early on the first
// audio done signal after the last inject.
func (l *leg) finish(ctx context.Context, s *Session, injected bool) error {
	frame, ok := l.adapter.FromCanonical(events.Close())
	var audioDone <-chan struct{}
	if ok {
		if err := l.write(frame); err != nil {
			return l.writeErr(ctx, err)
		}
	} else {
		if !injected {
			s.drainAudioDone()
		}
		audioDone = s.audioDone
	}

	grace := ms(s.settings.CloseGraceMS)
	if grace <= 0 {
		grace = 2 * time.Second
	}
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-l.readerDone:
	case <-audioDone:
	case <-timer.C:
		l.logger.Info("upstream_close_grace_expired")
	case <-ctx.Done():
	}
	return nil
}

func (s *Session) drainAudioDone() {
	select {
	case <-s.audioDone:
	default:
	}
}

func (l *leg) write(f adapters.Frame) error {
	_ = l.conn.SetWriteDeadline(time.Now().Add(defaultWriteWait))
	return l.conn.WriteMessage(f.Type, f.Data)
}

func (l *leg) writeErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	select {
	case <-l.readerDone:
		// The reader already reported why the socket went away.
		return nil
	default:
	}
	return errorsx.Wrap(fmt.Errorf("%s write failed: %w", l.name, err), errorsx.ReasonProtocol)
}
