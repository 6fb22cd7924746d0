package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/harunnryd/voicerelay/pkg/adapters"
	"github.com/harunnryd/voicerelay/pkg/aggregators"
	"github.com/harunnryd/voicerelay/pkg/audio"
	"github.com/harunnryd/voicerelay/pkg/errorsx"
	"github.com/harunnryd/voicerelay/pkg/events"
	"github.com/harunnryd/voicerelay/pkg/functions"
	"github.com/harunnryd/voicerelay/pkg/llm"
	"github.com/harunnryd/voicerelay/pkg/metrics"
	"github.com/harunnryd/voicerelay/pkg/redact"
	"github.com/harunnryd/voicerelay/pkg/turn"
)

const (
	defaultWriteWait = 5 * time.Second
	closeControlWait = time.Second
)

type sessionState int32

const (
	stateHandshaking sessionState = iota
	stateStreaming
	stateDraining
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateHandshaking:
		return "handshaking"
	case stateStreaming:
		return "streaming"
	case stateDraining:
		return "draining"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type clientOut struct {
	Type int
	Data []byte
}

// Session relays one browser connection to its upstream legs. The config is
// fixed for the whole life of the session.
type Session struct {
	id       string
	cfg      ProviderConfig
	settings SessionConfig

	client  *websocket.Conn
	reader  *clientReader
	pending []clientFrame

	legs      []*leg
	audioLeg  *leg
	speechLeg *leg

	writeWait time.Duration

	framer   *audio.Framer
	tracker  *turn.Tracker
	bridge   *functions.Bridge
	calls    chan functionCall
	llm      llm.Completer
	history  *llm.History
	turns    chan turn.Turn
	maxTok   int

	chunker    *aggregators.TextAggregator
	normalizer *aggregators.SpeechNormalizer

	redactor redact.Redactor
	recorder metrics.Recorder
	logger   *slog.Logger

	out    chan clientOut
	urgent chan clientOut

	state       atomic.Int32
	shouldClose atomic.Bool
	audioDone   chan struct{}

	failMu  sync.Mutex
	failure error

	upstreamsClosed chan struct{}
}

type sessionParams struct {
	id       string
	cfg      ProviderConfig
	settings SessionConfig
	client   *websocket.Conn
	reader   *clientReader
	pending  []clientFrame
	legs     []*leg
	bridge   *functions.Bridge
	llm      llm.Completer
	maxTok   int
	redactor redact.Redactor
	observer metrics.Observer
	logger   *slog.Logger
}

func newSession(p sessionParams) *Session {
	s := &Session{
		id:              p.id,
		cfg:             p.cfg,
		settings:        p.settings,
		client:          p.client,
		reader:          p.reader,
		pending:         p.pending,
		legs:            p.legs,
		framer:          audio.NewFramer(p.cfg.SampleRateOut),
		bridge:          p.bridge,
		llm:             p.llm,
		maxTok:          p.maxTok,
		redactor:        p.redactor,
		logger:          p.logger,
		out:             make(chan clientOut, max(p.settings.ClientBuffer, 1)),
		urgent:          make(chan clientOut, 16),
		audioDone:       make(chan struct{}, 1),
		upstreamsClosed: make(chan struct{}),
		writeWait:       defaultWriteWait,
	}
	if p.settings.WriteTimeoutMS > 0 {
		s.writeWait = time.Duration(p.settings.WriteTimeoutMS) * time.Millisecond
	}
	s.recorder = metrics.NewRecorder(p.observer, map[string]string{
		"session_id": p.id,
		"mode":       string(p.cfg.Mode),
	})

	switch p.cfg.Mode {
	case ModeSTT:
		s.audioLeg = p.legs[0]
	case ModeAgent:
		s.audioLeg = p.legs[0]
		s.calls = make(chan functionCall, 16)
	case ModeTTS:
		s.speechLeg = p.legs[0]
	case ModePipeline:
		s.audioLeg = p.legs[0]
		s.speechLeg = p.legs[1]
		s.tracker = turn.NewTracker()
		s.history = llm.NewHistory(p.settings.HistoryTurns)
		s.turns = make(chan turn.Turn, max(p.settings.TurnQueue, 1))
		s.chunker = aggregators.NewTextAggregator(aggregators.Config{})
		s.normalizer = aggregators.NewSpeechNormalizer(nil)
	}
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) Config() ProviderConfig { return s.cfg }

func (s *Session) State() string { return sessionState(s.state.Load()).String() }

// Run streams until any goroutine finishes, then tears everything down. It
// returns only after every goroutine has exited. A nil error means the
// session ended normally.
func (s *Session) Run(parent context.Context) error {
	started := time.Now()
	s.state.Store(int32(stateStreaming))
	s.recorder.Record(metrics.EventSessionStart, 1, nil)
	s.logger.Info("session_started")

	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	run := func(name string, fn func(context.Context) error) {
		g.Go(func() error {
			defer cancel()
			err := fn(gctx)
			if err != nil {
				s.noteExit(name, err)
			}
			return err
		})
	}

	run("client_writer", s.writeClient)
	run("client_to_upstream", s.clientToUpstream)
	for _, l := range s.legs {
		run("upstream_reader:"+l.name, l.readLoop(s))
		run("upstream_writer:"+l.name, l.writeLoop(s))
	}
	if s.cfg.Mode == ModePipeline {
		run("turn_worker", s.turnWorker)
	}
	if s.calls != nil {
		run("function_worker", s.functionWorker)
	}
	g.Go(func() error {
		<-gctx.Done()
		s.state.Store(int32(stateDraining))
		for _, l := range s.legs {
			l.closeNow()
		}
		close(s.upstreamsClosed)
		_ = s.client.SetReadDeadline(time.Now())
		return nil
	})

	_ = g.Wait()
	s.reader.shutdown()
	// The client writer closes the socket on a normal finish; a failed
	// write leaves it to this point, after every upstream is closed.
	_ = s.client.Close()
	s.state.Store(int32(stateClosed))

	err := s.Failure()
	fields := map[string]any{"duration_ms": time.Since(started).Milliseconds()}
	if err != nil {
		fields["reason"] = string(errorsx.Reason(err))
	}
	s.recorder.Record(metrics.EventSessionEnd, 1, fields)
	if err != nil {
		s.logger.Warn("session_ended", slog.String("reason", string(errorsx.Reason(err))), slog.String("error", err.Error()))
	} else {
		s.logger.Info("session_ended")
	}
	return err
}

// noteExit keeps the first unexpected error. Client disconnects and
// upstream closes end the session normally.
func (s *Session) noteExit(name string, err error) {
	if errorsx.Expected(err) || errors.Is(err, context.Canceled) {
		s.logger.Info("session_goroutine_finished", slog.String("goroutine", name), slog.String("reason", string(errorsx.Reason(err))))
		return
	}
	s.fail(err)
}

func (s *Session) fail(err error) {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	if s.failure == nil {
		s.failure = err
	}
}

// Failure returns the error that ended the session, if any.
func (s *Session) Failure() error {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	return s.failure
}

func (s *Session) emit(ctx context.Context, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("client_encode_failed", slog.String("error", err.Error()))
		return
	}
	s.push(ctx, s.out, clientOut{Type: websocket.TextMessage, Data: b})
}

func (s *Session) emitBinary(ctx context.Context, data []byte) {
	s.push(ctx, s.out, clientOut{Type: websocket.BinaryMessage, Data: data})
}

// emitError reports a non-fatal error. Error frames jump the queue.
func (s *Session) emitError(ctx context.Context, reason errorsx.ReasonCode, message string) {
	b, _ := json.Marshal(errorMessage{Type: msgError, Message: message, ErrorCode: string(reason)})
	s.push(ctx, s.urgent, clientOut{Type: websocket.TextMessage, Data: b})
}

func (s *Session) push(ctx context.Context, ch chan clientOut, m clientOut) {
	select {
	case ch <- m:
	case <-ctx.Done():
	}
}

// writeClient is the only writer of the browser socket. Once the session
// is cancelled it flushes what is queued, reports a fatal error if there
// was one and closes the socket after the upstreams.
func (s *Session) writeClient(ctx context.Context) error {
	for {
		select {
		case m := <-s.urgent:
			if err := s.writeFrame(m); err != nil {
				return err
			}
			continue
		default:
		}
		select {
		case <-ctx.Done():
			s.finishClient()
			return nil
		case m := <-s.urgent:
			if err := s.writeFrame(m); err != nil {
				return err
			}
		case m := <-s.out:
			if err := s.writeFrame(m); err != nil {
				return err
			}
		}
	}
}

func (s *Session) writeFrame(m clientOut) error {
	_ = s.client.SetWriteDeadline(time.Now().Add(s.writeWait))
	if err := s.client.WriteMessage(m.Type, m.Data); err != nil {
		return errorsx.Wrap(err, errorsx.ReasonClientDisconnect)
	}
	return nil
}

func (s *Session) finishClient() {
	healthy := true
	drain := func(ch chan clientOut) {
		for healthy {
			select {
			case m := <-ch:
				healthy = s.writeFrame(m) == nil
			default:
				return
			}
		}
	}
	drain(s.urgent)
	drain(s.out)

	// Every goroutine but this one has been cancelled; wait until the
	// upstreams are closed so the browser socket goes last.
	<-s.upstreamsClosed

	code := websocket.CloseNormalClosure
	if err := s.Failure(); err != nil {
		code = websocket.CloseInternalServerErr
		if healthy {
			b, _ := json.Marshal(errorMessage{Type: msgError, Message: err.Error(), ErrorCode: string(errorsx.Reason(err))})
			healthy = s.writeFrame(clientOut{Type: websocket.TextMessage, Data: b}) == nil
		}
	}
	if healthy {
		_ = s.client.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), time.Now().Add(closeControlWait))
	}
	_ = s.client.Close()
}

// leg is one upstream vendor connection.
type leg struct {
	name       string
	adapter    adapters.Adapter
	conn       *websocket.Conn
	queue      chan legItem
	readerDone chan struct{}
	closeOnce  sync.Once
	logger     *slog.Logger
}

// legItem is raw client audio or a canonical command, kept in one queue so
// their order survives.
type legItem struct {
	audio []byte
	cmd   *events.Command
}

func newLeg(a adapters.Adapter, conn *websocket.Conn, queue int, logger *slog.Logger) *leg {
	return &leg{
		name:       a.Dialect().String(),
		adapter:    a,
		conn:       conn,
		queue:      make(chan legItem, max(queue, 1)),
		readerDone: make(chan struct{}),
		logger:     logger.With(slog.String("dialect", a.Dialect().String())),
	}
}

// closeNow sends a best effort close control frame and closes the socket.
// Errors are swallowed.
func (l *leg) closeNow() {
	l.closeOnce.Do(func() {
		_ = l.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(closeControlWait))
		_ = l.conn.Close()
	})
}
