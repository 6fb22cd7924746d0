package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/harunnryd/voicerelay/pkg/configutil"
	"github.com/harunnryd/voicerelay/pkg/errorsx"
	"github.com/harunnryd/voicerelay/pkg/functions"
	"github.com/harunnryd/voicerelay/pkg/llm"
	"github.com/harunnryd/voicerelay/pkg/logging"
	"github.com/harunnryd/voicerelay/pkg/metrics"
	"github.com/harunnryd/voicerelay/pkg/redact"
	"github.com/harunnryd/voicerelay/pkg/resilience"
	"github.com/harunnryd/voicerelay/pkg/upstream"
)

// Server accepts browser sessions on the WebSocket path and serves /health.
type Server struct {
	cfg       Config
	providers *ProviderRegistry
	functions *functions.Registry
	bridge    *functions.Bridge
	breaker   *resilience.CircuitBreaker
	observer  metrics.Observer
	logger    *slog.Logger
	redactor  redact.Redactor
	dialer    upstream.Dialer
	upgrader  websocket.Upgrader
	sessions  *SessionRegistry
	mux       *http.ServeMux

	mu       sync.Mutex
	http     *http.Server
	listener net.Listener
	baseCtx  context.Context
}

type Option func(*Server)

func WithProviderRegistry(r *ProviderRegistry) Option {
	return func(s *Server) { s.providers = r }
}

// WithFunctions replaces the built-in function registry.
func WithFunctions(r *functions.Registry) Option {
	return func(s *Server) { s.functions = r }
}

func WithObserver(obs metrics.Observer) Option {
	return func(s *Server) { s.observer = obs }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

func WithCircuitBreaker(cb *resilience.CircuitBreaker) Option {
	return func(s *Server) { s.breaker = cb }
}

func NewServer(cfg Config, opts ...Option) *Server {
	s := &Server{
		cfg:      cfg,
		sessions: NewSessionRegistry(),
		baseCtx:  context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.NewComponentLogger(s.logger, "relay")
	if s.providers == nil {
		s.providers = DefaultProviderRegistry()
	}
	if s.functions == nil {
		s.functions = functions.NewDefaultRegistry(dictionaryFrom(cfg.Functions.Dictionary))
	}
	if s.observer == nil {
		s.observer = metrics.NoopObserver{}
	}
	if s.breaker == nil {
		s.breaker = resilience.NewCircuitBreaker(cfg.LLM.BreakerThreshold, time.Duration(cfg.LLM.BreakerCooldownS)*time.Second)
	}
	s.bridge = functions.NewBridge(s.functions, ms(cfg.Functions.TimeoutMS), s.logger)
	s.redactor = redact.New(cfg.Privacy.RedactPII, cfg.Privacy.MaxLogChars)
	s.dialer = upstream.Dialer{
		ConnectTimeout: cfg.Server.connectTimeout(),
		Retry:          resilience.NewRetryPolicy(cfg.Server.ConnectRetries, 200*time.Millisecond),
		Logger:         s.logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	s.upgrader.CheckOrigin = s.checkOrigin

	s.mux = http.NewServeMux()
	s.mux.HandleFunc(cfg.Server.WSPath, s.handleWebSocket)
	s.mux.HandleFunc("/health", s.handleHealth)
	return s
}

func dictionaryFrom(words map[string]string) functions.Dictionary {
	dict := functions.NewStaticDictionary()
	for word, definition := range words {
		dict.Add(functions.Entry{Word: word, Definition: definition})
	}
	return dict
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) Sessions() *SessionRegistry { return s.sessions }

// Start listens on the configured address and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ln, err := net.Listen("tcp", s.cfg.Server.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.mu.Lock()
	s.http = srv
	s.listener = ln
	s.baseCtx = ctx
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("relay_server_error", slog.String("error", err.Error()))
		}
	}()
	s.logger.Info("relay_server_started", slog.String("addr", ln.Addr().String()), slog.String("ws_path", s.cfg.Server.WSPath))
	return nil
}

// Addr is the bound listen address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.cfg.Server.Addr
	}
	return s.listener.Addr().String()
}

// Stop refuses new sessions, cancels the live ones and waits a bounded
// time for them to finish.
func (s *Server) Stop(ctx context.Context) error {
	s.sessions.SetDraining(true)
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, time.Second)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}
	s.sessions.CancelAll()

	timeout := s.cfg.Server.drainTimeout()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if !s.sessions.WaitForEmpty(waitCtx, 0) {
		s.logger.Warn("relay_drain_timeout", slog.Int64("sessions", s.sessions.Count()))
		return errors.New("drain timeout")
	}
	s.logger.Info("relay_server_stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status, code := "ok", http.StatusOK
	if s.sessions.Draining() {
		status, code = "draining", http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{"status": status, "sessions": s.sessions.Count()})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.sessions.Draining() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	if s.cfg.Server.ReadLimitBytes > 0 {
		conn.SetReadLimit(s.cfg.Server.ReadLimitBytes)
	}

	id := uuid.NewString()
	logger := s.logger.With(slog.String("session_id", id))
	reader := startClientReader(conn, s.cfg.Session.ClientBuffer)

	params, pending, err := awaitParams(reader, s.cfg.Server.paramsTimeout())
	if err != nil {
		logger.Info("client_left_during_handshake")
		_ = conn.Close()
		reader.shutdown()
		return
	}

	cfg, unknown, err := buildProviderConfig(s.cfg.Defaults, configutil.QueryToMap(r.URL.Query()), params)
	if len(unknown) > 0 {
		logger.Warn("unknown_session_params", slog.String("keys", strings.Join(unknown, ",")))
	}
	if err == nil {
		err = cfg.validateCredentials(s.cfg.Credentials)
	}
	if err != nil {
		logger.Warn("session_rejected", slog.String("error", err.Error()))
		s.reject(conn, reader, err, websocket.ClosePolicyViolation)
		return
	}
	logger = logger.With(slog.String("mode", string(cfg.Mode)))

	var completer llm.Completer
	if cfg.Mode == ModePipeline {
		inner, err := s.providers.BuildLLM(cfg, s.buildEnv(logger))
		if err != nil {
			s.reject(conn, reader, errorsx.Wrap(err, errorsx.ReasonConfiguration), websocket.ClosePolicyViolation)
			return
		}
		completer = llm.NewGuardedCompleter(inner, s.breaker, ms(s.cfg.LLM.TimeoutMS))
	}

	recorder := metrics.NewRecorder(s.observer, map[string]string{"session_id": id, "mode": string(cfg.Mode)})
	legs, err := s.dialLegs(r.Context(), cfg, logger, recorder)
	if err != nil {
		logger.Warn("upstream_connect_failed", slog.String("error", err.Error()))
		s.reject(conn, reader, errorsx.Wrap(err, errorsx.ReasonUpstreamConnect), websocket.CloseInternalServerErr)
		return
	}

	sess := newSession(sessionParams{
		id:       id,
		cfg:      cfg,
		settings: s.cfg.Session,
		client:   conn,
		reader:   reader,
		pending:  pending,
		legs:     legs,
		bridge:   s.bridge,
		llm:      completer,
		maxTok:   s.cfg.LLM.MaxTokens,
		redactor: s.redactor,
		observer: s.observer,
		logger:   logger,
	})

	s.mu.Lock()
	base := s.baseCtx
	s.mu.Unlock()
	ctx, cancel := context.WithCancel(base)
	defer cancel()
	if !s.sessions.Add(sess, cancel) {
		closeLegs(legs)
		s.reject(conn, reader, errorsx.New(errorsx.ReasonUnknown, "server is shutting down"), websocket.CloseGoingAway)
		return
	}
	defer s.sessions.Remove(id)

	ready, _ := json.Marshal(readyMessage{Type: msgReady, SessionID: id, ProviderConfig: cfg})
	_ = conn.SetWriteDeadline(time.Now().Add(defaultWriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, ready); err != nil {
		closeLegs(legs)
		_ = conn.Close()
		reader.shutdown()
		return
	}
	_ = sess.Run(ctx)
}

func (s *Server) buildEnv(logger *slog.Logger) BuildEnv {
	return BuildEnv{
		Credentials: s.cfg.Credentials,
		Endpoints:   s.cfg.Endpoints,
		LLM:         s.cfg.LLM,
		Functions:   s.functions.Definitions(),
		Logger:      logger,
	}
}

// dialLegs opens every upstream the mode needs. On failure the ones
// already open are closed.
func (s *Server) dialLegs(ctx context.Context, cfg ProviderConfig, logger *slog.Logger, rec metrics.Recorder) ([]*leg, error) {
	dialects, err := legDialects(cfg)
	if err != nil {
		return nil, errorsx.Wrap(err, errorsx.ReasonConfiguration)
	}
	env := s.buildEnv(logger)
	dialer := s.dialer
	dialer.Logger = logger

	var legs []*leg
	for _, d := range dialects {
		a, err := s.providers.BuildAdapter(d, cfg, env)
		if err != nil {
			closeLegs(legs)
			return nil, errorsx.Wrap(err, errorsx.ReasonConfiguration)
		}
		started := time.Now()
		conn, err := dialer.Dial(ctx, a)
		fields := map[string]any{"dialect": d.String()}
		if err != nil {
			fields["error"] = err.Error()
		}
		rec.Since(metrics.EventUpstreamConnect, started, fields)
		if err != nil {
			closeLegs(legs)
			return nil, err
		}
		legs = append(legs, newLeg(a, conn, s.cfg.Session.UpstreamQueue, logger))
	}
	return legs, nil
}

func closeLegs(legs []*leg) {
	for _, l := range legs {
		l.closeNow()
	}
}

// reject sends one error frame and closes the browser socket. No session
// goroutines are running yet.
func (s *Server) reject(conn *websocket.Conn, reader *clientReader, err error, code int) {
	msg, _ := json.Marshal(errorMessage{
		Type:      msgError,
		Message:   err.Error(),
		ErrorCode: string(errorsx.Reason(err)),
	})
	_ = conn.SetWriteDeadline(time.Now().Add(defaultWriteWait))
	if conn.WriteMessage(websocket.TextMessage, msg) == nil {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""), time.Now().Add(closeControlWait))
	}
	_ = conn.Close()
	reader.shutdown()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if s.cfg.Server.AllowAnyOrigin {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range s.cfg.Server.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}
