package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"

	"github.com/ent0n29/voicerelay/internal/config"
	"github.com/ent0n29/voicerelay/internal/observability"
	"github.com/ent0n29/voicerelay/internal/protocol"
	"github.com/ent0n29/voicerelay/internal/relay"
	"github.com/ent0n29/voicerelay/internal/session"
	"github.com/ent0n29/voicerelay/internal/upstream"
)

type Server struct {
	cfg      config.Config
	registry *session.Registry
	machine  *relay.Machine
	metrics  *observability.Metrics
	logger   *slog.Logger
	upgrader websocket.Upgrader
	defaults upstream.SessionConfig
	started  time.Time
}

func New(cfg config.Config, registry *session.Registry, machine *relay.Machine, metrics *observability.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAudioBytes <= 0 {
		cfg.MaxAudioBytes = 1 << 20
	}
	return &Server{
		cfg:      cfg,
		registry: registry,
		machine:  machine,
		metrics:  metrics,
		logger:   logger,
		started:  time.Now(),
		defaults: upstream.SessionConfig{
			Instructions:  cfg.DefaultInstructions,
			Voice:         cfg.DefaultVoice,
			TurnDetection: upstream.ParseTurnDetection(cfg.DefaultTurnDetection, upstream.TurnDetectionServerVAD),
		},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return originAllowed(cfg.AllowedOrigin, r)
			},
		},
	}
}

// originAllowed applies APP_ALLOWED_ORIGIN to a websocket handshake. Empty
// means same-origin only.
func originAllowed(allowed string, r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		// Non-browser clients often omit Origin. Allow them.
		return true
	}
	if allowed == "*" {
		return true
	}
	if allowed != "" {
		return strings.EqualFold(strings.TrimRight(origin, "/"), strings.TrimRight(allowed, "/"))
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Get("/v1/realtime/ws", s.handleRealtimeWS)
	r.Get("/v1/realtime/sessions", s.handleListSessions)
	r.Get("/v1/realtime/sessions/{id}", s.handleGetSession)
	r.Post("/v1/realtime/sessions/{id}/end", s.handleEndSession)
	r.Get("/v1/perf/latency", s.handlePerfLatency)

	if s.cfg.AllowedOrigin == "" {
		return r
	}
	return cors.New(cors.Options{
		AllowedOrigins: []string{s.cfg.AllowedOrigin},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(r)
}

type healthResponse struct {
	Status            string `json:"status"`
	ActiveSessions    int    `json:"activeSessions"`
	ConnectedSessions int    `json:"connectedSessions"`
	UptimeSeconds     int64  `json:"uptimeSeconds"`
}

func (s *Server) health() healthResponse {
	active, connected := s.registry.Counts()
	return healthResponse{
		Status:            "healthy",
		ActiveSessions:    active,
		ConnectedSessions: connected,
		UptimeSeconds:     int64(time.Since(s.started).Seconds()),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.health())
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"realtime_model":  s.cfg.OpenAIRealtimeModel,
		"turn_detection":  string(s.defaults.TurnDetection),
		"active_sessions": s.health().ActiveSessions,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	snaps := make([]session.Snapshot, 0)
	for _, id := range s.registry.ListIDs() {
		sess, err := s.registry.Get(id)
		if err != nil {
			continue
		}
		snaps = append(snaps, sess.Snapshot())
	}
	respondJSON(w, http.StatusOK, map[string]any{"sessions": snaps})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusNotFound, codeNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, sess.Snapshot())
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if _, err := s.registry.Get(id); err != nil {
		respondError(w, http.StatusNotFound, codeNotFound, err.Error())
		return
	}
	if err := s.machine.Close(id); err != nil {
		respondError(w, http.StatusInternalServerError, codeInternal, err.Error())
		return
	}
	s.logger.Info("session ended over http", "session_id", id)
	respondJSON(w, http.StatusOK, map[string]any{"session_id": id, "ended": true})
}

// Reply codes surfaced to clients.
const (
	codeNotFound       = "not_found"
	codeUnauthorized   = "unauthorized"
	codeConnectFailed  = "connect_failed"
	codeSendFailed     = "send_failed"
	codeInvalidPayload = "invalid_payload"
	codeUpstreamError  = "upstream_error"
	codeInternal       = "internal"
)

func errorCode(err error) string {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return codeNotFound
	case errors.Is(err, relay.ErrUnauthorized):
		return codeUnauthorized
	case errors.Is(err, relay.ErrConnectFailed):
		return codeConnectFailed
	case errors.Is(err, relay.ErrSendFailed), errors.Is(err, upstream.ErrNotOpen):
		return codeSendFailed
	case errors.Is(err, relay.ErrInvalidPayload), errors.Is(err, protocol.ErrInvalidMessage):
		return codeInvalidPayload
	case errors.Is(err, relay.ErrUpstream):
		return codeUpstreamError
	default:
		return codeInternal
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}
