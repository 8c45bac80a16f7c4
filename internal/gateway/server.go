// Package gateway exposes the client-facing websocket endpoint and the
// operational HTTP surface.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/aria-voice/aria/internal/config"
	"github.com/aria-voice/aria/internal/observability"
	"github.com/aria-voice/aria/internal/pool"
	"github.com/aria-voice/aria/internal/session"
	"github.com/aria-voice/aria/internal/stt"
	"github.com/aria-voice/aria/internal/transcript"
	"github.com/aria-voice/aria/internal/voice"
)

// STTFactory opens a session-private STT client. Tests substitute a fake.
type STTFactory func(ctx context.Context, opts stt.OpenOptions, cbs stt.Callbacks) (voice.AudioSink, error)

// Providers bundles the upstream clients a supervisor wires per session.
type Providers struct {
	NewSTT STTFactory
	LLM    voice.LLMStreamer
	TTS    voice.TTSProvider
}

type Server struct {
	cfg       config.Config
	sessions  *session.Manager
	pool      *pool.Pool
	providers Providers
	store     transcript.Store
	metrics   *observability.Metrics
	upgrader  websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Manager, connPool *pool.Pool, providers Providers, store transcript.Store, metrics *observability.Metrics) *Server {
	return &Server{
		cfg:       cfg,
		sessions:  sessions,
		pool:      connPool,
		providers: providers,
		store:     store,
		metrics:   metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/agent", s.handleAgent)
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Get("/v1/pool/stats", s.handlePoolStats)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"active_sessions": s.sessions.ActiveCount(),
		"active_conns":    s.pool.ActiveCount(),
	})
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"generated_at": "",
			"window_size":  0,
			"stages":       []any{},
		})
		return
	}
	respondJSON(w, http.StatusOK, s.metrics.SnapshotTurnStages())
}

func (s *Server) handlePoolStats(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.pool.Stats())
}

// handleAgent admits the connection against the pool before upgrading so
// the cap and rate limit reject with a plain HTTP status.
func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	connID, err := s.pool.Acquire()
	if err != nil {
		switch {
		case errors.Is(err, pool.ErrPoolFull):
			respondError(w, http.StatusServiceUnavailable, "pool_full", "connection limit reached")
		case errors.Is(err, pool.ErrRateLimited):
			respondError(w, http.StatusTooManyRequests, "rate_limited", "admission rate exceeded")
		default:
			respondError(w, http.StatusInternalServerError, "admission_failed", err.Error())
		}
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.pool.Release(connID)
		return
	}
	if err := s.pool.Bind(connID, conn, ""); err != nil {
		_ = conn.Close()
		return
	}

	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues("ws_connected").Inc()
	}

	sup := newSupervisor(s, connID, conn)
	sup.run(r.Context())

	s.pool.Release(connID)
	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues("ws_disconnected").Inc()
		s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
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
