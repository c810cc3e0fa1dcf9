// Package http serves the runtime control plane: health endpoints,
// reliability counters, the signed callback webhook, delegation execution,
// and the event hub WebSocket. Every JSON response uses the standard
// envelope with a correlation id.
package http

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/twinclawhq/twinclaw/internal/dag"
	"github.com/twinclawhq/twinclaw/internal/doctor"
	"github.com/twinclawhq/twinclaw/internal/hub"
	"github.com/twinclawhq/twinclaw/internal/queue"
	"github.com/twinclawhq/twinclaw/internal/webhook"
)

const shutdownGrace = 5 * time.Second

// Config carries the listener address and the signing secret.
type Config struct {
	Addr   string
	Secret string
}

// Server is the control-plane HTTP server. Optional collaborators are set
// with the Set* methods before Start; handlers answer 503 when theirs is
// missing.
type Server struct {
	addr   string
	secret string

	queue   *queue.Engine
	ingress *webhook.Ingress
	hub     *hub.Hub
	orch    *dag.Orchestrator
	doc     *doctor.Doctor

	metricsHandler http.Handler
	halt           func()

	mux        *http.ServeMux
	httpServer *http.Server
}

func New(cfg Config, q *queue.Engine, ingress *webhook.Ingress, h *hub.Hub, orch *dag.Orchestrator, doc *doctor.Doctor) *Server {
	return &Server{
		addr:    cfg.Addr,
		secret:  cfg.Secret,
		queue:   q,
		ingress: ingress,
		hub:     h,
		orch:    orch,
		doc:     doc,
	}
}

// SetMetricsHandler exposes a Prometheus scrape handler on GET /metrics.
func (s *Server) SetMetricsHandler(h http.Handler) { s.metricsHandler = h }

// SetHalt wires the callback POST /system/halt invokes after responding.
func (s *Server) SetHalt(halt func()) { s.halt = halt }

// BuildMux creates and caches the mux with all routes registered. Call
// before Start when the same routes must be served on an extra listener.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/live", s.handleLive)
	mux.HandleFunc("GET /health/ready", s.handleReady)

	mux.HandleFunc("GET /reliability", s.signed(s.handleReliability))
	mux.HandleFunc("POST /reliability/replay/{id}", s.signed(s.handleReplay))
	mux.HandleFunc("POST /callback/webhook", s.signed(s.handleWebhook))
	mux.HandleFunc("POST /system/halt", s.signed(s.handleHalt))
	mux.HandleFunc("GET /ws/metrics", s.signed(s.handleHubMetrics))
	mux.HandleFunc("POST /delegation/execute", s.signed(s.handleDelegationExecute))
	mux.HandleFunc("GET /delegation/{id}", s.signed(s.handleDelegationGet))

	if s.hub != nil {
		mux.HandleFunc("/ws", s.hub.HandleWS)
	}
	if s.metricsHandler != nil {
		mux.Handle("GET /metrics", s.metricsHandler)
	}

	s.mux = mux
	return mux
}

// Start listens until ctx is cancelled, then drains with a short grace
// period.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("control plane listening", "addr", s.addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("control plane: %w", err)
	}
	return nil
}
