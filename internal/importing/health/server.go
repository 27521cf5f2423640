package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/importer/internal/core/domain"
	"github.com/vietddude/importer/internal/importing/recovery"
)

// Status represents a component health status.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusCritical Status = "critical"
)

// Pinger is a dependency that can be health-checked.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// ActiveLister lists in-progress batches.
type ActiveLister interface {
	ListActive(ctx context.Context, namespace string) ([]*domain.BatchJobState, error)
}

// Server provides HTTP endpoints for health, batch monitoring and metrics.
type Server struct {
	checks  map[string]Pinger
	batches ActiveLister
	hub     *recovery.Hub
	server  *http.Server
	// closing is cancelled when Shutdown starts so long-lived streams return.
	closing context.Context
}

// NewServer creates a new HTTP server. hub may be nil, which disables /events.
func NewServer(port int, checks map[string]Pinger, batches ActiveLister, hub *recovery.Hub) *Server {
	mux := http.NewServeMux()
	closing, cancel := context.WithCancel(context.Background())
	s := &Server{
		closing: closing,
		checks:  checks,
		batches: batches,
		hub:     hub,
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}

	s.server.RegisterOnShutdown(cancel)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /batches/active", s.handleActive)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.Handle("GET /metrics", promhttp.Handler())

	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Serve accepts connections on l until the server is stopped.
func (s *Server) Serve(l net.Listener) error {
	if err := s.server.Serve(l); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type healthResponse struct {
	Status     Status            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := healthResponse{Status: StatusHealthy, Components: make(map[string]string, len(s.checks))}
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := s.checks[name].Ping(ctx); err != nil {
			resp.Status = StatusCritical
			resp.Components[name] = err.Error()
			continue
		}
		resp.Components[name] = string(StatusHealthy)
	}

	code := http.StatusOK
	if resp.Status == StatusCritical {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	states, err := s.batches.ListActive(r.Context(), r.URL.Query().Get("namespace"))
	if err != nil {
		slog.Error("Failed to list active batches", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to list active batches"})
		return
	}
	if states == nil {
		states = []*domain.BatchJobState{}
	}
	writeJSON(w, http.StatusOK, states)
}

// handleEvents streams batch progress as server-sent events until the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "event stream disabled"})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming not supported"})
		return
	}

	ch, unsubscribe := s.hub.Subscribe(r.URL.Query().Get("namespace"))
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case event, open := <-ch:
			if !open {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, payload)
			flusher.Flush()
		case <-r.Context().Done():
			return
		case <-s.closing.Done():
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
