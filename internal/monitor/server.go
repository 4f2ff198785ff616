// Package monitor serves the engine's HTTP surface: status snapshots, a
// server-sent event stream of engine events, journal control and metrics.
package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/device"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/events"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/journal"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/capture-engine/internal/logger"
)

// Config defines the runtime configuration for the monitor server.
type Config struct {
	Addr           string        `toml:"addr"`
	StatusInterval time.Duration `toml:"status_interval"`
	// EventBuffer is the per-subscriber event backlog of the event stream.
	EventBuffer int `toml:"event_buffer"`
}

// DefaultConfig returns the monitor defaults.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8090",
		StatusInterval: 2 * time.Second,
		EventBuffer:    64,
	}
}

// Engine is what the monitor observes and controls.
type Engine interface {
	Status() device.Status
	RequestReset(ctx context.Context, reason string) error
}

// Server serves the monitor endpoints.
type Server struct {
	cfg     Config
	engine  Engine
	fanout  *events.Fanout
	journal *journal.Journal
	metrics http.Handler
}

// NewServer returns a configured monitor server. journal and metrics may be
// nil.
func NewServer(cfg Config, engine Engine, fanout *events.Fanout, j *journal.Journal, metrics http.Handler) *Server {
	if cfg.StatusInterval == 0 {
		cfg.StatusInterval = DefaultConfig().StatusInterval
	}
	if cfg.EventBuffer == 0 {
		cfg.EventBuffer = DefaultConfig().EventBuffer
	}
	return &Server{
		cfg:     cfg,
		engine:  engine,
		fanout:  fanout,
		journal: j,
		metrics: metrics,
	}
}

// Handler exposes the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/status/stream", s.handleStatusStream)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	mux.HandleFunc("POST /api/reset", s.handleReset)
	mux.HandleFunc("GET /api/journal/status", s.handleJournalStatus)
	mux.HandleFunc("POST /api/journal/start", s.handleJournalStart)
	mux.HandleFunc("POST /api/journal/stop", s.handleJournalStop)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return mux
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

func (s *Server) statusPayload() map[string]any {
	return map[string]any{
		"device":    s.engine.Status(),
		"timestamp": float64(time.Now().UnixNano()) / 1e9,
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.statusPayload())
}

func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ticker := time.NewTicker(s.cfg.StatusInterval)
	defer ticker.Stop()

	for {
		if err := writeSSE(w, s.statusPayload()); err != nil {
			return
		}
		flusher.Flush()
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id, eventCh := s.fanout.Subscribe(s.cfg.EventBuffer)
	defer s.fanout.Unsubscribe(id)

	// Content negotiation based on Accept header
	accept := r.Header.Get("Accept")
	useProtobuf := strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")

	var kinds map[string]bool
	if q := r.URL.Query().Get("kind"); q != "" {
		kinds = make(map[string]bool)
		for _, k := range strings.Split(q, ",") {
			kinds[strings.TrimSpace(k)] = true
		}
	}

	streamEventsFromChannel(r.Context(), w, eventCh, useProtobuf, kinds)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "requested over http"
	}
	err := s.engine.RequestReset(r.Context(), reason)
	switch {
	case err == nil:
		writeJSON(w, map[string]any{"status": "recovered"})
	case errors.Is(err, device.ErrRecoveryInProgress):
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusConflict)
	case errors.Is(err, device.ErrNotEnabled):
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusServiceUnavailable)
	default:
		// The reset ran but some sessions could not be rebuilt.
		writeJSONWithStatus(w, map[string]any{"status": "degraded", "error": err.Error()}, http.StatusOK)
	}
}

func (s *Server) handleJournalStatus(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeJSONWithStatus(w, map[string]any{"error": "journal is not configured"}, http.StatusNotFound)
		return
	}
	writeJSON(w, s.journal.Status())
}

func (s *Server) handleJournalStart(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeJSONWithStatus(w, map[string]any{"error": "journal is not configured"}, http.StatusNotFound)
		return
	}
	filename, err := s.journal.Start()
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]any{
		"status":     "recording",
		"file":       filename,
		"started_at": float64(time.Now().Unix()),
	})
}

func (s *Server) handleJournalStop(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeJSONWithStatus(w, map[string]any{"error": "journal is not configured"}, http.StatusNotFound)
		return
	}
	if err := s.journal.Stop(); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, journal.ErrNotRecording) {
			status = http.StatusBadRequest
		}
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, status)
		return
	}
	st := s.journal.Status()
	writeJSON(w, map[string]any{
		"status":     "stopped",
		"file":       st.Filename,
		"stats":      st,
		"stopped_at": float64(time.Now().Unix()),
	})
}

// ListenAndServe serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("Monitor", "listening on %s", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("monitor: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// Open event streams end when their request contexts are cancelled.
	s.fanout.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("monitor shutdown: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":"%s"}`, err.Error())
	}
}
