// Package api implements the chat bridge HTTP server: a WebSocket
// endpoint that streams engine calls to clients, plus small JSON
// endpoints for in-flight calls, usage, health, and metrics.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nugget/chatbridge/internal/buildinfo"
	"github.com/nugget/chatbridge/internal/config"
	"github.com/nugget/chatbridge/internal/events"
	"github.com/nugget/chatbridge/internal/llm"
	"github.com/nugget/chatbridge/internal/profile"
	"github.com/nugget/chatbridge/internal/usage"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response,
// which is not actionable but worth tracking for debugging.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the bridge HTTP server.
type Server struct {
	address    string
	port       int
	dispatcher *llm.Dispatcher
	providers  config.ProvidersConfig
	usage      *usage.Store
	gatherer   prometheus.Gatherer
	bus        *events.Bus
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	server     *http.Server
}

// NewServer creates a bridge server that sends calls through d using
// the credentials in providers.
func NewServer(address string, port int, d *llm.Dispatcher, providers config.ProvidersConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:    address,
		port:       port,
		dispatcher: d,
		providers:  providers,
		gatherer:   prometheus.DefaultGatherer,
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			HandshakeTimeout: 10 * time.Second,
			// Clients are native apps and scripts, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// SetUsageStore enables the usage summary endpoint.
func (s *Server) SetUsageStore(store *usage.Store) {
	s.usage = store
}

// SetGatherer selects the registry served on /metrics.
func (s *Server) SetGatherer(g prometheus.Gatherer) {
	s.gatherer = g
}

// SetEventBus sets the bus that receives session lifecycle events.
func (s *Server) SetEventBus(bus *events.Bus) {
	s.bus = bus
}

// Handler returns the routed handler with request logging applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Bridge
	mux.HandleFunc("GET /v1/ws", s.handleWebSocket)

	// Calls
	mux.HandleFunc("GET /v1/calls", s.handleCallList)
	mux.HandleFunc("DELETE /v1/calls/{id}", s.handleCallCancel)
	mux.HandleFunc("GET /v1/providers", s.handleProviders)
	mux.HandleFunc("GET /v1/usage/summary", s.handleUsageSummary)

	// Health endpoints
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /{$}", s.handleRoot)

	return s.withLogging(mux)
}

// Start runs the server until Shutdown is called. WebSocket sessions
// are closed when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		BaseContext:  func(net.Listener) context.Context { return ctx },
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second, // sessions are hijacked and clear their own deadlines
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting bridge server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Chatbridge",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.RuntimeInfo(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) handleCallList(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"calls": s.dispatcher.InFlight()}, s.logger)
}

func (s *Server) handleCallCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.dispatcher.Cancel(id) {
		s.errorResponse(w, http.StatusNotFound, "no in-flight call with that id")
		return
	}
	s.logger.Info("call cancelled via API", "call_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	type providerInfo struct {
		Name       string `json:"name"`
		Configured bool   `json:"configured"`
	}
	var out []providerInfo
	for _, p := range llm.Providers() {
		out = append(out, providerInfo{Name: p.String(), Configured: profile.IsConfigured(s.providers, p)})
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"providers": out}, s.logger)
}

func (s *Server) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	if s.usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage journal not enabled")
		return
	}

	hours := parseIntParam(r, "hours", 24)
	if hours == 0 {
		hours = 24
	}
	end := time.Now()
	start := end.Add(-time.Duration(hours) * time.Hour)

	total, err := s.usage.Summary(start, end)
	if err != nil {
		s.logger.Error("usage summary failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage query failed")
		return
	}
	byProvider, err := s.usage.SummaryByProvider(start, end)
	if err != nil {
		s.logger.Error("usage summary by provider failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "usage query failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"hours":       hours,
		"total":       total,
		"by_provider": byProvider,
	}, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
