package main

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/oszuidwest/zwfm-speechgate/internal/audio"
	"github.com/oszuidwest/zwfm-speechgate/internal/config"
	"github.com/oszuidwest/zwfm-speechgate/internal/engine"
	"github.com/oszuidwest/zwfm-speechgate/internal/server"
	"github.com/oszuidwest/zwfm-speechgate/internal/types"
)

const readHeaderTimeout = 10 * time.Second

// Server is the HTTP server exposing the control API, the WebSocket event
// stream and Prometheus metrics.
type Server struct {
	config   *config.Config
	engine   *engine.Engine
	commands *server.CommandHandler
	gatherer prometheus.Gatherer
}

// NewServer returns a new Server for cfg and eng. Metrics are served from
// gatherer when the configuration enables them.
func NewServer(cfg *config.Config, eng *engine.Engine, gatherer prometheus.Gatherer) *Server {
	return &Server{
		config:   cfg,
		engine:   eng,
		commands: server.NewCommandHandler(cfg, eng),
		gatherer: gatherer,
	}
}

// handleWebSocket handles bidirectional WebSocket communication for real-time updates.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := server.UpgradeConnection(w, r)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}

	client := &server.Client{
		Hub:      s.engine.Hub(),
		Commands: s.commands,
		Status:   s.buildWSStatus,
	}
	client.Serve(conn)
}

// buildWSStatus returns the current WebSocket status response.
func (s *Server) buildWSStatus() types.WSStatusResponse {
	return types.WSStatusResponse{
		Type:     "status",
		Pipeline: s.engine.Status(),
		Devices:  audio.AudioDevices(),
		Version:  buildInfo(),
	}
}

// SetupRoutes returns an [http.Handler] configured with all application routes.
func (s *Server) SetupRoutes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/start", s.apiKeyAuth(s.handleAPIStart))
	mux.HandleFunc("POST /api/stop", s.apiKeyAuth(s.handleAPIStop))
	mux.HandleFunc("GET /api/status", s.apiKeyAuth(s.handleAPIStatus))
	mux.HandleFunc("GET /api/events", s.apiKeyAuth(s.handleAPIEvents))
	mux.HandleFunc("GET /api/devices", s.apiKeyAuth(s.handleAPIDevices))
	mux.HandleFunc("GET /api/vad", s.apiKeyAuth(s.handleAPIGetVAD))
	mux.HandleFunc("PUT /api/vad", s.apiKeyAuth(s.handleAPIUpdateVAD))
	mux.HandleFunc("GET /ws", s.apiKeyAuth(s.handleWebSocket))

	if s.config.Snapshot().Server.Metrics && s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	return securityHeaders(mux)
}

// securityHeaders returns middleware that wraps handlers with security headers.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// apiKeyAuth returns middleware for API key authentication. Browsers cannot
// set headers on WebSocket upgrades, so the key may also be passed as the
// api_key query parameter.
func (s *Server) apiKeyAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apiKey := s.config.Snapshot().Server.APIKey
		if apiKey == "" {
			http.Error(w, "API key not configured", http.StatusServiceUnavailable)
			return
		}

		providedKey := r.Header.Get("X-API-Key")
		if providedKey == "" {
			providedKey = r.URL.Query().Get("api_key")
		}
		if subtle.ConstantTimeCompare([]byte(providedKey), []byte(apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// Start begins the HTTP server.
// Returns an *http.Server that can be used for graceful shutdown.
func (s *Server) Start() *http.Server {
	addr := s.config.Snapshot().Server.Listen
	slog.Info("starting web server", "addr", addr)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.SetupRoutes(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	return srv
}
