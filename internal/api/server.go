package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/bryanchriswhite/FrameSync/internal/app"
	"github.com/bryanchriswhite/FrameSync/internal/config"
	"github.com/bryanchriswhite/FrameSync/internal/logger"
	"github.com/bryanchriswhite/FrameSync/internal/output"
	"github.com/bryanchriswhite/FrameSync/internal/replication"
	"github.com/bryanchriswhite/FrameSync/internal/video"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Version is reported by /api/health.
const Version = "0.1.0"

// StatusSource is the runner as seen by the API.
type StatusSource interface {
	Status() app.Status
	Reset() bool
	Subscribe() chan app.Status
	Unsubscribe(ch chan app.Status)
}

// StatsSource reports replication counters.
type StatsSource interface {
	Stats() replication.Stats
}

// SourceFinder lists video sources on the network.
type SourceFinder interface {
	Find(ctx context.Context) ([]video.Source, error)
}

// Options holds the optional parts of the API. Routes for missing parts
// answer 503.
type Options struct {
	Replication      StatsSource
	Sources          SourceFinder
	Config           *config.Manager
	Preview          *output.MJPEGOutput
	DiscoveryTimeout time.Duration
}

// Server represents the HTTP API server
type Server struct {
	router   *mux.Router
	runner   StatusSource
	opts     Options
	upgrader websocket.Upgrader
	server   *http.Server
}

// NewServer creates a new API server
func NewServer(runner StatusSource, opts Options) *Server {
	if opts.DiscoveryTimeout <= 0 {
		opts.DiscoveryTimeout = time.Second
	}
	s := &Server{
		router: mux.NewRouter(),
		runner: runner,
		opts:   opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for local tools
			},
		},
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	// Replicated state
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/reset", s.handleReset).Methods("POST")
	api.HandleFunc("/state/stream", s.handleStateStream)
	api.HandleFunc("/replication", s.handleReplication).Methods("GET")

	// Video network
	api.HandleFunc("/sources", s.handleSources).Methods("GET")

	// Configuration
	api.HandleFunc("/config", s.handleGetConfig).Methods("GET")

	// Health check
	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	// Preview
	if s.opts.Preview != nil {
		s.router.HandleFunc("/stream", s.opts.Preview.GetHTTPHandler())
		s.router.HandleFunc("/frame.jpg", s.opts.Preview.GetFrameHandler())
		s.router.HandleFunc("/", s.opts.Preview.GetViewerHandler())
	}
}

// Handler returns the router wrapped with CORS headers.
func (s *Server) Handler() http.Handler {
	return s.enableCORS(s.router)
}

// Start listens on port and serves until Shutdown. Port 0 picks a free port;
// the bound address is returned once listening.
func (s *Server) Start(port int) (net.Addr, error) {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("api: listen: %w", err)
	}
	s.server = &http.Server{Handler: s.Handler()}

	log := logger.WithComponent("api")
	log.Info().Str("addr", l.Addr().String()).Msg("Starting API server")
	go func() {
		if err := s.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("API server stopped")
		}
	}()
	return l.Addr(), nil
}

// Shutdown stops a started server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// enableCORS adds CORS headers
func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// HTTP Handlers

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.runner.Status())
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if !s.runner.Reset() {
		http.Error(w, "Only the sender can reset the animation", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "reset scheduled"})
}

func (s *Server) handleStateStream(w http.ResponseWriter, r *http.Request) {
	log := logger.WithComponent("api")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	updates := s.runner.Subscribe()
	defer s.runner.Unsubscribe(updates)

	// the client only ever closes
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if err := conn.WriteJSON(s.runner.Status()); err != nil {
		log.Debug().Err(err).Msg("WebSocket write failed")
		return
	}

	for {
		select {
		case <-gone:
			return
		case st, ok := <-updates:
			if !ok {
				return
			}
			if err := conn.WriteJSON(st); err != nil {
				log.Debug().Err(err).Msg("WebSocket write failed")
				return
			}
		}
	}
}

func (s *Server) handleReplication(w http.ResponseWriter, r *http.Request) {
	if s.opts.Replication == nil {
		http.Error(w, "Replication not enabled", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Replication.Stats())
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	if s.opts.Sources == nil {
		http.Error(w, "Video network not enabled", http.StatusServiceUnavailable)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.DiscoveryTimeout)
	defer cancel()

	sources, err := s.opts.Sources.Find(ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	if sources == nil {
		sources = []video.Source{}
	}
	writeJSON(w, http.StatusOK, sources)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	if s.opts.Config == nil {
		http.Error(w, "No configuration loaded", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Config.Get())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": Version,
		"role":    s.runner.Status().Role,
	})
}
