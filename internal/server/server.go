// Package server is the admin HTTP surface: a health check, the
// section-7 error-class/saturation status endpoint, and the broadcast
// hub's websocket feed, behind the same chi router, middleware stack, and
// CORS policy the rest of this codebase's HTTP servers use.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/pumpcat/internal/broadcast"
	"github.com/aristath/pumpcat/internal/categorymgr"
	"github.com/aristath/pumpcat/internal/reliability"
	"github.com/aristath/pumpcat/internal/scanner"
)

// Config holds everything the server needs to wire its routes.
type Config struct {
	Port        int
	Log         zerolog.Logger
	DevMode     bool
	AdminToken  string
	Reliability *reliability.Tracker
	CategoryMgr *categorymgr.Manager
	Scanner     *scanner.Scanner
	Hub         *broadcast.Hub
}

// Server is the admin HTTP surface.
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger
	port   int

	adminToken  string
	reliability *reliability.Tracker
	categoryMgr *categorymgr.Manager
	scanner     *scanner.Scanner
	hub         *broadcast.Hub
}

// New builds the router and binds it to :Port.
func New(cfg Config) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		log:         cfg.Log.With().Str("component", "server").Logger(),
		port:        cfg.Port,
		adminToken:  cfg.AdminToken,
		reliability: cfg.Reliability,
		categoryMgr: cfg.CategoryMgr,
		scanner:     cfg.Scanner,
		hub:         cfg.Hub,
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api", func(r chi.Router) {
		r.Use(s.requireAdminToken)
		r.Route("/system", func(r chi.Router) {
			r.Get("/status", s.handleSystemStatus)
		})
		r.Get("/ws", s.handleWebsocket)
	})
}

// requireAdminToken gates every /api route behind a bearer token, unless
// devMode left adminToken empty at startup (internal/config.Config already
// refuses that combination outside devMode).
func (s *Server) requireAdminToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+s.adminToken {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// systemStatus is the /api/system/status response shape: section-7
// error-class counters plus a live snapshot of category and scan-queue
// depth.
type systemStatus struct {
	ErrorsByClass   map[reliability.ErrorClass]int `json:"errors_by_class"`
	FlushErrorRate  float64                        `json:"flush_error_rate"`
	SaturationAlert bool                            `json:"saturation_alert"`
	WindowSeconds   int                             `json:"window_seconds"`
	ActiveTokens    int                             `json:"active_tokens"`
	QueueDepth      map[string]int                 `json:"queue_depth"`
	WebsocketClients int                            `json:"websocket_clients"`
}

func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.reliability.Snapshot()
	resp := systemStatus{
		ErrorsByClass:    snap.ErrorsByClass,
		FlushErrorRate:   snap.FlushErrorRate,
		SaturationAlert:  snap.SaturationAlert,
		WindowSeconds:    snap.WindowSeconds,
		ActiveTokens:     s.categoryMgr.ActiveCount(),
		QueueDepth:       s.scanner.QueueDepth(),
		WebsocketClients: s.hub.SubscriberCount(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	s.hub.ServeHTTP(w, r)
}

// Start begins serving and blocks until the listener errors or closes.
func (s *Server) Start() error {
	s.log.Info().Int("port", s.port).Msg("starting admin HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down admin HTTP server")
	return s.server.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
