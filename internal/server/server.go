/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/friendsincode/bragi_cast/internal/api"
	"github.com/friendsincode/bragi_cast/internal/config"
	"github.com/friendsincode/bragi_cast/internal/logbuffer"
	"github.com/friendsincode/bragi_cast/internal/relay"
	"github.com/friendsincode/bragi_cast/internal/rooms"
	"github.com/friendsincode/bragi_cast/internal/session"
	"github.com/friendsincode/bragi_cast/internal/signaling"
	"github.com/friendsincode/bragi_cast/internal/telemetry"
)

// Server bundles the HTTP surface and the room machinery behind it.
type Server struct {
	cfg           *config.Config
	logger        zerolog.Logger
	router        chi.Router
	httpServer    *http.Server
	metricsServer *http.Server
	closers       []func() error

	registry    *rooms.Registry
	sessions    *session.Manager
	signaling   *signaling.Router
	stream      *relay.StreamHandler
	integration *relay.IntegrationHandler
	api         *api.API
	logBuffer   *logbuffer.Buffer
}

func New(cfg *config.Config, logBuf *logbuffer.Buffer, logger zerolog.Logger) (*Server, error) {
	srv := &Server{
		cfg:       cfg,
		logger:    logger,
		logBuffer: logBuf,
	}
	if err := srv.initDependencies(); err != nil {
		return nil, err
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	// The socket address is captured before RealIP rewrites RemoteAddr from
	// forwarded headers; the signaling connection limiter keys on it.
	router.Use(signaling.SocketAddr)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(securityHeadersMiddleware)
	router.Use(telemetry.MetricsMiddleware)
	if cfg.RequireTLS {
		router.Use(requireTLSMiddleware)
	}
	// Websocket upgrades bypass routing: every upgrade is a signaling
	// session except the integration relay endpoint, which streams encoded
	// audio frames to an external server.
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Upgrade") == "websocket" && r.URL.Path != "/integration-stream" {
				srv.signaling.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	})
	// Skip timeout for streaming connections
	router.Use(func(next http.Handler) http.Handler {
		timeout := middleware.Timeout(60 * time.Second)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(r.URL.Path) >= 8 && r.URL.Path[:8] == "/stream/" {
				next.ServeHTTP(w, r)
				return
			}
			timeout(next).ServeHTTP(w, r)
		})
	})
	srv.router = router
	srv.configureRoutes()

	addr := fmt.Sprintf("%s:%d", cfg.HTTPBind, cfg.HTTPPort)
	srv.httpServer = &http.Server{
		Addr:    addr,
		Handler: srv.router,
		// Keep the header deadline to protect against slowloris, but no
		// read or write deadline: broadcaster sockets and listener streams
		// stay open for the lifetime of a show.
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       0,
		WriteTimeout:      0,
		IdleTimeout:       60 * time.Second,
	}

	if cfg.MetricsBind != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", telemetry.Handler())
		srv.metricsServer = &http.Server{
			Addr:              cfg.MetricsBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 15 * time.Second,
		}
	}

	return srv, nil
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'self' 'unsafe-inline' data: blob: https: http:; frame-ancestors 'none'; base-uri 'self'")

		// Only advertise HSTS for requests served over HTTPS.
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}

// requireTLSMiddleware rejects plaintext requests when the deployment
// promises TLS. Forwarded-proto is trusted because the server is expected to
// sit behind a terminating proxy in that mode.
func requireTLSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil && r.Header.Get("X-Forwarded-Proto") != "https" {
			http.Error(w, "https required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) initDependencies() error {
	slugs, err := rooms.LoadSlugHistory(s.cfg.SlugHistoryFile)
	if err != nil {
		return fmt.Errorf("load slug history: %w", err)
	}

	s.registry = rooms.NewRegistry(slugs, s.logger)
	s.DeferClose(func() error {
		s.registry.Close()
		return nil
	})

	s.sessions = session.NewManager(s.cfg.SessionSecret)

	s.signaling = signaling.NewRouter(s.cfg, s.registry, s.sessions, s.logger)
	s.DeferClose(func() error {
		s.signaling.Close()
		return nil
	})

	s.stream = relay.NewStreamHandler(s.cfg, s.registry, s.logger)
	s.integration = relay.NewIntegrationHandler(s.registry, s.sessions, s.logger)
	s.api = api.New(s.cfg, s.registry, s.sessions, s.logBuffer, s.logger)

	return nil
}

func (s *Server) configureRoutes() {
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	// Listener-facing audio stream (MP3 with optional ICY metadata, or the
	// broadcaster's container passed through when transcoding is off).
	s.router.Get("/stream/{room}", s.stream.ServeHTTP)

	// Relay socket carrying encoded audio toward an external Icecast or
	// Shoutcast server. Reached through the upgrade middleware above.
	s.router.Get("/integration-stream", s.integration.ServeHTTP)

	s.api.Routes(s.router)
}

// HTTPServer exposes the configured listener for the caller to run.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// MetricsServer exposes the private metrics listener, nil when disabled.
func (s *Server) MetricsServer() *http.Server {
	return s.metricsServer
}

// Registry exposes the room registry, mainly for tests.
func (s *Server) Registry() *rooms.Registry {
	return s.registry
}

// Router exposes the configured handler tree.
func (s *Server) Router() http.Handler {
	return s.router
}

// Close releases owned resources in reverse order.
func (s *Server) Close() error {
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DeferClose registers a cleanup hook.
func (s *Server) DeferClose(fn func() error) {
	s.closers = append(s.closers, fn)
}
