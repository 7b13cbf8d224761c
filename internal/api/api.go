/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package api is the request/response surface: session endpoints, ICE
// configuration, catalog proxies, audio identification and the admin views.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/rs/zerolog"

	"github.com/friendsincode/bragi_cast/internal/config"
	"github.com/friendsincode/bragi_cast/internal/logbuffer"
	"github.com/friendsincode/bragi_cast/internal/rooms"
	"github.com/friendsincode/bragi_cast/internal/session"
)

// API exposes the HTTP control endpoints.
type API struct {
	cfg      *config.Config
	registry *rooms.Registry
	sessions *session.Manager
	client   *http.Client
	ice      iceCache
	logs     *logbuffer.Buffer
	logger   zerolog.Logger
}

// New creates the API handler set. logs may be nil when log capture is off.
func New(cfg *config.Config, registry *rooms.Registry, sessions *session.Manager, logs *logbuffer.Buffer, logger zerolog.Logger) *API {
	return &API{
		cfg:      cfg,
		registry: registry,
		sessions: sessions,
		client:   &http.Client{Timeout: 10 * time.Second},
		logs:     logs,
		logger:   logger.With().Str("component", "api").Logger(),
	}
}

// Routes mounts every control endpoint on the router.
func (a *API) Routes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(5, time.Minute))
		r.Post("/api/login", a.handleLogin)
	})
	r.Post("/api/logout", a.handleLogout)
	r.Get("/api/session", a.handleSession)

	r.Get("/api/ice-config", a.handleICEConfig)
	r.Get("/api/music-search", a.handleMusicSearch)
	r.Get("/api/music-detail/{id}", a.handleMusicDetail)

	r.Group(func(r chi.Router) {
		r.Use(a.requireAuth)
		r.With(httprate.LimitByIP(10, time.Minute)).
			Post("/api/integration-test", a.handleIntegrationTest)
		r.With(httprate.LimitByIP(2, 10*time.Second)).
			Post("/api/identify-audio", a.handleIdentifyAudio)

		r.Get("/admin/rooms", a.handleAdminRooms)
		r.Get("/admin/logs", a.handleAdminLogs)
		r.Get("/api/room-slugs", a.handleListSlugs)
		r.Delete("/api/room-slugs/{slug}", a.handleDeleteSlug)
	})
}

// requireAuth gates endpoints on a valid session cookie.
func (a *API) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.sessions.FromRequest(r) == nil {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
