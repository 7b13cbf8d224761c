/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/friendsincode/bragi_cast/internal/logbuffer"
	"github.com/friendsincode/bragi_cast/internal/source"
)

// handleAdminRooms lists every room the registry holds.
func (a *API) handleAdminRooms(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"rooms": a.registry.Snapshots()})
}

// handleAdminLogs returns recent captured log lines, newest first.
func (a *API) handleAdminLogs(w http.ResponseWriter, r *http.Request) {
	if a.logs == nil {
		writeJSON(w, http.StatusOK, map[string]any{"entries": []logbuffer.Entry{}})
		return
	}

	limit := 200
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 1000 {
			limit = parsed
		}
	}
	entries := a.logs.Recent(logbuffer.Query{
		Level:  r.URL.Query().Get("level"),
		Search: r.URL.Query().Get("q"),
		Limit:  limit,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"stats":   a.logs.Stats(),
	})
}

func (a *API) handleListSlugs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"slugs": a.registry.SlugHistoryList()})
}

func (a *API) handleDeleteSlug(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	if slug == "" {
		writeError(w, http.StatusBadRequest, "slug is required")
		return
	}
	if err := a.registry.RemoveSlug(slug); err != nil {
		a.logger.Error().Err(err).Str("slug", slug).Msg("slug removal failed")
		writeError(w, http.StatusInternalServerError, "slug removal failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type integrationTestRequest struct {
	Type        string             `json:"type"`
	Credentials source.Credentials `json:"credentials"`
}

// handleIntegrationTest opens and immediately closes a source connection so
// the broadcaster can verify external server credentials.
func (a *API) handleIntegrationTest(w http.ResponseWriter, r *http.Request) {
	var req integrationTestRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 8192)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	creds := req.Credentials
	if creds.Type == "" {
		creds.Type = req.Type
	}
	if creds.Host == "" || creds.Password == "" {
		writeError(w, http.StatusBadRequest, "host and password are required")
		return
	}

	ok, errMsg := source.Test(creds, a.logger)
	out := map[string]any{"ok": ok}
	if errMsg != "" {
		out["error"] = errMsg
	}
	writeJSON(w, http.StatusOK, out)
}
