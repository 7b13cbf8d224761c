/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/friendsincode/bragi_cast/internal/session"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleLogin verifies the broadcaster password and issues a session cookie.
func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if a.cfg.AdminPassword == "" {
		writeError(w, http.StatusServiceUnavailable, "login is not configured")
		return
	}

	var req loginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	if subtle.ConstantTimeCompare([]byte(req.Password), []byte(a.cfg.AdminPassword)) != 1 {
		a.logger.Warn().Str("ip", r.RemoteAddr).Msg("failed login attempt")
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	username := strings.TrimSpace(req.Username)
	if username == "" {
		username = "broadcaster"
	}

	token := a.sessions.Create(username)
	session.SetCookie(w, token, a.cfg.RequireTLS)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "username": username})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	session.ClearCookie(w)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleSession reports the cookie's auth state without mutating anything.
func (a *API) handleSession(w http.ResponseWriter, r *http.Request) {
	sess := a.sessions.FromRequest(r)
	if sess == nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"username":      sess.Username,
	})
}
