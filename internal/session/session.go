/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package session implements the HMAC-signed opaque session tokens carried in
// the bragi_session cookie.
package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// CookieName is the cookie carrying the session token.
const CookieName = "bragi_session"

// TTL is how long a token stays valid after issue.
const TTL = 24 * time.Hour

// Session is the payload embedded in a token.
type Session struct {
	Username string `json:"username"`
	IssuedAt int64  `json:"issuedAt"` // unix milliseconds
}

// Manager signs and validates session tokens.
type Manager struct {
	secret []byte
}

// NewManager creates a token manager from the shared secret.
func NewManager(secret string) *Manager {
	return &Manager{secret: []byte(secret)}
}

// Create issues a signed token for the given username.
func (m *Manager) Create(username string) string {
	payload, _ := json.Marshal(Session{
		Username: username,
		IssuedAt: time.Now().UnixMilli(),
	})
	payloadB64 := base64.RawURLEncoding.EncodeToString(payload)
	return payloadB64 + "." + m.sign(payloadB64)
}

// Validate checks the signature and expiry of a token.
// Any failure returns nil.
func (m *Manager) Validate(token string) *Session {
	payloadB64, sig, ok := strings.Cut(token, ".")
	if !ok || payloadB64 == "" || sig == "" {
		return nil
	}

	expected := m.sign(payloadB64)
	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return nil
	}

	payload, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return nil
	}

	var sess Session
	if err := json.Unmarshal(payload, &sess); err != nil {
		return nil
	}
	if sess.Username == "" {
		return nil
	}

	issued := time.UnixMilli(sess.IssuedAt)
	if time.Since(issued) > TTL || issued.After(time.Now().Add(time.Minute)) {
		return nil
	}

	return &sess
}

// FromRequest validates the session cookie on an HTTP request.
func (m *Manager) FromRequest(r *http.Request) *Session {
	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return nil
	}
	return m.Validate(cookie.Value)
}

// SetCookie attaches a session token to the response.
func SetCookie(w http.ResponseWriter, token string, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(TTL / time.Second),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   secure,
	})
}

// ClearCookie removes the session cookie.
func ClearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
}

func (m *Manager) sign(payloadB64 string) string {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(payloadB64))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
