/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package session

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestCreateValidate_RoundTrip(t *testing.T) {
	m := NewManager("test-secret")

	for _, username := range []string{"admin", "dj-ada", "user with spaces", "ünïcødé"} {
		token := m.Create(username)
		sess := m.Validate(token)
		if sess == nil {
			t.Fatalf("Validate(Create(%q)) = nil, want session", username)
		}
		if sess.Username != username {
			t.Errorf("username = %q, want %q", sess.Username, username)
		}
	}
}

func TestValidate_RejectsTamperedToken(t *testing.T) {
	m := NewManager("test-secret")
	token := m.Create("admin")

	// Flipping any single byte of either half must invalidate the token.
	for i := 0; i < len(token); i++ {
		if token[i] == '.' {
			continue
		}
		mutated := []byte(token)
		if mutated[i] == 'A' {
			mutated[i] = 'B'
		} else {
			mutated[i] = 'A'
		}
		if m.Validate(string(mutated)) != nil {
			t.Fatalf("tampered token at byte %d validated", i)
		}
	}
}

func TestValidate_RejectsWrongSecret(t *testing.T) {
	token := NewManager("secret-a").Create("admin")
	if NewManager("secret-b").Validate(token) != nil {
		t.Fatal("token signed with a different secret validated")
	}
}

func TestValidate_RejectsExpired(t *testing.T) {
	m := NewManager("test-secret")

	payload, _ := json.Marshal(Session{
		Username: "admin",
		IssuedAt: time.Now().Add(-25 * time.Hour).UnixMilli(),
	})
	payloadB64 := base64.RawURLEncoding.EncodeToString(payload)
	token := payloadB64 + "." + m.sign(payloadB64)

	if m.Validate(token) != nil {
		t.Fatal("expired token validated")
	}
}

func TestValidate_RejectsMalformed(t *testing.T) {
	m := NewManager("test-secret")

	for _, token := range []string{
		"",
		"no-dot",
		".",
		"a.",
		".b",
		"!!!.!!!",
		strings.Repeat("a", 4096),
	} {
		if m.Validate(token) != nil {
			t.Errorf("malformed token %q validated", token)
		}
	}
}

func TestFromRequest(t *testing.T) {
	m := NewManager("test-secret")

	r := httptest.NewRequest("GET", "/", nil)
	if m.FromRequest(r) != nil {
		t.Fatal("request without cookie validated")
	}

	r = httptest.NewRequest("GET", "/", nil)
	r.AddCookie(&http.Cookie{Name: CookieName, Value: m.Create("admin")})
	sess := m.FromRequest(r)
	if sess == nil || sess.Username != "admin" {
		t.Fatalf("FromRequest = %+v, want admin session", sess)
	}
}
