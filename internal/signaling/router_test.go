/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	ws "nhooyr.io/websocket"

	"github.com/friendsincode/bragi_cast/internal/config"
	"github.com/friendsincode/bragi_cast/internal/rooms"
	"github.com/friendsincode/bragi_cast/internal/session"
)

func newTestRouter(t *testing.T) (*httptest.Server, *session.Manager) {
	t.Helper()

	cfg := &config.Config{
		AllowedOrigin:    "*",
		TranscodeEnabled: false,
		SessionSecret:    "test-secret",
	}
	registry := rooms.NewRegistry(nil, zerolog.Nop())
	sessions := session.NewManager(cfg.SessionSecret)
	router := NewRouter(cfg, registry, sessions, zerolog.Nop())

	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		router.Close()
		registry.Close()
	})
	return srv, sessions
}

func dial(t *testing.T, srv *httptest.Server, cookie string) *ws.Conn {
	t.Helper()

	header := http.Header{}
	if cookie != "" {
		header.Set("Cookie", session.CookieName+"="+cookie)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := ws.Dial(ctx, url, &ws.DialOptions{HTTPHeader: header})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(ws.StatusNormalClosure, "") })
	return conn
}

func send(t *testing.T, conn *ws.Conn, v map[string]any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, ws.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func recv(t *testing.T, conn *ws.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg map[string]any
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return msg
}

// recvType reads messages until one of the wanted type arrives.
func recvType(t *testing.T, conn *ws.Conn, wantType string) map[string]any {
	t.Helper()
	for i := 0; i < 20; i++ {
		msg := recv(t, conn)
		if msg["type"] == wantType {
			return msg
		}
	}
	t.Fatalf("no %q message received", wantType)
	return nil
}

func TestCreateRoomAndListenerCount(t *testing.T) {
	srv, sessions := newTestRouter(t)
	token := sessions.Create("host")

	bc := dial(t, srv, token)
	send(t, bc, map[string]any{"type": "create-room"})

	created := recv(t, bc)
	if created["type"] != "room-created" {
		t.Fatalf("first message = %v, want room-created", created)
	}
	roomID, _ := created["roomId"].(string)
	if len(roomID) != 7 {
		t.Fatalf("roomId = %q, want 7 hex chars", roomID)
	}

	joined := recv(t, bc)
	if joined["type"] != "joined" || joined["role"] != "broadcaster" {
		t.Fatalf("second message = %v, want joined/broadcaster", joined)
	}
	count := recv(t, bc)
	if count["type"] != "listener-count" || count["count"] != float64(0) {
		t.Fatalf("third message = %v, want listener-count 0", count)
	}

	r1 := dial(t, srv, "")
	send(t, r1, map[string]any{"type": "join-room", "roomId": roomID, "role": "receiver"})
	r1Joined := recvType(t, r1, "joined")
	if r1Joined["receiverId"] == "" {
		t.Fatal("receiver joined without receiverId")
	}

	peer1 := recvType(t, bc, "peer-joined")
	if peer1["role"] != "receiver" || peer1["receiverId"] == "" {
		t.Fatalf("peer-joined = %v", peer1)
	}
	count1 := recvType(t, bc, "listener-count")
	if count1["count"] != float64(1) {
		t.Fatalf("listener-count = %v, want 1", count1)
	}

	r2 := dial(t, srv, "")
	send(t, r2, map[string]any{"type": "join-room", "roomId": roomID, "role": "receiver"})
	recvType(t, r2, "joined")

	recvType(t, bc, "peer-joined")
	count2 := recvType(t, bc, "listener-count")
	if count2["count"] != float64(2) {
		t.Fatalf("listener-count = %v, want 2", count2)
	}
}

func TestCreateRoom_RequiresAuth(t *testing.T) {
	srv, _ := newTestRouter(t)

	c := dial(t, srv, "")
	send(t, c, map[string]any{"type": "create-room"})

	msg := recv(t, c)
	if msg["type"] != "error" || msg["code"] != "AUTH_REQUIRED" {
		t.Fatalf("msg = %v, want AUTH_REQUIRED error", msg)
	}
}

func TestJoinRoom_NotFound(t *testing.T) {
	srv, _ := newTestRouter(t)

	c := dial(t, srv, "")
	send(t, c, map[string]any{"type": "join-room", "roomId": "0000000", "role": "receiver"})

	msg := recv(t, c)
	if msg["code"] != "ROOM_NOT_FOUND" {
		t.Fatalf("msg = %v, want ROOM_NOT_FOUND", msg)
	}
}

func TestJoinRoom_MissingParams(t *testing.T) {
	srv, _ := newTestRouter(t)

	c := dial(t, srv, "")
	send(t, c, map[string]any{"type": "join-room"})

	msg := recv(t, c)
	if msg["code"] != "MISSING_PARAMS" {
		t.Fatalf("msg = %v, want MISSING_PARAMS", msg)
	}
}

func TestChat_SystemJoinMessageAndFanout(t *testing.T) {
	srv, sessions := newTestRouter(t)
	token := sessions.Create("host")

	bc := dial(t, srv, token)
	send(t, bc, map[string]any{"type": "create-room"})
	created := recv(t, bc)
	roomID := created["roomId"].(string)
	recv(t, bc) // joined
	recv(t, bc) // listener-count

	r1 := dial(t, srv, "")
	send(t, r1, map[string]any{"type": "join-room", "roomId": roomID, "role": "receiver"})
	recvType(t, r1, "joined")

	send(t, r1, map[string]any{"type": "chat", "name": "Ada", "text": "hi"})

	// Broadcaster sees the system join message, then the chat itself.
	sys := recvType(t, bc, "chat")
	if sys["system"] != true || sys["text"] != "Ada has joined the chat" {
		t.Fatalf("system message = %v", sys)
	}
	chat := recvType(t, bc, "chat")
	if chat["name"] != "Ada" || chat["text"] != "hi" {
		t.Fatalf("chat = %v", chat)
	}

	// The sender sees only the system message, not its own chat echo.
	senderSys := recvType(t, r1, "chat")
	if senderSys["system"] != true {
		t.Fatalf("sender should see the system message, got %v", senderSys)
	}
}

func TestAddTrack_PropagatesToAllSurfaces(t *testing.T) {
	srv, sessions := newTestRouter(t)
	token := sessions.Create("host")

	bc := dial(t, srv, token)
	send(t, bc, map[string]any{"type": "create-room"})
	created := recv(t, bc)
	roomID := created["roomId"].(string)
	recv(t, bc)
	recv(t, bc)

	r1 := dial(t, srv, "")
	send(t, r1, map[string]any{"type": "join-room", "roomId": roomID, "role": "receiver"})
	recvType(t, r1, "joined")
	recvType(t, bc, "listener-count")

	send(t, bc, map[string]any{
		"type":        "add-track",
		"text":        "The Cure — Lullaby",
		"artist":      "The Cure",
		"title":       "Lullaby",
		"album":       "Disintegration",
		"releaseDate": "1989-05-02",
	})

	trackList := recvType(t, r1, "track-list")
	tracks := trackList["tracks"].([]any)
	first := tracks[0].(map[string]any)
	if first["title"] != "The Cure — Lullaby" {
		t.Fatalf("track-list[0].title = %v", first["title"])
	}
	meta := recvType(t, r1, "metadata")
	if meta["text"] != "The Cure — Lullaby" {
		t.Fatalf("metadata = %v", meta)
	}

	// The broadcaster gets the same two broadcasts.
	recvType(t, bc, "track-list")
	recvType(t, bc, "metadata")
}

func TestAddTrack_DuplicateIsNoOp(t *testing.T) {
	srv, sessions := newTestRouter(t)
	token := sessions.Create("host")

	bc := dial(t, srv, token)
	send(t, bc, map[string]any{"type": "create-room"})
	recv(t, bc)
	recv(t, bc)
	recv(t, bc)

	send(t, bc, map[string]any{"type": "add-track", "text": "X"})
	recvType(t, bc, "track-list")
	recvType(t, bc, "metadata")

	send(t, bc, map[string]any{"type": "add-track", "text": "X"})
	send(t, bc, map[string]any{"type": "add-track", "text": "Y"})

	// The duplicate produced no broadcast; the next track-list is for "Y".
	trackList := recvType(t, bc, "track-list")
	tracks := trackList["tracks"].([]any)
	if len(tracks) != 2 {
		t.Fatalf("track count = %d, want 2", len(tracks))
	}
	if tracks[0].(map[string]any)["title"] != "Y" {
		t.Fatalf("track-list[0] = %v, want Y", tracks[0])
	}
}

func TestIcyTitle(t *testing.T) {
	tests := []struct {
		artist, title, album, date, fallback string
		want                                 string
	}{
		{"The Cure", "Lullaby", "Disintegration", "1989-05-02", "x", "The Cure - Lullaby [Disintegration · 1989]"},
		{"The Cure", "Lullaby", "Disintegration", "", "x", "The Cure - Lullaby [Disintegration]"},
		{"The Cure", "Lullaby", "", "1989-05-02", "x", "The Cure - Lullaby"},
		{"", "Lullaby", "Disintegration", "1989", "raw text", "raw text"},
		{"The Cure", "", "", "", "raw text", "raw text"},
	}
	for _, tt := range tests {
		got := icyTitle(tt.artist, tt.title, tt.album, tt.date, tt.fallback)
		if got != tt.want {
			t.Errorf("icyTitle(%q,%q,%q,%q,%q) = %q, want %q",
				tt.artist, tt.title, tt.album, tt.date, tt.fallback, got, tt.want)
		}
	}
}

func TestValidSDP(t *testing.T) {
	long := strings.Repeat("v", maxOfferSDPBytes+1)
	tests := []struct {
		raw  string
		want bool
	}{
		{`{"type":"offer","sdp":"v=0"}`, true},
		{`{"type":"offer"}`, false},
		{`"just a string"`, false},
		{`{"type":"offer","sdp":"` + long + `"}`, false},
		{`null`, false},
	}
	for _, tt := range tests {
		if got := validSDP(json.RawMessage(tt.raw)); got != tt.want {
			t.Errorf("validSDP(%.40q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestIPLimiter(t *testing.T) {
	l := newIPLimiter()
	defer l.Close()

	for i := 0; i < limitMaxConns; i++ {
		if !l.Allow("10.0.0.1") {
			t.Fatalf("connection %d should be admitted", i+1)
		}
	}
	if l.Allow("10.0.0.1") {
		t.Fatal("connection 21 should be rejected")
	}
	if !l.Allow("10.0.0.2") {
		t.Fatal("other IPs are unaffected")
	}
}

// TestIPLimit_IgnoresForwardedHeaders runs the router behind the same
// SocketAddr + RealIP chain the assembled server uses: varying forwarded
// headers from a single socket must not widen the connection limit.
func TestIPLimit_IgnoresForwardedHeaders(t *testing.T) {
	cfg := &config.Config{
		AllowedOrigin:    "*",
		TranscodeEnabled: false,
		SessionSecret:    "test-secret",
	}
	registry := rooms.NewRegistry(nil, zerolog.Nop())
	sessions := session.NewManager(cfg.SessionSecret)
	router := NewRouter(cfg, registry, sessions, zerolog.Nop())

	srv := httptest.NewServer(SocketAddr(middleware.RealIP(router)))
	t.Cleanup(func() {
		srv.Close()
		router.Close()
		registry.Close()
	})

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	dialForwarded := func(forwardedFor string) *ws.Conn {
		t.Helper()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		header := http.Header{}
		header.Set("X-Forwarded-For", forwardedFor)
		conn, _, err := ws.Dial(ctx, url, &ws.DialOptions{HTTPHeader: header})
		if err != nil {
			t.Fatalf("dial with X-Forwarded-For %s: %v", forwardedFor, err)
		}
		t.Cleanup(func() { conn.Close(ws.StatusNormalClosure, "") })
		return conn
	}

	for i := 0; i < limitMaxConns; i++ {
		dialForwarded(fmt.Sprintf("10.0.0.%d", i+1))
	}

	// Connection 21 arrives over the same socket IP with yet another
	// forwarded address and must be turned away.
	over := dialForwarded("10.0.99.99")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := over.Read(ctx); ws.CloseStatus(err) != closeRateLimited {
		t.Fatalf("connection %d close status = %v, want %d", limitMaxConns+1, ws.CloseStatus(err), closeRateLimited)
	}
}

func TestSocketIP_PrefersStashedAddress(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://example.com/ws", nil)
	r.RemoteAddr = "192.0.2.7:1234"

	var got string
	h := SocketAddr(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Simulate RealIP rewriting RemoteAddr from a forwarded header.
		r.RemoteAddr = "203.0.113.50"
		got = socketIP(r)
	}))
	h.ServeHTTP(httptest.NewRecorder(), r)

	if got != "192.0.2.7" {
		t.Fatalf("socketIP = %q, want the socket address 192.0.2.7", got)
	}
}

func TestChat_RateLimited(t *testing.T) {
	srv, sessions := newTestRouter(t)
	token := sessions.Create("host")

	bc := dial(t, srv, token)
	send(t, bc, map[string]any{"type": "create-room"})
	created := recv(t, bc)
	roomID := created["roomId"].(string)
	recv(t, bc) // joined
	recv(t, bc) // listener-count

	r1 := dial(t, srv, "")
	send(t, r1, map[string]any{"type": "join-room", "roomId": roomID, "role": "receiver"})
	recvType(t, r1, "joined")

	// First message is broadcast; the immediate follow-up falls inside the
	// one-second window and is dropped.
	send(t, r1, map[string]any{"type": "chat", "name": "Ada", "text": "first"})
	send(t, r1, map[string]any{"type": "chat", "name": "Ada", "text": "too fast"})

	recvType(t, bc, "chat") // system join
	first := recvType(t, bc, "chat")
	if first["text"] != "first" {
		t.Fatalf("first chat = %v", first)
	}

	// Past the window the next message goes through, and "too fast" never
	// surfaces.
	time.Sleep(1100 * time.Millisecond)
	send(t, r1, map[string]any{"type": "chat", "name": "Ada", "text": "second"})
	next := recvType(t, bc, "chat")
	if next["text"] != "second" {
		t.Fatalf("chat after window = %v, want second (rate-limited message must not appear)", next)
	}
}

func TestPeerIP(t *testing.T) {
	if got := peerIP("192.0.2.7:1234"); got != "192.0.2.7" {
		t.Errorf("peerIP = %q", got)
	}
	if got := peerIP("[::1]:80"); got != "::1" {
		t.Errorf("peerIP v6 = %q", got)
	}
}

func TestStreamBase(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://example.com/ws", nil)
	if got := streamBase(r); got != "http://example.com" {
		t.Errorf("streamBase = %q", got)
	}

	r.Header.Set("X-Forwarded-Proto", "https")
	r.Header.Set("X-Forwarded-Host", "radio.example")
	if got := streamBase(r); got != "https://radio.example" {
		t.Errorf("forwarded streamBase = %q", got)
	}
}
