/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package rooms

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

type fakeConn struct {
	open bool
	sent []any
}

func (c *fakeConn) Open() bool       { return c.open }
func (c *fakeConn) Send(v any) error { c.sent = append(c.sent, v); return nil }

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry(nil, zerolog.Nop())
	t.Cleanup(reg.Close)
	return reg
}

func TestValidSlug(t *testing.T) {
	tests := []struct {
		slug string
		want bool
	}{
		{"abc", true},
		{"a-b", true},
		{"my-radio-show", true},
		{"abcdefghij-abcdefghij-abcdefghij-abcdefg", true}, // 40 chars
		{"a", true},
		{"ab", false},
		{"abcdefghij-abcdefghij-abcdefghij-abcdefgh", false}, // 41 chars
		{"a--b", false},
		{"-ab", false},
		{"ab-", false},
		{"A", false},
		{"caps-Here", false},
		{"under_score", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := ValidSlug(tt.slug); got != tt.want {
			t.Errorf("ValidSlug(%q) = %v, want %v", tt.slug, got, tt.want)
		}
	}
}

func TestCreate_GeneratedID(t *testing.T) {
	reg := newTestRegistry(t)

	id, err := reg.Create("")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if len(id) != 7 {
		t.Fatalf("generated id %q, want 7 hex chars", id)
	}
	for _, c := range id {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			t.Fatalf("generated id %q contains non-hex char %q", id, c)
		}
	}
	if !reg.Exists(id) {
		t.Fatal("created room not registered")
	}
}

func TestCreate_SlugInUse(t *testing.T) {
	reg := newTestRegistry(t)

	if _, err := reg.Create("my-show"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	// Not live yet: the slug may be reclaimed.
	if _, err := reg.Create("my-show"); err != nil {
		t.Fatalf("Create on idle slug: %v", err)
	}

	bc := &fakeConn{open: true}
	if _, err := reg.Join("my-show", RoleBroadcaster, bc); err != nil {
		t.Fatalf("Join: %v", err)
	}
	_, err := reg.Create("my-show")
	if CodeOf(err) != CodeSlugInUse {
		t.Fatalf("Create on live slug: err = %v, want SLUG_IN_USE", err)
	}

	// Broadcaster gone: reclaimable again.
	bc.open = false
	if _, err := reg.Create("my-show"); err != nil {
		t.Fatalf("Create after broadcaster left: %v", err)
	}
}

func TestCreate_InvalidSlug(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.Create("Bad Name")
	if CodeOf(err) != CodeInvalidSlug {
		t.Fatalf("err = %v, want INVALID_SLUG", err)
	}
}

func TestJoin_BroadcasterOccupied(t *testing.T) {
	reg := newTestRegistry(t)
	id, _ := reg.Create("")

	if _, err := reg.Join(id, RoleBroadcaster, &fakeConn{open: true}); err != nil {
		t.Fatalf("first broadcaster: %v", err)
	}
	_, err := reg.Join(id, RoleBroadcaster, &fakeConn{open: true})
	if CodeOf(err) != CodeBroadcasterOccupied {
		t.Fatalf("second broadcaster: err = %v, want BROADCASTER_OCCUPIED", err)
	}
}

func TestJoin_RoomFull(t *testing.T) {
	reg := newTestRegistry(t)
	id, _ := reg.Create("")

	seen := map[string]bool{}
	for i := 0; i < MaxReceivers; i++ {
		rid, err := reg.Join(id, RoleReceiver, &fakeConn{open: true})
		if err != nil {
			t.Fatalf("receiver %d: %v", i, err)
		}
		if len(rid) != 8 {
			t.Fatalf("receiver id %q, want 8 hex chars", rid)
		}
		if seen[rid] {
			t.Fatalf("duplicate receiver id %q", rid)
		}
		seen[rid] = true
	}

	_, err := reg.Join(id, RoleReceiver, &fakeConn{open: true})
	if CodeOf(err) != CodeRoomFull {
		t.Fatalf("fifth receiver: err = %v, want ROOM_FULL", err)
	}
}

func TestJoin_RoomNotFound(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.Join("nothere", RoleReceiver, &fakeConn{open: true})
	if CodeOf(err) != CodeRoomNotFound {
		t.Fatalf("err = %v, want ROOM_NOT_FOUND", err)
	}
}

func TestLeave_BroadcasterEndsRoom(t *testing.T) {
	reg := newTestRegistry(t)
	id, _ := reg.Create("")

	bc := &fakeConn{open: true}
	reg.Join(id, RoleBroadcaster, bc)
	reg.AddTrack(id, Track{Title: "song"})
	reg.Leave(id, RoleBroadcaster, "")

	// Ended but retained: content keeps the room alive for its TTL.
	if !reg.Exists(id) {
		t.Fatal("room with tracks should survive broadcaster leave")
	}
	if reg.Broadcaster(id) != nil {
		t.Fatal("broadcaster should be cleared")
	}

	// A rejoining broadcaster revives the room.
	if _, err := reg.Join(id, RoleBroadcaster, &fakeConn{open: true}); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
}

func TestLeave_EmptyRoomDestroyedImmediately(t *testing.T) {
	reg := newTestRegistry(t)
	id, _ := reg.Create("")

	rid, _ := reg.Join(id, RoleReceiver, &fakeConn{open: true})
	reg.Leave(id, RoleReceiver, rid)

	if reg.Exists(id) {
		t.Fatal("empty never-aired room should be destroyed on last leave")
	}
}

func TestAddTrack_DeduplicatesConsecutiveTitles(t *testing.T) {
	reg := newTestRegistry(t)
	id, _ := reg.Create("")

	if !reg.AddTrack(id, Track{Title: "one"}) {
		t.Fatal("first add rejected")
	}
	if reg.AddTrack(id, Track{Title: "one"}) {
		t.Fatal("duplicate consecutive title accepted")
	}
	if !reg.AddTrack(id, Track{Title: "two"}) {
		t.Fatal("new title rejected")
	}
	if !reg.AddTrack(id, Track{Title: "one"}) {
		t.Fatal("non-consecutive repeat rejected")
	}

	tracks := reg.TrackList(id)
	if len(tracks) != 3 {
		t.Fatalf("track count = %d, want 3", len(tracks))
	}
	if tracks[0].Title != "one" || tracks[1].Title != "two" || tracks[2].Title != "one" {
		t.Fatalf("track order wrong: %v", tracks)
	}
}

func TestAddTrack_CapDiscardsOldest(t *testing.T) {
	reg := newTestRegistry(t)
	id, _ := reg.Create("")

	for i := 0; i < MaxTracks+10; i++ {
		reg.AddTrack(id, Track{Title: fmt.Sprintf("track-%03d", i)})
	}
	if n := len(reg.TrackList(id)); n != MaxTracks {
		t.Fatalf("track count = %d, want %d", n, MaxTracks)
	}
}

func TestAddChat_TrimsHistory(t *testing.T) {
	reg := newTestRegistry(t)
	id, _ := reg.Create("")

	for i := 0; i < MaxChatHistory+25; i++ {
		reg.AddChat(id, ChatMessage{Name: "n", Text: "m"})
	}
	if n := len(reg.ChatHistory(id)); n != MaxChatHistory {
		t.Fatalf("chat history = %d, want %d", n, MaxChatHistory)
	}
}

func TestAddChat_TruncatesFields(t *testing.T) {
	reg := newTestRegistry(t)
	id, _ := reg.Create("")

	long := make([]byte, 1000)
	for i := range long {
		long[i] = 'x'
	}
	reg.AddChat(id, ChatMessage{Name: string(long), Text: string(long)})

	history := reg.ChatHistory(id)
	if len(history) != 1 {
		t.Fatalf("history length = %d", len(history))
	}
	if len(history[0].Name) != MaxChatName {
		t.Errorf("name length = %d, want %d", len(history[0].Name), MaxChatName)
	}
	if len(history[0].Text) != MaxChatText {
		t.Errorf("text length = %d, want %d", len(history[0].Text), MaxChatText)
	}
}

func TestSanitizeStats(t *testing.T) {
	in := map[string]any{
		"bitrate":     float64(128000),
		"codec":       "opus",
		"muted":       false,
		"__proto__":   "evil",
		"constructor": "evil",
		"roomId":      "spoof",
		"role":        "spoof",
		"nested":      map[string]any{"a": 1},
		"list":        []any{1, 2},
	}
	out := SanitizeStats(in)
	if len(out) != 3 {
		t.Fatalf("sanitized keys = %v, want 3 scalars", out)
	}
	for _, key := range []string{"__proto__", "constructor", "roomId", "role", "nested", "list"} {
		if _, ok := out[key]; ok {
			t.Errorf("key %q survived sanitization", key)
		}
	}
}

func TestRelayListeners_RequireBroadcaster(t *testing.T) {
	reg := newTestRegistry(t)
	id, _ := reg.Create("")

	l := &fakeListener{}
	if reg.AddRelayListener(id, l) {
		t.Fatal("listener accepted without a broadcaster")
	}

	reg.Join(id, RoleBroadcaster, &fakeConn{open: true})
	if !reg.AddRelayListener(id, l) {
		t.Fatal("listener rejected with a live broadcaster")
	}
	if n := len(reg.RelayListeners(id)); n != 1 {
		t.Fatalf("listener count = %d, want 1", n)
	}

	reg.RemoveRelayListener(id, l)
	if n := len(reg.RelayListeners(id)); n != 0 {
		t.Fatalf("listener count after remove = %d, want 0", n)
	}
}

type fakeListener struct {
	ended bool
	title string
}

func (l *fakeListener) Write(p []byte) (int, error) { return len(p), nil }
func (l *fakeListener) SetTitle(t string)           { l.title = t }
func (l *fakeListener) End()                        { l.ended = true }
func (l *fakeListener) Dead() bool                  { return l.ended }

func TestRelayHeader_SetOnce(t *testing.T) {
	reg := newTestRegistry(t)
	id, _ := reg.Create("")

	reg.SetRelayHeader(id, []byte{1, 2, 3})
	reg.SetRelayHeader(id, []byte{9, 9, 9})

	if got := reg.RelayHeader(id); len(got) != 3 || got[0] != 1 {
		t.Fatalf("relay header = %v, want first frame kept", got)
	}
}

func TestMetadata_Clamped(t *testing.T) {
	reg := newTestRegistry(t)
	id, _ := reg.Create("")

	long := make([]byte, 1000)
	for i := range long {
		long[i] = 'y'
	}
	reg.SetMetadata(id, string(long), string(long))

	meta, ok := reg.GetMetadata(id)
	if !ok {
		t.Fatal("metadata missing")
	}
	if len(meta.Text) != MaxMetadataText {
		t.Errorf("text length = %d, want %d", len(meta.Text), MaxMetadataText)
	}
	if len(meta.CoverURL) != MaxCoverURL {
		t.Errorf("cover length = %d, want %d", len(meta.CoverURL), MaxCoverURL)
	}
}

func TestChatParticipants(t *testing.T) {
	reg := newTestRegistry(t)
	id, _ := reg.Create("")

	if !reg.AddChatParticipant(id, "r1", "alice") {
		t.Fatal("first participant rejected")
	}
	if reg.AddChatParticipant(id, "r1", "alice2") {
		t.Fatal("duplicate participant accepted")
	}

	name, ok := reg.RemoveChatParticipant(id, "r1")
	if !ok || name != "alice" {
		t.Fatalf("removed = %q/%v, want alice/true", name, ok)
	}
	if _, ok := reg.RemoveChatParticipant(id, "r1"); ok {
		t.Fatal("second removal should miss")
	}
}

func TestListenerCount_CountsOpenOnly(t *testing.T) {
	reg := newTestRegistry(t)
	id, _ := reg.Create("")

	c1 := &fakeConn{open: true}
	c2 := &fakeConn{open: true}
	reg.Join(id, RoleReceiver, c1)
	reg.Join(id, RoleReceiver, c2)

	if n := reg.ListenerCount(id); n != 2 {
		t.Fatalf("listener count = %d, want 2", n)
	}
	c2.open = false
	if n := reg.ListenerCount(id); n != 1 {
		t.Fatalf("listener count = %d, want 1 after close", n)
	}
}

func TestSlugHistory_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "slugs.txt")

	h, err := LoadSlugHistory(path)
	if err != nil {
		t.Fatalf("LoadSlugHistory: %v", err)
	}
	if err := h.Add("my-show"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := h.Add("another"); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := h.Add("my-show"); err != nil {
		t.Fatalf("Add duplicate: %v", err)
	}

	h2, err := LoadSlugHistory(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got := h2.List()
	if len(got) != 2 || got[0] != "another" || got[1] != "my-show" {
		t.Fatalf("reloaded slugs = %v", got)
	}

	if err := h2.Remove("another"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	h3, err := LoadSlugHistory(path)
	if err != nil {
		t.Fatalf("reload after remove: %v", err)
	}
	if got := h3.List(); len(got) != 1 || got[0] != "my-show" {
		t.Fatalf("slugs after remove = %v", got)
	}
}
