/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package rooms holds the in-memory catalog of broadcast sessions: who is on
// air, who is listening, chat, track list and now-playing metadata.
package rooms

import (
	"io"
	"sync"
	"time"
)

// Caps applied to room content.
const (
	MaxReceivers   = 4
	MaxTracks      = 100
	MaxChatHistory = 200

	MaxMetadataText = 200
	MaxCoverURL     = 500
	MaxTrackField   = 500
	MaxChatText     = 280
	MaxChatName     = 50
)

// Retention of an ended room before the sweeper destroys it.
const RoomTTL = 24 * time.Hour

// Role identifies a participant's side of a broadcast.
type Role string

const (
	RoleBroadcaster Role = "broadcaster"
	RoleReceiver    Role = "receiver"
)

// ChatParticipantBroadcaster is the chat participant id used for the
// broadcaster side.
const ChatParticipantBroadcaster = "broadcaster"

// Conn is a live signaling connection as seen by the registry. The registry
// only ever hands out connections whose Open reports true.
type Conn interface {
	// Open reports whether the underlying transport is still usable.
	Open() bool
	// Send writes one JSON control message to the peer.
	Send(v any) error
}

// RelayListener is an attached HTTP audio listener (an ICY writer).
type RelayListener interface {
	io.Writer
	SetTitle(title string)
	End()
	Dead() bool
}

// Transcoder is a per-room audio conversion handle.
type Transcoder interface {
	Write(p []byte) error
	Stop()
	Alive() bool
}

// Metadata is the current "now playing" of a room.
type Metadata struct {
	Text     string `json:"text"`
	CoverURL string `json:"cover,omitempty"`
}

// Track is one entry of a room's track list.
type Track struct {
	Title        string   `json:"title"`
	Time         int64    `json:"time"` // unix milliseconds
	Artist       string   `json:"artist,omitempty"`
	Album        string   `json:"album,omitempty"`
	DurationSec  int      `json:"durationSec,omitempty"`
	ReleaseDate  string   `json:"releaseDate,omitempty"`
	ISRC         string   `json:"isrc,omitempty"`
	BPM          float64  `json:"bpm,omitempty"`
	TrackPos     int      `json:"trackPos,omitempty"`
	DiscNum      int      `json:"discNum,omitempty"`
	Explicit     bool     `json:"explicit,omitempty"`
	Contributors []string `json:"contributors,omitempty"`
	Label        string   `json:"label,omitempty"`
	Genres       []string `json:"genres,omitempty"`
	Cover        string   `json:"cover,omitempty"`
	CoverMedium  string   `json:"coverMedium,omitempty"`
}

// ChatMessage is one entry of a room's chat history.
type ChatMessage struct {
	Name   string `json:"name"`
	Text   string `json:"text"`
	Time   int64  `json:"time"` // unix milliseconds
	System bool   `json:"system,omitempty"`
}

// Integration describes an external shoutcasting server configured on a room.
type Integration struct {
	Type           string `json:"type"`
	ListenerURL    string `json:"listenerUrl,omitempty"`
	LocalStreamURL string `json:"localStreamUrl,omitempty"`

	// Credentials needed for admin metadata pushes.
	Host     string `json:"-"`
	Port     string `json:"-"`
	Mount    string `json:"-"`
	Username string `json:"-"`
	Password string `json:"-"`
	StreamID string `json:"-"`
}

// Room is one broadcast session. All fields are guarded by mu; mutation goes
// through the registry so that every room mutation is atomic with respect to
// any other mutation on the same room.
type Room struct {
	mu sync.Mutex

	id        string
	createdAt time.Time
	endedAt   time.Time // zero while live or never aired

	broadcaster Conn
	receivers   map[string]Conn

	metadata         Metadata
	tracks           []Track // newest first
	chat             []ChatMessage
	chatParticipants map[string]string // participant id -> display name

	integration *Integration
	relayHeader []byte
	transcoder  Transcoder

	relayListeners map[RelayListener]struct{}
}

func newRoom(id string) *Room {
	return &Room{
		id:               id,
		createdAt:        time.Now(),
		receivers:        make(map[string]Conn),
		chatParticipants: make(map[string]string),
		relayListeners:   make(map[RelayListener]struct{}),
	}
}

// ID returns the room identifier.
func (r *Room) ID() string { return r.id }

// Snapshot is a read-only view of a room for the admin surface.
type Snapshot struct {
	ID            string    `json:"id"`
	Live          bool      `json:"live"`
	Receivers     int       `json:"receivers"`
	RelayClients  int       `json:"relayClients"`
	Tracks        int       `json:"tracks"`
	ChatMessages  int       `json:"chatMessages"`
	NowPlaying    string    `json:"nowPlaying,omitempty"`
	HasTranscoder bool      `json:"hasTranscoder"`
	CreatedAt     time.Time `json:"createdAt"`
	EndedAt       time.Time `json:"endedAt,omitempty"`
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
