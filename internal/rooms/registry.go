/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package rooms

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/bragi_cast/internal/telemetry"
)

// slugPattern matches a caller-supplied room slug: lowercase alphanumerics
// and hyphens, 3 to 40 characters, no leading or trailing hyphen. Consecutive
// hyphens are rejected separately.
var slugPattern = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9-]{1,38}[a-z0-9])?$`)

// sweepInterval is how often ended rooms are checked against RoomTTL.
const sweepInterval = 15 * time.Minute

// statsReservedKeys are never accepted from client stats payloads.
var statsReservedKeys = map[string]struct{}{
	"__proto__":   {},
	"constructor": {},
	"roomId":      {},
	"role":        {},
}

// Registry is the in-memory catalog of rooms.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*Room

	slugs  *SlugHistory
	logger zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRegistry creates a registry and starts the TTL sweeper.
func NewRegistry(slugs *SlugHistory, logger zerolog.Logger) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	reg := &Registry{
		rooms:  make(map[string]*Room),
		slugs:  slugs,
		logger: logger.With().Str("component", "rooms").Logger(),
		cancel: cancel,
	}

	reg.wg.Add(1)
	go func() {
		defer reg.wg.Done()
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				reg.sweepExpired()
			}
		}
	}()

	return reg
}

// Close stops the sweeper and tears down every room.
func (reg *Registry) Close() {
	reg.cancel()
	reg.wg.Wait()

	reg.mu.Lock()
	rooms := make([]*Room, 0, len(reg.rooms))
	for _, room := range reg.rooms {
		rooms = append(rooms, room)
	}
	reg.rooms = make(map[string]*Room)
	reg.mu.Unlock()

	for _, room := range rooms {
		teardownRoom(room)
	}
}

// ValidSlug reports whether a caller-supplied slug is syntactically valid.
func ValidSlug(slug string) bool {
	return slugPattern.MatchString(slug) && !strings.Contains(slug, "--")
}

// Create registers a new room. With a slug, the slug becomes the room id;
// reusing the slug of a room that is currently live fails with SLUG_IN_USE.
// Without a slug a fresh 7-hex-char id is generated.
func (reg *Registry) Create(slug string) (string, error) {
	if slug != "" {
		if !ValidSlug(slug) {
			return "", codeErr(CodeInvalidSlug, "invalid room name")
		}

		reg.mu.Lock()
		if room, ok := reg.rooms[slug]; ok && roomLive(room) {
			reg.mu.Unlock()
			return "", codeErr(CodeSlugInUse, "room name is currently in use")
		}
		if _, ok := reg.rooms[slug]; !ok {
			reg.rooms[slug] = newRoom(slug)
			telemetry.ActiveRooms.Inc()
		}
		reg.mu.Unlock()

		if reg.slugs != nil {
			if err := reg.slugs.Add(slug); err != nil {
				reg.logger.Warn().Err(err).Str("slug", slug).Msg("failed to persist slug history")
			}
		}
		return slug, nil
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	for {
		id := randomHex(7)
		if _, exists := reg.rooms[id]; exists {
			continue
		}
		reg.rooms[id] = newRoom(id)
		telemetry.ActiveRooms.Inc()
		return id, nil
	}
}

// Join attaches a connection to a room in the given role. For receivers the
// fresh receiver id is returned.
func (reg *Registry) Join(roomID string, role Role, conn Conn) (string, error) {
	room := reg.get(roomID)
	if room == nil {
		return "", codeErr(CodeRoomNotFound, "room not found")
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	switch role {
	case RoleBroadcaster:
		if room.broadcaster != nil && room.broadcaster.Open() {
			return "", codeErr(CodeBroadcasterOccupied, "room already has a broadcaster")
		}
		room.broadcaster = conn
		room.endedAt = time.Time{}
		return "", nil

	case RoleReceiver:
		open := 0
		for _, rc := range room.receivers {
			if rc.Open() {
				open++
			}
		}
		if open >= MaxReceivers {
			return "", codeErr(CodeRoomFull, "room is full")
		}
		for {
			id := randomHex(8)
			if _, exists := room.receivers[id]; exists {
				continue
			}
			room.receivers[id] = conn
			return id, nil
		}

	default:
		return "", codeErr(CodeInvalidRole, "unknown role")
	}
}

// Leave detaches a participant. A broadcaster leave marks the room ended;
// a room that never aired and holds no content is destroyed on the last
// leave.
func (reg *Registry) Leave(roomID string, role Role, receiverID string) {
	room := reg.get(roomID)
	if room == nil {
		return
	}

	room.mu.Lock()
	switch role {
	case RoleBroadcaster:
		room.broadcaster = nil
		room.endedAt = time.Now()
	case RoleReceiver:
		delete(room.receivers, receiverID)
	}

	destroy := room.broadcaster == nil &&
		len(room.receivers) == 0 &&
		room.endedAt.IsZero() &&
		len(room.tracks) == 0 &&
		len(room.chat) == 0
	room.mu.Unlock()

	if destroy {
		reg.destroy(roomID)
	}
}

// Broadcaster returns the room's broadcaster connection if it is open.
func (reg *Registry) Broadcaster(roomID string) Conn {
	room := reg.get(roomID)
	if room == nil {
		return nil
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	if room.broadcaster != nil && room.broadcaster.Open() {
		return room.broadcaster
	}
	return nil
}

// Receiver returns one receiver connection if it is open.
func (reg *Registry) Receiver(roomID, receiverID string) Conn {
	room := reg.get(roomID)
	if room == nil {
		return nil
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	if conn, ok := room.receivers[receiverID]; ok && conn.Open() {
		return conn
	}
	return nil
}

// ReceiverIDs lists ids of receivers whose connections are open.
func (reg *Registry) ReceiverIDs(roomID string) []string {
	room := reg.get(roomID)
	if room == nil {
		return nil
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	ids := make([]string, 0, len(room.receivers))
	for id, conn := range room.receivers {
		if conn.Open() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Receivers returns every open receiver connection keyed by id.
func (reg *Registry) Receivers(roomID string) map[string]Conn {
	room := reg.get(roomID)
	if room == nil {
		return nil
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	out := make(map[string]Conn, len(room.receivers))
	for id, conn := range room.receivers {
		if conn.Open() {
			out[id] = conn
		}
	}
	return out
}

// ListenerCount reports the number of open receiver connections.
func (reg *Registry) ListenerCount(roomID string) int {
	return len(reg.ReceiverIDs(roomID))
}

// SetMetadata updates the room's now-playing metadata, clamping field sizes.
func (reg *Registry) SetMetadata(roomID, text, cover string) bool {
	room := reg.get(roomID)
	if room == nil {
		return false
	}
	room.mu.Lock()
	room.metadata = Metadata{
		Text:     truncate(text, MaxMetadataText),
		CoverURL: truncate(cover, MaxCoverURL),
	}
	room.mu.Unlock()
	return true
}

// GetMetadata returns the room's now-playing metadata.
func (reg *Registry) GetMetadata(roomID string) (Metadata, bool) {
	room := reg.get(roomID)
	if room == nil {
		return Metadata{}, false
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	return room.metadata, true
}

// AddTrack prepends a track to the room's track list. Adding a track whose
// title equals the most recent entry is a no-op; the list is capped at
// MaxTracks by discarding the oldest entry.
func (reg *Registry) AddTrack(roomID string, track Track) bool {
	room := reg.get(roomID)
	if room == nil {
		return false
	}

	track.Title = truncate(track.Title, MaxTrackField)
	track.Artist = truncate(track.Artist, MaxTrackField)
	track.Album = truncate(track.Album, MaxTrackField)
	track.ReleaseDate = truncate(track.ReleaseDate, MaxTrackField)
	track.ISRC = truncate(track.ISRC, MaxTrackField)
	track.Label = truncate(track.Label, MaxTrackField)
	track.Cover = truncate(track.Cover, MaxCoverURL)
	track.CoverMedium = truncate(track.CoverMedium, MaxCoverURL)
	for i, c := range track.Contributors {
		track.Contributors[i] = truncate(c, MaxTrackField)
	}
	for i, g := range track.Genres {
		track.Genres[i] = truncate(g, MaxTrackField)
	}
	if track.Time == 0 {
		track.Time = time.Now().UnixMilli()
	}

	room.mu.Lock()
	defer room.mu.Unlock()

	if len(room.tracks) > 0 && room.tracks[0].Title == track.Title {
		return false
	}
	room.tracks = append([]Track{track}, room.tracks...)
	if len(room.tracks) > MaxTracks {
		room.tracks = room.tracks[:MaxTracks]
	}
	return true
}

// TrackList returns a copy of the room's track list, newest first.
func (reg *Registry) TrackList(roomID string) []Track {
	room := reg.get(roomID)
	if room == nil {
		return nil
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	return append([]Track(nil), room.tracks...)
}

// AddChat appends a chat message, trimming history to MaxChatHistory by
// discarding the oldest entries.
func (reg *Registry) AddChat(roomID string, msg ChatMessage) bool {
	room := reg.get(roomID)
	if room == nil {
		return false
	}
	msg.Name = truncate(msg.Name, MaxChatName)
	msg.Text = truncate(msg.Text, MaxChatText)
	if msg.Time == 0 {
		msg.Time = time.Now().UnixMilli()
	}

	room.mu.Lock()
	room.chat = append(room.chat, msg)
	if len(room.chat) > MaxChatHistory {
		room.chat = room.chat[len(room.chat)-MaxChatHistory:]
	}
	room.mu.Unlock()
	return true
}

// ChatHistory returns a copy of the chat history, oldest first.
func (reg *Registry) ChatHistory(roomID string) []ChatMessage {
	room := reg.get(roomID)
	if room == nil {
		return nil
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	return append([]ChatMessage(nil), room.chat...)
}

// AddChatParticipant records a display name for a participant. It returns
// true the first time the participant is seen.
func (reg *Registry) AddChatParticipant(roomID, participantID, name string) bool {
	room := reg.get(roomID)
	if room == nil {
		return false
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	if _, exists := room.chatParticipants[participantID]; exists {
		return false
	}
	room.chatParticipants[participantID] = truncate(name, MaxChatName)
	return true
}

// RemoveChatParticipant drops a participant and returns the display name
// they had used, if any.
func (reg *Registry) RemoveChatParticipant(roomID, participantID string) (string, bool) {
	room := reg.get(roomID)
	if room == nil {
		return "", false
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	name, ok := room.chatParticipants[participantID]
	if ok {
		delete(room.chatParticipants, participantID)
	}
	return name, ok
}

// SetIntegration stores (or clears, with nil) the room's external streaming
// server configuration.
func (reg *Registry) SetIntegration(roomID string, info *Integration) bool {
	room := reg.get(roomID)
	if room == nil {
		return false
	}
	room.mu.Lock()
	room.integration = info
	room.mu.Unlock()
	return true
}

// Integration returns the room's integration info, or nil.
func (reg *Registry) Integration(roomID string) *Integration {
	room := reg.get(roomID)
	if room == nil {
		return nil
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	if room.integration == nil {
		return nil
	}
	cp := *room.integration
	return &cp
}

// SetRelayHeader stores the first ingested frame once; later calls are
// ignored. The header primes passthrough listeners that join mid-stream.
func (reg *Registry) SetRelayHeader(roomID string, header []byte) {
	room := reg.get(roomID)
	if room == nil {
		return
	}
	room.mu.Lock()
	if room.relayHeader == nil {
		room.relayHeader = append([]byte(nil), header...)
	}
	room.mu.Unlock()
}

// RelayHeader returns the stored container init segment, or nil.
func (reg *Registry) RelayHeader(roomID string) []byte {
	room := reg.get(roomID)
	if room == nil {
		return nil
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	return append([]byte(nil), room.relayHeader...)
}

// SetTranscoder swaps the room's transcoder handle and returns the previous
// one so the caller can stop it outside the lock.
func (reg *Registry) SetTranscoder(roomID string, t Transcoder) (prev Transcoder) {
	room := reg.get(roomID)
	if room == nil {
		return nil
	}
	room.mu.Lock()
	prev = room.transcoder
	room.transcoder = t
	room.mu.Unlock()
	return prev
}

// Transcoder returns the room's transcoder handle, or nil.
func (reg *Registry) Transcoder(roomID string) Transcoder {
	room := reg.get(roomID)
	if room == nil {
		return nil
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	return room.transcoder
}

// AddRelayListener attaches an HTTP audio listener. Rooms without a live
// broadcaster refuse listeners.
func (reg *Registry) AddRelayListener(roomID string, l RelayListener) bool {
	room := reg.get(roomID)
	if room == nil {
		return false
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	if room.broadcaster == nil || !room.broadcaster.Open() {
		return false
	}
	room.relayListeners[l] = struct{}{}
	return true
}

// RemoveRelayListener detaches a listener.
func (reg *Registry) RemoveRelayListener(roomID string, l RelayListener) {
	room := reg.get(roomID)
	if room == nil {
		return
	}
	room.mu.Lock()
	delete(room.relayListeners, l)
	room.mu.Unlock()
}

// RelayListeners returns the currently attached listeners.
func (reg *Registry) RelayListeners(roomID string) []RelayListener {
	room := reg.get(roomID)
	if room == nil {
		return nil
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	out := make([]RelayListener, 0, len(room.relayListeners))
	for l := range room.relayListeners {
		out = append(out, l)
	}
	return out
}

// EndRelayListeners ends and detaches every listener of a room.
func (reg *Registry) EndRelayListeners(roomID string) {
	for _, l := range reg.RelayListeners(roomID) {
		l.End()
		reg.RemoveRelayListener(roomID, l)
	}
}

// LogStats records a sanitized client stats payload. Only scalar values are
// kept and reserved keys are rejected.
func (reg *Registry) LogStats(roomID string, role Role, data map[string]any) {
	clean := SanitizeStats(data)
	if len(clean) == 0 {
		return
	}
	reg.logger.Info().
		Str("room", roomID).
		Str("role", string(role)).
		Fields(map[string]any{"stats": clean}).
		Msg("client stats")
}

// SanitizeStats filters a stats payload down to scalar values with
// non-reserved keys.
func SanitizeStats(data map[string]any) map[string]any {
	clean := make(map[string]any, len(data))
	for key, val := range data {
		if _, reserved := statsReservedKeys[key]; reserved {
			continue
		}
		switch val.(type) {
		case string, bool, float64, int, int64:
			clean[key] = val
		}
	}
	return clean
}

// Exists reports whether a room id is registered.
func (reg *Registry) Exists(roomID string) bool {
	return reg.get(roomID) != nil
}

// Snapshots returns an admin view of every room, sorted by id.
func (reg *Registry) Snapshots() []Snapshot {
	reg.mu.RLock()
	roomsCopy := make([]*Room, 0, len(reg.rooms))
	for _, room := range reg.rooms {
		roomsCopy = append(roomsCopy, room)
	}
	reg.mu.RUnlock()

	out := make([]Snapshot, 0, len(roomsCopy))
	for _, room := range roomsCopy {
		room.mu.Lock()
		snap := Snapshot{
			ID:            room.id,
			Live:          room.broadcaster != nil && room.broadcaster.Open(),
			Receivers:     len(room.receivers),
			RelayClients:  len(room.relayListeners),
			Tracks:        len(room.tracks),
			ChatMessages:  len(room.chat),
			NowPlaying:    room.metadata.Text,
			HasTranscoder: room.transcoder != nil,
			CreatedAt:     room.createdAt,
			EndedAt:       room.endedAt,
		}
		room.mu.Unlock()
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SlugHistoryList returns the persisted slug history.
func (reg *Registry) SlugHistoryList() []string {
	if reg.slugs == nil {
		return nil
	}
	return reg.slugs.List()
}

// RemoveSlug drops a slug from the persisted history.
func (reg *Registry) RemoveSlug(slug string) error {
	if reg.slugs == nil {
		return nil
	}
	return reg.slugs.Remove(slug)
}

func (reg *Registry) get(roomID string) *Room {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.rooms[roomID]
}

func (reg *Registry) destroy(roomID string) {
	reg.mu.Lock()
	room, ok := reg.rooms[roomID]
	if ok {
		delete(reg.rooms, roomID)
	}
	reg.mu.Unlock()

	if ok {
		teardownRoom(room)
		telemetry.ActiveRooms.Dec()
		reg.logger.Info().Str("room", roomID).Msg("room destroyed")
	}
}

// sweepExpired destroys rooms whose ended_at is older than RoomTTL.
func (reg *Registry) sweepExpired() {
	cutoff := time.Now().Add(-RoomTTL)

	reg.mu.RLock()
	expired := make([]string, 0)
	for id, room := range reg.rooms {
		room.mu.Lock()
		if !room.endedAt.IsZero() && room.endedAt.Before(cutoff) {
			expired = append(expired, id)
		}
		room.mu.Unlock()
	}
	reg.mu.RUnlock()

	for _, id := range expired {
		reg.logger.Info().Str("room", id).Msg("room retention expired")
		reg.destroy(id)
	}
}

// teardownRoom stops the transcoder and ends any remaining relay listeners.
func teardownRoom(room *Room) {
	room.mu.Lock()
	transcoder := room.transcoder
	room.transcoder = nil
	listeners := make([]RelayListener, 0, len(room.relayListeners))
	for l := range room.relayListeners {
		listeners = append(listeners, l)
	}
	room.relayListeners = make(map[RelayListener]struct{})
	room.mu.Unlock()

	if transcoder != nil {
		transcoder.Stop()
	}
	for _, l := range listeners {
		l.End()
	}
}

func roomLive(room *Room) bool {
	room.mu.Lock()
	defer room.mu.Unlock()
	return room.broadcaster != nil && room.broadcaster.Open()
}

// randomHex returns n lowercase hex characters from the system CSPRNG.
func randomHex(n int) string {
	buf := make([]byte, (n+1)/2)
	if _, err := rand.Read(buf); err != nil {
		panic(err) // system randomness failure is not recoverable
	}
	return hex.EncodeToString(buf)[:n]
}
