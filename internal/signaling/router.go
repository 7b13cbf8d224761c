/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package signaling carries the control plane of a broadcast: room creation,
// peer discovery, chat and metadata fan-out, and ingest of the broadcaster's
// binary audio frames.
package signaling

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	ws "nhooyr.io/websocket"

	"github.com/friendsincode/bragi_cast/internal/config"
	"github.com/friendsincode/bragi_cast/internal/rooms"
	"github.com/friendsincode/bragi_cast/internal/session"
	"github.com/friendsincode/bragi_cast/internal/source"
	"github.com/friendsincode/bragi_cast/internal/telemetry"
	"github.com/friendsincode/bragi_cast/internal/transcode"
)

// Connection policy.
const (
	maxFrameBytes    = 256 * 1024
	pingInterval     = 25 * time.Second
	chatMinInterval  = time.Second
	maxOfferSDPBytes = 10000
	maxCandidateJSON = 2000
)

// Close codes surfaced during the handshake.
const (
	closeBadOrigin   ws.StatusCode = 4003
	closeRateLimited ws.StatusCode = 4029
)

// Router accepts signaling connections and dispatches their control
// messages against the room registry.
type Router struct {
	cfg      *config.Config
	registry *rooms.Registry
	sessions *session.Manager
	limiter  *ipLimiter
	logger   zerolog.Logger
}

// NewRouter creates a signaling router.
func NewRouter(cfg *config.Config, registry *rooms.Registry, sessions *session.Manager, logger zerolog.Logger) *Router {
	return &Router{
		cfg:      cfg,
		registry: registry,
		sessions: sessions,
		limiter:  newIPLimiter(),
		logger:   logger.With().Str("component", "signaling").Logger(),
	}
}

// Close releases the router's background resources.
func (rt *Router) Close() {
	rt.limiter.Close()
}

// clientState is the per-connection state machine.
type clientState struct {
	c          *conn
	roomID     string
	role       rooms.Role
	receiverID string
	authed     bool
	username   string
	lastChat   time.Time
	gotBinary  bool
	streamBase string // scheme://host seen at handshake, for relay URLs
}

// inMessage is the permissive envelope for every inbound control message;
// unknown fields are ignored.
type inMessage struct {
	Type       string          `json:"type"`
	CustomID   string          `json:"customId"`
	RoomID     string          `json:"roomId"`
	Role       string          `json:"role"`
	ReceiverID string          `json:"receiverId"`
	SDP        json.RawMessage `json:"sdp"`
	Candidate  json.RawMessage `json:"candidate"`
	Text       string          `json:"text"`
	Cover      string          `json:"cover"`
	Name       string          `json:"name"`
	Data       map[string]any  `json:"data"`

	Artist       string   `json:"artist"`
	Title        string   `json:"title"`
	Album        string   `json:"album"`
	DurationSec  int      `json:"durationSec"`
	ReleaseDate  string   `json:"releaseDate"`
	ISRC         string   `json:"isrc"`
	BPM          float64  `json:"bpm"`
	TrackPos     int      `json:"trackPos"`
	DiscNum      int      `json:"discNum"`
	Explicit     bool     `json:"explicit"`
	Contributors []string `json:"contributors"`
	Label        string   `json:"label"`
	Genres       []string `json:"genres"`
	CoverMedium  string   `json:"coverMedium"`
}

type sdpPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ServeHTTP upgrades the request and runs the connection to completion.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := ws.Accept(w, r, &ws.AcceptOptions{
		// Origin is checked manually below so a mismatch can surface as a
		// close code instead of an HTTP 403.
		InsecureSkipVerify: true,
	})
	if err != nil {
		rt.logger.Debug().Err(err).Msg("websocket accept failed")
		return
	}

	if !rt.cfg.OriginAllowed(r.Header.Get("Origin")) {
		wsConn.Close(closeBadOrigin, "origin not allowed")
		return
	}

	ip := socketIP(r)
	if !rt.limiter.Allow(ip) {
		wsConn.Close(closeRateLimited, "too many connections")
		return
	}

	wsConn.SetReadLimit(maxFrameBytes)

	telemetry.SignalingConnections.Inc()
	defer telemetry.SignalingConnections.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	st := &clientState{
		c:          newConn(ctx, wsConn),
		streamBase: streamBase(r),
	}
	if sess := rt.sessions.FromRequest(r); sess != nil {
		st.authed = true
		st.username = sess.Username
	}

	logger := rt.logger.With().Str("ip", ip).Bool("authed", st.authed).Logger()
	logger.Debug().Msg("signaling connected")

	// Keepalive: a peer that cannot answer a ping within the interval is
	// terminated.
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pingCtx, pingCancel := context.WithTimeout(ctx, pingInterval)
				err := wsConn.Ping(pingCtx)
				pingCancel()
				if err != nil {
					cancel()
					return
				}
			}
		}
	}()

	for {
		typ, data, err := wsConn.Read(ctx)
		if err != nil {
			break
		}
		switch typ {
		case ws.MessageText:
			rt.handleText(st, data, logger)
		case ws.MessageBinary:
			rt.handleBinary(st, data, logger)
		}
	}

	st.c.markClosed()
	rt.disconnect(st, logger)
	wsConn.Close(ws.StatusNormalClosure, "")
	logger.Debug().Msg("signaling disconnected")
}

// handleBinary ingests one audio frame from the broadcaster.
func (rt *Router) handleBinary(st *clientState, frame []byte, logger zerolog.Logger) {
	if st.role != rooms.RoleBroadcaster || st.roomID == "" {
		return
	}

	if !st.gotBinary {
		st.gotBinary = true
		rt.registry.SetRelayHeader(st.roomID, frame)
	}

	if !rt.cfg.TranscodeEnabled {
		rt.writeToListeners(st.roomID, frame)
		return
	}

	t := rt.registry.Transcoder(st.roomID)
	if t == nil || !t.Alive() {
		proc, err := transcode.Start(rt.cfg.FFmpegBin, st.roomID, fanOut{rt: rt, roomID: st.roomID}, rt.logger)
		if err != nil {
			logger.Warn().Err(err).Msg("transcoder start failed, falling back to passthrough")
			rt.writeToListeners(st.roomID, frame)
			return
		}
		telemetry.TranscoderStarts.Inc()
		if prev := rt.registry.SetTranscoder(st.roomID, proc); prev != nil {
			prev.Stop()
		}
		t = proc
	}

	if err := t.Write(frame); err != nil {
		// Reset the handle so the next frame lazily restarts the child.
		rt.registry.SetTranscoder(st.roomID, nil)
		logger.Debug().Err(err).Msg("transcoder write failed, handle reset")
	}
}

// fanOut distributes transcoder output to the room's HTTP listeners.
type fanOut struct {
	rt     *Router
	roomID string
}

func (f fanOut) Write(p []byte) (int, error) {
	f.rt.writeToListeners(f.roomID, p)
	return len(p), nil
}

// writeToListeners is best-effort: a listener whose write fails is detached.
func (rt *Router) writeToListeners(roomID string, chunk []byte) {
	for _, l := range rt.registry.RelayListeners(roomID) {
		if l.Dead() {
			rt.registry.RemoveRelayListener(roomID, l)
			continue
		}
		if _, err := l.Write(chunk); err != nil {
			rt.registry.RemoveRelayListener(roomID, l)
		}
	}
}

// handleText dispatches one JSON control message. Malformed frames and
// validation failures are dropped silently unless the table specifies a code.
func (rt *Router) handleText(st *clientState, data []byte, logger zerolog.Logger) {
	var msg inMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	telemetry.SignalingMessages.WithLabelValues(msg.Type).Inc()

	joined := st.roomID != ""
	if !joined && msg.Type != "create-room" && msg.Type != "join-room" {
		return
	}

	switch msg.Type {
	case "create-room":
		rt.handleCreateRoom(st, msg)
	case "join-room":
		rt.handleJoinRoom(st, msg)
	case "ready":
		rt.handleReady(st)
	case "offer":
		rt.handleOffer(st, msg)
	case "answer":
		rt.handleAnswer(st, msg)
	case "candidate":
		rt.handleCandidate(st, msg)
	case "start-relay":
		rt.handleStartRelay(st)
	case "metadata":
		rt.handleMetadata(st, msg)
	case "add-track":
		rt.handleAddTrack(st, msg)
	case "chat":
		rt.handleChat(st, msg)
	case "leave":
		rt.disconnect(st, logger)
	case "stats":
		rt.registry.LogStats(st.roomID, st.role, msg.Data)
	case "relay-diag":
		logger.Debug().RawJSON("diag", data).Msg("relay diagnostics")
	default:
		logger.Debug().Str("type", msg.Type).Msg("unknown signaling message")
	}
}

func (rt *Router) sendError(st *clientState, code rooms.Code, message string) {
	st.c.Send(map[string]any{"type": "error", "code": code, "message": message})
}

func (rt *Router) sendRegistryError(st *clientState, err error) {
	if e, ok := err.(*rooms.Error); ok {
		rt.sendError(st, e.Code, e.Message)
		return
	}
	rt.sendError(st, "", err.Error())
}

func (rt *Router) handleCreateRoom(st *clientState, msg inMessage) {
	if st.roomID != "" {
		return
	}
	if !st.authed {
		rt.sendError(st, rooms.CodeAuthRequired, "authentication required")
		return
	}

	roomID, err := rt.registry.Create(msg.CustomID)
	if err != nil {
		rt.sendRegistryError(st, err)
		return
	}
	if _, err := rt.registry.Join(roomID, rooms.RoleBroadcaster, st.c); err != nil {
		rt.sendRegistryError(st, err)
		return
	}
	st.roomID = roomID
	st.role = rooms.RoleBroadcaster

	st.c.Send(map[string]any{"type": "room-created", "roomId": roomID})
	st.c.Send(map[string]any{"type": "joined", "roomId": roomID, "role": "broadcaster"})
	st.c.Send(map[string]any{"type": "listener-count", "count": 0})
}

func (rt *Router) handleJoinRoom(st *clientState, msg inMessage) {
	if st.roomID != "" {
		return
	}
	if msg.RoomID == "" || msg.Role == "" {
		rt.sendError(st, rooms.CodeMissingParams, "roomId and role are required")
		return
	}
	role := rooms.Role(msg.Role)
	if role == rooms.RoleBroadcaster && !st.authed {
		rt.sendError(st, rooms.CodeAuthRequired, "authentication required")
		return
	}

	receiverID, err := rt.registry.Join(msg.RoomID, role, st.c)
	if err != nil {
		rt.sendRegistryError(st, err)
		return
	}
	st.roomID = msg.RoomID
	st.role = role
	st.receiverID = receiverID

	switch role {
	case rooms.RoleBroadcaster:
		st.c.Send(map[string]any{"type": "joined", "roomId": st.roomID, "role": "broadcaster"})
		for _, rid := range rt.registry.ReceiverIDs(st.roomID) {
			st.c.Send(map[string]any{"type": "peer-joined", "role": "receiver", "receiverId": rid})
			if rc := rt.registry.Receiver(st.roomID, rid); rc != nil {
				rc.Send(map[string]any{"type": "peer-joined", "role": "broadcaster"})
			}
		}
		rt.pushListenerCount(st.roomID)

	case rooms.RoleReceiver:
		st.c.Send(map[string]any{"type": "joined", "roomId": st.roomID, "role": "receiver", "receiverId": receiverID})
		if bc := rt.registry.Broadcaster(st.roomID); bc != nil {
			st.c.Send(map[string]any{"type": "peer-joined", "role": "broadcaster"})
			bc.Send(map[string]any{"type": "peer-joined", "role": "receiver", "receiverId": receiverID})
		}
		rt.pushListenerCount(st.roomID)
		rt.pushRoomState(st)
	}
}

// pushRoomState sends a freshly joined receiver the room's current content.
func (rt *Router) pushRoomState(st *clientState) {
	if meta, ok := rt.registry.GetMetadata(st.roomID); ok && meta.Text != "" {
		rt.sendMetadata(st.c, meta)
	}
	if tracks := rt.registry.TrackList(st.roomID); len(tracks) > 0 {
		st.c.Send(map[string]any{"type": "track-list", "tracks": tracks})
	}
	if history := rt.registry.ChatHistory(st.roomID); len(history) > 0 {
		st.c.Send(map[string]any{"type": "chat-history", "messages": history})
	}
	if integ := rt.registry.Integration(st.roomID); integ != nil {
		if url := integ.ListenerURL; url != "" {
			st.c.Send(map[string]any{"type": "stream-url", "url": url})
		} else if integ.LocalStreamURL != "" {
			st.c.Send(map[string]any{"type": "stream-url", "url": integ.LocalStreamURL})
		}
	}
}

func (rt *Router) sendMetadata(c rooms.Conn, meta rooms.Metadata) {
	out := map[string]any{"type": "metadata", "text": meta.Text}
	if meta.CoverURL != "" {
		out["cover"] = meta.CoverURL
	}
	c.Send(out)
}

// pushListenerCount informs the broadcaster; receivers never see counts.
func (rt *Router) pushListenerCount(roomID string) {
	bc := rt.registry.Broadcaster(roomID)
	if bc == nil {
		return
	}
	bc.Send(map[string]any{"type": "listener-count", "count": rt.registry.ListenerCount(roomID)})
}

func (rt *Router) handleReady(st *clientState) {
	if st.role != rooms.RoleBroadcaster {
		return
	}
	for _, rid := range rt.registry.ReceiverIDs(st.roomID) {
		st.c.Send(map[string]any{"type": "peer-joined", "role": "receiver", "receiverId": rid})
	}
}

func validSDP(raw json.RawMessage) bool {
	var p sdpPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return false
	}
	return p.SDP != "" && len(p.SDP) <= maxOfferSDPBytes
}

func (rt *Router) handleOffer(st *clientState, msg inMessage) {
	if st.role != rooms.RoleBroadcaster || msg.ReceiverID == "" || !validSDP(msg.SDP) {
		return
	}
	if rc := rt.registry.Receiver(st.roomID, msg.ReceiverID); rc != nil {
		rc.Send(map[string]any{"type": "offer", "sdp": msg.SDP})
	}
}

func (rt *Router) handleAnswer(st *clientState, msg inMessage) {
	if st.role != rooms.RoleReceiver || !validSDP(msg.SDP) {
		return
	}
	if bc := rt.registry.Broadcaster(st.roomID); bc != nil {
		bc.Send(map[string]any{"type": "answer", "sdp": msg.SDP, "receiverId": st.receiverID})
	}
}

func (rt *Router) handleCandidate(st *clientState, msg inMessage) {
	if len(msg.Candidate) == 0 || len(msg.Candidate) > maxCandidateJSON {
		return
	}
	switch st.role {
	case rooms.RoleBroadcaster:
		if msg.ReceiverID == "" {
			return
		}
		if rc := rt.registry.Receiver(st.roomID, msg.ReceiverID); rc != nil {
			rc.Send(map[string]any{"type": "candidate", "candidate": msg.Candidate})
		}
	case rooms.RoleReceiver:
		if bc := rt.registry.Broadcaster(st.roomID); bc != nil {
			bc.Send(map[string]any{"type": "candidate", "candidate": msg.Candidate, "receiverId": st.receiverID})
		}
	}
}

func (rt *Router) handleStartRelay(st *clientState) {
	if st.role != rooms.RoleBroadcaster {
		return
	}

	url := st.streamBase + "/stream/" + st.roomID
	integ := rt.registry.Integration(st.roomID)
	if integ == nil {
		integ = &rooms.Integration{Type: "local"}
	}
	integ.LocalStreamURL = url
	rt.registry.SetIntegration(st.roomID, integ)

	for _, rc := range rt.registry.Receivers(st.roomID) {
		rc.Send(map[string]any{"type": "stream-url", "url": url})
	}
	st.c.Send(map[string]any{"type": "relay-started", "url": url})
}

func (rt *Router) handleMetadata(st *clientState, msg inMessage) {
	if st.role != rooms.RoleBroadcaster || msg.Text == "" {
		return
	}
	rt.registry.SetMetadata(st.roomID, msg.Text, msg.Cover)
	meta, _ := rt.registry.GetMetadata(st.roomID)
	for _, rc := range rt.registry.Receivers(st.roomID) {
		rt.sendMetadata(rc, meta)
	}
	for _, l := range rt.registry.RelayListeners(st.roomID) {
		l.SetTitle(meta.Text)
	}
}

func (rt *Router) handleAddTrack(st *clientState, msg inMessage) {
	if st.role != rooms.RoleBroadcaster || msg.Text == "" {
		return
	}

	track := rooms.Track{
		Title:        msg.Text,
		Artist:       msg.Artist,
		Album:        msg.Album,
		DurationSec:  msg.DurationSec,
		ReleaseDate:  msg.ReleaseDate,
		ISRC:         msg.ISRC,
		BPM:          msg.BPM,
		TrackPos:     msg.TrackPos,
		DiscNum:      msg.DiscNum,
		Explicit:     msg.Explicit,
		Contributors: msg.Contributors,
		Label:        msg.Label,
		Genres:       msg.Genres,
		Cover:        msg.Cover,
		CoverMedium:  msg.CoverMedium,
	}
	if !rt.registry.AddTrack(st.roomID, track) {
		return
	}

	cover := msg.CoverMedium
	if cover == "" {
		cover = msg.Cover
	}
	rt.registry.SetMetadata(st.roomID, msg.Text, cover)
	meta, _ := rt.registry.GetMetadata(st.roomID)
	tracks := rt.registry.TrackList(st.roomID)

	targets := append([]rooms.Conn{st.c}, connValues(rt.registry.Receivers(st.roomID))...)
	for _, c := range targets {
		c.Send(map[string]any{"type": "track-list", "tracks": tracks})
	}
	for _, c := range targets {
		rt.sendMetadata(c, meta)
	}

	title := icyTitle(msg.Artist, msg.Title, msg.Album, msg.ReleaseDate, msg.Text)
	for _, l := range rt.registry.RelayListeners(st.roomID) {
		l.SetTitle(title)
	}
	if integ := rt.registry.Integration(st.roomID); integ != nil && integ.Host != "" {
		creds := source.Credentials{
			Type:     integ.Type,
			Host:     integ.Host,
			Port:     integ.Port,
			Mount:    integ.Mount,
			Username: integ.Username,
			Password: integ.Password,
			StreamID: integ.StreamID,
		}
		go source.UpdateMetadata(creds, title, rt.logger)
	}
}

func connValues(m map[string]rooms.Conn) []rooms.Conn {
	out := make([]rooms.Conn, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	return out
}

// icyTitle composes the stream title pushed to ICY listeners and external
// admin endpoints.
func icyTitle(artist, title, album, releaseDate, fallback string) string {
	if artist == "" || title == "" {
		return fallback
	}
	out := artist + " - " + title
	if album != "" {
		out += " [" + album
		if len(releaseDate) >= 4 {
			out += " · " + releaseDate[:4]
		}
		out += "]"
	}
	return out
}

func (rt *Router) handleChat(st *clientState, msg inMessage) {
	if st.roomID == "" {
		return
	}
	if len(msg.Name) < 1 || len(msg.Name) > rooms.MaxChatName {
		return
	}
	if len(msg.Text) < 1 || len(msg.Text) > rooms.MaxChatText {
		return
	}
	now := time.Now()
	if now.Sub(st.lastChat) < chatMinInterval {
		return
	}
	st.lastChat = now

	participantID := rt.participantID(st)
	if rt.registry.AddChatParticipant(st.roomID, participantID, msg.Name) {
		system := rooms.ChatMessage{
			Text:   msg.Name + " has joined the chat",
			Time:   now.UnixMilli(),
			System: true,
		}
		rt.registry.AddChat(st.roomID, system)
		rt.broadcastChat(st.roomID, system, nil)
	}

	chat := rooms.ChatMessage{Name: msg.Name, Text: msg.Text, Time: now.UnixMilli()}
	rt.registry.AddChat(st.roomID, chat)
	rt.broadcastChat(st.roomID, chat, st.c)
}

func (rt *Router) participantID(st *clientState) string {
	if st.role == rooms.RoleBroadcaster {
		return rooms.ChatParticipantBroadcaster
	}
	return st.receiverID
}

// broadcastChat sends a chat message to every participant except skip.
func (rt *Router) broadcastChat(roomID string, msg rooms.ChatMessage, skip rooms.Conn) {
	out := map[string]any{"type": "chat", "name": msg.Name, "text": msg.Text, "time": msg.Time}
	if msg.System {
		out["system"] = true
	}
	if bc := rt.registry.Broadcaster(roomID); bc != nil && bc != skip {
		bc.Send(out)
	}
	for _, rc := range rt.registry.Receivers(roomID) {
		if rc != skip {
			rc.Send(out)
		}
	}
}

// disconnect runs the shared teardown for leave messages and closed
// connections, then resets the connection to its unidentified state.
func (rt *Router) disconnect(st *clientState, logger zerolog.Logger) {
	if st.roomID == "" {
		return
	}
	roomID, role, receiverID := st.roomID, st.role, st.receiverID
	st.roomID, st.role, st.receiverID = "", "", ""
	st.gotBinary = false

	if role == rooms.RoleBroadcaster {
		if prev := rt.registry.SetTranscoder(roomID, nil); prev != nil {
			prev.Stop()
		}
		rt.registry.EndRelayListeners(roomID)
		for _, rc := range rt.registry.Receivers(roomID) {
			rc.Send(map[string]any{"type": "peer-left", "role": "broadcaster"})
		}
	} else if bc := rt.registry.Broadcaster(roomID); bc != nil {
		bc.Send(map[string]any{"type": "peer-left", "role": "receiver", "receiverId": receiverID})
	}

	// Participants who never chatted leave silently.
	if name, chatted := rt.registry.RemoveChatParticipant(roomID, participantIDFor(role, receiverID)); chatted {
		system := rooms.ChatMessage{
			Text:   name + " has left the chat",
			Time:   time.Now().UnixMilli(),
			System: true,
		}
		rt.registry.AddChat(roomID, system)
		rt.broadcastChat(roomID, system, st.c)
	}

	rt.registry.Leave(roomID, role, receiverID)
	if role == rooms.RoleReceiver {
		rt.pushListenerCount(roomID)
	}
	logger.Debug().Str("room", roomID).Str("role", string(role)).Msg("participant left")
}

func participantIDFor(role rooms.Role, receiverID string) string {
	if role == rooms.RoleBroadcaster {
		return rooms.ChatParticipantBroadcaster
	}
	return receiverID
}

// streamBase derives the public scheme://host of this deployment from
// forwarded headers when present.
func streamBase(r *http.Request) string {
	proto := r.Header.Get("X-Forwarded-Proto")
	if proto == "" {
		if r.TLS != nil {
			proto = "https"
		} else {
			proto = "http"
		}
	}
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
	}
	return proto + "://" + host
}

func peerIP(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}

type ctxKey int

const socketAddrKey ctxKey = iota

// SocketAddr stashes the connection's peer address in the request context.
// It must run before any middleware that rewrites RemoteAddr from forwarded
// headers: the connection limiter keys on the socket, never on a header a
// client can choose.
func SocketAddr(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), socketAddrKey, r.RemoteAddr)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// socketIP returns the peer IP of the underlying socket, preferring the
// address stashed by SocketAddr over the possibly rewritten RemoteAddr.
func socketIP(r *http.Request) string {
	if addr, ok := r.Context().Value(socketAddrKey).(string); ok && addr != "" {
		return peerIP(addr)
	}
	return peerIP(r.RemoteAddr)
}
