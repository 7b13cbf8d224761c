/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	ws "nhooyr.io/websocket"

	"github.com/friendsincode/bragi_cast/internal/rooms"
	"github.com/friendsincode/bragi_cast/internal/session"
	"github.com/friendsincode/bragi_cast/internal/source"
	"github.com/friendsincode/bragi_cast/internal/telemetry"
)

// firstAudioTimeout is how long the server waits for the first binary frame
// after a successful source connect.
const firstAudioTimeout = 8 * time.Second

// closeUnauthenticated rejects integration streams without a valid session.
const closeUnauthenticated ws.StatusCode = 4001

// IntegrationHandler accepts the /integration-stream duplex connection and
// pipes the broadcaster's MP3 into an external Icecast/Shoutcast server.
type IntegrationHandler struct {
	registry *rooms.Registry
	sessions *session.Manager
	logger   zerolog.Logger
}

// NewIntegrationHandler creates the external-relay endpoint.
func NewIntegrationHandler(registry *rooms.Registry, sessions *session.Manager, logger zerolog.Logger) *IntegrationHandler {
	return &IntegrationHandler{
		registry: registry,
		sessions: sessions,
		logger:   logger.With().Str("component", "integration").Logger(),
	}
}

// initMessage is the first frame of the integration protocol.
type initMessage struct {
	Type          string             `json:"type"`
	Credentials   source.Credentials `json:"credentials"`
	RoomID        string             `json:"roomId"`
	StreamQuality string             `json:"streamQuality"`
}

func (h *IntegrationHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := ws.Accept(w, r, &ws.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		h.logger.Debug().Err(err).Msg("integration accept failed")
		return
	}

	if h.sessions.FromRequest(r) == nil {
		wsConn.Close(closeUnauthenticated, "authentication required")
		return
	}

	relayID := uuid.NewString()
	logger := h.logger.With().Str("relay", relayID).Logger()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	init, ok := h.awaitInit(ctx, wsConn)
	if !ok {
		wsConn.Close(ws.StatusNormalClosure, "")
		return
	}

	creds := init.Credentials
	if creds.Type == "" {
		creds.Type = init.Type
	}
	client, err := source.Connect(creds, logger)
	if err != nil {
		telemetry.SourceConnects.WithLabelValues(string(source.KindOf(err))).Inc()
		sendJSON(ctx, wsConn, map[string]any{"type": "error", "error": err.Error()})
		wsConn.Close(ws.StatusNormalClosure, "source connect failed")
		return
	}
	telemetry.SourceConnects.WithLabelValues("ok").Inc()
	defer client.Close()

	sendJSON(ctx, wsConn, map[string]any{"type": "connected"})

	if init.RoomID != "" && h.registry.Exists(init.RoomID) {
		normalized := source.Normalize(creds)
		h.registry.SetIntegration(init.RoomID, &rooms.Integration{
			Type:        normalized.Type,
			ListenerURL: client.ListenerURL(),
			Host:        normalized.Host,
			Port:        normalized.Port,
			Mount:       normalized.Mount,
			Username:    normalized.Username,
			Password:    normalized.Password,
			StreamID:    normalized.StreamID,
		})
		for _, rc := range h.registry.Receivers(init.RoomID) {
			rc.Send(map[string]any{"type": "stream-url", "url": client.ListenerURL()})
		}
		defer h.registry.SetIntegration(init.RoomID, nil)
	}

	logger.Info().Str("type", creds.Type).Str("room", init.RoomID).Msg("integration relay started")

	// If no audio shows up shortly after connect, the client is told and cut
	// off instead of silently holding the source connection open.
	var audioMu sync.Mutex
	audioSeen := false
	firstAudio := time.AfterFunc(firstAudioTimeout, func() {
		audioMu.Lock()
		seen := audioSeen
		audioMu.Unlock()
		if !seen {
			sendJSON(ctx, wsConn, map[string]any{"type": "error", "error": "relay timeout: no audio data received"})
			cancel()
		}
	})
	defer firstAudio.Stop()

	for {
		typ, data, err := wsConn.Read(ctx)
		if err != nil {
			break
		}
		if typ != ws.MessageBinary {
			continue
		}
		audioMu.Lock()
		audioSeen = true
		audioMu.Unlock()

		if _, err := client.Write(data); err != nil {
			logger.Warn().Err(err).Msg("source write failed")
			sendJSON(ctx, wsConn, map[string]any{"type": "error", "error": err.Error()})
			break
		}
	}

	wsConn.Close(ws.StatusNormalClosure, "")
	logger.Info().Msg("integration relay ended")
}

// awaitInit reads frames until the first JSON init object arrives.
func (h *IntegrationHandler) awaitInit(ctx context.Context, wsConn *ws.Conn) (initMessage, bool) {
	for {
		typ, data, err := wsConn.Read(ctx)
		if err != nil {
			return initMessage{}, false
		}
		if typ != ws.MessageText {
			continue
		}
		var init initMessage
		if err := json.Unmarshal(data, &init); err != nil {
			continue
		}
		if init.Type == "" && init.Credentials.Host == "" {
			continue
		}
		return init, true
	}
}

func sendJSON(ctx context.Context, wsConn *ws.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	wsConn.Write(writeCtx, ws.MessageText, data)
}
