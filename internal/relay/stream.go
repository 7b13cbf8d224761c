/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package relay serves a room's audio to HTTP listeners and pipes it to
// external streaming servers.
package relay

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/friendsincode/bragi_cast/internal/config"
	"github.com/friendsincode/bragi_cast/internal/icy"
	"github.com/friendsincode/bragi_cast/internal/rooms"
	"github.com/friendsincode/bragi_cast/internal/telemetry"
)

// StreamHandler serves GET /stream/{room}: a live MP3 stream with optional
// ICY metadata, or a passthrough of the broadcaster's container when no
// transcoder is configured.
type StreamHandler struct {
	cfg      *config.Config
	registry *rooms.Registry
	logger   zerolog.Logger
}

// NewStreamHandler creates the live stream endpoint.
func NewStreamHandler(cfg *config.Config, registry *rooms.Registry, logger zerolog.Logger) *StreamHandler {
	return &StreamHandler{
		cfg:      cfg,
		registry: registry,
		logger:   logger.With().Str("component", "relay").Logger(),
	}
}

func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "room")
	if !h.registry.Exists(roomID) {
		http.NotFound(w, r)
		return
	}

	mp3 := h.cfg.TranscodeEnabled
	icyEnabled := false
	if mp3 {
		icyEnabled = icy.WantsMetadata(r.Header.Get("Icy-MetaData"), r.UserAgent())
	}

	header := w.Header()
	if mp3 {
		header.Set("Content-Type", "audio/mpeg")
	} else {
		header.Set("Content-Type", "audio/webm")
	}
	header.Set("Connection", "keep-alive")
	header.Set("Cache-Control", "no-cache, no-store")
	header.Set("Access-Control-Allow-Origin", "*")
	header.Set("X-Accel-Buffering", "no")
	if mp3 {
		name := "Bragi Cast"
		if meta, ok := h.registry.GetMetadata(roomID); ok && meta.Text != "" {
			name = meta.Text
		}
		header.Set("icy-name", name)
		header.Set("icy-genre", "Various")
		header.Set("icy-pub", "1")
		header.Set("icy-br", "128")
		header.Set("icy-sr", "44100")
		if icyEnabled {
			header.Set("icy-metaint", "16384")
		}
	}
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	if !mp3 {
		// Late joiners need the container init segment before any frame.
		if init := h.registry.RelayHeader(roomID); len(init) > 0 {
			w.Write(init)
			if flusher != nil {
				flusher.Flush()
			}
		}
	}

	writer := icy.NewWriter(w, flusher, mp3 && icyEnabled)
	if meta, ok := h.registry.GetMetadata(roomID); ok {
		writer.SetTitle(meta.Text)
	}

	if !h.registry.AddRelayListener(roomID, writer) {
		h.logger.Debug().Str("room", roomID).Msg("stream refused, room not live")
		writer.End()
		return
	}
	telemetry.RelayListeners.Inc()
	h.logger.Info().Str("room", roomID).Str("ua", r.UserAgent()).Bool("icy", icyEnabled).Msg("stream listener attached")

	<-r.Context().Done()

	writer.End()
	h.registry.RemoveRelayListener(roomID, writer)
	telemetry.RelayListeners.Dec()
	h.logger.Info().Str("room", roomID).Msg("stream listener detached")
}
