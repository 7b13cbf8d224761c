/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package icy implements Shoutcast-style metadata interleaving for HTTP
// audio listeners.
package icy

import (
	"io"
	"strings"
	"sync"
)

// MetaInterval is the number of audio bytes between metadata blocks.
const MetaInterval = 16384

// metadataAgents matches players that understand ICY metadata even when they
// do not send the icy-metadata request header.
var metadataAgents = []string{
	"vlc", "winamp", "foobar", "xmms", "radio", "icecast",
	"mpv", "mplayer", "bass", "fstream", "tunein", "streamripper",
}

// WantsMetadata reports whether a listener request opted into ICY metadata,
// either explicitly via the icy-metadata header or by a known player UA.
func WantsMetadata(icyMetadataHeader, userAgent string) bool {
	if icyMetadataHeader == "1" {
		return true
	}
	ua := strings.ToLower(userAgent)
	for _, agent := range metadataAgents {
		if strings.Contains(ua, agent) {
			return true
		}
	}
	return false
}

// Flusher is the subset of http.Flusher the writer needs. A nil flusher is
// allowed for plain io.Writer sinks (tests, passthrough buffers).
type Flusher interface {
	Flush()
}

// Writer wraps one listener output stream and interleaves a metadata block
// every MetaInterval audio bytes. With metadata disabled it is a plain
// pass-through.
type Writer struct {
	mu      sync.Mutex
	out     io.Writer
	flusher Flusher
	enabled bool
	title   string
	counter int // audio bytes since the last metadata block
	dead    bool
}

// NewWriter creates a writer around a listener output stream.
func NewWriter(out io.Writer, flusher Flusher, enabled bool) *Writer {
	return &Writer{out: out, flusher: flusher, enabled: enabled}
}

// SetTitle updates the stream title carried by the next metadata block.
func (w *Writer) SetTitle(title string) {
	w.mu.Lock()
	w.title = title
	w.mu.Unlock()
}

// Dead reports whether the writer has been ended or has failed.
func (w *Writer) Dead() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dead
}

// End marks the writer dead; subsequent writes are no-ops.
func (w *Writer) End() {
	w.mu.Lock()
	w.dead = true
	w.mu.Unlock()
}

// Write emits audio bytes, inserting a metadata block each time MetaInterval
// audio bytes have been written since the previous block. A write error marks
// the writer dead and is returned to the caller.
func (w *Writer) Write(data []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.dead {
		return 0, io.ErrClosedPipe
	}

	total := len(data)

	if !w.enabled {
		if err := w.emit(data); err != nil {
			return 0, err
		}
		w.flush()
		return total, nil
	}

	for len(data) > 0 {
		chunk := MetaInterval - w.counter
		if chunk > len(data) {
			chunk = len(data)
		}
		if err := w.emit(data[:chunk]); err != nil {
			return 0, err
		}
		w.counter += chunk
		data = data[chunk:]

		if w.counter == MetaInterval {
			if err := w.emit(metadataBlock(w.title)); err != nil {
				return 0, err
			}
			w.counter = 0
		}
	}
	w.flush()
	return total, nil
}

func (w *Writer) emit(p []byte) error {
	if _, err := w.out.Write(p); err != nil {
		w.dead = true
		return err
	}
	return nil
}

func (w *Writer) flush() {
	if w.flusher != nil {
		w.flusher.Flush()
	}
}

// metadataBlock encodes one interleaved metadata block: a length byte (units
// of 16 bytes) followed by the NUL-padded payload. An empty title encodes as
// the single byte 0x00.
func metadataBlock(title string) []byte {
	if title == "" {
		return []byte{0}
	}

	payload := "StreamTitle='" + strings.ReplaceAll(title, "'", `\'`) + "';"
	blocks := (len(payload) + 15) / 16
	if blocks > 255 {
		blocks = 255
		payload = payload[:255*16]
	}

	out := make([]byte, 1+blocks*16)
	out[0] = byte(blocks)
	copy(out[1:], payload)
	return out
}
