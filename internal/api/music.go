/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
)

// catalogTrack is the normalized shape returned by both catalog endpoints.
type catalogTrack struct {
	ID           int64    `json:"id"`
	Title        string   `json:"title"`
	Artist       string   `json:"artist"`
	Album        string   `json:"album,omitempty"`
	DurationSec  int      `json:"durationSec,omitempty"`
	ReleaseDate  string   `json:"releaseDate,omitempty"`
	ISRC         string   `json:"isrc,omitempty"`
	BPM          float64  `json:"bpm,omitempty"`
	TrackPos     int      `json:"trackPos,omitempty"`
	DiscNum      int      `json:"discNum,omitempty"`
	Explicit     bool     `json:"explicit,omitempty"`
	Contributors []string `json:"contributors,omitempty"`
	Cover        string   `json:"cover,omitempty"`
	CoverMedium  string   `json:"coverMedium,omitempty"`
}

type catalogEntry struct {
	ID       int64   `json:"id"`
	Title    string  `json:"title"`
	Duration int     `json:"duration"`
	Rank     int64   `json:"rank"`
	BPM      float64 `json:"bpm"`

	ReleaseDate    string `json:"release_date"`
	ISRC           string `json:"isrc"`
	TrackPosition  int    `json:"track_position"`
	DiskNumber     int    `json:"disk_number"`
	ExplicitLyrics bool   `json:"explicit_lyrics"`

	Artist struct {
		Name string `json:"name"`
	} `json:"artist"`
	Album struct {
		Title       string `json:"title"`
		Cover       string `json:"cover"`
		CoverMedium string `json:"cover_medium"`
	} `json:"album"`
	Contributors []struct {
		Name string `json:"name"`
	} `json:"contributors"`
}

func (e catalogEntry) normalize() catalogTrack {
	track := catalogTrack{
		ID:          e.ID,
		Title:       e.Title,
		Artist:      e.Artist.Name,
		Album:       e.Album.Title,
		DurationSec: e.Duration,
		ReleaseDate: e.ReleaseDate,
		ISRC:        e.ISRC,
		BPM:         e.BPM,
		TrackPos:    e.TrackPosition,
		DiscNum:     e.DiskNumber,
		Explicit:    e.ExplicitLyrics,
		Cover:       e.Album.Cover,
		CoverMedium: e.Album.CoverMedium,
	}
	for _, c := range e.Contributors {
		track.Contributors = append(track.Contributors, c.Name)
	}
	return track
}

// handleMusicSearch proxies a free-text search to the catalog. No retries;
// a failing upstream yields an empty result set.
func (a *API) handleMusicSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}

	target := a.cfg.MusicCatalogURL + "/search?q=" + url.QueryEscape(q)
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	resp, err := a.client.Do(req)
	if err != nil {
		a.logger.Warn().Err(err).Msg("catalog search failed")
		writeJSON(w, http.StatusOK, map[string]any{"results": []catalogTrack{}})
		return
	}
	defer resp.Body.Close()

	var payload struct {
		Data []catalogEntry `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"results": []catalogTrack{}})
		return
	}

	results := make([]catalogTrack, 0, len(payload.Data))
	for _, entry := range payload.Data {
		results = append(results, entry.normalize())
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// handleMusicDetail proxies a track lookup to the catalog.
func (a *API) handleMusicDetail(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}

	target := a.cfg.MusicCatalogURL + "/track/" + url.PathEscape(id)
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, target, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	resp, err := a.client.Do(req)
	if err != nil {
		a.logger.Warn().Err(err).Msg("catalog detail failed")
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	defer resp.Body.Close()

	var entry catalogEntry
	if err := json.NewDecoder(resp.Body).Decode(&entry); err != nil || entry.ID == 0 {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, entry.normalize())
}
