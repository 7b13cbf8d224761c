/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
)

// maxIdentifyBody caps the audio sample accepted for fingerprinting.
const maxIdentifyBody = 2 << 20

// handleIdentifyAudio forwards an audio sample to the fingerprinting
// collaborator and returns its best match.
func (a *API) handleIdentifyAudio(w http.ResponseWriter, r *http.Request) {
	if a.cfg.AcoustIDAPIKey == "" {
		writeError(w, http.StatusServiceUnavailable, "audio identification is not configured")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxIdentifyBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "audio sample too large")
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, "empty audio sample")
		return
	}

	target := a.cfg.AcoustIDURL + "?client=" + a.cfg.AcoustIDAPIKey
	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := a.client.Do(req)
	if err != nil {
		a.logger.Warn().Err(err).Msg("fingerprint lookup failed")
		writeJSON(w, http.StatusOK, map[string]any{"match": nil})
		return
	}
	defer resp.Body.Close()

	var result json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"match": nil})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"match": result})
}
