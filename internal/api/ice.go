/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// iceCacheTTL is how long provider-issued TURN credentials are reused.
const iceCacheTTL = 5 * time.Minute

// publicSTUN is always merged into the returned server list.
var publicSTUN = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
	{URLs: []string{"stun:stun1.l.google.com:19302"}},
}

type iceCache struct {
	mu      sync.Mutex
	servers []webrtc.ICEServer
	fetched time.Time
}

// handleICEConfig returns the STUN/TURN servers peers should use. Provider
// credentials are fetched at most once per cache window; a static TURN
// configuration is used when no provider is set.
func (a *API) handleICEConfig(w http.ResponseWriter, r *http.Request) {
	servers := append([]webrtc.ICEServer(nil), publicSTUN...)

	switch {
	case a.cfg.ICEProviderURL != "":
		provided, err := a.providerServers(r)
		if err != nil {
			a.logger.Warn().Err(err).Msg("ICE provider fetch failed")
		} else {
			servers = append(servers, provided...)
		}
	case a.cfg.TURNURL != "":
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{a.cfg.TURNURL},
			Username:   a.cfg.TURNUsername,
			Credential: a.cfg.TURNCredential,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"iceServers": servers})
}

func (a *API) providerServers(r *http.Request) ([]webrtc.ICEServer, error) {
	a.ice.mu.Lock()
	defer a.ice.mu.Unlock()

	if time.Since(a.ice.fetched) < iceCacheTTL && a.ice.servers != nil {
		return a.ice.servers, nil
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, a.cfg.ICEProviderURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var fetched []struct {
		URLs       string `json:"urls"`
		Username   string `json:"username"`
		Credential string `json:"credential"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&fetched); err != nil {
		return nil, err
	}

	servers := make([]webrtc.ICEServer, 0, len(fetched))
	for _, s := range fetched {
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{s.URLs},
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	a.ice.servers = servers
	a.ice.fetched = time.Now()
	return servers, nil
}
