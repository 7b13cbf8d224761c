/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment string
	HTTPBind    string
	HTTPPort    int
	BaseURL     string // Public base URL used when forwarded headers are absent

	// Signaling / session
	AllowedOrigin string // "*" or a single exact origin
	RequireTLS    bool
	SessionSecret string
	AdminPassword string

	// Transcoding
	FFmpegBin        string
	TranscodeEnabled bool

	// Third-party collaborators
	AcoustIDAPIKey  string
	AcoustIDURL     string // fingerprinting collaborator endpoint
	MusicCatalogURL string // catalog proxy base (Deezer-compatible)
	ICEProviderURL  string // provider credentials URL (e.g. Metered), optional

	// Static TURN fallback
	TURNURL        string
	TURNUsername   string
	TURNCredential string

	// Persistence
	SlugHistoryFile string

	// Observability
	LogDir      string
	LogLevel    string
	MetricsBind string
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("BRAGI_ENV", "development"),
		HTTPBind:    getEnv("BRAGI_HTTP_BIND", "0.0.0.0"),
		HTTPPort:    getEnvInt("PORT", 3000),
		BaseURL:     getEnv("BRAGI_BASE_URL", ""),

		AllowedOrigin: getEnv("ALLOWED_ORIGIN", "*"),
		RequireTLS:    getEnvBool("REQUIRE_TLS", false),
		SessionSecret: getEnv("SESSION_SECRET", ""),
		AdminPassword: getEnv("ADMIN_PASSWORD", ""),

		FFmpegBin:        getEnv("BRAGI_FFMPEG_BIN", "ffmpeg"),
		TranscodeEnabled: getEnvBool("BRAGI_TRANSCODE_ENABLED", true),

		AcoustIDAPIKey:  getEnv("ACOUSTID_API_KEY", ""),
		AcoustIDURL:     getEnv("BRAGI_ACOUSTID_URL", "https://api.acoustid.org/v2/lookup"),
		MusicCatalogURL: getEnv("BRAGI_MUSIC_CATALOG_URL", "https://api.deezer.com"),
		ICEProviderURL:  getEnv("BRAGI_ICE_PROVIDER_URL", ""),

		TURNURL:        getEnv("TURN_URL", ""),
		TURNUsername:   getEnv("TURN_USERNAME", ""),
		TURNCredential: getEnv("TURN_CREDENTIAL", ""),

		SlugHistoryFile: getEnv("BRAGI_SLUG_HISTORY_FILE", "./data/room-slugs.txt"),

		LogDir:      getEnv("LOG_DIR", ""),
		LogLevel:    getEnv("LOG_LEVEL", ""),
		MetricsBind: getEnv("BRAGI_METRICS_BIND", "127.0.0.1:9100"),
	}

	if cfg.SessionSecret == "" {
		return nil, fmt.Errorf("SESSION_SECRET must be provided")
	}

	if strings.EqualFold(cfg.Environment, "production") {
		if cfg.AdminPassword == "" || strings.EqualFold(cfg.AdminPassword, "hackme") {
			return nil, fmt.Errorf("ADMIN_PASSWORD must be set to a non-default value in production")
		}
		if cfg.TURNURL != "" && (cfg.TURNUsername == "" || cfg.TURNCredential == "") {
			return nil, fmt.Errorf("TURN_USERNAME and TURN_CREDENTIAL are required when TURN is configured in production")
		}
	}

	return cfg, nil
}

// OriginAllowed reports whether a client origin passes the configured check.
// An empty origin header only passes when the wildcard is configured.
func (c *Config) OriginAllowed(origin string) bool {
	if c.AllowedOrigin == "" || c.AllowedOrigin == "*" {
		return true
	}
	return origin == c.AllowedOrigin
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "true" || v == "1" || v == "yes" {
			return true
		}
		if v == "false" || v == "0" || v == "no" {
			return false
		}
	}
	return def
}
