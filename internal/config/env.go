package config

import (
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// Environment variables that override the profile file. Credentials
// normally live here rather than in relaychat.json.
const (
	EnvToken    = "RELAYCHAT_TOKEN"
	EnvCookie   = "RELAYCHAT_COOKIE"
	EnvRelayURL = "RELAYCHAT_RELAY_URL"
	EnvAPIURL   = "RELAYCHAT_API_URL"
	EnvUserID   = "RELAYCHAT_USER_ID"
	EnvLogLevel = "RELAYCHAT_LOG_LEVEL"
	EnvMetrics  = "RELAYCHAT_METRICS_ADDR"
)

// LoadDotEnv loads a .env file from dir into the process environment.
// Variables already set win. A missing file is not an error.
func LoadDotEnv(dir string) error {
	path := filepath.Join(dir, ".env")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return godotenv.Load(path)
}

// ApplyEnv overlays environment variables onto cfg.
func ApplyEnv(cfg *Config) {
	set := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	set(EnvToken, &cfg.Relay.Token)
	set(EnvCookie, &cfg.Relay.Cookie)
	set(EnvRelayURL, &cfg.Relay.URL)
	set(EnvAPIURL, &cfg.Relay.APIURL)
	set(EnvUserID, &cfg.Identity.UserID)
	set(EnvLogLevel, &cfg.Log.Level)
	set(EnvMetrics, &cfg.Metrics.Addr)
}
