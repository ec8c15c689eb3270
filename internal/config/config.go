package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/mapmarket/relaychat/internal/proto"
	"github.com/mapmarket/relaychat/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	Relay    Relay    `json:"relay"`
	Chat     Chat     `json:"chat"`
	Call     Call     `json:"call"`
	Audio    Audio    `json:"audio"`
	Storage  Storage  `json:"storage"`
	Log      Log      `json:"log"`
	Metrics  Metrics  `json:"metrics"`
}

type Identity struct {
	// Server-side user id of the signed-in account. Inbound messages from this
	// id never count as unread.
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

type Relay struct {
	// Base URL of the marketplace, e.g. https://mapmarket.example.
	// The websocket and REST endpoints are derived from it.
	URL string `json:"url"`

	// Optional explicit REST base. Empty means URL + /api/v1.
	APIURL string `json:"api_url"`

	// Session credential. Either may be set; both are sent when present.
	Token  string `json:"token"`
	Cookie string `json:"cookie"`

	ReconnectAttempts   int `json:"reconnect_attempts"`
	ReconnectDelayMs    int `json:"reconnect_delay_ms"`
	ReconnectMaxDelayMs int `json:"reconnect_max_delay_ms"`
	HandshakeTimeoutSec int `json:"handshake_timeout_sec"`
	PingIntervalSec     int `json:"ping_interval_sec"`
}

type Chat struct {
	ConversationLimit int `json:"conversation_limit"`
	MessageLimit      int `json:"message_limit"`
	ReadBatchMs       int `json:"read_batch_ms"`
	TypingStopMs      int `json:"typing_stop_ms"`
	TypingHideMs      int `json:"typing_hide_ms"`
	SearchDebounceMs  int `json:"search_debounce_ms"`
	NoticeBuffer      int `json:"notice_buffer"`
}

type Call struct {
	Enabled         bool     `json:"enabled"`
	ICEServers      []string `json:"ice_servers"`
	ICEGatherWaitMs int      `json:"ice_gather_wait_ms"`
}

type Audio struct {
	MaxDurationSec int `json:"max_duration_sec"`
}

type Storage struct {
	// Directory of the local cache database (cache.db), relative to the
	// profile directory. Empty disables the cache.
	Path string `json:"path"`
}

type Log struct {
	Level string `json:"level"`
	// Per-subsystem overrides, e.g. {"call": "debug"}.
	Subsystems map[string]string `json:"subsystems,omitempty"`
}

type Metrics struct {
	// Listen address for /metrics. Empty disables the endpoint.
	Addr string `json:"addr"`
}

func Default() Config {
	return Config{
		Relay: Relay{
			URL:                 "http://127.0.0.1:3000",
			ReconnectAttempts:   6,
			ReconnectDelayMs:    750,
			ReconnectMaxDelayMs: 5000,
			HandshakeTimeoutSec: 20,
			PingIntervalSec:     25,
		},
		Chat: Chat{
			ConversationLimit: 60,
			MessageLimit:      80,
			ReadBatchMs:       400,
			TypingStopMs:      2200,
			TypingHideMs:      6000,
			SearchDebounceMs:  150,
			NoticeBuffer:      50,
		},
		Call: Call{
			Enabled: true,
			ICEServers: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
				"stun:stun2.l.google.com:19302",
			},
			ICEGatherWaitMs: 3000,
		},
		Audio: Audio{
			MaxDurationSec: 120,
		},
		Storage: Storage{
			Path: "data",
		},
		Log: Log{
			Level: "info",
		},
	}
}

var validLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
	"dpanic": true, "panic": true, "fatal": true,
}

func (c *Config) Validate() error {
	// Relay
	if strings.TrimSpace(c.Relay.URL) == "" {
		return errors.New("relay.url is required")
	}
	if err := validateHTTPURL(c.Relay.URL); err != nil {
		return fmt.Errorf("relay.url: %w", err)
	}
	if c.Relay.APIURL != "" {
		if err := validateHTTPURL(c.Relay.APIURL); err != nil {
			return fmt.Errorf("relay.api_url: %w", err)
		}
	}
	if c.Relay.ReconnectAttempts < 0 {
		return errors.New("relay.reconnect_attempts must be >= 0")
	}
	if c.Relay.ReconnectDelayMs <= 0 {
		return errors.New("relay.reconnect_delay_ms must be > 0")
	}
	if c.Relay.ReconnectMaxDelayMs < c.Relay.ReconnectDelayMs {
		return errors.New("relay.reconnect_max_delay_ms must be >= relay.reconnect_delay_ms")
	}
	if c.Relay.HandshakeTimeoutSec <= 0 {
		return errors.New("relay.handshake_timeout_sec must be > 0")
	}
	if c.Relay.PingIntervalSec < 0 {
		return errors.New("relay.ping_interval_sec must be >= 0")
	}

	// Chat
	if c.Chat.ConversationLimit < 1 || c.Chat.ConversationLimit > 200 {
		return errors.New("chat.conversation_limit must be 1..200")
	}
	if c.Chat.MessageLimit < 1 || c.Chat.MessageLimit > 200 {
		return errors.New("chat.message_limit must be 1..200")
	}
	if c.Chat.ReadBatchMs <= 0 {
		return errors.New("chat.read_batch_ms must be > 0")
	}
	if c.Chat.TypingStopMs <= 0 {
		return errors.New("chat.typing_stop_ms must be > 0")
	}
	if c.Chat.TypingHideMs < c.Chat.TypingStopMs {
		return errors.New("chat.typing_hide_ms must be >= chat.typing_stop_ms")
	}
	if c.Chat.SearchDebounceMs < 0 {
		return errors.New("chat.search_debounce_ms must be >= 0")
	}
	if c.Chat.NoticeBuffer < 1 {
		return errors.New("chat.notice_buffer must be > 0")
	}

	// Call
	if c.Call.Enabled {
		for _, s := range c.Call.ICEServers {
			if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") && !strings.HasPrefix(s, "turns:") {
				return fmt.Errorf("call.ice_servers: %q must start with stun:, turn: or turns:", s)
			}
		}
		if c.Call.ICEGatherWaitMs <= 0 || c.Call.ICEGatherWaitMs > 30000 {
			return errors.New("call.ice_gather_wait_ms must be 1..30000")
		}
	}

	// Audio
	if c.Audio.MaxDurationSec < 1 || c.Audio.MaxDurationSec > 600 {
		return errors.New("audio.max_duration_sec must be 1..600")
	}

	// Log
	if !validLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("log.level: unknown level %q", c.Log.Level)
	}
	for sys, lvl := range c.Log.Subsystems {
		if !validLevels[strings.ToLower(lvl)] {
			return fmt.Errorf("log.subsystems.%s: unknown level %q", sys, lvl)
		}
	}

	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

// SocketURL returns the websocket endpoint derived from Relay.URL.
func (c Config) SocketURL() string {
	u, err := url.Parse(c.Relay.URL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + proto.SocketPath
	return u.String()
}

// APIBase returns the REST base URL.
func (c Config) APIBase() string {
	if c.Relay.APIURL != "" {
		return strings.TrimRight(c.Relay.APIURL, "/")
	}
	return strings.TrimRight(c.Relay.URL, "/") + proto.APIPrefix
}

func Load(path string) (Config, error) {
	cfg, err := LoadPartial(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadPartial reads a config file and applies environment overrides
// without validating the result.
func LoadPartial(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	ApplyEnv(&cfg)
	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

// Save writes cfg to path. Credentials that came from the environment are
// written as-is, so callers that loaded an env-overridden config should save
// a copy with the secrets cleared.
func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	ApplyEnv(&cfg)
	return cfg, true, cfg.Validate()
}
