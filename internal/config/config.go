package config

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// FlexibleStringSlice accepts both ["str"] and [123] in JSON.
// Operator allow-lists are routinely pasted with numeric chat IDs.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for the TwinClaw runtime.
type Config struct {
	Workspace string          `json:"workspace"`
	Server    ServerConfig    `json:"server"`
	Store     StoreConfig     `json:"store,omitempty"`
	Channels  ChannelsConfig  `json:"channels"`
	Gateway   GatewayConfig   `json:"gateway"`
	STT       STTConfig       `json:"stt,omitempty"`
	Debounce  DebounceConfig  `json:"debounce,omitempty"`
	Chunker   ChunkerConfig   `json:"chunker,omitempty"`
	Queue     QueueConfig     `json:"queue,omitempty"`
	Pairing   PairingConfig   `json:"pairing,omitempty"`
	Dag       DagConfig       `json:"dag,omitempty"`
	Hub       HubConfig       `json:"hub,omitempty"`
	Events    EventsConfig    `json:"events,omitempty"`
	Log       LogConfig       `json:"log,omitempty"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Tailscale TailscaleConfig `json:"tailscale,omitempty"`
	mu        sync.RWMutex
}

// ServerConfig configures the HTTP/WS control plane.
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`

	// SigningSecretEnv names the environment variable holding the HMAC
	// secret for signed endpoints. The secret itself is never persisted.
	SigningSecretEnv string `json:"signing_secret_env,omitempty"`
	SigningSecret    string `json:"-"`

	// HubToken authenticates WebSocket clients. From env only.
	HubToken string `json:"-"`
}

// StoreConfig selects the persistence backend.
// PostgresDSN is NEVER read from the config file (secret), only from env
// TWINCLAW_POSTGRES_DSN.
type StoreConfig struct {
	Mode        string `json:"mode,omitempty"` // "standalone" (default) or "managed"
	Path        string `json:"path,omitempty"` // sqlite file, default <workspace>/memory/twinclaw.db
	PostgresDSN string `json:"-"`
}

// IsManaged returns true when the runtime uses the Postgres backend.
func (c *Config) IsManaged() bool {
	return c.Store.Mode == "managed" && c.Store.PostgresDSN != ""
}

// GatewayConfig points at the LLM gateway collaborator.
type GatewayConfig struct {
	BaseURL    string `json:"base_url,omitempty"`
	APIKey     string `json:"-"` // env TWINCLAW_GATEWAY_API_KEY only
	TimeoutSec int    `json:"timeout_sec,omitempty"`
}

// STTConfig points at the speech-to-text collaborator.
// Empty BaseURL disables transcription (voice messages pass through untranscribed).
type STTConfig struct {
	BaseURL    string `json:"base_url,omitempty"`
	APIKey     string `json:"-"` // env TWINCLAW_STT_API_KEY only
	TimeoutSec int    `json:"timeout_sec,omitempty"`
}

// DebounceConfig tunes inbound coalescing.
type DebounceConfig struct {
	WindowMs      int  `json:"window_ms,omitempty"`      // default 1500
	CoalesceAudio bool `json:"coalesce_audio,omitempty"` // keep the buffer open across audio messages
}

// Window returns the debounce window as a duration.
func (d DebounceConfig) Window() time.Duration {
	if d.WindowMs <= 0 {
		return 1500 * time.Millisecond
	}
	return time.Duration(d.WindowMs) * time.Millisecond
}

// ChunkerConfig tunes reply splitting.
type ChunkerConfig struct {
	Boundary string `json:"boundary,omitempty"`  // "paragraph" (default) or "sentence"
	MinChars int    `json:"min_chars,omitempty"` // default 50
	MaxChars int    `json:"max_chars,omitempty"` // default 800
}

// QueueConfig tunes the delivery queue.
type QueueConfig struct {
	MaxAttempts   int `json:"max_attempts,omitempty"`    // default 3
	BaseBackoffMs int `json:"base_backoff_ms,omitempty"` // default 1000
	BackoffFactor int `json:"backoff_factor,omitempty"`  // default 2
	MaxBackoffMs  int `json:"max_backoff_ms,omitempty"`  // default 15000
	TickMs        int `json:"tick_ms,omitempty"`         // default 500
	HumanDelayMs  int `json:"human_delay_ms,omitempty"`  // pacing between chunk enqueues, default 0
	RecentWindow  int `json:"recent_window,omitempty"`   // ring buffer of recent records, default 50
}

// PairingConfig tunes the DM pairing authority.
type PairingConfig struct {
	MaxPendingPerChannel int `json:"max_pending_per_channel,omitempty"` // default 3
}

// DagConfig bounds delegation graphs.
type DagConfig struct {
	MaxNodes       int `json:"max_nodes,omitempty"`       // default 16
	MaxDepth       int `json:"max_depth,omitempty"`       // longest dependency path, default 4
	MaxConcurrency int `json:"max_concurrency,omitempty"` // default 4
	NodeRetries    int `json:"node_retries,omitempty"`    // uniform per-node retry budget, default 1
	TimeoutMs      int `json:"timeout_ms,omitempty"`      // default node timeout, default 120000
	ToolBudget     int `json:"tool_budget,omitempty"`     // default 20
	MaxTurns       int `json:"max_turns,omitempty"`       // default 10
}

// HubConfig tunes the event hub.
type HubConfig struct {
	AuthTimeoutMs  int `json:"auth_timeout_ms,omitempty"`  // default 5000
	HeartbeatMs    int `json:"heartbeat_ms,omitempty"`     // default 30000
	MaxClientQueue int `json:"max_client_queue,omitempty"` // KB of buffered sends per client, default 200
}

// EventsConfig tunes the runtime event producer and envelope retention.
type EventsConfig struct {
	ProducerIntervalMs int `json:"producer_interval_ms,omitempty"` // default 5000
	RetentionHours     int `json:"retention_hours,omitempty"`      // default 24
}

// LogConfig tunes slog output.
type LogConfig struct {
	Level string `json:"level,omitempty"` // "debug", "info" (default), "warn", "error"
}

// TelemetryConfig configures OpenTelemetry OTLP export.
// Exporters are compiled via build tags: go build -tags otel.
type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`     // e.g. "localhost:4317"
	Protocol    string            `json:"protocol,omitempty"`     // "grpc" (default) or "http"
	Insecure    bool              `json:"insecure,omitempty"`     // skip TLS, local dev only
	ServiceName string            `json:"service_name,omitempty"` // default "twinclaw"
	Headers     map[string]string `json:"headers,omitempty"`
}

// TailscaleConfig configures the optional tsnet listener for the control
// plane. Requires building with -tags tsnet. Auth key from env only.
type TailscaleConfig struct {
	Hostname  string `json:"hostname,omitempty"`
	StateDir  string `json:"state_dir,omitempty"`
	AuthKey   string `json:"-"` // env TWINCLAW_TSNET_AUTH_KEY only
	Ephemeral bool   `json:"ephemeral,omitempty"`
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
// Used by the config watcher on hot reload.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Workspace = src.Workspace
	c.Server = src.Server
	c.Store = src.Store
	c.Channels = src.Channels
	c.Gateway = src.Gateway
	c.STT = src.STT
	c.Debounce = src.Debounce
	c.Chunker = src.Chunker
	c.Queue = src.Queue
	c.Pairing = src.Pairing
	c.Dag = src.Dag
	c.Hub = src.Hub
	c.Events = src.Events
	c.Log = src.Log
	c.Telemetry = src.Telemetry
	c.Tailscale = src.Tailscale
}
