package config

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Workspace: "~/.twinclaw",
		Server: ServerConfig{
			Host:             "127.0.0.1",
			Port:             18990,
			SigningSecretEnv: "TWINCLAW_SIGNING_SECRET",
		},
		Store: StoreConfig{
			Mode: "standalone",
		},
		Gateway: GatewayConfig{
			TimeoutSec: 120,
		},
		STT: STTConfig{
			TimeoutSec: 30,
		},
		Debounce: DebounceConfig{
			WindowMs: 1500,
		},
		Chunker: ChunkerConfig{
			Boundary: "paragraph",
			MinChars: 50,
			MaxChars: 800,
		},
		Queue: QueueConfig{
			MaxAttempts:   3,
			BaseBackoffMs: 1000,
			BackoffFactor: 2,
			MaxBackoffMs:  15000,
			TickMs:        500,
			RecentWindow:  50,
		},
		Pairing: PairingConfig{
			MaxPendingPerChannel: 3,
		},
		Dag: DagConfig{
			MaxNodes:       16,
			MaxDepth:       4,
			MaxConcurrency: 4,
			NodeRetries:    1,
			TimeoutMs:      120000,
			ToolBudget:     20,
			MaxTurns:       10,
		},
		Hub: HubConfig{
			AuthTimeoutMs:  5000,
			HeartbeatMs:    30000,
			MaxClientQueue: 200,
		},
		Events: EventsConfig{
			ProducerIntervalMs: 5000,
			RetentionHours:     24,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error: defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	envStr("TWINCLAW_WORKSPACE", &c.Workspace)
	envStr("TWINCLAW_HOST", &c.Server.Host)
	if v := os.Getenv("TWINCLAW_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Server.Port = port
		}
	}

	// Secrets come from env only. The signing secret env name itself is
	// configurable so operators can point at a vault-injected variable.
	if c.Server.SigningSecretEnv == "" {
		c.Server.SigningSecretEnv = "TWINCLAW_SIGNING_SECRET"
	}
	c.Server.SigningSecret = os.Getenv(c.Server.SigningSecretEnv)
	envStr("TWINCLAW_HUB_TOKEN", &c.Server.HubToken)

	envStr("TWINCLAW_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("TWINCLAW_WHATSAPP_BRIDGE_URL", &c.Channels.WhatsApp.BridgeURL)

	// Auto-enable channels if credentials are provided via env
	if c.Channels.Telegram.Token != "" {
		c.Channels.Telegram.Enabled = true
	}
	if os.Getenv("TWINCLAW_WHATSAPP_BRIDGE_URL") != "" {
		c.Channels.WhatsApp.Enabled = true
	}

	envStr("TWINCLAW_GATEWAY_URL", &c.Gateway.BaseURL)
	envStr("TWINCLAW_GATEWAY_API_KEY", &c.Gateway.APIKey)
	envStr("TWINCLAW_STT_URL", &c.STT.BaseURL)
	envStr("TWINCLAW_STT_API_KEY", &c.STT.APIKey)

	envStr("TWINCLAW_POSTGRES_DSN", &c.Store.PostgresDSN)
	envStr("TWINCLAW_STORE_MODE", &c.Store.Mode)

	envStr("TWINCLAW_LOG_LEVEL", &c.Log.Level)

	// Telemetry
	envStr("TWINCLAW_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	envStr("TWINCLAW_TELEMETRY_PROTOCOL", &c.Telemetry.Protocol)
	envStr("TWINCLAW_TELEMETRY_SERVICE_NAME", &c.Telemetry.ServiceName)
	if v := os.Getenv("TWINCLAW_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("TWINCLAW_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = v == "true" || v == "1"
	}

	// Tailscale (tsnet)
	envStr("TWINCLAW_TSNET_HOSTNAME", &c.Tailscale.Hostname)
	envStr("TWINCLAW_TSNET_AUTH_KEY", &c.Tailscale.AuthKey)
	envStr("TWINCLAW_TSNET_DIR", &c.Tailscale.StateDir)
}

// ApplyEnvOverrides re-applies environment variable overrides onto the
// config. Call after mutating config to restore runtime secrets from env.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyEnvOverrides()
}

// Save writes the config to a JSON file. Secrets are json:"-" tagged and
// never reach disk.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Hash returns a short SHA-256 hash of the config for change detection.
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := json.Marshal(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

const secretMask = "***"

// MaskedCopy returns a deep copy of the config with all secret fields
// masked, safe for display and for the doctor report.
func (c *Config) MaskedCopy() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Deep copy via JSON round-trip. Secrets are json:"-" so they do not
	// survive the round-trip; mask the ones we re-attach for visibility.
	data, err := json.Marshal(c)
	if err != nil {
		return &Config{}
	}
	cp := Default()
	if err := json.Unmarshal(data, cp); err != nil {
		return &Config{}
	}

	setMaskIf := func(dst *string, present bool) {
		if present {
			*dst = secretMask
		}
	}
	setMaskIf(&cp.Server.SigningSecret, c.Server.SigningSecret != "")
	setMaskIf(&cp.Server.HubToken, c.Server.HubToken != "")
	setMaskIf(&cp.Channels.Telegram.Token, c.Channels.Telegram.Token != "")
	setMaskIf(&cp.Gateway.APIKey, c.Gateway.APIKey != "")
	setMaskIf(&cp.STT.APIKey, c.STT.APIKey != "")
	setMaskIf(&cp.Store.PostgresDSN, c.Store.PostgresDSN != "")
	setMaskIf(&cp.Tailscale.AuthKey, c.Tailscale.AuthKey != "")

	return cp
}

// WorkspacePath returns the expanded workspace root.
func (c *Config) WorkspacePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ExpandHome(c.Workspace)
}

// MemoryDir returns the durable state directory (<workspace>/memory).
func (c *Config) MemoryDir() string {
	return filepath.Join(c.WorkspacePath(), "memory")
}

// CredentialsDir returns <workspace>/memory/credentials, home of the
// per-channel allow-list mirrors.
func (c *Config) CredentialsDir() string {
	return filepath.Join(c.MemoryDir(), "credentials")
}

// IdentityDir returns <workspace>/identity (persona files, read by the
// gateway collaborator only).
func (c *Config) IdentityDir() string {
	return filepath.Join(c.WorkspacePath(), "identity")
}

// StorePath returns the SQLite database path for standalone mode.
func (c *Config) StorePath() string {
	c.mu.RLock()
	p := c.Store.Path
	c.mu.RUnlock()
	if p != "" {
		return ExpandHome(p)
	}
	return filepath.Join(c.MemoryDir(), "twinclaw.db")
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
