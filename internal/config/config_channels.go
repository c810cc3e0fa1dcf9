package config

// ChannelsConfig contains per-channel configuration.
type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
}

type TelegramConfig struct {
	Enabled       bool                `json:"enabled"`
	Token         string              `json:"-"` // env TWINCLAW_TELEGRAM_TOKEN only
	AllowFrom     FlexibleStringSlice `json:"allow_from"`
	DMPolicy      string              `json:"dm_policy,omitempty"`       // "pairing" (default), "allowlist", "open", "disabled"
	MediaMaxBytes int64               `json:"media_max_bytes,omitempty"` // max voice download size (default 20MB)
}

type WhatsAppConfig struct {
	Enabled   bool                `json:"enabled"`
	BridgeURL string              `json:"bridge_url"`
	AllowFrom FlexibleStringSlice `json:"allow_from"`
	DMPolicy  string              `json:"dm_policy,omitempty"` // "pairing" (default), "allowlist", "open", "disabled"
}

// EnabledChannels returns the names of channels switched on in config.
func (c *Config) EnabledChannels() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []string
	if c.Channels.Telegram.Enabled {
		out = append(out, "telegram")
	}
	if c.Channels.WhatsApp.Enabled {
		out = append(out, "whatsapp")
	}
	return out
}

// DMPolicy returns the configured DM policy for a platform, "" when the
// platform is unknown or unset; callers default "" to pairing. Reads under
// the lock so the dispatcher observes hot-reloaded values.
func (c *Config) DMPolicy(platform string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch platform {
	case "telegram":
		return c.Channels.Telegram.DMPolicy
	case "whatsapp":
		return c.Channels.WhatsApp.DMPolicy
	}
	return ""
}
