package pairing

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/twinclawhq/twinclaw/internal/store"
)

// Mirror keeps operator-readable copies of the allow-lists under the
// workspace credentials directory, one <channel>-allowFrom.json per channel.
// The store stays authoritative; the mirror is rewritten after every change
// with a temp file + rename so readers never see a torn write.
type Mirror struct {
	dir string
}

func NewMirror(dir string) *Mirror {
	return &Mirror{dir: dir}
}

type mirrorFile struct {
	Channel   string   `json:"channel"`
	AllowFrom []string `json:"allowFrom"`
	UpdatedAt string   `json:"updatedAt"`
}

// Path returns the mirror file location for a channel.
func (m *Mirror) Path(channel string) string {
	return filepath.Join(m.dir, fmt.Sprintf("%s-allowFrom.json", channel))
}

// Write replaces the channel's mirror file. Failures are logged, never
// fatal: the mirror is a convenience artifact.
func (m *Mirror) Write(channel string, entries []store.AllowListEntry) {
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.SenderID)
	}
	data, err := json.MarshalIndent(mirrorFile{
		Channel:   channel,
		AllowFrom: ids,
		UpdatedAt: time.Now().UTC().Format(time.RFC3339),
	}, "", "  ")
	if err != nil {
		m.logError(channel, err)
		return
	}
	data = append(data, '\n')

	if err := os.MkdirAll(m.dir, 0700); err != nil {
		m.logError(channel, err)
		return
	}
	path := m.Path(channel)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		m.logError(channel, err)
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		m.logError(channel, err)
	}
}

func (m *Mirror) logError(channel string, err error) {
	slog.Warn("allow-list mirror write failed", "channel", channel, "error", err)
}
