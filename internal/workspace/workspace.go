// Package workspace manages the on-disk layout the runtime persists state
// into: memory/ for durable data, memory/credentials/ for the allow-list
// mirrors, memory/logs/ for the operator journal, identity/ for persona
// files read by the gateway collaborator.
package workspace

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

//go:embed persona.md
var personaTemplate []byte

// PersonaFile is seeded into identity/ on first run. The runtime never reads
// it back; the gateway collaborator does.
const PersonaFile = "persona.md"

// DailyLogFile is the operator journal under memory/logs/. The @daily
// scheduler job appends a dated heading to it.
const DailyLogFile = "daily.md"

// Layout describes the directories EnsureLayout creates.
type Layout struct {
	Root        string
	Memory      string
	Credentials string
	Logs        string
	Identity    string
}

// NewLayout derives the layout paths from a workspace root.
func NewLayout(root string) Layout {
	memory := filepath.Join(root, "memory")
	return Layout{
		Root:        root,
		Memory:      memory,
		Credentials: filepath.Join(memory, "credentials"),
		Logs:        filepath.Join(memory, "logs"),
		Identity:    filepath.Join(root, "identity"),
	}
}

// EnsureLayout creates the workspace directory tree and seeds first-run
// files. Existing files are never overwritten. Returns the files created.
func EnsureLayout(root string) ([]string, error) {
	l := NewLayout(root)
	for _, dir := range []string{l.Memory, l.Credentials, l.Logs, l.Identity} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	var created []string
	seeds := []struct {
		path    string
		content []byte
	}{
		{filepath.Join(l.Identity, PersonaFile), personaTemplate},
		{filepath.Join(l.Logs, DailyLogFile), []byte("# Daily log\n")},
	}
	for _, s := range seeds {
		ok, err := seedFile(s.path, s.content)
		if err != nil {
			slog.Warn("workspace seed failed", "file", s.path, "error", err)
			continue
		}
		if ok {
			created = append(created, s.path)
		}
	}
	return created, nil
}

// seedFile writes content to path only when the file does not exist yet.
// O_EXCL makes the create-if-absent check atomic against concurrent seeds.
func seedFile(path string, content []byte) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	if _, err := f.Write(content); err != nil {
		os.Remove(path)
		return false, err
	}
	return true, nil
}

// AppendDailyMarker appends a dated heading to the daily log. Idempotent per
// day: a heading already present for the date is not repeated.
func AppendDailyMarker(root string, now time.Time) error {
	path := filepath.Join(NewLayout(root).Logs, DailyLogFile)
	heading := fmt.Sprintf("## %s", now.UTC().Format("2006-01-02"))

	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read daily log: %w", err)
	}
	if containsLine(existing, heading) {
		return nil
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open daily log: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "\n%s\n", heading); err != nil {
		return fmt.Errorf("append daily marker: %w", err)
	}
	return nil
}

func containsLine(data []byte, line string) bool {
	for _, l := range strings.Split(string(data), "\n") {
		if l == line {
			return true
		}
	}
	return false
}
