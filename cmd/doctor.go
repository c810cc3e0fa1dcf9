package cmd

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"github.com/twinclawhq/twinclaw/internal/config"
	"github.com/twinclawhq/twinclaw/internal/store/pg"
	"github.com/twinclawhq/twinclaw/internal/store/sqlite"
	"github.com/twinclawhq/twinclaw/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

// rowWidth aligns the value column. Labels can carry non-ASCII channel or
// host names, so padding goes by display width, not byte count.
const rowWidth = 14

func row(label, value string) {
	fmt.Printf("    %s %s\n", runewidth.FillRight(label, rowWidth), value)
}

func runDoctor() {
	fmt.Println("twinclaw doctor")
	fmt.Printf("  Version:  %s (envelope v%d)\n", Version, protocol.EnvelopeVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, defaults + env apply)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Store:")
	checkStore(cfg)

	fmt.Println()
	fmt.Println("  Channels:")
	row("Telegram:", channelStatus(cfg.Channels.Telegram.Enabled, cfg.Channels.Telegram.Token != "", cfg.Channels.Telegram.DMPolicy))
	row("WhatsApp:", channelStatus(cfg.Channels.WhatsApp.Enabled, cfg.Channels.WhatsApp.BridgeURL != "", cfg.Channels.WhatsApp.DMPolicy))

	fmt.Println()
	fmt.Println("  Collaborators:")
	if cfg.Gateway.BaseURL != "" {
		row("Gateway:", cfg.Gateway.BaseURL)
		row("API key:", maskSecret(cfg.Gateway.APIKey))
	} else {
		row("Gateway:", "NOT CONFIGURED (serve will refuse to start)")
	}
	if cfg.STT.BaseURL != "" {
		row("STT:", cfg.STT.BaseURL)
		row("STT key:", maskSecret(cfg.STT.APIKey))
	} else {
		row("STT:", "(disabled, voice passes through untranscribed)")
	}

	fmt.Println()
	fmt.Println("  Control plane:")
	row("Listen:", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port))
	row("Signing:", secretStatus(cfg.Server.SigningSecret, "signed endpoints will answer 503"))
	row("Hub token:", secretStatus(cfg.Server.HubToken, "websocket clients will be rejected"))

	fmt.Println()
	ws := cfg.WorkspacePath()
	fmt.Printf("  Workspace: %s", ws)
	if _, err := os.Stat(ws); err != nil {
		fmt.Println(" (NOT FOUND, serve will create it)")
	} else {
		fmt.Println(" (OK)")
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkStore(cfg *config.Config) {
	if cfg.IsManaged() {
		row("Mode:", "managed (postgres)")
		db, err := pg.Open(cfg.Store.PostgresDSN)
		if err != nil {
			row("Status:", fmt.Sprintf("CONNECT FAILED (%s)", err))
			return
		}
		defer db.Close()
		if err := db.Ping(); err != nil {
			row("Status:", fmt.Sprintf("CONNECT FAILED (%s)", err))
			return
		}
		row("Status:", "reachable")
		checkSchema(db, true)
		return
	}

	row("Mode:", "standalone (sqlite)")
	path := cfg.StorePath()
	if _, err := os.Stat(path); err != nil {
		row("Database:", path+" (not created yet, serve will create it)")
		return
	}
	row("Database:", path)
	db, err := sqlite.Open(path)
	if err != nil {
		row("Status:", fmt.Sprintf("OPEN FAILED (%s)", err))
		return
	}
	defer db.Close()
	checkSchema(db, false)
}

// checkSchema reports the migration version without applying anything.
func checkSchema(db *sql.DB, managed bool) {
	var (
		m   *migrate.Migrate
		err error
	)
	if managed {
		m, err = pg.Migrator(db)
	} else {
		m, err = sqlite.Migrator(db)
	}
	if err != nil {
		row("Schema:", fmt.Sprintf("CHECK FAILED (%s)", err))
		return
	}

	v, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		row("Schema:", "empty (run: twinclaw migrate up)")
	case err != nil:
		row("Schema:", fmt.Sprintf("CHECK FAILED (%s)", err))
	case dirty:
		row("Schema:", fmt.Sprintf("v%d (DIRTY — run: twinclaw migrate force %d)", v, v-1))
	default:
		row("Schema:", fmt.Sprintf("v%d", v))
	}
}

func channelStatus(enabled, hasCredentials bool, policy string) string {
	if !enabled {
		return "disabled"
	}
	if !hasCredentials {
		return "enabled (MISSING CREDENTIALS)"
	}
	if policy == "" {
		policy = "pairing"
	}
	return fmt.Sprintf("enabled (dm_policy %s)", policy)
}

func secretStatus(secret, consequence string) string {
	if secret == "" {
		return "NOT CONFIGURED (" + consequence + ")"
	}
	return maskSecret(secret)
}

// maskSecret keeps the first and last four characters of long secrets so an
// operator can tell keys apart without exposing them.
func maskSecret(s string) string {
	if s == "" {
		return "(not set)"
	}
	if len(s) < 9 {
		return "***"
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}
