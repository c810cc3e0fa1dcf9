//go:build tsnet

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"tailscale.com/tsnet"

	"github.com/twinclawhq/twinclaw/internal/config"
)

// initTailscale serves the control-plane mux on a tsnet listener in addition
// to the regular TCP listener, so dashboards and the events CLI can reach the
// runtime over the tailnet without exposing a public port. Enabled by
// building with -tags tsnet and setting tailscale.hostname. Returns the
// listener teardown, or nil when tsnet stays off.
func initTailscale(ctx context.Context, cfg *config.Config, mux *http.ServeMux) func() {
	tc := cfg.Tailscale
	if tc.Hostname == "" {
		return nil
	}

	dir := config.ExpandHome(tc.StateDir)
	if dir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			slog.Warn("tailscale state dir unavailable, tsnet disabled", "error", err)
			return nil
		}
		dir = filepath.Join(base, "tsnet-twinclaw")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		slog.Warn("tailscale state dir create failed, tsnet disabled", "dir", dir, "error", err)
		return nil
	}

	ts := &tsnet.Server{
		Hostname:  tc.Hostname,
		Dir:       dir,
		AuthKey:   tc.AuthKey,
		Ephemeral: tc.Ephemeral,
		// tsnet's debug log is very chatty; the auth-URL prompts from
		// UserLogf are the part operators need.
		Logf: func(string, ...any) {},
		UserLogf: func(format string, args ...any) {
			slog.Info("tailscale: " + fmt.Sprintf(format, args...))
		},
	}

	upCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	status, err := ts.Up(upCtx)
	if err != nil {
		slog.Error("tailscale up failed, tsnet disabled (set TWINCLAW_TSNET_AUTH_KEY or pre-auth the state dir)",
			"hostname", tc.Hostname, "error", err)
		ts.Close()
		return nil
	}

	ln, err := ts.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
	if err != nil {
		slog.Error("tailscale listen failed", "hostname", tc.Hostname, "error", err)
		ts.Close()
		return nil
	}
	slog.Info("tailscale listener up",
		"hostname", tc.Hostname, "ips", status.TailscaleIPs, "port", cfg.Server.Port, "ephemeral", tc.Ephemeral)

	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("tailscale serve ended", "error", err)
		}
	}()

	return func() {
		srv.Close()
		ts.Close()
	}
}
