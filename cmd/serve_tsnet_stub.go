//go:build !tsnet

package cmd

import (
	"context"
	"net/http"

	"github.com/twinclawhq/twinclaw/internal/config"
)

// initTailscale is a no-op unless built with -tags tsnet.
func initTailscale(context.Context, *config.Config, *http.ServeMux) func() {
	return nil
}
