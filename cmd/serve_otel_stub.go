//go:build !otel

package cmd

import (
	"context"

	"github.com/twinclawhq/twinclaw/internal/config"
)

// initTelemetry is a no-op unless built with -tags otel. Spans recorded
// against the global tracer provider stay no-ops in this build.
func initTelemetry(context.Context, *config.Config) func() {
	return nil
}
