// Package migrations embeds the schema migrations for both store backends.
// The sqlite and postgres directories carry the same logical schema in
// their respective dialects; keep them in lockstep.
package migrations

import "embed"

//go:embed sqlite/*.sql postgres/*.sql
var FS embed.FS

// Dir returns the embedded source directory for a backend mode.
func Dir(managed bool) string {
	if managed {
		return "postgres"
	}
	return "sqlite"
}
