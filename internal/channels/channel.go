// Package channels provides the platform adapter layer. Adapters connect
// external chat platforms (Telegram, the WhatsApp bridge) to the runtime:
// inbound messages are normalized and pushed onto a shared channel the
// dispatcher consumes; outbound sends route through the manager, which
// enforces the per-chat pacing floor.
//
// Authorization lives in the dispatcher, not here: adapters forward every
// message they can normalize.
package channels

import (
	"context"
)

// Adapter is one connected chat platform.
type Adapter interface {
	// Platform returns the platform name ("telegram", "whatsapp").
	Platform() string

	// Start connects and begins delivering inbound messages to the sink
	// the adapter was constructed with. Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop disconnects and waits for the adapter's goroutines to exit.
	Stop(ctx context.Context) error

	// SendText delivers one text message to a chat.
	SendText(ctx context.Context, chatID, text string) error

	// SendVoice delivers one voice recording (local file path) to a chat.
	SendVoice(ctx context.Context, chatID, path string) error

	// Running reports whether the adapter is actively processing messages.
	Running() bool
}

// Truncate shortens a string to maxLen bytes, appending "..." if cut.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
