// Package bus carries normalized messages and runtime events between
// components. Channel adapters publish inbound messages; the dispatcher
// consumes them. Runtime events (scheduler jobs, queue transitions, channel
// lifecycle) fan out to any subscribed component.
package bus

import "time"

// Platform names. The data model is closed over these two; adding a
// platform means touching normalization, pairing, and the queue sender.
const (
	PlatformTelegram = "telegram"
	PlatformWhatsApp = "whatsapp"
)

// KnownPlatform reports whether name is a supported platform.
func KnownPlatform(name string) bool {
	return name == PlatformTelegram || name == PlatformWhatsApp
}

// InboundMessage is a normalized event from a chat channel, prior to
// gateway processing. Ephemeral: created by an adapter, consumed by the
// dispatcher, discarded after the reply is queued.
type InboundMessage struct {
	Platform   string
	SenderID   string
	ChatID     string
	Text       string
	AudioPath  string // temp file holding voice audio; empty for text
	RawPayload string // original payload for diagnostics, bounded by adapter
	ReceivedAt time.Time
}

// HasAudio reports whether the message carries a voice attachment.
func (m InboundMessage) HasAudio() bool { return m.AudioPath != "" }

// Event is a runtime event broadcast on the bus.
type Event struct {
	Name    string
	Payload any
	TS      time.Time
}

// Runtime event names.
const (
	// Scheduler job lifecycle (consumed by notifiers and the incidents feed).
	EventJobStart = "job.start"
	EventJobDone  = "job.done"
	EventJobError = "job.error"

	// Delivery queue lifecycle.
	EventQueueSent       = "queue.sent"
	EventQueueRetry      = "queue.retry"
	EventQueueDeadLetter = "queue.dead_letter"

	// Channel adapter lifecycle.
	EventChannelUp   = "channel.up"
	EventChannelDown = "channel.down"

	// Webhook ingress outcomes.
	EventWebhookAccepted = "webhook.accepted"
	EventWebhookRejected = "webhook.rejected"

	// Delegation DAG lifecycle.
	EventDagStarted  = "dag.started"
	EventDagNodeDone = "dag.node_done"
	EventDagFinished = "dag.finished"

	// Worker panic recovered at a component boundary.
	EventWorkerPanic = "worker.panic"
)

// JobEventPayload accompanies job.* events.
type JobEventPayload struct {
	JobID    string        `json:"jobId"`
	Duration time.Duration `json:"duration,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// DeliveryEventPayload accompanies queue.* events.
type DeliveryEventPayload struct {
	ID       string `json:"id"`
	Platform string `json:"platform"`
	ChatID   string `json:"chatId"`
	State    string `json:"state"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error,omitempty"`
}

// ChannelEventPayload accompanies channel.* events.
type ChannelEventPayload struct {
	Platform string `json:"platform"`
	Detail   string `json:"detail,omitempty"`
}

// WebhookEventPayload accompanies webhook.* events.
type WebhookEventPayload struct {
	TaskID    string `json:"taskId"`
	EventType string `json:"eventType"`
	Status    string `json:"status"`
	Outcome   string `json:"outcome"`
}

// DagEventPayload accompanies dag.* events.
type DagEventPayload struct {
	RequestID string `json:"requestId"`
	BriefID   string `json:"briefId,omitempty"`
	State     string `json:"state,omitempty"`
	Error     string `json:"error,omitempty"`
}
