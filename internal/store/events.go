package store

import (
	"context"
	"time"
)

// StoredEnvelope is one published hub envelope, kept append-only for the
// operator trace and pruned on a retention schedule.
type StoredEnvelope struct {
	Seq     uint64    `json:"seq"`
	Topic   string    `json:"topic"`
	TS      time.Time `json:"ts"`
	Payload string    `json:"payload"`
}

// EventStore persists published envelopes.
type EventStore interface {
	Append(ctx context.Context, env *StoredEnvelope) error
	PruneBefore(ctx context.Context, cutoff time.Time) (int, error)
	ListRecent(ctx context.Context, topic string, limit int) ([]StoredEnvelope, error)

	// MaxSeq returns the highest sequence number ever appended (0 when the
	// log is empty). The hub seeds its counter from it at startup so
	// sequence numbers stay monotonic across restarts.
	MaxSeq(ctx context.Context) (uint64, error)
}
