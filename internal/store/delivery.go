package store

import (
	"context"
	"time"
)

// Delivery record states. Transitions follow a fixed machine:
//
//	pending ──claim──▶ sending ──ok──▶ sent
//	                      │
//	                      ├─err, attempts < max─▶ retrying ──due──▶ (claim again)
//	                      └─err, attempts = max─▶ dead_letter
//
// sent and dead_letter are terminal; dead_letter leaves only by manual
// replay, which resets the record to pending with a zeroed attempt count.
const (
	DeliveryPending    = "pending"
	DeliverySending    = "sending"
	DeliveryRetrying   = "retrying"
	DeliverySent       = "sent"
	DeliveryFailed     = "failed"
	DeliveryDeadLetter = "dead_letter"
)

// DeliveryRecord is one durable outbound send.
type DeliveryRecord struct {
	ID                string     `json:"id"`
	Platform          string     `json:"platform"`
	ChatID            string     `json:"chatId"`
	Body              string     `json:"body"`
	State             string     `json:"state"`
	AttemptCount      int        `json:"attemptCount"`
	NextAttemptAt     time.Time  `json:"nextAttemptAt"`
	LastError         string     `json:"lastError,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
	SentAt            *time.Time `json:"sentAt,omitempty"`
	CorrelationTaskID string     `json:"correlationTaskId,omitempty"`
}

// Terminal reports whether the record can never be advanced by the sweeper.
func (r *DeliveryRecord) Terminal() bool {
	return r.State == DeliverySent || r.State == DeliveryDeadLetter
}

// QueueStore persists delivery records. AttemptCount increments on attempt
// completion (MarkSent / MarkRetrying / MarkDeadLetter), so a record that
// crashed mid-send still has its in-flight attempt uncounted; RecoverInFlight
// counts it during the startup sweep.
type QueueStore interface {
	Insert(ctx context.Context, rec *DeliveryRecord) error
	Get(ctx context.Context, id string) (*DeliveryRecord, error)

	// DueBefore returns pending/retrying records with nextAttemptAt <= now,
	// oldest first.
	DueBefore(ctx context.Context, now time.Time, limit int) ([]*DeliveryRecord, error)

	// Claim transitions pending/retrying -> sending. Returns false when the
	// record was not claimable (already in flight, terminal, or missing).
	Claim(ctx context.Context, id string, now time.Time) (bool, error)

	// MarkSent finishes a successful attempt: sending -> sent, attempt
	// counted, sentAt recorded.
	MarkSent(ctx context.Context, id string, at time.Time) error

	// MarkRetrying finishes a failed attempt with retry budget left:
	// sending -> retrying with the backoff deadline.
	MarkRetrying(ctx context.Context, id string, nextAttempt time.Time, lastErr string) error

	// MarkDeadLetter finishes the final failed attempt: sending -> dead_letter.
	MarkDeadLetter(ctx context.Context, id string, lastErr string) error

	// RequeueDeadLetter resets a dead_letter record for manual replay:
	// state=pending, attemptCount=0, lastError cleared. ErrConflict when the
	// record is not in dead_letter.
	RequeueDeadLetter(ctx context.Context, id string, now time.Time) error

	// RecoverInFlight resets records stuck in sending after a crash. The
	// interrupted attempt is counted; records that exhausted their budget
	// move to dead_letter, the rest to retrying due at nextAttempt.
	// Returns (retried, deadLettered).
	RecoverInFlight(ctx context.Context, nextAttempt time.Time, maxAttempts int) (int, int, error)

	// ReconcileTask applies an external callback verdict to the record with
	// the given correlation task id. success -> sent, failure -> failed.
	// Terminal records are left untouched; returns true when a row changed.
	ReconcileTask(ctx context.Context, taskID string, success bool, at time.Time) (bool, error)

	CountByState(ctx context.Context) (map[string]int, error)
	ListRecent(ctx context.Context, limit int) ([]*DeliveryRecord, error)
	ListByState(ctx context.Context, state string, limit int) ([]*DeliveryRecord, error)
}
