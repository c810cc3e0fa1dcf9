package store

import (
	"context"
	"time"
)

// Callback receipt outcomes. A duplicate is a response outcome only: the
// unique idempotency key guarantees at most one stored receipt per key.
const (
	ReceiptAccepted  = "accepted"
	ReceiptDuplicate = "duplicate"
	ReceiptRejected  = "rejected"
)

// CallbackReceipt records one ingested webhook callback. Inserting the
// receipt is the serialization point for idempotency.
type CallbackReceipt struct {
	IdempotencyKey string    `json:"idempotencyKey"` // "<taskId>:<eventType>:<status>"
	StatusCode     int       `json:"statusCode"`
	Outcome        string    `json:"outcome"`
	CreatedAt      time.Time `json:"createdAt"`
}

// ReceiptStore persists callback receipts.
type ReceiptStore interface {
	// Record inserts the receipt if its key is new. Returns false (and no
	// error) when a receipt with the same key already exists.
	Record(ctx context.Context, r *CallbackReceipt) (bool, error)

	Get(ctx context.Context, key string) (*CallbackReceipt, error)

	// SetOutcome rewrites the outcome and status code of an existing
	// receipt (accepted -> rejected on late internal failure).
	SetOutcome(ctx context.Context, key, outcome string, statusCode int) error

	// CountByOutcome returns totals keyed by outcome.
	CountByOutcome(ctx context.Context) (map[string]int, error)
	ListRecent(ctx context.Context, limit int) ([]CallbackReceipt, error)
}
