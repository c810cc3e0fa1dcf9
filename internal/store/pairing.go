package store

import (
	"context"
	"time"
)

// PairingRequest is a pending challenge for an unknown DM sender.
// At most one pending request per (channel, senderId); codes are unique per
// channel while pending.
type PairingRequest struct {
	Channel   string    `json:"channel"`
	SenderID  string    `json:"senderId"` // normalized
	Code      string    `json:"code"`     // zero-padded 6 digits
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the request is past its window at now.
func (p *PairingRequest) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// AllowListEntry is an approved sender. Set semantics per channel.
type AllowListEntry struct {
	Channel    string    `json:"channel"`
	SenderID   string    `json:"senderId"`
	ApprovedAt time.Time `json:"approvedAt"`
}

// PairingStore persists pairing state. Code comparison against pending
// requests happens in the service layer (constant-time); the store only
// moves rows.
type PairingStore interface {
	// SeedAllowFrom idempotently inserts approved entries. Returns the
	// number actually inserted.
	SeedAllowFrom(ctx context.Context, channel string, senderIDs []string, at time.Time) (int, error)

	IsApproved(ctx context.Context, channel, senderID string) (bool, error)
	ListAllowed(ctx context.Context, channel string) ([]AllowListEntry, error)

	// CreateRequest inserts a pending request. ErrDuplicate when a pending
	// request already exists for (channel, senderId) or the code collides
	// within the channel.
	CreateRequest(ctx context.Context, req *PairingRequest) error

	GetRequest(ctx context.Context, channel, senderID string) (*PairingRequest, error)

	// ListPending returns pending requests; channel "" means all channels.
	ListPending(ctx context.Context, channel string) ([]PairingRequest, error)
	CountPending(ctx context.Context, channel string) (int, error)

	// Promote atomically moves a pending request to the allow-list:
	// insert AllowListEntry, delete the request, one transaction.
	Promote(ctx context.Context, channel, senderID string, at time.Time) error

	DeleteRequest(ctx context.Context, channel, senderID string) error

	// DeleteExpired removes requests whose window passed. Returns the count.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}
