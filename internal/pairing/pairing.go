// Package pairing implements the DM pairing authority: unknown senders get
// a one-time numeric challenge, and only operator-approved senders reach the
// gateway.
package pairing

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/twinclawhq/twinclaw/internal/bus"
	"github.com/twinclawhq/twinclaw/internal/store"
)

// TTL is how long a pairing code stays redeemable.
const TTL = 60 * time.Minute

// SweepInterval is the cadence of the expired-request sweeper.
const SweepInterval = 5 * time.Minute

// DefaultMaxPending caps open requests per channel.
const DefaultMaxPending = 3

// RequestPairing outcomes.
const (
	StatusCreated         = "created"
	StatusAlreadyPending  = "already_pending"
	StatusRateLimited     = "rate_limited"
	StatusAlreadyApproved = "already_approved"
)

// Approve failure modes.
var (
	ErrNotFound           = errors.New("pairing code not found")
	ErrExpired            = errors.New("pairing code expired")
	ErrUnsupportedChannel = errors.New("unsupported channel")
)

const codeRetries = 5

// Service owns pairing state transitions. All sender IDs pass through
// NormalizeSender before touching the store.
type Service struct {
	store      store.PairingStore
	maxPending int
	mirror     *Mirror
	now        func() time.Time
}

// Options tunes a Service. Zero values take the defaults; a nil Mirror
// disables the credentials file mirror.
type Options struct {
	MaxPending int
	Mirror     *Mirror
	Now        func() time.Time
}

func New(st store.PairingStore, opts Options) *Service {
	s := &Service{
		store:      st,
		maxPending: opts.MaxPending,
		mirror:     opts.Mirror,
		now:        opts.Now,
	}
	if s.maxPending <= 0 {
		s.maxPending = DefaultMaxPending
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// NormalizeSender trims and channel-normalizes a sender id. WhatsApp ids
// reduce to their digits (phone numbers arrive with +, spaces, hyphens);
// Telegram ids must already be numeric. Returns "" when nothing usable
// remains, which callers treat as a silent drop.
func NormalizeSender(channel, senderID string) string {
	trimmed := strings.TrimSpace(senderID)
	switch channel {
	case bus.PlatformWhatsApp:
		var b strings.Builder
		for _, r := range trimmed {
			if r >= '0' && r <= '9' {
				b.WriteRune(r)
			}
		}
		return b.String()
	case bus.PlatformTelegram:
		for _, r := range trimmed {
			if r < '0' || r > '9' {
				return ""
			}
		}
		return trimmed
	default:
		return ""
	}
}

// SeedAllowFrom idempotently approves operator-configured senders. Returns
// the number of new entries.
func (s *Service) SeedAllowFrom(ctx context.Context, channel string, senderIDs []string) (int, error) {
	if !bus.KnownPlatform(channel) {
		return 0, ErrUnsupportedChannel
	}
	var normalized []string
	for _, id := range senderIDs {
		if n := NormalizeSender(channel, id); n != "" {
			normalized = append(normalized, n)
		}
	}
	if len(normalized) == 0 {
		return 0, nil
	}
	inserted, err := s.store.SeedAllowFrom(ctx, channel, normalized, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("seed allow list for %s: %w", channel, err)
	}
	if inserted > 0 {
		s.mirrorChannel(ctx, channel)
	}
	return inserted, nil
}

// IsApproved reports whether the sender may reach the gateway.
func (s *Service) IsApproved(ctx context.Context, channel, senderID string) (bool, error) {
	norm := NormalizeSender(channel, senderID)
	if norm == "" {
		return false, nil
	}
	return s.store.IsApproved(ctx, channel, norm)
}

// Result is the outcome of RequestPairing. Request is set only for
// StatusCreated and StatusAlreadyPending.
type Result struct {
	Status  string
	Request *store.PairingRequest
}

// RequestPairing opens (or reports) a challenge for an unknown sender. A
// code collision with another pending request retries with a fresh code.
func (s *Service) RequestPairing(ctx context.Context, channel, senderID string) (Result, error) {
	if !bus.KnownPlatform(channel) {
		return Result{}, ErrUnsupportedChannel
	}
	norm := NormalizeSender(channel, senderID)
	if norm == "" {
		return Result{}, fmt.Errorf("sender id %q normalizes to empty", senderID)
	}
	now := s.now().UTC()

	approved, err := s.store.IsApproved(ctx, channel, norm)
	if err != nil {
		return Result{}, fmt.Errorf("check approval: %w", err)
	}
	if approved {
		return Result{Status: StatusAlreadyApproved}, nil
	}

	existing, err := s.store.GetRequest(ctx, channel, norm)
	switch {
	case err == nil && !existing.Expired(now):
		return Result{Status: StatusAlreadyPending, Request: existing}, nil
	case err == nil:
		// expired leftover; clear it before opening a fresh challenge
		if err := s.store.DeleteRequest(ctx, channel, norm); err != nil {
			return Result{}, fmt.Errorf("clear expired request: %w", err)
		}
	case !errors.Is(err, store.ErrNotFound):
		return Result{}, fmt.Errorf("load pairing request: %w", err)
	}

	pending, err := s.store.CountPending(ctx, channel)
	if err != nil {
		return Result{}, fmt.Errorf("count pending requests: %w", err)
	}
	if pending >= s.maxPending {
		return Result{Status: StatusRateLimited}, nil
	}

	for attempt := 0; attempt < codeRetries; attempt++ {
		req := &store.PairingRequest{
			Channel:   channel,
			SenderID:  norm,
			Code:      randomCode(),
			CreatedAt: now,
			ExpiresAt: now.Add(TTL),
		}
		err := s.store.CreateRequest(ctx, req)
		if err == nil {
			return Result{Status: StatusCreated, Request: req}, nil
		}
		if !errors.Is(err, store.ErrDuplicate) {
			return Result{}, fmt.Errorf("create pairing request: %w", err)
		}
		// Duplicate either means a concurrent request for this sender won,
		// or the code collided within the channel. Disambiguate and retry.
		if racing, gerr := s.store.GetRequest(ctx, channel, norm); gerr == nil {
			return Result{Status: StatusAlreadyPending, Request: racing}, nil
		}
	}
	return Result{}, fmt.Errorf("could not allocate a unique pairing code for %s", channel)
}

// Approve redeems a code: the matching pending request is promoted to the
// allow-list and removed. The scan compares the code against every pending
// request without early exit.
func (s *Service) Approve(ctx context.Context, channel, code string) (string, error) {
	if !bus.KnownPlatform(channel) {
		return "", ErrUnsupportedChannel
	}
	code = strings.TrimSpace(code)

	pending, err := s.store.ListPending(ctx, channel)
	if err != nil {
		return "", fmt.Errorf("list pending requests: %w", err)
	}

	var matched *store.PairingRequest
	for i := range pending {
		if subtle.ConstantTimeCompare([]byte(code), []byte(pending[i].Code)) == 1 {
			matched = &pending[i]
		}
	}
	if matched == nil {
		return "", ErrNotFound
	}

	now := s.now().UTC()
	if matched.Expired(now) {
		if derr := s.store.DeleteRequest(ctx, channel, matched.SenderID); derr != nil {
			return "", fmt.Errorf("remove expired request: %w", derr)
		}
		return "", ErrExpired
	}

	if err := s.store.Promote(ctx, channel, matched.SenderID, now); err != nil {
		return "", fmt.Errorf("promote pairing request: %w", err)
	}
	s.mirrorChannel(ctx, channel)
	return matched.SenderID, nil
}

// ListPending returns open requests, all channels when channel is "".
func (s *Service) ListPending(ctx context.Context, channel string) ([]store.PairingRequest, error) {
	return s.store.ListPending(ctx, channel)
}

// ListAllowed returns the approved senders for a channel.
func (s *Service) ListAllowed(ctx context.Context, channel string) ([]store.AllowListEntry, error) {
	return s.store.ListAllowed(ctx, channel)
}

// SweepExpired removes requests past their window. Wired as a cron job.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	return s.store.DeleteExpired(ctx, s.now().UTC())
}

func (s *Service) mirrorChannel(ctx context.Context, channel string) {
	if s.mirror == nil {
		return
	}
	entries, err := s.store.ListAllowed(ctx, channel)
	if err != nil {
		s.mirror.logError(channel, err)
		return
	}
	s.mirror.Write(channel, entries)
}

// ChallengeMessage renders the outbound challenge for a fresh request.
func ChallengeMessage(channel, code string) string {
	return fmt.Sprintf(
		"[TwinClaw] Pairing required before I can process your messages on %s.\nRun: twinclaw pairing approve %s %s",
		channel, channel, code)
}

// randomCode draws a zero-padded 6-digit code from crypto/rand.
func randomCode() string {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		// crypto/rand only fails when the platform source is broken
		panic(fmt.Sprintf("pairing: rand failed: %v", err))
	}
	return fmt.Sprintf("%06d", n.Int64())
}
