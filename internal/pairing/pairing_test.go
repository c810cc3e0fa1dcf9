package pairing

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/twinclawhq/twinclaw/internal/store"
)

// fakePairingStore is an in-memory PairingStore for service tests.
type fakePairingStore struct {
	mu             sync.Mutex
	allowed        map[string]time.Time
	pending        map[string]store.PairingRequest
	failNextCreate bool
}

func newFakePairingStore() *fakePairingStore {
	return &fakePairingStore{
		allowed: make(map[string]time.Time),
		pending: make(map[string]store.PairingRequest),
	}
}

func pkey(channel, senderID string) string { return channel + "|" + senderID }

func (f *fakePairingStore) SeedAllowFrom(_ context.Context, channel string, senderIDs []string, at time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inserted := 0
	for _, id := range senderIDs {
		k := pkey(channel, id)
		if _, ok := f.allowed[k]; !ok {
			f.allowed[k] = at
			inserted++
		}
	}
	return inserted, nil
}

func (f *fakePairingStore) IsApproved(_ context.Context, channel, senderID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.allowed[pkey(channel, senderID)]
	return ok, nil
}

func (f *fakePairingStore) ListAllowed(_ context.Context, channel string) ([]store.AllowListEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.AllowListEntry
	for k, at := range f.allowed {
		ch, id, _ := strings.Cut(k, "|")
		if ch == channel {
			out = append(out, store.AllowListEntry{Channel: ch, SenderID: id, ApprovedAt: at})
		}
	}
	return out, nil
}

func (f *fakePairingStore) CreateRequest(_ context.Context, req *store.PairingRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNextCreate {
		f.failNextCreate = false
		return store.ErrDuplicate
	}
	k := pkey(req.Channel, req.SenderID)
	if _, ok := f.pending[k]; ok {
		return store.ErrDuplicate
	}
	for _, p := range f.pending {
		if p.Channel == req.Channel && p.Code == req.Code {
			return store.ErrDuplicate
		}
	}
	f.pending[k] = *req
	return nil
}

func (f *fakePairingStore) GetRequest(_ context.Context, channel, senderID string) (*store.PairingRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.pending[pkey(channel, senderID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &req, nil
}

func (f *fakePairingStore) ListPending(_ context.Context, channel string) ([]store.PairingRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.PairingRequest
	for _, p := range f.pending {
		if channel == "" || p.Channel == channel {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakePairingStore) CountPending(_ context.Context, channel string) (int, error) {
	reqs, _ := f.ListPending(nil, channel)
	return len(reqs), nil
}

func (f *fakePairingStore) Promote(_ context.Context, channel, senderID string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := pkey(channel, senderID)
	if _, ok := f.pending[k]; !ok {
		return store.ErrNotFound
	}
	delete(f.pending, k)
	f.allowed[k] = at
	return nil
}

func (f *fakePairingStore) DeleteRequest(_ context.Context, channel, senderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pending, pkey(channel, senderID))
	return nil
}

func (f *fakePairingStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for k, p := range f.pending {
		if now.After(p.ExpiresAt) {
			delete(f.pending, k)
			n++
		}
	}
	return n, nil
}

var codeRe = regexp.MustCompile(`^\d{6}$`)

// TestNormalizeSender covers per-channel normalization rules.
func TestNormalizeSender(t *testing.T) {
	tests := []struct {
		channel, in, want string
	}{
		{"whatsapp", "+1 (555) 123-4567", "15551234567"},
		{"whatsapp", "  4915551234 ", "4915551234"},
		{"whatsapp", "no digits", ""},
		{"telegram", " 42 ", "42"},
		{"telegram", "abc", ""},
		{"telegram", "12a3", ""},
		{"discord", "42", ""},
	}
	for _, tt := range tests {
		if got := NormalizeSender(tt.channel, tt.in); got != tt.want {
			t.Errorf("NormalizeSender(%q, %q) = %q, want %q", tt.channel, tt.in, got, tt.want)
		}
	}
}

// TestRequestPairingCreatesChallenge verifies the created request carries a
// 6-digit code and the full TTL.
func TestRequestPairingCreatesChallenge(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc := New(newFakePairingStore(), Options{Now: func() time.Time { return now }})

	res, err := svc.RequestPairing(context.Background(), "telegram", "42")
	if err != nil {
		t.Fatalf("RequestPairing() = %v", err)
	}
	if res.Status != StatusCreated {
		t.Fatalf("status = %q, want %q", res.Status, StatusCreated)
	}
	if !codeRe.MatchString(res.Request.Code) {
		t.Fatalf("code = %q, want 6 digits", res.Request.Code)
	}
	if got := res.Request.ExpiresAt.Sub(res.Request.CreatedAt); got != TTL {
		t.Fatalf("ttl = %s, want %s", got, TTL)
	}

	msg := ChallengeMessage("telegram", res.Request.Code)
	if !strings.Contains(msg, res.Request.Code) {
		t.Fatalf("challenge %q does not contain the code", msg)
	}
	if !strings.Contains(msg, "twinclaw pairing approve telegram") {
		t.Fatalf("challenge %q does not name the approve command", msg)
	}
}

// TestRequestPairingStatuses walks already_pending, already_approved, and
// rate_limited.
func TestRequestPairingStatuses(t *testing.T) {
	ctx := context.Background()
	st := newFakePairingStore()
	svc := New(st, Options{MaxPending: 2})

	first, err := svc.RequestPairing(ctx, "telegram", "42")
	if err != nil || first.Status != StatusCreated {
		t.Fatalf("first request: %v status %q", err, first.Status)
	}

	again, err := svc.RequestPairing(ctx, "telegram", "42")
	if err != nil || again.Status != StatusAlreadyPending {
		t.Fatalf("repeat request: %v status %q", err, again.Status)
	}
	if again.Request.Code != first.Request.Code {
		t.Fatalf("repeat request returned a different code")
	}

	if _, err := svc.RequestPairing(ctx, "telegram", "43"); err != nil {
		t.Fatalf("second sender: %v", err)
	}
	limited, err := svc.RequestPairing(ctx, "telegram", "44")
	if err != nil || limited.Status != StatusRateLimited {
		t.Fatalf("over cap: %v status %q", err, limited.Status)
	}

	if _, err := svc.SeedAllowFrom(ctx, "telegram", []string{"77"}); err != nil {
		t.Fatalf("SeedAllowFrom() = %v", err)
	}
	approved, err := svc.RequestPairing(ctx, "telegram", "77")
	if err != nil || approved.Status != StatusAlreadyApproved {
		t.Fatalf("approved sender: %v status %q", err, approved.Status)
	}
}

// TestRequestPairingRetriesOnCodeCollision verifies a duplicate code gets a
// fresh draw instead of failing the request.
func TestRequestPairingRetriesOnCodeCollision(t *testing.T) {
	st := newFakePairingStore()
	st.failNextCreate = true
	svc := New(st, Options{})

	res, err := svc.RequestPairing(context.Background(), "telegram", "42")
	if err != nil {
		t.Fatalf("RequestPairing() = %v", err)
	}
	if res.Status != StatusCreated {
		t.Fatalf("status = %q, want %q", res.Status, StatusCreated)
	}
}

// TestApprovePromotesSender verifies the full S1 approve path.
func TestApprovePromotesSender(t *testing.T) {
	ctx := context.Background()
	st := newFakePairingStore()
	svc := New(st, Options{})

	res, err := svc.RequestPairing(ctx, "telegram", "42")
	if err != nil {
		t.Fatalf("RequestPairing() = %v", err)
	}
	if ok, _ := svc.IsApproved(ctx, "telegram", "42"); ok {
		t.Fatal("sender approved before Approve")
	}

	sender, err := svc.Approve(ctx, "telegram", res.Request.Code)
	if err != nil {
		t.Fatalf("Approve() = %v", err)
	}
	if sender != "42" {
		t.Fatalf("Approve() sender = %q, want %q", sender, "42")
	}

	if ok, _ := svc.IsApproved(ctx, "telegram", "42"); !ok {
		t.Fatal("sender not approved after Approve")
	}
	if pending, _ := svc.ListPending(ctx, "telegram"); len(pending) != 0 {
		t.Fatalf("pending = %d after approve, want 0", len(pending))
	}
}

// TestApproveFailureModes covers not_found, expired, unsupported_channel.
func TestApproveFailureModes(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	st := newFakePairingStore()
	svc := New(st, Options{Now: func() time.Time { return *clock }})

	if _, err := svc.Approve(ctx, "discord", "123456"); !errors.Is(err, ErrUnsupportedChannel) {
		t.Fatalf("unknown channel: %v, want ErrUnsupportedChannel", err)
	}
	if _, err := svc.Approve(ctx, "telegram", "000000"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("bad code: %v, want ErrNotFound", err)
	}

	res, err := svc.RequestPairing(ctx, "telegram", "42")
	if err != nil {
		t.Fatalf("RequestPairing() = %v", err)
	}
	later := now.Add(TTL + time.Minute)
	clock = &later
	if _, err := svc.Approve(ctx, "telegram", res.Request.Code); !errors.Is(err, ErrExpired) {
		t.Fatalf("expired code: %v, want ErrExpired", err)
	}
	if pending, _ := svc.ListPending(ctx, "telegram"); len(pending) != 0 {
		t.Fatal("expired request not removed on redeem attempt")
	}
}

// TestSweepExpired verifies only requests past their window are removed.
func TestSweepExpired(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &now
	svc := New(newFakePairingStore(), Options{Now: func() time.Time { return *clock }})

	if _, err := svc.RequestPairing(ctx, "telegram", "42"); err != nil {
		t.Fatal(err)
	}
	mid := now.Add(30 * time.Minute)
	clock = &mid
	if _, err := svc.RequestPairing(ctx, "telegram", "43"); err != nil {
		t.Fatal(err)
	}

	late := now.Add(TTL + time.Minute)
	clock = &late
	removed, err := svc.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired() = %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	pending, _ := svc.ListPending(ctx, "telegram")
	if len(pending) != 1 || pending[0].SenderID != "43" {
		t.Fatalf("pending after sweep = %+v, want only sender 43", pending)
	}
}

// TestMirrorWritesAllowList verifies approvals land in the credentials file.
func TestMirrorWritesAllowList(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	mirror := NewMirror(dir)
	svc := New(newFakePairingStore(), Options{Mirror: mirror})

	res, err := svc.RequestPairing(ctx, "telegram", "42")
	if err != nil {
		t.Fatalf("RequestPairing() = %v", err)
	}
	if _, err := svc.Approve(ctx, "telegram", res.Request.Code); err != nil {
		t.Fatalf("Approve() = %v", err)
	}

	data, err := os.ReadFile(mirror.Path("telegram"))
	if err != nil {
		t.Fatalf("mirror file: %v", err)
	}
	var file struct {
		Channel   string   `json:"channel"`
		AllowFrom []string `json:"allowFrom"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		t.Fatalf("mirror json: %v", err)
	}
	if file.Channel != "telegram" || len(file.AllowFrom) != 1 || file.AllowFrom[0] != "42" {
		t.Fatalf("mirror content = %+v, want telegram/[42]", file)
	}
}
