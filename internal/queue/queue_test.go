package queue

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/twinclawhq/twinclaw/internal/bus"
	"github.com/twinclawhq/twinclaw/internal/store"
)

// memQueueStore is an in-memory QueueStore honoring the same transition
// rules as the SQL implementations.
type memQueueStore struct {
	mu   sync.Mutex
	recs map[string]*store.DeliveryRecord
}

func newMemQueueStore() *memQueueStore {
	return &memQueueStore{recs: make(map[string]*store.DeliveryRecord)}
}

func (m *memQueueStore) Insert(_ context.Context, rec *store.DeliveryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recs[rec.ID]; ok {
		return store.ErrDuplicate
	}
	clone := *rec
	m.recs[rec.ID] = &clone
	return nil
}

func (m *memQueueStore) Get(_ context.Context, id string) (*store.DeliveryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *rec
	return &clone, nil
}

func (m *memQueueStore) DueBefore(_ context.Context, now time.Time, limit int) ([]*store.DeliveryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*store.DeliveryRecord
	for _, rec := range m.recs {
		if rec.State != store.DeliveryPending && rec.State != store.DeliveryRetrying {
			continue
		}
		if rec.NextAttemptAt.After(now) {
			continue
		}
		clone := *rec
		due = append(due, &clone)
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].NextAttemptAt.Equal(due[j].NextAttemptAt) {
			return due[i].NextAttemptAt.Before(due[j].NextAttemptAt)
		}
		if !due[i].CreatedAt.Equal(due[j].CreatedAt) {
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		}
		return due[i].ID < due[j].ID
	})
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *memQueueStore) Claim(_ context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return false, nil
	}
	if rec.State != store.DeliveryPending && rec.State != store.DeliveryRetrying {
		return false, nil
	}
	rec.State = store.DeliverySending
	rec.UpdatedAt = now
	return true, nil
}

func (m *memQueueStore) claimed(id string) (*store.DeliveryRecord, error) {
	rec, ok := m.recs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if rec.State != store.DeliverySending {
		return nil, store.ErrConflict
	}
	return rec, nil
}

func (m *memQueueStore) MarkSent(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.claimed(id)
	if err != nil {
		return err
	}
	rec.AttemptCount++
	rec.State = store.DeliverySent
	rec.SentAt = &at
	rec.UpdatedAt = at
	return nil
}

func (m *memQueueStore) MarkRetrying(_ context.Context, id string, nextAttempt time.Time, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.claimed(id)
	if err != nil {
		return err
	}
	rec.AttemptCount++
	rec.State = store.DeliveryRetrying
	rec.NextAttemptAt = nextAttempt
	rec.LastError = lastErr
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memQueueStore) MarkDeadLetter(_ context.Context, id string, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.claimed(id)
	if err != nil {
		return err
	}
	rec.AttemptCount++
	rec.State = store.DeliveryDeadLetter
	rec.LastError = lastErr
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memQueueStore) RequeueDeadLetter(_ context.Context, id string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return store.ErrNotFound
	}
	if rec.State != store.DeliveryDeadLetter {
		return store.ErrConflict
	}
	rec.State = store.DeliveryPending
	rec.AttemptCount = 0
	rec.LastError = ""
	rec.NextAttemptAt = now
	rec.UpdatedAt = now
	return nil
}

func (m *memQueueStore) RecoverInFlight(_ context.Context, nextAttempt time.Time, maxAttempts int) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var retried, dead int
	for _, rec := range m.recs {
		if rec.State != store.DeliverySending {
			continue
		}
		rec.AttemptCount++
		if rec.AttemptCount >= maxAttempts {
			rec.State = store.DeliveryDeadLetter
			rec.LastError = "interrupted by restart"
			dead++
		} else {
			rec.State = store.DeliveryRetrying
			rec.NextAttemptAt = nextAttempt
			rec.LastError = "interrupted by restart"
			retried++
		}
	}
	return retried, dead, nil
}

func (m *memQueueStore) ReconcileTask(_ context.Context, taskID string, success bool, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	changed := false
	for _, rec := range m.recs {
		if rec.CorrelationTaskID != taskID {
			continue
		}
		switch rec.State {
		case store.DeliverySent, store.DeliveryFailed, store.DeliveryDeadLetter:
			continue
		}
		if success {
			rec.State = store.DeliverySent
			rec.SentAt = &at
		} else {
			rec.State = store.DeliveryFailed
			rec.LastError = "reported failed by callback"
		}
		rec.UpdatedAt = at
		changed = true
	}
	return changed, nil
}

func (m *memQueueStore) CountByState(_ context.Context) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[string]int)
	for _, rec := range m.recs {
		counts[rec.State]++
	}
	return counts, nil
}

func (m *memQueueStore) ListRecent(_ context.Context, limit int) ([]*store.DeliveryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.DeliveryRecord
	for _, rec := range m.recs {
		clone := *rec
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memQueueStore) ListByState(_ context.Context, state string, limit int) ([]*store.DeliveryRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.DeliveryRecord
	for _, rec := range m.recs {
		if rec.State != state {
			continue
		}
		clone := *rec
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type sendCall struct {
	platform, chatID, body string
}

// scriptedSender returns queued errors in order, then succeeds. When block is
// set, every send waits on it (or on context cancellation) after recording
// the call.
type scriptedSender struct {
	mu    sync.Mutex
	errs  []error
	calls []sendCall
	block chan struct{}
}

func (s *scriptedSender) SendText(ctx context.Context, platform, chatID, body string) error {
	s.mu.Lock()
	s.calls = append(s.calls, sendCall{platform, chatID, body})
	var next error
	if len(s.errs) > 0 {
		next = s.errs[0]
		s.errs = s.errs[1:]
	}
	block := s.block
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return next
}

func (s *scriptedSender) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *scriptedSender) bodies() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	for i, c := range s.calls {
		out[i] = c.body
	}
	return out
}

// fastConfig shrinks backoff to milliseconds so tests complete quickly. Tick
// is an hour because tests drive sweeps through Tick directly.
func fastConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseBackoff: time.Millisecond,
		Factor:      2,
		MaxBackoff:  4 * time.Millisecond,
		Tick:        time.Hour,
		StopGrace:   time.Second,
	}
}

// tickUntil sweeps repeatedly until the record reaches the wanted state and
// the engine has no attempt in flight, so counters and the ring are settled.
func tickUntil(t *testing.T, e *Engine, st *memQueueStore, id, want string) *store.DeliveryRecord {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if err := e.Tick(context.Background()); err != nil {
			t.Fatalf("tick: %v", err)
		}
		time.Sleep(2 * time.Millisecond)
		rec, err := st.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if rec.State == want {
			e.mu.Lock()
			idle := len(e.inFlight) == 0
			e.mu.Unlock()
			if idle {
				return rec
			}
		}
	}
	t.Fatalf("record %s never reached state %q", id, want)
	return nil
}

func waitCalls(t *testing.T, snd *scriptedSender, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if snd.callCount() >= want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("sender saw %d calls, want %d", snd.callCount(), want)
}

// TestEnqueuePersistsBeforeReturn verifies the durability contract: the
// record exists as pending, due immediately, before Enqueue returns.
func TestEnqueuePersistsBeforeReturn(t *testing.T) {
	ctx := context.Background()
	st := newMemQueueStore()
	e := New(st, &scriptedSender{}, nil, fastConfig())

	id, err := e.Enqueue(ctx, bus.PlatformTelegram, "c1", "hello")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	rec, err := st.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.State != store.DeliveryPending {
		t.Fatalf("state = %q, want pending", rec.State)
	}
	if rec.AttemptCount != 0 || rec.Body != "hello" || rec.Platform != bus.PlatformTelegram {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.NextAttemptAt.After(time.Now().UTC()) {
		t.Fatalf("record not due immediately: %v", rec.NextAttemptAt)
	}
}

// TestEnqueueRejectsEmpty covers the validation edge: blank bodies and
// missing addressing never reach the store.
func TestEnqueueRejectsEmpty(t *testing.T) {
	ctx := context.Background()
	st := newMemQueueStore()
	e := New(st, &scriptedSender{}, nil, fastConfig())

	if _, err := e.Enqueue(ctx, bus.PlatformTelegram, "c1", "   \n"); err == nil {
		t.Fatal("blank body accepted")
	}
	if _, err := e.Enqueue(ctx, "", "c1", "hi"); err == nil {
		t.Fatal("empty platform accepted")
	}
	if _, err := e.Enqueue(ctx, bus.PlatformTelegram, "", "hi"); err == nil {
		t.Fatal("empty chat id accepted")
	}
	counts, _ := st.CountByState(ctx)
	if len(counts) != 0 {
		t.Fatalf("store not empty after rejected enqueues: %v", counts)
	}
}

// TestBackoffSchedule pins the exponential schedule with the defaults:
// 1s, 2s, 4s, 8s, then capped at 15s.
func TestBackoffSchedule(t *testing.T) {
	cfg := Config{}.withDefaults()
	want := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		15 * time.Second,
		15 * time.Second,
	}
	for i, w := range want {
		if got := backoffDelay(cfg, i+1); got != w {
			t.Errorf("delay after attempt %d = %v, want %v", i+1, got, w)
		}
	}
}

// TestRetryThenSucceed drives a record through two failed attempts and a
// successful third: final state sent with three counted attempts, cumulative
// totals sent=1 failed=0, and matching bus events.
func TestRetryThenSucceed(t *testing.T) {
	ctx := context.Background()
	st := newMemQueueStore()
	snd := &scriptedSender{errs: []error{errors.New("boom"), errors.New("boom")}}
	b := bus.New()

	var evMu sync.Mutex
	var events []string
	b.Subscribe("test", func(ev bus.Event) {
		evMu.Lock()
		events = append(events, ev.Name)
		evMu.Unlock()
	})

	e := New(st, snd, b, fastConfig())
	id, err := e.Enqueue(ctx, bus.PlatformTelegram, "c1", "hi")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	rec := tickUntil(t, e, st, id, store.DeliverySent)
	if rec.AttemptCount != 3 {
		t.Fatalf("attemptCount = %d, want 3", rec.AttemptCount)
	}
	if rec.SentAt == nil {
		t.Fatal("sentAt not recorded")
	}

	stats, err := e.GetStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalSent != 1 || stats.TotalFailed != 0 || stats.TotalDeadLetters != 0 {
		t.Fatalf("totals = sent %d failed %d dead %d, want 1/0/0",
			stats.TotalSent, stats.TotalFailed, stats.TotalDeadLetters)
	}
	if stats.TotalRetried != 2 {
		t.Fatalf("totalRetried = %d, want 2", stats.TotalRetried)
	}
	if stats.Pending != 0 || stats.InFlight != 0 {
		t.Fatalf("gauges = pending %d inFlight %d, want 0/0", stats.Pending, stats.InFlight)
	}
	if len(stats.Recent) != 3 || stats.Recent[0].State != store.DeliverySent {
		t.Fatalf("recent ring = %+v, want newest-first with sent on top", stats.Recent)
	}
	if snd.callCount() != 3 {
		t.Fatalf("sender calls = %d, want 3", snd.callCount())
	}

	evMu.Lock()
	defer evMu.Unlock()
	var retries, sents int
	for _, name := range events {
		switch name {
		case bus.EventQueueRetry:
			retries++
		case bus.EventQueueSent:
			sents++
		}
	}
	if retries != 2 || sents != 1 {
		t.Fatalf("events = %v, want 2 retries and 1 sent", events)
	}
}

// TestDeadLetterThenReplay exhausts the attempt budget, replays the record,
// and verifies the counter reset plus cumulative totals: totalDeadLetters
// stays 1 after the replayed record is sent.
func TestDeadLetterThenReplay(t *testing.T) {
	ctx := context.Background()
	st := newMemQueueStore()
	snd := &scriptedSender{errs: []error{
		errors.New("boom"), errors.New("boom"), errors.New("boom"),
	}}
	e := New(st, snd, nil, fastConfig())

	id, err := e.Enqueue(ctx, bus.PlatformTelegram, "c1", "hi")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	rec := tickUntil(t, e, st, id, store.DeliveryDeadLetter)
	if rec.AttemptCount != 3 || rec.LastError != "boom" {
		t.Fatalf("dead-letter record: attempts %d lastError %q", rec.AttemptCount, rec.LastError)
	}
	stats, _ := e.GetStats(ctx)
	if stats.TotalDeadLetters != 1 || stats.TotalSent != 0 {
		t.Fatalf("totals after dead-letter = dead %d sent %d, want 1/0",
			stats.TotalDeadLetters, stats.TotalSent)
	}

	if err := e.RequeueDeadLetter(ctx, id); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	rec, _ = st.Get(ctx, id)
	if rec.State != store.DeliveryPending || rec.AttemptCount != 0 || rec.LastError != "" {
		t.Fatalf("replayed record not reset: %+v", rec)
	}

	rec = tickUntil(t, e, st, id, store.DeliverySent)
	if rec.AttemptCount != 1 {
		t.Fatalf("attemptCount after replay = %d, want 1", rec.AttemptCount)
	}
	stats, _ = e.GetStats(ctx)
	if stats.TotalDeadLetters != 1 || stats.TotalSent != 1 {
		t.Fatalf("final totals = dead %d sent %d, want 1/1",
			stats.TotalDeadLetters, stats.TotalSent)
	}
}

// TestSendErrorsStoredStripped verifies sender errors are scrubbed before
// anything durable records them: a bot-API error quoting the request URL
// must not carry the token into last_error or the recent ring.
func TestSendErrorsStoredStripped(t *testing.T) {
	ctx := context.Background()
	st := newMemQueueStore()
	tokenErr := errors.New(`send telegram message: Post "https://api.telegram.org/bot1234567890:AAHfVb-EXAMPLEEXAMPLEEXAMPLEexample12/sendMessage": connection refused`)
	snd := &scriptedSender{errs: []error{tokenErr, tokenErr, tokenErr}}
	e := New(st, snd, nil, fastConfig())

	id, err := e.Enqueue(ctx, bus.PlatformTelegram, "c1", "hi")
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	rec := tickUntil(t, e, st, id, store.DeliveryDeadLetter)
	if strings.Contains(rec.LastError, "AAHfVb") {
		t.Fatalf("token leaked into lastError: %q", rec.LastError)
	}
	if !strings.Contains(rec.LastError, "bot<redacted>") {
		t.Fatalf("lastError = %q, want redacted bot path", rec.LastError)
	}

	stats, _ := e.GetStats(ctx)
	for _, r := range stats.Recent {
		if strings.Contains(r.Error, "AAHfVb") {
			t.Fatalf("token leaked into recent ring: %q", r.Error)
		}
	}
}

// TestRequeueRejectsNonDeadLetter covers the replay guard: only dead_letter
// records are replayable.
func TestRequeueRejectsNonDeadLetter(t *testing.T) {
	ctx := context.Background()
	st := newMemQueueStore()
	e := New(st, &scriptedSender{}, nil, fastConfig())

	id, _ := e.Enqueue(ctx, bus.PlatformTelegram, "c1", "hi")
	if err := e.RequeueDeadLetter(ctx, id); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("requeue pending = %v, want ErrConflict", err)
	}
	if err := e.RequeueDeadLetter(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("requeue missing = %v, want ErrNotFound", err)
	}
}

// TestNoConcurrentSendsPerChat holds one send open and verifies the sweeper
// never starts a second send for the same chat, while other chats proceed.
func TestNoConcurrentSendsPerChat(t *testing.T) {
	ctx := context.Background()
	st := newMemQueueStore()
	snd := &scriptedSender{block: make(chan struct{})}
	e := New(st, snd, nil, fastConfig())

	id1, _ := e.Enqueue(ctx, bus.PlatformTelegram, "c1", "one")
	id2, _ := e.Enqueue(ctx, bus.PlatformTelegram, "c1", "two")
	id3, _ := e.Enqueue(ctx, bus.PlatformTelegram, "c9", "three")

	if err := e.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	waitCalls(t, snd, 2)

	for _, body := range snd.bodies() {
		if body == "two" {
			t.Fatal("second send for busy chat started")
		}
	}
	if rec, _ := st.Get(ctx, id2); rec.State != store.DeliveryPending {
		t.Fatalf("queued sibling state = %q, want pending", rec.State)
	}

	// Another sweep while c1 is still busy must not claim its second record.
	if err := e.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if snd.callCount() != 2 {
		t.Fatalf("sender calls while blocked = %d, want 2", snd.callCount())
	}

	close(snd.block)
	for _, id := range []string{id1, id2, id3} {
		if rec := tickUntil(t, e, st, id, store.DeliverySent); rec.AttemptCount != 1 {
			t.Fatalf("record %s attempts = %d, want 1", id, rec.AttemptCount)
		}
	}
}

// TestStartRecoversInterrupted seeds records stuck in sending and verifies
// the startup sweep counts the interrupted attempt: below-budget records park
// as retrying, a record on its final attempt dead-letters.
func TestStartRecoversInterrupted(t *testing.T) {
	ctx := context.Background()
	st := newMemQueueStore()
	now := time.Now().UTC()
	seed := []*store.DeliveryRecord{
		{ID: "a", Platform: bus.PlatformTelegram, ChatID: "c1", Body: "x",
			State: store.DeliverySending, AttemptCount: 0, CreatedAt: now, UpdatedAt: now},
		{ID: "b", Platform: bus.PlatformTelegram, ChatID: "c2", Body: "y",
			State: store.DeliverySending, AttemptCount: 2, CreatedAt: now, UpdatedAt: now},
	}
	for _, rec := range seed {
		if err := st.Insert(ctx, rec); err != nil {
			t.Fatalf("seed %s: %v", rec.ID, err)
		}
	}

	// Hour-scale backoff and tick keep the loop from re-claiming during the test.
	cfg := Config{MaxAttempts: 3, BaseBackoff: time.Hour, Tick: time.Hour, StopGrace: 50 * time.Millisecond}
	e := New(st, &scriptedSender{}, nil, cfg)
	if err := e.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer e.Stop()

	a, _ := st.Get(ctx, "a")
	if a.State != store.DeliveryRetrying || a.AttemptCount != 1 {
		t.Fatalf("record a = %q/%d, want retrying/1", a.State, a.AttemptCount)
	}
	if !a.NextAttemptAt.After(now) {
		t.Fatalf("record a due immediately: %v", a.NextAttemptAt)
	}
	b, _ := st.Get(ctx, "b")
	if b.State != store.DeliveryDeadLetter || b.AttemptCount != 3 {
		t.Fatalf("record b = %q/%d, want dead_letter/3", b.State, b.AttemptCount)
	}
}

// TestStopParksInFlightAsRetrying blocks a send past the grace period and
// verifies Stop cancels it and persists the record back to retrying.
func TestStopParksInFlightAsRetrying(t *testing.T) {
	ctx := context.Background()
	st := newMemQueueStore()
	snd := &scriptedSender{block: make(chan struct{})} // never released

	cfg := Config{MaxAttempts: 3, BaseBackoff: time.Hour, Tick: time.Hour, StopGrace: 20 * time.Millisecond}
	e := New(st, snd, nil, cfg)

	id, _ := e.Enqueue(ctx, bus.PlatformTelegram, "c1", "hi")
	if err := e.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	waitCalls(t, snd, 1)

	e.Stop()

	rec, err := st.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.State != store.DeliveryRetrying {
		t.Fatalf("state after stop = %q, want retrying", rec.State)
	}
	if rec.AttemptCount != 1 {
		t.Fatalf("attemptCount after stop = %d, want 1", rec.AttemptCount)
	}
	if !strings.Contains(rec.LastError, "interrupted") {
		t.Fatalf("lastError = %q, want interrupted marker", rec.LastError)
	}
}

// TestReconcileTask applies callback verdicts to correlated records: success
// marks sent, failure marks failed, and terminal records are not re-touched.
func TestReconcileTask(t *testing.T) {
	ctx := context.Background()
	st := newMemQueueStore()
	e := New(st, &scriptedSender{}, nil, fastConfig())

	id1, _ := e.EnqueueTracked(ctx, bus.PlatformTelegram, "c1", "result pending", "T1")
	id2, _ := e.EnqueueTracked(ctx, bus.PlatformTelegram, "c2", "result pending", "T2")

	changed, err := e.ReconcileTask(ctx, "T1", true)
	if err != nil || !changed {
		t.Fatalf("reconcile T1 = %v/%v, want changed", changed, err)
	}
	if rec, _ := st.Get(ctx, id1); rec.State != store.DeliverySent {
		t.Fatalf("T1 record state = %q, want sent", rec.State)
	}

	changed, err = e.ReconcileTask(ctx, "T2", false)
	if err != nil || !changed {
		t.Fatalf("reconcile T2 = %v/%v, want changed", changed, err)
	}
	if rec, _ := st.Get(ctx, id2); rec.State != store.DeliveryFailed {
		t.Fatalf("T2 record state = %q, want failed", rec.State)
	}

	// Terminal records stay put; repeat reconciliation reports no change.
	changed, err = e.ReconcileTask(ctx, "T1", false)
	if err != nil || changed {
		t.Fatalf("repeat reconcile T1 = %v/%v, want no change", changed, err)
	}
	if rec, _ := st.Get(ctx, id1); rec.State != store.DeliverySent {
		t.Fatalf("T1 record flipped to %q after repeat reconcile", rec.State)
	}

	stats, _ := e.GetStats(ctx)
	if stats.TotalSent != 1 || stats.TotalFailed != 1 {
		t.Fatalf("totals = sent %d failed %d, want 1/1", stats.TotalSent, stats.TotalFailed)
	}
}

// TestRuntimeControls echoes the effective tuning and reflects pause state.
func TestRuntimeControls(t *testing.T) {
	e := New(newMemQueueStore(), &scriptedSender{}, nil, Config{})

	rc := e.GetRuntimeControls()
	if rc.MaxAttempts != 3 || rc.BaseBackoffMs != 1000 || rc.BackoffFactor != 2 ||
		rc.MaxBackoffMs != 15000 || rc.TickMs != 500 {
		t.Fatalf("defaults not applied: %+v", rc)
	}
	if rc.Paused {
		t.Fatal("new engine reports paused")
	}

	e.SetPaused(true)
	if !e.GetRuntimeControls().Paused {
		t.Fatal("pause not reflected in controls")
	}
}
