// Package queue implements the durable outbound delivery queue. Every reply
// the runtime produces is persisted as a delivery record before anything is
// handed to a channel adapter; a sweeper claims due records, runs send
// attempts with exponential backoff, and parks exhausted records in a
// dead-letter state for manual replay.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/twinclawhq/twinclaw/internal/bus"
	"github.com/twinclawhq/twinclaw/internal/redact"
	"github.com/twinclawhq/twinclaw/internal/store"
)

var tracer = otel.Tracer("github.com/twinclawhq/twinclaw/internal/queue")

// Sender performs one delivery attempt on a platform chat. The channel
// manager implements it; per-chat pacing lives behind this interface, not in
// the engine.
type Sender interface {
	SendText(ctx context.Context, platform, chatID, body string) error
}

// Queue tuning defaults.
const (
	DefaultMaxAttempts  = 3
	DefaultBaseBackoff  = time.Second
	DefaultMaxBackoff   = 15 * time.Second
	DefaultTick         = 500 * time.Millisecond
	DefaultBatchSize    = 32
	DefaultSendTimeout  = 30 * time.Second
	DefaultStopGrace    = 5 * time.Second
	DefaultRecentWindow = 50

	persistTimeout = 5 * time.Second
)

// Config tunes the engine. Zero values fall back to the defaults above.
type Config struct {
	MaxAttempts  int
	BaseBackoff  time.Duration
	Factor       int
	MaxBackoff   time.Duration
	Tick         time.Duration
	BatchSize    int
	SendTimeout  time.Duration
	StopGrace    time.Duration
	RecentWindow int
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = DefaultBaseBackoff
	}
	if c.Factor <= 1 {
		c.Factor = 2
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.Tick <= 0 {
		c.Tick = DefaultTick
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.StopGrace <= 0 {
		c.StopGrace = DefaultStopGrace
	}
	if c.RecentWindow <= 0 {
		c.RecentWindow = DefaultRecentWindow
	}
	return c
}

// RecentDelivery is one entry in the bounded ring of recent transitions.
type RecentDelivery struct {
	ID       string    `json:"id"`
	Platform string    `json:"platform"`
	ChatID   string    `json:"chatId"`
	State    string    `json:"state"`
	Attempts int       `json:"attempts"`
	Error    string    `json:"error,omitempty"`
	At       time.Time `json:"at"`
}

// Stats is the queue health snapshot served by the reliability endpoint.
// Totals are cumulative for the process lifetime; Pending and InFlight are
// current gauges read from the store.
type Stats struct {
	TotalSent        int64            `json:"totalSent"`
	TotalFailed      int64            `json:"totalFailed"`
	TotalDeadLetters int64            `json:"totalDeadLetters"`
	TotalRetried     int64            `json:"totalRetried"`
	Pending          int              `json:"pending"`
	InFlight         int              `json:"inFlight"`
	ByState          map[string]int   `json:"byState"`
	Recent           []RecentDelivery `json:"recent"`
}

// RuntimeControls is the effective tuning of a running engine.
type RuntimeControls struct {
	Paused        bool  `json:"paused"`
	MaxAttempts   int   `json:"maxAttempts"`
	BaseBackoffMs int64 `json:"baseBackoffMs"`
	BackoffFactor int   `json:"backoffFactor"`
	MaxBackoffMs  int64 `json:"maxBackoffMs"`
	TickMs        int64 `json:"tickMs"`
}

// Engine drives delivery records through their state machine. One engine per
// process; all enqueues and sweeps go through it so the per-chat serialization
// map has a single owner.
type Engine struct {
	store  store.QueueStore
	sender Sender
	bus    *bus.Bus
	cfg    Config

	// loopCtx stops the sweeper goroutine; sendCtx aborts in-flight sends.
	// They are split so Stop can halt claiming immediately while granting
	// in-flight attempts a grace period.
	loopCtx    context.Context
	loopCancel context.CancelFunc
	sendCtx    context.Context
	sendCancel context.CancelFunc
	loopDone   chan struct{}

	mu       sync.Mutex
	inFlight map[string]string // platform:chatId -> record id
	recent   []RecentDelivery
	started  bool
	stopped  bool
	wg       sync.WaitGroup

	paused           atomic.Bool
	totalSent        atomic.Int64
	totalFailed      atomic.Int64
	totalDeadLetters atomic.Int64
	totalRetried     atomic.Int64
}

// New creates an engine over the given store and sender. The bus may be nil
// in tests; transitions are then not broadcast.
func New(st store.QueueStore, sender Sender, b *bus.Bus, cfg Config) *Engine {
	loopCtx, loopCancel := context.WithCancel(context.Background())
	sendCtx, sendCancel := context.WithCancel(context.Background())
	return &Engine{
		store:      st,
		sender:     sender,
		bus:        b,
		cfg:        cfg.withDefaults(),
		loopCtx:    loopCtx,
		loopCancel: loopCancel,
		sendCtx:    sendCtx,
		sendCancel: sendCancel,
		loopDone:   make(chan struct{}),
		inFlight:   make(map[string]string),
	}
}

// Enqueue persists an outbound message and returns its record id. The record
// is durable before Enqueue returns; actual delivery happens on a later sweep.
func (e *Engine) Enqueue(ctx context.Context, platform, chatID, body string) (string, error) {
	return e.EnqueueTracked(ctx, platform, chatID, body, "")
}

// EnqueueTracked is Enqueue with a correlation task id attached, so a later
// webhook callback can reconcile the record.
func (e *Engine) EnqueueTracked(ctx context.Context, platform, chatID, body, taskID string) (string, error) {
	if platform == "" || chatID == "" {
		return "", errors.New("queue: platform and chat id required")
	}
	if strings.TrimSpace(body) == "" {
		return "", errors.New("queue: empty body")
	}
	now := time.Now().UTC()
	rec := &store.DeliveryRecord{
		ID:                uuid.NewString(),
		Platform:          platform,
		ChatID:            chatID,
		Body:              body,
		State:             store.DeliveryPending,
		NextAttemptAt:     now,
		CreatedAt:         now,
		UpdatedAt:         now,
		CorrelationTaskID: taskID,
	}
	if err := e.store.Insert(ctx, rec); err != nil {
		return "", fmt.Errorf("insert delivery: %w", err)
	}
	slog.Debug("delivery enqueued", "id", rec.ID, "platform", platform, "chat", chatID, "bytes", len(body))
	return rec.ID, nil
}

// Start runs the crash-recovery sweep and launches the sweeper loop. Records
// interrupted mid-send by a previous process get their attempt counted, then
// move to retrying (or dead_letter when the budget is spent).
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errors.New("queue: already started")
	}
	e.started = true
	e.mu.Unlock()

	next := time.Now().UTC().Add(e.cfg.BaseBackoff)
	retried, dead, err := e.store.RecoverInFlight(ctx, next, e.cfg.MaxAttempts)
	if err != nil {
		return fmt.Errorf("recover in-flight deliveries: %w", err)
	}
	if retried+dead > 0 {
		slog.Info("recovered interrupted deliveries", "retried", retried, "dead_lettered", dead)
	}

	go e.loop()
	return nil
}

func (e *Engine) loop() {
	defer close(e.loopDone)
	t := time.NewTicker(e.cfg.Tick)
	defer t.Stop()
	for {
		select {
		case <-e.loopCtx.Done():
			return
		case <-t.C:
			if e.paused.Load() {
				continue
			}
			if err := e.Tick(e.loopCtx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("delivery sweep failed", "error", err)
			}
		}
	}
}

// Tick runs one sweep: claim due records and launch send attempts. Chats with
// an attempt already in flight are skipped so no chat ever sees two
// concurrent sends. Exported so tests can drive the engine without the timer.
func (e *Engine) Tick(ctx context.Context) error {
	now := time.Now().UTC()
	due, err := e.store.DueBefore(ctx, now, e.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list due deliveries: %w", err)
	}
	for _, rec := range due {
		key := chatKey(rec.Platform, rec.ChatID)

		e.mu.Lock()
		if e.stopped {
			e.mu.Unlock()
			return nil
		}
		if _, busy := e.inFlight[key]; busy {
			e.mu.Unlock()
			continue
		}
		e.inFlight[key] = rec.ID
		e.mu.Unlock()

		claimed, err := e.store.Claim(ctx, rec.ID, now)
		if err != nil {
			e.release(key)
			return fmt.Errorf("claim delivery %s: %w", rec.ID, err)
		}
		if !claimed {
			e.release(key)
			continue
		}

		e.wg.Add(1)
		go e.attempt(rec, key)
	}
	return nil
}

// attempt runs one send and persists the outcome. rec is the pre-claim
// snapshot; nothing else writes the record while it sits in sending, so the
// snapshot's attempt count is authoritative.
func (e *Engine) attempt(rec *store.DeliveryRecord, key string) {
	defer e.wg.Done()
	defer e.release(key)

	sctx, cancel := context.WithTimeout(e.sendCtx, e.cfg.SendTimeout)
	sctx, span := tracer.Start(sctx, "queue.attempt", trace.WithAttributes(
		attribute.String("platform", rec.Platform),
		attribute.Int("attempt", rec.AttemptCount+1),
	))
	err := e.sender.SendText(sctx, rec.Platform, rec.ChatID, rec.Body)
	// Bot API errors echo the request URL, and the URL embeds the token.
	// Every sink below (span, store, bus, logs) takes the stripped form.
	errMsg := redact.Error(err)
	if err != nil {
		span.RecordError(errors.New(errMsg))
		span.SetStatus(codes.Error, errMsg)
	}
	span.End()
	cancel()

	// Persistence must not ride the send context: outcomes are written even
	// when the send was cancelled by shutdown.
	pctx, pcancel := context.WithTimeout(context.Background(), persistTimeout)
	defer pcancel()

	now := time.Now().UTC()
	attempts := rec.AttemptCount + 1

	switch {
	case err == nil:
		if merr := e.store.MarkSent(pctx, rec.ID, now); merr != nil {
			slog.Error("mark delivery sent failed", "id", rec.ID, "error", merr)
			return
		}
		e.totalSent.Add(1)
		e.remember(rec, store.DeliverySent, attempts, "", now)
		e.publish(bus.EventQueueSent, rec, store.DeliverySent, attempts, "")
		slog.Debug("delivery sent", "id", rec.ID, "platform", rec.Platform, "chat", rec.ChatID, "attempts", attempts)

	case errors.Is(err, context.Canceled):
		// Shutdown interrupted the send. Park as retrying with the attempt
		// counted, same as the crash-recovery sweep.
		next := now.Add(e.cfg.BaseBackoff)
		if merr := e.store.MarkRetrying(pctx, rec.ID, next, "interrupted by shutdown"); merr != nil {
			slog.Error("park interrupted delivery failed", "id", rec.ID, "error", merr)
			return
		}
		e.totalRetried.Add(1)
		slog.Info("delivery interrupted by shutdown", "id", rec.ID, "attempt", attempts)

	case attempts >= e.cfg.MaxAttempts:
		if merr := e.store.MarkDeadLetter(pctx, rec.ID, errMsg); merr != nil {
			slog.Error("mark delivery dead-letter failed", "id", rec.ID, "error", merr)
			return
		}
		e.totalDeadLetters.Add(1)
		e.remember(rec, store.DeliveryDeadLetter, attempts, errMsg, now)
		e.publish(bus.EventQueueDeadLetter, rec, store.DeliveryDeadLetter, attempts, errMsg)
		slog.Error("delivery dead-lettered", "id", rec.ID, "platform", rec.Platform, "chat", rec.ChatID, "attempts", attempts, "error", errMsg)

	default:
		delay := backoffDelay(e.cfg, attempts)
		next := now.Add(delay)
		if merr := e.store.MarkRetrying(pctx, rec.ID, next, errMsg); merr != nil {
			slog.Error("mark delivery retrying failed", "id", rec.ID, "error", merr)
			return
		}
		e.totalRetried.Add(1)
		e.remember(rec, store.DeliveryRetrying, attempts, errMsg, now)
		e.publish(bus.EventQueueRetry, rec, store.DeliveryRetrying, attempts, errMsg)
		slog.Warn("delivery failed, retrying", "id", rec.ID, "attempt", attempts, "retry_in", delay, "error", errMsg)
	}
}

// Stop drains in-flight sends up to the grace period, then cancels the
// stragglers, which persist back to retrying. Idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	started := e.started
	e.mu.Unlock()

	e.loopCancel()
	if started {
		<-e.loopDone
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(e.cfg.StopGrace):
		e.sendCancel()
		<-done
	}
	e.sendCancel()
}

// RequeueDeadLetter resets a dead-letter record for another delivery cycle:
// state pending, attempt count zero, last error cleared.
func (e *Engine) RequeueDeadLetter(ctx context.Context, id string) error {
	if err := e.store.RequeueDeadLetter(ctx, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("requeue delivery %s: %w", id, err)
	}
	slog.Info("dead-letter requeued", "id", id)
	return nil
}

// ReconcileTask applies an external task verdict to the correlated record:
// success marks it sent, failure marks it failed. Terminal records are left
// untouched, which makes reconciliation idempotent.
func (e *Engine) ReconcileTask(ctx context.Context, taskID string, success bool) (bool, error) {
	changed, err := e.store.ReconcileTask(ctx, taskID, success, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("reconcile task %s: %w", taskID, err)
	}
	if changed {
		if success {
			e.totalSent.Add(1)
		} else {
			e.totalFailed.Add(1)
		}
		slog.Info("delivery reconciled by callback", "task_id", taskID, "success", success)
	}
	return changed, nil
}

// GetStats snapshots cumulative totals, current state counts, and the recent
// transition ring, newest first.
func (e *Engine) GetStats(ctx context.Context) (*Stats, error) {
	counts, err := e.store.CountByState(ctx)
	if err != nil {
		return nil, fmt.Errorf("count deliveries: %w", err)
	}

	e.mu.Lock()
	recent := slices.Clone(e.recent)
	inFlight := len(e.inFlight)
	e.mu.Unlock()
	slices.Reverse(recent)

	return &Stats{
		TotalSent:        e.totalSent.Load(),
		TotalFailed:      e.totalFailed.Load(),
		TotalDeadLetters: e.totalDeadLetters.Load(),
		TotalRetried:     e.totalRetried.Load(),
		Pending:          counts[store.DeliveryPending] + counts[store.DeliveryRetrying],
		InFlight:         inFlight,
		ByState:          counts,
		Recent:           recent,
	}, nil
}

// GetRuntimeControls returns the engine's effective tuning.
func (e *Engine) GetRuntimeControls() RuntimeControls {
	return RuntimeControls{
		Paused:        e.paused.Load(),
		MaxAttempts:   e.cfg.MaxAttempts,
		BaseBackoffMs: e.cfg.BaseBackoff.Milliseconds(),
		BackoffFactor: e.cfg.Factor,
		MaxBackoffMs:  e.cfg.MaxBackoff.Milliseconds(),
		TickMs:        e.cfg.Tick.Milliseconds(),
	}
}

// SetPaused suspends or resumes the sweeper loop. In-flight attempts finish
// either way; pausing only stops new claims.
func (e *Engine) SetPaused(paused bool) {
	e.paused.Store(paused)
	slog.Info("queue pause toggled", "paused", paused)
}

func (e *Engine) release(key string) {
	e.mu.Lock()
	delete(e.inFlight, key)
	e.mu.Unlock()
}

func (e *Engine) remember(rec *store.DeliveryRecord, state string, attempts int, lastErr string, at time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recent = append(e.recent, RecentDelivery{
		ID:       rec.ID,
		Platform: rec.Platform,
		ChatID:   rec.ChatID,
		State:    state,
		Attempts: attempts,
		Error:    lastErr,
		At:       at,
	})
	if n := len(e.recent) - e.cfg.RecentWindow; n > 0 {
		e.recent = append(e.recent[:0], e.recent[n:]...)
	}
}

func (e *Engine) publish(name string, rec *store.DeliveryRecord, state string, attempts int, errMsg string) {
	if e.bus == nil {
		return
	}
	e.bus.Broadcast(bus.Event{
		Name: name,
		Payload: bus.DeliveryEventPayload{
			ID:       rec.ID,
			Platform: rec.Platform,
			ChatID:   rec.ChatID,
			State:    state,
			Attempts: attempts,
			Error:    errMsg,
		},
	})
}

func chatKey(platform, chatID string) string {
	return platform + ":" + chatID
}
