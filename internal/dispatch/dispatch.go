// Package dispatch runs the inbound pipeline: debounce, sender
// authorization, voice transcription, gateway handoff, reply chunking, and
// delivery enqueue. One dispatcher consumes the merged inbound stream of all
// channel adapters; per-sender lanes keep gateway handoff sequential for a
// sender while different senders proceed in parallel.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/twinclawhq/twinclaw/internal/bus"
	"github.com/twinclawhq/twinclaw/internal/chunker"
	"github.com/twinclawhq/twinclaw/internal/debounce"
	"github.com/twinclawhq/twinclaw/internal/gateway"
	"github.com/twinclawhq/twinclaw/internal/pairing"
)

var tracer = otel.Tracer("github.com/twinclawhq/twinclaw/internal/dispatch")

// DM policies. Unknown or empty values behave like PolicyPairing.
const (
	PolicyPairing   = "pairing"
	PolicyAllowlist = "allowlist"
	PolicyOpen      = "open"
	PolicyDisabled  = "disabled"
)

const laneBuffer = 64

// Authority answers sender authorization questions. The pairing service
// implements it.
type Authority interface {
	IsApproved(ctx context.Context, channel, senderID string) (bool, error)
	RequestPairing(ctx context.Context, channel, senderID string) (pairing.Result, error)
}

// Enqueuer accepts outbound bodies for durable delivery. The queue engine
// implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, platform, chatID, body string) (string, error)
}

// Config tunes the pipeline.
type Config struct {
	Window        time.Duration // debounce quiet period
	CoalesceAudio bool
	HumanDelay    time.Duration // pause between chunk enqueues
	Chunk         chunker.Options
}

// Dispatcher consumes inbound messages and produces queued replies.
type Dispatcher struct {
	auth      Authority
	gw        gateway.Gateway
	stt       gateway.Transcriber // nil disables transcription
	queue     Enqueuer
	msgBus    *bus.Bus
	policyFor func(platform string) string
	chunk     *chunker.Chunker
	cfg       Config

	deb *debounce.Debouncer

	mu       sync.Mutex
	lanes    map[string]chan bus.InboundMessage
	stopping bool

	wg      sync.WaitGroup
	quit    chan struct{}
	baseCtx context.Context
}

// New builds a dispatcher. policyFor resolves the DM policy for a platform
// on every message, so config reloads take effect without a restart.
func New(auth Authority, gw gateway.Gateway, stt gateway.Transcriber, q Enqueuer, b *bus.Bus, policyFor func(string) string, cfg Config) *Dispatcher {
	d := &Dispatcher{
		auth:      auth,
		gw:        gw,
		stt:       stt,
		queue:     q,
		msgBus:    b,
		policyFor: policyFor,
		chunk:     chunker.New(cfg.Chunk),
		cfg:       cfg,
		lanes:     make(map[string]chan bus.InboundMessage),
		quit:      make(chan struct{}),
		baseCtx:   context.Background(),
	}
	d.deb = debounce.New(cfg.Window, cfg.CoalesceAudio, d.handleFlush)
	return d
}

// Start consumes the inbound channel until ctx is cancelled or the channel
// closes.
func (d *Dispatcher) Start(ctx context.Context, inbound <-chan bus.InboundMessage) {
	d.mu.Lock()
	d.baseCtx = ctx
	d.mu.Unlock()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-inbound:
				if !ok {
					return
				}
				d.OnInbound(msg)
			}
		}
	}()
}

// OnInbound feeds one raw message into the debounce layer.
func (d *Dispatcher) OnInbound(msg bus.InboundMessage) {
	d.deb.Offer(msg)
}

// Stop flushes the debounce buffers synchronously, waits for in-flight
// pipeline work, and parks the lane workers. Call before stopping the queue
// so flushed replies still enqueue.
func (d *Dispatcher) Stop() {
	d.deb.FlushAll()

	d.mu.Lock()
	d.stopping = true
	d.mu.Unlock()

	d.wg.Wait()
	close(d.quit)
}

// handleFlush receives debounced messages and routes them onto the sender's
// lane. During shutdown the lane layer is bypassed and the message is
// processed inline.
func (d *Dispatcher) handleFlush(msg bus.InboundMessage) {
	k := msg.Platform + ":" + msg.SenderID

	d.mu.Lock()
	if d.stopping {
		d.mu.Unlock()
		d.safeProcess(msg)
		return
	}
	lane, ok := d.lanes[k]
	if !ok {
		lane = make(chan bus.InboundMessage, laneBuffer)
		d.lanes[k] = lane
		go d.laneWorker(lane)
	}
	d.wg.Add(1)
	d.mu.Unlock()

	lane <- msg
}

func (d *Dispatcher) laneWorker(lane chan bus.InboundMessage) {
	for {
		select {
		case msg := <-lane:
			d.safeProcess(msg)
			d.wg.Done()
		case <-d.quit:
			return
		}
	}
}

// safeProcess runs the pipeline for one flushed message, recovering panics
// at the worker boundary.
func (d *Dispatcher) safeProcess(msg bus.InboundMessage) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("dispatch worker panicked", "platform", msg.Platform, "sender", msg.SenderID,
				"panic", r, "stack", string(debug.Stack()))
			if d.msgBus != nil {
				d.msgBus.Broadcast(bus.Event{Name: bus.EventWorkerPanic, Payload: fmt.Sprint(r)})
			}
		}
	}()
	d.mu.Lock()
	ctx := d.baseCtx
	d.mu.Unlock()
	d.process(ctx, msg)
}

func (d *Dispatcher) process(ctx context.Context, msg bus.InboundMessage) {
	ctx, span := tracer.Start(ctx, "dispatch.process", trace.WithAttributes(
		attribute.String("platform", msg.Platform),
		attribute.Bool("audio", msg.HasAudio()),
	))
	defer span.End()

	norm := pairing.NormalizeSender(msg.Platform, msg.SenderID)
	if norm == "" {
		slog.Debug("dropping message with unusable sender id", "platform", msg.Platform, "sender", msg.SenderID)
		return
	}
	msg.SenderID = norm

	if !d.authorize(ctx, msg) {
		return
	}

	if msg.HasAudio() {
		ok := d.resolveAudio(ctx, &msg)
		if !ok {
			return
		}
	}
	if strings.TrimSpace(msg.Text) == "" {
		return
	}

	reply, err := d.gw.ProcessMessage(ctx, msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		slog.Error("gateway processing failed", "platform", msg.Platform, "sender", msg.SenderID, "error", err)
		return
	}
	if strings.TrimSpace(reply) == "" {
		return
	}

	chunks := d.chunk.Split(reply)
	for i, text := range chunks {
		if i > 0 && d.cfg.HumanDelay > 0 {
			select {
			case <-time.After(d.cfg.HumanDelay):
			case <-ctx.Done():
				return
			}
		}
		if _, err := d.queue.Enqueue(ctx, msg.Platform, msg.ChatID, text); err != nil {
			slog.Error("reply enqueue failed", "platform", msg.Platform, "chat", msg.ChatID,
				"chunk", i+1, "of", len(chunks), "error", err)
			return
		}
	}
	slog.Debug("inbound handled", "platform", msg.Platform, "sender", msg.SenderID, "chunks", len(chunks))
}

// authorize applies the platform's DM policy. Returns true when the message
// may proceed to the gateway.
func (d *Dispatcher) authorize(ctx context.Context, msg bus.InboundMessage) bool {
	policy := PolicyPairing
	if d.policyFor != nil {
		if p := d.policyFor(msg.Platform); p != "" {
			policy = p
		}
	}

	switch policy {
	case PolicyOpen:
		return true
	case PolicyDisabled:
		return false
	}

	approved, err := d.auth.IsApproved(ctx, msg.Platform, msg.SenderID)
	if err != nil {
		slog.Error("pairing lookup failed", "platform", msg.Platform, "sender", msg.SenderID, "error", err)
		return false
	}
	if approved {
		return true
	}
	if policy == PolicyAllowlist {
		slog.Debug("unlisted sender dropped", "platform", msg.Platform, "sender", msg.SenderID)
		return false
	}

	res, err := d.auth.RequestPairing(ctx, msg.Platform, msg.SenderID)
	if err != nil {
		slog.Error("pairing request failed", "platform", msg.Platform, "sender", msg.SenderID, "error", err)
		return false
	}
	if res.Status == pairing.StatusCreated && res.Request != nil {
		challenge := pairing.ChallengeMessage(msg.Platform, res.Request.Code)
		if _, err := d.queue.Enqueue(ctx, msg.Platform, msg.ChatID, challenge); err != nil {
			slog.Error("challenge enqueue failed", "platform", msg.Platform, "sender", msg.SenderID, "error", err)
		}
		slog.Info("pairing challenge issued", "platform", msg.Platform, "sender", msg.SenderID)
	}
	return false
}

// resolveAudio transcribes the voice attachment and always removes the temp
// file. Returns false when the pipeline should stop.
func (d *Dispatcher) resolveAudio(ctx context.Context, msg *bus.InboundMessage) bool {
	path := msg.AudioPath
	defer func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			slog.Warn("voice temp cleanup failed", "path", path, "error", err)
		}
	}()
	msg.AudioPath = ""

	if d.stt == nil {
		return true
	}
	transcript, err := d.stt.TranscribeFile(ctx, path)
	if err != nil {
		slog.Error("transcription failed", "platform", msg.Platform, "sender", msg.SenderID, "error", err)
		return false
	}
	if msg.Text == "" {
		msg.Text = transcript
	} else if transcript != "" {
		msg.Text += "\n" + transcript
	}
	return true
}
