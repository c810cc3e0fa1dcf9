// Package hub implements the WebSocket event hub of the control plane.
// Clients authenticate in-band, subscribe to topics, and receive versioned
// event envelopes with hub-wide strictly increasing sequence numbers. A slow
// client never blocks the hub: sends beyond its byte budget are dropped and
// counted, and a client that stops answering pings is closed as stale.
package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/twinclawhq/twinclaw/internal/store"
	"github.com/twinclawhq/twinclaw/pkg/protocol"
)

// Hub tuning defaults.
const (
	DefaultAuthTimeout  = 5 * time.Second
	DefaultHeartbeat    = 30 * time.Second
	DefaultMaxQueueKB   = 200
	DefaultSnapshotWait = 2 * time.Second

	persistTimeout = 5 * time.Second
)

// Config tunes the hub. Zero values fall back to the defaults above.
type Config struct {
	AuthTimeout time.Duration
	Heartbeat   time.Duration
	MaxQueueKB  int
}

func (c Config) withDefaults() Config {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = DefaultAuthTimeout
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = DefaultHeartbeat
	}
	if c.MaxQueueKB <= 0 {
		c.MaxQueueKB = DefaultMaxQueueKB
	}
	return c
}

// Metrics is the hub health snapshot served by the ws metrics endpoint.
type Metrics struct {
	Clients       int            `json:"clients"`
	Subscriptions map[string]int `json:"subscriptions"`
	Published     uint64         `json:"published"`
	DroppedEvents uint64         `json:"droppedEvents"`
	LastSeq       uint64         `json:"lastSeq"`
}

// Hub owns the client registry and the sequence counter. Safe for concurrent
// use; per-client I/O runs on the client's own pump goroutines.
type Hub struct {
	token  string
	events store.EventStore
	cfg    Config

	mu      sync.RWMutex
	clients map[string]*client

	// pubMu serializes sequence assignment and fanout so every client
	// observes seq in increasing order even under concurrent publishers.
	pubMu sync.Mutex
	seq   atomic.Uint64

	published atomic.Uint64
	dropped   atomic.Uint64
	closed    atomic.Bool

	onSubscribe func(clientID string, topics []string)

	wg       sync.WaitGroup
	upgrader websocket.Upgrader
	now      func() time.Time
}

// New creates a hub authenticating clients against token and persisting
// published envelopes into events. An empty token rejects every client;
// doctor flags that condition.
func New(token string, events store.EventStore, cfg Config) *Hub {
	if token == "" {
		slog.Warn("hub token not configured, all websocket clients will be rejected")
	}
	return &Hub{
		token:   token,
		events:  events,
		cfg:     cfg.withDefaults(),
		clients: make(map[string]*client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		now: time.Now,
	}
}

// SetOnSubscribe installs the hook invoked after a client's subscription is
// accepted. The producer uses it to push an immediate snapshot.
func (h *Hub) SetOnSubscribe(fn func(clientID string, topics []string)) {
	h.onSubscribe = fn
}

// Start seeds the sequence counter from the event log and launches the
// heartbeat sweep. Call once before serving connections.
func (h *Hub) Start(ctx context.Context) error {
	seed, err := h.events.MaxSeq(ctx)
	if err != nil {
		return err
	}
	h.seq.Store(seed)
	go h.sweepLoop(ctx)
	slog.Info("event hub started", "seqSeed", seed, "heartbeat", h.cfg.Heartbeat)
	return nil
}

// HandleWS upgrades the request and runs the client until it disconnects.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	if h.closed.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := newClient(h, conn)
	h.register(c)
	c.run()
}

// Publish assigns the next sequence number, persists the envelope, and fans
// it out to every client subscribed to topic. Returns the assigned seq.
func (h *Hub) Publish(topic string, payload any) uint64 {
	raw, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("event payload marshal failed", "topic", topic, "error", err)
		return 0
	}

	h.pubMu.Lock()
	seq := h.seq.Add(1)
	ts := h.now().UTC()
	frame, err := json.Marshal(protocol.EventFrame{
		Type:    protocol.FrameEvent,
		V:       protocol.EnvelopeVersion,
		Topic:   topic,
		Seq:     seq,
		TS:      ts.Format(time.RFC3339),
		Payload: raw,
	})
	if err != nil {
		h.pubMu.Unlock()
		slog.Warn("event frame marshal failed", "topic", topic, "error", err)
		return seq
	}
	for _, c := range h.snapshotClients() {
		if !c.subscribed(topic) {
			continue
		}
		if !c.trySend(frame) {
			h.dropped.Add(1)
		}
	}
	h.pubMu.Unlock()

	h.published.Add(1)
	h.persist(seq, topic, ts, raw)
	return seq
}

// SendSnapshotTo delivers a one-off snapshot frame to a single client. The
// snapshot map is keyed by topic; type, version, and timestamp fields are
// added here.
func (h *Hub) SendSnapshotTo(clientID string, snapshot map[string]any) {
	h.mu.RLock()
	c := h.clients[clientID]
	h.mu.RUnlock()
	if c == nil {
		return
	}

	body := make(map[string]any, len(snapshot)+3)
	for topic, payload := range snapshot {
		body[topic] = payload
	}
	body["type"] = protocol.FrameSnapshot
	body["v"] = protocol.EnvelopeVersion
	body["ts"] = h.now().UTC().Format(time.RFC3339)

	frame, err := json.Marshal(body)
	if err != nil {
		slog.Warn("snapshot marshal failed", "client", clientID, "error", err)
		return
	}
	if !c.trySend(frame) {
		h.dropped.Add(1)
	}
}

// SubscriberCount returns how many connected clients subscribe to topic.
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, c := range h.clients {
		if c.subscribed(topic) {
			n++
		}
	}
	return n
}

// Metrics snapshots client and counter state.
func (h *Hub) Metrics() Metrics {
	h.mu.RLock()
	defer h.mu.RUnlock()

	subs := make(map[string]int)
	for _, c := range h.clients {
		for _, topic := range c.topicList() {
			subs[topic]++
		}
	}
	return Metrics{
		Clients:       len(h.clients),
		Subscriptions: subs,
		Published:     h.published.Load(),
		DroppedEvents: h.dropped.Load(),
		LastSeq:       h.seq.Load(),
	}
}

// Shutdown refuses new connections, closes every client with the shutdown
// code, and waits for their pumps to finish or ctx to expire.
func (h *Hub) Shutdown(ctx context.Context) {
	if !h.closed.CompareAndSwap(false, true) {
		return
	}
	for _, c := range h.snapshotClients() {
		c.closeWith(protocol.CloseServerShutdown, "server shutdown")
	}

	finished := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		slog.Warn("hub shutdown timed out waiting for clients")
	}
	slog.Info("event hub stopped")
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	h.wg.Add(1)
	slog.Debug("websocket client connected", "client", c.id)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c.id]
	delete(h.clients, c.id)
	h.mu.Unlock()
	if ok {
		h.wg.Done()
		slog.Debug("websocket client disconnected", "client", c.id)
	}
}

func (h *Hub) snapshotClients() []*client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c)
	}
	return out
}

// sweepLoop pings every authed client each heartbeat and closes the ones
// that did not answer since the previous tick.
func (h *Hub) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.Heartbeat)
	defer ticker.Stop()

	ping, _ := json.Marshal(protocol.PingFrame{Type: protocol.FramePing})
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, c := range h.snapshotClients() {
				if !c.isAuthed() {
					continue
				}
				if !c.alive() {
					c.closeWith(protocol.CloseStaleConnection, "stale connection")
					continue
				}
				c.setAlive(false)
				c.trySend(ping)
			}
		}
	}
}

// persist appends the envelope to the event log. Best effort: the stream
// stays up even when the trace write fails.
func (h *Hub) persist(seq uint64, topic string, ts time.Time, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	env := &store.StoredEnvelope{Seq: seq, Topic: topic, TS: ts, Payload: string(payload)}
	if err := h.events.Append(ctx, env); err != nil {
		slog.Warn("envelope persist failed", "topic", topic, "seq", seq, "error", err)
	}
}

func (h *Hub) notifySubscribe(clientID string, topics []string) {
	if h.onSubscribe == nil {
		return
	}
	h.onSubscribe(clientID, topics)
}
