package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultProducerInterval is the periodic collection tick.
const DefaultProducerInterval = 5 * time.Second

// Source collects a fresh payload for one topic. Called on the producer tick
// and when a new subscriber needs a snapshot.
type Source func(ctx context.Context) (any, error)

// Producer periodically collects payloads from registered sources and
// publishes them to the hub. It also answers new subscriptions with an
// immediate snapshot so clients never wait a full tick for initial state.
type Producer struct {
	hub      *Hub
	interval time.Duration

	mu      sync.RWMutex
	sources map[string]Source
}

// NewProducer wires a producer to the hub's subscribe hook.
func NewProducer(h *Hub, interval time.Duration) *Producer {
	if interval <= 0 {
		interval = DefaultProducerInterval
	}
	p := &Producer{
		hub:      h,
		interval: interval,
		sources:  make(map[string]Source),
	}
	h.SetOnSubscribe(p.onSubscribe)
	return p
}

// Register installs the source for a topic, replacing any previous one.
func (p *Producer) Register(topic string, src Source) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sources[topic] = src
}

// Start launches the tick loop. It stops when ctx is cancelled.
func (p *Producer) Start(ctx context.Context) {
	go p.loop(ctx)
}

func (p *Producer) loop(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

// tick collects and publishes every topic that has at least one subscriber.
// Idle topics are skipped so the event log does not fill while nobody
// listens.
func (p *Producer) tick(ctx context.Context) {
	for topic, src := range p.snapshotSources() {
		if p.hub.SubscriberCount(topic) == 0 {
			continue
		}
		payload, err := src(ctx)
		if err != nil {
			slog.Warn("topic source collect failed", "topic", topic, "error", err)
			continue
		}
		p.hub.Publish(topic, payload)
	}
}

// onSubscribe builds a snapshot for the subscribed topics and sends it to
// the new client. Runs off the client's read loop so a slow source cannot
// stall frame handling.
func (p *Producer) onSubscribe(clientID string, topics []string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultSnapshotWait)
		defer cancel()

		snap := make(map[string]any)
		for _, topic := range topics {
			src := p.source(topic)
			if src == nil {
				continue
			}
			payload, err := src(ctx)
			if err != nil {
				slog.Warn("snapshot source collect failed", "topic", topic, "error", err)
				continue
			}
			snap[topic] = payload
		}
		if len(snap) == 0 {
			return
		}
		p.hub.SendSnapshotTo(clientID, snap)
	}()
}

func (p *Producer) source(topic string) Source {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sources[topic]
}

func (p *Producer) snapshotSources() map[string]Source {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]Source, len(p.sources))
	for topic, src := range p.sources {
		out[topic] = src
	}
	return out
}
