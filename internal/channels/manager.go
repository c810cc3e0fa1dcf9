package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/twinclawhq/twinclaw/internal/bus"
	"github.com/twinclawhq/twinclaw/internal/redact"
)

// inboundBuffer absorbs bursts from adapters while the dispatcher works.
const inboundBuffer = 256

// Manager owns adapter lifecycle and outbound routing. It aggregates every
// adapter's inbound messages onto one channel for the dispatcher and
// implements the delivery queue's Sender with the per-chat pacing floor.
type Manager struct {
	bus     *bus.Bus
	pacer   *ChatPacer
	inbound chan bus.InboundMessage

	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewManager creates a manager. Adapters are registered before StartAll.
func NewManager(b *bus.Bus, sendFloor time.Duration) *Manager {
	return &Manager{
		bus:      b,
		pacer:    NewChatPacer(sendFloor),
		inbound:  make(chan bus.InboundMessage, inboundBuffer),
		adapters: make(map[string]Adapter),
	}
}

// Register adds an adapter, replacing any previous one for the platform.
func (m *Manager) Register(a Adapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adapters[a.Platform()] = a
}

// Sink is the inbound channel handed to adapter constructors.
func (m *Manager) Sink() chan<- bus.InboundMessage { return m.inbound }

// Inbound is the aggregated message stream the dispatcher consumes.
func (m *Manager) Inbound() <-chan bus.InboundMessage { return m.inbound }

// StartAll starts every registered adapter. A failing adapter is logged and
// reported on the bus but does not stop the others.
func (m *Manager) StartAll(ctx context.Context) error {
	for name, a := range m.snapshot() {
		slog.Info("starting channel", "channel", name)
		if err := a.Start(ctx); err != nil {
			// Auth failures from bot APIs quote the token back. The detail
			// travels to hub clients, so it goes out stripped.
			msg := redact.Error(err)
			slog.Error("failed to start channel", "channel", name, "error", msg)
			m.publish(bus.EventChannelDown, name, msg)
			continue
		}
		m.publish(bus.EventChannelUp, name, "")
	}
	if len(m.snapshot()) == 0 {
		slog.Warn("no channels enabled")
	}
	return nil
}

// StopAll stops every adapter. The inbound channel stays open; the
// dispatcher shuts down through its own context.
func (m *Manager) StopAll(ctx context.Context) error {
	for name, a := range m.snapshot() {
		slog.Info("stopping channel", "channel", name)
		if err := a.Stop(ctx); err != nil {
			slog.Error("error stopping channel", "channel", name, "error", err)
		}
		m.publish(bus.EventChannelDown, name, "stopped")
	}
	return nil
}

// SendText routes a text send to the platform's adapter after the pacing
// floor. Implements the delivery queue's Sender.
func (m *Manager) SendText(ctx context.Context, platform, chatID, text string) error {
	a, err := m.adapter(platform)
	if err != nil {
		return err
	}
	if err := m.pacer.Wait(ctx, platform+":"+chatID); err != nil {
		return err
	}
	return a.SendText(ctx, chatID, text)
}

// SendVoice routes a voice send to the platform's adapter after the pacing
// floor.
func (m *Manager) SendVoice(ctx context.Context, platform, chatID, path string) error {
	a, err := m.adapter(platform)
	if err != nil {
		return err
	}
	if err := m.pacer.Wait(ctx, platform+":"+chatID); err != nil {
		return err
	}
	return a.SendVoice(ctx, chatID, path)
}

// Status reports the running state per registered platform.
func (m *Manager) Status() map[string]bool {
	out := make(map[string]bool)
	for name, a := range m.snapshot() {
		out[name] = a.Running()
	}
	return out
}

func (m *Manager) adapter(platform string) (Adapter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.adapters[platform]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for platform %q", platform)
	}
	return a, nil
}

func (m *Manager) snapshot() map[string]Adapter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Adapter, len(m.adapters))
	for k, v := range m.adapters {
		out[k] = v
	}
	return out
}

func (m *Manager) publish(name, platform, detail string) {
	if m.bus == nil {
		return
	}
	m.bus.Broadcast(bus.Event{
		Name:    name,
		Payload: bus.ChannelEventPayload{Platform: platform, Detail: detail},
	})
}
