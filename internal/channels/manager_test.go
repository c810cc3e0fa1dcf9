package channels

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/twinclawhq/twinclaw/internal/bus"
)

// fakeAdapter records calls for manager tests.
type fakeAdapter struct {
	platform string
	startErr error

	mu      sync.Mutex
	running bool
	texts   []string
	voices  []string
}

func (f *fakeAdapter) Platform() string { return f.platform }

func (f *fakeAdapter) Start(context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = true
	return nil
}

func (f *fakeAdapter) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running = false
	return nil
}

func (f *fakeAdapter) SendText(_ context.Context, chatID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, chatID+"|"+text)
	return nil
}

func (f *fakeAdapter) SendVoice(_ context.Context, chatID, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.voices = append(f.voices, chatID+"|"+path)
	return nil
}

func (f *fakeAdapter) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeAdapter) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func (f *fakeAdapter) sentVoices() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.voices...)
}

// eventRecorder captures bus events synchronously.
type eventRecorder struct {
	mu     sync.Mutex
	events []bus.Event
}

func (r *eventRecorder) record(ev bus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) find(name, platform string) (bus.ChannelEventPayload, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		p, ok := ev.Payload.(bus.ChannelEventPayload)
		if ok && ev.Name == name && p.Platform == platform {
			return p, true
		}
	}
	return bus.ChannelEventPayload{}, false
}

// TestSendRouting verifies outbound sends reach the adapter registered for
// the platform and unknown platforms are rejected.
func TestSendRouting(t *testing.T) {
	tg := &fakeAdapter{platform: "telegram"}
	wa := &fakeAdapter{platform: "whatsapp"}
	m := NewManager(nil, time.Millisecond)
	m.Register(tg)
	m.Register(wa)

	ctx := context.Background()
	if err := m.SendText(ctx, "telegram", "c1", "to telegram"); err != nil {
		t.Fatalf("send telegram: %v", err)
	}
	if err := m.SendText(ctx, "whatsapp", "c2", "to whatsapp"); err != nil {
		t.Fatalf("send whatsapp: %v", err)
	}
	if err := m.SendVoice(ctx, "whatsapp", "c2", "/tmp/v.ogg"); err != nil {
		t.Fatalf("send voice: %v", err)
	}

	if got := tg.sentTexts(); len(got) != 1 || got[0] != "c1|to telegram" {
		t.Errorf("telegram sends = %v", got)
	}
	if got := wa.sentTexts(); len(got) != 1 || got[0] != "c2|to whatsapp" {
		t.Errorf("whatsapp sends = %v", got)
	}
	if got := wa.sentVoices(); len(got) != 1 || got[0] != "c2|/tmp/v.ogg" {
		t.Errorf("whatsapp voices = %v", got)
	}

	err := m.SendText(ctx, "signal", "c1", "nope")
	if err == nil || !strings.Contains(err.Error(), "no adapter registered") {
		t.Errorf("unknown platform error = %v", err)
	}
}

// TestLifecycleEvents verifies StartAll reports per-channel up/down on the
// bus, keeps going past a failing adapter, and StopAll announces shutdown.
func TestLifecycleEvents(t *testing.T) {
	rec := &eventRecorder{}
	b := bus.New()
	b.Subscribe("test", rec.record)

	good := &fakeAdapter{platform: "telegram"}
	bad := &fakeAdapter{platform: "whatsapp", startErr: errors.New("bridge down")}

	m := NewManager(b, time.Millisecond)
	m.Register(good)
	m.Register(bad)

	ctx := context.Background()
	if err := m.StartAll(ctx); err != nil {
		t.Fatalf("start all: %v", err)
	}

	if _, ok := rec.find(bus.EventChannelUp, "telegram"); !ok {
		t.Error("missing channel.up for telegram")
	}
	p, ok := rec.find(bus.EventChannelDown, "whatsapp")
	if !ok {
		t.Fatal("missing channel.down for whatsapp")
	}
	if !strings.Contains(p.Detail, "bridge down") {
		t.Errorf("down detail = %q", p.Detail)
	}

	status := m.Status()
	if !status["telegram"] || status["whatsapp"] {
		t.Errorf("status = %v", status)
	}

	if err := m.StopAll(ctx); err != nil {
		t.Fatalf("stop all: %v", err)
	}
	if p, ok := rec.find(bus.EventChannelDown, "telegram"); !ok || p.Detail != "stopped" {
		t.Errorf("telegram stop event = %+v ok=%v", p, ok)
	}
	if m.Status()["telegram"] {
		t.Error("telegram still reported running after StopAll")
	}
}

// TestInboundAggregation verifies messages pushed on the sink by different
// adapters come out of the one Inbound stream.
func TestInboundAggregation(t *testing.T) {
	m := NewManager(nil, time.Millisecond)
	sink := m.Sink()

	sink <- bus.InboundMessage{Platform: "telegram", SenderID: "u1", ChatID: "c1", Text: "one"}
	sink <- bus.InboundMessage{Platform: "whatsapp", SenderID: "u2", ChatID: "c2", Text: "two"}

	seen := make(map[string]string)
	for range 2 {
		select {
		case in := <-m.Inbound():
			seen[in.Platform] = in.Text
		case <-time.After(time.Second):
			t.Fatal("inbound message not delivered")
		}
	}
	if seen["telegram"] != "one" || seen["whatsapp"] != "two" {
		t.Errorf("seen = %v", seen)
	}
}
