// Package debounce coalesces rapid inbound messages from the same sender
// into a single logical message before dispatch.
package debounce

import (
	"sync"
	"time"

	"github.com/twinclawhq/twinclaw/internal/bus"
)

// DefaultWindow is the quiet period that closes a bucket.
const DefaultWindow = 1500 * time.Millisecond

// Debouncer buffers messages per (platform, senderId). A new message inside
// the window joins the bucket and resets its timer; the bucket flushes when
// the timer fires. Messages are never lost or duplicated; a timer racing a
// late arrival may close the window slightly early.
//
// Voice messages bypass the merge by default: they flush any buffered text
// for the sender and then emit immediately. With coalesceAudio set they wait
// for the window like text, staying their own unit inside the flush.
type Debouncer struct {
	window        time.Duration
	coalesceAudio bool
	out           func(bus.InboundMessage)

	mu      sync.Mutex
	buckets map[string]*bucket
	closed  bool
}

type bucket struct {
	timer *time.Timer
	msgs  []bus.InboundMessage
}

func New(window time.Duration, coalesceAudio bool, out func(bus.InboundMessage)) *Debouncer {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Debouncer{
		window:        window,
		coalesceAudio: coalesceAudio,
		out:           out,
		buckets:       make(map[string]*bucket),
	}
}

func key(msg bus.InboundMessage) string {
	return msg.Platform + ":" + msg.SenderID
}

// Offer feeds one raw inbound message. After FlushAll the debouncer accepts
// nothing; late messages are dropped.
func (d *Debouncer) Offer(msg bus.InboundMessage) {
	k := key(msg)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}

	if msg.HasAudio() && !d.coalesceAudio {
		var pending []bus.InboundMessage
		if b := d.buckets[k]; b != nil {
			b.timer.Stop()
			pending = b.msgs
			delete(d.buckets, k)
		}
		d.mu.Unlock()
		for _, m := range coalesce(pending) {
			d.out(m)
		}
		d.out(msg)
		return
	}

	b := d.buckets[k]
	if b == nil {
		b = &bucket{}
		d.buckets[k] = b
		b.timer = time.AfterFunc(d.window, func() { d.flush(k) })
	} else {
		b.timer.Reset(d.window)
	}
	b.msgs = append(b.msgs, msg)
	d.mu.Unlock()
}

func (d *Debouncer) flush(k string) {
	d.mu.Lock()
	b := d.buckets[k]
	if b == nil {
		d.mu.Unlock()
		return
	}
	delete(d.buckets, k)
	msgs := b.msgs
	d.mu.Unlock()

	for _, m := range coalesce(msgs) {
		d.out(m)
	}
}

// FlushAll synchronously drains every bucket and stops accepting input.
// Called once at shutdown.
func (d *Debouncer) FlushAll() {
	d.mu.Lock()
	d.closed = true
	buckets := d.buckets
	d.buckets = make(map[string]*bucket)
	d.mu.Unlock()

	for _, b := range buckets {
		b.timer.Stop()
		for _, m := range coalesce(b.msgs) {
			d.out(m)
		}
	}
}

// Pending returns the number of open buckets.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buckets)
}

// coalesce merges adjacent text-only messages into one newline-joined
// message. Audio messages stay separate units in arrival order; the first
// message of each merged run keeps its chatId and raw payload.
func coalesce(msgs []bus.InboundMessage) []bus.InboundMessage {
	var out []bus.InboundMessage
	for _, m := range msgs {
		if !m.HasAudio() && len(out) > 0 && !out[len(out)-1].HasAudio() {
			last := &out[len(out)-1]
			switch {
			case last.Text != "" && m.Text != "":
				last.Text += "\n" + m.Text
			default:
				last.Text += m.Text
			}
			continue
		}
		out = append(out, m)
	}
	return out
}
