package channels

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// DefaultSendFloor is the minimum spacing between sends to one chat.
	DefaultSendFloor = 1500 * time.Millisecond

	// maxTrackedChats caps the limiter registry so an attacker rotating
	// chat ids cannot exhaust memory.
	maxTrackedChats = 4096
)

type pacedChat struct {
	lim     *rate.Limiter
	lastUse time.Time
}

// ChatPacer enforces the per-chat send floor across all adapters. Keyed by
// "platform:chatId"; safe for concurrent use.
type ChatPacer struct {
	mu    sync.Mutex
	floor time.Duration
	chats map[string]*pacedChat
}

// NewChatPacer creates a pacer. A non-positive floor falls back to the default.
func NewChatPacer(floor time.Duration) *ChatPacer {
	if floor <= 0 {
		floor = DefaultSendFloor
	}
	return &ChatPacer{floor: floor, chats: make(map[string]*pacedChat)}
}

// Wait blocks until the chat's next send slot, or until ctx is done. The
// first send for a chat passes immediately.
func (p *ChatPacer) Wait(ctx context.Context, key string) error {
	p.mu.Lock()
	now := time.Now()
	if len(p.chats) >= maxTrackedChats {
		p.prune(now)
	}
	c, ok := p.chats[key]
	if !ok {
		c = &pacedChat{lim: rate.NewLimiter(rate.Every(p.floor), 1)}
		p.chats[key] = c
	}
	c.lastUse = now
	p.mu.Unlock()

	return c.lim.Wait(ctx)
}

// prune drops idle limiters; hard-evicts arbitrarily if still at cap.
// Caller holds the lock.
func (p *ChatPacer) prune(now time.Time) {
	idle := 10 * p.floor
	for k, c := range p.chats {
		if now.Sub(c.lastUse) >= idle {
			delete(p.chats, k)
		}
	}
	for len(p.chats) >= maxTrackedChats {
		for k := range p.chats {
			delete(p.chats, k)
			break
		}
	}
}
