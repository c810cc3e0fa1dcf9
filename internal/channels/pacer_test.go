package channels

import (
	"context"
	"fmt"
	"testing"
	"time"
)

// TestPacerFirstSendImmediate verifies the first send for a chat does not
// wait for the floor.
func TestPacerFirstSendImmediate(t *testing.T) {
	p := NewChatPacer(100 * time.Millisecond)

	start := time.Now()
	if err := p.Wait(context.Background(), "telegram:c1"); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("first wait took %v, want immediate", elapsed)
	}
}

// TestPacerEnforcesFloor verifies consecutive sends to one chat are spaced
// by at least the floor.
func TestPacerEnforcesFloor(t *testing.T) {
	p := NewChatPacer(100 * time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	if err := p.Wait(ctx, "telegram:c1"); err != nil {
		t.Fatalf("first wait: %v", err)
	}
	if err := p.Wait(ctx, "telegram:c1"); err != nil {
		t.Fatalf("second wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("two sends completed in %v, want at least the floor apart", elapsed)
	}
}

// TestPacerIndependentChats verifies different chats do not share a floor.
func TestPacerIndependentChats(t *testing.T) {
	p := NewChatPacer(time.Second)
	ctx := context.Background()

	start := time.Now()
	if err := p.Wait(ctx, "telegram:c1"); err != nil {
		t.Fatalf("wait c1: %v", err)
	}
	if err := p.Wait(ctx, "whatsapp:c1"); err != nil {
		t.Fatalf("wait c2: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("independent chats took %v, want no shared wait", elapsed)
	}
}

// TestPacerWaitCancellation verifies a blocked wait honors the context
// instead of sleeping out the floor.
func TestPacerWaitCancellation(t *testing.T) {
	p := NewChatPacer(time.Hour)
	ctx := context.Background()

	if err := p.Wait(ctx, "telegram:c1"); err != nil {
		t.Fatalf("first wait: %v", err)
	}

	shortCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	start := time.Now()
	if err := p.Wait(shortCtx, "telegram:c1"); err == nil {
		t.Fatal("expected error for wait exceeding context deadline")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("cancelled wait took %v", elapsed)
	}
}

// TestPacerBoundsRegistry verifies the limiter registry cannot grow past
// its cap under chat id churn.
func TestPacerBoundsRegistry(t *testing.T) {
	p := NewChatPacer(time.Millisecond)
	ctx := context.Background()

	for i := 0; i < maxTrackedChats+500; i++ {
		if err := p.Wait(ctx, fmt.Sprintf("telegram:c%d", i)); err != nil {
			t.Fatalf("wait %d: %v", i, err)
		}
	}

	p.mu.Lock()
	n := len(p.chats)
	p.mu.Unlock()
	if n > maxTrackedChats {
		t.Errorf("registry holds %d chats, cap is %d", n, maxTrackedChats)
	}
}
