package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/twinclawhq/twinclaw/internal/bus"
	"github.com/twinclawhq/twinclaw/internal/store"
	"github.com/twinclawhq/twinclaw/pkg/protocol"
)

type memEvents struct {
	mu   sync.Mutex
	rows []store.StoredEnvelope
	seed uint64
}

func (m *memEvents) Append(_ context.Context, env *store.StoredEnvelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, *env)
	return nil
}

func (m *memEvents) PruneBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.rows[:0]
	pruned := 0
	for _, r := range m.rows {
		if r.TS.Before(cutoff) {
			pruned++
			continue
		}
		kept = append(kept, r)
	}
	m.rows = kept
	return pruned, nil
}

func (m *memEvents) ListRecent(_ context.Context, topic string, limit int) ([]store.StoredEnvelope, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.StoredEnvelope
	for i := len(m.rows) - 1; i >= 0 && len(out) < limit; i-- {
		if m.rows[i].Topic == topic {
			out = append(out, m.rows[i])
		}
	}
	return out, nil
}

func (m *memEvents) MaxSeq(context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	max := m.seed
	for _, r := range m.rows {
		if r.Seq > max {
			max = r.Seq
		}
	}
	return max, nil
}

func (m *memEvents) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

// startHub runs a hub behind an httptest server, both torn down with the
// test.
func startHub(t *testing.T, token string, events store.EventStore, cfg Config) (*Hub, *httptest.Server) {
	t.Helper()
	h := New(token, events, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := h.Start(ctx); err != nil {
		t.Fatalf("start hub: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(h.HandleWS))
	t.Cleanup(srv.Close)
	return h, srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, frame any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	b, err := json.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decode frame %q: %v", data, err)
	}
	return m
}

// expectClose reads until the connection ends and asserts the close code.
func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		_, _, err := conn.Read(ctx)
		if err == nil {
			continue
		}
		if got := websocket.CloseStatus(err); got != websocket.StatusCode(code) {
			t.Fatalf("close status = %v (err %v), want %d", got, err, code)
		}
		return
	}
}

func auth(t *testing.T, conn *websocket.Conn, token string) {
	t.Helper()
	sendFrame(t, conn, protocol.AuthFrame{Type: protocol.FrameAuth, Token: token})
	if f := readFrame(t, conn); f["type"] != protocol.FrameAuthOK {
		t.Fatalf("expected auth_ok, got %v", f)
	}
}

func authAndSubscribe(t *testing.T, conn *websocket.Conn, token string, topics ...string) {
	t.Helper()
	auth(t, conn, token)
	sendFrame(t, conn, protocol.SubscribeFrame{Type: protocol.FrameSubscribe, Topics: topics})
	if f := readFrame(t, conn); f["type"] != protocol.FrameSubscribed {
		t.Fatalf("expected subscribed, got %v", f)
	}
}

func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// TestAuthSubscribePublish walks the happy path: auth, subscribe, then a
// published event arrives with topic, version, and payload intact, and the
// envelope lands in the event log.
func TestAuthSubscribePublish(t *testing.T) {
	events := &memEvents{}
	h, srv := startHub(t, "tok", events, Config{})

	conn := dial(t, wsURL(srv))
	defer conn.Close(websocket.StatusNormalClosure, "")
	authAndSubscribe(t, conn, "tok", protocol.TopicReliability)

	seq := h.Publish(protocol.TopicReliability, map[string]int{"pending": 3})
	if seq != 1 {
		t.Fatalf("first seq = %d, want 1", seq)
	}

	f := readFrame(t, conn)
	if f["type"] != protocol.FrameEvent || f["topic"] != protocol.TopicReliability {
		t.Fatalf("event frame = %v", f)
	}
	if f["v"].(float64) != protocol.EnvelopeVersion || f["seq"].(float64) != 1 {
		t.Fatalf("envelope fields off: %v", f)
	}
	payload := f["payload"].(map[string]any)
	if payload["pending"].(float64) != 3 {
		t.Fatalf("payload = %v", payload)
	}

	waitFor(t, 2*time.Second, func() bool { return events.count() == 1 }, "envelope not persisted")
}

// TestAuthFailedCloses verifies a bad token earns an error frame and a 4001
// close.
func TestAuthFailedCloses(t *testing.T) {
	_, srv := startHub(t, "tok", &memEvents{}, Config{})

	conn := dial(t, wsURL(srv))
	defer conn.Close(websocket.StatusNormalClosure, "")
	sendFrame(t, conn, protocol.AuthFrame{Type: protocol.FrameAuth, Token: "wrong"})

	f := readFrame(t, conn)
	if f["type"] != protocol.FrameError || f["code"].(float64) != protocol.CloseAuthFailed {
		t.Fatalf("expected error frame with 4001, got %v", f)
	}
	expectClose(t, conn, protocol.CloseAuthFailed)
}

// TestAuthTimeoutCloses verifies a silent client is closed with 4002 once
// the auth window expires.
func TestAuthTimeoutCloses(t *testing.T) {
	_, srv := startHub(t, "tok", &memEvents{}, Config{AuthTimeout: 50 * time.Millisecond})

	conn := dial(t, wsURL(srv))
	defer conn.Close(websocket.StatusNormalClosure, "")
	expectClose(t, conn, protocol.CloseAuthRequired)
}

// TestSubscribeBeforeAuthCloses verifies subscribe is rejected with 4002
// when sent before auth.
func TestSubscribeBeforeAuthCloses(t *testing.T) {
	_, srv := startHub(t, "tok", &memEvents{}, Config{})

	conn := dial(t, wsURL(srv))
	defer conn.Close(websocket.StatusNormalClosure, "")
	sendFrame(t, conn, protocol.SubscribeFrame{Type: protocol.FrameSubscribe, Topics: []string{protocol.TopicHealth}})
	expectClose(t, conn, protocol.CloseAuthRequired)
}

// TestInvalidTopicsClose verifies a subscription with no valid topic closes
// with 4003, while a mixed list is partially accepted.
func TestInvalidTopicsClose(t *testing.T) {
	_, srv := startHub(t, "tok", &memEvents{}, Config{})

	bad := dial(t, wsURL(srv))
	defer bad.Close(websocket.StatusNormalClosure, "")
	auth(t, bad, "tok")
	sendFrame(t, bad, protocol.SubscribeFrame{Type: protocol.FrameSubscribe, Topics: []string{"nope"}})
	f := readFrame(t, bad)
	if f["type"] != protocol.FrameError || f["code"].(float64) != protocol.CloseInvalidSub {
		t.Fatalf("expected error frame with 4003, got %v", f)
	}
	expectClose(t, bad, protocol.CloseInvalidSub)

	mixed := dial(t, wsURL(srv))
	defer mixed.Close(websocket.StatusNormalClosure, "")
	auth(t, mixed, "tok")
	sendFrame(t, mixed, protocol.SubscribeFrame{Type: protocol.FrameSubscribe, Topics: []string{"nope", protocol.TopicHealth}})
	sub := readFrame(t, mixed)
	if sub["type"] != protocol.FrameSubscribed {
		t.Fatalf("expected subscribed, got %v", sub)
	}
	topics := sub["topics"].([]any)
	if len(topics) != 1 || topics[0] != protocol.TopicHealth {
		t.Fatalf("accepted topics = %v, want [health]", topics)
	}
}

// TestSeqSeededFromLog verifies sequence numbers continue from the highest
// persisted seq after a restart.
func TestSeqSeededFromLog(t *testing.T) {
	h, _ := startHub(t, "tok", &memEvents{seed: 41}, Config{})
	if seq := h.Publish(protocol.TopicHealth, "up"); seq != 42 {
		t.Fatalf("seq after restart = %d, want 42", seq)
	}
}

// TestPingPong verifies the app-level liveness exchange in both directions:
// a client ping gets a pong, and answering the server's ping keeps the
// connection past the stale sweep.
func TestPingPong(t *testing.T) {
	h, srv := startHub(t, "tok", &memEvents{}, Config{Heartbeat: 60 * time.Millisecond})

	conn := dial(t, wsURL(srv))
	defer conn.Close(websocket.StatusNormalClosure, "")
	auth(t, conn, "tok")

	sendFrame(t, conn, protocol.PingFrame{Type: protocol.FramePing})

	deadline := time.Now().Add(200 * time.Millisecond)
	gotPong := false
	for time.Now().Before(deadline) {
		f := readFrame(t, conn)
		switch f["type"] {
		case protocol.FramePong:
			gotPong = true
		case protocol.FramePing:
			sendFrame(t, conn, protocol.PingFrame{Type: protocol.FramePong})
		}
	}
	if !gotPong {
		t.Fatal("never received pong for client ping")
	}
	if h.Metrics().Clients != 1 {
		t.Fatal("responsive client was swept")
	}
}

// TestStaleClientClosed verifies a client that never answers pings is closed
// with 4004 after two heartbeat ticks.
func TestStaleClientClosed(t *testing.T) {
	_, srv := startHub(t, "tok", &memEvents{}, Config{Heartbeat: 50 * time.Millisecond})

	conn := dial(t, wsURL(srv))
	defer conn.Close(websocket.StatusNormalClosure, "")
	auth(t, conn, "tok")
	expectClose(t, conn, protocol.CloseStaleConnection)
}

// TestShutdownClosesClients verifies Shutdown sends 4005 to every connected
// client and refuses new connections.
func TestShutdownClosesClients(t *testing.T) {
	h, srv := startHub(t, "tok", &memEvents{}, Config{})

	conn := dial(t, wsURL(srv))
	defer conn.Close(websocket.StatusNormalClosure, "")
	auth(t, conn, "tok")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go h.Shutdown(ctx)
	expectClose(t, conn, protocol.CloseServerShutdown)

	if _, _, err := websocket.Dial(ctx, wsURL(srv), nil); err == nil {
		t.Fatal("dial succeeded after shutdown")
	}
}

// TestBackpressureDropsSlowClient stalls one subscriber while another keeps
// reading: the stalled client's sends are dropped and counted, the healthy
// client sees strictly increasing seq values.
func TestBackpressureDropsSlowClient(t *testing.T) {
	h, srv := startHub(t, "tok", &memEvents{}, Config{MaxQueueKB: 16})

	stalled := dial(t, wsURL(srv))
	defer stalled.Close(websocket.StatusNormalClosure, "")
	authAndSubscribe(t, stalled, "tok", protocol.TopicReliability)
	// No further reads: the stalled client's socket and queue fill up.

	healthy := dial(t, wsURL(srv))
	defer healthy.Close(websocket.StatusNormalClosure, "")
	authAndSubscribe(t, healthy, "tok", protocol.TopicReliability)

	var mu sync.Mutex
	var seqs []uint64
	go func() {
		for {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_, data, err := healthy.Read(ctx)
			cancel()
			if err != nil {
				return
			}
			var f protocol.EventFrame
			if json.Unmarshal(data, &f) == nil && f.Type == protocol.FrameEvent {
				mu.Lock()
				seqs = append(seqs, f.Seq)
				mu.Unlock()
			}
		}
	}()

	payload := strings.Repeat("x", 8*1024)
	for i := 0; i < 2000 && h.Metrics().DroppedEvents == 0; i++ {
		h.Publish(protocol.TopicReliability, payload)
		if i%20 == 19 {
			time.Sleep(time.Millisecond)
		}
	}
	if h.Metrics().DroppedEvents == 0 {
		t.Fatal("no drops recorded for the stalled client")
	}

	waitFor(t, 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seqs) >= 10
	}, "healthy client received too few events")

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(seqs); i++ {
		if seqs[i] <= seqs[i-1] {
			t.Fatalf("seq not strictly increasing: %d after %d", seqs[i], seqs[i-1])
		}
	}
}

// TestProducerSnapshotAndTicks verifies a new subscriber gets an immediate
// snapshot and then periodic events, and that sources with no subscribers
// are never collected.
func TestProducerSnapshotAndTicks(t *testing.T) {
	h, srv := startHub(t, "tok", &memEvents{}, Config{})

	p := NewProducer(h, 30*time.Millisecond)
	var mu sync.Mutex
	idleCalls := 0
	p.Register(protocol.TopicHealth, func(context.Context) (any, error) {
		return map[string]string{"verdict": "ready"}, nil
	})
	p.Register(protocol.TopicRouting, func(context.Context) (any, error) {
		mu.Lock()
		idleCalls++
		mu.Unlock()
		return nil, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	conn := dial(t, wsURL(srv))
	defer conn.Close(websocket.StatusNormalClosure, "")
	authAndSubscribe(t, conn, "tok", protocol.TopicHealth)

	gotSnapshot, gotEvent := false, false
	for i := 0; i < 10 && !(gotSnapshot && gotEvent); i++ {
		f := readFrame(t, conn)
		switch f["type"] {
		case protocol.FrameSnapshot:
			if hp, ok := f[protocol.TopicHealth].(map[string]any); !ok || hp["verdict"] != "ready" {
				t.Fatalf("snapshot health payload = %v", f)
			}
			gotSnapshot = true
		case protocol.FrameEvent:
			if f["topic"] == protocol.TopicHealth {
				gotEvent = true
			}
		}
	}
	if !gotSnapshot || !gotEvent {
		t.Fatalf("snapshot=%v event=%v", gotSnapshot, gotEvent)
	}

	mu.Lock()
	defer mu.Unlock()
	if idleCalls != 0 {
		t.Fatalf("idle topic source collected %d times", idleCalls)
	}
}

// TestIncidentsRing verifies the feed captures failure events and keeps only
// the newest entries up to capacity.
func TestIncidentsRing(t *testing.T) {
	b := bus.New()
	inc := NewIncidents(b, 3)

	for i := 0; i < 5; i++ {
		b.Broadcast(bus.Event{
			Name: bus.EventQueueDeadLetter,
			Payload: bus.DeliveryEventPayload{
				ID: fmt.Sprintf("rec-%d", i), Platform: "telegram", ChatID: "c1",
				State: store.DeliveryDeadLetter, Attempts: 3, Error: "boom",
			},
		})
	}
	b.Broadcast(bus.Event{Name: bus.EventQueueSent, Payload: bus.DeliveryEventPayload{ID: "ok"}})

	got := inc.List()
	if len(got) != 3 {
		t.Fatalf("ring size = %d, want 3", len(got))
	}
	if !strings.Contains(got[0].Detail, "rec-4") {
		t.Fatalf("newest incident = %q, want rec-4", got[0].Detail)
	}
	for _, in := range got {
		if in.Kind != bus.EventQueueDeadLetter {
			t.Fatalf("unexpected incident kind %s", in.Kind)
		}
	}
}
