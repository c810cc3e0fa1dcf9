package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/twinclawhq/twinclaw/internal/bus"
	"github.com/twinclawhq/twinclaw/internal/dag"
	"github.com/twinclawhq/twinclaw/internal/doctor"
	"github.com/twinclawhq/twinclaw/internal/hub"
	"github.com/twinclawhq/twinclaw/internal/queue"
	"github.com/twinclawhq/twinclaw/internal/signing"
	"github.com/twinclawhq/twinclaw/internal/store"
	"github.com/twinclawhq/twinclaw/internal/store/sqlite"
	"github.com/twinclawhq/twinclaw/internal/webhook"
)

const testSecret = "control-secret"

type scriptSender struct {
	mu   sync.Mutex
	errs []error
	sent []string
}

func (s *scriptSender) SendText(_ context.Context, platform, chatID, body string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return err
		}
	}
	s.sent = append(s.sent, platform+"/"+chatID+": "+body)
	return nil
}

type textRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (tr *textRecorder) ProcessText(_ context.Context, sessionID, text string) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.calls = append(tr.calls, sessionID)
	return nil
}

func (tr *textRecorder) count() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.calls)
}

type testEnv struct {
	ts     *httptest.Server
	stores *store.Stores
	eng    *queue.Engine
	sender *scriptSender
	gw     *textRecorder
	doc    *doctor.Doctor
	haltCh chan struct{}
}

// newEnv stands up the full control plane over a temp SQLite store. The
// queue engine is not started; sweeps are driven manually with Tick.
func newEnv(t *testing.T) *testEnv {
	t.Helper()
	stores, err := sqlite.New(store.Config{Mode: "standalone", SQLitePath: filepath.Join(t.TempDir(), "twinclaw.db")})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { stores.Close() })

	b := bus.New()
	sender := &scriptSender{}
	eng := queue.New(stores.Queue, sender, b, queue.Config{
		MaxAttempts: 2,
		BaseBackoff: time.Millisecond,
		Tick:        time.Hour, // manual ticks only
	})
	gw := &textRecorder{}
	ing := webhook.New(stores.Receipts, eng, gw, b)
	runner := dag.RunnerFunc(func(_ context.Context, job *store.OrchestrationJob) (string, error) {
		return "done: " + job.BriefID, nil
	})
	orch := dag.New(stores.Orchestration, runner, b, dag.Config{})
	doc := doctor.New()
	doc.Register("store", true, func(ctx context.Context) (string, error) {
		return "", stores.Ping(ctx)
	})
	h := hub.New("hub-token", stores.Events, hub.Config{})
	haltCh := make(chan struct{})

	srv := New(Config{Secret: testSecret}, eng, ing, h, orch, doc)
	srv.SetHalt(func() { close(haltCh) })
	ts := httptest.NewServer(srv.BuildMux())
	t.Cleanup(ts.Close)

	return &testEnv{ts: ts, stores: stores, eng: eng, sender: sender, gw: gw, doc: doc, haltCh: haltCh}
}

func signedRequest(t *testing.T, method, url string, body []byte) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set(signing.Header, signing.Sign(testSecret, body))
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

func do(t *testing.T, req *http.Request) (int, map[string]any) {
	t.Helper()
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var env map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if s, _ := env["correlationId"].(string); s == "" {
		t.Fatalf("envelope missing correlationId: %v", env)
	}
	if s, _ := env["timestamp"].(string); s == "" {
		t.Fatalf("envelope missing timestamp: %v", env)
	}
	return resp.StatusCode, env
}

func data(t *testing.T, env map[string]any) map[string]any {
	t.Helper()
	d, ok := env["data"].(map[string]any)
	if !ok {
		t.Fatalf("envelope data = %v", env["data"])
	}
	return d
}

func errKind(t *testing.T, env map[string]any) string {
	t.Helper()
	e, ok := env["error"].(map[string]any)
	if !ok {
		t.Fatalf("envelope error = %v", env["error"])
	}
	kind, _ := e["kind"].(string)
	return kind
}

// TestHealthEndpoints verifies the unsigned health surface: all three paths
// answer, and /health/ready flips to 503 when a critical check fails while
// /health keeps reporting 200.
func TestHealthEndpoints(t *testing.T) {
	env := newEnv(t)

	for _, path := range []string{"/health", "/health/live", "/health/ready"} {
		resp, err := http.Get(env.ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s = %d", path, resp.StatusCode)
		}
	}

	env.doc.Register("gateway", true, func(context.Context) (string, error) {
		return "", errors.New("connection refused")
	})

	resp, err := http.Get(env.ts.URL + "/health/ready")
	if err != nil {
		t.Fatal(err)
	}
	var ready map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&ready); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("ready status = %d", resp.StatusCode)
	}
	if ready["ok"] != false || errKind(t, ready) != kindUnavailable {
		t.Fatalf("ready envelope = %v", ready)
	}

	resp, err = http.Get(env.ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/health after degradation = %d", resp.StatusCode)
	}
}

// TestSignedAuthMatrix verifies the signature middleware's status mapping:
// missing header 401, malformed 401, mismatch 403, unconfigured secret 503.
func TestSignedAuthMatrix(t *testing.T) {
	env := newEnv(t)

	get := func(sig string) (int, map[string]any) {
		req, err := http.NewRequest(http.MethodGet, env.ts.URL+"/reliability", nil)
		if err != nil {
			t.Fatal(err)
		}
		if sig != "" {
			req.Header.Set(signing.Header, sig)
		}
		return do(t, req)
	}

	if status, env := get(""); status != http.StatusUnauthorized || errKind(t, env) != kindAuth {
		t.Fatalf("missing header: %d %v", status, env)
	}
	if status, _ := get("sha256=zz"); status != http.StatusUnauthorized {
		t.Fatalf("malformed header: %d", status)
	}
	wrong := signing.Sign("other-secret", nil)
	if status, env := get(wrong); status != http.StatusForbidden || errKind(t, env) != kindAuth {
		t.Fatalf("mismatch: %d %v", status, env)
	}

	bare := New(Config{}, nil, nil, nil, nil, nil)
	ts := httptest.NewServer(bare.BuildMux())
	defer ts.Close()
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/reliability", nil)
	req.Header.Set(signing.Header, signing.Sign(testSecret, nil))
	status, envlp := do(t, req)
	if status != http.StatusServiceUnavailable || errKind(t, envlp) != kindUnavailable {
		t.Fatalf("no secret: %d %v", status, envlp)
	}
}

// TestReliabilityReport verifies the reliability endpoint merges queue
// stats, runtime controls, and callback counters.
func TestReliabilityReport(t *testing.T) {
	env := newEnv(t)
	if _, err := env.eng.Enqueue(context.Background(), "telegram", "c1", "hello"); err != nil {
		t.Fatal(err)
	}

	status, envlp := do(t, signedRequest(t, http.MethodGet, env.ts.URL+"/reliability", nil))
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	d := data(t, envlp)
	q, ok := d["queue"].(map[string]any)
	if !ok {
		t.Fatalf("queue stats = %v", d["queue"])
	}
	if q["pending"] != float64(1) {
		t.Fatalf("pending = %v", q["pending"])
	}
	controls, ok := d["controls"].(map[string]any)
	if !ok || controls["maxAttempts"] != float64(2) {
		t.Fatalf("controls = %v", d["controls"])
	}
	if _, ok := d["callbacks"].(map[string]any); !ok {
		t.Fatalf("callbacks = %v", d["callbacks"])
	}
}

// TestReplayEndpoint walks a record to dead_letter with manual sweeps, then
// replays it over the control plane; unknown and non-dead-letter ids map to
// 404 and 409.
func TestReplayEndpoint(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	env.sender.mu.Lock()
	env.sender.errs = []error{errors.New("boom"), errors.New("boom")}
	env.sender.mu.Unlock()

	id, err := env.eng.Enqueue(ctx, "telegram", "c1", "doomed")
	if err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := env.eng.Tick(ctx); err != nil {
			t.Fatal(err)
		}
		rec, err := env.stores.Queue.Get(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if rec.State == store.DeliveryDeadLetter {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("state before replay = %s", rec.State)
		}
		time.Sleep(5 * time.Millisecond)
	}

	status, envlp := do(t, signedRequest(t, http.MethodPost, env.ts.URL+"/reliability/replay/"+id, nil))
	if status != http.StatusOK {
		t.Fatalf("replay status = %d %v", status, envlp)
	}
	if d := data(t, envlp); d["state"] != store.DeliveryPending {
		t.Fatalf("replay data = %v", d)
	}

	status, envlp = do(t, signedRequest(t, http.MethodPost, env.ts.URL+"/reliability/replay/no-such-id", nil))
	if status != http.StatusNotFound || errKind(t, envlp) != kindNotFound {
		t.Fatalf("unknown id: %d %v", status, envlp)
	}

	// The replayed record is pending again, so a second replay conflicts.
	status, envlp = do(t, signedRequest(t, http.MethodPost, env.ts.URL+"/reliability/replay/"+id, nil))
	if status != http.StatusConflict || errKind(t, envlp) != kindConflict {
		t.Fatalf("pending replay: %d %v", status, envlp)
	}
}

// TestWebhookEndpoint verifies the signed callback path end to end: first
// delivery 202 accepted with one gateway notification, replay 200 duplicate
// with no second notification, malformed body 400.
func TestWebhookEndpoint(t *testing.T) {
	env := newEnv(t)
	body := []byte(`{"eventType":"scrape.done","taskId":"T1","status":"completed"}`)

	status, envlp := do(t, signedRequest(t, http.MethodPost, env.ts.URL+"/callback/webhook", body))
	if status != http.StatusAccepted {
		t.Fatalf("first delivery = %d %v", status, envlp)
	}
	if d := data(t, envlp); d["outcome"] != store.ReceiptAccepted {
		t.Fatalf("first outcome = %v", d)
	}

	deadline := time.Now().Add(2 * time.Second)
	for env.gw.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if env.gw.count() != 1 {
		t.Fatalf("gateway notified %d times", env.gw.count())
	}

	status, envlp = do(t, signedRequest(t, http.MethodPost, env.ts.URL+"/callback/webhook", body))
	if status != http.StatusOK {
		t.Fatalf("duplicate delivery = %d", status)
	}
	if d := data(t, envlp); d["outcome"] != store.ReceiptDuplicate {
		t.Fatalf("duplicate outcome = %v", d)
	}
	time.Sleep(20 * time.Millisecond)
	if env.gw.count() != 1 {
		t.Fatalf("duplicate reached gateway: %d calls", env.gw.count())
	}

	bad := []byte(`{"eventType":"scrape.done","status":"completed"}`)
	status, envlp = do(t, signedRequest(t, http.MethodPost, env.ts.URL+"/callback/webhook", bad))
	if status != http.StatusBadRequest || errKind(t, envlp) != kindValidation {
		t.Fatalf("malformed body: %d %v", status, envlp)
	}
}

// TestDelegationEndpoints runs a two-node chain through the execute
// endpoint, reads its trace back, and checks cycle and unknown-id mappings.
func TestDelegationEndpoints(t *testing.T) {
	env := newEnv(t)

	reqBody := []byte(`{
		"sessionId": "s1",
		"briefs": [
			{"id": "fetch", "title": "Fetch", "objective": "pull the data"},
			{"id": "report", "dependsOn": ["fetch"], "title": "Report", "objective": "summarize"}
		]
	}`)
	status, envlp := do(t, signedRequest(t, http.MethodPost, env.ts.URL+"/delegation/execute", reqBody))
	if status != http.StatusOK {
		t.Fatalf("execute = %d %v", status, envlp)
	}
	d := data(t, envlp)
	requestID, _ := d["requestId"].(string)
	if requestID == "" {
		t.Fatalf("no requestId in %v", d)
	}
	if d["hasFailures"] != false {
		t.Fatalf("hasFailures = %v", d["hasFailures"])
	}
	jobs, ok := d["jobs"].([]any)
	if !ok || len(jobs) != 2 {
		t.Fatalf("jobs = %v", d["jobs"])
	}

	status, envlp = do(t, signedRequest(t, http.MethodGet, env.ts.URL+"/delegation/"+requestID, nil))
	if status != http.StatusOK {
		t.Fatalf("trace = %d %v", status, envlp)
	}
	d = data(t, envlp)
	events, ok := d["events"].([]any)
	if !ok || len(events) == 0 {
		t.Fatalf("events = %v", d["events"])
	}

	status, envlp = do(t, signedRequest(t, http.MethodGet, env.ts.URL+"/delegation/nope", nil))
	if status != http.StatusNotFound || errKind(t, envlp) != kindNotFound {
		t.Fatalf("unknown trace: %d %v", status, envlp)
	}

	cycle := []byte(`{
		"sessionId": "s2",
		"briefs": [
			{"id": "a", "dependsOn": ["b"], "title": "A", "objective": "x"},
			{"id": "b", "dependsOn": ["a"], "title": "B", "objective": "y"}
		]
	}`)
	status, envlp = do(t, signedRequest(t, http.MethodPost, env.ts.URL+"/delegation/execute", cycle))
	if status != http.StatusConflict || errKind(t, envlp) != kindConflict {
		t.Fatalf("cycle: %d %v", status, envlp)
	}
}

// TestHaltEndpoint verifies the halt route responds before invoking the
// shutdown callback.
func TestHaltEndpoint(t *testing.T) {
	env := newEnv(t)

	status, envlp := do(t, signedRequest(t, http.MethodPost, env.ts.URL+"/system/halt", nil))
	if status != http.StatusOK {
		t.Fatalf("halt = %d %v", status, envlp)
	}
	if d := data(t, envlp); d["status"] != "halting" {
		t.Fatalf("halt data = %v", d)
	}
	select {
	case <-env.haltCh:
	case <-time.After(2 * time.Second):
		t.Fatal("halt callback never invoked")
	}
}

// TestHubMetricsEndpoint verifies the signed hub metrics route.
func TestHubMetricsEndpoint(t *testing.T) {
	env := newEnv(t)

	status, envlp := do(t, signedRequest(t, http.MethodGet, env.ts.URL+"/ws/metrics", nil))
	if status != http.StatusOK {
		t.Fatalf("status = %d %v", status, envlp)
	}
	d := data(t, envlp)
	if d["clients"] != float64(0) {
		t.Fatalf("clients = %v", d["clients"])
	}
	if _, ok := d["droppedEvents"]; !ok {
		t.Fatalf("metrics = %v", d)
	}
}

// TestCorrelationIDEchoed verifies a caller-supplied correlation id rides
// through to the envelope.
func TestCorrelationIDEchoed(t *testing.T) {
	env := newEnv(t)

	req, err := http.NewRequest(http.MethodGet, env.ts.URL+"/health", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-Correlation-Id", "corr-123")
	_, envlp := do(t, req)
	if envlp["correlationId"] != "corr-123" {
		t.Fatalf("correlationId = %v", envlp["correlationId"])
	}
	if fmt.Sprint(envlp["ok"]) != "true" {
		t.Fatalf("ok = %v", envlp["ok"])
	}
}
