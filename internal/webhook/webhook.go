// Package webhook implements the external-task callback ingress: idempotent
// receipt recording, payload sanitization, gateway notification, and delivery
// reconciliation. Signature verification happens upstream in the HTTP layer;
// this package only ever sees authenticated bodies.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/twinclawhq/twinclaw/internal/bus"
	"github.com/twinclawhq/twinclaw/internal/store"
)

// Callback statuses accepted on the wire.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusProgress  = "progress"
)

// processTimeout bounds the detached gateway notification.
const processTimeout = 60 * time.Second

// TextProcessor is the slice of the gateway contract the ingress needs.
type TextProcessor interface {
	ProcessText(ctx context.Context, sessionID, text string) error
}

// Reconciler applies callback verdicts to correlated delivery records.
type Reconciler interface {
	ReconcileTask(ctx context.Context, taskID string, success bool) (bool, error)
}

// ValidationError reports a malformed callback body. The HTTP layer maps it
// to 400; no receipt is recorded for invalid deliveries.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

// IngestResult tells the HTTP layer how to respond.
type IngestResult struct {
	StatusCode     int
	Outcome        string
	IdempotencyKey string
}

// callbackRequest is the decoded wire body. Result holds the sanitized
// payload; Error is already control-stripped and clamped.
type callbackRequest struct {
	EventType string `json:"eventType"`
	TaskID    string `json:"taskId"`
	Status    string `json:"status"`
	Result    any    `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

// IdempotencyKey derives the receipt key for one webhook delivery.
func IdempotencyKey(taskID, eventType, status string) string {
	return taskID + ":" + eventType + ":" + status
}

// Ingress processes callback deliveries.
type Ingress struct {
	receipts store.ReceiptStore
	queue    Reconciler
	gateway  TextProcessor
	bus      *bus.Bus

	// Duplicate deliveries are answered without a second receipt row, so
	// their count lives here rather than in the store.
	duplicates atomic.Int64
}

// New creates an ingress. The bus may be nil in tests.
func New(receipts store.ReceiptStore, queue Reconciler, gw TextProcessor, b *bus.Bus) *Ingress {
	return &Ingress{receipts: receipts, queue: queue, gateway: gw, bus: b}
}

// Handle processes one authenticated callback body.
//
// First delivery of a key: receipt recorded as accepted, gateway notified
// fire-and-forget, correlated delivery reconciled, 202. Replays: 200 with
// outcome duplicate and no further effects. Internal failures after the
// receipt exists flip it to rejected and surface as an error (500 upstream);
// the replayed delivery then short-circuits on the duplicate path, so the
// gateway still sees at most one notification per key.
func (i *Ingress) Handle(ctx context.Context, body []byte) (*IngestResult, error) {
	req, err := parseCallback(body)
	if err != nil {
		return nil, err
	}
	key := IdempotencyKey(req.TaskID, req.EventType, req.Status)

	inserted, err := i.receipts.Record(ctx, &store.CallbackReceipt{
		IdempotencyKey: key,
		StatusCode:     http.StatusAccepted,
		Outcome:        store.ReceiptAccepted,
		CreatedAt:      time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("record receipt %s: %w", key, err)
	}
	if !inserted {
		i.duplicates.Add(1)
		slog.Info("duplicate webhook delivery", "key", key)
		return &IngestResult{
			StatusCode:     http.StatusOK,
			Outcome:        store.ReceiptDuplicate,
			IdempotencyKey: key,
		}, nil
	}

	// The gateway call must not hold the webhook response open.
	summary := composeSummary(req)
	go i.notifyGateway(req.TaskID, summary)

	if req.Status == StatusCompleted || req.Status == StatusFailed {
		if _, rerr := i.queue.ReconcileTask(ctx, req.TaskID, req.Status == StatusCompleted); rerr != nil {
			i.reject(ctx, key, req)
			return nil, fmt.Errorf("reconcile task %s: %w", req.TaskID, rerr)
		}
	}

	i.publish(bus.EventWebhookAccepted, req, store.ReceiptAccepted)
	slog.Info("webhook accepted", "task_id", req.TaskID, "event_type", req.EventType, "status", req.Status)
	return &IngestResult{
		StatusCode:     http.StatusAccepted,
		Outcome:        store.ReceiptAccepted,
		IdempotencyKey: key,
	}, nil
}

// Counters merges persisted receipt outcomes with the in-process duplicate
// count, for the reliability endpoint.
func (i *Ingress) Counters(ctx context.Context) (map[string]int, error) {
	counts, err := i.receipts.CountByOutcome(ctx)
	if err != nil {
		return nil, fmt.Errorf("count receipts: %w", err)
	}
	counts[store.ReceiptDuplicate] += int(i.duplicates.Load())
	return counts, nil
}

func (i *Ingress) notifyGateway(taskID, summary string) {
	ctx, cancel := context.WithTimeout(context.Background(), processTimeout)
	defer cancel()
	if err := i.gateway.ProcessText(ctx, "webhook:"+taskID, summary); err != nil {
		slog.Warn("webhook gateway notification failed", "task_id", taskID, "error", err)
	}
}

func (i *Ingress) reject(ctx context.Context, key string, req *callbackRequest) {
	if err := i.receipts.SetOutcome(ctx, key, store.ReceiptRejected, http.StatusInternalServerError); err != nil {
		slog.Error("mark receipt rejected failed", "key", key, "error", err)
	}
	i.publish(bus.EventWebhookRejected, req, store.ReceiptRejected)
}

func (i *Ingress) publish(name string, req *callbackRequest, outcome string) {
	if i.bus == nil {
		return
	}
	i.bus.Broadcast(bus.Event{
		Name: name,
		Payload: bus.WebhookEventPayload{
			TaskID:    req.TaskID,
			EventType: req.EventType,
			Status:    req.Status,
			Outcome:   outcome,
		},
	})
}

// parseCallback decodes and validates the wire body, sanitizing the untrusted
// result payload and error text in place.
func parseCallback(body []byte) (*callbackRequest, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var req callbackRequest
	if err := dec.Decode(&req); err != nil {
		return nil, &ValidationError{msg: "malformed JSON body"}
	}

	req.TaskID = strings.TrimSpace(req.TaskID)
	req.EventType = strings.TrimSpace(req.EventType)
	if req.TaskID == "" {
		return nil, &ValidationError{msg: "taskId is required"}
	}
	if req.EventType == "" {
		return nil, &ValidationError{msg: "eventType is required"}
	}
	switch req.Status {
	case StatusCompleted, StatusFailed, StatusProgress:
	default:
		return nil, &ValidationError{msg: fmt.Sprintf("status %q not one of completed|failed|progress", req.Status)}
	}

	req.Error = clampString(stripControl(req.Error))
	if req.Result != nil {
		if cleaned, ok := sanitizeValue(req.Result, 1); ok {
			req.Result = cleaned
		} else {
			req.Result = nil
		}
	}
	return &req, nil
}

// composeSummary renders the system-tagged text handed to the gateway.
func composeSummary(req *callbackRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[system] webhook %s for task %s: status=%s", req.EventType, req.TaskID, req.Status)
	if req.Error != "" {
		fmt.Fprintf(&b, " error=%q", req.Error)
	}
	if req.Result != nil {
		if data, err := json.Marshal(req.Result); err == nil {
			b.WriteString(" result=")
			b.Write(data)
		}
	}
	return b.String()
}
