package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/twinclawhq/twinclaw/internal/redact"
)

// Error kinds surfaced in envelopes, mirroring the runtime error taxonomy.
const (
	kindValidation  = "validation_error"
	kindAuth        = "auth_error"
	kindConflict    = "conflict"
	kindNotFound    = "not_found"
	kindUnavailable = "unavailable"
	kindInternal    = "internal"
)

// envelope is the standard control-plane response wrapper.
type envelope struct {
	OK            bool      `json:"ok"`
	Data          any       `json:"data,omitempty"`
	Error         *apiError `json:"error,omitempty"`
	CorrelationID string    `json:"correlationId"`
	Timestamp     string    `json:"timestamp"`
}

type apiError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// correlationID echoes the caller's id when provided, otherwise mints one.
func correlationID(r *http.Request) string {
	if id := r.Header.Get("X-Correlation-Id"); id != "" {
		return id
	}
	return uuid.NewString()
}

func writeEnvelope(w http.ResponseWriter, status int, env envelope) {
	env.Timestamp = time.Now().UTC().Format(time.RFC3339)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		slog.Debug("response write failed", "error", err)
	}
}

func writeOK(w http.ResponseWriter, r *http.Request, status int, data any) {
	writeEnvelope(w, status, envelope{OK: true, Data: data, CorrelationID: correlationID(r)})
}

// writeErr is the only path error text takes to the wire, so credential
// stripping happens here rather than at each call site.
func writeErr(w http.ResponseWriter, r *http.Request, status int, kind, message string) {
	writeEnvelope(w, status, envelope{
		OK:            false,
		Error:         &apiError{Kind: kind, Message: redact.String(message)},
		CorrelationID: correlationID(r),
	})
}
