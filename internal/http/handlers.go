package http

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/twinclawhq/twinclaw/internal/dag"
	"github.com/twinclawhq/twinclaw/internal/doctor"
	"github.com/twinclawhq/twinclaw/internal/store"
	"github.com/twinclawhq/twinclaw/internal/webhook"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeOK(w, r, http.StatusOK, s.report(r))
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	writeOK(w, r, http.StatusOK, map[string]string{"status": "alive"})
}

// handleReady answers 503 while any critical component is down, so process
// supervisors hold traffic until the runtime is usable.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	rep := s.report(r)
	if !rep.Ready() {
		writeEnvelope(w, http.StatusServiceUnavailable, envelope{
			OK:            false,
			Data:          rep,
			Error:         &apiError{Kind: kindUnavailable, Message: doctor.VerdictNotReady},
			CorrelationID: correlationID(r),
		})
		return
	}
	writeOK(w, r, http.StatusOK, rep)
}

func (s *Server) report(r *http.Request) doctor.Report {
	if s.doc == nil {
		return doctor.Report{Verdict: doctor.VerdictReady}
	}
	return s.doc.Run(r.Context())
}

func (s *Server) handleReliability(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeErr(w, r, http.StatusServiceUnavailable, kindUnavailable, "delivery queue not initialized")
		return
	}
	stats, err := s.queue.GetStats(r.Context())
	if err != nil {
		writeErr(w, r, http.StatusInternalServerError, kindInternal, "read delivery stats: "+err.Error())
		return
	}
	data := map[string]any{
		"queue":    stats,
		"controls": s.queue.GetRuntimeControls(),
	}
	if s.ingress != nil {
		counters, err := s.ingress.Counters(r.Context())
		if err != nil {
			writeErr(w, r, http.StatusInternalServerError, kindInternal, "read callback counters: "+err.Error())
			return
		}
		data["callbacks"] = counters
	}
	writeOK(w, r, http.StatusOK, data)
}

func (s *Server) handleReplay(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		writeErr(w, r, http.StatusServiceUnavailable, kindUnavailable, "delivery queue not initialized")
		return
	}
	id := r.PathValue("id")
	if err := s.queue.RequeueDeadLetter(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeErr(w, r, http.StatusNotFound, kindNotFound, "no delivery record "+id)
		case errors.Is(err, store.ErrConflict):
			writeErr(w, r, http.StatusConflict, kindConflict, "record "+id+" is not a dead letter")
		default:
			writeErr(w, r, http.StatusInternalServerError, kindInternal, err.Error())
		}
		return
	}
	writeOK(w, r, http.StatusOK, map[string]string{"id": id, "state": store.DeliveryPending})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if s.ingress == nil {
		writeErr(w, r, http.StatusServiceUnavailable, kindUnavailable, "webhook ingress not initialized")
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeErr(w, r, http.StatusBadRequest, kindValidation, "unreadable request body")
		return
	}
	res, err := s.ingress.Handle(r.Context(), body)
	if err != nil {
		var verr *webhook.ValidationError
		if errors.As(err, &verr) {
			writeErr(w, r, http.StatusBadRequest, kindValidation, verr.Error())
			return
		}
		slog.Error("webhook ingest failed", "error", err)
		writeErr(w, r, http.StatusInternalServerError, kindInternal, "callback processing failed")
		return
	}
	writeOK(w, r, res.StatusCode, map[string]string{
		"outcome":        res.Outcome,
		"idempotencyKey": res.IdempotencyKey,
	})
}

// handleHalt responds first, then triggers shutdown; graceful drain delivers
// the response before the listener closes.
func (s *Server) handleHalt(w http.ResponseWriter, r *http.Request) {
	if s.halt == nil {
		writeErr(w, r, http.StatusServiceUnavailable, kindUnavailable, "halt not wired")
		return
	}
	slog.Info("halt requested via control plane")
	writeOK(w, r, http.StatusOK, map[string]string{"status": "halting"})
	go s.halt()
}

func (s *Server) handleHubMetrics(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeErr(w, r, http.StatusServiceUnavailable, kindUnavailable, "event hub not initialized")
		return
	}
	writeOK(w, r, http.StatusOK, s.hub.Metrics())
}

func (s *Server) handleDelegationExecute(w http.ResponseWriter, r *http.Request) {
	if s.orch == nil {
		writeErr(w, r, http.StatusServiceUnavailable, kindUnavailable, "orchestrator not initialized")
		return
	}
	var req dag.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, r, http.StatusBadRequest, kindValidation, "invalid JSON: "+err.Error())
		return
	}
	res, err := s.orch.ExecuteDelegation(r.Context(), req)
	if err != nil {
		var verr *dag.ValidationError
		if errors.As(err, &verr) {
			status, kind := http.StatusBadRequest, kindValidation
			if verr.Reason == dag.ReasonCycleDetected {
				status, kind = http.StatusConflict, kindConflict
			}
			writeErr(w, r, status, kind, verr.Error())
			return
		}
		slog.Error("delegation execution failed", "error", err)
		writeErr(w, r, http.StatusInternalServerError, kindInternal, "delegation failed")
		return
	}
	writeOK(w, r, http.StatusOK, res)
}

func (s *Server) handleDelegationGet(w http.ResponseWriter, r *http.Request) {
	if s.orch == nil {
		writeErr(w, r, http.StatusServiceUnavailable, kindUnavailable, "orchestrator not initialized")
		return
	}
	id := r.PathValue("id")
	jobs, events, err := s.orch.Trace(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeErr(w, r, http.StatusNotFound, kindNotFound, "no delegation "+id)
			return
		}
		writeErr(w, r, http.StatusInternalServerError, kindInternal, err.Error())
		return
	}
	writeOK(w, r, http.StatusOK, map[string]any{
		"requestId": id,
		"jobs":      jobs,
		"events":    events,
	})
}
