// Package dag validates and executes delegation requests: dependency-ordered
// sets of sub-agent briefs. Each brief runs once its dependencies complete,
// under its own tool budget, turn cap, and deadline. Failures cascade:
// descendants of a failed node are cancelled, never retried. Every state
// transition is persisted as an orchestration event so a run can be traced
// after the fact.
package dag

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/twinclawhq/twinclaw/internal/bus"
	"github.com/twinclawhq/twinclaw/internal/store"
)

var tracer = otel.Tracer("github.com/twinclawhq/twinclaw/internal/dag")

// Orchestration tuning defaults.
const (
	DefaultMaxNodes       = 16
	DefaultMaxDepth       = 4
	DefaultMaxConcurrency = 4
	DefaultNodeRetries    = 1
	DefaultNodeTimeout    = 2 * time.Minute
	DefaultToolBudget     = 20
	DefaultMaxTurns       = 10

	persistTimeout = 5 * time.Second
)

// Constraints bound a single brief's execution.
type Constraints struct {
	ToolBudget int `json:"toolBudget,omitempty"`
	TimeoutMs  int `json:"timeoutMs,omitempty"`
	MaxTurns   int `json:"maxTurns,omitempty"`
}

// Brief is one delegated work item. DependsOn names sibling briefs that must
// complete before this one starts.
type Brief struct {
	ID             string      `json:"id"`
	DependsOn      []string    `json:"dependsOn,omitempty"`
	Title          string      `json:"title"`
	Objective      string      `json:"objective"`
	ScopedContext  string      `json:"scopedContext,omitempty"`
	ExpectedOutput string      `json:"expectedOutput,omitempty"`
	Constraints    Constraints `json:"constraints"`
}

// Request is a full delegation graph handed to the orchestrator.
type Request struct {
	SessionID     string  `json:"sessionId"`
	ParentMessage string  `json:"parentMessage,omitempty"`
	Briefs        []Brief `json:"briefs"`
}

// Result is the outcome of an executed request. Jobs are returned in the
// deterministic topological order they were scheduled in.
type Result struct {
	RequestID   string                    `json:"requestId"`
	Jobs        []*store.OrchestrationJob `json:"jobs"`
	Summary     string                    `json:"summary"`
	HasFailures bool                      `json:"hasFailures"`
}

// Runner executes a single brief. The production runner hands the brief to
// the gateway collaborator; tests inject fakes.
type Runner interface {
	RunBrief(ctx context.Context, job *store.OrchestrationJob) (string, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, job *store.OrchestrationJob) (string, error)

func (f RunnerFunc) RunBrief(ctx context.Context, job *store.OrchestrationJob) (string, error) {
	return f(ctx, job)
}

// Config tunes the orchestrator. Zero values fall back to the defaults
// above, except NodeRetries where zero disables retries.
type Config struct {
	MaxNodes       int
	MaxDepth       int
	MaxConcurrency int
	NodeRetries    int // additional attempts after the first; 1 means two attempts total
	NodeTimeout    time.Duration
	ToolBudget     int
	MaxTurns       int
}

func (c Config) withDefaults() Config {
	if c.MaxNodes <= 0 {
		c.MaxNodes = DefaultMaxNodes
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = DefaultMaxDepth
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = DefaultMaxConcurrency
	}
	if c.NodeRetries < 0 {
		c.NodeRetries = DefaultNodeRetries
	}
	if c.NodeTimeout <= 0 {
		c.NodeTimeout = DefaultNodeTimeout
	}
	if c.ToolBudget <= 0 {
		c.ToolBudget = DefaultToolBudget
	}
	if c.MaxTurns <= 0 {
		c.MaxTurns = DefaultMaxTurns
	}
	return c
}

// Orchestrator schedules delegation requests. Safe for concurrent use; each
// ExecuteDelegation call runs its own coordinator.
type Orchestrator struct {
	st     store.OrchestrationStore
	runner Runner
	msgBus *bus.Bus
	cfg    Config

	now func() time.Time
}

// New creates an orchestrator persisting into st and executing briefs via
// runner. msgBus may be nil.
func New(st store.OrchestrationStore, runner Runner, msgBus *bus.Bus, cfg Config) *Orchestrator {
	return &Orchestrator{
		st:     st,
		runner: runner,
		msgBus: msgBus,
		cfg:    cfg.withDefaults(),
		now:    time.Now,
	}
}

// nodeDone is what a worker reports back to the coordinator.
type nodeDone struct {
	briefID string
	state   string
}

// ExecuteDelegation validates req, persists one job per brief, and runs the
// graph to completion. A *ValidationError means nothing was persisted or
// executed. Otherwise a Result is returned even when nodes failed;
// HasFailures tells the two apart.
func (o *Orchestrator) ExecuteDelegation(ctx context.Context, req Request) (*Result, error) {
	if err := validateGraph(req.Briefs, o.cfg.MaxNodes, o.cfg.MaxDepth); err != nil {
		return nil, err
	}

	requestID := uuid.NewString()[:12]
	ctx, span := tracer.Start(ctx, "dag.execute", trace.WithAttributes(
		attribute.String("request.id", requestID),
		attribute.Int("briefs", len(req.Briefs)),
	))
	defer span.End()

	order := topoOrder(req.Briefs)
	jobs := make(map[string]*store.OrchestrationJob, len(req.Briefs))
	for _, b := range req.Briefs {
		j, err := o.insertJob(ctx, requestID, req, b)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("persist job %q: %w", b.ID, err)
		}
		jobs[b.ID] = j
	}
	for _, id := range order {
		for _, dep := range jobs[id].DependsOn {
			o.trace(jobs[id], store.OrchEventEdge, dep+" -> "+id)
		}
	}

	o.emit(bus.EventDagStarted, bus.DagEventPayload{RequestID: requestID})
	slog.Info("delegation started", "request", requestID, "briefs", len(order), "session", req.SessionID)

	start := time.Now()
	o.runGraph(ctx, req.Briefs, order, jobs)
	elapsed := time.Since(start)

	result := &Result{RequestID: requestID}
	for _, id := range order {
		j := jobs[id]
		result.Jobs = append(result.Jobs, j)
		if j.State == store.JobFailed {
			result.HasFailures = true
		}
	}
	result.Summary = buildSummary(requestID, order, jobs, elapsed)

	finalState := store.JobCompleted
	if result.HasFailures {
		finalState = store.JobFailed
		span.SetStatus(codes.Error, "one or more nodes failed")
	}
	o.emit(bus.EventDagFinished, bus.DagEventPayload{RequestID: requestID, State: finalState})
	slog.Info("delegation finished", "request", requestID, "hasFailures", result.HasFailures, "elapsed", elapsed.Round(time.Millisecond))

	return result, nil
}

// Trace returns the persisted jobs and transition events of a past request.
func (o *Orchestrator) Trace(ctx context.Context, requestID string) ([]*store.OrchestrationJob, []*store.OrchestrationEvent, error) {
	jobs, err := o.st.ListJobs(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	if len(jobs) == 0 {
		return nil, nil, store.ErrNotFound
	}
	events, err := o.st.ListEvents(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	return jobs, events, nil
}

// runGraph is the coordinator loop. It owns localState and inFlight; worker
// goroutines only touch their own job struct and report back over done.
func (o *Orchestrator) runGraph(ctx context.Context, briefs []Brief, order []string, jobs map[string]*store.OrchestrationJob) {
	sem := semaphore.NewWeighted(int64(o.cfg.MaxConcurrency))
	done := make(chan nodeDone)

	localState := make(map[string]string, len(order))
	for _, id := range order {
		localState[id] = store.JobQueued
	}
	inFlight := make(map[string]bool)
	remaining := len(order)

	depsMet := func(j *store.OrchestrationJob) bool {
		for _, dep := range j.DependsOn {
			if localState[dep] != store.JobCompleted {
				return false
			}
		}
		return true
	}

	for remaining > 0 {
		if ctx.Err() == nil {
			for _, id := range order {
				if inFlight[id] || localState[id] != store.JobQueued {
					continue
				}
				j := jobs[id]
				if !depsMet(j) {
					continue
				}
				if !sem.TryAcquire(1) {
					break
				}
				inFlight[id] = true
				go func(j *store.OrchestrationJob) {
					state := o.runNode(ctx, j)
					// Release before reporting so the coordinator can
					// re-acquire the slot as soon as it sees this result.
					sem.Release(1)
					done <- nodeDone{briefID: j.BriefID, state: state}
				}(j)
			}
		}

		if len(inFlight) == 0 {
			// Nothing runnable and nothing running: the rest are blocked
			// behind a failure or the request was aborted.
			break
		}

		d := <-done
		delete(inFlight, d.briefID)
		localState[d.briefID] = d.state
		remaining--

		if d.state == store.JobFailed || d.state == store.JobCancelled {
			remaining -= o.cascade(briefs, jobs, localState, d.briefID)
		}
	}

	// Sweep anything still queued: either the request was aborted before it
	// could start, or an ancestor ended without the cascade reaching it.
	for _, id := range order {
		if localState[id] != store.JobQueued {
			continue
		}
		reason := "unreachable: upstream did not complete"
		if ctx.Err() != nil {
			reason = "request aborted"
		}
		o.finishNode(jobs[id], store.JobCancelled, reason, store.OrchEventNodeCancelled)
		localState[id] = store.JobCancelled
	}
}

// runNode executes one node to a terminal state, retrying transient failures
// within the node's deadline. Returns the terminal state.
func (o *Orchestrator) runNode(ctx context.Context, j *store.OrchestrationJob) string {
	timeout := o.cfg.NodeTimeout
	if j.TimeoutMs > 0 {
		timeout = time.Duration(j.TimeoutMs) * time.Millisecond
	}
	// One deadline for the whole node, attempts included. time.Now carries a
	// monotonic reading, so wall-clock jumps cannot extend it.
	deadline := time.Now().Add(timeout)
	maxAttempts := o.cfg.NodeRetries + 1

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		now := o.now()
		j.Attempt = attempt
		j.State = store.JobRunning
		j.UpdatedAt = now
		if j.StartedAt == nil {
			j.StartedAt = &now
		}
		o.persist(j)
		o.trace(j, store.OrchEventNodeStarted, fmt.Sprintf("attempt %d/%d", attempt, maxAttempts))

		attemptCtx, cancel := context.WithDeadline(ctx, deadline)
		output, err := o.runBrief(attemptCtx, j)
		cancel()

		if err == nil {
			now = o.now()
			j.State = store.JobCompleted
			j.Output = output
			j.Error = ""
			j.UpdatedAt = now
			j.CompletedAt = &now
			o.persist(j)
			o.trace(j, store.OrchEventNodeSucceeded, "")
			o.emit(bus.EventDagNodeDone, bus.DagEventPayload{RequestID: j.RequestID, BriefID: j.BriefID, State: store.JobCompleted})
			return store.JobCompleted
		}
		lastErr = err

		if ctx.Err() != nil {
			return o.finishNode(j, store.JobCancelled, "aborted: "+ctx.Err().Error(), store.OrchEventNodeCancelled)
		}
		if !time.Now().Before(deadline) {
			return o.finishNode(j, store.JobFailed, fmt.Sprintf("timed out after %s: %v", timeout, err), store.OrchEventNodeFailed)
		}
		slog.Warn("delegation node attempt failed", "request", j.RequestID, "brief", j.BriefID, "attempt", attempt, "error", err)
	}

	return o.finishNode(j, store.JobFailed, fmt.Sprintf("failed after %d attempts: %v", maxAttempts, lastErr), store.OrchEventNodeFailed)
}

// runBrief calls the runner inside an OTel span, converting panics into
// errors so a bad runner cannot take the coordinator down.
func (o *Orchestrator) runBrief(ctx context.Context, j *store.OrchestrationJob) (output string, err error) {
	ctx, span := tracer.Start(ctx, "dag.node", trace.WithAttributes(
		attribute.String("request.id", j.RequestID),
		attribute.String("brief.id", j.BriefID),
		attribute.Int("attempt", j.Attempt),
	))
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("runner panic: %v", r)
			slog.Error("delegation runner panicked", "request", j.RequestID, "brief", j.BriefID, "panic", r, "stack", string(debug.Stack()))
			o.emit(bus.EventWorkerPanic, bus.DagEventPayload{RequestID: j.RequestID, BriefID: j.BriefID, Error: fmt.Sprint(r)})
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	return o.runner.RunBrief(ctx, j)
}

// cascade cancels every still-queued descendant of briefID and returns how
// many it cancelled. Descendants are visited in id order so the event trace
// is deterministic.
func (o *Orchestrator) cascade(briefs []Brief, jobs map[string]*store.OrchestrationJob, localState map[string]string, briefID string) int {
	ids := make([]string, 0)
	for id := range descendants(briefs, briefID) {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	cancelled := 0
	for _, id := range ids {
		if localState[id] != store.JobQueued {
			continue
		}
		o.finishNode(jobs[id], store.JobCancelled, "parent_failed: "+briefID, store.OrchEventPropagatedCancel)
		localState[id] = store.JobCancelled
		cancelled++
	}
	if cancelled > 0 {
		slog.Info("delegation cascade", "request", jobs[briefID].RequestID, "from", briefID, "cancelled", cancelled)
	}
	return cancelled
}

// finishNode writes a terminal state and its trace event. Returns the state
// for the caller's convenience.
func (o *Orchestrator) finishNode(j *store.OrchestrationJob, state, detail, kind string) string {
	now := o.now()
	j.State = state
	j.Error = detail
	j.UpdatedAt = now
	j.CompletedAt = &now
	o.persist(j)
	o.trace(j, kind, detail)
	o.emit(bus.EventDagNodeDone, bus.DagEventPayload{RequestID: j.RequestID, BriefID: j.BriefID, State: state, Error: detail})
	return state
}

func (o *Orchestrator) insertJob(ctx context.Context, requestID string, req Request, b Brief) (*store.OrchestrationJob, error) {
	now := o.now()
	j := &store.OrchestrationJob{
		ID:             uuid.NewString(),
		RequestID:      requestID,
		SessionID:      req.SessionID,
		ParentMessage:  req.ParentMessage,
		BriefID:        b.ID,
		DependsOn:      slices.Clone(b.DependsOn),
		Title:          b.Title,
		Objective:      b.Objective,
		ScopedContext:  b.ScopedContext,
		ExpectedOutput: b.ExpectedOutput,
		ToolBudget:     b.Constraints.ToolBudget,
		TimeoutMs:      b.Constraints.TimeoutMs,
		MaxTurns:       b.Constraints.MaxTurns,
		State:          store.JobQueued,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if j.ToolBudget <= 0 {
		j.ToolBudget = o.cfg.ToolBudget
	}
	if j.TimeoutMs <= 0 {
		j.TimeoutMs = int(o.cfg.NodeTimeout / time.Millisecond)
	}
	if j.MaxTurns <= 0 {
		j.MaxTurns = o.cfg.MaxTurns
	}
	if err := o.st.InsertJob(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}

// persist rewrites a job row. Terminal writes must land even when the
// request context is gone, so this uses its own timeout.
func (o *Orchestrator) persist(j *store.OrchestrationJob) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := o.st.UpdateJob(ctx, j); err != nil {
		slog.Warn("delegation job persist failed", "request", j.RequestID, "brief", j.BriefID, "state", j.State, "error", err)
	}
}

// trace appends one transition event. Best effort: a failed append is logged
// and never fails the run.
func (o *Orchestrator) trace(j *store.OrchestrationJob, kind, detail string) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	ev := &store.OrchestrationEvent{
		RequestID: j.RequestID,
		JobID:     j.ID,
		Kind:      kind,
		Detail:    detail,
		CreatedAt: o.now(),
	}
	if err := o.st.AppendEvent(ctx, ev); err != nil {
		slog.Warn("delegation trace append failed", "request", j.RequestID, "kind", kind, "error", err)
	}
}

func (o *Orchestrator) emit(name string, payload bus.DagEventPayload) {
	if o.msgBus == nil {
		return
	}
	o.msgBus.Broadcast(bus.Event{Name: name, Payload: payload, TS: o.now()})
}

func buildSummary(requestID string, order []string, jobs map[string]*store.OrchestrationJob, elapsed time.Duration) string {
	var completed, failed, cancelled int
	for _, id := range order {
		switch jobs[id].State {
		case store.JobCompleted:
			completed++
		case store.JobFailed:
			failed++
		case store.JobCancelled:
			cancelled++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "delegation %s: %d completed, %d failed, %d cancelled (%s)",
		requestID, completed, failed, cancelled, elapsed.Round(time.Millisecond))
	for _, id := range order {
		j := jobs[id]
		switch j.State {
		case store.JobCompleted:
			dur := time.Duration(0)
			if j.StartedAt != nil && j.CompletedAt != nil {
				dur = j.CompletedAt.Sub(*j.StartedAt)
			}
			fmt.Fprintf(&b, "\n- %s: completed in %s", id, dur.Round(time.Millisecond))
		case store.JobFailed:
			fmt.Fprintf(&b, "\n- %s: %s", id, j.Error)
		case store.JobCancelled:
			fmt.Fprintf(&b, "\n- %s: cancelled: %s", id, j.Error)
		default:
			fmt.Fprintf(&b, "\n- %s: %s", id, j.State)
		}
	}
	return b.String()
}
