// Package doctor composes per-component health probes into a readiness
// verdict. The HTTP control plane serves the verdict on the health
// endpoints and the event producer publishes it on the health topic.
package doctor

import (
	"context"
	"sync"
	"time"
)

// Readiness verdicts.
const (
	VerdictReady    = "ready"
	VerdictDegraded = "degraded"
	VerdictNotReady = "not_ready"
)

// DefaultProbeTimeout bounds each individual probe.
const DefaultProbeTimeout = 2 * time.Second

// Probe checks one component. The returned detail is a short human-readable
// note shown next to the check ("schema v3", "2 channels up"); a non-nil
// error marks the check unhealthy.
type Probe func(ctx context.Context) (string, error)

// Result is the outcome of one probe run.
type Result struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Critical  bool   `json:"critical"`
	Detail    string `json:"detail,omitempty"`
	LatencyMs int64  `json:"latencyMs"`
}

// Report aggregates one full probe pass.
type Report struct {
	Verdict   string    `json:"verdict"`
	Checks    []Result  `json:"checks"`
	CheckedAt time.Time `json:"checkedAt"`
}

// Ready reports whether the verdict permits traffic.
func (r Report) Ready() bool { return r.Verdict != VerdictNotReady }

type check struct {
	name     string
	critical bool
	probe    Probe
}

// Doctor runs registered probes on demand. Checks report in registration
// order; a failing critical check makes the verdict not_ready, a failing
// non-critical one degrades it.
type Doctor struct {
	mu      sync.Mutex
	checks  []check
	timeout time.Duration

	now func() time.Time
}

func New() *Doctor {
	return &Doctor{timeout: DefaultProbeTimeout, now: time.Now}
}

// Register adds a probe. Registering the same name twice keeps both entries;
// callers own uniqueness.
func (d *Doctor) Register(name string, critical bool, probe Probe) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.checks = append(d.checks, check{name: name, critical: critical, probe: probe})
}

// Run executes every probe and aggregates the verdict. Each probe gets its
// own timeout so one stuck component cannot hang the whole pass.
func (d *Doctor) Run(ctx context.Context) Report {
	d.mu.Lock()
	checks := make([]check, len(d.checks))
	copy(checks, d.checks)
	timeout := d.timeout
	d.mu.Unlock()

	rep := Report{Verdict: VerdictReady, CheckedAt: d.now().UTC()}
	for _, c := range checks {
		probeCtx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		detail, err := c.probe(probeCtx)
		cancel()

		res := Result{
			Name:      c.name,
			Healthy:   err == nil,
			Critical:  c.critical,
			Detail:    detail,
			LatencyMs: time.Since(start).Milliseconds(),
		}
		if err != nil {
			res.Detail = err.Error()
			if c.critical {
				rep.Verdict = VerdictNotReady
			} else if rep.Verdict == VerdictReady {
				rep.Verdict = VerdictDegraded
			}
		}
		rep.Checks = append(rep.Checks, res)
	}
	return rep
}

// Snapshot adapts Run to the event producer's source contract.
func (d *Doctor) Snapshot(ctx context.Context) (any, error) {
	return d.Run(ctx), nil
}
