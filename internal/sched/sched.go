// Package sched runs the runtime's periodic work: cron-expression jobs
// checked on the minute and sub-minute interval jobs on their own tickers.
// Every run is bracketed by job.start / job.done / job.error events on the
// bus so the hub can surface scheduler activity.
package sched

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adhocore/gronx"

	"github.com/twinclawhq/twinclaw/internal/bus"
)

// JobFunc is one unit of scheduled work. The context is cancelled when the
// scheduler stops.
type JobFunc func(ctx context.Context) error

type job struct {
	name     string
	expr     string        // cron jobs
	interval time.Duration // interval jobs
	run      JobFunc
	busy     atomic.Bool
}

// Scheduler owns all registered jobs. Register before Start; registration
// after Start is rejected.
type Scheduler struct {
	bus  *bus.Bus
	gron *gronx.Gronx

	mu      sync.Mutex
	jobs    []*job
	started bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(b *bus.Bus) *Scheduler {
	return &Scheduler{bus: b, gron: gronx.New()}
}

// Cron registers a job driven by a cron expression (supports @hourly,
// @daily and friends).
func (s *Scheduler) Cron(name, expr string, run JobFunc) error {
	if !s.gron.IsValid(expr) {
		return fmt.Errorf("invalid cron expression %q for job %s", expr, name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler already started, cannot register %s", name)
	}
	s.jobs = append(s.jobs, &job{name: name, expr: expr, run: run})
	return nil
}

// Every registers an interval job for periods the cron grid cannot express.
func (s *Scheduler) Every(name string, interval time.Duration, run JobFunc) error {
	if interval <= 0 {
		return fmt.Errorf("invalid interval %s for job %s", interval, name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler already started, cannot register %s", name)
	}
	s.jobs = append(s.jobs, &job{name: name, interval: interval, run: run})
	return nil
}

// Start launches one goroutine per interval job and one shared minute loop
// for cron jobs. Returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)

	var cronJobs []*job
	for _, j := range s.jobs {
		if j.interval > 0 {
			s.wg.Add(1)
			go s.intervalLoop(ctx, j)
			continue
		}
		cronJobs = append(cronJobs, j)
	}
	s.mu.Unlock()

	if len(cronJobs) > 0 {
		s.wg.Add(1)
		go s.cronLoop(ctx, cronJobs)
	}
	slog.Info("scheduler started", "jobs", len(s.jobs), "cron", len(cronJobs))
}

// Stop cancels all jobs and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) intervalLoop(ctx context.Context, j *job) {
	defer s.wg.Done()
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.execute(ctx, j)
		}
	}
}

func (s *Scheduler) cronLoop(ctx context.Context, jobs []*job) {
	defer s.wg.Done()
	for {
		// Sleep to the next minute boundary so IsDue sees each minute
		// exactly once.
		now := time.Now()
		next := now.Truncate(time.Minute).Add(time.Minute)
		select {
		case <-ctx.Done():
			return
		case <-time.After(next.Sub(now)):
		}
		ref := time.Now()
		for _, j := range jobs {
			due, err := s.gron.IsDue(j.expr, ref)
			if err != nil {
				slog.Error("cron check failed", "job", j.name, "error", err)
				continue
			}
			if due {
				s.execute(ctx, j)
			}
		}
	}
}

// execute runs the job synchronously with overlap protection: a job still
// busy from its previous run skips the tick.
func (s *Scheduler) execute(ctx context.Context, j *job) {
	if !j.busy.CompareAndSwap(false, true) {
		slog.Debug("job still running, skipping tick", "job", j.name)
		return
	}
	defer j.busy.Store(false)

	start := time.Now()
	s.publish(bus.EventJobStart, bus.JobEventPayload{JobID: j.name})

	defer func() {
		if r := recover(); r != nil {
			slog.Error("job panicked", "job", j.name, "panic", r, "stack", string(debug.Stack()))
			s.publish(bus.EventWorkerPanic, bus.JobEventPayload{
				JobID: j.name,
				Error: fmt.Sprint(r),
			})
		}
	}()

	if err := j.run(ctx); err != nil {
		slog.Warn("job failed", "job", j.name, "duration", time.Since(start), "error", err)
		s.publish(bus.EventJobError, bus.JobEventPayload{
			JobID:    j.name,
			Duration: time.Since(start),
			Error:    err.Error(),
		})
		return
	}
	s.publish(bus.EventJobDone, bus.JobEventPayload{
		JobID:    j.name,
		Duration: time.Since(start),
	})
}

func (s *Scheduler) publish(name string, payload bus.JobEventPayload) {
	if s.bus == nil {
		return
	}
	s.bus.Broadcast(bus.Event{Name: name, Payload: payload, TS: time.Now()})
}
