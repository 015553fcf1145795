// Package cron runs named background jobs on cron schedules. The fleet uses
// it for optional periodic re-pruning of session artifacts; anything
// long-running registers here instead of hand-rolling its own ticker.
package cron

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/wafleet/wafleet/pkg/logger"
)

// Job is one scheduled unit of work.
type Job struct {
	Name string
	Expr string
	Run  func(ctx context.Context)

	lastTick time.Time // minute of the last trigger, dedupes within a slot
	runs     int
	lastRun  time.Time
}

// Service evaluates job schedules once per tick. Jobs run on their own
// goroutines; a panicking job is logged and does not take the scheduler
// down.
type Service struct {
	mu   sync.Mutex
	jobs []*Job
	g    *gronx.Gronx
	tick time.Duration
}

// New creates an idle scheduler.
func New() *Service {
	return &Service{g: gronx.New(), tick: 30 * time.Second}
}

// Add registers a job. The expression is validated up front so a typo in
// configuration fails at startup, not silently at runtime.
func (s *Service) Add(name, expr string, run func(ctx context.Context)) error {
	if !s.g.IsValid(expr) {
		return fmt.Errorf("invalid cron expression %q for job %s", expr, name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, &Job{Name: name, Expr: expr, Run: run})
	logger.InfoCF("cron", "Job registered", map[string]interface{}{
		"job":      name,
		"schedule": expr,
	})
	return nil
}

// Start runs the scheduler until ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.fire(ctx, now)
		}
	}
}

func (s *Service) fire(ctx context.Context, now time.Time) {
	slot := now.Truncate(time.Minute)

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.lastTick.Equal(slot) {
			continue
		}
		due, err := s.g.IsDue(j.Expr, now)
		if err != nil || !due {
			continue
		}
		j.lastTick = slot
		j.runs++
		j.lastRun = now
		go s.runJob(ctx, j)
	}
}

func (s *Service) runJob(ctx context.Context, j *Job) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCF("cron", "Job panicked", map[string]interface{}{
				"job":   j.Name,
				"panic": fmt.Sprint(r),
			})
		}
	}()
	logger.DebugC("cron", "Job triggered: "+j.Name)
	j.Run(ctx)
}

// Status reports a snapshot of every registered job.
func (s *Service) Status() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make([]map[string]interface{}, 0, len(s.jobs))
	for _, j := range s.jobs {
		entry := map[string]interface{}{
			"name":     j.Name,
			"schedule": j.Expr,
			"runs":     j.runs,
		}
		if !j.lastRun.IsZero() {
			entry["lastRun"] = j.lastRun.UTC().Format(time.RFC3339)
		}
		jobs = append(jobs, entry)
	}
	return map[string]interface{}{
		"jobs": jobs,
	}
}
