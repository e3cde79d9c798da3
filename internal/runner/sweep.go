package runner

import (
	"context"
	"fmt"
	"time"

	cron "github.com/netresearch/go-cron"

	"github.com/dohr-michael/taskdeck/internal/runs"
)

// Sweeper periodically cancels interactive runs that stayed launched longer
// than a TTL, releasing their task for a new run.
type Sweeper struct {
	engine *Engine
	ttl    time.Duration
	cron   *cron.Cron
	now    func() time.Time
}

// NewSweeper schedules the sweep on schedule (standard cron or "@every 1m").
func NewSweeper(e *Engine, ttl time.Duration, schedule string) (*Sweeper, error) {
	s := &Sweeper{engine: e, ttl: ttl, cron: cron.New(), now: time.Now}
	if _, err := s.cron.AddFunc(schedule, func() {
		s.Sweep(context.Background())
	}); err != nil {
		return nil, fmt.Errorf("schedule sweep %q: %w", schedule, err)
	}
	return s, nil
}

// Start runs the schedule in the background.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep cancels expired launched runs and returns how many it cancelled.
func (s *Sweeper) Sweep(ctx context.Context) int {
	launched, err := s.engine.runs.ListRunsByStatus(ctx, runs.StatusLaunched)
	if err != nil {
		s.engine.log.Warn("list launched runs", "error", err)
		return 0
	}

	cutoff := s.now().Add(-s.ttl)
	cancelled := 0
	for _, r := range launched {
		since := r.CreatedAt
		if r.StartedAt != nil {
			since = *r.StartedAt
		}
		if since.After(cutoff) {
			continue
		}
		ok, err := s.engine.CancelRun(ctx, r.ID)
		if err != nil {
			s.engine.log.Warn("expire launched run", "run_id", r.ID, "error", err)
			continue
		}
		if ok {
			s.engine.log.Info("launched run expired", "run_id", r.ID, "task_id", r.TaskID, "ttl", s.ttl)
			cancelled++
		}
	}
	return cancelled
}
