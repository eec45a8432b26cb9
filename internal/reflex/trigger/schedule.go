package trigger

import (
	"sync"
	"time"

	"github.com/robfig/cron"
)

// Schedule fires on or after each cron hit. It only reacts to schedule_tick
// events; the engine's own 1s ticker drives the polling cadence, cron here
// only supplies spec parsing and next-hit computation.
type Schedule struct {
	mu      sync.Mutex
	sched   cron.Schedule
	nextRun time.Time
}

func newSchedule(spec string, now time.Time) (*Schedule, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, err
	}
	return &Schedule{sched: sched, nextRun: sched.Next(now)}, nil
}

// Check implements Trigger.
func (s *Schedule) Check(now time.Time, ev Event, _ State) (bool, map[string]any) {
	if ev.Type != "schedule_tick" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.Before(s.nextRun) {
		return false, nil
	}
	fired := map[string]any{"fired_at": now.Format(time.RFC3339)}
	s.nextRun = s.sched.Next(now)
	return true, fired
}
