package trigger

import (
	"sync"
	"time"
)

// Startup fires exactly once, the first time it observes a startup event.
type Startup struct {
	mu    sync.Mutex
	fired bool
}

// Check implements Trigger.
func (s *Startup) Check(now time.Time, ev Event, _ State) (bool, map[string]any) {
	if ev.Type != "startup" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fired {
		return false, nil
	}
	s.fired = true
	return true, map[string]any{"fired_at": now.Format(time.RFC3339)}
}
