// Package trigger implements the reflex engine's built-in trigger types:
// schedule (cron), startup (fire-once) and ipc_event (match on the external
// event queue). Each Trigger is a small stateful object constructed once per
// reflex at load time and consulted on every tick.
package trigger

import (
	"time"

	"github.com/fieldmesh/reflexbridge/internal/apperr"
	"github.com/fieldmesh/reflexbridge/internal/model"
)

// Event is one entry in a tick's event list: either the synthetic
// schedule_tick every tick carries, the one-time startup event, or an
// ipc_event drained from the external queue.
type Event struct {
	Type      string
	Timestamp time.Time
	Payload   map[string]any
}

// State is the subset of a reflex's run history a trigger may consult.
type State struct {
	LastRun   time.Time
	Runs      int
	CreatedAt time.Time
}

// Trigger decides, for one (event, reflex) pair, whether the reflex should
// run, and if so what trigger_context to bind into template substitution.
type Trigger interface {
	Check(now time.Time, ev Event, state State) (fired bool, context map[string]any)
}

// New builds the Trigger named by cfg.Type, configured from cfg.Params.
func New(cfg model.TriggerConfig, now time.Time) (Trigger, error) {
	switch cfg.Type {
	case "schedule":
		spec, _ := cfg.Params["cron"].(string)
		if spec == "" {
			return nil, apperr.New(apperr.ConfigInvalid, "schedule trigger requires params.cron")
		}
		return newSchedule(spec, now)
	case "startup":
		return &Startup{}, nil
	case "ipc_event":
		name, _ := cfg.Params["name"].(string)
		if name == "" {
			return nil, apperr.New(apperr.ConfigInvalid, "ipc_event trigger requires params.name")
		}
		return &IPCEvent{Name: name}, nil
	default:
		return nil, apperr.New(apperr.ConfigInvalid, "unknown trigger type "+cfg.Type)
	}
}
