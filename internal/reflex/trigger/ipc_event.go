package trigger

import "time"

// IPCEvent fires when an ipc_event carrying a matching name appears in the
// tick's event list.
type IPCEvent struct {
	Name string
}

// Check implements Trigger.
func (t *IPCEvent) Check(_ time.Time, ev Event, _ State) (bool, map[string]any) {
	if ev.Type != "ipc_event" {
		return false, nil
	}
	if name, _ := ev.Payload["name"].(string); name != t.Name {
		return false, nil
	}
	ctx := map[string]any{}
	for k, v := range ev.Payload {
		ctx[k] = v
	}
	return true, ctx
}
