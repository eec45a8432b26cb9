package trigger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fieldmesh/reflexbridge/internal/model"
)

func TestScheduleFiresAtCronBoundary(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	sched, err := New(model.TriggerConfig{Type: "schedule", Params: map[string]any{"cron": "* * * * *"}}, now)
	require.NoError(t, err)

	fired, _ := sched.Check(now, Event{Type: "schedule_tick", Timestamp: now}, State{})
	require.False(t, fired)

	next := now.Add(time.Minute)
	fired, ctx := sched.Check(next, Event{Type: "schedule_tick", Timestamp: next}, State{})
	require.True(t, fired)
	require.Equal(t, next.Format(time.RFC3339), ctx["fired_at"])

	fired, _ = sched.Check(next, Event{Type: "schedule_tick", Timestamp: next}, State{})
	require.False(t, fired)
}

func TestScheduleIgnoresNonTickEvents(t *testing.T) {
	now := time.Now()
	sched, err := New(model.TriggerConfig{Type: "schedule", Params: map[string]any{"cron": "* * * * *"}}, now)
	require.NoError(t, err)
	fired, _ := sched.Check(now.Add(time.Hour), Event{Type: "startup"}, State{})
	require.False(t, fired)
}

func TestStartupFiresOnce(t *testing.T) {
	trig, err := New(model.TriggerConfig{Type: "startup"}, time.Now())
	require.NoError(t, err)
	now := time.Now()
	fired, _ := trig.Check(now, Event{Type: "startup", Timestamp: now}, State{})
	require.True(t, fired)
	fired, _ = trig.Check(now, Event{Type: "startup", Timestamp: now}, State{})
	require.False(t, fired)
}

func TestIPCEventMatchesByName(t *testing.T) {
	trig, err := New(model.TriggerConfig{Type: "ipc_event", Params: map[string]any{"name": "door_open"}}, time.Now())
	require.NoError(t, err)

	fired, _ := trig.Check(time.Now(), Event{Type: "ipc_event", Payload: map[string]any{"name": "other"}}, State{})
	require.False(t, fired)

	fired, ctx := trig.Check(time.Now(), Event{Type: "ipc_event", Payload: map[string]any{"name": "door_open", "zone": "a"}}, State{})
	require.True(t, fired)
	require.Equal(t, "a", ctx["zone"])
}

func TestNewRejectsUnknownType(t *testing.T) {
	_, err := New(model.TriggerConfig{Type: "bogus"}, time.Now())
	require.Error(t, err)
}
