package reflex

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fieldmesh/reflexbridge/internal/model"
)

type fakeTools struct {
	mu    sync.Mutex
	calls []string
	defs  map[string]map[string]any
}

func (f *fakeTools) CallTool(_ context.Context, name string, args map[string]any) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	return map[string]any{"text": "ok"}, nil
}

func (f *fakeTools) ToolDefinition(name string) (string, map[string]any, bool) {
	schema, ok := f.defs[name]
	return "desc", schema, ok
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []model.ExecutionRecord
}

func (r *fakeRecorder) Append(_ context.Context, rec model.ExecutionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *fakeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

func writeRule(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func TestEngineLoadsValidatesAndRunsStartupReflex(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "r1.yaml", `
id: r1
name: hello
trigger:
  type: startup
action:
  type: tool
tools: ["echo"]
enabled: true
lifecycle:
  type: persistent
`)
	tools := &fakeTools{defs: map[string]map[string]any{"echo": {"type": "object"}}}
	rec := &fakeRecorder{}
	e := New(dir, filepath.Join(dir, "trash"), tools, nil, rec)

	now := time.Now()
	e.reloadFiles(now)
	require.Len(t, e.Reflexes(), 1)

	e.tick(context.Background())
	deadline := time.Now().Add(time.Second)
	for rec.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, 1, rec.count())
	require.Equal(t, model.StatusSuccess, rec.records[0].Status)
}

func TestEngineRejectsUnknownTool(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "bad.yaml", `
id: bad
name: bad
trigger:
  type: startup
action:
  type: tool
tools: ["ghost"]
enabled: true
`)
	tools := &fakeTools{defs: map[string]map[string]any{}}
	e := New(dir, dir, tools, nil, &fakeRecorder{})
	e.reloadFiles(time.Now())
	require.Empty(t, e.Reflexes())
}

func TestEngineCooldownSkipsRapidRefire(t *testing.T) {
	dir := t.TempDir()
	writeRule(t, dir, "r.yaml", `
id: cool
name: cool
trigger:
  type: schedule
  params:
    cron: "* * * * *"
action:
  type: tool
tools: ["echo"]
enabled: true
cooldown_sec: 3600
`)
	tools := &fakeTools{defs: map[string]map[string]any{"echo": {"type": "object"}}}
	rec := &fakeRecorder{}
	base := time.Now()
	e := New(dir, dir, tools, nil, rec, WithClock(func() time.Time { return base }))
	e.reloadFiles(base)

	minuteLater := base.Add(time.Minute)
	e.clock = func() time.Time { return minuteLater }
	e.tick(context.Background())
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, rec.count())

	twoMinutesLater := base.Add(2 * time.Minute)
	e.clock = func() time.Time { return twoMinutesLater }
	e.tick(context.Background())
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, rec.count(), "cooldown should suppress the second firing")
}

func TestEngineMaxRunsLifecycleExpiresReflex(t *testing.T) {
	dir := t.TempDir()
	trash := filepath.Join(dir, "trash")
	writeRule(t, dir, "r.yaml", `
id: once
name: once
trigger:
  type: startup
action:
  type: tool
tools: ["echo"]
enabled: true
lifecycle:
  type: max_runs
  max_runs: 1
`)
	tools := &fakeTools{defs: map[string]map[string]any{"echo": {"type": "object"}}}
	rec := &fakeRecorder{}
	e := New(dir, trash, tools, nil, rec)
	now := time.Now()
	e.reloadFiles(now)
	e.tick(context.Background())

	deadline := time.Now().Add(time.Second)
	for rec.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	e.Stop(time.Second)
	require.Equal(t, 1, rec.count())
	require.Empty(t, e.Reflexes())
	_, err := os.Stat(filepath.Join(trash, "r.yaml"))
	require.NoError(t, err)
}
