// Package reflex implements the hot-reloading rule engine: it loads reflex
// definitions from a watched directory, ticks every second merging the
// schedule and external-event queues, dispatches triggered executions to a
// bounded worker pool guarded by an in-flight set, enforces per-reflex
// cooldowns and lifecycles, and records one ExecutionRecord per run.
package reflex

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/fieldmesh/reflexbridge/internal/apperr"
	"github.com/fieldmesh/reflexbridge/internal/llm"
	"github.com/fieldmesh/reflexbridge/internal/model"
	"github.com/fieldmesh/reflexbridge/internal/obs"
	"github.com/fieldmesh/reflexbridge/internal/reflex/action"
	"github.com/fieldmesh/reflexbridge/internal/reflex/history"
	"github.com/fieldmesh/reflexbridge/internal/reflex/trigger"
)

// DefaultWorkers bounds the reflex execution worker pool.
const DefaultWorkers = 10

// FileScanInterval is how often the tick loop checks for new/removed rule
// files.
const FileScanInterval = 10 * time.Second

// ToolRefreshInterval is how often the tick loop is expected to refresh its
// external-tool-surface inventory. This engine's ToolSurface reads the
// device registry and projection store live on every call, so there is no
// cache to refresh; the interval is kept as a structural marker so a future
// caching ToolSurface has an obvious hook to wire into.
const ToolRefreshInterval = 30 * time.Second

// ToolSurface is the external tool surface the reflex engine calls into as
// a tool consumer; satisfied by *mcpsurface.Server.
type ToolSurface interface {
	CallTool(ctx context.Context, name string, args map[string]any) (any, error)
	ToolDefinition(name string) (description string, schema map[string]any, ok bool)
}

type entry struct {
	reflex  model.Reflex
	trigger trigger.Trigger
	action  action.Action
}

// Engine runs the tick loop over a set of loaded reflexes.
type Engine struct {
	rulesDir string
	trashDir string

	tools     ToolSurface
	llmClient llm.Client
	recorder  history.Recorder
	obs       *obs.Observability
	clock     func() time.Time

	mu          sync.RWMutex
	rules       map[string]*entry
	fileModTime map[string]time.Time
	fileToID    map[string]string

	ipcMu sync.Mutex
	ipc   []trigger.Event

	inFlightMu sync.Mutex
	inFlight   map[string]bool

	workers int
	sem     chan struct{}
	wg      sync.WaitGroup

	lastFileScan    time.Time
	lastToolRefresh time.Time
	startupFired    bool

	stop     chan struct{}
	stopOnce sync.Once
}

// Option configures an Engine.
type Option func(*Engine)

func WithWorkers(n int) Option          { return func(e *Engine) { e.workers = n } }
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.clock = now } }

// New builds an Engine that loads rules from rulesDir and moves expired
// rules' source files into trashDir.
func New(rulesDir, trashDir string, tools ToolSurface, llmClient llm.Client, recorder history.Recorder, opts ...Option) *Engine {
	e := &Engine{
		rulesDir: rulesDir, trashDir: trashDir,
		tools: tools, llmClient: llmClient, recorder: recorder,
		obs:         obs.New(nil, nil, nil),
		clock:       time.Now,
		rules:       map[string]*entry{},
		fileModTime: map[string]time.Time{},
		fileToID:    map[string]string{},
		inFlight:    map[string]bool{},
		workers:     DefaultWorkers,
		stop:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.sem = make(chan struct{}, e.workers)
	return e
}

// Emit pushes an ipc_event onto the external event queue the next tick
// drains. Non-blocking: if the internal buffer is saturated the event is
// dropped rather than stalling the caller.
func (e *Engine) Emit(name string, payload map[string]any) {
	ev := trigger.Event{Type: "ipc_event", Timestamp: e.clock(), Payload: map[string]any{"name": name}}
	for k, v := range payload {
		ev.Payload[k] = v
	}
	e.ipcMu.Lock()
	defer e.ipcMu.Unlock()
	const maxQueued = 1024
	if len(e.ipc) >= maxQueued {
		return
	}
	e.ipc = append(e.ipc, ev)
}

// Reflexes returns a snapshot of every currently active reflex.
func (e *Engine) Reflexes() []model.Reflex {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]model.Reflex, 0, len(e.rules))
	for _, en := range e.rules {
		out = append(out, en.reflex)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Run loads rules and drives the tick loop until ctx is cancelled or Stop
// is called.
func (e *Engine) Run(ctx context.Context) {
	now := e.clock()
	e.reloadFiles(now)
	e.lastFileScan = now
	e.lastToolRefresh = now

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

// Stop halts the tick loop and waits up to grace for in-flight executions
// to drain.
func (e *Engine) Stop(grace time.Duration) {
	e.stopOnce.Do(func() { close(e.stop) })
	done := make(chan struct{})
	go func() { e.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(grace):
	}
}

func (e *Engine) tick(ctx context.Context) {
	now := e.clock()

	if e.lastFileScan.IsZero() || now.Sub(e.lastFileScan) >= FileScanInterval {
		e.reloadFiles(now)
		e.lastFileScan = now
	}
	if e.lastToolRefresh.IsZero() || now.Sub(e.lastToolRefresh) >= ToolRefreshInterval {
		e.lastToolRefresh = now
	}

	events := e.buildEvents(now)

	e.mu.RLock()
	entries := make([]*entry, 0, len(e.rules))
	for _, en := range e.rules {
		entries = append(entries, en)
	}
	e.mu.RUnlock()

	for _, ev := range events {
		for _, en := range entries {
			e.evaluate(ctx, now, ev, en)
		}
	}
}

func (e *Engine) buildEvents(now time.Time) []trigger.Event {
	events := []trigger.Event{{Type: "schedule_tick", Timestamp: now}}
	if !e.startupFired {
		events = append(events, trigger.Event{Type: "startup", Timestamp: now})
		e.startupFired = true
	}
	e.ipcMu.Lock()
	if len(e.ipc) > 0 {
		events = append(events, e.ipc...)
		e.ipc = nil
	}
	e.ipcMu.Unlock()
	return events
}

func (e *Engine) evaluate(ctx context.Context, now time.Time, ev trigger.Event, en *entry) {
	e.mu.RLock()
	r := en.reflex
	e.mu.RUnlock()

	if !r.Enabled {
		return
	}
	if r.CooldownSec > 0 && !r.Metadata.LastRun.IsZero() {
		if now.Sub(r.Metadata.LastRun) < time.Duration(r.CooldownSec)*time.Second {
			return
		}
	}
	if expired(r, now) {
		return
	}

	e.inFlightMu.Lock()
	busy := e.inFlight[r.ID]
	e.inFlightMu.Unlock()
	if busy {
		return
	}

	fired, tctx := en.trigger.Check(now, ev, trigger.State{
		LastRun: r.Metadata.LastRun, Runs: r.Metadata.Runs, CreatedAt: r.Metadata.CreatedAt,
	})
	if !fired {
		return
	}

	e.inFlightMu.Lock()
	if e.inFlight[r.ID] {
		e.inFlightMu.Unlock()
		return
	}
	e.inFlight[r.ID] = true
	e.inFlightMu.Unlock()

	e.wg.Add(1)
	e.sem <- struct{}{}
	go func() {
		defer e.wg.Done()
		defer func() { <-e.sem }()
		defer func() {
			e.inFlightMu.Lock()
			delete(e.inFlight, r.ID)
			e.inFlightMu.Unlock()
		}()
		e.execute(ctx, now, ev, en, tctx)
	}()
}

func (e *Engine) execute(ctx context.Context, now time.Time, ev trigger.Event, en *entry, tctx map[string]any) {
	eventMap := map[string]any{"type": ev.Type, "timestamp": ev.Timestamp.Format(time.RFC3339)}
	for k, v := range ev.Payload {
		eventMap[k] = v
	}
	e.mu.RLock()
	r := en.reflex
	e.mu.RUnlock()

	stateMap := map[string]any{
		"runs": r.Metadata.Runs, "created_at": r.Metadata.CreatedAt.Format(time.RFC3339),
	}
	if !r.Metadata.LastRun.IsZero() {
		stateMap["last_run"] = r.Metadata.LastRun.Format(time.RFC3339)
	}

	outcome, execErr := en.action.Execute(ctx, action.Context{Event: eventMap, State: stateMap, Trigger: tctx}, e.tools)

	e.mu.Lock()
	en.reflex.Metadata.Runs++
	en.reflex.Metadata.LastRun = now
	updated := en.reflex
	e.mu.Unlock()

	rec := model.ExecutionRecord{
		ID: uuid.NewString(), Timestamp: now,
		ReflexID: r.ID, ReflexName: r.Name,
		TriggerType: r.Trigger.Type, TriggerContext: tctx,
		ActionType: r.Action.Type,
		Output:     outcome.Output, ToolCalls: outcome.ToolCalls,
	}
	if execErr != nil {
		rec.Status = model.StatusError
		rec.ErrorMessage = execErr.Error()
	} else {
		rec.Status = model.StatusSuccess
	}

	if err := e.recorder.Append(ctx, rec); err != nil {
		e.obs.LogEvent(ctx, obs.Event{Component: "reflex", Operation: "record_history", Subject: r.ID, Outcome: obs.OutcomeError, Error: err.Error()})
	}

	if expired(updated, now) {
		e.expireLocked(updated.ID)
	}
}

func expired(r model.Reflex, now time.Time) bool {
	switch r.Lifecycle.Type {
	case model.LifecycleTemporary:
		return !r.Metadata.CreatedAt.IsZero() && !now.Before(r.Metadata.CreatedAt.Add(time.Duration(r.Lifecycle.TTLSec)*time.Second))
	case model.LifecycleMaxRuns:
		return r.Metadata.Runs >= r.Lifecycle.MaxRuns
	default:
		return false
	}
}

func (e *Engine) expireLocked(id string) {
	e.mu.Lock()
	en, ok := e.rules[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	en.reflex.Enabled = false
	source := en.reflex.SourceFile
	var path string
	for p, rid := range e.fileToID {
		if rid == id {
			path = p
			break
		}
	}
	delete(e.rules, id)
	if path != "" {
		delete(e.fileModTime, path)
		delete(e.fileToID, path)
	}
	e.mu.Unlock()

	if source == "" || e.trashDir == "" {
		return
	}
	if err := os.MkdirAll(e.trashDir, 0o755); err != nil {
		return
	}
	_ = os.Rename(source, filepath.Join(e.trashDir, filepath.Base(source)))
}

type ruleFile struct {
	ID          string        `yaml:"id"`
	Name        string        `yaml:"name"`
	Trigger     cfgSection    `yaml:"trigger"`
	Action      cfgSection    `yaml:"action"`
	Tools       []string      `yaml:"tools"`
	Lifecycle   lifecycleFile `yaml:"lifecycle"`
	Enabled     *bool         `yaml:"enabled"`
	CooldownSec int           `yaml:"cooldown_sec"`
}

type cfgSection struct {
	Type   string         `yaml:"type"`
	Params map[string]any `yaml:"params"`
}

type lifecycleFile struct {
	Type    string `yaml:"type"`
	TTLSec  int    `yaml:"ttl_sec"`
	MaxRuns int    `yaml:"max_runs"`
}

// reloadFiles re-scans rulesDir: new or modified rule files are parsed,
// validated and (re)built into active entries; entries whose source file
// has disappeared are dropped. Existing entries whose file is unchanged are
// left alone, so their trigger state (e.g. schedule's next-run offset) and
// run metadata survive a reload.
func (e *Engine) reloadFiles(now time.Time) {
	matches, err := filepath.Glob(filepath.Join(e.rulesDir, "*.yaml"))
	if err != nil {
		return
	}
	more, _ := filepath.Glob(filepath.Join(e.rulesDir, "*.yml"))
	matches = append(matches, more...)

	seen := map[string]bool{}
	for _, path := range matches {
		seen[path] = true
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		e.mu.RLock()
		prevMod, known := e.fileModTime[path]
		e.mu.RUnlock()
		if known && !info.ModTime().After(prevMod) {
			continue
		}
		e.loadFile(path, now)
		e.mu.Lock()
		e.fileModTime[path] = info.ModTime()
		e.mu.Unlock()
	}

	e.mu.Lock()
	for path, id := range e.fileToID {
		if seen[path] {
			continue
		}
		delete(e.rules, id)
		delete(e.fileToID, path)
		delete(e.fileModTime, path)
	}
	e.mu.Unlock()
}

func (e *Engine) loadFile(path string, now time.Time) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var rf ruleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		e.obs.LogEvent(context.Background(), obs.Event{Component: "reflex", Operation: "load_rule", Subject: path, Outcome: obs.OutcomeError, Error: err.Error()})
		return
	}
	if rf.ID == "" {
		return
	}

	reflex := model.Reflex{
		ID:   rf.ID, Name: rf.Name,
		Trigger: model.TriggerConfig{Type: rf.Trigger.Type, Params: rf.Trigger.Params},
		Action:  model.ActionConfig{Type: rf.Action.Type, Params: rf.Action.Params},
		Tools:   rf.Tools,
		Lifecycle: model.Lifecycle{
			Type: model.LifecycleType(rf.Lifecycle.Type), TTLSec: rf.Lifecycle.TTLSec, MaxRuns: rf.Lifecycle.MaxRuns,
		},
		Enabled:     rf.Enabled == nil || *rf.Enabled,
		CooldownSec: rf.CooldownSec,
		SourceFile:  path,
	}
	if reflex.Lifecycle.Type == "" {
		reflex.Lifecycle.Type = model.LifecyclePersistent
	}

	if err := e.validate(reflex); err != nil {
		e.obs.LogEvent(context.Background(), obs.Event{Component: "reflex", Operation: "validate_rule", Subject: reflex.ID, Outcome: obs.OutcomeError, Error: err.Error()})
		return
	}

	trig, err := trigger.New(reflex.Trigger, now)
	if err != nil {
		e.obs.LogEvent(context.Background(), obs.Event{Component: "reflex", Operation: "build_trigger", Subject: reflex.ID, Outcome: obs.OutcomeError, Error: err.Error()})
		return
	}
	act, err := action.New(reflex.Action, reflex.Tools, e.llmClient)
	if err != nil {
		e.obs.LogEvent(context.Background(), obs.Event{Component: "reflex", Operation: "build_action", Subject: reflex.ID, Outcome: obs.OutcomeError, Error: err.Error()})
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.rules[reflex.ID]; ok {
		reflex.Metadata = existing.reflex.Metadata
	} else {
		reflex.Metadata = model.ReflexMetadata{CreatedAt: now}
	}
	e.rules[reflex.ID] = &entry{reflex: reflex, trigger: trig, action: act}
	e.fileToID[path] = reflex.ID
}

func (e *Engine) validate(r model.Reflex) error {
	switch r.Lifecycle.Type {
	case model.LifecyclePersistent:
	case model.LifecycleTemporary:
		if r.Lifecycle.TTLSec <= 0 {
			return apperr.New(apperr.ConfigInvalid, "temporary lifecycle requires ttl_sec > 0")
		}
	case model.LifecycleMaxRuns:
		if r.Lifecycle.MaxRuns <= 0 {
			return apperr.New(apperr.ConfigInvalid, "max_runs lifecycle requires max_runs > 0")
		}
	default:
		return apperr.New(apperr.ConfigInvalid, "lifecycle.type must be persistent, temporary or max_runs")
	}
	for _, name := range r.Tools {
		if _, _, ok := e.tools.ToolDefinition(name); !ok {
			return apperr.New(apperr.ConfigInvalid, "tool "+name+" is not on the external tool surface")
		}
	}
	return nil
}
