// Package virtualtool implements the VirtualToolStore (CRUD + JSON
// persistence for composite tools that fan a single call out to several
// device-tool bindings) and the Executor that runs one: schema synthesis
// from the union of bound tools' properties, per-binding argument
// derivation, and a bounded worker pool that submits every non-skipped
// binding concurrently and aggregates the results.
package virtualtool

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fieldmesh/reflexbridge/internal/command"
	"github.com/fieldmesh/reflexbridge/internal/fsutil"
	"github.com/fieldmesh/reflexbridge/internal/jsonschema"
	"github.com/fieldmesh/reflexbridge/internal/model"
	"github.com/fieldmesh/reflexbridge/internal/obs"
)

const (
	// DefaultWorkers is the nominal bounded worker pool size for binding
	// execution.
	DefaultWorkers = 10
	// DefaultCallTimeout is the generous per-call timeout each binding gets.
	DefaultCallTimeout = 30 * time.Second
)

// Store holds VirtualTool definitions, persisted to a JSON file.
type Store struct {
	mu          sync.RWMutex
	tools       map[string]model.VirtualTool
	persistPath string
}

// New loads a Store from path, or builds an empty one if path is empty or
// does not yet exist.
func New(path string) (*Store, error) {
	s := &Store{tools: map[string]model.VirtualTool{}, persistPath: path}
	if path == "" {
		return s, nil
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Put creates or replaces a VirtualTool definition.
func (s *Store) Put(vt model.VirtualTool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[vt.Name] = vt
	s.save()
}

// Delete removes a VirtualTool definition by name.
func (s *Store) Delete(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tools[name]; !ok {
		return false
	}
	delete(s.tools, name)
	s.save()
	return true
}

// Get returns the VirtualTool definition by name.
func (s *Store) Get(name string) (model.VirtualTool, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vt, ok := s.tools[name]
	return vt, ok
}

// List returns every VirtualTool definition.
func (s *Store) List() []model.VirtualTool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.VirtualTool, 0, len(s.tools))
	for _, vt := range s.tools {
		out = append(out, vt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

type storeSnapshot struct {
	Tools []model.VirtualTool `json:"tools"`
}

func (s *Store) save() {
	if s.persistPath == "" {
		return
	}
	snap := storeSnapshot{Tools: make([]model.VirtualTool, 0, len(s.tools))}
	for _, vt := range s.tools {
		snap.Tools = append(snap.Tools, vt)
	}
	sort.Slice(snap.Tools, func(i, j int) bool { return snap.Tools[i].Name < snap.Tools[j].Name })
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return
	}
	_ = fsutil.WriteAtomic(s.persistPath, data)
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.persistPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var snap storeSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	for _, vt := range snap.Tools {
		s.tools[vt.Name] = vt
	}
	return nil
}

// DeviceLookup resolves a device's tool descriptor and online status, the
// subset of registry.Store the executor depends on.
type DeviceLookup interface {
	Tool(deviceID, toolName string) (model.ToolDescriptor, bool)
	Online(deviceID string) bool
}

// SynthesizeSchema builds a VirtualTool's external JSON Schema: the union of
// its bound tools' parameter properties, with duplicate property names
// collapsing to one entry whose description is annotated with every
// originating tool. required is intentionally always empty.
func SynthesizeSchema(vt model.VirtualTool, lookup DeviceLookup) map[string]any {
	properties := map[string]any{}
	origins := map[string][]string{}

	for _, b := range vt.Bindings {
		tool, ok := lookup.Tool(b.DeviceID, b.Tool)
		if !ok {
			continue
		}
		props, ok := tool.Parameters["properties"].(map[string]any)
		if !ok {
			continue
		}
		origin := b.DeviceID + "." + b.Tool
		for name, schema := range props {
			properties[name] = schema
			origins[name] = append(origins[name], origin)
		}
	}

	for name, schema := range properties {
		schemaMap, ok := schema.(map[string]any)
		if !ok {
			continue
		}
		annotated := map[string]any{}
		for k, v := range schemaMap {
			annotated[k] = v
		}
		desc, _ := annotated["description"].(string)
		tag := "from: " + strings.Join(origins[name], ", ")
		if desc != "" {
			annotated["description"] = desc + " (" + tag + ")"
		} else {
			annotated["description"] = tag
		}
		properties[name] = annotated
	}

	return map[string]any{"type": "object", "properties": properties, "required": []string{}}
}

// BindingResult is the outcome of one binding's execution.
type BindingResult struct {
	DeviceID string          `json:"device_id"`
	Tool     string          `json:"tool"`
	Skipped  bool            `json:"skipped,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	OK       bool            `json:"ok"`
	Text     string          `json:"text,omitempty"`
	Assets   []command.Asset `json:"assets,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// ExecutionResult aggregates every binding's outcome for one virtual tool
// call.
type ExecutionResult struct {
	OK      bool            `json:"ok"`
	Success int             `json:"success"`
	Failed  int             `json:"failed"`
	Skipped int             `json:"skipped"`
	Results []BindingResult `json:"results"`
}

// Invoker issues one device tool call; satisfied by *command.Router.
type Invoker interface {
	Invoke(ctx context.Context, deviceID, tool string, args any) (command.Result, error)
}

// Executor runs VirtualTool calls: per-binding argument derivation, fan-out
// over a bounded worker pool, and result aggregation.
type Executor struct {
	invoker Invoker
	lookup  DeviceLookup
	workers int
	timeout time.Duration
	obs     *obs.Observability
}

// Option configures an Executor.
type Option func(*Executor)

func WithWorkers(n int) Option      { return func(e *Executor) { e.workers = n } }
func WithCallTimeout(d time.Duration) Option { return func(e *Executor) { e.timeout = d } }

// NewExecutor builds an Executor with the given invoker and device lookup.
func NewExecutor(invoker Invoker, lookup DeviceLookup, opts ...Option) *Executor {
	e := &Executor{
		invoker: invoker, lookup: lookup,
		workers: DefaultWorkers, timeout: DefaultCallTimeout,
		obs: obs.New(nil, nil, nil),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs every binding of vt against the given call args, skipping
// bindings whose device is offline, and aggregates the results.
func (e *Executor) Execute(ctx context.Context, vt model.VirtualTool, args map[string]any) ExecutionResult {
	type indexed struct {
		idx int
		res BindingResult
	}
	results := make([]BindingResult, len(vt.Bindings))
	pending := make([]int, 0, len(vt.Bindings))
	skipped := 0

	for i, b := range vt.Bindings {
		if !e.lookup.Online(b.DeviceID) {
			results[i] = BindingResult{DeviceID: b.DeviceID, Tool: b.Tool, Skipped: true, Reason: "Device is offline"}
			skipped++
			continue
		}
		pending = append(pending, i)
	}

	sem := make(chan struct{}, e.workers)
	var wg sync.WaitGroup
	out := make(chan indexed, len(pending))

	for _, i := range pending {
		b := vt.Bindings[i]
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int, binding model.VirtualToolBinding) {
			defer wg.Done()
			defer func() { <-sem }()
			out <- indexed{idx: idx, res: e.executeBinding(ctx, binding, args)}
		}(i, b)
	}
	go func() { wg.Wait(); close(out) }()
	for ir := range out {
		results[ir.idx] = ir.res
	}

	success, failed := 0, 0
	for _, r := range results {
		switch {
		case r.Skipped:
		case r.OK:
			success++
		default:
			failed++
		}
	}
	return ExecutionResult{
		OK: success == len(vt.Bindings)-skipped, Success: success, Failed: failed, Skipped: skipped, Results: results,
	}
}

func (e *Executor) executeBinding(ctx context.Context, b model.VirtualToolBinding, args map[string]any) BindingResult {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	callArgs := deriveArgs(b, args, e.lookup)
	res, err := e.invoker.Invoke(callCtx, b.DeviceID, b.Tool, callArgs)
	if err != nil {
		return BindingResult{DeviceID: b.DeviceID, Tool: b.Tool, OK: false, Error: err.Error()}
	}
	if !res.OK {
		return BindingResult{DeviceID: b.DeviceID, Tool: b.Tool, OK: false, Error: res.Error}
	}
	return BindingResult{DeviceID: b.DeviceID, Tool: b.Tool, OK: true, Text: res.Text, Assets: res.Assets}
}

// deriveArgs computes the per-binding argument set:
//   - if the binding has an args_map, produce {target: args[source]} for
//     each mapping entry present in args;
//   - else, filter args down to the keys the bound tool's schema declares
//     (an empty intersection is legal: call with no args);
//   - if the tool's schema is unavailable, pass args through unchanged.
func deriveArgs(b model.VirtualToolBinding, args map[string]any, lookup DeviceLookup) map[string]any {
	if len(b.ArgsMap) > 0 {
		out := map[string]any{}
		for target, source := range b.ArgsMap {
			if v, ok := args[source]; ok {
				out[target] = v
			}
		}
		return out
	}
	tool, ok := lookup.Tool(b.DeviceID, b.Tool)
	if !ok || tool.Parameters == nil {
		return args
	}
	names := jsonschema.PropertyNames(tool.Parameters)
	if names == nil {
		return args
	}
	out := map[string]any{}
	for _, name := range names {
		if v, ok := args[name]; ok {
			out[name] = v
		}
	}
	return out
}
