package virtualtool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fieldmesh/reflexbridge/internal/command"
	"github.com/fieldmesh/reflexbridge/internal/model"
)

type fakeLookup struct {
	tools  map[string]model.ToolDescriptor // "device/tool" -> descriptor
	online map[string]bool
}

func (f *fakeLookup) Tool(deviceID, tool string) (model.ToolDescriptor, bool) {
	d, ok := f.tools[deviceID+"/"+tool]
	return d, ok
}

func (f *fakeLookup) Online(deviceID string) bool { return f.online[deviceID] }

type fakeInvoker struct {
	calls   chan call
	results map[string]command.Result
	errs    map[string]error
}

type call struct {
	deviceID string
	tool     string
	args     any
}

func newFakeInvoker() *fakeInvoker {
	return &fakeInvoker{calls: make(chan call, 16), results: map[string]command.Result{}, errs: map[string]error{}}
}

func (f *fakeInvoker) Invoke(_ context.Context, deviceID, tool string, args any) (command.Result, error) {
	f.calls <- call{deviceID: deviceID, tool: tool, args: args}
	key := deviceID + "/" + tool
	if err, ok := f.errs[key]; ok {
		return command.Result{}, err
	}
	return f.results[key], nil
}

func TestSynthesizeSchemaUnionsPropertiesWithOrigins(t *testing.T) {
	lookup := &fakeLookup{tools: map[string]model.ToolDescriptor{
		"dev-1/set_led": {Parameters: map[string]any{"properties": map[string]any{
			"on": map[string]any{"type": "boolean"},
		}}},
		"dev-2/set_led": {Parameters: map[string]any{"properties": map[string]any{
			"on":        map[string]any{"type": "boolean", "description": "turn on"},
			"brightness": map[string]any{"type": "number"},
		}}},
	}}
	vt := model.VirtualTool{Name: "all_leds", Bindings: []model.VirtualToolBinding{
		{DeviceID: "dev-1", Tool: "set_led"},
		{DeviceID: "dev-2", Tool: "set_led"},
	}}

	schema := SynthesizeSchema(vt, lookup)
	require.Equal(t, "object", schema["type"])
	props := schema["properties"].(map[string]any)
	require.Contains(t, props, "on")
	require.Contains(t, props, "brightness")

	onSchema := props["on"].(map[string]any)
	desc := onSchema["description"].(string)
	require.Contains(t, desc, "dev-1.set_led")
	require.Contains(t, desc, "dev-2.set_led")
}

func TestExecuteSkipsOfflineBindings(t *testing.T) {
	lookup := &fakeLookup{
		tools:  map[string]model.ToolDescriptor{"dev-1/ping": {}},
		online: map[string]bool{"dev-1": true, "dev-2": false},
	}
	invoker := newFakeInvoker()
	invoker.results["dev-1/ping"] = command.Result{OK: true}

	vt := model.VirtualTool{Name: "both_ping", Bindings: []model.VirtualToolBinding{
		{DeviceID: "dev-1", Tool: "ping"},
		{DeviceID: "dev-2", Tool: "ping"},
	}}
	exec := NewExecutor(invoker, lookup)
	res := exec.Execute(context.Background(), vt, map[string]any{})

	require.Equal(t, 1, res.Success)
	require.Equal(t, 1, res.Skipped)
	require.Equal(t, 0, res.Failed)
	require.True(t, res.OK) // success == total - skipped

	var offline BindingResult
	for _, r := range res.Results {
		if r.DeviceID == "dev-2" {
			offline = r
		}
	}
	require.True(t, offline.Skipped)
	require.Equal(t, "Device is offline", offline.Reason)
}

func TestExecuteAggregatesFailures(t *testing.T) {
	lookup := &fakeLookup{
		tools:  map[string]model.ToolDescriptor{"dev-1/ping": {}, "dev-2/ping": {}},
		online: map[string]bool{"dev-1": true, "dev-2": true},
	}
	invoker := newFakeInvoker()
	invoker.results["dev-1/ping"] = command.Result{OK: true}
	invoker.results["dev-2/ping"] = command.Result{OK: false, Error: "nope"}

	vt := model.VirtualTool{Bindings: []model.VirtualToolBinding{
		{DeviceID: "dev-1", Tool: "ping"}, {DeviceID: "dev-2", Tool: "ping"},
	}}
	exec := NewExecutor(invoker, lookup)
	res := exec.Execute(context.Background(), vt, nil)

	require.Equal(t, 1, res.Success)
	require.Equal(t, 1, res.Failed)
	require.Equal(t, 0, res.Skipped)
	require.False(t, res.OK)
}

func TestDeriveArgsUsesArgsMap(t *testing.T) {
	lookup := &fakeLookup{tools: map[string]model.ToolDescriptor{}}
	b := model.VirtualToolBinding{DeviceID: "dev-1", Tool: "set_led", ArgsMap: map[string]string{"state": "on"}}
	out := deriveArgs(b, map[string]any{"on": true, "extra": 1}, lookup)
	require.Equal(t, map[string]any{"state": true}, out)
}

func TestDeriveArgsFiltersBySchemaWhenNoArgsMap(t *testing.T) {
	lookup := &fakeLookup{tools: map[string]model.ToolDescriptor{
		"dev-1/set_led": {Parameters: map[string]any{"properties": map[string]any{
			"on": map[string]any{"type": "boolean"},
		}}},
	}}
	b := model.VirtualToolBinding{DeviceID: "dev-1", Tool: "set_led"}
	out := deriveArgs(b, map[string]any{"on": true, "unrelated": "x"}, lookup)
	require.Equal(t, map[string]any{"on": true}, out)
}

func TestStorePersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/virtualtools.json"

	store, err := New(path)
	require.NoError(t, err)
	store.Put(model.VirtualTool{Name: "all_leds", Bindings: []model.VirtualToolBinding{
		{DeviceID: "dev-1", Tool: "set_led"},
	}})

	reloaded, err := New(path)
	require.NoError(t, err)
	vt, ok := reloaded.Get("all_leds")
	require.True(t, ok)
	require.Len(t, vt.Bindings, 1)
}

func TestStoreDelete(t *testing.T) {
	store, err := New("")
	require.NoError(t, err)
	store.Put(model.VirtualTool{Name: "x"})
	require.True(t, store.Delete("x"))
	require.False(t, store.Delete("x"))
	_, ok := store.Get("x")
	require.False(t, ok)
}

func TestExecuteRespectsCallTimeout(t *testing.T) {
	lookup := &fakeLookup{tools: map[string]model.ToolDescriptor{"dev-1/ping": {}}, online: map[string]bool{"dev-1": true}}
	invoker := newFakeInvoker()
	invoker.results["dev-1/ping"] = command.Result{OK: true}

	exec := NewExecutor(invoker, lookup, WithWorkers(2), WithCallTimeout(time.Second))
	vt := model.VirtualTool{Bindings: []model.VirtualToolBinding{{DeviceID: "dev-1", Tool: "ping"}}}
	res := exec.Execute(context.Background(), vt, nil)
	require.True(t, res.OK)
}
