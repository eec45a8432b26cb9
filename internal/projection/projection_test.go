package projection

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fieldmesh/reflexbridge/internal/model"
)

func TestDecisionsFallBackToGlobalDefaults(t *testing.T) {
	store, err := New("")
	require.NoError(t, err)
	store.Seed("dev-1")
	require.True(t, store.IsDeviceEnabled("dev-1"))
	require.True(t, store.IsToolEnabled("dev-1", "anything"))
}

func TestPerDeviceOverrideWins(t *testing.T) {
	store, err := New("")
	require.NoError(t, err)
	store.Seed("dev-1")
	store.SetDeviceEnabled("dev-1", false)
	require.False(t, store.IsDeviceEnabled("dev-1"))
	// tool enablement requires the device itself to be enabled first
	require.False(t, store.IsToolEnabled("dev-1", "ping"))
}

func TestProjectedNameAndAlias(t *testing.T) {
	store, err := New("")
	require.NoError(t, err)
	require.Equal(t, "ping", store.ProjectedName("dev-1", "ping"))
	store.SetToolEnabled("dev-1", "ping", true)
	require.Equal(t, "dev-1", store.DeviceAlias("dev-1", ""))
	require.Equal(t, "Sensor", store.DeviceAlias("dev-1", "Sensor"))
}

func TestRegistryRebuildKeyedByProjectedName(t *testing.T) {
	store, err := New("")
	require.NoError(t, err)
	reg := NewRegistry()

	dev := model.DeviceRecord{DeviceID: "dev-1", Name: "sensor", Tools: []model.ToolDescriptor{
		{Name: "ping", Description: "pings"},
		{Name: "set_led"},
	}}
	reg.Rebuild(store, dev)

	entries := reg.List()
	require.Len(t, entries, 2)
	_, ok := reg.Get(model.ToolKey("ping", "dev-1"))
	require.True(t, ok)
}

func TestRegistryRebuildDropsPriorEntriesForDevice(t *testing.T) {
	store, err := New("")
	require.NoError(t, err)
	reg := NewRegistry()

	dev := model.DeviceRecord{DeviceID: "dev-1", Tools: []model.ToolDescriptor{{Name: "ping"}, {Name: "pong"}}}
	reg.Rebuild(store, dev)
	require.Len(t, reg.List(), 2)

	dev.Tools = []model.ToolDescriptor{{Name: "ping"}}
	reg.Rebuild(store, dev)
	require.Len(t, reg.List(), 1)
	_, ok := reg.Get(model.ToolKey("pong", "dev-1"))
	require.False(t, ok)
}

func TestRegistryRebuildSkipsDisabledDevice(t *testing.T) {
	store, err := New("")
	require.NoError(t, err)
	store.SetDeviceEnabled("dev-1", false)
	reg := NewRegistry()

	dev := model.DeviceRecord{DeviceID: "dev-1", Tools: []model.ToolDescriptor{{Name: "ping"}}}
	reg.Rebuild(store, dev)
	require.Empty(t, reg.List())
}

func TestRegistrySkipsInvalidParameterSchema(t *testing.T) {
	store, err := New("")
	require.NoError(t, err)
	reg := NewRegistry()

	dev := model.DeviceRecord{DeviceID: "dev-1", Tools: []model.ToolDescriptor{
		{Name: "good", Parameters: map[string]any{"type": "object"}},
		{Name: "bad", Parameters: map[string]any{"type": "not-a-real-type"}},
	}}
	reg.Rebuild(store, dev)

	_, ok := reg.Get(model.ToolKey("good", "dev-1"))
	require.True(t, ok)
	_, ok = reg.Get(model.ToolKey("bad", "dev-1"))
	require.False(t, ok)
}

func TestRegistryReloadRebuildsEveryDevice(t *testing.T) {
	store, err := New("")
	require.NoError(t, err)
	reg := NewRegistry()

	devices := []model.DeviceRecord{
		{DeviceID: "dev-1", Tools: []model.ToolDescriptor{{Name: "ping"}}},
		{DeviceID: "dev-2", Tools: []model.ToolDescriptor{{Name: "set_led"}}},
	}
	reg.Reload(store, devices)
	require.Len(t, reg.List(), 2)
}
