// Package projection implements the projection layer and tool registry: a
// ProjectionStore resolving per-device/per-tool enable/alias decisions from a
// JSON config with global defaults, and a ToolRegistry producing
// ProjectedTool records keyed by "{projected_name}_{device_id}" for every
// enabled device tool.
//
// Structurally this follows internal/registry and internal/ports: an
// RWMutex-guarded store, functional-option telemetry injection, and atomic
// JSON persistence via internal/fsutil.
package projection

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"

	"github.com/fieldmesh/reflexbridge/internal/fsutil"
	"github.com/fieldmesh/reflexbridge/internal/jsonschema"
	"github.com/fieldmesh/reflexbridge/internal/model"
	"github.com/fieldmesh/reflexbridge/internal/obs"
)

// Store resolves enable/alias decisions for devices and tools, backed by a
// JSON config file with auto-seeding for devices seen for the first time.
type Store struct {
	mu          sync.RWMutex
	cfg         model.ProjectionConfig
	persistPath string
}

// New loads a ProjectionStore from path, creating an empty default-enabled
// config if the file does not yet exist.
func New(path string) (*Store, error) {
	s := &Store{
		cfg: model.ProjectionConfig{
			AutoEnableNewDevices: true,
			AutoEnableNewTools:   true,
			Devices:              map[string]model.DeviceProjection{},
		},
		persistPath: path,
	}
	if path == "" {
		return s, nil
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// Seed ensures deviceID has an entry, auto-enabling it per the global
// default if this is the first time the device has been observed.
func (s *Store) Seed(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cfg.Devices[deviceID]; ok {
		return
	}
	enabled := s.cfg.AutoEnableNewDevices
	s.cfg.Devices[deviceID] = model.DeviceProjection{Enabled: &enabled, Tools: map[string]model.ToolProjection{}}
	s.save()
}

// IsDeviceEnabled reports whether deviceID is enabled: a per-device override
// if present, else the global auto_enable_new_devices default.
func (s *Store) IsDeviceEnabled(deviceID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if dp, ok := s.cfg.Devices[deviceID]; ok && dp.Enabled != nil {
		return *dp.Enabled
	}
	return s.cfg.AutoEnableNewDevices
}

// IsToolEnabled reports whether tool on deviceID is enabled: a per-tool
// override if present, else the global auto_enable_new_tools default — but
// only when the device itself is enabled.
func (s *Store) IsToolEnabled(deviceID, tool string) bool {
	if !s.IsDeviceEnabled(deviceID) {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if dp, ok := s.cfg.Devices[deviceID]; ok {
		if tp, ok := dp.Tools[tool]; ok && tp.Enabled != nil {
			return *tp.Enabled
		}
	}
	return s.cfg.AutoEnableNewTools
}

// ProjectedName resolves the external name a tool should be exposed under:
// its per-tool alias if set, else its original name.
func (s *Store) ProjectedName(deviceID, tool string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if dp, ok := s.cfg.Devices[deviceID]; ok {
		if tp, ok := dp.Tools[tool]; ok && tp.Alias != "" {
			return tp.Alias
		}
	}
	return tool
}

// DeviceAlias resolves the external name a device should be reported under:
// its configured alias if set, else its announced name, else its raw id.
func (s *Store) DeviceAlias(deviceID, deviceName string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if dp, ok := s.cfg.Devices[deviceID]; ok && dp.Alias != "" {
		return dp.Alias
	}
	if deviceName != "" {
		return deviceName
	}
	return deviceID
}

// SetDeviceEnabled sets a per-device enable override.
func (s *Store) SetDeviceEnabled(deviceID string, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dp := s.cfg.Devices[deviceID]
	dp.Enabled = &enabled
	if dp.Tools == nil {
		dp.Tools = map[string]model.ToolProjection{}
	}
	s.cfg.Devices[deviceID] = dp
	s.save()
}

// SetToolEnabled sets a per-tool enable override for deviceID.
func (s *Store) SetToolEnabled(deviceID, tool string, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dp := s.cfg.Devices[deviceID]
	if dp.Tools == nil {
		dp.Tools = map[string]model.ToolProjection{}
	}
	tp := dp.Tools[tool]
	tp.Enabled = &enabled
	dp.Tools[tool] = tp
	s.cfg.Devices[deviceID] = dp
	s.save()
}

// Config returns a deep copy of the current projection config.
func (s *Store) Config() model.ProjectionConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, _ := json.Marshal(s.cfg)
	var out model.ProjectionConfig
	_ = json.Unmarshal(data, &out)
	return out
}

func (s *Store) save() {
	if s.persistPath == "" {
		return
	}
	data, err := json.MarshalIndent(s.cfg, "", "  ")
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
	var cfg model.ProjectionConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return err
	}
	if cfg.Devices == nil {
		cfg.Devices = map[string]model.DeviceProjection{}
	}
	s.cfg = cfg
	return nil
}

// Reload re-reads the backing JSON config from disk, replacing the in-memory
// config wholesale.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Registry holds ProjectedTool records keyed by "{projected_name}_{device_id}".
type Registry struct {
	mu      sync.RWMutex
	entries map[string]model.ProjectedTool
	obs     *obs.Observability
}

// NewRegistry builds an empty ToolRegistry.
func NewRegistry() *Registry {
	return &Registry{entries: map[string]model.ProjectedTool{}, obs: obs.New(nil, nil, nil)}
}

// Rebuild drops every entry belonging to deviceID and emits fresh
// ProjectedTool records for its currently enabled tools, per store's
// decisions. A tool whose declared parameters fail to compile as a JSON
// Schema is logged and skipped rather than failing the whole rebuild. Called
// on every device announce.
func (r *Registry) Rebuild(store *Store, dev model.DeviceRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropDeviceLocked(dev.DeviceID)
	if !store.IsDeviceEnabled(dev.DeviceID) {
		return
	}
	for _, tool := range dev.Tools {
		if !store.IsToolEnabled(dev.DeviceID, tool.Name) {
			continue
		}
		if len(tool.Parameters) > 0 {
			if _, err := jsonschema.Compile(tool.Parameters); err != nil {
				r.obs.LogEvent(context.Background(), obs.Event{
					Component: "projection", Operation: "rebuild", Subject: dev.DeviceID + "/" + tool.Name,
					Outcome: obs.OutcomeError, Error: err.Error(),
				})
				continue
			}
		}
		projected := store.ProjectedName(dev.DeviceID, tool.Name)
		key := model.ToolKey(projected, dev.DeviceID)
		r.entries[key] = model.ProjectedTool{
			ToolKey: key, DeviceID: dev.DeviceID, OriginalName: tool.Name,
			ProjectedName: projected, Description: tool.Description, Parameters: tool.Parameters,
		}
	}
}

func (r *Registry) dropDeviceLocked(deviceID string) {
	suffix := "_" + deviceID
	for key := range r.entries {
		if strings.HasSuffix(key, suffix) {
			delete(r.entries, key)
		}
	}
}

// Reload clears the registry and rebuilds entries for every device in
// devices, per the store's current (freshly re-read) decisions.
func (r *Registry) Reload(store *Store, devices []model.DeviceRecord) {
	r.mu.Lock()
	r.entries = map[string]model.ProjectedTool{}
	r.mu.Unlock()
	for _, dev := range devices {
		r.Rebuild(store, dev)
	}
}

// Get returns the ProjectedTool registered under key, if any.
func (r *Registry) Get(key string) (model.ProjectedTool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.entries[key]
	return t, ok
}

// List returns every currently registered ProjectedTool.
func (r *Registry) List() []model.ProjectedTool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.ProjectedTool, 0, len(r.entries))
	for _, t := range r.entries {
		out = append(out, t)
	}
	return out
}
