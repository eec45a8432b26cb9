// Package model defines the data entities shared across every store and
// component of the bridge: devices, tools, ports, routing connections,
// projections, virtual tools and reflexes.
package model

import "time"

// Transport identifies which transport a device was last seen on.
type Transport string

const (
	TransportBroker Transport = "broker"
	TransportStream Transport = "stream"
)

// OnlineWindow is the maximum age of a device's last status report before it
// is considered offline.
const OnlineWindow = 90 * time.Second

// ToolDescriptor is a single tool a device announced.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// PortDirection identifies whether a port produces or consumes values.
type PortDirection string

const (
	DirectionOutport PortDirection = "outport"
	DirectionInport  PortDirection = "inport"
)

// PortDescriptor is a single streaming port a device announced.
type PortDescriptor struct {
	Name        string        `json:"name"`
	Direction   PortDirection `json:"direction"`
	DataType    string        `json:"data_type"`
	Description string        `json:"description"`
}

// DeviceRecord is the registry's view of one device. Online is always
// derived from LastStatus at read time, never stored stale.
type DeviceRecord struct {
	DeviceID     string           `json:"device_id"`
	Name         string           `json:"name"`
	Version      string           `json:"version"`
	Tools        []ToolDescriptor `json:"tools"`
	Outports     []PortDescriptor `json:"outports"`
	Inports      []PortDescriptor `json:"inports"`
	LastAnnounce time.Time        `json:"last_announce"`
	LastStatus   time.Time        `json:"last_status"`
	LastSeen     time.Time        `json:"last_seen"`
	Protocol     Transport        `json:"protocol"`
	SecretToken  string           `json:"secret_token,omitempty"`
}

// Online reports whether the device's last status report is recent enough
// to consider it reachable.
func (d DeviceRecord) Online(now time.Time) bool {
	if d.LastStatus.IsZero() {
		return false
	}
	return now.Sub(d.LastStatus) < OnlineWindow
}

// Tool looks up a tool by name, reporting whether it was found.
func (d DeviceRecord) Tool(name string) (ToolDescriptor, bool) {
	for _, t := range d.Tools {
		if t.Name == name {
			return t, true
		}
	}
	return ToolDescriptor{}, false
}

// ThresholdMode identifies the comparison a threshold transform step applies.
type ThresholdMode string

const (
	ThresholdAbove ThresholdMode = "above"
	ThresholdBelow ThresholdMode = "below"
	ThresholdEqual ThresholdMode = "equal"
)

// Transform is the ordered pipeline applied to a routed numeric value: scale,
// offset, clamp, threshold, invert, range remap. Omitted fields are identity
// steps.
type Transform struct {
	Scale         *float64       `json:"scale,omitempty"`
	Offset        *float64       `json:"offset,omitempty"`
	Min           *float64       `json:"min,omitempty"`
	Max           *float64       `json:"max,omitempty"`
	Threshold     *float64       `json:"threshold,omitempty"`
	ThresholdMode ThresholdMode  `json:"threshold_mode,omitempty"`
	Invert        bool           `json:"invert,omitempty"`
	MapFrom       []float64      `json:"map_from,omitempty"`
	MapTo         []float64      `json:"map_to,omitempty"`
}

// Connection is a single routing edge from an outport to an inport.
type Connection struct {
	ID          string    `json:"id"`
	Source      string    `json:"source"`
	Target      string    `json:"target"`
	Transform   Transform `json:"transform"`
	Enabled     bool      `json:"enabled"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ConnectionID derives the canonical identifier for a (source, target) pair.
func ConnectionID(source, target string) string {
	return source + "→" + target
}

// DeviceProjection is the per-device section of the projection config.
type DeviceProjection struct {
	Enabled    *bool                   `json:"enabled,omitempty"`
	Alias      string                  `json:"device_alias,omitempty"`
	Tools      map[string]ToolProjection `json:"tools,omitempty"`
}

// ToolProjection is the per-tool section of a device's projection config.
type ToolProjection struct {
	Enabled     *bool  `json:"enabled,omitempty"`
	Alias       string `json:"alias,omitempty"`
	Description string `json:"description,omitempty"`
}

// ProjectionConfig is the full persisted projection configuration.
type ProjectionConfig struct {
	AutoEnableNewDevices bool                        `json:"auto_enable_new_devices"`
	AutoEnableNewTools   bool                        `json:"auto_enable_new_tools"`
	Devices              map[string]DeviceProjection `json:"devices"`
}

// ProjectedTool is a raw device tool exposed externally under its projected
// name, keyed by ToolKey.
type ProjectedTool struct {
	ToolKey      string         `json:"tool_key"`
	DeviceID     string         `json:"device_id"`
	OriginalName string         `json:"original_name"`
	ProjectedName string        `json:"projected_name"`
	Description  string         `json:"description"`
	Parameters   map[string]any `json:"parameters"`
}

// ToolKey computes the unique registry key for a projected tool.
func ToolKey(projectedName, deviceID string) string {
	return projectedName + "_" + deviceID
}

// VirtualToolBinding is one (device, tool) pair a virtual tool fans out to.
type VirtualToolBinding struct {
	DeviceID string            `json:"device_id"`
	Tool     string            `json:"tool"`
	ArgsMap  map[string]string `json:"args_map,omitempty"`
}

// VirtualTool is a composite external tool fanning out to multiple bindings.
type VirtualTool struct {
	Name        string               `json:"name"`
	Description string               `json:"description"`
	Bindings    []VirtualToolBinding `json:"bindings"`
}

// LifecycleType identifies how a reflex expires.
type LifecycleType string

const (
	LifecyclePersistent LifecycleType = "persistent"
	LifecycleTemporary  LifecycleType = "temporary"
	LifecycleMaxRuns    LifecycleType = "max_runs"
)

// Lifecycle governs whether and how a reflex expires.
type Lifecycle struct {
	Type     LifecycleType `json:"type"`
	TTLSec   int           `json:"ttl_sec,omitempty"`
	MaxRuns  int           `json:"max_runs,omitempty"`
}

// ReflexMetadata tracks a reflex's execution history.
type ReflexMetadata struct {
	Runs      int       `json:"runs"`
	LastRun   time.Time `json:"last_run,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Reflex is a declarative trigger→action rule.
type Reflex struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Trigger    TriggerConfig  `json:"trigger"`
	Action     ActionConfig   `json:"action"`
	Tools      []string       `json:"tools"`
	Lifecycle  Lifecycle      `json:"lifecycle"`
	Enabled    bool           `json:"enabled"`
	CooldownSec int           `json:"cooldown_sec,omitempty"`
	Metadata   ReflexMetadata `json:"metadata"`
	SourceFile string         `json:"source_file,omitempty"`
}

// TriggerConfig declares a reflex's trigger type and its parameters.
type TriggerConfig struct {
	Type   string         `json:"type"`
	Params map[string]any `json:"params,omitempty"`
}

// ActionConfig declares a reflex's action type and its parameters.
type ActionConfig struct {
	Type   string         `json:"type"`
	Params map[string]any `json:"params,omitempty"`
}

// ExecutionStatus is the outcome of one reflex execution.
type ExecutionStatus string

const (
	StatusSuccess ExecutionStatus = "SUCCESS"
	StatusError   ExecutionStatus = "ERROR"
)

// ToolCallTrace records one tool invocation made during a reflex execution.
type ToolCallTrace struct {
	Tool   string `json:"tool"`
	Args   any    `json:"args"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ExecutionRecord is an append-only record of one reflex execution.
type ExecutionRecord struct {
	ID               string          `json:"id"`
	Timestamp        time.Time       `json:"timestamp"`
	ReflexID         string          `json:"reflex_id"`
	ReflexName       string          `json:"reflex_name"`
	TriggerType      string          `json:"trigger_type"`
	TriggerContext   map[string]any  `json:"trigger_context"`
	ActionType       string          `json:"action_type"`
	Status           ExecutionStatus `json:"status"`
	Output           string          `json:"output"`
	ToolCalls        []ToolCallTrace `json:"tool_calls"`
	ErrorMessage     string          `json:"error_message,omitempty"`
}
