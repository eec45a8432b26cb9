// Package ports implements the port routing engine: a PortStore tracking
// each device's declared outports/inports, a RoutingMatrix of Connection
// edges with per-edge value transforms, and a Router that fans an inbound
// ports/data reading out to every enabled edge's target, applying the fixed
// scale→offset→clamp→threshold→invert→remap pipeline along the way.
//
// Structurally this follows internal/registry: a sync.RWMutex-guarded store
// with functional-option telemetry injection and atomic JSON persistence via
// internal/fsutil, the same shape runtime/registry.Manager uses for the
// teacher's device cache.
package ports

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/fieldmesh/reflexbridge/internal/fsutil"
	"github.com/fieldmesh/reflexbridge/internal/model"
	"github.com/fieldmesh/reflexbridge/internal/obs"
	"github.com/fieldmesh/reflexbridge/internal/telemetry"
	"github.com/fieldmesh/reflexbridge/internal/transport"
)

// PortID identifies a port as "{device_id}/{port_name}".
type PortID string

func NewPortID(deviceID, portName string) PortID {
	return PortID(deviceID + "/" + portName)
}

// Store tracks the outports/inports each device has announced.
type Store struct {
	mu       sync.RWMutex
	outports map[string][]model.PortDescriptor
	inports  map[string][]model.PortDescriptor
}

// NewStore builds an empty port descriptor store.
func NewStore() *Store {
	return &Store{outports: make(map[string][]model.PortDescriptor), inports: make(map[string][]model.PortDescriptor)}
}

// Upsert replaces a device's outports/inports whole-cloth, as on a
// ports/announce frame.
func (s *Store) Upsert(deviceID string, outports, inports []model.PortDescriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outports[deviceID] = outports
	s.inports[deviceID] = inports
}

// Outports returns a copy of the device's declared outports.
func (s *Store) Outports(deviceID string) []model.PortDescriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.PortDescriptor(nil), s.outports[deviceID]...)
}

// Inports returns a copy of the device's declared inports.
func (s *Store) Inports(deviceID string) []model.PortDescriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.PortDescriptor(nil), s.inports[deviceID]...)
}

// Snapshot describes every device's ports for the REST /ports surface.
type Snapshot struct {
	DeviceID string                 `json:"device_id"`
	Outports []model.PortDescriptor `json:"outports"`
	Inports  []model.PortDescriptor `json:"inports"`
}

// All returns a snapshot for every device with at least one declared port.
func (s *Store) All() []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	devices := make(map[string]struct{})
	for id := range s.outports {
		devices[id] = struct{}{}
	}
	for id := range s.inports {
		devices[id] = struct{}{}
	}
	out := make([]Snapshot, 0, len(devices))
	for id := range devices {
		out = append(out, Snapshot{DeviceID: id, Outports: s.outports[id], Inports: s.inports[id]})
	}
	return out
}

// Apply runs the fixed transform pipeline against value:
//
//  1. scale (multiplicative)
//  2. offset (additive)
//  3. clamp to [min, max]
//  4. threshold (mode in above/below/equal) -> 1.0/0.0
//  5. invert -> negate
//  6. range remap from [map_from] to [map_to]
//
// Order is fixed; an omitted step is the identity and an empty Transform
// returns value unchanged.
func Apply(t model.Transform, value float64) float64 {
	v := value
	if t.Scale != nil {
		v *= *t.Scale
	}
	if t.Offset != nil {
		v += *t.Offset
	}
	if t.Min != nil && v < *t.Min {
		v = *t.Min
	}
	if t.Max != nil && v > *t.Max {
		v = *t.Max
	}
	if t.Threshold != nil {
		v = applyThreshold(*t.Threshold, t.ThresholdMode, v)
	}
	if t.Invert {
		v = -v
	}
	if len(t.MapFrom) == 2 && len(t.MapTo) == 2 {
		a, b := t.MapFrom[0], t.MapFrom[1]
		c, d := t.MapTo[0], t.MapTo[1]
		if a != b {
			v = c + (v-a)/(b-a)*(d-c)
		}
	}
	return v
}

func applyThreshold(threshold float64, mode model.ThresholdMode, v float64) float64 {
	var pass bool
	switch mode {
	case model.ThresholdBelow:
		pass = v < threshold
	case model.ThresholdEqual:
		pass = v == threshold
	default: // ThresholdAbove is the default when mode is unset
		pass = v > threshold
	}
	if pass {
		return 1.0
	}
	return 0.0
}

// Matrix holds the routing edges: an ordered sequence of enabled/disabled
// Connection records plus a source_port_id -> []edge index for fan-out.
type Matrix struct {
	mu      sync.RWMutex
	order   []string // connection ids, in insertion order
	byID    map[string]*model.Connection
	bySrc   map[PortID][]string // source port id -> ordered connection ids

	persistPath string
}

// NewMatrix builds an empty RoutingMatrix, optionally persisted to path.
func NewMatrix(persistPath string) *Matrix {
	m := &Matrix{
		byID:        make(map[string]*model.Connection),
		bySrc:       make(map[PortID][]string),
		persistPath: persistPath,
	}
	if persistPath != "" {
		_ = m.load()
	}
	return m
}

// Connect inserts or replaces the edge source->target with the given
// transform, collapsing duplicate (source,target) pairs to the existing
// connection id (routing idempotence: connecting the same edge twice leaves
// the matrix unchanged beyond the transform/description update).
func (m *Matrix) Connect(source, target string, transform model.Transform, description string) model.Connection {
	id := model.ConnectionID(source, target)
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.byID[id]; ok {
		existing.Transform = transform
		existing.Description = description
		existing.Enabled = true
		m.save()
		return *existing
	}

	conn := &model.Connection{
		ID: id, Source: source, Target: target,
		Transform: transform, Enabled: true,
		Description: description, CreatedAt: time.Now(),
	}
	m.byID[id] = conn
	m.order = append(m.order, id)
	srcPort := PortID(source)
	m.bySrc[srcPort] = append(m.bySrc[srcPort], id)
	m.save()
	return *conn
}

// Disconnect removes the edge source->target, if present.
func (m *Matrix) Disconnect(source, target string) bool {
	id := model.ConnectionID(source, target)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[id]; !ok {
		return false
	}
	delete(m.byID, id)
	m.order = removeString(m.order, id)
	srcPort := PortID(source)
	m.bySrc[srcPort] = removeString(m.bySrc[srcPort], id)
	m.save()
	return true
}

// Update replaces the transform/description/enabled flag of an existing
// connection by id.
func (m *Matrix) Update(id string, transform *model.Transform, enabled *bool, description *string) (model.Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.byID[id]
	if !ok {
		return model.Connection{}, false
	}
	if transform != nil {
		conn.Transform = *transform
	}
	if enabled != nil {
		conn.Enabled = *enabled
	}
	if description != nil {
		conn.Description = *description
	}
	m.save()
	return *conn, true
}

// Connections returns every connection in insertion order.
func (m *Matrix) Connections() []model.Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Connection, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.byID[id])
	}
	return out
}

// Targets returns the enabled edges fanning out from sourcePort, in
// insertion order.
func (m *Matrix) Targets(sourcePort PortID) []model.Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.bySrc[sourcePort]
	out := make([]model.Connection, 0, len(ids))
	for _, id := range ids {
		conn := m.byID[id]
		if conn.Enabled {
			out = append(out, *conn)
		}
	}
	return out
}

func removeString(s []string, v string) []string {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

type matrixSnapshot struct {
	Connections []*model.Connection `json:"connections"`
}

func (m *Matrix) save() {
	if m.persistPath == "" {
		return
	}
	snap := matrixSnapshot{Connections: make([]*model.Connection, 0, len(m.order))}
	for _, id := range m.order {
		snap.Connections = append(snap.Connections, m.byID[id])
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return
	}
	_ = fsutil.WriteAtomic(m.persistPath, data)
}

func (m *Matrix) load() error {
	data, err := os.ReadFile(m.persistPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var snap matrixSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	for _, conn := range snap.Connections {
		m.byID[conn.ID] = conn
		m.order = append(m.order, conn.ID)
		srcPort := PortID(conn.Source)
		m.bySrc[srcPort] = append(m.bySrc[srcPort], conn.ID)
	}
	return nil
}

// Stats aggregates routing counters for the get_routing_stats tool and the
// /routing REST resource.
type Stats struct {
	mu       sync.Mutex
	NoOp     int64
	Sent     int64
	Dropped  int64
}

func (s *Stats) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{NoOp: s.NoOp, Sent: s.Sent, Dropped: s.Dropped}
}

// Router fans inbound ports/data readings out to every enabled target edge,
// applying each edge's transform and publishing ports/set on the target
// device's transport. It is synchronous per inbound value and never blocks
// on network I/O: each send is fire-and-forget with a bool success result.
type Router struct {
	matrix *Matrix
	sinks  SinkLookup
	stats  Stats
	obs    *obs.Observability
}

// SinkLookup resolves a device's current transport.Sink, mirroring
// registry.Store.Sink so the router need not depend on the registry type
// directly.
type SinkLookup func(deviceID string) (transport.Sink, bool)

// Option configures a Router.
type Option func(*Router)

func WithLogger(l telemetry.Logger) Option   { return func(r *Router) { r.obs.Logger = l } }
func WithMetrics(m telemetry.Metrics) Option { return func(r *Router) { r.obs.Metrics = m } }
func WithTracer(t telemetry.Tracer) Option   { return func(r *Router) { r.obs.Tracer = t } }

// NewRouter builds a Router over the given matrix and sink lookup.
func NewRouter(matrix *Matrix, sinks SinkLookup, opts ...Option) *Router {
	r := &Router{matrix: matrix, sinks: sinks, obs: obs.New(nil, nil, nil)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route handles one inbound ports/data reading from deviceID/portName with
// the given numeric value.
func (r *Router) Route(ctx context.Context, deviceID, portName string, value float64) {
	start := time.Now()
	sourcePort := NewPortID(deviceID, portName)
	targets := r.matrix.Targets(sourcePort)
	if len(targets) == 0 {
		r.stats.mu.Lock()
		r.stats.NoOp++
		r.stats.mu.Unlock()
		return
	}

	for _, conn := range targets {
		out := Apply(conn.Transform, value)
		targetDevice, targetPort, ok := splitPortID(conn.Target)
		if !ok {
			r.recordDrop(ctx, conn, "invalid target port id")
			continue
		}
		sink, ok := r.sinks(targetDevice)
		if !ok {
			r.recordDrop(ctx, conn, "target transport unavailable")
			continue
		}
		payload := map[string]any{"port": targetPort, "value": out}
		if err := sink.Send(ctx, transport.DeviceTopic(targetDevice, "ports/set"), payload); err != nil {
			r.recordDrop(ctx, conn, err.Error())
			continue
		}
		r.stats.mu.Lock()
		r.stats.Sent++
		r.stats.mu.Unlock()
	}
	r.obs.RecordMetrics(obs.Event{Component: "ports", Operation: "route", Subject: string(sourcePort), Duration: time.Since(start)})
}

func (r *Router) recordDrop(ctx context.Context, conn model.Connection, reason string) {
	r.stats.mu.Lock()
	r.stats.Dropped++
	r.stats.mu.Unlock()
	r.obs.LogEvent(ctx, obs.Event{Component: "ports", Operation: "route", Subject: conn.ID, Outcome: obs.OutcomeError, Error: reason})
}

// Stats returns a snapshot of the router's aggregate counters.
func (r *Router) Stats() Stats { return r.stats.Snapshot() }

func splitPortID(id string) (device, port string, ok bool) {
	for i := len(id) - 1; i >= 0; i-- {
		if id[i] == '/' {
			return id[:i], id[i+1:], true
		}
	}
	return "", "", false
}
