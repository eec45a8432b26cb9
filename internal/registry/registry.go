// Package registry implements the device registry: an in-memory
// device_id → DeviceRecord map persisted to a JSON snapshot, tracking tools,
// ports, online/offline status derived from last-status age, transport of
// origin, and a per-device shared secret. Structurally this mirrors
// runtime/registry.Manager (a sync.RWMutex-guarded struct with
// telemetry.Logger/Metrics/Tracer injected via functional options, snapshot
// reads returning deep copies).
package registry

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fieldmesh/reflexbridge/internal/fsutil"
	"github.com/fieldmesh/reflexbridge/internal/model"
	"github.com/fieldmesh/reflexbridge/internal/obs"
	"github.com/fieldmesh/reflexbridge/internal/telemetry"
	"github.com/fieldmesh/reflexbridge/internal/transport"
)

const tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

type (
	// Store is the singleton device registry.
	Store struct {
		mu      sync.RWMutex
		devices map[string]*model.DeviceRecord
		sinks   map[string]transport.Sink

		snapshotPath string
		obs          *obs.Observability
		now          func() time.Time
	}

	// Option configures a Store.
	Option func(*Store)
)

// WithLogger sets the logger used for structured registry events.
func WithLogger(l telemetry.Logger) Option {
	return func(s *Store) { s.obs.Logger = l }
}

// WithMetrics sets the metrics recorder used for registry counters.
func WithMetrics(m telemetry.Metrics) Option {
	return func(s *Store) { s.obs.Metrics = m }
}

// WithTracer sets the tracer used for registry spans.
func WithTracer(t telemetry.Tracer) Option {
	return func(s *Store) { s.obs.Tracer = t }
}

// WithSnapshotPath enables persistence of the device snapshot (primarily so
// secret tokens survive a restart) to the given file path.
func WithSnapshotPath(path string) Option {
	return func(s *Store) { s.snapshotPath = path }
}

// WithClock overrides the registry's notion of "now", for deterministic
// tests of online derivation.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New constructs a device registry, loading any existing snapshot from the
// configured path.
func New(opts ...Option) *Store {
	s := &Store{
		devices: make(map[string]*model.DeviceRecord),
		sinks:   make(map[string]transport.Sink),
		obs:     obs.New(nil, nil, nil),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.snapshotPath != "" {
		_ = s.load()
	}
	return s
}

// Announce is the payload carried by an announce frame.
type Announce struct {
	Name    string                 `json:"name"`
	Version string                 `json:"version"`
	Tools   []model.ToolDescriptor `json:"tools"`
}

// Upsert records a device announce: it replaces the device's tool list
// whole-cloth, assigns a fresh secret token if none is known yet, and
// records the sink outbound replies should be routed through.
//
// It returns the resulting record and whether a new token was minted (the
// caller sends a claim frame carrying it when true).
func (s *Store) Upsert(ctx context.Context, deviceID string, a Announce, origin transport.Sink) (model.DeviceRecord, bool, error) {
	start := time.Now()
	now := s.now()

	s.mu.Lock()
	rec, existed := s.devices[deviceID]
	if !existed {
		rec = &model.DeviceRecord{DeviceID: deviceID}
	}
	rec.Name = a.Name
	rec.Version = a.Version
	rec.Tools = a.Tools
	rec.LastAnnounce = now
	rec.LastSeen = now
	rec.Protocol = origin.Transport()
	s.devices[deviceID] = rec
	s.sinks[deviceID] = origin

	minted := false
	if rec.SecretToken == "" {
		token, err := randomToken(32)
		if err != nil {
			s.mu.Unlock()
			return model.DeviceRecord{}, false, fmt.Errorf("registry: mint token: %w", err)
		}
		rec.SecretToken = token
		minted = true
	}
	out := *rec
	s.mu.Unlock()

	if minted && s.snapshotPath != "" {
		_ = s.save()
	}

	s.obs.LogEvent(ctx, obs.Event{Component: "registry", Operation: "announce", Subject: deviceID, Duration: time.Since(start), Outcome: obs.OutcomeSuccess})
	s.obs.RecordMetrics(obs.Event{Component: "registry", Operation: "announce", Outcome: obs.OutcomeSuccess, Duration: time.Since(start)})
	return out, minted, nil
}

// Status is the payload carried by a status frame.
type Status struct {
	Online  *bool  `json:"online,omitempty"`
	UptimeMs int64 `json:"uptime_ms,omitempty"`
	RSSI    *int   `json:"rssi,omitempty"`
	TS      string `json:"ts,omitempty"`
}

// UpdateStatus records a device status report, advancing LastStatus to the
// report's timestamp (or now, if ts is absent/unparseable).
func (s *Store) UpdateStatus(ctx context.Context, deviceID string, st Status) error {
	ts := s.now()
	if st.TS != "" {
		if parsed, err := time.Parse(time.RFC3339, st.TS); err == nil {
			ts = parsed
		}
	}

	s.mu.Lock()
	rec, ok := s.devices[deviceID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("registry: unknown device %q", deviceID)
	}
	rec.LastStatus = ts
	rec.LastSeen = s.now()
	s.mu.Unlock()

	s.obs.LogEvent(ctx, obs.Event{Component: "registry", Operation: "status", Subject: deviceID, Outcome: obs.OutcomeSuccess})
	return nil
}

// UpsertPorts records a device's ports/announce, replacing its outport and
// inport lists whole-cloth.
type Ports struct {
	Outports []model.PortDescriptor `json:"outports"`
	Inports  []model.PortDescriptor `json:"inports"`
}

func (s *Store) UpsertPorts(ctx context.Context, deviceID string, p Ports) error {
	s.mu.Lock()
	rec, ok := s.devices[deviceID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("registry: unknown device %q", deviceID)
	}
	for i := range p.Outports {
		p.Outports[i].Direction = model.DirectionOutport
	}
	for i := range p.Inports {
		p.Inports[i].Direction = model.DirectionInport
	}
	rec.Outports = p.Outports
	rec.Inports = p.Inports
	s.mu.Unlock()

	s.obs.LogEvent(ctx, obs.Event{Component: "registry", Operation: "ports_announce", Subject: deviceID, Outcome: obs.OutcomeSuccess})
	return nil
}

// Get returns a deep-copied snapshot of a device record, with Online
// computed against the current time.
func (s *Store) Get(deviceID string) (model.DeviceRecord, bool) {
	s.mu.RLock()
	rec, ok := s.devices[deviceID]
	var out model.DeviceRecord
	if ok {
		out = *rec
	}
	s.mu.RUnlock()
	return out, ok
}

// Tool returns the descriptor for tool on deviceID, if the device and tool
// are both known.
func (s *Store) Tool(deviceID, tool string) (model.ToolDescriptor, bool) {
	rec, ok := s.Get(deviceID)
	if !ok {
		return model.ToolDescriptor{}, false
	}
	return rec.Tool(tool)
}

// Online reports whether the device is currently considered reachable.
func (s *Store) Online(deviceID string) bool {
	rec, ok := s.Get(deviceID)
	if !ok {
		return false
	}
	return rec.Online(s.now())
}

// List returns a deep-copied snapshot of every device record. When
// onlineOnly is true, only online devices are included.
func (s *Store) List(onlineOnly bool) []model.DeviceRecord {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.DeviceRecord, 0, len(s.devices))
	for _, rec := range s.devices {
		if onlineOnly && !rec.Online(now) {
			continue
		}
		out = append(out, *rec)
	}
	return out
}

// Sink returns the transport sink outbound replies to deviceID should be
// sent through.
func (s *Store) Sink(deviceID string) (transport.Sink, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sink, ok := s.sinks[deviceID]
	return sink, ok
}

// MarkDisconnected marks every device rooted on the given sink offline and
// removes their sink registration; it returns the affected device ids so the
// caller (the protocol handler) can proactively fail pending mailboxes.
func (s *Store) MarkDisconnected(ctx context.Context, sink transport.Sink) []string {
	s.mu.Lock()
	var affected []string
	for id, dsink := range s.sinks {
		if dsink != sink {
			continue
		}
		delete(s.sinks, id)
		if rec, ok := s.devices[id]; ok {
			rec.LastStatus = time.Time{}
		}
		affected = append(affected, id)
	}
	s.mu.Unlock()

	for _, id := range affected {
		s.obs.LogEvent(ctx, obs.Event{Component: "registry", Operation: "disconnect", Subject: id, Outcome: obs.OutcomeSuccess})
	}
	return affected
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = tokenAlphabet[int(b)%len(tokenAlphabet)]
	}
	return string(out), nil
}

type snapshot struct {
	Devices map[string]*model.DeviceRecord `json:"devices"`
}

func (s *Store) save() error {
	s.mu.RLock()
	snap := snapshot{Devices: make(map[string]*model.DeviceRecord, len(s.devices))}
	for id, rec := range s.devices {
		cp := *rec
		snap.Devices[id] = &cp
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteAtomic(s.snapshotPath, data)
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.snapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rec := range snap.Devices {
		s.devices[id] = rec
	}
	return nil
}
