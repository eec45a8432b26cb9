// Package ingest drains transport.Source frames and routes each by its
// "mcp/dev/{device_id}/{leaf}" topic to the store or router that owns that
// leaf: announce and status to the registry, ports/announce and ports/data
// to the ports store and router, events to the command router, and
// disconnect notifications to the registry's MarkDisconnected, whose
// affected device ids are then proactively failed through the command
// router. A first-time announce also mints and sends a claim frame carrying
// the device's new secret token.
package ingest

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/fieldmesh/reflexbridge/internal/command"
	"github.com/fieldmesh/reflexbridge/internal/obs"
	"github.com/fieldmesh/reflexbridge/internal/ports"
	"github.com/fieldmesh/reflexbridge/internal/projection"
	"github.com/fieldmesh/reflexbridge/internal/reflex"
	"github.com/fieldmesh/reflexbridge/internal/registry"
	"github.com/fieldmesh/reflexbridge/internal/transport"
)

// Deps bundles every store the dispatcher routes frames into.
type Deps struct {
	Registry       *registry.Store
	Ports          *ports.Store
	PortRouter     *ports.Router
	Commands       *command.Router
	Reflexes       *reflex.Engine
	Projection     *projection.Store
	ProjectedTools *projection.Registry
}

// Loop drains src until ctx is cancelled, routing each frame and disconnect
// notification to the appropriate store.
type Loop struct {
	deps Deps
	obs  *obs.Observability
}

// New builds a Loop over deps.
func New(deps Deps, observability *obs.Observability) *Loop {
	if observability == nil {
		observability = obs.New(nil, nil, nil)
	}
	return &Loop{deps: deps, obs: observability}
}

// portData is the payload shape of a ports/data frame: one reading on one
// outport.
type portData struct {
	Port  string  `json:"port"`
	Value float64 `json:"value"`
}

// Run drains src until ctx.Done closes, dispatching every frame and
// disconnect notification as they arrive. It returns when src's channels
// close or ctx is cancelled.
func (l *Loop) Run(ctx context.Context, src transport.Source) {
	frames := src.Frames()
	discs := src.Disconnects()
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				frames = nil
				if discs == nil {
					return
				}
				continue
			}
			l.dispatch(ctx, f)
		case d, ok := <-discs:
			if !ok {
				discs = nil
				if frames == nil {
					return
				}
				continue
			}
			affected := l.deps.Registry.MarkDisconnected(ctx, d.Sink)
			if l.deps.Commands != nil {
				l.deps.Commands.FailDevice(affected)
			}
		}
	}
}

func (l *Loop) dispatch(ctx context.Context, f transport.Frame) {
	deviceID, leaf, ok := splitTopic(f.Topic)
	if !ok {
		l.obs.LogEvent(ctx, obs.Event{Component: "ingest", Operation: "dispatch", Outcome: obs.OutcomeError, Error: "malformed topic " + f.Topic})
		return
	}

	switch leaf {
	case "announce":
		var a registry.Announce
		if err := json.Unmarshal(f.Payload, &a); err != nil {
			l.logDecodeError(ctx, deviceID, leaf, err)
			return
		}
		dev, minted, err := l.deps.Registry.Upsert(ctx, deviceID, a, f.Origin)
		if err != nil {
			l.obs.LogEvent(ctx, obs.Event{Component: "ingest", Operation: "announce", Subject: deviceID, Outcome: obs.OutcomeError, Error: err.Error()})
			return
		}
		if minted {
			claim := map[string]any{"token": dev.SecretToken}
			if err := f.Origin.Send(ctx, transport.DeviceTopic(deviceID, "claim"), claim); err != nil {
				l.obs.LogEvent(ctx, obs.Event{Component: "ingest", Operation: "claim", Subject: deviceID, Outcome: obs.OutcomeError, Error: err.Error()})
			}
		}
		if l.deps.Projection != nil && l.deps.ProjectedTools != nil {
			l.deps.Projection.Seed(deviceID)
			l.deps.ProjectedTools.Rebuild(l.deps.Projection, dev)
		}
		if l.deps.Reflexes != nil {
			l.deps.Reflexes.Emit("device_announce", map[string]any{"device_id": deviceID})
		}

	case "status":
		var st registry.Status
		if err := json.Unmarshal(f.Payload, &st); err != nil {
			l.logDecodeError(ctx, deviceID, leaf, err)
			return
		}
		if err := l.deps.Registry.UpdateStatus(ctx, deviceID, st); err != nil {
			l.obs.LogEvent(ctx, obs.Event{Component: "ingest", Operation: "status", Subject: deviceID, Outcome: obs.OutcomeError, Error: err.Error()})
		}

	case "events":
		l.deps.Commands.Resolve(extractRequestID(f.Payload), f.Payload)

	case "ports/announce":
		var p registry.Ports
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			l.logDecodeError(ctx, deviceID, leaf, err)
			return
		}
		if err := l.deps.Registry.UpsertPorts(ctx, deviceID, p); err != nil {
			l.obs.LogEvent(ctx, obs.Event{Component: "ingest", Operation: "ports_announce", Subject: deviceID, Outcome: obs.OutcomeError, Error: err.Error()})
			return
		}
		l.deps.Ports.Upsert(deviceID, p.Outports, p.Inports)

	case "ports/data":
		var pd portData
		if err := json.Unmarshal(f.Payload, &pd); err != nil {
			l.logDecodeError(ctx, deviceID, leaf, err)
			return
		}
		l.deps.PortRouter.Route(ctx, deviceID, pd.Port, pd.Value)

	default:
		l.obs.LogEvent(ctx, obs.Event{Component: "ingest", Operation: "dispatch", Subject: deviceID, Outcome: obs.OutcomeError, Error: "unknown leaf " + leaf})
	}
}

func (l *Loop) logDecodeError(ctx context.Context, deviceID, leaf string, err error) {
	l.obs.LogEvent(ctx, obs.Event{Component: "ingest", Operation: leaf, Subject: deviceID, Outcome: obs.OutcomeError, Error: err.Error()})
}

// splitTopic parses "mcp/dev/{device_id}/{leaf}", where leaf may itself
// contain a slash (ports/announce, ports/data).
func splitTopic(topic string) (deviceID, leaf string, ok bool) {
	const prefix = "mcp/dev/"
	if !strings.HasPrefix(topic, prefix) {
		return "", "", false
	}
	rest := topic[len(prefix):]
	i := strings.IndexByte(rest, '/')
	if i < 0 {
		return "", "", false
	}
	return rest[:i], rest[i+1:], true
}

func extractRequestID(payload json.RawMessage) string {
	var probe struct {
		RequestID string `json:"request_id"`
	}
	_ = json.Unmarshal(payload, &probe)
	return probe.RequestID
}
