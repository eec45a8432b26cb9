package ingest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fieldmesh/reflexbridge/internal/apperr"
	"github.com/fieldmesh/reflexbridge/internal/command"
	"github.com/fieldmesh/reflexbridge/internal/model"
	"github.com/fieldmesh/reflexbridge/internal/ports"
	"github.com/fieldmesh/reflexbridge/internal/registry"
	"github.com/fieldmesh/reflexbridge/internal/transport"
)

type fakeSink struct {
	transport model.Transport
	sent      chan sentFrame
}

type sentFrame struct {
	topic   string
	payload any
}

func newFakeSink() *fakeSink {
	return &fakeSink{transport: model.TransportStream, sent: make(chan sentFrame, 8)}
}

func (f *fakeSink) Send(_ context.Context, topic string, payload any) error {
	if f.sent != nil {
		f.sent <- sentFrame{topic: topic, payload: payload}
	}
	return nil
}
func (f *fakeSink) Transport() model.Transport { return f.transport }

type fakeSource struct {
	frames chan transport.Frame
	discs  chan transport.Disconnect
}

func newFakeSource() *fakeSource {
	return &fakeSource{frames: make(chan transport.Frame, 8), discs: make(chan transport.Disconnect, 8)}
}

func (s *fakeSource) Frames() <-chan transport.Frame           { return s.frames }
func (s *fakeSource) Disconnects() <-chan transport.Disconnect { return s.discs }

func frame(topic string, payload any) transport.Frame {
	data, _ := json.Marshal(payload)
	return transport.Frame{Topic: topic, Payload: data, Origin: &fakeSink{transport: model.TransportStream}}
}

func TestLoopRoutesAnnounceToRegistry(t *testing.T) {
	reg := registry.New()
	deps := Deps{Registry: reg, Ports: ports.NewStore(), PortRouter: ports.NewRouter(ports.NewMatrix(""), func(string) (transport.Sink, bool) { return nil, false })}
	loop := New(deps, nil)

	src := newFakeSource()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { loop.Run(ctx, src); close(done) }()

	src.frames <- frame("mcp/dev/dev1/announce", registry.Announce{Name: "widget", Version: "1.0"})
	require.Eventually(t, func() bool {
		_, ok := reg.Get("dev1")
		return ok
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestLoopRoutesPortsDataToRouter(t *testing.T) {
	reg := registry.New()
	matrix := ports.NewMatrix("")
	matrix.Connect("dev1/out1", "dev2/in1", model.Transform{}, "")
	sent := make(chan transport.Sink, 1)
	router := ports.NewRouter(matrix, func(string) (transport.Sink, bool) {
		sink := &fakeSink{transport: model.TransportStream}
		sent <- sink
		return sink, true
	})
	deps := Deps{Registry: reg, Ports: ports.NewStore(), PortRouter: router}
	loop := New(deps, nil)

	src := newFakeSource()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { loop.Run(ctx, src); close(done) }()

	src.frames <- frame("mcp/dev/dev1/ports/data", map[string]any{"port": "out1", "value": 1.5})
	require.Eventually(t, func() bool {
		return router.Stats().Sent == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestLoopRoutesEventsToCommandRouter(t *testing.T) {
	reg := registry.New()
	cmdRouter := command.New(reg)
	deps := Deps{Registry: reg, Ports: ports.NewStore(), PortRouter: ports.NewRouter(ports.NewMatrix(""), func(string) (transport.Sink, bool) { return nil, false }), Commands: cmdRouter}
	loop := New(deps, nil)

	src := newFakeSource()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { loop.Run(ctx, src); close(done) }()

	src.frames <- frame("mcp/dev/dev1/events", map[string]any{"request_id": "abc", "result": map[string]any{"text": "ok"}})
	require.Eventually(t, func() bool {
		_, ok := cmdRouter.Asset("abc")
		return ok
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestLoopUnwindsOnDisconnect(t *testing.T) {
	reg := registry.New()
	deps := Deps{Registry: reg, Ports: ports.NewStore(), PortRouter: ports.NewRouter(ports.NewMatrix(""), func(string) (transport.Sink, bool) { return nil, false })}
	loop := New(deps, nil)

	src := newFakeSource()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { loop.Run(ctx, src); close(done) }()

	src.discs <- transport.Disconnect{Sink: &fakeSink{transport: model.TransportStream}}
	time.Sleep(20 * time.Millisecond)

	select {
	case <-done:
		t.Fatal("loop exited early")
	default:
	}
}

func TestLoopSendsClaimOnFirstAnnounce(t *testing.T) {
	reg := registry.New()
	deps := Deps{Registry: reg, Ports: ports.NewStore(), PortRouter: ports.NewRouter(ports.NewMatrix(""), func(string) (transport.Sink, bool) { return nil, false })}
	loop := New(deps, nil)

	sink := newFakeSink()
	src := newFakeSource()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { loop.Run(ctx, src); close(done) }()

	data, _ := json.Marshal(registry.Announce{Name: "widget", Version: "1.0"})
	src.frames <- transport.Frame{Topic: "mcp/dev/dev1/announce", Payload: data, Origin: sink}

	claim := <-sink.sent
	require.Equal(t, "mcp/dev/dev1/claim", claim.topic)
	body, ok := claim.payload.(map[string]any)
	require.True(t, ok)
	dev, _ := reg.Get("dev1")
	require.Equal(t, dev.SecretToken, body["token"])
	require.NotEmpty(t, body["token"])

	cancel()
	<-done
}

func TestLoopFailsPendingMailboxesOnDisconnect(t *testing.T) {
	reg := registry.New()
	sink := newFakeSink()
	_, _, err := reg.Upsert(context.Background(), "dev1", registry.Announce{
		Name: "widget", Version: "1.0",
		Tools: []model.ToolDescriptor{{Name: "ping"}},
	}, sink)
	require.NoError(t, err)
	require.NoError(t, reg.UpdateStatus(context.Background(), "dev1", registry.Status{TS: time.Now().Format(time.RFC3339)}))

	cmdRouter := command.New(reg, command.WithTimeout(time.Second))
	deps := Deps{Registry: reg, Ports: ports.NewStore(), PortRouter: ports.NewRouter(ports.NewMatrix(""), func(string) (transport.Sink, bool) { return nil, false }), Commands: cmdRouter}
	loop := New(deps, nil)

	src := newFakeSource()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { loop.Run(ctx, src); close(done) }()

	invokeDone := make(chan error, 1)
	go func() {
		_, err := cmdRouter.Invoke(context.Background(), "dev1", "ping", nil)
		invokeDone <- err
	}()
	<-sink.sent // wait for the command to be dispatched before disconnecting

	src.discs <- transport.Disconnect{Sink: sink}

	err = <-invokeDone
	require.Error(t, err)
	require.Equal(t, apperr.SendFailed, apperr.CodeOf(err))

	cancel()
	<-done
}
