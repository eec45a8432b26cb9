package command

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fieldmesh/reflexbridge/internal/apperr"
	"github.com/fieldmesh/reflexbridge/internal/model"
	"github.com/fieldmesh/reflexbridge/internal/registry"
	"github.com/fieldmesh/reflexbridge/internal/transport"
)

var errSendBoom = errors.New("write: broken pipe")

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
	f.sent <- sentFrame{topic: topic, payload: payload}
	return nil
}

func (f *fakeSink) Transport() model.Transport { return f.transport }

type failingSink struct{ transport model.Transport }

func (f *failingSink) Send(context.Context, string, any) error { return errSendBoom }
func (f *failingSink) Transport() model.Transport               { return f.transport }

func newRegistryWithDevice(t *testing.T, deviceID string, announce registry.Announce, origin transport.Sink) *registry.Store {
	t.Helper()
	reg := registry.New(registry.WithClock(time.Now))
	_, _, err := reg.Upsert(context.Background(), deviceID, announce, origin)
	require.NoError(t, err)
	require.NoError(t, reg.UpdateStatus(context.Background(), deviceID, registry.Status{TS: time.Now().Format(time.RFC3339)}))
	return reg
}

func TestInvokeRoundTrip(t *testing.T) {
	sink := newFakeSink()
	reg := newRegistryWithDevice(t, "dev-1", registry.Announce{
		Name: "sensor", Version: "1.0",
		Tools: []model.ToolDescriptor{{Name: "ping"}},
	}, sink)

	router := New(reg, WithTimeout(time.Second))

	done := make(chan struct{})
	var result Result
	var invokeErr error
	go func() {
		result, invokeErr = router.Invoke(context.Background(), "dev-1", "ping", map[string]any{"n": 1})
		close(done)
	}()

	frame := <-sink.sent
	require.Equal(t, "mcp/dev/dev-1/cmd", frame.topic)
	body, ok := frame.payload.(map[string]any)
	require.True(t, ok)
	// dev-1 was minted a secret token on announce, so the command is signed:
	// the wire body carries {data: canonical_json, signature}.
	canonical, ok := body["data"].(string)
	require.True(t, ok)
	require.NotEmpty(t, body["signature"])
	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(canonical), &decoded))
	reqID, ok := decoded["request_id"].(string)
	require.True(t, ok)
	require.NotEmpty(t, reqID)

	payload, err := json.Marshal(map[string]any{"result": map[string]any{"text": "pong"}})
	require.NoError(t, err)
	router.Resolve(reqID, payload)

	<-done
	require.NoError(t, invokeErr)
	require.True(t, result.OK)
	require.Equal(t, "pong", result.Text)

	cached, ok := router.Asset(reqID)
	require.True(t, ok)
	require.Equal(t, "pong", cached.Text)
}

func TestInvokeUnknownDevice(t *testing.T) {
	reg := registry.New()
	router := New(reg)
	_, err := router.Invoke(context.Background(), "ghost", "ping", nil)
	require.Error(t, err)
	require.Equal(t, apperr.UnknownDevice, apperr.CodeOf(err))
}

func TestInvokeUnknownTool(t *testing.T) {
	sink := newFakeSink()
	reg := newRegistryWithDevice(t, "dev-1", registry.Announce{Name: "sensor", Version: "1.0"}, sink)
	router := New(reg)
	_, err := router.Invoke(context.Background(), "dev-1", "nope", nil)
	require.Error(t, err)
	require.Equal(t, apperr.UnknownTool, apperr.CodeOf(err))
}

func TestInvokeTimeout(t *testing.T) {
	sink := newFakeSink()
	reg := newRegistryWithDevice(t, "dev-1", registry.Announce{
		Name: "sensor", Version: "1.0",
		Tools: []model.ToolDescriptor{{Name: "ping"}},
	}, sink)
	router := New(reg, WithTimeout(10*time.Millisecond))

	_, err := router.Invoke(context.Background(), "dev-1", "ping", nil)
	require.Error(t, err)
	require.Equal(t, apperr.Timeout, apperr.CodeOf(err))
}

func TestNormalizeArgsThreeShapes(t *testing.T) {
	require.Equal(t, map[string]any{"a": "1"}, NormalizeArgs(map[string]any{"a": "1"}))
	require.Equal(t, map[string]any{"k1": "v1", "k2": "v2"}, NormalizeArgs("k1=v1,k2=v2"))
	require.Equal(t, map[string]any{"k1": "v1", "k2": "v2"}, NormalizeArgs("k1=v1&k2=v2"))
	require.Equal(t, map[string]any{"a": 1}, NormalizeArgs(map[string]any{"kwargs": map[string]any{"a": 1}}))
	require.Equal(t, map[string]any{}, NormalizeArgs(nil))
}

func TestInvokeSendFailed(t *testing.T) {
	sink := &failingSink{transport: model.TransportStream}
	reg := newRegistryWithDevice(t, "dev-1", registry.Announce{
		Name: "sensor", Version: "1.0",
		Tools: []model.ToolDescriptor{{Name: "ping"}},
	}, sink)
	router := New(reg)

	_, err := router.Invoke(context.Background(), "dev-1", "ping", nil)
	require.Error(t, err)
	require.Equal(t, apperr.SendFailed, apperr.CodeOf(err))
}

func TestFailDeviceResolvesPendingMailboxes(t *testing.T) {
	sink := newFakeSink()
	reg := newRegistryWithDevice(t, "dev-1", registry.Announce{
		Name: "sensor", Version: "1.0",
		Tools: []model.ToolDescriptor{{Name: "ping"}},
	}, sink)
	router := New(reg, WithTimeout(time.Second))

	done := make(chan error, 1)
	go func() {
		_, err := router.Invoke(context.Background(), "dev-1", "ping", nil)
		done <- err
	}()
	<-sink.sent

	router.FailDevice([]string{"dev-1"})

	err := <-done
	require.Error(t, err)
	require.Equal(t, apperr.SendFailed, apperr.CodeOf(err))
}
