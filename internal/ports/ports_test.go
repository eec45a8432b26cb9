package ports

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fieldmesh/reflexbridge/internal/model"
	"github.com/fieldmesh/reflexbridge/internal/transport"
)

func floatPtr(f float64) *float64 { return &f }

func TestApplyScenarioFromSpec(t *testing.T) {
	transform := model.Transform{
		Scale:         floatPtr(2),
		Offset:        floatPtr(1),
		Threshold:     floatPtr(5),
		ThresholdMode: model.ThresholdAbove,
	}
	require.Equal(t, 0.0, Apply(transform, 1.5)) // 1.5*2+1=4.0, not > 5
	require.Equal(t, 1.0, Apply(transform, 3.0)) // 3.0*2+1=7.0, > 5
}

func TestApplyIdentityOnEmptyTransform(t *testing.T) {
	require.Equal(t, 4.2, Apply(model.Transform{}, 4.2))
}

func TestApplyOrderIsFixed(t *testing.T) {
	// invert happens after threshold, so a passing threshold inverts to -1.
	transform := model.Transform{
		Threshold:     floatPtr(1),
		ThresholdMode: model.ThresholdAbove,
		Invert:        true,
	}
	require.Equal(t, -1.0, Apply(transform, 5.0))
	require.Equal(t, 0.0, Apply(transform, 0.0))
}

func TestApplyRangeRemap(t *testing.T) {
	transform := model.Transform{MapFrom: []float64{0, 10}, MapTo: []float64{0, 100}}
	require.Equal(t, 50.0, Apply(transform, 5))
}

func TestApplyClamp(t *testing.T) {
	transform := model.Transform{Min: floatPtr(0), Max: floatPtr(10)}
	require.Equal(t, 10.0, Apply(transform, 99))
	require.Equal(t, 0.0, Apply(transform, -5))
}

func TestMatrixConnectIdempotent(t *testing.T) {
	m := NewMatrix("")
	m.Connect("A/x", "B/y", model.Transform{}, "first")
	m.Connect("A/x", "B/y", model.Transform{}, "second")
	require.Len(t, m.Connections(), 1)
	require.Equal(t, "second", m.Connections()[0].Description)
}

func TestMatrixDisconnect(t *testing.T) {
	m := NewMatrix("")
	m.Connect("A/x", "B/y", model.Transform{}, "")
	require.True(t, m.Disconnect("A/x", "B/y"))
	require.Empty(t, m.Connections())
	require.False(t, m.Disconnect("A/x", "B/y"))
}

type fakeSink struct{ sent []map[string]any }

func (f *fakeSink) Send(_ context.Context, _ string, payload any) error {
	f.sent = append(f.sent, payload.(map[string]any))
	return nil
}
func (f *fakeSink) Transport() model.Transport { return model.TransportStream }

func TestRouterRoutesScenarioFromSpec(t *testing.T) {
	matrix := NewMatrix("")
	matrix.Connect("A/x", "B/y", model.Transform{
		Scale: floatPtr(2), Offset: floatPtr(1),
		Threshold: floatPtr(5), ThresholdMode: model.ThresholdAbove,
	}, "")

	sinkB := &fakeSink{}
	lookup := func(deviceID string) (transport.Sink, bool) {
		if deviceID == "B" {
			return sinkB, true
		}
		return nil, false
	}
	router := NewRouter(matrix, lookup)

	router.Route(context.Background(), "A", "x", 1.5)
	router.Route(context.Background(), "A", "x", 3.0)

	require.Len(t, sinkB.sent, 2)
	require.Equal(t, "y", sinkB.sent[0]["port"])
	require.Equal(t, 0.0, sinkB.sent[0]["value"])
	require.Equal(t, 1.0, sinkB.sent[1]["value"])

	stats := router.Stats()
	require.Equal(t, int64(2), stats.Sent)
	require.Equal(t, int64(0), stats.Dropped)
}

func TestRouterNoOpWhenNoEdges(t *testing.T) {
	matrix := NewMatrix("")
	router := NewRouter(matrix, func(string) (transport.Sink, bool) { return nil, false })
	router.Route(context.Background(), "A", "x", 1.0)
	require.Equal(t, int64(1), router.Stats().NoOp)
}

func TestRouterDropsOnUnavailableTransport(t *testing.T) {
	matrix := NewMatrix("")
	matrix.Connect("A/x", "B/y", model.Transform{}, "")
	router := NewRouter(matrix, func(string) (transport.Sink, bool) { return nil, false })
	router.Route(context.Background(), "A", "x", 1.0)
	require.Equal(t, int64(1), router.Stats().Dropped)
}
