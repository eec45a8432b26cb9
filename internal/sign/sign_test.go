package sign

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanonicalFieldOrderIsFixed(t *testing.T) {
	canonical, err := Canonical(Envelope{
		Type: "device.command", Tool: "set_led", Args: map[string]any{"on": true},
		RequestID: "abc123", Timestamp: 1700000000,
	})
	require.NoError(t, err)
	require.Equal(t, `{"type":"device.command","tool":"set_led","args":{"on":true},"request_id":"abc123","timestamp":1700000000}`, canonical)
}

func TestCanonicalIsDeterministic(t *testing.T) {
	env := Envelope{Type: "device.command", Tool: "ping", Args: map[string]any{"n": 1}, RequestID: "r1", Timestamp: 1}
	a, err := Canonical(env)
	require.NoError(t, err)
	b, err := Canonical(env)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestHMACVerifyRoundTrip(t *testing.T) {
	data := `{"type":"device.command","tool":"ping","args":{},"request_id":"r1","timestamp":1}`
	sig := HMAC("secret-token", data)
	require.True(t, Verify("secret-token", data, sig))
	require.False(t, Verify("other-token", data, sig))
	require.False(t, Verify("secret-token", data+"x", sig))
}
