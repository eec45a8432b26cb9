package template

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func bindings() Bindings {
	return Bindings{
		Event:   map[string]any{"type": "schedule_tick", "n": 3},
		State:   map[string]any{"runs": 7},
		Trigger: map[string]any{"fired_at": "2026-01-01T00:00:00Z"},
	}
}

func TestSubstituteFullMatchPreservesType(t *testing.T) {
	out := Substitute("{{event.n}}", bindings())
	require.Equal(t, 3, out)
}

func TestSubstitutePartialMatchInterpolates(t *testing.T) {
	out := Substitute("tick at {{trigger.fired_at}}", bindings())
	require.Equal(t, "tick at 2026-01-01T00:00:00Z", out)
}

func TestSubstituteUnresolvablePathLeftVerbatim(t *testing.T) {
	out := Substitute("{{event.missing}}", bindings())
	require.Equal(t, "{{event.missing}}", out)
}

func TestSubstituteRecursesIntoMapsAndSlices(t *testing.T) {
	in := map[string]any{
		"a": "{{state.runs}}",
		"b": []any{"{{event.type}}", "static"},
	}
	out := Substitute(in, bindings())
	m := out.(map[string]any)
	require.Equal(t, 7, m["a"])
	list := m["b"].([]any)
	require.Equal(t, "schedule_tick", list[0])
	require.Equal(t, "static", list[1])
}

func TestSubstituteRejectsUnknownRoot(t *testing.T) {
	out := Substitute("{{secrets.token}}", bindings())
	require.Equal(t, "{{secrets.token}}", out)
}
