// Package template implements the reflex engine's sandboxed {{expr}}
// substitution used on action arguments: expressions are restricted to
// dotted-path lookups into the event/state/trigger bindings, never
// arbitrary host operations, so a reflex rule file cannot escape its own
// context.
package template

import (
	"fmt"
	"regexp"
	"strings"
)

var exprPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_.]*)\s*\}\}`)

// Bindings are the three maps a reflex's {{expr}} segments may reference.
type Bindings struct {
	Event   map[string]any
	State   map[string]any
	Trigger map[string]any
}

// Substitute walks v (recursing into maps and slices) and evaluates every
// {{expr}} segment found in its strings. A string that is a single
// full-match expression preserves the resolved value's type; a string with
// a partial match, or more than one match, is string-interpolated instead.
func Substitute(v any, b Bindings) any {
	switch val := v.(type) {
	case string:
		return substituteString(val, b)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, vv := range val {
			out[k] = Substitute(vv, b)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, vv := range val {
			out[i] = Substitute(vv, b)
		}
		return out
	default:
		return v
	}
}

func substituteString(s string, b Bindings) any {
	matches := exprPattern.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		path := s[matches[0][2]:matches[0][3]]
		if resolved, ok := resolve(path, b); ok {
			return resolved
		}
		return s
	}
	return exprPattern.ReplaceAllStringFunc(s, func(m string) string {
		sub := exprPattern.FindStringSubmatch(m)
		resolved, ok := resolve(sub[1], b)
		if !ok {
			return m
		}
		return fmt.Sprint(resolved)
	})
}

// resolve looks up a dotted path rooted at "event", "state" or "trigger" in
// the bound maps. Traversal never leaves those three maps: an unresolvable
// path (missing key, non-map intermediate, unknown root) simply reports
// not-found rather than falling back to anything else.
func resolve(path string, b Bindings) (any, bool) {
	parts := strings.Split(path, ".")
	var root map[string]any
	switch parts[0] {
	case "event":
		root = b.Event
	case "state":
		root = b.State
	case "trigger":
		root = b.Trigger
	default:
		return nil, false
	}
	var cur any = root
	for _, p := range parts[1:] {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[p]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}
