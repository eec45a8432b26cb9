package action

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fieldmesh/reflexbridge/internal/llm"
	"github.com/fieldmesh/reflexbridge/internal/model"
)

type fakeTools struct {
	calls []map[string]any
	names []string
	res   any
	err   error
	defs  map[string]map[string]any
}

func (f *fakeTools) CallTool(_ context.Context, name string, args map[string]any) (any, error) {
	f.names = append(f.names, name)
	f.calls = append(f.calls, args)
	if f.err != nil {
		return nil, f.err
	}
	return f.res, nil
}

func (f *fakeTools) ToolDefinition(name string) (string, map[string]any, bool) {
	if f.defs == nil {
		return "", nil, false
	}
	schema, ok := f.defs[name]
	return "desc", schema, ok
}

type fakeLLM struct {
	responses []llm.Response
	i         int
	reqs      []llm.Request
}

func (f *fakeLLM) Complete(_ context.Context, req llm.Request) (llm.Response, error) {
	f.reqs = append(f.reqs, req)
	if f.i >= len(f.responses) {
		return llm.Response{}, nil
	}
	r := f.responses[f.i]
	f.i++
	return r, nil
}

func TestToolActionTemplatesArgumentsAndRecordsTrace(t *testing.T) {
	a := &Tool{ToolName: "echo", Arguments: map[string]any{"a": "{{trigger.fired_at}}", "b": "x"}}
	tools := &fakeTools{res: map[string]any{"text": "ok"}}
	out, err := a.Execute(context.Background(), Context{Trigger: map[string]any{"fired_at": "2026-01-01T00:00:00Z"}}, tools)
	require.NoError(t, err)
	require.Equal(t, "ok", out.Output)
	require.Len(t, out.ToolCalls, 1)
	require.Equal(t, "echo", out.ToolCalls[0].Tool)
	require.Equal(t, "2026-01-01T00:00:00Z", tools.calls[0]["a"])
	require.Equal(t, "x", tools.calls[0]["b"])
}

func TestToolActionRecordsErrorTrace(t *testing.T) {
	a := &Tool{ToolName: "echo"}
	tools := &fakeTools{err: errors.New("boom")}
	out, err := a.Execute(context.Background(), Context{}, tools)
	require.Error(t, err)
	require.Len(t, out.ToolCalls, 1)
	require.Equal(t, "boom", out.ToolCalls[0].Error)
}

func TestLLMActionLoopsUntilNoToolCalls(t *testing.T) {
	client := &fakeLLM{responses: []llm.Response{
		{ToolCalls: []llm.ToolCall{{ID: "1", Name: "echo", Payload: map[string]any{"a": 1}}}},
		{Text: "done"},
	}}
	tools := &fakeTools{res: "ok", defs: map[string]map[string]any{"echo": {"type": "object"}}}
	a := &LLM{Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}}, AllowedTools: []string{"echo"}, Client: client}
	out, err := a.Execute(context.Background(), Context{}, tools)
	require.NoError(t, err)
	require.Equal(t, "done", out.Output)
	require.Len(t, out.ToolCalls, 1)
	require.Equal(t, "echo", tools.names[0])
	require.Len(t, client.reqs, 2)
	require.Len(t, client.reqs[1].ToolResults, 1)
}

func TestNewRejectsUnknownActionType(t *testing.T) {
	_, err := New(model.ActionConfig{Type: "bogus"}, nil, nil)
	require.Error(t, err)
}

func TestNewToolActionDefaultsToSoleAllowedTool(t *testing.T) {
	act, err := New(model.ActionConfig{Type: "tool"}, []string{"only_tool"}, nil)
	require.NoError(t, err)
	tool, ok := act.(*Tool)
	require.True(t, ok)
	require.Equal(t, "only_tool", tool.ToolName)
}
