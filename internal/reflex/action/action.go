// Package action implements the reflex engine's built-in action types: tool
// (a single templated tool call) and llm (a tool-calling conversation loop
// against a language-model provider).
package action

import (
	"context"
	"encoding/json"

	"github.com/fieldmesh/reflexbridge/internal/apperr"
	"github.com/fieldmesh/reflexbridge/internal/command"
	"github.com/fieldmesh/reflexbridge/internal/llm"
	"github.com/fieldmesh/reflexbridge/internal/model"
	"github.com/fieldmesh/reflexbridge/internal/reflex/template"
)

// ToolCaller is the external tool surface an action invokes tools through;
// satisfied by *mcpsurface.Server.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (any, error)
	ToolDefinition(name string) (description string, schema map[string]any, ok bool)
}

// Context binds the event, state and trigger maps an action's templated
// arguments may reference.
type Context struct {
	Event   map[string]any
	State   map[string]any
	Trigger map[string]any
}

func (c Context) bindings() template.Bindings {
	return template.Bindings{Event: c.Event, State: c.State, Trigger: c.Trigger}
}

// Outcome is the result of running one action.
type Outcome struct {
	Output    string
	ToolCalls []model.ToolCallTrace
}

// Action executes one reflex's action against the tool surface.
type Action interface {
	Execute(ctx context.Context, tc Context, tools ToolCaller) (Outcome, error)
}

// New builds the Action named by cfg.Type for a reflex whose tools list
// restricts which tool names it may call.
func New(cfg model.ActionConfig, allowedTools []string, llmClient llm.Client) (Action, error) {
	switch cfg.Type {
	case "tool":
		name, _ := cfg.Params["tool"].(string)
		if name == "" && len(allowedTools) == 1 {
			name = allowedTools[0]
		}
		if name == "" {
			return nil, apperr.New(apperr.ConfigInvalid, "tool action requires a tool name")
		}
		args, _ := cfg.Params["arguments"].(map[string]any)
		return &Tool{ToolName: name, Arguments: args}, nil
	case "llm":
		if llmClient == nil {
			return nil, apperr.New(apperr.ConfigInvalid, "llm action requires a configured language model client")
		}
		messages, err := parseMessages(cfg.Params["messages"])
		if err != nil {
			return nil, err
		}
		modelName, _ := cfg.Params["model"].(string)
		return &LLM{Messages: messages, Model: modelName, AllowedTools: allowedTools, Client: llmClient}, nil
	case "chat", "stt":
		return nil, apperr.New(apperr.ConfigInvalid, "action type "+cfg.Type+" is not implemented")
	default:
		return nil, apperr.New(apperr.ConfigInvalid, "unknown action type "+cfg.Type)
	}
}

func parseMessages(v any) ([]llm.Message, error) {
	raw, ok := v.([]any)
	if !ok {
		return nil, apperr.New(apperr.ConfigInvalid, "llm action requires params.messages")
	}
	out := make([]llm.Message, 0, len(raw))
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		role, _ := m["role"].(string)
		content, _ := m["content"].(string)
		out = append(out, llm.Message{Role: llm.Role(role), Content: content})
	}
	return out, nil
}

// stringifyResult renders a tool call's raw result (whatever concrete type
// the tool surface returned) into the plain text ToolCallTrace.Result and
// template/LLM-feedback use.
func stringifyResult(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case command.Result:
		if val.OK {
			return val.Text
		}
		return val.Error
	case map[string]any:
		if text, ok := val["text"].(string); ok {
			return text
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
