package action

import (
	"context"
	"encoding/json"

	"github.com/fieldmesh/reflexbridge/internal/llm"
	"github.com/fieldmesh/reflexbridge/internal/model"
	"github.com/fieldmesh/reflexbridge/internal/reflex/template"
)

// MaxToolLoopIterations bounds the llm action's tool-calling loop so a
// misbehaving model cannot run it forever.
const MaxToolLoopIterations = 25

// LLM sends messages to a language-model provider with the reflex's tools
// exposed, processing returned tool-use blocks in order and feeding their
// results back until the model stops issuing tool calls.
type LLM struct {
	Messages     []llm.Message
	Model        string
	AllowedTools []string
	Client       llm.Client
}

// Execute implements Action.
func (a *LLM) Execute(ctx context.Context, tc Context, tools ToolCaller) (Outcome, error) {
	messages := make([]llm.Message, len(a.Messages))
	for i, m := range a.Messages {
		substituted := template.Substitute(m.Content, tc.bindings())
		if s, ok := substituted.(string); ok {
			m.Content = s
		} else if substituted != nil {
			if data, err := json.Marshal(substituted); err == nil {
				m.Content = string(data)
			}
		}
		messages[i] = m
	}

	defs := make([]llm.ToolDefinition, 0, len(a.AllowedTools))
	for _, name := range a.AllowedTools {
		desc, schema, ok := tools.ToolDefinition(name)
		if !ok {
			continue
		}
		defs = append(defs, llm.ToolDefinition{Name: name, Description: desc, InputSchema: schema})
	}

	var trace []model.ToolCallTrace
	var toolResults []llm.ToolResult
	var lastText string

	for i := 0; i < MaxToolLoopIterations; i++ {
		resp, err := a.Client.Complete(ctx, llm.Request{
			Model: a.Model, Messages: messages, Tools: defs, ToolResults: toolResults,
		})
		if err != nil {
			return Outcome{Output: lastText, ToolCalls: trace}, err
		}
		lastText = resp.Text
		if !resp.HasToolCalls() {
			break
		}

		toolResults = toolResults[:0]
		for _, call := range resp.ToolCalls {
			args, _ := call.Payload.(map[string]any)
			res, callErr := tools.CallTool(ctx, call.Name, args)
			entry := model.ToolCallTrace{Tool: call.Name, Args: call.Payload}
			tr := llm.ToolResult{ToolCallID: call.ID}
			if callErr != nil {
				entry.Error = callErr.Error()
				tr.Content = callErr.Error()
				tr.IsError = true
			} else {
				entry.Result = stringifyResult(res)
				tr.Content = entry.Result
			}
			trace = append(trace, entry)
			toolResults = append(toolResults, tr)
		}
	}

	return Outcome{Output: lastText, ToolCalls: trace}, nil
}
