package action

import (
	"context"

	"github.com/fieldmesh/reflexbridge/internal/model"
	"github.com/fieldmesh/reflexbridge/internal/reflex/template"
)

// Tool invokes a single declared tool with arguments after template
// substitution.
type Tool struct {
	ToolName  string
	Arguments map[string]any
}

// Execute implements Action.
func (t *Tool) Execute(ctx context.Context, tc Context, tools ToolCaller) (Outcome, error) {
	args, _ := template.Substitute(t.Arguments, tc.bindings()).(map[string]any)
	res, err := tools.CallTool(ctx, t.ToolName, args)
	trace := model.ToolCallTrace{Tool: t.ToolName, Args: args}
	if err != nil {
		trace.Error = err.Error()
		return Outcome{Output: "", ToolCalls: []model.ToolCallTrace{trace}}, err
	}
	trace.Result = stringifyResult(res)
	return Outcome{Output: trace.Result, ToolCalls: []model.ToolCallTrace{trace}}, nil
}
