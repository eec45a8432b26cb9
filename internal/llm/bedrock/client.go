// Package bedrock implements llm.Client on top of the AWS Bedrock Converse
// API, simplified from the teacher's Bedrock adapter down to the reflex
// engine's text+tool-call needs.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/fieldmesh/reflexbridge/internal/llm"
)

// RuntimeClient mirrors the subset of the AWS Bedrock runtime client
// required by the adapter. It matches *bedrockruntime.Client so callers can
// pass either the real client or a mock in tests.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Options configures the Bedrock adapter.
type Options struct {
	Runtime      RuntimeClient
	DefaultModel string
	MaxTokens    int
	Temperature  float32
}

// Client implements llm.Client on top of AWS Bedrock Converse.
type Client struct {
	runtime      RuntimeClient
	defaultModel string
	maxTokens    int
	temperature  float32
}

// New builds a Bedrock-backed client from the given runtime client.
func New(opts Options) (*Client, error) {
	if opts.Runtime == nil {
		return nil, errors.New("bedrock: runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("bedrock: default model is required")
	}
	return &Client{runtime: opts.Runtime, defaultModel: opts.DefaultModel, maxTokens: opts.MaxTokens, temperature: opts.Temperature}, nil
}

// Complete issues a Converse request and translates the response.
func (c *Client) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	if len(req.Messages) == 0 {
		return llm.Response{}, errors.New("bedrock: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	messages, err := encodeMessages(req.Messages, req.ToolResults)
	if err != nil {
		return llm.Response{}, err
	}
	toolConfig, err := encodeTools(req.Tools)
	if err != nil {
		return llm.Response{}, err
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(modelID),
		Messages: messages,
	}
	if toolConfig != nil {
		input.ToolConfig = toolConfig
	}
	if cfg := c.inferenceConfig(req.MaxTokens, req.Temperature); cfg != nil {
		input.InferenceConfig = cfg
	}

	output, err := c.runtime.Converse(ctx, input)
	if err != nil {
		return llm.Response{}, fmt.Errorf("bedrock: converse: %w", err)
	}
	return translateResponse(output)
}

func (c *Client) inferenceConfig(maxTokens int, temperature float64) *brtypes.InferenceConfiguration {
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	temp := float32(temperature)
	if temp == 0 {
		temp = c.temperature
	}
	if maxTokens <= 0 && temp == 0 {
		return nil
	}
	cfg := &brtypes.InferenceConfiguration{}
	if maxTokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(maxTokens))
	}
	if temp > 0 {
		cfg.Temperature = aws.Float32(temp)
	}
	return cfg
}

func encodeMessages(msgs []llm.Message, results []llm.ToolResult) ([]brtypes.Message, error) {
	out := make([]brtypes.Message, 0, len(msgs)+1)
	for _, m := range msgs {
		var role brtypes.ConversationRole
		switch m.Role {
		case llm.RoleUser:
			role = brtypes.ConversationRoleUser
		case llm.RoleAssistant:
			role = brtypes.ConversationRoleAssistant
		default:
			return nil, fmt.Errorf("bedrock: unsupported message role %q", m.Role)
		}
		out = append(out, brtypes.Message{
			Role:    role,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
		})
	}
	if len(results) > 0 {
		blocks := make([]brtypes.ContentBlock, 0, len(results))
		for _, r := range results {
			blocks = append(blocks, &brtypes.ContentBlockMemberToolResult{
				Value: brtypes.ToolResultBlock{
					ToolUseId: aws.String(r.ToolCallID),
					Content:   []brtypes.ToolResultContentBlock{&brtypes.ToolResultContentBlockMemberText{Value: r.Content}},
					Status:    toolResultStatus(r.IsError),
				},
			})
		}
		out = append(out, brtypes.Message{Role: brtypes.ConversationRoleUser, Content: blocks})
	}
	if len(out) == 0 {
		return nil, errors.New("bedrock: no messages to send")
	}
	return out, nil
}

func toolResultStatus(isError bool) brtypes.ToolResultStatus {
	if isError {
		return brtypes.ToolResultStatusError
	}
	return brtypes.ToolResultStatusSuccess
}

func encodeTools(defs []llm.ToolDefinition) (*brtypes.ToolConfiguration, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	tools := make([]brtypes.Tool, 0, len(defs))
	for _, def := range defs {
		data, err := json.Marshal(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("bedrock: marshal tool %s schema: %w", def.Name, err)
		}
		var schemaDoc map[string]any
		if err := json.Unmarshal(data, &schemaDoc); err != nil {
			return nil, err
		}
		tools = append(tools, &brtypes.ToolMemberToolSpec{
			Value: brtypes.ToolSpecification{
				Name:        aws.String(def.Name),
				Description: aws.String(def.Description),
				InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schemaDoc)},
			},
		})
	}
	return &brtypes.ToolConfiguration{Tools: tools}, nil
}

func translateResponse(output *bedrockruntime.ConverseOutput) (llm.Response, error) {
	if output == nil {
		return llm.Response{}, errors.New("bedrock: response is nil")
	}
	resp := llm.Response{StopReason: string(output.StopReason)}
	if msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			switch v := block.(type) {
			case *brtypes.ContentBlockMemberText:
				resp.Text += v.Value
			case *brtypes.ContentBlockMemberToolUse:
				var name, id string
				if v.Value.Name != nil {
					name = *v.Value.Name
				}
				if v.Value.ToolUseId != nil {
					id = *v.Value.ToolUseId
				}
				resp.ToolCalls = append(resp.ToolCalls, llm.ToolCall{
					ID:      id,
					Name:    name,
					Payload: decodeDocument(v.Value.Input),
				})
			}
		}
	}
	if usage := output.Usage; usage != nil {
		resp.Usage = llm.TokenUsage{
			InputTokens:  int(ptrValue(usage.InputTokens)),
			OutputTokens: int(ptrValue(usage.OutputTokens)),
			TotalTokens:  int(ptrValue(usage.TotalTokens)),
		}
	}
	return resp, nil
}

func decodeDocument(doc document.Interface) any {
	if doc == nil {
		return nil
	}
	var v any
	if err := doc.UnmarshalSmithyDocument(&v); err != nil {
		return nil
	}
	return v
}

func ptrValue(p *int32) int32 {
	if p == nil {
		return 0
	}
	return *p
}
