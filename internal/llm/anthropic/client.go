// Package anthropic implements llm.Client on top of the Anthropic Claude
// Messages API, adapted from the teacher's Anthropic adapter down to the
// reflex engine's simpler text+tool-call needs.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/fieldmesh/reflexbridge/internal/llm"
)

// MessagesClient captures the subset of the Anthropic SDK client used by the
// adapter. It is satisfied by *sdk.MessageService so callers can pass either
// a real client or a mock in tests.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Options configures the Anthropic adapter.
type Options struct {
	DefaultModel string
	MaxTokens    int
	Temperature  float64
}

// Client implements llm.Client on top of Anthropic Claude Messages.
type Client struct {
	msg          MessagesClient
	defaultModel string
	maxTokens    int
	temperature  float64
}

// New builds an Anthropic-backed client from an existing Messages client.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("anthropic: default model is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Client{msg: msg, defaultModel: opts.DefaultModel, maxTokens: maxTokens, temperature: opts.Temperature}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP client,
// reading ANTHROPIC_API_KEY from the environment.
func NewFromAPIKey(apiKey string, opts Options) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, opts)
}

// Complete issues a Messages.New request and translates the response.
func (c *Client) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	if len(req.Messages) == 0 {
		return llm.Response{}, errors.New("anthropic: at least one message is required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	msgs, err := encodeMessages(req.Messages, req.ToolResults)
	if err != nil {
		return llm.Response{}, err
	}
	tools, err := encodeTools(req.Tools)
	if err != nil {
		return llm.Response{}, err
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(modelID),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if len(tools) > 0 {
		params.Tools = tools
	}
	temp := req.Temperature
	if temp == 0 {
		temp = c.temperature
	}
	if temp > 0 {
		params.Temperature = sdk.Float(temp)
	}

	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return llm.Response{}, fmt.Errorf("anthropic: messages.new: %w", err)
	}
	return translateResponse(msg), nil
}

func encodeMessages(msgs []llm.Message, results []llm.ToolResult) ([]sdk.MessageParam, error) {
	out := make([]sdk.MessageParam, 0, len(msgs)+1)
	for _, m := range msgs {
		block := sdk.NewTextBlock(m.Content)
		switch m.Role {
		case llm.RoleUser:
			out = append(out, sdk.NewUserMessage(block))
		case llm.RoleAssistant:
			out = append(out, sdk.NewAssistantMessage(block))
		default:
			return nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(results) > 0 {
		blocks := make([]sdk.ContentBlockParamUnion, 0, len(results))
		for _, r := range results {
			blocks = append(blocks, sdk.NewToolResultBlock(r.ToolCallID, r.Content, r.IsError))
		}
		out = append(out, sdk.NewUserMessage(blocks...))
	}
	if len(out) == 0 {
		return nil, errors.New("anthropic: no messages to send")
	}
	return out, nil
}

func encodeTools(defs []llm.ToolDefinition) ([]sdk.ToolUnionParam, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		schema, err := toolInputSchema(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("anthropic: tool %q schema: %w", def.Name, err)
		}
		u := sdk.ToolUnionParamOfTool(schema, def.Name)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, u)
	}
	return out, nil
}

func toolInputSchema(schema map[string]any) (sdk.ToolInputSchemaParam, error) {
	if schema == nil {
		return sdk.ToolInputSchemaParam{}, nil
	}
	if _, err := json.Marshal(schema); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: schema}, nil
}

func translateResponse(msg *sdk.Message) llm.Response {
	resp := llm.Response{StopReason: string(msg.StopReason)}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Text += block.Text
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, llm.ToolCall{
				ID:      block.ID,
				Name:    block.Name,
				Payload: block.Input,
			})
		}
	}
	resp.Usage = llm.TokenUsage{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
		TotalTokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
	}
	return resp
}
