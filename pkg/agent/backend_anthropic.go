package agent

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/harun/lunar/pkg/session"
)

const defaultAnthropicMaxTokens = 4096

// AnthropicBackend talks to the Anthropic messages API.
type AnthropicBackend struct {
	client anthropic.Client
	model  string
}

func NewAnthropicBackend(apiKey, model string, opts ...option.RequestOption) *AnthropicBackend {
	reqOpts := append([]option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}, opts...)
	return &AnthropicBackend{
		client: anthropic.NewClient(reqOpts...),
		model:  model,
	}
}

func (b *AnthropicBackend) Name() string {
	return ProviderAnthropic
}

func (b *AnthropicBackend) params(req Request) anthropic.MessageNewParams {
	model := req.Model
	if model == "" {
		model = b.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	system, messages := toAnthropicMessages(req.Messages)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	if len(req.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(req.Tools))
		for _, t := range req.Tools {
			tool := anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: t.Parameters["properties"],
				},
			}
			if required, ok := t.Parameters["required"].([]interface{}); ok {
				for _, r := range required {
					if s, ok := r.(string); ok {
						tool.InputSchema.Required = append(tool.InputSchema.Required, s)
					}
				}
			}
			tools = append(tools, anthropic.ToolUnionParam{OfTool: &tool})
		}
		params.Tools = tools
	}
	return params
}

// toAnthropicMessages splits out the system prompt and groups consecutive
// tool results into a single user turn.
func toAnthropicMessages(messages []session.Message) (string, []anthropic.MessageParam) {
	var system string
	out := make([]anthropic.MessageParam, 0, len(messages))
	var pendingResults []anthropic.ContentBlockParamUnion

	flush := func() {
		if len(pendingResults) > 0 {
			out = append(out, anthropic.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
	}

	for _, msg := range messages {
		switch msg.Role {
		case session.RoleSystem:
			system = msg.Content
		case session.RoleTool:
			pendingResults = append(pendingResults, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
		case session.RoleUser:
			flush()
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		case session.RoleAssistant:
			flush()
			blocks := []anthropic.ContentBlockParamUnion{}
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, toolInput(tc.Arguments), tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: blocks,
			})
		}
	}
	flush()
	return system, out
}

// toolInput returns the model's arguments as JSON, falling back to an empty
// object when they were malformed.
func toolInput(arguments string) json.RawMessage {
	if json.Valid([]byte(arguments)) && strings.HasPrefix(strings.TrimSpace(arguments), "{") {
		return json.RawMessage(arguments)
	}
	return json.RawMessage("{}")
}

// Generate makes a single messages call.
func (b *AnthropicBackend) Generate(ctx context.Context, req Request) (session.Message, error) {
	resp, err := b.client.Messages.New(ctx, b.params(req))
	if err != nil {
		return session.Message{}, err
	}

	var text strings.Builder
	var calls []session.ToolCall
	for _, block := range resp.Content {
		switch v := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(v.Text)
		case anthropic.ToolUseBlock:
			calls = append(calls, session.ToolCall{
				ID:        v.ID,
				Name:      v.Name,
				Arguments: v.JSON.Input.Raw(),
			})
		}
	}
	return session.Assistant(text.String(), calls...), nil
}

// Stream makes a streaming messages call, forwarding text deltas.
func (b *AnthropicBackend) Stream(ctx context.Context, req Request, onDelta func(string)) (session.Message, error) {
	stream := b.client.Messages.NewStreaming(ctx, b.params(req))
	defer stream.Close()

	var text strings.Builder
	calls := map[int64]*partialCall{}
	var order []int64

	for stream.Next() {
		switch ev := stream.Current().AsAny().(type) {
		case anthropic.ContentBlockStartEvent:
			if ev.ContentBlock.Type == "tool_use" {
				calls[ev.Index] = &partialCall{id: ev.ContentBlock.ID, name: ev.ContentBlock.Name}
				order = append(order, ev.Index)
			}
		case anthropic.ContentBlockDeltaEvent:
			switch ev.Delta.Type {
			case "text_delta":
				text.WriteString(ev.Delta.Text)
				if onDelta != nil && ev.Delta.Text != "" {
					onDelta(ev.Delta.Text)
				}
			case "input_json_delta":
				if pc, ok := calls[ev.Index]; ok {
					pc.args.WriteString(ev.Delta.PartialJSON)
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return session.Message{}, err
	}

	toolCalls := make([]session.ToolCall, 0, len(order))
	for _, i := range order {
		pc := calls[i]
		args := pc.args.String()
		if args == "" {
			args = "{}"
		}
		toolCalls = append(toolCalls, session.ToolCall{ID: pc.id, Name: pc.name, Arguments: args})
	}
	return session.Assistant(text.String(), toolCalls...), nil
}
