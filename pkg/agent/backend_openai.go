package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/harun/lunar/pkg/session"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

var openAIBaseURLs = map[string]string{
	ProviderGroq:   "https://api.groq.com/openai/v1/",
	ProviderGoogle: "https://generativelanguage.googleapis.com/v1beta/openai/",
}

// OpenAIBackend talks to the OpenAI chat completions API and to providers
// exposing a compatible endpoint.
type OpenAIBackend struct {
	client   openai.Client
	provider string
	model    string
}

// NewOpenAIBackend creates a backend for provider (openai, groq or google).
func NewOpenAIBackend(provider, apiKey, model string, opts ...option.RequestOption) *OpenAIBackend {
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}
	if base, ok := openAIBaseURLs[provider]; ok {
		reqOpts = append(reqOpts, option.WithBaseURL(base))
	}
	reqOpts = append(reqOpts, opts...)

	return &OpenAIBackend{
		client:   openai.NewClient(reqOpts...),
		provider: provider,
		model:    model,
	}
}

func (b *OpenAIBackend) Name() string {
	return b.provider
}

func (b *OpenAIBackend) params(req Request) openai.ChatCompletionNewParams {
	model := req.Model
	if model == "" {
		model = b.model
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: toOpenAIMessages(req.Messages),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	if len(req.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, openai.ChatCompletionToolParam{
				Function: openai.FunctionDefinitionParam{
					Name:        t.Name,
					Description: openai.String(t.Description),
					Parameters:  openai.FunctionParameters(t.Parameters),
				},
			})
		}
		params.Tools = tools
	}
	return params
}

func toOpenAIMessages(messages []session.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case session.RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case session.RoleUser:
			out = append(out, openai.UserMessage(msg.Content))
		case session.RoleAssistant:
			if len(msg.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(msg.Content))
				continue
			}
			calls := make([]openai.ChatCompletionMessageToolCall, 0, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				calls = append(calls, openai.ChatCompletionMessageToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunction{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
			assistant := openai.ChatCompletionMessage{
				Role:      "assistant",
				Content:   msg.Content,
				ToolCalls: calls,
			}
			out = append(out, assistant.ToParam())
		case session.RoleTool:
			out = append(out, openai.ToolMessage(msg.Content, msg.ToolCallID))
		}
	}
	return out
}

// Generate makes a single chat completion call.
func (b *OpenAIBackend) Generate(ctx context.Context, req Request) (session.Message, error) {
	resp, err := b.client.Chat.Completions.New(ctx, b.params(req))
	if err != nil {
		return session.Message{}, err
	}
	if len(resp.Choices) == 0 {
		return session.Message{}, fmt.Errorf("no response choices returned")
	}

	msg := resp.Choices[0].Message
	calls := make([]session.ToolCall, 0, len(msg.ToolCalls))
	for _, tc := range msg.ToolCalls {
		calls = append(calls, session.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return session.Assistant(msg.Content, calls...), nil
}

type partialCall struct {
	id   string
	name string
	args strings.Builder
}

// Stream makes a streaming chat completion call, forwarding text deltas.
func (b *OpenAIBackend) Stream(ctx context.Context, req Request, onDelta func(string)) (session.Message, error) {
	stream := b.client.Chat.Completions.NewStreaming(ctx, b.params(req))
	defer stream.Close()

	var text strings.Builder
	calls := map[int64]*partialCall{}

	for stream.Next() {
		chunk := stream.Current()
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				text.WriteString(choice.Delta.Content)
				if onDelta != nil {
					onDelta(choice.Delta.Content)
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				pc, ok := calls[tc.Index]
				if !ok {
					pc = &partialCall{}
					calls[tc.Index] = pc
				}
				if tc.ID != "" {
					pc.id = tc.ID
				}
				if tc.Function.Name != "" {
					pc.name = tc.Function.Name
				}
				pc.args.WriteString(tc.Function.Arguments)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return session.Message{}, err
	}

	indexes := make([]int64, 0, len(calls))
	for i := range calls {
		indexes = append(indexes, i)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })

	toolCalls := make([]session.ToolCall, 0, len(calls))
	for _, i := range indexes {
		pc := calls[i]
		toolCalls = append(toolCalls, session.ToolCall{ID: pc.id, Name: pc.name, Arguments: pc.args.String()})
	}
	return session.Assistant(text.String(), toolCalls...), nil
}
