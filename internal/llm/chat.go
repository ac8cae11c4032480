package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

// ChatAPI is the part of the go-openai client the chat kind uses.
type ChatAPI interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

var _ ChatAPI = (*openai.Client)(nil)

// ErrToolLoop is returned when a model keeps requesting tools past the round limit.
var ErrToolLoop = errors.New("tool-calling rounds exhausted")

const defaultMaxToolRounds = 8

// ToolSpec describes a function the model may call.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// ToolCaller executes the functions a model requests.
type ToolCaller interface {
	Specs() []ToolSpec
	Call(ctx context.Context, name string, args map[string]any) (string, error)
}

// ChatClient runs agents on chat completions. Threads are local: the full history is
// sent on every call.
type ChatClient struct {
	api           ChatAPI
	maxToolRounds int
}

// NewChatClient wraps a chat completions client.
func NewChatClient(api ChatAPI) *ChatClient {
	return &ChatClient{api: api, maxToolRounds: defaultMaxToolRounds}
}

// Run sends the instructions and history and returns the model's answer. With a non-nil
// tools, function calls requested by the model are executed and fed back until the model
// answers in text. A failing tool call is reported to the model rather than aborting.
func (c *ChatClient) Run(ctx context.Context, instructions string, history []Message, p Params, tools ToolCaller) (*Reply, error) {
	const op = "llm.ChatClient.Run"

	msgs := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	if instructions != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: instructions})
	}
	for _, m := range history {
		role := openai.ChatMessageRoleUser
		if m.Role == RoleAgent {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}

	req := openai.ChatCompletionRequest{
		Model:               p.Model,
		Temperature:         p.Temperature,
		TopP:                p.TopP,
		MaxCompletionTokens: p.MaxCompletionTokens,
	}
	if tools != nil {
		for _, spec := range tools.Specs() {
			req.Tools = append(req.Tools, openai.Tool{
				Type: openai.ToolTypeFunction,
				Function: &openai.FunctionDefinition{
					Name:        spec.Name,
					Description: spec.Description,
					Parameters:  parameters(spec.Parameters),
				},
			})
		}
		if len(req.Tools) > 0 {
			req.ParallelToolCalls = p.ParallelToolCalls
		}
	}

	reply := &Reply{}
	for round := 0; round < c.maxToolRounds; round++ {
		req.Messages = msgs
		resp, err := c.api.CreateChatCompletion(ctx, req)
		if err != nil {
			return nil, upstreamError(op, err)
		}
		reply.Usage.PromptTokens += resp.Usage.PromptTokens
		reply.Usage.CompletionTokens += resp.Usage.CompletionTokens

		if len(resp.Choices) == 0 {
			return nil, upstreamError(op, errors.New("no choices in response"))
		}
		msg := resp.Choices[0].Message
		if len(msg.ToolCalls) == 0 || tools == nil {
			reply.Text = msg.Content
			return reply, nil
		}

		msgs = append(msgs, msg)
		for _, call := range msg.ToolCalls {
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				ToolCallID: call.ID,
				Content:    c.callTool(ctx, tools, call),
			})
		}
	}
	return nil, upstreamError(op, fmt.Errorf("%w after %d rounds", ErrToolLoop, c.maxToolRounds))
}

func (c *ChatClient) callTool(ctx context.Context, tools ToolCaller, call openai.ToolCall) string {
	args := map[string]any{}
	if call.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			return fmt.Sprintf("error: invalid arguments for %s: %v", call.Function.Name, err)
		}
	}
	out, err := tools.Call(ctx, call.Function.Name, args)
	if err != nil {
		return "error: " + err.Error()
	}
	return out
}

func parameters(schema map[string]any) any {
	if len(schema) == 0 {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return schema
}
