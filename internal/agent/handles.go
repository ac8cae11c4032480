package agent

import (
	"context"

	"github.com/aixgo-dev/conductor/internal/llm"
	"github.com/aixgo-dev/conductor/pkg/config"
	"github.com/aixgo-dev/conductor/pkg/mcp"
)

func params(cfg config.AgentConfig) llm.Params {
	return llm.Params{
		Model:               cfg.Model,
		Temperature:         cfg.Temperature,
		TopP:                cfg.TopP,
		MaxPromptTokens:     cfg.MaxPromptTokens,
		MaxCompletionTokens: cfg.MaxCompletionTokens,
		ParallelToolCalls:   cfg.ParallelToolCalls,
	}
}

type hostedHandle struct {
	typ         Type
	cfg         config.AgentConfig
	assistantID string
	client      *llm.HostedClient
}

func (h *hostedHandle) Type() Type        { return h.typ }
func (h *hostedHandle) Kind() config.Kind { return config.KindHosted }

func (h *hostedHandle) NewThread(ctx context.Context) (*llm.Thread, error) {
	return h.client.NewThread(ctx)
}

func (h *hostedHandle) Invoke(ctx context.Context, thread *llm.Thread, history []llm.Message) (*llm.Reply, error) {
	return h.client.Run(ctx, h.assistantID, thread, history, params(h.cfg))
}

func (h *hostedHandle) Download(ctx context.Context, ref llm.FileRef) ([]byte, error) {
	return h.client.Download(ctx, ref)
}

type chatHandle struct {
	typ    Type
	cfg    config.AgentConfig
	client *llm.ChatClient
	tools  llm.ToolCaller
}

func (h *chatHandle) Type() Type        { return h.typ }
func (h *chatHandle) Kind() config.Kind { return config.KindChat }

func (h *chatHandle) NewThread(context.Context) (*llm.Thread, error) {
	return llm.NewLocalThread(), nil
}

func (h *chatHandle) Invoke(ctx context.Context, _ *llm.Thread, history []llm.Message) (*llm.Reply, error) {
	return h.client.Run(ctx, h.cfg.Instructions, history, params(h.cfg), h.tools)
}

// ToolProvider is the tool bridge as seen by agents.
type ToolProvider interface {
	Tools() []mcp.Tool
	CallTool(ctx context.Context, name string, args map[string]any) (string, error)
}

var _ ToolProvider = (*mcp.Bridge)(nil)

// toolCaller exposes a ToolProvider to the chat tool loop.
type toolCaller struct {
	provider ToolProvider
}

func (t toolCaller) Specs() []llm.ToolSpec {
	tools := t.provider.Tools()
	specs := make([]llm.ToolSpec, len(tools))
	for i, tool := range tools {
		specs[i] = llm.ToolSpec{Name: tool.Name, Description: tool.Description, Parameters: tool.InputSchema}
	}
	return specs
}

func (t toolCaller) Call(ctx context.Context, name string, args map[string]any) (string, error) {
	return t.provider.CallTool(ctx, name, args)
}
