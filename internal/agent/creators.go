package agent

import (
	"context"

	"github.com/aixgo-dev/conductor/internal/llm"
	"github.com/aixgo-dev/conductor/pkg/config"
	"github.com/aixgo-dev/conductor/pkg/fault"
)

// RegisterDefaults installs the standard creator for every agent type.
func RegisterDefaults(b *Broker) {
	for _, t := range Types() {
		b.Register(t, NewHandle)
	}
}

// NewHandle is the standard creator. Hosted agents are registered on the platform, with the
// code interpreter enabled for types that produce artifacts. Chat agents of tool-using types
// get their type's tool bridge when it is up and run without tools otherwise.
func NewHandle(ctx context.Context, req Request) (Handle, error) {
	traits := req.Type.Traits()

	if req.Config.Kind == config.KindHosted {
		id, err := req.Clients.Hosted.CreateAgent(ctx, llm.AgentSpec{
			Name:            req.Config.AgentName,
			Description:     req.Config.Description,
			Instructions:    req.Config.Instructions,
			Model:           req.Config.Model,
			CodeInterpreter: traits.ProducesArtifacts,
		})
		if err != nil {
			return nil, err
		}
		return &hostedHandle{typ: req.Type, cfg: req.Config, assistantID: id, client: req.Clients.Hosted}, nil
	}

	h := &chatHandle{typ: req.Type, cfg: req.Config, client: req.Clients.Chat}
	if traits.UsesTools {
		if tools := req.Clients.ToolsFor(req.Type); tools != nil {
			h.tools = toolCaller{provider: tools}
		} else {
			req.Logger.Warn().
				Str("agent", string(req.Type)).
				Str("kind", string(fault.ToolBridgeDegraded)).
				Msg("tool bridge unavailable, agent runs without tools")
		}
	}
	return h, nil
}
