// Package agent defines the closed set of agent types and the broker that creates and
// reuses agent handles.
package agent

import (
	"context"
	"fmt"

	"github.com/aixgo-dev/conductor/internal/llm"
	"github.com/aixgo-dev/conductor/pkg/config"
	"github.com/aixgo-dev/conductor/pkg/fault"
)

// Type identifies an agent. The set is closed.
type Type string

const (
	Planner       Type = "PLANNER_AGENT"
	Jira          Type = "JIRA_AGENT"
	DevOps        Type = "AZURE_DEVOPS_AGENT"
	Visualization Type = "VISUALIZATION_AGENT"
	FinalAnswer   Type = "FINAL_ANSWER_GENERATOR_AGENT"
	Fallback      Type = "FALLBACK_AGENT"
)

// Policy decides whether a handle is shared across sessions.
type Policy int

const (
	// PerSession creates a fresh handle for every request so context never leaks.
	PerSession Policy = iota
	// SharedSingleton creates one handle for the life of the process.
	SharedSingleton
)

func (p Policy) String() string {
	if p == SharedSingleton {
		return "shared"
	}
	return "per_session"
}

// Traits are the static properties of an agent type.
type Traits struct {
	Policy            Policy
	ProducesArtifacts bool
	UsesTools         bool
}

var traits = map[Type]Traits{
	Planner:       {Policy: SharedSingleton},
	Fallback:      {Policy: SharedSingleton},
	Jira:          {Policy: PerSession, UsesTools: true},
	DevOps:        {Policy: PerSession, UsesTools: true},
	Visualization: {Policy: PerSession, ProducesArtifacts: true},
	FinalAnswer:   {Policy: PerSession, ProducesArtifacts: true},
}

// Types returns every agent type in a stable order.
func Types() []Type {
	return []Type{Planner, Jira, DevOps, Visualization, FinalAnswer, Fallback}
}

// Valid reports whether t is one of the known types.
func (t Type) Valid() bool {
	_, ok := traits[t]
	return ok
}

// Traits returns the static properties of t.
func (t Type) Traits() Traits { return traits[t] }

// ParseType converts a configured name into a Type.
func ParseType(s string) (Type, error) {
	t := Type(s)
	if !t.Valid() {
		return "", fault.Wrap(fault.UnsupportedAgentType, "agent.ParseType", fmt.Errorf("%w: %q", ErrUnsupportedAgentType, s))
	}
	return t, nil
}

// Handle is a created agent ready to be invoked.
type Handle interface {
	Type() Type
	Kind() config.Kind
	// NewThread opens a conversation thread for this agent.
	NewThread(ctx context.Context) (*llm.Thread, error)
	// Invoke runs the agent on the history within thread.
	Invoke(ctx context.Context, thread *llm.Thread, history []llm.Message) (*llm.Reply, error)
}

// ArtifactSource is implemented by handles whose replies can reference generated files.
type ArtifactSource interface {
	Download(ctx context.Context, ref llm.FileRef) ([]byte, error)
}
