package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aixgo-dev/conductor/internal/llm"
	"github.com/aixgo-dev/conductor/pkg/config"
	"github.com/aixgo-dev/conductor/pkg/fault"
	"github.com/aixgo-dev/conductor/pkg/logging"
)

var (
	// ErrNotInitialized is returned by CreateAgent before Initialize.
	ErrNotInitialized = errors.New("agent broker not initialized")
	// ErrUnsupportedAgentType is returned for types with no registered creator.
	ErrUnsupportedAgentType = errors.New("unsupported agent type")
)

// Clients are the upstream capability clients creators may need. A nil client means the
// corresponding config kind is unavailable. Tools holds the tool provider of each
// tool-using type; a type is missing when its tool bridge is down.
type Clients struct {
	Hosted *llm.HostedClient
	Chat   *llm.ChatClient
	Tools  map[Type]ToolProvider
}

// ToolsFor returns the tool provider of t, or nil.
func (c Clients) ToolsFor(t Type) ToolProvider {
	return c.Tools[t]
}

// Request is what a Creator receives.
type Request struct {
	Type    Type
	Config  config.AgentConfig
	Clients Clients
	Logger  zerolog.Logger
}

// Creator builds a handle for one agent type.
type Creator func(ctx context.Context, req Request) (Handle, error)

// CreateOption adjusts a single CreateAgent call.
type CreateOption func(*Request)

// WithTools overrides the tool provider of the created type for one creation.
func WithTools(p ToolProvider) CreateOption {
	return func(r *Request) {
		tools := make(map[Type]ToolProvider, len(r.Clients.Tools)+1)
		for t, tp := range r.Clients.Tools {
			tools[t] = tp
		}
		tools[r.Type] = p
		r.Clients.Tools = tools
	}
}

// Broker maps agent types to creators and applies each type's reuse policy. Shared
// handles live in an arena of per-type entries, each with its own lock, so creating one
// shared handle never blocks another type.
type Broker struct {
	logger zerolog.Logger

	mu       sync.RWMutex
	creators map[Type]Creator
	clients  Clients
	ready    bool

	arenaMu sync.Mutex
	arena   map[Type]*sharedEntry
}

type sharedEntry struct {
	mu     sync.Mutex
	handle Handle
}

// NewBroker returns an empty, uninitialized broker.
func NewBroker(logger zerolog.Logger) *Broker {
	return &Broker{
		logger:   logging.Component(logger, "agent_broker"),
		creators: make(map[Type]Creator),
		arena:    make(map[Type]*sharedEntry),
	}
}

// Register installs the creator for t, replacing any previous one.
func (b *Broker) Register(t Type, c Creator) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.creators[t] = c
}

// Initialize records the upstream clients. Only the first call has an effect.
func (b *Broker) Initialize(clients Clients) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ready {
		return
	}
	b.clients = clients
	b.ready = true
	b.logger.Info().
		Bool("hosted", clients.Hosted != nil).
		Bool("chat", clients.Chat != nil).
		Int("tool_providers", len(clients.Tools)).
		Msg("agent broker initialized")
}

// CreateAgent returns a handle for t. Shared types return the same handle after their
// first successful creation; per-session types get a new handle every call.
func (b *Broker) CreateAgent(ctx context.Context, t Type, cfg config.AgentConfig, opts ...CreateOption) (Handle, error) {
	const op = "agent.Broker.CreateAgent"

	b.mu.RLock()
	ready, clients := b.ready, b.clients
	creator, ok := b.creators[t]
	b.mu.RUnlock()

	if !ready {
		return nil, fault.Wrap(fault.NotInitialized, op, ErrNotInitialized)
	}
	if !ok {
		return nil, fault.Wrap(fault.UnsupportedAgentType, op, fmt.Errorf("%w: %s", ErrUnsupportedAgentType, t))
	}

	switch cfg.Kind {
	case config.KindHosted:
		if clients.Hosted == nil {
			return nil, fault.New(fault.Configuration, op, "agent %s needs the hosted client, which is not configured", t)
		}
	case config.KindChat:
		if clients.Chat == nil {
			return nil, fault.New(fault.Configuration, op, "agent %s needs the chat client, which is not configured", t)
		}
	default:
		return nil, fault.New(fault.Configuration, op, "agent %s has unknown kind %q", t, cfg.Kind)
	}

	req := Request{Type: t, Config: cfg, Clients: clients, Logger: b.logger}
	for _, opt := range opts {
		opt(&req)
	}

	if t.Traits().Policy == SharedSingleton {
		return b.shared(ctx, creator, req)
	}
	return b.create(ctx, creator, req)
}

func (b *Broker) shared(ctx context.Context, creator Creator, req Request) (Handle, error) {
	b.arenaMu.Lock()
	entry, ok := b.arena[req.Type]
	if !ok {
		entry = &sharedEntry{}
		b.arena[req.Type] = entry
	}
	b.arenaMu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.handle != nil {
		return entry.handle, nil
	}
	h, err := b.create(ctx, creator, req)
	if err != nil {
		return nil, err
	}
	entry.handle = h
	return h, nil
}

func (b *Broker) create(ctx context.Context, creator Creator, req Request) (Handle, error) {
	h, err := creator(ctx, req)
	if err != nil {
		b.logger.Error().Err(err).Str("agent", string(req.Type)).Msg("agent creation failed")
		return nil, fmt.Errorf("create agent %s: %w", req.Type, err)
	}
	b.logger.Debug().
		Str("agent", string(req.Type)).
		Str("kind", string(req.Config.Kind)).
		Str("policy", req.Type.Traits().Policy.String()).
		Msg("agent created")
	return h, nil
}
