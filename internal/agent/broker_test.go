package agent

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/conductor/internal/llm"
	"github.com/aixgo-dev/conductor/pkg/config"
	"github.com/aixgo-dev/conductor/pkg/fault"
	"github.com/aixgo-dev/conductor/pkg/mcp"
)

type stubHandle struct {
	typ Type
	id  int32
}

func (s *stubHandle) Type() Type        { return s.typ }
func (s *stubHandle) Kind() config.Kind { return config.KindChat }
func (s *stubHandle) NewThread(context.Context) (*llm.Thread, error) {
	return llm.NewLocalThread(), nil
}
func (s *stubHandle) Invoke(context.Context, *llm.Thread, []llm.Message) (*llm.Reply, error) {
	return &llm.Reply{Text: string(s.typ)}, nil
}

type countingCreator struct {
	calls atomic.Int32
	err   error
}

func (c *countingCreator) create(ctx context.Context, req Request) (Handle, error) {
	n := c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return &stubHandle{typ: req.Type, id: n}, nil
}

type noopChat struct{}

func (noopChat) CreateChatCompletion(context.Context, openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	return openai.ChatCompletionResponse{}, errors.New("not used")
}

func chatConfig() config.AgentConfig {
	return config.AgentConfig{Kind: config.KindChat, Model: "gpt-4o"}
}

func readyBroker(t *testing.T, creators map[Type]Creator) *Broker {
	t.Helper()
	b := NewBroker(zerolog.Nop())
	for typ, c := range creators {
		b.Register(typ, c)
	}
	b.Initialize(Clients{Chat: llm.NewChatClient(noopChat{})})
	return b
}

func TestCreateAgentBeforeInitialize(t *testing.T) {
	b := NewBroker(zerolog.Nop())
	RegisterDefaults(b)

	_, err := b.CreateAgent(context.Background(), Planner, chatConfig())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.True(t, fault.Is(err, fault.NotInitialized))
}

func TestCreateAgentUnsupportedType(t *testing.T) {
	c := &countingCreator{}
	b := readyBroker(t, map[Type]Creator{Planner: c.create})

	_, err := b.CreateAgent(context.Background(), Jira, chatConfig())
	assert.ErrorIs(t, err, ErrUnsupportedAgentType)
	assert.True(t, fault.Is(err, fault.UnsupportedAgentType))
	assert.Zero(t, c.calls.Load())
}

func TestCreateAgentMissingClientIsConfigurationError(t *testing.T) {
	c := &countingCreator{}
	b := readyBroker(t, map[Type]Creator{Planner: c.create})

	_, err := b.CreateAgent(context.Background(), Planner, config.AgentConfig{Kind: config.KindHosted, Model: "m"})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.Configuration))
	assert.Zero(t, c.calls.Load())
}

func TestInitializeOnlyOnce(t *testing.T) {
	b := NewBroker(zerolog.Nop())
	c := &countingCreator{}
	b.Register(Planner, c.create)

	b.Initialize(Clients{})
	b.Initialize(Clients{Chat: llm.NewChatClient(noopChat{})})

	_, err := b.CreateAgent(context.Background(), Planner, chatConfig())
	assert.True(t, fault.Is(err, fault.Configuration), "second Initialize must not replace clients")
}

func TestSharedSingletonCreatedOnce(t *testing.T) {
	c := &countingCreator{}
	b := readyBroker(t, map[Type]Creator{Planner: c.create})

	const n = 32
	handles := make([]Handle, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := b.CreateAgent(context.Background(), Planner, chatConfig())
			assert.NoError(t, err)
			handles[i] = h
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), c.calls.Load())
	for _, h := range handles {
		assert.Same(t, handles[0], h)
	}
}

func TestPerSessionCreatesFreshHandles(t *testing.T) {
	c := &countingCreator{}
	b := readyBroker(t, map[Type]Creator{Jira: c.create})

	h1, err := b.CreateAgent(context.Background(), Jira, chatConfig())
	require.NoError(t, err)
	h2, err := b.CreateAgent(context.Background(), Jira, chatConfig())
	require.NoError(t, err)

	assert.NotSame(t, h1, h2)
	assert.Equal(t, int32(2), c.calls.Load())
}

func TestCreatorErrorPropagatesAndSharedRetries(t *testing.T) {
	boom := errors.New("platform down")
	c := &countingCreator{err: boom}
	b := readyBroker(t, map[Type]Creator{Fallback: c.create})

	_, err := b.CreateAgent(context.Background(), Fallback, chatConfig())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)

	c.err = nil
	h, err := b.CreateAgent(context.Background(), Fallback, chatConfig())
	require.NoError(t, err)
	assert.NotNil(t, h)
	assert.Equal(t, int32(2), c.calls.Load())
}

type fakeProvider struct{ called []string }

func (f *fakeProvider) Tools() []mcp.Tool {
	return []mcp.Tool{{Name: "wit_list", Description: "list work items", InputSchema: map[string]any{"type": "object"}}}
}

func (f *fakeProvider) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	f.called = append(f.called, name)
	return "ok", nil
}

func TestNewHandleToolWiring(t *testing.T) {
	b := NewBroker(zerolog.Nop())
	RegisterDefaults(b)
	b.Initialize(Clients{Chat: llm.NewChatClient(noopChat{})})
	ctx := context.Background()

	degraded, err := b.CreateAgent(ctx, DevOps, chatConfig())
	require.NoError(t, err)
	assert.Nil(t, degraded.(*chatHandle).tools)

	provider := &fakeProvider{}
	h, err := b.CreateAgent(ctx, DevOps, chatConfig(), WithTools(provider))
	require.NoError(t, err)
	tools := h.(*chatHandle).tools
	require.NotNil(t, tools)
	require.Len(t, tools.Specs(), 1)
	assert.Equal(t, "wit_list", tools.Specs()[0].Name)

	out, err := tools.Call(ctx, "wit_list", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", out)

	viz, err := b.CreateAgent(ctx, Visualization, chatConfig(), WithTools(provider))
	require.NoError(t, err)
	assert.Nil(t, viz.(*chatHandle).tools, "only tool-using types get tools")

	th, err := viz.NewThread(ctx)
	require.NoError(t, err)
	assert.False(t, th.Hosted)
}

func TestToolProvidersArePerType(t *testing.T) {
	devops := &fakeProvider{}
	jiraTools := &fakeProvider{}
	b := NewBroker(zerolog.Nop())
	RegisterDefaults(b)
	b.Initialize(Clients{
		Chat:  llm.NewChatClient(noopChat{}),
		Tools: map[Type]ToolProvider{DevOps: devops, Jira: jiraTools},
	})
	ctx := context.Background()

	jira, err := b.CreateAgent(ctx, Jira, chatConfig())
	require.NoError(t, err)
	tools := jira.(*chatHandle).tools
	require.NotNil(t, tools)
	_, err = tools.Call(ctx, "jira_search_issues", map[string]any{"jql": "project = REL"})
	require.NoError(t, err)
	assert.Equal(t, []string{"jira_search_issues"}, jiraTools.called)
	assert.Empty(t, devops.called)

	override := &fakeProvider{}
	h, err := b.CreateAgent(ctx, DevOps, chatConfig(), WithTools(override))
	require.NoError(t, err)
	_, err = h.(*chatHandle).tools.Call(ctx, "wit_list", nil)
	require.NoError(t, err)
	assert.Len(t, override.called, 1)
	assert.Empty(t, devops.called, "override applies to one creation only")

	h, err = b.CreateAgent(ctx, DevOps, chatConfig())
	require.NoError(t, err)
	_, err = h.(*chatHandle).tools.Call(ctx, "wit_list", nil)
	require.NoError(t, err)
	assert.Len(t, devops.called, 1)
}

type fakeAssistants struct {
	llm.AssistantsAPI
	created []string
}

func (f *fakeAssistants) CreateAssistant(ctx context.Context, req openai.AssistantRequest) (openai.Assistant, error) {
	f.created = append(f.created, *req.Name)
	if len(req.Tools) > 0 {
		return openai.Assistant{ID: "asst_ci_" + *req.Name}, nil
	}
	return openai.Assistant{ID: "asst_" + *req.Name}, nil
}

func (f *fakeAssistants) CreateThread(ctx context.Context, req openai.ThreadRequest) (openai.Thread, error) {
	return openai.Thread{ID: "thread_x"}, nil
}

func TestNewHandleHosted(t *testing.T) {
	api := &fakeAssistants{}
	b := NewBroker(zerolog.Nop())
	RegisterDefaults(b)
	b.Initialize(Clients{Hosted: llm.NewHostedClient(api)})
	ctx := context.Background()

	cfg := config.AgentConfig{Kind: config.KindHosted, AgentName: "viz", Model: "gpt-4o"}
	h, err := b.CreateAgent(ctx, Visualization, cfg)
	require.NoError(t, err)
	assert.Equal(t, config.KindHosted, h.Kind())
	assert.Equal(t, "asst_ci_viz", h.(*hostedHandle).assistantID)
	_, isSource := h.(ArtifactSource)
	assert.True(t, isSource)

	th, err := h.NewThread(ctx)
	require.NoError(t, err)
	assert.True(t, th.Hosted)
	assert.Equal(t, "thread_x", th.ID)
}

func TestParseType(t *testing.T) {
	typ, err := ParseType("JIRA_AGENT")
	require.NoError(t, err)
	assert.Equal(t, Jira, typ)

	_, err = ParseType("WEATHER_AGENT")
	assert.ErrorIs(t, err, ErrUnsupportedAgentType)

	assert.Equal(t, SharedSingleton, Planner.Traits().Policy)
	assert.True(t, FinalAnswer.Traits().ProducesArtifacts)
	assert.True(t, DevOps.Traits().UsesTools)
	assert.True(t, Jira.Traits().UsesTools)
	assert.Len(t, Types(), 6)
}
