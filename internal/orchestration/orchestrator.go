// Package orchestration drives one session's requests through planning, agent execution
// and finalization.
package orchestration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/aixgo-dev/conductor/internal/agent"
	"github.com/aixgo-dev/conductor/internal/llm"
	"github.com/aixgo-dev/conductor/internal/llm/cost"
	"github.com/aixgo-dev/conductor/internal/observability"
	"github.com/aixgo-dev/conductor/pkg/artifact"
	"github.com/aixgo-dev/conductor/pkg/config"
	"github.com/aixgo-dev/conductor/pkg/contracts"
	"github.com/aixgo-dev/conductor/pkg/fault"
	"github.com/aixgo-dev/conductor/pkg/logging"
	metrics "github.com/aixgo-dev/conductor/pkg/observability"
)

// Progress texts sent to the client while a request runs.
const (
	UpdateProcessing         = "Processing your request..."
	UpdatePlanning           = "Generating plan..."
	UpdatePlanReady          = "Plan generated. Starting agent orchestration.."
	UpdateVisualizing        = "Generating visualization..."
	UpdateVisualizationReady = "Successfully generated visualization data. Almost there.."
)

const defaultArtifactContentType = "image/png"

// State is a step of the request cycle.
type State int

const (
	StateInit State = iota
	StatePlanning
	StateExecuting
	StateFallback
	StateFinalizing
	StateDone
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StatePlanning:
		return "PLANNING"
	case StateExecuting:
		return "EXECUTING"
	case StateFallback:
		return "FALLBACK"
	case StateFinalizing:
		return "FINALIZING"
	case StateDone:
		return "DONE"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// AgentCreator is the broker as seen by an orchestrator.
type AgentCreator interface {
	CreateAgent(ctx context.Context, t agent.Type, cfg config.AgentConfig, opts ...agent.CreateOption) (agent.Handle, error)
}

var _ AgentCreator = (*agent.Broker)(nil)

// Publisher sends interim responses to the session's client.
type Publisher interface {
	Publish(ctx context.Context, r *contracts.Response, traceContext map[string]string) (int64, error)
}

// binding ties an agent handle to the thread it runs on within one session.
type binding struct {
	handle agent.Handle
	thread *llm.Thread
}

// Orchestrator owns one session: its chat history and its agent bindings. Requests of a
// session are processed one at a time.
type Orchestrator struct {
	sessionID string
	broker    AgentCreator
	agents    *config.AgentsConfig
	publisher Publisher
	store     artifact.Store
	costs     *cost.Calculator
	logger    zerolog.Logger

	mu       sync.Mutex
	history  []llm.Message
	bindings map[agent.Type]*binding
	// shared is the platform thread used by every hosted agent of the session.
	shared *llm.Thread
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPublisher sets where progress updates go. Without one, updates are not sent.
func WithPublisher(p Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithArtifactStore sets the store for generated files. Without one, files are ignored.
func WithArtifactStore(s artifact.Store) Option {
	return func(o *Orchestrator) { o.store = s }
}

// WithCostCalculator replaces the price list used to estimate agent spend.
func WithCostCalculator(c *cost.Calculator) Option {
	return func(o *Orchestrator) { o.costs = c }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New returns the orchestrator of a session. Agents are bound on the first request.
func New(sessionID string, broker AgentCreator, agents *config.AgentsConfig, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		sessionID: sessionID,
		broker:    broker,
		agents:    agents,
		costs:     cost.DefaultCalculator,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = logging.Component(o.logger, "orchestrator").With().Str("session_id", sessionID).Logger()
	return o
}

// SessionID returns the id of the session this orchestrator owns.
func (o *Orchestrator) SessionID() string { return o.sessionID }

// History returns a copy of the session's chat history.
func (o *Orchestrator) History() []llm.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]llm.Message(nil), o.history...)
}

// request is the state carried through one request cycle.
type request struct {
	task       *contracts.Task
	plan       *Plan
	reason     string
	text       string
	dataPoints []string
	response   *contracts.Response
}

// Process runs one request and returns its terminal response. Every failure becomes the
// generic error response, so the result is never nil.
func (o *Orchestrator) Process(ctx context.Context, task *contracts.Task) *contracts.Response {
	o.mu.Lock()
	defer o.mu.Unlock()

	ctx, span := observability.StartSpan(ctx, "orchestrator.process",
		attribute.String("session_id", task.SessionID),
		attribute.String("dialog_id", task.DialogID),
	)

	logger := o.logger.With().Str("dialog_id", task.DialogID).Logger()
	ctx = logger.WithContext(ctx)

	resp, err := o.run(ctx, task)
	observability.EndSpan(span, err)
	if err != nil {
		logger.Error().
			Err(err).
			Str("kind", string(fault.KindOf(err))).
			Bool("transient", llm.IsTransient(err)).
			Msg("request failed")
		return contracts.NewFailure(task, contracts.GenericErrorMessage, false)
	}
	return resp
}

func (o *Orchestrator) run(ctx context.Context, task *contracts.Task) (*contracts.Response, error) {
	if err := task.Validate(); err != nil {
		return nil, fault.Wrap(fault.TaskDecode, "orchestration.Process", err)
	}
	o.update(ctx, task, UpdateProcessing)

	req := &request{task: task}
	state := StateInit
	for state != StateDone {
		next, err := o.step(ctx, state, req)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", state, err)
		}
		zerolog.Ctx(ctx).Debug().Stringer("from", state).Stringer("to", next).Msg("state transition")
		state = next
	}
	return req.response, nil
}

func (o *Orchestrator) step(ctx context.Context, state State, req *request) (State, error) {
	switch state {
	case StateInit:
		if err := o.initialize(ctx); err != nil {
			return state, err
		}
		o.appendTurn(llm.Message{Role: llm.RoleUser, Content: req.task.Message})
		return StatePlanning, nil

	case StatePlanning:
		o.update(ctx, req.task, UpdatePlanning)
		out := o.planRequest(ctx)
		switch out.kind {
		case outcomeFallback:
			req.reason = out.reason
			return StateFallback, nil
		case outcomeFatal:
			return state, out.err
		}
		req.plan = out.plan
		o.update(ctx, req.task, UpdatePlanReady)
		return StateExecuting, nil

	case StateExecuting:
		if out := o.execute(ctx, req); out.kind == outcomeFatal {
			return state, out.err
		}
		return StateFinalizing, nil

	case StateFallback:
		text, err := o.runFallback(ctx, req.reason)
		if err != nil {
			return state, err
		}
		req.response = contracts.NewFinal(req.task, text, nil)
		return StateDone, nil

	case StateFinalizing:
		req.response = contracts.NewFinal(req.task, req.text, req.dataPoints)
		return StateDone, nil
	}
	return state, fmt.Errorf("no transition from %s", state)
}

// initialize binds every configured agent to a thread. It runs once per session; a failed
// attempt is retried by the next request.
func (o *Orchestrator) initialize(ctx context.Context) error {
	const op = "orchestration.initialize"
	if o.bindings != nil {
		return nil
	}

	bindings := make(map[agent.Type]*binding, len(o.agents.Agents))
	for _, name := range o.agents.Names() {
		t, err := agent.ParseType(name)
		if err != nil {
			return err
		}
		h, err := o.broker.CreateAgent(ctx, t, o.agents.Agents[name])
		if err != nil {
			return err
		}
		thread, err := o.threadFor(ctx, t, h)
		if err != nil {
			return fault.Wrap(fault.UpstreamInvocation, op, fmt.Errorf("thread for %s: %w", t, err))
		}
		bindings[t] = &binding{handle: h, thread: thread}
	}
	for _, required := range []agent.Type{agent.Planner, agent.Fallback} {
		if _, ok := bindings[required]; !ok {
			return fault.New(fault.Configuration, op, "agent %s is not configured", required)
		}
	}

	o.bindings = bindings
	zerolog.Ctx(ctx).Info().Int("agents", len(bindings)).Bool("hosted_thread", o.shared != nil).Msg("session agents bound")
	return nil
}

// threadFor returns the session's shared platform thread for hosted agents, creating it on
// first use, and a fresh thread for anything else. A hosted fallback gets no thread here:
// it must not see the shared conversation, so invoke opens a new thread for each call.
func (o *Orchestrator) threadFor(ctx context.Context, t agent.Type, h agent.Handle) (*llm.Thread, error) {
	if h.Kind() != config.KindHosted {
		return h.NewThread(ctx)
	}
	if t == agent.Fallback {
		return nil, nil
	}
	if o.shared == nil {
		th, err := h.NewThread(ctx)
		if err != nil {
			return nil, err
		}
		o.shared = th
	}
	return o.shared, nil
}

func (o *Orchestrator) planRequest(ctx context.Context) stepOutcome {
	const op = "orchestration.plan"

	reply, err := o.invoke(ctx, agent.Planner, o.history)
	if err != nil {
		return fatal(fault.UpstreamInvocation, op, err)
	}
	plan, err := ParsePlan(reply.Text)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("planner reply is not a plan")
		return fallback("plan_parse")
	}
	plan.dropPlanner()
	if len(plan.Agents) == 0 {
		zerolog.Ctx(ctx).Warn().Str("plan_id", plan.ID).Msg("plan has no agents")
		return fallback("empty_plan")
	}
	if plan.RequestsFallback() {
		return fallback("planner_requested")
	}
	zerolog.Ctx(ctx).Info().
		Str("plan_id", plan.ID).
		Strs("agents", plan.Agents).
		Str("justification", plan.Justification).
		Msg("plan generated")
	return proceed(plan)
}

// execute runs the plan's agents in order. Each agent sees the history including every
// earlier agent's output.
func (o *Orchestrator) execute(ctx context.Context, req *request) stepOutcome {
	const op = "orchestration.execute"

	for _, name := range req.plan.Agents {
		t := agent.Type(name)
		b, ok := o.bindings[t]
		if !ok {
			return fatal(fault.UnknownPlanAgent, op, fmt.Errorf("plan %s names unknown agent %q", req.plan.ID, name))
		}

		reply, err := o.invoke(ctx, t, o.history)
		if err != nil {
			return fatal(fault.UpstreamInvocation, op, err)
		}
		o.appendTurn(llm.Message{Role: llm.RoleAgent, Author: name, Content: reply.Text, Origin: reply.Origin})
		if reply.Text != "" {
			req.text = reply.Text
		}

		if t.Traits().ProducesArtifacts {
			req.dataPoints = append(req.dataPoints, o.extractArtifacts(ctx, req.task, b, reply)...)
		}
	}
	return proceed(req.plan)
}

// runFallback answers from the latest user turn alone.
func (o *Orchestrator) runFallback(ctx context.Context, reason string) (string, error) {
	metrics.RecordFallback(reason)
	zerolog.Ctx(ctx).Info().Str("reason", reason).Msg("invoking fallback agent")

	var latest []llm.Message
	for i := len(o.history) - 1; i >= 0; i-- {
		if o.history[i].Role == llm.RoleUser {
			latest = []llm.Message{o.history[i]}
			break
		}
	}
	reply, err := o.invoke(ctx, agent.Fallback, latest)
	if err != nil {
		if fault.KindOf(err) == fault.Unknown {
			err = fault.Wrap(fault.UpstreamInvocation, "orchestration.fallback", err)
		}
		return "", err
	}
	return reply.Text, nil
}

func (o *Orchestrator) invoke(ctx context.Context, t agent.Type, history []llm.Message) (*llm.Reply, error) {
	b := o.bindings[t]
	ctx, span := observability.StartSpan(ctx, "agent.invoke",
		attribute.String("agent", string(t)),
		attribute.Int("history_len", len(history)),
	)
	start := time.Now()
	thread := b.thread
	if thread == nil {
		th, err := b.handle.NewThread(ctx)
		if err != nil {
			observability.EndSpan(span, err)
			return nil, fmt.Errorf("thread for %s: %w", t, err)
		}
		thread = th
	}
	reply, err := b.handle.Invoke(ctx, thread, history)
	observability.EndSpan(span, err)

	if err != nil {
		metrics.RecordAgentInvocation(string(t), "error", time.Since(start), 0, 0)
		return nil, fmt.Errorf("invoke %s: %w", t, err)
	}
	metrics.RecordAgentInvocation(string(t), "ok", time.Since(start), reply.Usage.PromptTokens, reply.Usage.CompletionTokens)

	model := o.agents.Agents[string(t)].Model
	ev := zerolog.Ctx(ctx).Debug().
		Str("agent", string(t)).
		Int("prompt_tokens", reply.Usage.PromptTokens).
		Int("completion_tokens", reply.Usage.CompletionTokens)
	if c, err := o.costs.Calculate(model, reply.Usage); err == nil {
		metrics.RecordAgentCost(string(t), model, c.Total)
		ev = ev.Float64("cost_usd", c.Total)
	}
	ev.Msg("agent replied")
	return reply, nil
}

// extractArtifacts stores the files attached to an agent's reply and returns their URLs.
// A file that cannot be fetched or stored is skipped.
func (o *Orchestrator) extractArtifacts(ctx context.Context, task *contracts.Task, b *binding, reply *llm.Reply) []string {
	if len(reply.Files) == 0 {
		return nil
	}
	logger := zerolog.Ctx(ctx).With().Str("agent", string(b.handle.Type())).Logger()
	src, ok := b.handle.(agent.ArtifactSource)
	if !ok || o.store == nil {
		logger.Warn().Int("files", len(reply.Files)).Msg("generated files ignored: no artifact source or store")
		return nil
	}

	o.update(ctx, task, UpdateVisualizing)
	var urls []string
	for _, ref := range reply.Files {
		url, err := o.storeArtifact(ctx, src, ref)
		if err != nil {
			metrics.RecordArtifact("failed")
			logger.Error().Err(err).Str("file_id", ref.ID).Msg("artifact skipped")
			continue
		}
		metrics.RecordArtifact("stored")
		urls = append(urls, url)
	}
	logger.Info().Int("stored", len(urls)).Int("files", len(reply.Files)).Msg("artifacts extracted")
	o.update(ctx, task, UpdateVisualizationReady)
	return urls
}

func (o *Orchestrator) storeArtifact(ctx context.Context, src agent.ArtifactSource, ref llm.FileRef) (string, error) {
	data, err := src.Download(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", ref.ID, err)
	}
	contentType := ref.ContentType
	if contentType == "" {
		contentType = defaultArtifactContentType
	}
	url, err := o.store.Put(ctx, contentType, data)
	if err != nil {
		return "", fmt.Errorf("store %s: %w", ref.ID, err)
	}
	return url, nil
}

func (o *Orchestrator) appendTurn(m llm.Message) {
	m.Seq = len(o.history) + 1
	o.history = append(o.history, m)
}

// update publishes a progress text. Delivery failures only get logged.
func (o *Orchestrator) update(ctx context.Context, task *contracts.Task, text string) {
	if o.publisher == nil {
		return
	}
	if _, err := o.publisher.Publish(ctx, contracts.NewUpdate(task, text), observability.Inject(ctx)); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("update", text).Msg("progress update not delivered")
	}
}
