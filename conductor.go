// Package conductor wires the orchestrator service and the session gateway together from
// process configuration. Both services share one Redis broker: the gateway pushes tasks and
// listens for responses, the orchestrator pops tasks and publishes responses.
package conductor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/sync/errgroup"

	"github.com/aixgo-dev/conductor/internal/agent"
	"github.com/aixgo-dev/conductor/internal/gateway"
	"github.com/aixgo-dev/conductor/internal/llm"
	"github.com/aixgo-dev/conductor/internal/observability"
	"github.com/aixgo-dev/conductor/internal/orchestration"
	"github.com/aixgo-dev/conductor/internal/runtime"
	"github.com/aixgo-dev/conductor/pkg/artifact"
	"github.com/aixgo-dev/conductor/pkg/cache"
	"github.com/aixgo-dev/conductor/pkg/config"
	"github.com/aixgo-dev/conductor/pkg/fault"
	"github.com/aixgo-dev/conductor/pkg/mcp"
	metrics "github.com/aixgo-dev/conductor/pkg/observability"
	"github.com/aixgo-dev/conductor/pkg/queue"
)

// ShutdownTimeout bounds the graceful stop of a service.
const ShutdownTimeout = 30 * time.Second

const queueDepthInterval = 5 * time.Second

// ErrBridgeDisabled is returned by the bridge starters when their provider is not configured.
var ErrBridgeDisabled = errors.New("tool bridge disabled")

// Services is the dependency context shared by the service runners.
type Services struct {
	Config    *config.Config
	Logger    zerolog.Logger
	Redis     *redis.Client
	Tasks     *queue.TaskQueue
	Responses *queue.ResponseBus
	Sessions  *queue.SessionEvents
	Artifacts *artifact.RedisStore

	tracing *observability.Provider
}

// NewServices validates cfg, connects to Redis and installs tracing.
func NewServices(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Services, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client, err := queue.Connect(ctx, queue.RedisConfig{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr(), err)
	}

	tracing, err := observability.Init(observability.Config{
		ServiceName:  cfg.Telemetry.ServiceName,
		ExporterType: cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, fault.Wrap(fault.Configuration, "conductor.NewServices", err)
	}

	return &Services{
		Config:    cfg,
		Logger:    logger,
		Redis:     client,
		Tasks:     queue.NewTaskQueue(client, cfg.Channels.Tasks),
		Responses: queue.NewResponseBus(client, cfg.Channels.Responses, logger),
		Sessions:  queue.NewSessionEvents(client, cfg.Channels.SessionEvents, logger),
		Artifacts: artifact.NewRedisStore(client, artifact.RedisStoreConfig{
			TTL:     cfg.Artifacts.TTL,
			BaseURL: cfg.Artifacts.BaseURL,
		}),
		tracing: tracing,
	}, nil
}

// Close flushes traces and closes the Redis client.
func (s *Services) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return errors.Join(s.tracing.Shutdown(ctx), s.Redis.Close())
}

// LoadAgents reads the agent runtime config and rejects entries that do not name a known
// agent type.
func (s *Services) LoadAgents() (*config.AgentsConfig, error) {
	agents, err := config.LoadAgentConfig(s.Config.AgentConfigPath)
	if err != nil {
		return nil, err
	}
	if err := validateAgentTypes(agents); err != nil {
		return nil, err
	}
	return agents, nil
}

func validateAgentTypes(agents *config.AgentsConfig) error {
	for _, name := range agents.Names() {
		if _, err := agent.ParseType(name); err != nil {
			return fault.Wrap(fault.Configuration, "conductor.LoadAgents", err)
		}
	}
	return nil
}

// BridgeSettings derives the tool bridge settings from the DevOps config.
func (s *Services) BridgeSettings() mcp.Settings {
	d := s.Config.DevOps
	settings := mcp.DefaultSettings(d.OrgName)
	if d.Command != "" && d.Command != settings.Command {
		settings.Command = d.Command
		settings.RequiredBinaries = []string{d.Command}
	}
	settings.Timeout = d.Timeout
	settings.MaxRetries = d.MaxRetries
	settings.RetryDelay = d.RetryDelay
	return settings
}

// StartBridge starts the DevOps tool bridge. The caller stops it.
func (s *Services) StartBridge(ctx context.Context) (*mcp.Bridge, *mcp.Status, error) {
	if s.Config.DevOps.OrgName == "" {
		return nil, nil, fmt.Errorf("%w: DEVOPS_ORG_NAME is not set", ErrBridgeDisabled)
	}
	return mcp.Start(ctx, s.BridgeSettings(), mcp.WithLogger(s.Logger))
}

// JiraBridgeSettings derives the Jira tool bridge settings from the Jira config.
func (s *Services) JiraBridgeSettings() mcp.Settings {
	j := s.Config.Jira
	settings := mcp.JiraSettings(j.ServerURL, j.Username, j.Password)
	if j.Command != "" && j.Command != settings.Command {
		settings.Command = j.Command
		settings.RequiredBinaries = []string{j.Command}
	}
	if len(j.Args) > 0 {
		settings.Args = j.Args
	}
	settings.Timeout = j.Timeout
	settings.MaxRetries = j.MaxRetries
	settings.RetryDelay = j.RetryDelay
	return settings
}

// StartJiraBridge starts the Jira tool bridge. The caller stops it.
func (s *Services) StartJiraBridge(ctx context.Context) (*mcp.Bridge, *mcp.Status, error) {
	if !s.Config.Jira.Enabled() {
		return nil, nil, fmt.Errorf("%w: JIRA_SERVER_ENDPOINT is not set or USE_JIRA_MCP_SERVER is off", ErrBridgeDisabled)
	}
	return mcp.Start(ctx, s.JiraBridgeSettings(), mcp.WithLogger(s.Logger))
}

type bridgeStarter func(context.Context) (*mcp.Bridge, *mcp.Status, error)

// startToolBridges starts the bridge of every tool-using agent type. A bridge that cannot
// start is left out and its agents run without tools.
func (s *Services) startToolBridges(ctx context.Context, logger zerolog.Logger, starters map[agent.Type]bridgeStarter) map[agent.Type]*mcp.Bridge {
	bridges := make(map[agent.Type]*mcp.Bridge, len(starters))
	for t, start := range starters {
		l := logger.With().Str("agent", string(t)).Logger()
		bridge, status, err := start(ctx)
		switch {
		case errors.Is(err, ErrBridgeDisabled):
			l.Info().Err(err).Msg("tool bridge disabled")
		case err != nil:
			l.Warn().Err(err).Str("kind", string(fault.ToolBridgeDegraded)).Msg("tool bridge unavailable, continuing without tools")
		default:
			for _, w := range status.Warnings {
				l.Warn().Str("kind", string(fault.ToolBridgeDegraded)).Msg(w)
			}
			bridges[t] = bridge
		}
	}
	return bridges
}

func stopBridges(bridges map[agent.Type]*mcp.Bridge, logger zerolog.Logger) {
	for t, bridge := range bridges {
		if err := bridge.Stop(); err != nil {
			logger.Warn().Err(err).Str("agent", string(t)).Msg("tool bridge stop failed")
		}
	}
}

// upstreamClients builds both capability clients on one go-openai client. Without an API
// key no client is built and agents fail at creation with a configuration error.
func (s *Services) upstreamClients(tools map[agent.Type]agent.ToolProvider) agent.Clients {
	clients := agent.Clients{Tools: tools}
	if s.Config.OpenAI.APIKey == "" {
		s.Logger.Warn().Msg("OPENAI_API_KEY is not set, agents cannot be created")
		return clients
	}
	oc := openai.DefaultConfig(s.Config.OpenAI.APIKey)
	if s.Config.OpenAI.BaseURL != "" {
		oc.BaseURL = s.Config.OpenAI.BaseURL
	}
	api := openai.NewClientWithConfig(oc)
	clients.Hosted = llm.NewHostedClient(api)
	clients.Chat = llm.NewChatClient(api)
	return clients
}

// RunOrchestrator runs the worker pool until ctx ends. A tool bridge that cannot start
// degrades its agents instead of failing the service.
func (s *Services) RunOrchestrator(ctx context.Context) error {
	logger := s.Logger.With().Str("service", "orchestrator").Logger()

	agents, err := s.LoadAgents()
	if err != nil {
		return err
	}

	bridges := s.startToolBridges(ctx, logger, map[agent.Type]bridgeStarter{
		agent.DevOps: s.StartBridge,
		agent.Jira:   s.StartJiraBridge,
	})
	defer stopBridges(bridges, logger)
	tools := make(map[agent.Type]agent.ToolProvider, len(bridges))
	for t, bridge := range bridges {
		tools[t] = bridge
	}

	broker := agent.NewBroker(logger)
	agent.RegisterDefaults(broker)
	broker.Initialize(s.upstreamClients(tools))

	pool := runtime.NewWorkerPool(s.Tasks, s.Responses, cache.New[runtime.Processor](),
		func(sessionID string) (runtime.Processor, error) {
			return orchestration.New(sessionID, broker, agents,
				orchestration.WithPublisher(s.Responses),
				orchestration.WithArtifactStore(s.Artifacts),
				orchestration.WithLogger(logger),
			), nil
		},
		runtime.WithConcurrency(s.Config.Services.Concurrency),
		runtime.WithLogger(logger),
	)

	checker := metrics.NewHealthChecker("orchestrator")
	checker.RegisterCheck(metrics.RedisCheck(s.Redis))
	for t, bridge := range bridges {
		name := "tool_bridge_" + strings.ToLower(string(t))
		checker.RegisterCheck(metrics.ExternalServiceCheck(name, func(context.Context) error {
			if st := bridge.Status(); st.ToolsAvailable == 0 {
				return errors.New("no tools available")
			}
			return nil
		}))
	}
	ops := metrics.NewServer(s.Config.Services.OrchestratorPort, checker)

	g, gctx := errgroup.WithContext(ctx)
	closed, err := s.Sessions.Listen(gctx)
	if err != nil {
		return fmt.Errorf("listen for closed sessions: %w", err)
	}
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error {
		for id := range closed {
			pool.Release(id)
		}
		return nil
	})
	g.Go(func() error {
		s.sampleQueueDepth(gctx, queueDepthInterval)
		return nil
	})
	g.Go(func() error {
		logger.Info().Int("port", s.Config.Services.OrchestratorPort).Msg("ops server listening")
		return ops.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		return shutdown(ops, logger)
	})

	logger.Info().Int("agents", len(agents.Agents)).Msg("orchestrator started")
	err = g.Wait()
	logger.Info().Msg("orchestrator stopped")
	return err
}

// sampleQueueDepth publishes the task queue length until ctx ends.
func (s *Services) sampleQueueDepth(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.Tasks.Len(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.Logger.Debug().Err(err).Msg("queue depth not sampled")
				}
				continue
			}
			metrics.SetQueueDepth(n)
		}
	}
}

// RunGateway serves client connections until ctx ends.
func (s *Services) RunGateway(ctx context.Context) error {
	logger := s.Logger.With().Str("service", "gateway").Logger()

	gw := gateway.NewServer(s.Tasks, s.Responses,
		gateway.WithResponseTimeout(s.Config.Services.ResponseTimeout),
		gateway.WithSessionCloser(s.Sessions),
		gateway.WithArtifacts(s.Artifacts),
		gateway.WithLogger(logger),
	)

	checker := metrics.NewHealthChecker("gateway")
	checker.RegisterCheck(metrics.RedisCheck(s.Redis))
	srv := metrics.NewServer(s.Config.Services.GatewayPort, checker)
	gw.Mount(srv)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Int("port", s.Config.Services.GatewayPort).Msg("gateway listening")
		return srv.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		gw.CloseAll()
		return shutdown(srv, logger)
	})

	err := g.Wait()
	logger.Info().Msg("gateway stopped")
	return err
}

func shutdown(srv *metrics.Server, logger zerolog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("http server shutdown failed")
		return err
	}
	return nil
}
