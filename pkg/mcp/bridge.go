package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/rs/zerolog"

	"github.com/aixgo-dev/conductor/pkg/fault"
	"github.com/aixgo-dev/conductor/pkg/logging"
	"github.com/aixgo-dev/conductor/pkg/observability"
)

// ErrStopped is returned by calls on a stopped bridge.
var ErrStopped = errors.New("tool bridge stopped")

const clientVersion = "1.0.0"

// Tool is a tool advertised by the provider.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Status summarizes the catalog found at start. Warnings never make Start fail.
type Status struct {
	ToolsAvailable    int
	MissingCategories []string
	Warnings          []string
}

// Degraded reports whether anything was found lacking.
func (s *Status) Degraded() bool { return len(s.Warnings) > 0 }

// Dialer returns an unstarted client for the provider described by the settings.
type Dialer func(ctx context.Context, s Settings) (*client.Client, error)

// Option configures Start.
type Option func(*Bridge)

// WithDialer replaces the stdio subprocess dialer.
func WithDialer(d Dialer) Option {
	return func(b *Bridge) { b.dial = d }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(b *Bridge) { b.logger = logging.Component(l, "tool_bridge") }
}

// WithLookPath replaces exec.LookPath in the prerequisite check.
func WithLookPath(fn func(string) (string, error)) Option {
	return func(b *Bridge) { b.lookPath = fn }
}

// Bridge owns one provider process. Its catalog is fixed after Start.
type Bridge struct {
	settings Settings
	dial     Dialer
	lookPath func(string) (string, error)
	logger   zerolog.Logger

	tools  []Tool
	status Status

	mu      sync.RWMutex
	client  *client.Client
	stopped bool
}

// Start validates the settings, checks prerequisites, spawns the provider, performs the
// handshake (retrying as configured) and discovers the tool catalog. Failures before the
// spawn leave nothing behind. An empty catalog or missing categories are reported in the
// status and are not errors.
func Start(ctx context.Context, settings Settings, opts ...Option) (*Bridge, *Status, error) {
	b := &Bridge{
		settings: settings,
		dial:     stdioDialer,
		lookPath: exec.LookPath,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}

	if err := settings.Validate(); err != nil {
		return nil, nil, err
	}
	if err := b.checkPrerequisites(); err != nil {
		return nil, nil, err
	}

	c, err := b.connect(ctx)
	if err != nil {
		return nil, nil, err
	}
	b.client = c

	b.discover(ctx)

	b.logger.Info().
		Str("org", settings.OrgName).
		Int("tools", b.status.ToolsAvailable).
		Strs("missing_categories", b.status.MissingCategories).
		Msg("tool bridge started")

	status := b.Status()
	return b, &status, nil
}

func stdioDialer(_ context.Context, s Settings) (*client.Client, error) {
	return client.NewClient(transport.NewStdio(s.Command, s.Env, s.Args...)), nil
}

func (b *Bridge) checkPrerequisites() error {
	for _, bin := range b.settings.RequiredBinaries {
		if _, err := b.lookPath(bin); err != nil {
			return fault.Wrap(fault.Prerequisite, "mcp.Start", fmt.Errorf("%s not found on PATH: %w", bin, err))
		}
	}
	return nil
}

func (b *Bridge) connect(ctx context.Context) (*client.Client, error) {
	attempt := 0
	c, err := backoff.Retry(ctx, func() (*client.Client, error) {
		attempt++
		return b.connectOnce(ctx)
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(b.settings.RetryDelay)),
		backoff.WithMaxTries(uint(b.settings.MaxRetries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			b.logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", next).Msg("tool provider connect failed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to tool provider after %d attempts: %w", attempt, err)
	}
	return c, nil
}

func (b *Bridge) connectOnce(ctx context.Context) (*client.Client, error) {
	c, err := b.dial(ctx, b.settings)
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	// The process must outlive the handshake deadline; Stop ends it.
	if err := c.Start(context.WithoutCancel(ctx)); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("start provider: %w", err)
	}

	initCtx, cancel := context.WithTimeout(ctx, b.settings.Timeout)
	defer cancel()

	req := mcpgo.InitializeRequest{}
	req.Params.ProtocolVersion = mcpgo.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcpgo.Implementation{Name: "conductor", Version: clientVersion}
	if _, err := c.Initialize(initCtx, req); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("initialize: %w", err)
	}
	return c, nil
}

func (b *Bridge) discover(ctx context.Context) {
	listCtx, cancel := context.WithTimeout(ctx, b.settings.Timeout)
	defer cancel()

	res, err := b.client.ListTools(listCtx, mcpgo.ListToolsRequest{})
	if err != nil {
		b.warn(fmt.Sprintf("tool discovery failed: %v", err))
	} else {
		for _, t := range res.Tools {
			b.tools = append(b.tools, Tool{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: schemaMap(t.InputSchema),
			})
		}
	}
	b.status.ToolsAvailable = len(b.tools)

	// Some providers fill their catalog on first use, so there is nothing to validate yet.
	if len(b.tools) == 0 {
		b.warn("no tools discovered; the provider may populate its catalog lazily")
		return
	}

	names := make([]string, len(b.tools))
	for i, t := range b.tools {
		names[i] = t.Name
	}
	b.status.MissingCategories = MissingCategories(names, b.settings.Categories)
	if len(b.status.MissingCategories) > 0 {
		b.warn("missing tool categories: " + strings.Join(b.status.MissingCategories, ", "))
	}
}

func (b *Bridge) warn(msg string) {
	b.status.Warnings = append(b.status.Warnings, msg)
	b.logger.Warn().Str("org", b.settings.OrgName).Msg(msg)
}

func schemaMap(schema mcpgo.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}

// Tools returns the catalog discovered at start.
func (b *Bridge) Tools() []Tool {
	out := make([]Tool, len(b.tools))
	copy(out, b.tools)
	return out
}

// Status returns the start status.
func (b *Bridge) Status() Status {
	s := b.status
	s.MissingCategories = append([]string(nil), b.status.MissingCategories...)
	s.Warnings = append([]string(nil), b.status.Warnings...)
	return s
}

// CallTool invokes a tool and returns its text output. A result flagged as an error by the
// provider is returned as an error.
func (b *Bridge) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.stopped {
		return "", ErrStopped
	}

	ctx, cancel := context.WithTimeout(ctx, b.settings.Timeout)
	defer cancel()

	req := mcpgo.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	start := time.Now()
	res, err := b.client.CallTool(ctx, req)
	if err != nil {
		observability.RecordToolCall(name, "error", time.Since(start))
		return "", fmt.Errorf("call tool %s: %w", name, err)
	}

	var texts []string
	for _, c := range res.Content {
		if tc, ok := c.(mcpgo.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	out := strings.Join(texts, "\n")
	if res.IsError {
		observability.RecordToolCall(name, "tool_error", time.Since(start))
		if out == "" {
			out = "unknown error"
		}
		return "", fmt.Errorf("tool %s failed: %s", name, out)
	}
	observability.RecordToolCall(name, "ok", time.Since(start))
	return out, nil
}

// Stop closes the provider. Calling it again does nothing.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return nil
	}
	b.stopped = true
	if b.client == nil {
		return nil
	}
	if err := b.client.Close(); err != nil {
		return fmt.Errorf("close tool provider: %w", err)
	}
	b.logger.Info().Str("org", b.settings.OrgName).Msg("tool bridge stopped")
	return nil
}
