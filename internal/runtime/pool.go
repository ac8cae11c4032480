// Package runtime runs the workers that drain the task queue.
package runtime

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/aixgo-dev/conductor/internal/observability"
	"github.com/aixgo-dev/conductor/internal/orchestration"
	"github.com/aixgo-dev/conductor/pkg/cache"
	"github.com/aixgo-dev/conductor/pkg/contracts"
	"github.com/aixgo-dev/conductor/pkg/fault"
	"github.com/aixgo-dev/conductor/pkg/logging"
	metrics "github.com/aixgo-dev/conductor/pkg/observability"
	"github.com/aixgo-dev/conductor/pkg/queue"
)

// Processor drives one request of a session to its terminal response.
type Processor interface {
	Process(ctx context.Context, task *contracts.Task) *contracts.Response
}

var _ Processor = (*orchestration.Orchestrator)(nil)

// TaskSource yields encoded tasks, blocking until one is available.
type TaskSource interface {
	Pop(ctx context.Context) ([]byte, error)
}

var _ TaskSource = (*queue.TaskQueue)(nil)

// Publisher delivers terminal responses.
type Publisher interface {
	Publish(ctx context.Context, r *contracts.Response, traceContext map[string]string) (int64, error)
}

var _ Publisher = (*queue.ResponseBus)(nil)

// Factory creates the processor of a session seen for the first time.
type Factory func(sessionID string) (Processor, error)

// Config contains the worker pool settings.
type Config struct {
	// Concurrency is the number of workers, and so the number of sessions that can be
	// mid-request at once. Default: 5
	Concurrency int

	// ErrorBackoff is how long a worker pauses after the queue fails. Default: 1s
	ErrorBackoff time.Duration

	Logger zerolog.Logger
}

// DefaultConfig returns a Config with defaults applied.
func DefaultConfig() *Config {
	return &Config{
		Concurrency:  5,
		ErrorBackoff: time.Second,
		Logger:       zerolog.Nop(),
	}
}

// Option is a functional option for configuring a WorkerPool.
type Option func(*Config)

// WithConcurrency sets the number of workers.
func WithConcurrency(n int) Option {
	return func(cfg *Config) { cfg.Concurrency = n }
}

// WithErrorBackoff sets the pause after a failed pop.
func WithErrorBackoff(d time.Duration) Option {
	return func(cfg *Config) { cfg.ErrorBackoff = d }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(cfg *Config) { cfg.Logger = l }
}

// WorkerPool runs a fixed number of workers. Each worker pops a task, runs it on the
// session's processor and publishes the response before popping the next one.
type WorkerPool struct {
	cfg       *Config
	source    TaskSource
	publisher Publisher
	sessions  *cache.Cache[Processor]
	factory   Factory
	logger    zerolog.Logger
}

// NewWorkerPool returns a pool. Processors are looked up in, or added to, sessions.
func NewWorkerPool(source TaskSource, publisher Publisher, sessions *cache.Cache[Processor], factory Factory, opts ...Option) *WorkerPool {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return &WorkerPool{
		cfg:       cfg,
		source:    source,
		publisher: publisher,
		sessions:  sessions,
		factory:   factory,
		logger:    logging.Component(cfg.Logger, "worker_pool"),
	}
}

// Run starts the workers and blocks until ctx ends. A worker always finishes the task it
// holds before it stops.
func (p *WorkerPool) Run(ctx context.Context) error {
	if p.cfg.Concurrency <= 0 {
		return fault.New(fault.Configuration, "runtime.WorkerPool.Run", "concurrency must be positive, got %d", p.cfg.Concurrency)
	}

	p.logger.Info().Int("workers", p.cfg.Concurrency).Msg("starting workers")
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Concurrency; i++ {
		id := i
		g.Go(func() error {
			p.loop(gctx, id)
			return nil
		})
	}
	err := g.Wait()
	p.logger.Info().Msg("workers stopped")
	return err
}

// Release forgets the processor of a session whose client went away.
func (p *WorkerPool) Release(sessionID string) {
	if _, ok := p.sessions.Remove(sessionID); ok {
		p.logger.Info().Str("session_id", sessionID).Msg("session released")
	}
}

func (p *WorkerPool) loop(ctx context.Context, id int) {
	logger := p.logger.With().Int("worker", id).Logger()
	for {
		payload, err := p.source.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error().Err(err).Msg("task queue unavailable")
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.ErrorBackoff):
			}
			continue
		}
		p.handle(context.WithoutCancel(ctx), logger, payload)
	}
}

func (p *WorkerPool) handle(ctx context.Context, logger zerolog.Logger, payload []byte) {
	start := time.Now()

	task, err := contracts.DecodeTask(payload)
	if err != nil {
		metrics.RecordTask("dropped", 0)
		logger.Error().
			Err(err).
			Str("kind", string(fault.KindOf(err))).
			Int("payload_bytes", len(payload)).
			Msg("dropping malformed task")
		return
	}

	logger = logger.With().Str("session_id", task.SessionID).Str("dialog_id", task.DialogID).Logger()
	ctx, span := observability.StartSpan(ctx, "worker.task",
		attribute.String("session_id", task.SessionID),
		attribute.String("dialog_id", task.DialogID),
	)
	metrics.TaskStarted()
	defer metrics.TaskFinished()
	logger.Info().Msg("task received")

	var resp *contracts.Response
	proc, err := p.sessions.GetOrCreate(task.SessionID, func() (Processor, error) {
		logger.Info().Msg("creating session orchestrator")
		return p.factory(task.SessionID)
	})
	if err != nil {
		logger.Error().Err(err).Msg("session setup failed")
		resp = contracts.NewFailure(task, contracts.GenericErrorMessage, false)
	} else {
		resp = proc.Process(ctx, task)
	}

	outcome := "answered"
	if resp.Error != nil {
		outcome = "failed"
	}

	n, err := p.publisher.Publish(ctx, resp, observability.Inject(ctx))
	switch {
	case err != nil:
		metrics.RecordDroppedResponse("publish_error")
		logger.Error().Err(err).Msg("response not published")
	case n == 0:
		metrics.RecordDroppedResponse("no_subscriber")
		logger.Warn().Msg("response dropped: session has no subscriber")
	}
	observability.EndSpan(span, err)

	metrics.RecordTask(outcome, time.Since(start))
	logger.Info().Str("outcome", outcome).Dur("duration", time.Since(start)).Msg("task finished")
}
