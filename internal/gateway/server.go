// Package gateway accepts client websocket connections, turns their messages into tasks and
// relays the orchestrator's responses back to them.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/aixgo-dev/conductor/pkg/artifact"
	"github.com/aixgo-dev/conductor/pkg/cache"
	"github.com/aixgo-dev/conductor/pkg/contracts"
	"github.com/aixgo-dev/conductor/pkg/logging"
	metrics "github.com/aixgo-dev/conductor/pkg/observability"
	"github.com/aixgo-dev/conductor/pkg/queue"
)

// Client-visible error texts produced by the gateway itself.
const (
	ErrTextTimeout        = "Request timed out"
	ErrTextInvalidMessage = "Invalid message payload."
)

// TaskEnqueuer hands tasks to the orchestrator service.
type TaskEnqueuer interface {
	Enqueue(ctx context.Context, t *contracts.Task) error
}

// ResponseSubscriber opens a session's response stream.
type ResponseSubscriber interface {
	Subscribe(ctx context.Context, sessionID string) (*queue.Subscription, error)
}

// SessionCloser announces that a session's client went away.
type SessionCloser interface {
	Closed(ctx context.Context, sessionID string) error
}

// ArtifactReader loads stored artifacts.
type ArtifactReader interface {
	Get(ctx context.Context, id string) (*artifact.Artifact, error)
}

var (
	_ TaskEnqueuer       = (*queue.TaskQueue)(nil)
	_ ResponseSubscriber = (*queue.ResponseBus)(nil)
	_ SessionCloser      = (*queue.SessionEvents)(nil)
	_ ArtifactReader     = (*artifact.RedisStore)(nil)
)

// Router is anything routes can be mounted on.
type Router interface {
	Handle(pattern string, h http.Handler)
}

// Config holds gateway settings.
type Config struct {
	// ResponseTimeout bounds the wait for a request's final response. Default: 240s
	ResponseTimeout time.Duration
	// WriteTimeout bounds a single socket write. Default: 10s
	WriteTimeout time.Duration
	Logger       zerolog.Logger
}

// Option is a functional option for configuring a Server.
type Option func(*Server)

// WithResponseTimeout sets the per-request response timeout.
func WithResponseTimeout(d time.Duration) Option {
	return func(s *Server) { s.cfg.ResponseTimeout = d }
}

// WithSessionCloser announces closed sessions through c.
func WithSessionCloser(c SessionCloser) Option {
	return func(s *Server) { s.closer = c }
}

// WithArtifacts enables the artifact download route.
func WithArtifacts(r ArtifactReader) Option {
	return func(s *Server) { s.artifacts = r }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.cfg.Logger = l }
}

// Server is the session gateway. It keeps at most one connection per session id.
type Server struct {
	cfg         Config
	tasks       TaskEnqueuer
	responses   ResponseSubscriber
	closer      SessionCloser
	artifacts   ArtifactReader
	connections *cache.Cache[*Connection]
	upgrader    websocket.Upgrader
	logger      zerolog.Logger
}

// NewServer returns a gateway that enqueues on tasks and relays from responses.
func NewServer(tasks TaskEnqueuer, responses ResponseSubscriber, opts ...Option) *Server {
	s := &Server{
		cfg: Config{
			ResponseTimeout: 240 * time.Second,
			WriteTimeout:    10 * time.Second,
			Logger:          zerolog.Nop(),
		},
		tasks:       tasks,
		responses:   responses,
		connections: cache.New[*Connection](),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.Component(s.cfg.Logger, "gateway")
	return s
}

// Mount adds the client endpoint and, when artifacts are configured, the download route.
func (s *Server) Mount(r Router) {
	r.Handle("/api/query", http.HandlerFunc(s.handleQuery))
	if s.artifacts != nil {
		r.Handle("GET /artifacts/{id}", http.HandlerFunc(s.handleArtifact))
	}
}

// Connections returns the number of live client connections.
func (s *Server) Connections() int { return s.connections.Len() }

// CloseAll closes every client connection, e.g. on shutdown.
func (s *Server) CloseAll() {
	for _, id := range s.connections.Keys() {
		if c, ok := s.connections.Get(id); ok {
			c.close(websocket.CloseGoingAway, "server shutting down")
		}
	}
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, `{"error":"session_id is required"}`, http.StatusBadRequest)
		return
	}
	logger := s.logger.With().Str("session_id", sessionID).Logger()

	created := false
	c, _ := s.connections.GetOrCreate(sessionID, func() (*Connection, error) {
		created = true
		return newConnection(sessionID, s, logger), nil
	})
	if !created {
		logger.Warn().Msg("rejecting duplicate connection")
		http.Error(w, `{"error":"session already connected"}`, http.StatusConflict)
		return
	}

	sub, err := s.responses.Subscribe(r.Context(), sessionID)
	if err != nil {
		s.connections.Remove(sessionID)
		logger.Error().Err(err).Msg("response subscription failed")
		http.Error(w, `{"error":"response bus unavailable"}`, http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		_ = sub.Close()
		s.connections.Remove(sessionID)
		logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	metrics.SessionOpened()
	logger.Info().Str("remote", r.RemoteAddr).Msg("client connected")
	c.serve(conn, sub)
}

// release runs once a connection is gone.
func (s *Server) release(c *Connection) {
	s.connections.Remove(c.sessionID)
	metrics.SessionClosed()
	if s.closer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.closer.Closed(ctx, c.sessionID); err != nil {
			c.logger.Warn().Err(err).Msg("closed session not announced")
		}
	}
	c.logger.Info().Msg("client disconnected")
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	a, err := s.artifacts.Get(r.Context(), id)
	if errors.Is(err, artifact.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("artifact_id", id).Msg("artifact read failed")
		http.Error(w, "artifact store unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", a.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(a.Data)))
	_, _ = w.Write(a.Data)
}
