package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/aixgo-dev/conductor/internal/observability"
	"github.com/aixgo-dev/conductor/pkg/contracts"
	metrics "github.com/aixgo-dev/conductor/pkg/observability"
	"github.com/aixgo-dev/conductor/pkg/queue"
)

// Connection is one client socket bound to a session. Requests in flight are tracked per
// dialog id until their final response or their timeout, whichever comes first.
type Connection struct {
	sessionID string
	server    *Server
	logger    zerolog.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]pendingRequest
}

type pendingRequest struct {
	timer *time.Timer
}

func newConnection(sessionID string, s *Server, logger zerolog.Logger) *Connection {
	return &Connection{
		sessionID: sessionID,
		server:    s,
		logger:    logger,
		pending:   make(map[string]pendingRequest),
	}
}

// serve relays responses in the background and reads client messages until the socket
// closes. It does not return before the connection is released.
func (c *Connection) serve(conn *websocket.Conn, sub *queue.Subscription) {
	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()

	relayed := make(chan struct{})
	go func() {
		defer close(relayed)
		c.relay(sub)
	}()

	c.read()

	_ = conn.Close()
	_ = sub.Close()
	<-relayed
	c.shutdown()
	c.server.release(c)
}

func (c *Connection) read() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Error().Err(err).Msg("websocket error")
			}
			return
		}

		var msg contracts.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil || msg.Message == "" {
			c.logger.Warn().Int("bytes", len(data)).Msg("invalid client message")
			c.write(contracts.EventFor(contracts.NewFailure(&contracts.Task{SessionID: c.sessionID, DialogID: msg.DialogID, UserID: msg.UserID}, ErrTextInvalidMessage, false)))
			continue
		}
		if msg.DialogID == "" {
			msg.DialogID = uuid.NewString()
		}
		c.submit(msg.ToTask(c.sessionID))
	}
}

func (c *Connection) submit(task *contracts.Task) {
	logger := c.logger.With().Str("dialog_id", task.DialogID).Logger()
	ctx, span := observability.StartSpan(context.Background(), "gateway.enqueue",
		attribute.String("session_id", task.SessionID),
		attribute.String("dialog_id", task.DialogID),
	)

	c.track(task)
	err := c.server.tasks.Enqueue(ctx, task)
	observability.EndSpan(span, err)
	if err != nil {
		logger.Error().Err(err).Msg("task not enqueued")
		if c.forget(task.DialogID) {
			c.write(contracts.EventFor(contracts.NewFailure(task, contracts.GenericErrorMessage, true)))
		}
		return
	}
	logger.Info().Msg("task enqueued")
}

// track starts the response timeout of a request.
func (c *Connection) track(task *contracts.Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.pending[task.DialogID]; ok {
		prev.timer.Stop()
	}
	dialogID := task.DialogID
	c.pending[dialogID] = pendingRequest{
		timer: time.AfterFunc(c.server.cfg.ResponseTimeout, func() {
			if c.forget(dialogID) {
				c.logger.Warn().Str("dialog_id", dialogID).Msg("response timed out")
				c.write(contracts.EventFor(contracts.NewFailure(task, ErrTextTimeout, true)))
			}
		}),
	}
}

// forget stops tracking a dialog and reports whether it was still pending.
func (c *Connection) forget(dialogID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[dialogID]
	if !ok {
		return false
	}
	p.timer.Stop()
	delete(c.pending, dialogID)
	return true
}

func (c *Connection) isPending(dialogID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[dialogID]
	return ok
}

func (c *Connection) relay(sub *queue.Subscription) {
	for env := range sub.Envelopes() {
		resp := env.Payload
		ctx := observability.Extract(context.Background(), env.TraceContext)
		_, span := observability.StartSpan(ctx, "gateway.deliver",
			attribute.String("session_id", resp.SessionID),
			attribute.String("dialog_id", resp.DialogID),
			attribute.Bool("final", resp.Answer.IsFinal),
		)

		deliver := c.isPending(resp.DialogID)
		if resp.Answer.IsFinal {
			deliver = c.forget(resp.DialogID)
		}
		if !deliver {
			metrics.RecordDroppedResponse("late")
			c.logger.Debug().Str("dialog_id", resp.DialogID).Msg("dropping response for a request no longer pending")
			span.End()
			continue
		}
		c.write(contracts.EventFor(&resp))
		span.End()
	}
}

func (c *Connection) write(ev contracts.Event) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.server.cfg.WriteTimeout))
	if err := c.conn.WriteJSON(ev); err != nil {
		c.logger.Warn().Err(err).Str("event", string(ev.Type)).Msg("write to client failed")
	}
}

// shutdown stops every pending timeout. Late responses for those requests are dropped.
func (c *Connection) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, p := range c.pending {
		p.timer.Stop()
		delete(c.pending, id)
	}
}

// close sends a close frame, which ends the read loop.
func (c *Connection) close(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return
	}
	deadline := time.Now().Add(time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = c.conn.Close()
}
