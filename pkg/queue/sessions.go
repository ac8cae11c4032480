package queue

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/aixgo-dev/conductor/pkg/logging"
)

// SessionEvents announces sessions whose client connection closed, so the service that
// owns their orchestrators can release them.
type SessionEvents struct {
	client  *redis.Client
	channel string
	logger  zerolog.Logger
}

// NewSessionEvents returns session events on a single pub/sub channel.
func NewSessionEvents(client *redis.Client, channel string, logger zerolog.Logger) *SessionEvents {
	return &SessionEvents{
		client:  client,
		channel: channel,
		logger:  logging.Component(logger, "session_events"),
	}
}

// Closed announces that sessionID has no client anymore.
func (e *SessionEvents) Closed(ctx context.Context, sessionID string) error {
	if err := e.client.Publish(ctx, e.channel, sessionID).Err(); err != nil {
		return fmt.Errorf("announce closed session %s: %w", sessionID, err)
	}
	return nil
}

// Listen subscribes and returns the ids of closed sessions. The subscription is confirmed
// before Listen returns. The channel is closed when ctx ends.
func (e *SessionEvents) Listen(ctx context.Context) (<-chan string, error) {
	ps := e.client.Subscribe(ctx, e.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("listen for session events: %w", err)
	}

	out := make(chan string, 16)
	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	e.logger.Debug().Str("channel", e.channel).Msg("listening for closed sessions")
	return out, nil
}
