package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/aixgo-dev/conductor/pkg/contracts"
	"github.com/aixgo-dev/conductor/pkg/logging"
)

// ResponseBus publishes responses on per-session Redis pub/sub channels. Delivery is
// best effort: a response published while nobody subscribes to its session is lost.
type ResponseBus struct {
	client *redis.Client
	prefix string
	logger zerolog.Logger
}

// NewResponseBus returns a bus whose channels are named "<prefix>:<session id>".
func NewResponseBus(client *redis.Client, prefix string, logger zerolog.Logger) *ResponseBus {
	return &ResponseBus{
		client: client,
		prefix: prefix,
		logger: logging.Component(logger, "response_bus"),
	}
}

// Channel returns the channel name for a session.
func (b *ResponseBus) Channel(sessionID string) string {
	return b.prefix + ":" + sessionID
}

// Publish sends a response with its trace context and returns how many subscribers got it.
func (b *ResponseBus) Publish(ctx context.Context, r *contracts.Response, traceContext map[string]string) (int64, error) {
	data, err := r.Encode(traceContext)
	if err != nil {
		return 0, err
	}
	n, err := b.client.Publish(ctx, b.Channel(r.SessionID), data).Result()
	if err != nil {
		return 0, fmt.Errorf("publish response for session %s: %w", r.SessionID, err)
	}
	return n, nil
}

// Subscribe listens on a session's channel. The subscription is confirmed by Redis before
// Subscribe returns, so anything published afterwards is delivered.
func (b *ResponseBus) Subscribe(ctx context.Context, sessionID string) (*Subscription, error) {
	ps := b.client.Subscribe(ctx, b.Channel(sessionID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe session %s: %w", sessionID, err)
	}

	s := &Subscription{
		ps:     ps,
		out:    make(chan *contracts.Envelope, 16),
		done:   make(chan struct{}),
		logger: b.logger.With().Str("session_id", sessionID).Logger(),
	}
	go s.run()
	return s, nil
}

// Subscription delivers the decoded envelopes published to one session.
type Subscription struct {
	ps     *redis.PubSub
	out    chan *contracts.Envelope
	done   chan struct{}
	once   sync.Once
	logger zerolog.Logger
}

func (s *Subscription) run() {
	defer close(s.out)
	for msg := range s.ps.Channel() {
		env, err := contracts.DecodeEnvelope([]byte(msg.Payload))
		if err != nil {
			s.logger.Warn().Err(err).Msg("dropping malformed response")
			continue
		}
		select {
		case s.out <- env:
		case <-s.done:
			return
		}
	}
}

// Envelopes returns the delivery channel. It is closed after Close.
func (s *Subscription) Envelopes() <-chan *contracts.Envelope { return s.out }

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
