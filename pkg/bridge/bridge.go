// Package bridge connects blocked producer calls to a single human consumer
// over one session's request queue. It is transport-agnostic: the gateway
// carries its primitives over websockets, tests drive them directly.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/loopgate/loopgate/internal/observability"
	"github.com/loopgate/loopgate/internal/tracing"
	"github.com/loopgate/loopgate/pkg/queue"
)

// Bridge exposes the producer and consumer halves of one session's stream.
type Bridge struct {
	sessionID string
	q         *queue.Queue
	logger    zerolog.Logger
}

// New creates a bridge over the given queue.
func New(sessionID string, q *queue.Queue, logger zerolog.Logger) *Bridge {
	return &Bridge{
		sessionID: sessionID,
		q:         q,
		logger:    logger.With().Str("session_id", sessionID).Logger(),
	}
}

// Open enqueues a producer request and returns its ticket without waiting.
// The gateway uses this to acknowledge the correlation id to the producer
// before the human answers, so the producer can reattach after a transport
// drop. A non-empty correlationID makes the call idempotent: re-sending the
// same id returns the original request's ticket.
func (b *Bridge) Open(ctx context.Context, correlationID, agentName string, payload json.RawMessage) (*queue.Ticket, error) {
	var ticket *queue.Ticket
	var err error
	if correlationID != "" {
		ticket, err = b.q.EnqueueWithID(correlationID, agentName, payload)
	} else {
		ticket, err = b.q.Enqueue(agentName, payload)
	}
	if err != nil {
		return nil, fmt.Errorf("submit rejected: %w", err)
	}

	logger := tracing.LoggerFromContext(ctx, b.logger)
	logger.Info().
		Str("correlation_id", ticket.Request().ID).
		Str("agent_name", agentName).
		Msg("Submit blocked awaiting human response")

	return ticket, nil
}

// Submit enqueues a producer request and blocks until a human resolves it or
// the session is abandoned. There is deliberately no timeout on human
// latency; ctx cancellation detaches the caller without abandoning the
// request (the transport reattaches via Attach after a reconnect).
func (b *Bridge) Submit(ctx context.Context, agentName string, payload json.RawMessage) (queue.Response, error) {
	ticket, err := b.Open(ctx, "", agentName, payload)
	if err != nil {
		return queue.Response{}, err
	}
	return ticket.Wait(ctx)
}

// Attach resumes a logical Submit call by correlation id after a transport
// drop. The returned ticket observes the same result the original call
// would have.
func (b *Bridge) Attach(correlationID string) (*queue.Ticket, error) {
	return b.q.Await(correlationID)
}

// Subscribe returns the consumer's delivery stream. The first frame is the
// current head-of-line request when one exists, so a reconnecting UI needs
// no history. The channel closes when ctx is cancelled or the session is
// abandoned. Subscribing again is always safe.
func (b *Bridge) Subscribe(ctx context.Context) <-chan queue.Request {
	out := make(chan queue.Request)

	observability.ConsumerConnected(b.sessionID, 1)
	b.logger.Info().Msg("Consumer subscribed")

	go func() {
		defer func() {
			close(out)
			observability.ConsumerConnected(b.sessionID, -1)
			b.logger.Info().Msg("Consumer detached")
		}()

		// State replay: an already-delivered-but-unanswered request is
		// re-emitted; otherwise promote the head if one is waiting.
		if req, ok := b.q.Current(); ok {
			if !b.send(ctx, out, req) {
				return
			}
		} else if req, ok := b.q.NextForDelivery(); ok {
			if !b.send(ctx, out, req) {
				return
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-b.q.Wake():
				if b.q.Closed() {
					return
				}
				if req, ok := b.q.NextForDelivery(); ok {
					if !b.send(ctx, out, req) {
						return
					}
				}
			}
		}
	}()

	return out
}

func (b *Bridge) send(ctx context.Context, out chan<- queue.Request, req queue.Request) bool {
	select {
	case out <- req:
		return true
	case <-ctx.Done():
		// The request stays awaiting; the next subscriber replays it.
		return false
	}
}

// Respond resolves the request identified by correlationID with the
// operator's payload, releasing its blocked producer.
func (b *Bridge) Respond(correlationID string, payload json.RawMessage) error {
	return b.q.Resolve(correlationID, payload)
}

// Abandon releases every blocked producer with an abandonment error.
func (b *Bridge) Abandon(reason string) int {
	return b.q.AbandonAll(reason)
}

// Queue exposes the underlying queue for lifecycle control.
func (b *Bridge) Queue() *queue.Queue {
	return b.q
}
