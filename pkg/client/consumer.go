package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/loopgate/loopgate/pkg/gateway"
	"github.com/loopgate/loopgate/pkg/reconnect"
)

// Request is one pending producer call delivered to the consumer.
type Request struct {
	ID         string
	AgentName  string
	Payload    json.RawMessage
	EnqueuedAt time.Time
}

// Handler produces the human (or human-backed) answer for one request.
// Returning an error leaves the request awaiting so another consumer can
// answer it.
type Handler func(ctx context.Context, req Request) (json.RawMessage, error)

// Consumer is the operator-side client for one session. Run delivers
// requests to the handler one at a time, in order, and sends the answers
// back. It reconnects with the shared backoff policy until the session
// closes.
type Consumer struct {
	cfg       Config
	sessionID string
	handler   Handler
	policy    *reconnect.Policy
	logger    zerolog.Logger
}

// ConsumerConfig configures a consumer.
type ConsumerConfig struct {
	Config
	SessionID string
	Handler   Handler
	Policy    *reconnect.Policy
	Logger    zerolog.Logger
}

// NewConsumer creates a consumer bound to one session.
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.SessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if cfg.Policy == nil {
		cfg.Policy = reconnect.Default()
	}

	return &Consumer{
		cfg:       cfg.Config,
		sessionID: cfg.SessionID,
		handler:   cfg.Handler,
		policy:    cfg.Policy,
		logger:    cfg.Logger.With().Str("session_id", cfg.SessionID).Logger(),
	}, nil
}

// Run consumes the session's request stream until the session closes, ctx
// is cancelled, or reconnect attempts run out. Returns nil on a clean
// session close.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			return err
		}

		// Unblock the read loop when ctx is cancelled.
		watchDone := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				conn.Close()
			case <-watchDone:
			}
		}()

		closed, err := c.pump(ctx, conn)
		close(watchDone)
		conn.Close()
		if closed {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			c.logger.Warn().Err(err).Msg("Consumer stream lost")
		}

		if !c.policy.CanRetry() {
			return ErrRetriesExhausted
		}
		delay := c.policy.NextDelay()
		c.logger.Warn().
			Dur("delay", delay).
			Int("attempt", c.policy.Attempt()).
			Msg("Consumer reconnecting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *Consumer) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	url := c.cfg.wsURL("/ws/consumer?session=" + c.sessionID)
	conn, _, err := dialer.DialContext(ctx, url, c.cfg.header())
	if err != nil {
		return nil, fmt.Errorf("dial consumer stream: %w", err)
	}
	return conn, nil
}

// pump reads one frame at a time; the single-flight contract means at most
// one request is in the handler. Returns closed=true when the session ended.
func (c *Consumer) pump(ctx context.Context, conn *websocket.Conn) (bool, error) {
	for {
		var frame gateway.ConsumerFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return false, err
		}
		c.policy.Reset()

		switch frame.Type {
		case gateway.FrameClosed:
			c.logger.Info().Msg("Session closed by gateway")
			return true, nil

		case gateway.FrameError:
			rpcErr := &gateway.RPCError{Code: frame.Code, Message: frame.Message}
			if frame.Code == gateway.SessionNotFound || frame.Code == gateway.SessionClosed {
				return false, rpcErr
			}
			c.logger.Warn().Int("code", frame.Code).Str("message", frame.Message).Msg("Gateway reported error")

		case gateway.FrameRequest:
			answer, err := c.handler(ctx, Request{
				ID:         frame.ID,
				AgentName:  frame.Agent,
				Payload:    frame.Payload,
				EnqueuedAt: frame.EnqueuedAt,
			})
			if err != nil {
				// The request stays awaiting; reconnecting triggers the
				// head-of-line replay so it is delivered again instead of
				// idling until the connection drops.
				c.logger.Error().
					Err(err).
					Str("correlation_id", frame.ID).
					Msg("Handler failed, reconnecting to replay the request")
				return false, fmt.Errorf("handler failed for %s: %w", frame.ID, err)
			}

			if err := conn.WriteJSON(gateway.ConsumerFrame{
				Type:    gateway.FrameRespond,
				ID:      frame.ID,
				Payload: answer,
			}); err != nil {
				return false, err
			}
		}
	}
}
