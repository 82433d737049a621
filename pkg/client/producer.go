package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/loopgate/loopgate/pkg/gateway"
	"github.com/loopgate/loopgate/pkg/reconnect"
)

// ErrRetriesExhausted is returned when the reconnect policy runs out of
// attempts before the gateway comes back.
var ErrRetriesExhausted = fmt.Errorf("reconnect attempts exhausted")

// Producer is the agent-side client. Submit is one logical call: it blocks
// until a human answers, surviving gateway restarts and transport drops by
// reattaching to the same request.
type Producer struct {
	cfg       Config
	sessionID string
	policy    *reconnect.Policy
	logger    zerolog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// ProducerConfig configures a producer.
type ProducerConfig struct {
	Config
	SessionID string
	// Policy defaults to the standard 1s/30s/5 backoff when nil.
	Policy *reconnect.Policy
	Logger zerolog.Logger
}

// NewProducer creates a producer bound to one session.
func NewProducer(cfg ProducerConfig) (*Producer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.SessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if cfg.Policy == nil {
		cfg.Policy = reconnect.Default()
	}

	return &Producer{
		cfg:       cfg.Config,
		sessionID: cfg.SessionID,
		policy:    cfg.Policy,
		logger:    cfg.Logger.With().Str("session_id", cfg.SessionID).Logger(),
	}, nil
}

// Submit sends one request and blocks until the human response arrives or
// the session is abandoned. The correlation id is chosen client-side and
// rides on the submit frame, so the gateway can dedupe a re-sent submit onto
// the original request; a transport drop mid-wait reconnects and reattaches
// by that id. One Submit is one request, always.
func (p *Producer) Submit(ctx context.Context, agentName string, payload json.RawMessage) (json.RawMessage, error) {
	conn, err := p.connect(ctx)
	if err != nil {
		return nil, err
	}

	correlationID := uuid.NewString()
	submit := gateway.ProducerFrame{
		Type:    gateway.FrameSubmit,
		ID:      correlationID,
		Session: p.sessionID,
		Agent:   agentName,
		Payload: payload,
	}
	attach := gateway.ProducerFrame{
		Type:    gateway.FrameAttach,
		ID:      correlationID,
		Session: p.sessionID,
	}

	frame := submit
	for {
		if err := conn.WriteJSON(frame); err == nil {
			res, done, err := p.readUntilSettled(conn, correlationID)
			if done {
				// An attach the gateway cannot match means the original
				// submit never arrived; the idempotent id makes sending
				// it again safe.
				var rpcErr *gateway.RPCError
				if frame.Type == gateway.FrameAttach &&
					errors.As(err, &rpcErr) && rpcErr.Code == gateway.RequestUnknown {
					frame = submit
					continue
				}
				return res, err
			}
		}

		p.dropConn(conn)
		conn, err = p.reconnect(ctx)
		if err != nil {
			return nil, err
		}
		frame = attach
	}
}

// readUntilSettled consumes producer frames until the call settles or the
// transport fails.
func (p *Producer) readUntilSettled(conn *websocket.Conn, correlationID string) (json.RawMessage, bool, error) {
	for {
		var frame gateway.ProducerFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return nil, false, err
		}

		switch frame.Type {
		case gateway.FrameAccepted:
			p.policy.Reset()
		case gateway.FrameResponse:
			if frame.ID != correlationID {
				continue
			}
			return frame.Payload, true, nil
		case gateway.FrameError:
			if frame.ID != "" && frame.ID != correlationID {
				continue
			}
			return nil, true, &gateway.RPCError{Code: frame.Code, Message: frame.Message}
		}
	}
}

// Close drops the producer's connection. Safe to call at any time; an
// in-flight Submit reconnects on its own.
func (p *Producer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}

func (p *Producer) connect(ctx context.Context) (*websocket.Conn, error) {
	p.mu.Lock()
	if p.conn != nil {
		conn := p.conn
		p.mu.Unlock()
		return conn, nil
	}
	p.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, p.cfg.wsURL("/ws/producer"), p.cfg.header())
	if err != nil {
		return nil, fmt.Errorf("dial producer stream: %w", err)
	}

	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()
	p.policy.Reset()
	return conn, nil
}

func (p *Producer) dropConn(conn *websocket.Conn) {
	conn.Close()
	p.mu.Lock()
	if p.conn == conn {
		p.conn = nil
	}
	p.mu.Unlock()
}

func (p *Producer) reconnect(ctx context.Context) (*websocket.Conn, error) {
	for p.policy.CanRetry() {
		delay := p.policy.NextDelay()
		p.logger.Warn().
			Dur("delay", delay).
			Int("attempt", p.policy.Attempt()).
			Msg("Producer stream lost, reconnecting")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}

		conn, err := p.connect(ctx)
		if err == nil {
			return conn, nil
		}
		p.logger.Warn().Err(err).Msg("Reconnect attempt failed")
	}
	return nil, ErrRetriesExhausted
}
