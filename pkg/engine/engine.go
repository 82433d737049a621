// Package engine owns session lifecycle and the per-session queue+bridge
// pairs. Cross-session operations run fully in parallel; each session's
// state is serialized by its own queue.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/loopgate/loopgate/internal/observability"
	"github.com/loopgate/loopgate/internal/tracing"
	"github.com/loopgate/loopgate/pkg/bridge"
	"github.com/loopgate/loopgate/pkg/queue"
	"github.com/loopgate/loopgate/pkg/store"
)

// ErrSessionClosed rejects operations against a COMPLETED session.
var ErrSessionClosed = errors.New("session is completed")

// ErrInvalidTransition rejects pause/resume from the wrong status.
var ErrInvalidTransition = errors.New("invalid session status transition")

// Config holds engine dependencies.
type Config struct {
	Store     *store.Store
	Logger    zerolog.Logger
	UIBaseURL string // operator UI base, e.g. http://localhost:8420
}

type runtime struct {
	queue  *queue.Queue
	bridge *bridge.Bridge
}

// Engine orchestrates sessions: thin read/write-through to the store plus
// one lazily created runtime (queue+bridge) per session for the life of the
// process.
type Engine struct {
	store     *store.Store
	logger    zerolog.Logger
	uiBaseURL string

	mu       sync.RWMutex
	runtimes map[string]*runtime
	closed   bool
}

// New creates an engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("session store is required")
	}

	observability.EnsureRegistered()

	baseURL := strings.TrimSuffix(cfg.UIBaseURL, "/")
	if baseURL == "" {
		baseURL = "http://localhost:8420"
	}

	return &Engine{
		store:     cfg.Store,
		logger:    cfg.Logger,
		uiBaseURL: baseURL,
		runtimes:  make(map[string]*runtime),
	}, nil
}

// SessionURL returns the human-facing URL for a session.
func (e *Engine) SessionURL(sessionID string) string {
	return fmt.Sprintf("%s/session/%s", e.uiBaseURL, sessionID)
}

// CreateSession persists a new ACTIVE session and announces its operator URL.
func (e *Engine) CreateSession(ctx context.Context, description string) (store.Session, error) {
	id, err := gonanoid.New()
	if err != nil {
		return store.Session{}, fmt.Errorf("failed to generate session id: %w", err)
	}

	sess, err := e.store.Create(ctx, id, description)
	if err != nil {
		return store.Session{}, err
	}

	logger := tracing.LoggerFromContext(ctx, e.logger)
	logger.Info().
		Str("session_id", sess.ID).
		Str("url", e.SessionURL(sess.ID)).
		Msg("Session created")

	e.updateActiveSessionsMetric(ctx)
	return sess, nil
}

// GetSession returns a session by id; store.ErrNotFound when unknown.
func (e *Engine) GetSession(ctx context.Context, id string) (store.Session, error) {
	return e.store.Get(ctx, id)
}

// ListSessions returns all sessions, oldest first.
func (e *Engine) ListSessions(ctx context.Context) ([]store.Session, error) {
	return e.store.List(ctx)
}

// runtimeFor returns the session's queue+bridge pair, creating it lazily.
// Sessions reloaded from the store after a restart get a fresh runtime on
// first touch, with PAUSED status restored onto the queue.
func (e *Engine) runtimeFor(ctx context.Context, sessionID string) (*runtime, error) {
	e.mu.RLock()
	rt, ok := e.runtimes[sessionID]
	closed := e.closed
	e.mu.RUnlock()
	if ok {
		return rt, nil
	}
	if closed {
		return nil, queue.ErrClosed
	}

	sess, err := e.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status == store.StatusCompleted {
		return nil, ErrSessionClosed
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if rt, ok := e.runtimes[sessionID]; ok {
		return rt, nil
	}
	if e.closed {
		return nil, queue.ErrClosed
	}

	q := queue.New(sessionID, e.logger)
	if sess.Status == store.StatusPaused {
		q.Pause()
	}
	rt = &runtime{
		queue:  q,
		bridge: bridge.New(sessionID, q, e.logger),
	}
	e.runtimes[sessionID] = rt

	e.logger.Debug().Str("session_id", sessionID).Msg("Session runtime initialized")
	return rt, nil
}

// Submit carries one producer call: it blocks until a human responds or the
// session is abandoned.
func (e *Engine) Submit(ctx context.Context, sessionID, agentName string, payload json.RawMessage) (queue.Response, error) {
	rt, err := e.runtimeFor(ctx, sessionID)
	if err != nil {
		return queue.Response{}, err
	}

	ctx = tracing.WithSessionID(ctx, sessionID)
	ctx = tracing.WithAgentName(ctx, agentName)
	return rt.bridge.Submit(ctx, agentName, payload)
}

// Enqueue opens a producer call without blocking on the answer. The gateway
// uses the returned ticket to acknowledge the correlation id to the producer
// before waiting, so the call survives transport drops. A non-empty
// correlationID dedupes a re-sent submit onto the original request.
func (e *Engine) Enqueue(ctx context.Context, sessionID, correlationID, agentName string, payload json.RawMessage) (*queue.Ticket, error) {
	rt, err := e.runtimeFor(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	ctx = tracing.WithSessionID(ctx, sessionID)
	ctx = tracing.WithAgentName(ctx, agentName)
	return rt.bridge.Open(ctx, correlationID, agentName, payload)
}

// Attach resumes an in-flight Submit by correlation id after a reconnect.
func (e *Engine) Attach(ctx context.Context, sessionID, correlationID string) (*queue.Ticket, error) {
	rt, err := e.runtimeFor(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return rt.bridge.Attach(correlationID)
}

// Subscribe returns the consumer delivery stream for a session.
func (e *Engine) Subscribe(ctx context.Context, sessionID string) (<-chan queue.Request, error) {
	rt, err := e.runtimeFor(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return rt.bridge.Subscribe(ctx), nil
}

// Respond resolves a delivered request with the operator's payload.
func (e *Engine) Respond(ctx context.Context, sessionID, correlationID string, payload json.RawMessage) error {
	rt, err := e.runtimeFor(ctx, sessionID)
	if err != nil {
		return err
	}
	return rt.bridge.Respond(correlationID, payload)
}

// PauseSession stops delivery of new head-of-line items. Only ACTIVE
// sessions can be paused.
func (e *Engine) PauseSession(ctx context.Context, sessionID string) error {
	sess, err := e.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != store.StatusActive {
		return fmt.Errorf("%w: cannot pause %s session", ErrInvalidTransition, sess.Status)
	}

	if err := e.store.UpdateStatus(ctx, sessionID, store.StatusPaused); err != nil {
		return err
	}

	e.mu.RLock()
	rt := e.runtimes[sessionID]
	e.mu.RUnlock()
	if rt != nil {
		rt.queue.Pause()
	}

	e.logger.Info().Str("session_id", sessionID).Msg("Session paused")
	return nil
}

// ResumeSession re-enables delivery for a PAUSED session.
func (e *Engine) ResumeSession(ctx context.Context, sessionID string) error {
	sess, err := e.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status != store.StatusPaused {
		return fmt.Errorf("%w: cannot resume %s session", ErrInvalidTransition, sess.Status)
	}

	if err := e.store.UpdateStatus(ctx, sessionID, store.StatusActive); err != nil {
		return err
	}

	e.mu.RLock()
	rt := e.runtimes[sessionID]
	e.mu.RUnlock()
	if rt != nil {
		rt.queue.Resume()
	}

	e.logger.Info().Str("session_id", sessionID).Msg("Session resumed")
	return nil
}

// CloseSession completes a session: every blocked producer receives the
// abandonment error exactly once. Closing an already completed session is a
// no-op. This is the only path to COMPLETED; producer disconnects never
// complete a session.
func (e *Engine) CloseSession(ctx context.Context, sessionID string) error {
	sess, err := e.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status == store.StatusCompleted {
		return nil
	}

	if err := e.store.UpdateStatus(ctx, sessionID, store.StatusCompleted); err != nil {
		return err
	}

	e.mu.Lock()
	rt := e.runtimes[sessionID]
	delete(e.runtimes, sessionID)
	e.mu.Unlock()

	if rt != nil {
		rt.bridge.Abandon("session closed")
	}

	e.logger.Info().Str("session_id", sessionID).Msg("Session completed")
	e.updateActiveSessionsMetric(ctx)
	return nil
}

// Shutdown abandons every runtime so no blocked Submit hangs. Session
// statuses are left untouched: producers are expected to reconnect after a
// restart.
func (e *Engine) Shutdown(ctx context.Context) {
	e.mu.Lock()
	e.closed = true
	runtimes := e.runtimes
	e.runtimes = make(map[string]*runtime)
	e.mu.Unlock()

	for id, rt := range runtimes {
		n := rt.bridge.Abandon("server shutting down")
		if n > 0 {
			e.logger.Warn().
				Str("session_id", id).
				Int("abandoned", n).
				Msg("In-flight requests abandoned at shutdown")
		}
	}

	e.logger.Info().Int("sessions", len(runtimes)).Msg("Engine shut down")
}

func (e *Engine) updateActiveSessionsMetric(ctx context.Context) {
	n, err := e.store.CountActive(ctx)
	if err != nil {
		return
	}
	observability.SetActiveSessions(n)
}
