// Package queue serializes concurrent producer requests for one session into
// a single FIFO stream consumed by one human operator. At most one request is
// awaiting a response at any instant; everything behind it waits its turn.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/loopgate/loopgate/internal/observability"
)

// State tracks a request through its lifecycle.
type State string

const (
	StateQueued           State = "QUEUED"
	StateDelivered        State = "DELIVERED"
	StateAwaitingResponse State = "AWAITING_RESPONSE"
	StateResolved         State = "RESOLVED"
	StateAbandoned        State = "ABANDONED"
)

// Request is a pending producer call. Payload is opaque to the queue; only
// the transport layer interprets it.
type Request struct {
	ID         string          `json:"id"`
	SessionID  string          `json:"sessionId"`
	AgentName  string          `json:"agentName"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	State      State           `json:"state"`
}

// Response is the operator-supplied answer to one request.
type Response struct {
	CorrelationID string          `json:"correlationId"`
	Payload       json.RawMessage `json:"payload"`
	ArrivedAt     time.Time       `json:"arrivedAt"`
}

var (
	// ErrClosed is returned when enqueueing into a closed queue.
	ErrClosed = fmt.Errorf("request queue closed")
	// ErrAbandoned releases blocked producers when their session closes.
	ErrAbandoned = fmt.Errorf("request abandoned")
	// ErrNotAwaiting rejects a response for a request that is not currently
	// awaiting one, including requests that were already resolved.
	ErrNotAwaiting = fmt.Errorf("request is not awaiting a response")
	// ErrUnknownCorrelation rejects a response with no matching request.
	ErrUnknownCorrelation = fmt.Errorf("unknown correlation id")
)

// Ticket is the promise half of a Submit call. The producer blocks on Wait;
// Resolve or AbandonAll fulfills it exactly once. Tickets can be awaited
// repeatedly, which is what lets a producer reattach after a transport drop.
type Ticket struct {
	req  Request
	done chan struct{}

	// Written once under the queue mutex before done is closed.
	res Response
	err error
}

// Request returns a snapshot of the pending request at enqueue time.
func (t *Ticket) Request() Request {
	return t.req
}

// Done is closed when the ticket has been fulfilled.
func (t *Ticket) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the request is resolved or abandoned. Cancelling ctx
// detaches this waiter only; the request itself stays pending so the
// operator can still answer it.
func (t *Ticket) Wait(ctx context.Context) (Response, error) {
	select {
	case <-t.done:
		return t.res, t.err
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

type item struct {
	ticket    *Ticket
	state     State
	fulfilled bool
	// resolvedAt bounds how long a finished ticket stays reattachable.
	resolvedAt time.Time
}

// resolvedRetention is how long resolved tickets stay reattachable by
// correlation id after their producer received (or could have received) the
// answer. Matches the gateway's idempotency cache TTL.
const resolvedRetention = 5 * time.Minute

// Queue is the per-session request queue. A single mutex serializes all
// state for one session; separate sessions never contend.
type Queue struct {
	sessionID string
	logger    zerolog.Logger

	mu        sync.Mutex
	order     []*item          // unresolved requests, FIFO
	byID      map[string]*item // unresolved plus recently resolved, for reattach
	wake      chan struct{}
	paused    bool
	closed    bool
	retention time.Duration
}

// New creates an empty queue for a session.
func New(sessionID string, logger zerolog.Logger) *Queue {
	observability.EnsureRegistered()

	return &Queue{
		sessionID: sessionID,
		logger:    logger.With().Str("session_id", sessionID).Logger(),
		byID:      make(map[string]*item),
		wake:      make(chan struct{}, 1),
		retention: resolvedRetention,
	}
}

// Wake signals whenever a new head-of-line item may be available. The
// consumer pump blocks on it instead of polling.
func (q *Queue) Wake() <-chan struct{} {
	return q.wake
}

// Enqueue appends a request and returns the ticket its producer blocks on.
func (q *Queue) Enqueue(agentName string, payload json.RawMessage) (*Ticket, error) {
	return q.EnqueueWithID(uuid.NewString(), agentName, payload)
}

// EnqueueWithID appends a request under a caller-chosen correlation id. It
// is idempotent: re-sending an id the queue has already seen returns the
// original ticket instead of enqueueing a duplicate, which is what keeps one
// logical Submit one request when the producer's transport drops before the
// acknowledgment reaches it.
func (q *Queue) EnqueueWithID(correlationID, agentName string, payload json.RawMessage) (*Ticket, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if it, ok := q.byID[correlationID]; ok {
		return it.ticket, nil
	}
	if q.closed {
		return nil, ErrClosed
	}

	q.pruneResolvedLocked()

	t := &Ticket{
		req: Request{
			ID:         correlationID,
			SessionID:  q.sessionID,
			AgentName:  agentName,
			Payload:    payload,
			EnqueuedAt: time.Now(),
			State:      StateQueued,
		},
		done: make(chan struct{}),
	}

	it := &item{ticket: t, state: StateQueued}
	q.order = append(q.order, it)
	q.byID[t.req.ID] = it

	q.logger.Debug().
		Str("correlation_id", t.req.ID).
		Str("agent_name", agentName).
		Int("depth", len(q.order)).
		Msg("Request enqueued")

	observability.RecordEnqueue(q.sessionID, len(q.order))

	q.promoteHeadLocked()
	return t, nil
}

// promoteHeadLocked marks the head DELIVERED and signals the consumer when
// nothing is awaiting a response. Callers hold q.mu.
func (q *Queue) promoteHeadLocked() {
	if q.paused || q.closed || len(q.order) == 0 {
		return
	}
	if q.awaitingLocked() != nil {
		return
	}

	head := q.order[0]
	if head.state == StateQueued {
		head.state = StateDelivered
		head.ticket.req.State = StateDelivered
	}
	q.signalLocked()
}

func (q *Queue) signalLocked() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) awaitingLocked() *item {
	var found *item
	for _, it := range q.order {
		if it.state == StateAwaitingResponse {
			if found != nil {
				// Invariant breach: never patch this silently.
				panic(fmt.Sprintf(
					"queue: multiple requests awaiting response in session %s", q.sessionID))
			}
			found = it
		}
	}
	return found
}

// NextForDelivery promotes the head-of-line request to AWAITING_RESPONSE and
// returns it. It returns false while another request is awaiting a response,
// while the session is paused, or when the queue is empty.
func (q *Queue) NextForDelivery() (Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || q.paused || len(q.order) == 0 {
		return Request{}, false
	}
	if q.awaitingLocked() != nil {
		return Request{}, false
	}

	head := q.order[0]
	head.state = StateAwaitingResponse
	head.ticket.req.State = StateAwaitingResponse

	q.logger.Debug().
		Str("correlation_id", head.ticket.req.ID).
		Msg("Request delivered to consumer")

	return head.ticket.req, true
}

// Current returns the request currently awaiting a response, if any. Used
// for state replay when a consumer (re)connects.
func (q *Queue) Current() (Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if it := q.awaitingLocked(); it != nil {
		return it.ticket.req, true
	}
	return Request{}, false
}

// Resolve fulfills the request awaiting a response and promotes the next
// queued request. Responses for unknown, queued, or already-resolved
// requests are rejected.
func (q *Queue) Resolve(correlationID string, payload json.RawMessage) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.byID[correlationID]
	if !ok {
		return ErrUnknownCorrelation
	}
	if it.state != StateAwaitingResponse {
		return fmt.Errorf("%w: %s is %s", ErrNotAwaiting, correlationID, it.state)
	}

	it.state = StateResolved
	it.ticket.req.State = StateResolved
	it.ticket.res = Response{
		CorrelationID: correlationID,
		Payload:       payload,
		ArrivedAt:     time.Now(),
	}
	it.fulfilled = true
	it.resolvedAt = time.Now()
	close(it.ticket.done)

	q.pruneResolvedLocked()

	q.removeLocked(correlationID)

	wait := time.Since(it.ticket.req.EnqueuedAt)
	q.logger.Info().
		Str("correlation_id", correlationID).
		Dur("waited", wait).
		Msg("Request resolved")

	observability.RecordResolve(q.sessionID, wait, len(q.order))

	q.promoteHeadLocked()
	return nil
}

// pruneResolvedLocked drops resolved tickets past the reattach window so
// byID stays bounded on long-lived sessions. Callers hold q.mu.
func (q *Queue) pruneResolvedLocked() {
	cutoff := time.Now().Add(-q.retention)
	for id, it := range q.byID {
		if it.state == StateResolved && it.resolvedAt.Before(cutoff) {
			delete(q.byID, id)
		}
	}
}

func (q *Queue) removeLocked(correlationID string) {
	for i, it := range q.order {
		if it.ticket.req.ID == correlationID {
			q.order = append(q.order[:i], q.order[i+1:]...)
			return
		}
	}
}

// Await returns the ticket for an in-flight (or already finished) request so
// a reconnecting producer can resume its logical call.
func (q *Queue) Await(correlationID string) (*Ticket, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.byID[correlationID]
	if !ok {
		return nil, ErrUnknownCorrelation
	}
	return it.ticket, nil
}

// AbandonAll releases every blocked producer with ErrAbandoned and closes
// the queue. Each ticket is fulfilled at most once. Returns the number of
// requests abandoned.
func (q *Queue) AbandonAll(reason string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0
	}
	q.closed = true

	count := 0
	for _, it := range q.order {
		if it.fulfilled {
			continue
		}
		it.state = StateAbandoned
		it.ticket.req.State = StateAbandoned
		it.ticket.err = fmt.Errorf("%w: %s", ErrAbandoned, reason)
		it.fulfilled = true
		close(it.ticket.done)
		count++
	}
	q.order = nil

	if count > 0 {
		q.logger.Info().
			Int("abandoned", count).
			Str("reason", reason).
			Msg("Pending requests abandoned")
	}
	observability.RecordAbandon(q.sessionID, count)

	q.signalLocked()
	return count
}

// Pause stops promotion of new head-of-line items. A request already
// awaiting a response stays deliverable so the operator can finish it.
func (q *Queue) Pause() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = true
}

// Resume re-enables promotion and wakes the consumer.
func (q *Queue) Resume() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = false
	q.promoteHeadLocked()
}

// Depth returns the number of unresolved requests.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// Closed reports whether AbandonAll has run.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
