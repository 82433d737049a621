package bridge

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopgate/loopgate/pkg/queue"
)

func newTestBridge() *Bridge {
	q := queue.New("sess-test", zerolog.Nop())
	return New("sess-test", q, zerolog.Nop())
}

func raw(s string) json.RawMessage {
	return json.RawMessage(s)
}

func TestBridge_SubmitRespondRoundTrip(t *testing.T) {
	b := newTestBridge()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	deliveries := b.Subscribe(ctx)

	type result struct {
		res queue.Response
		err error
	}
	done := make(chan result, 1)
	go func() {
		res, err := b.Submit(ctx, "coder", raw(`{"q":"may I?"}`))
		done <- result{res, err}
	}()

	var req queue.Request
	select {
	case req = <-deliveries:
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery reached the consumer")
	}
	assert.Equal(t, "coder", req.AgentName)
	assert.Equal(t, queue.StateAwaitingResponse, req.State)

	require.NoError(t, b.Respond(req.ID, raw(`{"a":"yes"}`)))

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.Equal(t, req.ID, r.res.CorrelationID)
		assert.JSONEq(t, `{"a":"yes"}`, string(r.res.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("submit did not return after respond")
	}
}

func TestBridge_OrderingAcrossProducers(t *testing.T) {
	b := newTestBridge()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	deliveries := b.Subscribe(ctx)

	r1Done := make(chan error, 1)
	go func() {
		_, err := b.Submit(ctx, "agent-a", raw(`"r1"`))
		r1Done <- err
	}()

	req1 := <-deliveries

	r2Done := make(chan error, 1)
	go func() {
		_, err := b.Submit(ctx, "agent-b", raw(`"r2"`))
		r2Done <- err
	}()

	// R2 must not be delivered while R1 is awaiting a response.
	select {
	case req := <-deliveries:
		t.Fatalf("unexpected delivery %s before r1 resolved", req.ID)
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, b.Respond(req1.ID, raw(`"a1"`)))
	require.NoError(t, <-r1Done)

	req2 := <-deliveries
	assert.Equal(t, "agent-b", req2.AgentName)

	select {
	case err := <-r2Done:
		t.Fatalf("r2 submit returned before resolve: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, b.Respond(req2.ID, raw(`"a2"`)))
	require.NoError(t, <-r2Done)
}

func TestBridge_ConsumerReconnectReplaysHeadOfLine(t *testing.T) {
	b := newTestBridge()
	rootCtx, rootCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer rootCancel()

	go func() {
		_, _ = b.Submit(rootCtx, "agent-a", raw(`"r1"`))
	}()
	go func() {
		// Give r1 a head start so ordering is deterministic.
		time.Sleep(50 * time.Millisecond)
		_, _ = b.Submit(rootCtx, "agent-b", raw(`"r2"`))
	}()

	subCtx, subCancel := context.WithCancel(rootCtx)
	deliveries := b.Subscribe(subCtx)

	var req1 queue.Request
	select {
	case req1 = <-deliveries:
	case <-time.After(2 * time.Second):
		t.Fatal("first consumer saw no delivery")
	}

	// Consumer drops without answering.
	subCancel()
	time.Sleep(50 * time.Millisecond)

	// A returning consumer sees the same unanswered head-of-line first.
	deliveries2 := b.Subscribe(rootCtx)
	select {
	case replay := <-deliveries2:
		assert.Equal(t, req1.ID, replay.ID, "replayed frame must be the unanswered head-of-line")
	case <-time.After(2 * time.Second):
		t.Fatal("reconnected consumer saw no replay")
	}

	require.NoError(t, b.Respond(req1.ID, raw(`"a1"`)))

	select {
	case next := <-deliveries2:
		assert.NotEqual(t, req1.ID, next.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("second request never delivered")
	}
}

func TestBridge_AttachObservesResult(t *testing.T) {
	b := newTestBridge()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Producer submits, then its transport drops (ctx cancel).
	submitCtx, submitCancel := context.WithCancel(ctx)
	started := make(chan string, 1)
	go func() {
		ticket, err := b.Queue().Enqueue("agent-a", raw(`"r1"`))
		if err != nil {
			close(started)
			return
		}
		started <- ticket.Request().ID
		_, _ = ticket.Wait(submitCtx)
	}()

	corrID := <-started
	require.NotEmpty(t, corrID)
	submitCancel()

	// Operator answers while no producer is attached.
	deliveries := b.Subscribe(ctx)
	req := <-deliveries
	require.Equal(t, corrID, req.ID)
	require.NoError(t, b.Respond(req.ID, raw(`"late"`)))

	// Reconnected producer attaches by correlation id and gets the answer.
	ticket, err := b.Attach(corrID)
	require.NoError(t, err)
	res, err := ticket.Wait(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `"late"`, string(res.Payload))

	_, err = b.Attach("unknown-id")
	assert.ErrorIs(t, err, queue.ErrUnknownCorrelation)
}

func TestBridge_AbandonReleasesSubmit(t *testing.T) {
	b := newTestBridge()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Submit(ctx, "agent-a", raw(`"r1"`))
		errCh <- err
	}()

	// Wait until the request is actually enqueued.
	require.Eventually(t, func() bool { return b.Queue().Depth() == 1 },
		2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, b.Abandon("session closed"))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, queue.ErrAbandoned)
	case <-time.After(2 * time.Second):
		t.Fatal("submit hung after abandon")
	}

	// A closed bridge rejects new submits.
	_, err := b.Submit(ctx, "agent-a", raw(`"r2"`))
	assert.ErrorIs(t, err, queue.ErrClosed)
}

func TestBridge_SubscribeClosesOnAbandon(t *testing.T) {
	b := newTestBridge()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	deliveries := b.Subscribe(ctx)
	b.Abandon("shutting down")

	select {
	case _, open := <-deliveries:
		assert.False(t, open, "delivery channel should close after abandon")
	case <-time.After(2 * time.Second):
		t.Fatal("delivery channel did not close")
	}
}
