package gateway

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopgate/loopgate/pkg/engine"
	"github.com/loopgate/loopgate/pkg/queue"
	"github.com/loopgate/loopgate/pkg/store"
)

func TestRPCRouter_RegisterMethod(t *testing.T) {
	router := NewRPCRouter()

	t.Run("should register method successfully", func(t *testing.T) {
		handler := func(params map[string]interface{}) (interface{}, error) {
			return "result", nil
		}

		err := router.RegisterMethod("test.method", handler)
		assert.NoError(t, err)
		assert.True(t, router.HasMethod("test.method"))
	})

	t.Run("should reject nil handler", func(t *testing.T) {
		err := router.RegisterMethod("test.nil", nil)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "handler cannot be nil")
	})
}

func TestRPCRouter_ParseRequest(t *testing.T) {
	router := NewRPCRouter()

	t.Run("should parse valid request", func(t *testing.T) {
		req, err := router.ParseRequest([]byte(`{"id":"1","method":"session.list","jsonrpc":"2.0"}`))
		require.NoError(t, err)
		assert.Equal(t, "session.list", req.Method)
	})

	t.Run("should reject malformed JSON", func(t *testing.T) {
		_, err := router.ParseRequest([]byte(`{nope`))
		var rpcErr *RPCError
		require.ErrorAs(t, err, &rpcErr)
		assert.Equal(t, ParseError, rpcErr.Code)
	})

	t.Run("should reject missing id", func(t *testing.T) {
		_, err := router.ParseRequest([]byte(`{"method":"session.list"}`))
		var rpcErr *RPCError
		require.ErrorAs(t, err, &rpcErr)
		assert.Equal(t, InvalidRequest, rpcErr.Code)
	})

	t.Run("should reject missing method", func(t *testing.T) {
		_, err := router.ParseRequest([]byte(`{"id":"1"}`))
		var rpcErr *RPCError
		require.ErrorAs(t, err, &rpcErr)
		assert.Equal(t, InvalidRequest, rpcErr.Code)
	})

	t.Run("should default jsonrpc version", func(t *testing.T) {
		req, err := router.ParseRequest([]byte(`{"id":"1","method":"m"}`))
		require.NoError(t, err)
		assert.Equal(t, "2.0", req.JSONRPC)
	})
}

func TestRPCRouter_RouteRequest(t *testing.T) {
	router := NewRPCRouter()

	router.RegisterMethod("echo", func(params map[string]interface{}) (interface{}, error) {
		return params["value"], nil
	})
	router.RegisterMethod("fail", func(params map[string]interface{}) (interface{}, error) {
		return nil, fmt.Errorf("boom")
	})

	t.Run("should route to handler", func(t *testing.T) {
		resp := router.RouteRequest(&RPCRequest{ID: "1", Method: "echo", Params: map[string]interface{}{"value": "hi"}})
		require.Nil(t, resp.Error)
		assert.Equal(t, "hi", resp.Result)
		assert.Equal(t, "1", resp.ID)
	})

	t.Run("should return method not found", func(t *testing.T) {
		resp := router.RouteRequest(&RPCRequest{ID: "2", Method: "missing"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, MethodNotFound, resp.Error.Code)
	})

	t.Run("should wrap handler errors", func(t *testing.T) {
		resp := router.RouteRequest(&RPCRequest{ID: "3", Method: "fail"})
		require.NotNil(t, resp.Error)
		assert.Equal(t, InternalError, resp.Error.Code)
		assert.Contains(t, resp.Error.Message, "boom")
	})
}

func TestRPCRouter_Idempotency(t *testing.T) {
	router := NewRPCRouter()

	calls := 0
	router.RegisterMethod("counter", func(params map[string]interface{}) (interface{}, error) {
		calls++
		return calls, nil
	})

	first := router.RouteRequest(&RPCRequest{ID: "1", Method: "counter", IdempotencyKey: "k1"})
	second := router.RouteRequest(&RPCRequest{ID: "2", Method: "counter", IdempotencyKey: "k1"})

	assert.Equal(t, 1, calls)
	assert.Equal(t, first.Result, second.Result)
	assert.Equal(t, "2", second.ID, "cached response carries the new request id")

	// A different key executes the handler again.
	third := router.RouteRequest(&RPCRequest{ID: "3", Method: "counter", IdempotencyKey: "k2"})
	assert.Equal(t, 2, third.Result)
}

func TestToRPCError_Taxonomy(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{store.ErrNotFound, SessionNotFound},
		{engine.ErrSessionClosed, SessionClosed},
		{queue.ErrClosed, SessionClosed},
		{queue.ErrAbandoned, SessionClosed},
		{queue.ErrNotAwaiting, NotAwaiting},
		{queue.ErrUnknownCorrelation, RequestUnknown},
		{engine.ErrInvalidTransition, InvalidParams},
		{fmt.Errorf("anything else"), InternalError},
	}

	for _, tc := range cases {
		rpcErr := toRPCError(fmt.Errorf("wrapped: %w", tc.err))
		assert.Equal(t, tc.code, rpcErr.Code, "error %v", tc.err)
	}

	// An *RPCError passes through unchanged.
	original := &RPCError{Code: Unauthorized, Message: "nope"}
	assert.Same(t, original, toRPCError(original))
}
