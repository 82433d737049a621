package gateway

import (
	"encoding/json"
	"time"
)

// RPCRequest represents a JSON-RPC 2.0 request
type RPCRequest struct {
	ID             string                 `json:"id"`
	Method         string                 `json:"method"`
	Params         map[string]interface{} `json:"params,omitempty"`
	JSONRPC        string                 `json:"jsonrpc"`
	IdempotencyKey string                 `json:"idempotencyKey,omitempty"`
}

// RPCResponse represents a JSON-RPC 2.0 response
type RPCResponse struct {
	ID      string      `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	JSONRPC string      `json:"jsonrpc"`
}

// RPCError represents a JSON-RPC 2.0 error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements the error interface
func (e *RPCError) Error() string {
	return e.Message
}

// RPC error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603

	Unauthorized    = -32001
	SessionNotFound = -32004
	SessionClosed   = -32007
	NotAwaiting     = -32008
	RequestUnknown  = -32009
)

// Frame kinds carried on the producer and consumer websocket streams.
const (
	// producer → server
	FrameSubmit = "submit"
	FrameAttach = "attach"
	// server → producer
	FrameAccepted = "accepted"
	FrameResponse = "response"
	// server → consumer
	FrameRequest = "request"
	FrameClosed  = "closed"
	// consumer → server
	FrameRespond = "respond"
	// either direction
	FrameError = "error"
)

// ProducerFrame is a message on the producer stream. The producer sends one
// submit and awaits the response frame before its next submit; attach
// resumes an earlier submit after a reconnect.
type ProducerFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"` // correlation id
	Session string          `json:"session,omitempty"`
	Agent   string          `json:"agent,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Code    int             `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
}

// ConsumerFrame is a message on the consumer stream.
type ConsumerFrame struct {
	Type       string          `json:"type"`
	ID         string          `json:"id,omitempty"` // correlation id
	Agent      string          `json:"agent,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueuedAt,omitempty"`
	Code       int             `json:"code,omitempty"`
	Message    string          `json:"message,omitempty"`
}

// RequestHandler is a function that handles RPC requests
type RequestHandler func(params map[string]interface{}) (interface{}, error)
