// Package client provides the Go-side producer and consumer for a loopgate
// gateway: producers submit requests that block until a human answers,
// consumers receive them and reply. Both sides reconnect transparently with
// exponential backoff.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/loopgate/loopgate/pkg/gateway"
)

const handshakeTimeout = 10 * time.Second

// Config holds the connection settings shared by all client surfaces.
type Config struct {
	// BaseURL is the gateway's HTTP address, e.g. http://localhost:8420.
	BaseURL      string
	SharedSecret string
}

func (c Config) validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return fmt.Errorf("gateway base URL is required")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("invalid gateway base URL: %w", err)
	}
	return nil
}

func (c Config) wsURL(path string) string {
	base := strings.TrimSuffix(c.BaseURL, "/")
	base = strings.Replace(base, "http", "ws", 1)
	return base + path
}

func (c Config) header() http.Header {
	h := http.Header{}
	if c.SharedSecret != "" {
		h.Set(gateway.SecretHeader, c.SharedSecret)
	}
	return h
}

// RPC is a thin JSON-RPC client over the gateway's /rpc endpoint.
type RPC struct {
	cfg  Config
	http *http.Client
}

// NewRPC creates an RPC client.
func NewRPC(cfg Config) (*RPC, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &RPC{
		cfg:  cfg,
		http: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Call invokes one RPC method and decodes its result into out (out may be
// nil when the caller only cares about success).
func (r *RPC) Call(method string, params map[string]interface{}, out interface{}) error {
	id, err := gonanoid.New()
	if err != nil {
		return err
	}

	body, err := json.Marshal(gateway.RPCRequest{
		ID:      id,
		Method:  method,
		Params:  params,
		JSONRPC: "2.0",
	})
	if err != nil {
		return fmt.Errorf("failed to encode RPC request: %w", err)
	}

	endpoint := strings.TrimSuffix(r.cfg.BaseURL, "/") + "/rpc"
	req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.cfg.SharedSecret != "" {
		req.Header.Set(gateway.SecretHeader, r.cfg.SharedSecret)
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("RPC call failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("gateway rejected shared secret")
	}

	var rpcResp gateway.RPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("failed to decode RPC response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}

	if out != nil {
		raw, err := json.Marshal(rpcResp.Result)
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, out)
	}
	return nil
}

// Session is the wire shape of a session returned by the gateway.
type Session struct {
	ID          string    `json:"id"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status"`
	URL         string    `json:"url"`
	CreatedAt   time.Time `json:"createdAt"`
}

// CreateSession creates a session and returns it.
func (r *RPC) CreateSession(description string) (Session, error) {
	var sess Session
	err := r.Call("session.create", map[string]interface{}{"description": description}, &sess)
	return sess, err
}

// GetSession fetches one session by id.
func (r *RPC) GetSession(id string) (Session, error) {
	var sess Session
	err := r.Call("session.get", map[string]interface{}{"sessionId": id}, &sess)
	return sess, err
}

// ListSessions returns all sessions, oldest first.
func (r *RPC) ListSessions() ([]Session, error) {
	var result struct {
		Sessions []Session `json:"sessions"`
	}
	err := r.Call("session.list", nil, &result)
	return result.Sessions, err
}

// CloseSession completes a session, releasing its blocked producers.
func (r *RPC) CloseSession(id string) error {
	return r.Call("session.close", map[string]interface{}{"sessionId": id}, nil)
}

// PauseSession stops delivery of new requests to the session's consumer.
func (r *RPC) PauseSession(id string) error {
	return r.Call("session.pause", map[string]interface{}{"sessionId": id}, nil)
}

// ResumeSession re-enables delivery for a paused session.
func (r *RPC) ResumeSession(id string) error {
	return r.Call("session.resume", map[string]interface{}{"sessionId": id}, nil)
}
