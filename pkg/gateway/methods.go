package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/loopgate/loopgate/pkg/store"
)

// registerBuiltinMethods registers the session management RPC methods.
func (s *Server) registerBuiltinMethods() {
	_ = s.RegisterMethod("session.create", s.handleSessionCreate)
	_ = s.RegisterMethod("session.get", s.handleSessionGet)
	_ = s.RegisterMethod("session.list", s.handleSessionList)
	_ = s.RegisterMethod("session.close", s.handleSessionClose)
	_ = s.RegisterMethod("session.pause", s.handleSessionPause)
	_ = s.RegisterMethod("session.resume", s.handleSessionResume)
	_ = s.RegisterMethod("gateway.status", s.handleGatewayStatus)
}

// sessionView is the wire shape of a session.
type sessionView struct {
	ID          string    `json:"id"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status"`
	URL         string    `json:"url"`
	CreatedAt   time.Time `json:"createdAt"`
}

func (s *Server) viewOf(sess store.Session) sessionView {
	return sessionView{
		ID:          sess.ID,
		Description: sess.Description,
		Status:      string(sess.Status),
		URL:         s.engine.SessionURL(sess.ID),
		CreatedAt:   sess.CreatedAt,
	}
}

func sessionIDParam(params map[string]interface{}) (string, error) {
	raw, ok := params["sessionId"].(string)
	if !ok || strings.TrimSpace(raw) == "" {
		return "", &RPCError{
			Code:    InvalidParams,
			Message: "sessionId parameter is required and must be a string",
		}
	}
	return raw, nil
}

func (s *Server) handleSessionCreate(params map[string]interface{}) (interface{}, error) {
	description := ""
	if d, ok := params["description"].(string); ok {
		description = d
	}

	sess, err := s.engine.CreateSession(context.Background(), description)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return s.viewOf(sess), nil
}

func (s *Server) handleSessionGet(params map[string]interface{}) (interface{}, error) {
	id, err := sessionIDParam(params)
	if err != nil {
		return nil, err
	}

	sess, err := s.engine.GetSession(context.Background(), id)
	if err != nil {
		return nil, err
	}
	return s.viewOf(sess), nil
}

func (s *Server) handleSessionList(_ map[string]interface{}) (interface{}, error) {
	sessions, err := s.engine.ListSessions(context.Background())
	if err != nil {
		return nil, err
	}

	views := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, s.viewOf(sess))
	}
	return map[string]interface{}{"sessions": views}, nil
}

func (s *Server) handleSessionClose(params map[string]interface{}) (interface{}, error) {
	id, err := sessionIDParam(params)
	if err != nil {
		return nil, err
	}

	if err := s.engine.CloseSession(context.Background(), id); err != nil {
		return nil, err
	}
	return map[string]interface{}{"sessionId": id, "status": string(store.StatusCompleted)}, nil
}

func (s *Server) handleSessionPause(params map[string]interface{}) (interface{}, error) {
	id, err := sessionIDParam(params)
	if err != nil {
		return nil, err
	}

	if err := s.engine.PauseSession(context.Background(), id); err != nil {
		return nil, err
	}
	return map[string]interface{}{"sessionId": id, "status": string(store.StatusPaused)}, nil
}

func (s *Server) handleSessionResume(params map[string]interface{}) (interface{}, error) {
	id, err := sessionIDParam(params)
	if err != nil {
		return nil, err
	}

	if err := s.engine.ResumeSession(context.Background(), id); err != nil {
		return nil, err
	}
	return map[string]interface{}{"sessionId": id, "status": string(store.StatusActive)}, nil
}

func (s *Server) handleGatewayStatus(_ map[string]interface{}) (interface{}, error) {
	sessions, err := s.engine.ListSessions(context.Background())
	if err != nil {
		return nil, err
	}

	active := 0
	for _, sess := range sessions {
		if sess.Status == store.StatusActive {
			active++
		}
	}

	return map[string]interface{}{
		"status":         "ok",
		"sessions":       len(sessions),
		"activeSessions": active,
	}, nil
}
