// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server dispatches JSON-RPC requests onto the session manager
// and tool registry. It is transport-agnostic: a transport owns the
// bytes and feeds decoded requests to a per-connection Conn.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/tombee/relay/internal/log"
	"github.com/tombee/relay/internal/protocol"
	"github.com/tombee/relay/internal/registry"
	"github.com/tombee/relay/internal/session"
)

// Config configures a server.
type Config struct {
	// ServerInfo identifies this server in initialize replies.
	ServerInfo protocol.ClientInfo

	// RequestsPerSecond is the per-session request rate. Zero disables
	// rate limiting.
	RequestsPerSecond float64

	// Burst is the per-session rate burst (defaults to 2x the rate,
	// minimum 1, when zero).
	Burst int

	// Logger is used for structured logging (optional).
	Logger *slog.Logger
}

// Server binds the registry and session manager behind the protocol
// surface.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	registry *registry.Registry
	sessions *session.Manager
}

// New creates a server over a registry and session manager.
func New(cfg Config, reg *registry.Registry, sessions *session.Manager) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ServerInfo.Name == "" {
		cfg.ServerInfo.Name = "relay"
	}
	if cfg.Burst <= 0 && cfg.RequestsPerSecond > 0 {
		cfg.Burst = int(cfg.RequestsPerSecond * 2)
		if cfg.Burst < 1 {
			cfg.Burst = 1
		}
	}
	return &Server{
		cfg:      cfg,
		logger:   log.WithComponent(logger, "server"),
		registry: reg,
		sessions: sessions,
	}
}

// Conn is the server-side state for one connection: a session and its
// rate limiter. Transports create one Conn per connection and feed every
// decoded request through Handle.
type Conn struct {
	srv       *Server
	sessionID string
	limiter   *rate.Limiter
}

// NewConn creates a session for an incoming connection.
func (s *Server) NewConn(transportKind string) (*Conn, error) {
	sess, err := s.sessions.Create(transportKind)
	if err != nil {
		return nil, err
	}
	var limiter *rate.Limiter
	if s.cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.RequestsPerSecond), s.cfg.Burst)
	}
	return &Conn{srv: s, sessionID: sess.ID, limiter: limiter}, nil
}

// SessionID returns the connection's session id.
func (c *Conn) SessionID() string {
	return c.sessionID
}

// Close tears down the connection's session.
func (c *Conn) Close() {
	c.srv.sessions.Close(c.sessionID)
}

// Handle dispatches one request and always produces a response; errors
// are mapped onto structured JSON-RPC errors, never returned raw.
func (c *Conn) Handle(ctx context.Context, req *protocol.Request) *protocol.Response {
	s := c.srv
	start := time.Now()

	logReq := &log.RPCRequest{
		Method:    req.Method,
		SessionID: c.sessionID,
		RequestID: requestID(req.ID),
	}
	log.LogRPCRequest(s.logger, logReq)

	if c.limiter != nil && !c.limiter.Allow() {
		rpcErr := &protocol.Error{
			Code:    protocol.CodeCapacity,
			Message: "rate limit exceeded",
		}
		return c.respondError(logReq, start, req.ID, rpcErr)
	}

	// Every request is activity, including failed ones.
	s.sessions.Touch(c.sessionID)

	result, err := c.dispatch(ctx, req)
	if err != nil {
		return c.respondError(logReq, start, req.ID, protocol.FromError(err))
	}

	resp, err := protocol.NewResponse(req.ID, result)
	if err != nil {
		rpcErr := &protocol.Error{Code: protocol.CodeInternalError, Message: err.Error()}
		return c.respondError(logReq, start, req.ID, rpcErr)
	}
	log.LogRPCResponse(s.logger, logReq, &log.RPCResponse{
		Success:    true,
		DurationMs: time.Since(start).Milliseconds(),
	})
	return resp
}

func (c *Conn) respondError(logReq *log.RPCRequest, start time.Time, id any, rpcErr *protocol.Error) *protocol.Response {
	log.LogRPCResponse(c.srv.logger, logReq, &log.RPCResponse{
		Success:    false,
		Error:      rpcErr.Message,
		DurationMs: time.Since(start).Milliseconds(),
		Metadata:   map[string]any{"code": rpcErr.Code},
	})
	return protocol.NewErrorResponse(id, rpcErr)
}

func requestID(id any) string {
	if id == nil {
		return ""
	}
	return fmt.Sprint(id)
}

func (c *Conn) dispatch(ctx context.Context, req *protocol.Request) (any, error) {
	switch req.Method {
	case protocol.MethodInitialize:
		return c.handleInitialize(req.Params)
	case protocol.MethodAuthenticate:
		return c.handleAuthenticate(req.Params)
	case protocol.MethodToolsList:
		return c.handleToolsList()
	case protocol.MethodToolsCall:
		return c.handleToolsCall(ctx, req.Params)
	case protocol.MethodPing:
		return map[string]any{"pong": true}, nil
	case protocol.MethodSessionMetrics:
		return c.srv.sessions.Metrics(), nil
	default:
		return nil, &protocol.Error{
			Code:    protocol.CodeMethodNotFound,
			Message: "method not found: " + req.Method,
		}
	}
}

func (c *Conn) handleInitialize(raw json.RawMessage) (any, error) {
	var params protocol.InitializeParams
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, err
	}
	if err := c.srv.sessions.Initialize(c.sessionID, params); err != nil {
		return nil, err
	}
	return protocol.InitializeResult{
		ServerInfo:      c.srv.cfg.ServerInfo,
		ProtocolVersion: params.ProtocolVersion,
		Capabilities:    map[string]any{"tools": map[string]any{}},
		SessionID:       c.sessionID,
	}, nil
}

func (c *Conn) handleAuthenticate(raw json.RawMessage) (any, error) {
	var params protocol.AuthenticateParams
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, err
	}
	err := c.srv.sessions.Authenticate(c.sessionID, session.Credentials{
		Token:    params.Token,
		Username: params.Username,
		Password: params.Password,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"authenticated": true}, nil
}

func (c *Conn) handleToolsList() (any, error) {
	return protocol.ToolsListResult{Tools: c.srv.registry.List(false)}, nil
}

func (c *Conn) handleToolsCall(ctx context.Context, raw json.RawMessage) (any, error) {
	var params protocol.ToolsCallParams
	if err := unmarshalParams(raw, &params); err != nil {
		return nil, err
	}

	sess, ok := c.srv.sessions.Get(c.sessionID)
	if !ok {
		return nil, &protocol.Error{
			Code:    protocol.CodeUnauthorized,
			Message: "session expired",
		}
	}

	callCtx := &registry.CallContext{SessionID: sess.ID}
	return c.srv.registry.Execute(ctx, params.Name, params.Arguments, callCtx)
}

func unmarshalParams(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return &protocol.Error{
			Code:    protocol.CodeInvalidParams,
			Message: "missing params",
		}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &protocol.Error{
			Code:    protocol.CodeInvalidParams,
			Message: "malformed params: " + err.Error(),
		}
	}
	return nil
}
