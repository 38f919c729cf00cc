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

// Package protocol defines the JSON-RPC 2.0 message shapes and the
// negotiation types shared by the server, client, registry, and session
// layers. It does not define wire framing; transports own the bytes.
package protocol

import (
	"encoding/json"
	"fmt"
)

// JSONRPCVersion is the fixed jsonrpc member of every message.
const JSONRPCVersion = "2.0"

// Method names served by the protocol surface.
const (
	MethodInitialize     = "initialize"
	MethodAuthenticate   = "session/authenticate"
	MethodToolsList      = "tools/list"
	MethodToolsCall      = "tools/call"
	MethodPing           = "ping"
	MethodSessionMetrics = "session/metrics"
)

// Version is a negotiated protocol version.
type Version struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
	Patch int `json:"patch"`
}

// String renders the version as "major.minor.patch".
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Equal reports exact major/minor/patch equality.
func (v Version) Equal(other Version) bool {
	return v == other
}

// CompatibleWith reports whether a client at version v can talk to a
// server supporting the given version: equal major, client minor not
// above the supported minor.
func (v Version) CompatibleWith(supported Version) bool {
	return v.Major == supported.Major && v.Minor <= supported.Minor
}

// ClientInfo identifies the connecting client implementation.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeParams is the payload of the initialize method.
type InitializeParams struct {
	ClientInfo      ClientInfo     `json:"clientInfo"`
	ProtocolVersion Version        `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities,omitempty"`
}

// InitializeResult is the server's reply to initialize.
type InitializeResult struct {
	ServerInfo      ClientInfo     `json:"serverInfo"`
	ProtocolVersion Version        `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities,omitempty"`
	SessionID       string         `json:"sessionId"`
}

// AuthenticateParams is the payload of session/authenticate.
type AuthenticateParams struct {
	Token    string `json:"token,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// ToolsCallParams is the payload of tools/call.
type ToolsCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolDescriptor is one entry in a tools/list result.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ToolsListResult is the reply to tools/list.
type ToolsListResult struct {
	Tools []ToolDescriptor `json:"tools"`
}

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// NewRequest builds a request with the fixed jsonrpc member set.
func NewRequest(id any, method string, params any) (*Request, error) {
	var raw json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshaling params for %s: %w", method, err)
		}
		raw = data
	}
	return &Request{JSONRPC: JSONRPCVersion, ID: id, Method: method, Params: raw}, nil
}

// Notification is a JSON-RPC 2.0 notification (a request without an id).
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response carrying either a result or an error.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// NewResponse builds a success response for the given request id.
func NewResponse(id any, result any) (*Response, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshaling result: %w", err)
	}
	return &Response{JSONRPC: JSONRPCVersion, ID: id, Result: data}, nil
}

// NewErrorResponse builds an error response for the given request id.
func NewErrorResponse(id any, rpcErr *Error) *Response {
	return &Response{JSONRPC: JSONRPCVersion, ID: id, Error: rpcErr}
}
