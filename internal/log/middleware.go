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

package log

import (
	"log/slog"
)

// RPCRequest represents a protocol request for logging purposes.
type RPCRequest struct {
	// Method is the JSON-RPC method (e.g., "tools/call", "initialize").
	Method string

	// SessionID identifies the protocol session issuing the request.
	SessionID string

	// RequestID is the unique ID for this specific request.
	RequestID string

	// Metadata contains additional request metadata.
	Metadata map[string]any
}

// RPCResponse represents a protocol response for logging purposes.
type RPCResponse struct {
	// Success indicates whether the request was successful.
	Success bool

	// Error is the error message if the request failed.
	Error string

	// DurationMs is the duration of the request in milliseconds.
	DurationMs int64

	// Metadata contains additional response metadata.
	Metadata map[string]any
}

// LogRPCRequest logs an incoming protocol request.
func LogRPCRequest(logger *slog.Logger, req *RPCRequest) {
	attrs := []any{
		EventKey, "rpc_request",
		"method", req.Method,
	}

	if req.SessionID != "" {
		attrs = append(attrs, SessionIDKey, req.SessionID)
	}

	if req.RequestID != "" {
		attrs = append(attrs, "request_id", req.RequestID)
	}

	for k, v := range req.Metadata {
		attrs = append(attrs, k, v)
	}

	logger.Info("rpc request received", attrs...)
}

// LogRPCResponse logs a protocol response.
func LogRPCResponse(logger *slog.Logger, req *RPCRequest, resp *RPCResponse) {
	attrs := []any{
		EventKey, "rpc_response",
		"method", req.Method,
		"success", resp.Success,
		DurationKey, resp.DurationMs,
	}

	if req.SessionID != "" {
		attrs = append(attrs, SessionIDKey, req.SessionID)
	}

	if req.RequestID != "" {
		attrs = append(attrs, "request_id", req.RequestID)
	}

	if resp.Error != "" {
		attrs = append(attrs, "error", resp.Error)
	}

	for k, v := range resp.Metadata {
		attrs = append(attrs, k, v)
	}

	level := slog.LevelInfo
	message := "rpc request completed"

	if !resp.Success {
		level = slog.LevelError
		message = "rpc request failed"
	}

	logger.Log(nil, level, message, attrs...)
}
