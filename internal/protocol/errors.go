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

package protocol

import (
	"errors"

	pkgerrors "github.com/tombee/relay/pkg/errors"
)

// JSON-RPC 2.0 error codes. The -32000..-32099 range is reserved for
// implementation-defined server errors; relay maps its error taxonomy
// onto it so a caller can distinguish failure classes without parsing
// messages.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeHandlerFailure = -32000
	CodeCapacity       = -32001
	CodeTimeout        = -32002
	CodeBreakerOpen    = -32003
	CodeNotFound       = -32004
	CodeUnauthorized   = -32005
)

// Error is a JSON-RPC 2.0 error member.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// FromError maps an error from the core onto a structured JSON-RPC error
// without losing the original cause: the taxonomy category and any handler
// context travel in the data member.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}

	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}

	code := CodeInternalError
	var data any

	switch pkgerrors.ErrorType(err) {
	case "validation":
		code = CodeInvalidParams
	case "not_found":
		code = CodeNotFound
	case "capacity":
		code = CodeCapacity
	case "timeout":
		code = CodeTimeout
	case "breaker_open":
		code = CodeBreakerOpen
	case "handler":
		code = CodeHandlerFailure
		var handlerErr *pkgerrors.HandlerError
		if errors.As(err, &handlerErr) && len(handlerErr.Context) > 0 {
			data = handlerErr.Context
		}
	}

	if data == nil {
		data = map[string]any{
			"type":      pkgerrors.ErrorType(err),
			"retryable": pkgerrors.IsRetryable(err),
		}
	}

	return &Error{Code: code, Message: err.Error(), Data: data}
}
