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

package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"validation", &ValidationError{Message: "bad input"}, false},
		{"not found", &NotFoundError{Resource: "tool", ID: "x/y"}, false},
		{"capacity", &CapacityError{Resource: "sessions", Limit: 10}, true},
		{"timeout", &TimeoutError{Operation: "call", Duration: time.Second}, true},
		{"breaker open", &BreakerOpenError{Name: "downstream"}, true},
		{"handler retryable", &HandlerError{Message: "x", Retryable: true}, true},
		{"handler terminal", &HandlerError{Message: "x", Retryable: false}, false},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"opaque timeout message", errors.New("operation timed out"), true},
		{"opaque connection message", errors.New("connection refused"), true},
		{"opaque network message", errors.New("network unreachable"), true},
		{"opaque rate limit message", errors.New("Rate Limit exceeded"), true},
		{"opaque terminal message", errors.New("invalid argument"), false},
		{"wrapped validation", fmt.Errorf("call failed: %w", &ValidationError{Message: "bad"}), false},
		{"wrapped timeout", fmt.Errorf("call failed: %w", &TimeoutError{Operation: "op"}), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestErrorType(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&ValidationError{}, "validation"},
		{&NotFoundError{}, "not_found"},
		{&CapacityError{}, "capacity"},
		{&TimeoutError{}, "timeout"},
		{&BreakerOpenError{}, "breaker_open"},
		{&HandlerError{}, "handler"},
		{&ConfigError{}, "config"},
		{errors.New("mystery"), "unknown"},
		{context.DeadlineExceeded, "timeout"},
		{nil, ""},
	}

	for _, tt := range tests {
		if got := ErrorType(tt.err); got != tt.want {
			t.Errorf("ErrorType(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{&ValidationError{Field: "name", Message: "must be namespace/name"}, "validation failed on name: must be namespace/name"},
		{&NotFoundError{Resource: "session", ID: "abc"}, "session not found: abc"},
		{&CapacityError{Resource: "sessions", Limit: 100}, "sessions capacity reached (limit 100)"},
		{&TimeoutError{Operation: "tools/call", Duration: 5 * time.Second}, "tools/call timed out after 5s"},
		{&BreakerOpenError{Name: "swarm"}, "circuit breaker open for swarm"},
		{&HandlerError{Operation: "memory/get", Message: "boom"}, "handler memory/get failed: boom"},
	}

	for _, tt := range tests {
		if got := tt.err.Error(); got != tt.want {
			t.Errorf("Error() = %q, want %q", got, tt.want)
		}
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("root cause")

	wrapped := &TimeoutError{Operation: "op", Duration: time.Second, Cause: cause}
	if !errors.Is(wrapped, cause) {
		t.Error("TimeoutError should unwrap to its cause")
	}

	handlerErr := &HandlerError{Message: "x", Cause: cause}
	if !errors.Is(handlerErr, cause) {
		t.Error("HandlerError should unwrap to its cause")
	}
}
