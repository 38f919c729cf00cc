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
	"fmt"
	"time"
)

// Severity indicates how serious a handler failure is.
type Severity string

const (
	// SeverityLow marks recoverable failures that callers may ignore.
	SeverityLow Severity = "low"
	// SeverityMedium marks failures that degrade but do not stop service.
	SeverityMedium Severity = "medium"
	// SeverityHigh marks failures that require operator attention.
	SeverityHigh Severity = "high"
)

// ValidationError represents input validation failures: malformed tool
// registrations, call input that does not match the tool's schema, or an
// unsupported protocol version at negotiation time.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NotFoundError represents a missing resource: an unknown tool name or an
// expired/unknown session.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "tool", "session")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// CapacityError represents a hard limit being reached: the session table is
// full or a connection pool cannot grow any further.
type CapacityError struct {
	// Resource is the resource that ran out (e.g., "sessions", "connections")
	Resource string

	// Limit is the configured maximum
	Limit int

	// Message explains the condition
	Message string
}

// Error implements the error interface.
func (e *CapacityError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s capacity reached (limit %d): %s", e.Resource, e.Limit, e.Message)
	}
	return fmt.Sprintf("%s capacity reached (limit %d)", e.Resource, e.Limit)
}

// TimeoutError represents operation or acquire deadlines being exceeded.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "tools/call", "pool acquire")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// BreakerOpenError is returned when a circuit breaker refuses a call because
// the guarded dependency is presumed unhealthy.
type BreakerOpenError struct {
	// Name is the breaker's dependency name
	Name string

	// LastFailure is when the dependency last failed
	LastFailure time.Time

	// RetryAfter is how long until the breaker will admit a probe
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *BreakerOpenError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("circuit breaker open for %s (retry after %v)", e.Name, e.RetryAfter)
	}
	return fmt.Sprintf("circuit breaker open for %s", e.Name)
}

// HandlerError represents a failure inside a wrapped business operation.
// It carries classification metadata as first-class fields so that retry
// logic and protocol mapping never need to inspect ad-hoc error state.
type HandlerError struct {
	// ID correlates this failure with logs and audit records
	ID string

	// Operation is the tool or operation name that failed
	Operation string

	// Message is the human-readable error message
	Message string

	// Severity indicates how serious the failure is
	Severity Severity

	// Context carries structured diagnostic fields
	Context map[string]any

	// Retryable indicates whether retrying the operation may succeed
	Retryable bool

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *HandlerError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("handler %s failed: %s", e.Operation, e.Message)
	}
	return fmt.Sprintf("handler failed: %s", e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *HandlerError) Unwrap() error {
	return e.Cause
}

// ConfigError represents configuration problems: unreadable files, missing
// settings, or invalid values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "pool.max")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}
