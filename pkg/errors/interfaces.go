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

// ErrorClassifier defines methods for programmatic error handling.
// Errors that implement this interface can be classified by type for retry
// logic, protocol error mapping, and metrics labels.
type ErrorClassifier interface {
	error

	// ErrorType returns a string identifying the error category.
	// One of: "validation", "not_found", "capacity", "timeout",
	// "breaker_open", "handler", "config".
	ErrorType() string

	// IsRetryable returns true if the operation should be retried.
	IsRetryable() bool
}

// ErrorType implements ErrorClassifier.
func (e *ValidationError) ErrorType() string { return "validation" }

// IsRetryable implements ErrorClassifier. Validation errors are
// deterministic; retrying wastes budget.
func (e *ValidationError) IsRetryable() bool { return false }

// ErrorType implements ErrorClassifier.
func (e *NotFoundError) ErrorType() string { return "not_found" }

// IsRetryable implements ErrorClassifier.
func (e *NotFoundError) IsRetryable() bool { return false }

// ErrorType implements ErrorClassifier.
func (e *CapacityError) ErrorType() string { return "capacity" }

// IsRetryable implements ErrorClassifier. Capacity pressure can clear.
func (e *CapacityError) IsRetryable() bool { return true }

// ErrorType implements ErrorClassifier.
func (e *TimeoutError) ErrorType() string { return "timeout" }

// IsRetryable implements ErrorClassifier.
func (e *TimeoutError) IsRetryable() bool { return true }

// ErrorType implements ErrorClassifier.
func (e *BreakerOpenError) ErrorType() string { return "breaker_open" }

// IsRetryable implements ErrorClassifier. The breaker may close between
// attempts; the retry loop decides whether budget remains.
func (e *BreakerOpenError) IsRetryable() bool { return true }

// ErrorType implements ErrorClassifier.
func (e *HandlerError) ErrorType() string { return "handler" }

// IsRetryable implements ErrorClassifier.
func (e *HandlerError) IsRetryable() bool { return e.Retryable }

// ErrorType implements ErrorClassifier.
func (e *ConfigError) ErrorType() string { return "config" }

// IsRetryable implements ErrorClassifier.
func (e *ConfigError) IsRetryable() bool { return false }
