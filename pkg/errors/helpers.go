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
	"strings"
)

// retryablePatterns are substrings that mark an otherwise-opaque error as
// transient. Matching is case-insensitive.
var retryablePatterns = []string{
	"timeout",
	"timed out",
	"connection",
	"network",
	"rate limit",
	"too many requests",
	"temporarily unavailable",
}

// IsRetryable reports whether err should be retried. Typed errors answer
// through ErrorClassifier; context cancellation is never retryable; opaque
// errors fall back to the message-pattern heuristic.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var classifier ErrorClassifier
	if errors.As(err, &classifier) {
		return classifier.IsRetryable()
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range retryablePatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// ErrorType returns the taxonomy category for err, or "unknown" for errors
// outside the taxonomy.
func ErrorType(err error) string {
	if err == nil {
		return ""
	}

	var classifier ErrorClassifier
	if errors.As(err, &classifier) {
		return classifier.ErrorType()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return "unknown"
}

// IsTimeout reports whether err is a timeout in the taxonomy sense.
func IsTimeout(err error) bool {
	var timeoutErr *TimeoutError
	return errors.As(err, &timeoutErr) || errors.Is(err, context.DeadlineExceeded)
}

// IsBreakerOpen reports whether err was produced by an open circuit breaker.
func IsBreakerOpen(err error) bool {
	var breakerErr *BreakerOpenError
	return errors.As(err, &breakerErr)
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	var notFoundErr *NotFoundError
	return errors.As(err, &notFoundErr)
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool {
	var validationErr *ValidationError
	return errors.As(err, &validationErr)
}

// IsCapacity reports whether err is a capacity error.
func IsCapacity(err error) bool {
	var capacityErr *CapacityError
	return errors.As(err, &capacityErr)
}
