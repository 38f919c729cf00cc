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

package registry

import (
	"fmt"

	pkgerrors "github.com/tombee/relay/pkg/errors"
)

// validateInput enforces the structural subset of JSON Schema relay
// supports: every required key present, and every declared property type
// matched against the provided value. Nested schemas are not descended
// into; an object property only needs to be an object. The first mismatch
// aborts validation.
func validateInput(schema map[string]any, input map[string]any) error {
	if input == nil {
		input = map[string]any{}
	}

	if required, ok := schema["required"].([]any); ok {
		for _, item := range required {
			key, ok := item.(string)
			if !ok {
				continue
			}
			if _, present := input[key]; !present {
				return &pkgerrors.ValidationError{
					Field:      key,
					Message:    "required field is missing",
					Suggestion: fmt.Sprintf("provide a value for %q", key),
				}
			}
		}
	}

	properties, ok := schema["properties"].(map[string]any)
	if !ok {
		return nil
	}

	for key, value := range input {
		propSchema, ok := properties[key].(map[string]any)
		if !ok {
			continue
		}
		declared, ok := propSchema["type"].(string)
		if !ok || declared == "" {
			continue
		}
		if err := checkType(key, declared, value); err != nil {
			return err
		}
	}
	return nil
}

// checkType matches one value against a declared JSON Schema type.
// Numbers arrive from encoding/json as float64; handlers registered
// in-process may pass native ints, so both are accepted for numeric types.
func checkType(key, declared string, value any) error {
	if value == nil {
		return nil
	}

	ok := false
	switch declared {
	case "string":
		_, ok = value.(string)
	case "number":
		switch value.(type) {
		case float64, float32, int, int32, int64:
			ok = true
		}
	case "integer":
		switch v := value.(type) {
		case int, int32, int64:
			ok = true
		case float64:
			ok = v == float64(int64(v))
		}
	case "boolean":
		_, ok = value.(bool)
	case "array":
		_, ok = value.([]any)
	case "object":
		_, ok = value.(map[string]any)
	default:
		// Unknown declared types pass; relay only enforces the types it
		// understands.
		return nil
	}

	if !ok {
		return &pkgerrors.ValidationError{
			Field:      key,
			Message:    fmt.Sprintf("expected %s, got %T", declared, value),
			Suggestion: fmt.Sprintf("pass %q as a JSON %s", key, declared),
		}
	}
	return nil
}
