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

// Package registry holds the catalog of invocable tools: registration,
// structural input validation, execution with per-tool metrics, and
// capability-based discovery.
package registry

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tombee/relay/internal/protocol"
	pkgerrors "github.com/tombee/relay/pkg/errors"
)

// maxRecentErrors bounds the per-tool error ring.
const maxRecentErrors = 10

// Handler executes a tool call.
type Handler func(ctx context.Context, input map[string]any) (any, error)

// Tool is one invocable tool. Tools are registered once at startup and
// immutable afterwards.
type Tool struct {
	// Name must have the form "namespace/name".
	Name string

	// Description is shown to callers in tools/list.
	Description string

	// InputSchema is a JSON-Schema-shaped object describing the input.
	// Only structural required/type checks are enforced.
	InputSchema map[string]any

	// Handler executes the call.
	Handler Handler
}

// Capability is the discovery metadata attached to a tool.
type Capability struct {
	Category                  string             `json:"category"`
	Tags                      []string           `json:"tags"`
	RequiredPermissions       []string           `json:"requiredPermissions,omitempty"`
	SupportedProtocolVersions []protocol.Version `json:"supportedProtocolVersions,omitempty"`
	Deprecated                bool               `json:"deprecated,omitempty"`
	DeprecationMessage        string             `json:"deprecationMessage,omitempty"`
}

// CallContext carries caller identity into a tool execution.
type CallContext struct {
	SessionID   string
	Permissions []string
}

// ErrorRecord is one entry in a tool's bounded error ring, kept for
// diagnosis rather than correctness.
type ErrorRecord struct {
	Timestamp time.Time      `json:"timestamp"`
	Message   string         `json:"message"`
	Input     map[string]any `json:"input"`
}

// ToolMetrics is the per-tool usage record.
type ToolMetrics struct {
	TotalCalls        int64         `json:"total_calls"`
	SuccessfulCalls   int64         `json:"successful_calls"`
	FailedCalls       int64         `json:"failed_calls"`
	TotalResponseTime time.Duration `json:"total_response_time"`
	LastUsedAt        time.Time     `json:"last_used_at"`
	RecentErrors      []ErrorRecord `json:"recent_errors"`
}

// MeanResponseTime returns the running mean execution time.
func (m ToolMetrics) MeanResponseTime() time.Duration {
	if m.TotalCalls == 0 {
		return 0
	}
	return m.TotalResponseTime / time.Duration(m.TotalCalls)
}

// AuditEntry is one tool invocation outcome handed to an AuditSink.
type AuditEntry struct {
	Tool      string
	SessionID string
	StartedAt time.Time
	Duration  time.Duration
	Success   bool
	Error     string
	Input     map[string]any
}

// AuditSink receives every tool invocation outcome. Implementations must
// not block the caller.
type AuditSink interface {
	Record(entry AuditEntry)
}

// registeredTool pairs a tool with its capability record and metrics.
type registeredTool struct {
	tool       Tool
	capability Capability
	metrics    ToolMetrics
}

// Registry is the tool catalog. One mutex guards the catalog and all
// metrics so concurrent invocations of the same tool never lose updates.
type Registry struct {
	logger *slog.Logger
	audit  AuditSink

	mu    sync.RWMutex
	tools map[string]*registeredTool
}

// Config configures a registry.
type Config struct {
	// Logger is used for structured logging (optional).
	Logger *slog.Logger

	// Audit receives invocation outcomes (optional).
	Audit AuditSink
}

// New creates an empty registry.
func New(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger: logger,
		audit:  cfg.Audit,
		tools:  make(map[string]*registeredTool),
	}
}

// descriptionTags maps description keywords to discovery tags.
var descriptionTags = []struct {
	keyword string
	tag     string
}{
	{"file", "filesystem"},
	{"search", "search"},
	{"memory", "memory"},
	{"swarm", "swarm"},
	{"task", "orchestration"},
}

// Register adds a tool to the catalog. The name must have the form
// "namespace/name"; description, handler, and input schema are required;
// re-registering a name is an error. The tool's category is derived from
// the namespace and its tags from a keyword scan of the description unless
// the capability record supplies them.
func (r *Registry) Register(tool Tool, capability *Capability) error {
	namespace, _, ok := strings.Cut(tool.Name, "/")
	if !ok || namespace == "" || strings.HasSuffix(tool.Name, "/") {
		return &pkgerrors.ValidationError{
			Field:      "name",
			Message:    "tool name must have the form namespace/name",
			Suggestion: "use a namespaced name such as \"memory/get\"",
		}
	}
	if tool.Description == "" {
		return &pkgerrors.ValidationError{Field: "description", Message: "description is required"}
	}
	if tool.Handler == nil {
		return &pkgerrors.ValidationError{Field: "handler", Message: "handler is required"}
	}
	if tool.InputSchema == nil {
		return &pkgerrors.ValidationError{Field: "inputSchema", Message: "input schema is required"}
	}

	capRecord := Capability{}
	if capability != nil {
		capRecord = *capability
	}
	if capRecord.Category == "" {
		capRecord.Category = namespace
	}
	if len(capRecord.Tags) == 0 {
		capRecord.Tags = deriveTags(tool.Description)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[tool.Name]; exists {
		return &pkgerrors.ValidationError{
			Field:   "name",
			Message: "tool already registered: " + tool.Name,
		}
	}

	r.tools[tool.Name] = &registeredTool{tool: tool, capability: capRecord}
	r.logger.Debug("registered tool", "tool", tool.Name, "category", capRecord.Category, "tags", capRecord.Tags)
	return nil
}

// deriveTags scans a description for tag keywords.
func deriveTags(description string) []string {
	lower := strings.ToLower(description)
	var tags []string
	for _, dt := range descriptionTags {
		if strings.Contains(lower, dt.keyword) {
			tags = append(tags, dt.tag)
		}
	}
	if len(tags) == 0 {
		tags = []string{"general"}
	}
	return tags
}

// Execute validates input against the tool's schema, invokes the handler,
// and updates the tool's metrics. Validation failures never reach the
// handler.
func (r *Registry) Execute(ctx context.Context, name string, input map[string]any, callCtx *CallContext) (any, error) {
	r.mu.RLock()
	rt, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &pkgerrors.NotFoundError{Resource: "tool", ID: name}
	}

	if err := validateInput(rt.tool.InputSchema, input); err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := rt.tool.Handler(ctx, input)
	elapsed := time.Since(start)

	r.recordCall(name, input, elapsed, err)

	if r.audit != nil {
		entry := AuditEntry{
			Tool:      name,
			StartedAt: start,
			Duration:  elapsed,
			Success:   err == nil,
			Input:     input,
		}
		if callCtx != nil {
			entry.SessionID = callCtx.SessionID
		}
		if err != nil {
			entry.Error = err.Error()
		}
		r.audit.Record(entry)
	}

	if err != nil {
		r.logger.Warn("tool execution failed", "tool", name, "error", err,
			"duration_ms", elapsed.Milliseconds())
		return nil, err
	}
	return result, nil
}

// recordCall applies one call outcome to the tool's metrics atomically.
func (r *Registry) recordCall(name string, input map[string]any, elapsed time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rt, ok := r.tools[name]
	if !ok {
		return
	}

	m := &rt.metrics
	m.TotalCalls++
	m.TotalResponseTime += elapsed
	m.LastUsedAt = time.Now()

	if err == nil {
		m.SuccessfulCalls++
		return
	}

	m.FailedCalls++
	m.RecentErrors = append(m.RecentErrors, ErrorRecord{
		Timestamp: time.Now(),
		Message:   err.Error(),
		Input:     input,
	})
	if len(m.RecentErrors) > maxRecentErrors {
		m.RecentErrors = m.RecentErrors[len(m.RecentErrors)-maxRecentErrors:]
	}
}

// Metrics returns a copy of the metrics record for one tool.
func (r *Registry) Metrics(name string) (ToolMetrics, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rt, ok := r.tools[name]
	if !ok {
		return ToolMetrics{}, false
	}

	m := rt.metrics
	m.RecentErrors = append([]ErrorRecord(nil), rt.metrics.RecentErrors...)
	return m, true
}

// Get returns the tool and capability for a name.
func (r *Registry) Get(name string) (Tool, Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rt, ok := r.tools[name]
	if !ok {
		return Tool{}, Capability{}, false
	}
	return rt.tool, rt.capability, true
}

// List returns descriptors for every registered tool, excluding deprecated
// tools unless requested. Results are suitable for a tools/list reply.
func (r *Registry) List(includeDeprecated bool) []protocol.ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]protocol.ToolDescriptor, 0, len(r.tools))
	for _, rt := range r.tools {
		if rt.capability.Deprecated && !includeDeprecated {
			continue
		}
		out = append(out, protocol.ToolDescriptor{
			Name:        rt.tool.Name,
			Description: rt.tool.Description,
			InputSchema: rt.tool.InputSchema,
		})
	}
	return out
}
