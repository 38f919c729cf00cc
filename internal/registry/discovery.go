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
	"sort"
	"time"

	"github.com/tombee/relay/internal/protocol"
)

// Query filters the catalog during capability discovery. Zero-valued
// fields do not constrain the result.
type Query struct {
	// Category restricts results to one category.
	Category string

	// Tags requires every listed tag to be present on the tool.
	Tags []string

	// Capabilities requires every listed capability name to be offered
	// by the tool. A tool offers its category and each of its tags as
	// capability names, so "memory" matches both category=memory tools
	// and tools tagged memory.
	Capabilities []string

	// ProtocolVersion, when non-nil, requires the tool to support a
	// compatible protocol version.
	ProtocolVersion *protocol.Version

	// Permissions is the caller's permission set; tools requiring
	// permissions outside it are excluded.
	Permissions []string

	// IncludeDeprecated retains deprecated tools in the result.
	IncludeDeprecated bool
}

// Match is one discovery result.
type Match struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Capability  Capability `json:"capability"`
}

// Discover returns the tools matching a query, sorted by name so repeated
// calls are stable.
func (r *Registry) Discover(q Query) []Match {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Match
	for _, rt := range r.tools {
		if !r.matches(rt, q) {
			continue
		}
		out = append(out, Match{
			Name:        rt.tool.Name,
			Description: rt.tool.Description,
			Capability:  rt.capability,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) matches(rt *registeredTool, q Query) bool {
	c := rt.capability

	if c.Deprecated && !q.IncludeDeprecated {
		return false
	}
	if q.Category != "" && c.Category != q.Category {
		return false
	}
	for _, want := range q.Tags {
		if !contains(c.Tags, want) {
			return false
		}
	}
	for _, want := range q.Capabilities {
		if want != c.Category && !contains(c.Tags, want) {
			return false
		}
	}
	if q.ProtocolVersion != nil && len(c.SupportedProtocolVersions) > 0 {
		compatible := false
		for _, v := range c.SupportedProtocolVersions {
			if q.ProtocolVersion.CompatibleWith(v) {
				compatible = true
				break
			}
		}
		if !compatible {
			return false
		}
	}
	if q.Permissions != nil {
		for _, need := range c.RequiredPermissions {
			if !contains(q.Permissions, need) {
				return false
			}
		}
	}
	return true
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

// Stats is an aggregate view of the catalog and its usage.
type Stats struct {
	TotalTools       int            `json:"total_tools"`
	ByCategory       map[string]int `json:"by_category"`
	ByTag            map[string]int `json:"by_tag"`
	TotalCalls       int64          `json:"total_calls"`
	SuccessRate      float64        `json:"success_rate"`
	MeanResponseTime time.Duration  `json:"mean_response_time"`
}

// Stats aggregates catalog composition and call metrics across all tools.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Stats{
		ByCategory: make(map[string]int),
		ByTag:      make(map[string]int),
	}

	var succeeded int64
	var totalTime time.Duration
	for _, rt := range r.tools {
		s.TotalTools++
		s.ByCategory[rt.capability.Category]++
		for _, tag := range rt.capability.Tags {
			s.ByTag[tag]++
		}
		s.TotalCalls += rt.metrics.TotalCalls
		succeeded += rt.metrics.SuccessfulCalls
		totalTime += rt.metrics.TotalResponseTime
	}

	if s.TotalCalls > 0 {
		s.SuccessRate = float64(succeeded) / float64(s.TotalCalls)
		s.MeanResponseTime = totalTime / time.Duration(s.TotalCalls)
	}
	return s
}
