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
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/relay/internal/protocol"
)

func discoveryFixture(t *testing.T) *Registry {
	t.Helper()
	r := New(Config{})
	noop := func(context.Context, map[string]any) (any, error) { return nil, nil }
	schema := map[string]any{"type": "object", "properties": map[string]any{}}

	require.NoError(t, r.Register(Tool{
		Name: "memory/get", Description: "Fetch a value from shared memory",
		InputSchema: schema, Handler: noop,
	}, &Capability{
		Category: "memory",
		Tags:     []string{"memory", "read"},
		SupportedProtocolVersions: []protocol.Version{
			{Major: 2, Minor: 5, Patch: 0},
		},
	}))
	require.NoError(t, r.Register(Tool{
		Name: "file/write", Description: "Write a file",
		InputSchema: schema, Handler: noop,
	}, &Capability{
		Category:            "filesystem",
		Tags:                []string{"filesystem", "write"},
		RequiredPermissions: []string{"fs:write"},
	}))
	require.NoError(t, r.Register(Tool{
		Name: "memory/old", Description: "Old fetch",
		InputSchema: schema, Handler: noop,
	}, &Capability{Category: "memory", Tags: []string{"memory"}, Deprecated: true}))
	return r
}

func TestDiscoverByCategory(t *testing.T) {
	r := discoveryFixture(t)

	matches := r.Discover(Query{Category: "memory"})
	require.Len(t, matches, 1)
	assert.Equal(t, "memory/get", matches[0].Name)

	matches = r.Discover(Query{Category: "memory", IncludeDeprecated: true})
	assert.Len(t, matches, 2)
}

func TestDiscoverByTags(t *testing.T) {
	r := discoveryFixture(t)

	matches := r.Discover(Query{Tags: []string{"filesystem", "write"}})
	require.Len(t, matches, 1)
	assert.Equal(t, "file/write", matches[0].Name)

	assert.Empty(t, r.Discover(Query{Tags: []string{"filesystem", "read"}}))
}

func TestDiscoverByCapabilities(t *testing.T) {
	r := discoveryFixture(t)

	// A capability name matches through the category as well as tags.
	matches := r.Discover(Query{Capabilities: []string{"filesystem"}})
	require.Len(t, matches, 1)
	assert.Equal(t, "file/write", matches[0].Name)

	matches = r.Discover(Query{Capabilities: []string{"memory", "read"}})
	require.Len(t, matches, 1)
	assert.Equal(t, "memory/get", matches[0].Name)

	// Every requested capability must be offered.
	assert.Empty(t, r.Discover(Query{Capabilities: []string{"memory", "write"}}))
	assert.Empty(t, r.Discover(Query{Capabilities: []string{"search"}}))
}

func TestDiscoverByProtocolVersion(t *testing.T) {
	r := discoveryFixture(t)

	compatible := &protocol.Version{Major: 2, Minor: 3, Patch: 0}
	matches := r.Discover(Query{Category: "memory", ProtocolVersion: compatible})
	require.Len(t, matches, 1)

	tooNew := &protocol.Version{Major: 3, Minor: 0, Patch: 0}
	assert.Empty(t, r.Discover(Query{Category: "memory", ProtocolVersion: tooNew}))

	// Tools without declared versions match any client version.
	matches = r.Discover(Query{Category: "filesystem", ProtocolVersion: tooNew,
		Permissions: []string{"fs:write"}})
	assert.Len(t, matches, 1)
}

func TestDiscoverByPermissions(t *testing.T) {
	r := discoveryFixture(t)

	matches := r.Discover(Query{Permissions: []string{"fs:write"}})
	names := []string{matches[0].Name, matches[1].Name}
	assert.ElementsMatch(t, []string{"file/write", "memory/get"}, names)

	matches = r.Discover(Query{Permissions: []string{}})
	require.Len(t, matches, 1)
	assert.Equal(t, "memory/get", matches[0].Name)
}

func TestStatsAggregation(t *testing.T) {
	r := discoveryFixture(t)

	_, err := r.Execute(context.Background(), "memory/get", map[string]any{}, nil)
	require.NoError(t, err)
	_, err = r.Execute(context.Background(), "file/write", map[string]any{}, nil)
	require.NoError(t, err)

	s := r.Stats()
	assert.Equal(t, 3, s.TotalTools)
	assert.Equal(t, 2, s.ByCategory["memory"])
	assert.Equal(t, 1, s.ByCategory["filesystem"])
	assert.Equal(t, 2, s.ByTag["memory"])
	assert.Equal(t, int64(2), s.TotalCalls)
	assert.Equal(t, 1.0, s.SuccessRate)
}
