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

package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_GetOrCreateSharesByName(t *testing.T) {
	m := NewManager(DefaultConfig())

	a := m.GetOrCreate("swarm", Config{})
	b := m.GetOrCreate("swarm", Config{})
	require.Same(t, a, b, "same name must share one breaker")

	c := m.GetOrCreate("memory", Config{})
	require.NotSame(t, a, c, "different names must not share state")
}

func TestManager_IsolatedFailureState(t *testing.T) {
	m := NewManager(Config{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		SuccessThreshold: 2,
		MonitoringWindow: time.Second,
	})

	failing := m.GetOrCreate("flaky", Config{})
	healthy := m.GetOrCreate("stable", Config{})

	_ = failing.Execute(context.Background(), func(context.Context) error {
		return errors.New("boom")
	})

	assert.Equal(t, StateOpen, failing.State())
	assert.Equal(t, StateClosed, healthy.State())
}

func TestManager_Remove(t *testing.T) {
	m := NewManager(DefaultConfig())

	m.GetOrCreate("ephemeral", Config{})
	require.NotNil(t, m.Get("ephemeral"))

	m.Remove("ephemeral")
	assert.Nil(t, m.Get("ephemeral"))
}

func TestManager_Status(t *testing.T) {
	m := NewManager(Config{
		FailureThreshold: 1,
		ResetTimeout:     time.Minute,
		SuccessThreshold: 2,
		MonitoringWindow: time.Second,
	})

	m.GetOrCreate("a", Config{})
	b := m.GetOrCreate("b", Config{})
	_ = b.Execute(context.Background(), func(context.Context) error {
		return errors.New("boom")
	})

	status := m.Status()
	require.Len(t, status, 2)
	assert.Equal(t, StateClosed, status["a"].State)
	assert.Equal(t, StateOpen, status["b"].State)
}
