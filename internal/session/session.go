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

// Package session owns the set of live protocol sessions: creation,
// version negotiation, authentication, activity tracking, and expiry.
package session

import (
	"time"

	"github.com/tombee/relay/internal/protocol"
)

// Session is one live protocol session. Callers receive copies; all
// mutation goes through Manager methods.
type Session struct {
	ID              string
	TransportKind   string
	ProtocolVersion protocol.Version
	ClientInfo      protocol.ClientInfo
	Capabilities    map[string]any
	IsInitialized   bool
	Authenticated   bool
	CreatedAt       time.Time
	LastActivityAt  time.Time
}

// Credentials is the payload accepted by Authenticate. Any non-empty
// token or username is accepted; see Manager.Authenticate.
type Credentials struct {
	Token    string
	Username string
	Password string
}

// Metrics is an on-demand summary of the session table.
type Metrics struct {
	Total         int `json:"total"`
	Active        int `json:"active"`
	Authenticated int `json:"authenticated"`
	Expired       int `json:"expired"`
}

// clone returns a copy safe to hand outside the manager's lock.
func (s *Session) clone() *Session {
	out := *s
	if s.Capabilities != nil {
		out.Capabilities = make(map[string]any, len(s.Capabilities))
		for k, v := range s.Capabilities {
			out.Capabilities[k] = v
		}
	}
	return &out
}

// expired reports whether the session has been idle past the timeout.
func (s *Session) expired(timeout time.Duration, now time.Time) bool {
	return now.Sub(s.LastActivityAt) > timeout
}
