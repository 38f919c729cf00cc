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

package protocol

import "context"

// Transport moves requests and responses across a process or network
// boundary. The core does not care whether bytes travel over standard I/O
// streams or an HTTP/WebSocket channel; implementations own framing.
type Transport interface {
	// Connect establishes the underlying channel.
	Connect(ctx context.Context) error

	// Disconnect tears the channel down. Safe to call when not connected.
	Disconnect() error

	// SendRequest delivers a request and waits for its response.
	SendRequest(ctx context.Context, req *Request) (*Response, error)
}

// NotificationSender is implemented by transports that can deliver
// one-way notifications. Callers detect support by interface assertion.
type NotificationSender interface {
	SendNotification(ctx context.Context, note *Notification) error
}
