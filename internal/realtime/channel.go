// Package realtime provides the pub/sub channel abstraction the session
// machine talks through, and a websocket implementation of it.
//
// The transport is deliberately opaque to the rest of the SDK: named
// channels, named events, client-triggered events, and a connection-state
// signal. Everything protocol-specific stays in this package.
package realtime

import (
	"context"
	"encoding/json"
)

// ConnectionState is the transport-level connection state signal.
type ConnectionState string

const (
	StateInitialized  ConnectionState = "initialized"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"

	// StateFailed is terminal: the reconnect budget is exhausted and the
	// client will not try again without a fresh Connect.
	StateFailed ConnectionState = "failed"
)

// Built-in protocol events (wire-stable).
const (
	// EventSubscriptionSucceeded confirms a channel subscription.
	EventSubscriptionSucceeded = "subscription_succeeded"

	eventSubscribe   = "subscribe"
	eventUnsubscribe = "unsubscribe"
)

// Event is a named event delivered on a named channel.
type Event struct {
	Name    string
	Channel string
	Data    json.RawMessage
}

// Handler consumes delivered events. Handlers run on the read loop; they
// must not block. Panics are recovered and logged at the dispatch boundary.
type Handler func(Event)

// Channel is the transport contract consumed by the session machine.
//
// Bind replaces any prior handler registered for the same channel and event
// name, so re-binding after a reconnect can never double-deliver.
type Channel interface {
	Connect(ctx context.Context) error
	Close() error

	Subscribe(ctx context.Context, channel string) error
	Unsubscribe(ctx context.Context, channel string) error

	Bind(channel, event string, h Handler)
	Unbind(channel, event string)

	// Trigger publishes a client event on a subscribed channel.
	Trigger(ctx context.Context, channel, event string, payload any) error

	State() ConnectionState
	OnStateChange(fn func(ConnectionState))
}

// envelope is the canonical wire wrapper.
type envelope struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}
