package transport

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotConnected = errors.New("transport not connected")
	ErrNotLoggedIn  = errors.New("transport not logged in")
)

type EventKind string

const (
	EventReady        EventKind = "ready"
	EventDisconnected EventKind = "disconnected"
	EventAuthFailure  EventKind = "auth_failure"
	EventQR           EventKind = "qr"
	EventPaired       EventKind = "paired"
)

// Event is an asynchronous notification from the transport.
type Event struct {
	Kind   EventKind
	Reason string
	// Code carries the pairing code for EventQR.
	Code string
	At   time.Time
}

// Account identifies the logged-in transport account.
type Account struct {
	Phone string `json:"phone,omitempty"`
	Name  string `json:"name,omitempty"`
}

// Adapter is the chat-delivery capability surface the core depends on.
// Addresses use the canonical "<digits>@c.us" form.
type Adapter interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool

	SendText(ctx context.Context, address, text string) error
	IsRegistered(ctx context.Context, address string) (bool, error)

	// Events delivers readiness, disconnect and auth notifications. The
	// channel is owned by the adapter and never closed while it is in use.
	Events() <-chan Event
	Self() Account
}
