package transport

import (
	"context"

	"github.com/coursehub/realtime/internal/types"
)

// State is the lifecycle state of the single logical connection a
// session holds to the realtime transport.
type State int

const (
	StateInitializing State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateSuspended
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateSuspended:
		return "suspended"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CredentialProvider yields a fresh transport auth token on demand. It
// is invoked on every dial attempt so a stale token is never reused
// across reconnects.
type CredentialProvider func(ctx context.Context) (string, error)

// Callbacks receive transport activity. Handlers must not block: they
// are invoked from the connection's read loop.
type Callbacks struct {
	OnStateChange func(state State, err error)
	OnEvent       func(ev EventFrame)
	OnPresence    func(ev PresenceChange)
}

// Transport is the client's link to the hosted realtime fan-out
// service. One implementation is chosen at the composition root; the
// rest of the core only sees this interface.
type Transport interface {
	// SetCallbacks must be called before Connect.
	SetCallbacks(cb Callbacks)
	// Connect is idempotent; reconnection after transient loss is
	// handled internally with backoff.
	Connect(ctx context.Context, creds CredentialProvider) error
	// Close releases the physical connection. The transport reports
	// StateClosed synchronously even if teardown finishes later.
	Close() error

	State() State

	Subscribe(ctx context.Context, channel string) error
	Unsubscribe(ctx context.Context, channel string) error
	Publish(ctx context.Context, channel, event string, data any) error
	// PresenceSnapshot fetches the full current member set of a
	// channel, used to (re)initialize presence after subscribing.
	PresenceSnapshot(ctx context.Context, channel string) ([]types.PresenceMember, error)
}
