package proxy

import (
	"fmt"
	"sync"
	"time"
)

// SessionState is the lifecycle state of one client session.
type SessionState int

const (
	// StateUninitialized is the state before any message arrived.
	StateUninitialized SessionState = iota
	// StateHandshaking means initialize was received but the client
	// has not yet confirmed with notifications/initialized.
	StateHandshaking
	// StateReady means the handshake completed and normal traffic flows.
	StateReady
	// StateDraining means shutdown started; in-flight requests finish
	// but new requests are rejected.
	StateDraining
	// StateClosed means the session is terminated.
	StateClosed
)

// String returns the state name.
func (s SessionState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Lifecycle tracks the handshake state machine for one client session.
// Safe for concurrent use.
type Lifecycle struct {
	mu    sync.RWMutex
	state SessionState

	// ProtocolVersion negotiated during initialize.
	protocolVersion string
	// ClientName and ClientVersion from the initialize clientInfo.
	clientName    string
	clientVersion string

	initializedAt time.Time
}

// NewLifecycle creates a session lifecycle in the uninitialized state.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{state: StateUninitialized}
}

// State returns the current state.
func (l *Lifecycle) State() SessionState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// preHandshakeMethods may flow before the handshake completes.
var preHandshakeMethods = map[string]bool{
	"initialize":                true,
	"initialized":               true,
	"notifications/initialized": true,
	"ping":                      true,
}

// CheckMethod verifies that a method is admissible in the current
// state. Returns ErrNotInitialized for traffic before the handshake
// and ErrDraining once shutdown started.
func (l *Lifecycle) CheckMethod(method string) error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	switch l.state {
	case StateUninitialized, StateHandshaking:
		if !preHandshakeMethods[method] {
			return ErrNotInitialized
		}
		return nil
	case StateReady:
		return nil
	case StateDraining, StateClosed:
		return ErrDraining
	default:
		return ErrInternalError
	}
}

// OnInitialize records the initialize request and moves to handshaking.
// Repeated initialize on an established session is rejected.
func (l *Lifecycle) OnInitialize(protocolVersion, clientName, clientVersion string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case StateUninitialized:
		l.state = StateHandshaking
		l.protocolVersion = protocolVersion
		l.clientName = clientName
		l.clientVersion = clientVersion
		return nil
	case StateHandshaking:
		// Client retried before confirming; accept idempotently.
		l.protocolVersion = protocolVersion
		return nil
	default:
		return fmt.Errorf("initialize in state %s", l.state)
	}
}

// OnInitialized completes the handshake.
func (l *Lifecycle) OnInitialized() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != StateHandshaking {
		return fmt.Errorf("initialized in state %s", l.state)
	}
	l.state = StateReady
	l.initializedAt = time.Now()
	return nil
}

// Drain moves an established session into draining. No-op if the
// session is already draining or closed.
func (l *Lifecycle) Drain() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == StateReady || l.state == StateHandshaking || l.state == StateUninitialized {
		l.state = StateDraining
	}
}

// Close terminates the session.
func (l *Lifecycle) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = StateClosed
}

// ClientInfo returns the negotiated protocol version and client identity.
func (l *Lifecycle) ClientInfo() (protocolVersion, name, version string) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.protocolVersion, l.clientName, l.clientVersion
}
