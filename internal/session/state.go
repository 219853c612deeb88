package session

import (
	"fmt"
	"sync"

	"github.com/loomlock/companion/internal/domain"
)

// State is a connection lifecycle state.
type State int

const (
	StateConnecting State = iota
	StateAuthenticating
	StateAuthenticated
	StateProcessing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateProcessing:
		return "processing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// transitions lists legal moves. Closed is reachable from every state and
// is handled separately.
var transitions = map[State]State{
	StateConnecting:     StateAuthenticating,
	StateAuthenticating: StateAuthenticated,
	StateAuthenticated:  StateProcessing,
	StateProcessing:     StateAuthenticated,
}

// machine guards a session's state. Transitions are compare-and-swap so a
// second chat frame can never enter Processing while a turn is running.
type machine struct {
	mu    sync.Mutex
	state State
}

func (m *machine) current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// advance moves from -> to, failing if the session is elsewhere.
func (m *machine) advance(from, to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != from {
		if m.state == StateProcessing && to == StateProcessing {
			return domain.ErrSessionBusy
		}
		return fmt.Errorf("%w: %s -> %s while %s", domain.ErrProtocol, from, to, m.state)
	}
	if next, ok := transitions[from]; !ok || next != to {
		return fmt.Errorf("%w: illegal transition %s -> %s", domain.ErrProtocol, from, to)
	}
	m.state = to
	return nil
}

// close moves to Closed and reports whether this call did it.
func (m *machine) close() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateClosed {
		return false
	}
	m.state = StateClosed
	return true
}
