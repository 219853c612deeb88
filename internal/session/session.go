// Package session serves the bidirectional chat protocol: one websocket per
// Session, gated by a lifecycle state machine, with a single goroutine
// writing to the connection.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loomlock/companion/internal/domain"
	"github.com/loomlock/companion/internal/event"
)

// ErrClosed is returned by Emit once the session has closed.
var ErrClosed = errors.New("session closed")

const (
	defaultQueueSize    = 256
	defaultWriteTimeout = 10 * time.Second
	drainTimeout        = 5 * time.Second
)

// WriteFunc delivers one encoded frame to the client.
type WriteFunc func(ctx context.Context, data []byte) error

// Session is one client connection. Every outbound event, including those
// from concurrent fan-out branches, is queued and written by one pump
// goroutine, so frames never interleave.
type Session struct {
	ID string

	fsm    machine
	userID string
	mu     sync.RWMutex

	queue     chan []byte
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	write        WriteFunc
	writeTimeout time.Duration
	logger       *slog.Logger
}

func newSession(id string, write WriteFunc, queueSize int, logger *slog.Logger) *Session {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Session{
		ID:           id,
		queue:        make(chan []byte, queueSize),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		write:        write,
		writeTimeout: defaultWriteTimeout,
		logger:       logger.With("session_id", id),
	}
	go s.pump()
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State { return s.fsm.current() }

// UserID is empty until authentication succeeds.
func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

func (s *Session) beginAuth() error {
	return s.fsm.advance(StateConnecting, StateAuthenticating)
}

func (s *Session) authenticated(user *domain.User) error {
	if err := s.fsm.advance(StateAuthenticating, StateAuthenticated); err != nil {
		return err
	}
	s.mu.Lock()
	s.userID = user.UserID
	s.mu.Unlock()
	return nil
}

func (s *Session) beginTurn() error {
	return s.fsm.advance(StateAuthenticated, StateProcessing)
}

func (s *Session) endTurn() {
	// A session closed mid-turn stays closed.
	_ = s.fsm.advance(StateProcessing, StateAuthenticated)
}

// Emit queues e for the client. It blocks while the queue is full and fails
// once the session is closed or ctx is done.
func (s *Session) Emit(ctx context.Context, e event.Event) error {
	if s.fsm.current() == StateClosed {
		return ErrClosed
	}
	data, err := event.Encode(e)
	if err != nil {
		return err
	}

	select {
	case s.queue <- data:
		return nil
	case <-s.stop:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) pump() {
	defer close(s.done)
	for {
		select {
		case data := <-s.queue:
			if err := s.send(data); err != nil {
				s.logger.Debug("Session write failed", "user_id", s.UserID(), "error", err)
				s.shutdown()
				return
			}
		case <-s.stop:
			s.drain()
			return
		}
	}
}

// drain flushes frames queued before the session closed, such as the error
// that explains a protocol violation.
func (s *Session) drain() {
	deadline := time.After(drainTimeout)
	for {
		select {
		case data := <-s.queue:
			if err := s.send(data); err != nil {
				return
			}
		case <-deadline:
			return
		default:
			return
		}
	}
}

func (s *Session) send(data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.writeTimeout)
	defer cancel()
	return s.write(ctx, data)
}

func (s *Session) shutdown() {
	s.closeOnce.Do(func() {
		s.fsm.close()
		close(s.stop)
	})
}

// Closed is closed once the session stops accepting events.
func (s *Session) Closed() <-chan struct{} { return s.stop }

// Close moves the session to Closed, flushes queued frames and stops the
// pump. Further Emits fail with ErrClosed.
func (s *Session) Close() {
	s.shutdown()
	select {
	case <-s.done:
	case <-time.After(drainTimeout):
		s.logger.Warn("Session pump shutdown timeout", "user_id", s.UserID())
	}
}
